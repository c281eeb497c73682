// Package gormstore is the SQL store.Store driver (SQLite or Postgres).
//
// Each document is one row: the flags the pipeline filters on are real
// columns, the rest of the document is a JSON text column. Every query goes
// through scope.Clause on runtime_tag and is then re-checked with the query's
// Match method so both drivers share one definition of each filter.
//
// Updates are optimistic: the row carries a version, the write is
// conditional on it and a lost race is retried from a fresh read.
package gormstore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	sqliteDriver "github.com/glebarez/sqlite"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/sneh-joshi/voxpipe/internal/scope"
	"github.com/sneh-joshi/voxpipe/internal/store"
	"github.com/sneh-joshi/voxpipe/internal/types"
)

const maxUpdateRetries = 8

// errStale signals that a conditional write lost to a concurrent writer.
var errStale = errors.New("gormstore: stale version")

// Store implements store.Store on gorm.
type Store struct {
	db     *gorm.DB
	logger *slog.Logger
}

var _ store.Store = (*Store)(nil)

// Open connects with driver ("sqlite" or "postgres") and migrates the schema.
func Open(driver, dsn string, log *slog.Logger) (*Store, error) {
	if log == nil {
		log = slog.Default()
	}
	gormDB, err := openGorm(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("gormstore: open: %w", err)
	}
	s := &Store{db: gormDB, logger: log.With("component", "gormstore", "driver", driver)}
	if err := s.db.AutoMigrate(&sessionRow{}, &messageRow{}); err != nil {
		return nil, fmt.Errorf("gormstore: migrate: %w", err)
	}
	return s, nil
}

// ---- sessions ---------------------------------------------------------------

func (s *Store) FindSessions(ctx context.Context, sc scope.Scope, q store.SessionQuery) ([]*types.Session, error) {
	clause, args := sc.Clause("runtime_tag")
	tx := s.db.WithContext(ctx).Model(&sessionRow{}).Where(clause, args...)
	if len(q.IDs) > 0 {
		tx = tx.Where("id IN ?", q.IDs)
	}
	if !q.IncludeDeleted {
		tx = tx.Where("is_deleted = ?", false)
	}
	for col, v := range map[string]*bool{
		"is_active":             q.Active,
		"is_waiting":            q.Waiting,
		"is_corrupted":          q.Corrupted,
		"is_messages_processed": q.MessagesProcessed,
		"to_finalize":           q.ToFinalize,
		"is_finalized":          q.Finalized,
	} {
		if v != nil {
			tx = tx.Where(col+" = ?", *v)
		}
	}
	if !q.CreatedBefore.IsZero() {
		tx = tx.Where("created_at < ?", q.CreatedBefore.UTC())
	}
	tx = tx.Order("created_at ASC").Order("id ASC")
	if q.Limit > 0 {
		tx = tx.Limit(q.Limit)
	}

	var rows []sessionRow
	if err := tx.Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("gormstore: find sessions: %w", err)
	}
	out := make([]*types.Session, 0, len(rows))
	for _, row := range rows {
		sess, err := row.toSession()
		if err != nil {
			return nil, fmt.Errorf("gormstore: decode session %s: %w", row.ID, err)
		}
		if sc.Matches(sess.RuntimeTag) && q.Match(sess) {
			out = append(out, sess)
		}
	}
	store.SortSessions(out)
	return out, nil
}

func (s *Store) GetSession(ctx context.Context, sc scope.Scope, id string) (*types.Session, error) {
	sess, _, err := s.loadSession(s.db.WithContext(ctx), sc, id)
	return sess, err
}

func (s *Store) PutSession(ctx context.Context, sess *types.Session) error {
	row, err := sessionRowFrom(sess)
	if err != nil {
		return fmt.Errorf("gormstore: marshal session %s: %w", sess.ID, err)
	}
	var prev int64
	_ = s.db.WithContext(ctx).Model(&sessionRow{}).Where("id = ?", sess.ID).Select("version").Scan(&prev).Error
	row.Version = prev + 1
	if err := s.db.WithContext(ctx).Save(&row).Error; err != nil {
		return fmt.Errorf("gormstore: put session: %w", err)
	}
	return nil
}

func (s *Store) UpdateSession(ctx context.Context, sc scope.Scope, id string, fn func(*types.Session) error) (*types.Session, error) {
	for attempt := 0; attempt < maxUpdateRetries; attempt++ {
		db := s.db.WithContext(ctx)
		sess, version, err := s.loadSession(db, sc, id)
		if err != nil {
			return nil, err
		}
		if err := fn(sess); err != nil {
			return nil, err
		}
		row, err := sessionRowFrom(sess)
		if err != nil {
			return nil, fmt.Errorf("gormstore: marshal session %s: %w", id, err)
		}
		err = writeIfVersion(db, &sessionRow{}, id, version, map[string]any{
			"runtime_tag":           row.RuntimeTag,
			"is_active":             row.IsActive,
			"is_waiting":            row.IsWaiting,
			"is_corrupted":          row.IsCorrupted,
			"is_messages_processed": row.IsMessagesProcessed,
			"to_finalize":           row.ToFinalize,
			"is_finalized":          row.IsFinalized,
			"is_deleted":            row.IsDeleted,
			"doc":                   row.Doc,
			"updated_at":            row.UpdatedAt,
		})
		if errors.Is(err, errStale) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("gormstore: update session %s: %w", id, err)
		}
		return sess, nil
	}
	return nil, fmt.Errorf("%w: session %s", store.ErrConflict, id)
}

func (s *Store) loadSession(db *gorm.DB, sc scope.Scope, id string) (*types.Session, int64, error) {
	var row sessionRow
	if err := db.Where("id = ?", id).Take(&row).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, 0, fmt.Errorf("%w: session %s", store.ErrNotFound, id)
		}
		return nil, 0, fmt.Errorf("gormstore: get session: %w", err)
	}
	sess, err := row.toSession()
	if err != nil {
		return nil, 0, fmt.Errorf("gormstore: decode session %s: %w", id, err)
	}
	if !sc.Matches(sess.RuntimeTag) {
		return nil, 0, store.Mismatch(s.logger, sc, "session", id, sess.RuntimeTag)
	}
	return sess, row.Version, nil
}

// ---- messages ---------------------------------------------------------------

func (s *Store) messageQuery(ctx context.Context, sc scope.Scope, q store.MessageQuery) *gorm.DB {
	clause, args := sc.Clause("runtime_tag")
	tx := s.db.WithContext(ctx).Model(&messageRow{}).Where(clause, args...)
	if q.SessionID != "" {
		tx = tx.Where("session_id = ?", q.SessionID)
	}
	if len(q.IDs) > 0 {
		tx = tx.Where("id IN ?", q.IDs)
	}
	if !q.IncludeDeleted {
		tx = tx.Where("is_deleted = ?", false)
	}
	return tx
}

func (s *Store) FindMessages(ctx context.Context, sc scope.Scope, q store.MessageQuery) ([]*types.Message, error) {
	var rows []messageRow
	if err := s.messageQuery(ctx, sc, q).Order("message_id ASC").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("gormstore: find messages: %w", err)
	}
	out := make([]*types.Message, 0, len(rows))
	for _, row := range rows {
		m, err := row.toMessage()
		if err != nil {
			return nil, fmt.Errorf("gormstore: decode message %s: %w", row.ID, err)
		}
		if sc.Matches(m.RuntimeTag) && q.Match(m) {
			out = append(out, m)
		}
	}
	// Mixed-source ordering is not expressible as one ORDER BY.
	types.SortMessages(out)
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

func (s *Store) CountMessages(ctx context.Context, sc scope.Scope, q store.MessageQuery) (int, error) {
	if q.Where != nil {
		msgs, err := s.FindMessages(ctx, sc, q)
		return len(msgs), err
	}
	var n int64
	if err := s.messageQuery(ctx, sc, q).Count(&n).Error; err != nil {
		return 0, fmt.Errorf("gormstore: count messages: %w", err)
	}
	return int(n), nil
}

func (s *Store) GetMessage(ctx context.Context, sc scope.Scope, id string) (*types.Message, error) {
	m, _, err := s.loadMessage(s.db.WithContext(ctx), sc, id)
	return m, err
}

func (s *Store) PutMessage(ctx context.Context, m *types.Message) error {
	row, err := messageRowFrom(m)
	if err != nil {
		return fmt.Errorf("gormstore: marshal message %s: %w", m.ID, err)
	}
	var prev int64
	_ = s.db.WithContext(ctx).Model(&messageRow{}).Where("id = ?", m.ID).Select("version").Scan(&prev).Error
	row.Version = prev + 1
	if err := s.db.WithContext(ctx).Save(&row).Error; err != nil {
		return fmt.Errorf("gormstore: put message: %w", err)
	}
	return nil
}

func (s *Store) UpdateMessage(ctx context.Context, sc scope.Scope, id string, fn func(*types.Message) error) (*types.Message, error) {
	for attempt := 0; attempt < maxUpdateRetries; attempt++ {
		db := s.db.WithContext(ctx)
		m, version, err := s.loadMessage(db, sc, id)
		if err != nil {
			return nil, err
		}
		if err := fn(m); err != nil {
			return nil, err
		}
		err = s.writeMessage(db, m, version)
		if errors.Is(err, errStale) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("gormstore: update message %s: %w", id, err)
		}
		return m, nil
	}
	return nil, fmt.Errorf("%w: message %s", store.ErrConflict, id)
}

func (s *Store) UpdateMessages(ctx context.Context, sc scope.Scope, ids []string, fn func(*types.Message) error) (int, error) {
	n := 0
	for _, id := range ids {
		_, err := s.UpdateMessage(ctx, sc, id, fn)
		if errors.Is(err, store.ErrNotFound) || errors.Is(err, store.ErrSkip) {
			continue
		}
		if err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

func (s *Store) writeMessage(db *gorm.DB, m *types.Message, version int64) error {
	row, err := messageRowFrom(m)
	if err != nil {
		return err
	}
	return writeIfVersion(db, &messageRow{}, m.ID, version, map[string]any{
		"session_id":        row.SessionID,
		"runtime_tag":       row.RuntimeTag,
		"message_id":        row.MessageID,
		"message_timestamp": row.MessageTimestamp,
		"is_deleted":        row.IsDeleted,
		"doc":               row.Doc,
		"updated_at":        row.UpdatedAt,
	})
}

func (s *Store) loadMessage(db *gorm.DB, sc scope.Scope, id string) (*types.Message, int64, error) {
	var row messageRow
	if err := db.Where("id = ?", id).Take(&row).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, 0, fmt.Errorf("%w: message %s", store.ErrNotFound, id)
		}
		return nil, 0, fmt.Errorf("gormstore: get message: %w", err)
	}
	m, err := row.toMessage()
	if err != nil {
		return nil, 0, fmt.Errorf("gormstore: decode message %s: %w", id, err)
	}
	if !sc.Matches(m.RuntimeTag) {
		return nil, 0, store.Mismatch(s.logger, sc, "message", id, m.RuntimeTag)
	}
	return m, row.Version, nil
}

func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return fmt.Errorf("gormstore: get sql db: %w", err)
	}
	return sqlDB.Close()
}

// writeIfVersion updates the row only if nobody bumped its version since it
// was read.
func writeIfVersion(db *gorm.DB, model any, id string, version int64, cols map[string]any) error {
	cols["version"] = version + 1
	res := db.Model(model).Where("id = ? AND version = ?", id, version).Updates(cols)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return errStale
	}
	return nil
}

// ---- connection -------------------------------------------------------------

func openGorm(driver, dsn string) (*gorm.DB, error) {
	driver = strings.ToLower(strings.TrimSpace(driver))
	if driver == "" {
		driver = "sqlite"
	}
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		if driver != "sqlite" {
			return nil, fmt.Errorf("dsn is required for driver %q", driver)
		}
		dsn = "voxpipe.db"
	}

	cfg := &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)}
	switch driver {
	case "sqlite":
		if err := ensureSQLiteDirectory(dsn); err != nil {
			return nil, err
		}
		db, err := gorm.Open(sqliteDriver.Open(dsn), cfg)
		if err != nil {
			return nil, err
		}
		// SQLite has one writer; a single connection turns lock errors into waits.
		sqlDB, err := db.DB()
		if err != nil {
			return nil, err
		}
		sqlDB.SetMaxOpenConns(1)
		return db, nil
	case "postgres":
		return gorm.Open(postgres.Open(dsn), cfg)
	default:
		return nil, fmt.Errorf("unsupported driver %q", driver)
	}
}

func ensureSQLiteDirectory(dsn string) error {
	path, ok := sqliteFilePath(dsn)
	if !ok {
		return nil
	}
	dir := filepath.Dir(path)
	if dir == "" || dir == "." {
		return nil
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("create sqlite db dir: %w", err)
	}
	return nil
}

func sqliteFilePath(dsn string) (string, bool) {
	raw := strings.TrimSpace(dsn)
	lower := strings.ToLower(raw)
	if raw == "" || lower == ":memory:" || strings.HasPrefix(lower, "file::memory:") {
		return "", false
	}
	if strings.HasPrefix(lower, "file:") {
		parsed, err := url.Parse(raw)
		if err != nil {
			return stripQuery(strings.TrimPrefix(raw, "file:")), true
		}
		if strings.EqualFold(parsed.Query().Get("mode"), "memory") {
			return "", false
		}
		if parsed.Path != "" {
			return parsed.Path, true
		}
		if parsed.Opaque != "" {
			return stripQuery(parsed.Opaque), true
		}
		return "", false
	}
	return stripQuery(raw), true
}

func stripQuery(v string) string {
	if i := strings.Index(v, "?"); i >= 0 {
		return v[:i]
	}
	return v
}
