// Package store defines the document store abstraction shared by the
// pipeline, the finalization protocol and the ops surface.
//
// Two logical collections live behind it: sessions and messages. Every read
// and every update is scoped: callers pass a scope.Scope and the driver only
// ever returns or mutates documents that belong to it. A document fetched by
// id that exists but belongs to another environment is reported as
// ErrNotFound (wrapping ErrScopeMismatch) and logged, never returned.
//
// Implementations:
//   - boltstore.Store: single-file bbolt, the default driver
//   - gormstore.Store: SQLite or Postgres through gorm
//
// Updates are read-modify-write closures executed atomically, which is what
// makes acquiring a stage lease safe against a concurrent worker.
package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/sneh-joshi/voxpipe/internal/scope"
	"github.com/sneh-joshi/voxpipe/internal/types"
)

// ErrNotFound is returned when a document does not exist in the caller's scope.
var ErrNotFound = errors.New("store: not found")

// ErrScopeMismatch is wrapped into ErrNotFound when the document exists but
// carries another environment's runtime tag.
var ErrScopeMismatch = errors.New("store: runtime scope mismatch")

// ErrSkip may be returned by an UpdateMessages callback to leave one
// document unchanged without aborting the batch.
var ErrSkip = errors.New("store: skip document")

// ErrConflict is returned when an optimistic update lost every retry.
var ErrConflict = errors.New("store: concurrent update conflict")

// Store is the document store used by every voxpipe component.
// All methods must be safe for concurrent use.
type Store interface {
	// FindSessions returns the scoped sessions matching q ordered by
	// creation time, oldest first.
	FindSessions(ctx context.Context, sc scope.Scope, q SessionQuery) ([]*types.Session, error)

	// GetSession loads one session by id.
	GetSession(ctx context.Context, sc scope.Scope, id string) (*types.Session, error)

	// PutSession inserts or replaces a session as-is.
	PutSession(ctx context.Context, s *types.Session) error

	// UpdateSession applies fn to the stored session and persists the result
	// atomically. An error from fn aborts the update and is returned as-is.
	UpdateSession(ctx context.Context, sc scope.Scope, id string, fn func(*types.Session) error) (*types.Session, error)

	// FindMessages returns the scoped messages matching q in pipeline order.
	FindMessages(ctx context.Context, sc scope.Scope, q MessageQuery) ([]*types.Message, error)

	// GetMessage loads one message by id.
	GetMessage(ctx context.Context, sc scope.Scope, id string) (*types.Message, error)

	// PutMessage inserts or replaces a message as-is.
	PutMessage(ctx context.Context, m *types.Message) error

	// UpdateMessage is the message counterpart of UpdateSession.
	UpdateMessage(ctx context.Context, sc scope.Scope, id string, fn func(*types.Message) error) (*types.Message, error)

	// UpdateMessages applies fn to every listed message in scope and returns
	// how many were written. Ids outside the scope, and documents for which
	// fn returns ErrSkip, are skipped.
	UpdateMessages(ctx context.Context, sc scope.Scope, ids []string, fn func(*types.Message) error) (int, error)

	// CountMessages counts the scoped messages matching q.
	CountMessages(ctx context.Context, sc scope.Scope, q MessageQuery) (int, error)

	Close() error
}

// SessionQuery filters sessions. Nil flags do not filter.
type SessionQuery struct {
	IDs []string

	Active            *bool
	Waiting           *bool
	Corrupted         *bool
	MessagesProcessed *bool
	ToFinalize        *bool
	Finalized         *bool

	IncludeDeleted bool
	CreatedBefore  time.Time

	// Limit caps the result; 0 means no cap.
	Limit int
}

// Flag returns a pointer to v for use in queries.
func Flag(v bool) *bool { return &v }

// Match reports whether s satisfies every filter of q except Limit.
// Drivers that pre-filter in their own query language still call Match so
// the semantics are defined in one place.
func (q SessionQuery) Match(s *types.Session) bool {
	if len(q.IDs) > 0 && !contains(q.IDs, s.ID) {
		return false
	}
	if !q.IncludeDeleted && s.IsDeleted {
		return false
	}
	if !flagMatch(q.Active, s.IsActive) ||
		!flagMatch(q.Waiting, s.IsWaiting) ||
		!flagMatch(q.Corrupted, s.IsCorrupted) ||
		!flagMatch(q.MessagesProcessed, s.IsMessagesProcessed) ||
		!flagMatch(q.ToFinalize, s.ToFinalize) ||
		!flagMatch(q.Finalized, s.IsFinalized) {
		return false
	}
	if !q.CreatedBefore.IsZero() && !s.CreatedAt.Before(q.CreatedBefore) {
		return false
	}
	return true
}

// MessageQuery filters messages.
type MessageQuery struct {
	SessionID      string
	IDs            []string
	IncludeDeleted bool
	Limit          int

	// Where is an optional in-process predicate applied after the other
	// filters.
	Where func(*types.Message) bool
}

// Match reports whether m satisfies every filter of q except Limit.
func (q MessageQuery) Match(m *types.Message) bool {
	if q.SessionID != "" && m.SessionID != q.SessionID {
		return false
	}
	if len(q.IDs) > 0 && !contains(q.IDs, m.ID) {
		return false
	}
	if !q.IncludeDeleted && m.IsDeleted {
		return false
	}
	if q.Where != nil && !q.Where(m) {
		return false
	}
	return true
}

// Mismatch logs a scope violation on a by-id read and returns the error
// callers see: ErrNotFound wrapping ErrScopeMismatch.
func Mismatch(logger *slog.Logger, sc scope.Scope, kind, id, tag string) error {
	if logger != nil {
		logger.Warn("runtime scope mismatch",
			"kind", kind,
			"id", id,
			"record_runtime_tag", tag,
			"runtime_tag", sc.Tag,
			"strict", sc.Strict,
		)
	}
	return fmt.Errorf("%w: %s %s: %w", ErrNotFound, kind, id, ErrScopeMismatch)
}

func flagMatch(want *bool, got bool) bool {
	return want == nil || *want == got
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

// SortSessions orders sessions oldest first, id breaking ties.
func SortSessions(list []*types.Session) {
	sort.SliceStable(list, func(i, j int) bool {
		a, b := list[i], list[j]
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.ID < b.ID
	})
}
