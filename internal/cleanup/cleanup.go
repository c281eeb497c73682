// Package cleanup soft-deletes sessions that were opened and never used.
package cleanup

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/sneh-joshi/voxpipe/internal/config"
	"github.com/sneh-joshi/voxpipe/internal/metrics"
	"github.com/sneh-joshi/voxpipe/internal/scope"
	"github.com/sneh-joshi/voxpipe/internal/store"
	"github.com/sneh-joshi/voxpipe/internal/types"
)

var errNotEmpty = errors.New("cleanup: session no longer empty")

// Option configures a Sweeper.
type Option func(*Sweeper)

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option { return func(s *Sweeper) { s.now = now } }

// WithMetrics attaches a registry.
func WithMetrics(reg *metrics.Registry) Option { return func(s *Sweeper) { s.metrics = reg } }

// Sweeper removes inactive sessions older than MaxAge that have no messages.
type Sweeper struct {
	store store.Store
	scope scope.Scope
	cfg   config.CleanupConfig

	now     func() time.Time
	metrics *metrics.Registry
	log     *slog.Logger
}

// New returns a Sweeper.
func New(st store.Store, sc scope.Scope, cfg config.CleanupConfig, logger *slog.Logger, opts ...Option) *Sweeper {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Sweeper{
		store: st,
		scope: sc,
		cfg:   cfg,
		now:   time.Now,
		log:   logger.With("component", "empty_session_cleanup"),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Run sweeps once at start and then every interval until ctx is done.
func (s *Sweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()
	for {
		if _, err := s.Sweep(ctx); err != nil && ctx.Err() == nil {
			s.log.Error("sweep failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// Sweep deletes up to BatchLimit empty sessions and returns how many went.
// Messages are counted including soft-deleted ones, so a session whose
// messages were removed as duplicates is kept.
func (s *Sweeper) Sweep(ctx context.Context) (int, error) {
	now := s.now()
	candidates, err := s.store.FindSessions(ctx, s.scope, store.SessionQuery{
		Active:        store.Flag(false),
		CreatedBefore: now.Add(-s.cfg.MaxAge),
	})
	if err != nil {
		return 0, fmt.Errorf("cleanup: find sessions: %w", err)
	}

	deleted := 0
	for _, c := range candidates {
		if s.cfg.BatchLimit > 0 && deleted >= s.cfg.BatchLimit {
			break
		}
		if err := ctx.Err(); err != nil {
			return deleted, err
		}
		n, err := s.store.CountMessages(ctx, s.scope, store.MessageQuery{SessionID: c.ID, IncludeDeleted: true})
		if err != nil {
			return deleted, fmt.Errorf("cleanup: count messages of %s: %w", c.ID, err)
		}
		if n > 0 {
			continue
		}

		_, err = s.store.UpdateSession(ctx, s.scope, c.ID, func(doc *types.Session) error {
			if doc.IsActive || doc.IsDeleted {
				return errNotEmpty
			}
			doc.IsDeleted = true
			doc.DeletedAt = now
			doc.UpdatedAt = now
			return nil
		})
		switch {
		case err == nil:
			deleted++
			s.log.Debug("empty session deleted", "session_id", c.ID, "created_at", c.CreatedAt)
		case errors.Is(err, errNotEmpty), errors.Is(err, store.ErrNotFound):
		default:
			return deleted, fmt.Errorf("cleanup: delete %s: %w", c.ID, err)
		}
	}

	s.metrics.AddPipeline(metrics.EventEmptySessionDeleted, deleted)
	if deleted > 0 {
		s.log.Info("empty sessions deleted", "count", deleted, "max_age", s.cfg.MaxAge)
	}
	return deleted, nil
}
