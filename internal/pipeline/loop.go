// Package pipeline implements the scheduler heartbeat.
//
// Each tick re-reads the candidate sessions and their messages from the
// store, repairs what it can (quota-only corruption, stale leases, exhausted
// stages), enqueues one job per unfinished (session, processor) pair and a
// TRANSCRIBE job for every message whose transcription retry is due, then
// runs the session closure sweep. Workers write results back to the store and
// the next tick observes them; nothing is cached between ticks.
//
// Deduplication keys on every enqueue are what keep overlapping ticks and
// queue redeliveries from producing two concurrent jobs for the same unit of
// work.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/sneh-joshi/voxpipe/internal/finalize"
	"github.com/sneh-joshi/voxpipe/internal/jobqueue"
	"github.com/sneh-joshi/voxpipe/internal/metrics"
	"github.com/sneh-joshi/voxpipe/internal/retry"
	"github.com/sneh-joshi/voxpipe/internal/scope"
	"github.com/sneh-joshi/voxpipe/internal/store"
	"github.com/sneh-joshi/voxpipe/internal/stuck"
	"github.com/sneh-joshi/voxpipe/internal/types"
)

// Limits of a manually requested tick.
const (
	DefaultLimit = 50
	MaxLimit     = 200
)

// ClampLimit maps a requested session limit into [1, MaxLimit]; 0 or less
// means DefaultLimit.
func ClampLimit(n int) int {
	switch {
	case n <= 0:
		return DefaultLimit
	case n > MaxLimit:
		return MaxLimit
	default:
		return n
	}
}

// Enqueuer places a job on a named work queue.
type Enqueuer interface {
	Enqueue(ctx context.Context, queue, job string, payload any, opts jobqueue.AddOptions) (*types.Job, bool, error)
}

// ProcessorSet reports which custom processor names are installed.
type ProcessorSet interface {
	Has(name string) bool
}

// Result holds the counters of one tick.
type Result struct {
	ScannedSessions        int `json:"scanned_sessions"`
	RequeuedTranscriptions int `json:"requeued_transcriptions"`
	ResetLocks             int `json:"reset_locks"`
	ExhaustedStages        int `json:"exhausted_stages"`
	EnqueuedJobs           int `json:"enqueued_jobs"`
	FinalizedSessions      int `json:"finalized_sessions"`
	SkippedFinalize        int `json:"skipped_finalize"`
	PendingTranscriptions  int `json:"pending_transcriptions"`
	PendingCategorizations int `json:"pending_categorizations"`
}

// Option configures a Loop.
type Option func(*Loop)

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option { return func(l *Loop) { l.now = now } }

// WithMetrics attaches a registry.
func WithMetrics(reg *metrics.Registry) Option { return func(l *Loop) { l.metrics = reg } }

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option { return func(l *Loop) { l.log = logger } }

// WithCustomProcessors sets the installed custom processors. Without it
// every custom processor name is treated as unknown.
func WithCustomProcessors(set ProcessorSet) Option { return func(l *Loop) { l.custom = set } }

// Loop is the pipeline scheduler. Ticks never overlap.
type Loop struct {
	store     store.Store
	scope     scope.Scope
	queue     Enqueuer
	policy    retry.Policy
	detector  *stuck.Detector
	finalizer *finalize.Protocol
	custom    ProcessorSet

	interval time.Duration
	limit    int

	// cursor is the last session scanned by a capped tick; the next capped
	// tick resumes after it.
	cursor *types.Session

	now     func() time.Time
	metrics *metrics.Registry
	log     *slog.Logger

	tickMu sync.Mutex
}

// New returns a Loop that ticks every interval over at most limit sessions;
// 0 or less scans every candidate. finalizer may be nil, in which case the
// closure sweep is skipped.
func New(st store.Store, sc scope.Scope, queue Enqueuer, policy retry.Policy, detector *stuck.Detector,
	finalizer *finalize.Protocol, interval time.Duration, limit int, opts ...Option) *Loop {
	l := &Loop{
		store:     st,
		scope:     sc,
		queue:     queue,
		policy:    policy,
		detector:  detector,
		finalizer: finalizer,
		interval:  interval,
		limit:     max(limit, 0),
		now:       time.Now,
		log:       slog.Default(),
	}
	for _, o := range opts {
		o(l)
	}
	l.log = l.log.With("component", "pipeline", "runtime_tag", sc.Tag)
	if l.detector == nil {
		l.detector = stuck.New(10*time.Minute, 5*time.Minute, l.log)
	}
	return l
}

// Run ticks until ctx is cancelled. A failed tick is logged and the loop
// carries on with the next one.
func (l *Loop) Run(ctx context.Context) error {
	ticker := time.NewTicker(l.interval)
	defer ticker.Stop()

	l.log.Info("pipeline loop started", "interval", l.interval, "limit", l.limit)
	for {
		if _, err := l.Tick(ctx, types.LoopJob{}); err != nil && ctx.Err() == nil {
			l.log.Error("tick failed", "error", err)
		}
		select {
		case <-ctx.Done():
			l.log.Info("pipeline loop stopped")
			return nil
		case <-ticker.C:
		}
	}
}

// Handler returns the common-queue handler for PROCESSING jobs.
func (l *Loop) Handler() jobqueue.Handler {
	return func(ctx context.Context, job *types.Job) error {
		var req types.LoopJob
		if len(job.Payload) > 0 {
			if err := json.Unmarshal(job.Payload, &req); err != nil {
				return fmt.Errorf("pipeline: decode loop job %s: %w", job.ID, err)
			}
		}
		_, err := l.Tick(ctx, req)
		return err
	}
}

// Tick runs one scheduler pass. When req names a session only that session
// is scanned. Per-session failures are logged and never stop the tick;
// enqueue failures are rolled back and returned joined once the tick ends.
func (l *Loop) Tick(ctx context.Context, req types.LoopJob) (Result, error) {
	l.tickMu.Lock()
	defer l.tickMu.Unlock()

	var res Result
	limit := l.limit
	if req.Limit > 0 {
		limit = ClampLimit(req.Limit)
	}
	l.metrics.IncPipeline(metrics.EventTick)

	sessions, err := l.candidates(ctx, req.SessionID, limit)
	if err != nil {
		l.metrics.IncPipeline(metrics.EventTickError)
		return res, err
	}
	l.log.Debug("tick", "sessions", len(sessions))

	var enqueueErrs []error
	for _, s := range sessions {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		res.ScannedSessions++
		errs, err := l.session(ctx, s, &res)
		enqueueErrs = append(enqueueErrs, errs...)
		if err != nil {
			l.log.Error("session tick failed", "session_id", s.ID, "error", err)
		}
	}

	if l.finalizer != nil {
		sweep, err := l.finalizer.Sweep(ctx, limit)
		if err != nil {
			l.log.Error("closure sweep failed", "error", err)
		}
		res.FinalizedSessions = sweep.Finalized
		res.SkippedFinalize = sweep.Skipped
	}

	if err := l.countPending(ctx, req.SessionID, &res); err != nil {
		l.log.Warn("pending counts failed", "error", err)
	}

	l.metrics.AddPipeline(metrics.EventRequeuedTranscription, res.RequeuedTranscriptions)
	l.metrics.AddPipeline(metrics.EventResetLock, res.ResetLocks)
	l.metrics.AddPipeline(metrics.EventExhaustedStage, res.ExhaustedStages)

	if err := errors.Join(enqueueErrs...); err != nil {
		l.metrics.IncPipeline(metrics.EventTickError)
		return res, fmt.Errorf("pipeline: tick: %w", err)
	}
	return res, nil
}

// candidates loads the sessions with unprocessed messages that are not
// waiting and not corrupted, quota-only corruption excepted. A positive limit
// takes a window that rotates across ticks, so sessions that never leave the
// candidate set cannot hide the ones behind them.
func (l *Loop) candidates(ctx context.Context, sessionID string, limit int) ([]*types.Session, error) {
	q := store.SessionQuery{
		MessagesProcessed: store.Flag(false),
		Waiting:           store.Flag(false),
	}
	if sessionID != "" {
		q.IDs = []string{sessionID}
	}
	all, err := l.store.FindSessions(ctx, l.scope, q)
	if err != nil {
		return nil, fmt.Errorf("pipeline: load sessions: %w", err)
	}
	out := make([]*types.Session, 0, len(all))
	for _, s := range all {
		if s.IsCorrupted && !retry.IsQuotaBlockedSession(s) {
			continue
		}
		out = append(out, s)
	}
	store.SortSessions(out)
	if sessionID != "" {
		return out, nil
	}
	if limit <= 0 || len(out) <= limit {
		l.cursor = nil
		return out, nil
	}

	start := 0
	if l.cursor != nil {
		start = len(out)
		for i, s := range out {
			if after(s, l.cursor) {
				start = i
				break
			}
		}
		if start == len(out) {
			start = 0
		}
	}
	window := make([]*types.Session, 0, limit)
	for i := 0; i < limit; i++ {
		window = append(window, out[(start+i)%len(out)])
	}
	l.cursor = window[len(window)-1]
	return window, nil
}

// after reports whether s sorts after c in scan order.
func after(s, c *types.Session) bool {
	if !s.CreatedAt.Equal(c.CreatedAt) {
		return s.CreatedAt.After(c.CreatedAt)
	}
	return s.ID > c.ID
}

func (l *Loop) countPending(ctx context.Context, sessionID string, res *Result) error {
	n, err := l.store.CountMessages(ctx, l.scope, store.MessageQuery{
		SessionID: sessionID,
		Where:     func(m *types.Message) bool { return m.ToTranscribe && !m.IsTranscribed },
	})
	if err != nil {
		return err
	}
	res.PendingTranscriptions = n

	n, err = l.store.CountMessages(ctx, l.scope, store.MessageQuery{
		SessionID: sessionID,
		Where:     PendingCategorization,
	})
	if err != nil {
		return err
	}
	res.PendingCategorizations = n
	return nil
}

// PendingCategorization reports whether a transcribed message still waits
// for categorization.
func PendingCategorization(m *types.Message) bool {
	if !m.IsTranscribed {
		return false
	}
	st := m.ProcessorsData[types.StageCategorization]
	return len(m.Categorization) == 0 || st == nil || !st.Processed || st.IsQuotaRetry()
}
