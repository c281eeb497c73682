// Package finalize decides when a message, and then a whole session, is
// done, and handles explicit session closure ("done") requests.
//
// Two flags are easy to confuse. is_messages_processed means every message
// cleared every stage; it is set by FinalizeMessages. is_finalized means the
// session was closed and all of its session-level post-processors finished;
// it is set only by Sweep.
package finalize

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/sneh-joshi/voxpipe/internal/ack"
	"github.com/sneh-joshi/voxpipe/internal/jobqueue"
	"github.com/sneh-joshi/voxpipe/internal/metrics"
	"github.com/sneh-joshi/voxpipe/internal/notify"
	"github.com/sneh-joshi/voxpipe/internal/scope"
	"github.com/sneh-joshi/voxpipe/internal/store"
	"github.com/sneh-joshi/voxpipe/internal/types"
)

// skipSampleSize is how many session ids the skipped-finalize line carries.
const skipSampleSize = 10

var errNotEligible = errors.New("finalize: session no longer eligible")

// Config tunes the protocol.
type Config struct {
	// ReactionEmoji is sent to the originating transport for each
	// finalized message; empty disables reactions.
	ReactionEmoji string

	// Verbose adds one log line per skipped session to the summary.
	Verbose bool

	// SkipSummaryInterval spaces the aggregated skipped-finalize line.
	SkipSummaryInterval time.Duration

	// PostprocessDelay delays session post-processor jobs after "done".
	PostprocessDelay time.Duration

	// DefaultSessionProcessors applies to closed sessions that list none.
	DefaultSessionProcessors []string
}

// Option configures a Protocol.
type Option func(*Protocol)

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option { return func(p *Protocol) { p.now = now } }

// WithMetrics attaches a registry.
func WithMetrics(reg *metrics.Registry) Option { return func(p *Protocol) { p.metrics = reg } }

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(p *Protocol) { p.log = l } }

// Protocol implements message finalization, the session closure sweep and
// the done request against one runtime scope.
type Protocol struct {
	store   store.Store
	scope   scope.Scope
	sink    notify.Sink
	acker   ack.Acknowledger
	queue   notify.Enqueuer
	cfg     Config
	now     func() time.Time
	metrics *metrics.Registry
	log     *slog.Logger

	skipLog rate.Sometimes
}

// New builds a Protocol. acker and queue may be nil: reactions are then
// skipped and Close fails.
func New(st store.Store, sc scope.Scope, sink notify.Sink, acker ack.Acknowledger, queue notify.Enqueuer, cfg Config, opts ...Option) *Protocol {
	p := &Protocol{
		store: st,
		scope: sc,
		sink:  sink,
		acker: acker,
		queue: queue,
		cfg:   cfg,
		now:   time.Now,
		log:   slog.Default(),
	}
	for _, o := range opts {
		o(p)
	}
	p.log = p.log.With("component", "finalize")
	p.skipLog = rate.Sometimes{Interval: cfg.SkipSummaryInterval}
	return p
}

// ─── Message finalization ────────────────────────────────────────────────────

// MessageResult reports what FinalizeMessages did.
type MessageResult struct {
	Finalized   int
	SessionDone bool
}

// MessageReady reports whether every stage of session other than
// finalization itself is finished for m.
func MessageReady(session *types.Session, m *types.Message) bool {
	for _, stage := range session.Processors {
		if stage == types.StageFinalization {
			continue
		}
		if !m.StageFinished(stage) {
			return false
		}
	}
	return true
}

// FinalizeMessages walks msgs in pipeline order and finalizes each message
// whose stages are all finished, stopping at the first one that is not.
// When every message is finalized the session is marked messages-processed
// and SESSION_CATEGORIZATION_DONE is published.
func (p *Protocol) FinalizeMessages(ctx context.Context, session *types.Session, msgs []*types.Message) (MessageResult, error) {
	var res MessageResult
	log := p.log.With("session_id", session.ID)

	for _, m := range msgs {
		if !MessageReady(session, m) {
			return res, nil
		}
		if m.IsFinalized && m.StageFinished(types.StageFinalization) {
			continue
		}

		now := p.now()
		updated, err := p.store.UpdateMessage(ctx, p.scope, m.ID, func(doc *types.Message) error {
			doc.IsFinalized = true
			if st := doc.Stage(types.StageFinalization); !st.Finished {
				st.Finish(now, nil)
			}
			doc.UpdatedAt = now
			return nil
		})
		if err != nil {
			return res, fmt.Errorf("finalize message %s: %w", m.ID, err)
		}
		res.Finalized++
		p.metrics.IncPipeline(metrics.EventMessageFinalized)
		log.Info("message finalized", "message_id", m.ID)

		p.publish(ctx, session.ID, notify.EventMessageUpdate, map[string]any{
			"message_id": updated.ID,
			"message":    updated,
		})
		p.react(ctx, updated)
	}

	now := p.now()
	updated, err := p.store.UpdateSession(ctx, p.scope, session.ID, func(s *types.Session) error {
		s.IsMessagesProcessed = true
		s.IsFinalized = false
		s.UpdatedAt = now
		return nil
	})
	if err != nil {
		return res, fmt.Errorf("finalize session %s: %w", session.ID, err)
	}
	res.SessionDone = true
	log.Info("all messages processed")

	p.publish(ctx, session.ID, notify.EventSessionUpdate, updated)
	p.publish(ctx, session.ID, notify.EventCategorizationDone, map[string]any{})
	return res, nil
}

func (p *Protocol) react(ctx context.Context, m *types.Message) {
	if p.acker == nil || p.cfg.ReactionEmoji == "" {
		return
	}
	if err := p.acker.React(ctx, m, p.cfg.ReactionEmoji); err != nil {
		p.log.Warn("reaction failed", "message_id", m.ID, "source", m.Source(), "error", err)
	}
}

func (p *Protocol) publish(ctx context.Context, sessionID, event string, payload any) {
	if p.sink == nil {
		return
	}
	if err := p.sink.Publish(ctx, sessionID, event, payload); err != nil {
		p.log.Error("notify failed", "session_id", sessionID, "event", event, "error", err)
	}
}

// ─── Session closure sweep ───────────────────────────────────────────────────

// SweepResult reports what Sweep did.
type SweepResult struct {
	Finalized int
	Skipped   int
}

// Eligible reports whether s may be closed for good: messages processed,
// closure requested, not yet finalized, and every session-level
// post-processor processed.
func Eligible(s *types.Session) bool {
	return s.IsMessagesProcessed && s.ToFinalize && !s.IsFinalized && len(s.PendingSessionProcessors()) == 0
}

// Sweep finalizes up to limit sessions awaiting closure; 0 means no cap.
// The limit bounds finalizations, not candidates, so skipped sessions never
// crowd out eligible ones. Sessions whose post-processors are still pending
// are skipped and summarised in one rate-limited log line.
func (p *Protocol) Sweep(ctx context.Context, limit int) (SweepResult, error) {
	var res SweepResult
	candidates, err := p.store.FindSessions(ctx, p.scope, store.SessionQuery{
		MessagesProcessed: store.Flag(true),
		ToFinalize:        store.Flag(true),
		Finalized:         store.Flag(false),
	})
	if err != nil {
		return res, fmt.Errorf("finalize sweep: %w", err)
	}

	byProcessor := map[string]int{}
	var skippedIDs []string

	for _, s := range candidates {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		if limit > 0 && res.Finalized >= limit {
			break
		}
		if pending := s.PendingSessionProcessors(); len(pending) > 0 {
			res.Skipped++
			skippedIDs = append(skippedIDs, s.ID)
			for _, name := range pending {
				byProcessor[name]++
			}
			if p.cfg.Verbose {
				p.log.Warn("session not fully processed, skipping finalization",
					"session_id", s.ID, "pending_processors", strings.Join(pending, ", "))
			}
			continue
		}

		now := p.now()
		updated, err := p.store.UpdateSession(ctx, p.scope, s.ID, func(doc *types.Session) error {
			if !Eligible(doc) {
				return errNotEligible
			}
			doc.IsFinalized = true
			doc.IsPostprocessing = true
			doc.UpdatedAt = now
			return nil
		})
		if errors.Is(err, errNotEligible) {
			continue
		}
		if err != nil {
			p.log.Error("session finalize failed", "session_id", s.ID, "error", err)
			continue
		}
		res.Finalized++
		p.metrics.IncPipeline(metrics.EventSessionFinalized)
		p.log.Info("session finalized", "session_id", s.ID)
		p.publish(ctx, s.ID, notify.EventSessionUpdate, updated)
	}

	if res.Skipped > 0 {
		p.skipLog.Do(func() {
			sample := skippedIDs
			if len(sample) > skipSampleSize {
				sample = sample[:skipSampleSize]
			}
			p.log.Warn("skipping finalization",
				"sessions", res.Skipped,
				"pending_processors", breakdown(byProcessor),
				"sample_session_ids", strings.Join(sample, ", "),
			)
		})
	}
	return res, nil
}

// breakdown renders counts as "A=3, B=1", largest first.
func breakdown(counts map[string]int) string {
	names := make([]string, 0, len(counts))
	for name := range counts {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool {
		if counts[names[i]] != counts[names[j]] {
			return counts[names[i]] > counts[names[j]]
		}
		return names[i] < names[j]
	})
	parts := make([]string, len(names))
	for i, name := range names {
		parts[i] = fmt.Sprintf("%s=%d", name, counts[name])
	}
	return strings.Join(parts, ", ")
}

// ─── Done request ─────────────────────────────────────────────────────────────

// Close handles a "done" request: the session stops accepting messages, is
// flagged for closure, and its session-level post-processors are queued.
// Sessions without a processor list get the configured default.
func (p *Protocol) Close(ctx context.Context, sessionID string) (*types.Session, error) {
	if p.queue == nil {
		return nil, errors.New("finalize: no work queue configured")
	}
	now := p.now()
	updated, err := p.store.UpdateSession(ctx, p.scope, sessionID, func(s *types.Session) error {
		if s.IsDeleted {
			return fmt.Errorf("%w: session %s is deleted", store.ErrNotFound, s.ID)
		}
		s.IsActive = false
		s.ToFinalize = true
		s.DoneAt = now
		s.DoneCount++
		if len(s.SessionProcessors) == 0 {
			s.SessionProcessors = p.defaultSessionProcessors()
		}
		for _, name := range s.SessionProcessors {
			if st := s.SessionStage(name); !st.Processed {
				st.QueuedAt = now
			}
		}
		s.UpdatedAt = now
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("close session %s: %w", sessionID, err)
	}
	p.metrics.IncPipeline(metrics.EventSessionClosed)
	p.log.Info("session closed", "session_id", sessionID, "done_count", updated.DoneCount)

	var errs []error
	for _, name := range updated.PendingSessionProcessors() {
		jobID := sessionID + "-" + name
		_, _, err := p.queue.Enqueue(ctx, types.QueuePostprocessors, name,
			types.SessionProcessorJob{SessionID: sessionID, Processor: name, JobID: jobID},
			jobqueue.AddOptions{DedupKey: jobID, Delay: p.cfg.PostprocessDelay},
		)
		if err != nil {
			p.log.Error("session processor enqueue failed", "session_id", sessionID, "processor", name, "error", err)
			errs = append(errs, fmt.Errorf("enqueue %s: %w", name, err))
		}
	}

	p.publish(ctx, sessionID, notify.EventSessionUpdate, updated)
	p.publish(ctx, sessionID, notify.EventSessionDone, map[string]any{"done_count": updated.DoneCount})
	if updated.ProjectID != "" {
		p.publish(ctx, sessionID, notify.EventSessionReadyToSummarize, map[string]any{"project_id": updated.ProjectID})
	}
	return updated, errors.Join(errs...)
}

func (p *Protocol) defaultSessionProcessors() []string {
	if len(p.cfg.DefaultSessionProcessors) > 0 {
		return append([]string(nil), p.cfg.DefaultSessionProcessors...)
	}
	return []string{types.DefaultSessionProcessor}
}
