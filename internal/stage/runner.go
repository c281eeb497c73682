// Package stage runs the jobs the pipeline loop enqueues: per-session stage
// jobs on the processors queue, TRANSCRIBE jobs on the voice queue and
// session post-processor jobs on the postprocessors queue.
//
// A stage job walks the message snapshot in pipeline order and works one
// message at a time. It stops at the first message it cannot take: earlier
// stages unfinished, lease held, or retry not yet due. Later messages are
// never processed ahead of an earlier one.
package stage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/sneh-joshi/voxpipe/internal/finalize"
	"github.com/sneh-joshi/voxpipe/internal/jobqueue"
	"github.com/sneh-joshi/voxpipe/internal/metrics"
	"github.com/sneh-joshi/voxpipe/internal/notify"
	"github.com/sneh-joshi/voxpipe/internal/processor"
	"github.com/sneh-joshi/voxpipe/internal/retry"
	"github.com/sneh-joshi/voxpipe/internal/scope"
	"github.com/sneh-joshi/voxpipe/internal/store"
	"github.com/sneh-joshi/voxpipe/internal/types"
)

// SkipNotConfigured is the skipped_reason of a stage without a processor.
const SkipNotConfigured = "processor_not_configured"

// Stage outcomes recorded in metrics.
const (
	outcomeOK        = "ok"
	outcomeSkipped   = "skipped"
	outcomeQuota     = "quota"
	outcomeFailed    = "failed"
	outcomeExhausted = "exhausted"
)

// stop ends a walk without failing the job.
var errStop = errors.New("stage: stop")

// Option configures a Runner.
type Option func(*Runner)

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option { return func(r *Runner) { r.now = now } }

// WithMetrics attaches a registry.
func WithMetrics(reg *metrics.Registry) Option { return func(r *Runner) { r.metrics = reg } }

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(r *Runner) { r.log = l } }

// WithPrompts installs the custom processor prompts.
func WithPrompts(p *processor.Prompts) Option { return func(r *Runner) { r.prompts = p } }

// Runner executes stage jobs.
type Runner struct {
	store     store.Store
	scope     scope.Scope
	registry  *processor.Registry
	policy    retry.Policy
	finalizer *finalize.Protocol
	sink      notify.Sink
	prompts   *processor.Prompts

	now     func() time.Time
	metrics *metrics.Registry
	log     *slog.Logger
}

// New returns a Runner.
func New(st store.Store, sc scope.Scope, registry *processor.Registry, policy retry.Policy,
	finalizer *finalize.Protocol, sink notify.Sink, opts ...Option) *Runner {
	r := &Runner{
		store:     st,
		scope:     sc,
		registry:  registry,
		policy:    policy,
		finalizer: finalizer,
		sink:      sink,
		now:       time.Now,
		log:       slog.Default(),
	}
	for _, o := range opts {
		o(r)
	}
	r.log = r.log.With("component", "stage")
	return r
}

// ProcessorsHandler handles every processors-queue job. The job name is the
// stage, or CUSTOM_PROCESSING for prompt-driven processors.
func (r *Runner) ProcessorsHandler() jobqueue.Handler {
	return func(ctx context.Context, job *types.Job) error {
		var sj types.StageJob
		if err := json.Unmarshal(job.Payload, &sj); err != nil {
			return fmt.Errorf("stage: decode job %s: %w", job.ID, err)
		}
		session, err := r.store.GetSession(ctx, r.scope, sj.SessionID)
		if err != nil {
			return fmt.Errorf("stage: %w", err)
		}

		switch {
		case job.Name == types.JobCustomProcessing:
			return r.walk(ctx, session, sj.Messages, types.Stage(sj.ProcessorName), sj.ProcessorName)
		case types.Stage(job.Name) == types.StageFinalization:
			return r.finalizeMessages(ctx, session)
		case types.Stage(job.Name) == types.StageTranscription:
			return r.syncTranscription(ctx, sj.Messages)
		default:
			return r.walk(ctx, session, sj.Messages, types.Stage(job.Name), "")
		}
	}
}

// TranscribeHandler handles voice-queue TRANSCRIBE jobs.
func (r *Runner) TranscribeHandler() jobqueue.Handler {
	return func(ctx context.Context, job *types.Job) error {
		var tj types.TranscribeJob
		if err := json.Unmarshal(job.Payload, &tj); err != nil {
			return fmt.Errorf("stage: decode job %s: %w", job.ID, err)
		}
		session, err := r.store.GetSession(ctx, r.scope, tj.SessionID)
		if err != nil {
			return fmt.Errorf("stage: %w", err)
		}
		m, err := r.store.GetMessage(ctx, r.scope, tj.MessageID)
		if err != nil {
			return fmt.Errorf("stage: %w", err)
		}
		if m.IsDeleted || m.IsTranscribed {
			return nil
		}
		err = r.runMessage(ctx, session, m, types.StageTranscription, "")
		if errors.Is(err, errStop) {
			return nil
		}
		return err
	}
}

// SessionProcessorHandler handles postprocessors-queue jobs. The job name is
// the session processor; its processor is looked up under the same name.
func (r *Runner) SessionProcessorHandler() jobqueue.Handler {
	return func(ctx context.Context, job *types.Job) error {
		var pj types.SessionProcessorJob
		if err := json.Unmarshal(job.Payload, &pj); err != nil {
			return fmt.Errorf("stage: decode job %s: %w", job.ID, err)
		}
		name := pj.Processor
		if name == "" {
			name = job.Name
		}
		log := r.log.With("session_id", pj.SessionID, "processor", name)

		session, err := r.store.UpdateSession(ctx, r.scope, pj.SessionID, func(s *types.Session) error {
			st := s.SessionStage(name)
			if st.Processed {
				return errStop
			}
			st.Processing = true
			st.Error = ""
			s.UpdatedAt = r.now()
			return nil
		})
		if errors.Is(err, errStop) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("stage: lease session processor %s: %w", name, err)
		}

		p, runErr := r.registry.Lookup(name)
		if runErr == nil {
			_, runErr = p.Process(ctx, processor.Input{Stage: name, ProcessorName: name, Session: session})
		}

		done := r.now()
		session, err = r.store.UpdateSession(context.WithoutCancel(ctx), r.scope, pj.SessionID, func(s *types.Session) error {
			st := s.SessionStage(name)
			st.Processing = false
			s.UpdatedAt = done
			if runErr != nil && !errors.Is(runErr, processor.ErrUnknownProcessor) {
				st.Error = runErr.Error()
				return nil
			}
			st.Processed = true
			st.ProcessedAt = done
			st.Error = ""
			return nil
		})
		if err != nil {
			return fmt.Errorf("stage: record session processor %s: %w", name, err)
		}

		switch {
		case errors.Is(runErr, processor.ErrUnknownProcessor):
			r.metrics.IncStage(name, outcomeSkipped)
			log.Info("session processor not configured, marked processed")
		case runErr != nil:
			r.metrics.IncStage(name, outcomeFailed)
			log.Error("session processor failed", "error", runErr)
			r.publish(ctx, session.ID, notify.EventSessionUpdate, session)
			// Returning the error lets the work queue retry with backoff.
			return runErr
		default:
			r.metrics.IncStage(name, outcomeOK)
			log.Info("session processor done")
		}
		r.publish(ctx, session.ID, notify.EventSessionUpdate, session)
		return nil
	}
}

func (r *Runner) finalizeMessages(ctx context.Context, session *types.Session) error {
	if r.finalizer == nil {
		return nil
	}
	msgs, err := r.store.FindMessages(ctx, r.scope, store.MessageQuery{SessionID: session.ID})
	if err != nil {
		return fmt.Errorf("stage: load messages: %w", err)
	}
	_, err = r.finalizer.FinalizeMessages(ctx, session, msgs)
	return err
}

// syncTranscription closes the transcription stage of messages the voice
// queue has already transcribed.
func (r *Runner) syncTranscription(ctx context.Context, snapshot []*types.Message) error {
	now := r.now()
	for _, snap := range snapshot {
		if snap.StageFinished(types.StageTranscription) {
			continue
		}
		_, err := r.store.UpdateMessage(ctx, r.scope, snap.ID, func(m *types.Message) error {
			if !m.IsTranscribed || m.StageFinished(types.StageTranscription) {
				return errStop
			}
			st := m.Stage(types.StageTranscription)
			st.Finish(now, st.Result)
			m.UpdatedAt = now
			return nil
		})
		if err != nil && !errors.Is(err, errStop) && !errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("stage: sync transcription %s: %w", snap.ID, err)
		}
	}
	return nil
}

// walk processes the snapshot for one stage in order until a message cannot
// be taken.
func (r *Runner) walk(ctx context.Context, session *types.Session, snapshot []*types.Message, stage types.Stage, custom string) error {
	ordered := append([]*types.Message(nil), snapshot...)
	types.SortMessages(ordered)

	for _, snap := range ordered {
		if err := ctx.Err(); err != nil {
			return err
		}
		m, err := r.store.GetMessage(ctx, r.scope, snap.ID)
		if errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err != nil {
			return fmt.Errorf("stage: %w", err)
		}
		if m.IsDeleted || m.StageFinished(stage) {
			continue
		}
		if err := r.runMessage(ctx, session, m, stage, custom); err != nil {
			if errors.Is(err, errStop) {
				return nil
			}
			return err
		}
	}
	return nil
}

// prerequisitesDone reports whether every stage before stage in the
// session pipeline is finished for m.
func prerequisitesDone(session *types.Session, m *types.Message, stage types.Stage) bool {
	for _, s := range session.Processors {
		if s == stage {
			return true
		}
		if !m.StageFinished(s) {
			return false
		}
	}
	return true
}

// runMessage leases stage on m, runs the processor and records the outcome.
// It returns errStop when the walk must not go past m.
func (r *Runner) runMessage(ctx context.Context, session *types.Session, m *types.Message, stage types.Stage, custom string) error {
	log := r.log.With("session_id", session.ID, "message_id", m.ID, "stage", stage)
	now := r.now()

	if stage != types.StageTranscription && !prerequisitesDone(session, m, stage) {
		return errStop
	}
	if !r.policy.Eligible(stage, m.ProcessorsData[stage], now) {
		return errStop
	}

	leased, err := r.store.UpdateMessage(ctx, r.scope, m.ID, func(doc *types.Message) error {
		if !r.policy.Eligible(stage, doc.ProcessorsData[stage], now) {
			return errStop
		}
		if err := doc.Stage(stage).Acquire(now); err != nil {
			return errStop
		}
		doc.UpdatedAt = now
		return nil
	})
	if err != nil {
		if errors.Is(err, errStop) {
			return errStop
		}
		return fmt.Errorf("stage: lease %s/%s: %w", m.ID, stage, err)
	}

	out, runErr := r.invoke(ctx, session, leased, stage, custom)
	if runErr != nil && ctx.Err() != nil {
		// Shutting down: give the lease back untouched.
		_, _ = r.store.UpdateMessage(context.Background(), r.scope, m.ID, func(doc *types.Message) error {
			doc.Stage(stage).Release()
			return nil
		})
		return ctx.Err()
	}

	done := r.now()
	var outcome string
	updated, err := r.store.UpdateMessage(ctx, r.scope, m.ID, func(doc *types.Message) error {
		st := doc.Stage(stage)
		doc.UpdatedAt = done
		switch {
		case errors.Is(runErr, processor.ErrUnknownProcessor):
			st.Skip(done, SkipNotConfigured)
			outcome = outcomeSkipped
		case errors.Is(runErr, processor.ErrQuota):
			r.policy.RecordQuota(st, done, runErr)
			outcome = outcomeQuota
		case runErr != nil:
			if r.policy.RecordFailure(stage, st, done, runErr) {
				outcome = outcomeExhausted
			} else {
				outcome = outcomeFailed
			}
		case out.SkippedReason != "":
			st.Skip(done, out.SkippedReason)
			outcome = outcomeSkipped
		default:
			st.Finish(done, out.Result)
			applyOutput(doc, stage, out)
			outcome = outcomeOK
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("stage: record %s/%s: %w", m.ID, stage, err)
	}
	r.metrics.IncStage(string(stage), outcome)

	switch outcome {
	case outcomeQuota:
		log.Warn("provider quota exhausted, retry scheduled", "next_attempt_at", updated.Stage(stage).NextAttemptAt)
		if stage == types.StageTranscription {
			r.markQuotaBlocked(ctx, session.ID, m.ID, runErr)
		}
		return errStop
	case outcomeFailed:
		log.Error("stage failed", "attempts", updated.Stage(stage).Attempts, "error", runErr)
		return errStop
	case outcomeExhausted:
		log.Error("stage exhausted its attempts", "attempts", updated.Stage(stage).Attempts, "error", runErr)
	case outcomeSkipped:
		log.Info("stage skipped", "reason", updated.Stage(stage).SkippedReason)
	default:
		log.Info("stage done")
	}
	r.publish(ctx, session.ID, notify.EventMessageUpdate, map[string]any{"message_id": updated.ID, "message": updated})
	return nil
}

func (r *Runner) invoke(ctx context.Context, session *types.Session, m *types.Message, stage types.Stage, custom string) (processor.Output, error) {
	in := processor.Input{Stage: string(stage), Session: session, Message: m}
	name := string(stage)
	if custom != "" {
		name = string(types.StageCustomProcessing)
		in.ProcessorName = custom
		if r.prompts != nil {
			prompt, ok := r.prompts.Prompt(custom)
			if !ok {
				return processor.Output{}, fmt.Errorf("%w: custom prompt %s", processor.ErrUnknownProcessor, custom)
			}
			in.Prompt = prompt
		}
	}
	p, err := r.registry.Lookup(name)
	if err != nil {
		return processor.Output{}, err
	}
	return p.Process(ctx, in)
}

// applyOutput copies stage results onto the message fields other
// components read.
func applyOutput(m *types.Message, stage types.Stage, out processor.Output) {
	switch stage {
	case types.StageTranscription:
		m.IsTranscribed = true
		m.ToTranscribe = false
		if out.Text != "" {
			m.TranscriptionText = out.Text
		}
	case types.StageCategorization:
		var rows []types.CategorizationRow
		if len(out.Result) > 0 && json.Unmarshal(out.Result, &rows) == nil {
			m.Categorization = rows
		}
	}
}

func (r *Runner) markQuotaBlocked(ctx context.Context, sessionID, messageID string, cause error) {
	now := r.now()
	_, err := r.store.UpdateSession(ctx, r.scope, sessionID, func(s *types.Session) error {
		retry.MarkQuotaBlocked(s, messageID, now, cause)
		s.UpdatedAt = now
		return nil
	})
	if err != nil {
		r.log.Error("mark quota blocked failed", "session_id", sessionID, "error", err)
	}
}

func (r *Runner) publish(ctx context.Context, sessionID, event string, payload any) {
	if r.sink == nil {
		return
	}
	if err := r.sink.Publish(ctx, sessionID, event, payload); err != nil {
		r.log.Error("notify failed", "session_id", sessionID, "event", event, "error", err)
	}
}
