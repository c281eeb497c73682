package pipeline

import (
	"context"
	"errors"
	"fmt"

	"github.com/sneh-joshi/voxpipe/internal/jobqueue"
	"github.com/sneh-joshi/voxpipe/internal/metrics"
	"github.com/sneh-joshi/voxpipe/internal/retry"
	"github.com/sneh-joshi/voxpipe/internal/store"
	"github.com/sneh-joshi/voxpipe/internal/types"
)

// errUnchanged aborts an update whose precondition no longer holds.
var errUnchanged = errors.New("pipeline: document changed since read")

// session runs the per-session part of a tick. The first return value
// collects enqueue failures, which were already rolled back; the second is
// a store failure that ended the session early.
func (l *Loop) session(ctx context.Context, s *types.Session, res *Result) ([]error, error) {
	log := l.log.With("session_id", s.ID)

	if retry.IsQuotaBlockedSession(s) {
		healed, err := l.store.UpdateSession(ctx, l.scope, s.ID, func(doc *types.Session) error {
			if !retry.HealSession(doc) {
				return errUnchanged
			}
			return nil
		})
		switch {
		case err == nil:
			s = healed
			l.metrics.IncPipeline(metrics.EventSessionHealed)
			log.Info("cleared quota-only corruption marker")
		case !errors.Is(err, errUnchanged):
			return nil, fmt.Errorf("heal: %w", err)
		}
	}

	msgs, err := l.store.FindMessages(ctx, l.scope, store.MessageQuery{SessionID: s.ID})
	if err != nil {
		return nil, fmt.Errorf("load messages: %w", err)
	}
	if len(msgs) == 0 {
		log.Debug("no messages, skipping")
		return nil, nil
	}
	now := l.now()

	// Repairs run first so the enqueue decisions below see the fixed state.
	for i, m := range msgs {
		if fixed, err := l.repair(ctx, s, m, res); err != nil {
			log.Error("message repair failed", "message_id", m.ID, "error", err)
		} else if fixed != nil {
			msgs[i] = fixed
		}
	}

	var errs []error
	for _, stage := range s.Processors {
		unfinished := unfinishedFor(stage, msgs)
		if len(unfinished) == 0 {
			continue
		}
		if stage != types.StageFinalization {
			l.detector.Log(s.ID, stage, l.detector.Inspect(stage, unfinished, now))

			// The stage worker resumes from the first unfinished message, so
			// a job is useless while that message is cooling down.
			if st := unfinished[0].ProcessorsData[stage]; st != nil && !st.Processing && !retry.Due(st, now) {
				continue
			}
		}
		if err := l.enqueueStage(ctx, s, stage, msgs, res); err != nil {
			log.Error("stage enqueue failed", "stage", stage, "error", err)
			errs = append(errs, err)
		}
	}

	for _, m := range msgs {
		if m.IsTranscribed || m.StageFinished(types.StageTranscription) || !l.policy.CanRetryTranscribe(m, now) {
			continue
		}
		if err := l.requeueTranscription(ctx, s, m, res); err != nil {
			errs = append(errs, err)
		}
	}
	return errs, nil
}

// repair applies the per-message fixes of a tick in one update: quota
// blocked transcriptions are flagged for transcription again, stale leases
// are reset and stages past their attempt cap are closed. It returns the
// updated message, or nil when nothing changed.
func (l *Loop) repair(ctx context.Context, s *types.Session, m *types.Message, res *Result) (*types.Message, error) {
	now := l.now()
	if !l.needsRepair(s, m) {
		return nil, nil
	}

	var resets, exhausted int
	updated, err := l.store.UpdateMessage(ctx, l.scope, m.ID, func(doc *types.Message) error {
		resets, exhausted = 0, 0
		changed := false
		if st := doc.ProcessorsData[types.StageTranscription]; st.IsQuotaRetry() && !doc.ToTranscribe {
			doc.ToTranscribe = true
			st.Attempts = 0
			changed = true
		}
		for _, stage := range s.Processors {
			if stage == types.StageFinalization {
				continue
			}
			if l.detector.Stale(doc, stage, now) {
				reason := "stale processing lock"
				if doc.ProcessorsData[stage].IsQuotaRetry() {
					reason = "quota-retry state"
				}
				if doc.ProcessorsData[stage].ResetLease(now) {
					l.log.Warn("resetting stale processing flag",
						"session_id", s.ID, "message_id", doc.ID, "stage", stage, "reason", reason)
					resets++
					changed = true
				}
			}
			if st := doc.ProcessorsData[stage]; st != nil && !st.Finished && !st.Processing && l.policy.Exhausted(stage, st) {
				st.MarkExhausted(now)
				l.log.Warn("stage exceeded its attempt cap",
					"session_id", s.ID, "message_id", doc.ID, "stage", stage, "attempts", st.Attempts)
				exhausted++
				changed = true
			}
		}
		if !changed {
			return errUnchanged
		}
		doc.UpdatedAt = now
		return nil
	})
	if errors.Is(err, errUnchanged) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	res.ResetLocks += resets
	res.ExhaustedStages += exhausted
	return updated, nil
}

// needsRepair is the read-only twin of repair, used to skip writes for the
// common case of a healthy message.
func (l *Loop) needsRepair(s *types.Session, m *types.Message) bool {
	now := l.now()
	if st := m.ProcessorsData[types.StageTranscription]; st.IsQuotaRetry() && !m.ToTranscribe {
		return true
	}
	for _, stage := range s.Processors {
		if stage == types.StageFinalization {
			continue
		}
		if l.detector.Stale(m, stage, now) {
			return true
		}
		if st := m.ProcessorsData[stage]; st != nil && !st.Finished && !st.Processing && l.policy.Exhausted(stage, st) {
			return true
		}
	}
	return false
}

func unfinishedFor(stage types.Stage, msgs []*types.Message) []*types.Message {
	var out []*types.Message
	for _, m := range msgs {
		if !m.StageFinished(stage) {
			out = append(out, m)
		}
	}
	return out
}

// enqueueStage places the processors-queue job for one (session, stage)
// pair. Custom processors go out as CUSTOM_PROCESSING jobs; names that are
// neither built in nor installed are logged and skipped.
func (l *Loop) enqueueStage(ctx context.Context, s *types.Session, stage types.Stage, msgs []*types.Message, res *Result) error {
	payload := types.StageJob{
		SessionID: s.ID,
		Processor: string(stage),
		Session:   s,
		Messages:  msgs,
	}
	name := string(stage)
	if stage.IsBuiltin() {
		payload.JobID = s.ID + "-" + name
	} else {
		if l.custom == nil || !l.custom.Has(name) {
			l.log.Error("custom processor not installed, skipping", "session_id", s.ID, "processor", name)
			return nil
		}
		payload.ProcessorName = name
		payload.JobID = s.ID + "-" + types.JobCustomProcessing + "-" + name
		name = types.JobCustomProcessing
	}

	_, added, err := l.queue.Enqueue(ctx, types.QueueProcessors, name, payload, jobqueue.AddOptions{DedupKey: payload.JobID})
	if err != nil {
		return fmt.Errorf("enqueue %s: %w", payload.JobID, err)
	}
	if added {
		res.EnqueuedJobs++
	}
	return nil
}

// requeueTranscription stamps the message as queued and places a TRANSCRIBE
// job. When the enqueue fails the stamp is rolled back into a short
// cool-down so the message never holds a phantom lease.
func (l *Loop) requeueTranscription(ctx context.Context, s *types.Session, m *types.Message, res *Result) error {
	now := l.now()
	log := l.log.With("session_id", s.ID, "message_id", m.ID)

	if _, err := l.store.UpdateMessage(ctx, l.scope, m.ID, func(doc *types.Message) error {
		if doc.IsTranscribed {
			return errUnchanged
		}
		st := doc.Stage(types.StageTranscription)
		st.QueuedAt = now
		retry.ClearRetry(st)
		doc.ToTranscribe = false
		doc.UpdatedAt = now
		return nil
	}); err != nil {
		if errors.Is(err, errUnchanged) {
			return nil
		}
		log.Warn("skip transcription requeue", "error", err)
		return nil
	}

	jobID := s.ID + "-" + m.ID + "-" + types.JobTranscribe
	_, added, err := l.queue.Enqueue(ctx, types.QueueVoice, types.JobTranscribe, types.TranscribeJob{
		SessionID: s.ID,
		MessageID: m.ID,
		ChatID:    m.ChatID,
		JobID:     jobID,
	}, jobqueue.AddOptions{DedupKey: jobID})
	if err == nil {
		res.RequeuedTranscriptions++
		if added {
			res.EnqueuedJobs++
		}
		log.Info("requeued message for transcription")
		return nil
	}

	l.metrics.IncPipeline(metrics.EventEnqueueRollback)
	log.Error("transcription enqueue failed, rolling back", "error", err)
	if _, rbErr := l.store.UpdateMessage(ctx, l.scope, m.ID, func(doc *types.Message) error {
		l.policy.RollbackEnqueue(doc.Stage(types.StageTranscription), now, err)
		doc.ToTranscribe = true
		doc.UpdatedAt = now
		return nil
	}); rbErr != nil {
		log.Error("rollback failed", "error", rbErr)
	}
	return fmt.Errorf("enqueue %s: %w", jobID, err)
}
