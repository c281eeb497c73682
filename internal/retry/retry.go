// Package retry holds the pure decision functions that govern when a failed
// or outstanding pipeline stage may run again.
//
// Two reasons for a retry exist. A quota retry (provider quota exhausted) is
// gated only by NextAttemptAt and never counts against the attempt cap. Any
// other failure increments Attempts; once Attempts exceeds the stage cap the
// stage is closed as a terminal failure so the session can move on.
package retry

import (
	"strings"
	"time"

	"github.com/sneh-joshi/voxpipe/internal/config"
	"github.com/sneh-joshi/voxpipe/internal/types"
)

// Session error markers written by the transcription stage when provider
// quota runs out.
const (
	ErrorSourceTranscription = "transcription"
	ErrorEnqueueFailed       = "enqueue_failed"
)

// Policy is the retry configuration. The zero value never caps attempts and
// applies no cool-downs.
type Policy struct {
	// Caps maps a stage to its attempt ceiling; missing or <= 0 means uncapped.
	Caps map[types.Stage]int

	// FirstAttemptGrace is how long a never-queued message waits after
	// creation before a forced transcription requeue.
	FirstAttemptGrace time.Duration

	EnqueueCooldown time.Duration
	FailureCooldown time.Duration
	QuotaCooldown   time.Duration
}

// FromConfig builds a Policy from the pipeline section.
func FromConfig(cfg config.PipelineConfig) Policy {
	caps := make(map[types.Stage]int, len(cfg.MaxAttempts))
	for name, n := range cfg.MaxAttempts {
		caps[types.Stage(name)] = n
	}
	return Policy{
		Caps:              caps,
		FirstAttemptGrace: cfg.FirstAttemptGrace,
		EnqueueCooldown:   cfg.EnqueueCooldown,
		FailureCooldown:   cfg.FailureCooldown,
		QuotaCooldown:     cfg.QuotaCooldown,
	}
}

// Cap returns the attempt ceiling of stage, 0 meaning none.
func (p Policy) Cap(stage types.Stage) int {
	if n := p.Caps[stage]; n > 0 {
		return n
	}
	return 0
}

// Exhausted reports whether st has used up its attempts. Quota retries are
// never exhausted.
func (p Policy) Exhausted(stage types.Stage, st *types.StageStatus) bool {
	if st == nil || st.IsQuotaRetry() {
		return false
	}
	limit := p.Cap(stage)
	return limit > 0 && st.Attempts > limit
}

// Due reports whether the cool-down of st has passed. An unset
// NextAttemptAt is always due.
func Due(st *types.StageStatus, now time.Time) bool {
	return st == nil || st.NextAttemptAt.IsZero() || !now.Before(st.NextAttemptAt)
}

// Eligible reports whether the stage may be leased now: not finished, not
// held, past its cool-down and within its attempt budget.
func (p Policy) Eligible(stage types.Stage, st *types.StageStatus, now time.Time) bool {
	if st == nil {
		return true
	}
	if st.Finished || st.Processing {
		return false
	}
	return Due(st, now) && !p.Exhausted(stage, st)
}

// CanRetryTranscribe decides whether an untranscribed message gets a forced
// TRANSCRIBE job this tick.
func (p Policy) CanRetryTranscribe(m *types.Message, now time.Time) bool {
	st := m.ProcessorsData[types.StageTranscription]
	if st == nil {
		st = &types.StageStatus{}
	}
	if !st.NextAttemptAt.IsZero() && now.Before(st.NextAttemptAt) {
		return false
	}
	if p.Exhausted(types.StageTranscription, st) {
		return false
	}
	if !st.NextAttemptAt.IsZero() {
		return true
	}
	if st.QueuedAt.IsZero() {
		return !m.CreatedAt.IsZero() && now.Sub(m.CreatedAt) > p.FirstAttemptGrace
	}
	if m.ToTranscribe {
		return true
	}
	return now.Sub(st.QueuedAt) > p.FirstAttemptGrace
}

// RollbackEnqueue undoes a lease whose job never reached the work queue and
// schedules the next attempt after EnqueueCooldown. The stage must never be
// left marked in progress after a failed enqueue.
func (p Policy) RollbackEnqueue(st *types.StageStatus, now time.Time, cause error) {
	st.Processing = false
	st.Processed = false
	st.Error = ErrorEnqueueFailed
	if cause != nil {
		st.ErrorMessage = cause.Error()
	}
	st.ErrorAt = now
	st.NextAttemptAt = now.Add(p.EnqueueCooldown)
}

// RecordQuota releases the lease and parks the stage until QuotaCooldown
// has passed. Attempts are left alone.
func (p Policy) RecordQuota(st *types.StageStatus, now time.Time, cause error) {
	st.Processing = false
	st.Processed = false
	st.RetryReason = types.RetryReasonQuota
	st.Error = types.RetryReasonQuota
	if cause != nil {
		st.ErrorMessage = cause.Error()
	}
	st.ErrorAt = now
	st.NextAttemptAt = now.Add(p.QuotaCooldown)
}

// RecordFailure counts a failed attempt. It closes the stage with
// MarkExhausted and reports true once the cap is exceeded; otherwise the
// lease is released with a FailureCooldown.
func (p Policy) RecordFailure(stage types.Stage, st *types.StageStatus, now time.Time, cause error) bool {
	st.Attempts++
	st.RetryReason = ""
	st.ErrorAt = now
	if cause != nil {
		st.Error = "processing_failed"
		st.ErrorMessage = cause.Error()
	}
	if p.Exhausted(stage, st) {
		st.MarkExhausted(now)
		return true
	}
	st.Processing = false
	st.Processed = false
	st.NextAttemptAt = now.Add(p.FailureCooldown)
	return false
}

// ClearRetry resets the bookkeeping after a successful enqueue.
func ClearRetry(st *types.StageStatus) {
	st.NextAttemptAt = time.Time{}
	st.Error = ""
}

// IsQuotaBlockedSession reports whether s is corrupted only because the
// transcription provider ran out of quota.
func IsQuotaBlockedSession(s *types.Session) bool {
	return s.IsCorrupted &&
		s.ErrorSource == ErrorSourceTranscription &&
		strings.EqualFold(strings.TrimSpace(s.TranscriptionError), types.RetryReasonQuota)
}

// HealSession clears a quota-only corruption marker. It reports whether
// anything changed; any other corruption is left for an operator.
func HealSession(s *types.Session) bool {
	if !IsQuotaBlockedSession(s) {
		return false
	}
	s.IsCorrupted = false
	s.ErrorSource = ""
	s.TranscriptionError = ""
	s.ErrorMessage = ""
	s.ErrorTimestamp = time.Time{}
	s.ErrorMessageID = ""
	return true
}

// MarkQuotaBlocked flags s as corrupted by a transcription quota failure.
// HealSession undoes it on the next scheduler tick.
func MarkQuotaBlocked(s *types.Session, messageID string, now time.Time, cause error) {
	s.IsCorrupted = true
	s.ErrorSource = ErrorSourceTranscription
	s.TranscriptionError = types.RetryReasonQuota
	if cause != nil {
		s.ErrorMessage = cause.Error()
	}
	s.ErrorTimestamp = now
	s.ErrorMessageID = messageID
}
