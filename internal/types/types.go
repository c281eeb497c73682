// Package types contains the domain types shared across all voxpipe internal
// packages: pipeline stages, per-stage status records, sessions, messages and
// work-queue jobs. It imports no other voxpipe package so that the store, the
// work queue and the pipeline can all depend on it without import cycles.
package types

import (
	"errors"
	"sort"
	"time"
)

// ErrStageFinished is returned when a lease is requested on a finished stage.
var ErrStageFinished = errors.New("types: stage already finished")

// ErrLeaseHeld is returned when a lease is requested on a stage that is
// already being processed.
var ErrLeaseHeld = errors.New("types: stage lease already held")

// RetryReasonQuota marks a retry caused by exhausted provider quota. Such
// retries never count against the attempt cap.
const RetryReasonQuota = "insufficient_quota"

// ErrorMaxAttempts is written to StageStatus.Error when the attempt cap is hit.
const ErrorMaxAttempts = "max_attempts_exceeded"

// ─── Stage ────────────────────────────────────────────────────────────────────

// Stage identifies one step of a session's pipeline.
type Stage string

const (
	StageTranscription         Stage = "transcription"
	StageCategorization        Stage = "categorization"
	StageSummarization         Stage = "summarization"
	StageQuestioning           Stage = "questioning"
	StageFinalization          Stage = "finalization"
	StagePostprocessingSummary Stage = "postprocessing_summary"
	StagePostprocessingDaily   Stage = "postprocessing_daily"
	StageCustomProcessing      Stage = "custom_processing"
)

var builtinStages = map[Stage]struct{}{
	StageTranscription:         {},
	StageCategorization:        {},
	StageSummarization:         {},
	StageQuestioning:           {},
	StageFinalization:          {},
	StagePostprocessingSummary: {},
	StagePostprocessingDaily:   {},
	StageCustomProcessing:      {},
}

// IsBuiltin reports whether s is one of the stages shipped with voxpipe.
// Anything else is a custom processor name.
func (s Stage) IsBuiltin() bool {
	_, ok := builtinStages[s]
	return ok
}

func (s Stage) String() string { return string(s) }

// DefaultProcessors is the per-message pipeline assigned to new sessions.
func DefaultProcessors() []Stage {
	return []Stage{StageTranscription, StageCategorization, StageFinalization}
}

// DefaultSessionProcessor is the session-level post-processor queued when a
// session is closed and no explicit list is set.
const DefaultSessionProcessor = "CREATE_TASKS"

// ─── Message-level stage status ──────────────────────────────────────────────

// StageStatus is the status of one pipeline stage for one message.
//
// Invariants: Processing implies !Processed; Finished implies Processed;
// Finished never goes back to false.
type StageStatus struct {
	Processing    bool      `json:"is_processing"`
	Processed     bool      `json:"is_processed"`
	Finished      bool      `json:"is_finished"`
	Failed        bool      `json:"is_failed,omitempty"`
	QueuedAt      time.Time `json:"job_queued_timestamp"`
	FinishedAt    time.Time `json:"finished_at"`
	SkippedReason string    `json:"skipped_reason,omitempty"`

	Attempts      int       `json:"attempts,omitempty"`
	RetryReason   string    `json:"retry_reason,omitempty"`
	NextAttemptAt time.Time `json:"next_attempt_at"`
	Error         string    `json:"error,omitempty"`
	ErrorMessage  string    `json:"error_message,omitempty"`
	ErrorAt       time.Time `json:"error_timestamp"`

	Result []byte `json:"result,omitempty"`
}

// Acquire takes the processing lease. The lease timestamp is QueuedAt so a
// lost lease can be detected by age.
func (s *StageStatus) Acquire(now time.Time) error {
	if s.Finished {
		return ErrStageFinished
	}
	if s.Processing {
		return ErrLeaseHeld
	}
	s.Processing = true
	s.Processed = false
	s.QueuedAt = now
	// A held lease is no longer a pending quota restart.
	s.RetryReason = ""
	return nil
}

// Release drops the lease without recording a result.
func (s *StageStatus) Release() {
	s.Processing = false
	s.Processed = false
}

// Finish records a successful result and closes the stage for good.
func (s *StageStatus) Finish(now time.Time, result []byte) {
	s.Processing = false
	s.Processed = true
	s.Finished = true
	s.FinishedAt = now
	s.Result = result
	s.RetryReason = ""
	s.NextAttemptAt = time.Time{}
}

// Skip closes the stage without a result.
func (s *StageStatus) Skip(now time.Time, reason string) {
	s.Finish(now, nil)
	s.SkippedReason = reason
}

// ResetLease clears a stale lease so the stage can be picked up again.
// It reports false and changes nothing when the stage is already finished.
func (s *StageStatus) ResetLease(now time.Time) bool {
	if s.Finished {
		return false
	}
	s.Processing = false
	s.Processed = false
	s.QueuedAt = now
	return true
}

// MarkExhausted closes the stage as a terminal failure.
func (s *StageStatus) MarkExhausted(now time.Time) {
	s.Processing = false
	s.Processed = true
	s.Finished = true
	s.Failed = true
	s.FinishedAt = now
	s.RetryReason = ErrorMaxAttempts
	s.Error = ErrorMaxAttempts
	if s.ErrorMessage == "" {
		s.ErrorMessage = "stage exceeded its retry attempts"
	}
	s.ErrorAt = now
	s.NextAttemptAt = time.Time{}
}

// IsQuotaRetry reports whether the stage waits on provider quota.
func (s *StageStatus) IsQuotaRetry() bool {
	return s != nil && s.RetryReason == RetryReasonQuota
}

// Validate checks the status invariants.
func (s *StageStatus) Validate() error {
	if s.Processing && s.Processed {
		return errors.New("stage is both processing and processed")
	}
	if s.Finished && !s.Processed {
		return errors.New("stage is finished but not processed")
	}
	return nil
}

// ─── Session-level stage status ──────────────────────────────────────────────

// SessionStageStatus tracks a session-level post-processor. It is kept apart
// from StageStatus because the two maps mean different things.
type SessionStageStatus struct {
	Processing  bool      `json:"is_processing"`
	Processed   bool      `json:"is_processed"`
	QueuedAt    time.Time `json:"job_queued_timestamp"`
	ProcessedAt time.Time `json:"processed_at"`
	Error       string    `json:"error,omitempty"`
}

// ─── Session ──────────────────────────────────────────────────────────────────

// SessionSource is where a session was opened.
type SessionSource string

const (
	SessionSourceTelegram SessionSource = "telegram"
	SessionSourceAPI      SessionSource = "api"
)

// Session is one recording/work unit.
type Session struct {
	ID            string        `json:"_id"`
	RuntimeTag    string        `json:"runtime_tag,omitempty"`
	ChatID        string        `json:"chat_id,omitempty"`
	ProjectID     string        `json:"project_id,omitempty"`
	SessionSource SessionSource `json:"session_source,omitempty"`

	IsActive            bool `json:"is_active"`
	IsWaiting           bool `json:"is_waiting"`
	IsMessagesProcessed bool `json:"is_messages_processed"`
	ToFinalize          bool `json:"to_finalize"`
	IsPostprocessing    bool `json:"is_postprocessing"`
	IsFinalized         bool `json:"is_finalized"`
	IsDeleted           bool `json:"is_deleted,omitempty"`

	IsCorrupted        bool      `json:"is_corrupted"`
	ErrorSource        string    `json:"error_source,omitempty"`
	TranscriptionError string    `json:"transcription_error,omitempty"`
	ErrorMessage       string    `json:"error_message,omitempty"`
	ErrorTimestamp     time.Time `json:"error_timestamp"`
	ErrorMessageID     string    `json:"error_message_id,omitempty"`

	Processors        []Stage                        `json:"processors"`
	SessionProcessors []string                       `json:"session_processors"`
	ProcessorsData    map[string]*SessionStageStatus `json:"processors_data,omitempty"`

	DoneAt    time.Time `json:"done_at"`
	DoneCount int       `json:"done_count,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
	DeletedAt time.Time `json:"deleted_at"`
}

// SessionStage returns the status of a session-level processor, creating an
// empty record when absent.
func (s *Session) SessionStage(name string) *SessionStageStatus {
	if s.ProcessorsData == nil {
		s.ProcessorsData = make(map[string]*SessionStageStatus)
	}
	st, ok := s.ProcessorsData[name]
	if !ok {
		st = &SessionStageStatus{}
		s.ProcessorsData[name] = st
	}
	return st
}

// PendingSessionProcessors lists the session processors that are not done.
func (s *Session) PendingSessionProcessors() []string {
	var out []string
	for _, name := range s.SessionProcessors {
		if st, ok := s.ProcessorsData[name]; !ok || !st.Processed {
			out = append(out, name)
		}
	}
	return out
}

// ─── Message ──────────────────────────────────────────────────────────────────

// MessageSource is the transport a message came from.
type MessageSource string

const (
	MessageSourceTelegram MessageSource = "telegram"
	MessageSourceWeb      MessageSource = "web"
	MessageSourceDiscord  MessageSource = "discord"
)

// Attachment is a file attached to a message.
type Attachment struct {
	Name     string        `json:"name,omitempty"`
	Filename string        `json:"filename,omitempty"`
	Source   MessageSource `json:"source,omitempty"`
}

// FileMetadata describes the uploaded file behind a message.
type FileMetadata struct {
	OriginalFilename string `json:"original_filename,omitempty"`
}

// Segment is one timed piece of a transcription.
type Segment struct {
	Start float64 `json:"start"`
	End   float64 `json:"end"`
	Text  string  `json:"text"`
}

// Transcription is the structured transcription result.
type Transcription struct {
	Segments []Segment `json:"segments,omitempty"`
}

// TranscriptionChunk is a user-editable slice of the transcription text.
type TranscriptionChunk struct {
	Text      string `json:"text"`
	IsDeleted bool   `json:"is_deleted,omitempty"`
}

// CategorizationRow is one categorised fragment of a message.
type CategorizationRow struct {
	Text     string `json:"text"`
	Topic    string `json:"topic,omitempty"`
	Keywords string `json:"keywords,omitempty"`
}

// Message is one unit of content inside a session.
type Message struct {
	ID         string `json:"_id"`
	SessionID  string `json:"session_id"`
	RuntimeTag string `json:"runtime_tag,omitempty"`
	ChatID     string `json:"chat_id,omitempty"`

	// MessageID is the per-source sequence number.
	MessageID        int64         `json:"message_id"`
	MessageTimestamp int64         `json:"message_timestamp"`
	SourceType       MessageSource `json:"source_type,omitempty"`
	MessageType      string        `json:"message_type,omitempty"`

	FileName     string        `json:"file_name,omitempty"`
	FileMetadata *FileMetadata `json:"file_metadata,omitempty"`
	Attachments  []Attachment  `json:"attachments,omitempty"`

	ToTranscribe        bool                 `json:"to_transcribe"`
	IsTranscribed       bool                 `json:"is_transcribed"`
	Transcription       *Transcription       `json:"transcription,omitempty"`
	TranscriptionChunks []TranscriptionChunk `json:"transcription_chunks,omitempty"`
	TranscriptionText   string               `json:"transcription_text,omitempty"`
	Text                string               `json:"text,omitempty"`
	Categorization      []CategorizationRow  `json:"categorization,omitempty"`

	IsFinalized bool `json:"is_finalized"`

	IsDeleted       bool      `json:"is_deleted,omitempty"`
	DeletedAt       time.Time `json:"deleted_at"`
	DedupReason     string    `json:"dedup_reason,omitempty"`
	DedupGroupKey   string    `json:"dedup_group_key,omitempty"`
	DedupReplacedBy string    `json:"dedup_replaced_by,omitempty"`

	ProcessorsData map[Stage]*StageStatus `json:"processors_data,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Stage returns the status record for stage, creating it when absent.
func (m *Message) Stage(stage Stage) *StageStatus {
	if m.ProcessorsData == nil {
		m.ProcessorsData = make(map[Stage]*StageStatus)
	}
	st, ok := m.ProcessorsData[stage]
	if !ok {
		st = &StageStatus{}
		m.ProcessorsData[stage] = st
	}
	return st
}

// StageFinished reports whether stage is finished without creating a record.
func (m *Message) StageFinished(stage Stage) bool {
	st, ok := m.ProcessorsData[stage]
	return ok && st.Finished
}

// Source returns the message source, defaulting to telegram for legacy rows.
func (m *Message) Source() MessageSource {
	if m.SourceType == "" {
		return MessageSourceTelegram
	}
	return m.SourceType
}

// ─── Work-queue jobs ─────────────────────────────────────────────────────────

// JobState is the lifecycle state of a job in the work queue.
type JobState uint8

const (
	// JobWaiting means the job is ready to be claimed by a worker.
	JobWaiting JobState = iota
	// JobActive means a worker holds the job under a lease.
	JobActive
	// JobDelayed means the job becomes waiting at ProcessAt.
	JobDelayed
	// JobCompleted is terminal: the handler succeeded.
	JobCompleted
	// JobFailed is terminal: the handler failed on its last attempt.
	JobFailed
)

// String returns a human-readable representation of the state.
func (s JobState) String() string {
	switch s {
	case JobWaiting:
		return "waiting"
	case JobActive:
		return "active"
	case JobDelayed:
		return "delayed"
	case JobCompleted:
		return "completed"
	case JobFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// IsLive reports whether the job is unfinished work.
func (s JobState) IsLive() bool {
	return s == JobWaiting || s == JobActive || s == JobDelayed
}

// Job is one unit of work in a named queue. Timestamps are UTC milliseconds.
type Job struct {
	ID          string   `json:"id"`
	Queue       string   `json:"queue"`
	Name        string   `json:"name"`
	Payload     []byte   `json:"payload"`
	DedupKey    string   `json:"dedup_key,omitempty"`
	State       JobState `json:"state"`
	Attempt     int      `json:"attempt"`
	MaxAttempts int      `json:"max_attempts"`

	CreatedAt  int64 `json:"created_at"`
	ProcessAt  int64 `json:"process_at,omitempty"`
	StartedAt  int64 `json:"started_at,omitempty"`
	FinishedAt int64 `json:"finished_at,omitempty"`

	LeaseToken    string `json:"lease_token,omitempty"`
	LeaseDeadline int64  `json:"lease_deadline,omitempty"`
	FailedReason  string `json:"failed_reason,omitempty"`
}

// ─── Queue and job names ─────────────────────────────────────────────────────

// Work-queue names. The prefix is shared by both runtimes; isolation comes
// from the runtime tag on the documents, not from the queue names.
const (
	QueueCommon         = "voicebot--common"
	QueueVoice          = "voicebot--voice"
	QueueProcessors     = "voicebot--processors"
	QueuePostprocessors = "voicebot--postprocessors"
	QueueEvents         = "voicebot--events"
	QueueNotifies       = "voicebot--notifies"
)

// AllQueues lists every queue the server opens.
func AllQueues() []string {
	return []string{QueueCommon, QueueVoice, QueueProcessors, QueuePostprocessors, QueueEvents, QueueNotifies}
}

// Job names that are not stage names.
const (
	JobTranscribe       = "TRANSCRIBE"
	JobSendToSocket     = "SEND_TO_SOCKET"
	JobCustomProcessing = "CUSTOM_PROCESSING"
	JobProcessingLoop   = "PROCESSING"
)

// ─── Ordering ─────────────────────────────────────────────────────────────────

// LessMessages orders two messages of one session. Telegram pairs compare by
// sequence number. When either side comes from another source the arrival
// timestamp decides first, then the sequence number, then the id.
func LessMessages(a, b *Message) bool {
	if a.Source() != MessageSourceTelegram || b.Source() != MessageSourceTelegram {
		if a.MessageTimestamp != b.MessageTimestamp {
			return a.MessageTimestamp < b.MessageTimestamp
		}
	}
	if a.MessageID != b.MessageID {
		return a.MessageID < b.MessageID
	}
	return a.ID < b.ID
}

// SortMessages sorts msgs in place into pipeline order.
func SortMessages(msgs []*Message) {
	sort.SliceStable(msgs, func(i, j int) bool { return LessMessages(msgs[i], msgs[j]) })
}

// ─── Job payloads ─────────────────────────────────────────────────────────────

// StageJob is the payload of a processors-queue job: one (session, stage)
// pair with the ordered message snapshot taken at enqueue time. ProcessorName
// is set for CUSTOM_PROCESSING jobs.
type StageJob struct {
	SessionID     string     `json:"session_id"`
	Processor     string     `json:"processor"`
	ProcessorName string     `json:"processor_name,omitempty"`
	JobID         string     `json:"job_id"`
	Session       *Session   `json:"session"`
	Messages      []*Message `json:"messages"`
}

// TranscribeJob is the payload of a voice-queue TRANSCRIBE job.
type TranscribeJob struct {
	SessionID string `json:"session_id"`
	MessageID string `json:"message_id"`
	ChatID    string `json:"chat_id,omitempty"`
	JobID     string `json:"job_id"`
}

// SessionProcessorJob is the payload of a postprocessors-queue job.
type SessionProcessorJob struct {
	SessionID string `json:"session_id"`
	Processor string `json:"processor"`
	JobID     string `json:"job_id"`
}

// LoopJob is the payload of a PROCESSING job on the common queue.
type LoopJob struct {
	SessionID string `json:"session_id,omitempty"`
	Limit     int    `json:"limit,omitempty"`
}
