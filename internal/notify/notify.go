// Package notify carries pipeline events out of the core: UI change events
// to websocket clients through the events queue, and business events to
// local hook commands through the notifies queue.
//
// Publishing is fire-and-forget. A failed publish is logged by the caller and
// never retried here.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/sneh-joshi/voxpipe/internal/jobqueue"
	"github.com/sneh-joshi/voxpipe/internal/types"
)

// UI change events.
const (
	EventSessionUpdate = "session_update"
	EventMessageUpdate = "message_update"
)

// Business events.
const (
	EventSessionDone             = "SESSION_DONE"
	EventSessionReadyToSummarize = "SESSION_READY_TO_SUMMARIZE"
	EventCategorizationDone      = "SESSION_CATEGORIZATION_DONE"
)

// IsUIEvent reports whether event goes to websocket clients rather than to
// the hook runner.
func IsUIEvent(event string) bool {
	return event == EventSessionUpdate || event == EventMessageUpdate
}

// Sink publishes an event about a session.
type Sink interface {
	Publish(ctx context.Context, sessionID, event string, payload any) error
}

// Enqueuer is the slice of jobqueue.Manager the sink needs.
type Enqueuer interface {
	Enqueue(ctx context.Context, queue, job string, payload any, opts jobqueue.AddOptions) (*types.Job, bool, error)
}

// Envelope is the payload of SEND_TO_SOCKET and notify jobs.
type Envelope struct {
	SessionID string          `json:"session_id"`
	Event     string          `json:"event"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// QueueSink publishes through the work queue.
type QueueSink struct {
	q    Enqueuer
	log  *slog.Logger
	noUI bool
}

// SinkOption configures a QueueSink.
type SinkOption func(*QueueSink)

// WithoutUIEvents drops UI change events instead of queueing them. Use it
// when no websocket hub consumes the events queue.
func WithoutUIEvents() SinkOption { return func(s *QueueSink) { s.noUI = true } }

// NewQueueSink returns a Sink backed by q.
func NewQueueSink(q Enqueuer, logger *slog.Logger, opts ...SinkOption) *QueueSink {
	if logger == nil {
		logger = slog.Default()
	}
	s := &QueueSink{q: q, log: logger}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Publish routes UI events to the events queue as SEND_TO_SOCKET jobs and
// business events to the notifies queue under the event name, deduplicated
// per session while a delivery is still pending.
func (s *QueueSink) Publish(ctx context.Context, sessionID, event string, payload any) error {
	if s.noUI && IsUIEvent(event) {
		return nil
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("notify: encode %s payload: %w", event, err)
	}
	env := Envelope{SessionID: sessionID, Event: event, Payload: raw}

	var (
		queue = types.QueueNotifies
		job   = event
		opts  = jobqueue.AddOptions{Attempts: 1, DedupKey: sessionID + "-" + event}
	)
	if IsUIEvent(event) {
		queue = types.QueueEvents
		job = types.JobSendToSocket
		opts = jobqueue.AddOptions{Attempts: 1}
	}

	if _, _, err := s.q.Enqueue(ctx, queue, job, env, opts); err != nil {
		return fmt.Errorf("notify: publish %s for session %s: %w", event, sessionID, err)
	}
	s.log.Debug("notify: event published", "session_id", sessionID, "event", event, "queue", queue)
	return nil
}
