package notify

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/sneh-joshi/voxpipe/internal/types"
)

// Broadcaster pushes an event to every client watching a session.
type Broadcaster interface {
	Broadcast(sessionID, event string, payload json.RawMessage) int
}

// SocketHandler returns the events-queue handler for SEND_TO_SOCKET jobs.
func SocketHandler(b Broadcaster) func(context.Context, *types.Job) error {
	return func(_ context.Context, job *types.Job) error {
		var env Envelope
		if err := json.Unmarshal(job.Payload, &env); err != nil {
			return fmt.Errorf("notify: decode socket job %s: %w", job.ID, err)
		}
		b.Broadcast(env.SessionID, env.Event, env.Payload)
		return nil
	}
}

// HookHandler returns the notifies-queue handler. It is registered as the
// worker fallback because the job name is the event name.
func HookHandler(h *Hooks) func(context.Context, *types.Job) error {
	return func(_ context.Context, job *types.Job) error {
		var env Envelope
		if err := json.Unmarshal(job.Payload, &env); err != nil {
			return fmt.Errorf("notify: decode notify job %s: %w", job.ID, err)
		}
		if env.Event == "" {
			env.Event = job.Name
		}
		_, err := h.Run(env)
		return err
	}
}
