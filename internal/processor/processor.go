// Package processor holds the stage processors the workers call out to and
// the registry that names them.
//
// voxpipe does no AI work itself. Every stage (transcription, categorization,
// custom prompts, session post-processors) is a Processor, normally a
// Webhook pointing at an external worker.
package processor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/sneh-joshi/voxpipe/internal/types"
)

// ErrUnknownProcessor is returned by Lookup for unregistered names.
var ErrUnknownProcessor = errors.New("processor: unknown processor")

// ErrQuota matches every *QuotaError.
var ErrQuota = errors.New("processor: " + types.RetryReasonQuota)

// QuotaError reports that the provider behind a processor ran out of quota.
// It is not the message's fault; the stage is retried without limit.
type QuotaError struct {
	Processor string
	Detail    string
}

func (e *QuotaError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("processor %s: %s", e.Processor, types.RetryReasonQuota)
	}
	return fmt.Sprintf("processor %s: %s: %s", e.Processor, types.RetryReasonQuota, e.Detail)
}

// Is makes errors.Is(err, ErrQuota) true for quota errors.
func (e *QuotaError) Is(target error) bool { return target == ErrQuota }

// Input is what a processor receives. Message is nil for session-level
// post-processors.
type Input struct {
	Stage         string         `json:"stage"`
	ProcessorName string         `json:"processor_name,omitempty"`
	Session       *types.Session `json:"session"`
	Message       *types.Message `json:"message,omitempty"`
	Prompt        string         `json:"prompt,omitempty"`
}

// Output is a processor result.
type Output struct {
	// Text is the plain result; the transcription stage stores it as the
	// message transcription text.
	Text string `json:"text,omitempty"`

	// Result is stored verbatim on the stage status.
	Result json.RawMessage `json:"result,omitempty"`

	// SkippedReason closes the stage without a result when set.
	SkippedReason string `json:"skipped_reason,omitempty"`
}

// Processor runs one stage for one message or session.
type Processor interface {
	Process(ctx context.Context, in Input) (Output, error)
}

// Func adapts a function to Processor.
type Func func(ctx context.Context, in Input) (Output, error)

// Process calls f.
func (f Func) Process(ctx context.Context, in Input) (Output, error) { return f(ctx, in) }

// Registry maps processor names to implementations. Safe for concurrent use.
type Registry struct {
	mu    sync.RWMutex
	procs map[string]Processor
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{procs: make(map[string]Processor)}
}

// Register installs p under name, replacing any previous one.
func (r *Registry) Register(name string, p Processor) {
	r.mu.Lock()
	r.procs[name] = p
	r.mu.Unlock()
}

// Lookup returns the processor registered under name.
func (r *Registry) Lookup(name string) (Processor, error) {
	r.mu.RLock()
	p, ok := r.procs[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownProcessor, name)
	}
	return p, nil
}

// Names lists the registered names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.procs))
	for name := range r.procs {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
