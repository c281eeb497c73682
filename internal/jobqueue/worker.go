package jobqueue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/sneh-joshi/voxpipe/internal/types"
)

// Handler processes one job. A nil error completes it; any error counts as a
// failed attempt.
type Handler func(ctx context.Context, job *types.Job) error

// Worker runs handlers for the jobs of one queue with bounded concurrency.
type Worker struct {
	q           *Queue
	concurrency int64
	poll        time.Duration
	log         *slog.Logger

	mu       sync.RWMutex
	handlers map[string]Handler
	fallback Handler
}

// NewWorker creates a Worker for q. concurrency below 1 is treated as 1.
func NewWorker(q *Queue, concurrency int, poll time.Duration, logger *slog.Logger) *Worker {
	if concurrency < 1 {
		concurrency = 1
	}
	if poll <= 0 {
		poll = 200 * time.Millisecond
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Worker{
		q:           q,
		concurrency: int64(concurrency),
		poll:        poll,
		log:         logger.With("queue", q.Name),
		handlers:    make(map[string]Handler),
	}
}

// Handle registers h for jobs named name.
func (w *Worker) Handle(name string, h Handler) {
	w.mu.Lock()
	w.handlers[name] = h
	w.mu.Unlock()
}

// Fallback registers h for job names without a dedicated handler.
func (w *Worker) Fallback(h Handler) {
	w.mu.Lock()
	w.fallback = h
	w.mu.Unlock()
}

func (w *Worker) handler(name string) Handler {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if h, ok := w.handlers[name]; ok {
		return h
	}
	return w.fallback
}

// Run claims and processes jobs until ctx is cancelled, then waits for the
// jobs in progress to finish.
func (w *Worker) Run(ctx context.Context) error {
	sem := semaphore.NewWeighted(w.concurrency)
	ticker := time.NewTicker(w.poll)
	defer ticker.Stop()

	for {
		if err := sem.Acquire(ctx, 1); err != nil {
			break
		}
		job, err := w.q.Claim()
		if err != nil {
			sem.Release(1)
			w.log.Error("jobqueue: claim failed", "error", err)
		}
		if job == nil {
			if err == nil {
				sem.Release(1)
			}
			select {
			case <-ctx.Done():
			case <-w.q.Ready():
			case <-ticker.C:
			}
			if ctx.Err() != nil {
				break
			}
			continue
		}
		go func(job *types.Job) {
			defer sem.Release(1)
			w.process(ctx, job)
		}(job)
	}

	// Drain: wait until every slot is free again.
	if err := sem.Acquire(context.Background(), w.concurrency); err == nil {
		sem.Release(w.concurrency)
	}
	return nil
}

func (w *Worker) process(ctx context.Context, job *types.Job) {
	log := w.log.With("job", job.Name, "job_id", job.ID, "attempt", job.Attempt)
	start := time.Now()

	err := w.invoke(ctx, job)
	if err == nil {
		if cerr := w.q.Complete(job.ID, job.LeaseToken); cerr != nil {
			log.Warn("jobqueue: complete failed", "error", cerr)
			return
		}
		log.Debug("jobqueue: job completed", "duration_ms", time.Since(start).Milliseconds())
		return
	}

	if errors.Is(err, context.Canceled) && ctx.Err() != nil {
		// Shutting down; the lease expires and the reaper hands the job back.
		return
	}
	log.Warn("jobqueue: job failed", "error", err)
	if ferr := w.q.Fail(job.ID, job.LeaseToken, err); ferr != nil {
		log.Warn("jobqueue: fail bookkeeping failed", "error", ferr)
	}
}

func (w *Worker) invoke(ctx context.Context, job *types.Job) (err error) {
	h := w.handler(job.Name)
	if h == nil {
		return fmt.Errorf("%w: %s", ErrUnknownJob, job.Name)
	}
	defer func() {
		if r := recover(); r != nil {
			w.log.Error("jobqueue: handler panic", "job", job.Name, "job_id", job.ID, "panic", r, "stack", string(debug.Stack()))
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return h(ctx, job)
}
