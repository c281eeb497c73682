package scheduler

import (
	"container/heap"
	"context"
	"sync"
	"time"
)

// Scheduler fires a callback for each delayed job at or after its due time.
//
//	s := scheduler.New()
//	s.Start(ctx, func(jobID, queue string) { q.promote(jobID) })
//	defer s.Stop()
//	s.Schedule(job.ID, job.Queue, job.ProcessAt)
//
// All methods are safe for concurrent use.
type Scheduler struct {
	mu   sync.Mutex
	h    dueHeap
	byID map[string]*entry

	notify chan struct{}
	done   chan struct{}
	wg     sync.WaitGroup
}

// New creates a Scheduler. Call Start to begin promoting jobs.
func New() *Scheduler {
	h := make(dueHeap, 0, 64)
	heap.Init(&h)
	return &Scheduler{
		h:      h,
		byID:   make(map[string]*entry),
		notify: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
}

// Schedule registers jobID to fire at dueAt (UTC ms). A past dueAt fires on
// the next loop iteration. Scheduling an id again replaces its entry.
func (s *Scheduler) Schedule(jobID, queue string, dueAt int64) {
	s.mu.Lock()
	if prev, ok := s.byID[jobID]; ok {
		prev.cancelled = true
		s.h.remove(prev.idx)
		delete(s.byID, jobID)
	}
	e := &entry{jobID: jobID, queue: queue, dueAt: dueAt}
	heap.Push(&s.h, e)
	s.byID[jobID] = e
	s.mu.Unlock()

	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// Cancel drops a scheduled job. No-op when the id is unknown.
func (s *Scheduler) Cancel(jobID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.byID[jobID]
	if !ok {
		return
	}
	e.cancelled = true
	s.h.remove(e.idx)
	delete(s.byID, jobID)
}

// Len returns the number of pending entries.
func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.byID)
}

// CountByQueue returns the number of pending entries for queue.
func (s *Scheduler) CountByQueue(queue string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, e := range s.byID {
		if e.queue == queue {
			n++
		}
	}
	return n
}

// Start launches the promotion goroutine. readyFn runs on that goroutine and
// must not block for long. Start must be called exactly once.
func (s *Scheduler) Start(ctx context.Context, readyFn func(jobID, queue string)) {
	s.wg.Add(1)
	go s.run(ctx, readyFn)
}

// Stop shuts the goroutine down and waits for it. Pending entries are dropped;
// the queue re-registers delayed jobs from disk on the next start.
func (s *Scheduler) Stop() {
	select {
	case <-s.done:
	default:
		close(s.done)
	}
	s.wg.Wait()
}

func (s *Scheduler) run(ctx context.Context, readyFn func(jobID, queue string)) {
	defer s.wg.Done()

	var t *time.Timer
	defer func() {
		if t != nil {
			t.Stop()
		}
	}()

	fire := func() {
		s.mu.Lock()
		e := s.popRoot()
		s.mu.Unlock()
		if e != nil {
			readyFn(e.jobID, e.queue)
		}
	}

	for {
		s.mu.Lock()
		next := s.peekRoot()
		s.mu.Unlock()

		if next == nil {
			select {
			case <-ctx.Done():
				return
			case <-s.done:
				return
			case <-s.notify:
			}
			continue
		}

		delay := time.Until(time.UnixMilli(next.dueAt))
		if delay <= 0 {
			fire()
			continue
		}

		if t == nil {
			t = time.NewTimer(delay)
		} else {
			t.Reset(delay)
		}

		select {
		case <-ctx.Done():
			return
		case <-s.done:
			return
		case <-s.notify:
			if !t.Stop() {
				select {
				case <-t.C:
				default:
				}
			}
		case <-t.C:
			fire()
		}
	}
}

// peekRoot returns the soonest live entry. Caller holds s.mu.
func (s *Scheduler) peekRoot() *entry {
	for s.h.Len() > 0 {
		root := s.h[0]
		if !root.cancelled {
			return root
		}
		heap.Pop(&s.h)
		delete(s.byID, root.jobID)
	}
	return nil
}

// popRoot removes and returns the soonest live entry. Caller holds s.mu.
func (s *Scheduler) popRoot() *entry {
	for s.h.Len() > 0 {
		e := heap.Pop(&s.h).(*entry)
		delete(s.byID, e.jobID)
		if !e.cancelled {
			return e
		}
	}
	return nil
}
