package scheduler_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/sneh-joshi/voxpipe/internal/scheduler"
)

// ─── helpers ─────────────────────────────────────────────────────────────────

type fired struct {
	mu      sync.Mutex
	entries []string // "jobID@queue"
}

func (f *fired) fn(jobID, queue string) {
	f.mu.Lock()
	f.entries = append(f.entries, jobID+"@"+queue)
	f.mu.Unlock()
}

func (f *fired) len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.entries)
}

func (f *fired) ids() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.entries...)
}

func waitFor(t *testing.T, f *fired, n int, timeout time.Duration) bool {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if f.len() >= n {
			return true
		}
		time.Sleep(10 * time.Millisecond)
	}
	return false
}

func start(t *testing.T) (*scheduler.Scheduler, *fired) {
	t.Helper()
	s := scheduler.New()
	ctx, cancel := context.WithCancel(context.Background())
	f := &fired{}
	s.Start(ctx, f.fn)
	t.Cleanup(func() {
		s.Stop()
		cancel()
	})
	return s, f
}

// ─── Tests ───────────────────────────────────────────────────────────────────

func TestScheduler_PastDueFiresPromptly(t *testing.T) {
	s, f := start(t)
	s.Schedule("job1", "voicebot--postprocessors", time.Now().Add(-time.Second).UnixMilli())

	if !waitFor(t, f, 1, 2*time.Second) {
		t.Fatalf("expected 1 promotion within 2s, got %d", f.len())
	}
	if got := f.ids()[0]; got != "job1@voicebot--postprocessors" {
		t.Errorf("unexpected promotion %s", got)
	}
}

func TestScheduler_NotBeforeDue(t *testing.T) {
	s, f := start(t)
	s.Schedule("job2", "q", time.Now().Add(150*time.Millisecond).UnixMilli())

	time.Sleep(80 * time.Millisecond)
	if f.len() != 0 {
		t.Fatal("job promoted before its due time")
	}
	if !waitFor(t, f, 1, 500*time.Millisecond) {
		t.Fatal("job not promoted after its due time")
	}
}

func TestScheduler_CancelPreventsPromotion(t *testing.T) {
	s, f := start(t)
	s.Schedule("job3", "q", time.Now().Add(200*time.Millisecond).UnixMilli())
	s.Cancel("job3")

	time.Sleep(400 * time.Millisecond)
	if f.len() != 0 {
		t.Fatalf("expected no promotion after cancel, got %d", f.len())
	}
}

func TestScheduler_DueOrder(t *testing.T) {
	s, f := start(t)
	now := time.Now()
	s.Schedule("b", "q", now.Add(60*time.Millisecond).UnixMilli())
	s.Schedule("a", "q", now.Add(30*time.Millisecond).UnixMilli())
	s.Schedule("c", "q", now.Add(90*time.Millisecond).UnixMilli())

	if !waitFor(t, f, 3, 2*time.Second) {
		t.Fatalf("expected 3 promotions, got %d", f.len())
	}
	for i, want := range []string{"a@q", "b@q", "c@q"} {
		if got := f.ids()[i]; got != want {
			t.Errorf("promotion[%d]: want %s, got %s", i, want, got)
		}
	}
}

func TestScheduler_SoonerJobInterruptsSleep(t *testing.T) {
	s, f := start(t)
	now := time.Now()
	s.Schedule("late", "q", now.Add(10*time.Second).UnixMilli())
	time.Sleep(20 * time.Millisecond)
	s.Schedule("early", "q", now.Add(80*time.Millisecond).UnixMilli())

	if !waitFor(t, f, 1, 500*time.Millisecond) {
		t.Fatal("expected early job promoted within 500ms")
	}
	if got := f.ids()[0]; got != "early@q" {
		t.Errorf("expected early first, got %s", got)
	}
}

func TestScheduler_LenAndCountByQueue(t *testing.T) {
	s, _ := start(t)
	future := time.Now().Add(10 * time.Second).UnixMilli()
	s.Schedule("a", "q1", future)
	s.Schedule("b", "q1", future)
	s.Schedule("c", "q2", future)

	if s.Len() != 3 {
		t.Errorf("Len: want 3, got %d", s.Len())
	}
	if got := s.CountByQueue("q1"); got != 2 {
		t.Errorf("CountByQueue(q1): want 2, got %d", got)
	}
	s.Cancel("a")
	if got := s.CountByQueue("q1"); got != 1 {
		t.Errorf("CountByQueue(q1) after cancel: want 1, got %d", got)
	}
	if s.Len() != 2 {
		t.Errorf("Len after cancel: want 2, got %d", s.Len())
	}
}

func TestScheduler_StopDropsPending(t *testing.T) {
	s := scheduler.New()
	f := &fired{}
	s.Start(context.Background(), f.fn)

	s.Schedule("job", "q", time.Now().Add(300*time.Millisecond).UnixMilli())
	s.Stop()

	time.Sleep(500 * time.Millisecond)
	if f.len() != 0 {
		t.Fatalf("expected no promotion after Stop, got %d", f.len())
	}
}

func TestScheduler_RescheduleReplaces(t *testing.T) {
	s, f := start(t)
	s.Schedule("job", "q", time.Now().Add(10*time.Second).UnixMilli())
	s.Schedule("job", "q", time.Now().Add(100*time.Millisecond).UnixMilli())

	if !waitFor(t, f, 1, time.Second) {
		t.Fatal("rescheduled job not promoted within 1s")
	}
	if s.Len() != 0 {
		t.Errorf("Len after promotion: want 0, got %d", s.Len())
	}
}
