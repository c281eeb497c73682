package pipeline_test

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sneh-joshi/voxpipe/internal/jobqueue"
	"github.com/sneh-joshi/voxpipe/internal/pipeline"
	"github.com/sneh-joshi/voxpipe/internal/retry"
	"github.com/sneh-joshi/voxpipe/internal/scope"
	"github.com/sneh-joshi/voxpipe/internal/store"
	"github.com/sneh-joshi/voxpipe/internal/store/boltstore"
	"github.com/sneh-joshi/voxpipe/internal/stuck"
	"github.com/sneh-joshi/voxpipe/internal/types"
)

var now = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type enqueued struct {
	queue, name, dedup string
	payload            any
}

type fakeQueue struct {
	mu     sync.Mutex
	jobs   []enqueued
	failOn map[string]error
}

func (f *fakeQueue) Enqueue(_ context.Context, queue, job string, payload any, opts jobqueue.AddOptions) (*types.Job, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.failOn[queue]; err != nil {
		return nil, false, err
	}
	f.jobs = append(f.jobs, enqueued{queue, job, opts.DedupKey, payload})
	return &types.Job{ID: opts.DedupKey, Queue: queue, Name: job}, true, nil
}

func (f *fakeQueue) dedupKeys(queue string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, j := range f.jobs {
		if j.queue == queue {
			out = append(out, j.dedup)
		}
	}
	return out
}

type customSet map[string]bool

func (c customSet) Has(name string) bool { return c[name] }

type fixture struct {
	st    store.Store
	sc    scope.Scope
	queue *fakeQueue
	loop  *pipeline.Loop
}

func policy() retry.Policy {
	return retry.Policy{
		Caps:              map[types.Stage]int{types.StageTranscription: 10, types.StageCategorization: 10},
		FirstAttemptGrace: 10 * time.Minute,
		EnqueueCooldown:   60 * time.Second,
		FailureCooldown:   60 * time.Second,
		QuotaCooldown:     10 * time.Minute,
	}
}

func newFixture(t *testing.T, opts ...pipeline.Option) *fixture {
	t.Helper()
	return newLimitedFixture(t, 50, opts...)
}

func newLimitedFixture(t *testing.T, limit int, opts ...pipeline.Option) *fixture {
	t.Helper()
	st, err := boltstore.Open(filepath.Join(t.TempDir(), "docs.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	f := &fixture{st: st, sc: scope.New("prod"), queue: &fakeQueue{failOn: map[string]error{}}}
	opts = append([]pipeline.Option{pipeline.WithClock(func() time.Time { return now })}, opts...)
	f.loop = pipeline.New(st, f.sc, f.queue, policy(), stuck.New(10*time.Minute, 5*time.Minute, nil), nil,
		10*time.Second, limit, opts...)
	return f
}

func (f *fixture) putSession(t *testing.T, s *types.Session) {
	t.Helper()
	s.RuntimeTag = "prod"
	if s.CreatedAt.IsZero() {
		s.CreatedAt = now.Add(-time.Hour)
	}
	require.NoError(t, f.st.PutSession(context.Background(), s))
}

func (f *fixture) putMessage(t *testing.T, m *types.Message) {
	t.Helper()
	m.RuntimeTag = "prod"
	if m.CreatedAt.IsZero() {
		m.CreatedAt = now.Add(-20 * time.Minute)
	}
	require.NoError(t, f.st.PutMessage(context.Background(), m))
}

func (f *fixture) message(t *testing.T, id string) *types.Message {
	t.Helper()
	m, err := f.st.GetMessage(context.Background(), f.sc, id)
	require.NoError(t, err)
	return m
}

func TestClampLimit(t *testing.T) {
	assert.Equal(t, 50, pipeline.ClampLimit(0))
	assert.Equal(t, 50, pipeline.ClampLimit(-3))
	assert.Equal(t, 1, pipeline.ClampLimit(1))
	assert.Equal(t, 200, pipeline.ClampLimit(5000))
}

func TestTick_EnqueuesStagesAndTranscription(t *testing.T) {
	f := newFixture(t)
	f.putSession(t, &types.Session{ID: "s1", Processors: types.DefaultProcessors()})
	f.putMessage(t, &types.Message{ID: "m1", SessionID: "s1", MessageID: 1, ChatID: "c"})

	res, err := f.loop.Tick(context.Background(), types.LoopJob{})
	require.NoError(t, err)

	assert.Equal(t, 1, res.ScannedSessions)
	assert.Equal(t, 1, res.RequeuedTranscriptions)
	assert.Equal(t, 4, res.EnqueuedJobs)
	assert.Equal(t, []string{"s1-transcription", "s1-categorization", "s1-finalization"}, f.queue.dedupKeys(types.QueueProcessors))
	assert.Equal(t, []string{"s1-m1-TRANSCRIBE"}, f.queue.dedupKeys(types.QueueVoice))

	m := f.message(t, "m1")
	assert.False(t, m.ToTranscribe)
	assert.Equal(t, now, m.ProcessorsData[types.StageTranscription].QueuedAt)
}

// putIdleSessions stores n old sessions whose only message is soft-deleted;
// they stay candidates forever without producing work.
func (f *fixture) putIdleSessions(t *testing.T, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		id := fmt.Sprintf("idle-%02d", i)
		f.putSession(t, &types.Session{ID: id, Processors: types.DefaultProcessors(), CreatedAt: now.Add(-48 * time.Hour)})
		f.putMessage(t, &types.Message{ID: id + "-m", SessionID: id, MessageID: 1, IsDeleted: true, CreatedAt: now.Add(-48 * time.Hour)})
	}
}

func TestTick_NoLimitScansEverySession(t *testing.T) {
	f := newLimitedFixture(t, 0)
	f.putIdleSessions(t, 60)
	f.putSession(t, &types.Session{ID: "fresh", Processors: types.DefaultProcessors()})
	f.putMessage(t, &types.Message{ID: "m1", SessionID: "fresh", MessageID: 1})

	res, err := f.loop.Tick(context.Background(), types.LoopJob{})
	require.NoError(t, err)
	assert.Equal(t, 61, res.ScannedSessions)
	assert.Equal(t, []string{"fresh-m1-TRANSCRIBE"}, f.queue.dedupKeys(types.QueueVoice))
}

func TestTick_LimitRotatesPastIdleSessions(t *testing.T) {
	f := newLimitedFixture(t, 5)
	f.putIdleSessions(t, 12)
	f.putSession(t, &types.Session{ID: "fresh", Processors: types.DefaultProcessors()})
	f.putMessage(t, &types.Message{ID: "m1", SessionID: "fresh", MessageID: 1})

	var ticks int
	for ticks = 1; ticks <= 3; ticks++ {
		res, err := f.loop.Tick(context.Background(), types.LoopJob{})
		require.NoError(t, err)
		assert.Equal(t, 5, res.ScannedSessions)
		if len(f.queue.dedupKeys(types.QueueVoice)) > 0 {
			break
		}
	}
	assert.Equal(t, 3, ticks, "fresh session is reached on the third window")
	assert.Equal(t, []string{"fresh-m1-TRANSCRIBE"}, f.queue.dedupKeys(types.QueueVoice))
}

func TestTick_EnqueueFailureRollsBack(t *testing.T) {
	f := newFixture(t)
	f.queue.failOn[types.QueueVoice] = jobqueue.ErrQueueFull
	f.putSession(t, &types.Session{ID: "s1", Processors: []types.Stage{types.StageTranscription}})
	f.putMessage(t, &types.Message{ID: "m1", SessionID: "s1", MessageID: 1})

	res, err := f.loop.Tick(context.Background(), types.LoopJob{})
	require.Error(t, err)
	assert.True(t, errors.Is(err, jobqueue.ErrQueueFull))
	assert.Zero(t, res.RequeuedTranscriptions)

	st := f.message(t, "m1").ProcessorsData[types.StageTranscription]
	require.NotNil(t, st)
	assert.False(t, st.Processing)
	assert.False(t, st.Processed)
	assert.Equal(t, now.Add(60*time.Second), st.NextAttemptAt)
	assert.Equal(t, retry.ErrorEnqueueFailed, st.Error)
	assert.True(t, f.message(t, "m1").ToTranscribe)
}

func TestTick_RespectsNextAttemptAt(t *testing.T) {
	f := newFixture(t)
	f.putSession(t, &types.Session{ID: "s1", Processors: []types.Stage{types.StageTranscription}})
	f.putMessage(t, &types.Message{ID: "later", SessionID: "s1", MessageID: 1, ProcessorsData: map[types.Stage]*types.StageStatus{
		types.StageTranscription: {Attempts: 2, NextAttemptAt: now.Add(60 * time.Second), QueuedAt: now.Add(-time.Hour)},
	}})
	f.putMessage(t, &types.Message{ID: "due", SessionID: "s1", MessageID: 2, ProcessorsData: map[types.Stage]*types.StageStatus{
		types.StageTranscription: {Attempts: 2, NextAttemptAt: now.Add(-time.Second), QueuedAt: now.Add(-time.Hour)},
	}})

	_, err := f.loop.Tick(context.Background(), types.LoopJob{})
	require.NoError(t, err)

	assert.Equal(t, []string{"s1-due-TRANSCRIBE"}, f.queue.dedupKeys(types.QueueVoice))
	assert.True(t, f.message(t, "due").ProcessorsData[types.StageTranscription].NextAttemptAt.IsZero())
	assert.Equal(t, now.Add(60*time.Second), f.message(t, "later").ProcessorsData[types.StageTranscription].NextAttemptAt)
	assert.Empty(t, f.queue.dedupKeys(types.QueueProcessors), "first unfinished message is cooling down")
}

func TestTick_AttemptCapClosesStage(t *testing.T) {
	f := newFixture(t)
	f.putSession(t, &types.Session{ID: "s1", Processors: []types.Stage{types.StageCategorization}})
	f.putMessage(t, &types.Message{ID: "m1", SessionID: "s1", MessageID: 1, IsTranscribed: true,
		ProcessorsData: map[types.Stage]*types.StageStatus{
			types.StageCategorization: {Attempts: 11},
		}})

	res, err := f.loop.Tick(context.Background(), types.LoopJob{})
	require.NoError(t, err)
	assert.Equal(t, 1, res.ExhaustedStages)
	assert.Empty(t, f.queue.dedupKeys(types.QueueProcessors))

	st := f.message(t, "m1").ProcessorsData[types.StageCategorization]
	assert.True(t, st.Finished)
	assert.True(t, st.Processed)
	assert.Equal(t, types.ErrorMaxAttempts, st.Error)
}

func TestTick_QuotaRetryIsNeverCapped(t *testing.T) {
	f := newFixture(t)
	f.putSession(t, &types.Session{ID: "s1", Processors: []types.Stage{types.StageCategorization}})
	f.putMessage(t, &types.Message{ID: "m1", SessionID: "s1", MessageID: 1, IsTranscribed: true,
		ProcessorsData: map[types.Stage]*types.StageStatus{
			types.StageCategorization: {Attempts: 1000, RetryReason: types.RetryReasonQuota, NextAttemptAt: now.Add(-time.Second)},
		}})

	res, err := f.loop.Tick(context.Background(), types.LoopJob{})
	require.NoError(t, err)
	assert.Zero(t, res.ExhaustedStages)
	assert.Equal(t, []string{"s1-categorization"}, f.queue.dedupKeys(types.QueueProcessors))
	assert.Equal(t, 1, res.PendingCategorizations)
	assert.False(t, f.message(t, "m1").ProcessorsData[types.StageCategorization].Finished)
}

func TestTick_ResetsStaleLeases(t *testing.T) {
	f := newFixture(t)
	f.putSession(t, &types.Session{ID: "s1", Processors: []types.Stage{types.StageCategorization}})
	f.putMessage(t, &types.Message{ID: "old", SessionID: "s1", MessageID: 1, IsTranscribed: true,
		ProcessorsData: map[types.Stage]*types.StageStatus{
			types.StageCategorization: {Processing: true, QueuedAt: now.Add(-11 * time.Minute)},
		}})
	f.putMessage(t, &types.Message{ID: "fresh", SessionID: "s1", MessageID: 2, IsTranscribed: true,
		ProcessorsData: map[types.Stage]*types.StageStatus{
			types.StageCategorization: {Processing: true, QueuedAt: now.Add(-time.Minute)},
		}})

	res, err := f.loop.Tick(context.Background(), types.LoopJob{})
	require.NoError(t, err)
	assert.Equal(t, 1, res.ResetLocks)

	old := f.message(t, "old").ProcessorsData[types.StageCategorization]
	assert.False(t, old.Processing)
	assert.Equal(t, now, old.QueuedAt)
	assert.True(t, f.message(t, "fresh").ProcessorsData[types.StageCategorization].Processing)
}

func TestTick_HealsQuotaOnlyCorruption(t *testing.T) {
	f := newFixture(t)
	f.putSession(t, &types.Session{ID: "quota", Processors: []types.Stage{types.StageFinalization},
		IsCorrupted: true, ErrorSource: retry.ErrorSourceTranscription, TranscriptionError: " Insufficient_Quota ",
		ErrorMessage: "429", ErrorMessageID: "m"})
	f.putSession(t, &types.Session{ID: "broken", Processors: []types.Stage{types.StageFinalization},
		IsCorrupted: true, ErrorSource: "categorization"})
	f.putMessage(t, &types.Message{ID: "m1", SessionID: "quota", MessageID: 1, IsTranscribed: true})
	f.putMessage(t, &types.Message{ID: "m2", SessionID: "broken", MessageID: 1, IsTranscribed: true})

	res, err := f.loop.Tick(context.Background(), types.LoopJob{})
	require.NoError(t, err)
	assert.Equal(t, 1, res.ScannedSessions)

	s, err := f.st.GetSession(context.Background(), f.sc, "quota")
	require.NoError(t, err)
	assert.False(t, s.IsCorrupted)
	assert.Empty(t, s.ErrorSource)
	assert.Empty(t, s.TranscriptionError)
	assert.Empty(t, s.ErrorMessageID)

	s, err = f.st.GetSession(context.Background(), f.sc, "broken")
	require.NoError(t, err)
	assert.True(t, s.IsCorrupted)
	assert.Equal(t, []string{"quota-finalization"}, f.queue.dedupKeys(types.QueueProcessors))
}

func TestTick_CustomProcessors(t *testing.T) {
	f := newFixture(t, pipeline.WithCustomProcessors(customSet{"tasks": true}))
	f.putSession(t, &types.Session{ID: "s1", Processors: []types.Stage{"tasks", "ghost"}})
	f.putMessage(t, &types.Message{ID: "m1", SessionID: "s1", MessageID: 1, IsTranscribed: true})

	_, err := f.loop.Tick(context.Background(), types.LoopJob{SessionID: "s1"})
	require.NoError(t, err)

	require.Len(t, f.queue.jobs, 1)
	job := f.queue.jobs[0]
	assert.Equal(t, types.JobCustomProcessing, job.name)
	assert.Equal(t, "s1-CUSTOM_PROCESSING-tasks", job.dedup)
	assert.Equal(t, "tasks", job.payload.(types.StageJob).ProcessorName)
}

func TestPendingCategorization(t *testing.T) {
	assert.False(t, pipeline.PendingCategorization(&types.Message{}))
	assert.True(t, pipeline.PendingCategorization(&types.Message{IsTranscribed: true}))

	done := &types.Message{IsTranscribed: true, Categorization: []types.CategorizationRow{{Text: "x"}},
		ProcessorsData: map[types.Stage]*types.StageStatus{types.StageCategorization: {Processed: true, Finished: true}}}
	assert.False(t, pipeline.PendingCategorization(done))
}
