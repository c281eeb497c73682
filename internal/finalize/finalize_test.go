package finalize_test

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sneh-joshi/voxpipe/internal/finalize"
	"github.com/sneh-joshi/voxpipe/internal/jobqueue"
	"github.com/sneh-joshi/voxpipe/internal/scope"
	"github.com/sneh-joshi/voxpipe/internal/store"
	"github.com/sneh-joshi/voxpipe/internal/store/boltstore"
	"github.com/sneh-joshi/voxpipe/internal/types"
)

var now = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type published struct{ session, event string }

type recordingSink struct {
	mu     sync.Mutex
	events []published
}

func (r *recordingSink) Publish(_ context.Context, sessionID, event string, _ any) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, published{sessionID, event})
	return nil
}

func (r *recordingSink) names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.events))
	for i, e := range r.events {
		out[i] = e.event
	}
	return out
}

type recordingAck struct{ reacted []string }

func (a *recordingAck) React(_ context.Context, m *types.Message, emoji string) error {
	a.reacted = append(a.reacted, m.ID+":"+emoji)
	return nil
}

type enqueued struct {
	queue, job string
	opts       jobqueue.AddOptions
}

type fakeQueue struct{ jobs []enqueued }

func (f *fakeQueue) Enqueue(_ context.Context, queue, job string, _ any, opts jobqueue.AddOptions) (*types.Job, bool, error) {
	f.jobs = append(f.jobs, enqueued{queue, job, opts})
	return &types.Job{ID: job}, true, nil
}

type fixture struct {
	st    store.Store
	sc    scope.Scope
	sink  *recordingSink
	ack   *recordingAck
	queue *fakeQueue
	p     *finalize.Protocol
}

func newFixture(t *testing.T, cfg finalize.Config) *fixture {
	t.Helper()
	st, err := boltstore.Open(filepath.Join(t.TempDir(), "docs.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	f := &fixture{st: st, sc: scope.New("prod"), sink: &recordingSink{}, ack: &recordingAck{}, queue: &fakeQueue{}}
	f.p = finalize.New(st, f.sc, f.sink, f.ack, f.queue, cfg, finalize.WithClock(func() time.Time { return now }))
	return f
}

func (f *fixture) session(t *testing.T, s *types.Session) {
	t.Helper()
	if s.RuntimeTag == "" {
		s.RuntimeTag = "prod"
	}
	require.NoError(t, f.st.PutSession(context.Background(), s))
}

func (f *fixture) message(t *testing.T, m *types.Message) *types.Message {
	t.Helper()
	if m.RuntimeTag == "" {
		m.RuntimeTag = "prod"
	}
	require.NoError(t, f.st.PutMessage(context.Background(), m))
	return m
}

func finished(stages ...types.Stage) map[types.Stage]*types.StageStatus {
	out := make(map[types.Stage]*types.StageStatus, len(stages))
	for _, s := range stages {
		out[s] = &types.StageStatus{Processed: true, Finished: true}
	}
	return out
}

func TestFinalizeMessages_StopsAtFirstUnfinished(t *testing.T) {
	f := newFixture(t, finalize.Config{ReactionEmoji: "💯"})
	ctx := context.Background()
	s := &types.Session{ID: "s1", Processors: types.DefaultProcessors()}
	f.session(t, s)

	m1 := f.message(t, &types.Message{ID: "m1", SessionID: "s1", MessageID: 1,
		ProcessorsData: finished(types.StageTranscription, types.StageCategorization)})
	m2 := f.message(t, &types.Message{ID: "m2", SessionID: "s1", MessageID: 2,
		ProcessorsData: finished(types.StageTranscription)})
	m3 := f.message(t, &types.Message{ID: "m3", SessionID: "s1", MessageID: 3,
		ProcessorsData: finished(types.StageTranscription, types.StageCategorization)})

	res, err := f.p.FinalizeMessages(ctx, s, []*types.Message{m1, m2, m3})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Finalized)
	assert.False(t, res.SessionDone)

	got, err := f.st.GetMessage(ctx, f.sc, "m1")
	require.NoError(t, err)
	assert.True(t, got.IsFinalized)
	assert.True(t, got.StageFinished(types.StageFinalization))

	got, err = f.st.GetMessage(ctx, f.sc, "m3")
	require.NoError(t, err)
	assert.False(t, got.IsFinalized, "messages after the first unfinished one wait")

	assert.Equal(t, []string{"m1:💯"}, f.ack.reacted)
	assert.Equal(t, []string{"message_update"}, f.sink.names())
}

func TestFinalizeMessages_AllDoneClosesMessages(t *testing.T) {
	f := newFixture(t, finalize.Config{})
	ctx := context.Background()
	s := &types.Session{ID: "s1", Processors: types.DefaultProcessors()}
	f.session(t, s)
	m1 := f.message(t, &types.Message{ID: "m1", SessionID: "s1", MessageID: 1,
		ProcessorsData: finished(types.StageTranscription, types.StageCategorization)})

	res, err := f.p.FinalizeMessages(ctx, s, []*types.Message{m1})
	require.NoError(t, err)
	assert.True(t, res.SessionDone)
	assert.Empty(t, f.ack.reacted, "no emoji configured")

	got, err := f.st.GetSession(ctx, f.sc, "s1")
	require.NoError(t, err)
	assert.True(t, got.IsMessagesProcessed)
	assert.False(t, got.IsFinalized)
	assert.Equal(t, []string{"message_update", "session_update", "SESSION_CATEGORIZATION_DONE"}, f.sink.names())
}

func TestSweep_RequiresEverySessionProcessor(t *testing.T) {
	f := newFixture(t, finalize.Config{SkipSummaryInterval: time.Minute})
	ctx := context.Background()

	f.session(t, &types.Session{
		ID: "partial", IsMessagesProcessed: true, ToFinalize: true,
		SessionProcessors: []string{"A", "B"},
		ProcessorsData:    map[string]*types.SessionStageStatus{"A": {Processed: true}},
	})
	f.session(t, &types.Session{
		ID: "ready", IsMessagesProcessed: true, ToFinalize: true,
		SessionProcessors: []string{"A"},
		ProcessorsData:    map[string]*types.SessionStageStatus{"A": {Processed: true}},
	})
	f.session(t, &types.Session{ID: "open", IsMessagesProcessed: true})

	res, err := f.p.Sweep(ctx, 50)
	require.NoError(t, err)
	assert.Equal(t, finalize.SweepResult{Finalized: 1, Skipped: 1}, res)

	partial, err := f.st.GetSession(ctx, f.sc, "partial")
	require.NoError(t, err)
	assert.False(t, partial.IsFinalized)

	ready, err := f.st.GetSession(ctx, f.sc, "ready")
	require.NoError(t, err)
	assert.True(t, ready.IsFinalized)
	assert.True(t, ready.IsPostprocessing)

	open, err := f.st.GetSession(ctx, f.sc, "open")
	require.NoError(t, err)
	assert.False(t, open.IsFinalized, "closure was never requested")
}

func TestSweep_LimitCountsFinalizedOnly(t *testing.T) {
	f := newFixture(t, finalize.Config{SkipSummaryInterval: time.Minute})
	ctx := context.Background()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	for i := 0; i < 3; i++ {
		f.session(t, &types.Session{
			ID: fmt.Sprintf("pending-%d", i), IsMessagesProcessed: true, ToFinalize: true,
			SessionProcessors: []string{"A"}, CreatedAt: base.Add(time.Duration(i) * time.Minute),
		})
	}
	for i := 0; i < 2; i++ {
		f.session(t, &types.Session{
			ID: fmt.Sprintf("ready-%d", i), IsMessagesProcessed: true, ToFinalize: true,
			SessionProcessors: []string{"A"}, CreatedAt: base.Add(time.Hour + time.Duration(i)*time.Minute),
			ProcessorsData:    map[string]*types.SessionStageStatus{"A": {Processed: true}},
		})
	}

	res, err := f.p.Sweep(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Finalized, "pending sessions must not use up the limit")

	res, err = f.p.Sweep(ctx, 1)
	require.NoError(t, err)
	assert.Zero(t, res.Finalized)
	assert.Equal(t, 3, res.Skipped)
}

func TestEligible(t *testing.T) {
	s := &types.Session{IsMessagesProcessed: true, ToFinalize: true, SessionProcessors: []string{"A", "B"},
		ProcessorsData: map[string]*types.SessionStageStatus{"A": {Processed: true}}}
	assert.False(t, finalize.Eligible(s))
	s.SessionStage("B").Processed = true
	assert.True(t, finalize.Eligible(s))
	s.IsFinalized = true
	assert.False(t, finalize.Eligible(s))
}

func TestClose_DefaultsAndEnqueues(t *testing.T) {
	f := newFixture(t, finalize.Config{PostprocessDelay: 500 * time.Millisecond})
	ctx := context.Background()
	f.session(t, &types.Session{ID: "s1", IsActive: true, ProjectID: "p1"})

	got, err := f.p.Close(ctx, "s1")
	require.NoError(t, err)
	assert.False(t, got.IsActive)
	assert.True(t, got.ToFinalize)
	assert.Equal(t, 1, got.DoneCount)
	assert.Equal(t, []string{types.DefaultSessionProcessor}, got.SessionProcessors)
	assert.Equal(t, now, got.SessionStage(types.DefaultSessionProcessor).QueuedAt)

	require.Len(t, f.queue.jobs, 1)
	job := f.queue.jobs[0]
	assert.Equal(t, types.QueuePostprocessors, job.queue)
	assert.Equal(t, "CREATE_TASKS", job.job)
	assert.Equal(t, "s1-CREATE_TASKS", job.opts.DedupKey)
	assert.Equal(t, 500*time.Millisecond, job.opts.Delay)

	assert.Equal(t, []string{"session_update", "SESSION_DONE", "SESSION_READY_TO_SUMMARIZE"}, f.sink.names())

	again, err := f.p.Close(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, 2, again.DoneCount)
}

func TestClose_ScopedAndDeleted(t *testing.T) {
	f := newFixture(t, finalize.Config{DefaultSessionProcessors: []string{"X"}})
	ctx := context.Background()
	f.session(t, &types.Session{ID: "dev", RuntimeTag: "dev"})
	f.session(t, &types.Session{ID: "gone", IsDeleted: true})

	_, err := f.p.Close(ctx, "dev")
	assert.ErrorIs(t, err, store.ErrNotFound)
	_, err = f.p.Close(ctx, "gone")
	assert.ErrorIs(t, err, store.ErrNotFound)
	assert.Empty(t, f.queue.jobs)
}
