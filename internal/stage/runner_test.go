package stage_test

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sneh-joshi/voxpipe/internal/processor"
	"github.com/sneh-joshi/voxpipe/internal/retry"
	"github.com/sneh-joshi/voxpipe/internal/scope"
	"github.com/sneh-joshi/voxpipe/internal/stage"
	"github.com/sneh-joshi/voxpipe/internal/store"
	"github.com/sneh-joshi/voxpipe/internal/store/boltstore"
	"github.com/sneh-joshi/voxpipe/internal/types"
)

var now = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type nullSink struct {
	mu     sync.Mutex
	events []string
}

func (n *nullSink) Publish(_ context.Context, _, event string, _ any) error {
	n.mu.Lock()
	n.events = append(n.events, event)
	n.mu.Unlock()
	return nil
}

type fixture struct {
	st       store.Store
	sc       scope.Scope
	registry *processor.Registry
	sink     *nullSink
	runner   *stage.Runner
	calls    []string
}

func newFixture(t *testing.T, opts ...stage.Option) *fixture {
	t.Helper()
	st, err := boltstore.Open(filepath.Join(t.TempDir(), "docs.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	f := &fixture{st: st, sc: scope.New("prod"), registry: processor.NewRegistry(), sink: &nullSink{}}
	policy := retry.Policy{
		Caps:            map[types.Stage]int{types.StageCategorization: 1},
		FailureCooldown: time.Minute,
		QuotaCooldown:   10 * time.Minute,
	}
	opts = append([]stage.Option{stage.WithClock(func() time.Time { return now })}, opts...)
	f.runner = stage.New(st, f.sc, f.registry, policy, nil, f.sink, opts...)
	return f
}

// register installs a processor that records which message it saw.
func (f *fixture) register(name string, fn func(in processor.Input) (processor.Output, error)) {
	f.registry.Register(name, processor.Func(func(_ context.Context, in processor.Input) (processor.Output, error) {
		id := ""
		if in.Message != nil {
			id = in.Message.ID
		}
		f.calls = append(f.calls, in.Stage+":"+id)
		return fn(in)
	}))
}

func (f *fixture) seed(t *testing.T, s *types.Session, msgs ...*types.Message) []*types.Message {
	t.Helper()
	ctx := context.Background()
	s.RuntimeTag = "prod"
	require.NoError(t, f.st.PutSession(ctx, s))
	for _, m := range msgs {
		m.RuntimeTag = "prod"
		m.SessionID = s.ID
		require.NoError(t, f.st.PutMessage(ctx, m))
	}
	return msgs
}

func (f *fixture) message(t *testing.T, id string) *types.Message {
	t.Helper()
	m, err := f.st.GetMessage(context.Background(), f.sc, id)
	require.NoError(t, err)
	return m
}

func stageJob(t *testing.T, name string, sj types.StageJob) *types.Job {
	t.Helper()
	raw, err := json.Marshal(sj)
	require.NoError(t, err)
	return &types.Job{ID: "j-" + name, Name: name, Payload: raw}
}

func transcribed() map[types.Stage]*types.StageStatus {
	return map[types.Stage]*types.StageStatus{
		types.StageTranscription: {Processed: true, Finished: true},
	}
}

func TestProcessors_WalksInOrder(t *testing.T) {
	f := newFixture(t)
	f.register("categorization", func(processor.Input) (processor.Output, error) {
		return processor.Output{Result: json.RawMessage(`[{"text":"buy milk","topic":"tasks"}]`)}, nil
	})
	msgs := f.seed(t, &types.Session{ID: "s1", Processors: types.DefaultProcessors()},
		&types.Message{ID: "m2", MessageID: 2, IsTranscribed: true, ProcessorsData: transcribed()},
		&types.Message{ID: "m1", MessageID: 1, IsTranscribed: true, ProcessorsData: transcribed()},
	)

	err := f.runner.ProcessorsHandler()(context.Background(),
		stageJob(t, "categorization", types.StageJob{SessionID: "s1", Messages: msgs}))
	require.NoError(t, err)

	assert.Equal(t, []string{"categorization:m1", "categorization:m2"}, f.calls)
	m1 := f.message(t, "m1")
	assert.True(t, m1.StageFinished(types.StageCategorization))
	require.Len(t, m1.Categorization, 1)
	assert.Equal(t, "tasks", m1.Categorization[0].Topic)
	assert.Equal(t, []string{"message_update", "message_update"}, f.sink.events)
}

func TestProcessors_StopsAtUnmetPrerequisite(t *testing.T) {
	f := newFixture(t)
	f.register("categorization", func(processor.Input) (processor.Output, error) {
		return processor.Output{}, nil
	})
	msgs := f.seed(t, &types.Session{ID: "s1", Processors: types.DefaultProcessors()},
		&types.Message{ID: "m1", MessageID: 1},
		&types.Message{ID: "m2", MessageID: 2, IsTranscribed: true, ProcessorsData: transcribed()},
	)

	err := f.runner.ProcessorsHandler()(context.Background(),
		stageJob(t, "categorization", types.StageJob{SessionID: "s1", Messages: msgs}))
	require.NoError(t, err)
	assert.Empty(t, f.calls, "m2 must not overtake an untranscribed m1")
}

func TestProcessors_FailureCoolsDownThenExhausts(t *testing.T) {
	f := newFixture(t)
	f.register("categorization", func(in processor.Input) (processor.Output, error) {
		if in.Message.ID == "m1" {
			return processor.Output{}, errors.New("model timeout")
		}
		return processor.Output{}, nil
	})
	msgs := f.seed(t, &types.Session{ID: "s1", Processors: types.DefaultProcessors()},
		&types.Message{ID: "m1", MessageID: 1, IsTranscribed: true, ProcessorsData: transcribed()},
		&types.Message{ID: "m2", MessageID: 2, IsTranscribed: true, ProcessorsData: transcribed()},
	)
	job := stageJob(t, "categorization", types.StageJob{SessionID: "s1", Messages: msgs})

	require.NoError(t, f.runner.ProcessorsHandler()(context.Background(), job))
	st := f.message(t, "m1").ProcessorsData[types.StageCategorization]
	assert.Equal(t, 1, st.Attempts)
	assert.False(t, st.Processing)
	assert.False(t, st.Finished)
	assert.Equal(t, now.Add(time.Minute), st.NextAttemptAt)
	assert.Equal(t, []string{"categorization:m1"}, f.calls)

	// Past the cool-down the second failure exceeds the cap of 1 and the
	// walk moves on to m2.
	later := now.Add(2 * time.Minute)
	_, err := f.st.UpdateMessage(context.Background(), f.sc, "m1", func(m *types.Message) error {
		m.Stage(types.StageCategorization).NextAttemptAt = later.Add(-time.Second)
		return nil
	})
	require.NoError(t, err)
	f.runner = stage.New(f.st, f.sc, f.registry, retry.Policy{
		Caps:            map[types.Stage]int{types.StageCategorization: 1},
		FailureCooldown: time.Minute,
	}, nil, f.sink, stage.WithClock(func() time.Time { return later }))

	require.NoError(t, f.runner.ProcessorsHandler()(context.Background(), job))
	st = f.message(t, "m1").ProcessorsData[types.StageCategorization]
	assert.True(t, st.Finished)
	assert.True(t, st.Failed)
	assert.Equal(t, types.ErrorMaxAttempts, st.Error)
	assert.True(t, f.message(t, "m2").StageFinished(types.StageCategorization))
}

func TestProcessors_HeldLeaseStopsWalk(t *testing.T) {
	f := newFixture(t)
	f.register("categorization", func(processor.Input) (processor.Output, error) {
		return processor.Output{}, nil
	})
	held := transcribed()
	held[types.StageCategorization] = &types.StageStatus{Processing: true, QueuedAt: now}
	msgs := f.seed(t, &types.Session{ID: "s1", Processors: types.DefaultProcessors()},
		&types.Message{ID: "m1", MessageID: 1, IsTranscribed: true, ProcessorsData: held},
		&types.Message{ID: "m2", MessageID: 2, IsTranscribed: true, ProcessorsData: transcribed()},
	)

	err := f.runner.ProcessorsHandler()(context.Background(),
		stageJob(t, "categorization", types.StageJob{SessionID: "s1", Messages: msgs}))
	require.NoError(t, err)
	assert.Empty(t, f.calls)
}

func TestProcessors_NotConfiguredIsSkipped(t *testing.T) {
	f := newFixture(t)
	msgs := f.seed(t, &types.Session{ID: "s1", Processors: []types.Stage{types.StageTranscription, types.StageSummarization}},
		&types.Message{ID: "m1", MessageID: 1, IsTranscribed: true, ProcessorsData: transcribed()},
	)

	err := f.runner.ProcessorsHandler()(context.Background(),
		stageJob(t, "summarization", types.StageJob{SessionID: "s1", Messages: msgs}))
	require.NoError(t, err)
	st := f.message(t, "m1").ProcessorsData[types.StageSummarization]
	assert.True(t, st.Finished)
	assert.Equal(t, stage.SkipNotConfigured, st.SkippedReason)
}

func TestProcessors_TranscriptionJobSyncsFlag(t *testing.T) {
	f := newFixture(t)
	msgs := f.seed(t, &types.Session{ID: "s1", Processors: types.DefaultProcessors()},
		&types.Message{ID: "m1", MessageID: 1, IsTranscribed: true},
		&types.Message{ID: "m2", MessageID: 2},
	)

	err := f.runner.ProcessorsHandler()(context.Background(),
		stageJob(t, "transcription", types.StageJob{SessionID: "s1", Messages: msgs}))
	require.NoError(t, err)
	assert.True(t, f.message(t, "m1").StageFinished(types.StageTranscription))
	assert.False(t, f.message(t, "m2").StageFinished(types.StageTranscription))
}

func TestProcessors_CustomUsesPrompt(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "tasks.md"), []byte("List the tasks."), 0o644))
	prompts, err := processor.NewPrompts(dir, nil)
	require.NoError(t, err)

	f := newFixture(t, stage.WithPrompts(prompts))
	var gotPrompt, gotName string
	f.register("custom_processing", func(in processor.Input) (processor.Output, error) {
		gotPrompt, gotName = in.Prompt, in.ProcessorName
		return processor.Output{Text: "1. call Bob"}, nil
	})
	msgs := f.seed(t, &types.Session{ID: "s1", Processors: []types.Stage{types.StageTranscription, "tasks"}},
		&types.Message{ID: "m1", MessageID: 1, IsTranscribed: true, ProcessorsData: transcribed()},
	)

	err = f.runner.ProcessorsHandler()(context.Background(), stageJob(t, types.JobCustomProcessing,
		types.StageJob{SessionID: "s1", ProcessorName: "tasks", Messages: msgs}))
	require.NoError(t, err)
	assert.Equal(t, "List the tasks.", gotPrompt)
	assert.Equal(t, "tasks", gotName)
	assert.True(t, f.message(t, "m1").StageFinished("tasks"))
}

func transcribeJob(t *testing.T, sid, mid string) *types.Job {
	t.Helper()
	raw, err := json.Marshal(types.TranscribeJob{SessionID: sid, MessageID: mid})
	require.NoError(t, err)
	return &types.Job{ID: "t-" + mid, Name: types.JobTranscribe, Payload: raw}
}

func TestTranscribe_Success(t *testing.T) {
	f := newFixture(t)
	f.register("transcription", func(processor.Input) (processor.Output, error) {
		return processor.Output{Text: "hello there"}, nil
	})
	f.seed(t, &types.Session{ID: "s1", Processors: types.DefaultProcessors()},
		&types.Message{ID: "m1", MessageID: 1, ToTranscribe: true})

	require.NoError(t, f.runner.TranscribeHandler()(context.Background(), transcribeJob(t, "s1", "m1")))
	m := f.message(t, "m1")
	assert.True(t, m.IsTranscribed)
	assert.False(t, m.ToTranscribe)
	assert.Equal(t, "hello there", m.TranscriptionText)
	assert.True(t, m.StageFinished(types.StageTranscription))
}

func TestTranscribe_QuotaMarksSession(t *testing.T) {
	f := newFixture(t)
	f.register("transcription", func(processor.Input) (processor.Output, error) {
		return processor.Output{}, &processor.QuotaError{Processor: "transcription"}
	})
	f.seed(t, &types.Session{ID: "s1", Processors: types.DefaultProcessors()},
		&types.Message{ID: "m1", MessageID: 1, ProcessorsData: map[types.Stage]*types.StageStatus{
			types.StageTranscription: {Attempts: 3},
		}})

	require.NoError(t, f.runner.TranscribeHandler()(context.Background(), transcribeJob(t, "s1", "m1")))
	st := f.message(t, "m1").ProcessorsData[types.StageTranscription]
	assert.Equal(t, types.RetryReasonQuota, st.RetryReason)
	assert.Equal(t, 3, st.Attempts, "quota failures never count as attempts")
	assert.Equal(t, now.Add(10*time.Minute), st.NextAttemptAt)
	assert.False(t, st.Processing)

	s, err := f.st.GetSession(context.Background(), f.sc, "s1")
	require.NoError(t, err)
	assert.True(t, retry.IsQuotaBlockedSession(s))
	assert.Equal(t, "m1", s.ErrorMessageID)
}

func TestSessionProcessor_MarksProcessed(t *testing.T) {
	f := newFixture(t)
	f.register("CREATE_TASKS", func(in processor.Input) (processor.Output, error) {
		return processor.Output{Text: "ok"}, nil
	})
	f.seed(t, &types.Session{ID: "s1", SessionProcessors: []string{"CREATE_TASKS", "DAILY"}})

	for _, name := range []string{"CREATE_TASKS", "DAILY"} {
		raw, err := json.Marshal(types.SessionProcessorJob{SessionID: "s1", Processor: name})
		require.NoError(t, err)
		require.NoError(t, f.runner.SessionProcessorHandler()(context.Background(),
			&types.Job{ID: "p-" + name, Name: name, Payload: raw}))
	}

	s, err := f.st.GetSession(context.Background(), f.sc, "s1")
	require.NoError(t, err)
	assert.Empty(t, s.PendingSessionProcessors())
	assert.Equal(t, now, s.ProcessorsData["CREATE_TASKS"].ProcessedAt)
	assert.Equal(t, []string{"CREATE_TASKS:"}, f.calls)
}

func TestSessionProcessor_FailureIsRetried(t *testing.T) {
	f := newFixture(t)
	f.register("CREATE_TASKS", func(processor.Input) (processor.Output, error) {
		return processor.Output{}, errors.New("worker down")
	})
	f.seed(t, &types.Session{ID: "s1", SessionProcessors: []string{"CREATE_TASKS"}})

	raw, err := json.Marshal(types.SessionProcessorJob{SessionID: "s1", Processor: "CREATE_TASKS"})
	require.NoError(t, err)
	err = f.runner.SessionProcessorHandler()(context.Background(), &types.Job{Name: "CREATE_TASKS", Payload: raw})
	require.Error(t, err)

	s, err := f.st.GetSession(context.Background(), f.sc, "s1")
	require.NoError(t, err)
	st := s.ProcessorsData["CREATE_TASKS"]
	assert.False(t, st.Processed)
	assert.False(t, st.Processing)
	assert.Equal(t, "worker down", st.Error)
}
