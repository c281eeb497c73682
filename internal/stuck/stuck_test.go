package stuck_test

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sneh-joshi/voxpipe/internal/stuck"
	"github.com/sneh-joshi/voxpipe/internal/types"
)

var now = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newDetector(buf *bytes.Buffer) *stuck.Detector {
	logger := slog.New(slog.NewJSONHandler(buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	return stuck.New(10*time.Minute, time.Hour, logger)
}

func leased(id string, queuedAgo time.Duration, reason string) *types.Message {
	return &types.Message{
		ID:        id,
		CreatedAt: now.Add(-24 * time.Hour),
		ProcessorsData: map[types.Stage]*types.StageStatus{
			types.StageCategorization: {Processing: true, QueuedAt: now.Add(-queuedAgo), RetryReason: reason},
		},
	}
}

func TestStale(t *testing.T) {
	d := newDetector(&bytes.Buffer{})

	assert.False(t, d.Stale(leased("fresh", 5*time.Minute, ""), types.StageCategorization, now))
	assert.True(t, d.Stale(leased("old", 11*time.Minute, ""), types.StageCategorization, now))
	assert.True(t, d.Stale(leased("quota", time.Second, types.RetryReasonQuota), types.StageCategorization, now),
		"quota restarts are reset regardless of age")

	idle := &types.Message{ID: "idle", CreatedAt: now.Add(-time.Hour)}
	assert.False(t, d.Stale(idle, types.StageCategorization, now))

	finished := leased("done", time.Hour, "")
	finished.ProcessorsData[types.StageCategorization].Finished = true
	assert.False(t, d.Stale(finished, types.StageCategorization, now))
}

func TestStale_ReacquiredQuotaRetryIsHeld(t *testing.T) {
	d := newDetector(&bytes.Buffer{})
	m := &types.Message{
		ID:        "q",
		CreatedAt: now.Add(-time.Hour),
		ProcessorsData: map[types.Stage]*types.StageStatus{
			types.StageCategorization: {RetryReason: types.RetryReasonQuota, NextAttemptAt: now.Add(-time.Second)},
		},
	}
	st := m.ProcessorsData[types.StageCategorization]
	require.NoError(t, st.Acquire(now))

	assert.False(t, st.IsQuotaRetry())
	assert.False(t, d.Stale(m, types.StageCategorization, now.Add(time.Minute)),
		"a worker's fresh lease must survive the next tick")
}

func TestInspect(t *testing.T) {
	d := newDetector(&bytes.Buffer{})
	msgs := []*types.Message{
		leased("a", 2*time.Minute, ""),
		leased("b", 3*time.Hour+7*time.Minute, ""),
		{ID: "c", CreatedAt: now.Add(-30 * time.Second)},
	}

	r := d.Inspect(types.StageCategorization, msgs, now)
	require.True(t, r.HasAge)
	assert.Equal(t, 3, r.Pending)
	assert.Equal(t, []string{"b"}, r.Stuck)
	assert.Equal(t, "3h7m", stuck.FormatAge(r.Oldest))
	assert.Equal(t, "30s", stuck.FormatAge(r.Newest))
}

func TestLogRateLimitsPendingButNotStuck(t *testing.T) {
	var buf bytes.Buffer
	d := newDetector(&buf)

	pending := stuck.Report{Pending: 2}
	d.Log("s1", types.StageTranscription, pending)
	d.Log("s1", types.StageTranscription, pending)
	d.Log("s2", types.StageTranscription, pending)
	assert.Equal(t, 2, strings.Count(buf.String(), "stage has pending messages"))

	buf.Reset()
	withStuck := stuck.Report{Pending: 5, Stuck: []string{"m1", "m2", "m3", "m4"}}
	d.Log("s1", types.StageTranscription, withStuck)
	d.Log("s1", types.StageTranscription, withStuck)
	out := buf.String()
	assert.Equal(t, 2, strings.Count(out, "stage has stuck messages"))
	assert.Contains(t, out, `"stuck_sample":"m1, m2, m3"`)
	assert.NotContains(t, out, "m4")
}

func TestFormatAge(t *testing.T) {
	cases := map[time.Duration]string{
		0:                               "0s",
		59 * time.Second:                "59s",
		time.Minute:                     "1m",
		59*time.Minute + 59*time.Second: "59m",
		time.Hour:                       "1h0m",
		26*time.Hour + 5*time.Minute:    "26h5m",
	}
	for in, want := range cases {
		assert.Equal(t, want, stuck.FormatAge(in), in.String())
	}
}
