// Package stuck finds stage leases left behind by crashed or lost workers and
// keeps the "messages pending on stage X" diagnostics at a bounded rate.
package stuck

import (
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/sneh-joshi/voxpipe/internal/types"
)

// maxLimiters bounds the per-key limiter map; it is cleared when exceeded.
const maxLimiters = 10000

// sampleSize is how many stuck message ids a log line carries.
const sampleSize = 3

// Detector is safe for concurrent use.
type Detector struct {
	stuckAfter  time.Duration
	logInterval time.Duration
	log         *slog.Logger

	mu       sync.Mutex
	limiters map[string]*rate.Sometimes
}

// New returns a Detector. stuckAfter is the staleness window; logInterval
// is the minimum spacing of pending lines per (session, stage).
func New(stuckAfter, logInterval time.Duration, logger *slog.Logger) *Detector {
	if logger == nil {
		logger = slog.Default()
	}
	return &Detector{
		stuckAfter:  stuckAfter,
		logInterval: logInterval,
		log:         logger,
		limiters:    make(map[string]*rate.Sometimes),
	}
}

// leaseStart is when the stage was last queued, or the message creation
// time when it never was.
func leaseStart(m *types.Message, st *types.StageStatus) time.Time {
	if st != nil && !st.QueuedAt.IsZero() {
		return st.QueuedAt
	}
	return m.CreatedAt
}

// Stale reports whether the stage lease on m must be reset: it is held, not
// finished, and either older than the staleness window or waiting on a quota
// retry restart.
func (d *Detector) Stale(m *types.Message, stage types.Stage, now time.Time) bool {
	st := m.ProcessorsData[stage]
	if st == nil || !st.Processing || st.Finished {
		return false
	}
	if st.IsQuotaRetry() {
		return true
	}
	start := leaseStart(m, st)
	return !start.IsZero() && now.Sub(start) > d.stuckAfter
}

// Report summarises the unfinished messages of one stage of one session.
type Report struct {
	Pending int
	Stuck   []string

	// Oldest and Newest are the ages of the unfinished messages; valid only
	// when HasAge is set.
	Oldest, Newest time.Duration
	HasAge         bool
}

// Inspect builds the Report for unfinished, the messages of one session
// whose stage is not finished. A message counts as stuck once it was queued
// more than the staleness window ago.
func (d *Detector) Inspect(stage types.Stage, unfinished []*types.Message, now time.Time) Report {
	r := Report{Pending: len(unfinished)}
	for _, m := range unfinished {
		st := m.ProcessorsData[stage]
		if st != nil && !st.QueuedAt.IsZero() && now.Sub(st.QueuedAt) > d.stuckAfter {
			r.Stuck = append(r.Stuck, m.ID)
		}
		start := leaseStart(m, st)
		if start.IsZero() {
			continue
		}
		age := now.Sub(start)
		if !r.HasAge {
			r.Oldest, r.Newest, r.HasAge = age, age, true
			continue
		}
		if age > r.Oldest {
			r.Oldest = age
		}
		if age < r.Newest {
			r.Newest = age
		}
	}
	return r
}

// Log emits the diagnostic for r. The stuck line is always written; the
// plain pending line at most once per interval per (session, stage).
func (d *Detector) Log(sessionID string, stage types.Stage, r Report) {
	if r.Pending == 0 {
		return
	}
	oldest, newest := "n/a", "n/a"
	if r.HasAge {
		oldest, newest = FormatAge(r.Oldest), FormatAge(r.Newest)
	}

	if len(r.Stuck) > 0 {
		sample := r.Stuck
		if len(sample) > sampleSize {
			sample = sample[:sampleSize]
		}
		d.log.Warn("stage has stuck messages",
			"session_id", sessionID,
			"stage", stage,
			"pending", r.Pending,
			"stuck", len(r.Stuck),
			"oldest", oldest,
			"newest", newest,
			"stuck_sample", strings.Join(sample, ", "),
		)
		return
	}

	d.limiter(fmt.Sprintf("%s:%s:pending", sessionID, stage)).Do(func() {
		d.log.Debug("stage has pending messages",
			"session_id", sessionID,
			"stage", stage,
			"pending", r.Pending,
			"oldest", oldest,
			"newest", newest,
		)
	})
}

func (d *Detector) limiter(key string) *rate.Sometimes {
	d.mu.Lock()
	defer d.mu.Unlock()
	if s, ok := d.limiters[key]; ok {
		return s
	}
	if len(d.limiters) >= maxLimiters {
		d.limiters = make(map[string]*rate.Sometimes)
	}
	s := &rate.Sometimes{Interval: d.logInterval}
	d.limiters[key] = s
	return s
}

// FormatAge renders d as "45s", "12m" or "3h7m".
func FormatAge(d time.Duration) string {
	secs := int64(d / time.Second)
	if secs < 60 {
		return fmt.Sprintf("%ds", secs)
	}
	mins := secs / 60
	if mins < 60 {
		return fmt.Sprintf("%dm", mins)
	}
	return fmt.Sprintf("%dh%dm", mins/60, mins%60)
}
