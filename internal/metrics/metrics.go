// Package metrics provides a lightweight Prometheus-compatible metrics
// registry for voxpipe without pulling in prometheus/client_golang.
//
// # Counter naming convention
//
// Every counter uses a tab-separated string as its label key so that a single
// sync.Map can hold all label combinations without additional map nesting.
//
//	JobsAdded / JobsCompleted / JobsFailed  →  key = "queue\tjob"
//	JobsDeduped / JobsRejected              →  key = "queue"
//	Pipeline                                →  key = "event"
//	StageRuns                               →  key = "stage\toutcome"
//	GuardPruned                             →  key = "queue\tstate"
//	HTTPReqs                                →  key = "method\tpath\tstatus"
//	HTTPDurMs / HTTPDurCnt                  →  key = "method\tpath"
//
// # Prometheus text output
//
// Registry.Handler() renders all counters in the Prometheus exposition format
// (text/plain; version=0.0.4).
package metrics

import (
	"fmt"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
)

// ─── labelCounter ─────────────────────────────────────────────────────────────

// labelCounter is a lock-free, label-keyed counter map backed by sync.Map and
// atomic.Int64 values.
type labelCounter struct {
	vals sync.Map // key string → *atomic.Int64
}

func (lc *labelCounter) get(key string) *atomic.Int64 {
	v, _ := lc.vals.LoadOrStore(key, new(atomic.Int64))
	return v.(*atomic.Int64)
}

// Inc increments the counter for key by 1.
func (lc *labelCounter) Inc(key string) { lc.get(key).Add(1) }

// Add increments the counter for key by n.
func (lc *labelCounter) Add(key string, n int64) { lc.get(key).Add(n) }

// Value returns the current value for key.
func (lc *labelCounter) Value(key string) int64 { return lc.get(key).Load() }

// Each calls fn for every key/value pair. The order is non-deterministic.
func (lc *labelCounter) Each(fn func(key string, val int64)) {
	lc.vals.Range(func(k, v any) bool {
		fn(k.(string), v.(*atomic.Int64).Load())
		return true
	})
}

// ─── Registry ─────────────────────────────────────────────────────────────────

// Pipeline event keys.
const (
	EventTick                  = "tick"
	EventTickError             = "tick_error"
	EventRequeuedTranscription = "requeued_transcription"
	EventResetLock             = "reset_lock"
	EventExhaustedStage        = "exhausted_stage"
	EventEnqueueRollback       = "enqueue_rollback"
	EventMessageFinalized      = "message_finalized"
	EventSessionFinalized      = "session_finalized"
	EventSessionHealed         = "session_healed"
	EventSessionClosed         = "session_closed"
	EventEmptySessionDeleted   = "empty_session_deleted"
)

// Registry holds all voxpipe application metrics. A nil *Registry is valid
// and records nothing.
type Registry struct {
	JobsAdded     labelCounter
	JobsDeduped   labelCounter
	JobsRejected  labelCounter
	JobsCompleted labelCounter
	JobsFailed    labelCounter

	Pipeline    labelCounter
	StageRuns   labelCounter
	GuardPruned labelCounter

	HTTPReqs   labelCounter
	HTTPDurMs  labelCounter // sum of request durations in milliseconds
	HTTPDurCnt labelCounter // number of requests (same key as HTTPDurMs, for avg)
}

// IncPipeline records one pipeline event.
func (r *Registry) IncPipeline(event string) {
	if r != nil {
		r.Pipeline.Inc(event)
	}
}

// AddPipeline records n pipeline events.
func (r *Registry) AddPipeline(event string, n int) {
	if r != nil && n > 0 {
		r.Pipeline.Add(event, int64(n))
	}
}

// IncStage records one stage execution outcome.
func (r *Registry) IncStage(stage, outcome string) {
	if r != nil {
		r.StageRuns.Inc(stage + "\t" + outcome)
	}
}

// AddPruned records records removed by the queue guard.
func (r *Registry) AddPruned(queue, state string, n int) {
	if r != nil && n > 0 {
		r.GuardPruned.Add(queue+"\t"+state, int64(n))
	}
}

// ─── Prometheus text serialisation ────────────────────────────────────────────

type family struct {
	name, help string
	lc         *labelCounter
	labels     []string
}

func (r *Registry) families() []family {
	return []family{
		{"voxpipe_jobs_added_total", "Jobs added to a work queue", &r.JobsAdded, []string{"queue", "job"}},
		{"voxpipe_jobs_deduplicated_total", "Add requests collapsed onto a live job", &r.JobsDeduped, []string{"queue"}},
		{"voxpipe_jobs_rejected_total", "Add requests rejected because the queue store was full", &r.JobsRejected, []string{"queue"}},
		{"voxpipe_jobs_completed_total", "Jobs completed by a worker", &r.JobsCompleted, []string{"queue", "job"}},
		{"voxpipe_jobs_failed_total", "Job attempts that failed", &r.JobsFailed, []string{"queue", "job"}},
		{"voxpipe_pipeline_events_total", "Pipeline scheduler and finalization events", &r.Pipeline, []string{"event"}},
		{"voxpipe_stage_runs_total", "Stage processor executions by outcome", &r.StageRuns, []string{"stage", "outcome"}},
		{"voxpipe_guard_pruned_total", "History job records removed by the queue guard", &r.GuardPruned, []string{"queue", "state"}},
		{"voxpipe_http_requests_total", "Total HTTP requests by method, path, and status code", &r.HTTPReqs, []string{"method", "path", "status"}},
		{"voxpipe_http_request_duration_milliseconds_sum", "Sum of HTTP request durations in milliseconds", &r.HTTPDurMs, []string{"method", "path"}},
		{"voxpipe_http_request_duration_milliseconds_count", "Count of observed HTTP request durations", &r.HTTPDurCnt, []string{"method", "path"}},
	}
}

// Handler returns an http.Handler that renders all metrics in the Prometheus
// plain-text exposition format (text/plain; version=0.0.4).
func (r *Registry) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
		w.WriteHeader(http.StatusOK)

		var b strings.Builder
		for _, f := range r.families() {
			f := f
			writeFamily(&b, f.name, f.help, "counter", func(fn func(labels, val string)) {
				f.lc.Each(func(key string, val int64) {
					fn(formatLabels(f.labels, strings.Split(key, "\t")), fmt.Sprintf("%d", val))
				})
			})
		}
		fmt.Fprint(w, b.String())
	})
}

// ─── helpers ──────────────────────────────────────────────────────────────────

// writeFamily writes a single Prometheus metric family to b.
// fill is called with a writer function that appends individual label+value lines.
func writeFamily(
	b *strings.Builder,
	name, help, typ string,
	fill func(fn func(labels, val string)),
) {
	var lines []string
	fill(func(labels, val string) {
		lines = append(lines, fmt.Sprintf("%s{%s} %s\n", name, labels, val))
	})
	if len(lines) == 0 {
		return
	}
	fmt.Fprintf(b, "# HELP %s %s\n", name, help)
	fmt.Fprintf(b, "# TYPE %s %s\n", name, typ)
	for _, l := range lines {
		b.WriteString(l)
	}
}

func formatLabels(names, values []string) string {
	parts := make([]string, len(names))
	for i, n := range names {
		v := ""
		if i < len(values) {
			v = values[i]
		}
		parts[i] = fmt.Sprintf("%s=%q", n, v)
	}
	return strings.Join(parts, ",")
}

// ─── Convenience key builders ─────────────────────────────────────────────────

// JobKey builds the label key used by JobsAdded/JobsCompleted/JobsFailed.
func JobKey(queue, job string) string {
	return queue + "\t" + job
}

// HTTPKey builds the label key used by HTTPReqs.
func HTTPKey(method, path, status string) string {
	return method + "\t" + path + "\t" + status
}

// HTTPDurKey builds the label key used by HTTPDurMs / HTTPDurCnt.
func HTTPDurKey(method, path string) string {
	return method + "\t" + path
}
