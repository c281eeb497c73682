package notify_test

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/sneh-joshi/voxpipe/internal/jobqueue"
	"github.com/sneh-joshi/voxpipe/internal/notify"
	"github.com/sneh-joshi/voxpipe/internal/types"
)

type enqueued struct {
	queue, job string
	payload    any
	opts       jobqueue.AddOptions
}

type fakeQueue struct {
	mu   sync.Mutex
	jobs []enqueued
}

func (f *fakeQueue) Enqueue(_ context.Context, queue, job string, payload any, opts jobqueue.AddOptions) (*types.Job, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.jobs = append(f.jobs, enqueued{queue, job, payload, opts})
	return &types.Job{ID: "j", Queue: queue, Name: job}, true, nil
}

func TestQueueSink_RoutesByEventKind(t *testing.T) {
	q := &fakeQueue{}
	sink := notify.NewQueueSink(q, nil)
	ctx := context.Background()

	if err := sink.Publish(ctx, "s1", notify.EventSessionUpdate, map[string]string{"_id": "s1"}); err != nil {
		t.Fatalf("Publish UI: %v", err)
	}
	if err := sink.Publish(ctx, "s1", notify.EventCategorizationDone, map[string]string{}); err != nil {
		t.Fatalf("Publish business: %v", err)
	}

	if len(q.jobs) != 2 {
		t.Fatalf("expected 2 jobs, got %d", len(q.jobs))
	}
	ui := q.jobs[0]
	if ui.queue != types.QueueEvents || ui.job != types.JobSendToSocket || ui.opts.DedupKey != "" {
		t.Errorf("UI job routed wrong: %+v", ui)
	}
	env := ui.payload.(notify.Envelope)
	if env.SessionID != "s1" || env.Event != notify.EventSessionUpdate || !strings.Contains(string(env.Payload), `"_id":"s1"`) {
		t.Errorf("UI envelope: %+v", env)
	}

	biz := q.jobs[1]
	if biz.queue != types.QueueNotifies || biz.job != notify.EventCategorizationDone {
		t.Errorf("business job routed wrong: %+v", biz)
	}
	if biz.opts.DedupKey != "s1-SESSION_CATEGORIZATION_DONE" || biz.opts.Attempts != 1 {
		t.Errorf("business job options: %+v", biz.opts)
	}
}

func TestQueueSink_WithoutUIEvents(t *testing.T) {
	q := &fakeQueue{}
	sink := notify.NewQueueSink(q, nil, notify.WithoutUIEvents())
	ctx := context.Background()

	if err := sink.Publish(ctx, "s1", notify.EventMessageUpdate, map[string]string{}); err != nil {
		t.Fatalf("Publish UI: %v", err)
	}
	if err := sink.Publish(ctx, "s1", notify.EventSessionDone, map[string]string{}); err != nil {
		t.Fatalf("Publish business: %v", err)
	}
	if len(q.jobs) != 1 || q.jobs[0].queue != types.QueueNotifies {
		t.Fatalf("only the business event should be queued, got %+v", q.jobs)
	}
}

type recordingBroadcaster struct {
	session, event string
	payload        json.RawMessage
}

func (r *recordingBroadcaster) Broadcast(sessionID, event string, payload json.RawMessage) int {
	r.session, r.event, r.payload = sessionID, event, payload
	return 1
}

func TestSocketHandler(t *testing.T) {
	b := &recordingBroadcaster{}
	raw, _ := json.Marshal(notify.Envelope{SessionID: "s9", Event: "message_update", Payload: json.RawMessage(`{"message_id":"m"}`)})

	if err := notify.SocketHandler(b)(context.Background(), &types.Job{ID: "1", Payload: raw}); err != nil {
		t.Fatalf("handler: %v", err)
	}
	if b.session != "s9" || b.event != "message_update" || string(b.payload) != `{"message_id":"m"}` {
		t.Errorf("broadcast: %+v", b)
	}
	if err := notify.SocketHandler(b)(context.Background(), &types.Job{ID: "2", Payload: []byte("{")}); err == nil {
		t.Error("expected decode error")
	}
}

func writeHooks(t *testing.T, dir, body string) string {
	t.Helper()
	path := filepath.Join(dir, "notifies.hooks.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write hooks: %v", err)
	}
	return path
}

func TestHooks_LoadAndReload(t *testing.T) {
	dir := t.TempDir()

	h, err := notify.NewHooks(filepath.Join(dir, "missing.yaml"), "", nil)
	if err != nil {
		t.Fatalf("missing file must not fail: %v", err)
	}
	if len(h.For(notify.EventSessionDone)) != 0 {
		t.Fatal("expected no hooks")
	}

	path := writeHooks(t, dir, "SESSION_DONE:\n  - cmd: /bin/true\n  - cmd: \"  \"\n")
	h, err = notify.NewHooks(path, "", nil)
	if err != nil {
		t.Fatalf("NewHooks: %v", err)
	}
	if got := h.For(notify.EventSessionDone); len(got) != 1 || got[0].Cmd != "/bin/true" {
		t.Fatalf("hooks: %+v", got)
	}

	writeHooks(t, dir, "SESSION_DONE: [\n")
	if err := h.Reload(); err == nil {
		t.Fatal("expected parse error")
	}
	if len(h.For(notify.EventSessionDone)) != 1 {
		t.Fatal("a bad reload must keep the previous hooks")
	}
}

func TestHooks_RunPassesEnvelopeAsLastArg(t *testing.T) {
	dir := t.TempDir()
	logDir := filepath.Join(dir, "logs")
	path := writeHooks(t, dir, "SESSION_DONE:\n  - cmd: sh\n    args: [\"-c\", \"printf '%s' \\\"$0\\\"\"]\n")

	h, err := notify.NewHooks(path, logDir, nil)
	if err != nil {
		t.Fatalf("NewHooks: %v", err)
	}
	n, err := h.Run(notify.Envelope{SessionID: "s1", Event: notify.EventSessionDone, Payload: json.RawMessage(`{"done_count":2}`)})
	if err != nil || n != 1 {
		t.Fatalf("Run: n=%d err=%v", n, err)
	}
	h.Wait()

	entries, err := os.ReadDir(logDir)
	if err != nil || len(entries) != 1 {
		t.Fatalf("expected one log file, got %d (err=%v)", len(entries), err)
	}
	name := entries[0].Name()
	if !strings.Contains(name, "__session_done__s1__01__") || !strings.HasSuffix(name, ".log") {
		t.Errorf("log file name: %s", name)
	}
	out, _ := os.ReadFile(filepath.Join(logDir, name))
	var env struct {
		Event   string         `json:"event"`
		Payload map[string]any `json:"payload"`
	}
	if err := json.Unmarshal(out, &env); err != nil {
		t.Fatalf("hook output %q: %v", out, err)
	}
	if env.Event != notify.EventSessionDone || env.Payload["session_id"] != "s1" || env.Payload["done_count"] != float64(2) {
		t.Errorf("envelope: %+v", env)
	}
}

func TestHooks_NoHooksForEvent(t *testing.T) {
	dir := t.TempDir()
	path := writeHooks(t, dir, "SESSION_DONE:\n  - cmd: /bin/true\n")
	h, _ := notify.NewHooks(path, "", nil)

	n, err := h.Run(notify.Envelope{SessionID: "s", Event: notify.EventCategorizationDone})
	if err != nil || n != 0 {
		t.Fatalf("Run: n=%d err=%v", n, err)
	}
}
