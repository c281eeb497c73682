package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

// Hook is one local command run for an event. The event envelope is
// appended to Args as the last argument.
type Hook struct {
	Cmd  string   `yaml:"cmd" json:"cmd"`
	Args []string `yaml:"args" json:"args"`
}

// Hooks maps business events to local commands, read from a YAML (or JSON)
// file and reloaded when that file changes.
//
// Config file shape:
//
//	SESSION_DONE:
//	  - cmd: /usr/local/bin/on-done
//	    args: ["--verbose"]
type Hooks struct {
	path   string
	logDir string
	log    *slog.Logger

	mu      sync.RWMutex
	byEvent map[string][]Hook

	running sync.WaitGroup
}

// NewHooks loads path. An empty path disables hooks; a missing file yields
// an empty map until it appears.
func NewHooks(path, logDir string, logger *slog.Logger) (*Hooks, error) {
	if logger == nil {
		logger = slog.Default()
	}
	h := &Hooks{path: path, logDir: logDir, log: logger, byEvent: map[string][]Hook{}}
	if err := h.Reload(); err != nil {
		return nil, err
	}
	return h, nil
}

// Reload re-reads the config file.
func (h *Hooks) Reload() error {
	if h.path == "" {
		return nil
	}
	raw, err := os.ReadFile(h.path)
	if errors.Is(err, os.ErrNotExist) {
		h.set(map[string][]Hook{})
		return nil
	}
	if err != nil {
		return fmt.Errorf("notify: read hooks %s: %w", h.path, err)
	}

	parsed := map[string][]Hook{}
	if strings.EqualFold(filepath.Ext(h.path), ".json") {
		err = json.Unmarshal(raw, &parsed)
	} else {
		err = yaml.Unmarshal(raw, &parsed)
	}
	if err != nil {
		return fmt.Errorf("notify: parse hooks %s: %w", h.path, err)
	}
	for event, list := range parsed {
		kept := list[:0]
		for _, hook := range list {
			hook.Cmd = strings.TrimSpace(hook.Cmd)
			if hook.Cmd != "" {
				kept = append(kept, hook)
			}
		}
		parsed[event] = kept
	}
	h.set(parsed)
	return nil
}

func (h *Hooks) set(m map[string][]Hook) {
	h.mu.Lock()
	h.byEvent = m
	h.mu.Unlock()
}

// For returns the hooks configured for event.
func (h *Hooks) For(event string) []Hook {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return append([]Hook(nil), h.byEvent[event]...)
}

// Watch reloads the file whenever it is written, created or renamed into
// place, until ctx is cancelled. The parent directory is watched so that
// editors which replace the file are picked up.
func (h *Hooks) Watch(ctx context.Context) error {
	if h.path == "" {
		<-ctx.Done()
		return nil
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("notify: hooks watcher: %w", err)
	}
	defer w.Close()

	dir := filepath.Dir(h.path)
	if err := w.Add(dir); err != nil {
		return fmt.Errorf("notify: watch %s: %w", dir, err)
	}
	target := filepath.Clean(h.path)

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != target {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) && !ev.Has(fsnotify.Remove) {
				continue
			}
			if err := h.Reload(); err != nil {
				h.log.Error("notify: hooks reload failed", "path", h.path, "error", err)
				continue
			}
			h.log.Info("notify: hooks reloaded", "path", h.path)
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			h.log.Warn("notify: hooks watcher error", "error", err)
		}
	}
}

// Run starts every hook configured for env.Event and returns once they are
// started; each hook's output goes to its own file under the log directory.
// It returns the number of hooks started.
func (h *Hooks) Run(env Envelope) (int, error) {
	hooks := h.For(env.Event)
	if len(hooks) == 0 {
		return 0, nil
	}

	arg, err := json.Marshal(hookEnvelope(env))
	if err != nil {
		return 0, fmt.Errorf("notify: encode hook envelope: %w", err)
	}
	if h.logDir != "" {
		if err := os.MkdirAll(h.logDir, 0o755); err != nil {
			return 0, fmt.Errorf("notify: hook log dir: %w", err)
		}
	}

	started := 0
	var errs []error
	for i, hook := range hooks {
		if err := h.start(env, i, hook, string(arg)); err != nil {
			errs = append(errs, err)
			continue
		}
		started++
	}
	return started, errors.Join(errs...)
}

func (h *Hooks) start(env Envelope, idx int, hook Hook, arg string) error {
	args := append(append([]string(nil), hook.Args...), arg)
	cmd := exec.Command(hook.Cmd, args...)
	cmd.Env = os.Environ()

	var logFile *os.File
	if h.logDir != "" {
		path := filepath.Join(h.logDir, hookLogName(time.Now(), env.Event, env.SessionID, idx))
		f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return fmt.Errorf("notify: hook log %s: %w", path, err)
		}
		logFile = f
		cmd.Stdout = f
		cmd.Stderr = f
	}

	if err := cmd.Start(); err != nil {
		if logFile != nil {
			_ = logFile.Close()
		}
		h.log.Error("notify: hook failed to start", "event", env.Event, "cmd", hook.Cmd, "session_id", env.SessionID, "error", err)
		return fmt.Errorf("notify: start %s: %w", hook.Cmd, err)
	}
	h.log.Info("notify: hook started", "event", env.Event, "cmd", hook.Cmd, "pid", cmd.Process.Pid, "session_id", env.SessionID)

	h.running.Add(1)
	go func() {
		defer h.running.Done()
		err := cmd.Wait()
		if logFile != nil {
			_ = logFile.Close()
		}
		if err != nil {
			h.log.Warn("notify: hook exited with error", "event", env.Event, "cmd", hook.Cmd, "session_id", env.SessionID, "error", err)
		}
	}()
	return nil
}

// Wait blocks until every started hook has exited.
func (h *Hooks) Wait() { h.running.Wait() }

// hookEnvelope is {event, payload: {...payload, session_id}}.
func hookEnvelope(env Envelope) map[string]any {
	payload := map[string]any{}
	if len(env.Payload) > 0 {
		if err := json.Unmarshal(env.Payload, &payload); err != nil {
			payload = map[string]any{"value": env.Payload}
		}
	}
	if payload == nil {
		payload = map[string]any{}
	}
	payload["session_id"] = env.SessionID
	return map[string]any{"event": env.Event, "payload": payload}
}

var unsafeToken = regexp.MustCompile(`[^a-z0-9._-]+`)

func sanitizeToken(v, fallback string) string {
	v = unsafeToken.ReplaceAllString(strings.ToLower(strings.TrimSpace(v)), "_")
	v = strings.Trim(v, "_")
	if v == "" {
		return fallback
	}
	if len(v) > 120 {
		v = v[:120]
	}
	return v
}

// hookLogName builds "<time>__<event>__<session>__<nn>__<uuid>.log".
func hookLogName(at time.Time, event, sessionID string, idx int) string {
	stamp := strings.NewReplacer(":", "-", ".", "-").Replace(at.UTC().Format("2006-01-02T15:04:05.000Z"))
	return fmt.Sprintf("%s__%s__%s__%02d__%s.log",
		stamp,
		sanitizeToken(event, "event"),
		sanitizeToken(sessionID, "no_session"),
		idx+1,
		uuid.NewString(),
	)
}
