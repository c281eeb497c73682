package processor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// Prompts is the set of custom processors: one "<name>.md" file per
// processor in a directory, the file body being the prompt. The set is
// reloaded when the directory changes.
type Prompts struct {
	dir string
	log *slog.Logger

	mu     sync.RWMutex
	byName map[string]string
}

// NewPrompts loads dir. An empty or missing dir yields an empty set.
func NewPrompts(dir string, logger *slog.Logger) (*Prompts, error) {
	if logger == nil {
		logger = slog.Default()
	}
	p := &Prompts{dir: dir, log: logger.With("component", "prompts"), byName: map[string]string{}}
	if err := p.Reload(); err != nil {
		return nil, err
	}
	return p, nil
}

// Reload re-reads every *.md file of the directory.
func (p *Prompts) Reload() error {
	if p.dir == "" {
		return nil
	}
	entries, err := os.ReadDir(p.dir)
	if errors.Is(err, os.ErrNotExist) {
		p.set(map[string]string{})
		return nil
	}
	if err != nil {
		return fmt.Errorf("processor: read prompts %s: %w", p.dir, err)
	}

	loaded := make(map[string]string, len(entries))
	for _, e := range entries {
		if e.IsDir() || !strings.EqualFold(filepath.Ext(e.Name()), ".md") {
			continue
		}
		raw, err := os.ReadFile(filepath.Join(p.dir, e.Name()))
		if err != nil {
			p.log.Warn("prompt unreadable", "file", e.Name(), "error", err)
			continue
		}
		name := strings.TrimSuffix(e.Name(), filepath.Ext(e.Name()))
		loaded[name] = string(raw)
	}
	p.set(loaded)
	return nil
}

func (p *Prompts) set(m map[string]string) {
	p.mu.Lock()
	p.byName = m
	p.mu.Unlock()
}

// Has reports whether a custom processor named name is installed.
func (p *Prompts) Has(name string) bool {
	_, ok := p.Prompt(name)
	return ok
}

// Prompt returns the prompt of name.
func (p *Prompts) Prompt(name string) (string, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	text, ok := p.byName[name]
	return text, ok
}

// Names lists the installed custom processors, sorted.
func (p *Prompts) Names() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]string, 0, len(p.byName))
	for name := range p.byName {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Watch reloads on every change inside the directory until ctx is done.
func (p *Prompts) Watch(ctx context.Context) error {
	if p.dir == "" {
		<-ctx.Done()
		return nil
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("processor: prompts watcher: %w", err)
	}
	defer w.Close()
	if err := w.Add(p.dir); err != nil {
		// Directory may not exist yet; custom processors stay empty.
		p.log.Warn("prompts directory not watched", "dir", p.dir, "error", err)
		<-ctx.Done()
		return nil
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if !strings.EqualFold(filepath.Ext(ev.Name), ".md") {
				continue
			}
			if err := p.Reload(); err != nil {
				p.log.Error("prompts reload failed", "error", err)
				continue
			}
			p.log.Info("prompts reloaded", "count", len(p.Names()))
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			p.log.Warn("prompts watcher error", "error", err)
		}
	}
}
