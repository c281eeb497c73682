// Package guard watches the work queue's backing store and prunes job
// history before it fills up.
//
// Only completed and failed records and the event streams are ever removed.
// Waiting, active and delayed jobs are unfinished work and are never touched:
// the backend refuses to clean live states and the guard never asks it to.
package guard

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/time/rate"

	"github.com/sneh-joshi/voxpipe/internal/config"
	"github.com/sneh-joshi/voxpipe/internal/jobqueue"
	"github.com/sneh-joshi/voxpipe/internal/types"
)

// Backend is the part of the work queue the guard needs.
type Backend interface {
	MemoryInfo() (jobqueue.MemoryInfo, error)
	Names() []string
	Clean(queue string, grace time.Duration, limit int, state types.JobState) (int, error)
	TrimEvents(queue string, maxLen int) (int, error)
}

// Bounds is one prune pass: how old and how many history records may go.
type Bounds struct {
	CompletedGrace time.Duration
	CompletedLimit int
	FailedGrace    time.Duration
	FailedLimit    int
	EventsTail     int
}

// Pruned counts what one pass removed.
type Pruned struct {
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
	Events    int `json:"events"`
}

func (p Pruned) add(o Pruned) Pruned {
	return Pruned{p.Completed + o.Completed, p.Failed + o.Failed, p.Events + o.Events}
}

// Report is the outcome of one Check.
type Report struct {
	Before    jobqueue.MemoryInfo `json:"before"`
	After     jobqueue.MemoryInfo `json:"after"`
	Pruned    Pruned              `json:"pruned"`
	Emergency bool                `json:"emergency"`
}

// Guard polls memory usage and prunes history under pressure.
type Guard struct {
	backend Backend
	cfg     config.GuardConfig
	log     *slog.Logger

	summary rate.Sometimes
}

// New returns a Guard. cfg supplies the poll interval, thresholds and prune
// bounds.
func New(backend Backend, cfg config.GuardConfig, logger *slog.Logger) *Guard {
	if logger == nil {
		logger = slog.Default()
	}
	return &Guard{
		backend: backend,
		cfg:     cfg,
		log:     logger.With("component", "queue_guard"),
		summary: rate.Sometimes{First: 1, Interval: cfg.SummaryInterval},
	}
}

// NormalBounds are the bounds of the threshold pass.
func (g *Guard) NormalBounds() Bounds {
	return Bounds{
		CompletedGrace: g.cfg.CompletedGrace,
		CompletedLimit: g.cfg.CompletedLimit,
		FailedGrace:    g.cfg.FailedGrace,
		FailedLimit:    g.cfg.FailedLimit,
		EventsTail:     g.cfg.EventsTail,
	}
}

// EmergencyBounds are the zero-age bounds of the critical pass.
func (g *Guard) EmergencyBounds() Bounds {
	return Bounds{
		CompletedLimit: g.cfg.EmergencyCompletedLimit,
		FailedLimit:    g.cfg.EmergencyFailedLimit,
		EventsTail:     g.cfg.EmergencyEventsTail,
	}
}

// Run checks once at start and then every poll interval until ctx is done.
func (g *Guard) Run(ctx context.Context) error {
	ticker := time.NewTicker(g.cfg.PollInterval)
	defer ticker.Stop()
	for {
		if _, err := g.Check(); err != nil {
			g.log.Error("memory check failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// Check reads memory usage, prunes when usage is at or above the threshold,
// and runs the emergency pass when it is still critical afterwards.
func (g *Guard) Check() (Report, error) {
	info, err := g.backend.MemoryInfo()
	if err != nil {
		return Report{}, fmt.Errorf("guard: memory info: %w", err)
	}
	rep := Report{Before: info, After: info}

	g.summary.Do(func() {
		g.log.Info("queue memory",
			"used", info.UsedHuman, "max", info.MaxHuman,
			"percentage", info.Percentage, "policy", info.Policy)
	})

	if info.Max <= 0 || info.Percentage < g.cfg.ThresholdPercent {
		return rep, nil
	}

	g.log.Warn("queue memory above threshold, pruning history",
		"percentage", info.Percentage, "threshold", g.cfg.ThresholdPercent)
	rep.Pruned = g.Prune(g.NormalBounds())

	after, err := g.backend.MemoryInfo()
	if err != nil {
		return rep, fmt.Errorf("guard: memory info: %w", err)
	}
	rep.After = after
	if after.Percentage < g.cfg.CriticalPercent {
		return rep, nil
	}

	g.log.Error("queue memory still critical, emergency prune",
		"percentage", after.Percentage, "critical", g.cfg.CriticalPercent)
	rep.Emergency = true
	rep.Pruned = rep.Pruned.add(g.Prune(g.EmergencyBounds()))
	if after, err = g.backend.MemoryInfo(); err == nil {
		rep.After = after
	}
	return rep, nil
}

// Prune removes history from every queue within b. Per-queue failures are
// logged and the pass continues.
func (g *Guard) Prune(b Bounds) Pruned {
	var total Pruned
	for _, name := range g.backend.Names() {
		log := g.log.With("queue", name)

		n, err := g.backend.Clean(name, b.CompletedGrace, b.CompletedLimit, types.JobCompleted)
		if err != nil {
			log.Error("clean completed failed", "error", err)
		}
		total.Completed += n

		n, err = g.backend.Clean(name, b.FailedGrace, b.FailedLimit, types.JobFailed)
		if err != nil {
			log.Error("clean failed jobs failed", "error", err)
		}
		total.Failed += n

		if b.EventsTail > 0 {
			n, err = g.backend.TrimEvents(name, b.EventsTail)
			if err != nil {
				log.Error("trim events failed", "error", err)
			}
			total.Events += n
		}
	}
	g.log.Info("history pruned", "completed", total.Completed, "failed", total.Failed, "events", total.Events)
	return total
}
