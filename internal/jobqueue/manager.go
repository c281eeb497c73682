// Package jobqueue is the durable work-queue substrate of voxpipe: named
// queues with dedup keys, attempt budgets, delayed retries, leases, an event
// stream and history cleanup, all persisted in one bbolt file.
package jobqueue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"go.etcd.io/bbolt"

	"github.com/sneh-joshi/voxpipe/internal/metrics"
	"github.com/sneh-joshi/voxpipe/internal/scheduler"
	"github.com/sneh-joshi/voxpipe/internal/types"
)

// Sentinel errors.
var (
	ErrUnknownQueue = errors.New("jobqueue: unknown queue")
	ErrJobNotFound  = errors.New("jobqueue: job not found")
	ErrQueueFull    = errors.New("jobqueue: store is full")
	ErrLeaseLost    = errors.New("jobqueue: lease lost")
	ErrLiveState    = errors.New("jobqueue: refusing to clean a live state")

	// ErrUnknownJob is returned by a worker with no handler for a job name.
	// Jobs failing with it are not retried.
	ErrUnknownJob = errors.New("jobqueue: no handler for job")
)

// MemoryInfo describes the store's footprint against its ceiling.
type MemoryInfo struct {
	Used       int64   `json:"used"`
	Max        int64   `json:"max"`
	UsedHuman  string  `json:"used_human"`
	MaxHuman   string  `json:"max_human"`
	Percentage float64 `json:"percentage"`
	Policy     string  `json:"policy"`
}

// Option configures a Manager.
type Option func(*Manager)

// WithMetrics attaches a metrics registry.
func WithMetrics(reg *metrics.Registry) Option { return func(m *Manager) { m.metrics = reg } }

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(m *Manager) { m.log = l } }

// Manager owns the bbolt file, the promotion scheduler and every queue.
//
// All methods are safe for concurrent use.
type Manager struct {
	db      *bbolt.DB
	cfg     Config
	sched   *scheduler.Scheduler
	metrics *metrics.Registry
	log     *slog.Logger

	mu     sync.RWMutex
	queues map[string]*Queue

	cancel context.CancelFunc
	once   sync.Once
}

// Open opens (or creates) the store at path and the named queues inside it.
// Delayed jobs found on disk are rescheduled and waiting jobs are restored
// in creation order.
func Open(path string, names []string, cfg Config, opts ...Option) (*Manager, error) {
	db, err := openDB(path)
	if err != nil {
		return nil, err
	}
	m := &Manager{
		db:     db,
		cfg:    cfg,
		sched:  scheduler.New(),
		log:    slog.Default(),
		queues: make(map[string]*Queue, len(names)),
	}
	for _, o := range opts {
		o(m)
	}

	for _, name := range names {
		q, err := newQueue(name, db, cfg, m.metrics, m.full, m.sched.Schedule)
		if err != nil {
			m.closeQueues()
			_ = db.Close()
			return nil, err
		}
		m.queues[name] = q
	}

	ctx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	m.sched.Start(ctx, func(jobID, queue string) {
		q, err := m.Queue(queue)
		if err != nil {
			return
		}
		if err := q.promote(jobID); err != nil {
			m.log.Warn("jobqueue: promote failed", "queue", queue, "job_id", jobID, "error", err)
		}
	})
	return m, nil
}

// Queue returns the queue named name.
func (m *Manager) Queue(name string) (*Queue, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	q, ok := m.queues[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownQueue, name)
	}
	return q, nil
}

// Names returns the queue names in sorted order.
func (m *Manager) Names() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.queues))
	for n := range m.queues {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// Enqueue JSON-encodes payload and adds a job to queue. It reports whether a
// new job was created or an existing live one was reused.
func (m *Manager) Enqueue(ctx context.Context, queue, job string, payload any, opts AddOptions) (*types.Job, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	q, err := m.Queue(queue)
	if err != nil {
		return nil, false, err
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, false, fmt.Errorf("jobqueue: encode %s payload: %w", job, err)
	}
	return q.Add(job, raw, opts)
}

// MemoryInfo reports how much of the bbolt file holds live pages.
func (m *Manager) MemoryInfo() (MemoryInfo, error) {
	var size int64
	if err := m.db.View(func(tx *bbolt.Tx) error {
		size = tx.Size()
		return nil
	}); err != nil {
		return MemoryInfo{}, fmt.Errorf("jobqueue: memory info: %w", err)
	}
	used := size - int64(m.db.Stats().FreeAlloc)
	if used < 0 {
		used = 0
	}
	info := MemoryInfo{
		Used:      used,
		Max:       m.cfg.MaxBytes,
		UsedHuman: humanBytes(used),
		MaxHuman:  humanBytes(m.cfg.MaxBytes),
		Policy:    "noeviction",
	}
	if m.cfg.MaxBytes > 0 {
		info.Percentage = float64(used) * 100 / float64(m.cfg.MaxBytes)
	}
	return info, nil
}

// full reports whether Add should be refused.
func (m *Manager) full() bool {
	if !m.cfg.RejectWhenFull || m.cfg.MaxBytes <= 0 {
		return false
	}
	info, err := m.MemoryInfo()
	if err != nil {
		return false
	}
	return info.Used >= info.Max
}

// Clean removes terminal job records from queue. See Queue.Clean.
func (m *Manager) Clean(queue string, grace time.Duration, limit int, state types.JobState) (int, error) {
	q, err := m.Queue(queue)
	if err != nil {
		return 0, err
	}
	n, err := q.Clean(grace, limit, state)
	if err == nil {
		m.metrics.AddPruned(queue, state.String(), n)
	}
	return n, err
}

// TrimEvents caps the event stream of queue at maxLen entries.
func (m *Manager) TrimEvents(queue string, maxLen int) (int, error) {
	q, err := m.Queue(queue)
	if err != nil {
		return 0, err
	}
	n, err := q.TrimEvents(maxLen)
	if err == nil {
		m.metrics.AddPruned(queue, "events", n)
	}
	return n, err
}

// Counts returns per-state job counts for every queue.
func (m *Manager) Counts() (map[string]map[string]int, error) {
	out := make(map[string]map[string]int)
	for _, name := range m.Names() {
		q, _ := m.Queue(name)
		c, err := q.Counts()
		if err != nil {
			return nil, err
		}
		if n, err := q.EventCount(); err == nil {
			c["events"] = n
		}
		out[name] = c
	}
	return out, nil
}

// Close stops the scheduler and reapers and closes the bbolt file.
func (m *Manager) Close() error {
	var err error
	m.once.Do(func() {
		m.cancel()
		m.sched.Stop()
		m.closeQueues()
		err = m.db.Close()
	})
	return err
}

func (m *Manager) closeQueues() {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, q := range m.queues {
		q.Close()
	}
}

func humanBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%dB", n)
	}
	div, exp := int64(unit), 0
	for v := n / unit; v >= unit; v /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.2f%c", float64(n)/float64(div), "KMGTPE"[exp])
}
