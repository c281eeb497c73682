package jobqueue

import (
	"container/list"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.etcd.io/bbolt"

	"github.com/sneh-joshi/voxpipe/internal/metrics"
	"github.com/sneh-joshi/voxpipe/internal/node"
	"github.com/sneh-joshi/voxpipe/internal/types"
)

// ─── Per-queue config ─────────────────────────────────────────────────────────

// Config holds the tunables shared by every queue of a Manager.
type Config struct {
	// LeaseTimeout is how long a worker may hold a job before the reaper
	// hands it back.
	LeaseTimeout time.Duration

	// DefaultAttempts applies when AddOptions.Attempts is 0.
	DefaultAttempts int

	// Backoff is the first retry delay; each further attempt doubles it.
	Backoff time.Duration

	// MaxBytes is the store ceiling reported by MemoryInfo.
	MaxBytes int64

	// RejectWhenFull makes Add fail with ErrQueueFull at the ceiling.
	RejectWhenFull bool

	// ReaperInterval is how often expired leases are collected.
	ReaperInterval time.Duration
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		LeaseTimeout:    5 * time.Minute,
		DefaultAttempts: 1,
		Backoff:         5 * time.Second,
		MaxBytes:        512 << 20,
		RejectWhenFull:  true,
		ReaperInterval:  500 * time.Millisecond,
	}
}

// AddOptions mirror the work-queue contract: a dedup key, an attempt budget
// and an optional delay.
type AddOptions struct {
	DedupKey string
	Attempts int
	Delay    time.Duration
}

// ─── Queue ────────────────────────────────────────────────────────────────────

// lease tracks a job held by a worker.
type lease struct {
	jobID      string
	token      string
	deadlineMs int64
}

// Queue is one named work queue: durable job records in bbolt plus an
// in-memory FIFO of waiting job ids and a map of leased jobs.
//
// The background reaper runs every ReaperInterval and returns jobs whose
// lease expired to waiting, or fails them when their attempts are spent.
//
// All public methods are safe for concurrent use.
type Queue struct {
	Name string

	cfg     Config
	db      *bbolt.DB
	now     func() time.Time
	metrics *metrics.Registry

	// full reports whether the backing store is at its ceiling.
	full func() bool

	// onDelay registers a delayed job with the promotion scheduler.
	onDelay func(jobID, queue string, dueAt int64)

	mu       sync.Mutex
	ready    *list.List        // job ids, FIFO
	inFlight map[string]*lease // job id → lease

	signal chan struct{}

	reaperDone chan struct{}
	reaperWG   sync.WaitGroup
	closeOnce  sync.Once
}

func newQueue(name string, db *bbolt.DB, cfg Config, reg *metrics.Registry, full func() bool, onDelay func(string, string, int64)) (*Queue, error) {
	if err := ensureQueueBuckets(db, name); err != nil {
		return nil, fmt.Errorf("queue %s: init buckets: %w", name, err)
	}
	q := &Queue{
		Name:       name,
		cfg:        cfg,
		db:         db,
		now:        time.Now,
		metrics:    reg,
		full:       full,
		onDelay:    onDelay,
		ready:      list.New(),
		inFlight:   make(map[string]*lease),
		signal:     make(chan struct{}, 1),
		reaperDone: make(chan struct{}),
	}
	if err := q.loadFromStorage(); err != nil {
		return nil, fmt.Errorf("queue %s: load state: %w", name, err)
	}
	q.startReaper()
	return q, nil
}

// ─── Add ──────────────────────────────────────────────────────────────────────

// Add durably stores a job named name.
//
// When opts.DedupKey names a job that is still waiting, active or delayed,
// nothing is written and that job is returned with added=false. A key left
// behind by a completed or failed job does not block a new one.
//
// Add returns ErrQueueFull when the backing store is at its ceiling.
func (q *Queue) Add(name string, payload []byte, opts AddOptions) (*types.Job, bool, error) {
	if q.full != nil && q.full() {
		if q.metrics != nil {
			q.metrics.JobsRejected.Inc(q.Name)
		}
		return nil, false, fmt.Errorf("%w: %s", ErrQueueFull, q.Name)
	}

	attempts := opts.Attempts
	if attempts <= 0 {
		attempts = q.cfg.DefaultAttempts
	}
	if attempts <= 0 {
		attempts = 1
	}
	now := q.now().UnixMilli()

	var (
		job   *types.Job
		added bool
	)
	err := q.db.Update(func(tx *bbolt.Tx) error {
		root := queueBucket(tx, q.Name)
		if opts.DedupKey != "" {
			if id := root.Bucket(bucketDedup).Get([]byte(opts.DedupKey)); id != nil {
				existing, err := getJob(root, string(id))
				if err == nil && existing.State.IsLive() {
					job = existing
					return appendEvent(root, now, existing, "deduplicated")
				}
			}
		}

		id, err := node.NewID()
		if err != nil {
			return err
		}
		job = &types.Job{
			ID:          id,
			Queue:       q.Name,
			Name:        name,
			Payload:     payload,
			DedupKey:    opts.DedupKey,
			State:       types.JobWaiting,
			MaxAttempts: attempts,
			CreatedAt:   now,
		}
		event := "waiting"
		if opts.Delay > 0 {
			job.State = types.JobDelayed
			job.ProcessAt = now + opts.Delay.Milliseconds()
			event = "delayed"
		}
		if err := putJob(root, job); err != nil {
			return err
		}
		if opts.DedupKey != "" {
			if err := root.Bucket(bucketDedup).Put([]byte(opts.DedupKey), []byte(id)); err != nil {
				return err
			}
		}
		added = true
		return appendEvent(root, now, job, event)
	})
	if err != nil {
		return nil, false, fmt.Errorf("add %s/%s: %w", q.Name, name, err)
	}

	if !added {
		if q.metrics != nil {
			q.metrics.JobsDeduped.Inc(q.Name)
		}
		return job, false, nil
	}
	if q.metrics != nil {
		q.metrics.JobsAdded.Inc(metrics.JobKey(q.Name, name))
	}
	if job.State == types.JobDelayed {
		q.schedule(job)
	} else {
		q.pushReady(job.ID)
	}
	return job, true, nil
}

// ─── Claim / Complete / Fail ──────────────────────────────────────────────────

// Claim leases the oldest waiting job. It returns nil, nil when nothing waits.
func (q *Queue) Claim() (*types.Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for q.ready.Len() > 0 {
		front := q.ready.Front()
		q.ready.Remove(front)
		id := front.Value.(string)

		token, err := node.NewID()
		if err != nil {
			q.ready.PushFront(id)
			return nil, err
		}
		now := q.now().UnixMilli()
		deadline := now + q.cfg.LeaseTimeout.Milliseconds()

		var job *types.Job
		err = q.db.Update(func(tx *bbolt.Tx) error {
			root := queueBucket(tx, q.Name)
			j, err := getJob(root, id)
			if errors.Is(err, errJobMissing) {
				return nil
			}
			if err != nil {
				return err
			}
			if j.State != types.JobWaiting {
				return nil
			}
			j.State = types.JobActive
			j.Attempt++
			j.StartedAt = now
			j.LeaseToken = token
			j.LeaseDeadline = deadline
			if err := putJob(root, j); err != nil {
				return err
			}
			job = j
			return appendEvent(root, now, j, "active")
		})
		if err != nil {
			q.ready.PushFront(id)
			return nil, fmt.Errorf("claim %s: %w", q.Name, err)
		}
		if job == nil {
			// Cleaned or already moved on; skip the stale id.
			continue
		}
		q.inFlight[id] = &lease{jobID: id, token: token, deadlineMs: deadline}
		return job, nil
	}
	return nil, nil
}

// Complete marks a leased job completed. It returns ErrLeaseLost when token
// is not the current lease of jobID.
func (q *Queue) Complete(jobID, token string) error {
	if err := q.release(jobID, token); err != nil {
		return err
	}
	now := q.now().UnixMilli()
	var name string
	err := q.db.Update(func(tx *bbolt.Tx) error {
		root := queueBucket(tx, q.Name)
		job, err := getJob(root, jobID)
		if err != nil {
			return err
		}
		name = job.Name
		job.State = types.JobCompleted
		job.FinishedAt = now
		job.LeaseToken = ""
		job.LeaseDeadline = 0
		if err := putJob(root, job); err != nil {
			return err
		}
		if err := dropDedup(root, job); err != nil {
			return err
		}
		return appendEvent(root, now, job, "completed")
	})
	if err != nil {
		return fmt.Errorf("complete %s/%s: %w", q.Name, jobID, err)
	}
	if q.metrics != nil {
		q.metrics.JobsCompleted.Inc(metrics.JobKey(q.Name, name))
	}
	return nil
}

// Fail records a failed attempt. The job is retried after an exponential
// backoff while attempts remain and moves to failed otherwise. Unknown job
// names fail at once.
func (q *Queue) Fail(jobID, token string, cause error) error {
	if err := q.release(jobID, token); err != nil {
		return err
	}
	reason := "unknown error"
	if cause != nil {
		reason = cause.Error()
	}
	job, err := q.failOrRetry(jobID, reason, errors.Is(cause, ErrUnknownJob))
	if err != nil {
		return fmt.Errorf("fail %s/%s: %w", q.Name, jobID, err)
	}
	if job != nil && job.State == types.JobDelayed {
		q.schedule(job)
	}
	return nil
}

func (q *Queue) failOrRetry(jobID, reason string, permanent bool) (*types.Job, error) {
	now := q.now().UnixMilli()
	var out *types.Job
	err := q.db.Update(func(tx *bbolt.Tx) error {
		root := queueBucket(tx, q.Name)
		job, err := getJob(root, jobID)
		if err != nil {
			return err
		}
		job.LeaseToken = ""
		job.LeaseDeadline = 0
		job.FailedReason = reason
		event := "failed"
		if !permanent && job.Attempt < job.MaxAttempts {
			job.State = types.JobDelayed
			job.ProcessAt = now + q.backoff(job.Attempt).Milliseconds()
			event = "retrying"
		} else {
			job.State = types.JobFailed
			job.FinishedAt = now
			if err := dropDedup(root, job); err != nil {
				return err
			}
		}
		if err := putJob(root, job); err != nil {
			return err
		}
		out = job
		return appendEvent(root, now, job, event)
	})
	if err == nil && q.metrics != nil {
		q.metrics.JobsFailed.Inc(metrics.JobKey(q.Name, out.Name))
	}
	return out, err
}

// backoff returns Backoff * 2^(attempt-1), capped at one hour.
func (q *Queue) backoff(attempt int) time.Duration {
	d := q.cfg.Backoff
	if d <= 0 {
		return 0
	}
	for i := 1; i < attempt && d < time.Hour; i++ {
		d *= 2
	}
	if d > time.Hour {
		d = time.Hour
	}
	return d
}

func (q *Queue) release(jobID, token string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	l, ok := q.inFlight[jobID]
	if !ok || l.token != token {
		return fmt.Errorf("%w: %s/%s", ErrLeaseLost, q.Name, jobID)
	}
	delete(q.inFlight, jobID)
	return nil
}

// promote moves a delayed job to waiting. Called by the scheduler.
func (q *Queue) promote(jobID string) error {
	now := q.now().UnixMilli()
	moved := false
	err := q.db.Update(func(tx *bbolt.Tx) error {
		root := queueBucket(tx, q.Name)
		job, err := getJob(root, jobID)
		if errors.Is(err, errJobMissing) {
			return nil
		}
		if err != nil {
			return err
		}
		if job.State != types.JobDelayed {
			return nil
		}
		job.State = types.JobWaiting
		if err := putJob(root, job); err != nil {
			return err
		}
		moved = true
		return appendEvent(root, now, job, "waiting")
	})
	if err != nil {
		return fmt.Errorf("promote %s/%s: %w", q.Name, jobID, err)
	}
	if moved {
		q.pushReady(jobID)
	}
	return nil
}

// ─── Introspection ───────────────────────────────────────────────────────────

// Get returns a job record by id.
func (q *Queue) Get(jobID string) (*types.Job, error) {
	var job *types.Job
	err := q.db.View(func(tx *bbolt.Tx) error {
		var err error
		job, err = getJob(queueBucket(tx, q.Name), jobID)
		return err
	})
	if errors.Is(err, errJobMissing) {
		return nil, fmt.Errorf("%w: %s/%s", ErrJobNotFound, q.Name, jobID)
	}
	return job, err
}

// Len returns the number of waiting jobs.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.ready.Len()
}

// InFlightCount returns the number of leased jobs.
func (q *Queue) InFlightCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.inFlight)
}

// Counts returns the number of job records per state name.
func (q *Queue) Counts() (map[string]int, error) {
	out := map[string]int{}
	for _, s := range []types.JobState{types.JobWaiting, types.JobActive, types.JobDelayed, types.JobCompleted, types.JobFailed} {
		out[s.String()] = 0
	}
	err := q.scan(func(job *types.Job) { out[job.State.String()]++ })
	return out, err
}

// Ready returns a channel that receives a value whenever a job becomes
// waiting. Workers use it to avoid polling.
func (q *Queue) Ready() <-chan struct{} { return q.signal }

// ─── History maintenance ──────────────────────────────────────────────────────

// Clean deletes up to limit job records in a terminal state that finished
// more than grace ago, oldest first, and returns how many were removed.
// limit <= 0 means no limit. Live states are refused with ErrLiveState.
func (q *Queue) Clean(grace time.Duration, limit int, state types.JobState) (int, error) {
	if state.IsLive() || (state != types.JobCompleted && state != types.JobFailed) {
		return 0, fmt.Errorf("%w: %s", ErrLiveState, state)
	}
	cutoff := q.now().Add(-grace).UnixMilli()

	removed := 0
	err := q.db.Update(func(tx *bbolt.Tx) error {
		root := queueBucket(tx, q.Name)
		var victims []*types.Job
		if err := root.Bucket(bucketJobs).ForEach(func(_, v []byte) error {
			var job types.Job
			if err := json.Unmarshal(v, &job); err != nil {
				return err
			}
			if job.State == state && job.FinishedAt <= cutoff {
				victims = append(victims, &job)
			}
			return nil
		}); err != nil {
			return err
		}
		sort.Slice(victims, func(i, j int) bool {
			if victims[i].FinishedAt != victims[j].FinishedAt {
				return victims[i].FinishedAt < victims[j].FinishedAt
			}
			return victims[i].ID < victims[j].ID
		})
		if limit > 0 && len(victims) > limit {
			victims = victims[:limit]
		}
		for _, job := range victims {
			if !(job.State == types.JobCompleted || job.State == types.JobFailed) {
				continue
			}
			if err := root.Bucket(bucketJobs).Delete([]byte(job.ID)); err != nil {
				return err
			}
			if err := dropDedup(root, job); err != nil {
				return err
			}
			removed++
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("clean %s/%s: %w", q.Name, state, err)
	}
	return removed, nil
}

// TrimEvents drops the oldest events until at most maxLen remain and returns
// how many were removed.
func (q *Queue) TrimEvents(maxLen int) (int, error) {
	if maxLen < 0 {
		maxLen = 0
	}
	removed := 0
	err := q.db.Update(func(tx *bbolt.Tx) error {
		b := queueBucket(tx, q.Name).Bucket(bucketEvents)
		excess := b.Stats().KeyN - maxLen
		if excess <= 0 {
			return nil
		}
		var keys [][]byte
		c := b.Cursor()
		for k, _ := c.First(); k != nil && len(keys) < excess; k, _ = c.Next() {
			keys = append(keys, append([]byte(nil), k...))
		}
		for _, k := range keys {
			if err := b.Delete(k); err != nil {
				return err
			}
			removed++
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("trim events %s: %w", q.Name, err)
	}
	return removed, nil
}

// EventCount returns the length of the event stream.
func (q *Queue) EventCount() (int, error) {
	n := 0
	err := q.db.View(func(tx *bbolt.Tx) error {
		n = queueBucket(tx, q.Name).Bucket(bucketEvents).Stats().KeyN
		return nil
	})
	return n, err
}

// ─── Close ───────────────────────────────────────────────────────────────────

// Close stops the reaper. The shared bbolt file is closed by the Manager.
func (q *Queue) Close() {
	q.closeOnce.Do(func() {
		close(q.reaperDone)
		q.reaperWG.Wait()
	})
}

// ─── Internal helpers ─────────────────────────────────────────────────────────

func (q *Queue) pushReady(jobID string) {
	q.mu.Lock()
	q.ready.PushBack(jobID)
	q.mu.Unlock()
	select {
	case q.signal <- struct{}{}:
	default:
	}
}

func (q *Queue) schedule(job *types.Job) {
	if q.onDelay != nil {
		q.onDelay(job.ID, q.Name, job.ProcessAt)
	}
}

func (q *Queue) scan(fn func(*types.Job)) error {
	return q.db.View(func(tx *bbolt.Tx) error {
		return queueBucket(tx, q.Name).Bucket(bucketJobs).ForEach(func(_, v []byte) error {
			var job types.Job
			if err := json.Unmarshal(v, &job); err != nil {
				return err
			}
			fn(&job)
			return nil
		})
	})
}

// loadFromStorage rebuilds the ready list and lease map after a restart.
// Waiting jobs are restored in id order (ULIDs sort by creation time),
// delayed jobs are handed back to the scheduler, and active jobs keep their
// lease until it expires so the reaper treats them like any stalled job.
func (q *Queue) loadFromStorage() error {
	var waiting []string
	var delayed []*types.Job

	err := q.scan(func(job *types.Job) {
		switch job.State {
		case types.JobWaiting:
			waiting = append(waiting, job.ID)
		case types.JobActive:
			q.inFlight[job.ID] = &lease{jobID: job.ID, token: job.LeaseToken, deadlineMs: job.LeaseDeadline}
		case types.JobDelayed:
			delayed = append(delayed, job)
		}
	})
	if err != nil {
		return err
	}

	sort.Strings(waiting)
	for _, id := range waiting {
		q.ready.PushBack(id)
	}
	for _, job := range delayed {
		q.schedule(job)
	}
	return nil
}

// ─── Lease reaper ─────────────────────────────────────────────────────────────

func (q *Queue) startReaper() {
	interval := q.cfg.ReaperInterval
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	q.reaperWG.Add(1)
	go func() {
		defer q.reaperWG.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-q.reaperDone:
				return
			case <-ticker.C:
				q.reapExpired()
			}
		}
	}()
}

// reapExpired returns jobs whose lease deadline passed to waiting, or fails
// them when no attempts remain.
func (q *Queue) reapExpired() {
	now := q.now().UnixMilli()

	q.mu.Lock()
	var expired []*lease
	for id, l := range q.inFlight {
		if l.deadlineMs <= now {
			expired = append(expired, l)
			delete(q.inFlight, id)
		}
	}
	q.mu.Unlock()

	for _, l := range expired {
		var requeue bool
		_ = q.db.Update(func(tx *bbolt.Tx) error {
			root := queueBucket(tx, q.Name)
			job, err := getJob(root, l.jobID)
			if err != nil || job.State != types.JobActive || job.LeaseToken != l.token {
				return nil
			}
			job.LeaseToken = ""
			job.LeaseDeadline = 0
			if job.Attempt >= job.MaxAttempts {
				job.State = types.JobFailed
				job.FinishedAt = now
				job.FailedReason = "lease expired"
				if err := dropDedup(root, job); err != nil {
					return err
				}
			} else {
				job.State = types.JobWaiting
				requeue = true
			}
			if err := putJob(root, job); err != nil {
				return err
			}
			return appendEvent(root, now, job, "stalled")
		})
		if requeue {
			q.pushReady(l.jobID)
		}
	}
}
