package jobqueue

import (
	"encoding/json"
	"errors"
	"fmt"

	"go.etcd.io/bbolt"

	"github.com/sneh-joshi/voxpipe/internal/node"
	"github.com/sneh-joshi/voxpipe/internal/types"
)

// On-disk layout. Every queue owns one top-level bucket named after it:
//
//	<queue>/jobs    job id → job JSON
//	<queue>/dedup   dedup key → job id
//	<queue>/events  event id (ULID, time ordered) → event JSON
//
// All queues share one bbolt file, so the file size is the memory figure the
// guard watches.
var (
	bucketJobs   = []byte("jobs")
	bucketDedup  = []byte("dedup")
	bucketEvents = []byte("events")
)

var errJobMissing = errors.New("jobqueue: job record missing")

// Event is one entry of a queue's event stream.
type Event struct {
	ID    string `json:"id"`
	JobID string `json:"job_id"`
	Job   string `json:"job"`
	Event string `json:"event"`
	At    int64  `json:"at"`
}

func openDB(path string) (*bbolt.DB, error) {
	db, err := bbolt.Open(path, 0o640, &bbolt.Options{Timeout: 0})
	if err != nil {
		return nil, fmt.Errorf("jobqueue: open %s: %w", path, err)
	}
	return db, nil
}

func ensureQueueBuckets(db *bbolt.DB, name string) error {
	return db.Update(func(tx *bbolt.Tx) error {
		root, err := tx.CreateBucketIfNotExists([]byte(name))
		if err != nil {
			return err
		}
		for _, b := range [][]byte{bucketJobs, bucketDedup, bucketEvents} {
			if _, err := root.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	})
}

func queueBucket(tx *bbolt.Tx, name string) *bbolt.Bucket {
	return tx.Bucket([]byte(name))
}

func getJob(root *bbolt.Bucket, id string) (*types.Job, error) {
	val := root.Bucket(bucketJobs).Get([]byte(id))
	if val == nil {
		return nil, errJobMissing
	}
	var job types.Job
	if err := json.Unmarshal(val, &job); err != nil {
		return nil, fmt.Errorf("jobqueue: decode job %s: %w", id, err)
	}
	return &job, nil
}

func putJob(root *bbolt.Bucket, job *types.Job) error {
	val, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("jobqueue: marshal job %s: %w", job.ID, err)
	}
	return root.Bucket(bucketJobs).Put([]byte(job.ID), val)
}

// dropDedup releases the dedup key when it still points at job.
func dropDedup(root *bbolt.Bucket, job *types.Job) error {
	if job.DedupKey == "" {
		return nil
	}
	b := root.Bucket(bucketDedup)
	if string(b.Get([]byte(job.DedupKey))) != job.ID {
		return nil
	}
	return b.Delete([]byte(job.DedupKey))
}

func appendEvent(root *bbolt.Bucket, at int64, job *types.Job, event string) error {
	id, err := node.NewID()
	if err != nil {
		return err
	}
	val, err := json.Marshal(Event{ID: id, JobID: job.ID, Job: job.Name, Event: event, At: at})
	if err != nil {
		return err
	}
	return root.Bucket(bucketEvents).Put([]byte(id), val)
}
