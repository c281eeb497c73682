package jobqueue

import "github.com/sneh-joshi/voxpipe/internal/types"

// Job lifecycle:
//
//	delayed ──────────────► waiting
//	   ▲                       │
//	   │ retry (backoff)       ▼
//	   └─────────────────── active ───► completed
//	                           │
//	                           ├──────► waiting  (lease expired, attempts left)
//	                           └──────► failed   (attempts spent or unknown job)

// ValidTransition reports whether from → to is a legal job state change.
// Queue methods drive every transition; tests use this to check them.
func ValidTransition(from, to types.JobState) bool {
	switch from {
	case types.JobDelayed:
		return to == types.JobWaiting
	case types.JobWaiting:
		return to == types.JobActive
	case types.JobActive:
		return to == types.JobCompleted || to == types.JobFailed ||
			to == types.JobDelayed || to == types.JobWaiting
	}
	return false
}
