package job

import (
	"github.com/postflux/uplink"
	"github.com/postflux/uplink/id"
)

// BatchStatus is the derived aggregate status of an upload batch.
type BatchStatus string

const (
	// BatchQueued means no job is running and work remains.
	BatchQueued BatchStatus = "queued"
	// BatchRunning means at least one job is currently running.
	BatchRunning BatchStatus = "running"
	// BatchSucceeded means every job in the batch succeeded.
	BatchSucceeded BatchStatus = "succeeded"
	// BatchFailed means at least one job failed and none remain queued.
	BatchFailed BatchStatus = "failed"
)

// UploadBatch groups jobs submitted together. Its counters and Status
// are rollups recomputed from the member jobs after every job
// transition; they are never written independently of a recompute.
type UploadBatch struct {
	uplink.Entity

	ID            id.BatchID  `json:"id"`
	OwnerID       id.UserID   `json:"owner_id"`
	Name          string      `json:"name,omitempty"`
	Status        BatchStatus `json:"status"`
	TotalJobs     int         `json:"total_jobs"`
	QueuedJobs    int         `json:"queued_jobs"`
	RunningJobs   int         `json:"running_jobs"`
	SucceededJobs int         `json:"succeeded_jobs"`
	FailedJobs    int         `json:"failed_jobs"`
	CanceledJobs  int         `json:"canceled_jobs"`
}

// Rollup holds per-status job counts for one batch.
type Rollup struct {
	Total     int
	Queued    int
	Running   int
	Succeeded int
	Failed    int
	Canceled  int
}

// RollupJobs tallies the statuses of the given jobs.
func RollupJobs(jobs []*UploadJob) Rollup {
	var r Rollup
	for _, j := range jobs {
		r.Total++
		switch j.Status {
		case StatusQueued:
			r.Queued++
		case StatusRunning:
			r.Running++
		case StatusSucceeded:
			r.Succeeded++
		case StatusFailed:
			r.Failed++
		case StatusCanceled:
			r.Canceled++
		}
	}
	return r
}

// DeriveBatchStatus computes the aggregate status from a rollup:
// running if any job runs; else failed if any job failed and none remain
// queued; else succeeded if all jobs succeeded; else queued.
func DeriveBatchStatus(r Rollup) BatchStatus {
	switch {
	case r.Running > 0:
		return BatchRunning
	case r.Failed > 0 && r.Queued == 0:
		return BatchFailed
	case r.Total > 0 && r.Succeeded == r.Total:
		return BatchSucceeded
	default:
		return BatchQueued
	}
}

// Apply writes a rollup's counters and derived status onto the batch.
func (b *UploadBatch) Apply(r Rollup) {
	b.TotalJobs = r.Total
	b.QueuedJobs = r.Queued
	b.RunningJobs = r.Running
	b.SucceededJobs = r.Succeeded
	b.FailedJobs = r.Failed
	b.CanceledJobs = r.Canceled
	b.Status = DeriveBatchStatus(r)
}
