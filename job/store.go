package job

import (
	"context"
	"time"

	"github.com/postflux/uplink/id"
)

// ClaimFilter narrows which queued jobs a dispatch pass may claim.
type ClaimFilter struct {
	// OwnerID scopes the claim to one owner. Nil means all owners.
	OwnerID id.UserID

	// IgnoreSchedule claims jobs whose ScheduledAt is still in the
	// future. Used by the all_queued dispatch mode. NextAttemptAt gates
	// retries regardless of this flag.
	IgnoreSchedule bool

	// StaleAfter is how long after StartedAt an unadvanced claim becomes
	// claimable again, recovering executions abandoned by a crash. Zero
	// disables the recovery window.
	StaleAfter time.Duration
}

// ListOpts controls pagination and filtering for job list queries.
type ListOpts struct {
	// Limit is the maximum number of jobs to return. Zero means no limit.
	Limit int
	// Offset is the number of jobs to skip.
	Offset int
	// OwnerID filters by owner. Nil means all owners.
	OwnerID id.UserID
	// BatchID filters by batch. Nil means all batches.
	BatchID id.BatchID
	// Status filters by job status. Empty means all statuses.
	Status Status
}

// CountOpts controls filtering for job count queries.
type CountOpts struct {
	// OwnerID filters by owner. Nil means all owners.
	OwnerID id.UserID
	// Status filters by job status. Empty means all statuses.
	Status Status
}

// Store defines the persistence contract for upload jobs, their assets
// and attempts, their batches, and destination accounts. The store
// exclusively owns mutation of these rows; the dispatcher only requests
// transitions through it.
type Store interface {
	// CreateJob persists a new queued job together with its ordered
	// assets, atomically. If a job with the same owner and idempotency
	// key was created within dedupWindow, no row is inserted and the
	// existing job is returned with duplicate=true.
	CreateJob(ctx context.Context, j *UploadJob, assets []*UploadAsset, dedupWindow time.Duration) (created *UploadJob, duplicate bool, err error)

	// GetJob retrieves a job by ID.
	GetJob(ctx context.Context, jobID id.JobID) (*UploadJob, error)

	// GetJobDetail retrieves a job together with its destination
	// account and its assets in SortOrder.
	GetJobDetail(ctx context.Context, jobID id.JobID) (*Detail, error)

	// ClaimNextJobs claims up to limit due queued jobs in ascending
	// creation order. Each claim is a conditional transition to running
	// (guarded on status still being queued) that sets StartedAt and
	// increments AttemptCount; only rows whose conditional update took
	// effect are returned. Candidates that already reached their retry
	// ceiling are marked failed with reason "Retry limit reached" and
	// skipped.
	ClaimNextJobs(ctx context.Context, limit int, f ClaimFilter) ([]*UploadJob, error)

	// MarkSucceeded records a successful attempt and transitions the
	// job to succeeded: CompletedAt set, provider post ID stored,
	// LastError and NextAttemptAt cleared.
	MarkSucceeded(ctx context.Context, jobID id.JobID, providerPostID string, att *UploadAttempt) error

	// MarkRetrying records a failed attempt and loops the job back to
	// queued: StartedAt cleared, NextAttemptAt set to the retry
	// eligibility time, LastError updated.
	MarkRetrying(ctx context.Context, jobID id.JobID, reason string, nextAttemptAt time.Time, att *UploadAttempt) error

	// MarkFailed records a failed attempt and transitions the job to
	// failed terminally: CompletedAt set, LastError updated.
	MarkFailed(ctx context.Context, jobID id.JobID, reason string, att *UploadAttempt) error

	// CancelJob transitions a queued or running job to canceled and
	// returns the updated job. Returns uplink.ErrInvalidState if the
	// job is already terminal.
	CancelJob(ctx context.Context, jobID id.JobID) (*UploadJob, error)

	// ListJobs returns jobs matching the given options in ascending
	// creation order.
	ListJobs(ctx context.Context, opts ListOpts) ([]*UploadJob, error)

	// CountJobs returns the number of jobs matching the given options.
	CountJobs(ctx context.Context, opts CountOpts) (int64, error)

	// ListAttempts returns a job's attempts in ascending number.
	ListAttempts(ctx context.Context, jobID id.JobID) ([]*UploadAttempt, error)

	// CreateBatch persists a new batch with status queued.
	CreateBatch(ctx context.Context, b *UploadBatch) error

	// GetBatch retrieves a batch by ID.
	GetBatch(ctx context.Context, batchID id.BatchID) (*UploadBatch, error)

	// RecalcBatch recomputes the batch's rollup counters and derived
	// status from the current statuses of its jobs and persists them.
	RecalcBatch(ctx context.Context, batchID id.BatchID) (*UploadBatch, error)

	// PutAccount upserts a destination account.
	PutAccount(ctx context.Context, a *Account) error

	// GetAccount retrieves a destination account by ID.
	GetAccount(ctx context.Context, accountID id.AccountID) (*Account, error)
}
