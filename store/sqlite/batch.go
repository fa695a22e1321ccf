package sqlite

import (
	"context"
	"fmt"
	"time"

	"github.com/postflux/uplink"
	"github.com/postflux/uplink/id"
	"github.com/postflux/uplink/job"
)

const batchColumns = `
	id, owner_id, name, status, total_jobs, queued_jobs, running_jobs,
	succeeded_jobs, failed_jobs, canceled_jobs, created_at, updated_at`

// CreateBatch persists a new batch with status queued.
func (s *Store) CreateBatch(ctx context.Context, b *job.UploadBatch) error {
	if b.Status == "" {
		b.Status = job.BatchQueued
	}
	b.Touch(time.Now().UTC())

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO uplink_batches (
			id, owner_id, name, status, total_jobs, queued_jobs, running_jobs,
			succeeded_jobs, failed_jobs, canceled_jobs, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		b.ID, b.OwnerID, b.Name, string(b.Status),
		b.TotalJobs, b.QueuedJobs, b.RunningJobs,
		b.SucceededJobs, b.FailedJobs, b.CanceledJobs,
		toMillis(b.CreatedAt), toMillis(b.UpdatedAt),
	)
	if err != nil {
		if isDuplicateKey(err) {
			return uplink.ErrBatchAlreadyExists
		}
		return fmt.Errorf("uplink/sqlite: insert batch: %w", err)
	}
	return nil
}

// GetBatch retrieves a batch by ID.
func (s *Store) GetBatch(ctx context.Context, batchID id.BatchID) (*job.UploadBatch, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+batchColumns+` FROM uplink_batches WHERE id = ?`,
		batchID.String(),
	)
	b, err := scanBatch(row)
	if err != nil {
		if isNoRows(err) {
			return nil, uplink.ErrBatchNotFound
		}
		return nil, fmt.Errorf("uplink/sqlite: get batch: %w", err)
	}
	return b, nil
}

// RecalcBatch recomputes the batch's rollup counters and derived status
// from its member jobs and persists them.
func (s *Store) RecalcBatch(ctx context.Context, batchID id.BatchID) (*job.UploadBatch, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT status, COUNT(*)
		FROM uplink_jobs
		WHERE batch_id = ?
		GROUP BY status`,
		batchID.String(),
	)
	if err != nil {
		return nil, fmt.Errorf("uplink/sqlite: rollup batch: %w", err)
	}

	var r job.Rollup
	for rows.Next() {
		var (
			status string
			count  int
		)
		if err := rows.Scan(&status, &count); err != nil {
			rows.Close()
			return nil, fmt.Errorf("uplink/sqlite: scan rollup: %w", err)
		}
		r.Total += count
		switch job.Status(status) {
		case job.StatusQueued:
			r.Queued = count
		case job.StatusRunning:
			r.Running = count
		case job.StatusSucceeded:
			r.Succeeded = count
		case job.StatusFailed:
			r.Failed = count
		case job.StatusCanceled:
			r.Canceled = count
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("uplink/sqlite: iterate rollup: %w", err)
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE uplink_batches SET
			status = ?, total_jobs = ?, queued_jobs = ?, running_jobs = ?,
			succeeded_jobs = ?, failed_jobs = ?, canceled_jobs = ?, updated_at = ?
		WHERE id = ?`,
		string(job.DeriveBatchStatus(r)), r.Total, r.Queued, r.Running,
		r.Succeeded, r.Failed, r.Canceled, toMillis(time.Now().UTC()),
		batchID.String(),
	)
	if err != nil {
		return nil, fmt.Errorf("uplink/sqlite: update batch: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, uplink.ErrBatchNotFound
	}

	return s.GetBatch(ctx, batchID)
}

// scanBatch scans a single batch row.
func scanBatch(row interface{ Scan(...any) error }) (*job.UploadBatch, error) {
	var (
		b         job.UploadBatch
		status    string
		createdAt int64
		updatedAt int64
	)
	err := row.Scan(
		&b.ID, &b.OwnerID, &b.Name, &status,
		&b.TotalJobs, &b.QueuedJobs, &b.RunningJobs,
		&b.SucceededJobs, &b.FailedJobs, &b.CanceledJobs,
		&createdAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}
	b.Status = job.BatchStatus(status)
	b.CreatedAt = fromMillis(createdAt)
	b.UpdatedAt = fromMillis(updatedAt)
	return &b, nil
}
