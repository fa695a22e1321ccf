package postgres

import (
	"context"
	"fmt"

	"github.com/postflux/uplink"
	"github.com/postflux/uplink/id"
	"github.com/postflux/uplink/job"
)

const batchColumns = `
	id, owner_id, name, status, total_jobs, queued_jobs, running_jobs,
	succeeded_jobs, failed_jobs, canceled_jobs, created_at, updated_at`

// CreateBatch persists a new batch.
func (s *Store) CreateBatch(ctx context.Context, b *job.UploadBatch) error {
	status := b.Status
	if status == "" {
		status = job.BatchQueued
	}

	_, err := s.pool.Exec(ctx, `
		INSERT INTO uplink_batches (
			id, owner_id, name, status, total_jobs, queued_jobs, running_jobs,
			succeeded_jobs, failed_jobs, canceled_jobs
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		b.ID, b.OwnerID, b.Name, string(status),
		b.TotalJobs, b.QueuedJobs, b.RunningJobs,
		b.SucceededJobs, b.FailedJobs, b.CanceledJobs,
	)
	if err != nil {
		if isDuplicateKey(err) {
			return uplink.ErrBatchAlreadyExists
		}
		return fmt.Errorf("uplink/postgres: create batch: %w", err)
	}
	return nil
}

// GetBatch retrieves a batch by ID.
func (s *Store) GetBatch(ctx context.Context, batchID id.BatchID) (*job.UploadBatch, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+batchColumns+` FROM uplink_batches WHERE id = $1`,
		batchID.String(),
	)

	var (
		b      job.UploadBatch
		status string
	)
	err := row.Scan(
		&b.ID, &b.OwnerID, &b.Name, &status,
		&b.TotalJobs, &b.QueuedJobs, &b.RunningJobs,
		&b.SucceededJobs, &b.FailedJobs, &b.CanceledJobs,
		&b.CreatedAt, &b.UpdatedAt,
	)
	if err != nil {
		if isNoRows(err) {
			return nil, uplink.ErrBatchNotFound
		}
		return nil, fmt.Errorf("uplink/postgres: get batch: %w", err)
	}
	b.Status = job.BatchStatus(status)
	return &b, nil
}

// RecalcBatch recomputes the batch's counters and derived status from
// the current statuses of its jobs, persists them, and returns the
// updated batch.
func (s *Store) RecalcBatch(ctx context.Context, batchID id.BatchID) (*job.UploadBatch, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT status, COUNT(*)
		FROM uplink_jobs
		WHERE batch_id = $1
		GROUP BY status`,
		batchID.String(),
	)
	if err != nil {
		return nil, fmt.Errorf("uplink/postgres: batch rollup: %w", err)
	}

	var r job.Rollup
	for rows.Next() {
		var (
			status string
			count  int
		)
		if err := rows.Scan(&status, &count); err != nil {
			rows.Close()
			return nil, fmt.Errorf("uplink/postgres: scan rollup: %w", err)
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
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("uplink/postgres: iterate rollup: %w", err)
	}
	rows.Close()

	row := s.pool.QueryRow(ctx, `
		UPDATE uplink_batches SET
			status = $2, total_jobs = $3, queued_jobs = $4, running_jobs = $5,
			succeeded_jobs = $6, failed_jobs = $7, canceled_jobs = $8,
			updated_at = NOW()
		WHERE id = $1
		RETURNING `+batchColumns,
		batchID.String(), string(job.DeriveBatchStatus(r)),
		r.Total, r.Queued, r.Running, r.Succeeded, r.Failed, r.Canceled,
	)

	var (
		b      job.UploadBatch
		status string
	)
	err = row.Scan(
		&b.ID, &b.OwnerID, &b.Name, &status,
		&b.TotalJobs, &b.QueuedJobs, &b.RunningJobs,
		&b.SucceededJobs, &b.FailedJobs, &b.CanceledJobs,
		&b.CreatedAt, &b.UpdatedAt,
	)
	if err != nil {
		if isNoRows(err) {
			return nil, uplink.ErrBatchNotFound
		}
		return nil, fmt.Errorf("uplink/postgres: update batch rollup: %w", err)
	}
	b.Status = job.BatchStatus(status)
	return &b, nil
}
