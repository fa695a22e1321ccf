package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/postflux/uplink"
	"github.com/postflux/uplink/id"
	"github.com/postflux/uplink/job"
)

// jobColumns is the canonical select list for uplink_jobs.
const jobColumns = `
	id, owner_id, batch_id, account_id, provider, mode, post_type, caption,
	status, attempt_count, max_retries, idempotency_key,
	scheduled_at, next_attempt_at, started_at, completed_at,
	last_error, provider_post_id, created_at, updated_at`

// CreateJob persists a new queued job with its ordered assets,
// atomically. A job with the same owner and idempotency key created
// within dedupWindow short-circuits the insert.
func (s *Store) CreateJob(ctx context.Context, j *job.UploadJob, assets []*job.UploadAsset, dedupWindow time.Duration) (*job.UploadJob, bool, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("uplink/postgres: begin create job: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // rollback after commit is a no-op

	if j.IdempotencyKey != "" && dedupWindow > 0 {
		row := tx.QueryRow(ctx, `
			SELECT `+jobColumns+`
			FROM uplink_jobs
			WHERE owner_id = $1
			  AND idempotency_key = $2
			  AND created_at >= NOW() - $3::interval
			ORDER BY created_at DESC
			LIMIT 1`,
			j.OwnerID.String(), j.IdempotencyKey, dedupWindow,
		)
		existing, scanErr := scanJob(row)
		if scanErr == nil {
			return existing, true, nil
		}
		if !isNoRows(scanErr) {
			return nil, false, fmt.Errorf("uplink/postgres: dedup lookup: %w", scanErr)
		}
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO uplink_jobs (
			id, owner_id, batch_id, account_id, provider, mode, post_type, caption,
			status, attempt_count, max_retries, idempotency_key,
			scheduled_at, next_attempt_at, started_at, completed_at,
			last_error, provider_post_id
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8,
			$9, $10, $11, $12,
			$13, $14, $15, $16,
			$17, $18
		)`,
		j.ID, j.OwnerID, j.BatchID, j.AccountID, j.Provider,
		string(j.Mode), string(j.PostType), j.Caption,
		string(j.Status), j.AttemptCount, j.MaxRetries, j.IdempotencyKey,
		j.ScheduledAt, j.NextAttemptAt, j.StartedAt, j.CompletedAt,
		j.LastError, j.ProviderPostID,
	)
	if err != nil {
		if isDuplicateKey(err) {
			return nil, false, uplink.ErrJobAlreadyExists
		}
		return nil, false, fmt.Errorf("uplink/postgres: insert job: %w", err)
	}

	for _, a := range assets {
		_, err = tx.Exec(ctx, `
			INSERT INTO uplink_assets (id, job_id, kind, content_hash, sort_order, source_url)
			VALUES ($1, $2, $3, $4, $5, $6)`,
			a.ID, j.ID, string(a.Kind), a.ContentHash, a.SortOrder, a.SourceURL,
		)
		if err != nil {
			return nil, false, fmt.Errorf("uplink/postgres: insert asset: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, false, fmt.Errorf("uplink/postgres: commit create job: %w", err)
	}

	created, err := s.GetJob(ctx, j.ID)
	if err != nil {
		return nil, false, err
	}
	return created, false, nil
}

// GetJob retrieves a job by ID.
func (s *Store) GetJob(ctx context.Context, jobID id.JobID) (*job.UploadJob, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+jobColumns+` FROM uplink_jobs WHERE id = $1`,
		jobID.String(),
	)

	j, err := scanJob(row)
	if err != nil {
		if isNoRows(err) {
			return nil, uplink.ErrJobNotFound
		}
		return nil, fmt.Errorf("uplink/postgres: get job: %w", err)
	}
	return j, nil
}

// GetJobDetail retrieves a job with its account and ordered assets.
func (s *Store) GetJobDetail(ctx context.Context, jobID id.JobID) (*job.Detail, error) {
	j, err := s.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}

	d := &job.Detail{Job: j}

	if !j.AccountID.IsNil() {
		account, accErr := s.GetAccount(ctx, j.AccountID)
		if accErr != nil && !errors.Is(accErr, uplink.ErrAccountNotFound) {
			return nil, accErr
		}
		d.Account = account
	}

	rows, err := s.pool.Query(ctx, `
		SELECT id, job_id, kind, content_hash, sort_order, source_url, created_at, updated_at
		FROM uplink_assets
		WHERE job_id = $1
		ORDER BY sort_order ASC`,
		jobID.String(),
	)
	if err != nil {
		return nil, fmt.Errorf("uplink/postgres: list assets: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			a    job.UploadAsset
			kind string
		)
		if err := rows.Scan(&a.ID, &a.JobID, &kind, &a.ContentHash, &a.SortOrder, &a.SourceURL, &a.CreatedAt, &a.UpdatedAt); err != nil {
			return nil, fmt.Errorf("uplink/postgres: scan asset: %w", err)
		}
		a.Kind = job.AssetKind(kind)
		d.Assets = append(d.Assets, &a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("uplink/postgres: iterate assets: %w", err)
	}

	return d, nil
}

// ClaimNextJobs claims up to limit due queued jobs in creation order.
// The claim is one conditional UPDATE: candidate rows are locked with
// FOR UPDATE SKIP LOCKED and transitioned to running in the same
// statement, so a row claimed by a concurrent dispatcher is skipped
// rather than claimed twice. Candidates that already reached their
// retry ceiling are failed with "Retry limit reached" first.
func (s *Store) ClaimNextJobs(ctx context.Context, limit int, f job.ClaimFilter) ([]*job.UploadJob, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("uplink/postgres: begin claim: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	where, args := claimConditions(f)

	// Defensive cleanup for rows already past their retry budget.
	exhausted := fmt.Sprintf(`
		UPDATE uplink_jobs
		SET status = 'failed', last_error = 'Retry limit reached',
		    completed_at = NOW(), updated_at = NOW()
		WHERE id IN (
			SELECT id FROM uplink_jobs
			WHERE %s AND attempt_count >= max_retries
			FOR UPDATE SKIP LOCKED
		)`, where)
	if _, err := tx.Exec(ctx, exhausted, args...); err != nil {
		return nil, fmt.Errorf("uplink/postgres: fail exhausted jobs: %w", err)
	}

	claim := fmt.Sprintf(`
		WITH claimed AS (
			UPDATE uplink_jobs
			SET status = 'running', started_at = NOW(),
			    attempt_count = attempt_count + 1,
			    next_attempt_at = NULL, updated_at = NOW()
			WHERE id IN (
				SELECT id FROM uplink_jobs
				WHERE %s AND attempt_count < max_retries
				ORDER BY created_at ASC
				FOR UPDATE SKIP LOCKED
				LIMIT $%d
			)
			RETURNING %s
		)
		SELECT * FROM claimed ORDER BY created_at ASC`,
		where, len(args)+1, jobColumns)
	rows, err := tx.Query(ctx, claim, append(args, limit)...)
	if err != nil {
		return nil, fmt.Errorf("uplink/postgres: claim jobs: %w", err)
	}

	jobs, err := collectJobs(rows)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("uplink/postgres: commit claim: %w", err)
	}
	return jobs, nil
}

// claimConditions builds the candidate predicate shared by the
// exhausted-cleanup and claim statements.
func claimConditions(f job.ClaimFilter) (string, []any) {
	var args []any

	eligible := `status = 'queued'`
	if f.StaleAfter > 0 {
		args = append(args, f.StaleAfter)
		eligible = fmt.Sprintf(`(
			(status = 'queued' AND (started_at IS NULL OR started_at < NOW() - $%d::interval))
			OR (status = 'running' AND started_at < NOW() - $%d::interval)
		)`, len(args), len(args))
	}

	conds := []string{
		eligible,
		`(next_attempt_at IS NULL OR next_attempt_at <= NOW())`,
	}
	if !f.IgnoreSchedule {
		conds = append(conds, `(scheduled_at IS NULL OR scheduled_at <= NOW())`)
	}
	if !f.OwnerID.IsNil() {
		args = append(args, f.OwnerID.String())
		conds = append(conds, fmt.Sprintf(`owner_id = $%d`, len(args)))
	}

	where := conds[0]
	for _, c := range conds[1:] {
		where += " AND " + c
	}
	return where, args
}

// MarkSucceeded records a successful attempt and completes the job.
func (s *Store) MarkSucceeded(ctx context.Context, jobID id.JobID, providerPostID string, att *job.UploadAttempt) error {
	return s.withTx(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			UPDATE uplink_jobs SET
				status = 'succeeded', provider_post_id = $2,
				completed_at = NOW(), last_error = '',
				next_attempt_at = NULL, updated_at = NOW()
			WHERE id = $1`,
			jobID.String(), providerPostID,
		)
		if err != nil {
			return fmt.Errorf("uplink/postgres: mark succeeded: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return uplink.ErrJobNotFound
		}
		return insertAttempt(ctx, tx, att)
	})
}

// MarkRetrying records a failed attempt and loops the job back to queued.
func (s *Store) MarkRetrying(ctx context.Context, jobID id.JobID, reason string, nextAttemptAt time.Time, att *job.UploadAttempt) error {
	return s.withTx(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			UPDATE uplink_jobs SET
				status = 'queued', started_at = NULL,
				next_attempt_at = $2, last_error = $3, updated_at = NOW()
			WHERE id = $1`,
			jobID.String(), nextAttemptAt, reason,
		)
		if err != nil {
			return fmt.Errorf("uplink/postgres: mark retrying: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return uplink.ErrJobNotFound
		}
		return insertAttempt(ctx, tx, att)
	})
}

// MarkFailed records a failed attempt and fails the job terminally.
func (s *Store) MarkFailed(ctx context.Context, jobID id.JobID, reason string, att *job.UploadAttempt) error {
	return s.withTx(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			UPDATE uplink_jobs SET
				status = 'failed', completed_at = NOW(),
				last_error = $2, updated_at = NOW()
			WHERE id = $1`,
			jobID.String(), reason,
		)
		if err != nil {
			return fmt.Errorf("uplink/postgres: mark failed: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return uplink.ErrJobNotFound
		}
		return insertAttempt(ctx, tx, att)
	})
}

// CancelJob transitions a queued or running job to canceled.
func (s *Store) CancelJob(ctx context.Context, jobID id.JobID) (*job.UploadJob, error) {
	row := s.pool.QueryRow(ctx, `
		UPDATE uplink_jobs SET
			status = 'canceled', completed_at = NOW(), updated_at = NOW()
		WHERE id = $1 AND status IN ('queued', 'running')
		RETURNING `+jobColumns,
		jobID.String(),
	)

	j, err := scanJob(row)
	if err == nil {
		return j, nil
	}
	if !isNoRows(err) {
		return nil, fmt.Errorf("uplink/postgres: cancel job: %w", err)
	}

	// Conditional update matched nothing: missing row or terminal state.
	if _, getErr := s.GetJob(ctx, jobID); getErr != nil {
		return nil, getErr
	}
	return nil, uplink.ErrInvalidState
}

// ListJobs returns jobs matching the given options in creation order.
func (s *Store) ListJobs(ctx context.Context, opts job.ListOpts) ([]*job.UploadJob, error) {
	query := `SELECT ` + jobColumns + ` FROM uplink_jobs WHERE 1=1`
	var args []any

	if !opts.OwnerID.IsNil() {
		args = append(args, opts.OwnerID.String())
		query += fmt.Sprintf(" AND owner_id = $%d", len(args))
	}
	if !opts.BatchID.IsNil() {
		args = append(args, opts.BatchID.String())
		query += fmt.Sprintf(" AND batch_id = $%d", len(args))
	}
	if opts.Status != "" {
		args = append(args, string(opts.Status))
		query += fmt.Sprintf(" AND status = $%d", len(args))
	}

	query += " ORDER BY created_at ASC"

	if opts.Limit > 0 {
		args = append(args, opts.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	if opts.Offset > 0 {
		args = append(args, opts.Offset)
		query += fmt.Sprintf(" OFFSET $%d", len(args))
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("uplink/postgres: list jobs: %w", err)
	}
	defer rows.Close()

	return collectJobs(rows)
}

// CountJobs returns the number of jobs matching the given options.
func (s *Store) CountJobs(ctx context.Context, opts job.CountOpts) (int64, error) {
	query := `SELECT COUNT(*) FROM uplink_jobs WHERE 1=1`
	var args []any

	if !opts.OwnerID.IsNil() {
		args = append(args, opts.OwnerID.String())
		query += fmt.Sprintf(" AND owner_id = $%d", len(args))
	}
	if opts.Status != "" {
		args = append(args, string(opts.Status))
		query += fmt.Sprintf(" AND status = $%d", len(args))
	}

	var count int64
	if err := s.pool.QueryRow(ctx, query, args...).Scan(&count); err != nil {
		return 0, fmt.Errorf("uplink/postgres: count jobs: %w", err)
	}
	return count, nil
}

// ListAttempts returns a job's attempts in ascending number.
func (s *Store) ListAttempts(ctx context.Context, jobID id.JobID) ([]*job.UploadAttempt, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, job_id, number, succeeded, retryable, error_message,
		       provider_post_id, detail, started_at, finished_at, created_at
		FROM uplink_attempts
		WHERE job_id = $1
		ORDER BY number ASC`,
		jobID.String(),
	)
	if err != nil {
		return nil, fmt.Errorf("uplink/postgres: list attempts: %w", err)
	}
	defer rows.Close()

	var attempts []*job.UploadAttempt
	for rows.Next() {
		var a job.UploadAttempt
		if err := rows.Scan(
			&a.ID, &a.JobID, &a.Number, &a.Succeeded, &a.Retryable, &a.ErrorMessage,
			&a.ProviderPostID, &a.Detail, &a.StartedAt, &a.FinishedAt, &a.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("uplink/postgres: scan attempt: %w", err)
		}
		attempts = append(attempts, &a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("uplink/postgres: iterate attempts: %w", err)
	}
	return attempts, nil
}

// withTx runs fn in a transaction.
func (s *Store) withTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("uplink/postgres: begin: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// insertAttempt writes one attempt row. A nil attempt is a no-op.
func insertAttempt(ctx context.Context, tx pgx.Tx, att *job.UploadAttempt) error {
	if att == nil {
		return nil
	}
	_, err := tx.Exec(ctx, `
		INSERT INTO uplink_attempts (
			id, job_id, number, succeeded, retryable, error_message,
			provider_post_id, detail, started_at, finished_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		att.ID, att.JobID, att.Number, att.Succeeded, att.Retryable, att.ErrorMessage,
		att.ProviderPostID, att.Detail, att.StartedAt, att.FinishedAt,
	)
	if err != nil {
		return fmt.Errorf("uplink/postgres: insert attempt: %w", err)
	}
	return nil
}

// scanJob scans a single job row.
func scanJob(row pgx.Row) (*job.UploadJob, error) {
	var (
		j        job.UploadJob
		mode     string
		postType string
		status   string
	)
	err := row.Scan(
		&j.ID, &j.OwnerID, &j.BatchID, &j.AccountID, &j.Provider,
		&mode, &postType, &j.Caption,
		&status, &j.AttemptCount, &j.MaxRetries, &j.IdempotencyKey,
		&j.ScheduledAt, &j.NextAttemptAt, &j.StartedAt, &j.CompletedAt,
		&j.LastError, &j.ProviderPostID, &j.CreatedAt, &j.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	j.Mode = job.Mode(mode)
	j.PostType = job.PostType(postType)
	j.Status = job.Status(status)
	return &j, nil
}

// collectJobs collects all jobs from query rows.
func collectJobs(rows pgx.Rows) ([]*job.UploadJob, error) {
	defer rows.Close()

	var jobs []*job.UploadJob
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("uplink/postgres: scan job row: %w", err)
		}
		jobs = append(jobs, j)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("uplink/postgres: iterate job rows: %w", err)
	}
	return jobs, nil
}
