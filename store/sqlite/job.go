package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

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
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, false, fmt.Errorf("uplink/sqlite: begin create job: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // rollback after commit is a no-op

	now := time.Now().UTC()

	if j.IdempotencyKey != "" && dedupWindow > 0 {
		cutoff := now.Add(-dedupWindow)
		row := tx.QueryRowContext(ctx, `
			SELECT `+jobColumns+`
			FROM uplink_jobs
			WHERE owner_id = ?
			  AND idempotency_key = ?
			  AND created_at >= ?
			ORDER BY created_at DESC
			LIMIT 1`,
			j.OwnerID.String(), j.IdempotencyKey, toMillis(cutoff),
		)
		existing, scanErr := scanJob(row)
		if scanErr == nil {
			return existing, true, nil
		}
		if !isNoRows(scanErr) {
			return nil, false, fmt.Errorf("uplink/sqlite: dedup lookup: %w", scanErr)
		}
	}

	j.Touch(now)

	_, err = tx.ExecContext(ctx, `
		INSERT INTO uplink_jobs (
			id, owner_id, batch_id, account_id, provider, mode, post_type, caption,
			status, attempt_count, max_retries, idempotency_key,
			scheduled_at, next_attempt_at, started_at, completed_at,
			last_error, provider_post_id, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		j.ID, j.OwnerID, j.BatchID, j.AccountID, j.Provider,
		string(j.Mode), string(j.PostType), j.Caption,
		string(j.Status), j.AttemptCount, j.MaxRetries, j.IdempotencyKey,
		toNullMillis(j.ScheduledAt), toNullMillis(j.NextAttemptAt),
		toNullMillis(j.StartedAt), toNullMillis(j.CompletedAt),
		j.LastError, j.ProviderPostID, toMillis(j.CreatedAt), toMillis(j.UpdatedAt),
	)
	if err != nil {
		if isDuplicateKey(err) {
			return nil, false, uplink.ErrJobAlreadyExists
		}
		return nil, false, fmt.Errorf("uplink/sqlite: insert job: %w", err)
	}

	for _, a := range assets {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO uplink_assets (id, job_id, kind, content_hash, sort_order, source_url, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			a.ID, j.ID, string(a.Kind), a.ContentHash, a.SortOrder, a.SourceURL,
			toMillis(now), toMillis(now),
		)
		if err != nil {
			return nil, false, fmt.Errorf("uplink/sqlite: insert asset: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, false, fmt.Errorf("uplink/sqlite: commit create job: %w", err)
	}

	created, err := s.GetJob(ctx, j.ID)
	if err != nil {
		return nil, false, err
	}
	return created, false, nil
}

// GetJob retrieves a job by ID.
func (s *Store) GetJob(ctx context.Context, jobID id.JobID) (*job.UploadJob, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+jobColumns+` FROM uplink_jobs WHERE id = ?`,
		jobID.String(),
	)
	j, err := scanJob(row)
	if err != nil {
		if isNoRows(err) {
			return nil, uplink.ErrJobNotFound
		}
		return nil, fmt.Errorf("uplink/sqlite: get job: %w", err)
	}
	return j, nil
}

// GetJobDetail retrieves a job with its destination account and its
// assets in sort order.
func (s *Store) GetJobDetail(ctx context.Context, jobID id.JobID) (*job.Detail, error) {
	j, err := s.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}

	account, err := s.GetAccount(ctx, j.AccountID)
	if err != nil && !errors.Is(err, uplink.ErrAccountNotFound) {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, job_id, kind, content_hash, sort_order, source_url, created_at, updated_at
		FROM uplink_assets
		WHERE job_id = ?
		ORDER BY sort_order ASC`,
		jobID.String(),
	)
	if err != nil {
		return nil, fmt.Errorf("uplink/sqlite: list assets: %w", err)
	}
	defer rows.Close()

	var assets []*job.UploadAsset
	for rows.Next() {
		var (
			a                    job.UploadAsset
			kind                 string
			createdAt, updatedAt int64
		)
		if err := rows.Scan(&a.ID, &a.JobID, &kind, &a.ContentHash, &a.SortOrder, &a.SourceURL, &createdAt, &updatedAt); err != nil {
			return nil, fmt.Errorf("uplink/sqlite: scan asset: %w", err)
		}
		a.Kind = job.AssetKind(kind)
		a.CreatedAt = fromMillis(createdAt)
		a.UpdatedAt = fromMillis(updatedAt)
		assets = append(assets, &a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("uplink/sqlite: iterate assets: %w", err)
	}

	return &job.Detail{Job: j, Account: account, Assets: assets}, nil
}

// claimConditions builds the shared eligibility WHERE clause for claims.
func claimConditions(f job.ClaimFilter, now time.Time) (string, []any) {
	var (
		conds []string
		args  []any
	)

	if f.StaleAfter > 0 {
		staleCutoff := toMillis(now.Add(-f.StaleAfter))
		conds = append(conds, `(
			(status = 'queued' AND (started_at IS NULL OR started_at < ?))
			OR (status = 'running' AND started_at IS NOT NULL AND started_at < ?)
		)`)
		args = append(args, staleCutoff, staleCutoff)
	} else {
		conds = append(conds, `status = 'queued'`)
	}

	conds = append(conds, `(next_attempt_at IS NULL OR next_attempt_at <= ?)`)
	args = append(args, toMillis(now))

	if !f.IgnoreSchedule {
		conds = append(conds, `(scheduled_at IS NULL OR scheduled_at <= ?)`)
		args = append(args, toMillis(now))
	}

	if !f.OwnerID.IsNil() {
		conds = append(conds, `owner_id = ?`)
		args = append(args, f.OwnerID.String())
	}

	return strings.Join(conds, " AND "), args
}

// ClaimNextJobs claims up to limit due jobs in creation order. Each
// claim is a conditional update guarded on the candidate's observed
// status and attempt count, so a row changed underneath is skipped.
// Candidates already at their retry ceiling are failed instead.
func (s *Store) ClaimNextJobs(ctx context.Context, limit int, f job.ClaimFilter) ([]*job.UploadJob, error) {
	if limit <= 0 {
		return nil, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("uplink/sqlite: begin claim: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // rollback after commit is a no-op

	now := time.Now().UTC()
	where, args := claimConditions(f, now)

	type candidate struct {
		id           string
		status       string
		attemptCount int
		maxRetries   int
	}

	rows, err := tx.QueryContext(ctx, `
		SELECT id, status, attempt_count, max_retries
		FROM uplink_jobs
		WHERE `+where+`
		ORDER BY created_at ASC`,
		args...,
	)
	if err != nil {
		return nil, fmt.Errorf("uplink/sqlite: select candidates: %w", err)
	}
	var candidates []candidate
	for rows.Next() {
		var c candidate
		if err := rows.Scan(&c.id, &c.status, &c.attemptCount, &c.maxRetries); err != nil {
			rows.Close()
			return nil, fmt.Errorf("uplink/sqlite: scan candidate: %w", err)
		}
		candidates = append(candidates, c)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("uplink/sqlite: iterate candidates: %w", err)
	}

	nowMs := toMillis(now)
	var claimedIDs []any
	for _, c := range candidates {
		if len(claimedIDs) >= limit {
			break
		}

		if c.attemptCount >= c.maxRetries {
			_, err := tx.ExecContext(ctx, `
				UPDATE uplink_jobs SET
					status = 'failed', completed_at = ?, last_error = ?, updated_at = ?
				WHERE id = ? AND status = ? AND attempt_count = ?`,
				nowMs, "Retry limit reached", nowMs,
				c.id, c.status, c.attemptCount,
			)
			if err != nil {
				return nil, fmt.Errorf("uplink/sqlite: fail exhausted job: %w", err)
			}
			continue
		}

		res, err := tx.ExecContext(ctx, `
			UPDATE uplink_jobs SET
				status = 'running', started_at = ?,
				attempt_count = attempt_count + 1,
				next_attempt_at = NULL, updated_at = ?
			WHERE id = ? AND status = ? AND attempt_count = ?`,
			nowMs, nowMs,
			c.id, c.status, c.attemptCount,
		)
		if err != nil {
			return nil, fmt.Errorf("uplink/sqlite: claim job: %w", err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return nil, fmt.Errorf("uplink/sqlite: claim job: %w", err)
		}
		if affected == 1 {
			claimedIDs = append(claimedIDs, c.id)
		}
	}

	var claimed []*job.UploadJob
	if len(claimedIDs) > 0 {
		placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(claimedIDs)), ", ")
		claimRows, err := tx.QueryContext(ctx, `
			SELECT `+jobColumns+`
			FROM uplink_jobs
			WHERE id IN (`+placeholders+`)
			ORDER BY created_at ASC`,
			claimedIDs...,
		)
		if err != nil {
			return nil, fmt.Errorf("uplink/sqlite: select claimed: %w", err)
		}
		claimed, err = collectJobs(claimRows)
		if err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("uplink/sqlite: commit claim: %w", err)
	}
	return claimed, nil
}

// MarkSucceeded records a successful attempt and completes the job.
func (s *Store) MarkSucceeded(ctx context.Context, jobID id.JobID, providerPostID string, att *job.UploadAttempt) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		nowMs := toMillis(time.Now().UTC())
		res, err := tx.ExecContext(ctx, `
			UPDATE uplink_jobs SET
				status = 'succeeded', completed_at = ?, provider_post_id = ?,
				last_error = '', next_attempt_at = NULL, updated_at = ?
			WHERE id = ?`,
			nowMs, providerPostID, nowMs, jobID.String(),
		)
		if err != nil {
			return fmt.Errorf("uplink/sqlite: mark succeeded: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return uplink.ErrJobNotFound
		}
		return insertAttempt(ctx, tx, att)
	})
}

// MarkRetrying records a failed attempt and loops the job back to queued.
func (s *Store) MarkRetrying(ctx context.Context, jobID id.JobID, reason string, nextAttemptAt time.Time, att *job.UploadAttempt) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		nowMs := toMillis(time.Now().UTC())
		res, err := tx.ExecContext(ctx, `
			UPDATE uplink_jobs SET
				status = 'queued', started_at = NULL,
				next_attempt_at = ?, last_error = ?, updated_at = ?
			WHERE id = ?`,
			toMillis(nextAttemptAt), reason, nowMs, jobID.String(),
		)
		if err != nil {
			return fmt.Errorf("uplink/sqlite: mark retrying: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return uplink.ErrJobNotFound
		}
		return insertAttempt(ctx, tx, att)
	})
}

// MarkFailed records a failed attempt and fails the job terminally.
func (s *Store) MarkFailed(ctx context.Context, jobID id.JobID, reason string, att *job.UploadAttempt) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		nowMs := toMillis(time.Now().UTC())
		res, err := tx.ExecContext(ctx, `
			UPDATE uplink_jobs SET
				status = 'failed', completed_at = ?, last_error = ?, updated_at = ?
			WHERE id = ?`,
			nowMs, reason, nowMs, jobID.String(),
		)
		if err != nil {
			return fmt.Errorf("uplink/sqlite: mark failed: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return uplink.ErrJobNotFound
		}
		return insertAttempt(ctx, tx, att)
	})
}

// CancelJob transitions a queued or running job to canceled.
func (s *Store) CancelJob(ctx context.Context, jobID id.JobID) (*job.UploadJob, error) {
	nowMs := toMillis(time.Now().UTC())
	res, err := s.db.ExecContext(ctx, `
		UPDATE uplink_jobs SET
			status = 'canceled', completed_at = ?, updated_at = ?
		WHERE id = ? AND status IN ('queued', 'running')`,
		nowMs, nowMs, jobID.String(),
	)
	if err != nil {
		return nil, fmt.Errorf("uplink/sqlite: cancel job: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("uplink/sqlite: cancel job: %w", err)
	}
	if affected == 0 {
		// Distinguish a missing job from one already terminal.
		if _, getErr := s.GetJob(ctx, jobID); getErr != nil {
			return nil, getErr
		}
		return nil, uplink.ErrInvalidState
	}

	return s.GetJob(ctx, jobID)
}

// ListJobs returns jobs matching opts in ascending creation order.
func (s *Store) ListJobs(ctx context.Context, opts job.ListOpts) ([]*job.UploadJob, error) {
	query := `SELECT ` + jobColumns + ` FROM uplink_jobs WHERE 1=1`
	var args []any

	if !opts.OwnerID.IsNil() {
		query += ` AND owner_id = ?`
		args = append(args, opts.OwnerID.String())
	}
	if !opts.BatchID.IsNil() {
		query += ` AND batch_id = ?`
		args = append(args, opts.BatchID.String())
	}
	if opts.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(opts.Status))
	}

	query += ` ORDER BY created_at ASC`
	if opts.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, opts.Limit)
	}
	if opts.Offset > 0 {
		if opts.Limit <= 0 {
			query += ` LIMIT -1`
		}
		query += ` OFFSET ?`
		args = append(args, opts.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("uplink/sqlite: list jobs: %w", err)
	}
	return collectJobs(rows)
}

// CountJobs returns the number of jobs matching opts.
func (s *Store) CountJobs(ctx context.Context, opts job.CountOpts) (int64, error) {
	query := `SELECT COUNT(*) FROM uplink_jobs WHERE 1=1`
	var args []any

	if !opts.OwnerID.IsNil() {
		query += ` AND owner_id = ?`
		args = append(args, opts.OwnerID.String())
	}
	if opts.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(opts.Status))
	}

	var count int64
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&count); err != nil {
		return 0, fmt.Errorf("uplink/sqlite: count jobs: %w", err)
	}
	return count, nil
}

// ListAttempts returns a job's attempts in ascending number.
func (s *Store) ListAttempts(ctx context.Context, jobID id.JobID) ([]*job.UploadAttempt, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, job_id, number, succeeded, retryable, error_message,
			provider_post_id, detail, started_at, finished_at, created_at
		FROM uplink_attempts
		WHERE job_id = ?
		ORDER BY number ASC`,
		jobID.String(),
	)
	if err != nil {
		return nil, fmt.Errorf("uplink/sqlite: list attempts: %w", err)
	}
	defer rows.Close()

	var attempts []*job.UploadAttempt
	for rows.Next() {
		var (
			a          job.UploadAttempt
			detail     sql.NullString
			startedAt  int64
			finishedAt sql.NullInt64
			createdAt  int64
		)
		err := rows.Scan(
			&a.ID, &a.JobID, &a.Number, &a.Succeeded, &a.Retryable, &a.ErrorMessage,
			&a.ProviderPostID, &detail, &startedAt, &finishedAt, &createdAt,
		)
		if err != nil {
			return nil, fmt.Errorf("uplink/sqlite: scan attempt: %w", err)
		}
		if detail.Valid {
			a.Detail = []byte(detail.String)
		}
		a.StartedAt = fromMillis(startedAt)
		if finishedAt.Valid {
			a.FinishedAt = fromMillis(finishedAt.Int64)
		}
		a.CreatedAt = fromMillis(createdAt)
		attempts = append(attempts, &a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("uplink/sqlite: iterate attempts: %w", err)
	}
	return attempts, nil
}

// withTx runs fn inside a transaction, committing on success.
func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("uplink/sqlite: begin: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // rollback after commit is a no-op

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

// insertAttempt appends an attempt row. A nil attempt is a no-op.
func insertAttempt(ctx context.Context, tx *sql.Tx, att *job.UploadAttempt) error {
	if att == nil {
		return nil
	}

	var detail any
	if len(att.Detail) > 0 {
		detail = string(att.Detail)
	}

	var finishedAt sql.NullInt64
	if !att.FinishedAt.IsZero() {
		finishedAt = sql.NullInt64{Int64: att.FinishedAt.UnixMilli(), Valid: true}
	}

	createdAt := att.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	_, err := tx.ExecContext(ctx, `
		INSERT INTO uplink_attempts (
			id, job_id, number, succeeded, retryable, error_message,
			provider_post_id, detail, started_at, finished_at, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		att.ID, att.JobID, att.Number, att.Succeeded, att.Retryable, att.ErrorMessage,
		att.ProviderPostID, detail, toMillis(att.StartedAt), finishedAt, toMillis(createdAt),
	)
	if err != nil {
		return fmt.Errorf("uplink/sqlite: insert attempt: %w", err)
	}
	return nil
}

// scanJob scans a single job row.
func scanJob(row interface{ Scan(...any) error }) (*job.UploadJob, error) {
	var (
		j        job.UploadJob
		mode     string
		postType string
		status   string

		scheduledAt   sql.NullInt64
		nextAttemptAt sql.NullInt64
		startedAt     sql.NullInt64
		completedAt   sql.NullInt64
		createdAt     int64
		updatedAt     int64
	)
	err := row.Scan(
		&j.ID, &j.OwnerID, &j.BatchID, &j.AccountID, &j.Provider,
		&mode, &postType, &j.Caption,
		&status, &j.AttemptCount, &j.MaxRetries, &j.IdempotencyKey,
		&scheduledAt, &nextAttemptAt, &startedAt, &completedAt,
		&j.LastError, &j.ProviderPostID, &createdAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}

	j.Mode = job.Mode(mode)
	j.PostType = job.PostType(postType)
	j.Status = job.Status(status)
	j.ScheduledAt = fromNullMillis(scheduledAt)
	j.NextAttemptAt = fromNullMillis(nextAttemptAt)
	j.StartedAt = fromNullMillis(startedAt)
	j.CompletedAt = fromNullMillis(completedAt)
	j.CreatedAt = fromMillis(createdAt)
	j.UpdatedAt = fromMillis(updatedAt)
	return &j, nil
}

// collectJobs drains rows into jobs, closing rows.
func collectJobs(rows *sql.Rows) ([]*job.UploadJob, error) {
	defer rows.Close()

	var jobs []*job.UploadJob
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("uplink/sqlite: scan job: %w", err)
		}
		jobs = append(jobs, j)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("uplink/sqlite: iterate jobs: %w", err)
	}
	return jobs, nil
}
