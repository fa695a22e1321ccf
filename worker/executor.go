// Package worker provides the dispatch core: an Executor that runs a
// single claimed upload through middleware and the provider adapter, and
// a Runner that claims due jobs and fans them out under the global and
// per-account concurrency ceilings.
package worker

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/postflux/uplink"
	"github.com/postflux/uplink/backoff"
	"github.com/postflux/uplink/id"
	"github.com/postflux/uplink/job"
	"github.com/postflux/uplink/middleware"
	"github.com/postflux/uplink/notify"
	"github.com/postflux/uplink/provider"
)

// Executor runs a single upload job through middleware and the provider
// adapter, then records the attempt and advances the job to its next
// state: succeeded, queued for retry, or failed.
type Executor struct {
	providers *provider.Registry
	store     job.Store
	policies  *backoff.Policies
	notifier  notify.Notifier
	mw        middleware.Middleware
	logger    *slog.Logger
}

// NewExecutor creates an Executor with the given dependencies.
func NewExecutor(
	providers *provider.Registry,
	store job.Store,
	policies *backoff.Policies,
	notifier notify.Notifier,
	logger *slog.Logger,
	mws ...middleware.Middleware,
) *Executor {
	if notifier == nil {
		notifier = notify.Nop{}
	}
	return &Executor{
		providers: providers,
		store:     store,
		policies:  policies,
		notifier:  notifier,
		mw:        middleware.Chain(mws...),
		logger:    logger,
	}
}

// Execute re-fetches the job, runs the provider upload through the
// middleware chain, and records the outcome. Jobs that are no longer
// running when re-fetched (canceled mid-flight, or processed by another
// worker) are skipped.
func (e *Executor) Execute(ctx context.Context, jobID id.JobID) error {
	detail, err := e.store.GetJobDetail(ctx, jobID)
	if err != nil {
		return fmt.Errorf("load job %s: %w", jobID, err)
	}
	j := detail.Job

	if j.Status != job.StatusRunning {
		e.logger.Debug("skipping job no longer running",
			slog.String("job_id", j.ID.String()),
			slog.String("status", string(j.Status)),
		)
		return nil
	}

	adapter, ok := e.providers.Get(j.Provider)
	if !ok {
		now := time.Now().UTC()
		failErr := e.recordFailure(ctx, j, &provider.Error{
			Message:   fmt.Sprintf("%s %q", uplink.ErrUnknownProvider.Error(), j.Provider),
			Retryable: false,
		}, now, now)
		if failErr != nil {
			return failErr
		}
		return fmt.Errorf("%w: %s", uplink.ErrUnknownProvider, j.Provider)
	}

	start := time.Now().UTC()

	var result *provider.Result
	terminal := func(ctx context.Context) error {
		var uploadErr error
		result, uploadErr = adapter.Upload(ctx, j, detail.Account, detail.Assets)
		return uploadErr
	}

	err = e.mw(ctx, j, terminal)
	finished := time.Now().UTC()

	if err != nil {
		return e.recordFailure(ctx, j, provider.Normalize(adapter, err), start, finished)
	}
	return e.recordSuccess(ctx, j, result, start, finished)
}

// recordSuccess marks the job succeeded, persists the attempt, and
// recalculates the parent batch.
func (e *Executor) recordSuccess(ctx context.Context, j *job.UploadJob, result *provider.Result, started, finished time.Time) error {
	att := &job.UploadAttempt{
		ID:        id.NewAttemptID(),
		JobID:     j.ID,
		Number:    j.AttemptCount,
		Succeeded: true,
		StartedAt: started,
	}
	att.FinishedAt = finished

	outcome := job.Outcome{}
	if result != nil {
		att.ProviderPostID = result.ExternalPostID
		outcome.ProviderPostID = result.ExternalPostID
		outcome.Raw = result.Raw
	}
	att.Detail = outcome.EncodeDetail()

	externalID := ""
	if result != nil {
		externalID = result.ExternalPostID
	}

	if err := e.store.MarkSucceeded(ctx, j.ID, externalID, att); err != nil {
		e.logger.Error("failed to mark job succeeded",
			slog.String("job_id", j.ID.String()),
			slog.String("error", err.Error()),
		)
		return err
	}

	e.logger.Info("upload succeeded",
		slog.String("job_id", j.ID.String()),
		slog.String("provider", j.Provider),
		slog.String("external_post_id", externalID),
		slog.Duration("elapsed", finished.Sub(started)),
	)

	e.recalcBatch(ctx, j)
	return nil
}

// recordFailure persists the failed attempt and either schedules a
// retry or marks the job terminally failed, depending on whether the
// error is retryable and retries remain.
func (e *Executor) recordFailure(ctx context.Context, j *job.UploadJob, perr *provider.Error, started, finished time.Time) error {
	att := &job.UploadAttempt{
		ID:           id.NewAttemptID(),
		JobID:        j.ID,
		Number:       j.AttemptCount,
		Succeeded:    false,
		Retryable:    perr.Retryable,
		ErrorMessage: perr.Message,
		StartedAt:    started,
	}
	att.FinishedAt = finished
	att.Detail = job.Outcome{
		Message:      perr.Message,
		Retryable:    perr.Retryable,
		HTTPStatus:   perr.HTTPStatus,
		ProviderCode: perr.Code,
	}.EncodeDetail()

	if perr.Retryable && j.AttemptCount < j.MaxRetries {
		return e.scheduleRetry(ctx, j, perr, att)
	}
	return e.markFailed(ctx, j, perr, att)
}

// scheduleRetry returns the job to the queue with a backoff delay.
func (e *Executor) scheduleRetry(ctx context.Context, j *job.UploadJob, perr *provider.Error, att *job.UploadAttempt) error {
	policy := e.policies.For(j.Provider)
	delay := policy.Delay(j.AttemptCount)
	nextAttemptAt := time.Now().UTC().Add(delay)

	if err := e.store.MarkRetrying(ctx, j.ID, perr.Message, nextAttemptAt, att); err != nil {
		e.logger.Error("failed to mark job retrying",
			slog.String("job_id", j.ID.String()),
			slog.String("error", err.Error()),
		)
		return err
	}

	e.logger.Info("upload scheduled for retry",
		slog.String("job_id", j.ID.String()),
		slog.String("provider", j.Provider),
		slog.Int("attempt", j.AttemptCount),
		slog.Int("max_retries", j.MaxRetries),
		slog.Duration("delay", delay),
		slog.String("error", perr.Message),
	)

	e.recalcBatch(ctx, j)
	return nil
}

// markFailed moves the job to its terminal failed state and notifies.
func (e *Executor) markFailed(ctx context.Context, j *job.UploadJob, perr *provider.Error, att *job.UploadAttempt) error {
	if err := e.store.MarkFailed(ctx, j.ID, perr.Message, att); err != nil {
		e.logger.Error("failed to mark job failed",
			slog.String("job_id", j.ID.String()),
			slog.String("error", err.Error()),
		)
		return err
	}

	e.logger.Warn("upload failed permanently",
		slog.String("job_id", j.ID.String()),
		slog.String("provider", j.Provider),
		slog.Int("attempt", j.AttemptCount),
		slog.Bool("retryable", perr.Retryable),
		slog.String("error", perr.Message),
	)

	e.recalcBatch(ctx, j)

	// Notification delivery is best effort. A notifier error never
	// affects the job outcome.
	if err := e.notifier.NotifyFailure(ctx, j, perr.Message); err != nil {
		e.logger.Warn("failure notification error",
			slog.String("job_id", j.ID.String()),
			slog.String("error", err.Error()),
		)
	}

	return nil
}

func (e *Executor) recalcBatch(ctx context.Context, j *job.UploadJob) {
	if j.BatchID.IsNil() {
		return
	}
	if _, err := e.store.RecalcBatch(ctx, j.BatchID); err != nil {
		e.logger.Error("batch recalculation failed",
			slog.String("batch_id", j.BatchID.String()),
			slog.String("error", err.Error()),
		)
	}
}
