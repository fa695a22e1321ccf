package worker

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/postflux/uplink"
	"github.com/postflux/uplink/control"
	"github.com/postflux/uplink/id"
	"github.com/postflux/uplink/job"
	"github.com/postflux/uplink/queue"
)

// Options narrows a single dispatch pass.
type Options struct {
	// OwnerID restricts the pass to one owner's jobs. The zero ID means
	// all owners.
	OwnerID id.UserID

	// IgnoreSchedule claims every queued job regardless of its
	// scheduled time.
	IgnoreSchedule bool

	// ForcePaused runs the pass even when the owner's queue control is
	// paused.
	ForcePaused bool
}

// Runner claims due upload jobs and executes them concurrently under
// two ceilings: a global limit across all uploads in flight, and a
// per-account limit enforced by the queue manager.
type Runner struct {
	store    job.Store
	controls control.Store
	executor *Executor
	accounts *queue.Manager
	cfg      uplink.Config
	logger   *slog.Logger
}

// NewRunner creates a Runner.
func NewRunner(
	store job.Store,
	controls control.Store,
	executor *Executor,
	accounts *queue.Manager,
	cfg uplink.Config,
	logger *slog.Logger,
) *Runner {
	return &Runner{
		store:    store,
		controls: controls,
		executor: executor,
		accounts: accounts,
		cfg:      cfg,
		logger:   logger,
	}
}

// DispatchPending claims a batch of due jobs and runs them to
// completion. It returns the number of jobs processed in this pass.
//
// When opts.OwnerID is set and the owner's queue control is paused, the
// pass is skipped unless opts.ForcePaused is set.
func (r *Runner) DispatchPending(ctx context.Context, opts Options) (int, error) {
	filter := job.ClaimFilter{
		OwnerID:        opts.OwnerID,
		IgnoreSchedule: opts.IgnoreSchedule,
		StaleAfter:     r.cfg.StaleClaimWindow,
	}

	if !opts.OwnerID.IsNil() && !opts.ForcePaused {
		qc, err := r.controls.GetQueueControl(ctx, opts.OwnerID)
		if err != nil {
			return 0, err
		}
		if qc.Paused {
			r.logger.Info("dispatch skipped, queue paused",
				slog.String("owner_id", opts.OwnerID.String()),
			)
			return 0, nil
		}
		if !opts.IgnoreSchedule {
			filter.IgnoreSchedule = qc.DispatchMode == control.ModeAllQueued
		}
	}

	pending, err := r.store.ClaimNextJobs(ctx, r.cfg.ClaimBatchSize, filter)
	if err != nil {
		return 0, err
	}
	if len(pending) == 0 {
		return 0, nil
	}

	r.logger.Info("dispatch pass claimed jobs", slog.Int("count", len(pending)))

	// Claiming moved these jobs to running; their parent batches must
	// reflect that before any outcome lands.
	recalced := make(map[string]struct{})
	for _, j := range pending {
		if j.BatchID.IsNil() {
			continue
		}
		key := j.BatchID.String()
		if _, ok := recalced[key]; ok {
			continue
		}
		recalced[key] = struct{}{}
		if _, err := r.store.RecalcBatch(ctx, j.BatchID); err != nil {
			r.logger.Error("batch recalc after claim failed",
				slog.String("batch_id", key),
				slog.String("error", err.Error()),
			)
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	if r.cfg.GlobalConcurrency > 0 {
		g.SetLimit(r.cfg.GlobalConcurrency)
	}

	// done receives a signal whenever an upload finishes so the scan
	// below can retry accounts that were at their ceiling. The buffer
	// holds one signal per job; sends never block.
	done := make(chan struct{}, len(pending))

	processed := 0
	for len(pending) > 0 {
		if gctx.Err() != nil {
			break
		}

		launched := false
		remaining := pending[:0:0]
		for _, j := range pending {
			if !r.accounts.Acquire(j.AccountID.String()) {
				remaining = append(remaining, j)
				continue
			}
			launched = true
			processed++
			jobID := j.ID
			accountID := j.AccountID.String()
			g.Go(func() error {
				defer func() {
					r.accounts.Release(accountID)
					done <- struct{}{}
				}()
				if execErr := r.executor.Execute(gctx, jobID); execErr != nil {
					r.logger.Error("upload execution error",
						slog.String("job_id", jobID.String()),
						slog.String("error", execErr.Error()),
					)
				}
				return nil
			})
		}
		pending = remaining

		if len(pending) == 0 {
			break
		}
		if launched {
			continue
		}

		// Every remaining account is at its ceiling. Wait for a slot to
		// free up, then rescan.
		select {
		case <-done:
		case <-time.After(r.cfg.RescanInterval):
		case <-gctx.Done():
		}
	}

	if err := g.Wait(); err != nil {
		return processed, err
	}
	return processed, nil
}
