// Package engine wires all uplink subsystems together: the provider
// registry, retry policies, middleware chain, account queue manager,
// executor and runner. It exposes the public operations: submit,
// dispatch, cancel, queue control, batches.
//
// This package exists to break the import cycle: the root uplink
// package defines Entity and Config (imported by job, control, etc.)
// and so cannot import those packages back. The engine package sits
// above all subsystem packages and below the application layer.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/postflux/uplink"
	"github.com/postflux/uplink/backoff"
	"github.com/postflux/uplink/control"
	"github.com/postflux/uplink/id"
	"github.com/postflux/uplink/job"
	mw "github.com/postflux/uplink/middleware"
	"github.com/postflux/uplink/notify"
	"github.com/postflux/uplink/provider"
	"github.com/postflux/uplink/queue"
	"github.com/postflux/uplink/sched"
	"github.com/postflux/uplink/worker"
)

// Store is the persistence surface the engine needs: jobs plus queue
// controls. All store backends implement it.
type Store interface {
	job.Store
	control.Store
}

// Engine is the assembled upload dispatcher.
// Use New() to create one from a Store.
type Engine struct {
	store     Store
	providers *provider.Registry
	policies  *backoff.Policies
	notifier  notify.Notifier
	accounts  *queue.Manager
	executor  *worker.Executor
	runner    *worker.Runner
	scheduler *sched.Scheduler

	cfg            uplink.Config
	logger         *slog.Logger
	mws            []mw.Middleware
	accountConfigs []queue.AccountConfig
	cronExpr       string
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the engine's logger. Defaults to slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) {
		e.logger = logger
	}
}

// WithConfig replaces the engine's configuration.
func WithConfig(cfg uplink.Config) Option {
	return func(e *Engine) {
		e.cfg = cfg
	}
}

// WithNotifier sets the terminal-failure notifier.
func WithNotifier(n notify.Notifier) Option {
	return func(e *Engine) {
		e.notifier = n
	}
}

// WithAdapter registers the upload adapter for a provider tag.
func WithAdapter(providerTag string, a provider.Adapter) Option {
	return func(e *Engine) {
		e.providers.Register(providerTag, a)
	}
}

// WithRetryPolicy sets the retry policy for a provider tag. Providers
// without an explicit policy use backoff.DefaultPolicy().
func WithRetryPolicy(providerTag string, p backoff.Policy) Option {
	return func(e *Engine) {
		e.policies.Set(providerTag, p)
	}
}

// WithMiddleware appends middleware to the execution chain, after the
// default stack.
func WithMiddleware(m mw.Middleware) Option {
	return func(e *Engine) {
		e.mws = append(e.mws, m)
	}
}

// WithAccountConfig registers per-account concurrency and rate limits.
// Accounts not listed use the Config.AccountConcurrency ceiling.
func WithAccountConfig(configs ...queue.AccountConfig) Option {
	return func(e *Engine) {
		e.accountConfigs = append(e.accountConfigs, configs...)
	}
}

// WithCronSchedule enables periodic dispatch on the given cron
// expression (or @every descriptor). The schedule starts with Start().
func WithCronSchedule(expr string) Option {
	return func(e *Engine) {
		e.cronExpr = expr
	}
}

// New assembles an Engine over the given store.
func New(store Store, opts ...Option) (*Engine, error) {
	if store == nil {
		return nil, uplink.ErrNoStore
	}

	e := &Engine{
		store:     store,
		providers: provider.NewRegistry(),
		policies:  backoff.NewPolicies(backoff.DefaultPolicy()),
		cfg:       uplink.DefaultConfig(),
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.notifier == nil {
		e.notifier = notify.Nop{}
	}

	e.accounts = queue.NewManager(e.cfg.AccountConcurrency, e.accountConfigs...)

	// Default middleware stack: recover → tracing → metrics → logging
	// → timeout, then any user middleware.
	allMws := []mw.Middleware{
		mw.Recover(e.logger),
		mw.Tracing(),
		mw.Metrics(),
		mw.Logging(e.logger),
		mw.Timeout(e.cfg.UploadTimeout),
	}
	allMws = append(allMws, e.mws...)

	e.executor = worker.NewExecutor(e.providers, e.store, e.policies, e.notifier, e.logger, allMws...)
	e.runner = worker.NewRunner(e.store, e.store, e.executor, e.accounts, e.cfg, e.logger)

	if e.cronExpr != "" {
		scheduler, err := sched.NewScheduler(e.runner, e.cronExpr, e.logger)
		if err != nil {
			return nil, fmt.Errorf("uplink: cron schedule %q: %w", e.cronExpr, err)
		}
		e.scheduler = scheduler
	}

	return e, nil
}

// AssetInput is one media item of a job submission, in publish order.
type AssetInput struct {
	Kind        job.AssetKind
	ContentHash string
	SortOrder   int
	SourceURL   string
}

// CreateJobInput is a job submission. The provider tag comes from the
// destination account.
type CreateJobInput struct {
	OwnerID     id.UserID
	AccountID   id.AccountID
	BatchID     id.BatchID
	Mode        job.Mode
	PostType    job.PostType
	Caption     string
	ScheduledAt *time.Time
	ClientRef   string
	Assets      []AssetInput
}

// validate checks the submission against the post-shape rules: known
// mode and post type, exactly one video for video posts, 2 to 35 images
// for slideshows.
func (in CreateJobInput) validate() error {
	if in.OwnerID.IsNil() {
		return fmt.Errorf("%w: owner is required", uplink.ErrInvalidInput)
	}
	if in.AccountID.IsNil() {
		return fmt.Errorf("%w: account is required", uplink.ErrInvalidInput)
	}
	if !in.Mode.Valid() {
		return fmt.Errorf("%w: unknown mode %q", uplink.ErrInvalidInput, in.Mode)
	}
	if !in.PostType.Valid() {
		return fmt.Errorf("%w: unknown post type %q", uplink.ErrInvalidInput, in.PostType)
	}

	switch in.PostType {
	case job.PostTypeVideo:
		if len(in.Assets) != 1 || in.Assets[0].Kind != job.AssetVideo {
			return fmt.Errorf("%w: a video post requires exactly one video asset", uplink.ErrInvalidInput)
		}
	case job.PostTypeSlideshow:
		if len(in.Assets) < job.MinSlideshowAssets || len(in.Assets) > job.MaxSlideshowAssets {
			return fmt.Errorf("%w: a slideshow requires %d to %d image assets",
				uplink.ErrInvalidInput, job.MinSlideshowAssets, job.MaxSlideshowAssets)
		}
		for _, a := range in.Assets {
			if a.Kind != job.AssetImage {
				return fmt.Errorf("%w: slideshow assets must be images", uplink.ErrInvalidInput)
			}
		}
	}

	for _, a := range in.Assets {
		if a.ContentHash == "" {
			return fmt.Errorf("%w: asset content hash is required", uplink.ErrInvalidInput)
		}
	}
	return nil
}

// CreateJob validates and persists a new queued upload job. The
// idempotency key is the fingerprint of the submission; a resubmission
// within the dedup window returns the existing job with duplicate=true.
// MaxRetries is frozen at creation from the provider's retry policy.
func (e *Engine) CreateJob(ctx context.Context, in CreateJobInput) (*job.UploadJob, bool, error) {
	if err := in.validate(); err != nil {
		return nil, false, err
	}

	account, err := e.store.GetAccount(ctx, in.AccountID)
	if err != nil {
		return nil, false, err
	}
	if !in.BatchID.IsNil() {
		if _, err := e.store.GetBatch(ctx, in.BatchID); err != nil {
			return nil, false, err
		}
	}

	hashes := make([]string, 0, len(in.Assets))
	for _, a := range in.Assets {
		hashes = append(hashes, a.ContentHash)
	}
	key := job.Fingerprint(job.FingerprintInput{
		MediaHashes: hashes,
		Caption:     in.Caption,
		AccountID:   in.AccountID,
		Provider:    account.Provider,
		Mode:        in.Mode,
		PostType:    in.PostType,
		ClientRef:   in.ClientRef,
	})

	policy := e.policies.For(account.Provider)
	j := &job.UploadJob{
		ID:             id.NewJobID(),
		OwnerID:        in.OwnerID,
		BatchID:        in.BatchID,
		AccountID:      in.AccountID,
		Provider:       account.Provider,
		Mode:           in.Mode,
		PostType:       in.PostType,
		Caption:        in.Caption,
		Status:         job.StatusQueued,
		MaxRetries:     policy.MaxRetries,
		IdempotencyKey: key,
		ScheduledAt:    in.ScheduledAt,
	}

	// Inputs without explicit sort orders publish in slice order.
	ordered := false
	for _, a := range in.Assets {
		if a.SortOrder != 0 {
			ordered = true
			break
		}
	}
	assets := make([]*job.UploadAsset, 0, len(in.Assets))
	for i, a := range in.Assets {
		sortOrder := a.SortOrder
		if !ordered {
			sortOrder = i
		}
		assets = append(assets, &job.UploadAsset{
			ID:          id.NewAssetID(),
			Kind:        a.Kind,
			ContentHash: a.ContentHash,
			SortOrder:   sortOrder,
			SourceURL:   a.SourceURL,
		})
	}

	created, duplicate, err := e.store.CreateJob(ctx, j, assets, e.cfg.DedupWindow)
	if err != nil {
		return nil, false, err
	}
	if duplicate {
		e.logger.Info("job submission deduplicated",
			slog.String("job_id", created.ID.String()),
			slog.String("owner_id", in.OwnerID.String()),
		)
		return created, true, nil
	}

	if !created.BatchID.IsNil() {
		if _, err := e.store.RecalcBatch(ctx, created.BatchID); err != nil {
			e.logger.Error("batch recalc after create failed",
				slog.String("batch_id", created.BatchID.String()),
				slog.String("error", err.Error()),
			)
		}
	}

	e.logger.Info("job created",
		slog.String("job_id", created.ID.String()),
		slog.String("provider", created.Provider),
		slog.String("post_type", string(created.PostType)),
	)
	return created, false, nil
}

// DispatchRequest scopes one dispatch pass.
type DispatchRequest struct {
	// OwnerID restricts the pass to one owner. The zero ID dispatches
	// all owners.
	OwnerID id.UserID

	// Mode overrides the pass mode: ModeAllQueued dispatches scheduled
	// jobs early. Empty defers to the owner's queue control.
	Mode control.DispatchMode

	// ForcePaused dispatches even when the owner's queue is paused.
	ForcePaused bool
}

// DispatchResult reports the outcome of one dispatch pass.
type DispatchResult struct {
	// Processed is the number of jobs claimed and executed.
	Processed int
}

// RunDispatch claims due jobs and executes them to completion under the
// global and per-account concurrency ceilings.
func (e *Engine) RunDispatch(ctx context.Context, req DispatchRequest) (DispatchResult, error) {
	processed, err := e.runner.DispatchPending(ctx, worker.Options{
		OwnerID:        req.OwnerID,
		IgnoreSchedule: req.Mode == control.ModeAllQueued,
		ForcePaused:    req.ForcePaused,
	})
	return DispatchResult{Processed: processed}, err
}

// CancelJob cancels a queued or running job and recomputes its batch.
func (e *Engine) CancelJob(ctx context.Context, jobID id.JobID) (*job.UploadJob, error) {
	canceled, err := e.store.CancelJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if !canceled.BatchID.IsNil() {
		if _, err := e.store.RecalcBatch(ctx, canceled.BatchID); err != nil {
			e.logger.Error("batch recalc after cancel failed",
				slog.String("batch_id", canceled.BatchID.String()),
				slog.String("error", err.Error()),
			)
		}
	}
	return canceled, nil
}

// CreateBatch persists a new empty batch for grouping submissions.
func (e *Engine) CreateBatch(ctx context.Context, ownerID id.UserID, name string) (*job.UploadBatch, error) {
	if ownerID.IsNil() {
		return nil, fmt.Errorf("%w: owner is required", uplink.ErrInvalidInput)
	}
	b := &job.UploadBatch{
		ID:      id.NewBatchID(),
		OwnerID: ownerID,
		Name:    name,
		Status:  job.BatchQueued,
	}
	if err := e.store.CreateBatch(ctx, b); err != nil {
		return nil, err
	}
	return b, nil
}

// GetJob retrieves a job by ID.
func (e *Engine) GetJob(ctx context.Context, jobID id.JobID) (*job.UploadJob, error) {
	return e.store.GetJob(ctx, jobID)
}

// GetBatch retrieves a batch by ID.
func (e *Engine) GetBatch(ctx context.Context, batchID id.BatchID) (*job.UploadBatch, error) {
	return e.store.GetBatch(ctx, batchID)
}

// ListJobs lists jobs matching opts in creation order.
func (e *Engine) ListJobs(ctx context.Context, opts job.ListOpts) ([]*job.UploadJob, error) {
	return e.store.ListJobs(ctx, opts)
}

// ListAttempts returns a job's execution history.
func (e *Engine) ListAttempts(ctx context.Context, jobID id.JobID) ([]*job.UploadAttempt, error) {
	return e.store.ListAttempts(ctx, jobID)
}

// QueueControl returns the owner's queue control row, creating it with
// defaults on first read.
func (e *Engine) QueueControl(ctx context.Context, ownerID id.UserID) (*control.QueueControl, error) {
	return e.store.GetQueueControl(ctx, ownerID)
}

// UpdateQueueControl applies a partial patch to the owner's queue
// control and returns the updated row.
func (e *Engine) UpdateQueueControl(ctx context.Context, ownerID id.UserID, p control.Patch) (*control.QueueControl, error) {
	return e.store.UpdateQueueControl(ctx, ownerID, p)
}

// Providers returns the provider adapter registry.
func (e *Engine) Providers() *provider.Registry { return e.providers }

// QueueManager returns the per-account queue manager.
func (e *Engine) QueueManager() *queue.Manager { return e.accounts }

// Runner returns the dispatch runner for callers driving their own
// dispatch loop.
func (e *Engine) Runner() *worker.Runner { return e.runner }

// Start begins periodic dispatch when a cron schedule was configured.
// Without one it is a no-op.
func (e *Engine) Start(ctx context.Context) error {
	if e.scheduler != nil {
		return e.scheduler.Start(ctx)
	}
	return nil
}

// Stop halts periodic dispatch and waits for an in-flight pass.
func (e *Engine) Stop(ctx context.Context) error {
	if e.scheduler != nil {
		return e.scheduler.Stop(ctx)
	}
	return nil
}
