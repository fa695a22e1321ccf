// Package memory provides a fully in-memory store backend. Safe for
// concurrent access. Intended for unit testing and development.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/postflux/uplink"
	"github.com/postflux/uplink/control"
	"github.com/postflux/uplink/id"
	"github.com/postflux/uplink/job"
)

// Ensure Store implements store.Store at compile time.
// We can't import store here (import cycle), so we verify each subsystem.
var (
	_ job.Store     = (*Store)(nil)
	_ control.Store = (*Store)(nil)
)

// Store is a fully in-memory implementation of store.Store.
type Store struct {
	mu sync.RWMutex

	jobOrder []string // job IDs in insertion order
	jobs     map[string]*job.UploadJob
	assets   map[string][]*job.UploadAsset
	attempts map[string][]*job.UploadAttempt
	batches  map[string]*job.UploadBatch
	accounts map[string]*job.Account
	controls map[string]*control.QueueControl
}

// New returns a new empty Store.
func New() *Store {
	return &Store{
		jobs:     make(map[string]*job.UploadJob),
		assets:   make(map[string][]*job.UploadAsset),
		attempts: make(map[string][]*job.UploadAttempt),
		batches:  make(map[string]*job.UploadBatch),
		accounts: make(map[string]*job.Account),
		controls: make(map[string]*control.QueueControl),
	}
}

// ──────────────────────────────────────────────────
// Lifecycle: Migrate / Ping / Close
// ──────────────────────────────────────────────────

// Migrate is a no-op for the memory store.
func (m *Store) Migrate(_ context.Context) error { return nil }

// Ping always succeeds for the memory store.
func (m *Store) Ping(_ context.Context) error { return nil }

// Close is a no-op for the memory store.
func (m *Store) Close() error { return nil }

// ──────────────────────────────────────────────────
// Job Store
// ──────────────────────────────────────────────────

// CreateJob persists a new queued job with its ordered assets. If a job
// with the same owner and idempotency key was created within
// dedupWindow, the existing job is returned with duplicate=true.
func (m *Store) CreateJob(_ context.Context, j *job.UploadJob, assets []*job.UploadAsset, dedupWindow time.Duration) (*job.UploadJob, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now().UTC()

	if j.IdempotencyKey != "" && dedupWindow > 0 {
		cutoff := now.Add(-dedupWindow)
		for _, key := range m.jobOrder {
			existing := m.jobs[key]
			if existing.IdempotencyKey != j.IdempotencyKey {
				continue
			}
			if existing.OwnerID.String() != j.OwnerID.String() {
				continue
			}
			if existing.CreatedAt.Before(cutoff) {
				continue
			}
			cp := *existing
			return &cp, true, nil
		}
	}

	key := j.ID.String()
	if _, exists := m.jobs[key]; exists {
		return nil, false, uplink.ErrJobAlreadyExists
	}

	cp := *j
	cp.Touch(now)
	m.jobOrder = append(m.jobOrder, key)
	m.jobs[key] = &cp

	stored := make([]*job.UploadAsset, len(assets))
	for i, a := range assets {
		acp := *a
		acp.JobID = cp.ID
		stored[i] = &acp
	}
	sort.SliceStable(stored, func(i, k int) bool {
		return stored[i].SortOrder < stored[k].SortOrder
	})
	m.assets[key] = stored

	out := cp
	return &out, false, nil
}

// GetJob retrieves a job by ID.
func (m *Store) GetJob(_ context.Context, jobID id.JobID) (*job.UploadJob, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	j, ok := m.jobs[jobID.String()]
	if !ok {
		return nil, uplink.ErrJobNotFound
	}
	cp := *j
	return &cp, nil
}

// GetJobDetail retrieves a job with its account and ordered assets.
func (m *Store) GetJobDetail(_ context.Context, jobID id.JobID) (*job.Detail, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	j, ok := m.jobs[jobID.String()]
	if !ok {
		return nil, uplink.ErrJobNotFound
	}
	cp := *j

	d := &job.Detail{Job: &cp}
	if a, ok := m.accounts[j.AccountID.String()]; ok {
		acp := *a
		d.Account = &acp
	}
	for _, a := range m.assets[jobID.String()] {
		acp := *a
		d.Assets = append(d.Assets, &acp)
	}
	return d, nil
}

// ClaimNextJobs claims up to limit due queued jobs in creation order. A
// running job whose StartedAt is older than f.StaleAfter counts as an
// abandoned claim and is eligible again.
func (m *Store) ClaimNextJobs(_ context.Context, limit int, f job.ClaimFilter) ([]*job.UploadJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now().UTC()
	var claimed []*job.UploadJob
	for _, key := range m.jobOrder {
		if limit > 0 && len(claimed) >= limit {
			break
		}
		j := m.jobs[key]

		if !claimable(j, now, f) {
			continue
		}

		if j.AttemptCount >= j.MaxRetries {
			j.Status = job.StatusFailed
			j.LastError = "Retry limit reached"
			n := now
			j.CompletedAt = &n
			j.UpdatedAt = now
			continue
		}

		j.Status = job.StatusRunning
		n := now
		j.StartedAt = &n
		j.AttemptCount++
		j.NextAttemptAt = nil
		j.UpdatedAt = now

		cp := *j
		claimed = append(claimed, &cp)
	}
	return claimed, nil
}

// claimable reports whether a job is a claim candidate at the given
// instant. The store lock serializes claims, so the conditional
// transition reduces to this check plus the in-place update.
func claimable(j *job.UploadJob, now time.Time, f job.ClaimFilter) bool {
	switch j.Status {
	case job.StatusQueued:
		if j.StartedAt != nil && f.StaleAfter > 0 && j.StartedAt.After(now.Add(-f.StaleAfter)) {
			return false
		}
	case job.StatusRunning:
		// Abandoned claim recovery.
		if f.StaleAfter <= 0 || j.StartedAt == nil || j.StartedAt.After(now.Add(-f.StaleAfter)) {
			return false
		}
	default:
		return false
	}

	if !f.OwnerID.IsNil() && j.OwnerID.String() != f.OwnerID.String() {
		return false
	}
	if j.NextAttemptAt != nil && j.NextAttemptAt.After(now) {
		return false
	}
	if !f.IgnoreSchedule && j.ScheduledAt != nil && j.ScheduledAt.After(now) {
		return false
	}
	return true
}

// MarkSucceeded records a successful attempt and completes the job.
func (m *Store) MarkSucceeded(_ context.Context, jobID id.JobID, providerPostID string, att *job.UploadAttempt) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	j, ok := m.jobs[jobID.String()]
	if !ok {
		return uplink.ErrJobNotFound
	}

	now := time.Now().UTC()
	j.Status = job.StatusSucceeded
	j.ProviderPostID = providerPostID
	j.CompletedAt = &now
	j.LastError = ""
	j.NextAttemptAt = nil
	j.UpdatedAt = now

	m.recordAttempt(jobID, att)
	return nil
}

// MarkRetrying records a failed attempt and loops the job back to queued.
func (m *Store) MarkRetrying(_ context.Context, jobID id.JobID, reason string, nextAttemptAt time.Time, att *job.UploadAttempt) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	j, ok := m.jobs[jobID.String()]
	if !ok {
		return uplink.ErrJobNotFound
	}

	j.Status = job.StatusQueued
	j.StartedAt = nil
	j.NextAttemptAt = &nextAttemptAt
	j.LastError = reason
	j.UpdatedAt = time.Now().UTC()

	m.recordAttempt(jobID, att)
	return nil
}

// MarkFailed records a failed attempt and fails the job terminally.
func (m *Store) MarkFailed(_ context.Context, jobID id.JobID, reason string, att *job.UploadAttempt) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	j, ok := m.jobs[jobID.String()]
	if !ok {
		return uplink.ErrJobNotFound
	}

	now := time.Now().UTC()
	j.Status = job.StatusFailed
	j.CompletedAt = &now
	j.LastError = reason
	j.UpdatedAt = now

	m.recordAttempt(jobID, att)
	return nil
}

// recordAttempt appends an attempt row. Caller holds the lock.
func (m *Store) recordAttempt(jobID id.JobID, att *job.UploadAttempt) {
	if att == nil {
		return
	}
	cp := *att
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now().UTC()
	}
	key := jobID.String()
	m.attempts[key] = append(m.attempts[key], &cp)
}

// CancelJob transitions a queued or running job to canceled.
func (m *Store) CancelJob(_ context.Context, jobID id.JobID) (*job.UploadJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	j, ok := m.jobs[jobID.String()]
	if !ok {
		return nil, uplink.ErrJobNotFound
	}
	if !job.CanTransition(j.Status, job.StatusCanceled) {
		return nil, uplink.ErrInvalidState
	}

	now := time.Now().UTC()
	j.Status = job.StatusCanceled
	j.CompletedAt = &now
	j.UpdatedAt = now

	cp := *j
	return &cp, nil
}

// ListJobs returns jobs matching the given options in creation order.
func (m *Store) ListJobs(_ context.Context, opts job.ListOpts) ([]*job.UploadJob, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]*job.UploadJob, 0, len(m.jobOrder))
	for _, key := range m.jobOrder {
		j := m.jobs[key]
		if !opts.OwnerID.IsNil() && j.OwnerID.String() != opts.OwnerID.String() {
			continue
		}
		if !opts.BatchID.IsNil() && j.BatchID.String() != opts.BatchID.String() {
			continue
		}
		if opts.Status != "" && j.Status != opts.Status {
			continue
		}
		cp := *j
		result = append(result, &cp)
	}

	if opts.Offset > 0 {
		if opts.Offset >= len(result) {
			return nil, nil
		}
		result = result[opts.Offset:]
	}
	if opts.Limit > 0 && len(result) > opts.Limit {
		result = result[:opts.Limit]
	}
	return result, nil
}

// CountJobs returns the number of jobs matching the given options.
func (m *Store) CountJobs(_ context.Context, opts job.CountOpts) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var count int64
	for _, j := range m.jobs {
		if !opts.OwnerID.IsNil() && j.OwnerID.String() != opts.OwnerID.String() {
			continue
		}
		if opts.Status != "" && j.Status != opts.Status {
			continue
		}
		count++
	}
	return count, nil
}

// ListAttempts returns a job's attempts in ascending number.
func (m *Store) ListAttempts(_ context.Context, jobID id.JobID) ([]*job.UploadAttempt, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	stored := m.attempts[jobID.String()]
	result := make([]*job.UploadAttempt, len(stored))
	for i, a := range stored {
		cp := *a
		result[i] = &cp
	}
	sort.SliceStable(result, func(i, k int) bool {
		return result[i].Number < result[k].Number
	})
	return result, nil
}

// ──────────────────────────────────────────────────
// Batch Store
// ──────────────────────────────────────────────────

// CreateBatch persists a new batch.
func (m *Store) CreateBatch(_ context.Context, b *job.UploadBatch) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := b.ID.String()
	if _, exists := m.batches[key]; exists {
		return uplink.ErrBatchAlreadyExists
	}

	cp := *b
	cp.Touch(time.Now().UTC())
	if cp.Status == "" {
		cp.Status = job.BatchQueued
	}
	m.batches[key] = &cp
	return nil
}

// GetBatch retrieves a batch by ID.
func (m *Store) GetBatch(_ context.Context, batchID id.BatchID) (*job.UploadBatch, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	b, ok := m.batches[batchID.String()]
	if !ok {
		return nil, uplink.ErrBatchNotFound
	}
	cp := *b
	return &cp, nil
}

// RecalcBatch recomputes the batch's counters and derived status from
// the current statuses of its jobs.
func (m *Store) RecalcBatch(_ context.Context, batchID id.BatchID) (*job.UploadBatch, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	b, ok := m.batches[batchID.String()]
	if !ok {
		return nil, uplink.ErrBatchNotFound
	}

	var members []*job.UploadJob
	for _, key := range m.jobOrder {
		if m.jobs[key].BatchID.String() == batchID.String() {
			members = append(members, m.jobs[key])
		}
	}

	b.Apply(job.RollupJobs(members))
	b.UpdatedAt = time.Now().UTC()

	cp := *b
	return &cp, nil
}

// ──────────────────────────────────────────────────
// Account Store
// ──────────────────────────────────────────────────

// PutAccount upserts a destination account.
func (m *Store) PutAccount(_ context.Context, a *job.Account) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *a
	cp.Touch(time.Now().UTC())
	m.accounts[a.ID.String()] = &cp
	return nil
}

// GetAccount retrieves a destination account by ID.
func (m *Store) GetAccount(_ context.Context, accountID id.AccountID) (*job.Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	a, ok := m.accounts[accountID.String()]
	if !ok {
		return nil, uplink.ErrAccountNotFound
	}
	cp := *a
	return &cp, nil
}

// ──────────────────────────────────────────────────
// Control Store
// ──────────────────────────────────────────────────

// GetQueueControl returns the owner's control row, creating it with
// defaults if it does not exist.
func (m *Store) GetQueueControl(_ context.Context, ownerID id.UserID) (*control.QueueControl, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	qc := m.queueControlLocked(ownerID)
	cp := *qc
	return &cp, nil
}

// UpdateQueueControl applies the patch's provided fields.
func (m *Store) UpdateQueueControl(_ context.Context, ownerID id.UserID, p control.Patch) (*control.QueueControl, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	qc := m.queueControlLocked(ownerID)
	if p.Paused != nil {
		qc.Paused = *p.Paused
	}
	if p.DispatchMode != nil {
		qc.DispatchMode = control.Normalize(*p.DispatchMode)
	}
	qc.UpdatedAt = time.Now().UTC()

	cp := *qc
	return &cp, nil
}

// queueControlLocked returns the stored control row for an owner,
// creating it lazily. Caller holds the lock.
func (m *Store) queueControlLocked(ownerID id.UserID) *control.QueueControl {
	key := ownerID.String()
	qc, ok := m.controls[key]
	if !ok {
		qc = control.Default(ownerID)
		m.controls[key] = qc
	}
	return qc
}
