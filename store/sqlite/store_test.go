package sqlite

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/postflux/uplink"
	"github.com/postflux/uplink/control"
	"github.com/postflux/uplink/id"
	"github.com/postflux/uplink/job"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(":memory:", WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	if err := s.Migrate(context.Background()); err != nil {
		t.Fatalf("Migrate: %v", err)
	}
	return s
}

func newJob(owner id.UserID) *job.UploadJob {
	return &job.UploadJob{
		ID:         id.NewJobID(),
		OwnerID:    owner,
		AccountID:  id.NewAccountID(),
		Provider:   "tiktok",
		Mode:       job.ModeDraft,
		PostType:   job.PostTypeVideo,
		Caption:    "caption",
		Status:     job.StatusQueued,
		MaxRetries: 3,
	}
}

func mustCreate(t *testing.T, s *Store, j *job.UploadJob, assets ...*job.UploadAsset) *job.UploadJob {
	t.Helper()
	created, dup, err := s.CreateJob(context.Background(), j, assets, 24*time.Hour)
	if err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	if dup {
		t.Fatalf("CreateJob returned duplicate for a fresh job")
	}
	return created
}

func TestCreateAndGetJob(t *testing.T) {
	s := newTestStore(t)
	owner := id.NewUserID()
	j := newJob(owner)
	asset := &job.UploadAsset{
		ID:          id.NewAssetID(),
		Kind:        job.AssetVideo,
		ContentHash: "h1",
		SortOrder:   0,
	}

	created := mustCreate(t, s, j, asset)
	if created.CreatedAt.IsZero() {
		t.Fatal("CreatedAt should be set on insert")
	}

	got, err := s.GetJob(context.Background(), j.ID)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if got.Caption != "caption" || got.Status != job.StatusQueued {
		t.Fatalf("unexpected job: %+v", got)
	}

	detail, err := s.GetJobDetail(context.Background(), j.ID)
	if err != nil {
		t.Fatalf("GetJobDetail: %v", err)
	}
	if len(detail.Assets) != 1 || detail.Assets[0].ContentHash != "h1" {
		t.Fatalf("unexpected assets: %+v", detail.Assets)
	}
	if detail.Assets[0].JobID.String() != j.ID.String() {
		t.Fatal("asset should be bound to the job")
	}
}

func TestGetJobNotFound(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.GetJob(context.Background(), id.NewJobID()); !errors.Is(err, uplink.ErrJobNotFound) {
		t.Fatalf("err = %v, want ErrJobNotFound", err)
	}
}

func TestCreateJobDuplicateID(t *testing.T) {
	s := newTestStore(t)
	owner := id.NewUserID()
	j := newJob(owner)
	mustCreate(t, s, j)

	_, _, err := s.CreateJob(context.Background(), j, nil, 0)
	if !errors.Is(err, uplink.ErrJobAlreadyExists) {
		t.Fatalf("err = %v, want ErrJobAlreadyExists", err)
	}
}

func TestCreateJobDedup(t *testing.T) {
	s := newTestStore(t)
	owner := id.NewUserID()

	first := newJob(owner)
	first.IdempotencyKey = "fingerprint-1"
	mustCreate(t, s, first)

	second := newJob(owner)
	second.IdempotencyKey = "fingerprint-1"
	got, dup, err := s.CreateJob(context.Background(), second, nil, 24*time.Hour)
	if err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	if !dup {
		t.Fatal("expected duplicate=true for same key within window")
	}
	if got.ID.String() != first.ID.String() {
		t.Fatalf("returned job %s, want existing %s", got.ID, first.ID)
	}

	count, err := s.CountJobs(context.Background(), job.CountOpts{OwnerID: owner})
	if err != nil {
		t.Fatalf("CountJobs: %v", err)
	}
	if count != 1 {
		t.Fatalf("count = %d, want 1", count)
	}
}

func TestCreateJobDedupScopedToOwner(t *testing.T) {
	s := newTestStore(t)

	first := newJob(id.NewUserID())
	first.IdempotencyKey = "shared-key"
	mustCreate(t, s, first)

	second := newJob(id.NewUserID())
	second.IdempotencyKey = "shared-key"
	_, dup, err := s.CreateJob(context.Background(), second, nil, 24*time.Hour)
	if err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	if dup {
		t.Fatal("same key under a different owner must not dedup")
	}
}

func TestClaimNextJobs(t *testing.T) {
	s := newTestStore(t)
	owner := id.NewUserID()

	var ids []string
	for i := 0; i < 3; i++ {
		j := newJob(owner)
		j.CreatedAt = time.Now().UTC().Add(time.Duration(i-3) * time.Minute)
		mustCreate(t, s, j)
		ids = append(ids, j.ID.String())
	}

	claimed, err := s.ClaimNextJobs(context.Background(), 2, job.ClaimFilter{})
	if err != nil {
		t.Fatalf("ClaimNextJobs: %v", err)
	}
	if len(claimed) != 2 {
		t.Fatalf("claimed %d jobs, want 2", len(claimed))
	}
	for i, c := range claimed {
		if c.ID.String() != ids[i] {
			t.Fatalf("claim order: got %s at %d, want %s", c.ID, i, ids[i])
		}
		if c.Status != job.StatusRunning {
			t.Fatalf("status = %s, want running", c.Status)
		}
		if c.AttemptCount != 1 {
			t.Fatalf("attempt count = %d, want 1", c.AttemptCount)
		}
		if c.StartedAt == nil {
			t.Fatal("StartedAt should be set on claim")
		}
	}

	rest, err := s.ClaimNextJobs(context.Background(), 10, job.ClaimFilter{})
	if err != nil {
		t.Fatalf("ClaimNextJobs: %v", err)
	}
	if len(rest) != 1 || rest[0].ID.String() != ids[2] {
		t.Fatalf("second pass claimed %d jobs, want the one remaining", len(rest))
	}
}

func TestClaimConcurrentNoDoubleClaim(t *testing.T) {
	s := newTestStore(t)
	owner := id.NewUserID()
	const total = 20
	for i := 0; i < total; i++ {
		mustCreate(t, s, newJob(owner))
	}

	const claimers = 4
	results := make([][]*job.UploadJob, claimers)
	var wg sync.WaitGroup
	for i := 0; i < claimers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			claimed, err := s.ClaimNextJobs(context.Background(), total, job.ClaimFilter{})
			if err != nil {
				t.Errorf("ClaimNextJobs: %v", err)
				return
			}
			results[i] = claimed
		}(i)
	}
	wg.Wait()

	seen := make(map[string]int)
	claimed := 0
	for _, res := range results {
		for _, c := range res {
			seen[c.ID.String()]++
			claimed++
		}
	}
	for jobID, n := range seen {
		if n > 1 {
			t.Fatalf("job %s claimed %d times", jobID, n)
		}
	}
	if claimed != total {
		t.Fatalf("claimed %d jobs across all callers, want %d", claimed, total)
	}
}

func TestClaimRespectsSchedule(t *testing.T) {
	s := newTestStore(t)
	owner := id.NewUserID()

	j := newJob(owner)
	future := time.Now().UTC().Add(time.Hour)
	j.ScheduledAt = &future
	mustCreate(t, s, j)

	claimed, err := s.ClaimNextJobs(context.Background(), 10, job.ClaimFilter{})
	if err != nil {
		t.Fatalf("ClaimNextJobs: %v", err)
	}
	if len(claimed) != 0 {
		t.Fatalf("claimed %d undue jobs, want 0", len(claimed))
	}

	claimed, err = s.ClaimNextJobs(context.Background(), 10, job.ClaimFilter{IgnoreSchedule: true})
	if err != nil {
		t.Fatalf("ClaimNextJobs: %v", err)
	}
	if len(claimed) != 1 {
		t.Fatalf("IgnoreSchedule claimed %d jobs, want 1", len(claimed))
	}
}

func TestClaimRespectsNextAttemptAt(t *testing.T) {
	s := newTestStore(t)
	owner := id.NewUserID()

	j := newJob(owner)
	future := time.Now().UTC().Add(time.Hour)
	j.NextAttemptAt = &future
	mustCreate(t, s, j)

	for _, f := range []job.ClaimFilter{{}, {IgnoreSchedule: true}} {
		claimed, err := s.ClaimNextJobs(context.Background(), 10, f)
		if err != nil {
			t.Fatalf("ClaimNextJobs: %v", err)
		}
		if len(claimed) != 0 {
			t.Fatal("NextAttemptAt in the future must always gate the claim")
		}
	}
}

func TestClaimOwnerScope(t *testing.T) {
	s := newTestStore(t)
	mine := id.NewUserID()

	mustCreate(t, s, newJob(mine))
	mustCreate(t, s, newJob(id.NewUserID()))

	claimed, err := s.ClaimNextJobs(context.Background(), 10, job.ClaimFilter{OwnerID: mine})
	if err != nil {
		t.Fatalf("ClaimNextJobs: %v", err)
	}
	if len(claimed) != 1 || claimed[0].OwnerID.String() != mine.String() {
		t.Fatalf("owner-scoped claim returned %d jobs", len(claimed))
	}
}

func TestClaimRecoversStaleRunningJob(t *testing.T) {
	s := newTestStore(t)
	owner := id.NewUserID()
	j := newJob(owner)
	mustCreate(t, s, j)

	claimed, err := s.ClaimNextJobs(context.Background(), 1, job.ClaimFilter{})
	if err != nil || len(claimed) != 1 {
		t.Fatalf("initial claim: %v (%d jobs)", err, len(claimed))
	}

	// Backdate the claim so it looks abandoned.
	stale := toMillis(time.Now().UTC().Add(-10 * time.Minute))
	if _, err := s.db.Exec(`UPDATE uplink_jobs SET started_at = ? WHERE id = ?`, stale, j.ID.String()); err != nil {
		t.Fatalf("backdate: %v", err)
	}

	claimed, err = s.ClaimNextJobs(context.Background(), 1, job.ClaimFilter{})
	if err != nil {
		t.Fatalf("ClaimNextJobs: %v", err)
	}
	if len(claimed) != 0 {
		t.Fatal("running job must not be reclaimed without a stale window")
	}

	claimed, err = s.ClaimNextJobs(context.Background(), 1, job.ClaimFilter{StaleAfter: 5 * time.Minute})
	if err != nil {
		t.Fatalf("ClaimNextJobs: %v", err)
	}
	if len(claimed) != 1 {
		t.Fatal("stale running job should be reclaimed")
	}
	if claimed[0].AttemptCount != 2 {
		t.Fatalf("attempt count = %d, want 2", claimed[0].AttemptCount)
	}
}

func TestClaimFailsExhaustedJob(t *testing.T) {
	s := newTestStore(t)
	owner := id.NewUserID()

	j := newJob(owner)
	j.MaxRetries = 1
	j.AttemptCount = 1
	mustCreate(t, s, j)

	claimed, err := s.ClaimNextJobs(context.Background(), 10, job.ClaimFilter{})
	if err != nil {
		t.Fatalf("ClaimNextJobs: %v", err)
	}
	if len(claimed) != 0 {
		t.Fatalf("claimed %d exhausted jobs, want 0", len(claimed))
	}

	got, err := s.GetJob(context.Background(), j.ID)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if got.Status != job.StatusFailed {
		t.Fatalf("status = %s, want failed", got.Status)
	}
	if got.LastError != "Retry limit reached" {
		t.Fatalf("last error = %q", got.LastError)
	}
}

func TestMarkSucceeded(t *testing.T) {
	s := newTestStore(t)
	owner := id.NewUserID()
	j := newJob(owner)
	mustCreate(t, s, j)

	claimed, err := s.ClaimNextJobs(context.Background(), 1, job.ClaimFilter{})
	if err != nil || len(claimed) != 1 {
		t.Fatalf("claim: %v (%d jobs)", err, len(claimed))
	}

	att := &job.UploadAttempt{
		ID:             id.NewAttemptID(),
		JobID:          j.ID,
		Number:         1,
		Succeeded:      true,
		ProviderPostID: "p1",
		StartedAt:      time.Now().UTC(),
		FinishedAt:     time.Now().UTC(),
	}
	if err := s.MarkSucceeded(context.Background(), j.ID, "p1", att); err != nil {
		t.Fatalf("MarkSucceeded: %v", err)
	}

	got, err := s.GetJob(context.Background(), j.ID)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if got.Status != job.StatusSucceeded || got.ProviderPostID != "p1" {
		t.Fatalf("unexpected job after success: %+v", got)
	}
	if got.CompletedAt == nil {
		t.Fatal("CompletedAt should be set")
	}

	attempts, err := s.ListAttempts(context.Background(), j.ID)
	if err != nil {
		t.Fatalf("ListAttempts: %v", err)
	}
	if len(attempts) != 1 || !attempts[0].Succeeded || attempts[0].ProviderPostID != "p1" {
		t.Fatalf("unexpected attempts: %+v", attempts)
	}
}

func TestMarkRetrying(t *testing.T) {
	s := newTestStore(t)
	owner := id.NewUserID()
	j := newJob(owner)
	mustCreate(t, s, j)

	if _, err := s.ClaimNextJobs(context.Background(), 1, job.ClaimFilter{}); err != nil {
		t.Fatalf("claim: %v", err)
	}

	next := time.Now().UTC().Add(2 * time.Second)
	att := &job.UploadAttempt{
		ID:           id.NewAttemptID(),
		JobID:        j.ID,
		Number:       1,
		Retryable:    true,
		ErrorMessage: "server error",
		StartedAt:    time.Now().UTC(),
		FinishedAt:   time.Now().UTC(),
	}
	if err := s.MarkRetrying(context.Background(), j.ID, "server error", next, att); err != nil {
		t.Fatalf("MarkRetrying: %v", err)
	}

	got, err := s.GetJob(context.Background(), j.ID)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if got.Status != job.StatusQueued {
		t.Fatalf("status = %s, want queued", got.Status)
	}
	if got.StartedAt != nil {
		t.Fatal("StartedAt should be cleared for the next claim")
	}
	if got.NextAttemptAt == nil || got.NextAttemptAt.Before(time.Now().UTC()) {
		t.Fatalf("NextAttemptAt = %v, want in the future", got.NextAttemptAt)
	}
	if got.LastError != "server error" {
		t.Fatalf("last error = %q", got.LastError)
	}
}

func TestCancelJob(t *testing.T) {
	s := newTestStore(t)
	owner := id.NewUserID()
	j := newJob(owner)
	mustCreate(t, s, j)

	canceled, err := s.CancelJob(context.Background(), j.ID)
	if err != nil {
		t.Fatalf("CancelJob: %v", err)
	}
	if canceled.Status != job.StatusCanceled || canceled.CompletedAt == nil {
		t.Fatalf("unexpected job after cancel: %+v", canceled)
	}

	if _, err := s.CancelJob(context.Background(), j.ID); !errors.Is(err, uplink.ErrInvalidState) {
		t.Fatalf("err = %v, want ErrInvalidState", err)
	}
	if _, err := s.CancelJob(context.Background(), id.NewJobID()); !errors.Is(err, uplink.ErrJobNotFound) {
		t.Fatalf("err = %v, want ErrJobNotFound", err)
	}
}

func TestListJobsFiltering(t *testing.T) {
	s := newTestStore(t)
	owner := id.NewUserID()

	b := &job.UploadBatch{ID: id.NewBatchID(), OwnerID: owner}
	if err := s.CreateBatch(context.Background(), b); err != nil {
		t.Fatalf("CreateBatch: %v", err)
	}

	inBatch := newJob(owner)
	inBatch.BatchID = b.ID
	mustCreate(t, s, inBatch)
	mustCreate(t, s, newJob(owner))
	mustCreate(t, s, newJob(id.NewUserID()))

	jobs, err := s.ListJobs(context.Background(), job.ListOpts{OwnerID: owner})
	if err != nil {
		t.Fatalf("ListJobs: %v", err)
	}
	if len(jobs) != 2 {
		t.Fatalf("owner filter returned %d jobs, want 2", len(jobs))
	}

	jobs, err = s.ListJobs(context.Background(), job.ListOpts{BatchID: b.ID})
	if err != nil {
		t.Fatalf("ListJobs: %v", err)
	}
	if len(jobs) != 1 || jobs[0].ID.String() != inBatch.ID.String() {
		t.Fatalf("batch filter returned %d jobs", len(jobs))
	}

	jobs, err = s.ListJobs(context.Background(), job.ListOpts{Status: job.StatusQueued, Limit: 2})
	if err != nil {
		t.Fatalf("ListJobs: %v", err)
	}
	if len(jobs) != 2 {
		t.Fatalf("limit returned %d jobs, want 2", len(jobs))
	}
}

func TestBatchLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	owner := id.NewUserID()

	b := &job.UploadBatch{ID: id.NewBatchID(), OwnerID: owner, Name: "launch"}
	if err := s.CreateBatch(ctx, b); err != nil {
		t.Fatalf("CreateBatch: %v", err)
	}
	if err := s.CreateBatch(ctx, b); !errors.Is(err, uplink.ErrBatchAlreadyExists) {
		t.Fatalf("err = %v, want ErrBatchAlreadyExists", err)
	}

	j1 := newJob(owner)
	j1.BatchID = b.ID
	mustCreate(t, s, j1)
	j2 := newJob(owner)
	j2.BatchID = b.ID
	mustCreate(t, s, j2)

	got, err := s.RecalcBatch(ctx, b.ID)
	if err != nil {
		t.Fatalf("RecalcBatch: %v", err)
	}
	if got.Status != job.BatchQueued || got.TotalJobs != 2 || got.QueuedJobs != 2 {
		t.Fatalf("unexpected rollup: %+v", got)
	}

	if _, err := s.ClaimNextJobs(ctx, 10, job.ClaimFilter{}); err != nil {
		t.Fatalf("claim: %v", err)
	}
	got, err = s.RecalcBatch(ctx, b.ID)
	if err != nil {
		t.Fatalf("RecalcBatch: %v", err)
	}
	if got.Status != job.BatchRunning || got.RunningJobs != 2 {
		t.Fatalf("unexpected rollup: %+v", got)
	}

	if err := s.MarkSucceeded(ctx, j1.ID, "p1", nil); err != nil {
		t.Fatalf("MarkSucceeded: %v", err)
	}
	if err := s.MarkFailed(ctx, j2.ID, "bad request", nil); err != nil {
		t.Fatalf("MarkFailed: %v", err)
	}
	got, err = s.RecalcBatch(ctx, b.ID)
	if err != nil {
		t.Fatalf("RecalcBatch: %v", err)
	}
	if got.Status != job.BatchFailed || got.SucceededJobs != 1 || got.FailedJobs != 1 {
		t.Fatalf("unexpected rollup: %+v", got)
	}
}

func TestAccounts(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	a := &job.Account{
		ID:       id.NewAccountID(),
		OwnerID:  id.NewUserID(),
		Provider: "tiktok",
		Handle:   "@creator",
	}
	if err := s.PutAccount(ctx, a); err != nil {
		t.Fatalf("PutAccount: %v", err)
	}

	a.Handle = "@renamed"
	if err := s.PutAccount(ctx, a); err != nil {
		t.Fatalf("PutAccount upsert: %v", err)
	}

	got, err := s.GetAccount(ctx, a.ID)
	if err != nil {
		t.Fatalf("GetAccount: %v", err)
	}
	if got.Handle != "@renamed" {
		t.Fatalf("handle = %q, want @renamed", got.Handle)
	}

	if _, err := s.GetAccount(ctx, id.NewAccountID()); !errors.Is(err, uplink.ErrAccountNotFound) {
		t.Fatalf("err = %v, want ErrAccountNotFound", err)
	}
}

func TestQueueControl(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	owner := id.NewUserID()

	qc, err := s.GetQueueControl(ctx, owner)
	if err != nil {
		t.Fatalf("GetQueueControl: %v", err)
	}
	if qc.Paused || qc.DispatchMode != control.ModeDueOnly {
		t.Fatalf("unexpected defaults: %+v", qc)
	}

	paused := true
	qc, err = s.UpdateQueueControl(ctx, owner, control.Patch{Paused: &paused})
	if err != nil {
		t.Fatalf("UpdateQueueControl: %v", err)
	}
	if !qc.Paused || qc.DispatchMode != control.ModeDueOnly {
		t.Fatalf("partial patch clobbered fields: %+v", qc)
	}

	mode := control.ModeAllQueued
	qc, err = s.UpdateQueueControl(ctx, owner, control.Patch{DispatchMode: &mode})
	if err != nil {
		t.Fatalf("UpdateQueueControl: %v", err)
	}
	if !qc.Paused || qc.DispatchMode != control.ModeAllQueued {
		t.Fatalf("partial patch clobbered fields: %+v", qc)
	}

	garbage := control.DispatchMode("bogus")
	qc, err = s.UpdateQueueControl(ctx, owner, control.Patch{DispatchMode: &garbage})
	if err != nil {
		t.Fatalf("UpdateQueueControl: %v", err)
	}
	if qc.DispatchMode != control.ModeDueOnly {
		t.Fatalf("mode = %s, want normalized due_only", qc.DispatchMode)
	}
}
