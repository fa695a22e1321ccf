package engine

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/postflux/uplink"
	"github.com/postflux/uplink/backoff"
	"github.com/postflux/uplink/control"
	"github.com/postflux/uplink/id"
	"github.com/postflux/uplink/job"
	"github.com/postflux/uplink/provider"
	"github.com/postflux/uplink/store/memory"
)

type stubAdapter struct {
	calls  atomic.Int64
	result *provider.Result
	err    error
}

func (a *stubAdapter) Upload(_ context.Context, _ *job.UploadJob, _ *job.Account, _ []*job.UploadAsset) (*provider.Result, error) {
	a.calls.Add(1)
	if a.err != nil {
		return nil, a.err
	}
	return a.result, nil
}

func (a *stubAdapter) NormalizeError(err error) *provider.Error {
	return &provider.Error{Message: err.Error(), Retryable: false}
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestEngine(t *testing.T, adapter provider.Adapter, opts ...Option) (*Engine, *memory.Store) {
	t.Helper()
	s := memory.New()
	all := append([]Option{
		WithLogger(testLogger()),
		WithAdapter("tiktok", adapter),
	}, opts...)
	e, err := New(s, all...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return e, s
}

func seedAccount(t *testing.T, s *memory.Store, owner id.UserID) *job.Account {
	t.Helper()
	a := &job.Account{
		ID:       id.NewAccountID(),
		OwnerID:  owner,
		Provider: "tiktok",
		Handle:   "@creator",
	}
	if err := s.PutAccount(context.Background(), a); err != nil {
		t.Fatalf("PutAccount: %v", err)
	}
	return a
}

func videoInput(owner id.UserID, accountID id.AccountID) CreateJobInput {
	return CreateJobInput{
		OwnerID:   owner,
		AccountID: accountID,
		Mode:      job.ModeDraft,
		PostType:  job.PostTypeVideo,
		Caption:   "caption",
		Assets: []AssetInput{
			{Kind: job.AssetVideo, ContentHash: "h1"},
		},
	}
}

func TestNewRequiresStore(t *testing.T) {
	if _, err := New(nil); !errors.Is(err, uplink.ErrNoStore) {
		t.Fatalf("err = %v, want ErrNoStore", err)
	}
}

func TestNewInvalidCronSchedule(t *testing.T) {
	if _, err := New(memory.New(), WithCronSchedule("not a schedule")); err == nil {
		t.Fatal("expected error for invalid cron expression")
	}
}

func TestCreateJobValidation(t *testing.T) {
	owner := id.NewUserID()
	e, s := newTestEngine(t, &stubAdapter{})
	account := seedAccount(t, s, owner)

	cases := []struct {
		name   string
		mutate func(*CreateJobInput)
	}{
		{"unknown mode", func(in *CreateJobInput) { in.Mode = "publishy" }},
		{"unknown post type", func(in *CreateJobInput) { in.PostType = "story" }},
		{"video with no assets", func(in *CreateJobInput) { in.Assets = nil }},
		{"video with two assets", func(in *CreateJobInput) {
			in.Assets = append(in.Assets, AssetInput{Kind: job.AssetVideo, ContentHash: "h2"})
		}},
		{"video with image asset", func(in *CreateJobInput) {
			in.Assets = []AssetInput{{Kind: job.AssetImage, ContentHash: "h1"}}
		}},
		{"slideshow below minimum", func(in *CreateJobInput) {
			in.PostType = job.PostTypeSlideshow
			in.Assets = []AssetInput{{Kind: job.AssetImage, ContentHash: "h1"}}
		}},
		{"slideshow with video asset", func(in *CreateJobInput) {
			in.PostType = job.PostTypeSlideshow
			in.Assets = []AssetInput{
				{Kind: job.AssetImage, ContentHash: "h1"},
				{Kind: job.AssetVideo, ContentHash: "h2"},
			}
		}},
		{"missing content hash", func(in *CreateJobInput) {
			in.Assets = []AssetInput{{Kind: job.AssetVideo}}
		}},
		{"missing owner", func(in *CreateJobInput) { in.OwnerID = id.Nil }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			in := videoInput(owner, account.ID)
			tc.mutate(&in)
			if _, _, err := e.CreateJob(context.Background(), in); !errors.Is(err, uplink.ErrInvalidInput) {
				t.Fatalf("err = %v, want ErrInvalidInput", err)
			}
		})
	}
}

func TestCreateJobSlideshowBounds(t *testing.T) {
	owner := id.NewUserID()
	e, s := newTestEngine(t, &stubAdapter{})
	account := seedAccount(t, s, owner)

	assets := make([]AssetInput, job.MaxSlideshowAssets+1)
	for i := range assets {
		assets[i] = AssetInput{Kind: job.AssetImage, ContentHash: "h", SortOrder: i}
	}

	in := videoInput(owner, account.ID)
	in.PostType = job.PostTypeSlideshow
	in.Assets = assets
	if _, _, err := e.CreateJob(context.Background(), in); !errors.Is(err, uplink.ErrInvalidInput) {
		t.Fatalf("err = %v, want ErrInvalidInput above the asset ceiling", err)
	}

	in.Assets = assets[:job.MaxSlideshowAssets]
	if _, _, err := e.CreateJob(context.Background(), in); err != nil {
		t.Fatalf("CreateJob at the asset ceiling: %v", err)
	}
}

func TestCreateJobUnknownAccount(t *testing.T) {
	e, _ := newTestEngine(t, &stubAdapter{})
	in := videoInput(id.NewUserID(), id.NewAccountID())
	if _, _, err := e.CreateJob(context.Background(), in); !errors.Is(err, uplink.ErrAccountNotFound) {
		t.Fatalf("err = %v, want ErrAccountNotFound", err)
	}
}

func TestCreateJobFreezesMaxRetries(t *testing.T) {
	owner := id.NewUserID()
	e, s := newTestEngine(t, &stubAdapter{},
		WithRetryPolicy("tiktok", backoff.Policy{MaxRetries: 5, BaseDelay: time.Second}),
	)
	account := seedAccount(t, s, owner)

	created, _, err := e.CreateJob(context.Background(), videoInput(owner, account.ID))
	if err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	if created.MaxRetries != 5 {
		t.Fatalf("MaxRetries = %d, want 5 from the provider policy", created.MaxRetries)
	}
	if created.Provider != "tiktok" {
		t.Fatalf("provider = %q, want account's tiktok", created.Provider)
	}
}

func TestCreateJobDedup(t *testing.T) {
	owner := id.NewUserID()
	e, s := newTestEngine(t, &stubAdapter{})
	account := seedAccount(t, s, owner)
	in := videoInput(owner, account.ID)

	first, dup, err := e.CreateJob(context.Background(), in)
	if err != nil || dup {
		t.Fatalf("first CreateJob: %v (dup=%v)", err, dup)
	}

	second, dup, err := e.CreateJob(context.Background(), in)
	if err != nil {
		t.Fatalf("second CreateJob: %v", err)
	}
	if !dup {
		t.Fatal("identical resubmission should dedup")
	}
	if second.ID.String() != first.ID.String() {
		t.Fatalf("dedup returned %s, want %s", second.ID, first.ID)
	}

	// A caption edit is a different logical post.
	edited := in
	edited.Caption = "new caption"
	third, dup, err := e.CreateJob(context.Background(), edited)
	if err != nil {
		t.Fatalf("edited CreateJob: %v", err)
	}
	if dup || third.ID.String() == first.ID.String() {
		t.Fatal("caption change must produce a new job")
	}
}

func TestDraftVideoEndToEnd(t *testing.T) {
	owner := id.NewUserID()
	adapter := &stubAdapter{result: &provider.Result{ExternalPostID: "p1"}}
	e, s := newTestEngine(t, adapter)
	account := seedAccount(t, s, owner)
	ctx := context.Background()

	batch, err := e.CreateBatch(ctx, owner, "launch")
	if err != nil {
		t.Fatalf("CreateBatch: %v", err)
	}

	in := videoInput(owner, account.ID)
	in.BatchID = batch.ID
	created, _, err := e.CreateJob(ctx, in)
	if err != nil {
		t.Fatalf("CreateJob: %v", err)
	}

	res, err := e.RunDispatch(ctx, DispatchRequest{OwnerID: owner})
	if err != nil {
		t.Fatalf("RunDispatch: %v", err)
	}
	if res.Processed != 1 {
		t.Fatalf("processed = %d, want 1", res.Processed)
	}
	if adapter.calls.Load() != 1 {
		t.Fatalf("adapter calls = %d, want 1", adapter.calls.Load())
	}

	got, err := e.GetJob(ctx, created.ID)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if got.Status != job.StatusSucceeded {
		t.Fatalf("status = %s, want succeeded", got.Status)
	}
	if got.ProviderPostID != "p1" {
		t.Fatalf("provider post id = %q, want p1", got.ProviderPostID)
	}

	attempts, err := e.ListAttempts(ctx, created.ID)
	if err != nil {
		t.Fatalf("ListAttempts: %v", err)
	}
	if len(attempts) != 1 || !attempts[0].Succeeded {
		t.Fatalf("unexpected attempts: %+v", attempts)
	}

	gotBatch, err := e.GetBatch(ctx, batch.ID)
	if err != nil {
		t.Fatalf("GetBatch: %v", err)
	}
	if gotBatch.Status != job.BatchSucceeded || gotBatch.SucceededJobs != 1 {
		t.Fatalf("unexpected batch: %+v", gotBatch)
	}
}

func TestRunDispatchAllQueuedMode(t *testing.T) {
	owner := id.NewUserID()
	adapter := &stubAdapter{result: &provider.Result{}}
	e, s := newTestEngine(t, adapter)
	account := seedAccount(t, s, owner)
	ctx := context.Background()

	in := videoInput(owner, account.ID)
	future := time.Now().UTC().Add(time.Hour)
	in.ScheduledAt = &future
	if _, _, err := e.CreateJob(ctx, in); err != nil {
		t.Fatalf("CreateJob: %v", err)
	}

	res, err := e.RunDispatch(ctx, DispatchRequest{OwnerID: owner})
	if err != nil {
		t.Fatalf("RunDispatch: %v", err)
	}
	if res.Processed != 0 {
		t.Fatalf("due-only pass processed %d, want 0", res.Processed)
	}

	res, err = e.RunDispatch(ctx, DispatchRequest{OwnerID: owner, Mode: control.ModeAllQueued})
	if err != nil {
		t.Fatalf("RunDispatch: %v", err)
	}
	if res.Processed != 1 {
		t.Fatalf("all_queued pass processed %d, want 1", res.Processed)
	}
}

func TestRunDispatchPausedQueue(t *testing.T) {
	owner := id.NewUserID()
	adapter := &stubAdapter{result: &provider.Result{}}
	e, s := newTestEngine(t, adapter)
	account := seedAccount(t, s, owner)
	ctx := context.Background()

	if _, _, err := e.CreateJob(ctx, videoInput(owner, account.ID)); err != nil {
		t.Fatalf("CreateJob: %v", err)
	}

	paused := true
	if _, err := e.UpdateQueueControl(ctx, owner, control.Patch{Paused: &paused}); err != nil {
		t.Fatalf("UpdateQueueControl: %v", err)
	}

	res, err := e.RunDispatch(ctx, DispatchRequest{OwnerID: owner})
	if err != nil {
		t.Fatalf("RunDispatch: %v", err)
	}
	if res.Processed != 0 {
		t.Fatalf("paused pass processed %d, want 0", res.Processed)
	}

	res, err = e.RunDispatch(ctx, DispatchRequest{OwnerID: owner, ForcePaused: true})
	if err != nil {
		t.Fatalf("RunDispatch: %v", err)
	}
	if res.Processed != 1 {
		t.Fatalf("forced pass processed %d, want 1", res.Processed)
	}
}

func TestCancelJobRecalcsBatch(t *testing.T) {
	owner := id.NewUserID()
	e, s := newTestEngine(t, &stubAdapter{})
	account := seedAccount(t, s, owner)
	ctx := context.Background()

	batch, err := e.CreateBatch(ctx, owner, "")
	if err != nil {
		t.Fatalf("CreateBatch: %v", err)
	}
	in := videoInput(owner, account.ID)
	in.BatchID = batch.ID
	created, _, err := e.CreateJob(ctx, in)
	if err != nil {
		t.Fatalf("CreateJob: %v", err)
	}

	canceled, err := e.CancelJob(ctx, created.ID)
	if err != nil {
		t.Fatalf("CancelJob: %v", err)
	}
	if canceled.Status != job.StatusCanceled {
		t.Fatalf("status = %s, want canceled", canceled.Status)
	}

	gotBatch, err := e.GetBatch(ctx, batch.ID)
	if err != nil {
		t.Fatalf("GetBatch: %v", err)
	}
	if gotBatch.CanceledJobs != 1 || gotBatch.QueuedJobs != 0 {
		t.Fatalf("unexpected batch after cancel: %+v", gotBatch)
	}
}

func TestQueueControlDefaults(t *testing.T) {
	e, _ := newTestEngine(t, &stubAdapter{})
	qc, err := e.QueueControl(context.Background(), id.NewUserID())
	if err != nil {
		t.Fatalf("QueueControl: %v", err)
	}
	if qc.Paused || qc.DispatchMode != control.ModeDueOnly {
		t.Fatalf("unexpected defaults: %+v", qc)
	}
}
