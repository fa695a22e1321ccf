package middleware_test

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/postflux/uplink/id"
	"github.com/postflux/uplink/job"
	"github.com/postflux/uplink/middleware"
)

func testJob() *job.UploadJob {
	return &job.UploadJob{
		ID:        id.NewJobID(),
		AccountID: id.NewAccountID(),
		Provider:  "tiktok",
		PostType:  job.PostTypeVideo,
		Status:    job.StatusRunning,
	}
}

func TestChain_Order(t *testing.T) {
	var order []string
	mk := func(name string) middleware.Middleware {
		return func(ctx context.Context, _ *job.UploadJob, next middleware.Handler) error {
			order = append(order, name+"-in")
			err := next(ctx)
			order = append(order, name+"-out")
			return err
		}
	}

	chain := middleware.Chain(mk("a"), mk("b"), mk("c"))
	err := chain(context.Background(), testJob(), func(context.Context) error {
		order = append(order, "upload")
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	want := []string{"a-in", "b-in", "c-in", "upload", "c-out", "b-out", "a-out"}
	if len(order) != len(want) {
		t.Fatalf("order = %v, want %v", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("order = %v, want %v", order, want)
		}
	}
}

func TestChain_Empty(t *testing.T) {
	chain := middleware.Chain()
	called := false
	err := chain(context.Background(), testJob(), func(context.Context) error {
		called = true
		return nil
	})
	if err != nil || !called {
		t.Errorf("empty chain: called=%v err=%v", called, err)
	}
}

func TestRecover_ConvertsPanic(t *testing.T) {
	mw := middleware.Recover(slog.Default())
	err := mw(context.Background(), testJob(), func(context.Context) error {
		panic("adapter exploded")
	})
	if err == nil {
		t.Fatal("expected error from panic, got nil")
	}
}

func TestRecover_PassesThroughErrors(t *testing.T) {
	mw := middleware.Recover(slog.Default())
	want := errors.New("plain failure")
	err := mw(context.Background(), testJob(), func(context.Context) error {
		return want
	})
	if !errors.Is(err, want) {
		t.Errorf("err = %v, want %v", err, want)
	}
}

func TestTimeout_Expires(t *testing.T) {
	mw := middleware.Timeout(10 * time.Millisecond)
	err := mw(context.Background(), testJob(), func(ctx context.Context) error {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Second):
			return nil
		}
	})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("err = %v, want DeadlineExceeded", err)
	}
}

func TestTimeout_ZeroDisablesDeadline(t *testing.T) {
	mw := middleware.Timeout(0)
	err := mw(context.Background(), testJob(), func(ctx context.Context) error {
		if _, ok := ctx.Deadline(); ok {
			t.Error("zero timeout should not set a deadline")
		}
		return nil
	})
	if err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestLogging_PassesThroughError(t *testing.T) {
	mw := middleware.Logging(slog.Default())
	want := errors.New("upload broke")
	err := mw(context.Background(), testJob(), func(context.Context) error {
		return want
	})
	if !errors.Is(err, want) {
		t.Errorf("err = %v, want %v", err, want)
	}
}
