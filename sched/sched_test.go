package sched

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/postflux/uplink/worker"
)

type countingDispatcher struct {
	calls atomic.Int64
	err   error
	opts  atomic.Value
}

func (d *countingDispatcher) DispatchPending(_ context.Context, opts worker.Options) (int, error) {
	d.calls.Add(1)
	d.opts.Store(opts)
	if d.err != nil {
		return 0, d.err
	}
	return 1, nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestParseSchedule(t *testing.T) {
	if _, err := ParseSchedule("@every 30s"); err != nil {
		t.Fatalf("ParseSchedule descriptor: %v", err)
	}
	if _, err := ParseSchedule("*/5 * * * *"); err != nil {
		t.Fatalf("ParseSchedule cron: %v", err)
	}
	if _, err := ParseSchedule("not a schedule"); err == nil {
		t.Fatal("ParseSchedule should reject garbage")
	}
}

func TestNewSchedulerInvalidExpression(t *testing.T) {
	if _, err := NewScheduler(&countingDispatcher{}, "bogus", testLogger()); err == nil {
		t.Fatal("NewScheduler should reject an invalid expression")
	}
}

func TestSchedulerFires(t *testing.T) {
	d := &countingDispatcher{}
	s, err := NewScheduler(d, "@every 10ms", testLogger())
	if err != nil {
		t.Fatalf("NewScheduler: %v", err)
	}

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for d.calls.Load() < 2 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}

	if err := s.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if d.calls.Load() < 2 {
		t.Fatalf("dispatcher fired %d times, want at least 2", d.calls.Load())
	}
}

func TestSchedulerStopsFiring(t *testing.T) {
	d := &countingDispatcher{}
	s, err := NewScheduler(d, "@every 10ms", testLogger())
	if err != nil {
		t.Fatalf("NewScheduler: %v", err)
	}

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	time.Sleep(30 * time.Millisecond)
	if err := s.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	before := d.calls.Load()
	time.Sleep(50 * time.Millisecond)
	if after := d.calls.Load(); after != before {
		t.Fatalf("dispatcher fired after Stop: %d -> %d", before, after)
	}
}

func TestSchedulerPassesDispatchOptions(t *testing.T) {
	d := &countingDispatcher{}
	s, err := NewScheduler(d, "@every 10ms", testLogger(),
		WithDispatchOptions(worker.Options{IgnoreSchedule: true}),
	)
	if err != nil {
		t.Fatalf("NewScheduler: %v", err)
	}

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for d.calls.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if err := s.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	got, ok := d.opts.Load().(worker.Options)
	if !ok {
		t.Fatal("dispatcher never received options")
	}
	if !got.IgnoreSchedule {
		t.Fatal("IgnoreSchedule option was not forwarded")
	}
}

func TestSchedulerSurvivesDispatchError(t *testing.T) {
	d := &countingDispatcher{err: errors.New("store offline")}
	s, err := NewScheduler(d, "@every 10ms", testLogger())
	if err != nil {
		t.Fatalf("NewScheduler: %v", err)
	}

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for d.calls.Load() < 2 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if err := s.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if d.calls.Load() < 2 {
		t.Fatalf("scheduler should keep firing after errors, fired %d times", d.calls.Load())
	}
}

func TestSchedulerRestarts(t *testing.T) {
	d := &countingDispatcher{}
	s, err := NewScheduler(d, "@every 10ms", testLogger())
	if err != nil {
		t.Fatalf("NewScheduler: %v", err)
	}

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for d.calls.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if err := s.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	before := d.calls.Load()
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("second Start: %v", err)
	}
	deadline = time.Now().Add(2 * time.Second)
	for d.calls.Load() == before && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if err := s.Stop(context.Background()); err != nil {
		t.Fatalf("second Stop: %v", err)
	}
	if d.calls.Load() == before {
		t.Fatal("scheduler did not fire after restart")
	}
}

func TestSchedulerStartIdempotent(t *testing.T) {
	d := &countingDispatcher{}
	s, err := NewScheduler(d, "@every 1h", testLogger())
	if err != nil {
		t.Fatalf("NewScheduler: %v", err)
	}

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("second Start: %v", err)
	}
	if err := s.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if err := s.Stop(context.Background()); err != nil {
		t.Fatalf("second Stop: %v", err)
	}
}
