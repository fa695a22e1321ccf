// Package sched triggers dispatch passes on a cron schedule. A deployed
// dispatcher typically runs one Scheduler per process with a short
// "@every" descriptor; external triggers (an API call, a CLI command)
// can still run passes directly through the engine.
package sched

import (
	"context"
	"log/slog"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"

	"github.com/postflux/uplink/worker"
)

// Dispatcher runs one dispatch pass. *worker.Runner satisfies this.
type Dispatcher interface {
	DispatchPending(ctx context.Context, opts worker.Options) (int, error)
}

// cronParser supports standard 5-field cron and descriptors like "@every 30s".
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow | cronlib.Descriptor,
)

// ParseSchedule parses a cron expression and returns the schedule.
func ParseSchedule(expr string) (cronlib.Schedule, error) {
	return cronParser.Parse(expr)
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithPassTimeout bounds the duration of a single dispatch pass.
// A zero value leaves passes unbounded.
func WithPassTimeout(d time.Duration) Option {
	return func(s *Scheduler) { s.passTimeout = d }
}

// WithDispatchOptions sets the options applied to every scheduled pass.
func WithDispatchOptions(opts worker.Options) Option {
	return func(s *Scheduler) { s.dispatchOpts = opts }
}

// Scheduler fires dispatch passes whenever its cron schedule comes due.
// Passes never overlap: a pass still running when the next fire time
// arrives delays the following pass.
type Scheduler struct {
	dispatcher   Dispatcher
	schedule     cronlib.Schedule
	expr         string
	logger       *slog.Logger
	passTimeout  time.Duration
	dispatchOpts worker.Options

	stopCh chan struct{}
	wg     sync.WaitGroup

	mu      sync.Mutex
	running bool
}

// NewScheduler creates a Scheduler firing on the given cron expression.
func NewScheduler(dispatcher Dispatcher, expr string, logger *slog.Logger, opts ...Option) (*Scheduler, error) {
	schedule, err := ParseSchedule(expr)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	s := &Scheduler{
		dispatcher: dispatcher,
		schedule:   schedule,
		expr:       expr,
		logger:     logger,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Start launches the scheduling goroutine. It returns immediately.
// A stopped Scheduler can be started again.
func (s *Scheduler) Start(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return nil
	}
	s.running = true
	s.stopCh = make(chan struct{})

	s.wg.Add(1)
	go s.loop(s.stopCh)

	s.logger.Info("dispatch scheduler started", slog.String("schedule", s.expr))
	return nil
}

// Stop signals the scheduler to stop and waits for an in-flight pass to
// finish.
func (s *Scheduler) Stop(_ context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	s.mu.Unlock()

	close(s.stopCh)
	s.wg.Wait()
	s.logger.Info("dispatch scheduler stopped")
	return nil
}

func (s *Scheduler) loop(stopCh <-chan struct{}) {
	defer s.wg.Done()

	for {
		now := time.Now()
		next := s.schedule.Next(now)

		timer := time.NewTimer(next.Sub(now))
		select {
		case <-stopCh:
			timer.Stop()
			return
		case <-timer.C:
			s.runPass()
		}
	}
}

func (s *Scheduler) runPass() {
	ctx := context.Background()
	if s.passTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.passTimeout)
		defer cancel()
	}

	n, err := s.dispatcher.DispatchPending(ctx, s.dispatchOpts)
	if err != nil {
		s.logger.Error("scheduled dispatch pass error", slog.String("error", err.Error()))
		return
	}
	if n > 0 {
		s.logger.Info("scheduled dispatch pass complete", slog.Int("processed", n))
	}
}
