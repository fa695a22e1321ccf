// Package notify delivers terminal-failure notifications. Delivery is
// best-effort: the dispatcher logs notifier errors and never lets them
// escalate into a job's state.
package notify

import (
	"context"

	"github.com/postflux/uplink/job"
)

// Notifier is told once about every job that fails terminally.
type Notifier interface {
	// NotifyFailure reports a terminally failed job and the reason.
	NotifyFailure(ctx context.Context, j *job.UploadJob, reason string) error
}

// Nop is a Notifier that does nothing. It is the default when no
// notifier is configured.
type Nop struct{}

// NotifyFailure discards the notification.
func (Nop) NotifyFailure(context.Context, *job.UploadJob, string) error { return nil }

// Func adapts a function to the Notifier interface.
type Func func(ctx context.Context, j *job.UploadJob, reason string) error

// NotifyFailure calls f.
func (f Func) NotifyFailure(ctx context.Context, j *job.UploadJob, reason string) error {
	return f(ctx, j, reason)
}
