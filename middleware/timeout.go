package middleware

import (
	"context"
	"time"

	"github.com/postflux/uplink/job"
)

// Timeout returns middleware that enforces a per-upload deadline.
// When the deadline is exceeded the context is cancelled and the
// adapter should return context.DeadlineExceeded. A zero duration
// disables the deadline.
func Timeout(d time.Duration) Middleware {
	return func(ctx context.Context, _ *job.UploadJob, next Handler) error {
		if d > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, d)
			defer cancel()
		}
		return next(ctx)
	}
}
