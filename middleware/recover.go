package middleware

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"

	"github.com/postflux/uplink/job"
)

// Recover returns middleware that recovers from panics in the upload
// chain. Panics are converted to errors and logged with a stack trace.
func Recover(logger *slog.Logger) Middleware {
	return func(ctx context.Context, j *job.UploadJob, next Handler) (retErr error) {
		defer func() {
			if r := recover(); r != nil {
				stack := string(debug.Stack())
				logger.Error("upload adapter panicked",
					slog.String("job_id", j.ID.String()),
					slog.String("provider", j.Provider),
					slog.Any("panic", r),
					slog.String("stack", stack),
				)
				retErr = fmt.Errorf("panic uploading job %s: %v", j.ID, r)
			}
		}()
		return next(ctx)
	}
}
