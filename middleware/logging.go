package middleware

import (
	"context"
	"log/slog"
	"time"

	"github.com/postflux/uplink/job"
)

// Logging returns middleware that logs upload start and completion.
func Logging(logger *slog.Logger) Middleware {
	return func(ctx context.Context, j *job.UploadJob, next Handler) error {
		logger.Info("upload started",
			slog.String("job_id", j.ID.String()),
			slog.String("provider", j.Provider),
			slog.String("account_id", j.AccountID.String()),
			slog.Int("attempt", j.AttemptCount),
		)

		start := time.Now()
		err := next(ctx)
		elapsed := time.Since(start)

		if err != nil {
			logger.Error("upload failed",
				slog.String("job_id", j.ID.String()),
				slog.String("provider", j.Provider),
				slog.Duration("elapsed", elapsed),
				slog.String("error", err.Error()),
			)
		} else {
			logger.Info("upload completed",
				slog.String("job_id", j.ID.String()),
				slog.String("provider", j.Provider),
				slog.Duration("elapsed", elapsed),
			)
		}

		return err
	}
}
