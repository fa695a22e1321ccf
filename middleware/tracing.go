package middleware

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/postflux/uplink/job"
)

// tracerName is the instrumentation scope name for uplink tracing.
const tracerName = "github.com/postflux/uplink"

// Tracing returns middleware that wraps upload execution in an
// OpenTelemetry span. If no TracerProvider is configured globally, the
// default noop tracer is used and this middleware becomes a
// pass-through with zero overhead.
//
// Span attributes include: uplink.job.id, uplink.provider,
// uplink.account_id, uplink.post_type, uplink.attempt.
// On error, the span status is set to codes.Error with the error message.
func Tracing() Middleware {
	tracer := otel.Tracer(tracerName)
	return TracingWithTracer(tracer)
}

// TracingWithTracer returns tracing middleware using the provided
// tracer. This variant allows injecting a specific TracerProvider for
// testing or when multiple providers are in use.
func TracingWithTracer(tracer trace.Tracer) Middleware {
	return func(ctx context.Context, j *job.UploadJob, next Handler) error {
		ctx, span := tracer.Start(ctx, "uplink.upload.execute",
			trace.WithAttributes(
				attribute.String("uplink.job.id", j.ID.String()),
				attribute.String("uplink.provider", j.Provider),
				attribute.String("uplink.account_id", j.AccountID.String()),
				attribute.String("uplink.post_type", string(j.PostType)),
				attribute.Int("uplink.attempt", j.AttemptCount),
			),
			trace.WithSpanKind(trace.SpanKindClient),
		)
		defer span.End()

		err := next(ctx)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		} else {
			span.SetStatus(codes.Ok, "")
		}

		return err
	}
}
