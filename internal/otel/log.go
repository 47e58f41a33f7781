package otel

import (
	"context"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/trace"

	"github.com/dativo-io/privypress/internal/requestctx"
)

// TraceContextFrom returns trace_id and span_id from the span in ctx, if any.
func TraceContextFrom(ctx context.Context) (traceID, spanID string) {
	sc := trace.SpanFromContext(ctx).SpanContext()
	if !sc.IsValid() {
		return "", ""
	}
	return sc.TraceID().String(), sc.SpanID().String()
}

// LogFields returns a zerolog hook adding the job id and caller carried by
// ctx, plus trace_id and span_id when a span is recording. Absent values
// are omitted:
//
//	log.Warn().Err(err).Func(otel.LogFields(ctx)).Msg("policy_evaluation_failed")
func LogFields(ctx context.Context) func(e *zerolog.Event) {
	return func(e *zerolog.Event) {
		if id := requestctx.JobID(ctx); id != "" {
			e.Str("job_id", id)
		}
		if caller := requestctx.Caller(ctx); caller != "" {
			e.Str("caller", caller)
		}
		if traceID, spanID := TraceContextFrom(ctx); traceID != "" {
			e.Str("trace_id", traceID).Str("span_id", spanID)
		}
	}
}
