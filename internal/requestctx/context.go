// Package requestctx provides request-scoped values set by middleware and
// the pipeline: the authenticated caller and the job being processed.
package requestctx

import "context"

type contextKey struct{ name string }

var (
	callerKey = &contextKey{"caller"}
	jobIDKey  = &contextKey{"job_id"}
)

// SetCaller stores the authenticated caller label in the context.
func SetCaller(ctx context.Context, caller string) context.Context {
	return context.WithValue(ctx, callerKey, caller)
}

// Caller returns the caller label from context, or "" if not set.
func Caller(ctx context.Context) string {
	v, _ := ctx.Value(callerKey).(string)
	return v
}

// SetJobID stores the id of the job being processed.
func SetJobID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, jobIDKey, id)
}

// JobID returns the job id from context, or "" if not set.
func JobID(ctx context.Context) string {
	v, _ := ctx.Value(jobIDKey).(string)
	return v
}
