package otel

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/dativo-io/privypress/internal/otel"

// RequestMiddleware returns a chi middleware that starts one span per
// request, so upload stages appear as its children. Once routing is done the
// span is renamed to "METHOD /route" and gets the status, the response size
// and, for /jobs/{id} routes, the job id. Each request is also counted.
func RequestMiddleware() func(next http.Handler) http.Handler {
	tr := Tracer(tracerName)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx, span := tr.Start(r.Context(), "http.request",
				trace.WithSpanKind(trace.SpanKindServer),
				trace.WithAttributes(
					attribute.String("http.request.method", r.Method),
					attribute.String("url.path", r.URL.Path),
				))
			defer span.End()

			rec := &responseRecorder{ResponseWriter: w, status: http.StatusOK}
			r = r.WithContext(ctx)
			next.ServeHTTP(rec, r)

			route, jobID := routeInfo(r)
			span.SetName(r.Method + " " + route)
			span.SetAttributes(
				attribute.String("http.route", route),
				attribute.Int("http.response.status_code", rec.status),
				attribute.Int64("http.response.body.size", rec.bytes),
			)
			if jobID != "" {
				span.SetAttributes(JobID.String(jobID))
			}
			if rec.status >= 500 {
				span.SetStatus(codes.Error, http.StatusText(rec.status))
			}
			RecordRequest(ctx, r.Method, route, rec.status)
		})
	}
}

type responseRecorder struct {
	http.ResponseWriter
	status      int
	bytes       int64
	wroteHeader bool
}

func (rr *responseRecorder) WriteHeader(code int) {
	if !rr.wroteHeader {
		rr.status = code
		rr.wroteHeader = true
	}
	rr.ResponseWriter.WriteHeader(code)
}

func (rr *responseRecorder) Write(b []byte) (int, error) {
	rr.wroteHeader = true
	n, err := rr.ResponseWriter.Write(b)
	rr.bytes += int64(n)
	return n, err
}

// routeInfo returns the chi route pattern (e.g. "/jobs/{id}") and the id
// URL parameter. chi fills both while routing, so call it afterwards.
// Unmatched requests report their raw path.
func routeInfo(r *http.Request) (route, jobID string) {
	rctx := chi.RouteContext(r.Context())
	if rctx == nil || rctx.RoutePattern() == "" {
		return r.URL.Path, ""
	}
	return rctx.RoutePattern(), rctx.URLParam("id")
}

// statusClass buckets a status code for metric attributes ("2xx", "4xx"...).
func statusClass(code int) string {
	return strconv.Itoa(code/100) + "xx"
}
