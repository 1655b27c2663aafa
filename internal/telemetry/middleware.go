package telemetry

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Metrics records RED metrics per route pattern, so record ids never become
// label values. The server span opened by otelhttp is renamed after the route
// once chi has matched it.
func Metrics(tel *Telemetry) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ctx := r.Context()

			defer tel.TrackHTTPInFlight(ctx)()

			rw := wrapResponseWriter(w)

			next.ServeHTTP(rw, r)

			route := routePattern(r)

			span := trace.SpanFromContext(ctx)
			span.SetName(r.Method + " " + route)
			span.SetAttributes(
				attribute.String("http.route", route),
				attribute.Int64("http.response_size", rw.bytesWritten),
			)

			if rw.status >= http.StatusInternalServerError {
				span.SetStatus(codes.Error, http.StatusText(rw.status))
			}

			tel.RecordHTTPRequest(ctx, r.Method, route, statusClass(rw.status), time.Since(start))
		})
	}
}

func routePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if pattern := rctx.RoutePattern(); pattern != "" {
			return pattern
		}
	}

	return "unmatched"
}

func statusClass(code int) string {
	if code < 100 || code > 599 {
		return "unknown"
	}

	return string(rune('0'+code/100)) + "xx"
}
