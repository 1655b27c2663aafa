package logctx

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel/trace"
)

// ContextHandler is an slog.Handler wrapper that injects trace_id and span_id
// from the OpenTelemetry span context, plus the download and request ids
// carried by the context.
type ContextHandler struct {
	inner slog.Handler
}

// NewContextHandler wraps h. Panics if h is nil.
func NewContextHandler(h slog.Handler) *ContextHandler {
	if h == nil {
		panic("logctx: NewContextHandler called with nil handler")
	}

	return &ContextHandler{inner: h}
}

func (h *ContextHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.inner.Enabled(ctx, level)
}

func (h *ContextHandler) Handle(ctx context.Context, r slog.Record) error {
	if spanCtx := trace.SpanContextFromContext(ctx); spanCtx.IsValid() {
		r.AddAttrs(
			slog.String("trace_id", spanCtx.TraceID().String()),
			slog.String("span_id", spanCtx.SpanID().String()),
		)
	}

	if id, ok := DownloadIDFromContext(ctx); ok {
		r.AddAttrs(slog.String("download_id", id))
	}

	if id, ok := RequestIDFromContext(ctx); ok {
		r.AddAttrs(slog.String("request_id", id))
	}

	return h.inner.Handle(ctx, r)
}

func (h *ContextHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &ContextHandler{inner: h.inner.WithAttrs(attrs)}
}

func (h *ContextHandler) WithGroup(name string) slog.Handler {
	return &ContextHandler{inner: h.inner.WithGroup(name)}
}
