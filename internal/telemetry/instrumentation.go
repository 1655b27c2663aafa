package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Traced runs fn in a span named name and marks the span failed when fn
// returns an error.
func (t *Telemetry) Traced(ctx context.Context, name string, fn func(context.Context) error, attrs ...attribute.KeyValue) error {
	ctx, span := t.Tracer().Start(ctx, name, trace.WithAttributes(attrs...))
	defer span.End()

	err := fn(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}

	return err
}

// TracedStoreOperation traces one metadata store call and records its
// outcome and latency.
func (t *Telemetry) TracedStoreOperation(ctx context.Context, operation string, fn func(context.Context) error) error {
	start := time.Now()

	err := t.Traced(ctx, "store."+operation, fn, attribute.String("store.operation", operation))

	status := "success"
	if err != nil {
		status = "error"
	}

	t.RecordStoreOperation(ctx, operation, status, time.Since(start))

	return err
}
