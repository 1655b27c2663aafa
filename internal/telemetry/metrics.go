package telemetry

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Attribute values on these series must stay bounded. Record ids and paths
// belong in logs.
type instruments struct {
	httpRequests     metric.Int64Counter
	httpDuration     metric.Float64Histogram
	httpInFlight     metric.Int64UpDownCounter
	transfers        metric.Int64Counter
	transfersActive  metric.Int64UpDownCounter
	transferDuration metric.Float64Histogram
	transferBytes    metric.Int64Counter
	queueDepth       metric.Int64Gauge
	freeSpace        metric.Int64Gauge
	storeOperations  metric.Int64Counter
	storeDuration    metric.Float64Histogram
}

func (in *instruments) register(m metric.Meter) error {
	var errs []error

	track := func(err error) {
		errs = append(errs, err)
	}

	var err error

	in.httpRequests, err = m.Int64Counter("http_requests_total",
		metric.WithDescription("HTTP requests served"))
	track(err)

	in.httpDuration, err = m.Float64Histogram("http_request_duration_seconds",
		metric.WithDescription("HTTP request latency"), metric.WithUnit("s"))
	track(err)

	in.httpInFlight, err = m.Int64UpDownCounter("http_requests_in_flight",
		metric.WithDescription("HTTP requests being served"))
	track(err)

	in.transfers, err = m.Int64Counter("downloads_total",
		metric.WithDescription("Downloads that reached COMPLETED or FAILED"))
	track(err)

	in.transfersActive, err = m.Int64UpDownCounter("downloads_active",
		metric.WithDescription("Transfers holding a slot"))
	track(err)

	in.transferDuration, err = m.Float64Histogram("download_duration_seconds",
		metric.WithDescription("Time from admission to completion"), metric.WithUnit("s"))
	track(err)

	in.transferBytes, err = m.Int64Counter("download_bytes_total",
		metric.WithDescription("Bytes written by completed downloads"), metric.WithUnit("By"))
	track(err)

	in.queueDepth, err = m.Int64Gauge("queue_depth",
		metric.WithDescription("Queued downloads waiting for a slot"))
	track(err)

	in.freeSpace, err = m.Int64Gauge("storage_free_bytes",
		metric.WithDescription("Free bytes on the download volume"), metric.WithUnit("By"))
	track(err)

	in.storeOperations, err = m.Int64Counter("db_operations_total",
		metric.WithDescription("Metadata store operations"))
	track(err)

	in.storeDuration, err = m.Float64Histogram("db_operation_duration_seconds",
		metric.WithDescription("Metadata store operation latency"), metric.WithUnit("s"))
	track(err)

	return errors.Join(errs...)
}

func (t *Telemetry) RecordHTTPRequest(ctx context.Context, method, route, statusClass string, took time.Duration) {
	if t == nil || t.httpRequests == nil {
		return
	}

	attrs := metric.WithAttributes(
		attribute.String("method", method),
		attribute.String("path", route),
		attribute.String("status", statusClass),
	)

	t.httpRequests.Add(ctx, 1, attrs)
	t.httpDuration.Record(ctx, took.Seconds(), attrs)
}

// TrackHTTPInFlight counts a request as in flight until the returned func runs.
func (t *Telemetry) TrackHTTPInFlight(ctx context.Context) func() {
	if t == nil || t.httpInFlight == nil {
		return func() {}
	}

	t.httpInFlight.Add(ctx, 1)

	return func() { t.httpInFlight.Add(context.WithoutCancel(ctx), -1) }
}

// RecordDownload counts a download reaching a terminal status. took and bytes
// are only recorded when positive.
func (t *Telemetry) RecordDownload(ctx context.Context, status string, took time.Duration, bytes int64) {
	if t == nil || t.transfers == nil {
		return
	}

	attrs := metric.WithAttributes(attribute.String("status", status))

	t.transfers.Add(ctx, 1, attrs)

	if took > 0 {
		t.transferDuration.Record(ctx, took.Seconds(), attrs)
	}

	if bytes > 0 {
		t.transferBytes.Add(ctx, bytes)
	}
}

func (t *Telemetry) TransferStarted(ctx context.Context) {
	if t != nil && t.transfersActive != nil {
		t.transfersActive.Add(ctx, 1)
	}
}

func (t *Telemetry) TransferStopped(ctx context.Context) {
	if t != nil && t.transfersActive != nil {
		t.transfersActive.Add(ctx, -1)
	}
}

func (t *Telemetry) RecordQueueDepth(ctx context.Context, n int) {
	if t != nil && t.queueDepth != nil {
		t.queueDepth.Record(ctx, int64(n))
	}
}

func (t *Telemetry) RecordFreeSpace(ctx context.Context, bytes int64) {
	if t != nil && t.freeSpace != nil {
		t.freeSpace.Record(ctx, bytes)
	}
}

func (t *Telemetry) RecordStoreOperation(ctx context.Context, operation, status string, took time.Duration) {
	if t == nil || t.storeOperations == nil {
		return
	}

	attrs := metric.WithAttributes(
		attribute.String("operation", operation),
		attribute.String("status", status),
	)

	t.storeOperations.Add(ctx, 1, attrs)
	t.storeDuration.Record(ctx, took.Seconds(), attrs)
}
