package logctx

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace"
)

func newTestLogger(buf *bytes.Buffer, level slog.Level) *slog.Logger {
	return slog.New(NewContextHandler(slog.NewJSONHandler(buf, &slog.HandlerOptions{Level: level})))
}

func decode(t *testing.T, buf *bytes.Buffer) map[string]any {
	t.Helper()

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))

	return entry
}

func TestContextHandler_NoContextValues(t *testing.T) {
	var buf bytes.Buffer

	newTestLogger(&buf, slog.LevelInfo).InfoContext(context.Background(), "test message", "key", "value")

	entry := decode(t, &buf)
	assert.NotContains(t, entry, "trace_id")
	assert.NotContains(t, entry, "span_id")
	assert.NotContains(t, entry, "download_id")
	assert.NotContains(t, entry, "request_id")
	assert.Equal(t, "test message", entry["msg"])
	assert.Equal(t, "value", entry["key"])
}

func TestContextHandler_WithValidSpan(t *testing.T) {
	var buf bytes.Buffer

	traceID, err := trace.TraceIDFromHex("0102030405060708090a0b0c0d0e0f10")
	require.NoError(t, err)

	spanID, err := trace.SpanIDFromHex("0102030405060708")
	require.NoError(t, err)

	spanCtx := trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    traceID,
		SpanID:     spanID,
		TraceFlags: trace.FlagsSampled,
	})
	ctx := trace.ContextWithSpanContext(context.Background(), spanCtx)

	newTestLogger(&buf, slog.LevelInfo).InfoContext(ctx, "traced")

	entry := decode(t, &buf)
	assert.Equal(t, "0102030405060708090a0b0c0d0e0f10", entry["trace_id"])
	assert.Equal(t, "0102030405060708", entry["span_id"])
}

func TestContextHandler_WithDownloadID(t *testing.T) {
	var buf bytes.Buffer

	ctx := WithDownloadID(context.Background(), "husary_1_medium")
	newTestLogger(&buf, slog.LevelInfo).InfoContext(ctx, "admitted")

	entry := decode(t, &buf)
	assert.Equal(t, "husary_1_medium", entry["download_id"])
}

func TestContextHandler_WithRequestID(t *testing.T) {
	var buf bytes.Buffer

	ctx := WithRequestID(WithDownloadID(context.Background(), "afs_2_low"), "req-42")
	newTestLogger(&buf, slog.LevelInfo).InfoContext(ctx, "paused")

	entry := decode(t, &buf)
	assert.Equal(t, "req-42", entry["request_id"])
	assert.Equal(t, "afs_2_low", entry["download_id"])
}

func TestContextHandler_Enabled(t *testing.T) {
	h := NewContextHandler(slog.NewJSONHandler(&bytes.Buffer{}, &slog.HandlerOptions{Level: slog.LevelWarn}))

	assert.False(t, h.Enabled(context.Background(), slog.LevelInfo))
	assert.True(t, h.Enabled(context.Background(), slog.LevelError))
}

func TestContextHandler_WithAttrsAndGroup(t *testing.T) {
	var buf bytes.Buffer

	logger := newTestLogger(&buf, slog.LevelInfo).With("component", "downloader").WithGroup("req")
	logger.InfoContext(WithDownloadID(context.Background(), "x"), "grouped", "id", 7)

	entry := decode(t, &buf)
	assert.Equal(t, "downloader", entry["component"])

	group, ok := entry["req"].(map[string]any)
	require.True(t, ok)
	assert.InDelta(t, 7, group["id"], 0)
	assert.Equal(t, "x", group["download_id"])

	_, isContextHandler := logger.Handler().(*ContextHandler)
	assert.True(t, isContextHandler)
}

func TestContextHandler_NilHandler(t *testing.T) {
	assert.Panics(t, func() { NewContextHandler(nil) })
}

func TestLoggerFromContext(t *testing.T) {
	assert.Same(t, slog.Default(), LoggerFromContext(context.Background()))

	logger := slog.New(slog.NewJSONHandler(&bytes.Buffer{}, nil))
	assert.Same(t, logger, LoggerFromContext(WithLogger(context.Background(), logger)))

	_, ok := DownloadIDFromContext(context.Background())
	assert.False(t, ok)
}
