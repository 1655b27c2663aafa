package logctx

import (
	"context"
	"log/slog"
)

type contextKey string

const (
	loggerKey     contextKey = "logger"
	downloadIDKey contextKey = "download_id"
	requestIDKey  contextKey = "request_id"
)

// WithLogger returns a new context with the provided slog.Logger.
func WithLogger(ctx context.Context, logger *slog.Logger) context.Context {
	return context.WithValue(ctx, loggerKey, logger)
}

// LoggerFromContext retrieves the slog.Logger from the context, or returns slog.Default() if not found.
func LoggerFromContext(ctx context.Context) *slog.Logger {
	if l, ok := ctx.Value(loggerKey).(*slog.Logger); ok && l != nil {
		return l
	}

	return slog.Default()
}

// WithDownloadID tags the context with a download record id.
func WithDownloadID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, downloadIDKey, id)
}

// DownloadIDFromContext returns the download record id carried by ctx, if any.
func DownloadIDFromContext(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(downloadIDKey).(string)

	return id, ok && id != ""
}

// WithRequestID tags the context with the id of the API request being served.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey, id)
}

func RequestIDFromContext(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(requestIDKey).(string)

	return id, ok && id != ""
}
