package rest

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/italolelis/recitation_downloader/internal/downloader"
	"github.com/italolelis/recitation_downloader/internal/logctx"
	"github.com/italolelis/recitation_downloader/internal/storage"
	"github.com/italolelis/recitation_downloader/internal/telemetry"
)

type errorResponse struct {
	Error     string `json:"error"`
	Message   string `json:"message"`
	RequestID string `json:"requestId,omitempty"`
}

// statusFor maps the download error taxonomy onto HTTP statuses and stable codes.
func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, downloader.ErrInvalidRequest):
		return http.StatusBadRequest, "invalid_request"
	case errors.Is(err, downloader.ErrNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, downloader.ErrNotActive):
		return http.StatusConflict, "not_active"
	case errors.Is(err, downloader.ErrInvalidTransition):
		return http.StatusConflict, "invalid_transition"
	case errors.Is(err, downloader.ErrInsufficientStorage):
		return http.StatusInsufficientStorage, "insufficient_storage"
	case errors.Is(err, downloader.ErrNetworkPolicy):
		return http.StatusPreconditionFailed, "network_policy"
	case errors.Is(err, downloader.ErrClosed), errors.Is(err, storage.ErrUnavailable):
		return http.StatusServiceUnavailable, "unavailable"
	default:
		return http.StatusInternalServerError, "internal"
	}
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, code := statusFor(err)

	if status >= http.StatusInternalServerError {
		logctx.LoggerFromContext(r.Context()).Error("request failed", "err", err)
	}

	writeJSON(w, r, status, errorResponse{
		Error:     code,
		Message:   err.Error(),
		RequestID: telemetry.GetRequestID(r.Context()),
	})
}

func writeJSON(w http.ResponseWriter, r *http.Request, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(v); err != nil {
		logctx.LoggerFromContext(r.Context()).Error("failed to encode response", "err", err)
	}
}
