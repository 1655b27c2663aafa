package telemetry

import (
	"context"
	"net/http"

	"github.com/google/uuid"
	"github.com/italolelis/recitation_downloader/internal/logctx"
)

const RequestIDHeader = "X-Request-ID"

// RequestID tags every API request with an id, reusing one sent by a proxy in
// X-Request-ID. The id is echoed back and travels in the context, where the
// log handler picks it up.
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(RequestIDHeader)
		if id == "" {
			id = uuid.NewString()
		}

		w.Header().Set(RequestIDHeader, id)

		next.ServeHTTP(w, r.WithContext(logctx.WithRequestID(r.Context(), id)))
	})
}

// GetRequestID returns "" outside of a request.
func GetRequestID(ctx context.Context) string {
	id, _ := logctx.RequestIDFromContext(ctx)

	return id
}
