package rest

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/italolelis/recitation_downloader/internal/telemetry"
)

// NewRouter mounts the download API, the event stream, health and metrics.
func NewRouter(downloads *DownloadsHandler, events *EventHub, tel *telemetry.Telemetry) http.Handler {
	r := chi.NewRouter()

	r.Use(telemetry.RequestID)
	r.Use(telemetry.HTTPLogging)
	r.Use(telemetry.Metrics(tel))
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, r, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Handle("/metrics", tel.Handler())
	r.Handle("/events", events)
	r.Mount("/", downloads.Routes())

	return r
}
