package rest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/italolelis/recitation_downloader/internal/accounting"
	"github.com/italolelis/recitation_downloader/internal/downloader"
	"github.com/italolelis/recitation_downloader/internal/logctx"
	"github.com/italolelis/recitation_downloader/internal/storage"
)

const maxBodySize = 1 << 20

// Downloads is the part of the download manager exposed over HTTP.
type Downloads interface {
	Download(ctx context.Context, item storage.Item, quality storage.Quality) (*storage.Record, error)
	EnqueueBatch(ctx context.Context, items []storage.Item, quality storage.Quality) ([]*storage.Record, error)
	Get(ctx context.Context, id string) (*storage.Record, error)
	List(ctx context.Context) []*storage.Record
	Pause(ctx context.Context, id string) (*storage.Record, error)
	Resume(ctx context.Context, id string) (*storage.Record, error)
	Retry(ctx context.Context, id string) (*storage.Record, error)
	Cancel(ctx context.Context, id string) (*storage.Record, error)
	Delete(ctx context.Context, id string) error
	DeleteGroup(ctx context.Context, groupID string) (int, error)
	ClearAll(ctx context.Context) error
	Status(ctx context.Context, groupID string, itemID int) storage.Status
	Progress(ctx context.Context, groupID string, itemID int) int
	IsDownloaded(ctx context.Context, groupID string, itemID int) bool
	LocalPath(ctx context.Context, groupID string, itemID int) (string, bool)
	Preferences(ctx context.Context) storage.Preferences
	UpdatePreferences(ctx context.Context, update storage.PreferencesUpdate) (storage.Preferences, error)
}

// Usage is the storage accounting exposed over HTTP.
type Usage interface {
	Stats(ctx context.Context) accounting.Stats
	DeviceStorage(ctx context.Context) accounting.DeviceStorage
	ByGroup(ctx context.Context) []accounting.GroupUsage
	TotalDownloadedBytes(ctx context.Context) int64
	HasLowStorage(ctx context.Context) bool
}

type DownloadsHandler struct {
	downloads Downloads
	usage     Usage
}

func NewDownloadsHandler(downloads Downloads, usage Usage) *DownloadsHandler {
	return &DownloadsHandler{downloads: downloads, usage: usage}
}

func (h *DownloadsHandler) Routes() http.Handler {
	r := chi.NewRouter()

	r.Route("/downloads", func(r chi.Router) {
		r.Get("/", h.list)
		r.Post("/", h.create)
		r.Delete("/", h.clearAll)
		r.Post("/batch", h.createBatch)
		r.Get("/stats", h.stats)

		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", h.get)
			r.Delete("/", h.delete)
			r.Post("/pause", h.transition(h.downloads.Pause))
			r.Post("/resume", h.transition(h.downloads.Resume))
			r.Post("/retry", h.transition(h.downloads.Retry))
			r.Post("/cancel", h.transition(h.downloads.Cancel))
		})
	})

	r.Delete("/groups/{groupID}/downloads", h.deleteGroup)
	r.Get("/groups/{groupID}/items/{itemID}", h.item)
	r.Get("/storage", h.storageUsage)
	r.Get("/preferences", h.preferences)
	r.Patch("/preferences", h.updatePreferences)

	return r
}

type downloadRequest struct {
	storage.Item
	Quality storage.Quality `json:"quality,omitempty"`
}

type batchRequest struct {
	Items   []storage.Item  `json:"items"`
	Quality storage.Quality `json:"quality,omitempty"`
}

type batchResponse struct {
	Records []*storage.Record `json:"records"`
	Errors  []string          `json:"errors,omitempty"`
}

type itemResponse struct {
	GroupID    string         `json:"groupId"`
	ItemID     int            `json:"itemId"`
	Status     storage.Status `json:"status"`
	Progress   int            `json:"progress"`
	Downloaded bool           `json:"downloaded"`
	LocalPath  string         `json:"localPath,omitempty"`
}

type storageResponse struct {
	Device          accounting.DeviceStorage `json:"device"`
	TotalDownloaded int64                    `json:"totalDownloaded"`
	TotalFormatted  string                   `json:"totalFormatted"`
	LowStorage      bool                     `json:"lowStorage"`
	Groups          []accounting.GroupUsage  `json:"groups"`
}

func (h *DownloadsHandler) list(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, r, http.StatusOK, h.downloads.List(r.Context()))
}

func (h *DownloadsHandler) create(w http.ResponseWriter, r *http.Request) {
	var req downloadRequest
	if err := decode(w, r, &req); err != nil {
		writeError(w, r, err)

		return
	}

	rec, err := h.downloads.Download(r.Context(), req.Item, req.Quality)
	if err != nil {
		writeError(w, r, err)

		return
	}

	writeJSON(w, r, http.StatusAccepted, rec)
}

func (h *DownloadsHandler) createBatch(w http.ResponseWriter, r *http.Request) {
	var req batchRequest
	if err := decode(w, r, &req); err != nil {
		writeError(w, r, err)

		return
	}

	if len(req.Items) == 0 {
		writeError(w, r, &downloader.ValidationError{Field: "items", Reason: "must not be empty"})

		return
	}

	records, err := h.downloads.EnqueueBatch(r.Context(), req.Items, req.Quality)
	if err != nil && len(records) == 0 {
		writeError(w, r, err)

		return
	}

	resp := batchResponse{Records: records}

	if err != nil {
		logctx.LoggerFromContext(r.Context()).Warn("batch partially enqueued", "err", err)

		var joined interface{ Unwrap() []error }
		if errors.As(err, &joined) {
			for _, e := range joined.Unwrap() {
				resp.Errors = append(resp.Errors, e.Error())
			}
		} else {
			resp.Errors = []string{err.Error()}
		}
	}

	writeJSON(w, r, http.StatusAccepted, resp)
}

func (h *DownloadsHandler) stats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, r, http.StatusOK, h.usage.Stats(r.Context()))
}

func (h *DownloadsHandler) get(w http.ResponseWriter, r *http.Request) {
	rec, err := h.downloads.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)

		return
	}

	writeJSON(w, r, http.StatusOK, rec)
}

func (h *DownloadsHandler) delete(w http.ResponseWriter, r *http.Request) {
	if err := h.downloads.Delete(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeError(w, r, err)

		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (h *DownloadsHandler) clearAll(w http.ResponseWriter, r *http.Request) {
	if err := h.downloads.ClearAll(r.Context()); err != nil {
		writeError(w, r, err)

		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (h *DownloadsHandler) transition(op func(context.Context, string) (*storage.Record, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rec, err := op(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, r, err)

			return
		}

		writeJSON(w, r, http.StatusOK, rec)
	}
}

func (h *DownloadsHandler) deleteGroup(w http.ResponseWriter, r *http.Request) {
	removed, err := h.downloads.DeleteGroup(r.Context(), chi.URLParam(r, "groupID"))
	if err != nil {
		writeError(w, r, err)

		return
	}

	writeJSON(w, r, http.StatusOK, map[string]int{"removed": removed})
}

func (h *DownloadsHandler) item(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	groupID := chi.URLParam(r, "groupID")

	itemID, err := strconv.Atoi(chi.URLParam(r, "itemID"))
	if err != nil {
		writeError(w, r, &downloader.ValidationError{Field: "itemId", Reason: "must be an integer"})

		return
	}

	path, _ := h.downloads.LocalPath(ctx, groupID, itemID)

	writeJSON(w, r, http.StatusOK, itemResponse{
		GroupID:    groupID,
		ItemID:     itemID,
		Status:     h.downloads.Status(ctx, groupID, itemID),
		Progress:   h.downloads.Progress(ctx, groupID, itemID),
		Downloaded: h.downloads.IsDownloaded(ctx, groupID, itemID),
		LocalPath:  path,
	})
}

func (h *DownloadsHandler) storageUsage(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	total := h.usage.TotalDownloadedBytes(ctx)

	writeJSON(w, r, http.StatusOK, storageResponse{
		Device:          h.usage.DeviceStorage(ctx),
		TotalDownloaded: total,
		TotalFormatted:  accounting.FormatBytes(total),
		LowStorage:      h.usage.HasLowStorage(ctx),
		Groups:          h.usage.ByGroup(ctx),
	})
}

func (h *DownloadsHandler) preferences(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, r, http.StatusOK, h.downloads.Preferences(r.Context()))
}

func (h *DownloadsHandler) updatePreferences(w http.ResponseWriter, r *http.Request) {
	var update storage.PreferencesUpdate
	if err := decode(w, r, &update); err != nil {
		writeError(w, r, err)

		return
	}

	prefs, err := h.downloads.UpdatePreferences(r.Context(), update)
	if err != nil {
		writeError(w, r, err)

		return
	}

	writeJSON(w, r, http.StatusOK, prefs)
}

func decode(w http.ResponseWriter, r *http.Request, v any) error {
	body := http.MaxBytesReader(w, r.Body, maxBodySize)

	if err := json.NewDecoder(body).Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return &downloader.ValidationError{Field: "body", Reason: "must not be empty"}
		}

		return &downloader.ValidationError{Field: "body", Reason: fmt.Sprintf("malformed json: %v", err)}
	}

	return nil
}
