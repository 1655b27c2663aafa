package downloader

import (
	"context"
	"fmt"
	"slices"

	"github.com/italolelis/recitation_downloader/internal/logctx"
	"github.com/italolelis/recitation_downloader/internal/storage"
)

// Recover repairs state left by a previous process before draining. Records
// left DOWNLOADING lost their transfer and are reset to QUEUED, QUEUED records
// missing from the queue are appended, and queue entries that no longer point
// at a QUEUED record are dropped.
func (m *Manager) Recover(ctx context.Context) (int, error) {
	logger := logctx.LoggerFromContext(ctx)

	m.mu.Lock()

	records, err := m.store.GetAll(ctx)
	if err != nil {
		m.mu.Unlock()

		return 0, fmt.Errorf("failed to read downloads: %w", err)
	}

	queue, err := m.store.GetQueue(ctx)
	if err != nil {
		m.mu.Unlock()

		return 0, fmt.Errorf("failed to read download queue: %w", err)
	}

	reset := 0

	for _, rec := range records {
		if rec.Status != storage.StatusDownloading {
			continue
		}

		if _, running := m.active[rec.ID]; running {
			continue
		}

		m.removeFileLocked(logctx.WithDownloadID(ctx, rec.ID), rec.LocalPath)

		rec.Status = storage.StatusQueued
		rec.Progress = 0

		if err := m.saveLocked(ctx, rec); err != nil {
			m.mu.Unlock()

			return reset, fmt.Errorf("failed to reset orphaned download %s: %w", rec.ID, err)
		}

		m.emit(EventStatus, rec)
		reset++
	}

	pending := make(map[string]bool, len(records))

	for _, rec := range records {
		if rec.Status == storage.StatusQueued || rec.Status == storage.StatusDownloading {
			pending[rec.ID] = true
		}
	}

	repaired := make([]string, 0, len(queue))

	for _, id := range queue {
		if pending[id] && !slices.Contains(repaired, id) {
			repaired = append(repaired, id)
		}
	}

	for _, rec := range records {
		if pending[rec.ID] && !slices.Contains(repaired, rec.ID) {
			repaired = append(repaired, rec.ID)
		}
	}

	if !slices.Equal(repaired, queue) {
		if err := m.store.SetQueue(ctx, repaired); err != nil {
			m.mu.Unlock()

			return reset, fmt.Errorf("failed to repair download queue: %w", err)
		}
	}

	m.mu.Unlock()

	logger.Info("recovered downloads", "orphaned", reset, "queued", len(repaired))

	m.Drain(ctx)

	return reset, nil
}
