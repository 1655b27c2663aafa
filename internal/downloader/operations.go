package downloader

import (
	"context"
	"fmt"

	"github.com/italolelis/recitation_downloader/internal/logctx"
	"github.com/italolelis/recitation_downloader/internal/storage"
)

// Pause aborts the running transfer of id and marks it PAUSED.
func (m *Manager) Pause(ctx context.Context, id string) (*storage.Record, error) {
	ctx = logctx.WithDownloadID(ctx, id)

	m.mu.Lock()

	rec, err := m.getLocked(ctx, id)
	if err != nil {
		m.mu.Unlock()

		return nil, err
	}

	if !m.abortLocked(ctx, id) {
		m.mu.Unlock()

		return nil, &NotActiveError{ID: id, Status: rec.Status}
	}

	rec.Status = storage.StatusPaused

	if err := m.saveLocked(ctx, rec); err != nil {
		m.mu.Unlock()

		return nil, fmt.Errorf("failed to persist paused download: %w", err)
	}

	if err := m.store.RemoveFromQueue(ctx, id); err != nil {
		m.mu.Unlock()

		return nil, fmt.Errorf("failed to dequeue paused download: %w", err)
	}

	m.emit(EventStatus, rec)
	m.mu.Unlock()

	logctx.LoggerFromContext(ctx).Info("download paused", "progress", rec.Progress)

	m.Drain(ctx)

	return rec, nil
}

// Resume restarts a PAUSED download from zero.
func (m *Manager) Resume(ctx context.Context, id string) (*storage.Record, error) {
	return m.requeue(ctx, id, "resume", func(s storage.Status) bool {
		return s == storage.StatusPaused
	})
}

// Retry restarts a download from zero at the back of the queue. Completed
// downloads cannot be retried.
func (m *Manager) Retry(ctx context.Context, id string) (*storage.Record, error) {
	return m.requeue(ctx, id, "retry", func(s storage.Status) bool {
		return s != storage.StatusCompleted
	})
}

func (m *Manager) requeue(ctx context.Context, id, operation string, allowed func(storage.Status) bool) (*storage.Record, error) {
	ctx = logctx.WithDownloadID(ctx, id)

	m.mu.Lock()

	rec, err := m.getLocked(ctx, id)
	if err != nil {
		m.mu.Unlock()

		return nil, err
	}

	if !allowed(rec.Status) {
		m.mu.Unlock()

		return nil, &TransitionError{ID: id, Operation: operation, From: rec.Status}
	}

	m.abortLocked(ctx, id)
	m.removeFileLocked(ctx, rec.LocalPath)

	rec.Status = storage.StatusQueued
	rec.Progress = 0
	rec.LastError = ""

	if err := m.saveLocked(ctx, rec); err != nil {
		m.mu.Unlock()

		return nil, fmt.Errorf("failed to persist %s: %w", operation, err)
	}

	if err := m.store.RemoveFromQueue(ctx, id); err != nil {
		m.mu.Unlock()

		return nil, fmt.Errorf("failed to requeue download: %w", err)
	}

	if err := m.store.AddToQueue(ctx, id); err != nil {
		m.mu.Unlock()

		return nil, fmt.Errorf("failed to requeue download: %w", err)
	}

	m.emit(EventStatus, rec)
	m.mu.Unlock()

	logctx.LoggerFromContext(ctx).Info("download requeued", "operation", operation)

	m.Drain(ctx)

	return m.Get(ctx, id)
}

// Cancel stops a queued, running or paused download, deletes its partial
// file and resets it to NOT_DOWNLOADED.
func (m *Manager) Cancel(ctx context.Context, id string) (*storage.Record, error) {
	ctx = logctx.WithDownloadID(ctx, id)

	m.mu.Lock()

	rec, err := m.getLocked(ctx, id)
	if err != nil {
		m.mu.Unlock()

		return nil, err
	}

	switch rec.Status {
	case storage.StatusQueued, storage.StatusDownloading, storage.StatusPaused:
	case storage.StatusNotDownloaded, storage.StatusCompleted, storage.StatusFailed:
		m.mu.Unlock()

		return nil, &NotActiveError{ID: id, Status: rec.Status}
	}

	m.abortLocked(ctx, id)
	m.removeFileLocked(ctx, rec.LocalPath)

	rec.Status = storage.StatusNotDownloaded
	rec.Progress = 0
	rec.LastError = ""

	if err := m.saveLocked(ctx, rec); err != nil {
		m.mu.Unlock()

		return nil, fmt.Errorf("failed to persist cancelled download: %w", err)
	}

	if err := m.store.RemoveFromQueue(ctx, id); err != nil {
		m.mu.Unlock()

		return nil, fmt.Errorf("failed to dequeue cancelled download: %w", err)
	}

	m.emit(EventStatus, rec)
	m.mu.Unlock()

	logctx.LoggerFromContext(ctx).Info("download cancelled")

	m.Drain(ctx)

	return rec, nil
}

// Delete removes the record of id and its file.
func (m *Manager) Delete(ctx context.Context, id string) error {
	ctx = logctx.WithDownloadID(ctx, id)

	m.mu.Lock()

	rec, err := m.getLocked(ctx, id)
	if err != nil {
		m.mu.Unlock()

		return err
	}

	m.abortLocked(ctx, id)

	if err := m.fs.Remove(ctx, rec.LocalPath); err != nil {
		m.mu.Unlock()

		return fmt.Errorf("failed to delete file of %s: %w", id, err)
	}

	if err := m.store.Delete(ctx, id); err != nil {
		m.mu.Unlock()

		return fmt.Errorf("failed to delete download: %w", err)
	}

	if err := m.store.RemoveFromQueue(ctx, id); err != nil {
		m.mu.Unlock()

		return fmt.Errorf("failed to dequeue deleted download: %w", err)
	}

	m.emitRemoved(rec)
	m.mu.Unlock()

	logctx.LoggerFromContext(ctx).Info("download deleted")

	m.Drain(ctx)

	return nil
}

// DeleteGroup removes every record of groupID and their files.
func (m *Manager) DeleteGroup(ctx context.Context, groupID string) (int, error) {
	m.mu.Lock()

	removed, err := m.store.DeleteWhere(ctx, func(r *storage.Record) bool { return r.GroupID == groupID })
	if err != nil {
		m.mu.Unlock()

		return 0, fmt.Errorf("failed to delete group %s: %w", groupID, err)
	}

	ids := make([]string, 0, len(removed))

	for _, rec := range removed {
		m.abortLocked(ctx, rec.ID)
		m.removeFileLocked(ctx, rec.LocalPath)
		m.emitRemoved(rec)
		ids = append(ids, rec.ID)
	}

	if len(ids) > 0 {
		if err := m.store.RemoveFromQueue(ctx, ids...); err != nil {
			m.mu.Unlock()

			return len(removed), fmt.Errorf("failed to dequeue group %s: %w", groupID, err)
		}
	}

	m.mu.Unlock()

	logctx.LoggerFromContext(ctx).Info("group deleted", "group_id", groupID, "downloads", len(removed))

	m.Drain(ctx)

	return len(removed), nil
}

// ClearAll aborts every transfer and deletes every record, file and queue entry.
func (m *Manager) ClearAll(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for id := range m.active {
		m.abortLocked(ctx, id)
	}

	records, err := m.store.GetAll(ctx)
	if err != nil {
		logctx.LoggerFromContext(ctx).Warn("failed to list downloads before clearing", "err", err)
	}

	for _, rec := range records {
		m.removeFileLocked(ctx, rec.LocalPath)
	}

	if err := m.store.Clear(ctx); err != nil {
		return fmt.Errorf("failed to clear downloads: %w", err)
	}

	for _, rec := range records {
		m.emitRemoved(rec)
	}

	logctx.LoggerFromContext(ctx).Info("all downloads cleared", "downloads", len(records))

	return nil
}

// emitRemoved reports a record that no longer exists as NOT_DOWNLOADED.
func (m *Manager) emitRemoved(rec *storage.Record) {
	gone := rec.Clone()
	gone.Status = storage.StatusNotDownloaded
	gone.Progress = 0
	m.emit(EventStatus, gone)
}
