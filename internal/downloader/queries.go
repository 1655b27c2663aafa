package downloader

import (
	"context"
	"fmt"

	"github.com/italolelis/recitation_downloader/internal/logctx"
	"github.com/italolelis/recitation_downloader/internal/network"
	"github.com/italolelis/recitation_downloader/internal/storage"
)

// Get returns the record of id.
func (m *Manager) Get(ctx context.Context, id string) (*storage.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.getLocked(ctx, id)
}

func (m *Manager) getLocked(ctx context.Context, id string) (*storage.Record, error) {
	rec, ok, err := m.store.Get(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to read download %s: %w", id, err)
	}

	if !ok {
		return nil, &NotFoundError{ID: id}
	}

	return rec, nil
}

// List returns every record. A store fault yields an empty list.
func (m *Manager) List(ctx context.Context) []*storage.Record {
	records, err := m.store.GetAll(ctx)
	if err != nil {
		logctx.LoggerFromContext(ctx).Warn("failed to list downloads", "err", err)

		return []*storage.Record{}
	}

	return records
}

// ActiveCount is the number of running transfers.
func (m *Manager) ActiveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	return len(m.active)
}

// Status returns the status of the first record of the group item.
func (m *Manager) Status(ctx context.Context, groupID string, itemID int) storage.Status {
	if rec := m.find(ctx, groupID, itemID, nil); rec != nil {
		return rec.Status
	}

	return storage.StatusNotDownloaded
}

// Progress returns the progress of the first record of the group item.
func (m *Manager) Progress(ctx context.Context, groupID string, itemID int) int {
	if rec := m.find(ctx, groupID, itemID, nil); rec != nil {
		return rec.Progress
	}

	return 0
}

// IsDownloaded reports whether any quality of the group item is completed
// and its file is still on disk.
func (m *Manager) IsDownloaded(ctx context.Context, groupID string, itemID int) bool {
	return m.find(ctx, groupID, itemID, m.onDisk(ctx)) != nil
}

// LocalPath returns the file of a completed quality of the group item. Files
// removed behind the service's back are reported absent.
func (m *Manager) LocalPath(ctx context.Context, groupID string, itemID int) (string, bool) {
	if rec := m.find(ctx, groupID, itemID, m.onDisk(ctx)); rec != nil {
		return rec.LocalPath, true
	}

	return "", false
}

func (m *Manager) find(ctx context.Context, groupID string, itemID int, match func(*storage.Record) bool) *storage.Record {
	for _, rec := range m.List(ctx) {
		if rec.GroupID != groupID || rec.ItemID != itemID {
			continue
		}

		if match == nil || match(rec) {
			return rec
		}
	}

	return nil
}

// onDisk matches completed records whose file exists.
func (m *Manager) onDisk(ctx context.Context) func(*storage.Record) bool {
	return func(r *storage.Record) bool {
		if r.Status != storage.StatusCompleted {
			return false
		}

		exists, err := m.fs.Exists(ctx, r.LocalPath)
		if err != nil {
			logctx.LoggerFromContext(ctx).Warn("failed to check downloaded file", "download_id", r.ID, "err", err)

			return false
		}

		return exists
	}
}

// Preferences returns the user preferences, or the defaults on a store fault.
func (m *Manager) Preferences(ctx context.Context) storage.Preferences {
	return m.preferences(ctx)
}

// UpdatePreferences merges update into the stored preferences. The queue is
// drained afterwards since the network policy may have been relaxed.
func (m *Manager) UpdatePreferences(ctx context.Context, update storage.PreferencesUpdate) (storage.Preferences, error) {
	if update.DefaultQuality != nil && !update.DefaultQuality.Valid() {
		return storage.Preferences{}, &ValidationError{Field: "defaultQuality", Reason: fmt.Sprintf("unknown tier %q", *update.DefaultQuality)}
	}

	if update.Theme != nil {
		switch *update.Theme {
		case storage.ThemeLight, storage.ThemeDark, storage.ThemeAuto:
		default:
			return storage.Preferences{}, &ValidationError{Field: "theme", Reason: fmt.Sprintf("unknown theme %q", *update.Theme)}
		}
	}

	prefs, err := m.store.SetPreferences(ctx, update)
	if err != nil {
		return storage.Preferences{}, fmt.Errorf("failed to update preferences: %w", err)
	}

	m.Drain(ctx)

	return prefs, nil
}

// HandleNetworkChange drains the queue when an unmetered connection appears.
func (m *Manager) HandleNetworkChange(ctx context.Context, conn network.Connection) {
	if !conn.Unmetered {
		return
	}

	m.Drain(ctx)
}
