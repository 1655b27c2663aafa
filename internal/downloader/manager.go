package downloader

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/italolelis/recitation_downloader/internal/accounting"
	"github.com/italolelis/recitation_downloader/internal/filesystem"
	"github.com/italolelis/recitation_downloader/internal/logctx"
	"github.com/italolelis/recitation_downloader/internal/network"
	"github.com/italolelis/recitation_downloader/internal/storage"
	"github.com/italolelis/recitation_downloader/internal/telemetry"
)

const (
	DefaultMaxConcurrent = 5
	DefaultProbeTimeout  = 5 * time.Second
)

// Store persists records, the queue and preferences.
type Store interface {
	GetAll(ctx context.Context) ([]*storage.Record, error)
	Get(ctx context.Context, id string) (*storage.Record, bool, error)
	Put(ctx context.Context, record *storage.Record) error
	Delete(ctx context.Context, id string) error
	DeleteWhere(ctx context.Context, fn func(*storage.Record) bool) ([]*storage.Record, error)
	GetQueue(ctx context.Context) ([]string, error)
	SetQueue(ctx context.Context, ids []string) error
	AddToQueue(ctx context.Context, id string) error
	RemoveFromQueue(ctx context.Context, ids ...string) error
	GetPreferences(ctx context.Context) (storage.Preferences, error)
	SetPreferences(ctx context.Context, update storage.PreferencesUpdate) (storage.Preferences, error)
	Clear(ctx context.Context) error
}

// Filesystem holds the local files and runs transfers.
type Filesystem interface {
	Exists(ctx context.Context, path string) (bool, error)
	MkdirAll(ctx context.Context, path string) error
	Stat(ctx context.Context, path string) (int64, error)
	Remove(ctx context.Context, path string) error
	DownloadToFile(ctx context.Context, urls []string, path string, onProgress filesystem.ProgressFunc) (filesystem.Handle, error)
}

// Resolver maps items to fetchable urls.
type Resolver interface {
	IsFragmented(sourceID string) bool
	ResolveURL(item storage.Item, quality storage.Quality) (string, error)
	ResolveFragmentURLs(item storage.Item) ([]string, error)
	EstimateFileSize(durationSeconds int, quality storage.Quality) int64
}

// SpaceChecker answers storage headroom questions.
type SpaceChecker interface {
	HasEnoughSpace(ctx context.Context, bytes int64) bool
	DeviceStorage(ctx context.Context) accounting.DeviceStorage
}

type Config struct {
	DownloadDir   string
	MaxConcurrent int
	ProbeTimeout  time.Duration
}

type Dependencies struct {
	Store      Store
	Filesystem Filesystem
	Resolver   Resolver
	Probe      network.Probe
	Space      SpaceChecker
	Bridge     *Bridge
	Telemetry  *telemetry.Telemetry
}

// job correlates a record with its running transfer.
type job struct {
	id       string
	handle   filesystem.Handle
	estimate int64
	progress int
	started  time.Time
}

// Manager owns the download state machine. Every state mutation happens under
// mu; transfers and network probes run outside of it.
type Manager struct {
	cfg       Config
	store     Store
	fs        Filesystem
	resolver  Resolver
	probe     network.Probe
	space     SpaceChecker
	bridge    *Bridge
	telemetry *telemetry.Telemetry

	mu         sync.Mutex
	active     map[string]*job
	draining   bool
	drainAgain bool
	closed     bool
	wg         sync.WaitGroup
}

func NewManager(cfg Config, deps Dependencies) *Manager {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = DefaultMaxConcurrent
	}

	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = DefaultProbeTimeout
	}

	if deps.Bridge == nil {
		deps.Bridge = NewBridge()
	}

	if deps.Telemetry == nil {
		deps.Telemetry = &telemetry.Telemetry{}
	}

	return &Manager{
		cfg:       cfg,
		store:     deps.Store,
		fs:        deps.Filesystem,
		resolver:  deps.Resolver,
		probe:     deps.Probe,
		space:     deps.Space,
		bridge:    deps.Bridge,
		telemetry: deps.Telemetry,
		active:    make(map[string]*job),
	}
}

// LocalPath is where the file of a (group item, quality) pair lives. Quality
// is part of the name so two tiers of one item never overwrite each other.
func LocalPath(dir, groupID string, itemID int, quality storage.Quality) string {
	return filepath.Join(dir, "groups", groupID, fmt.Sprintf("%03d_%s.mp3", itemID, quality))
}

// OnProgress subscribes to progress notifications.
func (m *Manager) OnProgress(fn func(Event)) func() {
	return m.bridge.OnProgress(fn)
}

// OnStatus subscribes to status notifications.
func (m *Manager) OnStatus(fn func(Event)) func() {
	return m.bridge.OnStatus(fn)
}

// Download requests the file of item at quality. It is idempotent: a queued,
// running, paused or verified completed record is returned unchanged.
func (m *Manager) Download(ctx context.Context, item storage.Item, quality storage.Quality) (*storage.Record, error) {
	quality, err := m.qualityOrDefault(ctx, quality)
	if err != nil {
		return nil, err
	}

	return m.download(ctx, item, quality, true)
}

func (m *Manager) download(ctx context.Context, item storage.Item, quality storage.Quality, checkPreconditions bool) (*storage.Record, error) {
	if err := validateItem(item); err != nil {
		return nil, err
	}

	id := storage.RecordID(item.GroupID, item.ItemID, quality)
	ctx = logctx.WithDownloadID(ctx, id)
	logger := logctx.LoggerFromContext(ctx)

	if rec, ok := m.existing(ctx, id); ok {
		logger.Debug("download already known", "status", rec.Status)

		return rec, nil
	}

	estimate := m.resolver.EstimateFileSize(item.DurationSeconds, quality)

	if checkPreconditions {
		if err := m.checkPreconditions(ctx, estimate); err != nil {
			return nil, err
		}
	}

	urls, err := m.resolveURLs(item, quality)
	if err != nil {
		return nil, &ValidationError{Field: "item", Reason: err.Error()}
	}

	// Once accepted, the record and its queue entry are written together even
	// if the caller goes away.
	ctx = context.WithoutCancel(ctx)

	m.mu.Lock()

	if m.closed {
		m.mu.Unlock()

		return nil, ErrClosed
	}

	if rec, ok := m.existingLocked(ctx, id); ok {
		m.mu.Unlock()

		return rec, nil
	}

	rec := &storage.Record{
		ID:           id,
		GroupID:      item.GroupID,
		ItemID:       item.ItemID,
		SourceID:     item.SourceID,
		Quality:      quality,
		FileSize:     estimate,
		LocalPath:    LocalPath(m.cfg.DownloadDir, item.GroupID, item.ItemID, quality),
		Status:       storage.StatusQueued,
		ResolvedURLs: urls,
		GroupName:    item.GroupName,
		ItemName:     item.ItemName,
	}

	if err := m.saveLocked(ctx, rec); err != nil {
		m.mu.Unlock()

		return nil, fmt.Errorf("failed to persist download: %w", err)
	}

	if err := m.store.AddToQueue(ctx, id); err != nil {
		m.mu.Unlock()

		return nil, fmt.Errorf("failed to enqueue download: %w", err)
	}

	m.emit(EventStatus, rec)
	m.mu.Unlock()

	logger.Info("download queued",
		"group_id", item.GroupID,
		"item_id", item.ItemID,
		"quality", quality,
		"estimated_size", humanize.Bytes(uint64(max(estimate, 0))))

	m.Drain(ctx)

	return m.Get(ctx, id)
}

// EnqueueBatch downloads every item at quality after a single storage check
// against the summed estimate of the items not yet completed.
func (m *Manager) EnqueueBatch(ctx context.Context, items []storage.Item, quality storage.Quality) ([]*storage.Record, error) {
	quality, err := m.qualityOrDefault(ctx, quality)
	if err != nil {
		return nil, err
	}

	for _, item := range items {
		if err := validateItem(item); err != nil {
			return nil, err
		}
	}

	var required int64

	m.mu.Lock()

	for _, item := range items {
		rec, ok := m.existingLocked(ctx, storage.RecordID(item.GroupID, item.ItemID, quality))
		if ok && rec.Status == storage.StatusCompleted {
			continue
		}

		required += m.resolver.EstimateFileSize(item.DurationSeconds, quality)
	}

	m.mu.Unlock()

	if err := m.checkPreconditions(ctx, required); err != nil {
		return nil, err
	}

	logctx.LoggerFromContext(ctx).Info("enqueueing batch",
		"items", len(items),
		"quality", quality,
		"estimated_size", humanize.Bytes(uint64(max(required, 0))))

	records := make([]*storage.Record, 0, len(items))

	var errs []error

	for _, item := range items {
		rec, err := m.download(ctx, item, quality, false)
		if err != nil {
			errs = append(errs, fmt.Errorf("item %s/%d: %w", item.GroupID, item.ItemID, err))

			continue
		}

		records = append(records, rec)
	}

	return records, errors.Join(errs...)
}

// Drain admits queued downloads while there is capacity and the network
// policy allows it. Overlapping calls collapse into the pass in flight, which
// then runs once more.
func (m *Manager) Drain(ctx context.Context) {
	m.mu.Lock()

	if m.closed {
		m.mu.Unlock()

		return
	}

	if m.draining {
		m.drainAgain = true
		m.mu.Unlock()

		return
	}

	m.draining = true
	m.mu.Unlock()

	for {
		m.drainPass(ctx)

		m.mu.Lock()

		if !m.drainAgain || m.closed {
			m.draining = false
			m.drainAgain = false
			m.mu.Unlock()

			return
		}

		m.drainAgain = false
		m.mu.Unlock()
	}
}

func (m *Manager) drainPass(ctx context.Context) {
	logger := logctx.LoggerFromContext(ctx)

	if m.preferences(ctx).WifiOnlyDownloads {
		if conn := network.Check(ctx, m.probe, m.cfg.ProbeTimeout); !conn.Unmetered {
			logger.Debug("holding download queue until an unmetered connection is available", "interface", conn.Interface)

			return
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return
	}

	queue, err := m.store.GetQueue(ctx)
	if err != nil {
		logger.Error("failed to read download queue", "err", err)

		return
	}

	records, err := m.store.GetAll(ctx)
	if err != nil {
		logger.Error("failed to read download records", "err", err)

		return
	}

	byID := make(map[string]*storage.Record, len(records))
	for _, r := range records {
		byID[r.ID] = r
	}

	var stale []string

	for _, id := range queue {
		if len(m.active) >= m.cfg.MaxConcurrent {
			break
		}

		if _, running := m.active[id]; running {
			continue
		}

		rec, ok := byID[id]
		if !ok || (rec.Status != storage.StatusQueued && rec.Status != storage.StatusDownloading) {
			stale = append(stale, id)

			continue
		}

		if err := m.admitLocked(ctx, rec); err != nil {
			logger.Error("failed to admit download", "download_id", id, "err", err)
		}
	}

	if len(stale) > 0 {
		logger.Debug("dropping stale queue entries", "ids", strings.Join(stale, ","))

		if err := m.store.RemoveFromQueue(ctx, stale...); err != nil {
			logger.Error("failed to drop stale queue entries", "err", err)
		}
	}

	if queue, err := m.store.GetQueue(ctx); err == nil {
		m.telemetry.RecordQueueDepth(ctx, max(len(queue)-len(m.active), 0))
	}
}

// admitLocked starts the transfer of rec. Any file left at the target path is
// deleted first.
func (m *Manager) admitLocked(ctx context.Context, rec *storage.Record) error {
	ctx = logctx.WithDownloadID(ctx, rec.ID)
	logger := logctx.LoggerFromContext(ctx)

	m.removeFileLocked(ctx, rec.LocalPath)

	if err := m.fs.MkdirAll(ctx, filepath.Dir(rec.LocalPath)); err != nil {
		return m.failLocked(ctx, rec, &TransferError{ID: rec.ID, Err: err})
	}

	if len(rec.ResolvedURLs) == 0 {
		return m.failLocked(ctx, rec, &TransferError{ID: rec.ID, Err: errors.New("no resolved urls")})
	}

	rec.Status = storage.StatusDownloading
	rec.Progress = 0
	rec.LastError = ""

	if err := m.saveLocked(ctx, rec); err != nil {
		return fmt.Errorf("failed to persist admission: %w", err)
	}

	transferCtx := context.WithoutCancel(ctx)
	j := &job{id: rec.ID, estimate: rec.FileSize, started: time.Now()}

	handle, err := m.fs.DownloadToFile(transferCtx, rec.ResolvedURLs, rec.LocalPath, m.progressFunc(transferCtx, j))
	if err != nil {
		return m.failLocked(ctx, rec, &TransferError{ID: rec.ID, Err: err})
	}

	j.handle = handle
	m.active[rec.ID] = j
	m.telemetry.TransferStarted(ctx)
	m.emit(EventStatus, rec)

	logger.Info("download started", "group_id", rec.GroupID, "item_id", rec.ItemID, "quality", rec.Quality, "sources", len(rec.ResolvedURLs))

	m.wg.Add(1)

	go m.await(transferCtx, j)

	return nil
}

func (m *Manager) await(ctx context.Context, j *job) {
	defer m.wg.Done()

	result, err := j.handle.Wait()
	m.complete(ctx, j, result, err)
	m.Drain(ctx)
}

// complete settles a transfer. Transfers whose job is no longer active were
// paused, cancelled or deleted and are ignored.
func (m *Manager) complete(ctx context.Context, j *job, result filesystem.Result, transferErr error) {
	logger := logctx.LoggerFromContext(ctx)

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.active[j.id] != j {
		logger.Debug("ignoring settled transfer of inactive download")

		return
	}

	delete(m.active, j.id)
	m.telemetry.TransferStopped(ctx)

	rec, ok, err := m.store.Get(ctx, j.id)
	if err != nil {
		logger.Error("failed to load settled download", "err", err)

		return
	}

	if !ok {
		return
	}

	if transferErr == nil && result.StatusCode == http.StatusOK {
		size, err := m.fs.Stat(ctx, rec.LocalPath)
		if err == nil {
			m.finishLocked(ctx, rec, size, time.Since(j.started))

			return
		}

		transferErr = err
	}

	if err := m.failLocked(ctx, rec, &TransferError{ID: j.id, StatusCode: result.StatusCode, Err: transferErr}); err != nil {
		logger.Error("failed to record failed download", "err", err)
	}
}

func (m *Manager) finishLocked(ctx context.Context, rec *storage.Record, size int64, took time.Duration) {
	logger := logctx.LoggerFromContext(ctx)

	rec.FileSize = size
	rec.Status = storage.StatusCompleted
	rec.Progress = 100
	rec.LastError = ""

	if err := m.saveLocked(ctx, rec); err != nil {
		logger.Error("failed to persist completed download", "err", err)
	}

	if err := m.store.RemoveFromQueue(ctx, rec.ID); err != nil {
		logger.Error("failed to dequeue completed download", "err", err)
	}

	m.emit(EventStatus, rec)
	m.telemetry.RecordDownload(ctx, storage.StatusCompleted.String(), took, size)

	logger.Info("download completed", "size", humanize.Bytes(uint64(size)), "duration", took.Round(time.Millisecond))
}

// failLocked marks rec FAILED and takes it off the queue. It returns an error
// only when the failure itself cannot be persisted.
func (m *Manager) failLocked(ctx context.Context, rec *storage.Record, cause error) error {
	logger := logctx.LoggerFromContext(ctx)

	logger.Error("download failed", "err", cause)

	rec.Status = storage.StatusFailed
	rec.LastError = cause.Error()

	if err := m.saveLocked(ctx, rec); err != nil {
		return fmt.Errorf("failed to persist failed download: %w", err)
	}

	if err := m.store.RemoveFromQueue(ctx, rec.ID); err != nil {
		logger.Error("failed to dequeue failed download", "err", err)
	}

	m.emit(EventStatus, rec)
	m.telemetry.RecordDownload(ctx, storage.StatusFailed.String(), 0, 0)

	return nil
}

func (m *Manager) progressFunc(ctx context.Context, j *job) filesystem.ProgressFunc {
	return func(written, total int64) {
		m.mu.Lock()
		defer m.mu.Unlock()

		if m.active[j.id] != j {
			return
		}

		denom := total
		if denom <= 0 {
			denom = j.estimate
		}

		if denom <= 0 {
			return
		}

		pct := int(min(max(written*100/denom, 0), 100))
		if pct == j.progress {
			return
		}

		j.progress = pct

		rec, ok, err := m.store.Get(ctx, j.id)
		if err != nil || !ok {
			return
		}

		rec.Progress = pct

		if err := m.saveLocked(ctx, rec); err != nil {
			logctx.LoggerFromContext(ctx).Warn("failed to persist progress", "err", err)
		}

		m.emit(EventProgress, rec)
	}
}

// Close aborts running transfers and waits for them to settle. Their records
// stay DOWNLOADING and are picked up by Recover on the next start.
func (m *Manager) Close() {
	m.mu.Lock()

	m.closed = true

	for id, j := range m.active {
		j.handle.Abort()
		delete(m.active, id)
		m.telemetry.TransferStopped(context.Background())
	}

	m.mu.Unlock()

	m.wg.Wait()
}

func (m *Manager) checkPreconditions(ctx context.Context, estimate int64) error {
	if !m.space.HasEnoughSpace(ctx, estimate) {
		return &InsufficientStorageError{
			Required:  accounting.RequiredSpace(estimate),
			Available: m.space.DeviceStorage(ctx).Free,
		}
	}

	if m.preferences(ctx).WifiOnlyDownloads {
		if conn := network.Check(ctx, m.probe, m.cfg.ProbeTimeout); !conn.Unmetered {
			return &NetworkPolicyError{Interface: conn.Interface}
		}
	}

	return nil
}

func (m *Manager) resolveURLs(item storage.Item, quality storage.Quality) ([]string, error) {
	if m.resolver.IsFragmented(item.SourceID) {
		return m.resolver.ResolveFragmentURLs(item)
	}

	u, err := m.resolver.ResolveURL(item, quality)
	if err != nil {
		return nil, err
	}

	return []string{u}, nil
}

func (m *Manager) existing(ctx context.Context, id string) (*storage.Record, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.existingLocked(ctx, id)
}

// existingLocked returns the record of id when a new request must not touch it.
func (m *Manager) existingLocked(ctx context.Context, id string) (*storage.Record, bool) {
	logger := logctx.LoggerFromContext(ctx)

	rec, ok, err := m.store.Get(ctx, id)
	if err != nil {
		logger.Warn("failed to read download record", "err", err)

		return nil, false
	}

	if !ok {
		return nil, false
	}

	switch rec.Status {
	case storage.StatusQueued, storage.StatusDownloading, storage.StatusPaused:
		return rec, true
	case storage.StatusCompleted:
		exists, err := m.fs.Exists(ctx, rec.LocalPath)
		if err == nil && exists {
			return rec, true
		}

		logger.Warn("completed download has no file, downloading again", "path", rec.LocalPath)

		return nil, false
	case storage.StatusFailed, storage.StatusNotDownloaded:
		return nil, false
	}

	return nil, false
}

func (m *Manager) preferences(ctx context.Context) storage.Preferences {
	prefs, err := m.store.GetPreferences(ctx)
	if err != nil {
		logctx.LoggerFromContext(ctx).Warn("failed to read preferences, using defaults", "err", err)
	}

	return prefs
}

func (m *Manager) qualityOrDefault(ctx context.Context, quality storage.Quality) (storage.Quality, error) {
	if quality == "" {
		return m.preferences(ctx).DefaultQuality, nil
	}

	if !quality.Valid() {
		return "", &ValidationError{Field: "quality", Reason: fmt.Sprintf("unknown tier %q", quality)}
	}

	return quality, nil
}

func (m *Manager) saveLocked(ctx context.Context, rec *storage.Record) error {
	rec.UpdatedAt = time.Now().UTC()

	return m.store.Put(ctx, rec)
}

func (m *Manager) removeFileLocked(ctx context.Context, path string) {
	if err := m.fs.Remove(ctx, path); err != nil {
		logctx.LoggerFromContext(ctx).Warn("failed to remove file", "path", path, "err", err)
	}
}

// abortLocked stops the transfer of id, if any.
func (m *Manager) abortLocked(ctx context.Context, id string) bool {
	j, ok := m.active[id]
	if !ok {
		return false
	}

	j.handle.Abort()
	delete(m.active, id)
	m.telemetry.TransferStopped(ctx)

	return true
}

func (m *Manager) emit(kind EventKind, rec *storage.Record) {
	m.bridge.Emit(newEvent(kind, rec))
}

func validateItem(item storage.Item) error {
	switch {
	case item.GroupID == "":
		return &ValidationError{Field: "groupId", Reason: "must not be empty"}
	case item.GroupID == "." || item.GroupID == ".." || strings.ContainsAny(item.GroupID, `/\`):
		return &ValidationError{Field: "groupId", Reason: "must not contain path elements"}
	case item.ItemID <= 0:
		return &ValidationError{Field: "itemId", Reason: "must be positive"}
	}

	return nil
}
