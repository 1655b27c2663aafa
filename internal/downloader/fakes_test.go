package downloader

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/italolelis/recitation_downloader/internal/accounting"
	"github.com/italolelis/recitation_downloader/internal/filesystem"
	"github.com/italolelis/recitation_downloader/internal/network"
	"github.com/italolelis/recitation_downloader/internal/resolver"
	"github.com/italolelis/recitation_downloader/internal/storage"
	"github.com/stretchr/testify/require"
)

// fakeTransfer is a transfer settled by the test.
type fakeTransfer struct {
	fs         *fakeFS
	urls       []string
	path       string
	onProgress filesystem.ProgressFunc

	once    sync.Once
	done    chan struct{}
	aborted atomic.Bool
	result  filesystem.Result
	err     error
}

func (t *fakeTransfer) Wait() (filesystem.Result, error) {
	<-t.done

	return t.result, t.err
}

func (t *fakeTransfer) Abort() {
	t.aborted.Store(true)
	t.settle(filesystem.Result{}, filesystem.ErrAborted)
}

func (t *fakeTransfer) settle(result filesystem.Result, err error) {
	t.once.Do(func() {
		t.result = result
		t.err = err
		close(t.done)
	})
}

// succeed writes size bytes to the target path and settles with 200.
func (t *fakeTransfer) succeed(size int64) {
	if t.aborted.Load() {
		return
	}

	t.fs.put(t.path, size)
	t.settle(filesystem.Result{StatusCode: http.StatusOK, BytesWritten: size}, nil)
}

func (t *fakeTransfer) respond(status int) {
	t.settle(filesystem.Result{StatusCode: status}, nil)
}

func (t *fakeTransfer) fail(err error) {
	t.settle(filesystem.Result{}, err)
}

type fakeFS struct {
	mu        sync.Mutex
	files     map[string]int64
	transfers []*fakeTransfer
	removeErr error
}

func newFakeFS() *fakeFS {
	return &fakeFS{files: make(map[string]int64)}
}

func (f *fakeFS) put(path string, size int64) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.files[path] = size
}

func (f *fakeFS) has(path string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	_, ok := f.files[path]

	return ok
}

func (f *fakeFS) Exists(_ context.Context, path string) (bool, error) {
	return f.has(path), nil
}

func (f *fakeFS) MkdirAll(context.Context, string) error {
	return nil
}

func (f *fakeFS) Stat(_ context.Context, path string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	size, ok := f.files[path]
	if !ok {
		return 0, errors.New("file does not exist")
	}

	return size, nil
}

func (f *fakeFS) Remove(_ context.Context, path string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.removeErr != nil {
		return f.removeErr
	}

	delete(f.files, path)

	return nil
}

func (f *fakeFS) DownloadToFile(_ context.Context, urls []string, path string, onProgress filesystem.ProgressFunc) (filesystem.Handle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	t := &fakeTransfer{fs: f, urls: urls, path: path, onProgress: onProgress, done: make(chan struct{})}
	f.transfers = append(f.transfers, t)

	return t, nil
}

func (f *fakeFS) started() int {
	f.mu.Lock()
	defer f.mu.Unlock()

	return len(f.transfers)
}

// latest returns the most recent transfer to path.
func (f *fakeFS) latest(path string) *fakeTransfer {
	f.mu.Lock()
	defer f.mu.Unlock()

	for i := len(f.transfers) - 1; i >= 0; i-- {
		if f.transfers[i].path == path {
			return f.transfers[i]
		}
	}

	return nil
}

type fakeSpace struct {
	mu   sync.Mutex
	info filesystem.SpaceInfo
	err  error
}

func (s *fakeSpace) FreeSpace(context.Context) (filesystem.SpaceInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.info, s.err
}

func (s *fakeSpace) setFree(free int64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.info.FreeBytes = free
}

// eventLog records bridge deliveries.
type eventLog struct {
	mu     sync.Mutex
	events []Event
}

func (l *eventLog) record(e Event) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.events = append(l.events, e)
}

func (l *eventLog) statuses(id string) []storage.Status {
	l.mu.Lock()
	defer l.mu.Unlock()

	var out []storage.Status

	for _, e := range l.events {
		if e.ID == id && e.Kind == EventStatus {
			out = append(out, e.Status)
		}
	}

	return out
}

func (l *eventLog) count(kind EventKind) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	n := 0

	for _, e := range l.events {
		if e.Kind == kind {
			n++
		}
	}

	return n
}

// cancellableKV fails writes issued with a finished context, the way the
// SQLite driver does.
type cancellableKV struct {
	*storage.MemoryKV
}

func (kv cancellableKV) Set(ctx context.Context, key string, value []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	return kv.MemoryKV.Set(ctx, key, value)
}

type harness struct {
	manager *Manager
	store   *storage.MetadataStore
	fs      *fakeFS
	space   *fakeSpace
	probe   *network.StaticProbe
	bridge  *Bridge
	dir     string
}

const (
	// itemDuration makes a medium quality estimate of exactly 5,000,000 bytes.
	itemDuration = 625
	itemEstimate = int64(5_000_000)
)

func newHarness(t *testing.T, maxConcurrent int) *harness {
	t.Helper()

	return newHarnessWithKV(t, maxConcurrent, storage.NewMemoryKV())
}

func newHarnessWithKV(t *testing.T, maxConcurrent int, kv storage.KV) *harness {
	t.Helper()

	h := &harness{
		store:  storage.NewMetadataStore(kv),
		fs:     newFakeFS(),
		space:  &fakeSpace{info: filesystem.SpaceInfo{TotalBytes: 64 << 30, FreeBytes: 32 << 30}},
		probe:  network.NewStaticProbe(true),
		bridge: NewBridge(),
		dir:    "/data/recitations",
	}

	h.manager = NewManager(
		Config{DownloadDir: h.dir, MaxConcurrent: maxConcurrent, ProbeTimeout: time.Second},
		Dependencies{
			Store:      h.store,
			Filesystem: h.fs,
			Resolver:   resolver.New(),
			Probe:      h.probe,
			Space:      accounting.New(h.store, h.space),
			Bridge:     h.bridge,
		},
	)

	t.Cleanup(func() {
		h.manager.Close()
		h.bridge.Close()
	})

	return h
}

func testItem(n int) storage.Item {
	return storage.Item{
		GroupID:         "afs",
		GroupName:       "Mishary Alafasy",
		ItemID:          n,
		SourceID:        resolver.SourceMP3Quran,
		BaseURL:         "https://server8.mp3quran.net/afs",
		DurationSeconds: itemDuration,
	}
}

func (h *harness) path(n int) string {
	return LocalPath(h.dir, "afs", n, storage.QualityMedium)
}

func (h *harness) id(n int) string {
	return storage.RecordID("afs", n, storage.QualityMedium)
}

func (h *harness) status(t *testing.T, n int) storage.Status {
	t.Helper()

	rec, err := h.manager.Get(context.Background(), h.id(n))
	require.NoError(t, err)

	return rec.Status
}

func (h *harness) eventuallyStatus(t *testing.T, n int, want storage.Status) {
	t.Helper()

	require.Eventually(t, func() bool {
		rec, err := h.manager.Get(context.Background(), h.id(n))

		return err == nil && rec.Status == want
	}, 2*time.Second, 5*time.Millisecond, "item %d never reached %s", n, want)
}

func (h *harness) queue(t *testing.T) []string {
	t.Helper()

	q, err := h.store.GetQueue(context.Background())
	require.NoError(t, err)

	return q
}
