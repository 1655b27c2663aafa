package filesystem

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()

	mux := http.NewServeMux()
	mux.HandleFunc("/full.mp3", func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte(strings.Repeat("a", 1000)))
	})
	mux.HandleFunc("/001001.mp3", func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte("first-"))
	})
	mux.HandleFunc("/001002.mp3", func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte("second"))
	})
	mux.HandleFunc("/missing.mp3", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})
	mux.HandleFunc("/slow.mp3", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", "100000")
		w.Write([]byte("x"))
		w.(http.Flusher).Flush()
		<-r.Context().Done()
	})

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	return srv
}

func listParts(t *testing.T, dir string) []string {
	t.Helper()

	matches, err := filepath.Glob(filepath.Join(dir, "*"+PartSuffix))
	require.NoError(t, err)

	return matches
}

func TestLocal_DownloadToFile(t *testing.T) {
	srv := newTestServer(t)
	dir := t.TempDir()
	target := filepath.Join(dir, "groups", "husary", "1.mp3")
	fs := New(Options{Root: dir, ProgressInterval: 100})

	var (
		mu      sync.Mutex
		reports [][2]int64
	)

	job, err := fs.DownloadToFile(context.Background(), []string{srv.URL + "/full.mp3"}, target, func(written, total int64) {
		mu.Lock()
		defer mu.Unlock()

		reports = append(reports, [2]int64{written, total})
	})
	require.NoError(t, err)

	result, err := job.Wait()
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, result.StatusCode)
	assert.Equal(t, int64(1000), result.BytesWritten)

	size, err := fs.Stat(context.Background(), target)
	require.NoError(t, err)
	assert.Equal(t, int64(1000), size)
	assert.Empty(t, listParts(t, filepath.Dir(target)))

	mu.Lock()
	defer mu.Unlock()

	require.NotEmpty(t, reports)
	assert.Equal(t, [2]int64{1000, 1000}, reports[len(reports)-1])
}

func TestLocal_DownloadFragments(t *testing.T) {
	srv := newTestServer(t)
	dir := t.TempDir()
	target := filepath.Join(dir, "1.mp3")
	fs := New(Options{Root: dir})

	job, err := fs.DownloadToFile(context.Background(), []string{srv.URL + "/001001.mp3", srv.URL + "/001002.mp3"}, target, nil)
	require.NoError(t, err)

	result, err := job.Wait()
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, result.StatusCode)

	content, err := os.ReadFile(target)
	require.NoError(t, err)
	assert.Equal(t, "first-second", string(content))
}

func TestLocal_DownloadNonOK(t *testing.T) {
	srv := newTestServer(t)
	dir := t.TempDir()
	target := filepath.Join(dir, "1.mp3")
	fs := New(Options{Root: dir})

	job, err := fs.DownloadToFile(context.Background(), []string{srv.URL + "/missing.mp3"}, target, nil)
	require.NoError(t, err)

	result, err := job.Wait()
	require.NoError(t, err)
	assert.Equal(t, http.StatusNotFound, result.StatusCode)

	exists, err := fs.Exists(context.Background(), target)
	require.NoError(t, err)
	assert.False(t, exists)
	assert.Empty(t, listParts(t, dir))
}

func TestLocal_Abort(t *testing.T) {
	srv := newTestServer(t)
	dir := t.TempDir()
	target := filepath.Join(dir, "1.mp3")
	fs := New(Options{Root: dir, ProgressInterval: 1})

	started := make(chan struct{}, 1)

	job, err := fs.DownloadToFile(context.Background(), []string{srv.URL + "/slow.mp3"}, target, func(int64, int64) {
		select {
		case started <- struct{}{}:
		default:
		}
	})
	require.NoError(t, err)

	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("transfer never reported progress")
	}

	job.Abort()

	_, err = job.Wait()
	require.ErrorIs(t, err, ErrAborted)

	exists, err := fs.Exists(context.Background(), target)
	require.NoError(t, err)
	assert.False(t, exists)
	assert.Empty(t, listParts(t, dir))
}

func TestLocal_DownloadWithoutURLs(t *testing.T) {
	_, err := New(Options{}).DownloadToFile(context.Background(), nil, filepath.Join(t.TempDir(), "x"), nil)
	require.Error(t, err)
}

func TestLocal_FileOperations(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	fs := New(Options{Root: dir})

	nested := filepath.Join(dir, "a", "b")
	require.NoError(t, fs.MkdirAll(ctx, nested))

	path := filepath.Join(nested, "f.mp3")
	require.NoError(t, os.WriteFile(path, []byte("12345"), 0o644))

	exists, err := fs.Exists(ctx, path)
	require.NoError(t, err)
	assert.True(t, exists)

	size, err := fs.Stat(ctx, path)
	require.NoError(t, err)
	assert.Equal(t, int64(5), size)

	require.NoError(t, fs.Remove(ctx, path))
	require.NoError(t, fs.Remove(ctx, path))

	_, err = fs.Stat(ctx, path)
	require.Error(t, err)
}

func TestLocal_FreeSpace(t *testing.T) {
	info, err := New(Options{Root: t.TempDir()}).FreeSpace(context.Background())
	require.NoError(t, err)
	assert.Positive(t, info.TotalBytes)
	assert.LessOrEqual(t, info.FreeBytes, info.TotalBytes)
}
