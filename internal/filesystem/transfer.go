package filesystem

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sync"

	"github.com/hashicorp/go-retryablehttp"
)

// PartSuffix marks in-flight transfer files. They are renamed onto the
// target path only once every byte has been written.
const PartSuffix = ".part"

// ErrAborted is returned by Wait when the transfer was aborted.
var ErrAborted = errors.New("transfer aborted")

// Result is the outcome of a settled transfer.
type Result struct {
	StatusCode   int
	BytesWritten int64
}

// Handle controls a running transfer.
type Handle interface {
	Wait() (Result, error)
	Abort()
}

// Job is a running transfer.
type Job struct {
	cancel context.CancelFunc
	done   chan struct{}

	// mu orders Abort against the final rename.
	mu      sync.Mutex
	aborted bool

	result Result
	err    error
}

// Wait blocks until the transfer settles.
func (j *Job) Wait() (Result, error) {
	<-j.done

	return j.result, j.err
}

// Abort stops the transfer. Once Abort returns the target path will not be
// created by this job.
func (j *Job) Abort() {
	j.mu.Lock()
	j.aborted = true
	j.mu.Unlock()

	j.cancel()
}

// DownloadToFile streams urls in order into path. Bytes go to a unique
// sibling ending in PartSuffix first.
func (l *Local) DownloadToFile(ctx context.Context, urls []string, path string, onProgress ProgressFunc) (Handle, error) {
	if len(urls) == 0 {
		return nil, errors.New("no urls to download")
	}

	if err := os.MkdirAll(filepath.Dir(path), dirPerm); err != nil {
		return nil, fmt.Errorf("failed to create target directory: %w", err)
	}

	ctx, cancel := context.WithCancel(ctx)

	job := &Job{cancel: cancel, done: make(chan struct{})}

	go func() {
		defer close(job.done)
		defer cancel()

		job.result, job.err = l.transfer(ctx, job, urls, path, onProgress)
	}()

	return job, nil
}

func (l *Local) transfer(ctx context.Context, job *Job, urls []string, path string, onProgress ProgressFunc) (Result, error) {
	out, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".*"+PartSuffix)
	if err != nil {
		return Result{}, fmt.Errorf("failed to create part file: %w", err)
	}

	partPath := out.Name()

	committed := false

	defer func() {
		if !committed {
			out.Close()
			os.Remove(partPath)
		}
	}()

	var written int64

	for _, url := range urls {
		status, n, err := l.fetch(ctx, out, url, written, len(urls) == 1, onProgress)
		written += n

		if err != nil {
			if ctx.Err() != nil {
				return Result{StatusCode: status, BytesWritten: written}, ErrAborted
			}

			return Result{StatusCode: status, BytesWritten: written}, err
		}

		if status != http.StatusOK {
			return Result{StatusCode: status, BytesWritten: written}, nil
		}
	}

	if err := out.Close(); err != nil {
		return Result{StatusCode: http.StatusOK, BytesWritten: written}, fmt.Errorf("failed to close part file: %w", err)
	}

	job.mu.Lock()
	defer job.mu.Unlock()

	if job.aborted {
		return Result{StatusCode: http.StatusOK, BytesWritten: written}, ErrAborted
	}

	if err := os.Rename(partPath, path); err != nil {
		return Result{StatusCode: http.StatusOK, BytesWritten: written}, fmt.Errorf("failed to move part file into place: %w", err)
	}

	committed = true

	return Result{StatusCode: http.StatusOK, BytesWritten: written}, nil
}

// fetch copies one url into out. The total reported to onProgress is only
// known for single-file transfers.
func (l *Local) fetch(ctx context.Context, out io.Writer, url string, base int64, single bool, onProgress ProgressFunc) (int, int64, error) {
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("User-Agent", l.userAgent)

	resp, err := l.client.Do(req)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to fetch %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return resp.StatusCode, 0, nil
	}

	var total int64
	if single && resp.ContentLength > 0 {
		total = resp.ContentLength
	}

	body := newThrottledReader(ctx, resp.Body, l.limiter)
	pr := newProgressReader(body, base, total, l.progressInterval, onProgress)

	n, err := io.Copy(out, pr)
	if err != nil {
		return resp.StatusCode, n, fmt.Errorf("failed to copy %s: %w", url, err)
	}

	return resp.StatusCode, n, nil
}
