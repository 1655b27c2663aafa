package filesystem

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"os"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/shirou/gopsutil/v3/disk"
	"golang.org/x/time/rate"
)

const (
	dirPerm                 = 0755
	defaultProgressInterval = 256 * 1024
	defaultUserAgent        = "recitation_downloader"
)

// SpaceInfo describes the volume holding the download directory.
type SpaceInfo struct {
	TotalBytes int64
	FreeBytes  int64
}

// Options configures the local gateway.
type Options struct {
	// Root is the directory whose volume is reported by FreeSpace.
	Root              string
	Retries           int
	Timeout           time.Duration
	MaxBytesPerSecond int
	UserAgent         string
	ProgressInterval  int64
	HTTPClient        *http.Client
}

// Local is the filesystem gateway backed by the local disk and HTTP transfers.
type Local struct {
	root             string
	client           *retryablehttp.Client
	limiter          *rate.Limiter
	userAgent        string
	progressInterval int64
}

func New(opts Options) *Local {
	client := retryablehttp.NewClient()
	client.RetryMax = opts.Retries
	client.Logger = nil

	if opts.HTTPClient != nil {
		client.HTTPClient = opts.HTTPClient
	}

	if opts.Timeout > 0 {
		client.HTTPClient.Timeout = opts.Timeout
	}

	var limiter *rate.Limiter
	if opts.MaxBytesPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(opts.MaxBytesPerSecond), opts.MaxBytesPerSecond)
	}

	if opts.UserAgent == "" {
		opts.UserAgent = defaultUserAgent
	}

	if opts.ProgressInterval <= 0 {
		opts.ProgressInterval = defaultProgressInterval
	}

	return &Local{
		root:             opts.Root,
		client:           client,
		limiter:          limiter,
		userAgent:        opts.UserAgent,
		progressInterval: opts.ProgressInterval,
	}
}

func (l *Local) Exists(_ context.Context, path string) (bool, error) {
	_, err := os.Stat(path)
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}

	if err != nil {
		return false, fmt.Errorf("failed to stat %s: %w", path, err)
	}

	return true, nil
}

func (l *Local) MkdirAll(_ context.Context, path string) error {
	if err := os.MkdirAll(path, dirPerm); err != nil {
		return fmt.Errorf("failed to create directory %s: %w", path, err)
	}

	return nil
}

// Stat returns the size of the file at path.
func (l *Local) Stat(_ context.Context, path string) (int64, error) {
	info, err := os.Stat(path)
	if err != nil {
		return 0, fmt.Errorf("failed to stat %s: %w", path, err)
	}

	return info.Size(), nil
}

// Remove deletes path. A missing file is not an error.
func (l *Local) Remove(_ context.Context, path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to remove %s: %w", path, err)
	}

	return nil
}

// FreeSpace reports the total and free bytes of the volume holding the root directory.
func (l *Local) FreeSpace(ctx context.Context) (SpaceInfo, error) {
	usage, err := disk.UsageWithContext(ctx, l.root)
	if err != nil {
		return SpaceInfo{}, fmt.Errorf("failed to read disk usage of %s: %w", l.root, err)
	}

	return SpaceInfo{TotalBytes: int64(usage.Total), FreeBytes: int64(usage.Free)}, nil
}
