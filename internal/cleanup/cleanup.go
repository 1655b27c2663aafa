package cleanup

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/italolelis/recitation_downloader/internal/filesystem"
	"github.com/italolelis/recitation_downloader/internal/logctx"
	"github.com/italolelis/recitation_downloader/internal/storage"
)

// DefaultStaleAge is how long a file must sit untouched before a sweep may
// remove it.
const DefaultStaleAge = time.Hour

// RecordLister lists download records.
type RecordLister interface {
	GetAll(ctx context.Context) ([]*storage.Record, error)
}

// Result summarises one sweep.
type Result struct {
	Removed int
	Freed   int64
}

// Sweep removes stale part files and files under dir/groups that no record
// references. Files modified within staleAge are left alone, and so are the
// part files of DOWNLOADING records however long their transfer stalls.
func Sweep(ctx context.Context, records RecordLister, dir string, staleAge time.Duration) (Result, error) {
	logger := logctx.LoggerFromContext(ctx)

	all, err := records.GetAll(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("failed to list downloads: %w", err)
	}

	tracked := make(map[string]struct{}, len(all))
	downloading := make(map[string]struct{})

	for _, rec := range all {
		tracked[filepath.Clean(rec.LocalPath)] = struct{}{}

		if rec.Status == storage.StatusDownloading {
			downloading[filepath.Clean(rec.LocalPath)] = struct{}{}
		}
	}

	root := filepath.Join(dir, "groups")
	now := time.Now()

	var res Result

	err = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}

			return err
		}

		if ctx.Err() != nil {
			return ctx.Err()
		}

		if d.IsDir() {
			return nil
		}

		if _, ok := tracked[filepath.Clean(path)]; ok {
			return nil
		}

		if target, ok := partTarget(path); ok {
			if _, running := downloading[filepath.Clean(target)]; running {
				return nil
			}
		}

		info, err := d.Info()
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}

			return err
		}

		if now.Sub(info.ModTime()) < staleAge {
			return nil
		}

		reason := "untracked"
		if _, ok := partTarget(path); ok {
			reason = "stale partial transfer"
		}

		if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			logger.Error("failed to delete file", "file", path, "err", err)

			return err
		}

		res.Removed++
		res.Freed += info.Size()

		logger.Info("deleted file", "file", path, "reason", reason, "size", humanize.IBytes(uint64(info.Size())))

		return nil
	})
	if err != nil {
		return res, fmt.Errorf("failed to sweep %s: %w", root, err)
	}

	return res, nil
}

// partTarget maps "<target>.<random>.part" back to the file it is written for.
func partTarget(path string) (string, bool) {
	trimmed, ok := strings.CutSuffix(path, filesystem.PartSuffix)
	if !ok {
		return "", false
	}

	i := strings.LastIndex(trimmed, ".")
	if i <= 0 {
		return "", false
	}

	return trimmed[:i], true
}

// Run sweeps every interval until ctx is done.
func Run(ctx context.Context, records RecordLister, dir string, interval, staleAge time.Duration) error {
	logger := logctx.LoggerFromContext(ctx)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			res, err := Sweep(ctx, records, dir, staleAge)
			if err != nil {
				logger.Error("cleanup sweep failed", "err", err)

				continue
			}

			if res.Removed > 0 {
				logger.Info("cleanup sweep finished", "removed", res.Removed, "freed", humanize.IBytes(uint64(res.Freed)))
			}
		}
	}
}
