package accounting

import (
	"cmp"
	"context"
	"slices"

	"github.com/dustin/go-humanize"
	"github.com/italolelis/recitation_downloader/internal/filesystem"
	"github.com/italolelis/recitation_downloader/internal/logctx"
	"github.com/italolelis/recitation_downloader/internal/storage"
)

const (
	// LowStorageThreshold is the free space under which the device is considered low on storage.
	LowStorageThreshold int64 = 500 * 1024 * 1024
)

// RecordLister lists download records.
type RecordLister interface {
	GetAll(ctx context.Context) ([]*storage.Record, error)
}

// SpaceReporter reports the total and free space of the download volume.
type SpaceReporter interface {
	FreeSpace(ctx context.Context) (filesystem.SpaceInfo, error)
}

// GroupUsage aggregates completed downloads of one group.
type GroupUsage struct {
	GroupID    string            `json:"groupId"`
	GroupName  string            `json:"groupName,omitempty"`
	Count      int               `json:"count"`
	TotalBytes int64             `json:"totalBytes"`
	Records    []*storage.Record `json:"records"`
}

// DeviceStorage describes the volume holding the downloads.
type DeviceStorage struct {
	Total int64 `json:"total"`
	Free  int64 `json:"free"`
	Used  int64 `json:"used"`
}

// Stats counts records per status.
type Stats struct {
	Total       int   `json:"total"`
	Completed   int   `json:"completed"`
	Downloading int   `json:"downloading"`
	Queued      int   `json:"queued"`
	Paused      int   `json:"paused"`
	Failed      int   `json:"failed"`
	TotalBytes  int64 `json:"totalBytes"`
}

// Accounting derives storage views from the records and the volume. Nothing
// it computes is persisted.
type Accounting struct {
	records RecordLister
	space   SpaceReporter
}

func New(records RecordLister, space SpaceReporter) *Accounting {
	return &Accounting{records: records, space: space}
}

// TotalDownloadedBytes sums the size of completed records.
func (a *Accounting) TotalDownloadedBytes(ctx context.Context) int64 {
	var total int64

	for _, r := range a.completed(ctx) {
		total += r.FileSize
	}

	return total
}

// ByGroup groups completed records, largest first. Ties keep the order in
// which groups first appear.
func (a *Accounting) ByGroup(ctx context.Context) []GroupUsage {
	var groups []GroupUsage

	index := make(map[string]int)

	for _, r := range a.completed(ctx) {
		i, ok := index[r.GroupID]
		if !ok {
			i = len(groups)
			index[r.GroupID] = i
			groups = append(groups, GroupUsage{GroupID: r.GroupID, GroupName: r.GroupName})
		}

		groups[i].Count++
		groups[i].TotalBytes += r.FileSize
		groups[i].Records = append(groups[i].Records, r)
	}

	slices.SortStableFunc(groups, func(x, y GroupUsage) int {
		return cmp.Compare(y.TotalBytes, x.TotalBytes)
	})

	return groups
}

// DeviceStorage reports the volume usage. Faults yield zeros.
func (a *Accounting) DeviceStorage(ctx context.Context) DeviceStorage {
	info, err := a.space.FreeSpace(ctx)
	if err != nil {
		logctx.LoggerFromContext(ctx).Warn("failed to read device storage", "err", err)

		return DeviceStorage{}
	}

	return DeviceStorage{
		Total: info.TotalBytes,
		Free:  info.FreeBytes,
		Used:  max(info.TotalBytes-info.FreeBytes, 0),
	}
}

func (a *Accounting) HasLowStorage(ctx context.Context) bool {
	return a.DeviceStorage(ctx).Free < LowStorageThreshold
}

// HasEnoughSpace reports whether free space covers bytes plus the safety margin.
func (a *Accounting) HasEnoughSpace(ctx context.Context, bytes int64) bool {
	return a.DeviceStorage(ctx).Free >= RequiredSpace(bytes)
}

// RequiredSpace is bytes plus a 10% safety margin, rounded up.
func RequiredSpace(bytes int64) int64 {
	if bytes <= 0 {
		return 0
	}

	return (bytes*11 + 9) / 10
}

// Stats counts records by status.
func (a *Accounting) Stats(ctx context.Context) Stats {
	var s Stats

	for _, r := range a.all(ctx) {
		s.Total++

		switch r.Status {
		case storage.StatusCompleted:
			s.Completed++
			s.TotalBytes += r.FileSize
		case storage.StatusDownloading:
			s.Downloading++
		case storage.StatusQueued:
			s.Queued++
		case storage.StatusPaused:
			s.Paused++
		case storage.StatusFailed:
			s.Failed++
		case storage.StatusNotDownloaded:
		}
	}

	return s
}

// FormatBytes renders a byte count for display.
func FormatBytes(n int64) string {
	if n <= 0 {
		return "0 B"
	}

	return humanize.IBytes(uint64(n))
}

func (a *Accounting) all(ctx context.Context) []*storage.Record {
	records, err := a.records.GetAll(ctx)
	if err != nil {
		logctx.LoggerFromContext(ctx).Warn("failed to read download records", "err", err)

		return nil
	}

	return records
}

func (a *Accounting) completed(ctx context.Context) []*storage.Record {
	return slices.DeleteFunc(a.all(ctx), func(r *storage.Record) bool {
		return r.Status != storage.StatusCompleted
	})
}
