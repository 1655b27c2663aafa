package accounting

import (
	"context"
	"errors"
	"testing"

	"github.com/italolelis/recitation_downloader/internal/filesystem"
	"github.com/italolelis/recitation_downloader/internal/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeRecords struct {
	records []*storage.Record
	err     error
}

func (f *fakeRecords) GetAll(context.Context) ([]*storage.Record, error) {
	if f.err != nil {
		return nil, f.err
	}

	out := make([]*storage.Record, len(f.records))
	for i, r := range f.records {
		out[i] = r.Clone()
	}

	return out, nil
}

type fakeSpace struct {
	info filesystem.SpaceInfo
	err  error
}

func (f *fakeSpace) FreeSpace(context.Context) (filesystem.SpaceInfo, error) {
	return f.info, f.err
}

func record(id, group string, status storage.Status, size int64) *storage.Record {
	return &storage.Record{ID: id, GroupID: group, Status: status, FileSize: size}
}

func TestAccounting_TotalAndByGroup(t *testing.T) {
	records := &fakeRecords{records: []*storage.Record{
		record("a1", "a", storage.StatusCompleted, 100),
		record("b1", "b", storage.StatusCompleted, 300),
		record("c1", "c", storage.StatusCompleted, 200),
		record("a2", "a", storage.StatusCompleted, 100),
		record("b2", "b", storage.StatusFailed, 5000),
		record("d1", "d", storage.StatusDownloading, 9000),
	}}

	a := New(records, &fakeSpace{})
	ctx := context.Background()

	assert.Equal(t, int64(700), a.TotalDownloadedBytes(ctx))

	groups := a.ByGroup(ctx)
	require.Len(t, groups, 3)

	// a and c tie at 200; a appeared first.
	assert.Equal(t, "b", groups[0].GroupID)
	assert.Equal(t, "a", groups[1].GroupID)
	assert.Equal(t, "c", groups[2].GroupID)
	assert.Equal(t, 2, groups[1].Count)
	assert.Equal(t, int64(200), groups[1].TotalBytes)
	assert.Len(t, groups[1].Records, 2)
}

func TestAccounting_DeviceStorage(t *testing.T) {
	ctx := context.Background()

	a := New(&fakeRecords{}, &fakeSpace{info: filesystem.SpaceInfo{TotalBytes: 1000, FreeBytes: 400}})
	assert.Equal(t, DeviceStorage{Total: 1000, Free: 400, Used: 600}, a.DeviceStorage(ctx))

	faulty := New(&fakeRecords{}, &fakeSpace{err: errors.New("statfs failed")})
	assert.Equal(t, DeviceStorage{}, faulty.DeviceStorage(ctx))
}

func TestAccounting_HasLowStorage(t *testing.T) {
	ctx := context.Background()

	low := New(&fakeRecords{}, &fakeSpace{info: filesystem.SpaceInfo{TotalBytes: 1 << 40, FreeBytes: LowStorageThreshold - 1}})
	assert.True(t, low.HasLowStorage(ctx))

	ok := New(&fakeRecords{}, &fakeSpace{info: filesystem.SpaceInfo{TotalBytes: 1 << 40, FreeBytes: LowStorageThreshold}})
	assert.False(t, ok.HasLowStorage(ctx))
}

func TestAccounting_HasEnoughSpace(t *testing.T) {
	ctx := context.Background()
	a := New(&fakeRecords{}, &fakeSpace{info: filesystem.SpaceInfo{TotalBytes: 20_000_000, FreeBytes: 11_000_000}})

	assert.True(t, a.HasEnoughSpace(ctx, 10_000_000))
	assert.False(t, a.HasEnoughSpace(ctx, 10_000_001))
	assert.True(t, a.HasEnoughSpace(ctx, 0))

	faulty := New(&fakeRecords{}, &fakeSpace{err: errors.New("statfs failed")})
	assert.False(t, faulty.HasEnoughSpace(ctx, 1))
}

func TestAccounting_Stats(t *testing.T) {
	a := New(&fakeRecords{records: []*storage.Record{
		record("1", "a", storage.StatusCompleted, 10),
		record("2", "a", storage.StatusCompleted, 15),
		record("3", "a", storage.StatusQueued, 99),
		record("4", "a", storage.StatusDownloading, 99),
		record("5", "a", storage.StatusPaused, 99),
		record("6", "a", storage.StatusFailed, 99),
		record("7", "a", storage.StatusNotDownloaded, 99),
	}}, &fakeSpace{})

	assert.Equal(t, Stats{Total: 7, Completed: 2, Downloading: 1, Queued: 1, Paused: 1, Failed: 1, TotalBytes: 25}, a.Stats(context.Background()))
}

func TestAccounting_ReadFaultsDegrade(t *testing.T) {
	a := New(&fakeRecords{err: storage.ErrUnavailable}, &fakeSpace{})
	ctx := context.Background()

	assert.Zero(t, a.TotalDownloadedBytes(ctx))
	assert.Empty(t, a.ByGroup(ctx))
	assert.Equal(t, Stats{}, a.Stats(ctx))
}

func TestFormatBytes(t *testing.T) {
	assert.Equal(t, "0 B", FormatBytes(0))
	assert.Equal(t, "1.5 KiB", FormatBytes(1536))
	assert.Equal(t, "500 MiB", FormatBytes(LowStorageThreshold))
}

func TestRequiredSpace(t *testing.T) {
	assert.Equal(t, int64(0), RequiredSpace(0))
	assert.Equal(t, int64(5_500_000), RequiredSpace(5_000_000))
	assert.Equal(t, int64(2), RequiredSpace(1))
	assert.Equal(t, int64(11), RequiredSpace(10))
}
