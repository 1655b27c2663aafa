package sqlite

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/italolelis/recitation_downloader/internal/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestKV(t *testing.T) *KV {
	t.Helper()

	db, err := InitDB(filepath.Join(t.TempDir(), "downloads.db"))
	require.NoError(t, err)

	kv := NewKV(db)
	t.Cleanup(func() { kv.Close() })

	return kv
}

func TestKV_GetSet(t *testing.T) {
	ctx := context.Background()
	kv := newTestKV(t)

	_, ok, err := kv.Get(ctx, "missing")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, kv.Set(ctx, "k", []byte("one")))
	require.NoError(t, kv.Set(ctx, "k", []byte("two")))

	value, ok, err := kv.Get(ctx, "k")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "two", string(value))
}

func TestKV_SurvivesReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "downloads.db")

	db, err := InitDB(path)
	require.NoError(t, err)

	store := storage.NewMetadataStore(NewKV(db))
	require.NoError(t, store.Put(ctx, &storage.Record{ID: "g_1_low", Status: storage.StatusQueued}))
	require.NoError(t, store.AddToQueue(ctx, "g_1_low"))
	require.NoError(t, db.Close())

	db, err = InitDB(path)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	store = storage.NewMetadataStore(NewKV(db))

	got, ok, err := store.Get(ctx, "g_1_low")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, storage.StatusQueued, got.Status)

	queue, err := store.GetQueue(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"g_1_low"}, queue)
}
