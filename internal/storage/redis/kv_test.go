package redis

import (
	"context"
	"os"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKV_BuildKey(t *testing.T) {
	tests := []struct {
		name   string
		prefix string
		want   string
	}{
		{name: "no prefix", prefix: "", want: "downloads"},
		{name: "prefix without colon", prefix: "recitations", want: "recitations:downloads"},
		{name: "prefix with colon", prefix: "recitations:", want: "recitations:downloads"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			kv := NewWithClient(nil, tt.prefix)
			assert.Equal(t, tt.want, kv.buildKey("downloads"))
		})
	}
}

// Runs only when a Redis server is reachable at REDIS_TEST_ADDR.
func TestKV_GetSet(t *testing.T) {
	addr := os.Getenv("REDIS_TEST_ADDR")
	if addr == "" {
		t.Skip("REDIS_TEST_ADDR not set")
	}

	ctx := context.Background()

	kv, err := New(ctx, Options{Addr: addr, Prefix: "test-" + uuid.NewString()})
	require.NoError(t, err)

	t.Cleanup(func() { kv.Close() })

	_, ok, err := kv.Get(ctx, "preferences")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, kv.Set(ctx, "preferences", []byte(`{"language":"en"}`)))

	value, ok, err := kv.Get(ctx, "preferences")
	require.NoError(t, err)
	require.True(t, ok)
	assert.JSONEq(t, `{"language":"en"}`, string(value))

	require.NoError(t, kv.client.Del(ctx, kv.buildKey("preferences")).Err())
}
