package redis

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"
)

// Options configures the Redis-backed KV.
type Options struct {
	Addr     string
	Password string
	DB       int
	Prefix   string
}

// KV implements storage.KV with one Redis string per key.
type KV struct {
	client *redis.Client
	prefix string
}

// New connects to Redis and verifies the connection with a PING.
func New(ctx context.Context, opts Options) (*KV, error) {
	if opts.Addr == "" {
		opts.Addr = "localhost:6379"
	}

	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()

		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return NewWithClient(client, opts.Prefix), nil
}

// NewWithClient wraps an existing client.
func NewWithClient(client *redis.Client, prefix string) *KV {
	return &KV{client: client, prefix: strings.TrimSuffix(prefix, ":")}
}

func (r *KV) Get(ctx context.Context, key string) ([]byte, bool, error) {
	value, err := r.client.Get(ctx, r.buildKey(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}

	if err != nil {
		return nil, false, fmt.Errorf("failed to get Redis key %s: %w", r.buildKey(key), err)
	}

	return value, true, nil
}

func (r *KV) Set(ctx context.Context, key string, value []byte) error {
	if err := r.client.Set(ctx, r.buildKey(key), value, 0).Err(); err != nil {
		return fmt.Errorf("failed to set Redis key %s: %w", r.buildKey(key), err)
	}

	return nil
}

func (r *KV) Close() error {
	return r.client.Close()
}

func (r *KV) buildKey(key string) string {
	if r.prefix == "" {
		return key
	}

	return r.prefix + ":" + key
}
