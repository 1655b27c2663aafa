package storage

import (
	"context"

	"github.com/italolelis/recitation_downloader/internal/telemetry"
)

// InstrumentedKV traces every KV call and records its latency per logical key.
type InstrumentedKV struct {
	kv        KV
	telemetry *telemetry.Telemetry
}

func NewInstrumentedKV(kv KV, tel *telemetry.Telemetry) *InstrumentedKV {
	return &InstrumentedKV{kv: kv, telemetry: tel}
}

func (i *InstrumentedKV) Get(ctx context.Context, key string) ([]byte, bool, error) {
	var (
		value []byte
		found bool
	)

	err := i.telemetry.TracedStoreOperation(ctx, "get_"+key, func(ctx context.Context) error {
		var err error

		value, found, err = i.kv.Get(ctx, key)

		return err
	})
	if err != nil {
		return nil, false, err
	}

	return value, found, nil
}

func (i *InstrumentedKV) Set(ctx context.Context, key string, value []byte) error {
	return i.telemetry.TracedStoreOperation(ctx, "set_"+key, func(ctx context.Context) error {
		return i.kv.Set(ctx, key, value)
	})
}

func (i *InstrumentedKV) Close() error {
	return i.kv.Close()
}
