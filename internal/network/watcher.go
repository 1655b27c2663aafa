package network

import (
	"context"
	"sync"
	"time"

	"github.com/italolelis/recitation_downloader/internal/logctx"
)

// Check probes with a bounded timeout. A failed or timed out probe reports a
// metered connection.
func Check(ctx context.Context, probe Probe, timeout time.Duration) Connection {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type outcome struct {
		conn Connection
		err  error
	}

	ch := make(chan outcome, 1)

	go func() {
		conn, err := probe.Current(ctx)
		ch <- outcome{conn: conn, err: err}
	}()

	select {
	case <-ctx.Done():
		logctx.LoggerFromContext(ctx).Warn("network probe timed out", "timeout", timeout)

		return Connection{}
	case o := <-ch:
		if o.err != nil {
			logctx.LoggerFromContext(ctx).Warn("network probe failed", "err", o.err)

			return Connection{}
		}

		return o.conn
	}
}

// Watcher polls a probe and notifies handlers when the connection class changes.
type Watcher struct {
	probe    Probe
	interval time.Duration
	timeout  time.Duration

	mu       sync.Mutex
	handlers []func(context.Context, Connection)
	last     *Connection
}

func NewWatcher(probe Probe, interval, timeout time.Duration) *Watcher {
	return &Watcher{probe: probe, interval: interval, timeout: timeout}
}

// OnChange registers fn to be called after every change of Connection.Unmetered.
func (w *Watcher) OnChange(fn func(context.Context, Connection)) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.handlers = append(w.handlers, fn)
}

// Run polls until ctx is done.
func (w *Watcher) Run(ctx context.Context) error {
	logger := logctx.LoggerFromContext(ctx)

	logger.Info("watching network connection", "polling_interval", w.interval)

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	w.Poll(ctx)

	for {
		select {
		case <-ctx.Done():
			logger.Info("shutting down network watcher")

			return nil
		case <-ticker.C:
			w.Poll(ctx)
		}
	}
}

// Poll runs a single probe. The first observation only records the state.
func (w *Watcher) Poll(ctx context.Context) {
	conn := Check(ctx, w.probe, w.timeout)

	w.mu.Lock()

	changed := w.last != nil && w.last.Unmetered != conn.Unmetered
	w.last = &conn
	handlers := append([]func(context.Context, Connection){}, w.handlers...)

	w.mu.Unlock()

	if !changed {
		return
	}

	logctx.LoggerFromContext(ctx).Info("network connection changed", "unmetered", conn.Unmetered, "interface", conn.Interface)

	for _, fn := range handlers {
		fn(ctx, conn)
	}
}
