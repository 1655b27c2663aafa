package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/italolelis/recitation_downloader/internal/accounting"
	"github.com/italolelis/recitation_downloader/internal/cleanup"
	"github.com/italolelis/recitation_downloader/internal/config"
	"github.com/italolelis/recitation_downloader/internal/downloader"
	"github.com/italolelis/recitation_downloader/internal/filesystem"
	"github.com/italolelis/recitation_downloader/internal/http/rest"
	"github.com/italolelis/recitation_downloader/internal/logctx"
	"github.com/italolelis/recitation_downloader/internal/network"
	"github.com/italolelis/recitation_downloader/internal/notifier"
	"github.com/italolelis/recitation_downloader/internal/resolver"
	"github.com/italolelis/recitation_downloader/internal/storage"
	"github.com/italolelis/recitation_downloader/internal/storage/redis"
	"github.com/italolelis/recitation_downloader/internal/storage/sqlite"
	"github.com/italolelis/recitation_downloader/internal/telemetry"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/sync/errgroup"
)

const version = "0.1.0"

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		slog.Error("config error", "err", err)
		os.Exit(1)
	}

	logger := slog.New(logctx.NewContextHandler(
		slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.SlogLevel()}),
	))
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	slog.Info("recitation downloader starting...", "log_level", cfg.LogLevel, "store", cfg.StoreDriver)

	if err := run(logctx.WithLogger(ctx, logger), cfg); err != nil {
		slog.Error("fatal error", "err", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config) error {
	logger := logctx.LoggerFromContext(ctx)

	// =========================================================================
	// Start Telemetry
	tel, err := telemetry.New(ctx, telemetry.Config{
		Enabled:        cfg.Telemetry.Enabled,
		ServiceName:    cfg.Telemetry.ServiceName,
		ServiceVersion: version,
		OTLPEndpoint:   cfg.OTLPEndpoint,
	})
	if err != nil {
		return fmt.Errorf("failed to start telemetry: %w", err)
	}

	defer func() {
		if err := tel.Shutdown(context.WithoutCancel(ctx)); err != nil {
			logger.Error("failed to shutdown telemetry", "err", err)
		}
	}()

	// =========================================================================
	// Start Store
	kv, err := buildKV(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to open %s store: %w", cfg.StoreDriver, err)
	}
	defer kv.Close()

	store := storage.NewMetadataStore(storage.NewInstrumentedKV(kv, tel))

	// =========================================================================
	// Start Gateways
	fs := filesystem.New(filesystem.Options{
		Root:              cfg.DownloadDir,
		Retries:           cfg.TransferRetries,
		Timeout:           cfg.TransferTimeout,
		MaxBytesPerSecond: cfg.MaxBytesPerSecond,
		UserAgent:         cfg.UserAgent,
		ProgressInterval:  cfg.ProgressIntervalBytes,
		HTTPClient:        &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)},
	})

	if err := fs.MkdirAll(ctx, cfg.DownloadDir); err != nil {
		return fmt.Errorf("failed to prepare download dir: %w", err)
	}

	probe := network.NewInterfaceProbe(network.Mode(cfg.NetworkMode), cfg.UnmeteredInterfaces, cfg.MeteredInterfaces)
	usage := accounting.New(store, fs)

	// =========================================================================
	// Start Download Manager
	bridge := downloader.NewBridge()
	defer bridge.Close()

	manager := downloader.NewManager(
		downloader.Config{
			DownloadDir:   cfg.DownloadDir,
			MaxConcurrent: cfg.MaxConcurrent,
			ProbeTimeout:  cfg.NetworkProbeTimeout,
		},
		downloader.Dependencies{
			Store:      store,
			Filesystem: fs,
			Resolver:   resolver.New(),
			Probe:      probe,
			Space:      usage,
			Bridge:     bridge,
			Telemetry:  tel,
		},
	)
	defer manager.Close()

	manager.OnStatus(func(downloader.Event) {
		tel.RecordFreeSpace(ctx, usage.DeviceStorage(ctx).Free)
	})

	reset, err := manager.Recover(ctx)
	if err != nil {
		return fmt.Errorf("failed to recover downloads: %w", err)
	}

	logger.Info("download manager ready", "recovered", reset, "download_dir", cfg.DownloadDir, "max_concurrent", cfg.MaxConcurrent)

	// =========================================================================
	// Start API Service
	hub := rest.NewEventHub()
	defer hub.Close()

	manager.OnProgress(hub.Broadcast)
	manager.OnStatus(hub.Broadcast)

	server := setupServer(ctx, cfg, rest.NewRouter(rest.NewDownloadsHandler(manager, usage), hub, tel))

	// =========================================================================
	// Start Background Loops
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("Initializing API support", "host", cfg.Web.BindAddress)

		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}

		return nil
	})

	g.Go(func() error {
		<-gctx.Done()

		logger.Info("start shutdown")

		// Give outstanding requests a deadline for completion.
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), cfg.Web.ShutdownTimeout)
		defer cancel()

		hub.Close()

		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("failed to gracefully shutdown the server", "err", err)

			if err = server.Close(); err != nil {
				return fmt.Errorf("could not stop server gracefully: %w", err)
			}
		}

		return nil
	})

	watcher := network.NewWatcher(probe, cfg.NetworkPollInterval, cfg.NetworkProbeTimeout)
	watcher.OnChange(manager.HandleNetworkChange)
	g.Go(func() error { return watcher.Run(gctx) })

	g.Go(func() error {
		return cleanup.Run(gctx, store, cfg.DownloadDir, cfg.CleanupInterval, cleanup.DefaultStaleAge)
	})

	if cfg.DiscordWebhookURL != "" {
		forwarder := notifier.NewForwarder(notifier.NewDiscordNotifier(cfg.DiscordWebhookURL), 64)
		manager.OnStatus(forwarder.Handle)
		g.Go(func() error { return forwarder.Run(gctx) })
	}

	return g.Wait()
}

// buildKV is an abstract factory for the metadata blob store.
func buildKV(ctx context.Context, cfg *config.Config) (storage.KV, error) {
	switch cfg.StoreDriver {
	case config.StoreSQLite:
		db, err := sqlite.InitDB(cfg.DBPath)
		if err != nil {
			return nil, err
		}

		return sqlite.NewKV(db), nil
	case config.StoreRedis:
		kv, err := redis.New(ctx, redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
			Prefix:   cfg.RedisKeyPrefix,
		})
		if err != nil {
			return nil, err
		}

		return kv, nil
	case config.StoreMemory:
		return storage.NewMemoryKV(), nil
	}

	return nil, fmt.Errorf("invalid store driver: %s", cfg.StoreDriver)
}

// setupServer creates the http rest server.
func setupServer(ctx context.Context, cfg *config.Config, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:         cfg.Web.BindAddress,
		ReadTimeout:  cfg.Web.ReadTimeout,
		WriteTimeout: cfg.Web.WriteTimeout,
		IdleTimeout:  cfg.Web.IdleTimeout,
		Handler:      otelhttp.NewHandler(handler, "recitation_downloader"),
		BaseContext: func(net.Listener) context.Context {
			return ctx
		},
	}
}
