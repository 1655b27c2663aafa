package config

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Config is read from the environment. Nested structs are prefixed with their
// field name, e.g. WEB_BIND_ADDRESS.
type Config struct {
	DownloadDir string `envconfig:"DOWNLOAD_DIR" required:"true"`

	StoreDriver    string `envconfig:"STORE_DRIVER" default:"sqlite"`
	DBPath         string `envconfig:"DB_PATH" default:"downloads.db"`
	RedisAddr      string `envconfig:"REDIS_ADDR" default:"localhost:6379"`
	RedisPassword  string `envconfig:"REDIS_PASSWORD"`
	RedisDB        int    `envconfig:"REDIS_DB" default:"0"`
	RedisKeyPrefix string `envconfig:"REDIS_KEY_PREFIX" default:"recitations:"`

	MaxConcurrent         int           `envconfig:"MAX_CONCURRENT" default:"5"`
	TransferRetries       int           `envconfig:"TRANSFER_RETRIES" default:"2"`
	TransferTimeout       time.Duration `envconfig:"TRANSFER_TIMEOUT" default:"30m"`
	MaxBytesPerSecond     int           `envconfig:"MAX_BYTES_PER_SECOND" default:"0"`
	UserAgent             string        `envconfig:"USER_AGENT" default:"recitation_downloader"`
	ProgressIntervalBytes int64         `envconfig:"PROGRESS_INTERVAL_BYTES" default:"262144"`

	NetworkMode         string        `envconfig:"NETWORK_MODE" default:"auto"`
	NetworkPollInterval time.Duration `envconfig:"NETWORK_POLL_INTERVAL" default:"10s"`
	NetworkProbeTimeout time.Duration `envconfig:"NETWORK_PROBE_TIMEOUT" default:"5s"`
	UnmeteredInterfaces []string      `envconfig:"UNMETERED_INTERFACES" default:"wlan,wl,wifi,en,eth"`
	MeteredInterfaces   []string      `envconfig:"METERED_INTERFACES" default:"wwan,rmnet,ccmni,ppp,pdp"`

	CleanupInterval   time.Duration `envconfig:"CLEANUP_INTERVAL" default:"1h"`
	LogLevel          string        `envconfig:"LOG_LEVEL" default:"INFO"`
	DiscordWebhookURL string        `envconfig:"DISCORD_WEBHOOK_URL"`

	Telemetry struct {
		Enabled     bool   `envconfig:"ENABLED" default:"true"`
		ServiceName string `envconfig:"SERVICE_NAME" default:"recitation_downloader"`
	}
	OTLPEndpoint string `envconfig:"OTLP_ENDPOINT"`

	Web struct {
		BindAddress     string        `split_words:"true" default:"0.0.0.0:9092"`
		ReadTimeout     time.Duration `split_words:"true" default:"30s"`
		WriteTimeout    time.Duration `split_words:"true" default:"30s"`
		IdleTimeout     time.Duration `split_words:"true" default:"60s"`
		ShutdownTimeout time.Duration `split_words:"true" default:"30s"`
	}
}

// Store drivers.
const (
	StoreSQLite = "sqlite"
	StoreRedis  = "redis"
	StoreMemory = "memory"
)

// LoadConfig reads the environment and rejects settings the process cannot run with.
func LoadConfig() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("error processing env: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func (c *Config) validate() error {
	if c.DownloadDir == "" {
		return fmt.Errorf("DOWNLOAD_DIR must not be empty")
	}

	switch c.StoreDriver {
	case StoreSQLite, StoreRedis, StoreMemory:
	default:
		return fmt.Errorf("unknown STORE_DRIVER %q", c.StoreDriver)
	}

	switch c.NetworkMode {
	case "auto", "unmetered", "metered":
	default:
		return fmt.Errorf("unknown NETWORK_MODE %q", c.NetworkMode)
	}

	if c.MaxConcurrent <= 0 {
		return fmt.Errorf("MAX_CONCURRENT must be positive, got %d", c.MaxConcurrent)
	}

	return nil
}

// SlogLevel parses LOG_LEVEL the way slog prints levels (DEBUG, info, WARN+2).
// Unparseable values fall back to INFO.
func (c *Config) SlogLevel() slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return slog.LevelInfo
	}

	return level
}
