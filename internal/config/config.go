package config

import (
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the application. The algorithmic knobs
// the engine consumes (reaction weights, window length, batch size, provider
// rate, cache TTL) are always externally supplied, never hardcoded in the
// components themselves.
type Config struct {
	Database   DatabaseConfig   `yaml:"database"`
	Server     ServerConfig     `yaml:"server"`
	Collector  CollectorConfig  `yaml:"collector"`
	Ranking    RankingConfig    `yaml:"ranking"`
	Enrichment EnrichmentConfig `yaml:"enrichment"`
	Cache      CacheConfig      `yaml:"cache"`

	// Log settings
	LogLevel zerolog.Level `yaml:"-"`
}

// DatabaseConfig configures SQLite storage.
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// ServerConfig configures the read-only HTTP API.
type ServerConfig struct {
	Host   string `yaml:"host"`
	Port   int    `yaml:"port"`
	APIKey string `yaml:"api_key"`
}

// ListenAddr returns the formatted listen address for the HTTP server.
func (s ServerConfig) ListenAddr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// CollectorConfig configures the collection cycle.
type CollectorConfig struct {
	Workers      int    `yaml:"workers"`
	WindowHours  int    `yaml:"window_hours"`
	Interval     string `yaml:"interval"` // cron spec for the run daemon
	FetchTimeout string `yaml:"fetch_timeout"`

	// Channel health thresholds: DegradedAfter consecutive errors move a
	// channel to degraded, UnreachableAfter move it to unreachable.
	DegradedAfter    int `yaml:"degraded_after"`
	UnreachableAfter int `yaml:"unreachable_after"`

	// Posts and snapshots older than window + grace are purged.
	RetentionGraceHours int `yaml:"retention_grace_hours"`
}

// Window returns the rolling recency window.
func (c CollectorConfig) Window() time.Duration {
	if c.WindowHours <= 0 {
		return time.Duration(DefaultWindowHours) * time.Hour
	}
	return time.Duration(c.WindowHours) * time.Hour
}

// ParseFetchTimeout returns the per-channel fetch timeout.
func (c CollectorConfig) ParseFetchTimeout() time.Duration {
	d, err := time.ParseDuration(c.FetchTimeout)
	if err != nil || d <= 0 {
		return 2 * time.Minute
	}
	return d
}

// RankingConfig configures the engagement scoring functions.
type RankingConfig struct {
	// ReactionWeights maps reaction emoji to weights; unlisted emoji
	// count with weight 1.0.
	ReactionWeights map[string]float64 `yaml:"reaction_weights"`
}

// EnrichmentConfig configures the enrichment provider and orchestrator.
type EnrichmentConfig struct {
	Enabled           bool   `yaml:"enabled"`
	Provider          string `yaml:"provider"` // "openai" or "anthropic"
	Model             string `yaml:"model"`
	APIKey            string `yaml:"api_key"`
	BaseURL           string `yaml:"base_url"`
	BatchSize         int    `yaml:"batch_size"`
	RequestsPerMinute int    `yaml:"requests_per_minute"`
	RequestTimeout    string `yaml:"request_timeout"`
	Interval          string `yaml:"interval"` // cron spec for the run daemon
}

// ParseRequestTimeout returns the per-request provider timeout.
func (e EnrichmentConfig) ParseRequestTimeout() time.Duration {
	d, err := time.ParseDuration(e.RequestTimeout)
	if err != nil || d <= 0 {
		return 60 * time.Second
	}
	return d
}

// CacheConfig configures the search result cache.
type CacheConfig struct {
	TTL        string `yaml:"ttl"`
	MaxEntries int    `yaml:"max_entries"`
}

// ParseTTL returns the result cache TTL.
func (c CacheConfig) ParseTTL() time.Duration {
	d, err := time.ParseDuration(c.TTL)
	if err != nil || d <= 0 {
		return time.Duration(DefaultCacheTTLMinutes) * time.Minute
	}
	return d
}

// DefaultConfig returns an initial configuration with hardcoded defaults.
func DefaultConfig() *Config {
	logLevel, _ := zerolog.ParseLevel(DefaultLogLevel)

	return &Config{
		Database: DatabaseConfig{Path: DefaultDBPath},
		Server: ServerConfig{
			Host:   DefaultServerHost,
			Port:   DefaultServerPort,
			APIKey: GetEnvString("CHANNELWATCH_API_KEY", ""),
		},
		Collector: CollectorConfig{
			Workers:             DefaultWorkerCount,
			WindowHours:         DefaultWindowHours,
			Interval:            DefaultCollectInterval,
			FetchTimeout:        "2m",
			DegradedAfter:       DefaultDegradedAfter,
			UnreachableAfter:    DefaultUnreachableAfter,
			RetentionGraceHours: DefaultRetentionGraceHours,
		},
		Ranking: RankingConfig{
			ReactionWeights: map[string]float64{},
		},
		Enrichment: EnrichmentConfig{
			Provider:          "openai",
			Model:             "gpt-4o-mini",
			BatchSize:         DefaultEnrichBatchSize,
			RequestsPerMinute: DefaultEnrichRequestsPerMinute,
			RequestTimeout:    "60s",
			Interval:          DefaultEnrichInterval,
		},
		Cache: CacheConfig{
			TTL:        fmt.Sprintf("%dm", DefaultCacheTTLMinutes),
			MaxEntries: DefaultCacheMaxEntries,
		},
		LogLevel: logLevel,
	}
}

// Load reads configuration from a YAML file (optional) and applies
// environment variable overrides on top of the defaults.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	applyEnvOverrides(cfg)
	return cfg, nil
}

// applyEnvOverrides overrides config values with environment variables.
func applyEnvOverrides(cfg *Config) {
	cfg.Database.Path = GetEnvString("CHANNELWATCH_DB_PATH", cfg.Database.Path)
	cfg.Server.Host = GetEnvString("CHANNELWATCH_HOST", cfg.Server.Host)
	cfg.Server.Port = GetEnvInt("CHANNELWATCH_PORT", cfg.Server.Port)
	cfg.Collector.Workers = GetEnvInt("CHANNELWATCH_WORKER_COUNT", cfg.Collector.Workers)
	cfg.Collector.WindowHours = GetEnvInt("CHANNELWATCH_WINDOW_HOURS", cfg.Collector.WindowHours)
	cfg.Enrichment.BatchSize = GetEnvInt("CHANNELWATCH_ENRICH_BATCH", cfg.Enrichment.BatchSize)
	cfg.Enrichment.RequestsPerMinute = GetEnvInt("CHANNELWATCH_ENRICH_RPM", cfg.Enrichment.RequestsPerMinute)
	cfg.LogLevel = GetEnvLogLevel("CHANNELWATCH_LOG_LEVEL", cfg.LogLevel)

	if v := os.Getenv("OPENAI_API_KEY"); v != "" && cfg.Enrichment.APIKey == "" {
		cfg.Enrichment.APIKey = v
		cfg.Enrichment.Provider = "openai"
		cfg.Enrichment.Enabled = true
	}
	if v := os.Getenv("ANTHROPIC_API_KEY"); v != "" && cfg.Enrichment.APIKey == "" {
		cfg.Enrichment.APIKey = v
		cfg.Enrichment.Provider = "anthropic"
		cfg.Enrichment.Enabled = true
	}
}
