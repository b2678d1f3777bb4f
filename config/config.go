// Package config loads environment variables and provides a typed Config used across the service.
// It applies sensible defaults so the binary can run locally with minimal setup.
// Scrape tunables are validated by Validate.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// DefaultUpstreamURL is the online-users endpoint polled for every channel.
const DefaultUpstreamURL = "https://new-api.ceo.ca/api/channels/online_users"

type Config struct {
	// Database
	DBDsn string

	// HTTP
	HTTPAddr string

	// Channel list
	ChannelsFile string

	// Upstream
	UpstreamURL  string
	FetchTimeout time.Duration

	// Scrape cycle
	ScrapeInterval   time.Duration
	BatchSize        int
	BatchDelay       time.Duration
	RateLimitBackoff time.Duration
	RunOnStart       bool

	// Visits and cycle bookkeeping
	DedupThreshold time.Duration
	MaxActiveUsers int
	CacheSizeMB    int
}

// Load reads environment variables and applies defaults. Malformed optional values fall back
// to their defaults; call Validate for the checks that must hold before starting the scheduler.
func Load() (*Config, error) {
	cfg := &Config{}

	// Empty means db.Connect uses db.DefaultDSN
	cfg.DBDsn = os.Getenv("DB_DSN")

	cfg.HTTPAddr = os.Getenv("HTTP_ADDR")
	if cfg.HTTPAddr == "" {
		cfg.HTTPAddr = ":3008"
	}

	cfg.ChannelsFile = os.Getenv("CHANNELS_FILE")
	if cfg.ChannelsFile == "" {
		cfg.ChannelsFile = "channels.json"
	}

	cfg.UpstreamURL = os.Getenv("UPSTREAM_URL")
	if cfg.UpstreamURL == "" {
		cfg.UpstreamURL = DefaultUpstreamURL
	}
	cfg.FetchTimeout = envDuration("SCRAPE_FETCH_TIMEOUT", 5*time.Second)

	if v := os.Getenv("SCRAPE_INTERVAL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return nil, fmt.Errorf("invalid SCRAPE_INTERVAL: %w", err)
		}
		cfg.ScrapeInterval = d
	} else {
		cfg.ScrapeInterval = 5 * time.Minute
	}
	cfg.BatchSize = envInt("SCRAPE_BATCH_SIZE", 5)
	cfg.BatchDelay = envDuration("SCRAPE_BATCH_DELAY", time.Second)
	cfg.RateLimitBackoff = envDuration("SCRAPE_RATE_LIMIT_BACKOFF", 5*time.Second)
	cfg.RunOnStart = os.Getenv("SCRAPE_RUN_ON_START") == "1"

	cfg.DedupThreshold = envDuration("VISIT_DEDUP_THRESHOLD", 10*time.Minute)
	cfg.MaxActiveUsers = envInt("SCRAPE_MAX_ACTIVE_USERS", 10000)
	cfg.CacheSizeMB = envInt("SCRAPE_CACHE_MB", 16)

	return cfg, nil
}

// Validate checks the scrape settings the scheduler depends on.
func (c *Config) Validate() error {
	if c.ScrapeInterval <= 0 {
		return fmt.Errorf("SCRAPE_INTERVAL must be positive, got %s", c.ScrapeInterval)
	}
	if c.UpstreamURL == "" {
		return fmt.Errorf("missing UPSTREAM_URL")
	}
	if c.ChannelsFile == "" {
		return fmt.Errorf("missing CHANNELS_FILE")
	}
	return nil
}

// envDuration returns a positive duration from env or def.
func envDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			return d
		}
	}
	return def
}

// envInt returns a positive integer from env or def.
func envInt(key string, def int) int {
	if s := os.Getenv(key); s != "" {
		if n, err := strconv.Atoi(s); err == nil && n > 0 {
			return n
		}
	}
	return def
}
