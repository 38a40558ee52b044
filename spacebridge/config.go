package spacebridge

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/hazyhaar/spacebridge/allocator"
	"github.com/hazyhaar/spacebridge/ledger"
	"github.com/hazyhaar/spacebridge/optimizer"
	"github.com/hazyhaar/spacebridge/registry"
	"github.com/hazyhaar/spacebridge/relay"
)

// Config holds the whole service configuration.
type Config struct {
	DBPath   string `yaml:"db_path"`
	HTTPAddr string `yaml:"http_addr"`
	// Name tags event log rows and relay messages.
	Name string `yaml:"name"`

	RequestTimeout time.Duration `yaml:"request_timeout"`
	// CrawlerEndpoint, when set, routes the crawl collaborator over HTTP.
	// The routes table can change it later without a restart.
	CrawlerEndpoint     string        `yaml:"crawler_endpoint"`
	RoutesWatchInterval time.Duration `yaml:"routes_watch_interval"`
	RecordRetries       int           `yaml:"record_retries"`
	RecordBackoff       time.Duration `yaml:"record_backoff"`
	EventRetention      time.Duration `yaml:"event_retention"`
	CleanupInterval     time.Duration `yaml:"cleanup_interval"`
	// RateLimitReload is how often the rate_limits table is re-read.
	RateLimitReload     time.Duration `yaml:"rate_limit_reload"`

	Registry  registry.Config  `yaml:"registry"`
	Allocator allocator.Config `yaml:"allocator"`
	Ledger    ledger.Config    `yaml:"ledger"`
	Optimizer optimizer.Config `yaml:"optimizer"`
	Relay     relay.Config     `yaml:"relay"`
}

func (c *Config) defaults() {
	if c.DBPath == "" {
		c.DBPath = "spacebridge.db"
	}
	if c.HTTPAddr == "" {
		c.HTTPAddr = ":8090"
	}
	if c.Name == "" {
		c.Name = "spacebridge"
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 10 * time.Second
	}
	if c.RoutesWatchInterval <= 0 {
		c.RoutesWatchInterval = 5 * time.Second
	}
	if c.RecordRetries <= 0 {
		c.RecordRetries = 3
	}
	if c.RecordBackoff <= 0 {
		c.RecordBackoff = 500 * time.Millisecond
	}
	if c.EventRetention <= 0 {
		c.EventRetention = 30 * 24 * time.Hour
	}
	if c.CleanupInterval <= 0 {
		c.CleanupInterval = 24 * time.Hour
	}
	if c.Relay.Transport == "" {
		c.Relay.Transport = "none"
	}
}

func (c *Config) validate() error {
	switch c.Relay.Transport {
	case "none", "memory":
	case "quic":
		if c.Relay.Addr == "" {
			return fmt.Errorf("spacebridge: relay.addr is required for the quic transport")
		}
	default:
		return fmt.Errorf("spacebridge: unknown relay transport %q", c.Relay.Transport)
	}
	return nil
}

// LoadConfigFile reads a YAML config file.
func LoadConfigFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("spacebridge: parse %s: %w", path, err)
	}
	return cfg, nil
}
