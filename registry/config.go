package registry

import "time"

// Config tunes the registry and its crawl scheduler.
type Config struct {
	// DefaultFrequencyHours is the re-crawl cadence of sites that do not
	// carry their own.
	DefaultFrequencyHours int `yaml:"default_frequency_hours"`
	// RecordThreshold is the reclaimed size above which a crawl is rewarded
	// in the ledger.
	RecordThreshold int64 `yaml:"record_threshold"`

	ScanInterval   time.Duration `yaml:"scan_interval"`
	MaxConcurrent  int           `yaml:"max_concurrent"`
	MaxDuePerTick  int           `yaml:"max_due_per_tick"`
	CrawlTimeout   time.Duration `yaml:"crawl_timeout"`
	RecordRetryMax int           `yaml:"record_retry_max"`
}

func (c *Config) defaults() {
	if c.DefaultFrequencyHours <= 0 {
		c.DefaultFrequencyHours = 24
	}
	if c.RecordThreshold <= 0 {
		c.RecordThreshold = 10 * 1024
	}
	if c.ScanInterval <= 0 {
		c.ScanInterval = time.Minute
	}
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = 4
	}
	if c.MaxDuePerTick <= 0 {
		c.MaxDuePerTick = 100
	}
	if c.CrawlTimeout <= 0 {
		c.CrawlTimeout = 2 * time.Minute
	}
	if c.RecordRetryMax <= 0 {
		c.RecordRetryMax = 50
	}
}
