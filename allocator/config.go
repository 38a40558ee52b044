package allocator

import "time"

// Config tunes the allocator.
type Config struct {
	// MaxCandidates is how many ranked bridges an allocation may draw from.
	MaxCandidates int `yaml:"max_candidates"`
	// BonusThreshold is the efficiency above which a bridge serves
	// BonusFactor effective bytes per physical byte.
	BonusThreshold int     `yaml:"bonus_threshold"`
	BonusFactor    float64 `yaml:"bonus_factor"`
	// PricePerKiB is charged per requested KiB.
	PricePerKiB float64 `yaml:"price_per_kib"`
	// AllocationTTL releases allocations automatically; zero keeps them
	// until released.
	AllocationTTL time.Duration `yaml:"allocation_ttl"`

	ReoptimizeBase        time.Duration `yaml:"reoptimize_base"`
	ReoptimizeMinInterval time.Duration `yaml:"reoptimize_min_interval"`
	ReoptimizeInterval    time.Duration `yaml:"reoptimize_interval"`

	// ArchiveAfter is the idle time after which a little used bridge gets
	// its free slots archived.
	ArchiveAfter    time.Duration `yaml:"archive_after"`
	ArchiveMaxUsage float64       `yaml:"archive_max_usage"`
	ArchiveInterval time.Duration `yaml:"archive_interval"`

	QueueVisibility  time.Duration `yaml:"queue_visibility"`
	QueueRetryDelay  time.Duration `yaml:"queue_retry_delay"`
	QueueMaxAttempts int           `yaml:"queue_max_attempts"`
	QueueBatch       int           `yaml:"queue_batch"`
	QueueInterval    time.Duration `yaml:"queue_interval"`
}

func (c *Config) defaults() {
	if c.MaxCandidates <= 0 {
		c.MaxCandidates = 5
	}
	if c.BonusThreshold <= 0 {
		c.BonusThreshold = 80
	}
	if c.BonusFactor < 1 {
		c.BonusFactor = 1.5
	}
	if c.PricePerKiB <= 0 {
		c.PricePerKiB = 1
	}
	if c.ReoptimizeBase <= 0 {
		c.ReoptimizeBase = 24 * time.Hour
	}
	if c.ReoptimizeMinInterval <= 0 {
		c.ReoptimizeMinInterval = 3 * time.Hour
	}
	if c.ReoptimizeInterval <= 0 {
		c.ReoptimizeInterval = 10 * time.Minute
	}
	if c.ArchiveAfter <= 0 {
		c.ArchiveAfter = 30 * 24 * time.Hour
	}
	if c.ArchiveMaxUsage <= 0 {
		c.ArchiveMaxUsage = 0.10
	}
	if c.ArchiveInterval <= 0 {
		c.ArchiveInterval = time.Hour
	}
	if c.QueueVisibility <= 0 {
		c.QueueVisibility = 30 * time.Second
	}
	if c.QueueRetryDelay <= 0 {
		c.QueueRetryDelay = time.Minute
	}
	if c.QueueMaxAttempts <= 0 {
		c.QueueMaxAttempts = 20
	}
	if c.QueueBatch <= 0 {
		c.QueueBatch = 50
	}
	if c.QueueInterval <= 0 {
		c.QueueInterval = 15 * time.Second
	}
}
