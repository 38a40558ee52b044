package ledger

import "time"

// Config tunes the token economy. Rates are plain numbers in the YAML file
// and converted to decimals once at construction.
type Config struct {
	// BaseRate is the reward per KiB saved before the SEO multiplier.
	BaseRate float64 `yaml:"base_rate"`
	// SEOMultiplier is the reward factor reached at an SEO score of 100.
	SEOMultiplier float64 `yaml:"seo_multiplier"`
	// BaseAPY is the yearly staking yield in percent for a zero-day lock.
	BaseAPY float64 `yaml:"base_apy"`
	// FeeRate is the marketplace fee burned on each sale (0.01 = 1%).
	FeeRate float64 `yaml:"fee_rate"`
	// RewardsPool is the initial pool optimization rewards are paid from.
	RewardsPool float64 `yaml:"rewards_pool"`
	// MaxLockDays caps staking lock periods.
	MaxLockDays int `yaml:"max_lock_days"`

	AccrualInterval time.Duration `yaml:"accrual_interval"`
	SweepInterval   time.Duration `yaml:"sweep_interval"`

	// Genesis credits accounts once, when the ledger state is first created.
	Genesis []Grant `yaml:"genesis"`
}

// Grant is a genesis credit.
type Grant struct {
	Account string  `yaml:"account"`
	Amount  float64 `yaml:"amount"`
}

func (c *Config) defaults() {
	if c.BaseRate <= 0 {
		c.BaseRate = 1
	}
	if c.SEOMultiplier <= 0 {
		c.SEOMultiplier = 2
	}
	if c.BaseAPY <= 0 {
		c.BaseAPY = 5
	}
	if c.FeeRate <= 0 {
		c.FeeRate = 0.01
	}
	if c.RewardsPool <= 0 {
		c.RewardsPool = 1_000_000
	}
	if c.MaxLockDays <= 0 {
		c.MaxLockDays = 365 * 4
	}
	if c.AccrualInterval <= 0 {
		c.AccrualInterval = time.Hour
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = 24 * time.Hour
	}
}
