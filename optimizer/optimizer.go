// Package optimizer is the client side of the crawl collaborator: something
// that fetches a page, optimizes it and reports the sizes before and after.
// The crawling itself lives elsewhere; spacebridge only consumes the result.
package optimizer

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/hazyhaar/spacebridge/connectivity"
	"github.com/hazyhaar/spacebridge/faults"
	"github.com/hazyhaar/spacebridge/observability"
)

// Service is the connectivity service name of the crawl collaborator.
const Service = "crawler_optimize"

// Result is one optimization outcome for a page.
type Result struct {
	URL                string `json:"url"`
	Domain             string `json:"domain"`
	CrawlID            string `json:"crawl_id,omitempty"`
	CurrentSizeBytes   int64  `json:"current_size_bytes"`
	OptimizedSizeBytes int64  `json:"optimized_size_bytes"`
	SEOScore           int    `json:"seo_score"`
	LoadTimeMs         int64  `json:"load_time_ms,omitempty"`
	PotentialBytes     int64  `json:"potential_bytes,omitempty"`
}

// Optimizer crawls and optimizes one URL.
type Optimizer interface {
	Optimize(ctx context.Context, url string) (*Result, error)
}

// Func adapts a function to an Optimizer.
type Func func(ctx context.Context, url string) (*Result, error)

func (f Func) Optimize(ctx context.Context, url string) (*Result, error) { return f(ctx, url) }

// ErrNoResult is returned when the route is switched off (noop) or the
// collaborator answered with an empty body.
var ErrNoResult = errors.New("optimizer: no result")

// Config tunes the remote client.
type Config struct {
	Timeout          time.Duration `yaml:"timeout"`
	MaxRetries       int           `yaml:"max_retries"`
	RetryBackoff     time.Duration `yaml:"retry_backoff"`
	BreakerThreshold int           `yaml:"breaker_threshold"`
	BreakerReset     time.Duration `yaml:"breaker_reset"`
}

func (c *Config) defaults() {
	if c.Timeout <= 0 {
		c.Timeout = 30 * time.Second
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	} else if c.MaxRetries == 0 {
		c.MaxRetries = 2
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = 500 * time.Millisecond
	}
	if c.BreakerThreshold <= 0 {
		c.BreakerThreshold = 5
	}
	if c.BreakerReset <= 0 {
		c.BreakerReset = time.Minute
	}
}

// Remote calls the crawl collaborator through a connectivity router, so the
// routes table decides whether it is an in-process handler or an HTTP
// endpoint.
type Remote struct {
	call    connectivity.Handler
	breaker *connectivity.CircuitBreaker
}

// NewRemote builds the client. mm may be nil.
func NewRemote(router *connectivity.Router, cfg Config, mm *observability.MetricsManager, logger *slog.Logger) *Remote {
	cfg.defaults()
	if logger == nil {
		logger = slog.Default()
	}
	cb := connectivity.NewCircuitBreaker(
		connectivity.WithBreakerThreshold(cfg.BreakerThreshold),
		connectivity.WithBreakerResetTimeout(cfg.BreakerReset),
	)
	return &Remote{
		breaker: cb,
		call: router.Service(Service,
			connectivity.WithObservability(mm, Service),
			connectivity.WithCircuitBreaker(cb, Service),
			connectivity.WithRetry(cfg.MaxRetries, cfg.RetryBackoff, logger),
			connectivity.WithTimeout(cfg.Timeout),
		),
	}
}

// Breaker exposes the circuit state for health reporting.
func (r *Remote) Breaker() *connectivity.CircuitBreaker { return r.breaker }

// Optimize asks the collaborator for url. Failures other than permanent
// answers are reported as *faults.TransientError.
func (r *Remote) Optimize(ctx context.Context, url string) (*Result, error) {
	if url == "" {
		return nil, faults.Invalid("url is required")
	}
	var res Result
	err := connectivity.CallJSON(ctx, r.call, Service, struct {
		URL string `json:"url"`
	}{url}, &res)
	if err != nil {
		if connectivity.IsPermanent(err) {
			return nil, err
		}
		return nil, faults.Transient("optimize "+url, err)
	}
	if res.CurrentSizeBytes == 0 && res.OptimizedSizeBytes == 0 {
		return nil, ErrNoResult
	}
	if res.URL == "" {
		res.URL = url
	}
	return &res, nil
}
