// Package worker runs the periodic jobs (crawl scan, re-optimization,
// archival, staking accrual, reward sweep, queue drain) on tickers. A tick
// that fires while the previous run of the same job is still going is
// skipped, never queued.
package worker

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Func is one run of a periodic job.
type Func func(ctx context.Context) error

// Pulse records the outcome of each run. observability.Pulse implements it.
type Pulse interface {
	Beat(ctx context.Context, job string, took time.Duration, err error)
}

// Loop drives one periodic job.
type Loop struct {
	name      string
	interval  time.Duration
	fn        Func
	logger    *slog.Logger
	pulse     Pulse
	immediate bool

	running atomic.Bool
	skipped atomic.Int64
	wg      sync.WaitGroup
}

// Option customises a Loop.
type Option func(*Loop)

// WithLogger sets the logger. Default: slog.Default().
func WithLogger(l *slog.Logger) Option { return func(lp *Loop) { lp.logger = l } }

// WithPulse records every run.
func WithPulse(p Pulse) Option { return func(lp *Loop) { lp.pulse = p } }

// Immediate runs the job once as soon as Run starts.
func Immediate() Option { return func(lp *Loop) { lp.immediate = true } }

// New creates a Loop. A non-positive interval defaults to one minute.
func New(name string, interval time.Duration, fn Func, opts ...Option) *Loop {
	if interval <= 0 {
		interval = time.Minute
	}
	l := &Loop{name: name, interval: interval, fn: fn, logger: slog.Default()}
	for _, o := range opts {
		o(l)
	}
	return l
}

// Name returns the job name.
func (l *Loop) Name() string { return l.name }

// Skipped returns how many ticks were dropped because a run was in flight.
func (l *Loop) Skipped() int64 { return l.skipped.Load() }

// Run ticks until ctx is cancelled, then waits for the in-flight run.
func (l *Loop) Run(ctx context.Context) {
	ticker := time.NewTicker(l.interval)
	defer ticker.Stop()
	defer l.wg.Wait()

	if l.immediate {
		l.spawn(ctx)
	}
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.spawn(ctx)
		}
	}
}

func (l *Loop) spawn(ctx context.Context) {
	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		l.Tick(ctx)
	}()
}

// Tick runs the job once in the calling goroutine. It returns false without
// running when a previous run is still in flight.
func (l *Loop) Tick(ctx context.Context) bool {
	if !l.running.CompareAndSwap(false, true) {
		l.skipped.Add(1)
		l.logger.Debug("worker: tick skipped, previous run in flight", "job", l.name)
		return false
	}
	defer l.running.Store(false)

	start := time.Now()
	err := l.safeRun(ctx)
	took := time.Since(start)
	if err != nil && ctx.Err() == nil {
		l.logger.Warn("worker: run failed", "job", l.name, "duration", took, "error", err)
	}
	if l.pulse != nil {
		l.pulse.Beat(ctx, l.name, took, err)
	}
	return true
}

func (l *Loop) safeRun(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			l.logger.Error("worker: run panicked", "job", l.name, "panic", r)
			err = errPanic
		}
	}()
	return l.fn(ctx)
}

type panicError struct{}

func (panicError) Error() string { return "worker: run panicked" }

var errPanic error = panicError{}

// Group runs several loops and returns when all have stopped.
func Group(ctx context.Context, loops ...*Loop) {
	var wg sync.WaitGroup
	for _, l := range loops {
		wg.Add(1)
		go func(l *Loop) {
			defer wg.Done()
			l.Run(ctx)
		}(l)
	}
	wg.Wait()
}
