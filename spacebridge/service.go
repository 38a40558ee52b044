// Package spacebridge wires the site registry, the space bridge allocator,
// the token ledger and the real-time relay into one service over a single
// SQLite database.
//
//	svc, err := spacebridge.New(ctx, cfg, logger)
//	defer svc.Close()
//	svc.RegisterMCP(mcpServer)
//	svc.Start(ctx)
//	http.ListenAndServe(cfg.HTTPAddr, svc.Handler())
//
// Components talk through interfaces: the registry pushes slots to the
// allocator (SlotSink) and rewards crawls through the ledger's connectivity
// service, the allocator charges through the ledger (Charger) and the
// ledger moves marketplace slots through the allocator (AssetOwner).
package spacebridge

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/hazyhaar/spacebridge/allocator"
	"github.com/hazyhaar/spacebridge/connectivity"
	"github.com/hazyhaar/spacebridge/dbopen"
	"github.com/hazyhaar/spacebridge/events"
	"github.com/hazyhaar/spacebridge/ledger"
	"github.com/hazyhaar/spacebridge/observability"
	"github.com/hazyhaar/spacebridge/optimizer"
	"github.com/hazyhaar/spacebridge/registry"
	"github.com/hazyhaar/spacebridge/relay"
	"github.com/hazyhaar/spacebridge/shield"
	"github.com/hazyhaar/spacebridge/worker"
)

// Schemas lists every table set, in creation order.
var Schemas = []string{
	connectivity.Schema,
	observability.Schema,
	shield.Schema,
	ledger.Schema,
	registry.Schema,
	allocator.Schema,
}

// Service is the running system.
type Service struct {
	cfg    *Config
	db     *sql.DB
	ownDB  bool
	logger *slog.Logger
	now    func() time.Time

	router    *connectivity.Router
	metrics   *observability.MetricsManager
	pulse     *observability.Pulse
	eventLog  *observability.EventLogger
	limiter   *shield.RateLimiter
	optimizer optimizer.Optimizer
	breaker   *connectivity.CircuitBreaker

	ledger   *ledger.Ledger
	registry *registry.Registry
	alloc    *allocator.Allocator

	relay        *relay.Relay
	newTransport func() relay.Transport

	loops []*worker.Loop
	wg    sync.WaitGroup
}

// Option customises a Service.
type Option func(*Service)

// WithDB uses an already opened database. The caller keeps ownership.
func WithDB(db *sql.DB) Option { return func(s *Service) { s.db = db } }

// WithClock replaces time.Now in every component.
func WithClock(now func() time.Time) Option { return func(s *Service) { s.now = now } }

// WithOptimizer replaces the connectivity-routed crawl collaborator.
func WithOptimizer(o optimizer.Optimizer) Option { return func(s *Service) { s.optimizer = o } }

// New opens the database, builds every component and wires them together.
// Nothing runs in the background until Start.
func New(ctx context.Context, cfg *Config, logger *slog.Logger, opts ...Option) (*Service, error) {
	cfg.defaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	s := &Service{cfg: cfg, logger: logger, now: time.Now}
	for _, o := range opts {
		o(s)
	}

	if s.db == nil {
		db, err := dbopen.Open(cfg.DBPath, dbopen.WithMkdirAll(), dbopen.WithSchema(Schemas...))
		if err != nil {
			return nil, err
		}
		s.db, s.ownDB = db, true
	} else {
		for _, ddl := range Schemas {
			if _, err := s.db.ExecContext(ctx, ddl); err != nil {
				return nil, fmt.Errorf("spacebridge: schema: %w", err)
			}
		}
	}

	if err := s.build(ctx); err != nil {
		s.Close()
		return nil, err
	}
	logger.Info("spacebridge: ready", "db", cfg.DBPath, "relay", cfg.Relay.Transport,
		"bridges", len(s.alloc.Bridges()))
	return s, nil
}

func (s *Service) build(ctx context.Context) error {
	cfg, logger := s.cfg, s.logger

	s.router = connectivity.New(connectivity.WithLogger(logger))
	s.router.RegisterTransport("http", connectivity.HTTPFactory())
	if cfg.CrawlerEndpoint != "" {
		if err := connectivity.SetRoute(ctx, s.db, optimizer.Service, "http", cfg.CrawlerEndpoint, nil); err != nil {
			return err
		}
	}
	if err := s.router.Reload(ctx, s.db); err != nil {
		return err
	}

	s.metrics = observability.NewMetricsManager(s.db, 0, 0, logger)
	s.pulse = observability.NewPulse(s.db, logger)
	s.eventLog = observability.NewEventLogger(s.db, cfg.Name, logger)
	s.limiter = shield.NewRateLimiter(s.db, logger, "/health")

	sinks := []events.Emitter{s.eventLog}
	switch cfg.Relay.Transport {
	case "memory":
		hub := relay.NewMemoryHub()
		s.newTransport = func() relay.Transport { return hub.Transport() }
	case "quic":
		tlsCfg := relay.ClientTLSConfig(cfg.Relay.InsecureSkipVerify)
		s.newTransport = func() relay.Transport { return relay.NewQUICTransport(cfg.Relay.Addr, tlsCfg, logger) }
	}
	if s.newTransport != nil {
		s.relay = relay.New(s.newTransport(), cfg.Relay,
			relay.WithLogger(logger), relay.WithName(cfg.Name), relay.WithClock(s.now))
		sinks = append(sinks, s.relay)
	}
	emitter := events.Multi(sinks...)

	if s.optimizer == nil {
		remote := optimizer.NewRemote(s.router, cfg.Optimizer, s.metrics, logger)
		s.optimizer, s.breaker = remote, remote.Breaker()
	}

	var err error
	s.ledger, err = ledger.New(ctx, s.db, cfg.Ledger,
		ledger.WithLogger(logger),
		ledger.WithEmitter(emitter),
		ledger.WithMetrics(s.metrics),
		ledger.WithClock(s.now),
	)
	if err != nil {
		return fmt.Errorf("spacebridge: ledger: %w", err)
	}
	s.ledger.RegisterConnectivity(s.router)

	s.registry, err = registry.New(ctx, s.db, cfg.Registry,
		registry.WithLogger(logger),
		registry.WithRecorder(registry.NewServiceRecorder(s.router, cfg.RecordRetries, cfg.RecordBackoff, logger)),
		registry.WithOptimizer(s.optimizer),
		registry.WithMetrics(s.metrics),
		registry.WithClock(s.now),
	)
	if err != nil {
		return fmt.Errorf("spacebridge: registry: %w", err)
	}
	s.registry.RegisterConnectivity(s.router)

	s.alloc, err = allocator.New(ctx, s.db, cfg.Allocator,
		allocator.WithLogger(logger),
		allocator.WithEmitter(emitter),
		allocator.WithCharger(s.ledger),
		allocator.WithIngester(s.registry),
		allocator.WithOptimizer(s.optimizer),
		allocator.WithMetrics(s.metrics),
		allocator.WithClock(s.now),
	)
	if err != nil {
		return fmt.Errorf("spacebridge: allocator: %w", err)
	}
	s.alloc.RegisterConnectivity(s.router)
	s.registry.SetSlotSink(s.alloc)
	s.ledger.SetAssetOwner(s.alloc)

	s.loops = s.workers()
	return nil
}

func orDefault(d, def time.Duration) time.Duration {
	if d <= 0 {
		return def
	}
	return d
}

func (s *Service) workers() []*worker.Loop {
	cfg := s.cfg
	opts := []worker.Option{worker.WithLogger(s.logger), worker.WithPulse(s.pulse)}
	loop := func(name string, every time.Duration, fn worker.Func) *worker.Loop {
		return worker.New(name, every, fn, opts...)
	}
	count := func(fn func(context.Context) (int, error)) worker.Func {
		return func(ctx context.Context) error {
			_, err := fn(ctx)
			return err
		}
	}

	return []*worker.Loop{
		loop("crawl_scan", orDefault(cfg.Registry.ScanInterval, time.Minute), s.registry.Tick),
		loop("reoptimize", orDefault(cfg.Allocator.ReoptimizeInterval, 10*time.Minute), count(s.alloc.Reoptimize)),
		loop("archive", orDefault(cfg.Allocator.ArchiveInterval, time.Hour), func(ctx context.Context) error {
			_, aerr := s.alloc.Archive(ctx)
			_, rerr := s.alloc.ReleaseExpired(ctx)
			return errors.Join(aerr, rerr)
		}),
		loop("allocation_queue", orDefault(cfg.Allocator.QueueInterval, 15*time.Second), count(s.alloc.Drain)),
		loop("staking_accrual", orDefault(cfg.Ledger.AccrualInterval, time.Hour), count(s.ledger.Accrue)),
		loop("reward_sweep", orDefault(cfg.Ledger.SweepInterval, 24*time.Hour), count(s.ledger.Sweep)),
		loop("rate_limits", orDefault(cfg.RateLimitReload, time.Minute), s.limiter.Reload),
		loop("cleanup", cfg.CleanupInterval, func(ctx context.Context) error {
			return observability.Cleanup(ctx, s.db, cfg.EventRetention)
		}),
	}
}

// Start launches the workers, the routes watcher and the relay. They stop
// when ctx is cancelled.
func (s *Service) Start(ctx context.Context) {
	s.wg.Add(2)
	go func() {
		defer s.wg.Done()
		s.router.Watch(ctx, s.db, s.cfg.RoutesWatchInterval)
	}()
	go func() {
		defer s.wg.Done()
		worker.Group(ctx, s.loops...)
	}()
	if s.relay != nil {
		s.relay.Start(ctx)
	}
	s.logger.Info("spacebridge: started", "workers", len(s.loops))
}

// Close stops the relay, flushes metrics and closes the database when the
// service opened it. Cancel the Start context first.
func (s *Service) Close() error {
	s.wg.Wait()
	var errs []error
	if s.relay != nil {
		errs = append(errs, s.relay.Close())
	}
	if s.metrics != nil {
		errs = append(errs, s.metrics.Close())
	}
	if s.router != nil {
		errs = append(errs, s.router.Close())
	}
	if s.ownDB && s.db != nil {
		errs = append(errs, s.db.Close())
	}
	return errors.Join(errs...)
}

// RegisterMCP exposes every component's tools on srv.
func (s *Service) RegisterMCP(srv *mcp.Server) {
	s.registry.RegisterMCP(srv)
	s.alloc.RegisterMCP(srv)
	s.ledger.RegisterMCP(srv)
}

func (s *Service) DB() *sql.DB                     { return s.db }
func (s *Service) Router() *connectivity.Router    { return s.router }
func (s *Service) Ledger() *ledger.Ledger          { return s.ledger }
func (s *Service) Registry() *registry.Registry    { return s.registry }
func (s *Service) Allocator() *allocator.Allocator { return s.alloc }

// Relay returns the publishing relay, nil when the relay is disabled.
func (s *Service) Relay() *relay.Relay { return s.relay }

// Stats is the combined view of the three components.
type Stats struct {
	Registry  *registry.Stats  `json:"registry"`
	Allocator *allocator.Stats `json:"allocator"`
	Supply    *ledger.Supply   `json:"supply"`
	Relay     relay.State      `json:"relay,omitempty"`
	Optimizer string           `json:"optimizer_circuit,omitempty"`
}

// Stats gathers the component summaries.
func (s *Service) Stats(ctx context.Context) (*Stats, error) {
	var st Stats
	var err error
	if st.Registry, err = s.registry.Stats(ctx); err != nil {
		return nil, err
	}
	if st.Allocator, err = s.alloc.Stats(ctx); err != nil {
		return nil, err
	}
	if st.Supply, err = s.ledger.Supply(ctx); err != nil {
		return nil, err
	}
	if s.relay != nil {
		st.Relay = s.relay.State()
	}
	if s.breaker != nil {
		st.Optimizer = s.breaker.State().String()
	}
	return &st, nil
}
