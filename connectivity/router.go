// Package connectivity routes calls between spacebridge components and their
// external collaborators (the crawl optimizer, remote ledgers). A service is
// called by name; the SQLite routes table decides whether the call stays in
// process, goes over HTTP, or is switched off:
//
//	router := connectivity.New(connectivity.WithLogger(logger))
//	router.RegisterTransport("http", connectivity.HTTPFactory())
//	ledger.RegisterConnectivity(router)
//	go router.Watch(ctx, db, time.Second)
//
//	resp, err := router.Call(ctx, "ledger_record_optimization", payload)
package connectivity

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
)

// Handler is a service function: JSON bytes in, JSON bytes out.
type Handler func(ctx context.Context, payload []byte) ([]byte, error)

// TransportFactory builds a Handler for a remote endpoint. The close func,
// when non-nil, is called once the route is dropped or changed.
type TransportFactory func(endpoint string, config json.RawMessage) (handler Handler, close func(), err error)

type route struct {
	Service  string
	Strategy string
	Endpoint string
	Config   json.RawMessage
}

func (rt route) key() string {
	return rt.Strategy + "|" + rt.Endpoint + "|" + string(rt.Config)
}

type remote struct {
	handler Handler
	close   func()
}

// Router dispatches service calls. Safe for concurrent use.
type Router struct {
	mu        sync.RWMutex
	local     map[string]Handler
	remotes   map[string]remote
	routes    map[string]route
	factories map[string]TransportFactory
	logger    *slog.Logger
}

// Option configures a Router.
type Option func(*Router)

// WithLogger sets the router logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Router) { r.logger = l }
}

// New creates an empty Router.
func New(opts ...Option) *Router {
	r := &Router{
		local:     make(map[string]Handler),
		remotes:   make(map[string]remote),
		routes:    make(map[string]route),
		factories: make(map[string]TransportFactory),
		logger:    slog.Default(),
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// RegisterLocal registers an in-process handler for service.
func (r *Router) RegisterLocal(service string, h Handler) {
	r.mu.Lock()
	r.local[service] = h
	r.mu.Unlock()
}

// RegisterTransport registers the factory used for routes whose strategy is
// protocol.
func (r *Router) RegisterTransport(protocol string, f TransportFactory) {
	r.mu.Lock()
	r.factories[protocol] = f
	r.mu.Unlock()
}

// Call dispatches a call. Resolution order: a noop route succeeds with a nil
// response, a remote route wins over a local handler, and a service with
// neither fails with *ErrServiceNotFound.
func (r *Router) Call(ctx context.Context, service string, payload []byte) ([]byte, error) {
	r.mu.RLock()
	rm, hasRemote := r.remotes[service]
	lh := r.local[service]
	rt, hasRoute := r.routes[service]
	r.mu.RUnlock()

	switch {
	case hasRoute && rt.Strategy == "noop":
		r.logger.DebugContext(ctx, "connectivity: noop", "service", service)
		return nil, nil
	case hasRemote:
		return rm.handler(ctx, payload)
	case lh != nil:
		return lh(ctx, payload)
	}
	return nil, &ErrServiceNotFound{Service: service}
}

// Services lists the locally registered services, sorted.
func (r *Router) Services() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.local))
	for name := range r.local {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Reload reads the routes table and rebuilds remote handlers. Unchanged
// routes keep their handler (and its connections).
func (r *Router) Reload(ctx context.Context, db *sql.DB) error {
	rows, err := db.QueryContext(ctx,
		`SELECT service_name, strategy, COALESCE(endpoint, ''), COALESCE(config, '{}') FROM routes`)
	if err != nil {
		return fmt.Errorf("connectivity: query routes: %w", err)
	}
	defer rows.Close()

	next := make(map[string]route)
	for rows.Next() {
		var rt route
		var cfg string
		if err := rows.Scan(&rt.Service, &rt.Strategy, &rt.Endpoint, &cfg); err != nil {
			return fmt.Errorf("connectivity: scan route: %w", err)
		}
		rt.Config = json.RawMessage(cfg)
		next[rt.Service] = rt
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("connectivity: rows: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	built := make(map[string]remote, len(next))
	for name, rt := range next {
		if rt.Strategy == "local" || rt.Strategy == "noop" {
			continue
		}
		if old, ok := r.routes[name]; ok && old.key() == rt.key() {
			if existing, ok := r.remotes[name]; ok {
				built[name] = existing
				continue
			}
		}
		factory, ok := r.factories[rt.Strategy]
		if !ok {
			r.logger.Warn("connectivity: no transport factory",
				"service", name, "strategy", rt.Strategy)
			continue
		}
		h, closeFn, err := factory(rt.Endpoint, rt.Config)
		if err != nil {
			r.logger.Error("connectivity: build route",
				"service", name, "strategy", rt.Strategy, "endpoint", rt.Endpoint, "error", err)
			continue
		}
		built[name] = remote{handler: h, close: closeFn}
		r.logger.Info("connectivity: route built",
			"service", name, "strategy", rt.Strategy, "endpoint", rt.Endpoint)
	}

	for name, old := range r.remotes {
		if old.close == nil {
			continue
		}
		if _, kept := built[name]; !kept || r.routes[name].key() != next[name].key() {
			old.close()
		}
	}

	r.remotes = built
	r.routes = next
	r.logger.Info("connectivity: routes reloaded", "total", len(next), "remote", len(built))
	return nil
}

// Close releases every remote handler.
func (r *Router) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, rm := range r.remotes {
		if rm.close != nil {
			rm.close()
		}
	}
	r.remotes = make(map[string]remote)
	r.routes = make(map[string]route)
	return nil
}
