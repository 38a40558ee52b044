// Command spacebridge runs the site registry, the space bridge allocator and
// the token ledger behind one HTTP API.
//
// Usage:
//
//	spacebridge --config spacebridge.yaml serve        # HTTP API and workers
//	spacebridge --db spacebridge.db serve --mcp        # also MCP over stdio
//	spacebridge --db spacebridge.db ingest --url https://example.com --current 90000 --optimized 40000
//	spacebridge --db spacebridge.db stats
//	spacebridge --db spacebridge.db balance alice
//	spacebridge relay-hub --addr :4433                 # QUIC relay hub
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/urfave/cli/v2"
	_ "modernc.org/sqlite"

	"github.com/hazyhaar/spacebridge/optimizer"
	"github.com/hazyhaar/spacebridge/registry"
	"github.com/hazyhaar/spacebridge/relay"
	"github.com/hazyhaar/spacebridge/spacebridge"
)

const version = "0.3.0"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newApp().RunContext(ctx, os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "spacebridge:", err)
		os.Exit(1)
	}
}

func newApp() *cli.App {
	return &cli.App{
		Name:    "spacebridge",
		Usage:   "turn reclaimed web page space into allocatable bridges",
		Version: version,
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "config", Aliases: []string{"c"}, Usage: "path to the YAML config file", EnvVars: []string{"SPACEBRIDGE_CONFIG"}},
			&cli.StringFlag{Name: "db", Usage: "SQLite database path (overrides the config)", EnvVars: []string{"SPACEBRIDGE_DB"}},
			&cli.StringFlag{Name: "log-level", Value: "info", Usage: "debug, info, warn or error"},
		},
		Commands: []*cli.Command{
			{
				Name:  "serve",
				Usage: "run the HTTP API and the background workers",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "addr", Usage: "HTTP listen address (overrides the config)"},
					&cli.BoolFlag{Name: "mcp", Usage: "also serve MCP tools on stdin/stdout"},
				},
				Action: serve,
			},
			{
				Name:  "ingest",
				Usage: "record one crawl result",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "url", Required: true},
					&cli.Int64Flag{Name: "current", Usage: "page size before optimization, in bytes", Required: true},
					&cli.Int64Flag{Name: "optimized", Usage: "page size after optimization, in bytes", Required: true},
					&cli.IntFlag{Name: "seo", Usage: "SEO score 0-100"},
					&cli.StringFlag{Name: "owner", Usage: "account rewarded for the space"},
				},
				Action: ingest,
			},
			{
				Name:   "stats",
				Usage:  "print registry, allocator and supply statistics",
				Action: stats,
			},
			{
				Name:      "balance",
				Usage:     "print an account",
				ArgsUsage: "<account>",
				Action:    balance,
			},
			{
				Name:  "relay-hub",
				Usage: "run a QUIC relay hub for bridge chat and events",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "addr", Value: ":4433"},
					&cli.StringFlag{Name: "cert", Usage: "TLS certificate file (self-signed when empty)"},
					&cli.StringFlag{Name: "key", Usage: "TLS key file"},
				},
				Action: relayHub,
			},
		},
	}
}

func newLogger(c *cli.Context) *slog.Logger {
	var level slog.Level
	switch c.String("log-level") {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

func loadConfig(c *cli.Context) (*spacebridge.Config, error) {
	cfg := &spacebridge.Config{}
	if path := c.String("config"); path != "" {
		var err error
		if cfg, err = spacebridge.LoadConfigFile(path); err != nil {
			return nil, err
		}
	}
	if db := c.String("db"); db != "" {
		cfg.DBPath = db
	}
	return cfg, nil
}

// open builds the service for one-shot commands.
func open(c *cli.Context) (*spacebridge.Service, error) {
	cfg, err := loadConfig(c)
	if err != nil {
		return nil, err
	}
	svc, err := spacebridge.New(c.Context, cfg, newLogger(c))
	if err != nil {
		return nil, fmt.Errorf("init: %w", err)
	}
	return svc, nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func serve(c *cli.Context) error {
	logger := newLogger(c)
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	if addr := c.String("addr"); addr != "" {
		cfg.HTTPAddr = addr
	}

	ctx, cancel := context.WithCancel(c.Context)
	defer cancel()

	svc, err := spacebridge.New(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("init: %w", err)
	}
	svc.Start(ctx)

	errc := make(chan error, 2)
	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           svc.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		logger.Info("spacebridge: http listening", "addr", cfg.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- fmt.Errorf("http: %w", err)
		}
	}()

	if c.Bool("mcp") {
		ms := mcp.NewServer(&mcp.Implementation{Name: "spacebridge", Version: version}, nil)
		svc.RegisterMCP(ms)
		go func() {
			if err := ms.Run(ctx, &mcp.StdioTransport{}); err != nil && ctx.Err() == nil {
				errc <- fmt.Errorf("mcp: %w", err)
			}
		}()
	}

	select {
	case <-ctx.Done():
		logger.Info("spacebridge: shutting down")
	case err = <-errc:
		logger.Error("spacebridge: fatal", "error", err)
	}
	cancel()

	shutdownCtx, done := context.WithTimeout(context.Background(), 10*time.Second)
	defer done()
	if serr := srv.Shutdown(shutdownCtx); serr != nil {
		logger.Warn("spacebridge: http shutdown", "error", serr)
	}
	return errors.Join(err, svc.Close())
}

func ingest(c *cli.Context) error {
	svc, err := open(c)
	if err != nil {
		return err
	}
	defer svc.Close()

	site, err := svc.Registry().Ingest(c.Context, registry.CrawlResult{
		Result: optimizer.Result{
			URL:                c.String("url"),
			CurrentSizeBytes:   c.Int64("current"),
			OptimizedSizeBytes: c.Int64("optimized"),
			SEOScore:           c.Int("seo"),
		},
		OwnerID: c.String("owner"),
	})
	if err != nil {
		return err
	}
	return printJSON(site)
}

func stats(c *cli.Context) error {
	svc, err := open(c)
	if err != nil {
		return err
	}
	defer svc.Close()

	st, err := svc.Stats(c.Context)
	if err != nil {
		return err
	}
	return printJSON(st)
}

func balance(c *cli.Context) error {
	if c.NArg() != 1 {
		return cli.Exit("usage: spacebridge balance <account>", 2)
	}
	svc, err := open(c)
	if err != nil {
		return err
	}
	defer svc.Close()

	acct, err := svc.Ledger().Account(c.Context, c.Args().First())
	if err != nil {
		return err
	}
	return printJSON(acct)
}

func relayHub(c *cli.Context) error {
	logger := newLogger(c)
	tlsCfg, err := relay.HubTLSConfig(c.String("cert"), c.String("key"))
	if err != nil {
		return err
	}
	hub, err := relay.ListenHub(c.String("addr"), tlsCfg, logger)
	if err != nil {
		return err
	}
	return hub.Serve(c.Context)
}
