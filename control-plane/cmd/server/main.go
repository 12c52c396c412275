// Command server runs the beatmon control plane.
//
// # Usage
//
//	server --config /etc/beatmon/server.yaml --debug
//
// # Configuration
//
// The server can be configured via:
//   - A YAML file (--config)
//   - A .env file (--env-file, default .env)
//   - Environment variables (BEATMON_*)
//   - Command-line flags, which win over everything else
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/pilot-net/beatmon/control-plane/internal/api"
	"github.com/pilot-net/beatmon/control-plane/internal/auth"
	"github.com/pilot-net/beatmon/control-plane/internal/buffer"
	"github.com/pilot-net/beatmon/control-plane/internal/cache"
	"github.com/pilot-net/beatmon/control-plane/internal/clock"
	"github.com/pilot-net/beatmon/control-plane/internal/config"
	"github.com/pilot-net/beatmon/control-plane/internal/ingest"
	"github.com/pilot-net/beatmon/control-plane/internal/metrics"
	"github.com/pilot-net/beatmon/control-plane/internal/registry"
	"github.com/pilot-net/beatmon/control-plane/internal/secrets"
	"github.com/pilot-net/beatmon/control-plane/internal/stats"
	"github.com/pilot-net/beatmon/control-plane/internal/store"
	"github.com/pilot-net/beatmon/control-plane/internal/worker"
	"github.com/pilot-net/beatmon/db/migrate"
)

var version = "dev"

func main() {
	var (
		configPath  = flag.String("config", "", "Path to YAML config file")
		envFile     = flag.String("env-file", ".env", "Path to .env file (missing is fine)")
		listen      = flag.String("listen", "", "Listen address (overrides config)")
		debug       = flag.Bool("debug", false, "Enable debug logging")
		showVersion = flag.Bool("version", false, "Print version and exit")
	)
	flag.Parse()

	if *showVersion {
		fmt.Println("beatmon-server", version)
		os.Exit(0)
	}

	// Set up logging
	logLevel := slog.LevelInfo
	if *debug {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: logLevel,
	}))

	cfg, err := config.Load(*configPath, *envFile)
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	if *listen != "" {
		cfg.Server.Addr = *listen
	}
	if err := cfg.Validate(); err != nil {
		logger.Error("invalid config", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("server failed", "error", err)
		os.Exit(1)
	}
	logger.Info("shutdown complete")
}

func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	gate, err := newGate(ctx, cfg, logger)
	if err != nil {
		return err
	}

	prom := metrics.NewPrometheus(nil, "beatmon")
	observers := registry.Observers{prom}

	// Activity log (optional)
	var (
		db       *store.Store
		activity *buffer.ActivityBuffer
		flusher  *buffer.Flusher
	)
	if cfg.Database.URL != "" {
		db, err = openStore(ctx, cfg, logger)
		if err != nil {
			return err
		}
		defer db.Close()

		activity = buffer.NewActivityBuffer(config.ActivityQueueSize, logger)
		flusher = buffer.NewFlusher(activity, db, config.ActivityFlushInterval, config.ActivityBatchSize, logger)
		observers = append(observers, activity)
	}

	reg := registry.New(registry.Options{
		DefaultInterval: cfg.Monitor.ExpectedInterval,
		Intervals:       cfg.Intervals(),
		Observer:        observers,
	})
	clk := clock.Real{}
	for _, d := range cfg.Monitor.Devices {
		if _, _, err := reg.Register(d.Name, clk.Now()); err != nil {
			return fmt.Errorf("registering %q: %w", d.Name, err)
		}
	}
	if n := len(cfg.Monitor.Devices); n > 0 {
		logger.Info("pre-registered devices", "count", n)
	}

	agg := stats.NewAggregator(reg, clk)
	deps := api.Deps{
		Registry:  reg,
		Stats:     agg,
		Gate:      gate,
		Clock:     clk,
		Health:    metrics.NewCollector(agg, config.HealthCacheTTL),
		Metrics:   prom.Handler(),
		Location:  cfg.Location(),
		BodyLimit: cfg.Server.RequestBodyMaxBytes,
	}
	if db != nil {
		deps.Activity = db
	}

	// Response cache (optional)
	if cfg.Redis.URL != "" {
		c, err := cache.New(ctx, cfg.Redis.URL, logger)
		if err != nil {
			logger.Warn("redis unavailable, serving without response cache", "error", err)
		} else {
			defer c.Close()
			deps.Cache = c
		}
	}

	server := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           api.NewServer(deps, logger),
		ReadHeaderTimeout: config.ReadHeaderTimeout,
		WriteTimeout:      config.WriteTimeout,
		IdleTimeout:       config.IdleTimeout,
	}

	sweeper := worker.NewSweeper(reg, clk, prom, worker.SweeperConfig{
		Interval:  cfg.Monitor.SweepInterval,
		Retention: cfg.Monitor.Retention,
	}, logger)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("starting server", "addr", cfg.Server.Addr, "version", version)
		if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), config.ShutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("shutdown error", "error", err)
		}
		return nil
	})

	g.Go(func() error {
		sweeper.Start(gctx)
		<-gctx.Done()
		sweeper.Stop()
		return nil
	})

	if flusher != nil {
		flusher.Start()
		defer flusher.Stop()
	}

	handler := ingest.NewHandler(reg, clk, logger.With("component", "ingest"))
	for _, src := range sources(cfg, handler, logger) {
		g.Go(func() error { return src.Run(gctx) })
	}

	return g.Wait()
}

// newGate builds the auth gate, resolving the token from the secrets
// backend when only a secret name is configured.
func newGate(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*auth.Gate, error) {
	ac := auth.Config{Token: cfg.Auth.Token, TokenHash: cfg.Auth.TokenHash}

	if ac.Token == "" && ac.TokenHash == "" {
		ts, err := secrets.NewTokenStore(secrets.Config{
			Backend:      cfg.Secrets.Backend,
			ConnectHost:  cfg.Secrets.ConnectHost,
			ConnectToken: cfg.Secrets.ConnectToken,
			Vault:        cfg.Secrets.Vault,
			LocalDir:     cfg.Secrets.LocalDir,
		}, logger)
		if err != nil {
			return nil, fmt.Errorf("initializing secrets: %w", err)
		}
		defer ts.Close()

		token, created, err := ts.GetOrCreateToken(ctx, cfg.Auth.TokenSecret)
		if err != nil {
			return nil, fmt.Errorf("resolving API token: %w", err)
		}
		if created {
			logger.Warn("generated a new API token; distribute it to devices", "secret", cfg.Auth.TokenSecret)
		}
		ac.Token = token
	}

	gate, err := auth.NewGate(ac)
	if err != nil {
		return nil, fmt.Errorf("initializing auth: %w", err)
	}
	return gate, nil
}

func openStore(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*store.Store, error) {
	pingCtx, cancel := context.WithTimeout(ctx, config.DatabasePingTimeout)
	defer cancel()

	db, err := store.NewStoreFromURL(pingCtx, cfg.Database.URL, cfg.Database.MaxConns)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("database ping failed: %w", err)
	}
	logger.Info("connected to database")

	if err := migrate.Run(ctx, db.Pool(), logger); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrating database: %w", err)
	}
	return db, nil
}

type source interface {
	Run(ctx context.Context) error
}

// sources returns the broker consumers enabled in cfg.
func sources(cfg *config.Config, h *ingest.Handler, logger *slog.Logger) []source {
	var out []source
	if cfg.MQTT.Broker != "" {
		out = append(out, ingest.NewMQTTSource(ingest.MQTTConfig{
			Broker:   cfg.MQTT.Broker,
			ClientID: cfg.MQTT.ClientID,
			Topic:    cfg.MQTT.Topic,
			QoS:      cfg.MQTT.QoS,
			Username: cfg.MQTT.Username,
			Password: cfg.MQTT.Password,
		}, h, logger))
	}
	if cfg.NATS.URL != "" {
		out = append(out, ingest.NewNATSSource(ingest.NATSConfig{
			URL:           cfg.NATS.URL,
			Subject:       cfg.NATS.Subject,
			Queue:         cfg.NATS.Queue,
			ReconnectWait: config.BrokerReconnectDelay,
		}, h, logger))
	}
	if cfg.AMQP.URL != "" {
		out = append(out, ingest.NewAMQPSource(ingest.AMQPConfig{
			URL:            cfg.AMQP.URL,
			Queue:          cfg.AMQP.Queue,
			Prefetch:       cfg.AMQP.Prefetch,
			ReconnectDelay: config.BrokerReconnectDelay,
		}, h, logger))
	}
	return out
}
