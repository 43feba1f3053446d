// Command bridge runs the cloud side of the smart-home bridge: the gateway
// TCP listener, the device catalog with its liveness watchdog, the
// fulfillment HTTP server, and the operator telemetry surfaces.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/lmittmann/tint"

	"github.com/hearthcloud/bridge/internal/config"
	"github.com/hearthcloud/bridge/internal/console"
	"github.com/hearthcloud/bridge/internal/devices"
	"github.com/hearthcloud/bridge/internal/directory"
	"github.com/hearthcloud/bridge/internal/events"
	"github.com/hearthcloud/bridge/internal/fulfillment"
	"github.com/hearthcloud/bridge/internal/gateway"
	"github.com/hearthcloud/bridge/internal/reportstate"
)

const shutdownGrace = 10 * time.Second

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "bridge:", err)
		os.Exit(1)
	}
}

func run() error {
	godotenv.Load()

	configPath := flag.String("config", os.Getenv("BRIDGE_CONFIG"), "path to bridge.yaml")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	log := newLogger(cfg)
	log.Info("bridge starting", "env", cfg.Env)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// User store.
	store, storeClose, err := newStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer storeClose()

	// Telemetry bus.
	bus, emitter, busClose, err := newEventBus(log, cfg)
	if err != nil {
		return err
	}
	defer busClose()

	// Device catalog and watchdog.
	repo, err := devices.NewRepository(devices.Config{
		Logger:              log,
		AvailabilityTimeout: cfg.Devices.AvailabilityTimeout.Std(),
		Events:              emitter,
	})
	if err != nil {
		return err
	}

	// Directory: credentials, live connections, command routing.
	dir, err := directory.New(directory.Config{Logger: log, Store: store, Purger: repo})
	if err != nil {
		return err
	}
	repo.SetRouter(dir)

	// Report-state feed toward the assistant.
	reporter, err := reportstate.NewReporter(reportstate.Config{
		Logger: log,
		Sink:   newSink(log, cfg),
	})
	if err != nil {
		return err
	}
	repo.AddListener(reporter)

	workers, cancelWorkers := context.WithCancel(context.Background())
	defer cancelWorkers()
	go repo.Run(workers)
	go reporter.Run(workers)

	// Gateway TCP listener.
	gw, err := gateway.NewServer(gateway.Config{
		Logger:         log,
		Registry:       dir,
		Catalog:        repo,
		Events:         emitter,
		Listen:         cfg.Gateway.Listen,
		AuthTimeout:    cfg.Gateway.AuthTimeout.Std(),
		MaxBufferBytes: cfg.Gateway.MaxBufferBytes,
		SendQueueSize:  cfg.Gateway.SendQueueSize,
	})
	if err != nil {
		return err
	}
	if err := gw.Start(); err != nil {
		return err
	}

	// Fulfillment HTTP server.
	resolver := fulfillment.NewCachingResolver(
		fulfillment.StaticTokens(cfg.Fulfillment.AccessTokens),
		cfg.Fulfillment.TokenTTL.Std(),
	)
	defer resolver.Stop()

	handler, err := fulfillment.NewHandler(fulfillment.HandlerConfig{
		Logger:      log,
		Catalog:     repo,
		Accounts:    dir,
		Events:      emitter,
		Tokens:      resolver,
		AgentPrefix: cfg.Fulfillment.AgentPrefix,
	})
	if err != nil {
		return err
	}

	httpSrv, err := fulfillment.NewServer(fulfillment.ServerConfig{
		Logger:  log,
		Handler: handler,
		Auth:    resolver,
		Console: console.New(log, bus),
		Listen:  cfg.Fulfillment.Listen,
		TLS: fulfillment.TLSConfig{
			Enabled:  cfg.TLS.Enabled,
			Domain:   cfg.TLS.Domain,
			CacheDir: cfg.TLS.CacheDir,
		},
	})
	if err != nil {
		return err
	}
	if err := httpSrv.Start(); err != nil {
		return err
	}

	log.Info("bridge running",
		"gateway", cfg.Gateway.Listen, "fulfillment", cfg.Fulfillment.Listen)
	<-ctx.Done()
	log.Info("bridge stopping")

	// Stop taking new work first, then drain, then kill the workers.
	drain, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if err := httpSrv.Shutdown(drain); err != nil {
		log.Warn("fulfillment shutdown incomplete", "error", err)
	}
	if err := gw.Shutdown(drain); err != nil {
		log.Warn("gateway shutdown incomplete", "error", err)
	}
	cancelWorkers()

	log.Info("bridge stopped")
	return nil
}

func newLogger(cfg config.Config) *slog.Logger {
	level := parseLevel(cfg.LogLevel)
	var handler slog.Handler
	if cfg.LogFormat == "console" {
		handler = tint.NewHandler(os.Stderr, &tint.Options{Level: level, TimeFormat: time.TimeOnly})
	} else {
		handler = slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	}
	return slog.New(handler)
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func newStore(ctx context.Context, cfg config.Config) (directory.Store, func(), error) {
	switch cfg.Store.Driver {
	case "postgres":
		pg, err := directory.NewPostgresStore(ctx, cfg.Store.PostgresDSN)
		if err != nil {
			return nil, nil, fmt.Errorf("open postgres store: %w", err)
		}
		return pg, func() { pg.Close() }, nil
	default:
		return directory.NewMemoryStore(), func() {}, nil
	}
}

// newEventBus returns the local bus (always present, feeds the console) and
// the emitter components publish through, which may additionally export
// off-pod.
func newEventBus(log *slog.Logger, cfg config.Config) (*events.Bus, events.Emitter, func(), error) {
	switch cfg.Events.Emitter {
	case "redis":
		rb, err := events.NewRedisBus(log, cfg.Events.RedisAddr, "", cfg.Events.RedisChannel)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("connect redis bus: %w", err)
		}
		return rb.Bus, rb, func() { rb.Close() }, nil
	case "pubsub":
		pb, err := events.NewPubSubBus(log, cfg.Events.PubSubProject, cfg.Events.PubSubTopic)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("connect pubsub bus: %w", err)
		}
		return pb.Bus, pb, func() { pb.Close() }, nil
	default:
		bus := events.NewBus()
		return bus, bus, func() {}, nil
	}
}

func newSink(log *slog.Logger, cfg config.Config) reportstate.Sink {
	if cfg.ReportState.Sink == "noop" {
		return reportstate.NoopSink{}
	}
	return reportstate.LogSink{Log: log}
}
