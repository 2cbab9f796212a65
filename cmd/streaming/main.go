// Command streaming runs the realtime streaming server: it holds client
// WebSocket and event-stream connections and fans out events published to
// Redis by the web application.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"fedistream/internal/auth"
	"fedistream/internal/config"
	"fedistream/internal/filter"
	"fedistream/internal/observability/logging"
	"fedistream/internal/observability/metrics"
	"fedistream/internal/pubsub"
	"fedistream/internal/server"
	"fedistream/internal/storage"
	"fedistream/internal/streaming"
	"fedistream/internal/streams"
)

const (
	healthCheckTimeout = 2 * time.Second
	storeCloseTimeout  = 5 * time.Second
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err := run(ctx, os.Args[1:], os.LookupEnv, os.Stderr)
	stop()
	if err != nil && !errors.Is(err, pflag.ErrHelp) {
		slog.Error("streaming server failed", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string, lookup config.LookupFunc, stderr io.Writer) error {
	cfg, err := config.LoadFrom(lookup)
	if err != nil {
		return err
	}
	opts, err := applyFlags(args, &cfg, stderr)
	if err != nil {
		return err
	}

	logger := logging.Init(logging.Config{Level: cfg.LogLevel, Format: cfg.LogFormat})
	runtime.GOMAXPROCS(cfg.Workers)
	logger.Info("starting streaming server", startupSummary(cfg)...)

	recorder := metrics.Default()

	store, err := storage.NewPostgresStore(ctx, cfg.Postgres.DSN(),
		storage.WithApplicationName("fedistream"),
	)
	if err != nil {
		return fmt.Errorf("connect postgres: %w", err)
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), storeCloseTimeout)
		defer cancel()
		if err := store.Close(closeCtx); err != nil {
			logger.Warn("failed to close postgres pool", "error", err)
		}
	}()

	redisClient, err := newRedisClient(cfg.Redis)
	if err != nil {
		return fmt.Errorf("configure redis: %w", err)
	}
	defer redisClient.Close()

	backend, err := pubsub.NewRedisBackend(pubsub.RedisBackendConfig{
		Client:    redisClient,
		Namespace: cfg.Redis.Namespace,
		Logger:    logging.WithComponent(logger, "redis"),
		Metrics:   recorder,
	})
	if err != nil {
		return fmt.Errorf("redis pubsub: %w", err)
	}
	registry := pubsub.NewRegistry(backend, logging.WithComponent(logger, "registry"))
	heartbeat := pubsub.NewHeartbeat(pubsub.HeartbeatConfig{
		Client:    redisClient,
		Namespace: cfg.Redis.Namespace,
		Logger:    logging.WithComponent(logger, "heartbeat"),
	})

	resolver := auth.NewResolver(store,
		auth.WithRequireAuth(cfg.RequireAuth),
		auth.WithLogger(logging.WithComponent(logger, "auth")),
	)

	hub, err := streaming.NewHub(streaming.Config{
		Registry:  registry,
		Heartbeat: heartbeat,
		Auth:      resolver,
		Streams: &streams.Resolver{
			Lists:             store,
			Quirks:            buildQuirks(cfg),
			FederatedTimeline: cfg.FederatedTimeline,
			Logger:            logging.WithComponent(logger, "streams"),
		},
		Filter: &filter.Filter{
			Store:   store,
			Metrics: recorder,
			Logger:  logging.WithComponent(logger, "filter"),
		},
		Metrics:           recorder,
		Logger:            logging.WithComponent(logger, "streaming"),
		PingInterval:      cfg.PingInterval,
		KeepAliveInterval: cfg.HeartbeatInterval,
	})
	if err != nil {
		return err
	}

	srv, err := server.New(server.Config{
		Addr:            cfg.ListenAddr(),
		TLS:             opts.TLS,
		SocketPath:      cfg.SocketPath,
		ShutdownTimeout: cfg.ShutdownTimeout,
		Hub:             hub,
		Registry:        registry,
		Health: func(ctx context.Context) error {
			ctx, cancel := context.WithTimeout(ctx, healthCheckTimeout)
			defer cancel()
			return errors.Join(redisClient.Ping(ctx).Err(), store.Ping(ctx))
		},
		CORS: server.CORSConfig{AllowedOrigins: cfg.CORSOrigins},
		RateLimit: server.RateLimitConfig{
			ConnectRPS:            cfg.ConnectRPS,
			ConnectBurst:          cfg.ConnectBurst,
			PerIPLimit:            cfg.ConnectLimitPerIP,
			PerIPWindow:           cfg.ConnectWindow,
			Redis:                 redisClient,
			KeyPrefix:             namespacePrefix(cfg.Redis.Namespace),
			TrustForwardedHeaders: cfg.TrustForwardedHeaders,
			TrustedProxies:        cfg.TrustedProxies,
		},
		Logger:  logging.WithComponent(logger, "http"),
		Metrics: recorder,
	})
	if err != nil {
		return err
	}

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error { return backend.Run(groupCtx, registry) })
	group.Go(func() error { return heartbeat.Run(groupCtx) })
	group.Go(func() error { return resolver.RunPurger(groupCtx, 0) })
	group.Go(func() error { return srv.Run(groupCtx, nil) })

	err = group.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logger.Info("streaming server stopped")
	return nil
}

func newRedisClient(cfg config.Redis) (*redis.Client, error) {
	if cfg.URL != "" {
		options, err := redis.ParseURL(cfg.URL)
		if err != nil {
			return nil, fmt.Errorf("parse REDIS_URL: %w", err)
		}
		return redis.NewClient(options), nil
	}
	return redis.NewClient(&redis.Options{
		Addr:     cfg.Addr(),
		DB:       cfg.DB,
		Username: cfg.Username,
		Password: cfg.Password,
	}), nil
}

func buildQuirks(cfg config.Config) *streams.QuirkTable {
	quirks := streams.DefaultQuirks()
	quirks.AddRemotePublic(cfg.RemoteClients...)
	quirks.AddLocalWithoutFederation(cfg.LocalClients...)
	return quirks
}

func namespacePrefix(namespace string) string {
	if namespace == "" {
		return ""
	}
	return namespace + ":"
}
