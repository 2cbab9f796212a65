package main

import (
	"log/slog"
	"net/url"

	"fedistream/internal/config"
)

// startupSummary groups the effective settings logged once at boot with
// credentials redacted.
func startupSummary(cfg config.Config) []any {
	listen := slog.String("addr", cfg.ListenAddr())
	if cfg.SocketPath != "" {
		listen = slog.String("socket", cfg.SocketPath)
	}
	redisTarget := cfg.Redis.Addr()
	if cfg.Redis.URL != "" {
		redisTarget = redactURL(cfg.Redis.URL)
	}
	return []any{
		slog.Group("listen", listen),
		slog.Group("redis",
			slog.String("target", redisTarget),
			slog.Int("db", cfg.Redis.DB),
			slog.String("namespace", cfg.Redis.Namespace),
		),
		slog.Group("postgres", slog.String("dsn", redactURL(cfg.Postgres.DSN()))),
		slog.Int("workers", cfg.Workers),
		slog.Bool("require_auth", cfg.RequireAuth),
		slog.Bool("federated_timeline", cfg.FederatedTimeline),
	}
}

// redactURL hides the password of a URL-style DSN. Anything that does not
// parse is replaced entirely.
func redactURL(raw string) string {
	if raw == "" {
		return ""
	}
	parsed, err := url.Parse(raw)
	if err != nil || parsed.Scheme == "" {
		return "[redacted]"
	}
	return parsed.Redacted()
}
