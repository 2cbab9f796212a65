package main

import (
	"fmt"
	"io"

	"github.com/spf13/pflag"

	"fedistream/internal/config"
	"fedistream/internal/serverutil"
)

// options are settings only available on the command line.
type options struct {
	TLS serverutil.TLSConfig
}

// applyFlags overlays command-line flags on cfg. Only flags that were set
// override the environment.
func applyFlags(args []string, cfg *config.Config, output io.Writer) (options, error) {
	fs := pflag.NewFlagSet("streaming", pflag.ContinueOnError)
	fs.SetOutput(output)

	port := fs.Int("port", cfg.Port, "TCP port to listen on (PORT)")
	bind := fs.String("bind", cfg.Bind, "address to bind (BIND)")
	socket := fs.String("socket", cfg.SocketPath, "unix socket path, replaces the TCP listener (SOCKET)")
	logLevel := fs.String("log-level", cfg.LogLevel, "silent, debug, info, warn or error (LOG_LEVEL)")
	logFormat := fs.String("log-format", cfg.LogFormat, "json or text (LOG_FORMAT)")
	redisURL := fs.String("redis-url", cfg.Redis.URL, "redis connection URL (REDIS_URL)")
	databaseURL := fs.String("database-url", cfg.Postgres.URL, "postgres connection URL (DATABASE_URL)")
	workers := fs.Int("workers", cfg.Workers, "maximum OS threads executing Go code (STREAMING_CLUSTER_NUM)")
	tlsCert := fs.String("tls-cert", "", "TLS certificate file")
	tlsKey := fs.String("tls-key", "", "TLS private key file")

	if err := fs.Parse(args); err != nil {
		return options{}, err
	}
	if fs.NArg() > 0 {
		return options{}, fmt.Errorf("unexpected arguments: %v", fs.Args())
	}

	if fs.Changed("port") {
		cfg.Port = *port
	}
	if fs.Changed("bind") {
		cfg.Bind = *bind
	}
	if fs.Changed("socket") {
		cfg.SocketPath = *socket
	}
	if fs.Changed("log-level") {
		cfg.LogLevel = *logLevel
	}
	if fs.Changed("log-format") {
		cfg.LogFormat = *logFormat
	}
	if fs.Changed("redis-url") {
		cfg.Redis.URL = *redisURL
	}
	if fs.Changed("database-url") {
		cfg.Postgres.URL = *databaseURL
	}
	if fs.Changed("workers") && *workers > 0 {
		cfg.Workers = *workers
	}

	opts := options{TLS: serverutil.TLSConfig{CertFile: *tlsCert, KeyFile: *tlsKey}}
	if (opts.TLS.CertFile == "") != (opts.TLS.KeyFile == "") {
		return options{}, fmt.Errorf("--tls-cert and --tls-key must be set together")
	}
	return opts, nil
}
