package storage

import (
	"strings"
	"time"
)

// Option customises a PostgresConfig.
type Option func(*PostgresConfig)

// WithPostgresPoolLimits bounds the pool size. A negative minimum keeps the
// DSN's value.
func WithPostgresPoolLimits(maxConns, minConns int32) Option {
	return func(cfg *PostgresConfig) {
		if maxConns > 0 {
			cfg.MaxConnections = maxConns
		}
		cfg.MinConnections = minConns
	}
}

// WithPostgresConnLifetime recycles connections older than lifetime or idle
// longer than idle.
func WithPostgresConnLifetime(lifetime, idle time.Duration) Option {
	return func(cfg *PostgresConfig) {
		if lifetime > 0 {
			cfg.MaxConnLifetime = lifetime
		}
		if idle > 0 {
			cfg.MaxConnIdleTime = idle
		}
	}
}

func WithPostgresHealthCheckInterval(interval time.Duration) Option {
	return func(cfg *PostgresConfig) {
		if interval > 0 {
			cfg.HealthCheckInterval = interval
		}
	}
}

// WithPostgresAcquireTimeout bounds how long opening a new connection may
// take.
func WithPostgresAcquireTimeout(timeout time.Duration) Option {
	return func(cfg *PostgresConfig) {
		if timeout > 0 {
			cfg.AcquireTimeout = timeout
		}
	}
}

// WithPostgresQueryTimeout bounds every lookup. Zero disables the bound.
func WithPostgresQueryTimeout(timeout time.Duration) Option {
	return func(cfg *PostgresConfig) {
		cfg.QueryTimeout = timeout
	}
}

func WithApplicationName(name string) Option {
	return func(cfg *PostgresConfig) {
		if trimmed := strings.TrimSpace(name); trimmed != "" {
			cfg.ApplicationName = trimmed
		}
	}
}
