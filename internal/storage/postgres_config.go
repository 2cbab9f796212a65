package storage

import (
	"time"
)

// PostgresConfig describes how the store initialises its Postgres connection
// pool.
type PostgresConfig struct {
	DSN                 string
	MaxConnections      int32
	MinConnections      int32
	MaxConnLifetime     time.Duration
	MaxConnIdleTime     time.Duration
	HealthCheckInterval time.Duration
	AcquireTimeout      time.Duration
	ApplicationName     string
	// QueryTimeout bounds every lookup issued on behalf of a connection.
	QueryTimeout time.Duration
}

const (
	defaultApplicationName = "fedistream"
	defaultQueryTimeout    = 5 * time.Second
)

func newPostgresConfig(dsn string, opts ...Option) PostgresConfig {
	cfg := PostgresConfig{
		DSN:             dsn,
		MinConnections:  -1,
		ApplicationName: defaultApplicationName,
		QueryTimeout:    defaultQueryTimeout,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(&cfg)
		}
	}
	if cfg.QueryTimeout < 0 {
		cfg.QueryTimeout = 0
	}
	return cfg
}
