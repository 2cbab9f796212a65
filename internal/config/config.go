// Package config reads the streaming server's environment configuration.
//
// Variable names match the ones the web application already uses so a single
// environment file can drive both processes.
package config

import (
	"fmt"
	"net"
	"net/url"
	"os"
	"runtime"
	"strconv"
	"strings"
	"time"
)

// Redis describes the upstream pub/sub connection.
type Redis struct {
	URL       string
	Host      string
	Port      int
	DB        int
	Username  string
	Password  string
	Namespace string
}

// Addr returns host:port for the discrete host settings.
func (r Redis) Addr() string {
	return net.JoinHostPort(r.Host, strconv.Itoa(r.Port))
}

// Postgres describes the relational store connection.
type Postgres struct {
	URL      string
	Host     string
	Port     int
	User     string
	Password string
	Database string
	SSLMode  string
	PoolSize int
}

// DSN returns the connection string, preferring DATABASE_URL.
func (p Postgres) DSN() string {
	if p.URL != "" {
		return p.URL
	}
	u := url.URL{
		Scheme: "postgres",
		Host:   net.JoinHostPort(p.Host, strconv.Itoa(p.Port)),
		Path:   "/" + p.Database,
	}
	if p.User != "" {
		if p.Password != "" {
			u.User = url.UserPassword(p.User, p.Password)
		} else {
			u.User = url.User(p.User)
		}
	}
	query := url.Values{}
	if p.SSLMode != "" {
		query.Set("sslmode", p.SSLMode)
	}
	if p.PoolSize > 0 {
		query.Set("pool_max_conns", strconv.Itoa(p.PoolSize))
	}
	u.RawQuery = query.Encode()
	return u.String()
}

// Config is the complete runtime configuration.
type Config struct {
	Redis    Redis
	Postgres Postgres

	// Workers bounds GOMAXPROCS; the process is a single fan-out instance.
	Workers int

	Bind       string
	Port       int
	SocketPath string

	LogLevel  string
	LogFormat string

	// RequireAuth rejects anonymous clients (limited federation, allow-list
	// or authorized fetch mode).
	RequireAuth bool
	// FederatedTimeline enables the public family of streams.
	FederatedTimeline bool

	RemoteClients []string
	LocalClients  []string
	CORSOrigins   []string

	// ConnectRPS and ConnectBurst bound new streaming connections process
	// wide; zero disables the limit.
	ConnectRPS   float64
	ConnectBurst int
	// ConnectLimitPerIP caps connection attempts per client address within
	// ConnectWindow. The counter lives in Redis so it holds across workers.
	ConnectLimitPerIP int
	ConnectWindow     time.Duration
	// TrustForwardedHeaders and TrustedProxies govern whether
	// X-Forwarded-For and X-Real-IP name the client.
	TrustForwardedHeaders bool
	TrustedProxies        []string

	HeartbeatInterval time.Duration
	PingInterval      time.Duration
	ShutdownTimeout   time.Duration
}

// ListenAddr returns the TCP listen address.
func (c Config) ListenAddr() string {
	return net.JoinHostPort(c.Bind, strconv.Itoa(c.Port))
}

// LookupFunc matches os.LookupEnv.
type LookupFunc func(string) (string, bool)

// Load reads the configuration from the process environment.
func Load() (Config, error) {
	return LoadFrom(os.LookupEnv)
}

// LoadFrom reads the configuration using lookup.
func LoadFrom(lookup LookupFunc) (Config, error) {
	env := envReader{lookup: lookup}
	cfg := Config{
		Redis: Redis{
			URL:       env.str("REDIS_URL", ""),
			Host:      env.str("REDIS_HOST", "127.0.0.1"),
			Port:      env.int("REDIS_PORT", 6379),
			DB:        env.int("REDIS_DB", 0),
			Username:  env.str("REDIS_USER", ""),
			Password:  env.str("REDIS_PASSWORD", ""),
			Namespace: env.str("REDIS_NAMESPACE", ""),
		},
		Postgres: Postgres{
			URL:      env.str("DATABASE_URL", ""),
			Host:     env.str("DB_HOST", "localhost"),
			Port:     env.int("DB_PORT", 5432),
			User:     env.str("DB_USER", ""),
			Password: env.str("DB_PASS", ""),
			Database: env.str("DB_NAME", "mastodon_development"),
			SSLMode:  env.str("DB_SSLMODE", ""),
			PoolSize: env.int("DB_POOL", 10),
		},
		Workers:    env.int("STREAMING_CLUSTER_NUM", runtime.NumCPU()),
		Bind:       env.str("BIND", "127.0.0.1"),
		Port:       env.int("PORT", 4000),
		SocketPath: env.str("SOCKET", ""),
		LogLevel:   env.str("LOG_LEVEL", "info"),
		LogFormat:  env.str("LOG_FORMAT", "json"),
		RequireAuth: env.bool("LIMITED_FEDERATION_MODE", false) ||
			env.bool("WHITELIST_MODE", false) ||
			env.bool("AUTHORIZED_FETCH", false),
		FederatedTimeline:     env.bool("STREAMING_FEDERATED_TIMELINE", true),
		RemoteClients:         env.list("STREAMING_REMOTE_CLIENTS"),
		LocalClients:          env.list("STREAMING_LOCAL_CLIENTS"),
		CORSOrigins:           env.list("STREAMING_CORS_ORIGINS"),
		ConnectRPS:            env.float("STREAMING_CONNECT_RPS", 0),
		ConnectBurst:          env.int("STREAMING_CONNECT_BURST", 0),
		ConnectLimitPerIP:     env.int("STREAMING_CONNECT_LIMIT_PER_IP", 0),
		ConnectWindow:         env.duration("STREAMING_CONNECT_WINDOW", time.Minute),
		TrustForwardedHeaders: env.bool("TRUST_FORWARDED_HEADERS", false),
		TrustedProxies:        env.list("TRUSTED_PROXY_IP"),
		HeartbeatInterval:     env.duration("STREAMING_HEARTBEAT_INTERVAL", 15*time.Second),
		PingInterval:          env.duration("STREAMING_PING_INTERVAL", 30*time.Second),
		ShutdownTimeout:       env.duration("STREAMING_SHUTDOWN_TIMEOUT", 10*time.Second),
	}
	if socket := env.str("SOCKET", ""); socket == "" {
		// PORT may carry a socket path, as the legacy process allowed.
		if raw := env.str("PORT", ""); raw != "" && strings.Contains(raw, "/") {
			cfg.SocketPath = raw
			cfg.Port = 0
		}
	}
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	if err := env.err(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

type envReader struct {
	lookup LookupFunc
	errs   []string
}

func (e *envReader) raw(key string) (string, bool) {
	if e.lookup == nil {
		return "", false
	}
	value, ok := e.lookup(key)
	if !ok {
		return "", false
	}
	value = strings.TrimSpace(value)
	return value, value != ""
}

func (e *envReader) str(key, fallback string) string {
	if value, ok := e.raw(key); ok {
		return value
	}
	return fallback
}

func (e *envReader) int(key string, fallback int) int {
	value, ok := e.raw(key)
	if !ok {
		return fallback
	}
	if strings.Contains(value, "/") {
		// PORT holding a socket path is handled by the caller.
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		e.errs = append(e.errs, fmt.Sprintf("%s: %v", key, err))
		return fallback
	}
	return parsed
}

func (e *envReader) bool(key string, fallback bool) bool {
	value, ok := e.raw(key)
	if !ok {
		return fallback
	}
	parsed, err := strconv.ParseBool(value)
	if err != nil {
		e.errs = append(e.errs, fmt.Sprintf("%s: %v", key, err))
		return fallback
	}
	return parsed
}

func (e *envReader) float(key string, fallback float64) float64 {
	value, ok := e.raw(key)
	if !ok {
		return fallback
	}
	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil {
		e.errs = append(e.errs, fmt.Sprintf("%s: %v", key, err))
		return fallback
	}
	return parsed
}

func (e *envReader) duration(key string, fallback time.Duration) time.Duration {
	value, ok := e.raw(key)
	if !ok {
		return fallback
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		e.errs = append(e.errs, fmt.Sprintf("%s: %v", key, err))
		return fallback
	}
	if parsed <= 0 {
		return fallback
	}
	return parsed
}

func (e *envReader) list(key string) []string {
	value, ok := e.raw(key)
	if !ok {
		return nil
	}
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func (e *envReader) err() error {
	if len(e.errs) == 0 {
		return nil
	}
	return fmt.Errorf("invalid environment: %s", strings.Join(e.errs, "; "))
}
