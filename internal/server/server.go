package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"fedistream/internal/observability/logging"
	"fedistream/internal/observability/metrics"
	"fedistream/internal/pubsub"
	"fedistream/internal/serverutil"
	"fedistream/internal/streaming"
)

const (
	streamPrefix     = streaming.StreamPrefix
	healthStreamPath = streamPrefix + "/health"
)

type Config struct {
	Addr            string
	TLS             serverutil.TLSConfig
	SocketPath      string
	ShutdownTimeout time.Duration

	Hub      *streaming.Hub
	Registry *pubsub.Registry
	// Health checks the backing services; nil reports healthy.
	Health func(context.Context) error

	CORS      CORSConfig
	Security  SecurityConfig
	RateLimit RateLimitConfig
	Logger    *slog.Logger
	Metrics   *metrics.Recorder
}

type Server struct {
	httpServer      *http.Server
	logger          *slog.Logger
	metrics         *metrics.Recorder
	hub             *streaming.Hub
	registry        *pubsub.Registry
	health          func(context.Context) error
	rateLimiter     *rateLimiter
	tls             serverutil.TLSConfig
	socketPath      string
	shutdownTimeout time.Duration
}

func New(cfg Config) (*Server, error) {
	if cfg.Hub == nil {
		return nil, errors.New("server: streaming hub is required")
	}
	recorder := cfg.Metrics
	if recorder == nil {
		recorder = metrics.Default()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	policy, err := newCORSPolicy(cfg.CORS)
	if err != nil {
		return nil, fmt.Errorf("cors: %w", err)
	}
	rl, err := newRateLimiter(cfg.RateLimit)
	if err != nil {
		return nil, fmt.Errorf("rate limit: %w", err)
	}
	resolver, err := newClientIPResolver(cfg.RateLimit)
	if err != nil {
		return nil, fmt.Errorf("rate limit: %w", err)
	}

	srv := &Server{
		logger:          logger,
		metrics:         recorder,
		hub:             cfg.Hub,
		registry:        cfg.Registry,
		health:          cfg.Health,
		rateLimiter:     rl,
		tls:             cfg.TLS,
		socketPath:      strings.TrimSpace(cfg.SocketPath),
		shutdownTimeout: cfg.ShutdownTimeout,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/health", srv.handleHealth)
	mux.HandleFunc(healthStreamPath, srv.handleHealth)
	mux.HandleFunc("/stats", srv.handleStats)
	mux.Handle("/metrics", recorder.Handler())
	mux.Handle(streamPrefix, cfg.Hub)
	mux.Handle(streamPrefix+"/", cfg.Hub)

	handlerChain := http.Handler(mux)
	handlerChain = rateLimitMiddleware(rl, resolver, logger, handlerChain)
	handlerChain = corsMiddleware(policy, logger, handlerChain)
	handlerChain = securityHeadersMiddleware(cfg.Security, handlerChain)
	handlerChain = metrics.HTTPMiddleware(recorder, handlerChain)
	handlerChain = logging.RequestLogger(logging.RequestLoggerConfig{
		Logger: logger,
		AdditionalFields: func(r *http.Request, _ int, _ time.Duration) []any {
			ip, source := resolver.ClientIPFromRequest(r)
			return []any{"remote_ip", ip, "ip_source", source}
		},
		DisableRemoteAddr: true,
		QuietPaths:        []string{"/health", healthStreamPath},
	})(handlerChain)
	handlerChain = requestIDMiddleware(logger, handlerChain)

	// No read or write deadlines: streams stay open for hours.
	srv.httpServer = &http.Server{
		Addr:              cfg.Addr,
		Handler:           handlerChain,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       60 * time.Second,
		ErrorLog:          slog.NewLogLogger(logger.Handler(), slog.LevelWarn),
	}
	return srv, nil
}

// Handler returns the fully wrapped handler.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Run serves until ctx is cancelled, then shuts down gracefully. ready is
// closed once the listener accepts connections.
func (s *Server) Run(ctx context.Context, ready chan<- struct{}) error {
	if s.socketPath != "" {
		s.logger.Info("listening", "socket", s.socketPath)
	} else {
		s.logger.Info("listening", "addr", s.httpServer.Addr)
	}
	return serverutil.Run(ctx, serverutil.Config{
		Server:          s.httpServer,
		TLS:             s.tls,
		SocketPath:      s.socketPath,
		ShutdownTimeout: s.shutdownTimeout,
		Ready:           ready,
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		w.Header().Set("Allow", "GET, HEAD")
		writeMiddlewareError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	if s.health != nil {
		if err := s.health(r.Context()); err != nil {
			logging.FromContext(r.Context(), s.logger).Warn("health check failed", "error", err)
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte("Service Unavailable"))
			return
		}
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

type statsResponse struct {
	metrics.Snapshot
	Connections int64             `json:"connections"`
	Channels    int               `json:"channels"`
	Suppressed  map[string]uint64 `json:"suppressed"`
	Dropped     map[string]uint64 `json:"dropped"`
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", "GET")
		writeMiddlewareError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	body := statsResponse{
		Snapshot:    s.metrics.Snapshot(),
		Connections: s.hub.Connections(),
		Suppressed:  s.metrics.SuppressedCounts(),
		Dropped:     s.metrics.DroppedCounts(),
	}
	if s.registry != nil {
		body.Channels = len(s.registry.Channels())
	}
	w.Header().Set("Cache-Control", "no-store")
	writeJSON(w, http.StatusOK, body)
}
