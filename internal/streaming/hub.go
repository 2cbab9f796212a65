// Package streaming adapts client transports (Server-Sent Events and
// WebSocket) onto the channel registry: it authenticates connections,
// resolves stream requests to channel ids and delivers filtered events.
package streaming

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"fedistream/internal/auth"
	"fedistream/internal/filter"
	"fedistream/internal/observability/logging"
	"fedistream/internal/observability/metrics"
	"fedistream/internal/pubsub"
	"fedistream/internal/streams"
)

const (
	DefaultQueueSize         = 256
	DefaultPingInterval      = 30 * time.Second
	DefaultKeepAliveInterval = 15 * time.Second
)

// Config wires a Hub to its collaborators.
type Config struct {
	Registry  *pubsub.Registry
	Heartbeat *pubsub.Heartbeat
	Auth      *auth.Resolver
	Streams   *streams.Resolver
	Filter    *filter.Filter
	Metrics   *metrics.Recorder
	Logger    *slog.Logger
	// QueueSize bounds each connection's pending events.
	QueueSize int
	// PingInterval is the WebSocket liveness check period.
	PingInterval time.Duration
	// KeepAliveInterval is the SSE comment heartbeat period.
	KeepAliveInterval time.Duration
}

// Hub owns the connections of both transports.
type Hub struct {
	registry  *pubsub.Registry
	heartbeat *pubsub.Heartbeat
	auth      *auth.Resolver
	streams   *streams.Resolver
	quirks    *streams.QuirkTable
	filter    *filter.Filter
	metrics   *metrics.Recorder
	logger    *slog.Logger

	queueSize         int
	pingInterval      time.Duration
	keepAliveInterval time.Duration

	connections atomic.Int64
}

// NewHub validates cfg and fills defaults.
func NewHub(cfg Config) (*Hub, error) {
	if cfg.Registry == nil {
		return nil, errors.New("streaming: registry is required")
	}
	if cfg.Auth == nil {
		return nil, errors.New("streaming: auth resolver is required")
	}
	if cfg.Streams == nil {
		return nil, errors.New("streaming: stream resolver is required")
	}
	if cfg.Filter == nil {
		return nil, errors.New("streaming: filter is required")
	}
	h := &Hub{
		registry:          cfg.Registry,
		heartbeat:         cfg.Heartbeat,
		auth:              cfg.Auth,
		streams:           cfg.Streams,
		quirks:            cfg.Streams.Quirks,
		filter:            cfg.Filter,
		metrics:           cfg.Metrics,
		logger:            cfg.Logger,
		queueSize:         cfg.QueueSize,
		pingInterval:      cfg.PingInterval,
		keepAliveInterval: cfg.KeepAliveInterval,
	}
	if h.heartbeat == nil {
		h.heartbeat = pubsub.NewHeartbeat(pubsub.HeartbeatConfig{})
	}
	if h.metrics == nil {
		h.metrics = metrics.Default()
	}
	if h.logger == nil {
		h.logger = slog.Default()
	}
	if h.queueSize <= 0 {
		h.queueSize = DefaultQueueSize
	}
	if h.pingInterval <= 0 {
		h.pingInterval = DefaultPingInterval
	}
	if h.keepAliveInterval <= 0 {
		h.keepAliveInterval = DefaultKeepAliveInterval
	}
	return h, nil
}

// Connections returns the number of open client connections.
func (h *Hub) Connections() int64 {
	return h.connections.Load()
}

// connect builds a connection, registers its system channels and starts
// its bookkeeping. onClose runs once when the connection is torn down. The
// caller starts delivery.
func (h *Hub) connect(ctx context.Context, transport string, identity *auth.Identity, sink eventSink, onClose func()) (*Connection, error) {
	// The request logger carries the request id when the server set one.
	conn := newConnection(h, logging.FromContext(ctx, h.logger), transport, identity, sink)
	conn.onClose = onClose
	h.connections.Add(1)
	h.metrics.ClientConnected(transport)
	if err := conn.subscribeSystem(ctx); err != nil {
		conn.Close()
		return nil, err
	}
	conn.logger.Info("client connected")
	return conn, nil
}

func (h *Hub) disconnected(conn *Connection) {
	h.connections.Add(-1)
	h.metrics.ClientDisconnected(conn.Transport)
	conn.logger.Info("client disconnected")
}

// resolve checks that identity may read name and maps it to channel ids.
func (h *Hub) resolve(ctx context.Context, identity *auth.Identity, name string, params streams.Params) (streams.Resolution, error) {
	if err := auth.AuthorizeChannel(identity, name); err != nil {
		return streams.Resolution{}, err
	}
	return h.streams.Resolve(ctx, identity, name, params)
}

// writeError writes err as {"error": message} with its status code.
func writeError(w http.ResponseWriter, err error) {
	authErr := auth.AsError(err)
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(authErr.Status())
	_ = json.NewEncoder(w).Encode(map[string]string{"error": authErr.Message})
}
