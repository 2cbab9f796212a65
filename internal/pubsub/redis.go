package pubsub

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"sync"
	"time"

	redis "github.com/redis/go-redis/v9"

	"fedistream/internal/observability/metrics"
)

// RedisBackendConfig configures the go-redis pub/sub backend.
type RedisBackendConfig struct {
	Client redis.UniversalClient
	// Namespace is prepended as "<namespace>:" on the wire and stripped from
	// received channel names.
	Namespace string
	Logger    *slog.Logger
	Metrics   *metrics.Recorder
	// HealthCheck is how long Run waits for traffic before pinging.
	HealthCheck time.Duration
	// RetryDelay bounds the pause between failed receives.
	RetryDelay time.Duration
}

// RedisBackend subscribes a single shared PubSub connection.
type RedisBackend struct {
	pubsub      *redis.PubSub
	prefix      string
	logger      *slog.Logger
	metrics     *metrics.Recorder
	healthCheck time.Duration
	retryDelay  time.Duration

	mu     sync.Mutex
	closed bool
}

// NewRedisBackend opens a PubSub on cfg.Client with no channels.
func NewRedisBackend(cfg RedisBackendConfig) (*RedisBackend, error) {
	if cfg.Client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	recorder := cfg.Metrics
	if recorder == nil {
		recorder = metrics.Default()
	}
	healthCheck := cfg.HealthCheck
	if healthCheck <= 0 {
		healthCheck = time.Minute
	}
	retryDelay := cfg.RetryDelay
	if retryDelay <= 0 {
		retryDelay = time.Second
	}
	prefix := ""
	if ns := strings.TrimSpace(cfg.Namespace); ns != "" {
		prefix = ns + ":"
	}
	return &RedisBackend{
		pubsub:      cfg.Client.Subscribe(context.Background()),
		prefix:      prefix,
		logger:      logger,
		metrics:     recorder,
		healthCheck: healthCheck,
		retryDelay:  retryDelay,
	}, nil
}

func (b *RedisBackend) wire(channels []string) []string {
	out := make([]string, len(channels))
	for i, channel := range channels {
		out[i] = b.prefix + channel
	}
	return out
}

func (b *RedisBackend) Subscribe(ctx context.Context, channels ...string) error {
	if len(channels) == 0 {
		return nil
	}
	return b.pubsub.Subscribe(ctx, b.wire(channels)...)
}

func (b *RedisBackend) Unsubscribe(ctx context.Context, channels ...string) error {
	if len(channels) == 0 {
		return nil
	}
	return b.pubsub.Unsubscribe(ctx, b.wire(channels)...)
}

// Run reads from the PubSub until ctx is cancelled. Receive errors mark the
// link as broken; the first successful receive afterwards reconciles sink
// so every channel with listeners is subscribed again.
func (b *RedisBackend) Run(ctx context.Context, sink Sink) error {
	stop := context.AfterFunc(ctx, func() { _ = b.Close() })
	defer stop()

	disconnected := false
	for {
		msg, err := b.pubsub.ReceiveTimeout(ctx, b.healthCheck)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, redis.ErrClosed) {
				return nil
			}
			if isTimeout(err) {
				if pingErr := b.pubsub.Ping(ctx); pingErr != nil {
					b.logger.Warn("redis pubsub ping failed", "error", pingErr)
				}
				continue
			}
			if !disconnected {
				b.logger.Warn("redis pubsub connection lost", "error", err)
			}
			disconnected = true
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(b.retryDelay):
			}
			continue
		}

		if disconnected {
			disconnected = false
			b.metrics.ObserveUpstreamReconnect()
			if err := sink.Reconcile(ctx); err != nil {
				b.logger.Error("redis pubsub reconcile failed", "error", err)
			}
		}

		switch m := msg.(type) {
		case *redis.Message:
			b.metrics.ObserveUpstreamMessage()
			channel, ok := strings.CutPrefix(m.Channel, b.prefix)
			if !ok {
				continue
			}
			sink.Dispatch(channel, []byte(m.Payload))
		case *redis.Subscription:
			b.metrics.SetUpstreamChannels(m.Count)
		case *redis.Pong:
		}
	}
}

// Close releases the PubSub connection. It is safe to call more than once.
func (b *RedisBackend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	return b.pubsub.Close()
}

func isTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
