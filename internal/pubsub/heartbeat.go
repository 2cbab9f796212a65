package pubsub

import (
	"context"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	redis "github.com/redis/go-redis/v9"
)

const (
	// DefaultHeartbeatInterval is how often live channels are refreshed.
	DefaultHeartbeatInterval = 6 * time.Minute
	heartbeatTTLFactor       = 3
)

// HeartbeatConfig configures channel liveness markers.
type HeartbeatConfig struct {
	Client    redis.Cmdable
	Namespace string
	Interval  time.Duration
	Logger    *slog.Logger
}

// Heartbeat keeps a "subscribed:<channel>" marker alive in Redis for every
// channel referenced by at least one subscription, so publishers can skip
// work for timelines nobody is watching.
type Heartbeat struct {
	client   redis.Cmdable
	prefix   string
	interval time.Duration
	logger   *slog.Logger

	mu   sync.Mutex
	refs map[string]int
}

// NewHeartbeat returns a Heartbeat. A nil client yields a Heartbeat that only
// tracks references.
func NewHeartbeat(cfg HeartbeatConfig) *Heartbeat {
	interval := cfg.Interval
	if interval <= 0 {
		interval = DefaultHeartbeatInterval
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	prefix := ""
	if ns := strings.TrimSpace(cfg.Namespace); ns != "" {
		prefix = ns + ":"
	}
	return &Heartbeat{
		client:   cfg.Client,
		prefix:   prefix,
		interval: interval,
		logger:   logger,
		refs:     make(map[string]int),
	}
}

// Key returns the marker key for channel.
func (h *Heartbeat) Key(channel string) string {
	return h.prefix + "subscribed:" + channel
}

// TTL is the marker lifetime; three missed refreshes expire it.
func (h *Heartbeat) TTL() time.Duration {
	return heartbeatTTLFactor * h.interval
}

// Acquire references channels and returns a release func that drops the
// references exactly once. Channels going from zero to one reference are
// marked immediately.
func (h *Heartbeat) Acquire(ctx context.Context, channels ...string) func() {
	h.mu.Lock()
	fresh := make([]string, 0, len(channels))
	for _, channel := range channels {
		if h.refs[channel] == 0 {
			fresh = append(fresh, channel)
		}
		h.refs[channel]++
	}
	h.mu.Unlock()

	h.refresh(ctx, fresh)

	var once sync.Once
	return func() {
		once.Do(func() { h.release(channels) })
	}
}

func (h *Heartbeat) release(channels []string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, channel := range channels {
		switch n := h.refs[channel]; {
		case n <= 1:
			delete(h.refs, channel)
		default:
			h.refs[channel] = n - 1
		}
	}
}

// Active returns the sorted referenced channels.
func (h *Heartbeat) Active() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	channels := make([]string, 0, len(h.refs))
	for channel := range h.refs {
		channels = append(channels, channel)
	}
	sort.Strings(channels)
	return channels
}

// Run refreshes every active marker each interval until ctx is cancelled.
func (h *Heartbeat) Run(ctx context.Context) error {
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			h.refresh(ctx, h.Active())
		}
	}
}

func (h *Heartbeat) refresh(ctx context.Context, channels []string) {
	if h.client == nil || len(channels) == 0 {
		return
	}
	ttl := h.TTL()
	_, err := h.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, channel := range channels {
			pipe.Set(ctx, h.Key(channel), "1", ttl)
		}
		return nil
	})
	if err != nil && ctx.Err() == nil {
		h.logger.Warn("channel heartbeat failed", "channels", len(channels), "error", err)
	}
}
