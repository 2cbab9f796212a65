// Package pubsub maps concrete channel ids to local listeners and bridges
// interest in those channels to a single shared upstream subscriber.
package pubsub

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
)

// Listener receives raw upstream payloads for the channels it is registered
// on. The callback runs while the registry holds its read lock, so it must
// not block and must not call back into the registry.
type Listener struct {
	fn     func(channel string, payload []byte)
	closed atomic.Bool
}

// NewListener wraps fn as a registrable listener.
func NewListener(fn func(channel string, payload []byte)) *Listener {
	return &Listener{fn: fn}
}

// Close turns every later delivery into a no-op.
func (l *Listener) Close() {
	l.closed.Store(true)
}

// Closed reports whether Close was called.
func (l *Listener) Closed() bool {
	return l.closed.Load()
}

func (l *Listener) deliver(channel string, payload []byte) {
	if l == nil || l.fn == nil || l.closed.Load() {
		return
	}
	l.fn(channel, payload)
}

// Registry is the channel id to listener table for one process. The
// upstream subscription for a channel exists exactly while its listener list
// is non-empty.
type Registry struct {
	backend Backend
	logger  *slog.Logger

	// ops serializes every mutation that reaches the backend.
	ops sync.Mutex

	mu      sync.RWMutex
	entries map[string][]*Listener
}

// NewRegistry builds a registry issuing upstream calls through backend.
func NewRegistry(backend Backend, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		backend: backend,
		logger:  logger,
		entries: make(map[string][]*Listener),
	}
}

// Subscribe registers listener on channel. The first listener for a channel
// triggers the upstream subscribe; if that fails the registration is rolled
// back. Registering the same listener twice on one channel is a no-op.
func (r *Registry) Subscribe(ctx context.Context, channel string, listener *Listener) error {
	if channel == "" {
		return fmt.Errorf("channel is required")
	}
	if listener == nil {
		return fmt.Errorf("listener is required")
	}

	r.ops.Lock()
	defer r.ops.Unlock()

	r.mu.Lock()
	current := r.entries[channel]
	for _, existing := range current {
		if existing == listener {
			r.mu.Unlock()
			return nil
		}
	}
	first := len(current) == 0
	r.entries[channel] = append(current, listener)
	r.mu.Unlock()

	if !first {
		return nil
	}
	if err := r.backend.Subscribe(ctx, channel); err != nil {
		r.mu.Lock()
		r.removeLocked(channel, listener)
		r.mu.Unlock()
		return fmt.Errorf("subscribe %s: %w", channel, err)
	}
	r.logger.Debug("upstream subscribed", "channel", channel)
	return nil
}

// Unsubscribe removes listener from channel and, when it was the last one,
// drops the entry and issues the upstream unsubscribe. Unknown pairs are
// ignored.
func (r *Registry) Unsubscribe(ctx context.Context, channel string, listener *Listener) error {
	r.ops.Lock()
	defer r.ops.Unlock()

	r.mu.Lock()
	removed := r.removeLocked(channel, listener)
	_, remaining := r.entries[channel]
	r.mu.Unlock()

	if !removed || remaining {
		return nil
	}
	if err := r.backend.Unsubscribe(ctx, channel); err != nil {
		return fmt.Errorf("unsubscribe %s: %w", channel, err)
	}
	r.logger.Debug("upstream unsubscribed", "channel", channel)
	return nil
}

func (r *Registry) removeLocked(channel string, listener *Listener) bool {
	current := r.entries[channel]
	for i, existing := range current {
		if existing != listener {
			continue
		}
		next := make([]*Listener, 0, len(current)-1)
		next = append(next, current[:i]...)
		next = append(next, current[i+1:]...)
		if len(next) == 0 {
			delete(r.entries, channel)
		} else {
			r.entries[channel] = next
		}
		return true
	}
	return false
}

// Dispatch delivers payload to every listener on channel in registration
// order. Listeners removed before Dispatch acquires the read lock are never
// invoked.
func (r *Registry) Dispatch(channel string, payload []byte) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, listener := range r.entries[channel] {
		listener.deliver(channel, payload)
	}
}

// Reconcile re-issues the upstream subscribe for every channel that still
// has listeners. Backends call it after re-establishing their connection.
func (r *Registry) Reconcile(ctx context.Context) error {
	r.ops.Lock()
	defer r.ops.Unlock()

	channels := r.Channels()
	if len(channels) == 0 {
		return nil
	}
	if err := r.backend.Subscribe(ctx, channels...); err != nil {
		return fmt.Errorf("reconcile %d channels: %w", len(channels), err)
	}
	r.logger.Info("upstream subscriptions reconciled", "channels", len(channels))
	return nil
}

// Channels returns the sorted channel ids with at least one listener.
func (r *Registry) Channels() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	channels := make([]string, 0, len(r.entries))
	for channel := range r.entries {
		channels = append(channels, channel)
	}
	sort.Strings(channels)
	return channels
}

// ListenerCount returns the number of listeners registered on channel.
func (r *Registry) ListenerCount(channel string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries[channel])
}
