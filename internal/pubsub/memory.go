package pubsub

import (
	"context"
	"sync"
)

// MemoryBackend is an in-process Backend used for development and tests. It
// records every upstream call so callers can assert on subscribe ordering.
type MemoryBackend struct {
	mu           sync.Mutex
	subscribed   map[string]bool
	subscribes   map[string]int
	unsubscribes map[string]int
	sink         Sink
	ready        chan struct{}
	readyOnce    sync.Once
	failNext     error
}

// NewMemoryBackend returns an empty MemoryBackend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{
		subscribed:   make(map[string]bool),
		subscribes:   make(map[string]int),
		unsubscribes: make(map[string]int),
		ready:        make(chan struct{}),
	}
}

func (b *MemoryBackend) Subscribe(_ context.Context, channels ...string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.failNext; err != nil {
		b.failNext = nil
		return err
	}
	for _, channel := range channels {
		b.subscribed[channel] = true
		b.subscribes[channel]++
	}
	return nil
}

func (b *MemoryBackend) Unsubscribe(_ context.Context, channels ...string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, channel := range channels {
		delete(b.subscribed, channel)
		b.unsubscribes[channel]++
	}
	return nil
}

// Run attaches sink and blocks until ctx is done.
func (b *MemoryBackend) Run(ctx context.Context, sink Sink) error {
	b.Attach(sink)
	<-ctx.Done()
	return nil
}

// Attach sets the sink without blocking.
func (b *MemoryBackend) Attach(sink Sink) {
	b.mu.Lock()
	b.sink = sink
	b.mu.Unlock()
	b.readyOnce.Do(func() { close(b.ready) })
}

// Ready is closed once a sink is attached.
func (b *MemoryBackend) Ready() <-chan struct{} {
	return b.ready
}

// Publish delivers payload when channel is subscribed and reports whether it
// was delivered.
func (b *MemoryBackend) Publish(channel string, payload []byte) bool {
	b.mu.Lock()
	sink := b.sink
	subscribed := b.subscribed[channel]
	b.mu.Unlock()
	if sink == nil || !subscribed {
		return false
	}
	sink.Dispatch(channel, payload)
	return true
}

// Disconnect forgets every upstream subscription, as a dropped connection
// would.
func (b *MemoryBackend) Disconnect() {
	b.mu.Lock()
	b.subscribed = make(map[string]bool)
	b.mu.Unlock()
}

// Reconnect asks the attached sink to reconcile its subscriptions.
func (b *MemoryBackend) Reconnect(ctx context.Context) error {
	b.mu.Lock()
	sink := b.sink
	b.mu.Unlock()
	if sink == nil {
		return nil
	}
	return sink.Reconcile(ctx)
}

// FailNextSubscribe makes the next Subscribe call return err.
func (b *MemoryBackend) FailNextSubscribe(err error) {
	b.mu.Lock()
	b.failNext = err
	b.mu.Unlock()
}

// Subscribed reports whether channel currently has an upstream subscription.
func (b *MemoryBackend) Subscribed(channel string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.subscribed[channel]
}

// SubscribeCalls returns how many times channel was subscribed upstream.
func (b *MemoryBackend) SubscribeCalls(channel string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.subscribes[channel]
}

// UnsubscribeCalls returns how many times channel was unsubscribed upstream.
func (b *MemoryBackend) UnsubscribeCalls(channel string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.unsubscribes[channel]
}
