package streaming

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"fedistream/internal/auth"
	"fedistream/internal/filter"
	"fedistream/internal/pubsub"
	"fedistream/internal/streams"
)

// Transport names, also used as metric labels.
const (
	TransportWebSocket   = "websocket"
	TransportEventSource = "eventsource"
)

// Dropped-message reasons.
const (
	dropQueueFull = "queue_full"
	dropClosed    = "closed"
	dropMalformed = "malformed"
)

const unsubscribeTimeout = 5 * time.Second

// errConnectionClosed is returned when subscribing on a closed connection.
var errConnectionClosed = errors.New("connection closed")

// eventSink writes one event to a client. Implementations serialize their
// own writes.
type eventSink interface {
	WriteEvent(stream []string, event, payload string) error
}

type delivery struct {
	sub     *subscription
	payload []byte
}

// subscription is one resolved stream request on a connection. Its listener
// is registered on every channel id of the request.
type subscription struct {
	key              string
	stream           []string
	channelIDs       []string
	needsFiltering   bool
	notificationOnly bool
	listener         *pubsub.Listener
	release          func()
}

// Connection is the mutable per-client state shared by both transports:
// its subscriptions, the delivery queue, the keyword filter cache and the
// liveness flag. Filtering and writing happen on the goroutine running
// deliver, so each client sees events in upstream order.
type Connection struct {
	ID        string
	Identity  *auth.Identity
	Transport string

	hub     *Hub
	sink    eventSink
	logger  *slog.Logger
	quirk   streams.ClientQuirk
	filters filter.Cache
	queue   chan delivery

	mu     sync.Mutex
	subs   map[string]*subscription
	system []systemSubscription

	closed    atomic.Bool
	done      chan struct{}
	closeOnce sync.Once
	onClose   func()
}

type systemSubscription struct {
	channel  string
	listener *pubsub.Listener
}

func newConnection(hub *Hub, base *slog.Logger, transport string, identity *auth.Identity, sink eventSink) *Connection {
	id := uuid.NewString()
	logger := base.With("connection_id", id, "transport", transport)
	if identity != nil {
		logger = logger.With("account_id", identity.AccountID)
	}
	return &Connection{
		ID:        id,
		Identity:  identity,
		Transport: transport,
		hub:       hub,
		sink:      sink,
		logger:    logger,
		quirk:     hub.quirks.LookupIdentity(identity),
		queue:     make(chan delivery, hub.queueSize),
		subs:      make(map[string]*subscription),
		done:      make(chan struct{}),
	}
}

// Done is closed once the connection has been torn down.
func (c *Connection) Done() <-chan struct{} {
	return c.done
}

// Alive reports whether the connection may still be written to.
func (c *Connection) Alive() bool {
	return !c.closed.Load()
}

// enqueue is the registry callback. It never blocks: a full queue drops the
// event.
func (c *Connection) enqueue(sub *subscription, payload []byte) {
	if c.closed.Load() {
		c.hub.metrics.ObserveMessageDropped(dropClosed)
		return
	}
	select {
	case c.queue <- delivery{sub: sub, payload: payload}:
	default:
		c.hub.metrics.ObserveMessageDropped(dropQueueFull)
		c.logger.Warn("delivery queue full, dropping event", "stream", strings.Join(sub.stream, ":"))
	}
}

// deliver drains the queue until the connection closes.
func (c *Connection) deliver(ctx context.Context) {
	for {
		select {
		case <-c.done:
			return
		case item := <-c.queue:
			c.handle(ctx, item)
		}
	}
}

func (c *Connection) handle(ctx context.Context, item delivery) {
	if c.closed.Load() || item.sub.listener.Closed() {
		c.hub.metrics.ObserveMessageDropped(dropClosed)
		return
	}
	env, err := filter.DecodeEnvelope(item.payload)
	if err != nil {
		c.hub.metrics.ObserveMessageDropped(dropMalformed)
		c.logger.Warn("dropping malformed upstream message", "error", err)
		return
	}
	result := c.hub.filter.Evaluate(ctx, filter.Target{
		Identity:         c.Identity,
		HideNotification: c.quirk.HidesNotification,
		NeedsFiltering:   item.sub.needsFiltering,
		NotificationOnly: item.sub.notificationOnly,
		Cache:            &c.filters,
	}, env)
	if !result.Pass {
		return
	}
	c.write(item.sub.stream, result.Envelope.Event, result.Envelope.PayloadText())
}

// write sends one event unless the connection has closed. A failed write
// tears the connection down.
func (c *Connection) write(stream []string, event, payload string) {
	if c.closed.Load() {
		c.hub.metrics.ObserveMessageDropped(dropClosed)
		return
	}
	if err := c.sink.WriteEvent(stream, event, payload); err != nil {
		c.logger.Debug("write failed, closing connection", "error", err)
		c.Close()
		return
	}
	c.hub.metrics.ObserveMessageSent(c.Transport)
}

func subscriptionKey(channelIDs []string) string {
	return strings.Join(channelIDs, ";")
}

// Subscribe registers the connection on res's channel ids. Subscribing
// twice to the same channel id set is a no-op.
func (c *Connection) Subscribe(ctx context.Context, res streams.Resolution) error {
	key := subscriptionKey(res.ChannelIDs)

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed.Load() {
		return errConnectionClosed
	}
	if _, ok := c.subs[key]; ok {
		return nil
	}

	sub := &subscription{
		key:              key,
		stream:           res.Stream,
		channelIDs:       res.ChannelIDs,
		needsFiltering:   res.NeedsFiltering,
		notificationOnly: res.NotificationOnly,
	}
	sub.listener = pubsub.NewListener(func(_ string, payload []byte) {
		c.enqueue(sub, payload)
	})

	for i, channel := range res.ChannelIDs {
		if err := c.hub.registry.Subscribe(ctx, channel, sub.listener); err != nil {
			sub.listener.Close()
			c.unregister(res.ChannelIDs[:i], sub.listener)
			return err
		}
	}
	sub.release = c.hub.heartbeat.Acquire(ctx, res.ChannelIDs...)
	c.subs[key] = sub
	c.hub.metrics.ChannelsSubscribed(c.Transport, len(res.ChannelIDs))
	c.logger.Debug("subscribed", "stream", strings.Join(res.Stream, ":"), "channels", res.ChannelIDs)
	return nil
}

// Unsubscribe removes the subscription for res's channel ids. Unknown sets
// are ignored.
func (c *Connection) Unsubscribe(res streams.Resolution) {
	key := subscriptionKey(res.ChannelIDs)

	c.mu.Lock()
	sub, ok := c.subs[key]
	if ok {
		delete(c.subs, key)
	}
	c.mu.Unlock()
	if !ok {
		return
	}
	c.drop(sub)
	c.logger.Debug("unsubscribed", "stream", strings.Join(sub.stream, ":"))
}

func (c *Connection) drop(sub *subscription) {
	sub.listener.Close()
	c.unregister(sub.channelIDs, sub.listener)
	if sub.release != nil {
		sub.release()
	}
	c.hub.metrics.ChannelsUnsubscribed(c.Transport, len(sub.channelIDs))
}

func (c *Connection) unregister(channels []string, listener *pubsub.Listener) {
	ctx, cancel := context.WithTimeout(context.Background(), unsubscribeTimeout)
	defer cancel()
	for _, channel := range channels {
		if err := c.hub.registry.Unsubscribe(ctx, channel, listener); err != nil {
			c.logger.Warn("upstream unsubscribe failed", "channel", channel, "error", err)
		}
	}
}

// Subscriptions returns the number of active stream subscriptions.
func (c *Connection) Subscriptions() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.subs)
}

// Close tears the connection down exactly once: it stops delivery, removes
// every registry listener and runs the transport's close hook.
func (c *Connection) Close() {
	c.closeOnce.Do(func() {
		c.closed.Store(true)

		c.mu.Lock()
		subs := make([]*subscription, 0, len(c.subs))
		for _, sub := range c.subs {
			subs = append(subs, sub)
		}
		c.subs = make(map[string]*subscription)
		system := c.system
		c.system = nil
		c.mu.Unlock()

		close(c.done)
		for _, sub := range subs {
			c.drop(sub)
		}
		for _, sys := range system {
			sys.listener.Close()
			c.unregister([]string{sys.channel}, sys.listener)
		}
		if c.onClose != nil {
			c.onClose()
		}
		c.hub.disconnected(c)
	})
}
