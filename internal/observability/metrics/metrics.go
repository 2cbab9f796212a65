package metrics

import (
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

type requestLabel struct {
	method string
	path   string
	status string
}

// Recorder aggregates in-memory counters and gauges for HTTP requests,
// connected streaming clients, channel subscriptions, upstream pub/sub
// traffic and per-message filtering outcomes. Map-backed series are guarded
// by a RWMutex while scalar gauges use atomics.
type Recorder struct {
	mu                sync.RWMutex
	requestCount      map[requestLabel]uint64
	requestDuration   map[requestLabel]time.Duration
	connectedClients  map[string]int64
	connectedChannels map[string]int64
	messagesSent      map[string]uint64
	messagesDropped   map[string]uint64
	suppressed        map[string]uint64

	upstreamChannels   atomic.Int64
	upstreamMessages   atomic.Uint64
	upstreamReconnects atomic.Uint64
}

var defaultRecorder = New()

// New constructs an empty Recorder with initialized backing maps so callers can
// immediately record metrics without additional setup.
func New() *Recorder {
	return &Recorder{
		requestCount:      make(map[requestLabel]uint64),
		requestDuration:   make(map[requestLabel]time.Duration),
		connectedClients:  make(map[string]int64),
		connectedChannels: make(map[string]int64),
		messagesSent:      make(map[string]uint64),
		messagesDropped:   make(map[string]uint64),
		suppressed:        make(map[string]uint64),
	}
}

// Default returns the singleton Recorder instance shared across helper
// functions for packages that do not require custom instrumentation pipelines.
func Default() *Recorder {
	return defaultRecorder
}

// ObserveRequest normalizes the request label set and accumulates totals for
// request count and cumulative duration by HTTP method, normalized path, and
// status code.
func (r *Recorder) ObserveRequest(method, path string, status int, duration time.Duration) {
	label := requestLabel{
		method: strings.ToUpper(method),
		path:   normalizePath(path),
		status: fmt.Sprintf("%d", status),
	}
	r.mu.Lock()
	r.requestCount[label]++
	r.requestDuration[label] += duration
	r.mu.Unlock()
}

// ClientConnected increments the connected client gauge for the transport
// ("websocket" or "eventsource").
func (r *Recorder) ClientConnected(transport string) {
	r.adjustGauge(r.connectedClients, transport, 1)
}

// ClientDisconnected decrements the connected client gauge for the transport.
func (r *Recorder) ClientDisconnected(transport string) {
	r.adjustGauge(r.connectedClients, transport, -1)
}

// ChannelsSubscribed adds count channel subscriptions held by clients of the
// given transport.
func (r *Recorder) ChannelsSubscribed(transport string, count int) {
	r.adjustGauge(r.connectedChannels, transport, int64(count))
}

// ChannelsUnsubscribed removes count channel subscriptions.
func (r *Recorder) ChannelsUnsubscribed(transport string, count int) {
	r.adjustGauge(r.connectedChannels, transport, -int64(count))
}

func (r *Recorder) adjustGauge(series map[string]int64, key string, delta int64) {
	normalized := normalizeName(key)
	r.mu.Lock()
	next := series[normalized] + delta
	if next < 0 {
		next = 0
	}
	series[normalized] = next
	r.mu.Unlock()
}

// ObserveMessageSent counts a message written to a client socket.
func (r *Recorder) ObserveMessageSent(transport string) {
	r.incrementCounter(r.messagesSent, transport)
}

// ObserveMessageDropped counts a message discarded before delivery, keyed by
// reason (e.g. "queue_full", "closed").
func (r *Recorder) ObserveMessageDropped(reason string) {
	r.incrementCounter(r.messagesDropped, reason)
}

// ObserveSuppressed counts a message suppressed by the per-message filter.
func (r *Recorder) ObserveSuppressed(reason string) {
	r.incrementCounter(r.suppressed, reason)
}

func (r *Recorder) incrementCounter(series map[string]uint64, key string) {
	normalized := normalizeName(key)
	r.mu.Lock()
	series[normalized]++
	r.mu.Unlock()
}

// SetUpstreamChannels records how many channels are currently subscribed on
// the upstream pub/sub connection.
func (r *Recorder) SetUpstreamChannels(count int) {
	r.upstreamChannels.Store(int64(count))
}

// ObserveUpstreamMessage counts a message received from the upstream pub/sub.
func (r *Recorder) ObserveUpstreamMessage() {
	r.upstreamMessages.Add(1)
}

// ObserveUpstreamReconnect counts an upstream reconnection and reconciliation.
func (r *Recorder) ObserveUpstreamReconnect() {
	r.upstreamReconnects.Add(1)
}

// Snapshot is the JSON document served on /stats.
type Snapshot struct {
	ConnectedClients   map[string]int64  `json:"connected_clients"`
	ConnectedChannels  map[string]int64  `json:"connected_channels"`
	MessagesSent       map[string]uint64 `json:"messages_sent"`
	UpstreamChannels   int64             `json:"redis_subscriptions"`
	UpstreamMessages   uint64            `json:"redis_messages_received"`
	UpstreamReconnects uint64            `json:"redis_reconnects"`
}

// Snapshot returns copies of the client and channel gauges.
func (r *Recorder) Snapshot() Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	snapshot := Snapshot{
		ConnectedClients:   make(map[string]int64, len(r.connectedClients)),
		ConnectedChannels:  make(map[string]int64, len(r.connectedChannels)),
		MessagesSent:       make(map[string]uint64, len(r.messagesSent)),
		UpstreamChannels:   r.upstreamChannels.Load(),
		UpstreamMessages:   r.upstreamMessages.Load(),
		UpstreamReconnects: r.upstreamReconnects.Load(),
	}
	for k, v := range r.connectedClients {
		snapshot.ConnectedClients[k] = v
	}
	for k, v := range r.connectedChannels {
		snapshot.ConnectedChannels[k] = v
	}
	for k, v := range r.messagesSent {
		snapshot.MessagesSent[k] = v
	}
	return snapshot
}

// SuppressedCounts returns a copy of the suppression counters.
func (r *Recorder) SuppressedCounts() map[string]uint64 {
	return r.copyCounter(func() map[string]uint64 { return r.suppressed })
}

// DroppedCounts returns a copy of the dropped-message counters.
func (r *Recorder) DroppedCounts() map[string]uint64 {
	return r.copyCounter(func() map[string]uint64 { return r.messagesDropped })
}

// copyCounter reads the series selected by pick under the read lock.
func (r *Recorder) copyCounter(pick func() map[string]uint64) map[string]uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	series := pick()
	out := make(map[string]uint64, len(series))
	for k, v := range series {
		out[k] = v
	}
	return out
}

// Reset clears all counters and gauges on the recorder. It is intended for
// test setups.
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.requestCount = make(map[requestLabel]uint64)
	r.requestDuration = make(map[requestLabel]time.Duration)
	r.connectedClients = make(map[string]int64)
	r.connectedChannels = make(map[string]int64)
	r.messagesSent = make(map[string]uint64)
	r.messagesDropped = make(map[string]uint64)
	r.suppressed = make(map[string]uint64)
	r.upstreamChannels.Store(0)
	r.upstreamMessages.Store(0)
	r.upstreamReconnects.Store(0)
}

// Handler exposes the Recorder as an http.Handler that writes Prometheus text
// exposition data with the appropriate content type.
func (r *Recorder) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		r.Write(w)
	})
}

// Write renders the Recorder's metrics in Prometheus text format, sorting label
// sets to provide stable output for scrapes and tests.
func (r *Recorder) Write(w io.Writer) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	requestLabels := r.sortedRequestLabels()

	fmt.Fprintln(w, "# HELP fedistream_http_requests_total Total number of HTTP requests processed")
	fmt.Fprintln(w, "# TYPE fedistream_http_requests_total counter")
	for _, label := range requestLabels {
		count := r.requestCount[label]
		fmt.Fprintf(w, "fedistream_http_requests_total{method=\"%s\",path=\"%s\",status=\"%s\"} %d\n", label.method, label.path, label.status, count)
	}

	fmt.Fprintln(w, "# HELP fedistream_http_request_duration_seconds_sum Cumulative duration of HTTP requests in seconds")
	fmt.Fprintln(w, "# TYPE fedistream_http_request_duration_seconds_sum counter")
	for _, label := range requestLabels {
		duration := r.requestDuration[label].Seconds()
		fmt.Fprintf(w, "fedistream_http_request_duration_seconds_sum{method=\"%s\",path=\"%s\",status=\"%s\"} %f\n", label.method, label.path, label.status, duration)
	}

	fmt.Fprintln(w, "# HELP fedistream_connected_clients Number of connected streaming clients")
	fmt.Fprintln(w, "# TYPE fedistream_connected_clients gauge")
	for _, key := range sortedKeys(r.connectedClients) {
		fmt.Fprintf(w, "fedistream_connected_clients{type=\"%s\"} %d\n", key, r.connectedClients[key])
	}

	fmt.Fprintln(w, "# HELP fedistream_connected_channels Number of channels subscribed by connected clients")
	fmt.Fprintln(w, "# TYPE fedistream_connected_channels gauge")
	for _, key := range sortedKeys(r.connectedChannels) {
		fmt.Fprintf(w, "fedistream_connected_channels{type=\"%s\"} %d\n", key, r.connectedChannels[key])
	}

	fmt.Fprintln(w, "# HELP fedistream_messages_sent_total Messages delivered to clients by transport")
	fmt.Fprintln(w, "# TYPE fedistream_messages_sent_total counter")
	for _, key := range sortedKeys(r.messagesSent) {
		fmt.Fprintf(w, "fedistream_messages_sent_total{type=\"%s\"} %d\n", key, r.messagesSent[key])
	}

	fmt.Fprintln(w, "# HELP fedistream_messages_dropped_total Messages discarded before delivery by reason")
	fmt.Fprintln(w, "# TYPE fedistream_messages_dropped_total counter")
	for _, key := range sortedKeys(r.messagesDropped) {
		fmt.Fprintf(w, "fedistream_messages_dropped_total{reason=\"%s\"} %d\n", key, r.messagesDropped[key])
	}

	fmt.Fprintln(w, "# HELP fedistream_messages_suppressed_total Messages suppressed by the per-connection filter by reason")
	fmt.Fprintln(w, "# TYPE fedistream_messages_suppressed_total counter")
	for _, key := range sortedKeys(r.suppressed) {
		fmt.Fprintf(w, "fedistream_messages_suppressed_total{reason=\"%s\"} %d\n", key, r.suppressed[key])
	}

	fmt.Fprintln(w, "# HELP fedistream_redis_subscriptions Channels subscribed on the upstream pub/sub connection")
	fmt.Fprintln(w, "# TYPE fedistream_redis_subscriptions gauge")
	fmt.Fprintf(w, "fedistream_redis_subscriptions %d\n", r.upstreamChannels.Load())

	fmt.Fprintln(w, "# HELP fedistream_redis_messages_received_total Messages received from the upstream pub/sub connection")
	fmt.Fprintln(w, "# TYPE fedistream_redis_messages_received_total counter")
	fmt.Fprintf(w, "fedistream_redis_messages_received_total %d\n", r.upstreamMessages.Load())

	fmt.Fprintln(w, "# HELP fedistream_redis_reconnects_total Upstream pub/sub reconnections")
	fmt.Fprintln(w, "# TYPE fedistream_redis_reconnects_total counter")
	fmt.Fprintf(w, "fedistream_redis_reconnects_total %d\n", r.upstreamReconnects.Load())
}

func (r *Recorder) sortedRequestLabels() []requestLabel {
	labels := make([]requestLabel, 0, len(r.requestCount))
	for label := range r.requestCount {
		labels = append(labels, label)
	}
	sort.Slice(labels, func(i, j int) bool {
		if labels[i].method != labels[j].method {
			return labels[i].method < labels[j].method
		}
		if labels[i].path != labels[j].path {
			return labels[i].path < labels[j].path
		}
		return labels[i].status < labels[j].status
	})
	return labels
}

func sortedKeys[V any](series map[string]V) []string {
	keys := make([]string, 0, len(series))
	for key := range series {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

func normalizePath(path string) string {
	if path == "" || path == "/" {
		return "/"
	}
	parts := strings.Split(path, "/")
	for i, part := range parts {
		if part == "" {
			continue
		}
		if looksLikeIdentifier(part) {
			parts[i] = ":id"
			continue
		}
	}
	normalized := strings.Join(parts, "/")
	if !strings.HasPrefix(normalized, "/") {
		normalized = "/" + normalized
	}
	if strings.HasSuffix(normalized, "/") && len(normalized) > 1 {
		normalized = strings.TrimSuffix(normalized, "/")
	}
	return normalized
}

// looksLikeIdentifier matches snowflake-style numeric ids and long opaque
// tokens while leaving route words such as "notification" intact.
func looksLikeIdentifier(segment string) bool {
	if len(segment) >= 24 {
		return true
	}
	digitCount := 0
	for _, r := range segment {
		if r >= '0' && r <= '9' {
			digitCount++
		}
	}
	return digitCount >= 3
}

func normalizeName(value string) string {
	normalized := strings.ToLower(strings.TrimSpace(value))
	if normalized == "" {
		return "unknown"
	}
	return normalized
}
