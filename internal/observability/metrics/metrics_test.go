package metrics

import (
	"bytes"
	"fmt"
	"net/http/httptest"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"
)

func TestObserveRequestAndNormalizePath(t *testing.T) {
	recorder := New()

	type testCase struct {
		name     string
		method   string
		path     string
		status   int
		duration time.Duration
	}

	cases := []testCase{
		{
			name:     "root path",
			method:   "get",
			path:     "/",
			status:   200,
			duration: 50 * time.Millisecond,
		},
		{
			name:     "empty path",
			method:   "GET",
			path:     "",
			status:   200,
			duration: 25 * time.Millisecond,
		},
		{
			name:     "id segment",
			method:   "post",
			path:     "/api/v1/timelines/123",
			status:   201,
			duration: 100 * time.Millisecond,
		},
		{
			name:     "trailing slash and alpha id",
			method:   "POST",
			path:     "/api/v1/streaming/abc123def/",
			status:   201,
			duration: 50 * time.Millisecond,
		},
		{
			name:     "multi ids",
			method:   "PATCH",
			path:     "streams/abc/456/extra",
			status:   404,
			duration: 10 * time.Millisecond,
		},
	}

	expectedCounts := make(map[requestLabel]struct {
		count    uint64
		duration time.Duration
	})

	for _, tc := range cases {
		recorder.ObserveRequest(tc.method, tc.path, tc.status, tc.duration)

		label := requestLabel{
			method: strings.ToUpper(tc.method),
			path:   normalizePath(tc.path),
			status: fmt.Sprintf("%d", tc.status),
		}
		current := expectedCounts[label]
		current.count++
		current.duration += tc.duration
		expectedCounts[label] = current
	}

	if len(recorder.requestCount) != len(expectedCounts) {
		t.Fatalf("unexpected number of labels: got %d want %d", len(recorder.requestCount), len(expectedCounts))
	}

	for label, expected := range expectedCounts {
		gotCount := recorder.requestCount[label]
		gotDuration := recorder.requestDuration[label]
		if gotCount != expected.count {
			t.Errorf("count mismatch for %+v: got %d want %d", label, gotCount, expected.count)
		}
		if gotDuration != expected.duration {
			t.Errorf("duration mismatch for %+v: got %s want %s", label, gotDuration, expected.duration)
		}
	}

	labels := recorder.sortedRequestLabels()
	sortedExpected := make([]requestLabel, 0, len(expectedCounts))
	for label := range expectedCounts {
		sortedExpected = append(sortedExpected, label)
	}
	sort.Slice(sortedExpected, func(i, j int) bool {
		if sortedExpected[i].method != sortedExpected[j].method {
			return sortedExpected[i].method < sortedExpected[j].method
		}
		if sortedExpected[i].path != sortedExpected[j].path {
			return sortedExpected[i].path < sortedExpected[j].path
		}
		return sortedExpected[i].status < sortedExpected[j].status
	})

	if len(labels) != len(sortedExpected) {
		t.Fatalf("sorted labels length mismatch: got %d want %d", len(labels), len(sortedExpected))
	}

	for i := range labels {
		if labels[i] != sortedExpected[i] {
			t.Errorf("sorted label %d mismatch: got %+v want %+v", i, labels[i], sortedExpected[i])
		}
	}
}

func TestClientGaugeConcurrent(t *testing.T) {
	recorder := New()

	var wg sync.WaitGroup
	connects := 100
	disconnects := 150

	wg.Add(connects + disconnects)
	for i := 0; i < connects; i++ {
		go func() {
			defer wg.Done()
			recorder.ClientConnected("websocket")
		}()
	}
	for i := 0; i < disconnects; i++ {
		go func() {
			defer wg.Done()
			recorder.ClientDisconnected("websocket")
		}()
	}

	wg.Wait()

	if active := recorder.Snapshot().ConnectedClients["websocket"]; active < 0 {
		t.Fatalf("connected clients should not go negative; got %d", active)
	}
}

func TestSnapshotCopiesGauges(t *testing.T) {
	recorder := New()
	recorder.ClientConnected("eventsource")
	recorder.ChannelsSubscribed("eventsource", 3)
	recorder.ChannelsUnsubscribed("eventsource", 1)
	recorder.SetUpstreamChannels(4)
	recorder.ObserveUpstreamMessage()

	snapshot := recorder.Snapshot()
	if snapshot.ConnectedClients["eventsource"] != 1 {
		t.Fatalf("expected one eventsource client, got %d", snapshot.ConnectedClients["eventsource"])
	}
	if snapshot.ConnectedChannels["eventsource"] != 2 {
		t.Fatalf("expected two eventsource channels, got %d", snapshot.ConnectedChannels["eventsource"])
	}
	if snapshot.UpstreamChannels != 4 || snapshot.UpstreamMessages != 1 {
		t.Fatalf("unexpected upstream values: %+v", snapshot)
	}

	snapshot.ConnectedClients["eventsource"] = 99
	if recorder.Snapshot().ConnectedClients["eventsource"] != 1 {
		t.Fatalf("expected snapshot mutation not to leak into recorder")
	}
}

func TestWriteAndHandlerOutput(t *testing.T) {
	recorder := New()

	recorder.ObserveRequest("GET", "/api/v1/streaming/list", 200, 150*time.Millisecond)
	recorder.ObserveRequest("get", "/api/v1/streaming/list/", 200, 50*time.Millisecond)
	recorder.ObserveRequest("GET", "/health", 200, time.Second)

	recorder.ClientConnected("websocket")
	recorder.ClientConnected("websocket")
	recorder.ClientDisconnected("websocket")
	recorder.ChannelsSubscribed("websocket", 2)

	recorder.ObserveMessageSent("websocket")
	recorder.ObserveMessageDropped("queue_full")
	recorder.ObserveSuppressed("language")
	recorder.ObserveSuppressed("language")

	recorder.SetUpstreamChannels(3)
	recorder.ObserveUpstreamMessage()
	recorder.ObserveUpstreamReconnect()

	var buf bytes.Buffer
	recorder.Write(&buf)

	expected := `# HELP fedistream_http_requests_total Total number of HTTP requests processed
# TYPE fedistream_http_requests_total counter
fedistream_http_requests_total{method="GET",path="/api/v1/streaming/list",status="200"} 2
fedistream_http_requests_total{method="GET",path="/health",status="200"} 1
# HELP fedistream_http_request_duration_seconds_sum Cumulative duration of HTTP requests in seconds
# TYPE fedistream_http_request_duration_seconds_sum counter
fedistream_http_request_duration_seconds_sum{method="GET",path="/api/v1/streaming/list",status="200"} 0.200000
fedistream_http_request_duration_seconds_sum{method="GET",path="/health",status="200"} 1.000000
# HELP fedistream_connected_clients Number of connected streaming clients
# TYPE fedistream_connected_clients gauge
fedistream_connected_clients{type="websocket"} 1
# HELP fedistream_connected_channels Number of channels subscribed by connected clients
# TYPE fedistream_connected_channels gauge
fedistream_connected_channels{type="websocket"} 2
# HELP fedistream_messages_sent_total Messages delivered to clients by transport
# TYPE fedistream_messages_sent_total counter
fedistream_messages_sent_total{type="websocket"} 1
# HELP fedistream_messages_dropped_total Messages discarded before delivery by reason
# TYPE fedistream_messages_dropped_total counter
fedistream_messages_dropped_total{reason="queue_full"} 1
# HELP fedistream_messages_suppressed_total Messages suppressed by the per-connection filter by reason
# TYPE fedistream_messages_suppressed_total counter
fedistream_messages_suppressed_total{reason="language"} 2
# HELP fedistream_redis_subscriptions Channels subscribed on the upstream pub/sub connection
# TYPE fedistream_redis_subscriptions gauge
fedistream_redis_subscriptions 3
# HELP fedistream_redis_messages_received_total Messages received from the upstream pub/sub connection
# TYPE fedistream_redis_messages_received_total counter
fedistream_redis_messages_received_total 1
# HELP fedistream_redis_reconnects_total Upstream pub/sub reconnections
# TYPE fedistream_redis_reconnects_total counter
fedistream_redis_reconnects_total 1`

	if diff := compareLines(buf.String(), expected); diff != "" {
		t.Fatalf("unexpected write output:\n%s", diff)
	}

	res := httptest.NewRecorder()
	recorder.Handler().ServeHTTP(res, httptest.NewRequest("GET", "/metrics", nil))

	if contentType := res.Result().Header.Get("Content-Type"); !strings.HasPrefix(contentType, "text/plain") {
		t.Fatalf("unexpected content type: %s", contentType)
	}

	if diff := compareLines(res.Body.String(), expected); diff != "" {
		t.Fatalf("unexpected handler output:\n%s", diff)
	}
}

func TestNormalizePathKeepsRouteWords(t *testing.T) {
	cases := map[string]string{
		"/api/v1/streaming/user/notification": "/api/v1/streaming/user/notification",
		"/api/v1/streaming/public/local/":     "/api/v1/streaming/public/local",
		"/api/v1/lists/109876543210":          "/api/v1/lists/:id",
	}
	for input, want := range cases {
		if got := normalizePath(input); got != want {
			t.Errorf("normalizePath(%q) = %q, want %q", input, got, want)
		}
	}
}

func compareLines(actual, expected string) string {
	actualLines := strings.Split(strings.TrimSpace(actual), "\n")
	expectedLines := strings.Split(strings.TrimSpace(expected), "\n")
	if len(actualLines) != len(expectedLines) {
		return formatDiff(actualLines, expectedLines)
	}
	for i := range actualLines {
		if actualLines[i] != expectedLines[i] {
			return formatDiff(actualLines, expectedLines)
		}
	}
	return ""
}

func formatDiff(actual, expected []string) string {
	var b strings.Builder
	b.WriteString("expected\n")
	for _, line := range expected {
		b.WriteString(line)
		b.WriteByte('\n')
	}
	b.WriteString("got\n")
	for _, line := range actual {
		b.WriteString(line)
		b.WriteByte('\n')
	}
	return b.String()
}
