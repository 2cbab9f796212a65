package streaming

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"fedistream/internal/auth"
	"fedistream/internal/streams"
)

// StreamPrefix is the HTTP path under which SSE streams are served.
const StreamPrefix = "/api/v1/streaming"

var errSinkClosed = errors.New("event stream closed")

type sseSink struct {
	mu      sync.Mutex
	w       io.Writer
	flusher http.Flusher
	closed  bool
}

func (s *sseSink) writeRaw(text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errSinkClosed
	}
	if _, err := io.WriteString(s.w, text); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}

// shut waits for an in-flight write and rejects later ones; the response
// writer must not be touched once the handler returns.
func (s *sseSink) shut() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
}

// WriteEvent writes one SSE frame. A multi-line payload becomes one data
// line per line.
func (s *sseSink) WriteEvent(_ []string, event, payload string) error {
	var b strings.Builder
	fmt.Fprintf(&b, "event: %s\n", event)
	for _, line := range strings.Split(payload, "\n") {
		fmt.Fprintf(&b, "data: %s\n", line)
	}
	b.WriteString("\n")
	return s.writeRaw(b.String())
}

// StreamName maps an SSE request to its logical stream name: the path below
// /api/v1/streaming with slashes read as colons, or the stream query
// parameter on the bare endpoint.
func StreamName(r *http.Request) string {
	rest := strings.Trim(strings.TrimPrefix(r.URL.Path, StreamPrefix), "/")
	if rest == "" {
		return strings.TrimSpace(r.URL.Query().Get("stream"))
	}
	return strings.ReplaceAll(rest, "/", ":")
}

// ServeSSE handles a long-lived event-stream request. Authentication and
// channel resolution finish before any header is written, so rejections
// carry their status code.
func (h *Hub) ServeSSE(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, errors.New("streaming unsupported by response writer"))
		return
	}
	ctx := r.Context()

	identity, err := h.auth.Resolve(ctx, auth.TokenFromRequest(r, false))
	if err != nil {
		writeError(w, err)
		return
	}
	name := StreamName(r)
	if name == "" {
		writeError(w, auth.NewError(auth.Validation, "Unknown stream type"))
		return
	}
	res, err := h.resolve(ctx, identity, name, streams.ParamsFromValues(r.URL.Query()))
	if err != nil {
		writeError(w, err)
		return
	}

	sink := &sseSink{w: w, flusher: flusher}
	defer sink.shut()
	conn, err := h.connect(ctx, TransportEventSource, identity, sink, nil)
	if err != nil {
		writeError(w, err)
		return
	}
	defer conn.Close()
	if err := conn.Subscribe(ctx, res); err != nil {
		conn.logger.Error("subscribe failed", "error", err)
		writeError(w, err)
		return
	}

	header := w.Header()
	header.Set("Content-Type", "text/event-stream")
	header.Set("Cache-Control", "private, no-store")
	header.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	if err := sink.writeRaw(":)\n"); err != nil {
		return
	}

	go conn.deliver(ctx)

	ticker := time.NewTicker(h.keepAliveInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-conn.Done():
			return
		case <-ticker.C:
			if err := sink.writeRaw(":thump\n"); err != nil {
				return
			}
		}
	}
}
