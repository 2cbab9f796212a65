package streaming

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"fedistream/internal/auth"
	"fedistream/internal/streams"
)

const (
	writeWait    = 10 * time.Second
	maxFrameSize = 16 << 10
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Browsers from any origin may connect; access is governed by the token.
	CheckOrigin: func(*http.Request) bool { return true },
}

// wsEvent is the outbound event frame. Payload is always a string: object
// payloads are sent JSON-encoded.
type wsEvent struct {
	Stream  []string `json:"stream"`
	Event   string   `json:"event"`
	Payload string   `json:"payload,omitempty"`
}

type wsError struct {
	Error  string `json:"error"`
	Status int    `json:"status"`
}

// controlFrame is an inbound subscribe or unsubscribe request.
type controlFrame struct {
	Type   string `json:"type"`
	Stream string `json:"stream"`
	streams.Params
}

type wsSink struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (s *wsSink) writeJSON(v any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return s.conn.WriteJSON(v)
}

func (s *wsSink) WriteEvent(stream []string, event, payload string) error {
	return s.writeJSON(wsEvent{Stream: stream, Event: event, Payload: payload})
}

// WriteError sends a rejection without closing the socket.
func (s *wsSink) WriteError(err error) error {
	authErr := auth.AsError(err)
	return s.writeJSON(wsError{Error: authErr.Message, Status: authErr.Status()})
}

// ServeHTTP routes WebSocket upgrades to ServeWebSocket and everything else
// to ServeSSE.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if websocket.IsWebSocketUpgrade(r) {
		h.ServeWebSocket(w, r)
		return
	}
	h.ServeSSE(w, r)
}

// ServeWebSocket authenticates during the upgrade, so an invalid token is
// answered with a plain HTTP 401 instead of an open socket.
func (h *Hub) ServeWebSocket(w http.ResponseWriter, r *http.Request) {
	token := auth.TokenFromRequest(r, true)
	identity, err := h.auth.Resolve(r.Context(), token)
	if err != nil {
		writeError(w, err)
		return
	}

	var responseHeader http.Header
	if protocol := strings.TrimSpace(r.Header.Get("Sec-WebSocket-Protocol")); protocol != "" && protocol == token {
		responseHeader = http.Header{"Sec-WebSocket-Protocol": {protocol}}
	}
	ws, err := upgrader.Upgrade(w, r, responseHeader)
	if err != nil {
		// The upgrader has already written the HTTP error.
		h.logger.Debug("websocket upgrade failed", "error", err)
		return
	}
	ws.SetReadLimit(maxFrameSize)
	alive := &atomic.Bool{}
	alive.Store(true)
	ws.SetPongHandler(func(string) error {
		alive.Store(true)
		return nil
	})

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	sink := &wsSink{conn: ws}
	conn, err := h.connect(ctx, TransportWebSocket, identity, sink, func() { _ = ws.Close() })
	if err != nil {
		_ = sink.WriteError(err)
		_ = ws.Close()
		return
	}
	defer conn.Close()

	go conn.deliver(ctx)
	go h.keepAlive(ctx, conn, ws, alive)

	query := r.URL.Query()
	if name := strings.TrimSpace(query.Get("stream")); name != "" {
		h.subscribeFrame(ctx, conn, sink, name, streams.ParamsFromValues(query))
	}

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			return
		}
		h.handleFrame(ctx, conn, sink, data)
	}
}

func (h *Hub) handleFrame(ctx context.Context, conn *Connection, sink *wsSink, data []byte) {
	var frame controlFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		conn.logger.Debug("ignoring malformed frame", "error", err)
		return
	}
	switch frame.Type {
	case "subscribe":
		h.subscribeFrame(ctx, conn, sink, frame.Stream, frame.Params)
	case "unsubscribe":
		res, err := h.resolve(ctx, conn.Identity, frame.Stream, frame.Params)
		if err != nil {
			_ = sink.WriteError(err)
			return
		}
		conn.Unsubscribe(res)
	default:
		conn.logger.Debug("ignoring frame", "type", frame.Type)
	}
}

func (h *Hub) subscribeFrame(ctx context.Context, conn *Connection, sink *wsSink, name string, params streams.Params) {
	res, err := h.resolve(ctx, conn.Identity, name, params)
	if err != nil {
		_ = sink.WriteError(err)
		return
	}
	if err := conn.Subscribe(ctx, res); err != nil {
		conn.logger.Error("subscribe failed", "stream", name, "error", err)
		_ = sink.WriteError(err)
	}
}

// keepAlive pings every interval and terminates sockets that did not answer
// the previous ping. The pong handler on the read loop sets alive. It also
// closes the connection when ctx ends.
func (h *Hub) keepAlive(ctx context.Context, conn *Connection, ws *websocket.Conn, alive *atomic.Bool) {
	ticker := time.NewTicker(h.pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			conn.Close()
			return
		case <-conn.Done():
			return
		case <-ticker.C:
			if !alive.Swap(false) {
				conn.logger.Info("websocket missed pong, terminating")
				conn.Close()
				return
			}
			if err := ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				conn.Close()
				return
			}
		}
	}
}
