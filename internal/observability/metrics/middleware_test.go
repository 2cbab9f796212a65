package metrics

import (
	"bufio"
	"bytes"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestHTTPMiddlewareRecordsRequests(t *testing.T) {
	recorder := New()
	handler := HTTPMiddleware(recorder, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))

	req := httptest.NewRequest(http.MethodGet, "/api/v1/lists/12345", nil)
	handler.ServeHTTP(httptest.NewRecorder(), req)

	var buf bytes.Buffer
	recorder.Write(&buf)
	body := buf.String()

	expected := `fedistream_http_requests_total{method="GET",path="/api/v1/lists/:id",status="418"} 1`
	if !strings.Contains(body, expected) {
		t.Fatalf("expected metrics output to contain %q, got %q", expected, body)
	}
}

func TestResponseRecorderKeepsFirstStatus(t *testing.T) {
	rr := NewResponseRecorder(httptest.NewRecorder())
	if _, err := rr.Write([]byte("ok")); err != nil {
		t.Fatalf("write: %v", err)
	}
	rr.WriteHeader(http.StatusInternalServerError)
	if rr.Status() != http.StatusOK {
		t.Fatalf("expected implicit 200 to stick, got %d", rr.Status())
	}
}

func TestResponseRecorderFlushes(t *testing.T) {
	underlying := httptest.NewRecorder()
	rr := NewResponseRecorder(underlying)
	var w http.ResponseWriter = rr
	flusher, ok := w.(http.Flusher)
	if !ok {
		t.Fatal("expected recorder to implement http.Flusher")
	}
	flusher.Flush()
	if !underlying.Flushed {
		t.Fatal("expected flush to reach the underlying writer")
	}
}

type hijackableWriter struct {
	*httptest.ResponseRecorder
	conn net.Conn
}

func (h *hijackableWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	return h.conn, nil, nil
}

func TestResponseRecorderHijackReportsSwitchingProtocols(t *testing.T) {
	server, client := net.Pipe()
	defer server.Close()
	defer client.Close()

	rr := NewResponseRecorder(&hijackableWriter{ResponseRecorder: httptest.NewRecorder(), conn: server})
	conn, _, err := rr.Hijack()
	if err != nil {
		t.Fatalf("hijack: %v", err)
	}
	if conn != server {
		t.Fatal("expected the underlying connection")
	}
	if !rr.Hijacked() || rr.Status() != http.StatusSwitchingProtocols {
		t.Fatalf("expected hijacked 101, got hijacked=%v status=%d", rr.Hijacked(), rr.Status())
	}
}

func TestResponseRecorderHijackUnsupported(t *testing.T) {
	rr := NewResponseRecorder(httptest.NewRecorder())
	if _, _, err := rr.Hijack(); err != http.ErrNotSupported {
		t.Fatalf("expected ErrNotSupported, got %v", err)
	}
	if rr.Hijacked() {
		t.Fatal("recorder must not report a failed hijack")
	}
}
