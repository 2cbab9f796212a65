package server

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func okHandler(called *bool) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		*called = true
		w.WriteHeader(http.StatusOK)
	})
}

func TestCORSMiddlewareAllowsConfiguredOrigins(t *testing.T) {
	policy, err := newCORSPolicy(CORSConfig{AllowedOrigins: []string{"https://Social.Example.com"}})
	if err != nil {
		t.Fatalf("newCORSPolicy error: %v", err)
	}
	called := false

	req := httptest.NewRequest(http.MethodGet, "/api/v1/streaming/public", nil)
	req.Header.Set("Origin", "https://social.example.com")
	req.Host = "streaming.example.com"
	rec := httptest.NewRecorder()

	corsMiddleware(policy, nil, okHandler(&called)).ServeHTTP(rec, req)

	if !called {
		t.Fatal("expected next handler to be called")
	}
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "https://social.example.com" {
		t.Fatalf("unexpected allow origin header: %q", got)
	}
	if got := rec.Header().Get("Access-Control-Allow-Credentials"); got != "true" {
		t.Fatalf("expected credentials for listed origin, got %q", got)
	}
}

func TestCORSMiddlewareAnswersPreflight(t *testing.T) {
	policy, err := newCORSPolicy(CORSConfig{AllowedOrigins: []string{"https://social.example.com"}})
	if err != nil {
		t.Fatalf("newCORSPolicy error: %v", err)
	}
	called := false

	req := httptest.NewRequest(http.MethodOptions, "/api/v1/streaming/user", nil)
	req.Header.Set("Origin", "https://social.example.com")
	req.Header.Set("Access-Control-Request-Method", http.MethodGet)
	rec := httptest.NewRecorder()

	corsMiddleware(policy, nil, okHandler(&called)).ServeHTTP(rec, req)

	if called {
		t.Fatal("preflight must not reach the handler")
	}
	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", rec.Code)
	}
	if got := rec.Header().Get("Access-Control-Allow-Methods"); got != corsAllowMethods {
		t.Fatalf("unexpected allow methods %q", got)
	}
	if got := rec.Header().Get("Access-Control-Allow-Headers"); got != corsAllowHeaders {
		t.Fatalf("unexpected allow headers %q", got)
	}
}

func TestCORSMiddlewareBlocksUnknownOrigin(t *testing.T) {
	policy, err := newCORSPolicy(CORSConfig{AllowedOrigins: []string{"https://social.example.com"}})
	if err != nil {
		t.Fatalf("newCORSPolicy error: %v", err)
	}
	called := false

	req := httptest.NewRequest(http.MethodGet, "/api/v1/streaming/public", nil)
	req.Header.Set("Origin", "https://evil.example.net")
	req.Host = "streaming.example.com"
	rec := httptest.NewRecorder()

	corsMiddleware(policy, nil, okHandler(&called)).ServeHTTP(rec, req)

	if called {
		t.Fatal("expected blocked origin to stop the chain")
	}
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", rec.Code)
	}
}

func TestCORSMiddlewareAllowsSameOriginWithList(t *testing.T) {
	policy, err := newCORSPolicy(CORSConfig{AllowedOrigins: []string{"https://social.example.com"}})
	if err != nil {
		t.Fatalf("newCORSPolicy error: %v", err)
	}
	called := false

	req := httptest.NewRequest(http.MethodGet, "/api/v1/streaming/public", nil)
	req.Header.Set("Origin", "http://streaming.example.com")
	req.Host = "streaming.example.com"
	rec := httptest.NewRecorder()

	corsMiddleware(policy, nil, okHandler(&called)).ServeHTTP(rec, req)

	if !called || rec.Code != http.StatusOK {
		t.Fatalf("expected same-origin request to pass, got %d", rec.Code)
	}
}

func TestCORSMiddlewareAllowsAnyOriginByDefault(t *testing.T) {
	for _, origins := range [][]string{nil, {"*"}} {
		policy, err := newCORSPolicy(CORSConfig{AllowedOrigins: origins})
		if err != nil {
			t.Fatalf("newCORSPolicy error: %v", err)
		}
		called := false

		req := httptest.NewRequest(http.MethodGet, "/api/v1/streaming/public", nil)
		req.Header.Set("Origin", "https://elsewhere.example.org")
		rec := httptest.NewRecorder()

		corsMiddleware(policy, nil, okHandler(&called)).ServeHTTP(rec, req)

		if !called {
			t.Fatalf("%v: expected request to pass", origins)
		}
		if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "*" {
			t.Fatalf("%v: expected wildcard, got %q", origins, got)
		}
		if got := rec.Header().Get("Access-Control-Allow-Credentials"); got != "" {
			t.Fatalf("%v: wildcard must not allow credentials, got %q", origins, got)
		}
	}
}

func TestNormalizeOrigin(t *testing.T) {
	got, err := normalizeOrigin(" HTTPS://Social.Example.com ")
	if err != nil || got != "https://social.example.com" {
		t.Fatalf("unexpected normalisation %q (%v)", got, err)
	}
	if _, err := normalizeOrigin("social.example.com"); err == nil {
		t.Fatal("expected error for origin without scheme")
	}
}

func TestServerCORSBlocksUnknownWebSocketOrigin(t *testing.T) {
	env := newTestEnv(t, func(c *Config) {
		c.CORS.AllowedOrigins = []string{"https://social.example.com"}
	})
	req := httptest.NewRequest(http.MethodGet, "/api/v1/streaming?stream=public", nil)
	req.Header.Set("Origin", "https://evil.example.net")
	req.Header.Set("Connection", "Upgrade")
	req.Header.Set("Upgrade", "websocket")

	rec := env.serve(req)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", rec.Code)
	}
	if env.hub.Connections() != 0 {
		t.Fatal("blocked origin must not register a connection")
	}
}
