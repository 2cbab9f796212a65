package auth

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"
)

type blockingStore struct {
	release chan struct{}
	mu      sync.Mutex
	calls   int
}

func (s *blockingStore) LookupToken(ctx context.Context, token string) (*Identity, error) {
	s.mu.Lock()
	s.calls++
	s.mu.Unlock()
	<-s.release
	return NewIdentity("9", "1", []string{ScopeRead}, nil), nil
}

func TestResolveAnonymous(t *testing.T) {
	resolver := NewResolver(NewMemoryTokenStore())
	identity, err := resolver.Resolve(context.Background(), "")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if identity != nil {
		t.Fatalf("expected anonymous identity, got %+v", identity)
	}
}

func TestResolveRequiresAuthWhenConfigured(t *testing.T) {
	resolver := NewResolver(NewMemoryTokenStore(), WithRequireAuth(true))
	_, err := resolver.Resolve(context.Background(), "  ")
	if KindOf(err) != Unauthorized {
		t.Fatalf("expected unauthorized, got %v", err)
	}
	if status := AsError(err).Status(); status != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", status)
	}
}

func TestResolveUnknownTokenIsUnauthorized(t *testing.T) {
	resolver := NewResolver(NewMemoryTokenStore())
	_, err := resolver.Resolve(context.Background(), "nope")
	if KindOf(err) != Unauthorized {
		t.Fatalf("expected unauthorized, got %v", err)
	}
}

func TestResolveStoreFailureFailsClosed(t *testing.T) {
	store := NewMemoryTokenStore()
	store.Save("tok", NewIdentity("9", "1", []string{ScopeRead}, nil))
	store.SetError(errors.New("connection reset"))
	resolver := NewResolver(store)

	identity, err := resolver.Resolve(context.Background(), "tok")
	if identity != nil {
		t.Fatal("store failure must not yield an identity")
	}
	if KindOf(err) != Unavailable {
		t.Fatalf("expected unavailable, got %v", err)
	}
	if status := AsError(err).Status(); status != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", status)
	}
}

func TestResolveCachesUntilTTL(t *testing.T) {
	store := NewMemoryTokenStore()
	store.Save("tok", NewIdentity("9", "1", []string{ScopeRead}, nil))
	now := time.Unix(1700000000, 0)
	resolver := NewResolver(store, WithClock(func() time.Time { return now }))

	for i := 0; i < 3; i++ {
		identity, err := resolver.Resolve(context.Background(), "tok")
		if err != nil {
			t.Fatalf("Resolve: %v", err)
		}
		if identity.AccountID != "1" {
			t.Fatalf("unexpected account %q", identity.AccountID)
		}
	}
	if got := store.Lookups(); got != 1 {
		t.Fatalf("expected a single store lookup, got %d", got)
	}

	now = now.Add(DefaultCacheTTL)
	if _, err := resolver.Resolve(context.Background(), "tok"); err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if got := store.Lookups(); got != 2 {
		t.Fatalf("expected lookup after expiry, got %d", got)
	}
}

func TestEvictDropsRevokedToken(t *testing.T) {
	store := NewMemoryTokenStore()
	store.Save("tok", NewIdentity("9", "1", []string{ScopeRead}, nil))
	resolver := NewResolver(store)

	if _, err := resolver.Resolve(context.Background(), "tok"); err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	store.Revoke("tok")
	resolver.Evict("9")

	if _, err := resolver.Resolve(context.Background(), "tok"); KindOf(err) != Unauthorized {
		t.Fatalf("expected revoked token to be rejected, got %v", err)
	}
}

func TestResolveCollapsesConcurrentLookups(t *testing.T) {
	store := &blockingStore{release: make(chan struct{})}
	resolver := NewResolver(store)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := resolver.Resolve(context.Background(), "shared"); err != nil {
				t.Errorf("Resolve: %v", err)
			}
		}()
	}
	time.Sleep(50 * time.Millisecond)
	close(store.release)
	wg.Wait()

	store.mu.Lock()
	defer store.mu.Unlock()
	if store.calls != 1 {
		t.Fatalf("expected one store call, got %d", store.calls)
	}
}

func TestPurgeRemovesExpired(t *testing.T) {
	store := NewMemoryTokenStore()
	store.Save("tok", NewIdentity("9", "1", nil, nil))
	now := time.Unix(1700000000, 0)
	resolver := NewResolver(store, WithCacheTTL(time.Second), WithClock(func() time.Time { return now }))
	if _, err := resolver.Resolve(context.Background(), "tok"); err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	now = now.Add(2 * time.Second)
	resolver.Purge()

	resolver.mu.Lock()
	defer resolver.mu.Unlock()
	if len(resolver.cache) != 0 || len(resolver.byTokenID) != 0 {
		t.Fatalf("expected empty cache, got %d entries", len(resolver.cache))
	}
}

func TestAuthorizeChannel(t *testing.T) {
	readOnly := NewIdentity("1", "1", []string{ScopeRead}, nil)
	statuses := NewIdentity("2", "1", []string{ScopeReadStatuses}, nil)
	notifications := NewIdentity("3", "1", []string{ScopeReadNotifications}, nil)
	writeOnly := NewIdentity("4", "1", []string{"write"}, nil)

	cases := []struct {
		name     string
		identity *Identity
		channel  string
		want     Kind
	}{
		{"public anonymous", nil, "public:local", 0},
		{"hashtag anonymous", nil, "hashtag", 0},
		{"group anonymous", nil, "group:media", 0},
		{"user anonymous", nil, "user", Unauthorized},
		{"user read", readOnly, "user", 0},
		{"user statuses", statuses, "user", 0},
		{"user notifications scope", notifications, "user", Forbidden},
		{"notification read", readOnly, "user:notification", 0},
		{"notification scope", notifications, "user:notification", 0},
		{"notification statuses", statuses, "user:notification", Forbidden},
		{"direct write only", writeOnly, "direct", Forbidden},
		{"list statuses", statuses, "list", 0},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := AuthorizeChannel(tc.identity, tc.channel)
			if got := KindOf(err); got != tc.want {
				t.Fatalf("expected kind %v, got %v (%v)", tc.want, got, err)
			}
		})
	}
}

func TestTokenFromRequest(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/api/v1/streaming?access_token=query", nil)
	r.Header.Set("Authorization", "Bearer header")
	r.Header.Set("Sec-WebSocket-Protocol", "protocol")
	if got := TokenFromRequest(r, true); got != "header" {
		t.Fatalf("expected header token, got %q", got)
	}

	r.Header.Del("Authorization")
	if got := TokenFromRequest(r, true); got != "query" {
		t.Fatalf("expected query token, got %q", got)
	}

	r = httptest.NewRequest(http.MethodGet, "/api/v1/streaming", nil)
	r.Header.Set("Sec-WebSocket-Protocol", "protocol")
	if got := TokenFromRequest(r, true); got != "protocol" {
		t.Fatalf("expected protocol token, got %q", got)
	}
	if got := TokenFromRequest(r, false); got != "" {
		t.Fatalf("protocol header must be ignored outside websockets, got %q", got)
	}
}

func TestIdentityAllowsLanguage(t *testing.T) {
	var anonymous *Identity
	if !anonymous.AllowsLanguage("de") {
		t.Fatal("anonymous callers accept every language")
	}
	identity := NewIdentity("1", "1", nil, []string{"en", "ja"})
	if !identity.AllowsLanguage("ja") || identity.AllowsLanguage("de") {
		t.Fatal("unexpected language decision")
	}
	if !identity.AllowsLanguage("") {
		t.Fatal("unknown language must pass")
	}
	if !NewIdentity("1", "1", nil, nil).AllowsLanguage("de") {
		t.Fatal("empty list must pass")
	}
}
