package auth

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// ErrTokenNotFound is returned by a Store when the token does not exist or
// was revoked.
var ErrTokenNotFound = errors.New("access token not found")

// Store looks up access tokens in the relational store.
type Store interface {
	LookupToken(ctx context.Context, token string) (*Identity, error)
}

// DefaultCacheTTL bounds how long a resolved identity is reused.
const DefaultCacheTTL = 30 * time.Second

// ResolverOption configures a Resolver.
type ResolverOption func(*Resolver)

// WithRequireAuth rejects callers that present no credential.
func WithRequireAuth(required bool) ResolverOption {
	return func(r *Resolver) {
		r.requireAuth = required
	}
}

// WithCacheTTL sets the identity cache lifetime. Zero disables caching.
func WithCacheTTL(ttl time.Duration) ResolverOption {
	return func(r *Resolver) {
		if ttl >= 0 {
			r.ttl = ttl
		}
	}
}

// WithLogger sets the logger used for store failures.
func WithLogger(logger *slog.Logger) ResolverOption {
	return func(r *Resolver) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithClock overrides time.Now, for tests.
func WithClock(now func() time.Time) ResolverOption {
	return func(r *Resolver) {
		if now != nil {
			r.now = now
		}
	}
}

type cacheEntry struct {
	identity  *Identity
	expiresAt time.Time
}

// Resolver turns bearer credentials into identities, caching results for a
// short TTL and collapsing concurrent lookups of one token.
type Resolver struct {
	store       Store
	requireAuth bool
	ttl         time.Duration
	logger      *slog.Logger
	now         func() time.Time

	group singleflight.Group

	mu        sync.Mutex
	cache     map[string]cacheEntry
	byTokenID map[string]map[string]struct{}
}

// NewResolver builds a Resolver backed by store.
func NewResolver(store Store, opts ...ResolverOption) *Resolver {
	r := &Resolver{
		store:     store,
		ttl:       DefaultCacheTTL,
		logger:    slog.Default(),
		now:       time.Now,
		cache:     make(map[string]cacheEntry),
		byTokenID: make(map[string]map[string]struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// RequireAuth reports whether anonymous access is rejected.
func (r *Resolver) RequireAuth() bool {
	return r.requireAuth
}

// Resolve returns the identity owning token. An empty token yields a nil
// identity unless authentication is mandatory. Store failures are reported
// as Unavailable and never as an anonymous identity.
func (r *Resolver) Resolve(ctx context.Context, token string) (*Identity, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		if r.requireAuth {
			return nil, NewError(Unauthorized, "Missing access token")
		}
		return nil, nil
	}
	key, err := hashAccessToken(token)
	if err != nil {
		return nil, NewError(Unauthorized, "Missing access token")
	}
	if identity, ok := r.cached(key); ok {
		return identity, nil
	}

	result, err, _ := r.group.Do(key, func() (any, error) {
		identity, err := r.store.LookupToken(ctx, token)
		if err != nil {
			return nil, err
		}
		r.remember(key, identity)
		return identity, nil
	})
	if err != nil {
		if errors.Is(err, ErrTokenNotFound) {
			return nil, NewError(Unauthorized, "Invalid access token")
		}
		r.logger.Error("access token lookup failed", "error", err)
		return nil, &Error{Kind: Unavailable, Message: "Error connecting to database", Err: err}
	}
	return result.(*Identity), nil
}

func (r *Resolver) cached(key string) (*Identity, bool) {
	if r.ttl <= 0 {
		return nil, false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.cache[key]
	if !ok {
		return nil, false
	}
	if !r.now().Before(entry.expiresAt) {
		r.forgetLocked(key, entry.identity.AccessTokenID)
		return nil, false
	}
	return entry.identity, true
}

func (r *Resolver) remember(key string, identity *Identity) {
	if r.ttl <= 0 || identity == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cache[key] = cacheEntry{identity: identity, expiresAt: r.now().Add(r.ttl)}
	keys := r.byTokenID[identity.AccessTokenID]
	if keys == nil {
		keys = make(map[string]struct{})
		r.byTokenID[identity.AccessTokenID] = keys
	}
	keys[key] = struct{}{}
}

func (r *Resolver) forgetLocked(key, tokenID string) {
	delete(r.cache, key)
	if keys := r.byTokenID[tokenID]; keys != nil {
		delete(keys, key)
		if len(keys) == 0 {
			delete(r.byTokenID, tokenID)
		}
	}
}

// Evict drops every cached identity issued for the access token id, so a
// revoked token cannot reconnect from cache.
func (r *Resolver) Evict(accessTokenID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for key := range r.byTokenID[accessTokenID] {
		delete(r.cache, key)
	}
	delete(r.byTokenID, accessTokenID)
}

// Purge removes expired cache entries.
func (r *Resolver) Purge() {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.now()
	for key, entry := range r.cache {
		if !now.Before(entry.expiresAt) {
			r.forgetLocked(key, entry.identity.AccessTokenID)
		}
	}
}

// RunPurger calls Purge every interval until ctx is cancelled.
func (r *Resolver) RunPurger(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = r.ttl
	}
	if interval <= 0 {
		<-ctx.Done()
		return nil
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			r.Purge()
		}
	}
}
