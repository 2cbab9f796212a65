package server

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// RateLimitConfig throttles new streaming connections. Requests that do not
// open a stream are never limited.
type RateLimitConfig struct {
	// ConnectRPS and ConnectBurst size the process-wide token bucket. Zero
	// disables it.
	ConnectRPS   float64
	ConnectBurst int
	// PerIPLimit caps connection attempts from one client address within
	// PerIPWindow. Zero disables it.
	PerIPLimit  int
	PerIPWindow time.Duration
	// Redis holds the per-address counters so every worker shares them. When
	// nil the counters are kept in process memory.
	Redis     redis.UniversalClient
	KeyPrefix string
	// TrustForwardedHeaders honours X-Forwarded-For and X-Real-IP from any
	// peer; TrustedProxies limits that to the listed addresses or CIDRs.
	TrustForwardedHeaders bool
	TrustedProxies        []string
}

type rateLimiter struct {
	global      *tokenBucket
	ipLimit     int
	ipWindow    time.Duration
	ipMu        sync.Mutex
	ipBuckets   map[string]*ipLimiter
	store       tokenStore
	keyPrefix   string
	storeBudget time.Duration
}

type ipLimiter struct {
	bucket   *tokenBucket
	lastSeen time.Time
}

// tokenStore counts attempts per key in fixed windows.
type tokenStore interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, time.Duration, error)
}

func newRateLimiter(cfg RateLimitConfig) (*rateLimiter, error) {
	if cfg.ConnectRPS < 0 || cfg.PerIPLimit < 0 {
		return nil, fmt.Errorf("rate limits must not be negative")
	}
	rl := &rateLimiter{
		ipLimit:     cfg.PerIPLimit,
		ipWindow:    cfg.PerIPWindow,
		ipBuckets:   make(map[string]*ipLimiter),
		keyPrefix:   cfg.KeyPrefix,
		storeBudget: 250 * time.Millisecond,
	}
	if cfg.ConnectRPS > 0 {
		burst := cfg.ConnectBurst
		if burst <= 0 {
			burst = int(cfg.ConnectRPS)
			if burst < 1 {
				burst = 1
			}
		}
		rl.global = newTokenBucket(cfg.ConnectRPS, burst)
	}
	if rl.ipWindow <= 0 {
		rl.ipWindow = time.Minute
	}
	if cfg.Redis != nil && rl.ipLimit > 0 {
		rl.store = newRedisStore(cfg.Redis)
	}
	return rl, nil
}

// AllowConnection takes a token from the process-wide bucket.
func (r *rateLimiter) AllowConnection() bool {
	if r == nil || r.global == nil {
		return true
	}
	return r.global.Allow()
}

// AllowAddress counts a connection attempt from key.
func (r *rateLimiter) AllowAddress(ctx context.Context, key string) (bool, time.Duration, error) {
	if r == nil || r.ipLimit <= 0 {
		return true, 0, nil
	}
	if key == "" {
		key = "unknown"
	}
	if r.store != nil {
		ctx, cancel := context.WithTimeout(ctx, r.storeBudget)
		defer cancel()
		return r.store.Allow(ctx, r.keyPrefix+"streaming:connect:"+key, r.ipLimit, r.ipWindow)
	}

	r.ipMu.Lock()
	limiter, exists := r.ipBuckets[key]
	if !exists {
		rate := float64(r.ipLimit) / r.ipWindow.Seconds()
		limiter = &ipLimiter{bucket: newTokenBucket(rate, r.ipLimit)}
		r.ipBuckets[key] = limiter
	}
	limiter.lastSeen = time.Now()
	r.cleanupLocked()
	r.ipMu.Unlock()

	if limiter.bucket.Allow() {
		return true, 0, nil
	}
	return false, limiter.bucket.RetryAfter(), nil
}

func (r *rateLimiter) cleanupLocked() {
	cutoff := time.Now().Add(-2 * r.ipWindow)
	for key, limiter := range r.ipBuckets {
		if limiter.lastSeen.Before(cutoff) {
			delete(r.ipBuckets, key)
		}
	}
}

// rateLimitMiddleware admits or rejects new streaming connections. A failing
// counter store lets the connection through; throttling must not turn a
// Redis hiccup into an outage.
func rateLimitMiddleware(rl *rateLimiter, resolver *clientIPResolver, logger *slog.Logger, next http.Handler) http.Handler {
	if rl == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !opensStream(r) {
			next.ServeHTTP(w, r)
			return
		}
		if !rl.AllowConnection() {
			writeMiddlewareError(w, http.StatusTooManyRequests, "Too many connections")
			return
		}
		ip, _ := resolver.ClientIPFromRequest(r)
		allowed, retryAfter, err := rl.AllowAddress(r.Context(), ip)
		if err != nil {
			if requestLogger := loggingWithRequest(logger, resolver, r); requestLogger != nil {
				requestLogger.Warn("connection rate limiter unavailable", "error", err)
			}
			allowed = true
		}
		if !allowed {
			if retryAfter > 0 {
				w.Header().Set("Retry-After", fmt.Sprintf("%.0f", retryAfter.Seconds()))
			}
			writeMiddlewareError(w, http.StatusTooManyRequests, "Too many connections")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func opensStream(r *http.Request) bool {
	if r.Method != http.MethodGet {
		return false
	}
	path := r.URL.Path
	if path == healthStreamPath {
		return false
	}
	return path == streamPrefix || strings.HasPrefix(path, streamPrefix+"/")
}

type tokenBucket struct {
	mu        sync.Mutex
	rate      float64
	capacity  float64
	tokens    float64
	lastCheck time.Time
}

func newTokenBucket(rate float64, burst int) *tokenBucket {
	if rate <= 0 {
		rate = 1
	}
	if burst <= 0 {
		burst = 1
	}
	return &tokenBucket{
		rate:      rate,
		capacity:  float64(burst),
		tokens:    float64(burst),
		lastCheck: time.Now(),
	}
}

func (tb *tokenBucket) refillLocked() {
	now := time.Now()
	tb.tokens += now.Sub(tb.lastCheck).Seconds() * tb.rate
	tb.lastCheck = now
	if tb.tokens > tb.capacity {
		tb.tokens = tb.capacity
	}
}

func (tb *tokenBucket) Allow() bool {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	tb.refillLocked()
	if tb.tokens < 1 {
		return false
	}
	tb.tokens--
	return true
}

// RetryAfter estimates when the next token is available, rounded up to a
// whole second.
func (tb *tokenBucket) RetryAfter() time.Duration {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	tb.refillLocked()
	if tb.tokens >= 1 {
		return 0
	}
	wait := time.Duration((1 - tb.tokens) / tb.rate * float64(time.Second))
	if rem := wait % time.Second; rem != 0 {
		wait += time.Second - rem
	}
	return wait
}

const (
	ipSourceRemoteAddr    = "remote_addr"
	ipSourceXForwardedFor = "x_forwarded_for"
	ipSourceXRealIP       = "x_real_ip"
)

// clientIPResolver decides which address identifies the client. Forwarding
// headers are only believed from trusted peers.
type clientIPResolver struct {
	trustAll bool
	proxies  []*net.IPNet
}

func newClientIPResolver(cfg RateLimitConfig) (*clientIPResolver, error) {
	resolver := &clientIPResolver{trustAll: cfg.TrustForwardedHeaders}
	for _, entry := range cfg.TrustedProxies {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		if !strings.Contains(entry, "/") {
			ip := net.ParseIP(entry)
			if ip == nil {
				return nil, fmt.Errorf("parse trusted proxy %q: invalid address", entry)
			}
			bits := 8 * net.IPv4len
			if ip.To4() == nil {
				bits = 8 * net.IPv6len
			}
			resolver.proxies = append(resolver.proxies, &net.IPNet{IP: ip, Mask: net.CIDRMask(bits, bits)})
			continue
		}
		_, network, err := net.ParseCIDR(entry)
		if err != nil {
			return nil, fmt.Errorf("parse trusted proxy %q: %w", entry, err)
		}
		resolver.proxies = append(resolver.proxies, network)
	}
	return resolver, nil
}

// ClientIPFromRequest returns the client address and the source it was read
// from.
func (c *clientIPResolver) ClientIPFromRequest(r *http.Request) (string, string) {
	remote := clientIP(r.RemoteAddr)
	if c == nil || !c.trusts(remote) {
		return remote, ipSourceRemoteAddr
	}
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		if first = strings.TrimSpace(first); first != "" {
			return first, ipSourceXForwardedFor
		}
	}
	if realIP := strings.TrimSpace(r.Header.Get("X-Real-IP")); realIP != "" {
		return realIP, ipSourceXRealIP
	}
	return remote, ipSourceRemoteAddr
}

func (c *clientIPResolver) trusts(remote string) bool {
	if c.trustAll {
		return true
	}
	ip := net.ParseIP(remote)
	if ip == nil {
		return false
	}
	for _, network := range c.proxies {
		if network.Contains(ip) {
			return true
		}
	}
	return false
}

func clientIP(remoteAddr string) string {
	if remoteAddr == "" {
		return ""
	}
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return remoteAddr
	}
	return host
}
