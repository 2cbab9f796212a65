package filter

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"fedistream/internal/auth"
	"fedistream/internal/observability/metrics"
)

// Suppression reasons, also used as metric labels.
const (
	ReasonNotificationOnly  = "notification_only"
	ReasonNotificationScope = "notification_scope"
	ReasonNotificationType  = "notification_type"
	ReasonLanguage          = "language"
	ReasonRelationship      = "relationship"
	ReasonStoreError        = "store_error"
	ReasonMalformed         = "malformed"
)

// Store answers the relationship and keyword lookups.
type Store interface {
	// Excluded reports in one round-trip whether accountID blocks or is
	// blocked by any of targets, mutes any of them, or blocks domain.
	Excluded(ctx context.Context, accountID string, targets []string, domain string) (bool, error)
	// KeywordFilters returns the account's unexpired keyword filter rows.
	KeywordFilters(ctx context.Context, accountID string) ([]KeywordRow, error)
}

// Cache holds a connection's compiled keyword filters until invalidated.
// Every Invalidate starts a new generation; a fetch that began in an older
// generation is not stored.
type Cache struct {
	mu         sync.Mutex
	generation uint64
	computed   bool
	filters    []CompiledFilter
}

// Invalidate drops the compiled filters so the next status refetches them.
func (c *Cache) Invalidate() {
	c.mu.Lock()
	c.generation++
	c.computed = false
	c.filters = nil
	c.mu.Unlock()
}

func (c *Cache) get() ([]CompiledFilter, uint64, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.filters, c.generation, c.computed
}

// set stores filters fetched during generation and reports whether they
// were kept.
func (c *Cache) set(filters []CompiledFilter, generation uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.generation != generation {
		return false
	}
	c.filters = filters
	c.computed = true
	return true
}

// Target is what the filter knows about the receiving connection and
// subscription.
type Target struct {
	Identity *auth.Identity
	// HideNotification reports notification types the client cannot render.
	HideNotification func(kind string) bool
	NeedsFiltering   bool
	NotificationOnly bool
	Cache            *Cache
}

// Filter evaluates upstream events for one connection at a time. It holds no
// per-connection state itself.
type Filter struct {
	Store   Store
	Metrics *metrics.Recorder
	Logger  *slog.Logger
	Now     func() time.Time
}

// Result is the outcome of Evaluate.
type Result struct {
	Pass     bool
	Reason   string
	Envelope Envelope
}

func (f *Filter) now() time.Time {
	if f.Now != nil {
		return f.Now()
	}
	return time.Now()
}

func (f *Filter) logger() *slog.Logger {
	if f.Logger != nil {
		return f.Logger
	}
	return slog.Default()
}

func (f *Filter) suppress(reason string) Result {
	if f.Metrics != nil {
		f.Metrics.ObserveSuppressed(reason)
	}
	return Result{Reason: reason}
}

// Evaluate decides whether env may be sent to target, returning the
// possibly augmented envelope when it passes.
func (f *Filter) Evaluate(ctx context.Context, target Target, env Envelope) Result {
	if target.NotificationOnly && env.Event != "notification" {
		return f.suppress(ReasonNotificationOnly)
	}
	if env.Event == "notification" {
		if !target.Identity.CanReadNotifications() {
			return f.suppress(ReasonNotificationScope)
		}
		if target.HideNotification != nil && target.HideNotification(notificationType(env)) {
			return f.suppress(ReasonNotificationType)
		}
	}
	if !target.NeedsFiltering || env.Event != "update" {
		return Result{Pass: true, Envelope: env}
	}

	status, err := decodeStatus(env)
	if err != nil {
		f.logger().Warn("dropping malformed status payload", "error", err)
		return f.suppress(ReasonMalformed)
	}
	if status.Language != nil && !target.Identity.AllowsLanguage(*status.Language) {
		return f.suppress(ReasonLanguage)
	}
	if target.Identity == nil {
		return Result{Pass: true, Envelope: env}
	}

	accountID := target.Identity.AccountID
	excluded, err := f.Store.Excluded(ctx, accountID, status.TargetAccountIDs(), status.AuthorDomain())
	if err != nil {
		f.logger().Error("relationship check failed", "account_id", accountID, "error", err)
		return f.suppress(ReasonStoreError)
	}
	if excluded {
		return f.suppress(ReasonRelationship)
	}

	if target.Cache == nil {
		return Result{Pass: true, Envelope: env}
	}
	if status.HasFilterResults() {
		// Upstream already filtered; the next unfiltered status compiles afresh.
		target.Cache.Invalidate()
		return Result{Pass: true, Envelope: env}
	}
	filters, generation, ok := target.Cache.get()
	if !ok {
		filters, err = f.loadFilters(ctx, accountID)
		if err != nil {
			f.logger().Error("keyword filter fetch failed", "account_id", accountID, "error", err)
			return Result{Pass: true, Envelope: env}
		}
		// Filters changed mid-fetch: use this result once, refetch next time.
		target.Cache.set(filters, generation)
	}

	results := Match(filters, status, f.now())
	if len(results) == 0 {
		return Result{Pass: true, Envelope: env}
	}
	augmented, err := attachResults(env, results)
	if err != nil {
		f.logger().Warn("attaching filter results failed", "error", err)
		return Result{Pass: true, Envelope: env}
	}
	return Result{Pass: true, Envelope: augmented}
}

func (f *Filter) loadFilters(ctx context.Context, accountID string) ([]CompiledFilter, error) {
	rows, err := f.Store.KeywordFilters(ctx, accountID)
	if err != nil {
		return nil, err
	}
	return Compile(rows)
}

// FilterRecord describes a matched filter in filter_results.
type FilterRecord struct {
	ID           string     `json:"id"`
	Title        string     `json:"title"`
	Context      []string   `json:"context"`
	ExpiresAt    *time.Time `json:"expires_at"`
	FilterAction string     `json:"filter_action"`
}

// MatchResult is one filter_results entry.
type MatchResult struct {
	Filter         FilterRecord `json:"filter"`
	KeywordMatches []string     `json:"keyword_matches"`
	StatusMatches  []string     `json:"status_matches"`
}

// Match applies every unexpired filter to the status text.
func Match(filters []CompiledFilter, status Status, now time.Time) []MatchResult {
	if len(filters) == 0 {
		return nil
	}
	text := SearchableText(status)
	var results []MatchResult
	for _, filter := range filters {
		if filter.Expired(now) {
			continue
		}
		matches := filter.Regexp.FindAllString(text, -1)
		if len(matches) == 0 {
			continue
		}
		results = append(results, MatchResult{
			Filter: FilterRecord{
				ID:           filter.ID,
				Title:        filter.Title,
				Context:      filter.Context,
				ExpiresAt:    filter.ExpiresAt,
				FilterAction: filter.Action,
			},
			KeywordMatches: matches,
		})
	}
	return results
}

func attachResults(env Envelope, results []MatchResult) (Envelope, error) {
	obj, err := env.object()
	if err != nil {
		return Envelope{}, err
	}
	encoded, err := json.Marshal(results)
	if err != nil {
		return Envelope{}, fmt.Errorf("encode filter results: %w", err)
	}
	obj["filter_results"] = encoded
	payload, err := json.Marshal(obj)
	if err != nil {
		return Envelope{}, fmt.Errorf("encode payload: %w", err)
	}
	env.Payload = payload
	return env, nil
}
