package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/puddle/v2"

	"fedistream/internal/auth"
	"fedistream/internal/filter"
	"fedistream/internal/streams"
)

// ErrStoreClosed is returned once the pool has been closed.
var ErrStoreClosed = errors.New("postgres store closed")

// PostgresStore answers every relational lookup the streaming server makes:
// access tokens, list ownership, relationships and keyword filters. It only
// reads.
type PostgresStore struct {
	pool *pgxpool.Pool
	cfg  PostgresConfig
}

var (
	_ auth.Store        = (*PostgresStore)(nil)
	_ streams.ListStore = (*PostgresStore)(nil)
	_ filter.Store      = (*PostgresStore)(nil)
)

// NewPostgresStore opens the pool. The schema is owned by the web
// application; nothing is migrated here.
func NewPostgresStore(ctx context.Context, dsn string, opts ...Option) (*PostgresStore, error) {
	cfg := newPostgresConfig(dsn, opts...)
	poolCfg, err := poolConfig(cfg)
	if err != nil {
		return nil, err
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("open postgres pool: %w", err)
	}
	return &PostgresStore{pool: pool, cfg: cfg}, nil
}

func poolConfig(cfg PostgresConfig) (*pgxpool.Config, error) {
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, fmt.Errorf("postgres dsn required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres config: %w", err)
	}
	if cfg.MaxConnections > 0 {
		poolCfg.MaxConns = cfg.MaxConnections
	}
	if cfg.MinConnections >= 0 {
		poolCfg.MinConns = cfg.MinConnections
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	if cfg.MaxConnIdleTime > 0 {
		poolCfg.MaxConnIdleTime = cfg.MaxConnIdleTime
	}
	if cfg.HealthCheckInterval > 0 {
		poolCfg.HealthCheckPeriod = cfg.HealthCheckInterval
	}
	if cfg.AcquireTimeout > 0 {
		poolCfg.ConnConfig.ConnectTimeout = cfg.AcquireTimeout
	}
	if cfg.ApplicationName != "" {
		if poolCfg.ConnConfig.RuntimeParams == nil {
			poolCfg.ConnConfig.RuntimeParams = make(map[string]string)
		}
		poolCfg.ConnConfig.RuntimeParams["application_name"] = cfg.ApplicationName
	}
	return poolCfg, nil
}

// Ping checks that a connection can be acquired and used.
func (s *PostgresStore) Ping(ctx context.Context) error {
	ctx, cancel := s.queryContext(ctx)
	defer cancel()
	return classify(s.pool.Ping(ctx))
}

// Close waits for the pool to close or ctx to end.
func (s *PostgresStore) Close(ctx context.Context) error {
	if s == nil || s.pool == nil {
		return nil
	}
	done := make(chan struct{})
	go func() {
		s.pool.Close()
		close(done)
	}()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		return nil
	}
}

func (s *PostgresStore) queryContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.cfg.QueryTimeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, s.cfg.QueryTimeout)
}

const lookupTokenSQL = `
SELECT t.id, COALESCE(t.scopes, ''), u.account_id, u.chosen_languages,
       COALESCE(u.settings, ''), COALESCE(a.actor_type, ''),
       COALESCE(d.device_id, ''), COALESCE(app.name, ''), COALESCE(app.website, '')
FROM oauth_access_tokens t
JOIN users u ON u.id = t.resource_owner_id
JOIN accounts a ON a.id = u.account_id
LEFT JOIN devices d ON d.access_token_id = t.id
LEFT JOIN oauth_applications app ON app.id = t.application_id
WHERE t.token = $1 AND t.revoked_at IS NULL
LIMIT 1`

// LookupToken implements auth.Store.
func (s *PostgresStore) LookupToken(ctx context.Context, token string) (*auth.Identity, error) {
	ctx, cancel := s.queryContext(ctx)
	defer cancel()

	var (
		tokenID, accountID            int64
		scopes, settings, actorType   string
		deviceID, appName, appWebsite string
		languages                     []string
	)
	err := s.pool.QueryRow(ctx, lookupTokenSQL, token).Scan(
		&tokenID, &scopes, &accountID, &languages,
		&settings, &actorType, &deviceID, &appName, &appWebsite,
	)
	if isNoRows(err) {
		return nil, auth.ErrTokenNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("lookup access token: %w", classify(err))
	}

	identity := auth.NewIdentity(formatID(tokenID), formatID(accountID), strings.Fields(scopes), languages)
	identity.DeviceID = deviceID
	identity.Bot = isBotActor(actorType)
	identity.Application = auth.Application{Name: appName, Website: appWebsite}
	prefs := decodeUserSettings(settings)
	identity.HideBots = prefs.HideBots
	identity.FederatedTimelineDisabled = prefs.DisableFederatedTimeline
	return identity, nil
}

const listOwnerSQL = `SELECT account_id FROM lists WHERE id = $1 LIMIT 1`

// ListAccountID implements streams.ListStore.
func (s *PostgresStore) ListAccountID(ctx context.Context, listID string) (string, error) {
	id, err := parseID(listID)
	if err != nil {
		return "", streams.ErrListNotFound
	}
	ctx, cancel := s.queryContext(ctx)
	defer cancel()

	var owner int64
	err = s.pool.QueryRow(ctx, listOwnerSQL, id).Scan(&owner)
	if isNoRows(err) {
		return "", streams.ErrListNotFound
	}
	if err != nil {
		return "", fmt.Errorf("lookup list %s: %w", listID, classify(err))
	}
	return formatID(owner), nil
}

const excludedSQL = `
SELECT EXISTS (
    SELECT 1 FROM blocks
    WHERE (account_id = $1 AND target_account_id = ANY($2))
       OR (target_account_id = $1 AND account_id = ANY($2))
) OR EXISTS (
    SELECT 1 FROM mutes WHERE account_id = $1 AND target_account_id = ANY($2)
) OR ($3 <> '' AND EXISTS (
    SELECT 1 FROM account_domain_blocks WHERE account_id = $1 AND domain = $3
))`

// Excluded implements filter.Store with a single round-trip.
func (s *PostgresStore) Excluded(ctx context.Context, accountID string, targets []string, domain string) (bool, error) {
	viewer, err := parseID(accountID)
	if err != nil {
		return false, err
	}
	ids, err := parseIDs(targets)
	if err != nil {
		return false, err
	}
	ctx, cancel := s.queryContext(ctx)
	defer cancel()

	var excluded bool
	if err := s.pool.QueryRow(ctx, excludedSQL, viewer, ids, domain).Scan(&excluded); err != nil {
		return false, fmt.Errorf("relationship check: %w", classify(err))
	}
	return excluded, nil
}

const keywordFiltersSQL = `
SELECT f.id, COALESCE(f.phrase, ''), f.context, f.expires_at, f.action,
       k.keyword, k.whole_word
FROM custom_filter_keywords k
JOIN custom_filters f ON f.id = k.custom_filter_id
WHERE f.account_id = $1 AND (f.expires_at IS NULL OR f.expires_at > NOW())
ORDER BY f.id, k.id`

// KeywordFilters implements filter.Store.
func (s *PostgresStore) KeywordFilters(ctx context.Context, accountID string) ([]filter.KeywordRow, error) {
	viewer, err := parseID(accountID)
	if err != nil {
		return nil, err
	}
	ctx, cancel := s.queryContext(ctx)
	defer cancel()

	rows, err := s.pool.Query(ctx, keywordFiltersSQL, viewer)
	if err != nil {
		return nil, fmt.Errorf("keyword filters: %w", classify(err))
	}
	defer rows.Close()

	var result []filter.KeywordRow
	for rows.Next() {
		var (
			filterID  int64
			row       filter.KeywordRow
			expiresAt *time.Time
			action    int32
		)
		if err := rows.Scan(&filterID, &row.Title, &row.Context, &expiresAt, &action, &row.Keyword, &row.WholeWord); err != nil {
			return nil, fmt.Errorf("scan keyword filter: %w", err)
		}
		row.FilterID = formatID(filterID)
		row.ExpiresAt = expiresAt
		row.Action = filterAction(action)
		result = append(result, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("keyword filters: %w", classify(err))
	}
	return result, nil
}

// userSettings holds the preferences read from users.settings.
type userSettings struct {
	HideBots                 bool `json:"web.hide_bots"`
	DisableFederatedTimeline bool `json:"web.disable_federated_timeline"`
}

// decodeUserSettings tolerates empty or malformed settings; preferences fall
// back to their defaults.
func decodeUserSettings(raw string) userSettings {
	var prefs userSettings
	if strings.TrimSpace(raw) == "" {
		return prefs
	}
	_ = json.Unmarshal([]byte(raw), &prefs)
	return prefs
}

func isBotActor(actorType string) bool {
	return actorType == "Application" || actorType == "Service"
}

func filterAction(action int32) string {
	switch action {
	case 1:
		return "hide"
	case 2:
		return "blur"
	default:
		return "warn"
	}
}

func formatID(id int64) string {
	return strconv.FormatInt(id, 10)
}

func parseID(id string) (int64, error) {
	value, err := strconv.ParseInt(strings.TrimSpace(id), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid id %q", id)
	}
	return value, nil
}

func parseIDs(ids []string) ([]int64, error) {
	parsed := make([]int64, 0, len(ids))
	for _, id := range ids {
		value, err := parseID(id)
		if err != nil {
			return nil, err
		}
		parsed = append(parsed, value)
	}
	return parsed, nil
}

func isNoRows(err error) bool {
	return errors.Is(err, pgx.ErrNoRows)
}

// classify maps a closed pool to ErrStoreClosed and leaves other errors as
// they are.
func classify(err error) error {
	if err != nil && errors.Is(err, puddle.ErrClosedPool) {
		return fmt.Errorf("%w: %w", ErrStoreClosed, err)
	}
	return err
}
