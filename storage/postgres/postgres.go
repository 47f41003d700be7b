// Package postgres provides a PostgreSQL implementation of the featuregate.Storage
// and featuregate.GenerationStore interfaces.
// Mutations run in transactions that take a per-user advisory lock and SELECT FOR UPDATE
// the rows they guard, so concurrent app servers cannot overspend an allowance.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/mihaimyh/featuregate/pkg/featuregate"
)

// Storage implements featuregate.Storage using PostgreSQL
type Storage struct {
	pool   *pgxpool.Pool
	config Config

	// stopCleanup cancels the background cleanup goroutine
	stopCleanup func()
}

var (
	_ featuregate.Storage         = (*Storage)(nil)
	_ featuregate.GenerationStore = (*Storage)(nil)
	_ featuregate.TimeSource      = (*Storage)(nil)
)

// Config holds PostgreSQL storage configuration
type Config struct {
	// ConnectionString is the PostgreSQL connection string
	ConnectionString string

	// Pool configuration
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
	MaxConnIdleTime time.Duration

	// Cleanup configuration
	CleanupEnabled  bool
	CleanupInterval time.Duration // How often to run cleanup
	GenerationTTL   time.Duration // How long generation records are kept

	// UseDatabaseTime makes the storage a featuregate.TimeSource answering from NOW()
	UseDatabaseTime bool
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() Config {
	return Config{
		MaxConns:        10,
		MinConns:        2,
		MaxConnLifetime: time.Hour,
		MaxConnIdleTime: 30 * time.Minute,
		CleanupEnabled:  true,
		CleanupInterval: 1 * time.Hour,
		GenerationTTL:   7 * 24 * time.Hour,
	}
}

// New creates a new PostgreSQL storage adapter with its own connection pool
func New(ctx context.Context, config Config) (*Storage, error) {
	if config.ConnectionString == "" {
		return nil, fmt.Errorf("connection string is required")
	}

	poolConfig, err := pgxpool.ParseConfig(config.ConnectionString)
	if err != nil {
		return nil, fmt.Errorf("failed to parse connection string: %w", err)
	}

	if config.MaxConns > 0 {
		poolConfig.MaxConns = config.MaxConns
	}
	if config.MinConns > 0 {
		poolConfig.MinConns = config.MinConns
	}
	if config.MaxConnLifetime > 0 {
		poolConfig.MaxConnLifetime = config.MaxConnLifetime
	}
	if config.MaxConnIdleTime > 0 {
		poolConfig.MaxConnIdleTime = config.MaxConnIdleTime
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return NewWithPool(pool, config), nil
}

// NewWithPool creates a storage adapter on an existing pool.
// Close stops cleanup and closes the pool.
func NewWithPool(pool *pgxpool.Pool, config Config) *Storage {
	cleanupCtx, cancel := context.WithCancel(context.Background())

	s := &Storage{
		pool:        pool,
		config:      config,
		stopCleanup: cancel,
	}

	if config.CleanupEnabled {
		go s.startCleanup(cleanupCtx)
	}
	return s
}

// Close closes the PostgreSQL connection pool and stops background cleanup
func (s *Storage) Close() {
	if s.stopCleanup != nil {
		s.stopCleanup()
	}
	if s.pool != nil {
		s.pool.Close()
	}
}

// Ping checks the PostgreSQL connection
func (s *Storage) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Now implements featuregate.TimeSource. Without UseDatabaseTime it returns local UTC time.
func (s *Storage) Now(ctx context.Context) (time.Time, error) {
	if !s.config.UseDatabaseTime {
		return time.Now().UTC(), nil
	}
	var now time.Time
	if err := s.pool.QueryRow(ctx, `SELECT NOW()`).Scan(&now); err != nil {
		return time.Time{}, fmt.Errorf("failed to read database time: %w", err)
	}
	return now.UTC(), nil
}

const profileColumns = `user_id, tier, trial_started_at, starter_credits_remaining,
	starter_credits_reset_at, starter_app_assist_sample_used, updated_at`

func scanProfile(row pgx.Row) (*featuregate.Profile, error) {
	var (
		p            featuregate.Profile
		tier         string
		trialStarted *time.Time
	)
	if err := row.Scan(
		&p.UserID,
		&tier,
		&trialStarted,
		&p.StarterCreditsRemaining,
		&p.StarterCreditsResetAt,
		&p.StarterAppAssistSampleUsed,
		&p.UpdatedAt,
	); err != nil {
		return nil, err
	}
	p.Tier = featuregate.Tier(tier)
	if trialStarted != nil {
		p.TrialStartedAt = trialStarted.UTC()
	}
	if p.StarterCreditsResetAt != nil {
		t := p.StarterCreditsResetAt.UTC()
		p.StarterCreditsResetAt = &t
	}
	return &p, nil
}

// GetProfile implements featuregate.Storage
func (s *Storage) GetProfile(ctx context.Context, userID string) (*featuregate.Profile, error) {
	p, err := scanProfile(s.pool.QueryRow(ctx,
		`SELECT `+profileColumns+` FROM profiles WHERE user_id = $1`, userID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, featuregate.ErrProfileNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get profile: %w", err)
	}
	return p, nil
}

// SetProfile implements featuregate.Storage
func (s *Storage) SetProfile(ctx context.Context, profile *featuregate.Profile) error {
	if profile == nil || profile.UserID == "" {
		return fmt.Errorf("invalid profile")
	}

	var trialStarted *time.Time
	if !profile.TrialStartedAt.IsZero() {
		trialStarted = &profile.TrialStartedAt
	}
	updatedAt := profile.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = time.Now().UTC()
	}

	_, err := s.pool.Exec(ctx,
		`INSERT INTO profiles (`+profileColumns+`)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
			ON CONFLICT (user_id) DO UPDATE SET
				tier = EXCLUDED.tier,
				trial_started_at = EXCLUDED.trial_started_at,
				starter_credits_remaining = EXCLUDED.starter_credits_remaining,
				starter_credits_reset_at = EXCLUDED.starter_credits_reset_at,
				starter_app_assist_sample_used = EXCLUDED.starter_app_assist_sample_used,
				updated_at = EXCLUDED.updated_at`,
		profile.UserID, string(profile.Tier), trialStarted, profile.StarterCreditsRemaining,
		profile.StarterCreditsResetAt, profile.StarterAppAssistSampleUsed, updatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to set profile: %w", err)
	}
	return nil
}

// UpdateTier implements featuregate.Storage.
// It locks the profile row in the per-user transaction and writes only the tier columns.
func (s *Storage) UpdateTier(ctx context.Context, req *featuregate.TierUpdate) (featuregate.Tier, error) {
	if req == nil || req.UserID == "" {
		return "", fmt.Errorf("invalid tier update")
	}

	var previous featuregate.Tier
	err := s.withUserTx(ctx, req.UserID, func(tx pgx.Tx) error {
		p, err := lockProfile(ctx, tx, req.UserID, req.DefaultTier, req.At)
		if err != nil {
			return err
		}
		previous = p.Tier

		var trialStarted *time.Time
		if req.Tier == featuregate.TierTrial && p.TrialStartedAt.IsZero() {
			t := req.TrialStartedAt.UTC()
			trialStarted = &t
		}
		if _, err := tx.Exec(ctx,
			`UPDATE profiles
				SET tier = $2, trial_started_at = COALESCE(trial_started_at, $3), updated_at = $4
				WHERE user_id = $1`,
			req.UserID, string(req.Tier), trialStarted, req.At.UTC(),
		); err != nil {
			return fmt.Errorf("failed to update tier: %w", err)
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	return previous, nil
}

// EnsurePeriod implements featuregate.Storage.
// The (user_id, period_start) primary key keeps concurrent callers on a single row.
func (s *Storage) EnsurePeriod(ctx context.Context, userID string, period featuregate.Period) (*featuregate.UsagePeriod, error) {
	if err := ensurePeriodRow(ctx, s.pool, userID, period); err != nil {
		return nil, err
	}
	usage, err := s.GetPeriod(ctx, userID, period)
	if err != nil {
		return nil, err
	}
	if usage == nil {
		return nil, fmt.Errorf("usage period %s missing after insert", period.Key())
	}
	return usage, nil
}

// querier is satisfied by both *pgxpool.Pool and pgx.Tx
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

func ensurePeriodRow(ctx context.Context, q querier, userID string, period featuregate.Period) error {
	_, err := q.Exec(ctx,
		`INSERT INTO usage_periods (user_id, period_start, period_end, counters, updated_at)
			VALUES ($1, $2, $3, '{}'::jsonb, $2)
			ON CONFLICT (user_id, period_start) DO NOTHING`,
		userID, period.Start.UTC(), period.End.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to ensure usage period: %w", err)
	}
	return nil
}

// GetPeriod implements featuregate.Storage
func (s *Storage) GetPeriod(ctx context.Context, userID string, period featuregate.Period) (*featuregate.UsagePeriod, error) {
	var (
		raw       []byte
		updatedAt time.Time
	)
	err := s.pool.QueryRow(ctx,
		`SELECT counters, updated_at FROM usage_periods WHERE user_id = $1 AND period_start = $2`,
		userID, period.Start.UTC(),
	).Scan(&raw, &updatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil // No usage yet is not an error
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get usage period: %w", err)
	}

	counters, err := decodeCounters(raw)
	if err != nil {
		return nil, err
	}
	return &featuregate.UsagePeriod{
		UserID:    userID,
		Period:    period,
		Counters:  counters,
		UpdatedAt: updatedAt.UTC(),
	}, nil
}

func decodeCounters(raw []byte) (map[featuregate.Feature]int, error) {
	var stored map[string]int
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &stored); err != nil {
			return nil, fmt.Errorf("failed to decode usage counters: %w", err)
		}
	}
	counters := make(map[featuregate.Feature]int, len(stored))
	for k, v := range stored {
		counters[featuregate.Feature(k)] = v
	}
	return counters, nil
}

// CountEvents implements featuregate.Storage
func (s *Storage) CountEvents(ctx context.Context, userID, eventType string, source featuregate.Source, since time.Time) (int, error) {
	n, err := countEvents(ctx, s.pool, userID, eventType, source, since)
	if err != nil {
		return 0, fmt.Errorf("failed to count events: %w", err)
	}
	return n, nil
}

func countEvents(ctx context.Context, q querier, userID, eventType string, source featuregate.Source, since time.Time) (int, error) {
	query := `SELECT COUNT(*) FROM usage_events
			WHERE user_id = $1 AND event_type = $2 AND created_at >= $3`
	args := []any{userID, eventType, since.UTC()}
	if source != "" {
		query += ` AND metadata->>'source' = $4`
		args = append(args, string(source))
	}

	var n int
	err := q.QueryRow(ctx, query, args...).Scan(&n)
	return n, err
}

// ListEvents implements featuregate.Storage
func (s *Storage) ListEvents(ctx context.Context, filter featuregate.EventFilter) ([]*featuregate.UsageEvent, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}

	query := `SELECT id, user_id, event_type, metadata, created_at FROM usage_events WHERE user_id = $1`
	args := []any{filter.UserID}
	if filter.EventType != "" {
		args = append(args, filter.EventType)
		query += fmt.Sprintf(" AND event_type = $%d", len(args))
	}
	if filter.Since != nil {
		args = append(args, filter.Since.UTC())
		query += fmt.Sprintf(" AND created_at >= $%d", len(args))
	}
	if filter.Until != nil {
		args = append(args, filter.Until.UTC())
		query += fmt.Sprintf(" AND created_at <= $%d", len(args))
	}
	args = append(args, limit)
	query += fmt.Sprintf(" ORDER BY created_at DESC, id DESC LIMIT $%d", len(args))

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list events: %w", err)
	}
	defer rows.Close()

	var events []*featuregate.UsageEvent
	for rows.Next() {
		var (
			e   featuregate.UsageEvent
			raw []byte
		)
		if err := rows.Scan(&e.ID, &e.UserID, &e.EventType, &raw, &e.Timestamp); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		e.Metadata = map[string]string{}
		if len(raw) > 0 {
			if err := json.Unmarshal(raw, &e.Metadata); err != nil {
				return nil, fmt.Errorf("failed to decode event metadata: %w", err)
			}
		}
		e.Timestamp = e.Timestamp.UTC()
		events = append(events, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list events: %w", err)
	}
	return events, nil
}

func insertEvent(ctx context.Context, q querier, e *featuregate.UsageEvent) error {
	metadata := e.Metadata
	if metadata == nil {
		metadata = map[string]string{}
	}
	raw, err := json.Marshal(metadata)
	if err != nil {
		return fmt.Errorf("failed to encode event metadata: %w", err)
	}
	_, err = q.Exec(ctx,
		`INSERT INTO usage_events (id, user_id, event_type, metadata, created_at)
			VALUES ($1, $2, $3, $4, $5)`,
		e.ID, e.UserID, e.EventType, raw, e.Timestamp.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to record event: %w", err)
	}
	return nil
}

// CountUnusedTokens implements featuregate.Storage
func (s *Storage) CountUnusedTokens(ctx context.Context, userID, tokenType string) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM course_tokens WHERE user_id = $1 AND token_type = $2 AND NOT used`,
		userID, tokenType,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count course tokens: %w", err)
	}
	return n, nil
}

// GrantToken implements featuregate.Storage
func (s *Storage) GrantToken(ctx context.Context, token *featuregate.CourseToken) error {
	if token == nil || token.UserID == "" || token.ID == "" {
		return fmt.Errorf("invalid course token")
	}
	createdAt := token.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO course_tokens (id, user_id, token_type, used, used_at, created_at)
			VALUES ($1, $2, $3, $4, $5, $6)`,
		token.ID, token.UserID, token.TokenType, token.Used, token.UsedAt, createdAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to grant course token: %w", err)
	}
	return nil
}

// withUserTx runs fn in a transaction holding the user's advisory lock
func (s *Storage) withUserTx(ctx context.Context, userID string, fn func(tx pgx.Tx) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, userID); err != nil {
		return fmt.Errorf("failed to lock user: %w", err)
	}
	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// lockProfile returns the user's profile row FOR UPDATE, inserting a default one first
func lockProfile(ctx context.Context, tx pgx.Tx, userID string, tier featuregate.Tier, now time.Time) (*featuregate.Profile, error) {
	if _, err := tx.Exec(ctx,
		`INSERT INTO profiles (user_id, tier, updated_at) VALUES ($1, $2, $3)
			ON CONFLICT (user_id) DO NOTHING`,
		userID, string(tier), now.UTC(),
	); err != nil {
		return nil, fmt.Errorf("failed to create profile: %w", err)
	}
	p, err := scanProfile(tx.QueryRow(ctx,
		`SELECT `+profileColumns+` FROM profiles WHERE user_id = $1 FOR UPDATE`, userID))
	if err != nil {
		return nil, fmt.Errorf("failed to lock profile: %w", err)
	}
	return p, nil
}

func (s *Storage) startCleanup(ctx context.Context) {
	interval := s.config.CleanupInterval
	if interval <= 0 {
		interval = time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_, _ = s.CleanupGenerations(ctx)
		}
	}
}

// CleanupGenerations deletes generation records older than GenerationTTL and
// returns how many were removed. Audit events are never deleted.
func (s *Storage) CleanupGenerations(ctx context.Context) (int64, error) {
	ttl := s.config.GenerationTTL
	if ttl <= 0 {
		return 0, nil
	}
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM generations WHERE created_at < $1`, time.Now().UTC().Add(-ttl))
	if err != nil {
		return 0, fmt.Errorf("failed to clean up generations: %w", err)
	}
	return tag.RowsAffected(), nil
}
