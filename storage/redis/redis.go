// Package redis provides a Redis implementation of the featuregate.GenerationStore interface.
// Plan generation markers are short-lived, so they live in Redis with a TTL while the
// usage ledger stays in a durable store. BeginGeneration is a single Lua script, which
// makes the duplicate check and the in-progress marker atomic across app servers.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/mihaimyh/featuregate/pkg/featuregate"
)

// Storage implements featuregate.GenerationStore using Redis
type Storage struct {
	client  redis.UniversalClient
	config  Config
	scripts map[string]*redis.Script
}

var (
	_ featuregate.GenerationStore = (*Storage)(nil)
	_ featuregate.TimeSource      = (*Storage)(nil)
)

// Config holds Redis storage configuration
type Config struct {
	// KeyPrefix is prepended to all Redis keys (default: "featuregate:")
	KeyPrefix string

	// GenerationTTL is how long generation markers are kept when the request carries no TTL (default: 24h)
	GenerationTTL time.Duration
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() Config {
	return Config{
		KeyPrefix:     "featuregate:",
		GenerationTTL: 24 * time.Hour,
	}
}

// New creates a new Redis generation store
// The client can be *redis.Client, *redis.ClusterClient, or *redis.Ring
func New(client redis.UniversalClient, config Config) (*Storage, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}

	if config.KeyPrefix == "" {
		config.KeyPrefix = "featuregate:"
	}
	if config.GenerationTTL <= 0 {
		config.GenerationTTL = 24 * time.Hour
	}

	s := &Storage{
		client:  client,
		config:  config,
		scripts: make(map[string]*redis.Script),
	}
	s.loadScripts()
	return s, nil
}

// loadScripts compiles the Lua scripts used for atomic operations
func (s *Storage) loadScripts() {
	// Claim a generation slot.
	// KEYS[1] = per-user index (zset of live record ids scored by creation ms)
	// KEYS[2] = new record key
	// ARGV: id, createdMs, sinceMs, record JSON, ttlMs, record key prefix, idempotency key ("" when absent)
	s.scripts["begin"] = redis.NewScript(`
		local index = KEYS[1]
		local recordKey = KEYS[2]
		local id = ARGV[1]
		local createdMs = tonumber(ARGV[2])
		local sinceMs = tonumber(ARGV[3])
		local record = ARGV[4]
		local ttlMs = tonumber(ARGV[5])
		local prefix = ARGV[6]
		local keyRef = ARGV[7]

		redis.call('ZREMRANGEBYSCORE', index, '-inf', '(' .. (createdMs - ttlMs))

		if keyRef ~= "" then
			local existingID = redis.call('GET', keyRef)
			if existingID then
				local existing = redis.call('GET', prefix .. existingID)
				if existing then
					return {0, existing}
				end
			end
		end

		local recent = redis.call('ZREVRANGEBYSCORE', index, '+inf', sinceMs, 'LIMIT', 0, 1)
		if recent[1] then
			local existing = redis.call('GET', prefix .. recent[1])
			if existing then
				return {0, existing}
			end
		end

		redis.call('SET', recordKey, record, 'PX', ttlMs)
		redis.call('ZADD', index, createdMs, id)
		redis.call('PEXPIRE', index, ttlMs)
		if keyRef ~= "" then
			redis.call('SET', keyRef, id, 'PX', ttlMs)
		end
		return {1, record}
	`)

	// Finish a generation, keeping the record TTL.
	// KEYS[1] = record key, KEYS[2] = per-user index
	// ARGV: updated record JSON, failed flag, idempotency key ("" when absent)
	s.scripts["finish"] = redis.NewScript(`
		local recordKey = KEYS[1]
		local index = KEYS[2]
		local updated = ARGV[1]
		local failed = ARGV[2] == "1"
		local keyRef = ARGV[3]

		if redis.call('EXISTS', recordKey) == 0 then
			return 'not_found'
		end

		redis.call('SET', recordKey, updated, 'KEEPTTL')
		if failed then
			local rec = cjson.decode(updated)
			redis.call('ZREM', index, rec.id)
			if keyRef ~= "" then
				redis.call('DEL', keyRef)
			end
		end
		return 'ok'
	`)
}

// storedGeneration is the JSON form of a generation record
type storedGeneration struct {
	ID             string     `json:"id"`
	UserID         string     `json:"userId"`
	IdempotencyKey string     `json:"idempotencyKey,omitempty"`
	State          string     `json:"state"`
	Result         []byte     `json:"result,omitempty"`
	CreatedAt      time.Time  `json:"createdAt"`
	CompletedAt    *time.Time `json:"completedAt,omitempty"`
}

func toStored(r *featuregate.GenerationRecord) storedGeneration {
	return storedGeneration{
		ID:             r.ID,
		UserID:         r.UserID,
		IdempotencyKey: r.IdempotencyKey,
		State:          string(r.State),
		Result:         r.Result,
		CreatedAt:      r.CreatedAt.UTC(),
		CompletedAt:    r.CompletedAt,
	}
}

func (g storedGeneration) record() *featuregate.GenerationRecord {
	return &featuregate.GenerationRecord{
		ID:             g.ID,
		UserID:         g.UserID,
		IdempotencyKey: g.IdempotencyKey,
		State:          featuregate.GenerationState(g.State),
		Result:         g.Result,
		CreatedAt:      g.CreatedAt.UTC(),
		CompletedAt:    g.CompletedAt,
	}
}

func decodeRecord(raw string) (*featuregate.GenerationRecord, error) {
	var g storedGeneration
	if err := json.Unmarshal([]byte(raw), &g); err != nil {
		return nil, fmt.Errorf("failed to decode generation record: %w", err)
	}
	return g.record(), nil
}

// Keys share a {userID} hash tag so the scripts stay on one cluster slot.
func (s *Storage) userTag(userID string) string {
	return fmt.Sprintf("%sgen:{%s}:", s.config.KeyPrefix, userID)
}

func (s *Storage) indexKey(userID string) string { return s.userTag(userID) + "index" }

func (s *Storage) recordPrefix(userID string) string { return s.userTag(userID) + "rec:" }

func (s *Storage) idempotencyKey(userID, key string) string {
	if key == "" {
		return ""
	}
	return s.userTag(userID) + "key:" + key
}

// BeginGeneration implements featuregate.GenerationStore
func (s *Storage) BeginGeneration(ctx context.Context, req *featuregate.GenerationRequest) (*featuregate.GenerationRecord, bool, error) {
	ttl := req.TTL
	if ttl <= 0 {
		ttl = s.config.GenerationTTL
	}

	rec := &featuregate.GenerationRecord{
		ID:             req.ID,
		UserID:         req.UserID,
		IdempotencyKey: req.IdempotencyKey,
		State:          featuregate.GenerationInProgress,
		CreatedAt:      req.Now.UTC(),
	}
	data, err := json.Marshal(toStored(rec))
	if err != nil {
		return nil, false, fmt.Errorf("failed to encode generation record: %w", err)
	}

	prefix := s.recordPrefix(req.UserID)
	keys := []string{s.indexKey(req.UserID), prefix + req.ID}
	result, err := s.scripts["begin"].Run(ctx, s.client, keys,
		req.ID,
		req.Now.UnixMilli(),
		req.Now.Add(-req.Window).UnixMilli(),
		string(data),
		ttl.Milliseconds(),
		prefix,
		s.idempotencyKey(req.UserID, req.IdempotencyKey),
	).Result()
	if err != nil {
		return nil, false, fmt.Errorf("failed to begin generation: %w", err)
	}

	values, ok := result.([]interface{})
	if !ok || len(values) != 2 {
		return nil, false, fmt.Errorf("unexpected begin generation result: %v", result)
	}
	created, _ := values[0].(int64)
	raw, _ := values[1].(string)

	stored, err := decodeRecord(raw)
	if err != nil {
		return nil, false, err
	}
	return stored, created == 1, nil
}

// CompleteGeneration implements featuregate.GenerationStore
func (s *Storage) CompleteGeneration(ctx context.Context, userID, id string, result []byte, at time.Time) error {
	return s.finish(ctx, userID, id, featuregate.GenerationSucceeded, result, at)
}

// FailGeneration implements featuregate.GenerationStore.
// The record leaves the duplicate index and releases its idempotency key.
func (s *Storage) FailGeneration(ctx context.Context, userID, id string, at time.Time) error {
	return s.finish(ctx, userID, id, featuregate.GenerationFailed, nil, at)
}

func (s *Storage) finish(ctx context.Context, userID, id string, state featuregate.GenerationState, result []byte, at time.Time) error {
	recordKey := s.recordPrefix(userID) + id
	raw, err := s.client.Get(ctx, recordKey).Result()
	if errors.Is(err, redis.Nil) {
		return featuregate.ErrGenerationNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to get generation: %w", err)
	}

	rec, err := decodeRecord(raw)
	if err != nil {
		return err
	}
	completedAt := at.UTC()
	rec.State = state
	rec.Result = result
	rec.CompletedAt = &completedAt

	data, err := json.Marshal(toStored(rec))
	if err != nil {
		return fmt.Errorf("failed to encode generation record: %w", err)
	}

	failed := "0"
	if state == featuregate.GenerationFailed {
		failed = "1"
	}
	status, err := s.scripts["finish"].Run(ctx, s.client,
		[]string{recordKey, s.indexKey(userID)},
		string(data), failed, s.idempotencyKey(userID, rec.IdempotencyKey),
	).Text()
	if err != nil {
		return fmt.Errorf("failed to update generation: %w", err)
	}
	if status == "not_found" {
		return featuregate.ErrGenerationNotFound
	}
	return nil
}

// RecentGeneration implements featuregate.GenerationStore
func (s *Storage) RecentGeneration(ctx context.Context, userID string, since time.Time) (*featuregate.GenerationRecord, error) {
	ids, err := s.client.ZRevRangeByScore(ctx, s.indexKey(userID), &redis.ZRangeBy{
		Min:   strconv.FormatInt(since.UnixMilli(), 10),
		Max:   "+inf",
		Count: 1,
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get recent generation: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	raw, err := s.client.Get(ctx, s.recordPrefix(userID)+ids[0]).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil // expired between the two reads
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get generation: %w", err)
	}
	return decodeRecord(raw)
}

// Now implements featuregate.TimeSource using the Redis TIME command
func (s *Storage) Now(ctx context.Context) (time.Time, error) {
	t, err := s.client.Time(ctx).Result()
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to read redis time: %w", err)
	}
	return t.UTC(), nil
}

// Ping checks the Redis connection
func (s *Storage) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}
