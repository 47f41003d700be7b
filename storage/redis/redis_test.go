package redis

import (
	"context"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mihaimyh/featuregate/pkg/featuregate"
	"github.com/mihaimyh/featuregate/storage/memory"
)

// setupTestRedis creates a Redis client for testing
// Requires Redis running on localhost:6379
func setupTestRedis(t *testing.T) *redis.Client {
	t.Helper()

	client := redis.NewClient(&redis.Options{
		Addr: "localhost:6379",
		DB:   15, // Use DB 15 for testing
	})

	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skipf("Redis not available: %v", err)
	}

	// Clear test database
	if err := client.FlushDB(ctx).Err(); err != nil {
		t.Fatalf("Failed to flush test database: %v", err)
	}
	t.Cleanup(func() { _ = client.Close() })

	return client
}

func setupTestStorage(t *testing.T) *Storage {
	t.Helper()
	s, err := New(setupTestRedis(t), DefaultConfig())
	require.NoError(t, err)
	return s
}

func TestNew(t *testing.T) {
	tests := []struct {
		name       string
		client     redis.UniversalClient
		config     Config
		wantErr    bool
		wantPrefix string
	}{
		{
			name:    "nil client",
			client:  nil,
			config:  DefaultConfig(),
			wantErr: true,
		},
		{
			name:       "empty config gets defaults",
			client:     redis.NewClient(&redis.Options{Addr: "localhost:6379"}),
			config:     Config{},
			wantPrefix: "featuregate:",
		},
		{
			name:       "custom prefix",
			client:     redis.NewClient(&redis.Options{Addr: "localhost:6379"}),
			config:     Config{KeyPrefix: "test:"},
			wantPrefix: "test:",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, err := New(tt.client, tt.config)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantPrefix, s.config.KeyPrefix)
			assert.Equal(t, 24*time.Hour, s.config.GenerationTTL)
		})
	}
}

func TestStorage_BeginGenerationWindow(t *testing.T) {
	s := setupTestStorage(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Millisecond)

	rec, created, err := s.BeginGeneration(ctx, &featuregate.GenerationRequest{
		ID: "gen-1", UserID: "user1", Now: now, Window: 2 * time.Minute,
	})
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, featuregate.GenerationInProgress, rec.State)

	dup, created, err := s.BeginGeneration(ctx, &featuregate.GenerationRequest{
		ID: "gen-2", UserID: "user1", Now: now.Add(time.Minute), Window: 2 * time.Minute,
	})
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, "gen-1", dup.ID)

	// another user is independent
	_, created, err = s.BeginGeneration(ctx, &featuregate.GenerationRequest{
		ID: "gen-3", UserID: "user2", Now: now, Window: 2 * time.Minute,
	})
	require.NoError(t, err)
	assert.True(t, created)

	// outside the window a new marker is written
	_, created, err = s.BeginGeneration(ctx, &featuregate.GenerationRequest{
		ID: "gen-4", UserID: "user1", Now: now.Add(3 * time.Minute), Window: 2 * time.Minute,
	})
	require.NoError(t, err)
	assert.True(t, created)
}

func TestStorage_CompleteAndRecent(t *testing.T) {
	s := setupTestStorage(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Millisecond)

	_, _, err := s.BeginGeneration(ctx, &featuregate.GenerationRequest{
		ID: "gen-1", UserID: "user1", Now: now, Window: 2 * time.Minute,
	})
	require.NoError(t, err)
	require.NoError(t, s.CompleteGeneration(ctx, "user1", "gen-1", []byte("plan"), now.Add(time.Second)))

	recent, err := s.RecentGeneration(ctx, "user1", now.Add(-time.Minute))
	require.NoError(t, err)
	require.NotNil(t, recent)
	assert.Equal(t, featuregate.GenerationSucceeded, recent.State)
	assert.Equal(t, []byte("plan"), recent.Result)
	require.NotNil(t, recent.CompletedAt)

	none, err := s.RecentGeneration(ctx, "user1", now.Add(time.Minute))
	require.NoError(t, err)
	assert.Nil(t, none)

	assert.ErrorIs(t, s.CompleteGeneration(ctx, "user1", "missing", nil, now), featuregate.ErrGenerationNotFound)
}

func TestStorage_FailReleasesSlot(t *testing.T) {
	s := setupTestStorage(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Millisecond)

	_, _, err := s.BeginGeneration(ctx, &featuregate.GenerationRequest{
		ID: "gen-1", UserID: "user1", IdempotencyKey: "req-1", Now: now, Window: 2 * time.Minute,
	})
	require.NoError(t, err)
	require.NoError(t, s.FailGeneration(ctx, "user1", "gen-1", now))

	recent, err := s.RecentGeneration(ctx, "user1", now.Add(-time.Minute))
	require.NoError(t, err)
	assert.Nil(t, recent)

	// the same key may retry after a failure
	rec, created, err := s.BeginGeneration(ctx, &featuregate.GenerationRequest{
		ID: "gen-2", UserID: "user1", IdempotencyKey: "req-1", Now: now.Add(time.Second), Window: 2 * time.Minute,
	})
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, "gen-2", rec.ID)
}

func TestStorage_IdempotencyKeyOutlivesWindow(t *testing.T) {
	s := setupTestStorage(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Millisecond)

	_, _, err := s.BeginGeneration(ctx, &featuregate.GenerationRequest{
		ID: "gen-1", UserID: "user1", IdempotencyKey: "req-1", Now: now, Window: 2 * time.Minute,
	})
	require.NoError(t, err)

	rec, created, err := s.BeginGeneration(ctx, &featuregate.GenerationRequest{
		ID: "gen-2", UserID: "user1", IdempotencyKey: "req-1", Now: now.Add(time.Hour), Window: 2 * time.Minute,
	})
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, "gen-1", rec.ID)
}

func TestStorage_BeginGenerationConcurrent(t *testing.T) {
	s := setupTestStorage(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Millisecond)

	var (
		wg      sync.WaitGroup
		created atomic.Int32
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, ok, err := s.BeginGeneration(ctx, &featuregate.GenerationRequest{
				ID:     "gen-" + strconv.Itoa(i),
				UserID: "user1",
				Now:    now,
				Window: 2 * time.Minute,
			})
			if assert.NoError(t, err) && ok {
				created.Add(1)
			}
		}(i)
	}
	wg.Wait()
	assert.Equal(t, int32(1), created.Load())
}

func TestStorage_WithManager(t *testing.T) {
	gens := setupTestStorage(t)
	ctx := context.Background()

	m, err := featuregate.NewManager(memory.New(), &featuregate.Config{GenerationStore: gens})
	require.NoError(t, err)
	require.NoError(t, m.SetProfile(ctx, &featuregate.Profile{UserID: "user1", Tier: featuregate.TierPlus}))

	var calls atomic.Int32
	fn := func(context.Context) ([]byte, error) {
		calls.Add(1)
		return []byte("plan"), nil
	}
	first, err := m.Generate(ctx, "user1", "", fn)
	require.NoError(t, err)
	assert.False(t, first.Deduplicated)

	second, err := m.Generate(ctx, "user1", "", fn)
	require.NoError(t, err)
	assert.True(t, second.Deduplicated)
	assert.Equal(t, int32(1), calls.Load())
}

func TestStorage_Now(t *testing.T) {
	s := setupTestStorage(t)

	serverTime, err := s.Now(context.Background())
	require.NoError(t, err)
	assert.Equal(t, time.UTC, serverTime.Location())
	assert.WithinDuration(t, time.Now().UTC(), serverTime, 5*time.Second)
}
