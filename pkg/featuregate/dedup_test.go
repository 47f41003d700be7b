package featuregate_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mihaimyh/featuregate/pkg/featuregate"
)

func planFunc(calls *atomic.Int32, result string) featuregate.GenerateFunc {
	return func(context.Context) ([]byte, error) {
		calls.Add(1)
		return []byte(result), nil
	}
}

func lifeplanUsed(t *testing.T, env *testEnv, userID string) int {
	t.Helper()
	d, err := env.manager.Evaluate(context.Background(), userID, featuregate.FeatureLifeplanRegen)
	require.NoError(t, err)
	return d.Used
}

func TestGenerate_DuplicateWithinWindow(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.setTier(t, "user1", featuregate.TierPlus)

	var calls atomic.Int32
	first, err := env.manager.Generate(ctx, "user1", "", planFunc(&calls, "plan-v1"))
	require.NoError(t, err)
	assert.False(t, first.Deduplicated)
	require.NotNil(t, first.Receipt)
	assert.Equal(t, featuregate.SourceTierAllowance, first.Receipt.Source)
	assert.Equal(t, featuregate.GenerationSucceeded, first.Record.State)

	env.clock.Advance(time.Minute)
	second, err := env.manager.Generate(ctx, "user1", "", planFunc(&calls, "plan-v2"))
	require.NoError(t, err)
	assert.True(t, second.Deduplicated)
	assert.Nil(t, second.Receipt)
	assert.Equal(t, first.Record.ID, second.Record.ID)
	assert.Equal(t, []byte("plan-v1"), second.Record.Result)

	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, 1, lifeplanUsed(t, env, "user1"))

	// outside the window a new generation runs and is charged
	env.clock.Advance(2 * time.Minute)
	third, err := env.manager.Generate(ctx, "user1", "", planFunc(&calls, "plan-v3"))
	require.NoError(t, err)
	assert.False(t, third.Deduplicated)
	assert.Equal(t, 2, lifeplanUsed(t, env, "user1"))
}

func TestCheckRecentGeneration_Idempotent(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.setTier(t, "user1", featuregate.TierPlus)

	none, err := env.manager.CheckRecentGeneration(ctx, "user1", 0)
	require.NoError(t, err)
	assert.Nil(t, none)

	var calls atomic.Int32
	out, err := env.manager.Generate(ctx, "user1", "", planFunc(&calls, "plan"))
	require.NoError(t, err)

	env.clock.Advance(30 * time.Second)
	a, err := env.manager.CheckRecentGeneration(ctx, "user1", 2*time.Minute)
	require.NoError(t, err)
	b, err := env.manager.CheckRecentGeneration(ctx, "user1", 2*time.Minute)
	require.NoError(t, err)

	require.NotNil(t, a)
	require.NotNil(t, b)
	assert.Equal(t, out.Record.ID, a.ID)
	assert.Equal(t, a.ID, b.ID)
	assert.Equal(t, a.Result, b.Result)
	assert.Equal(t, 1, lifeplanUsed(t, env, "user1"))

	env.clock.Advance(5 * time.Minute)
	expired, err := env.manager.CheckRecentGeneration(ctx, "user1", 0)
	require.NoError(t, err)
	assert.Nil(t, expired)
}

func TestGenerate_FailureChargesNothing(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.setTier(t, "user1", featuregate.TierPlus)

	genErr := errors.New("model unavailable")
	_, err := env.manager.Generate(ctx, "user1", "", func(context.Context) ([]byte, error) {
		return nil, genErr
	})
	assert.ErrorIs(t, err, genErr)
	assert.Equal(t, 0, lifeplanUsed(t, env, "user1"))

	// a failed attempt does not suppress the retry
	recent, err := env.manager.CheckRecentGeneration(ctx, "user1", 0)
	require.NoError(t, err)
	assert.Nil(t, recent)

	var calls atomic.Int32
	out, err := env.manager.Generate(ctx, "user1", "", planFunc(&calls, "plan"))
	require.NoError(t, err)
	assert.False(t, out.Deduplicated)
	assert.Equal(t, 1, lifeplanUsed(t, env, "user1"))
}

func TestGenerate_QuotaDenied(t *testing.T) {
	env := newTestEnv(t)
	env.setTier(t, "user1", featuregate.TierStarter)

	var calls atomic.Int32
	_, err := env.manager.Generate(context.Background(), "user1", "", planFunc(&calls, "plan"))
	d, ok := featuregate.AsQuotaExceeded(err)
	require.True(t, ok)
	assert.Equal(t, featuregate.FeatureLifeplanRegen, d.Feature)
	assert.Equal(t, int32(0), calls.Load())

	recent, err := env.manager.CheckRecentGeneration(context.Background(), "user1", 0)
	require.NoError(t, err)
	assert.Nil(t, recent)
}

func TestGenerate_IdempotencyKey(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.setTier(t, "user1", featuregate.TierPro)

	var calls atomic.Int32
	first, err := env.manager.Generate(ctx, "user1", "req-1", planFunc(&calls, "plan"))
	require.NoError(t, err)

	// the key outlives the time window
	env.clock.Advance(time.Hour)
	again, err := env.manager.Generate(ctx, "user1", "req-1", planFunc(&calls, "other"))
	require.NoError(t, err)
	assert.True(t, again.Deduplicated)
	assert.Equal(t, first.Record.ID, again.Record.ID)

	fresh, err := env.manager.Generate(ctx, "user1", "req-2", planFunc(&calls, "plan-2"))
	require.NoError(t, err)
	assert.False(t, fresh.Deduplicated)
	assert.Equal(t, int32(2), calls.Load())
}

func TestGenerate_ConcurrentRequestsRunOnce(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.setTier(t, "user1", featuregate.TierPlus)

	var (
		calls   atomic.Int32
		dedup   atomic.Int32
		wg      sync.WaitGroup
		release = make(chan struct{})
	)
	slow := func(context.Context) ([]byte, error) {
		calls.Add(1)
		<-release
		return []byte("plan"), nil
	}

	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			out, err := env.manager.Generate(ctx, "user1", "", slow)
			if !assert.NoError(t, err) {
				return
			}
			if out.Deduplicated {
				dedup.Add(1)
			}
		}()
	}
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, int32(4), dedup.Load())
	assert.Equal(t, 1, lifeplanUsed(t, env, "user1"))
}

func TestGenerate_RequiresGenerationStore(t *testing.T) {
	env := newTestEnv(t)
	ledgerOnly := struct{ featuregate.Storage }{env.storage}
	m, err := featuregate.NewManager(ledgerOnly, &featuregate.Config{Clock: env.clock.Now})
	require.NoError(t, err)

	_, err = m.CheckRecentGeneration(context.Background(), "user1", 0)
	assert.ErrorIs(t, err, featuregate.ErrConfiguration)
	_, err = m.Generate(context.Background(), "user1", "", nil)
	assert.ErrorIs(t, err, featuregate.ErrConfiguration)
}
