package featuregate_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/mihaimyh/featuregate/pkg/featuregate"
	"github.com/mihaimyh/featuregate/storage/memory"
)

var testNow = time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC)

// testClock is a settable clock shared between the manager and the test
type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func (c *testClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

type testEnv struct {
	manager *featuregate.Manager
	storage *memory.Storage
	clock   *testClock
	logger  *recordingLogger
}

func newTestEnv(t *testing.T, configure ...func(*featuregate.Config)) *testEnv {
	t.Helper()
	env := &testEnv{
		storage: memory.New(),
		clock:   &testClock{now: testNow},
		logger:  &recordingLogger{},
	}
	cfg := &featuregate.Config{
		Clock:  env.clock.Now,
		Logger: env.logger,
	}
	for _, fn := range configure {
		fn(cfg)
	}
	m, err := featuregate.NewManager(env.storage, cfg)
	require.NoError(t, err)
	env.manager = m
	return env
}

func (e *testEnv) setTier(t *testing.T, userID string, tier featuregate.Tier) {
	t.Helper()
	require.NoError(t, e.manager.SetProfile(context.Background(), &featuregate.Profile{
		UserID: userID,
		Tier:   tier,
	}))
}

func (e *testEnv) commitN(t *testing.T, userID string, feature featuregate.Feature, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		_, err := e.manager.Commit(context.Background(), userID, feature, nil)
		require.NoError(t, err)
	}
}

type logEntry struct {
	level  string
	msg    string
	fields map[string]interface{}
}

type recordingLogger struct {
	mu      sync.Mutex
	entries []logEntry
}

func (l *recordingLogger) record(level, msg string, fields []featuregate.Field) {
	l.mu.Lock()
	defer l.mu.Unlock()
	m := make(map[string]interface{}, len(fields))
	for _, f := range fields {
		m[f.Key] = f.Value
	}
	l.entries = append(l.entries, logEntry{level: level, msg: msg, fields: m})
}

func (l *recordingLogger) Debug(msg string, fields ...featuregate.Field) { l.record("debug", msg, fields) }
func (l *recordingLogger) Info(msg string, fields ...featuregate.Field)  { l.record("info", msg, fields) }
func (l *recordingLogger) Warn(msg string, fields ...featuregate.Field)  { l.record("warn", msg, fields) }
func (l *recordingLogger) Error(msg string, fields ...featuregate.Field) { l.record("error", msg, fields) }

func (l *recordingLogger) find(level, msg string) (logEntry, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, e := range l.entries {
		if e.level == level && e.msg == msg {
			return e, true
		}
	}
	return logEntry{}, false
}

// flakyStorage injects failures into selected storage operations
type flakyStorage struct {
	*memory.Storage
	mu            sync.Mutex
	getProfileErr error
	applyDebitErr error
}

func (f *flakyStorage) GetProfile(ctx context.Context, userID string) (*featuregate.Profile, error) {
	f.mu.Lock()
	err := f.getProfileErr
	f.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return f.Storage.GetProfile(ctx, userID)
}

func (f *flakyStorage) ApplyDebit(ctx context.Context, req *featuregate.DebitRequest) (*featuregate.DebitResult, error) {
	f.mu.Lock()
	err := f.applyDebitErr
	f.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return f.Storage.ApplyDebit(ctx, req)
}

// fakePurchases is a single-use purchase ledger holding n unused purchases per feature
type fakePurchases struct {
	mu sync.Mutex
	n  map[featuregate.Feature]int
}

func (p *fakePurchases) AvailablePurchases(_ context.Context, _ string, feature featuregate.Feature) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.n[feature], nil
}

func (p *fakePurchases) ConsumePurchase(_ context.Context, _ string, feature featuregate.Feature) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.n[feature] == 0 {
		return false, nil
	}
	p.n[feature]--
	return true, nil
}
