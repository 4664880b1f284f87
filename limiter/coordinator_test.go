package limiter

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/KOMKZ/go-yogan-quota/logger"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func testConfig() Config {
	zero := int64(0)
	cfg := DefaultConfig()
	cfg.StoreType = StoreTypeMemory
	cfg.Retry.BaseDelay = time.Millisecond
	cfg.Defaults = map[string]RateLimitConfig{
		"api": {Limit: 5, RefillAmount: &zero, RefillInterval: time.Second},
	}
	return cfg
}

func newTestCoordinator(t *testing.T, store Store, cfg Config, opts ...Option) *Coordinator {
	t.Helper()
	opts = append([]Option{WithLogger(logger.NewNop())}, opts...)
	c, err := NewCoordinator(context.Background(), store, cfg, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

type recordingNotifier struct {
	mu      sync.Mutex
	changes []RateLimit
	err     error
}

func (n *recordingNotifier) NotifyRateLimitChanged(_ context.Context, rl RateLimit) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.changes = append(n.changes, rl)
	return n.err
}

func TestNewCoordinator_SeedsPresets(t *testing.T) {
	c := newTestCoordinator(t, NewMemoryStore(nil), testConfig())

	assert.Equal(t, []string{"api", IdentifierLogin, IdentifierTestDatasource}, c.Identifiers())

	for _, id := range c.Identifiers() {
		proxy, err := c.Bucket(id)
		require.NoError(t, err)
		assert.Equal(t, BucketKey(id, ""), proxy.Key())
	}

	cfg, ok := c.Configuration(IdentifierLogin)
	require.True(t, ok)
	assert.Equal(t, int64(5), cfg.Capacity)
}

func TestNewCoordinator_StoreUnavailable(t *testing.T) {
	store := NewMemoryStore(nil)
	require.NoError(t, store.Close())

	_, err := NewCoordinator(context.Background(), store, testConfig(), WithLogger(logger.NewNop()))
	assert.ErrorIs(t, err, ErrStoreUnavailable)
}

func TestNewCoordinator_InvalidConfig(t *testing.T) {
	cfg := testConfig()
	cfg.FailurePolicy = "sometimes"

	_, err := NewCoordinator(context.Background(), NewMemoryStore(nil), cfg, WithLogger(logger.NewNop()))
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestUserBucket_FreshUserHasCapacity(t *testing.T) {
	ctx := context.Background()
	c := newTestCoordinator(t, NewMemoryStore(nil), testConfig())

	for _, id := range c.Identifiers() {
		want, _ := c.Configuration(id)
		proxy, err := c.UserBucket(ctx, id, "fresh-user")
		require.NoError(t, err)

		tokens, err := proxy.AvailableTokens(ctx)
		require.NoError(t, err)
		assert.Equal(t, want.Capacity, tokens, id)
	}
}

func TestUserBucket_Idempotent(t *testing.T) {
	ctx := context.Background()
	c := newTestCoordinator(t, NewMemoryStore(nil), testConfig())

	first, err := c.UserBucket(ctx, "api", "u1")
	require.NoError(t, err)
	second, err := c.UserBucket(ctx, "api", "u1")
	require.NoError(t, err)

	t1, err := first.AvailableTokens(ctx)
	require.NoError(t, err)
	t2, err := second.AvailableTokens(ctx)
	require.NoError(t, err)
	assert.Equal(t, t1, t2)
	assert.Equal(t, first.Key(), second.Key())
}

func TestUserBucket_UnknownIdentifier(t *testing.T) {
	c := newTestCoordinator(t, NewMemoryStore(nil), testConfig())

	_, err := c.UserBucket(context.Background(), "nope", "u1")
	assert.ErrorIs(t, err, ErrUnknownIdentifier)

	_, err = c.Bucket("nope")
	assert.ErrorIs(t, err, ErrUnknownIdentifier)

	_, err = c.CheckAndConsume(context.Background(), "nope", "u1")
	assert.ErrorIs(t, err, ErrUnknownIdentifier)
}

func TestCheckAndConsume_Exhaustion(t *testing.T) {
	ctx := context.Background()
	c := newTestCoordinator(t, NewMemoryStore(nil), testConfig())

	for i := 0; i < 5; i++ {
		d, err := c.CheckAndConsume(ctx, "api", "u1")
		require.NoError(t, err)
		assert.True(t, d.Allowed)
		assert.False(t, d.Degraded)
	}
	d, err := c.CheckAndConsume(ctx, "api", "u1")
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, int64(0), d.Remaining)

	// other users and the global bucket are independent
	d, err = c.CheckAndConsume(ctx, "api", "u2")
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	d, err = c.CheckAndConsume(ctx, "api", "")
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	assert.Equal(t, int64(4), d.Remaining)
}

func TestCheckAndConsume_Refill(t *testing.T) {
	ctx := context.Background()
	clock := clockwork.NewFakeClock()
	cfg := testConfig()
	cfg.Defaults = map[string]RateLimitConfig{"api": {Limit: 5, RefillInterval: time.Second}}
	c := newTestCoordinator(t, NewMemoryStore(clock), cfg, WithClock(clock))

	for i := 0; i < 5; i++ {
		_, err := c.CheckAndConsume(ctx, "api", "u1")
		require.NoError(t, err)
	}
	d, err := c.CheckAndConsume(ctx, "api", "u1")
	require.NoError(t, err)
	require.False(t, d.Allowed)

	clock.Advance(time.Second)

	d, err = c.CheckAndConsume(ctx, "api", "u1")
	require.NoError(t, err)
	assert.True(t, d.Allowed)
}

func TestCheckAndConsume_CallerCancelled(t *testing.T) {
	c := newTestCoordinator(t, NewMemoryStore(nil), testConfig())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := c.CheckAndConsume(ctx, "api", "u1")
	assert.ErrorIs(t, err, context.Canceled)
}

func TestCheckAndConsume_FailurePolicy(t *testing.T) {
	tests := []struct {
		policy  FailurePolicy
		allowed bool
	}{
		{FailOpen, true},
		{FailClosed, false},
	}
	for _, tt := range tests {
		t.Run(string(tt.policy), func(t *testing.T) {
			store := NewMemoryStore(nil)
			cfg := testConfig()
			cfg.FailurePolicy = tt.policy
			log, logs := logger.NewObserved("quota")
			c := newTestCoordinator(t, store, cfg, WithLogger(log))

			require.NoError(t, store.Close())

			d, err := c.CheckAndConsume(context.Background(), "api", "u1")
			require.NoError(t, err)
			assert.True(t, d.Degraded)
			assert.Equal(t, tt.allowed, d.Allowed)
			assert.Equal(t, int64(5), d.Limit)
			assert.Equal(t, 1, logs.FilterMessage("rate limit store failed, applying failure policy").Len())
		})
	}
}

func TestCheckAndConsume_RedisOutageDegrades(t *testing.T) {
	s, mr := newMiniredisStore(t)
	cfg := testConfig()
	cfg.StoreType = StoreTypeRedis
	cfg.FailurePolicy = FailClosed
	c := newTestCoordinator(t, s, cfg)

	d, err := c.CheckAndConsume(context.Background(), "api", "u1")
	require.NoError(t, err)
	require.True(t, d.Allowed)

	mr.Close()

	d, err = c.CheckAndConsume(context.Background(), "api", "u1")
	require.NoError(t, err)
	assert.True(t, d.Degraded)
	assert.False(t, d.Allowed)
}

func TestUpdate_ResetsExistingBuckets(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore(nil)
	notifier := &recordingNotifier{}
	c := newTestCoordinator(t, store, testConfig(), WithNotifier(notifier))

	for i := 0; i < 3; i++ {
		_, err := c.CheckAndConsume(ctx, "api", "u1")
		require.NoError(t, err)
	}
	proxy, err := c.UserBucket(ctx, "api", "u1")
	require.NoError(t, err)
	tokens, err := proxy.AvailableTokens(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(2), tokens)

	n, err := c.Update(ctx, "api", NewRateLimit("ignored", 10, time.Minute))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n, "only apiu1 has stored state")

	proxy, err = c.UserBucket(ctx, "api", "u1")
	require.NoError(t, err)
	tokens, err = proxy.AvailableTokens(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(10), tokens)

	// buckets without prior state are not created
	_, found, err := store.Read(ctx, "api")
	require.NoError(t, err)
	assert.False(t, found)

	// new users inherit the new configuration
	d, err := c.CheckAndConsume(ctx, "api", "u9")
	require.NoError(t, err)
	assert.Equal(t, int64(10), d.Limit)

	cfg, _ := c.Configuration("api")
	assert.Equal(t, int64(10), cfg.Capacity)

	require.Len(t, notifier.changes, 1)
	assert.Equal(t, "api", notifier.changes[0].Identifier)
}

func TestUpdate_ManyBucketsOnRedis(t *testing.T) {
	ctx := context.Background()
	s, _ := newMiniredisStore(t)
	cfg := testConfig()
	cfg.StoreType = StoreTypeRedis
	cfg.ReconcileWorkers = 3
	c := newTestCoordinator(t, s, cfg)

	users := []string{"a", "b", "c", "d", "e", "f", "g"}
	for _, u := range users {
		_, err := c.CheckAndConsume(ctx, "api", u)
		require.NoError(t, err)
	}
	_, err := c.CheckAndConsume(ctx, "api", "")
	require.NoError(t, err)

	n, err := c.Update(ctx, "api", NewRateLimit("api", 8, time.Minute))
	require.NoError(t, err)
	assert.Equal(t, int64(len(users)+1), n)

	for _, u := range append(users, "") {
		proxy, err := c.UserBucket(ctx, "api", u)
		require.NoError(t, err)
		tokens, err := proxy.AvailableTokens(ctx)
		require.NoError(t, err)
		assert.Equal(t, int64(8), tokens, u)
	}
}

func TestUpdate_InvalidRateLimit(t *testing.T) {
	c := newTestCoordinator(t, NewMemoryStore(nil), testConfig())

	_, err := c.Update(context.Background(), "api", RateLimit{Limit: 0, RefillInterval: time.Second})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidRateLimit)

	cfg, _ := c.Configuration("api")
	assert.Equal(t, int64(5), cfg.Capacity, "registry untouched")
}

func TestUpdate_NotifierFailureIsNotFatal(t *testing.T) {
	notifier := &recordingNotifier{err: errors.New("broker down")}
	c := newTestCoordinator(t, NewMemoryStore(nil), testConfig(), WithNotifier(notifier))

	_, err := c.Update(context.Background(), "api", NewRateLimit("api", 7, time.Minute))
	assert.NoError(t, err)
}

func TestUpdate_StoreUnavailable(t *testing.T) {
	store := NewMemoryStore(nil)
	notifier := &recordingNotifier{}
	c := newTestCoordinator(t, store, testConfig(), WithNotifier(notifier))
	require.NoError(t, store.Close())

	_, err := c.Update(context.Background(), "api", NewRateLimit("api", 7, time.Minute))
	assert.ErrorIs(t, err, ErrStoreUnavailable)

	// the registry change is local and already applied
	cfg, _ := c.Configuration("api")
	assert.Equal(t, int64(7), cfg.Capacity)

	// peers still hear about it
	notifier.mu.Lock()
	defer notifier.mu.Unlock()
	require.Len(t, notifier.changes, 1)
	assert.Equal(t, "api", notifier.changes[0].Identifier)
	assert.Equal(t, int64(7), notifier.changes[0].Limit)
}

func TestApplyRemote_StaleConfigurationDiagnostic(t *testing.T) {
	ctx := context.Background()
	log, logs := logger.NewObserved("quota")
	c := newTestCoordinator(t, NewMemoryStore(nil), testConfig(), WithLogger(log))

	_, err := c.CheckAndConsume(ctx, "api", "u1")
	require.NoError(t, err)

	require.NoError(t, c.ApplyRemote(ctx, "api", NewRateLimit("api", 9, time.Minute)))
	cfg, _ := c.Configuration("api")
	assert.Equal(t, int64(9), cfg.Capacity)

	proxy, err := c.UserBucket(ctx, "api", "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(5), proxy.Configuration().Capacity, "stored configuration wins")
	assert.Equal(t, 1, logs.FilterMessage("stale bucket configuration").Len())

	assert.Error(t, c.ApplyRemote(ctx, "api", RateLimit{}))
}

func TestCoordinator_Events(t *testing.T) {
	ctx := context.Background()
	c := newTestCoordinator(t, NewMemoryStore(nil), testConfig())

	events := make(chan Event, 16)
	c.Events().Subscribe(EventListenerFunc(func(e Event) { events <- e }), EventRejected, EventReconciled)

	for i := 0; i < 6; i++ {
		_, err := c.CheckAndConsume(ctx, "api", "u1")
		require.NoError(t, err)
	}
	_, err := c.Update(ctx, "api", NewRateLimit("api", 10, time.Minute))
	require.NoError(t, err)

	want := []EventType{EventRejected, EventReconciled}
	for _, typ := range want {
		select {
		case e := <-events:
			assert.Equal(t, typ, e.Type)
			assert.Equal(t, "apiu1", e.Key)
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for %s", typ)
		}
	}
}

func TestCoordinator_Metrics(t *testing.T) {
	ctx := context.Background()
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = provider.Shutdown(ctx) })

	c := newTestCoordinator(t, NewMemoryStore(nil), testConfig(), WithMeter(provider.Meter("quota-test")))

	for i := 0; i < 6; i++ {
		_, err := c.CheckAndConsume(ctx, "api", "u1")
		require.NoError(t, err)
	}
	_, err := c.Update(ctx, "api", NewRateLimit("api", 10, time.Minute))
	require.NoError(t, err)

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(ctx, &rm))

	assert.Equal(t, int64(5), counterValue(t, rm, "quota_checks_total", attribute.String("result", resultAllowed)))
	assert.Equal(t, int64(1), counterValue(t, rm, "quota_checks_total", attribute.String("result", resultRejected)))
	assert.Equal(t, int64(1), counterValue(t, rm, "quota_buckets_reconciled_total", attribute.String("identifier", "api")))
	assert.True(t, hasMetric(rm, "quota_store_roundtrip_seconds"))
}

func counterValue(t *testing.T, rm metricdata.ResourceMetrics, name string, match attribute.KeyValue) int64 {
	t.Helper()
	var total int64
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != name {
				continue
			}
			sum, ok := m.Data.(metricdata.Sum[int64])
			require.True(t, ok, "%s is not an int64 sum", name)
			for _, dp := range sum.DataPoints {
				if v, ok := dp.Attributes.Value(match.Key); ok && v == match.Value {
					total += dp.Value
				}
			}
		}
	}
	return total
}

func hasMetric(rm metricdata.ResourceMetrics, name string) bool {
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name == name {
				return true
			}
		}
	}
	return false
}

func TestCoordinator_HealthCheckAndShutdown(t *testing.T) {
	store := NewMemoryStore(nil)
	c := newTestCoordinator(t, store, testConfig())

	assert.NoError(t, c.HealthCheck())

	require.NoError(t, store.Close())
	err := c.HealthCheck()
	assert.True(t, errors.Is(err, ErrStoreUnavailable))

	assert.NoError(t, c.Shutdown())
	assert.NoError(t, c.Shutdown())
}

// gatedStore blocks the first Read after arm until release is closed
type gatedStore struct {
	Store
	armed   atomic.Bool
	once    sync.Once
	entered chan struct{}
	release chan struct{}
}

func newGatedStore(inner Store) *gatedStore {
	return &gatedStore{Store: inner, entered: make(chan struct{}), release: make(chan struct{})}
}

func (s *gatedStore) Read(ctx context.Context, key string) ([]byte, bool, error) {
	if s.armed.Load() {
		s.once.Do(func() { close(s.entered) })
		select {
		case <-s.release:
		case <-ctx.Done():
			return nil, false, ErrStoreUnavailable.Wrap(ctx.Err())
		}
	}
	return s.Store.Read(ctx, key)
}

func TestUserBucket_AbandonedLookupDoesNotFailOthers(t *testing.T) {
	store := newGatedStore(NewMemoryStore(nil))
	cfg := testConfig()
	cfg.FailurePolicy = FailClosed
	cfg.CheckTimeout = 5 * time.Second
	c := newTestCoordinator(t, store, cfg)
	store.armed.Store(true)

	ctxA, cancelA := context.WithCancel(context.Background())
	errA := make(chan error, 1)
	go func() {
		_, err := c.CheckAndConsume(ctxA, "api", "bob")
		errA <- err
	}()
	<-store.entered

	type result struct {
		d   Decision
		err error
	}
	resB := make(chan result, 1)
	go func() {
		d, err := c.CheckAndConsume(context.Background(), "api", "bob")
		resB <- result{d, err}
	}()
	// let B join the in-flight lookup
	time.Sleep(20 * time.Millisecond)

	cancelA()
	select {
	case err := <-errA:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("cancelled caller still waiting on the shared lookup")
	}

	close(store.release)
	select {
	case r := <-resB:
		require.NoError(t, r.err)
		assert.False(t, r.d.Degraded)
		assert.True(t, r.d.Allowed)
		assert.Equal(t, int64(4), r.d.Remaining)
	case <-time.After(time.Second):
		t.Fatal("second caller never returned")
	}
}

func TestUpdate_PrefixOverwritesLongerIdentifier(t *testing.T) {
	ctx := context.Background()
	zero := int64(0)
	cfg := testConfig()
	cfg.Defaults["api_admin"] = RateLimitConfig{Limit: 3, RefillAmount: &zero, RefillInterval: time.Second}
	log, logs := logger.NewObserved("quota")
	c := newTestCoordinator(t, NewMemoryStore(nil), cfg, WithLogger(log))

	_, err := c.CheckAndConsume(ctx, "api_admin", "u1")
	require.NoError(t, err)

	reconciled, err := c.Update(ctx, "api", NewRateLimit("api", 10, time.Minute))
	require.NoError(t, err)
	// api_adminu1 matches the "api" prefix scan
	assert.Equal(t, int64(1), reconciled)

	snap, err := c.factory.Build(BucketKey("api_admin", "u1"), BucketConfiguration{}).Inspect(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(10), snap.Configuration.Capacity)
	assert.Equal(t, int64(10), snap.Tokens)

	warned := logs.FilterMessage("bucket keys shared with another identifier").All()
	require.Len(t, warned, 1)
	assert.Equal(t, "api_admin", warned[0].ContextMap()["other"])
	assert.Equal(t, int64(1), warned[0].ContextMap()["keys"])
}

func TestCheckAndConsume_CorruptStateIsReset(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore(nil)
	cfg := testConfig()
	cfg.FailurePolicy = FailOpen
	log, logs := logger.NewObserved("quota")
	c := newTestCoordinator(t, store, cfg, WithLogger(log))

	for _, userID := range []string{"u1", ""} {
		key := BucketKey("api", userID)
		require.NoError(t, store.SetWithExpiry(ctx, key, []byte(`{"capacity":0}`), 0))

		d, err := c.CheckAndConsume(ctx, "api", userID)
		require.NoError(t, err, key)
		assert.False(t, d.Degraded, key)
		assert.True(t, d.Allowed, key)
		assert.Equal(t, int64(4), d.Remaining, key)

		// the key is limited again afterwards
		raw, found, err := store.Read(ctx, key)
		require.NoError(t, err)
		require.True(t, found)
		st, err := decodeState(raw)
		require.NoError(t, err)
		assert.Equal(t, int64(4), st.Tokens)
	}
	assert.Equal(t, 2, logs.FilterMessage("corrupt bucket state, resetting").Len())
}

func TestUpdate_RepairsCorruptBucket(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore(nil)
	c := newTestCoordinator(t, store, testConfig())

	key := BucketKey("api", "u1")
	require.NoError(t, store.SetWithExpiry(ctx, key, []byte("garbage"), 0))

	_, err := c.Update(ctx, "api", NewRateLimit("api", 10, time.Minute))
	require.NoError(t, err)

	st, err := c.factory.Build(key, BucketConfiguration{}).Inspect(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(10), st.Configuration.Capacity)
	assert.Equal(t, int64(10), st.Tokens)
}
