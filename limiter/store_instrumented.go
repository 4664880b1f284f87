package limiter

import (
	"context"
	"time"
)

// instrumentedStore records the latency of every store round-trip
type instrumentedStore struct {
	next    Store
	metrics *Metrics
}

func newInstrumentedStore(next Store, metrics *Metrics) *instrumentedStore {
	return &instrumentedStore{next: next, metrics: metrics}
}

func (s *instrumentedStore) observe(ctx context.Context, op string, start time.Time, err error) {
	s.metrics.recordRoundTrip(ctx, op, time.Since(start), err)
}

func (s *instrumentedStore) Read(ctx context.Context, key string) (value []byte, found bool, err error) {
	start := time.Now()
	defer func() { s.observe(ctx, "read", start, err) }()
	return s.next.Read(ctx, key)
}

func (s *instrumentedStore) CompareAndSwap(ctx context.Context, key string, expected, value []byte, ttl time.Duration) (swapped bool, err error) {
	start := time.Now()
	defer func() { s.observe(ctx, "cas", start, err) }()
	return s.next.CompareAndSwap(ctx, key, expected, value, ttl)
}

func (s *instrumentedStore) SetWithExpiry(ctx context.Context, key string, value []byte, ttl time.Duration) (err error) {
	start := time.Now()
	defer func() { s.observe(ctx, "set", start, err) }()
	return s.next.SetWithExpiry(ctx, key, value, ttl)
}

func (s *instrumentedStore) KeysWithPrefix(ctx context.Context, prefix string) (keys []string, err error) {
	start := time.Now()
	defer func() { s.observe(ctx, "scan", start, err) }()
	return s.next.KeysWithPrefix(ctx, prefix)
}

func (s *instrumentedStore) Ping(ctx context.Context) (err error) {
	start := time.Now()
	defer func() { s.observe(ctx, "ping", start, err) }()
	return s.next.Ping(ctx)
}

func (s *instrumentedStore) Close() error {
	return s.next.Close()
}
