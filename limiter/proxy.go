package limiter

import (
	"context"
	"time"

	"github.com/jonboulle/clockwork"
)

// Decision result of an admission check
type Decision struct {
	Allowed    bool
	Remaining  int64
	Limit      int64
	RetryAfter time.Duration // 0 when allowed or when the bucket never refills
	Degraded   bool          // decided by failure policy, the store was not consulted successfully
}

// Snapshot refill-adjusted view of a stored bucket
type Snapshot struct {
	Key           string
	Found         bool
	Configuration BucketConfiguration
	Tokens        int64
	LastRefill    time.Time
}

// BucketProxy handle bound to one key in the store. It keeps no token state;
// every call is a round-trip and the stored configuration wins for existing buckets.
type BucketProxy struct {
	key            string
	config         BucketConfiguration
	store          Store
	clock          clockwork.Clock
	maxCASAttempts int
	keyTTL         time.Duration
}

// Key 桶在存储中的键
func (p *BucketProxy) Key() string {
	return p.key
}

// Configuration the configuration used to initialize an absent bucket
func (p *BucketProxy) Configuration() BucketConfiguration {
	return p.config
}

func (p *BucketProxy) ttl(cfg BucketConfiguration) time.Duration {
	if p.keyTTL > 0 {
		return p.keyTTL
	}
	return fullRefillTime(cfg)
}

// load reads and refills the current state; raw is nil when the bucket is absent
func (p *BucketProxy) load(ctx context.Context, now time.Time) (bucketState, []byte, error) {
	raw, found, err := p.store.Read(ctx, p.key)
	if err != nil {
		return bucketState{}, nil, err
	}
	if !found {
		return newBucketState(p.config, now), nil, nil
	}
	st, err := decodeState(raw)
	if err != nil {
		return bucketState{}, nil, err
	}
	st.refill(now)
	return st, raw, nil
}

// TryConsume debits n tokens if available. A denial writes nothing.
func (p *BucketProxy) TryConsume(ctx context.Context, n int64) (Decision, error) {
	if n <= 0 {
		return Decision{}, ErrInvalidRateLimit.WithMsgf("tokens to consume must be positive, got %d", n)
	}

	for attempt := 0; attempt < p.maxCASAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return Decision{}, err
		}

		now := p.clock.Now()
		st, raw, err := p.load(ctx, now)
		if err != nil {
			return Decision{}, err
		}

		if st.Tokens < n {
			return Decision{
				Allowed:    false,
				Remaining:  st.Tokens,
				Limit:      st.Capacity,
				RetryAfter: st.retryAfter(n, now),
			}, nil
		}

		st.Tokens -= n
		swapped, err := p.store.CompareAndSwap(ctx, p.key, raw, st.encode(), p.ttl(st.configuration()))
		if err != nil {
			return Decision{}, err
		}
		if swapped {
			return Decision{Allowed: true, Remaining: st.Tokens, Limit: st.Capacity}, nil
		}
	}

	return Decision{}, ErrContention.WithData("key", p.key).WithData("attempts", p.maxCASAttempts)
}

// AvailableTokens refill-adjusted token count. An absent bucket reports the
// configured capacity and is not created.
func (p *BucketProxy) AvailableTokens(ctx context.Context) (int64, error) {
	st, _, err := p.load(ctx, p.clock.Now())
	if err != nil {
		return 0, err
	}
	return st.Tokens, nil
}

// Inspect returns the stored state without modifying it
func (p *BucketProxy) Inspect(ctx context.Context) (Snapshot, error) {
	st, raw, err := p.load(ctx, p.clock.Now())
	if err != nil {
		return Snapshot{}, err
	}
	return Snapshot{
		Key:           p.key,
		Found:         raw != nil,
		Configuration: st.configuration(),
		Tokens:        st.Tokens,
		LastRefill:    time.UnixMilli(st.LastRefillMs),
	}, nil
}

// Repair replaces an undecodable stored value with a full bucket of the proxy
// configuration. An absent or decodable value is left alone.
func (p *BucketProxy) Repair(ctx context.Context) error {
	for attempt := 0; attempt < p.maxCASAttempts; attempt++ {
		raw, found, err := p.store.Read(ctx, p.key)
		if err != nil {
			return err
		}
		if !found {
			return nil
		}
		if _, err := decodeState(raw); err == nil {
			return nil
		}

		next := newBucketState(p.config, p.clock.Now())
		swapped, err := p.store.CompareAndSwap(ctx, p.key, raw, next.encode(), p.ttl(p.config))
		if err != nil {
			return err
		}
		if swapped {
			return nil
		}
	}
	return ErrContention.WithData("key", p.key).WithData("attempts", p.maxCASAttempts)
}

// ReplaceConfiguration writes cfg over the stored bucket, resetting tokens to the
// new capacity. replaced is false when the bucket no longer exists; it is not recreated.
func (p *BucketProxy) ReplaceConfiguration(ctx context.Context, cfg BucketConfiguration) (bool, error) {
	for attempt := 0; attempt < p.maxCASAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return false, err
		}

		raw, found, err := p.store.Read(ctx, p.key)
		if err != nil {
			return false, err
		}
		if !found {
			return false, nil
		}

		next := newBucketState(cfg, p.clock.Now())
		swapped, err := p.store.CompareAndSwap(ctx, p.key, raw, next.encode(), p.ttl(cfg))
		if err != nil {
			return false, err
		}
		if swapped {
			return true, nil
		}
	}
	return false, ErrContention.WithData("key", p.key).WithData("attempts", p.maxCASAttempts)
}
