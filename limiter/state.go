package limiter

import (
	"encoding/json"
	"math"
	"time"
)

// bucketState is the value stored under a bucket key
type bucketState struct {
	Capacity         int64 `json:"capacity"`
	RefillAmount     int64 `json:"refill_amount"`
	RefillIntervalMs int64 `json:"refill_interval_ms"`
	Tokens           int64 `json:"tokens"`
	LastRefillMs     int64 `json:"last_refill_ms"`
}

func newBucketState(cfg BucketConfiguration, now time.Time) bucketState {
	return bucketState{
		Capacity:         cfg.Capacity,
		RefillAmount:     cfg.Refill.Amount,
		RefillIntervalMs: cfg.Refill.Interval.Milliseconds(),
		Tokens:           cfg.Capacity,
		LastRefillMs:     now.UnixMilli(),
	}
}

func decodeState(raw []byte) (bucketState, error) {
	var st bucketState
	if err := json.Unmarshal(raw, &st); err != nil {
		return bucketState{}, ErrCorruptState.Wrap(err)
	}
	if st.Capacity <= 0 || st.RefillIntervalMs <= 0 {
		return bucketState{}, ErrCorruptState.WithMsgf("corrupt bucket state: capacity=%d interval=%dms",
			st.Capacity, st.RefillIntervalMs)
	}
	return st, nil
}

func (s bucketState) encode() []byte {
	// plain struct of int64s, Marshal cannot fail
	raw, _ := json.Marshal(s)
	return raw
}

func (s bucketState) configuration() BucketConfiguration {
	return BucketConfiguration{
		Capacity: s.Capacity,
		Refill:   Intervally(s.RefillAmount, time.Duration(s.RefillIntervalMs)*time.Millisecond),
	}
}

// refill adds amount for every whole interval elapsed since the last refill.
// The refill clock advances by whole intervals only.
func (s *bucketState) refill(now time.Time) {
	if s.RefillAmount <= 0 || s.RefillIntervalMs <= 0 {
		return
	}
	elapsed := now.UnixMilli() - s.LastRefillMs
	if elapsed < s.RefillIntervalMs {
		return
	}

	periods := elapsed / s.RefillIntervalMs
	s.LastRefillMs += periods * s.RefillIntervalMs

	if periods > (math.MaxInt64-s.Tokens)/s.RefillAmount {
		s.Tokens = s.Capacity
		return
	}
	s.Tokens = min(s.Capacity, s.Tokens+periods*s.RefillAmount)
}

// retryAfter is the wait until enough tokens for n have been refilled; 0 when never
func (s bucketState) retryAfter(n int64, now time.Time) time.Duration {
	deficit := n - s.Tokens
	if deficit <= 0 {
		return 0
	}
	if s.RefillAmount <= 0 || n > s.Capacity {
		return 0
	}
	periods := (deficit + s.RefillAmount - 1) / s.RefillAmount
	readyAt := s.LastRefillMs + periods*s.RefillIntervalMs
	wait := readyAt - now.UnixMilli()
	if wait < 0 {
		wait = 0
	}
	return time.Duration(wait) * time.Millisecond
}

// fullRefillTime is how long an empty bucket takes to refill; 0 when it never refills
func fullRefillTime(cfg BucketConfiguration) time.Duration {
	if cfg.Refill.Amount <= 0 {
		return 0
	}
	periods := (cfg.Capacity + cfg.Refill.Amount - 1) / cfg.Refill.Amount
	return time.Duration(periods) * cfg.Refill.Interval
}
