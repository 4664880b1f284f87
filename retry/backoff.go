package retry

import (
	"math"
	"math/rand"
	"time"
)

// BackoffStrategy delay before retry number attempt (1-based)
type BackoffStrategy interface {
	Next(attempt int) time.Duration
}

// BackoffFunc adapts a function to BackoffStrategy
type BackoffFunc func(attempt int) time.Duration

// Next implements BackoffStrategy
func (f BackoffFunc) Next(attempt int) time.Duration {
	if attempt <= 0 {
		return 0
	}
	return f(attempt)
}

// BackoffOption 指数退避选项
type BackoffOption func(*exponential)

type exponential struct {
	base       time.Duration
	multiplier float64       // 2
	maxDelay   time.Duration // 5s
	jitter     float64       // ±20%
}

// WithMultiplier growth factor per attempt
func WithMultiplier(m float64) BackoffOption {
	return func(e *exponential) {
		if m > 0 {
			e.multiplier = m
		}
	}
}

// WithMaxDelay caps the delay before jitter
func WithMaxDelay(d time.Duration) BackoffOption {
	return func(e *exponential) {
		if d > 0 {
			e.maxDelay = d
		}
	}
}

// WithJitter 抖动比例 0.0 - 1.0
func WithJitter(ratio float64) BackoffOption {
	return func(e *exponential) {
		if ratio >= 0 && ratio <= 1 {
			e.jitter = ratio
		}
	}
}

// ExponentialBackoff base * multiplier^(attempt-1), capped, then jittered
func ExponentialBackoff(base time.Duration, opts ...BackoffOption) BackoffStrategy {
	e := &exponential{base: base, multiplier: 2, maxDelay: 5 * time.Second, jitter: 0.2}
	for _, opt := range opts {
		opt(e)
	}
	return BackoffFunc(e.next)
}

func (e *exponential) next(attempt int) time.Duration {
	delay := math.Min(float64(e.base)*math.Pow(e.multiplier, float64(attempt-1)), float64(e.maxDelay))
	if e.jitter > 0 {
		spread := delay * e.jitter
		delay += (rand.Float64()*2 - 1) * spread
	}
	return time.Duration(delay)
}

// ConstantBackoff 固定延迟
func ConstantBackoff(delay time.Duration) BackoffStrategy {
	return BackoffFunc(func(int) time.Duration { return delay })
}
