package retry

import "time"

const (
	defaultMaxAttempts = 3
	defaultBaseDelay   = 100 * time.Millisecond
)

// settings of one Do / DoWithData run
type settings struct {
	maxAttempts int
	backoff     BackoffStrategy
	condition   RetryCondition
	onRetry     func(attempt int, err error)
	timeout     time.Duration // per attempt, 0 inherits the caller's deadline only
}

func newSettings(opts []Option) settings {
	s := settings{
		maxAttempts: defaultMaxAttempts,
		backoff:     ExponentialBackoff(defaultBaseDelay),
		condition:   AlwaysRetry(),
	}
	for _, opt := range opts {
		opt(&s)
	}
	return s
}

// Option tunes a retry run; invalid values keep the default
type Option func(*settings)

// MaxAttempts total attempts including the first
func MaxAttempts(n int) Option {
	return func(s *settings) {
		if n > 0 {
			s.maxAttempts = n
		}
	}
}

// Backoff delay between attempts
func Backoff(b BackoffStrategy) Option {
	return func(s *settings) {
		if b != nil {
			s.backoff = b
		}
	}
}

// Condition decides whether an error is worth another attempt
func Condition(cond RetryCondition) Option {
	return func(s *settings) {
		if cond != nil {
			s.condition = cond
		}
	}
}

// OnRetry is called before sleeping for the next attempt
func OnRetry(f func(attempt int, err error)) Option {
	return func(s *settings) {
		s.onRetry = f
	}
}

// Timeout bounds each attempt
func Timeout(d time.Duration) Option {
	return func(s *settings) {
		if d > 0 {
			s.timeout = d
		}
	}
}
