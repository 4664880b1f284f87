package retry

import (
	"errors"
)

// RetryCondition decides whether a failed attempt is retried
type RetryCondition interface {
	// ShouldRetry attempt starts from 1
	ShouldRetry(err error, attempt int) bool
}

type alwaysRetry struct{}

// AlwaysRetry retries every error
func AlwaysRetry() RetryCondition {
	return &alwaysRetry{}
}

func (c *alwaysRetry) ShouldRetry(err error, attempt int) bool {
	return err != nil
}

type retryOnErrors struct {
	targets []error
}

// RetryOnErrors retries errors matching any target (errors.Is)
func RetryOnErrors(targets ...error) RetryCondition {
	return &retryOnErrors{targets: targets}
}

func (c *retryOnErrors) ShouldRetry(err error, attempt int) bool {
	if err == nil {
		return false
	}
	for _, target := range c.targets {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

type retryOnCondition struct {
	fn func(error) bool
}

// RetryOnCondition retries when fn returns true
func RetryOnCondition(fn func(error) bool) RetryCondition {
	return &retryOnCondition{fn: fn}
}

func (c *retryOnCondition) ShouldRetry(err error, attempt int) bool {
	if err == nil {
		return false
	}
	return c.fn(err)
}
