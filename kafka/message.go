// Package kafka broadcasts rate limit changes between server instances.
//
// The instance that runs Update reconciles the shared store and publishes a
// RateLimitChanged message; every other instance applies it to its
// process-local registry only.
package kafka

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/KOMKZ/go-yogan-quota/limiter"
)

// Header keys
const (
	HeaderContentType = "content-type"
	HeaderInstanceID  = "x-quota-instance"
)

// RateLimitChanged wire message, JSON encoded
type RateLimitChanged struct {
	InstanceID       string `json:"instance_id"`
	Identifier       string `json:"identifier"`
	Limit            int64  `json:"limit"`
	RefillAmount     int64  `json:"refill_amount"`
	RefillIntervalMs int64  `json:"refill_interval_ms"`
	IssuedAt         int64  `json:"issued_at"` // unix millis
}

// NewRateLimitChanged builds the message for rl issued by instanceID
func NewRateLimitChanged(instanceID string, rl limiter.RateLimit, at time.Time) RateLimitChanged {
	return RateLimitChanged{
		InstanceID:       instanceID,
		Identifier:       rl.Identifier,
		Limit:            rl.Limit,
		RefillAmount:     rl.RefillAmount,
		RefillIntervalMs: rl.RefillInterval.Milliseconds(),
		IssuedAt:         at.UnixMilli(),
	}
}

// RateLimit converts the message back
func (m RateLimitChanged) RateLimit() limiter.RateLimit {
	return limiter.RateLimit{
		Identifier:     m.Identifier,
		Limit:          m.Limit,
		RefillAmount:   m.RefillAmount,
		RefillInterval: time.Duration(m.RefillIntervalMs) * time.Millisecond,
	}
}

func decodeRateLimitChanged(data []byte) (RateLimitChanged, error) {
	var m RateLimitChanged
	if err := json.Unmarshal(data, &m); err != nil {
		return RateLimitChanged{}, fmt.Errorf("unmarshal rate limit change failed: %w", err)
	}
	if m.Identifier == "" {
		return RateLimitChanged{}, fmt.Errorf("rate limit change without identifier")
	}
	return m, nil
}
