package limiter

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRateLimit_Validate(t *testing.T) {
	ok := NewRateLimit("api", 5, time.Second)
	require.NoError(t, ok.Validate())

	zeroRefill := ok
	zeroRefill.RefillAmount = 0
	assert.NoError(t, zeroRefill.Validate())

	tests := []struct {
		name string
		rl   RateLimit
	}{
		{"no identifier", RateLimit{Limit: 1, RefillInterval: time.Second}},
		{"zero limit", RateLimit{Identifier: "a", RefillInterval: time.Second}},
		{"negative limit", RateLimit{Identifier: "a", Limit: -1, RefillInterval: time.Second}},
		{"refill above limit", RateLimit{Identifier: "a", Limit: 2, RefillAmount: 3, RefillInterval: time.Second}},
		{"negative refill", RateLimit{Identifier: "a", Limit: 2, RefillAmount: -1, RefillInterval: time.Second}},
		{"no interval", RateLimit{Identifier: "a", Limit: 2}},
		{"sub millisecond interval", RateLimit{Identifier: "a", Limit: 2, RefillInterval: time.Microsecond}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Error(t, tt.rl.Validate())
		})
	}
}

func TestRateLimit_Configuration(t *testing.T) {
	rl := RateLimit{Identifier: "a", Limit: 10, RefillAmount: 2, RefillInterval: time.Minute}
	assert.Equal(t, BucketConfiguration{Capacity: 10, Refill: Refill{Amount: 2, Interval: time.Minute}}, rl.Configuration())
	assert.Equal(t, rl.Configuration(), rl.Configuration())
}

func TestBucketKey(t *testing.T) {
	assert.Equal(t, "login", BucketKey("login", ""))
	assert.Equal(t, "loginuser-1", BucketKey("login", "user-1"))
}

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	_, ok := r.Get("a")
	assert.False(t, ok)

	r.Put("b", BucketConfiguration{Capacity: 1})
	r.Put("a", BucketConfiguration{Capacity: 2})
	r.Put("a", BucketConfiguration{Capacity: 3})

	cfg, ok := r.Get("a")
	require.True(t, ok)
	assert.Equal(t, int64(3), cfg.Capacity)
	assert.Equal(t, []string{"a", "b"}, r.Identifiers())
}

func TestDefaultRateLimits(t *testing.T) {
	for _, rl := range DefaultRateLimits() {
		assert.NoError(t, rl.Validate(), rl.Identifier)
	}
}
