package limiter

import (
	"context"
	"time"
)

// Store remote atomic store holding bucket state.
// Every method is a single round-trip; transport failures are ErrStoreUnavailable.
type Store interface {
	// Read returns the value under key; found is false when absent or expired
	Read(ctx context.Context, key string) (value []byte, found bool, err error)

	// CompareAndSwap writes value only if key currently holds expected.
	// A nil expected means the key must be absent. ttl <= 0 means no expiry.
	CompareAndSwap(ctx context.Context, key string, expected, value []byte, ttl time.Duration) (bool, error)

	// SetWithExpiry writes value unconditionally
	SetWithExpiry(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// KeysWithPrefix lists every live key starting with prefix (store key prefix excluded)
	KeysWithPrefix(ctx context.Context, prefix string) ([]string, error)

	// Ping checks reachability
	Ping(ctx context.Context) error

	// Close releases resources owned by the store
	Close() error
}

// StoreType storage type
type StoreType string

const (
	// StoreTypeMemory process-local storage
	StoreTypeMemory StoreType = "memory"

	// StoreTypeRedis Redis storage
	StoreTypeRedis StoreType = "redis"
)
