package limiter

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// casScript compares the current value with ARGV[2] (ARGV[1]=1) or requires absence (ARGV[1]=0),
// then sets ARGV[3] with an optional PX ttl of ARGV[4]
var casScript = redis.NewScript(`
local current = redis.call('GET', KEYS[1])
if ARGV[1] == '1' then
  if current ~= ARGV[2] then
    return 0
  end
elseif current then
  return 0
end
local ttl = tonumber(ARGV[4])
if ttl > 0 then
  redis.call('SET', KEYS[1], ARGV[3], 'PX', ttl)
else
  redis.call('SET', KEYS[1], ARGV[3])
end
return 1
`)

// RedisStore Store over go-redis (standalone or cluster)
type RedisStore struct {
	client    redis.UniversalClient
	keyPrefix string
	scanCount int64
}

// NewRedisStore creates a Redis store. The client is owned by the caller (redis.Manager).
func NewRedisStore(client redis.UniversalClient, keyPrefix string) *RedisStore {
	if keyPrefix == "" {
		keyPrefix = "quota:"
	}
	return &RedisStore{
		client:    client,
		keyPrefix: keyPrefix,
		scanCount: 500,
	}
}

func (s *RedisStore) buildKey(key string) string {
	return s.keyPrefix + key
}

func unavailable(err error) error {
	return ErrStoreUnavailable.Wrap(err)
}

// Read implements Store
func (s *RedisStore) Read(ctx context.Context, key string) ([]byte, bool, error) {
	val, err := s.client.Get(ctx, s.buildKey(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, unavailable(err)
	}
	return val, true, nil
}

// CompareAndSwap implements Store
func (s *RedisStore) CompareAndSwap(ctx context.Context, key string, expected, value []byte, ttl time.Duration) (bool, error) {
	hasExpected := "0"
	if expected != nil {
		hasExpected = "1"
	}
	var ttlMs int64
	if ttl > 0 {
		ttlMs = ttl.Milliseconds()
		if ttlMs == 0 {
			ttlMs = 1
		}
	}

	swapped, err := casScript.Run(ctx, s.client, []string{s.buildKey(key)},
		hasExpected, expected, value, ttlMs).Int64()
	if err != nil {
		return false, unavailable(err)
	}
	return swapped == 1, nil
}

// SetWithExpiry implements Store
func (s *RedisStore) SetWithExpiry(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl < 0 {
		ttl = 0
	}
	if err := s.client.Set(ctx, s.buildKey(key), value, ttl).Err(); err != nil {
		return unavailable(err)
	}
	return nil
}

// KeysWithPrefix implements Store. Cluster clients scan every master.
func (s *RedisStore) KeysWithPrefix(ctx context.Context, prefix string) ([]string, error) {
	pattern := escapeGlob(s.buildKey(prefix)) + "*"

	var (
		mu   sync.Mutex
		seen = make(map[string]struct{})
	)
	scan := func(ctx context.Context, node redis.Cmdable) error {
		var cursor uint64
		for {
			keys, next, err := node.Scan(ctx, cursor, pattern, s.scanCount).Result()
			if err != nil {
				return err
			}
			mu.Lock()
			for _, k := range keys {
				seen[strings.TrimPrefix(k, s.keyPrefix)] = struct{}{}
			}
			mu.Unlock()
			if next == 0 {
				return nil
			}
			cursor = next
		}
	}

	var err error
	if cluster, ok := s.client.(*redis.ClusterClient); ok {
		err = cluster.ForEachMaster(ctx, func(ctx context.Context, node *redis.Client) error {
			return scan(ctx, node)
		})
	} else {
		err = scan(ctx, s.client)
	}
	if err != nil {
		return nil, unavailable(err)
	}

	keys := make([]string, 0, len(seen))
	for k := range seen {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys, nil
}

// Ping implements Store
func (s *RedisStore) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return unavailable(err)
	}
	return nil
}

// Close does nothing, the client belongs to redis.Manager
func (s *RedisStore) Close() error {
	return nil
}

// escapeGlob escapes Redis MATCH metacharacters
func escapeGlob(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		switch r {
		case '*', '?', '[', ']', '\\':
			b.WriteRune('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}
