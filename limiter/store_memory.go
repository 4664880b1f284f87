package limiter

import (
	"bytes"
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// MemoryStore process-local Store, for single-node deployments and tests
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]memoryEntry
	clock   clockwork.Clock
	closed  bool
}

type memoryEntry struct {
	value    []byte
	expireAt time.Time // zero: no expiry
}

// NewMemoryStore creates a memory store; nil clock uses the real clock
func NewMemoryStore(clock clockwork.Clock) *MemoryStore {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &MemoryStore{
		entries: make(map[string]memoryEntry),
		clock:   clock,
	}
}

// lookup returns a live entry, evicting it if expired. Caller holds mu.
func (s *MemoryStore) lookup(key string) (memoryEntry, bool) {
	entry, ok := s.entries[key]
	if !ok {
		return memoryEntry{}, false
	}
	if !entry.expireAt.IsZero() && !s.clock.Now().Before(entry.expireAt) {
		delete(s.entries, key)
		return memoryEntry{}, false
	}
	return entry, true
}

func (s *MemoryStore) checkOpen() error {
	if s.closed {
		return ErrStoreUnavailable.WithMsgf("memory store closed")
	}
	return nil
}

// Read implements Store
func (s *MemoryStore) Read(_ context.Context, key string) ([]byte, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen(); err != nil {
		return nil, false, err
	}

	entry, ok := s.lookup(key)
	if !ok {
		return nil, false, nil
	}
	return bytes.Clone(entry.value), true, nil
}

// CompareAndSwap implements Store
func (s *MemoryStore) CompareAndSwap(_ context.Context, key string, expected, value []byte, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen(); err != nil {
		return false, err
	}

	entry, ok := s.lookup(key)
	if expected == nil {
		if ok {
			return false, nil
		}
	} else if !ok || !bytes.Equal(entry.value, expected) {
		return false, nil
	}

	s.set(key, value, ttl)
	return true, nil
}

// SetWithExpiry implements Store
func (s *MemoryStore) SetWithExpiry(_ context.Context, key string, value []byte, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen(); err != nil {
		return err
	}
	s.set(key, value, ttl)
	return nil
}

func (s *MemoryStore) set(key string, value []byte, ttl time.Duration) {
	entry := memoryEntry{value: bytes.Clone(value)}
	if ttl > 0 {
		entry.expireAt = s.clock.Now().Add(ttl)
	}
	s.entries[key] = entry
}

// KeysWithPrefix implements Store
func (s *MemoryStore) KeysWithPrefix(_ context.Context, prefix string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	keys := make([]string, 0)
	for key := range s.entries {
		if !strings.HasPrefix(key, prefix) {
			continue
		}
		if _, ok := s.lookup(key); ok {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

// Ping implements Store
func (s *MemoryStore) Ping(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.checkOpen()
}

// Close marks the store closed; later calls fail with ErrStoreUnavailable
func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
