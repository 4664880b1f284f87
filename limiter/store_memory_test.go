package limiter

import (
	"context"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStore_CompareAndSwap(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(nil)

	// absent expected
	ok, err := s.CompareAndSwap(ctx, "k", nil, []byte("v1"), 0)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.CompareAndSwap(ctx, "k", nil, []byte("v2"), 0)
	require.NoError(t, err)
	assert.False(t, ok, "key exists")

	ok, err = s.CompareAndSwap(ctx, "k", []byte("other"), []byte("v2"), 0)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = s.CompareAndSwap(ctx, "k", []byte("v1"), []byte("v2"), 0)
	require.NoError(t, err)
	assert.True(t, ok)

	val, found, err := s.Read(ctx, "k")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, []byte("v2"), val)

	ok, err = s.CompareAndSwap(ctx, "missing", []byte("v1"), []byte("v2"), 0)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMemoryStore_Expiry(t *testing.T) {
	ctx := context.Background()
	clock := clockwork.NewFakeClock()
	s := NewMemoryStore(clock)

	require.NoError(t, s.SetWithExpiry(ctx, "k", []byte("v"), time.Second))
	_, found, _ := s.Read(ctx, "k")
	assert.True(t, found)

	clock.Advance(time.Second)
	_, found, _ = s.Read(ctx, "k")
	assert.False(t, found)

	// expired key counts as absent for CAS
	require.NoError(t, s.SetWithExpiry(ctx, "k2", []byte("v"), time.Second))
	clock.Advance(2 * time.Second)
	ok, err := s.CompareAndSwap(ctx, "k2", nil, []byte("new"), 0)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestMemoryStore_KeysWithPrefix(t *testing.T) {
	ctx := context.Background()
	clock := clockwork.NewFakeClock()
	s := NewMemoryStore(clock)

	for _, k := range []string{"loginb", "login", "logina", "other"} {
		require.NoError(t, s.SetWithExpiry(ctx, k, []byte("v"), 0))
	}
	require.NoError(t, s.SetWithExpiry(ctx, "loginexpiring", []byte("v"), time.Second))
	clock.Advance(time.Second)

	keys, err := s.KeysWithPrefix(ctx, "login")
	require.NoError(t, err)
	assert.Equal(t, []string{"login", "logina", "loginb"}, keys)

	keys, err = s.KeysWithPrefix(ctx, "absent")
	require.NoError(t, err)
	assert.Empty(t, keys)
}

func TestMemoryStore_Closed(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(nil)
	require.NoError(t, s.Close())

	_, _, err := s.Read(ctx, "k")
	assert.ErrorIs(t, err, ErrStoreUnavailable)
	_, err = s.CompareAndSwap(ctx, "k", nil, []byte("v"), 0)
	assert.ErrorIs(t, err, ErrStoreUnavailable)
	assert.ErrorIs(t, s.Ping(ctx), ErrStoreUnavailable)
}
