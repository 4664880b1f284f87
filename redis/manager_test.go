package redis

import (
	"context"
	"testing"
	"time"

	"github.com/KOMKZ/go-yogan-quota/logger"
	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfig_ApplyDefaults(t *testing.T) {
	cfg := Config{Addr: "localhost:6379"}
	cfg.ApplyDefaults()

	assert.Equal(t, "standalone", cfg.Mode)
	assert.Equal(t, []string{"localhost:6379"}, cfg.Addrs)
	assert.Equal(t, 10, cfg.PoolSize)
	assert.Equal(t, 5*time.Second, cfg.DialTimeout)
	assert.NoError(t, cfg.Validate())
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
	}{
		{"bad mode", Config{Mode: "sentinel", Addrs: []string{"a:1"}}},
		{"no addrs", Config{Mode: "standalone"}},
		{"bad db", Config{Mode: "standalone", Addrs: []string{"a:1"}, DB: 16}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Error(t, tt.cfg.Validate())
		})
	}
}

func TestNewManager_NilLogger(t *testing.T) {
	_, err := NewManager(context.Background(), nil, nil)
	assert.Error(t, err)
}

func TestNewManager_Miniredis(t *testing.T) {
	mr := miniredis.RunT(t)

	m, err := NewManager(context.Background(), map[string]Config{
		"main": {Addr: mr.Addr()},
	}, logger.NewNop())
	require.NoError(t, err)
	defer m.Close()

	require.NotNil(t, m.Client("main"))
	assert.Nil(t, m.Client("absent"))
	assert.Equal(t, []string{"main"}, m.InstanceNames())
	assert.NoError(t, m.Ping(context.Background()))

	require.NoError(t, m.Client("main").Set(context.Background(), "k", "v", 0).Err())
	got, err := mr.Get("k")
	require.NoError(t, err)
	assert.Equal(t, "v", got)
}

func TestNewManager_Unreachable(t *testing.T) {
	mr := miniredis.RunT(t)
	addr := mr.Addr()
	mr.Close()

	_, err := NewManager(context.Background(), map[string]Config{
		"main": {Addr: addr, MaxRetries: -1, DialTimeout: 100 * time.Millisecond},
	}, logger.NewNop())
	assert.Error(t, err)
}

func TestManager_HealthCheck(t *testing.T) {
	mr := miniredis.RunT(t)

	m, err := NewManager(context.Background(), map[string]Config{
		"main": {Addr: mr.Addr(), MaxRetries: -1, ReadTimeout: 200 * time.Millisecond},
	}, logger.NewNop())
	require.NoError(t, err)
	defer m.Shutdown()

	assert.NoError(t, m.HealthCheck())

	mr.Close()
	assert.Error(t, m.HealthCheck())
}
