package di

import (
	"path/filepath"
	"testing"

	"github.com/KOMKZ/go-yogan-quota/config"
	"github.com/KOMKZ/go-yogan-quota/limiter"
	"github.com/KOMKZ/go-yogan-quota/redis"
	"github.com/KOMKZ/go-yogan-quota/testutil"
	"github.com/alicebob/miniredis/v2"
	"github.com/samber/do/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newInjector(t *testing.T, content string, opts Options) *do.RootScope {
	t.Helper()
	if content != "" {
		opts.ConfigFile = testutil.WriteConfig(t, content)
	}
	if opts.EnvPrefix == "" {
		opts.EnvPrefix = "QUOTA_DI_TEST"
	}
	injector := New()
	RegisterProviders(injector, opts)
	t.Cleanup(func() { injector.Shutdown() })
	return injector
}

func TestRegisterProviders_InstanceID(t *testing.T) {
	injector := newInjector(t, "", Options{InstanceID: "node-1"})
	id, err := do.InvokeNamed[string](injector, InstanceIDKey)
	require.NoError(t, err)
	assert.Equal(t, "node-1", id)

	generated := newInjector(t, "", Options{})
	id, err = do.InvokeNamed[string](generated, InstanceIDKey)
	require.NoError(t, err)
	assert.Len(t, id, 36)
}

func TestProvideConfigLoader_MissingFile(t *testing.T) {
	injector := newInjector(t, "", Options{ConfigFile: filepath.Join(t.TempDir(), "absent.yaml")})
	loader, err := do.Invoke[*config.Loader](injector)
	require.NoError(t, err)
	assert.Empty(t, loader.LoadedFiles())
}

func TestProvideStore_Memory(t *testing.T) {
	injector := newInjector(t, "limiter:\n  store_type: memory\n", Options{})
	store, err := do.Invoke[limiter.Store](injector)
	require.NoError(t, err)
	assert.IsType(t, &limiter.MemoryStore{}, store)
}

func TestProvideStore_Redis(t *testing.T) {
	mr := miniredis.RunT(t)
	content := "redis:\n  cache:\n    addr: " + mr.Addr() + "\nlimiter:\n  store_type: redis\n  redis_instance: cache\n"
	injector := newInjector(t, content, Options{})

	store, err := do.Invoke[limiter.Store](injector)
	require.NoError(t, err)
	assert.IsType(t, &limiter.RedisStore{}, store)

	mgr, err := do.Invoke[*redis.Manager](injector)
	require.NoError(t, err)
	assert.Equal(t, []string{"cache"}, mgr.InstanceNames())
}

func TestProvideStore_UnknownRedisInstance(t *testing.T) {
	mr := miniredis.RunT(t)
	content := "redis:\n  cache:\n    addr: " + mr.Addr() + "\nlimiter:\n  store_type: redis\n  redis_instance: main\n"
	injector := newInjector(t, content, Options{})

	_, err := do.Invoke[limiter.Store](injector)
	assert.Error(t, err)
}

func TestProvideRedisManager_NotConfigured(t *testing.T) {
	injector := newInjector(t, "limiter:\n  store_type: redis\n", Options{})
	_, err := do.Invoke[*redis.Manager](injector)
	assert.Error(t, err)
}

func TestProvideCoordinator(t *testing.T) {
	content := "logger:\n  level: error\nlimiter:\n  store_type: memory\n"
	injector := newInjector(t, content, Options{})

	coord, err := do.Invoke[*limiter.Coordinator](injector)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{limiter.IdentifierLogin, limiter.IdentifierTestDatasource}, coord.Identifiers())
	assert.NoError(t, coord.HealthCheck())
}

func TestKafkaEnabled(t *testing.T) {
	injector := newInjector(t, "limiter:\n  store_type: memory\n", Options{})
	enabled, err := KafkaEnabled(injector)
	require.NoError(t, err)
	assert.False(t, enabled)

	_, err = do.Invoke[*limiter.Coordinator](injector)
	require.NoError(t, err)

	// publisher is never requested while kafka is disabled
	_, err = ProvidePublisher(injector)
	assert.Error(t, err)

	invalid := newInjector(t, "kafka:\n  enabled: true\n", Options{})
	_, err = KafkaEnabled(invalid)
	assert.Error(t, err)
}

func TestComponentNotFoundError(t *testing.T) {
	err := ErrComponentNotFound("kafka")
	assert.EqualError(t, err, "component not found: kafka")
}
