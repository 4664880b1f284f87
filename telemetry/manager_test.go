package telemetry

import (
	"bytes"
	"context"
	"testing"

	"github.com/KOMKZ/go-yogan-quota/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfig_Defaults(t *testing.T) {
	cfg := Config{Enabled: true}
	cfg.ApplyDefaults()

	assert.Equal(t, "quota", cfg.ServiceName)
	assert.Equal(t, ExporterNoop, cfg.Exporter.Type)
	assert.Equal(t, "parent_based_always_on", cfg.Sampler.Type)
	assert.NoError(t, cfg.Validate())

	cfg.Exporter.Type = "jaeger"
	assert.Error(t, cfg.Validate())

	cfg.Exporter.Type = ExporterNoop
	cfg.Sampler = SamplerConfig{Type: "trace_id_ratio", Ratio: 2}
	assert.Error(t, cfg.Validate())
}

func TestManager_Disabled(t *testing.T) {
	ctx := context.Background()
	m := NewManager(Config{}, logger.NewNop())
	require.NoError(t, m.Start(ctx))

	assert.False(t, m.IsEnabled())
	assert.NotNil(t, m.Tracer("t"))
	assert.NotNil(t, m.Meter("m"))
	assert.NoError(t, m.Shutdown(ctx))
}

func TestManager_Stdout(t *testing.T) {
	ctx := context.Background()
	var buf bytes.Buffer
	m := NewManager(Config{
		Enabled:  true,
		Exporter: ExporterConfig{Type: ExporterStdout},
		Sampler:  SamplerConfig{Type: "always_on"},
		Metrics:  MetricsConfig{Enabled: true},
	}, logger.NewNop(), WithWriter(&buf))
	require.NoError(t, m.Start(ctx))

	_, span := m.Tracer("quota-test").Start(ctx, "op")
	span.End()

	counter, err := m.Meter("quota-test").Int64Counter("test_total")
	require.NoError(t, err)
	counter.Add(ctx, 1)

	require.NoError(t, m.Shutdown(ctx))
	assert.Contains(t, buf.String(), `"Name":"op"`)
	assert.Contains(t, buf.String(), "test_total")
}

func TestManager_InvalidConfig(t *testing.T) {
	m := NewManager(Config{Enabled: true, Exporter: ExporterConfig{Type: "zipkin"}}, logger.NewNop())
	assert.Error(t, m.Start(context.Background()))
}

func TestFlattenMap(t *testing.T) {
	got := flattenMap(map[string]interface{}{
		"deployment": map[string]interface{}{"environment": "test"},
		"replicas":   3,
	}, "")
	assert.Equal(t, map[string]string{"deployment.environment": "test", "replicas": "3"}, got)
}
