// Package telemetry builds the OpenTelemetry tracer and meter providers.
package telemetry

import (
	"fmt"
	"time"
)

// Exporter types
const (
	ExporterOTLP   = "otlp"
	ExporterStdout = "stdout"
	ExporterNoop   = "noop"
)

// Config OpenTelemetry configuration (section "telemetry")
type Config struct {
	Enabled        bool                   `mapstructure:"enabled"`
	ServiceName    string                 `mapstructure:"service_name"`
	ServiceVersion string                 `mapstructure:"service_version"`
	Exporter       ExporterConfig         `mapstructure:"exporter"`
	Sampler        SamplerConfig          `mapstructure:"sampler"`
	ResourceAttrs  map[string]interface{} `mapstructure:"resource_attributes"` // nested maps are flattened with "."
	Metrics        MetricsConfig          `mapstructure:"metrics"`
}

// ExporterConfig exporter configuration
type ExporterConfig struct {
	Type     string            `mapstructure:"type"`     // otlp, stdout, noop
	Endpoint string            `mapstructure:"endpoint"` // otlp grpc endpoint
	Insecure bool              `mapstructure:"insecure"`
	Timeout  time.Duration     `mapstructure:"timeout"`
	Headers  map[string]string `mapstructure:"headers"` // e.g. authentication
}

// SamplerConfig sampling configuration
type SamplerConfig struct {
	Type  string  `mapstructure:"type"`  // always_on, always_off, trace_id_ratio, parent_based_always_on
	Ratio float64 `mapstructure:"ratio"` // trace_id_ratio only
}

// MetricsConfig metric export
type MetricsConfig struct {
	Enabled        bool          `mapstructure:"enabled"`
	ExportInterval time.Duration `mapstructure:"export_interval"`
	ExportTimeout  time.Duration `mapstructure:"export_timeout"`
}

// ApplyDefaults fills zero values
func (c *Config) ApplyDefaults() {
	if c.ServiceName == "" {
		c.ServiceName = "quota"
	}
	if c.Exporter.Type == "" {
		c.Exporter.Type = ExporterNoop
	}
	if c.Exporter.Endpoint == "" {
		c.Exporter.Endpoint = "localhost:4317"
	}
	if c.Exporter.Timeout == 0 {
		c.Exporter.Timeout = 10 * time.Second
	}
	if c.Sampler.Type == "" {
		c.Sampler.Type = "parent_based_always_on"
	}
	if c.Metrics.ExportInterval == 0 {
		c.Metrics.ExportInterval = 15 * time.Second
	}
	if c.Metrics.ExportTimeout == 0 {
		c.Metrics.ExportTimeout = 5 * time.Second
	}
}

// Validate configuration
func (c *Config) Validate() error {
	if !c.Enabled {
		return nil
	}
	if c.ServiceName == "" {
		return fmt.Errorf("service_name cannot be empty")
	}
	switch c.Exporter.Type {
	case ExporterOTLP, ExporterStdout, ExporterNoop:
	default:
		return fmt.Errorf("unsupported exporter type: %s", c.Exporter.Type)
	}
	switch c.Sampler.Type {
	case "always_on", "always_off", "parent_based_always_on":
	case "trace_id_ratio":
		if c.Sampler.Ratio < 0 || c.Sampler.Ratio > 1 {
			return fmt.Errorf("sampler ratio must be between 0 and 1, got: %v", c.Sampler.Ratio)
		}
	default:
		return fmt.Errorf("unsupported sampler type: %s", c.Sampler.Type)
	}
	return nil
}
