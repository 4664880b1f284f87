package telemetry

import (
	"context"
	"fmt"
	"os"
	"sort"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
)

// createResource service identity plus resource_attributes; values expand ${ENV}
func (m *Manager) createResource(ctx context.Context) (*resource.Resource, error) {
	extra := flattenMap(m.config.ResourceAttrs, "")
	keys := make([]string, 0, len(extra))
	for k := range extra {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	attrs := make([]attribute.KeyValue, 0, len(keys)+2)
	attrs = append(attrs,
		semconv.ServiceName(m.config.ServiceName),
		semconv.ServiceVersion(m.config.ServiceVersion),
	)
	for _, k := range keys {
		attrs = append(attrs, attribute.String(k, os.ExpandEnv(extra[k])))
	}

	return resource.New(ctx,
		resource.WithAttributes(attrs...),
		resource.WithHost(),
		resource.WithProcess(),
		resource.WithTelemetrySDK(),
	)
}

// flattenMap joins nested keys with ".": {"deployment": {"environment": "test"}} => deployment.environment
func flattenMap(m map[string]interface{}, prefix string) map[string]string {
	out := make(map[string]string, len(m))
	for k, v := range m {
		if prefix != "" {
			k = prefix + "." + k
		}
		if nested, ok := v.(map[string]interface{}); ok {
			for nk, nv := range flattenMap(nested, k) {
				out[nk] = nv
			}
			continue
		}
		out[k] = fmt.Sprint(v)
	}
	return out
}
