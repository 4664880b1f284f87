package limiter

import "sort"

// Registry maps an identifier to its current bucket configuration.
// Not safe for concurrent use; the Coordinator serializes access.
type Registry struct {
	entries map[string]BucketConfiguration
}

// NewRegistry 创建空注册表
func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]BucketConfiguration)}
}

// Get returns the configuration registered for identifier
func (r *Registry) Get(identifier string) (BucketConfiguration, bool) {
	cfg, ok := r.entries[identifier]
	return cfg, ok
}

// Put replaces the configuration (last writer wins)
func (r *Registry) Put(identifier string, cfg BucketConfiguration) {
	r.entries[identifier] = cfg
}

// Identifiers returns registered identifiers, sorted
func (r *Registry) Identifiers() []string {
	ids := make([]string, 0, len(r.entries))
	for id := range r.entries {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
