package limiter

import (
	"context"
	"time"

	"github.com/jonboulle/clockwork"
)

// FactoryConfig proxy construction parameters
type FactoryConfig struct {
	MaxCASAttempts int
	KeyTTL         time.Duration
	Clock          clockwork.Clock
}

// ProxyFactory builds proxies bound to one store
type ProxyFactory struct {
	store Store
	cfg   FactoryConfig
}

// NewProxyFactory 创建代理工厂
func NewProxyFactory(store Store, cfg FactoryConfig) *ProxyFactory {
	if cfg.MaxCASAttempts <= 0 {
		cfg.MaxCASAttempts = 32
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	return &ProxyFactory{store: store, cfg: cfg}
}

// Build returns a proxy for key. No I/O; the bucket is created lazily on first consume.
func (f *ProxyFactory) Build(key string, cfg BucketConfiguration) *BucketProxy {
	return &BucketProxy{
		key:            key,
		config:         cfg,
		store:          f.store,
		clock:          f.cfg.Clock,
		maxCASAttempts: f.cfg.MaxCASAttempts,
		keyTTL:         f.cfg.KeyTTL,
	}
}

// ExistingConfiguration returns the configuration stored under key; found is false when absent
func (f *ProxyFactory) ExistingConfiguration(ctx context.Context, key string) (BucketConfiguration, bool, error) {
	raw, found, err := f.store.Read(ctx, key)
	if err != nil || !found {
		return BucketConfiguration{}, false, err
	}
	st, err := decodeState(raw)
	if err != nil {
		return BucketConfiguration{}, false, err
	}
	return st.configuration(), true, nil
}
