package di

import (
	"context"
	"fmt"
	"time"

	"github.com/KOMKZ/go-yogan-quota/config"
	"github.com/KOMKZ/go-yogan-quota/kafka"
	"github.com/KOMKZ/go-yogan-quota/limiter"
	"github.com/KOMKZ/go-yogan-quota/logger"
	"github.com/KOMKZ/go-yogan-quota/redis"
	"github.com/KOMKZ/go-yogan-quota/telemetry"
	"github.com/jonboulle/clockwork"
	"github.com/samber/do/v2"
)

// Options container options
type Options struct {
	ConfigFile   string // yaml/json/toml; a missing file leaves every section at its defaults
	EnvPrefix    string // default QUOTA
	LoggerModule string // default quota
	InstanceID   string // empty generates a uuid
	StartTimeout time.Duration

	// Clock overrides the limiter clock (tests)
	Clock clockwork.Clock
}

func (o *Options) applyDefaults() {
	if o.EnvPrefix == "" {
		o.EnvPrefix = "QUOTA"
	}
	if o.LoggerModule == "" {
		o.LoggerModule = "quota"
	}
	if o.StartTimeout == 0 {
		o.StartTimeout = 10 * time.Second
	}
}

func (o Options) startContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), o.StartTimeout)
}

// ============================================
// 基础组件 Provider（Config, Logger）
// ============================================

// ProvideConfigLoader 创建 config.Loader 的 Provider
func ProvideConfigLoader(opts Options) func(do.Injector) (*config.Loader, error) {
	return func(i do.Injector) (*config.Loader, error) {
		loader := config.NewLoader(
			config.WithFile(opts.ConfigFile),
			config.WithEnvPrefix(opts.EnvPrefix),
		)
		if err := loader.Load(); err != nil {
			return nil, err
		}
		return loader, nil
	}
}

// ProvideLogger installs the logger section globally and returns the module logger
func ProvideLogger(module string) func(do.Injector) (*logger.CtxZapLogger, error) {
	return func(i do.Injector) (*logger.CtxZapLogger, error) {
		loader, err := do.Invoke[*config.Loader](i)
		if err != nil {
			return nil, err
		}

		cfg := logger.DefaultManagerConfig()
		if err := unmarshalOptional(loader, "logger", &cfg); err != nil {
			return nil, err
		}
		if err := logger.Setup(cfg); err != nil {
			return nil, err
		}
		return logger.GetLogger(module), nil
	}
}

// ============================================
// 基础设施 Provider（Redis, Store, Telemetry）
// ============================================

// ProvideRedisManager connects every instance of the redis section
func ProvideRedisManager(opts Options) func(do.Injector) (*redis.Manager, error) {
	return func(i do.Injector) (*redis.Manager, error) {
		loader, err := do.Invoke[*config.Loader](i)
		if err != nil {
			return nil, err
		}
		log, err := do.Invoke[*logger.CtxZapLogger](i)
		if err != nil {
			return nil, err
		}

		var configs map[string]redis.Config
		if err := unmarshalOptional(loader, "redis", &configs); err != nil {
			return nil, err
		}
		if len(configs) == 0 {
			return nil, ErrComponentNotFound("redis")
		}

		ctx, cancel := opts.startContext()
		defer cancel()
		return redis.NewManager(ctx, configs, log)
	}
}

// ProvideStore builds the bucket store selected by limiter.store_type
func ProvideStore(opts Options) func(do.Injector) (limiter.Store, error) {
	return func(i do.Injector) (limiter.Store, error) {
		cfg, err := limiterConfig(i)
		if err != nil {
			return nil, err
		}

		switch cfg.StoreType {
		case limiter.StoreTypeMemory:
			return limiter.NewMemoryStore(opts.Clock), nil
		case limiter.StoreTypeRedis:
			mgr, err := do.Invoke[*redis.Manager](i)
			if err != nil {
				return nil, err
			}
			client := mgr.Client(cfg.RedisInstance)
			if client == nil {
				return nil, ErrComponentNotFound("redis instance: " + cfg.RedisInstance)
			}
			return limiter.NewRedisStore(client, cfg.KeyPrefix), nil
		default:
			return nil, fmt.Errorf("unsupported store type %q", cfg.StoreType)
		}
	}
}

// ProvideTelemetryManager starts the otel providers; disabled telemetry yields noop ones
func ProvideTelemetryManager(opts Options) func(do.Injector) (*telemetry.Manager, error) {
	return func(i do.Injector) (*telemetry.Manager, error) {
		loader, err := do.Invoke[*config.Loader](i)
		if err != nil {
			return nil, err
		}
		log, err := do.Invoke[*logger.CtxZapLogger](i)
		if err != nil {
			return nil, err
		}

		var cfg telemetry.Config
		if err := unmarshalOptional(loader, "telemetry", &cfg); err != nil {
			return nil, err
		}

		mgr := telemetry.NewManager(cfg, log)
		ctx, cancel := opts.startContext()
		defer cancel()
		if err := mgr.Start(ctx); err != nil {
			return nil, err
		}
		return mgr, nil
	}
}

// ============================================
// 业务组件 Provider（Kafka, Coordinator）
// ============================================

// ProvidePublisher dials the change producer; only invoked when kafka is enabled
func ProvidePublisher(i do.Injector) (*kafka.Publisher, error) {
	cfg, err := kafkaConfig(i)
	if err != nil {
		return nil, err
	}
	if !cfg.Enabled {
		return nil, ErrComponentNotFound("kafka")
	}
	log, err := do.Invoke[*logger.CtxZapLogger](i)
	if err != nil {
		return nil, err
	}
	instanceID, err := do.InvokeNamed[string](i, InstanceIDKey)
	if err != nil {
		return nil, err
	}
	return kafka.DialPublisher(cfg, instanceID, log)
}

// ProvideCoordinator builds the coordinator on the configured store
func ProvideCoordinator(opts Options) func(do.Injector) (*limiter.Coordinator, error) {
	return func(i do.Injector) (*limiter.Coordinator, error) {
		cfg, err := limiterConfig(i)
		if err != nil {
			return nil, err
		}
		store, err := do.Invoke[limiter.Store](i)
		if err != nil {
			return nil, err
		}
		log, err := do.Invoke[*logger.CtxZapLogger](i)
		if err != nil {
			return nil, err
		}
		tm, err := do.Invoke[*telemetry.Manager](i)
		if err != nil {
			return nil, err
		}

		coordOpts := []limiter.Option{
			limiter.WithLogger(log),
			limiter.WithMeter(tm.Meter("quota")),
			limiter.WithTracer(tm.Tracer("quota")),
		}
		if opts.Clock != nil {
			coordOpts = append(coordOpts, limiter.WithClock(opts.Clock))
		}

		kcfg, err := kafkaConfig(i)
		if err != nil {
			return nil, err
		}
		if kcfg.Enabled {
			pub, err := do.Invoke[*kafka.Publisher](i)
			if err != nil {
				return nil, err
			}
			coordOpts = append(coordOpts, limiter.WithNotifier(pub))
		}

		ctx, cancel := opts.startContext()
		defer cancel()
		return limiter.NewCoordinator(ctx, store, cfg, coordOpts...)
	}
}

// ProvideSubscriber joins the change topic and applies peer updates to the coordinator.
// The returned subscriber is not started.
func ProvideSubscriber(i do.Injector) (*kafka.Subscriber, error) {
	cfg, err := kafkaConfig(i)
	if err != nil {
		return nil, err
	}
	if !cfg.Enabled {
		return nil, ErrComponentNotFound("kafka")
	}
	coord, err := do.Invoke[*limiter.Coordinator](i)
	if err != nil {
		return nil, err
	}
	log, err := do.Invoke[*logger.CtxZapLogger](i)
	if err != nil {
		return nil, err
	}
	instanceID, err := do.InvokeNamed[string](i, InstanceIDKey)
	if err != nil {
		return nil, err
	}
	return kafka.DialSubscriber(cfg, instanceID, coord, log)
}

// KafkaEnabled reports whether the kafka section enables the change broadcast
func KafkaEnabled(i do.Injector) (bool, error) {
	cfg, err := kafkaConfig(i)
	if err != nil {
		return false, err
	}
	return cfg.Enabled, nil
}

func limiterConfig(i do.Injector) (limiter.Config, error) {
	loader, err := do.Invoke[*config.Loader](i)
	if err != nil {
		return limiter.Config{}, err
	}
	var cfg limiter.Config
	if err := unmarshalOptional(loader, "limiter", &cfg); err != nil {
		return limiter.Config{}, err
	}
	cfg.ApplyDefaults()
	return cfg, nil
}

func kafkaConfig(i do.Injector) (kafka.Config, error) {
	loader, err := do.Invoke[*config.Loader](i)
	if err != nil {
		return kafka.Config{}, err
	}
	var cfg kafka.Config
	if err := unmarshalOptional(loader, "kafka", &cfg); err != nil {
		return kafka.Config{}, err
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return kafka.Config{}, fmt.Errorf("invalid kafka config: %w", err)
	}
	return cfg, nil
}

// unmarshalOptional decodes key into out when present, leaving out untouched otherwise
func unmarshalOptional(loader *config.Loader, key string, out interface{}) error {
	if !loader.IsSet(key) {
		return nil
	}
	return loader.Unmarshal(key, out)
}
