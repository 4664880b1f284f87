package limiter

import (
	"sort"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
)

// FailurePolicy decides a check when the store cannot be reached
type FailurePolicy string

const (
	// FailOpen admit requests while the store is down
	FailOpen FailurePolicy = "open"

	// FailClosed deny requests while the store is down
	FailClosed FailurePolicy = "closed"
)

// Config limiter configuration (section "limiter")
type Config struct {
	// KeyPrefix namespaces every bucket key in the store
	KeyPrefix string `mapstructure:"key_prefix"`

	// StoreType memory / redis
	StoreType StoreType `mapstructure:"store_type"`

	// RedisInstance instance name in the redis section
	RedisInstance string `mapstructure:"redis_instance"`

	// KeyTTL bucket expiry; 0 derives it from the refill rate
	KeyTTL time.Duration `mapstructure:"key_ttl"`

	CheckTimeout   time.Duration `mapstructure:"check_timeout"`    // default 250ms
	FailurePolicy  FailurePolicy `mapstructure:"failure_policy"`   // default open
	MaxCASAttempts int           `mapstructure:"max_cas_attempts"` // default 32

	Retry RetryConfig `mapstructure:"retry"`

	ReconcileWorkers int `mapstructure:"reconcile_workers"` // default 8
	EventBusBuffer   int `mapstructure:"event_bus_buffer"`  // default 256

	// Defaults overrides or extends the preset identifiers
	Defaults map[string]RateLimitConfig `mapstructure:"defaults"`
}

// RetryConfig store retry settings for admission checks
type RetryConfig struct {
	MaxAttempts int           `mapstructure:"max_attempts"`
	BaseDelay   time.Duration `mapstructure:"base_delay"`
}

// RateLimitConfig one entry of Config.Defaults
type RateLimitConfig struct {
	Limit int64 `mapstructure:"limit"`
	// RefillAmount nil means refill the whole limit
	RefillAmount   *int64        `mapstructure:"refill_amount"`
	RefillInterval time.Duration `mapstructure:"refill_interval"`
}

// DefaultConfig 默认配置
func DefaultConfig() Config {
	cfg := Config{}
	cfg.ApplyDefaults()
	return cfg
}

// ApplyDefaults fills zero values
func (c *Config) ApplyDefaults() {
	if c.KeyPrefix == "" {
		c.KeyPrefix = "quota:"
	}
	if c.StoreType == "" {
		c.StoreType = StoreTypeRedis
	}
	if c.RedisInstance == "" {
		c.RedisInstance = "main"
	}
	if c.CheckTimeout == 0 {
		c.CheckTimeout = 250 * time.Millisecond
	}
	if c.FailurePolicy == "" {
		c.FailurePolicy = FailOpen
	}
	if c.MaxCASAttempts == 0 {
		c.MaxCASAttempts = 32
	}
	if c.Retry.MaxAttempts == 0 {
		c.Retry.MaxAttempts = 3
	}
	if c.Retry.BaseDelay == 0 {
		c.Retry.BaseDelay = 10 * time.Millisecond
	}
	if c.ReconcileWorkers == 0 {
		c.ReconcileWorkers = 8
	}
	if c.EventBusBuffer == 0 {
		c.EventBusBuffer = 256
	}
}

// Validate 校验配置
func (c Config) Validate() error {
	err := validation.ValidateStruct(&c,
		validation.Field(&c.StoreType, validation.Required, validation.In(StoreTypeMemory, StoreTypeRedis)),
		validation.Field(&c.RedisInstance, validation.When(c.StoreType == StoreTypeRedis, validation.Required)),
		validation.Field(&c.KeyTTL, validation.Min(time.Duration(0))),
		validation.Field(&c.CheckTimeout, validation.Required, validation.Min(time.Millisecond)),
		validation.Field(&c.FailurePolicy, validation.Required, validation.In(FailOpen, FailClosed)),
		validation.Field(&c.MaxCASAttempts, validation.Required, validation.Min(1)),
		validation.Field(&c.Retry),
		validation.Field(&c.ReconcileWorkers, validation.Required, validation.Min(1)),
		validation.Field(&c.EventBusBuffer, validation.Required, validation.Min(1)),
	)
	if err != nil {
		return err
	}

	for _, rl := range c.RateLimits() {
		if err := rl.Validate(); err != nil {
			return validation.Errors{"defaults." + rl.Identifier: err}
		}
	}
	return nil
}

// Validate 校验重试配置
func (r RetryConfig) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.MaxAttempts, validation.Required, validation.Min(1)),
		validation.Field(&r.BaseDelay, validation.Min(time.Duration(0))),
	)
}

// rateLimit converts a config entry into a RateLimit
func (rc RateLimitConfig) rateLimit(identifier string) RateLimit {
	rl := NewRateLimit(identifier, rc.Limit, rc.RefillInterval)
	if rc.RefillAmount != nil {
		rl.RefillAmount = *rc.RefillAmount
	}
	return rl
}

// RateLimits presets merged with the Defaults overrides, sorted by identifier
func (c Config) RateLimits() []RateLimit {
	merged := make(map[string]RateLimit)
	for _, rl := range DefaultRateLimits() {
		merged[rl.Identifier] = rl
	}
	for id, rc := range c.Defaults {
		merged[id] = rc.rateLimit(id)
	}

	out := make([]RateLimit, 0, len(merged))
	for _, rl := range merged {
		out = append(out, rl)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Identifier < out[j].Identifier })
	return out
}
