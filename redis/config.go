package redis

import (
	"fmt"
	"time"
)

// Config Redis instance configuration
type Config struct {
	// Mode: "standalone" or "cluster"
	Mode string `mapstructure:"mode"`

	// Addrs standalone uses the first address, cluster uses all
	Addrs []string `mapstructure:"addrs"`

	// Addr single address (backward compatibility, prefer Addrs)
	Addr string `mapstructure:"addr"`

	Password string `mapstructure:"password"`

	// DB 0-15, standalone only
	DB int `mapstructure:"db"`

	PoolSize     int           `mapstructure:"pool_size"`      // default 10
	MinIdleConns int           `mapstructure:"min_idle_conns"` // default 2
	MaxRetries   int           `mapstructure:"max_retries"`    // default 3
	DialTimeout  time.Duration `mapstructure:"dial_timeout"`   // default 5s
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`   // default 3s
	WriteTimeout time.Duration `mapstructure:"write_timeout"`  // default 3s
}

// ApplyDefaults fills zero values
func (c *Config) ApplyDefaults() {
	if c.Mode == "" {
		c.Mode = "standalone"
	}
	if c.Addr != "" && len(c.Addrs) == 0 {
		c.Addrs = []string{c.Addr}
	}
	if c.PoolSize == 0 {
		c.PoolSize = 10
	}
	if c.MinIdleConns == 0 {
		c.MinIdleConns = 2
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = 3
	}
	if c.DialTimeout == 0 {
		c.DialTimeout = 5 * time.Second
	}
	if c.ReadTimeout == 0 {
		c.ReadTimeout = 3 * time.Second
	}
	if c.WriteTimeout == 0 {
		c.WriteTimeout = 3 * time.Second
	}
}

// Validate configuration
func (c *Config) Validate() error {
	if c.Mode != "standalone" && c.Mode != "cluster" {
		return fmt.Errorf("invalid mode: %s (must be standalone or cluster)", c.Mode)
	}
	if len(c.Addrs) == 0 {
		return fmt.Errorf("addrs cannot be empty")
	}
	if c.Mode == "standalone" && (c.DB < 0 || c.DB > 15) {
		return fmt.Errorf("db must be between 0 and 15, got: %d", c.DB)
	}
	if c.PoolSize < 0 {
		return fmt.Errorf("pool_size must be >= 0, got: %d", c.PoolSize)
	}
	return nil
}
