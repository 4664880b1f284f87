// Package config loads layered configuration (file, then environment) through viper.
package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/viper"
)

// Loader configuration loader
type Loader struct {
	v           *viper.Viper
	path        string
	envPrefix   string
	loadedFiles []string
}

// Option 加载器选项
type Option func(*Loader)

// WithFile sets the configuration file (yaml/json/toml, detected by extension)
func WithFile(path string) Option {
	return func(l *Loader) {
		l.path = path
	}
}

// WithEnvPrefix enables environment overrides, e.g. QUOTA_LIMITER_CHECK_TIMEOUT
func WithEnvPrefix(prefix string) Option {
	return func(l *Loader) {
		l.envPrefix = prefix
	}
}

// NewLoader 创建配置加载器
func NewLoader(opts ...Option) *Loader {
	l := &Loader{v: viper.New()}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Load reads the file (a missing file is not an error) and binds the environment
func (l *Loader) Load() error {
	if l.path != "" {
		if _, err := os.Stat(l.path); err == nil {
			l.v.SetConfigFile(l.path)
			if err := l.v.ReadInConfig(); err != nil {
				return fmt.Errorf("read config file %s failed: %w", l.path, err)
			}
			l.loadedFiles = append(l.loadedFiles, l.path)
		} else if !os.IsNotExist(err) {
			return fmt.Errorf("stat config file %s failed: %w", l.path, err)
		}
	}

	if l.envPrefix != "" {
		l.v.SetEnvPrefix(l.envPrefix)
		l.v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
		l.v.AutomaticEnv()
	}
	return nil
}

// Unmarshal decodes the section under key into out (mapstructure tags)
func (l *Loader) Unmarshal(key string, out interface{}) error {
	if !l.v.IsSet(key) {
		return fmt.Errorf("config key %q not found", key)
	}
	// AllSettings resolves env overrides of nested keys, UnmarshalKey on l.v alone would not
	merged := viper.New()
	if err := merged.MergeConfigMap(l.v.AllSettings()); err != nil {
		return fmt.Errorf("merge config failed: %w", err)
	}
	if err := merged.UnmarshalKey(key, out); err != nil {
		return fmt.Errorf("unmarshal config %q failed: %w", key, err)
	}
	return nil
}

// IsSet reports whether key has a value from any source
func (l *Loader) IsSet(key string) bool {
	return l.v.IsSet(key)
}

// Set overrides a single value (highest priority), used for CLI flags
func (l *Loader) Set(key string, value interface{}) {
	l.v.Set(key, value)
}

// LoadedFiles 已加载的文件列表
func (l *Loader) LoadedFiles() []string {
	return l.loadedFiles
}
