package kafka

import (
	"crypto/tls"
	"fmt"
	"time"

	"github.com/IBM/sarama"
)

// initial_offset values
const (
	OffsetOldest = "oldest"
	OffsetNewest = "newest"
)

// Config rate limit broadcast settings (section "kafka")
type Config struct {
	// Enabled turns the broadcast on; a single instance does not need it
	Enabled bool `mapstructure:"enabled"`

	// List of Kafka cluster addresses for brokers
	Brokers []string `mapstructure:"brokers"`

	// Kafka version (e.g., "3.8.0")
	Version string `mapstructure:"version"`

	ClientID string `mapstructure:"client_id"`

	// Topic carrying RateLimitChanged messages
	Topic string `mapstructure:"topic"`

	// GroupIDPrefix every instance consumes in its own group (prefix + instance id)
	// so each one sees every change
	GroupIDPrefix string `mapstructure:"group_id_prefix"`

	// InitialOffset where a new group starts: "oldest" replays the retained changes
	// so a late joiner converges, "newest" only sees changes issued after startup
	InitialOffset string `mapstructure:"initial_offset"`

	// RequiredAcks 0=NoResponse, 1=WaitForLocal, -1=WaitForAll
	RequiredAcks int `mapstructure:"required_acks"`

	// Timeout produce timeout
	Timeout time.Duration `mapstructure:"timeout"`

	RetryMax int `mapstructure:"retry_max"`

	// SASL authentication configuration (optional)
	SASL *SASLConfig `mapstructure:"sasl"`

	// TLS enables TLS to the brokers
	TLS *TLSConfig `mapstructure:"tls"`
}

// SASLConfig SASL authentication configuration
type SASLConfig struct {
	Enabled bool `mapstructure:"enabled"`

	// Mechanism: PLAIN, SCRAM-SHA-256, SCRAM-SHA-512
	Mechanism string `mapstructure:"mechanism"`

	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
}

// TLSConfig broker TLS
type TLSConfig struct {
	Enabled            bool `mapstructure:"enabled"`
	InsecureSkipVerify bool `mapstructure:"insecure_skip_verify"`
}

// ApplyDefaults Apply default values
func (c *Config) ApplyDefaults() {
	if c.Version == "" {
		c.Version = "3.8.0"
	}
	if c.ClientID == "" {
		c.ClientID = "quota"
	}
	if c.Topic == "" {
		c.Topic = "quota.rate-limit-changed"
	}
	if c.GroupIDPrefix == "" {
		c.GroupIDPrefix = "quota-"
	}
	if c.InitialOffset == "" {
		c.InitialOffset = OffsetOldest
	}
	if c.RequiredAcks == 0 {
		c.RequiredAcks = -1
	}
	if c.Timeout == 0 {
		c.Timeout = 5 * time.Second
	}
	if c.RetryMax == 0 {
		c.RetryMax = 3
	}
}

// Validate configuration; a disabled broadcast is always valid
func (c *Config) Validate() error {
	if !c.Enabled {
		return nil
	}
	if len(c.Brokers) == 0 {
		return fmt.Errorf("brokers cannot be empty")
	}
	for _, broker := range c.Brokers {
		if broker == "" {
			return fmt.Errorf("broker address cannot be empty")
		}
	}
	if c.Topic == "" {
		return fmt.Errorf("topic cannot be empty")
	}
	switch c.InitialOffset {
	case "", OffsetOldest, OffsetNewest:
	default:
		return fmt.Errorf("initial_offset must be %q or %q, got: %q", OffsetOldest, OffsetNewest, c.InitialOffset)
	}
	if c.RequiredAcks < -1 || c.RequiredAcks > 1 {
		return fmt.Errorf("required_acks must be -1, 0, or 1, got: %d", c.RequiredAcks)
	}
	if c.SASL != nil && c.SASL.Enabled {
		if err := c.SASL.Validate(); err != nil {
			return fmt.Errorf("sasl config invalid: %w", err)
		}
	}
	return nil
}

// Validate SASL configuration
func (c *SASLConfig) Validate() error {
	if c.Username == "" {
		return fmt.Errorf("username cannot be empty")
	}
	if c.Password == "" {
		return fmt.Errorf("password cannot be empty")
	}
	switch c.Mechanism {
	case "PLAIN", "SCRAM-SHA-256", "SCRAM-SHA-512":
		return nil
	default:
		return fmt.Errorf("invalid mechanism: %s", c.Mechanism)
	}
}

// GroupID consumer group of one instance
func (c *Config) GroupID(instanceID string) string {
	return c.GroupIDPrefix + instanceID
}

// SaramaConfig builds the sarama configuration for both the producer and the consumer group
func (c *Config) SaramaConfig() (*sarama.Config, error) {
	saramaCfg := sarama.NewConfig()

	version, err := sarama.ParseKafkaVersion(c.Version)
	if err != nil {
		return nil, fmt.Errorf("parse kafka version failed: %w", err)
	}
	saramaCfg.Version = version
	saramaCfg.ClientID = c.ClientID

	// SyncProducer requires both
	saramaCfg.Producer.Return.Successes = true
	saramaCfg.Producer.Return.Errors = true
	switch c.RequiredAcks {
	case 0:
		saramaCfg.Producer.RequiredAcks = sarama.NoResponse
	case 1:
		saramaCfg.Producer.RequiredAcks = sarama.WaitForLocal
	default:
		saramaCfg.Producer.RequiredAcks = sarama.WaitForAll
	}
	saramaCfg.Producer.Timeout = c.Timeout
	saramaCfg.Producer.Retry.Max = c.RetryMax

	// every instance has a fresh group, so this decides whether it replays history
	saramaCfg.Consumer.Return.Errors = true
	saramaCfg.Consumer.Offsets.Initial = sarama.OffsetOldest
	if c.InitialOffset == OffsetNewest {
		saramaCfg.Consumer.Offsets.Initial = sarama.OffsetNewest
	}

	if c.SASL != nil && c.SASL.Enabled {
		saramaCfg.Net.SASL.Enable = true
		saramaCfg.Net.SASL.User = c.SASL.Username
		saramaCfg.Net.SASL.Password = c.SASL.Password

		switch c.SASL.Mechanism {
		case "SCRAM-SHA-256":
			saramaCfg.Net.SASL.Mechanism = sarama.SASLTypeSCRAMSHA256
			saramaCfg.Net.SASL.SCRAMClientGeneratorFunc = func() sarama.SCRAMClient {
				return &scramClient{hashGen: sha256Gen}
			}
		case "SCRAM-SHA-512":
			saramaCfg.Net.SASL.Mechanism = sarama.SASLTypeSCRAMSHA512
			saramaCfg.Net.SASL.SCRAMClientGeneratorFunc = func() sarama.SCRAMClient {
				return &scramClient{hashGen: sha512Gen}
			}
		default:
			saramaCfg.Net.SASL.Mechanism = sarama.SASLTypePlaintext
		}
	}

	if c.TLS != nil && c.TLS.Enabled {
		saramaCfg.Net.TLS.Enable = true
		saramaCfg.Net.TLS.Config = &tls.Config{
			InsecureSkipVerify: c.TLS.InsecureSkipVerify,
		}
	}

	return saramaCfg, nil
}
