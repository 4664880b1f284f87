package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/IBM/sarama"
	"github.com/KOMKZ/go-yogan-quota/limiter"
	"github.com/KOMKZ/go-yogan-quota/logger"
	"go.uber.org/zap"
)

// Publisher sends RateLimitChanged messages; implements limiter.Notifier
type Publisher struct {
	producer   sarama.SyncProducer
	topic      string
	instanceID string
	logger     *logger.CtxZapLogger
	mu         sync.RWMutex
	closed     bool
}

var _ limiter.Notifier = (*Publisher)(nil)

// NewPublisher wraps an existing producer (tests pass sarama mocks)
func NewPublisher(producer sarama.SyncProducer, topic, instanceID string, log *logger.CtxZapLogger) (*Publisher, error) {
	if producer == nil {
		return nil, fmt.Errorf("producer cannot be nil")
	}
	if log == nil {
		return nil, fmt.Errorf("logger cannot be nil")
	}
	if topic == "" {
		return nil, fmt.Errorf("topic cannot be empty")
	}
	return &Publisher{
		producer:   producer,
		topic:      topic,
		instanceID: instanceID,
		logger:     log,
	}, nil
}

// DialPublisher connects a sync producer to the configured brokers
func DialPublisher(cfg Config, instanceID string, log *logger.CtxZapLogger) (*Publisher, error) {
	saramaCfg, err := cfg.SaramaConfig()
	if err != nil {
		return nil, err
	}
	producer, err := sarama.NewSyncProducer(cfg.Brokers, saramaCfg)
	if err != nil {
		return nil, fmt.Errorf("create sync producer failed: %w", err)
	}
	return NewPublisher(producer, cfg.Topic, instanceID, log)
}

// NotifyRateLimitChanged publishes rl keyed by identifier, so changes of one
// identifier stay ordered within a partition
func (p *Publisher) NotifyRateLimitChanged(ctx context.Context, rl limiter.RateLimit) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return fmt.Errorf("publisher is closed")
	}

	data, err := json.Marshal(NewRateLimitChanged(p.instanceID, rl, time.Now()))
	if err != nil {
		return fmt.Errorf("marshal json failed: %w", err)
	}

	msg := &sarama.ProducerMessage{
		Topic: p.topic,
		Key:   sarama.StringEncoder(rl.Identifier),
		Value: sarama.ByteEncoder(data),
		Headers: []sarama.RecordHeader{
			{Key: []byte(HeaderContentType), Value: []byte("application/json")},
			{Key: []byte(HeaderInstanceID), Value: []byte(p.instanceID)},
		},
	}

	partition, offset, err := p.producer.SendMessage(msg)
	if err != nil {
		p.logger.ErrorCtx(ctx, "send rate limit change failed",
			zap.String("topic", p.topic),
			zap.String("identifier", rl.Identifier),
			zap.Error(err))
		return fmt.Errorf("send message failed: %w", err)
	}

	p.logger.DebugCtx(ctx, "rate limit change sent",
		zap.String("topic", p.topic),
		zap.String("identifier", rl.Identifier),
		zap.Int32("partition", partition),
		zap.Int64("offset", offset))
	return nil
}

// Close shutdown producer
func (p *Publisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil
	}
	p.closed = true
	if err := p.producer.Close(); err != nil {
		return fmt.Errorf("close producer failed: %w", err)
	}
	return nil
}

// Shutdown implements do.ShutdownerWithError
func (p *Publisher) Shutdown() error {
	return p.Close()
}
