package kafka

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/IBM/sarama"
	"github.com/KOMKZ/go-yogan-quota/limiter"
	"github.com/KOMKZ/go-yogan-quota/logger"
	"go.uber.org/zap"
)

// Applier installs a rate limit changed on a peer; *limiter.Coordinator implements it
type Applier interface {
	ApplyRemote(ctx context.Context, identifier string, rl limiter.RateLimit) error
}

var _ Applier = (*limiter.Coordinator)(nil)

// Subscriber consumes RateLimitChanged messages in a per-instance consumer group
type Subscriber struct {
	group   sarama.ConsumerGroup
	topic   string
	handler *changeHandler
	logger  *logger.CtxZapLogger
	mu      sync.Mutex
	running bool
	doneCh  chan struct{}
}

// NewSubscriber wraps an existing consumer group
func NewSubscriber(group sarama.ConsumerGroup, topic, instanceID string, applier Applier, log *logger.CtxZapLogger) (*Subscriber, error) {
	if group == nil {
		return nil, fmt.Errorf("consumer group cannot be nil")
	}
	if applier == nil {
		return nil, fmt.Errorf("applier cannot be nil")
	}
	if log == nil {
		return nil, fmt.Errorf("logger cannot be nil")
	}
	return &Subscriber{
		group: group,
		topic: topic,
		handler: &changeHandler{
			instanceID: instanceID,
			applier:    applier,
			logger:     log,
		},
		logger: log,
		doneCh: make(chan struct{}),
	}, nil
}

// DialSubscriber joins the instance's own consumer group on the configured brokers
func DialSubscriber(cfg Config, instanceID string, applier Applier, log *logger.CtxZapLogger) (*Subscriber, error) {
	saramaCfg, err := cfg.SaramaConfig()
	if err != nil {
		return nil, err
	}
	group, err := sarama.NewConsumerGroup(cfg.Brokers, cfg.GroupID(instanceID), saramaCfg)
	if err != nil {
		return nil, fmt.Errorf("create consumer group failed: %w", err)
	}
	return NewSubscriber(group, cfg.Topic, instanceID, applier, log)
}

// Start runs the consume loop until ctx is done or Close is called
func (s *Subscriber) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("subscriber is already running")
	}
	s.running = true
	s.mu.Unlock()

	go s.consumeLoop(ctx)

	s.logger.InfoCtx(ctx, "rate limit subscriber started", zap.String("topic", s.topic))
	return nil
}

func (s *Subscriber) consumeLoop(ctx context.Context) {
	defer close(s.doneCh)

	for {
		// Consume returns on every rebalance
		if err := s.group.Consume(ctx, []string{s.topic}, s.handler); err != nil {
			if errors.Is(err, sarama.ErrClosedConsumerGroup) {
				return
			}
			s.logger.ErrorCtx(ctx, "consume error", zap.Error(err))
		}
		if ctx.Err() != nil {
			return
		}
	}
}

// Close leaves the consumer group and waits for the loop to stop
func (s *Subscriber) Close() error {
	s.mu.Lock()
	running := s.running
	s.running = false
	s.mu.Unlock()

	err := s.group.Close()
	if running {
		<-s.doneCh
	}
	if err != nil {
		return fmt.Errorf("close consumer group failed: %w", err)
	}
	return nil
}

// Shutdown implements do.ShutdownerWithError
func (s *Subscriber) Shutdown() error {
	return s.Close()
}

// changeHandler implements sarama.ConsumerGroupHandler
type changeHandler struct {
	instanceID string
	applier    Applier
	logger     *logger.CtxZapLogger
}

func (h *changeHandler) Setup(session sarama.ConsumerGroupSession) error {
	h.logger.DebugCtx(session.Context(), "consumer session setup",
		zap.Int32("generation_id", session.GenerationID()),
		zap.String("member_id", session.MemberID()))
	return nil
}

func (h *changeHandler) Cleanup(sarama.ConsumerGroupSession) error {
	return nil
}

func (h *changeHandler) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for {
		select {
		case <-session.Context().Done():
			return nil
		case msg, ok := <-claim.Messages():
			if !ok {
				return nil
			}
			if err := h.handle(session.Context(), msg); err != nil {
				// a bad message must not block the partition
				h.logger.ErrorCtx(session.Context(), "handle rate limit change failed",
					zap.String("topic", msg.Topic),
					zap.Int32("partition", msg.Partition),
					zap.Int64("offset", msg.Offset),
					zap.Error(err))
			}
			session.MarkMessage(msg, "")
		}
	}
}

// handle applies one message; messages from this instance are skipped
func (h *changeHandler) handle(ctx context.Context, msg *sarama.ConsumerMessage) error {
	change, err := decodeRateLimitChanged(msg.Value)
	if err != nil {
		return err
	}
	if change.InstanceID == h.instanceID {
		return nil
	}
	return h.applier.ApplyRemote(ctx, change.Identifier, change.RateLimit())
}
