package limiter

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/KOMKZ/go-yogan-quota/logger"
	"go.uber.org/zap"
)

// EventBus non-blocking in-process event bus. Events are dropped when the buffer is full.
type EventBus struct {
	listeners map[SubscriptionID]*subscription
	buffer    chan Event
	mu        sync.RWMutex
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	nextID    atomic.Uint64
	closed    atomic.Bool
	dropped   atomic.Int64
	logger    *logger.CtxZapLogger
}

type subscription struct {
	listener EventListener
	filters  map[EventType]bool
}

// NewEventBus 创建事件总线
func NewEventBus(bufferSize int, log *logger.CtxZapLogger) *EventBus {
	if bufferSize <= 0 {
		bufferSize = 256
	}
	if log == nil {
		log = logger.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())

	bus := &EventBus{
		listeners: make(map[SubscriptionID]*subscription),
		buffer:    make(chan Event, bufferSize),
		ctx:       ctx,
		cancel:    cancel,
		logger:    log,
	}

	bus.wg.Add(1)
	go bus.dispatch()

	return bus
}

// Subscribe registers listener; no filters means every event type
func (eb *EventBus) Subscribe(listener EventListener, filters ...EventType) SubscriptionID {
	id := SubscriptionID(eb.nextID.Add(1))

	filterMap := make(map[EventType]bool, len(filters))
	for _, f := range filters {
		filterMap[f] = true
	}

	eb.mu.Lock()
	eb.listeners[id] = &subscription{listener: listener, filters: filterMap}
	eb.mu.Unlock()

	return id
}

// Unsubscribe 取消订阅
func (eb *EventBus) Unsubscribe(id SubscriptionID) {
	eb.mu.Lock()
	defer eb.mu.Unlock()
	delete(eb.listeners, id)
}

// Publish enqueues event without blocking
func (eb *EventBus) Publish(event Event) {
	if eb.closed.Load() {
		return
	}

	select {
	case eb.buffer <- event:
	case <-eb.ctx.Done():
	default:
		// 缓冲区满，丢弃
		eb.dropped.Add(1)
	}
}

// Dropped number of events discarded because the buffer was full
func (eb *EventBus) Dropped() int64 {
	return eb.dropped.Load()
}

// Close stops dispatching after draining buffered events. The channel is never
// closed so racing publishers cannot panic.
func (eb *EventBus) Close() {
	if !eb.closed.CompareAndSwap(false, true) {
		return
	}
	eb.cancel()
	eb.wg.Wait()
}

func (eb *EventBus) dispatch() {
	defer eb.wg.Done()

	for {
		select {
		case event := <-eb.buffer:
			eb.notifyListeners(event)

		case <-eb.ctx.Done():
			// drain
			for {
				select {
				case event := <-eb.buffer:
					eb.notifyListeners(event)
				default:
					return
				}
			}
		}
	}
}

func (eb *EventBus) notifyListeners(event Event) {
	eb.mu.RLock()
	subs := make([]*subscription, 0, len(eb.listeners))
	for _, sub := range eb.listeners {
		subs = append(subs, sub)
	}
	eb.mu.RUnlock()

	for _, sub := range subs {
		if len(sub.filters) > 0 && !sub.filters[event.Type] {
			continue
		}
		eb.deliver(sub.listener, event)
	}
}

func (eb *EventBus) deliver(l EventListener, event Event) {
	defer func() {
		if r := recover(); r != nil {
			eb.logger.ErrorCtx(context.Background(), "event listener panic",
				zap.String("type", string(event.Type)),
				zap.Any("panic", r))
		}
	}()
	l.OnEvent(event)
}
