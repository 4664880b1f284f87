package limiter

import "time"

// EventType 限流事件类型
type EventType string

const (
	// EventAllowed request admitted
	EventAllowed EventType = "allowed"

	// EventRejected request denied, bucket empty
	EventRejected EventType = "rejected"

	// EventDegraded decided by failure policy because the store failed
	EventDegraded EventType = "degraded"

	// EventReconciled an existing bucket was rewritten by Update
	EventReconciled EventType = "reconciled"

	// EventStaleConfiguration stored config differs from the registry
	EventStaleConfiguration EventType = "stale_configuration"

	// EventLimitChanged registry entry replaced (local Update or remote broadcast)
	EventLimitChanged EventType = "limit_changed"
)

// Event 限流事件
type Event struct {
	Type       EventType
	Identifier string
	Key        string
	Remaining  int64
	Limit      int64
	Err        error
	At         time.Time
}

// EventListener receives events on the bus goroutine; it must not block for long
type EventListener interface {
	OnEvent(event Event)
}

// EventListenerFunc adapts a function to EventListener
type EventListenerFunc func(event Event)

// OnEvent implements EventListener
func (f EventListenerFunc) OnEvent(event Event) {
	f(event)
}

// SubscriptionID returned by Subscribe
type SubscriptionID uint64
