// Package eventbus is a synchronous in-process publish/subscribe hub.
package eventbus

import (
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
)

// Topics consumed by the grid module.
const (
	TopicTradingPairChanged = "tradingPair.changed"
	TopicTradingSignal      = "trading-signal"
	TopicOrderExecuted      = "order.executed"
	TopicPositionClosed     = "position.closed"
)

// Topics published by the grid module.
const (
	TopicGridCreated               = "grid.created"
	TopicGridPositionOpened        = "grid.position.opened"
	TopicGridPositionClosed        = "grid.position.closed"
	TopicGridPartialTakeProfit     = "grid.partialTakeProfit"
	TopicGridAdjusted              = "grid.adjusted"
	TopicGridTrailingStopActivated = "grid.trailingStop.activated"
	TopicGridTrailingStopUpdated   = "grid.trailingStop.updated"
	TopicGridCompleted             = "grid.completed"
)

// Handler receives the payload passed to Emit.
type Handler func(payload interface{})

// Subscription identifies a registered handler.
type Subscription struct {
	Topic string
	id    uint64
}

type listener struct {
	id      uint64
	handler Handler
}

// Bus dispatches payloads to handlers registered for a topic.
type Bus struct {
	mu        sync.RWMutex
	listeners map[string][]listener
	nextID    uint64
	logger    *zap.Logger
}

// New creates an empty bus.
func New(logger *zap.Logger) *Bus {
	return &Bus{
		listeners: make(map[string][]listener),
		logger:    logger.Named("eventbus"),
	}
}

// On registers handler for topic.
func (b *Bus) On(topic string, handler Handler) Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	b.listeners[topic] = append(b.listeners[topic], listener{id: b.nextID, handler: handler})
	return Subscription{Topic: topic, id: b.nextID}
}

// Once registers handler for a single delivery.
func (b *Bus) Once(topic string, handler Handler) Subscription {
	var fired int32
	var sub Subscription
	sub = b.On(topic, func(payload interface{}) {
		if !atomic.CompareAndSwapInt32(&fired, 0, 1) {
			return
		}
		b.Off(sub)
		handler(payload)
	})
	return sub
}

// Off removes a subscription. Removing an unknown subscription is a no-op.
func (b *Bus) Off(sub Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	ls := b.listeners[sub.Topic]
	for i, l := range ls {
		if l.id == sub.id {
			b.listeners[sub.Topic] = append(ls[:i:i], ls[i+1:]...)
			break
		}
	}
	if len(b.listeners[sub.Topic]) == 0 {
		delete(b.listeners, sub.Topic)
	}
}

// OffAll removes every handler for topic.
func (b *Bus) OffAll(topic string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.listeners, topic)
}

// ListenerCount returns the number of handlers registered for topic.
func (b *Bus) ListenerCount(topic string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.listeners[topic])
}

// Emit calls every handler of topic in registration order on the calling
// goroutine. A panicking handler is logged and does not stop the others.
// Reports whether the topic had any handler.
func (b *Bus) Emit(topic string, payload interface{}) bool {
	b.mu.RLock()
	ls := append([]listener(nil), b.listeners[topic]...)
	b.mu.RUnlock()

	for _, l := range ls {
		b.call(topic, l, payload)
	}
	return len(ls) > 0
}

func (b *Bus) call(topic string, l listener, payload interface{}) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event handler panicked", zap.String("topic", topic), zap.Any("panic", r))
		}
	}()
	l.handler(payload)
}
