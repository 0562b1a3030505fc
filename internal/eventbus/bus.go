// Package eventbus is an in-process pub/sub bus connecting the turn
// pipeline to observers such as metrics.
package eventbus

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// Bus is a simple in-process pub/sub event bus. A nil *Bus drops every event.
type Bus struct {
	mu       sync.RWMutex
	handlers map[Topic][]Handler
	logger   *zap.Logger
	wg       sync.WaitGroup
}

// New creates a new event bus.
func New(logger *zap.Logger) *Bus {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Bus{
		handlers: make(map[Topic][]Handler),
		logger:   logger.Named("eventbus"),
	}
}

// Subscribe registers a handler for a topic.
func (b *Bus) Subscribe(topic Topic, handler Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[topic] = append(b.handlers[topic], handler)
}

// SubscribeAll registers handler for every listed topic.
func (b *Bus) SubscribeAll(handler Handler, topics ...Topic) {
	for _, t := range topics {
		b.Subscribe(t, handler)
	}
}

func (b *Bus) snapshot(topic Topic, payload any) ([]Handler, Event) {
	b.mu.RLock()
	handlers := make([]Handler, len(b.handlers[topic]))
	copy(handlers, b.handlers[topic])
	b.mu.RUnlock()

	return handlers, Event{
		Topic:     topic,
		Payload:   payload,
		Timestamp: time.Now(),
	}
}

// Publish sends an event to all subscribers of the topic.
// Handlers are called synchronously in the order they were registered.
func (b *Bus) Publish(topic Topic, payload any) {
	if b == nil {
		return
	}
	handlers, event := b.snapshot(topic, payload)
	for _, h := range handlers {
		b.dispatch(h, event)
	}
}

// PublishAsync sends an event to all subscribers asynchronously.
func (b *Bus) PublishAsync(topic Topic, payload any) {
	if b == nil {
		return
	}
	handlers, event := b.snapshot(topic, payload)
	for _, h := range handlers {
		b.wg.Add(1)
		go func(h Handler) {
			defer b.wg.Done()
			b.dispatch(h, event)
		}(h)
	}
}

// Wait blocks until every handler started by PublishAsync has returned.
func (b *Bus) Wait() {
	if b == nil {
		return
	}
	b.wg.Wait()
}

// dispatch runs h, keeping a panicking subscriber from taking down the turn.
func (b *Bus) dispatch(h Handler, event Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event handler panicked", zap.String("topic", string(event.Topic)), zap.Any("panic", r))
		}
	}()
	h(event)
}
