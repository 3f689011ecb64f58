package agent

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/synapsehq/synapse/pkg/models"
)

// EventBus fans agent events out to registered observers. Unlike EventStream
// it supports many subscribers; handlers run synchronously in registration
// order and a panicking handler never takes down the loop.
type EventBus struct {
	mu       sync.RWMutex
	handlers map[models.AgentEventType][]busHandler
	wildcard []busHandler
	logger   *slog.Logger
}

type busHandler struct {
	id string
	fn func(models.AgentEvent)
}

// NewEventBus creates an empty bus.
func NewEventBus(logger *slog.Logger) *EventBus {
	if logger == nil {
		logger = slog.Default()
	}
	return &EventBus{
		handlers: make(map[models.AgentEventType][]busHandler),
		logger:   logger.With("component", "event_bus"),
	}
}

// Subscribe registers a handler for one event type and returns its
// subscription ID.
func (b *EventBus) Subscribe(eventType models.AgentEventType, fn func(models.AgentEvent)) string {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := uuid.New().String()
	b.handlers[eventType] = append(b.handlers[eventType], busHandler{id: id, fn: fn})
	return id
}

// SubscribeAll registers a handler that receives every event.
func (b *EventBus) SubscribeAll(fn func(models.AgentEvent)) string {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := uuid.New().String()
	b.wildcard = append(b.wildcard, busHandler{id: id, fn: fn})
	return id
}

// Unsubscribe removes a subscription by ID. Returns false when no handler
// carries the ID.
func (b *EventBus) Unsubscribe(id string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	for eventType, handlers := range b.handlers {
		for i, h := range handlers {
			if h.id == id {
				b.handlers[eventType] = append(handlers[:i], handlers[i+1:]...)
				return true
			}
		}
	}
	for i, h := range b.wildcard {
		if h.id == id {
			b.wildcard = append(b.wildcard[:i], b.wildcard[i+1:]...)
			return true
		}
	}
	return false
}

// Publish delivers the event to type-specific handlers, then wildcard
// handlers, in registration order.
func (b *EventBus) Publish(event models.AgentEvent) {
	b.mu.RLock()
	typed := make([]busHandler, len(b.handlers[event.Type]))
	copy(typed, b.handlers[event.Type])
	wild := make([]busHandler, len(b.wildcard))
	copy(wild, b.wildcard)
	b.mu.RUnlock()

	for _, h := range typed {
		b.dispatch(h, event)
	}
	for _, h := range wild {
		b.dispatch(h, event)
	}
}

func (b *EventBus) dispatch(h busHandler, event models.AgentEvent) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event handler panicked",
				"subscription", h.id,
				"type", string(event.Type),
				"panic", fmt.Sprintf("%v", r))
		}
	}()
	h.fn(event)
}

// ListenerCount returns the number of handlers registered for the type,
// wildcard handlers included.
func (b *EventBus) ListenerCount(eventType models.AgentEventType) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.handlers[eventType]) + len(b.wildcard)
}

// Reset drops every subscription.
func (b *EventBus) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers = make(map[models.AgentEventType][]busHandler)
	b.wildcard = nil
}
