package domain

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"gavel.io/gavel/internal/pkg/logger"
)

// EventHandler processes one inbound envelope.
type EventHandler func(ctx context.Context, env Envelope) error

// EventDispatcher routes envelopes to the handler registered for their type.
// Envelopes of a type without a handler are rejected, never dropped silently.
type EventDispatcher struct {
	handlers map[EventType]EventHandler
	mu       sync.RWMutex
}

// NewEventDispatcher creates a new EventDispatcher.
func NewEventDispatcher() *EventDispatcher {
	return &EventDispatcher{
		handlers: make(map[EventType]EventHandler),
	}
}

// Register registers the handler for an event type, replacing any previous one.
func (d *EventDispatcher) Register(eventType EventType, handler EventHandler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, exists := d.handlers[eventType]; exists {
		logger.Warn("Replacing event handler", logger.EventType(string(eventType)))
	}
	d.handlers[eventType] = handler
}

// Handles reports whether a handler is registered for eventType.
func (d *EventDispatcher) Handles(eventType EventType) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	_, ok := d.handlers[eventType]
	return ok
}

// Dispatch hands env to its handler.
func (d *EventDispatcher) Dispatch(ctx context.Context, env Envelope) error {
	d.mu.RLock()
	handler, ok := d.handlers[env.Type]
	d.mu.RUnlock()

	if !ok {
		logger.Warn("No handler registered for event type",
			logger.EventType(string(env.Type)),
			logger.EventID(env.EventID),
		)
		return unknownEventType(env.Type)
	}

	if err := handler(ctx, env); err != nil {
		logger.Debug("Event handler failed",
			logger.EventType(string(env.Type)),
			logger.EventID(env.EventID),
			zap.Error(err),
		)
		return fmt.Errorf("handle %s: %w", env.Type, err)
	}
	return nil
}
