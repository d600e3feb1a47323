// Package events fans scanner activity out to the bridges: scan data, plug
// changes and firmware update progress.
package events

import (
	"log/slog"
	"sync"
	"time"
)

// Event types
const (
	TypeScan           = "scan"
	TypePlug           = "plug"
	TypeUpdateProgress = "update_progress"
	TypeUpdateResult   = "update_result"
)

// Event is one notification on the bus.
type Event struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

// Scan is the payload of a scan event.
type Scan struct {
	Port string    `json:"port"`
	Data string    `json:"data"`
	Raw  string    `json:"raw"`
	Time time.Time `json:"time"`
}

// UpdateResult is the payload of an update_result event.
type UpdateResult struct {
	Port          string `json:"port"`
	Status        string `json:"status"`
	Code          int    `json:"code"`
	Error         string `json:"error,omitempty"`
	Indeterminate bool   `json:"indeterminate,omitempty"`
}

// Handler is a callback for events.
type Handler func(Event)

// Bus provides pub/sub for scanner events.
type Bus struct {
	mu          sync.RWMutex
	handlers    map[string]map[uint64]Handler
	allHandlers map[uint64]Handler
	nextID      uint64
	logger      *slog.Logger
}

// NewBus creates a new event bus.
func NewBus(logger *slog.Logger) *Bus {
	return &Bus{
		handlers:    make(map[string]map[uint64]Handler),
		allHandlers: make(map[uint64]Handler),
		logger:      logger.With("component", "events"),
	}
}

// On registers a handler for a specific event type.
// Returns an unsubscribe function.
func (b *Bus) On(eventType string, handler Handler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.nextID
	b.nextID++
	if b.handlers[eventType] == nil {
		b.handlers[eventType] = make(map[uint64]Handler)
	}
	b.handlers[eventType][id] = handler
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.handlers[eventType], id)
	}
}

// OnAll registers a handler that receives all events.
// Returns an unsubscribe function.
func (b *Bus) OnAll(handler Handler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.nextID
	b.nextID++
	b.allHandlers[id] = handler
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.allHandlers, id)
	}
}

// Emit sends an event to all matching handlers.
// Handlers are called synchronously; a panicking handler is recovered.
func (b *Bus) Emit(event Event) {
	b.mu.RLock()
	handlers := make([]Handler, 0, len(b.handlers[event.Type])+len(b.allHandlers))
	for _, h := range b.handlers[event.Type] {
		handlers = append(handlers, h)
	}
	for _, h := range b.allHandlers {
		handlers = append(handlers, h)
	}
	b.mu.RUnlock()

	for _, h := range handlers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					b.logger.Error("event handler panic", "type", event.Type, "panic", r)
				}
			}()
			h(event)
		}()
	}
}
