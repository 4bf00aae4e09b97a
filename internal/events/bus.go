// Package events provides the in-process typed publish/subscribe bus.
// Delivery is synchronous on the publisher's goroutine, so subscribers
// must be short and must never block on I/O; anything that talks to the
// network hands the event off to its own goroutine.
package events

import (
	"log/slog"
	"sync"
	"time"
)

// Type enumerates the event topics.
type Type string

const (
	MachineStateChanged Type = "machine_state_changed"
	CameraStatusChanged Type = "camera_status_changed"
	RecordingStarted    Type = "recording_started"
	RecordingStopped    Type = "recording_stopped"
	RecordingError      Type = "recording_error"
	BusConnected        Type = "bus_connected"
	BusDisconnected     Type = "bus_disconnected"
	SystemShutdown      Type = "system_shutdown"
)

// Event is one published occurrence.
type Event struct {
	Type      Type           `json:"event_type"`
	Source    string         `json:"source"`
	Data      map[string]any `json:"data,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Handler receives events. It runs on the publisher's goroutine.
type Handler func(Event)

// historySize bounds the diagnostic ring of past events.
const historySize = 1000

// Bus fans events out to per-type subscribers and keeps a bounded history.
type Bus struct {
	mu          sync.Mutex
	subscribers map[Type][]Handler
	all         []Handler
	history     []Event
	logger      *slog.Logger
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{
		subscribers: make(map[Type][]Handler),
		logger:      slog.Default().With("component", "events"),
	}
}

// Subscribe registers a handler for one event type.
func (b *Bus) Subscribe(t Type, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subscribers[t] = append(b.subscribers[t], h)
}

// SubscribeAll registers a handler for every event type.
func (b *Bus) SubscribeAll(h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.all = append(b.all, h)
}

// Publish delivers the event to all matching subscribers in registration
// order, then records it in the history ring. A panicking subscriber is
// logged and does not affect its peers.
func (b *Bus) Publish(t Type, source string, data map[string]any) {
	ev := Event{Type: t, Source: source, Data: data, Timestamp: time.Now()}

	b.mu.Lock()
	handlers := make([]Handler, 0, len(b.subscribers[t])+len(b.all))
	handlers = append(handlers, b.subscribers[t]...)
	handlers = append(handlers, b.all...)
	b.history = append(b.history, ev)
	if len(b.history) > historySize {
		b.history = b.history[len(b.history)-historySize:]
	}
	b.mu.Unlock()

	for _, h := range handlers {
		b.deliver(h, ev)
	}
}

func (b *Bus) deliver(h Handler, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("Event subscriber panicked",
				"event_type", ev.Type, "source", ev.Source, "panic", r)
		}
	}()
	h(ev)
}

// History returns up to limit past events, newest last.
func (b *Bus) History(limit int) []Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	if limit <= 0 || limit > len(b.history) {
		limit = len(b.history)
	}
	out := make([]Event, limit)
	copy(out, b.history[len(b.history)-limit:])
	return out
}
