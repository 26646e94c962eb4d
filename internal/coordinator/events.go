package coordinator

import (
	"log/slog"
	"sync"
)

// Event types
const (
	EventDeviceJoined    = "device_joined"
	EventDeviceLeft      = "device_left"
	EventDeviceAnnounce  = "device_announce"
	EventDeviceInterview = "device_interview"
	EventAttributeReport = "attribute_report"
	EventClusterCommand  = "cluster_command"
	EventPropertyUpdate  = "property_update"
	EventNetworkState    = "network_state"
	EventPermitJoin      = "permit_join"
	EventCommandExecuted = "command_executed"
)

// Event represents a coordinator event.
type Event struct {
	Type string      `json:"type"`
	Data interface{} `json:"data"`
}

// EventHandler is a callback for events.
type EventHandler func(Event)

// EventBus provides pub/sub for coordinator events.
type EventBus struct {
	mu          sync.RWMutex
	handlers    map[string]map[uint64]EventHandler
	allHandlers map[uint64]EventHandler
	nextID      uint64
	logger      *slog.Logger
}

// NewEventBus creates a new event bus.
func NewEventBus(logger *slog.Logger) *EventBus {
	return &EventBus{
		handlers:    make(map[string]map[uint64]EventHandler),
		allHandlers: make(map[uint64]EventHandler),
		logger:      logger,
	}
}

func (eb *EventBus) subscribe(add func(id uint64), remove func(id uint64)) func() {
	eb.mu.Lock()
	id := eb.nextID
	eb.nextID++
	add(id)
	eb.mu.Unlock()
	var once sync.Once
	return func() {
		once.Do(func() {
			eb.mu.Lock()
			remove(id)
			eb.mu.Unlock()
		})
	}
}

// On registers a handler for a specific event type.
// Returns an unsubscribe function.
func (eb *EventBus) On(eventType string, handler EventHandler) func() {
	return eb.subscribe(
		func(id uint64) {
			if eb.handlers[eventType] == nil {
				eb.handlers[eventType] = make(map[uint64]EventHandler)
			}
			eb.handlers[eventType][id] = handler
		},
		func(id uint64) { delete(eb.handlers[eventType], id) },
	)
}

// OnAll registers a handler that receives all events.
// Returns an unsubscribe function.
func (eb *EventBus) OnAll(handler EventHandler) func() {
	return eb.subscribe(
		func(id uint64) { eb.allHandlers[id] = handler },
		func(id uint64) { delete(eb.allHandlers, id) },
	)
}

// Emit sends an event to all matching handlers.
// Handlers are called synchronously; a panicking handler is recovered.
func (eb *EventBus) Emit(event Event) {
	eb.mu.RLock()
	handlers := make([]EventHandler, 0, len(eb.handlers[event.Type])+len(eb.allHandlers))
	for _, h := range eb.handlers[event.Type] {
		handlers = append(handlers, h)
	}
	for _, h := range eb.allHandlers {
		handlers = append(handlers, h)
	}
	eb.mu.RUnlock()

	for _, h := range handlers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					eb.logger.Error("event handler panic", "type", event.Type, "panic", r)
				}
			}()
			h(event)
		}()
	}
}

// Publish emits an event built from its parts. Command handlers reach the
// bus through this method.
func (eb *EventBus) Publish(eventType string, data interface{}) {
	eb.Emit(Event{Type: eventType, Data: data})
}
