package events

import (
	"sync"
	"time"
)

// EventType represents different types of events in the system
type EventType string

const (
	EventPositionOpened   EventType = "POSITION_OPENED"
	EventPositionClosed   EventType = "POSITION_CLOSED"
	EventPositionAveraged EventType = "POSITION_AVERAGED"
	EventStopPlaced       EventType = "STOP_PLACED"
	EventTrailingArmed    EventType = "TRAILING_ARMED"
	EventOrderPlaced      EventType = "ORDER_PLACED"
	EventOrderFailed      EventType = "ORDER_FAILED"
	EventBalanceUpdate    EventType = "BALANCE_UPDATE"
	EventEngineStarted    EventType = "ENGINE_STARTED"
	EventEngineStopped    EventType = "ENGINE_STOPPED"
	EventCycleCompleted   EventType = "CYCLE_COMPLETED"
	EventError            EventType = "ERROR"
)

// Event represents a system event
type Event struct {
	Type      EventType              `json:"type"`
	Timestamp time.Time              `json:"timestamp"`
	Data      map[string]interface{} `json:"data"`
}

// Subscriber is a function that handles events
type Subscriber func(Event)

// EventBus manages event publishing and subscriptions
type EventBus struct {
	mu          sync.RWMutex
	subscribers map[EventType][]Subscriber
	allSubs     []Subscriber // Subscribers to all events
}

// NewEventBus creates a new event bus
func NewEventBus() *EventBus {
	return &EventBus{
		subscribers: make(map[EventType][]Subscriber),
		allSubs:     make([]Subscriber, 0),
	}
}

// Subscribe registers a subscriber for a specific event type
func (eb *EventBus) Subscribe(eventType EventType, subscriber Subscriber) {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	eb.subscribers[eventType] = append(eb.subscribers[eventType], subscriber)
}

// SubscribeAll registers a subscriber for all events
func (eb *EventBus) SubscribeAll(subscriber Subscriber) {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	eb.allSubs = append(eb.allSubs, subscriber)
}

// Publish sends an event to all subscribers
func (eb *EventBus) Publish(event Event) {
	eb.mu.RLock()
	defer eb.mu.RUnlock()

	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	// Subscribers run in goroutines so a slow consumer cannot block the
	// trading path.
	if subs, ok := eb.subscribers[event.Type]; ok {
		for _, sub := range subs {
			go sub(event)
		}
	}
	for _, sub := range eb.allSubs {
		go sub(event)
	}
}

// PublishPositionOpened publishes a position opened event
func (eb *EventBus) PublishPositionOpened(symbol, side string, entryPrice, quantity float64, leverage int) {
	eb.Publish(Event{
		Type: EventPositionOpened,
		Data: map[string]interface{}{
			"symbol":      symbol,
			"side":        side,
			"entry_price": entryPrice,
			"quantity":    quantity,
			"leverage":    leverage,
		},
	})
}

// PublishPositionClosed publishes a position closed event
func (eb *EventBus) PublishPositionClosed(symbol, side, reason string, quantity, roe float64) {
	eb.Publish(Event{
		Type: EventPositionClosed,
		Data: map[string]interface{}{
			"symbol":   symbol,
			"side":     side,
			"reason":   reason,
			"quantity": quantity,
			"roe":      roe,
		},
	})
}

// PublishPositionAveraged publishes a position averaged event
func (eb *EventBus) PublishPositionAveraged(symbol, side string, addedQuantity, newEntryPrice float64) {
	eb.Publish(Event{
		Type: EventPositionAveraged,
		Data: map[string]interface{}{
			"symbol":          symbol,
			"side":            side,
			"added_quantity":  addedQuantity,
			"new_entry_price": newEntryPrice,
		},
	})
}

// PublishStopPlaced publishes a protective stop placement event
func (eb *EventBus) PublishStopPlaced(symbol, side string, stopPrice float64) {
	eb.Publish(Event{
		Type: EventStopPlaced,
		Data: map[string]interface{}{
			"symbol":     symbol,
			"side":       side,
			"stop_price": stopPrice,
		},
	})
}

// PublishTrailingArmed publishes a trailing stop activation event
func (eb *EventBus) PublishTrailingArmed(symbol, side string, roe float64) {
	eb.Publish(Event{
		Type: EventTrailingArmed,
		Data: map[string]interface{}{
			"symbol": symbol,
			"side":   side,
			"roe":    roe,
		},
	})
}

// PublishOrderFailed publishes an order failure event
func (eb *EventBus) PublishOrderFailed(symbol, side, operation, errMsg string) {
	eb.Publish(Event{
		Type: EventOrderFailed,
		Data: map[string]interface{}{
			"symbol":    symbol,
			"side":      side,
			"operation": operation,
			"error":     errMsg,
		},
	})
}

// PublishError publishes a system error event
func (eb *EventBus) PublishError(source, message string) {
	eb.Publish(Event{
		Type: EventError,
		Data: map[string]interface{}{
			"source":  source,
			"message": message,
		},
	})
}
