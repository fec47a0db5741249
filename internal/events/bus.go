package events

import (
	"sync"
	"time"
)

// EventType represents different types of events in the system
type EventType string

const (
	EventBotStatus       EventType = "bot_status"
	EventMonitoredCoins  EventType = "monitored_coins_update"
	EventOrderPlaced     EventType = "ORDER_PLACED"
	EventOrderFilled     EventType = "ORDER_FILLED"
	EventOrderCancelled  EventType = "ORDER_CANCELLED"
	EventOrderTransition EventType = "ORDER_TRANSITION"
	EventTradeOpened     EventType = "TRADE_OPENED"
	EventTradeClosed     EventType = "TRADE_CLOSED"
	EventHoldingsUpdate  EventType = "HOLDINGS_UPDATE"
	EventBotStarted      EventType = "BOT_STARTED"
	EventBotStopped      EventType = "BOT_STOPPED"
	EventSettingsChanged EventType = "SETTINGS_CHANGED"
	EventError           EventType = "ERROR"
)

// Event represents a system event
type Event struct {
	Type      EventType              `json:"type"`
	Timestamp time.Time              `json:"timestamp"`
	Data      map[string]interface{} `json:"data"`
}

// Subscriber is a function that handles events
type Subscriber func(Event)

// EventBus manages event publishing and subscriptions.
// A nil *EventBus discards everything.
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
	if eb == nil {
		return
	}
	eb.mu.RLock()
	defer eb.mu.RUnlock()

	// Set timestamp if not provided
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	// Notify specific subscribers
	if subs, ok := eb.subscribers[event.Type]; ok {
		for _, sub := range subs {
			go sub(event) // Run in goroutine to avoid blocking
		}
	}

	// Notify all-event subscribers
	for _, sub := range eb.allSubs {
		go sub(event)
	}
}

// PublishBotStatus publishes the periodic engine status snapshot
func (eb *EventBus) PublishBotStatus(status map[string]interface{}) {
	eb.Publish(Event{Type: EventBotStatus, Data: status})
}

// PublishMonitoredCoins publishes the scored market list of one scan
func (eb *EventBus) PublishMonitoredCoins(coins interface{}) {
	eb.Publish(Event{
		Type: EventMonitoredCoins,
		Data: map[string]interface{}{
			"coins":     coins,
			"timestamp": time.Now().Format("2006-01-02 15:04:05"),
		},
	})
}

// PublishOrderPlaced publishes an order placed event
func (eb *EventBus) PublishOrderPlaced(uuid, market, ordType, side string, price, volume float64) {
	eb.Publish(Event{
		Type: EventOrderPlaced,
		Data: map[string]interface{}{
			"uuid":     uuid,
			"market":   market,
			"ord_type": ordType,
			"side":     side,
			"price":    price,
			"volume":   volume,
		},
	})
}

// PublishOrderFilled publishes an order filled event
func (eb *EventBus) PublishOrderFilled(uuid, market, side string, avgPrice, volume float64) {
	eb.Publish(Event{
		Type: EventOrderFilled,
		Data: map[string]interface{}{
			"uuid":      uuid,
			"market":    market,
			"side":      side,
			"avg_price": avgPrice,
			"volume":    volume,
		},
	})
}

// PublishOrderTransition publishes an executor state change
func (eb *EventBus) PublishOrderTransition(market, side, state string, tier int, price float64) {
	eb.Publish(Event{
		Type: EventOrderTransition,
		Data: map[string]interface{}{
			"market": market,
			"side":   side,
			"state":  state,
			"tier":   tier,
			"price":  price,
		},
	})
}

// PublishTradeOpened publishes a trade opened event
func (eb *EventBus) PublishTradeOpened(market string, entryPrice, volume, targetPrice float64) {
	eb.Publish(Event{
		Type: EventTradeOpened,
		Data: map[string]interface{}{
			"market":       market,
			"entry_price":  entryPrice,
			"volume":       volume,
			"target_price": targetPrice,
		},
	})
}

// PublishTradeClosed publishes a trade closed event
func (eb *EventBus) PublishTradeClosed(market string, entryPrice, exitPrice, volume, pnl, pnlPercent float64, reason string) {
	eb.Publish(Event{
		Type: EventTradeClosed,
		Data: map[string]interface{}{
			"market":      market,
			"entry_price": entryPrice,
			"exit_price":  exitPrice,
			"volume":      volume,
			"pnl":         pnl,
			"pnl_percent": pnlPercent,
			"reason":      reason,
		},
	})
}

// PublishBotStarted publishes a bot started event
func (eb *EventBus) PublishBotStarted() {
	eb.Publish(Event{Type: EventBotStarted, Data: map[string]interface{}{}})
}

// PublishBotStopped publishes a bot stopped event
func (eb *EventBus) PublishBotStopped() {
	eb.Publish(Event{Type: EventBotStopped, Data: map[string]interface{}{}})
}

// PublishError publishes an error event
func (eb *EventBus) PublishError(source, message string) {
	eb.Publish(Event{
		Type: EventError,
		Data: map[string]interface{}{
			"source":  source,
			"message": message,
		},
	})
}
