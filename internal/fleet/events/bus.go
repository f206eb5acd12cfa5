package events

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/gookit/event"

	applogger "github.com/ig-rudenko/axo-vpn-bot/internal/shared/logger"
)

// FleetEventBus wraps the gookit event manager for fleet lifecycle events
type FleetEventBus struct {
	bus    *event.Manager
	logger *applogger.Logger
}

// NewFleetEventBus creates a new event bus for fleet events
func NewFleetEventBus(logger *applogger.Logger) *FleetEventBus {
	return &FleetEventBus{
		bus:    event.NewManager("fleet"),
		logger: logger.WithComponent("events"),
	}
}

// PublishConnectionFrozen publishes a connection frozen event
func (eb *FleetEventBus) PublishConnectionFrozen(payload ConnectionEvent) error {
	return eb.publishConnection(EventConnectionFrozen, payload)
}

// PublishConnectionRecreated publishes a connection recreated event
func (eb *FleetEventBus) PublishConnectionRecreated(payload ConnectionEvent) error {
	return eb.publishConnection(EventConnectionRecreated, payload)
}

// PublishConnectionActivated publishes a connection activated event
func (eb *FleetEventBus) PublishConnectionActivated(payload ConnectionEvent) error {
	return eb.publishConnection(EventConnectionActivated, payload)
}

// PublishConnectionReleased publishes a connection released event
func (eb *FleetEventBus) PublishConnectionReleased(payload ConnectionEvent) error {
	return eb.publishConnection(EventConnectionReleased, payload)
}

func (eb *FleetEventBus) publishConnection(name string, payload ConnectionEvent) error {
	if payload.Timestamp.IsZero() {
		payload.Timestamp = time.Now()
	}

	eb.logger.Unwrap().Debug("publishing connection event",
		slog.String("event", name),
		slog.Int64("connection_id", payload.ConnectionID),
		slog.Int64("server_id", payload.ServerID))

	err, _ := eb.bus.Fire(name, event.M{"payload": payload})
	if err != nil {
		return fmt.Errorf("failed to publish %s event: %w", name, err)
	}
	return nil
}

// PublishBillSettled publishes a bill settled event
func (eb *FleetEventBus) PublishBillSettled(payload BillEvent) error {
	return eb.publishBill(EventBillSettled, payload)
}

// PublishBillCanceled publishes a bill canceled event
func (eb *FleetEventBus) PublishBillCanceled(payload BillEvent) error {
	return eb.publishBill(EventBillCanceled, payload)
}

func (eb *FleetEventBus) publishBill(name string, payload BillEvent) error {
	if payload.Timestamp.IsZero() {
		payload.Timestamp = time.Now()
	}

	eb.logger.Unwrap().Debug("publishing bill event",
		slog.String("event", name),
		slog.String("bill_id", payload.BillID),
		slog.Int64("user_id", payload.UserID))

	err, _ := eb.bus.Fire(name, event.M{"payload": payload})
	if err != nil {
		return fmt.Errorf("failed to publish %s event: %w", name, err)
	}
	return nil
}

// SubscribeToConnectionEvents subscribes a listener to every connection
// lifecycle event
func (eb *FleetEventBus) SubscribeToConnectionEvents(listener event.Listener) {
	for _, name := range []string{
		EventConnectionFrozen,
		EventConnectionRecreated,
		EventConnectionActivated,
		EventConnectionReleased,
	} {
		eb.bus.On(name, listener, event.Normal)
	}
}

// SubscribeToBillEvents subscribes a listener to billing events
func (eb *FleetEventBus) SubscribeToBillEvents(listener event.Listener) {
	eb.bus.On(EventBillSettled, listener, event.Normal)
	eb.bus.On(EventBillCanceled, listener, event.Normal)
}

// Subscribe registers a listener for a single event name
func (eb *FleetEventBus) Subscribe(name string, listener event.Listener) {
	eb.bus.On(name, listener, event.Normal)
}

// Close gracefully shuts down the event bus
func (eb *FleetEventBus) Close() error {
	eb.bus.Clear()
	return nil
}
