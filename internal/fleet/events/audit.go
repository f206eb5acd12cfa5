package events

import (
	"log/slog"

	"github.com/gookit/event"

	applogger "github.com/ig-rudenko/axo-vpn-bot/internal/shared/logger"
)

// AuditLogger subscribes to every fleet event and writes a structured audit
// line for each one.
type AuditLogger struct {
	logger *applogger.Logger
}

// NewAuditLogger creates an audit logger and attaches it to the bus.
func NewAuditLogger(bus *FleetEventBus, logger *applogger.Logger) *AuditLogger {
	a := &AuditLogger{logger: logger.WithComponent("events.audit")}
	bus.SubscribeToConnectionEvents(event.ListenerFunc(a.handleConnection))
	bus.SubscribeToBillEvents(event.ListenerFunc(a.handleBill))
	return a
}

func (a *AuditLogger) handleConnection(e event.Event) error {
	payload, ok := e.Get("payload").(ConnectionEvent)
	if !ok {
		a.logger.Unwrap().Warn("connection event with unexpected payload", slog.String("event", e.Name()))
		return nil
	}
	a.logger.Unwrap().Info("connection event",
		slog.String("event", e.Name()),
		slog.Int64("connection_id", payload.ConnectionID),
		slog.Int64("server_id", payload.ServerID),
		slog.String("local_ip", payload.LocalIP),
		slog.Int64("user_id", payload.UserID))
	return nil
}

func (a *AuditLogger) handleBill(e event.Event) error {
	payload, ok := e.Get("payload").(BillEvent)
	if !ok {
		a.logger.Unwrap().Warn("bill event with unexpected payload", slog.String("event", e.Name()))
		return nil
	}
	a.logger.Unwrap().Info("bill event",
		slog.String("event", e.Name()),
		slog.String("bill_id", payload.BillID),
		slog.String("bill_type", payload.BillType),
		slog.Int64("user_id", payload.UserID),
		slog.Int64("rent_months", payload.RentMonths))
	return nil
}
