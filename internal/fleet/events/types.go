// Package events defines the fleet lifecycle events and the bus that
// carries them between the reconciliation loops and subscribers.
package events

import "time"

// Connection lifecycle events
const (
	EventConnectionFrozen    = "connection.frozen"
	EventConnectionRecreated = "connection.recreated"
	EventConnectionActivated = "connection.activated"
	EventConnectionReleased  = "connection.released"
)

// Billing events
const (
	EventBillSettled  = "bill.settled"
	EventBillCanceled = "bill.canceled"
)

// ConnectionEvent is the payload of every connection lifecycle event.
type ConnectionEvent struct {
	ConnectionID int64     `json:"connection_id"`
	ServerID     int64     `json:"server_id"`
	LocalIP      string    `json:"local_ip"`
	UserID       int64     `json:"user_id,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
}

// BillEvent is the payload of billing events.
type BillEvent struct {
	BillID      string    `json:"bill_id"`
	UserID      int64     `json:"user_id"`
	BillType    string    `json:"bill_type"`
	RentMonths  int64     `json:"rent_months"`
	Connections []int64   `json:"connections"`
	Timestamp   time.Time `json:"timestamp"`
}
