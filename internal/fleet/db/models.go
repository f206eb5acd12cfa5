package db

import (
	"database/sql"
	"net"
	"strconv"
	"time"
)

// Server is one VPN host in the fleet. Rows are operator-provisioned and
// immutable apart from credential rotation, which is handled elsewhere.
type Server struct {
	ID          int64
	Name        string
	IP          string
	Port        int64
	Login       string
	Password    string
	Location    string
	CountryCode string
}

// Addr returns the host:port dial address of the server's SSH endpoint.
func (s Server) Addr() string {
	return net.JoinHostPort(s.IP, strconv.FormatInt(s.Port, 10))
}

// User is an end user renting connections. ChatID correlates to the chat
// front-end identity used for notifications.
type User struct {
	ID     int64
	ChatID int64
}

// VPNConnection is one peer slot on one server.
type VPNConnection struct {
	ID          int64
	ServerID    int64
	UserID      sql.NullInt64
	Available   bool
	LocalIP     string
	AvailableTo sql.NullTime
	Config      string
	ClientName  string
}

// ConnectionSummary is a VPNConnection projection without the config text,
// used by passes that touch every row.
type ConnectionSummary struct {
	ID          int64
	ServerID    int64
	UserID      sql.NullInt64
	Available   bool
	LocalIP     string
	AvailableTo sql.NullTime
	ClientName  string
}

// BillType distinguishes purchases of fresh slots from lease extensions.
type BillType string

const (
	BillTypeNew    BillType = "new"
	BillTypeExtend BillType = "extend"
)

// ActiveBill is one pending payment. It exists from bill creation until the
// gateway reports a terminal status.
type ActiveBill struct {
	ID            int64
	BillID        string
	UserID        int64
	BillType      BillType
	RentMonths    int64
	FormExpiresAt sql.NullTime
	PayURL        string
}

// BillWithConnections is an ActiveBill with its associated connections
// eagerly loaded.
type BillWithConnections struct {
	ActiveBill
	Connections []VPNConnection
}

// ConnectionState is the explicit lifecycle state derived from the nullable
// ownership and lease fields.
type ConnectionState string

const (
	// StateUnassigned: no owner; the slot is free for purchase.
	StateUnassigned ConnectionState = "unassigned"
	// StateReserved: owned but without a lease; held while a bill is pending.
	StateReserved ConnectionState = "reserved"
	// StateActive: owned, usable, lease running.
	StateActive ConnectionState = "active"
	// StateFrozen: owned but blocked; the lease expired and the grace window
	// has not run out yet.
	StateFrozen ConnectionState = "frozen"
)

// State derives the lifecycle state of the connection.
func (c VPNConnection) State() ConnectionState {
	return deriveState(c.UserID, c.Available, c.AvailableTo)
}

// State derives the lifecycle state of the connection summary.
func (c ConnectionSummary) State() ConnectionState {
	return deriveState(c.UserID, c.Available, c.AvailableTo)
}

func deriveState(userID sql.NullInt64, available bool, availableTo sql.NullTime) ConnectionState {
	switch {
	case !userID.Valid:
		return StateUnassigned
	case !availableTo.Valid:
		return StateReserved
	case available:
		return StateActive
	default:
		return StateFrozen
	}
}

// LeaseExpired reports whether the lease ran out before now. Connections
// without a lease never expire.
func (c ConnectionSummary) LeaseExpired(now time.Time) bool {
	return c.AvailableTo.Valid && c.AvailableTo.Time.Before(now)
}

// GraceExceeded reports whether the lease ran out more than grace ago.
func (c ConnectionSummary) GraceExceeded(now time.Time, grace time.Duration) bool {
	return c.AvailableTo.Valid && c.AvailableTo.Time.Before(now.Add(-grace))
}

// legalTransitions enumerates the permitted lifecycle moves. Self-moves are
// always allowed (idempotent re-application).
var legalTransitions = map[ConnectionState][]ConnectionState{
	StateUnassigned: {StateReserved},
	StateReserved:   {StateActive, StateUnassigned},
	StateActive:     {StateFrozen, StateActive},
	StateFrozen:     {StateActive, StateUnassigned},
}

// CanTransition reports whether moving a connection from one lifecycle state
// to another is legal.
func CanTransition(from, to ConnectionState) bool {
	if from == to {
		return true
	}
	for _, next := range legalTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}
