package events

import (
	"testing"
	"time"

	"github.com/gookit/event"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	applogger "github.com/ig-rudenko/axo-vpn-bot/internal/shared/logger"
)

func newTestBus(t *testing.T) *FleetEventBus {
	t.Helper()
	bus := NewFleetEventBus(applogger.NewDevelopment("test"))
	t.Cleanup(func() { _ = bus.Close() })
	return bus
}

func TestPublishConnectionFrozen(t *testing.T) {
	bus := newTestBus(t)

	var received ConnectionEvent
	listener := event.ListenerFunc(func(e event.Event) error {
		received = e.Get("payload").(ConnectionEvent)
		return nil
	})
	bus.Subscribe(EventConnectionFrozen, listener)

	err := bus.PublishConnectionFrozen(ConnectionEvent{
		ConnectionID: 3,
		ServerID:     1,
		LocalIP:      "10.66.66.2",
		UserID:       7,
	})
	require.NoError(t, err)

	assert.Equal(t, int64(3), received.ConnectionID)
	assert.Equal(t, "10.66.66.2", received.LocalIP)
	assert.False(t, received.Timestamp.IsZero(), "timestamp must be filled in")
}

func TestSubscribeToConnectionEventsSeesAll(t *testing.T) {
	bus := newTestBus(t)

	var names []string
	bus.SubscribeToConnectionEvents(event.ListenerFunc(func(e event.Event) error {
		names = append(names, e.Name())
		return nil
	}))

	payload := ConnectionEvent{ConnectionID: 1, ServerID: 1, LocalIP: "10.66.66.2"}
	require.NoError(t, bus.PublishConnectionFrozen(payload))
	require.NoError(t, bus.PublishConnectionRecreated(payload))
	require.NoError(t, bus.PublishConnectionActivated(payload))
	require.NoError(t, bus.PublishConnectionReleased(payload))

	assert.Equal(t, []string{
		EventConnectionFrozen,
		EventConnectionRecreated,
		EventConnectionActivated,
		EventConnectionReleased,
	}, names)
}

func TestPublishBillSettledKeepsTimestamp(t *testing.T) {
	bus := newTestBus(t)

	ts := time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)
	var received BillEvent
	bus.Subscribe(EventBillSettled, event.ListenerFunc(func(e event.Event) error {
		received = e.Get("payload").(BillEvent)
		return nil
	}))

	err := bus.PublishBillSettled(BillEvent{
		BillID:      "abc",
		UserID:      1,
		BillType:    "new",
		RentMonths:  2,
		Connections: []int64{4, 5},
		Timestamp:   ts,
	})
	require.NoError(t, err)

	assert.Equal(t, ts, received.Timestamp)
	assert.Equal(t, []int64{4, 5}, received.Connections)
}

func TestAuditLoggerHandlesEvents(t *testing.T) {
	bus := newTestBus(t)
	NewAuditLogger(bus, applogger.NewDevelopment("test"))

	// Publishing with an audit subscriber attached must not error.
	require.NoError(t, bus.PublishConnectionFrozen(ConnectionEvent{ConnectionID: 1}))
	require.NoError(t, bus.PublishBillCanceled(BillEvent{BillID: "x"}))
}
