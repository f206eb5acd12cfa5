package billing

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/gookit/event"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ig-rudenko/axo-vpn-bot/internal/fleet/db"
	"github.com/ig-rudenko/axo-vpn-bot/internal/fleet/events"
	"github.com/ig-rudenko/axo-vpn-bot/internal/fleet/remote"
	applogger "github.com/ig-rudenko/axo-vpn-bot/internal/shared/logger"
)

var testNow = time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)

// fakeGateway serves scripted statuses per bill id.
type fakeGateway struct {
	statuses map[string]Status
	errs     map[string]error
	created  []int64
}

func (g *fakeGateway) CreateBill(_ context.Context, amount int64) (BillRef, error) {
	g.created = append(g.created, amount)
	return BillRef{ID: "generated-bill", PayURL: "https://pay.example/generated", ExpiresAt: testNow.Add(10 * time.Minute)}, nil
}

func (g *fakeGateway) CheckStatus(_ context.Context, billID string) (Status, error) {
	if err := g.errs[billID]; err != nil {
		return "", err
	}
	return g.statuses[billID], nil
}

// routeRunner records route commands and optionally fails them.
type routeRunner struct {
	commands []string
	failOn   string
}

func (r *routeRunner) Run(_ context.Context, command string) (string, error) {
	r.commands = append(r.commands, command)
	if r.failOn != "" && strings.Contains(command, r.failOn) {
		return "", &remote.ExitError{Status: 1}
	}
	return "", nil
}

func (r *routeRunner) Close() error { return nil }

type fakeFactory struct {
	runner *routeRunner
	logger *applogger.Logger
}

func (f *fakeFactory) Open(_ context.Context, _ db.Server) (*remote.Session, error) {
	return remote.NewSession(f.runner, "/root", "/etc/wireguard/params", f.logger), nil
}

type fixture struct {
	store      db.Store
	gateway    *fakeGateway
	runner     *routeRunner
	reconciler *Reconciler
	events     []string
	slept      []time.Duration
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	logger := applogger.NewDevelopment("test")
	_, store := db.NewTestDB(t)
	gateway := &fakeGateway{statuses: map[string]Status{}, errs: map[string]error{}}
	runner := &routeRunner{}
	bus := events.NewFleetEventBus(logger)
	t.Cleanup(func() { _ = bus.Close() })

	f := &fixture{store: store, gateway: gateway, runner: runner}
	bus.SubscribeToBillEvents(event.ListenerFunc(func(e event.Event) error {
		f.events = append(f.events, e.Name())
		return nil
	}))

	f.reconciler = NewReconciler(0, 0, 0, 0, store, gateway, &fakeFactory{runner: runner, logger: logger}, bus, logger)
	f.reconciler.now = func() time.Time { return testNow }
	f.reconciler.sleep = func(_ context.Context, d time.Duration) {
		f.slept = append(f.slept, d)
	}
	return f
}

// seedBill creates a bill over freshly reserved connections.
func (f *fixture) seedBill(t *testing.T, billID string, kind db.BillType, months int64, conns ...db.VPNConnection) db.ActiveBill {
	t.Helper()
	ctx := context.Background()
	user := db.SeedTestUser(t, f.store, 77)

	var bill db.ActiveBill
	err := f.store.ExecTx(ctx, func(q *db.Queries) error {
		var err error
		bill, err = q.CreateBill(ctx, db.CreateBillParams{
			BillID:        billID,
			UserID:        user.ID,
			BillType:      kind,
			RentMonths:    months,
			FormExpiresAt: testNow.Add(10 * time.Minute),
			PayURL:        "https://pay.example/" + billID,
		})
		if err != nil {
			return err
		}
		for _, conn := range conns {
			if err := q.AssociateBillConnection(ctx, bill.ID, conn.ID); err != nil {
				return err
			}
		}
		return nil
	})
	require.NoError(t, err)
	return bill
}

func TestRunPassWaitingBillUntouched(t *testing.T) {
	f := newFixture(t)
	server := db.SeedTestServer(t, f.store, db.CreateServerParams{})
	conn := db.SeedTestConnection(t, f.store, server.ID, "10.66.66.2")
	f.seedBill(t, "waiting-bill", db.BillTypeNew, 1, conn)
	f.gateway.statuses["waiting-bill"] = StatusWaiting

	f.reconciler.RunPass(context.Background())

	bills, err := f.store.ListBillsWithConnections(context.Background())
	require.NoError(t, err)
	assert.Len(t, bills, 1, "waiting bill stays")
	assert.Empty(t, f.runner.commands)
	assert.Empty(t, f.events)
}

func TestRunPassRejectedNewBillReleasesConnections(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	server := db.SeedTestServer(t, f.store, db.CreateServerParams{})
	user := db.SeedTestUser(t, f.store, 77)
	conn := db.SeedTestConnection(t, f.store, server.ID, "10.66.66.2")
	require.NoError(t, f.store.ReserveConnection(ctx, conn.ID, user.ID))

	f.seedBill(t, "rejected-bill", db.BillTypeNew, 1, conn)
	f.gateway.statuses["rejected-bill"] = StatusRejected

	f.reconciler.RunPass(ctx)

	got, err := f.store.GetConnection(ctx, conn.ID)
	require.NoError(t, err)
	assert.Equal(t, db.StateUnassigned, got.State(), "reserved slot returns to the pool")

	bills, err := f.store.ListBillsWithConnections(ctx)
	require.NoError(t, err)
	assert.Empty(t, bills)
	assert.Equal(t, []string{events.EventBillCanceled}, f.events)
}

func TestRunPassRejectedExtendBillKeepsConnection(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	server := db.SeedTestServer(t, f.store, db.CreateServerParams{})
	user := db.SeedTestUser(t, f.store, 77)
	conn := db.SeedActiveConnection(t, f.store, server.ID, user.ID, "10.66.66.2", testNow.Add(24*time.Hour))

	f.seedBill(t, "rejected-extend", db.BillTypeExtend, 1, conn)
	f.gateway.statuses["rejected-extend"] = StatusExpired

	f.reconciler.RunPass(ctx)

	got, err := f.store.GetConnection(ctx, conn.ID)
	require.NoError(t, err)
	assert.Equal(t, db.StateActive, got.State(), "the existing lease is untouched")

	bills, err := f.store.ListBillsWithConnections(ctx)
	require.NoError(t, err)
	assert.Empty(t, bills, "terminal bills are always removed")
}

func TestRunPassPaidNewBillActivates(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	server := db.SeedTestServer(t, f.store, db.CreateServerParams{})
	user := db.SeedTestUser(t, f.store, 77)
	conn := db.SeedTestConnection(t, f.store, server.ID, "10.66.66.2")
	require.NoError(t, f.store.ReserveConnection(ctx, conn.ID, user.ID))

	f.seedBill(t, "paid-bill", db.BillTypeNew, 2, conn)
	f.gateway.statuses["paid-bill"] = StatusPaid

	f.reconciler.RunPass(ctx)

	got, err := f.store.GetConnection(ctx, conn.ID)
	require.NoError(t, err)
	assert.Equal(t, db.StateActive, got.State())
	require.True(t, got.AvailableTo.Valid)
	assert.Equal(t, testNow.Add(2*31*24*time.Hour), got.AvailableTo.Time.UTC(),
		"fresh lease runs from now for the requested months")

	assert.Contains(t, f.runner.commands, "ip route del 10.66.66.2 via 127.0.0.1")

	bills, err := f.store.ListBillsWithConnections(ctx)
	require.NoError(t, err)
	assert.Empty(t, bills)
	assert.Equal(t, []string{events.EventBillSettled}, f.events)
}

func TestRunPassPaidExtendBillExtendsFromOldLease(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	server := db.SeedTestServer(t, f.store, db.CreateServerParams{})
	user := db.SeedTestUser(t, f.store, 77)

	oldLease := testNow.Add(-time.Hour)
	conn := db.SeedActiveConnection(t, f.store, server.ID, user.ID, "10.66.66.2", oldLease)
	require.NoError(t, f.store.SetConnectionUnavailable(ctx, conn.ID))

	f.seedBill(t, "paid-extend", db.BillTypeExtend, 1, mustReload(t, f.store, conn.ID))
	f.gateway.statuses["paid-extend"] = StatusPaid

	f.reconciler.RunPass(ctx)

	got := mustReload(t, f.store, conn.ID)
	assert.Equal(t, db.StateActive, got.State(), "a paid extension unfreezes the connection")
	require.True(t, got.AvailableTo.Valid)
	assert.Equal(t, oldLease.Add(31*24*time.Hour), got.AvailableTo.Time.UTC(),
		"extension adds to the previous lease end, not to now")
}

func TestRunPassIndeterminateBacksOff(t *testing.T) {
	f := newFixture(t)
	server := db.SeedTestServer(t, f.store, db.CreateServerParams{})
	conn := db.SeedTestConnection(t, f.store, server.ID, "10.66.66.2")
	f.seedBill(t, "flaky-bill", db.BillTypeNew, 1, conn)
	f.gateway.errs["flaky-bill"] = unavailable(nil)

	f.reconciler.RunPass(context.Background())

	bills, err := f.store.ListBillsWithConnections(context.Background())
	require.NoError(t, err)
	assert.Len(t, bills, 1, "indeterminate status leaves the bill for the next pass")
	assert.Contains(t, f.slept, f.reconciler.backoff)
}

func TestRunPassUnfreezeFailureKeepsBill(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	server := db.SeedTestServer(t, f.store, db.CreateServerParams{})
	user := db.SeedTestUser(t, f.store, 77)
	conn := db.SeedTestConnection(t, f.store, server.ID, "10.66.66.2")
	require.NoError(t, f.store.ReserveConnection(ctx, conn.ID, user.ID))

	f.seedBill(t, "paid-bill", db.BillTypeNew, 1, conn)
	f.gateway.statuses["paid-bill"] = StatusPaid
	f.runner.failOn = "ip route del"

	f.reconciler.RunPass(ctx)

	got := mustReload(t, f.store, conn.ID)
	assert.Equal(t, db.StateReserved, got.State(), "no lease is granted until the host cooperates")

	bills, err := f.store.ListBillsWithConnections(ctx)
	require.NoError(t, err)
	assert.Len(t, bills, 1, "the bill survives for the next pass")
	assert.Empty(t, f.events)
}

func mustReload(t *testing.T, store db.Store, id int64) db.VPNConnection {
	t.Helper()
	conn, err := store.GetConnection(context.Background(), id)
	require.NoError(t, err)
	return conn
}
