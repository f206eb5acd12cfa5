package lifecycle

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

const (
	testPrivateKey   = "bmV3LXByaXZhdGUta2V5LXBsYWNlaG9sZGVyMzJieSE="
	testPublicKey    = "bmV3LXB1YmxpYy1rZXktcGxhY2Vob2xkZXItMzJieSE="
	testPresharedKey = "bmV3LXByZXNoYXJlZC1rZXktcGxhY2Vob2xkZXIzMiE="
)

const testParamsFile = `SERVER_PUB_IP=203.0.113.5
SERVER_PUB_NIC=eth0
SERVER_WG_NIC=wg0
SERVER_WG_IPV4=10.66.66.1
SERVER_WG_IPV6=fd42:42:42::1
SERVER_PORT=51820
SERVER_PRIV_KEY=c2VydmVyLXByaXZhdGUta2V5LXBsYWNlaG9sZGVyMzI=
SERVER_PUB_KEY=c2VydmVyLXB1YmxpYy1rZXktcGxhY2Vob2xkISEhISE=
CLIENT_DNS_1=94.140.14.14
CLIENT_DNS_2=94.140.15.15
`

const testStoredConfig = `[Interface]
PrivateKey = cGxhY2Vob2xkZXItcHJpdmF0ZS1rZXktMzJieXRlcyE=
Address = 10.66.66.2/32,fd42:42:42::2/128
DNS = 94.140.14.14,94.140.15.15

[Peer]
PublicKey = c2VydmVyLXB1YmxpYy1rZXktcGxhY2Vob2xkISEhISE=
PresharedKey = cHJlc2hhcmVkLWtleS1wbGFjZWhvbGRlci0zMmJ5dGU=
Endpoint = 203.0.113.5:51820
AllowedIPs = 0.0.0.0/0,::/0`

var testAllowedIPs = []string{"64.0.0.0/2", "10.66.66.1/32", "::/0"}

var testNow = time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)

// wgHostRunner scripts the command surface the manager touches during
// freeze and key rotation.
type wgHostRunner struct {
	commands []string
	failOn   string
}

func (r *wgHostRunner) Run(_ context.Context, command string) (string, error) {
	r.commands = append(r.commands, command)
	if r.failOn != "" && strings.Contains(command, r.failOn) {
		return "", &remote.ExitError{Status: 1, Output: "boom"}
	}
	switch {
	case strings.Contains(command, "cat /etc/wireguard/params"):
		return testParamsFile, nil
	case strings.Contains(command, "wg genkey"):
		return testPrivateKey + "\n", nil
	case strings.Contains(command, "wg pubkey"):
		return testPublicKey + "\n", nil
	case strings.Contains(command, "wg genpsk"):
		return testPresharedKey + "\n", nil
	}
	return "", nil
}

func (r *wgHostRunner) Close() error { return nil }

func (r *wgHostRunner) ran(substr string) bool {
	for _, c := range r.commands {
		if strings.Contains(c, substr) {
			return true
		}
	}
	return false
}

type fakeFactory struct {
	runner *wgHostRunner
	logger *applogger.Logger
}

func (f *fakeFactory) Open(_ context.Context, _ db.Server) (*remote.Session, error) {
	return remote.NewSession(f.runner, "/root", "/etc/wireguard/params", f.logger), nil
}

type fixture struct {
	store   db.Store
	runner  *wgHostRunner
	bus     *events.FleetEventBus
	manager *Manager
	events  []string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	logger := applogger.NewDevelopment("test")
	_, store := db.NewTestDB(t)
	runner := &wgHostRunner{}
	bus := events.NewFleetEventBus(logger)
	t.Cleanup(func() { _ = bus.Close() })

	f := &fixture{store: store, runner: runner, bus: bus}
	bus.SubscribeToConnectionEvents(event.ListenerFunc(func(e event.Event) error {
		f.events = append(f.events, e.Name())
		return nil
	}))

	f.manager = NewManager(0, 0, store, &fakeFactory{runner: runner, logger: logger}, bus, testAllowedIPs, logger)
	f.manager.now = func() time.Time { return testNow }
	return f
}

func (f *fixture) seedLeased(t *testing.T, availableTo time.Time) db.VPNConnection {
	t.Helper()
	server := db.SeedTestServer(t, f.store, db.CreateServerParams{})
	user := db.SeedTestUser(t, f.store, 50)
	ctx := context.Background()

	conn, err := f.store.CreateConnection(ctx, db.CreateConnectionParams{
		ServerID:   server.ID,
		LocalIP:    "10.66.66.2",
		Config:     testStoredConfig,
		ClientName: "wg0-client-1.conf",
	})
	require.NoError(t, err)
	require.NoError(t, f.store.ReserveConnection(ctx, conn.ID, user.ID))
	require.NoError(t, f.store.ActivateConnection(ctx, conn.ID, user.ID, availableTo))

	conn, err = f.store.GetConnection(ctx, conn.ID)
	require.NoError(t, err)
	return conn
}

func TestRunPassFreezesExpiredWithinGrace(t *testing.T) {
	f := newFixture(t)
	conn := f.seedLeased(t, testNow.Add(-2*time.Hour))

	f.manager.RunPass(context.Background())

	got, err := f.store.GetConnection(context.Background(), conn.ID)
	require.NoError(t, err)
	assert.Equal(t, db.StateFrozen, got.State())
	assert.True(t, got.UserID.Valid, "grace window keeps the owner")
	assert.True(t, got.AvailableTo.Valid, "grace window keeps the lease")

	assert.True(t, f.runner.ran("ip route add 10.66.66.2 via 127.0.0.1"))
	assert.Equal(t, []string{events.EventConnectionFrozen}, f.events)
}

func TestRunPassRecreatesBeyondGrace(t *testing.T) {
	f := newFixture(t)
	conn := f.seedLeased(t, testNow.Add(-6*24*time.Hour))

	f.manager.RunPass(context.Background())

	got, err := f.store.GetConnection(context.Background(), conn.ID)
	require.NoError(t, err)
	assert.Equal(t, db.StateUnassigned, got.State(), "abandoned slot returns to the pool")
	assert.Contains(t, got.Config, "PrivateKey = "+testPrivateKey, "stored config carries the new keys")
	assert.Contains(t, got.Config, "AllowedIPs = 64.0.0.0/2, 10.66.66.1/32, ::/0")

	assert.True(t, f.runner.ran("ip route add 10.66.66.2"))
	assert.True(t, f.runner.ran("sed -i"))
	assert.True(t, f.runner.ran("wg syncconf"))
	assert.Equal(t, []string{events.EventConnectionRecreated}, f.events)
}

func TestRunPassSkipsLiveAndUnleased(t *testing.T) {
	f := newFixture(t)
	live := f.seedLeased(t, testNow.Add(24*time.Hour))

	server := db.SeedTestServer(t, f.store, db.CreateServerParams{Name: "other", IP: "198.51.100.9"})
	unleased := db.SeedTestConnection(t, f.store, server.ID, "10.66.66.5")

	f.manager.RunPass(context.Background())

	gotLive, err := f.store.GetConnection(context.Background(), live.ID)
	require.NoError(t, err)
	assert.Equal(t, db.StateActive, gotLive.State())

	gotUnleased, err := f.store.GetConnection(context.Background(), unleased.ID)
	require.NoError(t, err)
	assert.Equal(t, db.StateUnassigned, gotUnleased.State())

	assert.Empty(t, f.runner.commands, "no remote work for live or unleased connections")
	assert.Empty(t, f.events)
}

func TestRunPassSkipsConnectionWithPendingBill(t *testing.T) {
	f := newFixture(t)
	conn := f.seedLeased(t, testNow.Add(-7*24*time.Hour))
	ctx := context.Background()

	err := f.store.ExecTx(ctx, func(q *db.Queries) error {
		bill, err := q.CreateBill(ctx, db.CreateBillParams{
			BillID:        "pending-bill",
			UserID:        conn.UserID.Int64,
			BillType:      db.BillTypeExtend,
			RentMonths:    1,
			FormExpiresAt: testNow.Add(10 * time.Minute),
		})
		if err != nil {
			return err
		}
		return q.AssociateBillConnection(ctx, bill.ID, conn.ID)
	})
	require.NoError(t, err)

	f.manager.RunPass(ctx)

	got, err := f.store.GetConnection(ctx, conn.ID)
	require.NoError(t, err)
	assert.Equal(t, db.StateActive, got.State(), "a pending bill holds the connection in place")
	assert.Empty(t, f.runner.commands)
}

func TestRecreateFailureLeavesOwnership(t *testing.T) {
	f := newFixture(t)
	f.runner.failOn = "wg syncconf"
	conn := f.seedLeased(t, testNow.Add(-6*24*time.Hour))

	f.manager.RunPass(context.Background())

	got, err := f.store.GetConnection(context.Background(), conn.ID)
	require.NoError(t, err)
	assert.True(t, got.UserID.Valid, "remote failure must not release the slot")
	assert.Equal(t, testStoredConfig, got.Config, "remote failure must not rewrite the config")
	assert.Empty(t, f.events)
}
