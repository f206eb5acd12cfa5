package fleet

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ig-rudenko/axo-vpn-bot/internal/fleet/config"
	"github.com/ig-rudenko/axo-vpn-bot/internal/shared/logger"
)

func newTestConfig(t *testing.T) *config.Config {
	t.Helper()

	cfg := &config.Config{}
	cfg.DB.Path = filepath.Join(t.TempDir(), "fleet.db")
	cfg.Service.ShutdownTimeout = 5 * time.Second
	require.NoError(t, cfg.Validate())
	return cfg
}

func newTestService(t *testing.T) *Service {
	t.Helper()

	svc, err := NewService(newTestConfig(t), logger.NewDevelopment("fleetd-test"))
	require.NoError(t, err)
	svc.disableSignalHandling = true
	return svc
}

func TestServiceStartStop(t *testing.T) {
	svc := newTestService(t)

	require.NoError(t, svc.Start())
	assert.Error(t, svc.Start(), "second start must be rejected")

	// Give the loops a moment to run their first pass against the empty
	// database before shutting down.
	time.Sleep(50 * time.Millisecond)

	require.NoError(t, svc.Stop())
	assert.NoError(t, svc.Stop(), "stop must be idempotent")
}

func TestServiceStopLoop(t *testing.T) {
	svc := newTestService(t)
	require.NoError(t, svc.Start())
	defer svc.Stop()

	assert.True(t, svc.StopLoop("payment-reconciler"))
	assert.False(t, svc.StopLoop("no-such-loop"))
}

func TestServiceComponentAccessors(t *testing.T) {
	svc := newTestService(t)
	defer svc.Stop()

	assert.NotNil(t, svc.Store())
	assert.NotNil(t, svc.Reservation())
}
