// Package lifecycle enforces lease expiry on VPN connections: expired leases
// get frozen, abandoned ones get their keys rotated and returned to the pool.
package lifecycle

import (
	"context"
	"log/slog"
	"time"

	"github.com/ig-rudenko/axo-vpn-bot/internal/fleet/db"
	"github.com/ig-rudenko/axo-vpn-bot/internal/fleet/events"
	"github.com/ig-rudenko/axo-vpn-bot/internal/fleet/remote"
	"github.com/ig-rudenko/axo-vpn-bot/internal/fleet/wgconf"
	apperrors "github.com/ig-rudenko/axo-vpn-bot/internal/shared/errors"
	applogger "github.com/ig-rudenko/axo-vpn-bot/internal/shared/logger"
)

// Manager walks all connections on a fixed period and applies lease policy.
// A lease expired within the grace window freezes the connection in place;
// past the grace window the peer's keys are rotated and the slot is released
// back to the pool.
type Manager struct {
	interval time.Duration
	grace    time.Duration

	store      db.Store
	sessions   remote.SessionFactory
	bus        *events.FleetEventBus
	allowedIPs []string
	logger     *applogger.Logger

	now func() time.Time
}

// NewManager creates a lifecycle manager.
func NewManager(interval, grace time.Duration, store db.Store, sessions remote.SessionFactory, bus *events.FleetEventBus, allowedIPs []string, logger *applogger.Logger) *Manager {
	if interval <= 0 {
		interval = 10 * time.Minute
	}
	if grace <= 0 {
		grace = 5 * 24 * time.Hour
	}
	return &Manager{
		interval:   interval,
		grace:      grace,
		store:      store,
		sessions:   sessions,
		bus:        bus,
		allowedIPs: allowedIPs,
		logger:     logger.WithComponent("lifecycle"),
		now:        time.Now,
	}
}

// Start begins the lease enforcement loop. Blocks until ctx is canceled.
func (m *Manager) Start(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	m.logger.InfoContext(ctx, "lifecycle manager started",
		slog.Duration("interval", m.interval),
		slog.Duration("grace", m.grace))

	m.RunPass(ctx)

	for {
		select {
		case <-ctx.Done():
			m.logger.InfoContext(ctx, "lifecycle manager stopped")
			return
		case <-ticker.C:
			m.RunPass(ctx)
		}
	}
}

// RunPass applies lease policy to every connection once. Failures are
// per-connection: they are logged and never abort the pass.
func (m *Manager) RunPass(ctx context.Context) {
	connections, err := m.store.ListConnectionSummaries(ctx)
	if err != nil {
		m.logger.ErrorCtx(ctx, "failed to list connections", err)
		return
	}

	for _, conn := range connections {
		if ctx.Err() != nil {
			return
		}
		if err := m.processConnection(ctx, conn); err != nil {
			m.logger.ErrorCtx(ctx, "connection lease processing failed", err,
				slog.Int64("connection_id", conn.ID),
				slog.String("local_ip", conn.LocalIP))
		}
	}
}

func (m *Manager) processConnection(ctx context.Context, conn db.ConnectionSummary) error {
	now := m.now()
	if !conn.LeaseExpired(now) {
		return nil
	}

	// A pending bill may be about to extend this lease; leave the
	// connection alone until the bill resolves.
	hasBill, err := m.store.ConnectionHasActiveBill(ctx, conn.ID)
	if err != nil {
		return err
	}
	if hasBill {
		m.logger.DebugContext(ctx, "skipping connection with pending bill",
			slog.Int64("connection_id", conn.ID))
		return nil
	}

	if conn.GraceExceeded(now, m.grace) {
		return m.recreateConnection(ctx, conn)
	}
	return m.freezeConnection(ctx, conn)
}

// freezeConnection blackholes the peer's traffic while keeping its owner and
// lease, so a late renewal can still revive it.
func (m *Manager) freezeConnection(ctx context.Context, conn db.ConnectionSummary) error {
	server, err := m.store.GetServer(ctx, conn.ServerID)
	if apperrors.IsNotFound(err) {
		return nil
	}
	if err != nil {
		return err
	}

	m.logger.InfoContext(ctx, "freezing expired connection",
		slog.String("server", server.Name),
		slog.String("local_ip", conn.LocalIP))

	session, err := m.sessions.Open(ctx, server)
	if err != nil {
		return err
	}
	defer session.Close()

	if err := session.Freeze(ctx, conn.LocalIP); err != nil {
		return err
	}
	if err := m.store.SetConnectionUnavailable(ctx, conn.ID); err != nil {
		return err
	}

	return m.bus.PublishConnectionFrozen(events.ConnectionEvent{
		ConnectionID: conn.ID,
		ServerID:     server.ID,
		LocalIP:      conn.LocalIP,
		UserID:       conn.UserID.Int64,
	})
}

// recreateConnection rotates the abandoned peer's keys and releases the slot
// back to the pool. On remote failure the row is left untouched so the next
// pass retries.
func (m *Manager) recreateConnection(ctx context.Context, conn db.ConnectionSummary) error {
	server, err := m.store.GetServer(ctx, conn.ServerID)
	if apperrors.IsNotFound(err) {
		return nil
	}
	if err != nil {
		return err
	}

	m.logger.InfoContext(ctx, "recreating abandoned connection",
		slog.String("server", server.Name),
		slog.String("local_ip", conn.LocalIP))

	session, err := m.sessions.Open(ctx, server)
	if err != nil {
		return err
	}
	defer session.Close()

	// Freeze first so the old keys cannot pass traffic mid-rotation.
	if err := session.Freeze(ctx, conn.LocalIP); err != nil {
		return err
	}

	full, err := m.store.GetConnection(ctx, conn.ID)
	if apperrors.IsNotFound(err) {
		return nil
	}
	if err != nil {
		return err
	}

	cfg, err := wgconf.Parse(full.Config, full.ClientName)
	if err != nil {
		return err
	}

	newCfg, err := session.Regenerate(ctx, cfg)
	if err != nil {
		return err
	}
	if err := m.store.UpdateConnectionConfig(ctx, conn.ID, newCfg.Canonical(m.allowedIPs)); err != nil {
		return err
	}

	// Mirror the remote freeze in the row first so the release below is a
	// frozen-to-unassigned move.
	if err := m.store.SetConnectionUnavailable(ctx, conn.ID); err != nil {
		return err
	}
	if err := m.store.ReleaseConnection(ctx, conn.ID); err != nil {
		return err
	}

	return m.bus.PublishConnectionRecreated(events.ConnectionEvent{
		ConnectionID: conn.ID,
		ServerID:     server.ID,
		LocalIP:      conn.LocalIP,
		UserID:       conn.UserID.Int64,
	})
}
