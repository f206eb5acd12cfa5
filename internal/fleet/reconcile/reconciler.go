// Package reconcile keeps the connection table in sync with the peer config
// files that actually exist on the fleet's hosts.
package reconcile

import (
	"context"
	"log/slog"
	"time"

	"github.com/ig-rudenko/axo-vpn-bot/internal/fleet/db"
	"github.com/ig-rudenko/axo-vpn-bot/internal/fleet/remote"
	"github.com/ig-rudenko/axo-vpn-bot/internal/fleet/wgconf"
	apperrors "github.com/ig-rudenko/axo-vpn-bot/internal/shared/errors"
	applogger "github.com/ig-rudenko/axo-vpn-bot/internal/shared/logger"
)

// ConfigReconciler discovers peer config files on every server and mirrors
// them into the connection table. Connections present on disk but missing in
// the table are created unassigned; stored config text that drifted from the
// host is overwritten. Ownership is never touched.
type ConfigReconciler struct {
	interval   time.Duration
	store      db.Store
	sessions   remote.SessionFactory
	allowedIPs []string
	logger     *applogger.Logger
}

// NewConfigReconciler creates a config reconciler.
func NewConfigReconciler(interval time.Duration, store db.Store, sessions remote.SessionFactory, allowedIPs []string, logger *applogger.Logger) *ConfigReconciler {
	if interval <= 0 {
		interval = 10 * time.Minute
	}
	return &ConfigReconciler{
		interval:   interval,
		store:      store,
		sessions:   sessions,
		allowedIPs: allowedIPs,
		logger:     logger.WithComponent("reconcile"),
	}
}

// Start begins the reconciliation loop. Blocks until ctx is canceled.
func (r *ConfigReconciler) Start(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	r.logger.InfoContext(ctx, "config reconciler started",
		slog.Duration("interval", r.interval))

	r.RunPass(ctx)

	for {
		select {
		case <-ctx.Done():
			r.logger.InfoContext(ctx, "config reconciler stopped")
			return
		case <-ticker.C:
			r.RunPass(ctx)
		}
	}
}

// RunPass reconciles every server once. A failing server is logged and
// skipped; it never aborts the pass.
func (r *ConfigReconciler) RunPass(ctx context.Context) {
	servers, err := r.store.ListServers(ctx)
	if err != nil {
		r.logger.ErrorCtx(ctx, "failed to list servers", err)
		return
	}

	for _, server := range servers {
		if ctx.Err() != nil {
			return
		}
		if err := r.reconcileServer(ctx, server); err != nil {
			r.logger.ErrorCtx(ctx, "server reconciliation failed", err,
				slog.String("server", server.Name),
				slog.String("location", server.Location))
		}
	}
}

func (r *ConfigReconciler) reconcileServer(ctx context.Context, server db.Server) error {
	r.logger.DebugContext(ctx, "reconciling server",
		slog.String("server", server.Name), slog.String("location", server.Location))

	session, err := r.sessions.Open(ctx, server)
	if err != nil {
		return err
	}
	defer session.Close()

	configs, err := session.CollectConfigs(ctx)
	if err != nil {
		return err
	}

	for _, cfg := range configs {
		if err := r.reconcileConfig(ctx, server, cfg); err != nil {
			r.logger.ErrorCtx(ctx, "config reconciliation failed", err,
				slog.String("server", server.Name),
				slog.String("file", cfg.FileName))
		}
	}
	return nil
}

func (r *ConfigReconciler) reconcileConfig(ctx context.Context, server db.Server, cfg *wgconf.Config) error {
	conn, err := r.store.GetConnectionByServerAndIP(ctx, server.ID, cfg.ClientIPv4)
	if apperrors.IsNotFound(err) {
		r.logger.InfoContext(ctx, "adding discovered connection",
			slog.String("server", server.Name),
			slog.String("local_ip", cfg.ClientIPv4))

		_, err := r.store.CreateConnection(ctx, db.CreateConnectionParams{
			ServerID:   server.ID,
			LocalIP:    cfg.ClientIPv4,
			Config:     cfg.Canonical(r.allowedIPs),
			ClientName: cfg.FileName,
		})
		return err
	}
	if err != nil {
		return err
	}

	if canonical := cfg.Canonical(r.allowedIPs); conn.Config != canonical {
		r.logger.InfoContext(ctx, "updating drifted connection config",
			slog.String("server", server.Name),
			slog.String("local_ip", cfg.ClientIPv4))
		return r.store.UpdateConnectionConfig(ctx, conn.ID, canonical)
	}
	return nil
}
