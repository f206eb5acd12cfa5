package remote

import (
	"context"

	"github.com/ig-rudenko/axo-vpn-bot/internal/fleet/db"
	applogger "github.com/ig-rudenko/axo-vpn-bot/internal/shared/logger"
)

// SessionFactory opens a Session against a fleet server. The reconciliation
// loops depend on this instead of a concrete dialer.
type SessionFactory interface {
	Open(ctx context.Context, server db.Server) (*Session, error)
}

// Factory builds sessions from a dialer and the host layout settings.
type Factory struct {
	dialer       Dialer
	configFolder string
	paramsPath   string
	logger       *applogger.Logger
}

// NewFactory creates a session factory.
func NewFactory(dialer Dialer, configFolder, paramsPath string, logger *applogger.Logger) *Factory {
	return &Factory{
		dialer:       dialer,
		configFolder: configFolder,
		paramsPath:   paramsPath,
		logger:       logger,
	}
}

// Open dials the server and wraps the connection in a Session. The caller
// owns the session and must close it.
func (f *Factory) Open(ctx context.Context, server db.Server) (*Session, error) {
	runner, err := f.dialer.Dial(ctx, server)
	if err != nil {
		return nil, err
	}
	return NewSession(runner, f.configFolder, f.paramsPath, f.logger), nil
}
