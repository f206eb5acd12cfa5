package remote

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/ig-rudenko/axo-vpn-bot/internal/fleet/db"
	apperrors "github.com/ig-rudenko/axo-vpn-bot/internal/shared/errors"
	applogger "github.com/ig-rudenko/axo-vpn-bot/internal/shared/logger"
)

// Dialer opens a Runner against a fleet server.
type Dialer interface {
	Dial(ctx context.Context, server db.Server) (Runner, error)
}

// SSHDialer dials servers with password auth over SSH.
type SSHDialer struct {
	dialTimeout    time.Duration
	commandTimeout time.Duration
	logger         *applogger.Logger
}

// NewSSHDialer creates an SSH dialer with the given timeouts.
func NewSSHDialer(dialTimeout, commandTimeout time.Duration, logger *applogger.Logger) *SSHDialer {
	if dialTimeout <= 0 {
		dialTimeout = 10 * time.Second
	}
	if commandTimeout <= 0 {
		commandTimeout = 3 * time.Second
	}
	return &SSHDialer{
		dialTimeout:    dialTimeout,
		commandTimeout: commandTimeout,
		logger:         logger.WithComponent("remote.ssh"),
	}
}

// Dial connects to the server and returns a Runner bound to the connection.
func (d *SSHDialer) Dial(ctx context.Context, server db.Server) (Runner, error) {
	config := &ssh.ClientConfig{
		User: server.Login,
		Auth: []ssh.AuthMethod{
			ssh.Password(server.Password),
		},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         d.dialTimeout,
	}

	conn, err := ssh.Dial("tcp", server.Addr(), config)
	if err != nil {
		return nil, apperrors.NewRemoteError(apperrors.ErrCodeRemoteConnect,
			"failed to connect to host", true, err).
			WithMetadata("host", server.Addr())
	}

	return &sshRunner{
		conn:           conn,
		commandTimeout: d.commandTimeout,
		logger:         d.logger.With(slog.String("host", server.Addr())),
	}, nil
}

// sshRunner implements Runner on a live SSH connection.
type sshRunner struct {
	conn           *ssh.Client
	commandTimeout time.Duration
	mutex          sync.Mutex
	logger         *applogger.Logger
}

// Run executes a command with the configured per-command timeout.
func (r *sshRunner) Run(ctx context.Context, command string) (string, error) {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	ctx, cancel := context.WithTimeout(ctx, r.commandTimeout)
	defer cancel()

	session, err := r.conn.NewSession()
	if err != nil {
		return "", apperrors.NewRemoteError(apperrors.ErrCodeRemoteConnect,
			"failed to create ssh session", true, err)
	}
	defer session.Close()

	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			session.Signal(ssh.SIGKILL)
		case <-done:
		}
	}()

	output, err := session.CombinedOutput(command)
	close(done)

	if ctx.Err() != nil {
		return string(output), apperrors.NewRemoteError(apperrors.ErrCodeRemoteTimeout,
			"command timed out", true, ctx.Err()).
			WithMetadata("command", command)
	}
	if err != nil {
		var exitErr *ssh.ExitError
		if errors.As(err, &exitErr) {
			return string(output), &ExitError{Status: exitErr.ExitStatus(), Output: string(output)}
		}
		return string(output), apperrors.NewRemoteError(apperrors.ErrCodeRemoteCommand,
			"ssh command failed", true, err).
			WithMetadata("command", command)
	}

	r.logger.DebugContext(ctx, "command executed", slog.String("command", command))
	return string(output), nil
}

// Close closes the underlying SSH connection.
func (r *sshRunner) Close() error {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	return r.conn.Close()
}
