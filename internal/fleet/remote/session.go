package remote

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"github.com/ig-rudenko/axo-vpn-bot/internal/fleet/wgconf"
	apperrors "github.com/ig-rudenko/axo-vpn-bot/internal/shared/errors"
	applogger "github.com/ig-rudenko/axo-vpn-bot/internal/shared/logger"
)

// routeExistsStatus is what ip(8) returns when the route to add or delete
// is already in the requested state.
const routeExistsStatus = 2

var configFileRe = regexp.MustCompile(`(wg0-client-\d+?\.conf)`)

// Session exposes the WireGuard host operations on top of a Runner. One
// session serves one server for the duration of a reconciliation pass.
type Session struct {
	runner       Runner
	configFolder string
	paramsPath   string
	logger       *applogger.Logger
}

// NewSession wraps a runner with the host operation set.
func NewSession(runner Runner, configFolder, paramsPath string, logger *applogger.Logger) *Session {
	if configFolder == "" {
		configFolder = "/root"
	}
	if paramsPath == "" {
		paramsPath = "/etc/wireguard/params"
	}
	return &Session{
		runner:       runner,
		configFolder: configFolder,
		paramsPath:   paramsPath,
		logger:       logger.WithComponent("remote.session"),
	}
}

// Close releases the underlying connection.
func (s *Session) Close() error {
	return s.runner.Close()
}

// ListConfigFiles returns the names of client config files on the host.
func (s *Session) ListConfigFiles(ctx context.Context) ([]string, error) {
	out, err := s.runner.Run(ctx, fmt.Sprintf("ls -l %s | grep %s", s.configFolder, wgconf.FilePrefix))
	if err != nil {
		// grep exits 1 when the host has no client files at all
		if status, ok := ExitStatus(err); ok && status == 1 {
			return nil, nil
		}
		return nil, err
	}
	return configFileRe.FindAllString(out, -1), nil
}

// ReadConfigFile reads one client config file body.
func (s *Session) ReadConfigFile(ctx context.Context, name string) (string, error) {
	return s.runner.Run(ctx, fmt.Sprintf("cat %s/%s", s.configFolder, name))
}

// CollectConfigs lists, reads and parses every client config on the host.
// Files that fail to parse are logged and skipped.
func (s *Session) CollectConfigs(ctx context.Context) ([]*wgconf.Config, error) {
	names, err := s.ListConfigFiles(ctx)
	if err != nil {
		return nil, err
	}

	configs := make([]*wgconf.Config, 0, len(names))
	for _, name := range names {
		body, err := s.ReadConfigFile(ctx, name)
		if err != nil {
			return nil, err
		}
		cfg, err := wgconf.Parse(body, name)
		if err != nil {
			s.logger.WarnContext(ctx, "skipping unparsable config file",
				slog.String("file", name), slog.String("error", err.Error()))
			continue
		}
		configs = append(configs, cfg)
	}
	return configs, nil
}

// Freeze blackholes the client's traffic by routing its tunnel address via
// loopback. An already present route is not an error.
func (s *Session) Freeze(ctx context.Context, connectionIP string) error {
	return s.runRoute(ctx, fmt.Sprintf("ip route add %s via 127.0.0.1", connectionIP))
}

// Unfreeze removes the blackhole route. An already absent route is not an
// error.
func (s *Session) Unfreeze(ctx context.Context, connectionIP string) error {
	return s.runRoute(ctx, fmt.Sprintf("ip route del %s via 127.0.0.1", connectionIP))
}

func (s *Session) runRoute(ctx context.Context, command string) error {
	_, err := s.runner.Run(ctx, command)
	if err != nil {
		if status, ok := ExitStatus(err); ok && status == routeExistsStatus {
			return nil
		}
		return err
	}
	return nil
}

// HostParams reads and parses the WireGuard interface parameters file.
func (s *Session) HostParams(ctx context.Context) (wgconf.Params, error) {
	out, err := s.runner.Run(ctx, "cat "+s.paramsPath)
	if err != nil {
		return wgconf.Params{}, err
	}
	return wgconf.ParseParams(out)
}

// GenerateKeyPair generates a fresh client key set with the host's wg
// binary.
func (s *Session) GenerateKeyPair(ctx context.Context) (wgconf.KeyPair, error) {
	private, err := s.runner.Run(ctx, "wg genkey")
	if err != nil {
		return wgconf.KeyPair{}, err
	}
	private = strings.TrimSpace(private)

	public, err := s.runner.Run(ctx, fmt.Sprintf("echo %q | wg pubkey", private))
	if err != nil {
		return wgconf.KeyPair{}, err
	}

	preshared, err := s.runner.Run(ctx, "wg genpsk")
	if err != nil {
		return wgconf.KeyPair{}, err
	}

	keys := wgconf.KeyPair{
		PrivateKey:   private,
		PublicKey:    strings.TrimSpace(public),
		PresharedKey: strings.TrimSpace(preshared),
	}
	if err := keys.Validate(); err != nil {
		return wgconf.KeyPair{}, err
	}
	return keys, nil
}

// Regenerate rotates the client's keys in place: the old peer and client
// file are removed, fresh keys are generated and the peer is re-added with
// the same tunnel addresses. Returns the new client config.
func (s *Session) Regenerate(ctx context.Context, cfg *wgconf.Config) (*wgconf.Config, error) {
	params, err := s.HostParams(ctx)
	if err != nil {
		return nil, wrapRotation(err, cfg.FileName)
	}
	keys, err := s.GenerateKeyPair(ctx)
	if err != nil {
		return nil, wrapRotation(err, cfg.FileName)
	}

	if err := s.removeClient(ctx, cfg, params); err != nil {
		return nil, wrapRotation(err, cfg.FileName)
	}
	if err := s.syncInterface(ctx, params); err != nil {
		return nil, wrapRotation(err, cfg.FileName)
	}

	newCfg, err := s.writeClientFile(ctx, cfg, params, keys)
	if err != nil {
		return nil, wrapRotation(err, cfg.FileName)
	}
	if err := s.addClient(ctx, newCfg, params, keys); err != nil {
		return nil, wrapRotation(err, cfg.FileName)
	}
	if err := s.syncInterface(ctx, params); err != nil {
		return nil, wrapRotation(err, cfg.FileName)
	}

	return newCfg, nil
}

// removeClient deletes the peer block from the server interface config and
// the generated client file.
func (s *Session) removeClient(ctx context.Context, cfg *wgconf.Config, params wgconf.Params) error {
	_, err := s.runner.Run(ctx, fmt.Sprintf(
		`sed -i "/^### Client %s\$/,/^$/d" "/etc/wireguard/%s.conf"`,
		cfg.ClientID, params.ServerWGNIC))
	if err != nil {
		return err
	}
	_, err = s.runner.Run(ctx, fmt.Sprintf(`rm -f "%s/%s"`, s.configFolder, cfg.FileName))
	return err
}

// writeClientFile renders and appends the new client config file, then
// parses it back.
func (s *Session) writeClientFile(ctx context.Context, cfg *wgconf.Config, params wgconf.Params, keys wgconf.KeyPair) (*wgconf.Config, error) {
	body := wgconf.RenderClientFile(cfg.ClientIPv4, cfg.ClientIPv6, params, keys)
	_, err := s.runner.Run(ctx, fmt.Sprintf(`echo "%s" >>"%s/%s"`, body, s.configFolder, cfg.FileName))
	if err != nil {
		return nil, err
	}
	return wgconf.Parse(body, cfg.FileName)
}

// addClient appends the peer block to the server interface config.
func (s *Session) addClient(ctx context.Context, cfg *wgconf.Config, params wgconf.Params, keys wgconf.KeyPair) error {
	block := wgconf.RenderPeerBlock(cfg.ClientID, cfg.ClientIPv4, cfg.ClientIPv6, keys)
	_, err := s.runner.Run(ctx, fmt.Sprintf(
		`echo -e "\n%s" >>"/etc/wireguard/%s.conf"`, block, params.ServerWGNIC))
	return err
}

// syncInterface applies the interface config without dropping live peers.
func (s *Session) syncInterface(ctx context.Context, params wgconf.Params) error {
	_, err := s.runner.Run(ctx, fmt.Sprintf(
		`wg syncconf "%s" <(wg-quick strip "%s")`, params.ServerWGNIC, params.ServerWGNIC))
	return err
}

func wrapRotation(err error, fileName string) error {
	return apperrors.NewWireGuardError(apperrors.ErrCodeKeyRotation,
		"key rotation failed", true, err).
		WithMetadata("file", fileName)
}
