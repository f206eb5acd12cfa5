// Package wgconf models WireGuard client configuration files and the host
// interface parameters they are rendered from.
package wgconf

import (
	"fmt"
	"regexp"
	"strings"

	apperrors "github.com/ig-rudenko/axo-vpn-bot/internal/shared/errors"
	"github.com/ig-rudenko/axo-vpn-bot/pkg/wgkeys"
)

// FilePrefix is the common prefix of client config files on a host.
const FilePrefix = "wg0-client"

var (
	fileNameRe = regexp.MustCompile(`^wg0-client-(\d+)\.conf$`)
	addressRe  = regexp.MustCompile(`^Address = (\S+)/32,(\S+)/128`)
	endpointRe = regexp.MustCompile(`^Endpoint = (\S+):(\S+)`)
	dnsRe      = regexp.MustCompile(`^DNS = (\S+)`)
)

// Config is a parsed client configuration file. Lines preserves the file
// verbatim; the extracted fields drive lookups and re-rendering.
type Config struct {
	FileName   string
	ClientID   string
	Lines      []string
	ClientIPv4 string
	ClientIPv6 string
	Endpoint   string
	DNS        []string
}

// Parse extracts the client fields from a config file body. The file name is
// optional; when it matches the client naming scheme the numeric id is
// captured.
func Parse(text, fileName string) (*Config, error) {
	if strings.TrimSpace(text) == "" {
		return nil, apperrors.NewWireGuardError(apperrors.ErrCodeConfigParse,
			fmt.Sprintf("config file %q is empty", fileName), false, nil)
	}

	cfg := &Config{
		FileName: fileName,
		Lines:    strings.Split(text, "\n"),
	}
	if m := fileNameRe.FindStringSubmatch(fileName); m != nil {
		cfg.ClientID = m[1]
	}

	for _, line := range cfg.Lines {
		if m := addressRe.FindStringSubmatch(line); m != nil {
			cfg.ClientIPv4 = m[1]
			cfg.ClientIPv6 = m[2]
		}
		if m := endpointRe.FindStringSubmatch(line); m != nil {
			cfg.Endpoint = m[1] + ":" + m[2]
		}
		if m := dnsRe.FindStringSubmatch(line); m != nil {
			cfg.DNS = strings.Split(m[1], ",")
		}
	}

	if cfg.ClientIPv4 == "" {
		return nil, apperrors.NewWireGuardError(apperrors.ErrCodeConfigParse,
			fmt.Sprintf("config file %q has no Address line", fileName), false, nil)
	}
	return cfg, nil
}

// Text returns the file body exactly as parsed.
func (c *Config) Text() string {
	return strings.Join(c.Lines, "\n")
}

// Canonical re-emits the config with Address, DNS and AllowedIPs rebuilt
// from the parsed fields and the given AllowedIPs list. All other lines pass
// through verbatim. Canonical output is stable: parsing it and canonicalizing
// again yields the same text.
func (c *Config) Canonical(allowedIPs []string) string {
	var b strings.Builder
	for _, line := range c.Lines {
		switch {
		case strings.HasPrefix(line, "Address"):
			fmt.Fprintf(&b, "Address = %s/32,%s/128\n", c.ClientIPv4, c.ClientIPv6)
		case strings.HasPrefix(line, "DNS"):
			b.WriteString("DNS = " + strings.Join(c.DNS, ",") + "\n")
		case strings.HasPrefix(line, "AllowedIPs"):
			b.WriteString("AllowedIPs = " + strings.Join(allowedIPs, ", ") + "\n")
		default:
			b.WriteString(line + "\n")
		}
	}
	return strings.TrimSpace(b.String())
}

var paramLineRe = regexp.MustCompile(`([A-Z\d_]+)=(.+)`)

// Params holds the WireGuard interface parameters stored on each host at
// /etc/wireguard/params by the installer.
type Params struct {
	ServerPubIP   string
	ServerPubNIC  string
	ServerWGNIC   string
	ServerWGIPv4  string
	ServerWGIPv6  string
	ServerPort    string
	ServerPrivKey string
	ServerPubKey  string
	ClientDNS1    string
	ClientDNS2    string
}

// ParseParams reads KEY=value pairs from the params file body.
func ParseParams(text string) (Params, error) {
	values := map[string]string{}
	for _, m := range paramLineRe.FindAllStringSubmatch(text, -1) {
		values[m[1]] = strings.TrimSpace(m[2])
	}

	p := Params{
		ServerPubIP:   values["SERVER_PUB_IP"],
		ServerPubNIC:  values["SERVER_PUB_NIC"],
		ServerWGNIC:   values["SERVER_WG_NIC"],
		ServerWGIPv4:  values["SERVER_WG_IPV4"],
		ServerWGIPv6:  values["SERVER_WG_IPV6"],
		ServerPort:    values["SERVER_PORT"],
		ServerPrivKey: values["SERVER_PRIV_KEY"],
		ServerPubKey:  values["SERVER_PUB_KEY"],
		ClientDNS1:    values["CLIENT_DNS_1"],
		ClientDNS2:    values["CLIENT_DNS_2"],
	}
	if p.ServerPubIP == "" || p.ServerWGNIC == "" || p.ServerPubKey == "" {
		return Params{}, apperrors.NewWireGuardError(apperrors.ErrCodeHostParams,
			"params file is missing required keys", false, nil)
	}
	return p, nil
}

// Endpoint returns the public host:port clients connect to.
func (p Params) Endpoint() string {
	return p.ServerPubIP + ":" + p.ServerPort
}

// KeyPair is a freshly generated client key set.
type KeyPair struct {
	PrivateKey   string
	PublicKey    string
	PresharedKey string
}

// Validate checks that every key is well formed base64 key material.
func (k KeyPair) Validate() error {
	for name, key := range map[string]string{
		"private":   k.PrivateKey,
		"public":    k.PublicKey,
		"preshared": k.PresharedKey,
	} {
		if !wgkeys.IsValidKey(key) {
			return apperrors.NewWireGuardError(apperrors.ErrCodeInvalidKey,
				fmt.Sprintf("%s key is not a valid wireguard key", name), false, nil)
		}
	}
	return nil
}

// RenderClientFile renders a brand new client config file for the given
// tunnel addresses, matching the layout the installer produces.
func RenderClientFile(ipv4, ipv6 string, params Params, keys KeyPair) string {
	return fmt.Sprintf(`[Interface]
PrivateKey = %s
Address = %s/32,%s/128
DNS = %s,%s

[Peer]
PublicKey = %s
PresharedKey = %s
Endpoint = %s
AllowedIPs = 0.0.0.0/0,::/0`,
		keys.PrivateKey, ipv4, ipv6, params.ClientDNS1, params.ClientDNS2,
		params.ServerPubKey, keys.PresharedKey, params.Endpoint())
}

// RenderPeerBlock renders the peer section appended to the server interface
// config. The "### Client" marker is what peer removal matches on later.
func RenderPeerBlock(clientID, ipv4, ipv6 string, keys KeyPair) string {
	return fmt.Sprintf(`### Client %s
[Peer]
PublicKey = %s
PresharedKey = %s
AllowedIPs = %s/32,%s/128`,
		clientID, keys.PublicKey, keys.PresharedKey, ipv4, ipv6)
}

// MatchFileName reports whether name is a client config file.
func MatchFileName(name string) bool {
	return fileNameRe.MatchString(name)
}
