package wgconf

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleClientConfig = `[Interface]
PrivateKey = cGxhY2Vob2xkZXItcHJpdmF0ZS1rZXktMzJieXRlcyE=
Address = 10.66.66.2/32,fd42:42:42::2/128
DNS = 94.140.14.14,94.140.15.15

[Peer]
PublicKey = c2VydmVyLXB1YmxpYy1rZXktcGxhY2Vob2xkISEhISE=
PresharedKey = cHJlc2hhcmVkLWtleS1wbGFjZWhvbGRlci0zMmJ5dGU=
Endpoint = 203.0.113.5:51820
AllowedIPs = 0.0.0.0/0,::/0`

const sampleParams = `SERVER_PUB_IP=203.0.113.5
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

func TestParse(t *testing.T) {
	cfg, err := Parse(sampleClientConfig, "wg0-client-7.conf")
	require.NoError(t, err)

	assert.Equal(t, "7", cfg.ClientID)
	assert.Equal(t, "10.66.66.2", cfg.ClientIPv4)
	assert.Equal(t, "fd42:42:42::2", cfg.ClientIPv6)
	assert.Equal(t, "203.0.113.5:51820", cfg.Endpoint)
	assert.Equal(t, []string{"94.140.14.14", "94.140.15.15"}, cfg.DNS)
	assert.Equal(t, sampleClientConfig, cfg.Text())
}

func TestParseErrors(t *testing.T) {
	_, err := Parse("", "wg0-client-1.conf")
	assert.Error(t, err, "empty file must not parse")

	_, err = Parse("[Interface]\nDNS = 1.1.1.1\n", "wg0-client-1.conf")
	assert.Error(t, err, "file without Address must not parse")
}

func TestParseForeignFileName(t *testing.T) {
	cfg, err := Parse(sampleClientConfig, "backup.conf")
	require.NoError(t, err)
	assert.Empty(t, cfg.ClientID)
}

func TestCanonicalRewritesRoutingLines(t *testing.T) {
	allowed := []string{"64.0.0.0/2", "10.66.66.1/32", "::/0"}

	cfg, err := Parse(sampleClientConfig, "wg0-client-7.conf")
	require.NoError(t, err)

	canonical := cfg.Canonical(allowed)
	assert.Contains(t, canonical, "Address = 10.66.66.2/32,fd42:42:42::2/128")
	assert.Contains(t, canonical, "DNS = 94.140.14.14,94.140.15.15")
	assert.Contains(t, canonical, "AllowedIPs = 64.0.0.0/2, 10.66.66.1/32, ::/0")
	assert.Contains(t, canonical, "PrivateKey = cGxhY2Vob2xkZXItcHJpdmF0ZS1rZXktMzJieXRlcyE=",
		"key lines must pass through verbatim")
}

func TestCanonicalIdempotent(t *testing.T) {
	allowed := []string{"0.0.0.0/0", "::/0"}

	cfg, err := Parse(sampleClientConfig, "wg0-client-7.conf")
	require.NoError(t, err)
	first := cfg.Canonical(allowed)

	reparsed, err := Parse(first, "wg0-client-7.conf")
	require.NoError(t, err)
	assert.Equal(t, first, reparsed.Canonical(allowed))
}

func TestParseParams(t *testing.T) {
	params, err := ParseParams(sampleParams)
	require.NoError(t, err)

	assert.Equal(t, "wg0", params.ServerWGNIC)
	assert.Equal(t, "203.0.113.5:51820", params.Endpoint())
	assert.Equal(t, "94.140.14.14", params.ClientDNS1)
}

func TestParseParamsMissingKeys(t *testing.T) {
	_, err := ParseParams("SERVER_PORT=51820\n")
	assert.Error(t, err)
}

func TestRenderClientFile(t *testing.T) {
	params, err := ParseParams(sampleParams)
	require.NoError(t, err)

	keys := KeyPair{
		PrivateKey:   "bmV3LXByaXZhdGUta2V5LXBsYWNlaG9sZGVyMzJieSE=",
		PublicKey:    "bmV3LXB1YmxpYy1rZXktcGxhY2Vob2xkZXItMzJieSE=",
		PresharedKey: "bmV3LXByZXNoYXJlZC1rZXktcGxhY2Vob2xkZXIzMiE=",
	}

	file := RenderClientFile("10.66.66.2", "fd42:42:42::2", params, keys)
	cfg, err := Parse(file, "wg0-client-7.conf")
	require.NoError(t, err)

	assert.Equal(t, "10.66.66.2", cfg.ClientIPv4)
	assert.Equal(t, "203.0.113.5:51820", cfg.Endpoint)
	assert.Contains(t, file, "PrivateKey = "+keys.PrivateKey)
	assert.Contains(t, file, "PublicKey = "+params.ServerPubKey)
}

func TestRenderPeerBlock(t *testing.T) {
	keys := KeyPair{
		PublicKey:    "bmV3LXB1YmxpYy1rZXktcGxhY2Vob2xkZXItMzJieSE=",
		PresharedKey: "bmV3LXByZXNoYXJlZC1rZXktcGxhY2Vob2xkZXIzMiE=",
	}

	block := RenderPeerBlock("7", "10.66.66.2", "fd42:42:42::2", keys)
	assert.Contains(t, block, "### Client 7\n")
	assert.Contains(t, block, "AllowedIPs = 10.66.66.2/32,fd42:42:42::2/128")
}

func TestKeyPairValidate(t *testing.T) {
	valid := KeyPair{
		PrivateKey:   "bmV3LXByaXZhdGUta2V5LXBsYWNlaG9sZGVyMzJieSE=",
		PublicKey:    "bmV3LXB1YmxpYy1rZXktcGxhY2Vob2xkZXItMzJieSE=",
		PresharedKey: "bmV3LXByZXNoYXJlZC1rZXktcGxhY2Vob2xkZXIzMiE=",
	}
	assert.NoError(t, valid.Validate())

	broken := valid
	broken.PublicKey = "not-a-key"
	assert.Error(t, broken.Validate())
}

func TestMatchFileName(t *testing.T) {
	assert.True(t, MatchFileName("wg0-client-1.conf"))
	assert.True(t, MatchFileName("wg0-client-42.conf"))
	assert.False(t, MatchFileName("wg0-client-.conf"))
	assert.False(t, MatchFileName("wg0.conf"))
	assert.False(t, MatchFileName("wg0-client-1.conf.bak"))
}
