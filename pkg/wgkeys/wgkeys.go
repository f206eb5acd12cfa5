// Package wgkeys contains helpers for validating WireGuard key material
// returned by remote hosts.
package wgkeys

import (
	"encoding/base64"
	"fmt"
	"regexp"

	"golang.org/x/crypto/curve25519"
)

var validBase64 = regexp.MustCompile(`^[A-Za-z0-9+/]+=*$`)

// IsValidKey validates the format of a WireGuard key.
// It checks for correct length and valid base64 encoding.
func IsValidKey(key string) bool {
	// WireGuard keys are base64-encoded 32-byte values, which results in 44 characters.
	if len(key) != 44 {
		return false
	}

	if !validBase64.MatchString(key) {
		return false
	}

	// The ultimate test is to decode it.
	raw, err := base64.StdEncoding.DecodeString(key)
	return err == nil && len(raw) == 32
}

// DerivePublicKey derives a public key from a given private key. It is used
// to cross-check key pairs generated on a remote host before they are
// written into peer configuration.
func DerivePublicKey(privateKey string) (string, error) {
	privateKeyBytes, err := base64.StdEncoding.DecodeString(privateKey)
	if err != nil {
		return "", fmt.Errorf("private key is not valid base64: %w", err)
	}
	if len(privateKeyBytes) != 32 {
		return "", fmt.Errorf("private key has incorrect length: expected 32 bytes")
	}

	// Clamp the key according to WireGuard specification before deriving.
	clampPrivateKey(privateKeyBytes)

	publicKeyBytes, err := curve25519.X25519(privateKeyBytes, curve25519.Basepoint)
	if err != nil {
		return "", fmt.Errorf("failed to derive public key: %w", err)
	}

	return base64.StdEncoding.EncodeToString(publicKeyBytes), nil
}

// clampPrivateKey applies the clamping function to a private key as specified by WireGuard.
func clampPrivateKey(key []byte) {
	key[0] &= 248
	key[31] &= 127
	key[31] |= 64
}
