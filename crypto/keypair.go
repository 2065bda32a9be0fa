package crypto

import (
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/curve25519"
	"golang.zx2c4.com/wireguard/wgctrl/wgtypes"
)

// ErrInvalidKey is returned for keys that are malformed or not a valid curve point.
var ErrInvalidKey = errors.New("invalid key")

// KeyPair is a WireGuard identity: a clamped X25519 private key and its public key.
type KeyPair struct {
	Public  wgtypes.Key
	Private wgtypes.Key
}

// GenerateKeyPair creates a new random identity.
func GenerateKeyPair() (*KeyPair, error) {
	private, err := wgtypes.GeneratePrivateKey()
	if err != nil {
		return nil, fmt.Errorf("generate private key: %w", err)
	}
	return FromSecretKey(private)
}

// FromSecretKey derives the key pair for an existing private key.
// All-zero keys and keys whose public point degenerates to zero are rejected.
func FromSecretKey(secret wgtypes.Key) (*KeyPair, error) {
	if IsZeroKey(secret) {
		return nil, fmt.Errorf("%w: all zeros", ErrInvalidKey)
	}

	public, err := curve25519.X25519(secret[:], curve25519.Basepoint)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}

	kp := &KeyPair{Private: secret}
	copy(kp.Public[:], public)
	if IsZeroKey(kp.Public) {
		return nil, fmt.Errorf("%w: degenerate public key", ErrInvalidKey)
	}
	return kp, nil
}

// ParseKey decodes a key from base64 (padded or raw) or from 64 hex characters.
func ParseKey(s string) (wgtypes.Key, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return wgtypes.Key{}, fmt.Errorf("%w: empty", ErrInvalidKey)
	}

	var raw []byte
	if b, err := base64.StdEncoding.DecodeString(s); err == nil && len(b) == wgtypes.KeyLen {
		raw = b
	} else if b, err := base64.RawStdEncoding.DecodeString(s); err == nil && len(b) == wgtypes.KeyLen {
		raw = b
	} else if b, err := hex.DecodeString(s); err == nil && len(b) == wgtypes.KeyLen {
		raw = b
	} else {
		return wgtypes.Key{}, fmt.Errorf("%w: cannot decode %d-character key", ErrInvalidKey, len(s))
	}

	key, err := wgtypes.NewKey(raw)
	if err != nil {
		return wgtypes.Key{}, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	return key, nil
}

// ValidatePublicKey reports whether a peer public key can be used in a handshake.
func ValidatePublicKey(key wgtypes.Key) error {
	if IsZeroKey(key) {
		return fmt.Errorf("%w: all zeros", ErrInvalidKey)
	}
	return nil
}

// HexKey renders a key the way the WireGuard UAPI protocol expects it.
func HexKey(key wgtypes.Key) string {
	return hex.EncodeToString(key[:])
}

// IsZeroKey reports whether a key consists only of zero bytes.
func IsZeroKey(key wgtypes.Key) bool {
	var acc byte
	for _, b := range key {
		acc |= b
	}
	return acc == 0
}
