package handshake

import (
	"crypto/subtle"
	"io"

	"github.com/flynn/noise"
	"golang.org/x/crypto/blake2s"
	"golang.org/x/crypto/hkdf"
	"golang.zx2c4.com/wireguard/wgctrl/wgtypes"

	"github.com/opd-ai/meshcore/crypto"
	"github.com/opd-ai/meshcore/packet"
)

const (
	labelRequestTag  = "meshcore v1 request tag"
	labelResponseTag = "meshcore v1 response tag"
	labelSessionSalt = "meshcore v1 session salt"
	labelSessionKey  = "meshcore v1 session key"
)

var dh = noise.DH25519

// expand runs HKDF-BLAKE2s and returns a 32-byte key.
func expand(secret, salt []byte, info string) [32]byte {
	var out [32]byte
	r := hkdf.New(noise.HashBLAKE2s.Hash, secret, salt, []byte(info))
	// HKDF can only fail after 255 blocks; 32 bytes never hits that.
	_, _ = io.ReadFull(r, out[:])
	return out
}

// tagKeys derives both direction tag keys from the static-static secret.
// The secret is symmetric, so both ends compute the same pair.
func tagKeys(local wgtypes.Key, peer wgtypes.Key) (req, resp [32]byte, err error) {
	ss, err := dh.DH(local[:], peer[:])
	if err != nil {
		return req, resp, err
	}
	defer crypto.ZeroBytes(ss)
	return expand(ss, nil, labelRequestTag), expand(ss, nil, labelResponseTag), nil
}

func mac(key [32]byte, parts ...[]byte) [packet.TagSize]byte {
	var tag [packet.TagSize]byte
	// New128 only fails for empty or oversized keys.
	h, _ := blake2s.New128(key[:])
	for _, p := range parts {
		h.Write(p)
	}
	copy(tag[:], h.Sum(nil))
	return tag
}

func tagEqual(a, b [packet.TagSize]byte) bool {
	return subtle.ConstantTimeCompare(a[:], b[:]) == 1
}

// sessionKey combines the classical and post-quantum secrets with the full
// transcript of public keys.
func sessionKey(dhEE, kemSS []byte, sI, sR wgtypes.Key, eI, eR [packet.EphemeralSize]byte) wgtypes.Key {
	h := noise.HashBLAKE2s.Hash()
	h.Write([]byte(labelSessionSalt))
	h.Write(sI[:])
	h.Write(sR[:])
	h.Write(eI[:])
	h.Write(eR[:])
	salt := h.Sum(nil)

	ikm := make([]byte, 0, len(dhEE)+len(kemSS))
	ikm = append(ikm, dhEE...)
	ikm = append(ikm, kemSS...)
	defer crypto.ZeroBytes(ikm)

	return wgtypes.Key(expand(ikm, salt, labelSessionKey))
}
