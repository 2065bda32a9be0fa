package handshake

import (
	"fmt"

	"github.com/cloudflare/circl/kem"
	"github.com/cloudflare/circl/kem/kyber/kyber768"

	"github.com/opd-ai/meshcore/packet"
)

var kemScheme = kyber768.Scheme()

// newKEM creates a Kyber768 key pair and returns the packed public key.
func newKEM() (kem.PrivateKey, [packet.KEMPublicKeySize]byte, error) {
	var packed [packet.KEMPublicKeySize]byte
	pk, sk, err := kemScheme.GenerateKeyPair()
	if err != nil {
		return nil, packed, fmt.Errorf("kyber768 keygen: %w", err)
	}
	raw, err := pk.MarshalBinary()
	if err != nil {
		return nil, packed, fmt.Errorf("kyber768 marshal: %w", err)
	}
	copy(packed[:], raw)
	return sk, packed, nil
}

// encapsulate produces a ciphertext and shared secret for the peer's public key.
func encapsulate(packed [packet.KEMPublicKeySize]byte) ([packet.KEMCiphertextSize]byte, []byte, error) {
	var ct [packet.KEMCiphertextSize]byte
	pk, err := kemScheme.UnmarshalBinaryPublicKey(packed[:])
	if err != nil {
		return ct, nil, err
	}
	raw, ss, err := kemScheme.Encapsulate(pk)
	if err != nil {
		return ct, nil, err
	}
	copy(ct[:], raw)
	return ct, ss, nil
}

// decapsulate recovers the shared secret. Kyber uses implicit rejection, so a
// tampered ciphertext yields an unrelated secret rather than an error.
func decapsulate(sk kem.PrivateKey, ct [packet.KEMCiphertextSize]byte) ([]byte, error) {
	return kemScheme.Decapsulate(sk, ct[:])
}
