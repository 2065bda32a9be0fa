// Package handshake implements the hybrid post-quantum session key exchange
// that runs alongside WireGuard.
//
// The exchange is two messages. The initiator sends a HandshakeRequest with a
// fresh X25519 ephemeral key, a fresh Kyber768 public key and a timestamp; the
// responder answers with its own ephemeral key and a Kyber768 ciphertext. Both
// sides then derive the same 32-byte session key from
//
//	HKDF-BLAKE2s(DH(e_i, e_r) || kyber_shared_secret,
//	             salt = BLAKE2s(label || s_i || s_r || e_i || e_r))
//
// so the key stays secret as long as either X25519 or Kyber768 holds. The key
// is installed by the multiplexer as the WireGuard preshared key of the peer.
//
// Every handshake packet carries a 16-byte keyed BLAKE2s tag. The tag key is
// derived from the static-static X25519 secret, so only the two configured
// peers can produce valid packets. The response tag also covers the request
// tag, binding the pair together.
//
// # Trust boundaries
//
// Three entry points are kept separate so each boundary can be fuzzed on its
// own:
//
//   - [Engine.HandleRequest] takes raw bytes and checks the tag before looking
//     at any other field.
//   - [Engine.HandleRequestInner] takes an already authenticated request whose
//     contents are still attacker chosen.
//   - [Engine.HandleResponse] takes raw bytes on the initiator side.
//
// All three are total: any input returns either a result or a *ProtocolError.
//
// # Anti-replay
//
// A request for a peer is accepted only if its timestamp is strictly greater
// than the last accepted one from that peer and than any handshake this side
// has in flight with the peer. Equal timestamps are rejected.
package handshake
