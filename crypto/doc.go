// Package crypto holds the identity-key primitives shared by the meshnet core.
//
// Meshnet identities are WireGuard X25519 keys. The same key pair authenticates
// the post-quantum handshake (see package handshake) and drives the WireGuard
// backend (see package adapter), so this package works directly on
// [wgtypes.Key] values.
//
// # Keys
//
//	kp, err := crypto.GenerateKeyPair()
//	if err != nil {
//	    log.Fatal(err)
//	}
//	fmt.Println("public key:", kp.Public.String())
//
// [ParseKey] accepts the base64 form used by WireGuard configuration files as
// well as the hex form used by the UAPI protocol. [FromSecretKey] rejects keys
// that do not yield a usable curve point.
//
// # Memory hygiene
//
// [ZeroBytes], [WipeKey] and [WipeKeyPair] clear secrets once they are no
// longer needed.
// Handshake sessions wipe their ephemeral material on completion or expiry.
//
// # Clocks
//
// [Clock] abstracts time for deterministic tests. [ManualClock] lets tests
// drive handshake deadlines and anti-replay timestamps explicitly.
package crypto
