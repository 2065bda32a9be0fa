package handshake

import (
	"time"

	"github.com/cloudflare/circl/kem"
	"github.com/flynn/noise"
	"golang.zx2c4.com/wireguard/wgctrl/wgtypes"

	"github.com/opd-ai/meshcore/crypto"
	"github.com/opd-ai/meshcore/packet"
)

// session is the initiator-side state of one handshake in flight.
type session struct {
	peer       wgtypes.Key
	ephemeral  noise.DHKey
	kem        kem.PrivateKey
	timestamp  uint64
	requestTag [packet.TagSize]byte
	respTagKey [32]byte
	deadline   time.Time
}

func (s *session) expired(now time.Time) bool {
	return !now.Before(s.deadline)
}

// destroy wipes the secret halves we can reach. The Kyber private key is
// opaque and left to the garbage collector.
func (s *session) destroy() {
	crypto.ZeroBytes(s.ephemeral.Private, s.respTagKey[:])
	s.kem = nil
}

// peerState is everything the engine remembers about one peer between
// handshakes.
type peerState struct {
	lastAccepted uint64
	epoch        uint64
}
