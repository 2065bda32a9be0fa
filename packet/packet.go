package packet

import (
	"fmt"
	"net/netip"

	"github.com/cloudflare/circl/kem/kyber/kyber768"
	"golang.zx2c4.com/wireguard/wgctrl/wgtypes"

	"github.com/opd-ai/meshcore/limits"
)

// Type is the one-byte discriminator at offset 0.
type Type byte

const (
	TypeHandshakeRequest  Type = 0x01
	TypeHandshakeResponse Type = 0x02
	TypeData              Type = 0x03
	TypeKeepalive         Type = 0x04
	TypePing              Type = 0x05
	TypePong              Type = 0x06
	TypeUpgrade           Type = 0x07

	// TypeMalformed never appears on the wire.
	TypeMalformed Type = 0xFF
)

// String returns the variant name.
func (t Type) String() string {
	switch t {
	case TypeHandshakeRequest:
		return "HandshakeRequest"
	case TypeHandshakeResponse:
		return "HandshakeResponse"
	case TypeData:
		return "Data"
	case TypeKeepalive:
		return "Keepalive"
	case TypePing:
		return "Ping"
	case TypePong:
		return "Pong"
	case TypeUpgrade:
		return "Upgrade"
	case TypeMalformed:
		return "Malformed"
	default:
		return fmt.Sprintf("Type(0x%02x)", byte(t))
	}
}

// Version is the only wire version this codec speaks.
const Version byte = 1

// Field widths. Both ends of a tunnel must agree on all of them.
const (
	HeaderSize        = limits.HeaderSize
	KeySize           = limits.KeySize
	EphemeralSize     = 32
	KEMPublicKeySize  = kyber768.PublicKeySize
	KEMCiphertextSize = kyber768.CiphertextSize
	TimestampSize     = 8
	TagSize           = 16
	SessionIDSize     = 8

	HandshakeRequestBodySize  = KeySize + EphemeralSize + KEMPublicKeySize + TimestampSize + TagSize
	HandshakeResponseBodySize = KeySize + EphemeralSize + KEMCiphertextSize + TimestampSize + TagSize
	KeepaliveBodySize         = KeySize
	PingBodySize              = KeySize + SessionIDSize

	// HandshakeRequestSize is the full encoded size of a request.
	HandshakeRequestSize = HeaderSize + HandshakeRequestBodySize
	// HandshakeResponseSize is the full encoded size of a response.
	HandshakeResponseSize = HeaderSize + HandshakeResponseBodySize
)

// Packet is the tagged union of all decoded packets.
type Packet interface {
	Type() Type
}

// HandshakeRequest opens a post-quantum hybrid key exchange.
type HandshakeRequest struct {
	Sender       wgtypes.Key
	Ephemeral    [EphemeralSize]byte
	KEMPublicKey [KEMPublicKeySize]byte
	Timestamp    uint64
	Tag          [TagSize]byte
}

// Type implements Packet.
func (HandshakeRequest) Type() Type { return TypeHandshakeRequest }

// HandshakeResponse completes a key exchange started by a HandshakeRequest.
// Timestamp echoes the request it answers.
type HandshakeResponse struct {
	Sender        wgtypes.Key
	Ephemeral     [EphemeralSize]byte
	KEMCiphertext [KEMCiphertextSize]byte
	Timestamp     uint64
	Tag           [TagSize]byte
}

// Type implements Packet.
func (HandshakeResponse) Type() Type { return TypeHandshakeResponse }

// Data carries one WireGuard datagram.
type Data struct {
	Sender  wgtypes.Key
	Payload []byte
}

// Type implements Packet.
func (Data) Type() Type { return TypeData }

// Keepalive refreshes NAT mappings and the peer's last-seen endpoint.
type Keepalive struct {
	Sender wgtypes.Key
}

// Type implements Packet.
func (Keepalive) Type() Type { return TypeKeepalive }

// Ping probes a path to a peer.
type Ping struct {
	Sender    wgtypes.Key
	SessionID uint64
}

// Type implements Packet.
func (Ping) Type() Type { return TypePing }

// Pong answers a Ping with the same session id.
type Pong struct {
	Sender    wgtypes.Key
	SessionID uint64
}

// Type implements Packet.
func (Pong) Type() Type { return TypePong }

// Upgrade asks the receiver to move the sender to a better endpoint.
type Upgrade struct {
	Sender   wgtypes.Key
	Endpoint netip.AddrPort
}

// Type implements Packet.
func (Upgrade) Type() Type { return TypeUpgrade }

// Malformed is produced for any buffer that does not decode to a known variant.
// It is never encodable.
type Malformed struct {
	Length        int
	Discriminator byte
}

// Type implements Packet.
func (Malformed) Type() Type { return TypeMalformed }

// SenderOf returns the sender key of any well-formed packet.
func SenderOf(p Packet) (wgtypes.Key, bool) {
	switch v := p.(type) {
	case HandshakeRequest:
		return v.Sender, true
	case HandshakeResponse:
		return v.Sender, true
	case Data:
		return v.Sender, true
	case Keepalive:
		return v.Sender, true
	case Ping:
		return v.Sender, true
	case Pong:
		return v.Sender, true
	case Upgrade:
		return v.Sender, true
	default:
		return wgtypes.Key{}, false
	}
}
