package packet

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/opd-ai/meshcore/limits"
)

// Header-level decoding failures reported by Inspect.
var (
	ErrTruncated          = errors.New("packet truncated")
	ErrUnknownType        = errors.New("unknown packet type")
	ErrUnsupportedVersion = errors.New("unsupported packet version")
	ErrLengthMismatch     = errors.New("body length does not match buffer")
	ErrNotEncodable       = errors.New("packet cannot be encoded")
)

// Header is the fixed prefix of every packet.
type Header struct {
	Type    Type
	Version byte
	Length  uint16
}

// Inspect validates the header of buf without decoding the body. It is what
// the handshake engine uses to tell a version mismatch apart from garbage.
func Inspect(buf []byte) (Header, error) {
	if len(buf) < HeaderSize {
		return Header{}, ErrTruncated
	}
	h := Header{
		Type:    Type(buf[0]),
		Version: buf[1],
		Length:  binary.LittleEndian.Uint16(buf[2:4]),
	}
	if h.Type < TypeHandshakeRequest || h.Type > TypeUpgrade {
		return h, fmt.Errorf("%w: 0x%02x", ErrUnknownType, buf[0])
	}
	if h.Version != Version {
		return h, fmt.Errorf("%w: %d", ErrUnsupportedVersion, h.Version)
	}
	if int(h.Length) != len(buf)-HeaderSize {
		return h, fmt.Errorf("%w: declared %d, have %d", ErrLengthMismatch, h.Length, len(buf)-HeaderSize)
	}
	return h, nil
}

// Decode parses buf into a Packet. It never returns nil; anything that is not
// a well-formed packet of a known type decodes to Malformed.
func Decode(buf []byte) Packet {
	h, err := Inspect(buf)
	if err != nil {
		return malformed(buf)
	}
	body := buf[HeaderSize:]
	var (
		p  Packet
		ok bool
	)
	switch h.Type {
	case TypeHandshakeRequest:
		p, ok = decodeHandshakeRequest(body)
	case TypeHandshakeResponse:
		p, ok = decodeHandshakeResponse(body)
	case TypeData:
		p, ok = decodeData(body)
	case TypeKeepalive:
		if len(body) == KeepaliveBodySize {
			var k Keepalive
			copy(k.Sender[:], body)
			p, ok = k, true
		}
	case TypePing, TypePong:
		if len(body) == PingBodySize {
			var sender [KeySize]byte
			copy(sender[:], body[:KeySize])
			id := binary.LittleEndian.Uint64(body[KeySize:])
			if h.Type == TypePing {
				p = Ping{Sender: sender, SessionID: id}
			} else {
				p = Pong{Sender: sender, SessionID: id}
			}
			ok = true
		}
	case TypeUpgrade:
		p, ok = decodeUpgrade(body)
	}
	if !ok {
		return malformed(buf)
	}
	return p
}

func malformed(buf []byte) Malformed {
	m := Malformed{Length: len(buf)}
	if len(buf) > 0 {
		m.Discriminator = buf[0]
	}
	return m
}

func decodeHandshakeRequest(body []byte) (Packet, bool) {
	if len(body) != HandshakeRequestBodySize {
		return nil, false
	}
	var r HandshakeRequest
	off := copy(r.Sender[:], body)
	off += copy(r.Ephemeral[:], body[off:])
	off += copy(r.KEMPublicKey[:], body[off:])
	r.Timestamp = binary.LittleEndian.Uint64(body[off:])
	off += TimestampSize
	copy(r.Tag[:], body[off:])
	return r, true
}

func decodeHandshakeResponse(body []byte) (Packet, bool) {
	if len(body) != HandshakeResponseBodySize {
		return nil, false
	}
	var r HandshakeResponse
	off := copy(r.Sender[:], body)
	off += copy(r.Ephemeral[:], body[off:])
	off += copy(r.KEMCiphertext[:], body[off:])
	r.Timestamp = binary.LittleEndian.Uint64(body[off:])
	off += TimestampSize
	copy(r.Tag[:], body[off:])
	return r, true
}

func decodeData(body []byte) (Packet, bool) {
	if len(body) <= KeySize {
		return nil, false
	}
	payload := body[KeySize:]
	if limits.ValidateDataPayload(payload) != nil {
		return nil, false
	}
	var d Data
	copy(d.Sender[:], body)
	d.Payload = append([]byte(nil), payload...)
	return d, true
}

// Encode serialises p. Malformed and unknown implementations are rejected,
// as are packets whose variable fields exceed the wire limits.
func Encode(p Packet) ([]byte, error) {
	switch v := p.(type) {
	case HandshakeRequest:
		buf := header(TypeHandshakeRequest, HandshakeRequestBodySize)
		buf = append(buf, v.Sender[:]...)
		buf = append(buf, v.Ephemeral[:]...)
		buf = append(buf, v.KEMPublicKey[:]...)
		buf = binary.LittleEndian.AppendUint64(buf, v.Timestamp)
		return append(buf, v.Tag[:]...), nil
	case HandshakeResponse:
		buf := header(TypeHandshakeResponse, HandshakeResponseBodySize)
		buf = append(buf, v.Sender[:]...)
		buf = append(buf, v.Ephemeral[:]...)
		buf = append(buf, v.KEMCiphertext[:]...)
		buf = binary.LittleEndian.AppendUint64(buf, v.Timestamp)
		return append(buf, v.Tag[:]...), nil
	case Data:
		if err := limits.ValidateDataPayload(v.Payload); err != nil {
			return nil, fmt.Errorf("%w: data payload: %w", ErrNotEncodable, err)
		}
		buf := header(TypeData, KeySize+len(v.Payload))
		buf = append(buf, v.Sender[:]...)
		return append(buf, v.Payload...), nil
	case Keepalive:
		buf := header(TypeKeepalive, KeepaliveBodySize)
		return append(buf, v.Sender[:]...), nil
	case Ping:
		buf := header(TypePing, PingBodySize)
		buf = append(buf, v.Sender[:]...)
		return binary.LittleEndian.AppendUint64(buf, v.SessionID), nil
	case Pong:
		buf := header(TypePong, PingBodySize)
		buf = append(buf, v.Sender[:]...)
		return binary.LittleEndian.AppendUint64(buf, v.SessionID), nil
	case Upgrade:
		body, err := encodeUpgradeBody(v.Endpoint)
		if err != nil {
			return nil, err
		}
		buf := header(TypeUpgrade, KeySize+len(body))
		buf = append(buf, v.Sender[:]...)
		return append(buf, body...), nil
	case nil:
		return nil, fmt.Errorf("%w: nil packet", ErrNotEncodable)
	default:
		return nil, fmt.Errorf("%w: %s", ErrNotEncodable, p.Type())
	}
}

// header allocates the full output buffer up front so the appends that follow
// never reallocate.
func header(t Type, bodyLen int) []byte {
	buf := make([]byte, HeaderSize, HeaderSize+bodyLen)
	buf[0] = byte(t)
	buf[1] = Version
	binary.LittleEndian.PutUint16(buf[2:4], uint16(bodyLen))
	return buf
}

// Authenticated returns the prefix of an encoded handshake packet that its
// tag covers: everything but the trailing tag.
func Authenticated(encoded []byte) []byte {
	if len(encoded) < TagSize {
		return nil
	}
	return encoded[:len(encoded)-TagSize]
}
