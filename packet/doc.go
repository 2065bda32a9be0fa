// Package packet implements the meshnet control-plane wire format.
//
// Every packet starts with a fixed four byte header:
//
//	[0]    discriminator (Type)
//	[1]    version (currently 1)
//	[2:4]  body length, uint16 little endian
//
// followed by exactly that many body bytes. The discriminator selects one of
// the variants below; all multi-byte integers are little endian and all
// handshake fields are fixed width so both ends of a tunnel agree on layout.
//
//	HandshakeRequest   sender(32) ephemeral(32) kem_public(1184) timestamp(8) tag(16)
//	HandshakeResponse  sender(32) ephemeral(32) kem_ciphertext(1088) timestamp(8) tag(16)
//	Data               sender(32) payload(1..MaxDataPayload)
//	Keepalive          sender(32)
//	Ping / Pong        sender(32) session_id(8)
//	Upgrade            sender(32) protobuf{1: endpoint string}
//
// # Decoding never fails
//
// [Decode] is total: any byte string, including empty and truncated buffers,
// produces a [Packet]. Buffers that do not match a known layout decode to
// [Malformed], which records the raw length and first byte for telemetry.
// Decode never reads past the supplied buffer and allocates at most one copy
// of the payload, so its cost is linear in the input size. The fuzz tests in
// this package exercise exactly that contract.
//
// # Round trip
//
// For every packet p that [Encode] accepts, Decode(Encode(p)) equals p.
//
//	buf, err := packet.Encode(packet.Keepalive{Sender: pub})
//	if err != nil {
//	    return err
//	}
//	switch p := packet.Decode(buf).(type) {
//	case packet.Keepalive:
//	    // ...
//	case packet.Malformed:
//	    metrics.malformed++
//	}
package packet
