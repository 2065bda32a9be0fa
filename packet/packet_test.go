package packet

import (
	"bytes"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"net/netip"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.zx2c4.com/wireguard/wgctrl/wgtypes"

	"github.com/opd-ai/meshcore/limits"
)

func testKey(t testing.TB, fill byte) wgtypes.Key {
	t.Helper()
	var k wgtypes.Key
	for i := range k {
		k[i] = fill + byte(i)
	}
	return k
}

func randomRequest(t testing.TB) HandshakeRequest {
	t.Helper()
	var r HandshakeRequest
	_, err := rand.Read(r.Sender[:])
	require.NoError(t, err)
	_, _ = rand.Read(r.Ephemeral[:])
	_, _ = rand.Read(r.KEMPublicKey[:])
	_, _ = rand.Read(r.Tag[:])
	r.Timestamp = 0x0102030405060708
	return r
}

func randomResponse(t testing.TB) HandshakeResponse {
	t.Helper()
	var r HandshakeResponse
	_, err := rand.Read(r.Sender[:])
	require.NoError(t, err)
	_, _ = rand.Read(r.Ephemeral[:])
	_, _ = rand.Read(r.KEMCiphertext[:])
	_, _ = rand.Read(r.Tag[:])
	r.Timestamp = 42
	return r
}

func TestRoundTrip(t *testing.T) {
	sender := testKey(t, 1)
	tests := []struct {
		name string
		p    Packet
		size int
	}{
		{"handshake request", randomRequest(t), HandshakeRequestSize},
		{"handshake response", randomResponse(t), HandshakeResponseSize},
		{"data", Data{Sender: sender, Payload: []byte("wireguard datagram")}, HeaderSize + KeySize + 18},
		{"data single byte", Data{Sender: sender, Payload: []byte{0}}, HeaderSize + KeySize + 1},
		{"data max payload", Data{Sender: sender, Payload: make([]byte, limits.MaxDataPayload)}, limits.MaxDatagramSize},
		{"keepalive", Keepalive{Sender: sender}, HeaderSize + KeySize},
		{"ping", Ping{Sender: sender, SessionID: 7}, HeaderSize + PingBodySize},
		{"pong", Pong{Sender: sender, SessionID: ^uint64(0)}, HeaderSize + PingBodySize},
		{"upgrade v4", Upgrade{Sender: sender, Endpoint: netip.MustParseAddrPort("127.0.0.1:1234")}, -1},
		{"upgrade v6", Upgrade{Sender: sender, Endpoint: netip.MustParseAddrPort("[2001:db8::1]:51820")}, -1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			buf, err := Encode(tt.p)
			require.NoError(t, err)
			if tt.size >= 0 {
				assert.Len(t, buf, tt.size)
			}
			assert.Equal(t, byte(tt.p.Type()), buf[0])
			assert.Equal(t, Version, buf[1])
			assert.Equal(t, len(buf)-HeaderSize, int(binary.LittleEndian.Uint16(buf[2:4])))

			assert.Equal(t, tt.p, Decode(buf))
		})
	}
}

func TestUpgradeBodyLayout(t *testing.T) {
	// Field 1, wire type 2, length 14, then the endpoint string.
	want := append([]byte{10, 14}, "127.0.0.1:1234"...)

	buf, err := Encode(Upgrade{Sender: testKey(t, 9), Endpoint: netip.MustParseAddrPort("127.0.0.1:1234")})
	require.NoError(t, err)
	assert.Equal(t, want, buf[HeaderSize+KeySize:])
}

func TestUpgradeSkipsUnknownFields(t *testing.T) {
	sender := testKey(t, 3)
	body := append([]byte(nil), sender[:]...)
	body = append(body, 0x10, 0x05) // field 2 varint 5
	body = append(body, 10, 14)
	body = append(body, "127.0.0.1:1234"...)
	buf := frame(TypeUpgrade, body)

	got := Decode(buf)
	require.IsType(t, Upgrade{}, got)
	assert.Equal(t, netip.MustParseAddrPort("127.0.0.1:1234"), got.(Upgrade).Endpoint)
}

func frame(t Type, body []byte) []byte {
	buf := []byte{byte(t), Version, 0, 0}
	binary.LittleEndian.PutUint16(buf[2:], uint16(len(body)))
	return append(buf, body...)
}

func TestDecodeMalformed(t *testing.T) {
	sender := testKey(t, 5)
	valid, err := Encode(Keepalive{Sender: sender})
	require.NoError(t, err)

	badVersion := append([]byte(nil), valid...)
	badVersion[1] = 2

	longer := append(append([]byte(nil), valid...), 0)
	binary.LittleEndian.PutUint16(longer[2:], uint16(len(longer)-HeaderSize))

	tests := []struct {
		name string
		buf  []byte
	}{
		{"empty", nil},
		{"one byte", []byte{byte(TypeData)}},
		{"header only data", frame(TypeData, nil)},
		{"data without payload", frame(TypeData, sender[:])},
		{"unknown type", frame(0x42, sender[:])},
		{"zero type", frame(0x00, sender[:])},
		{"bad version", badVersion},
		{"trailing byte", append(append([]byte(nil), valid...), 0)},
		{"declared longer than buffer", valid[:len(valid)-1]},
		{"keepalive with extra body", longer},
		{"ping short", frame(TypePing, sender[:])},
		{"upgrade no endpoint", frame(TypeUpgrade, sender[:])},
		{"upgrade garbage", frame(TypeUpgrade, append(append([]byte(nil), sender[:]...), 0xff, 0xff))},
		{"upgrade unparsable endpoint", frame(TypeUpgrade, append(append([]byte(nil), sender[:]...), append([]byte{10, 3}, "abc"...)...))},
		{"data payload over limit", frame(TypeData, make([]byte, KeySize+limits.MaxDataPayload+1))},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Decode(tt.buf)
			require.IsType(t, Malformed{}, got)
			m := got.(Malformed)
			assert.Equal(t, len(tt.buf), m.Length)
			if len(tt.buf) > 0 {
				assert.Equal(t, tt.buf[0], m.Discriminator)
			}
		})
	}
}

// A HandshakeRequest cut off inside its header used to be indexed past the
// end of the buffer. It must decode to Malformed.
func TestDecodeTruncatedHandshakeRequest(t *testing.T) {
	buf, err := Encode(randomRequest(t))
	require.NoError(t, err)

	for _, n := range []int{1, 2, 3, HeaderSize, HeaderSize + KeySize, len(buf) - 1} {
		got := Decode(buf[:n])
		assert.Equal(t, Malformed{Length: n, Discriminator: byte(TypeHandshakeRequest)}, got, "length %d", n)
	}
}

func TestDecodeDoesNotAliasInput(t *testing.T) {
	buf, err := Encode(Data{Sender: testKey(t, 0), Payload: []byte{1, 2, 3}})
	require.NoError(t, err)

	d := Decode(buf).(Data)
	buf[len(buf)-1] = 0xAA
	assert.Equal(t, []byte{1, 2, 3}, d.Payload)
}

func TestInspect(t *testing.T) {
	buf, err := Encode(Ping{Sender: testKey(t, 2), SessionID: 1})
	require.NoError(t, err)

	h, err := Inspect(buf)
	require.NoError(t, err)
	assert.Equal(t, Header{Type: TypePing, Version: Version, Length: PingBodySize}, h)

	_, err = Inspect(buf[:3])
	assert.ErrorIs(t, err, ErrTruncated)

	v2 := bytes.Clone(buf)
	v2[1] = 9
	h, err = Inspect(v2)
	assert.ErrorIs(t, err, ErrUnsupportedVersion)
	assert.Equal(t, byte(9), h.Version)

	unknown := bytes.Clone(buf)
	unknown[0] = 0x10
	_, err = Inspect(unknown)
	assert.ErrorIs(t, err, ErrUnknownType)

	_, err = Inspect(buf[:len(buf)-1])
	assert.ErrorIs(t, err, ErrLengthMismatch)
}

func TestEncodeRejects(t *testing.T) {
	sender := testKey(t, 4)
	tests := []struct {
		name string
		p    Packet
	}{
		{"nil", nil},
		{"malformed", Malformed{Length: 3, Discriminator: 1}},
		{"empty data", Data{Sender: sender}},
		{"oversized data", Data{Sender: sender, Payload: make([]byte, limits.MaxDataPayload+1)}},
		{"invalid upgrade endpoint", Upgrade{Sender: sender}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			buf, err := Encode(tt.p)
			assert.Nil(t, buf)
			assert.True(t, errors.Is(err, ErrNotEncodable), "got %v", err)
		})
	}
}

func TestAuthenticated(t *testing.T) {
	r := randomRequest(t)
	buf, err := Encode(r)
	require.NoError(t, err)

	prefix := Authenticated(buf)
	assert.Len(t, prefix, HandshakeRequestSize-TagSize)
	assert.Equal(t, r.Tag[:], buf[len(prefix):])
	assert.Nil(t, Authenticated([]byte{1}))
}

func TestSenderOf(t *testing.T) {
	sender := testKey(t, 8)
	k, ok := SenderOf(Pong{Sender: sender})
	assert.True(t, ok)
	assert.Equal(t, sender, k)

	_, ok = SenderOf(Malformed{})
	assert.False(t, ok)
}

func TestTypeString(t *testing.T) {
	assert.Equal(t, "HandshakeRequest", TypeHandshakeRequest.String())
	assert.Equal(t, "Malformed", TypeMalformed.String())
	assert.Equal(t, "Type(0x42)", Type(0x42).String())
}
