package mesh

import (
	"context"
	"net"
	"net/netip"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.zx2c4.com/wireguard/wgctrl/wgtypes"

	"github.com/opd-ai/meshcore/adapter"
	"github.com/opd-ai/meshcore/adapter/adaptertest"
	"github.com/opd-ai/meshcore/firewall"
	"github.com/opd-ai/meshcore/handshake"
	"github.com/opd-ai/meshcore/packet"
)

// flush waits until the owner has processed everything queued so far.
func flush(t *testing.T, m *Multiplexer) Status {
	t.Helper()
	st, err := m.Status(context.Background())
	require.NoError(t, err)
	return st
}

func encode(t *testing.T, p packet.Packet) []byte {
	t.Helper()
	b, err := packet.Encode(p)
	require.NoError(t, err)
	return b
}

func peerStatus(t *testing.T, st Status, key wgtypes.Key) PeerStatus {
	t.Helper()
	for _, p := range st.Peers {
		if p.PublicKey == key {
			return p
		}
	}
	t.Fatalf("peer %s not in status", key)
	return PeerStatus{}
}

var src = netip.MustParseAddrPort("192.0.2.10:51820")

func TestDataForwardedWhenPermitted(t *testing.T) {
	m, b, _ := startMux(t, Config{})
	p := peerConfig(t, "10.0.0.2")
	require.NoError(t, m.SetPeer(context.Background(), p))

	m.OnPacket(encode(t, packet.Data{Sender: p.PublicKey, Payload: []byte("wg")}), src)
	flush(t, m)

	fwd := b.Forwarded()
	require.Len(t, fwd, 1)
	assert.Equal(t, p.PublicKey, fwd[0].Peer)
	assert.Equal(t, []byte("wg"), fwd[0].Data)
	assert.Equal(t, uint64(1), m.Counters().DataIn)
}

func TestFirewallGatesTraffic(t *testing.T) {
	fw := firewall.NewStatic()
	m, b, _ := startMux(t, Config{Firewall: fw})
	ctx := context.Background()
	p := peerConfig(t, "10.0.0.2")
	require.NoError(t, m.SetPeer(ctx, p))

	data := encode(t, packet.Data{Sender: p.PublicKey, Payload: []byte{1}})
	keepalive := encode(t, packet.Keepalive{Sender: p.PublicKey})
	m.OnPacket(data, src)
	m.OnPacket(keepalive, netip.MustParseAddrPort("198.51.100.7:9"))
	flush(t, m)
	assert.Empty(t, b.Forwarded())
	assert.Equal(t, uint64(2), m.Counters().Filtered)
	assert.Equal(t, src, peerStatus(t, flush(t, m), p.PublicKey).Endpoint, "denied keepalive must not roam")

	fw.Allow(p.PublicKey, netip.MustParsePrefix("192.0.2.0/24"))
	m.OnPacket(data, src)
	m.OnPacket(data, netip.MustParseAddrPort("203.0.113.1:5"))
	flush(t, m)
	assert.Len(t, b.Forwarded(), 1, "only the permitted source is forwarded")
}

func TestUnknownSenderDropped(t *testing.T) {
	m, b, _ := startMux(t, Config{})
	stranger := newKey(t).PublicKey()
	for _, p := range []packet.Packet{
		packet.Data{Sender: stranger, Payload: []byte{1}},
		packet.Keepalive{Sender: stranger},
		packet.Ping{Sender: stranger, SessionID: 1},
		packet.Upgrade{Sender: stranger, Endpoint: src},
	} {
		m.OnPacket(encode(t, p), src)
	}
	flush(t, m)
	assert.Empty(t, b.CallsOf(adaptertest.OpForward))
	assert.Equal(t, uint64(4), m.Counters().Filtered)
}

func TestMalformedCountedNotForwarded(t *testing.T) {
	m, b, _ := startMux(t, Config{MalformedLogInterval: time.Hour})
	for _, raw := range [][]byte{nil, {0xEE}, {0x03, 0x01, 0xFF, 0xFF}, make([]byte, 100)} {
		m.OnPacket(raw, src)
	}
	flush(t, m)
	assert.Equal(t, uint64(4), m.Counters().Malformed)
	assert.Empty(t, b.CallsOf(adaptertest.OpForward))
}

func TestKeepaliveRoams(t *testing.T) {
	m, _, _ := startMux(t, Config{})
	p := peerConfig(t, "10.0.0.2")
	require.NoError(t, m.SetPeer(context.Background(), p))

	moved := netip.MustParseAddrPort("203.0.113.9:4000")
	m.OnPacket(encode(t, packet.Keepalive{Sender: p.PublicKey}), moved)
	ps := peerStatus(t, flush(t, m), p.PublicKey)
	assert.Equal(t, moved, ps.Endpoint)
	assert.False(t, ps.LastSeen.IsZero())

	ep, ok := m.endpointOf(p.PublicKey)
	require.True(t, ok)
	assert.Equal(t, moved, ep)
}

func TestUpgradeMovesEndpoint(t *testing.T) {
	m, _, _ := startMux(t, Config{})
	p := peerConfig(t, "10.0.0.2")
	require.NoError(t, m.SetPeer(context.Background(), p))

	next := netip.MustParseAddrPort("[2001:db8::1]:51820")
	m.OnPacket(encode(t, packet.Upgrade{Sender: p.PublicKey, Endpoint: next}), src)
	assert.Equal(t, next, peerStatus(t, flush(t, m), p.PublicKey).Endpoint)
	assert.Equal(t, uint64(1), m.Counters().Upgrades)
}

func TestPingPong(t *testing.T) {
	s := &sink{}
	m, _, local := startMux(t, Config{Send: s.send})
	ctx := context.Background()
	p := peerConfig(t, "10.0.0.2")
	require.NoError(t, m.SetPeer(ctx, p))

	// Answering a ping.
	m.OnPacket(encode(t, packet.Ping{Sender: p.PublicKey, SessionID: 42}), src)
	sent := s.packets()
	require.Len(t, sent, 1)
	assert.Equal(t, src, sent[0].to)
	assert.Equal(t, packet.Pong{Sender: local.PublicKey(), SessionID: 42}, packet.Decode(sent[0].data))

	// Our own ping and its pong.
	require.NoError(t, m.Ping(ctx, p.PublicKey))
	sent = s.packets()
	require.Len(t, sent, 2)
	ping, ok := packet.Decode(sent[1].data).(packet.Ping)
	require.True(t, ok)

	m.OnPacket(encode(t, packet.Pong{Sender: p.PublicKey, SessionID: ping.SessionID + 1}), src)
	assert.True(t, peerStatus(t, flush(t, m), p.PublicKey).LastSeen.IsZero(), "unmatched pong ignored")

	m.OnPacket(encode(t, packet.Pong{Sender: p.PublicKey, SessionID: ping.SessionID}), src)
	assert.False(t, peerStatus(t, flush(t, m), p.PublicKey).LastSeen.IsZero())
}

func TestSendControlPackets(t *testing.T) {
	s := &sink{}
	m, _, local := startMux(t, Config{Send: s.send})
	ctx := context.Background()
	p := peerConfig(t, "10.0.0.2")
	require.NoError(t, m.SetPeer(ctx, p))

	require.NoError(t, m.SendKeepalive(ctx, p.PublicKey))
	next := netip.MustParseAddrPort("198.51.100.1:7000")
	require.NoError(t, m.AnnounceEndpoint(ctx, p.PublicKey, next))

	sent := s.packets()
	require.Len(t, sent, 2)
	assert.Equal(t, packet.Keepalive{Sender: local.PublicKey()}, packet.Decode(sent[0].data))
	assert.Equal(t, packet.Upgrade{Sender: local.PublicKey(), Endpoint: next}, packet.Decode(sent[1].data))

	assert.ErrorIs(t, m.SendKeepalive(ctx, newKey(t).PublicKey()), ErrUnknownPeer)
	noEndpoint := peerConfig(t, "10.0.0.3")
	noEndpoint.Endpoint = netip.AddrPort{}
	require.NoError(t, m.SetPeer(ctx, noEndpoint))
	assert.ErrorIs(t, m.Ping(ctx, noEndpoint.PublicKey), ErrNoEndpoint)
}

func TestTransmitFramesData(t *testing.T) {
	s := &sink{}
	m, b, local := startMux(t, Config{Send: s.send})
	ctx := context.Background()
	p := peerConfig(t, "10.0.0.2")
	require.NoError(t, m.SetPeer(ctx, p))

	require.NoError(t, b.Transmit([]byte("ciphertext"), p.PublicKey))
	sent := s.packets()
	require.Len(t, sent, 1)
	assert.Equal(t, p.Endpoint, sent[0].to)
	assert.Equal(t, packet.Data{Sender: local.PublicKey(), Payload: []byte("ciphertext")}, packet.Decode(sent[0].data))
	assert.Equal(t, uint64(1), m.Counters().DataOut)

	assert.ErrorIs(t, b.Transmit([]byte{1}, newKey(t).PublicKey()), ErrUnknownPeer)
	silent := peerConfig(t, "10.0.0.3")
	silent.Endpoint = netip.AddrPort{}
	require.NoError(t, m.SetPeer(ctx, silent))
	assert.ErrorIs(t, b.Transmit([]byte{1}, silent.PublicKey), ErrNoEndpoint)
}

func TestServe(t *testing.T) {
	b := adaptertest.New(adapter.Userspace)
	m := New(Config{Factory: b.Factory})
	runCtx, stopRun := context.WithCancel(context.Background())
	defer stopRun()
	go func() { _ = m.Run(runCtx) }()
	require.NoError(t, m.Start(context.Background(), newKey(t), adapter.Userspace))

	conn, err := net.ListenPacket("udp4", "127.0.0.1:0")
	require.NoError(t, err)
	defer conn.Close()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Serve(ctx, conn) }()

	client, err := net.ListenPacket("udp4", "127.0.0.1:0")
	require.NoError(t, err)
	defer client.Close()
	clientAddr := client.LocalAddr().(*net.UDPAddr).AddrPort()

	p := peerConfig(t, "10.0.0.2")
	p.Endpoint = clientAddr
	require.NoError(t, m.SetPeer(context.Background(), p))

	_, err = client.WriteTo([]byte{0xEE, 0xEE}, conn.LocalAddr())
	require.NoError(t, err)
	_, err = client.WriteTo(encode(t, packet.Data{Sender: p.PublicKey, Payload: []byte("x")}), conn.LocalAddr())
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		flush(t, m)
		return m.Counters().Malformed == 1 && len(b.Forwarded()) == 1
	}, 5*time.Second, 10*time.Millisecond)

	// Outbound traffic leaves through the served socket.
	require.Eventually(t, func() bool {
		return b.Transmit([]byte("out"), p.PublicKey) == nil
	}, time.Second, 10*time.Millisecond)
	buf := make([]byte, 1500)
	require.NoError(t, client.SetReadDeadline(time.Now().Add(5*time.Second)))
	n, _, err := client.ReadFrom(buf)
	require.NoError(t, err)
	assert.Equal(t, packet.Data{Sender: peerKey(t, m), Payload: []byte("out")}, packet.Decode(buf[:n]))

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return after cancel")
	}
}

func peerKey(t *testing.T, m *Multiplexer) wgtypes.Key {
	t.Helper()
	k, ok := m.PublicKey()
	require.True(t, ok)
	return k
}

// link connects the Send functions of two multiplexers. Delivery happens on
// its own goroutine, like a real network.
type link struct {
	wg sync.WaitGroup
}

func (l *link) to(dst *Multiplexer, from netip.AddrPort) SendFunc {
	return func(b []byte, _ netip.AddrPort) error {
		buf := append([]byte(nil), b...)
		l.wg.Add(1)
		go func() {
			defer l.wg.Done()
			dst.OnPacket(buf, from)
		}()
		return nil
	}
}

func TestHandshakeBetweenMultiplexers(t *testing.T) {
	addrX := netip.MustParseAddrPort("192.0.2.1:1000")
	addrY := netip.MustParseAddrPort("192.0.2.2:2000")
	var (
		l    link
		x, y *Multiplexer
	)
	defer l.wg.Wait()
	x, bx := runMux(t, Config{Send: func(b []byte, to netip.AddrPort) error { return l.to(y, addrX)(b, to) }})
	y, by := runMux(t, Config{Send: func(b []byte, to netip.AddrPort) error { return l.to(x, addrY)(b, to) }})

	ctx := context.Background()
	kx, ky := newKey(t), newKey(t)
	require.NoError(t, x.Start(ctx, kx, adapter.Userspace))
	require.NoError(t, y.Start(ctx, ky, adapter.Userspace))
	require.NoError(t, y.SetPeer(ctx, PeerConfig{PublicKey: kx.PublicKey(), AllowedIPs: []netip.Prefix{netip.MustParsePrefix("10.0.0.1/32")}, Endpoint: addrX}))
	require.NoError(t, x.Connect(ctx, PeerConfig{PublicKey: ky.PublicKey(), AllowedIPs: []netip.Prefix{netip.MustParsePrefix("10.0.0.2/32")}, Endpoint: addrY}))

	require.Eventually(t, func() bool {
		return peerStatus(t, flush(t, x), ky.PublicKey()).Epoch == 1 &&
			peerStatus(t, flush(t, y), kx.PublicKey()).Epoch == 1
	}, 5*time.Second, 10*time.Millisecond)

	pskX, ok := bx.PresharedKey(ky.PublicKey())
	require.True(t, ok)
	pskY, ok := by.PresharedKey(kx.PublicKey())
	require.True(t, ok)
	assert.Equal(t, pskX, pskY, "both sides install the same session key")
	assert.Equal(t, StateConnected, peerStatus(t, flush(t, x), ky.PublicKey()).State)

	// Data under the new key flows both ways.
	require.NoError(t, bx.Transmit([]byte("x->y"), ky.PublicKey()))
	require.NoError(t, by.Transmit([]byte("y->x"), kx.PublicKey()))
	require.Eventually(t, func() bool {
		flush(t, x)
		flush(t, y)
		return len(bx.Forwarded()) == 1 && len(by.Forwarded()) == 1
	}, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, []byte("x->y"), by.Forwarded()[0].Data)
	assert.Equal(t, []byte("y->x"), bx.Forwarded()[0].Data)

	// A second round advances the epoch on both sides.
	require.NoError(t, x.Initiate(ctx, ky.PublicKey()))
	require.Eventually(t, func() bool {
		return peerStatus(t, flush(t, x), ky.PublicKey()).Epoch == 2 &&
			peerStatus(t, flush(t, y), kx.PublicKey()).Epoch == 2
	}, 5*time.Second, 10*time.Millisecond)
}

func TestHandshakeFromUnknownPeerRejected(t *testing.T) {
	addrX := netip.MustParseAddrPort("192.0.2.1:1000")
	var (
		l link
		y *Multiplexer
	)
	defer l.wg.Wait()
	x, _ := runMux(t, Config{Send: func(b []byte, to netip.AddrPort) error { return l.to(y, addrX)(b, to) }})
	y, by := runMux(t, Config{})

	ctx := context.Background()
	ky := newKey(t)
	require.NoError(t, x.Start(ctx, newKey(t), adapter.Userspace))
	require.NoError(t, y.Start(ctx, ky, adapter.Userspace))
	require.NoError(t, x.Connect(ctx, PeerConfig{PublicKey: ky.PublicKey(), Endpoint: netip.MustParseAddrPort("192.0.2.2:2000")}))

	require.Eventually(t, func() bool { return y.Counters().HandshakeFailures == 1 }, 5*time.Second, 10*time.Millisecond)
	assert.Empty(t, by.CallsOf(adaptertest.OpSetPresharedKey))
}

func TestLostHandshakeResponseRetried(t *testing.T) {
	addrX := netip.MustParseAddrPort("192.0.2.1:1000")
	addrY := netip.MustParseAddrPort("192.0.2.2:2000")
	var (
		l       link
		x, y    *Multiplexer
		dropped atomic.Bool
	)
	defer l.wg.Wait()
	fast := Config{
		HandshakeTimeout:      100 * time.Millisecond,
		ExpireInterval:        20 * time.Millisecond,
		HandshakeRetryBackoff: 10 * time.Millisecond,
	}
	cx, cy := fast, fast
	cx.Send = func(b []byte, to netip.AddrPort) error { return l.to(y, addrX)(b, to) }
	cy.Send = func(b []byte, to netip.AddrPort) error {
		// The responder has installed its key by now; x never hears of it.
		if _, ok := packet.Decode(b).(packet.HandshakeResponse); ok && dropped.CompareAndSwap(false, true) {
			return nil
		}
		return l.to(x, addrY)(b, to)
	}
	x, bx := runMux(t, cx)
	y, by := runMux(t, cy)

	ctx := context.Background()
	kx, ky := newKey(t), newKey(t)
	require.NoError(t, x.Start(ctx, kx, adapter.Userspace))
	require.NoError(t, y.Start(ctx, ky, adapter.Userspace))
	require.NoError(t, y.SetPeer(ctx, PeerConfig{PublicKey: kx.PublicKey(), Endpoint: addrX}))
	require.NoError(t, x.Connect(ctx, PeerConfig{PublicKey: ky.PublicKey(), Endpoint: addrY}))

	require.Eventually(t, func() bool {
		pskX, okX := bx.PresharedKey(ky.PublicKey())
		pskY, okY := by.PresharedKey(kx.PublicKey())
		return dropped.Load() && okX && okY && pskX == pskY
	}, 5*time.Second, 10*time.Millisecond)

	assert.GreaterOrEqual(t, x.Counters().HandshakeRetries, uint64(1))
	assert.Equal(t, StateConnected, peerStatus(t, flush(t, x), ky.PublicKey()).State)

	// A completed handshake is not retried again.
	retries := x.Counters().HandshakeRetries
	time.Sleep(300 * time.Millisecond)
	assert.Equal(t, retries, x.Counters().HandshakeRetries)
}

func TestHandshakeBackoffDoubles(t *testing.T) {
	m := New(Config{HandshakeRetryBackoff: time.Second, MaxHandshakeBackoff: 5 * time.Second})
	want := []time.Duration{0, time.Second, 2 * time.Second, 4 * time.Second, 5 * time.Second, 5 * time.Second}
	for n, d := range want {
		assert.Equal(t, d, m.handshakeBackoff(n), "retry %d", n)
	}
}

func TestTransmitDuringAddPeer(t *testing.T) {
	s := &sink{}
	m, b, _ := startMux(t, Config{Send: s.send})
	errs := make(chan error, 4)
	b.OnAddPeer(func(p adapter.Peer) {
		errs <- b.Transmit([]byte("initiation"), p.PublicKey)
	})
	ctx := context.Background()

	first := peerConfig(t, "10.0.0.2")
	require.NoError(t, m.SetPeer(ctx, first))
	require.NoError(t, <-errs, "endpoint is visible while the backend adds the peer")

	second := peerConfig(t, "10.0.0.3")
	require.NoError(t, m.Reconcile(ctx, []PeerConfig{first, second}))
	require.NoError(t, <-errs)

	sent := s.packets()
	require.Len(t, sent, 2)
	assert.Equal(t, first.Endpoint, sent[0].to)
	assert.Equal(t, uint64(2), m.Counters().DataOut)

	// A refused add leaves nothing to transmit to.
	b.OnAddPeer(nil)
	b.Fail(adaptertest.OpAddPeer, adapter.ErrNotCreated, -1)
	refused := peerConfig(t, "10.0.0.4")
	require.Error(t, m.SetPeer(ctx, refused))
	b.Fail(adaptertest.OpAddPeer, nil, 0)
	assert.ErrorIs(t, b.Transmit([]byte{1}, refused.PublicKey), ErrUnknownPeer)
}

func TestSessionKeyDoesNotBlockReader(t *testing.T) {
	s := &sink{}
	m, b, local := startMux(t, Config{Send: s.send, MailboxSize: 1})
	ctx := context.Background()
	remote := newKey(t)
	p := peerConfig(t, "10.0.0.2")
	p.PublicKey = remote.PublicKey()
	require.NoError(t, m.SetPeer(ctx, p))

	// Park the owner inside a backend call.
	entered, release := make(chan struct{}), make(chan struct{})
	unpark := sync.OnceFunc(func() { close(release) })
	t.Cleanup(unpark)
	var once sync.Once
	b.OnAddPeer(func(adapter.Peer) {
		once.Do(func() { close(entered) })
		<-release
	})
	parked := peerConfig(t, "10.0.0.3")
	go func() { _ = m.SetPeer(ctx, parked) }()
	<-entered
	// Fill the inbox.
	m.OnPacket(encode(t, packet.Keepalive{Sender: remote.PublicKey()}), src)

	other, err := handshake.New(handshake.Config{PrivateKey: remote})
	require.NoError(t, err)
	req, err := other.Initiate(local.PublicKey())
	require.NoError(t, err)

	returned := make(chan struct{})
	go func() {
		m.OnPacket(req, src)
		close(returned)
	}()
	select {
	case <-returned:
	case <-time.After(5 * time.Second):
		t.Fatal("session key install blocked the socket reader")
	}
	assert.NotZero(t, m.Counters().QueueDrops)

	unpark()
	require.Eventually(t, func() bool {
		_, ok := b.PresharedKey(remote.PublicKey())
		return ok
	}, 5*time.Second, 10*time.Millisecond, "the key is installed once the owner catches up")
}
