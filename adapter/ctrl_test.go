package adapter

import (
	"context"
	"errors"
	"net"
	"net/netip"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.zx2c4.com/wireguard/wgctrl/wgtypes"
)

// fakeCtrl applies wgctrl configuration semantics to an in-memory device.
type fakeCtrl struct {
	mu       sync.Mutex
	port     int
	peers    map[wgtypes.Key]*wgtypes.Peer
	configs  []wgtypes.Config
	fail     error
	notReady int
	closed   bool
}

func newFakeCtrl(port int) *fakeCtrl {
	return &fakeCtrl{port: port, peers: make(map[wgtypes.Key]*wgtypes.Peer)}
}

func (f *fakeCtrl) Device(name string) (*wgtypes.Device, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.notReady > 0 {
		f.notReady--
		return nil, errors.New("no such device")
	}
	dev := &wgtypes.Device{Name: name, ListenPort: f.port}
	for _, p := range f.peers {
		cp := *p
		dev.Peers = append(dev.Peers, cp)
	}
	return dev, nil
}

func (f *fakeCtrl) ConfigureDevice(name string, cfg wgtypes.Config) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail != nil {
		return f.fail
	}
	f.configs = append(f.configs, cfg)
	if cfg.ReplacePeers {
		f.peers = make(map[wgtypes.Key]*wgtypes.Peer)
	}
	for _, pc := range cfg.Peers {
		p, ok := f.peers[pc.PublicKey]
		if pc.Remove {
			delete(f.peers, pc.PublicKey)
			continue
		}
		if !ok {
			if pc.UpdateOnly {
				continue
			}
			p = &wgtypes.Peer{PublicKey: pc.PublicKey}
			f.peers[pc.PublicKey] = p
		}
		if pc.Endpoint != nil {
			p.Endpoint = pc.Endpoint
		}
		if pc.PersistentKeepaliveInterval != nil {
			p.PersistentKeepaliveInterval = *pc.PersistentKeepaliveInterval
		}
		if pc.PresharedKey != nil {
			p.PresharedKey = *pc.PresharedKey
		}
		if pc.ReplaceAllowedIPs {
			p.AllowedIPs = nil
		}
		p.AllowedIPs = append(p.AllowedIPs, pc.AllowedIPs...)
	}
	return nil
}

func (f *fakeCtrl) Close() error {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	return nil
}

func (f *fakeCtrl) history() []wgtypes.Config {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]wgtypes.Config(nil), f.configs...)
}

type fakeLinks struct {
	mu     sync.Mutex
	events []string
	err    error
}

func (l *fakeLinks) Add(_ context.Context, name string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, "add "+name)
	return l.err
}

func (l *fakeLinks) Delete(_ context.Context, name string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, "del "+name)
	return nil
}

type fakeRunner struct {
	starts, stops int
	err           error
}

func (r *fakeRunner) Start(context.Context, string) error { r.starts++; return r.err }
func (r *fakeRunner) Stop() error                         { r.stops++; return nil }

type transmitted struct {
	data []byte
	peer wgtypes.Key
}

// nativeSocket plays the native WireGuard's UDP port.
func nativeSocket(t *testing.T) *net.UDPConn {
	t.Helper()
	c, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func newTestCtrl(t *testing.T, replaceAll bool) (*ctrlBackend, *fakeCtrl, *net.UDPConn, chan transmitted) {
	t.Helper()
	native := nativeSocket(t)
	fake := newFakeCtrl(native.LocalAddr().(*net.UDPAddr).Port)
	out := make(chan transmitted, 16)
	opts := Options{
		Name: "wgtest0",
		Transmit: func(d []byte, peer wgtypes.Key) error {
			out <- transmitted{d, peer}
			return nil
		},
	}.withDefaults()
	kind := KernelDriver
	if replaceAll {
		kind = ExternalProcess
	}
	b := newCtrlBackend(kind, opts, replaceAll)
	b.open = func() (ctrlClient, error) { return fake, nil }
	t.Cleanup(func() { _ = b.Destroy(context.Background()) })
	return b, fake, native, out
}

func testPeer(t *testing.T, ip string) Peer {
	return Peer{
		PublicKey:  mustKey(t).PublicKey(),
		AllowedIPs: []netip.Prefix{netip.MustParsePrefix(ip + "/32")},
		Endpoint:   netip.MustParseAddrPort("198.51.100.1:51820"),
	}
}

func TestCtrlIncrementalUpdates(t *testing.T) {
	b, fake, _, _ := newTestCtrl(t, false)
	links := &fakeLinks{}
	b.links = links
	ctx := context.Background()

	require.NoError(t, b.Create(ctx, mustKey(t)))
	assert.Equal(t, []string{"add wgtest0"}, links.events)

	p1, p2 := testPeer(t, "10.0.0.2"), testPeer(t, "10.0.0.3")
	require.NoError(t, b.AddPeer(ctx, p1))
	require.NoError(t, b.AddPeer(ctx, p2))
	p1.PersistentKeepalive = 25 * time.Second
	require.NoError(t, b.UpdatePeer(ctx, p1))
	require.NoError(t, b.RemovePeer(ctx, p2.PublicKey))

	h := fake.history()
	require.Len(t, h, 5, "create plus one config per change")
	for _, cfg := range h[1:] {
		assert.False(t, cfg.ReplacePeers)
		assert.Len(t, cfg.Peers, 1)
	}
	assert.True(t, h[3].Peers[0].UpdateOnly)
	assert.True(t, h[4].Peers[0].Remove)

	peers, err := b.Peers(ctx)
	require.NoError(t, err)
	require.Len(t, peers, 1)
	assert.True(t, p1.Equal(peers[0]), "got %+v", peers[0])
}

func TestCtrlReplaceAll(t *testing.T) {
	b, fake, _, _ := newTestCtrl(t, true)
	proc := &fakeRunner{}
	b.proc = proc
	ctx := context.Background()

	require.NoError(t, b.Create(ctx, mustKey(t)))
	assert.Equal(t, 1, proc.starts)

	p1, p2 := testPeer(t, "10.0.0.2"), testPeer(t, "10.0.0.3")
	require.NoError(t, b.AddPeer(ctx, p1))
	require.NoError(t, b.AddPeer(ctx, p2))
	psk := mustKey(t)
	require.NoError(t, b.SetPresharedKey(ctx, p1.PublicKey, psk))
	require.NoError(t, b.RemovePeer(ctx, p2.PublicKey))

	h := fake.history()
	require.Len(t, h, 5)
	for _, cfg := range h[1:] {
		assert.True(t, cfg.ReplacePeers)
	}
	assert.Len(t, h[2].Peers, 2)
	require.Len(t, h[4].Peers, 1, "full mirror after removal")
	require.NotNil(t, h[4].Peers[0].PresharedKey, "replace-all must resend the psk")
	assert.Equal(t, psk, *h[4].Peers[0].PresharedKey)

	require.NoError(t, b.Destroy(ctx))
	assert.Equal(t, 1, proc.stops)
	assert.True(t, fake.closed)
}

func TestCtrlRollbackOnFailure(t *testing.T) {
	b, fake, _, _ := newTestCtrl(t, true)
	ctx := context.Background()
	require.NoError(t, b.Create(ctx, mustKey(t)))
	p := testPeer(t, "10.0.0.2")

	fake.mu.Lock()
	fake.fail = ErrBusy
	fake.mu.Unlock()
	err := b.AddPeer(ctx, p)
	assert.True(t, IsTransient(err))

	fake.mu.Lock()
	fake.fail = nil
	fake.mu.Unlock()
	require.NoError(t, b.AddPeer(ctx, p), "failed add must not leave the peer mirrored")
}

func TestCtrlProxyDataPath(t *testing.T) {
	b, fake, native, out := newTestCtrl(t, false)
	ctx := context.Background()
	require.NoError(t, b.Create(ctx, mustKey(t)))
	p := testPeer(t, "10.0.0.2")
	require.NoError(t, b.AddPeer(ctx, p))

	fake.mu.Lock()
	proxyAddr := fake.peers[p.PublicKey].Endpoint
	fake.mu.Unlock()
	require.NotNil(t, proxyAddr)
	assert.True(t, proxyAddr.IP.IsLoopback())

	// Inbound: Forward reaches the native socket from the peer's proxy.
	require.NoError(t, b.Forward(p.PublicKey, []byte("inbound")))
	buf := make([]byte, 64)
	require.NoError(t, native.SetReadDeadline(time.Now().Add(5*time.Second)))
	n, from, err := native.ReadFromUDP(buf)
	require.NoError(t, err)
	assert.Equal(t, "inbound", string(buf[:n]))
	assert.Equal(t, proxyAddr.Port, from.Port)

	// Outbound: what the native side sends to the proxy is transmitted.
	_, err = native.WriteToUDP([]byte("outbound"), proxyAddr)
	require.NoError(t, err)
	select {
	case tx := <-out:
		assert.Equal(t, "outbound", string(tx.data))
		assert.Equal(t, p.PublicKey, tx.peer)
	case <-time.After(5 * time.Second):
		t.Fatal("nothing transmitted")
	}

	assert.ErrorIs(t, b.Forward(mustKey(t).PublicKey(), []byte{1}), ErrUnknownPeer)
}

func TestCtrlProxyIgnoresStrangers(t *testing.T) {
	b, fake, _, out := newTestCtrl(t, false)
	ctx := context.Background()
	require.NoError(t, b.Create(ctx, mustKey(t)))
	p := testPeer(t, "10.0.0.2")
	require.NoError(t, b.AddPeer(ctx, p))

	fake.mu.Lock()
	proxyAddr := fake.peers[p.PublicKey].Endpoint
	fake.mu.Unlock()

	stranger := nativeSocket(t)
	_, err := stranger.WriteToUDP([]byte("spoof"), proxyAddr)
	require.NoError(t, err)
	select {
	case <-out:
		t.Fatal("datagram from a stranger was transmitted")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestCtrlWaitsForDevice(t *testing.T) {
	b, fake, _, _ := newTestCtrl(t, true)
	fake.notReady = 3
	require.NoError(t, b.Create(context.Background(), mustKey(t)))

	b2, fake2, _, _ := newTestCtrl(t, true)
	fake2.notReady = 1 << 20
	b2.opts.StartTimeout = 100 * time.Millisecond
	err := b2.Create(context.Background(), mustKey(t))
	assert.ErrorIs(t, err, ErrUnavailable)
}

func TestCtrlCreateFailures(t *testing.T) {
	b, _, _, _ := newTestCtrl(t, false)
	links := &fakeLinks{err: ErrUnavailable}
	b.links = links
	err := b.Create(context.Background(), mustKey(t))
	assert.ErrorIs(t, err, ErrUnavailable)
	assert.Equal(t, []string{"add wgtest0", "del wgtest0"}, links.events)

	b2, _, _, _ := newTestCtrl(t, false)
	b2.open = func() (ctrlClient, error) { return nil, errors.New("no netlink") }
	assert.ErrorIs(t, b2.Create(context.Background(), mustKey(t)), ErrUnavailable)

	b3, _, _, _ := newTestCtrl(t, true)
	b3.proc = &fakeRunner{err: ErrUnavailable}
	assert.ErrorIs(t, b3.Create(context.Background(), mustKey(t)), ErrUnavailable)
}

func TestCtrlNotCreated(t *testing.T) {
	b, _, _, _ := newTestCtrl(t, false)
	ctx := context.Background()
	assert.ErrorIs(t, b.AddPeer(ctx, testPeer(t, "10.0.0.2")), ErrNotCreated)
	assert.ErrorIs(t, b.Forward(mustKey(t), nil), ErrNotCreated)
	_, err := b.Stats(ctx)
	assert.ErrorIs(t, err, ErrNotCreated)
	assert.NoError(t, b.SetFwmark(ctx, 3))
	assert.NoError(t, b.Destroy(ctx))
}

func TestCtrlStats(t *testing.T) {
	b, fake, _, _ := newTestCtrl(t, false)
	ctx := context.Background()
	require.NoError(t, b.Create(ctx, mustKey(t)))
	p := testPeer(t, "10.0.0.2")
	require.NoError(t, b.AddPeer(ctx, p))

	fake.mu.Lock()
	fake.peers[p.PublicKey].ReceiveBytes = 10
	fake.peers[p.PublicKey].TransmitBytes = 20
	fake.mu.Unlock()

	st, err := b.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, fake.port, st.ListenPort)
	require.Len(t, st.Peers, 1)
	assert.Equal(t, uint64(10), st.Peers[0].RxBytes)
	assert.Equal(t, uint64(20), st.Peers[0].TxBytes)
}
