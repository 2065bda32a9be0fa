package meshcore

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"net"
	"net/netip"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.zx2c4.com/wireguard/tun"
	"golang.zx2c4.com/wireguard/wgctrl/wgtypes"

	"github.com/opd-ai/meshcore/adapter"
	"github.com/opd-ai/meshcore/crypto"
	"github.com/opd-ai/meshcore/firewall"
	"github.com/opd-ai/meshcore/logging"
	"github.com/opd-ai/meshcore/mesh"
	"github.com/opd-ai/meshcore/task"
)

// Version is reported by VersionTag. Release builds set it with
// -ldflags "-X github.com/opd-ai/meshcore.Version=<tag>".
var Version = "dev"

// ErrClosed is returned by every operation on a closed Device.
var ErrClosed = errors.New("device closed")

// Device is one meshnet node: a WireGuard interface, the meshnet socket and
// the multiplexer tying them together.
type Device struct {
	options *Options
	log     *logrus.Entry
	mux     *mesh.Multiplexer
	fw      *firewall.Static
	tasks   *task.Group
	factory mesh.Factory

	// mu serializes host calls.
	mu      sync.Mutex
	closed  bool
	conn    *net.UDPConn
	key     wgtypes.Key
	started bool
	meshmap *Meshmap
	manual  map[wgtypes.Key]exitNode

	// sock is the meshnet socket as seen by the owner task.
	sock atomic.Pointer[net.UDPConn]

	// tunMu guards tunDev, which the owner task reads while mu is held.
	tunMu  sync.Mutex
	tunDev tun.Device

	errMu   sync.Mutex
	lastErr string
}

// New creates a Device. Nothing is brought up until Start.
//
//export MeshNew
func New(options *Options) (*Device, error) {
	if options == nil {
		options = NewOptions()
	}
	if options.LogLevel != "" {
		if err := logging.SetLevel(options.LogLevel); err != nil {
			return nil, err
		}
	}
	if options.OperationTimeout <= 0 {
		options.OperationTimeout = createDefaultOptions().OperationTimeout
	}

	d := &Device{
		options: options,
		log:     logging.For("meshcore"),
		fw:      firewall.NewStatic(),
		factory: options.BackendFactory,
		manual:  make(map[wgtypes.Key]exitNode),
	}
	if d.factory == nil {
		d.factory = adapter.New
	}

	cfg := options.meshConfig()
	cfg.Factory = d.buildBackend
	cfg.Firewall = d.fw
	cfg.Send = d.send
	d.mux = mesh.New(cfg)

	d.tasks = task.NewGroup(context.Background())
	if err := d.tasks.Spawn("multiplexer", d.mux.Run); err != nil {
		return nil, err
	}

	d.log.WithFields(logrus.Fields{
		"function": "New",
		"adapter":  options.AdapterType.String(),
		"listen":   options.ListenAddress,
	}).Debug("Device created")
	return d, nil
}

// buildBackend hands the TUN device given to StartWithTUN to the backend.
func (d *Device) buildBackend(kind adapter.Kind, opts adapter.Options) (adapter.Backend, error) {
	d.tunMu.Lock()
	opts.TUN = d.tunDev
	d.tunMu.Unlock()
	return d.factory(kind, opts)
}

// send writes to the meshnet socket. The socket is installed before the
// backend starts, so nothing is lost while the reader task spins up.
func (d *Device) send(b []byte, to netip.AddrPort) error {
	conn := d.sock.Load()
	if conn == nil {
		return mesh.ErrNoSocket
	}
	_, err := conn.WriteToUDPAddrPort(b, to)
	return err
}

func (d *Device) setTUN(dev tun.Device) {
	d.tunMu.Lock()
	d.tunDev = dev
	d.tunMu.Unlock()
}

func (d *Device) opContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(d.tasks.Context(), d.options.OperationTimeout)
}

// fail records err as the last error and returns it.
func (d *Device) fail(op string, err error) error {
	if err == nil {
		return nil
	}
	d.errMu.Lock()
	d.lastErr = fmt.Sprintf("%s: %v", op, err)
	d.errMu.Unlock()

	d.log.WithFields(logrus.Fields{
		"function": op,
		"error":    err.Error(),
	}).Warn("Operation failed")
	return err
}

// LastError returns the message of the most recent failed operation, or
// an empty string.
//
//export MeshGetLastError
func (d *Device) LastError() string {
	d.errMu.Lock()
	defer d.errMu.Unlock()
	return d.lastErr
}

// Start brings the interface up with a base64 private key. The zero Kind
// selects Options.AdapterType. On a started Device only the key changes.
//
//export MeshStart
func (d *Device) Start(privateKey string, kind adapter.Kind) error {
	return d.start("Start", privateKey, kind, nil)
}

// StartWithTUN is Start for the userspace backend with a TUN device the
// caller already opened.
//
//export MeshStartWithTun
func (d *Device) StartWithTUN(privateKey string, kind adapter.Kind, dev tun.Device) error {
	if dev == nil {
		return d.fail("StartWithTUN", errors.New("nil tun device"))
	}
	if kind == 0 {
		kind = adapter.Userspace
	}
	if kind != adapter.Userspace {
		return d.fail("StartWithTUN", &mesh.AdapterError{
			Kind: mesh.KindBackendUnavailable,
			Op:   "start",
			Err:  fmt.Errorf("a tun device can only be used by the %s backend", adapter.Userspace),
		})
	}
	return d.start("StartWithTUN", privateKey, kind, dev)
}

func (d *Device) start(op, privateKey string, kind adapter.Kind, dev tun.Device) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return d.fail(op, ErrClosed)
	}
	key, err := crypto.ParseKey(privateKey)
	if err != nil {
		return d.fail(op, &mesh.AdapterError{Kind: mesh.KindInvalidKey, Op: "start", Err: err})
	}
	if kind == 0 {
		kind = d.options.AdapterType
	}
	if !d.started {
		d.setTUN(dev)
	}

	opened := false
	if d.conn == nil {
		conn, err := listen(d.options.ListenAddress)
		if err != nil {
			return d.fail(op, &mesh.AdapterError{Kind: mesh.KindBackendUnavailable, Op: "start", Err: err})
		}
		d.conn = conn
		d.sock.Store(conn)
		opened = true
	}

	ctx, cancel := d.opContext()
	defer cancel()
	if err := d.mux.Start(ctx, key, kind); err != nil {
		if opened {
			d.closeConn()
		}
		return d.fail(op, err)
	}
	if opened {
		conn := d.conn
		if err := d.tasks.Spawn("serve", func(ctx context.Context) error {
			return d.mux.Serve(ctx, conn)
		}); err != nil {
			return d.fail(op, err)
		}
	}
	d.key = key
	d.started = true

	d.log.WithFields(logrus.Fields{
		"function": op,
		"adapter":  kind.String(),
		"meshnet":  d.conn.LocalAddr().String(),
	}).Info("Device started")
	return nil
}

func listen(address string) (*net.UDPConn, error) {
	addr, err := net.ResolveUDPAddr("udp", address)
	if err != nil {
		return nil, err
	}
	return net.ListenUDP("udp", addr)
}

func (d *Device) closeConn() {
	d.sock.Store(nil)
	if d.conn != nil {
		_ = d.conn.Close()
		d.conn = nil
	}
}

// Stop tears the interface down and forgets every peer. Stopping a stopped
// Device succeeds.
//
//export MeshStop
func (d *Device) Stop() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.stopLocked()
}

func (d *Device) stopLocked() error {
	if d.closed {
		return nil
	}
	ctx, cancel := d.opContext()
	defer cancel()
	err := d.mux.Stop(ctx)

	d.closeConn()
	d.meshmap = nil
	clear(d.manual)
	d.fw.Replace(nil)
	d.key = wgtypes.Key{}
	d.started = false
	d.setTUN(nil)
	return d.fail("Stop", err)
}

// Close stops the Device and its background tasks. The Device cannot be
// used afterwards.
//
//export MeshKill
func (d *Device) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil
	}
	err := d.stopLocked()
	d.closed = true
	if serr := d.tasks.Shutdown(); serr != nil && err == nil {
		err = serr
	}
	return err
}

// SetPrivateKey replaces the identity of a started Device.
//
//export MeshSetPrivateKey
func (d *Device) SetPrivateKey(privateKey string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return d.fail("SetPrivateKey", ErrClosed)
	}
	key, err := crypto.ParseKey(privateKey)
	if err != nil {
		return d.fail("SetPrivateKey", &mesh.AdapterError{Kind: mesh.KindInvalidKey, Op: "set_private_key", Err: err})
	}
	ctx, cancel := d.opContext()
	defer cancel()
	if err := d.mux.SetPrivateKey(ctx, key); err != nil {
		return d.fail("SetPrivateKey", err)
	}
	d.key = key
	return nil
}

// GetPrivateKey returns the base64 private key of a started Device.
//
//export MeshGetPrivateKey
func (d *Device) GetPrivateKey() (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.started {
		return "", d.fail("GetPrivateKey", &mesh.AdapterError{Kind: mesh.KindNotStarted, Op: "get_private_key"})
	}
	return d.key.String(), nil
}

// PublicKey returns the base64 public key, or false when not started.
func (d *Device) PublicKey() (string, bool) {
	key, ok := d.mux.PublicKey()
	if !ok {
		return "", false
	}
	return key.String(), true
}

// MeshnetAddr returns the local address of the meshnet socket.
func (d *Device) MeshnetAddr() (netip.AddrPort, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.conn == nil {
		return netip.AddrPort{}, false
	}
	ap := d.conn.LocalAddr().(*net.UDPAddr).AddrPort()
	return netip.AddrPortFrom(ap.Addr().Unmap(), ap.Port()), ap.IsValid()
}

// exitNode is a peer configured with ConnectToExitNode rather than through
// the meshnet map.
type exitNode struct {
	identifier string
	peer       mesh.PeerConfig
}

// defaultRoute is routed to an exit node given no allowed IPs.
var defaultRoute = netip.MustParsePrefix("0.0.0.0/0")

// ConnectToPeer is ConnectToExitNode with a generated identifier.
//
//export MeshConnectToPeer
func (d *Device) ConnectToPeer(publicKey string, allowedIPs []string, endpoint string) error {
	return d.ConnectToExitNode("", publicKey, allowedIPs, endpoint)
}

// ConnectToExitNode configures a peer outside the meshnet map, typically an
// exit node, and starts a handshake with it. An empty identifier is replaced
// by a random UUID and no allowed IPs route everything through the peer.
// endpoint may be empty when the peer will contact us first. The peer is
// always let through the firewall.
//
//export MeshConnectToExitNode
func (d *Device) ConnectToExitNode(identifier, publicKey string, allowedIPs []string, endpoint string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return d.fail("ConnectToExitNode", ErrClosed)
	}
	pc, err := d.exitPeer(publicKey, allowedIPs, endpoint)
	if err != nil {
		return d.fail("ConnectToExitNode", err)
	}
	if identifier == "" {
		identifier = uuid.NewString()
	}

	prev, had := d.manual[pc.PublicKey]
	d.manual[pc.PublicKey] = exitNode{identifier: identifier, peer: pc}
	d.applyFirewall()

	ctx, cancel := d.opContext()
	defer cancel()
	if err := d.mux.Connect(ctx, pc); err != nil {
		if had {
			d.manual[pc.PublicKey] = prev
		} else {
			delete(d.manual, pc.PublicKey)
		}
		d.applyFirewall()
		return d.fail("ConnectToExitNode", err)
	}
	d.log.WithFields(logrus.Fields{
		"function":   "ConnectToExitNode",
		"identifier": identifier,
		"peer":       logging.KeyPreview(pc.PublicKey),
		"routes":     len(pc.AllowedIPs),
	}).Info("Connected to exit node")
	return nil
}

func (d *Device) exitPeer(publicKey string, allowedIPs []string, endpoint string) (mesh.PeerConfig, error) {
	key, err := crypto.ParseKey(publicKey)
	if err != nil {
		return mesh.PeerConfig{}, &mesh.AdapterError{Kind: mesh.KindInvalidKey, Op: "connect", Err: err}
	}
	pc := mesh.PeerConfig{
		PublicKey:           key,
		PersistentKeepalive: d.options.PersistentKeepalive,
	}
	for _, s := range allowedIPs {
		prefix, err := parsePrefix(s)
		if err != nil {
			return mesh.PeerConfig{}, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
		}
		pc.AllowedIPs = append(pc.AllowedIPs, prefix)
	}
	if len(pc.AllowedIPs) == 0 {
		pc.AllowedIPs = []netip.Prefix{defaultRoute}
	}
	if endpoint != "" {
		ap, err := netip.ParseAddrPort(endpoint)
		if err != nil {
			return mesh.PeerConfig{}, fmt.Errorf("%w: endpoint %q: %w", ErrInvalidConfig, endpoint, err)
		}
		pc.Endpoint = ap
	}
	return pc, nil
}

// DisconnectFromPeer undoes ConnectToExitNode. A peer that is also in the
// meshnet map falls back to its meshnet configuration.
//
//export MeshDisconnectFromPeer
func (d *Device) DisconnectFromPeer(publicKey string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return d.fail("DisconnectFromPeer", ErrClosed)
	}
	key, err := crypto.ParseKey(publicKey)
	if err != nil {
		return d.fail("DisconnectFromPeer", &mesh.AdapterError{Kind: mesh.KindInvalidKey, Op: "disconnect", Err: err})
	}
	delete(d.manual, key)
	d.applyFirewall()

	ctx, cancel := d.opContext()
	defer cancel()
	if mp, ok := d.meshmap.peer(key); ok {
		return d.fail("DisconnectFromPeer", d.mux.SetPeer(ctx, mesh.PeerConfig{
			PublicKey:           key,
			AllowedIPs:          mp.allowed,
			Endpoint:            mp.endpoint,
			PersistentKeepalive: d.options.PersistentKeepalive,
		}))
	}
	return d.fail("DisconnectFromPeer", d.mux.RemovePeer(ctx, key))
}

// DisconnectFromExitNodes drops every peer added with ConnectToExitNode in
// one reconcile. Exit nodes that are also meshnet peers keep their meshnet
// configuration. On failure the exit nodes stay configured.
//
//export MeshDisconnectFromExitNodes
func (d *Device) DisconnectFromExitNodes() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return d.fail("DisconnectFromExitNodes", ErrClosed)
	}
	if len(d.manual) == 0 {
		return nil
	}
	prev := maps.Clone(d.manual)
	clear(d.manual)
	d.applyFirewall()
	if err := d.reconcileLocked(); err != nil {
		d.manual = prev
		d.applyFirewall()
		return d.fail("DisconnectFromExitNodes", err)
	}
	d.log.WithFields(logrus.Fields{
		"function": "DisconnectFromExitNodes",
		"removed":  len(prev),
	}).Info("Disconnected from exit nodes")
	return nil
}

// SetMeshnet applies a meshnet map given as JSON. The interface converges
// on exactly the peers of the map plus those added with ConnectToPeer, and
// a handshake is started with every peer that is not connected yet. An
// empty document switches the meshnet off.
//
//export MeshSetMeshnet
func (d *Device) SetMeshnet(config string) error {
	if config == "" {
		return d.SetMeshnetOff()
	}
	m, skipped, err := ParseMeshmap([]byte(config))
	if err != nil {
		return d.fail("SetMeshnet", err)
	}
	for _, s := range skipped {
		d.log.WithFields(logrus.Fields{
			"function": "SetMeshnet",
			"error":    s.Error(),
		}).Warn("Failed to decode one of the peers")
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return d.fail("SetMeshnet", ErrClosed)
	}
	if m.PublicKey != "" && d.started {
		if local, err := crypto.ParseKey(m.PublicKey); err == nil && local != d.key.PublicKey() {
			d.log.WithFields(logrus.Fields{
				"function":  "SetMeshnet",
				"meshmap":   logging.KeyPreview(local),
				"interface": logging.KeyPreview(d.key.PublicKey()),
			}).Warn("Meshnet map was issued for a different key")
		}
	}

	prev := d.meshmap
	d.meshmap = m
	d.applyFirewall()
	if err := d.reconcileLocked(); err != nil {
		d.meshmap = prev
		d.applyFirewall()
		return d.fail("SetMeshnet", err)
	}
	d.initiatePending()

	d.log.WithFields(logging.OperationFields("set_meshnet", "applied", logrus.Fields{
		"function": "SetMeshnet",
		"peers":    len(m.Peers),
		"skipped":  len(skipped),
	}, logging.SecureFieldHash([]byte(config), "config"))).Info("Meshnet map applied")
	return nil
}

// SetMeshnetOff removes every meshnet peer. Peers added with ConnectToPeer
// stay.
//
//export MeshSetMeshnetOff
func (d *Device) SetMeshnetOff() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return d.fail("SetMeshnetOff", ErrClosed)
	}
	prev := d.meshmap
	d.meshmap = nil
	d.applyFirewall()
	if err := d.reconcileLocked(); err != nil {
		d.meshmap = prev
		d.applyFirewall()
		return d.fail("SetMeshnetOff", err)
	}
	return nil
}

func (d *Device) reconcileLocked() error {
	var desired []mesh.PeerConfig
	if d.meshmap != nil {
		local := d.key.PublicKey()
		for _, pc := range d.meshmap.peerConfigs(d.options.PersistentKeepalive) {
			if d.started && pc.PublicKey == local {
				continue
			}
			desired = append(desired, pc)
		}
	}
	// Manual peers come last so they win over a meshnet entry for the same key.
	for _, x := range d.manual {
		desired = append(desired, x.peer)
	}
	ctx, cancel := d.opContext()
	defer cancel()
	return d.mux.Reconcile(ctx, desired)
}

// initiatePending starts a handshake with every reachable peer that has no
// session and none in flight. Failures are only logged.
func (d *Device) initiatePending() {
	ctx, cancel := d.opContext()
	defer cancel()
	st, err := d.mux.Status(ctx)
	if err != nil || !st.Started {
		return
	}
	for _, p := range st.Peers {
		if p.State != mesh.StateDisconnected || !p.Endpoint.IsValid() {
			continue
		}
		if err := d.mux.Initiate(ctx, p.PublicKey); err != nil {
			d.log.WithFields(logrus.Fields{
				"function": "initiatePending",
				"peer":     logging.KeyPreview(p.PublicKey),
				"error":    err.Error(),
			}).Debug("Failed to initiate handshake")
		}
	}
}

// applyFirewall rebuilds the allowlist from the meshnet map and the manual
// peers.
func (d *Device) applyFirewall() {
	allowed := make([]wgtypes.Key, 0, len(d.manual))
	for k := range d.manual {
		allowed = append(allowed, k)
	}
	if d.meshmap != nil {
		for _, p := range d.meshmap.Peers {
			if !d.options.EnforceFirewall || p.AllowIncomingConnections {
				allowed = append(allowed, p.key)
			}
		}
	}
	d.fw.Replace(allowed)
}

// SetFwmark sets the firewall mark of the WireGuard socket.
//
//export MeshSetFwmark
func (d *Device) SetFwmark(mark uint32) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return d.fail("SetFwmark", ErrClosed)
	}
	ctx, cancel := d.opContext()
	defer cancel()
	return d.fail("SetFwmark", d.mux.SetFwmark(ctx, mark))
}

// NotifyNetworkChange tells the Device the host's network changed. Every
// peer with a known endpoint is handshaked again.
//
//export MeshNotifyNetworkChange
func (d *Device) NotifyNetworkChange() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return d.fail("NotifyNetworkChange", ErrClosed)
	}
	ctx, cancel := d.opContext()
	defer cancel()
	return d.fail("NotifyNetworkChange", d.mux.NotifyNetworkChange(ctx))
}

// PingPeer sends a discovery ping to a configured peer. The measured round
// trip shows up in Nodes once the pong arrives.
//
//export MeshPingPeer
func (d *Device) PingPeer(publicKey string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return d.fail("PingPeer", ErrClosed)
	}
	key, err := crypto.ParseKey(publicKey)
	if err != nil {
		return d.fail("PingPeer", &mesh.AdapterError{Kind: mesh.KindInvalidKey, Op: "ping", Err: err})
	}
	ctx, cancel := d.opContext()
	defer cancel()
	return d.fail("PingPeer", d.mux.Ping(ctx, key))
}

// SendKeepalives sends a meshnet keepalive to every peer with a known
// endpoint, refreshing NAT mappings and telling each peer where we are.
//
//export MeshSendKeepalives
func (d *Device) SendKeepalives() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return d.fail("SendKeepalives", ErrClosed)
	}
	ctx, cancel := d.opContext()
	defer cancel()
	st, err := d.mux.Status(ctx)
	if err != nil {
		return d.fail("SendKeepalives", err)
	}
	var errs []error
	for _, p := range st.Peers {
		if !p.Endpoint.IsValid() {
			continue
		}
		if err := d.mux.SendKeepalive(ctx, p.PublicKey); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", logging.KeyPreview(p.PublicKey), err))
		}
	}
	return d.fail("SendKeepalives", errors.Join(errs...))
}

// AnnounceEndpoint tells a peer to send to endpoint from now on. The peer
// only moves if the address is one it may reach us at.
//
//export MeshAnnounceEndpoint
func (d *Device) AnnounceEndpoint(publicKey, endpoint string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return d.fail("AnnounceEndpoint", ErrClosed)
	}
	key, err := crypto.ParseKey(publicKey)
	if err != nil {
		return d.fail("AnnounceEndpoint", &mesh.AdapterError{Kind: mesh.KindInvalidKey, Op: "announce", Err: err})
	}
	ap, err := netip.ParseAddrPort(endpoint)
	if err != nil {
		return d.fail("AnnounceEndpoint", fmt.Errorf("%w: endpoint %q: %w", ErrInvalidConfig, endpoint, err))
	}
	ctx, cancel := d.opContext()
	defer cancel()
	return d.fail("AnnounceEndpoint", d.mux.AnnounceEndpoint(ctx, key, ap))
}

// AdapterLUID returns the adapter-assigned interface identifier, or zero
// when the Device is not started or the backend cannot tell.
//
//export MeshGetAdapterLuid
func (d *Device) AdapterLUID() uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return 0
	}
	ctx, cancel := d.opContext()
	defer cancel()
	id, err := d.mux.LinkID(ctx)
	if err != nil {
		_ = d.fail("AdapterLUID", err)
		return 0
	}
	return id
}

// Status returns a snapshot of the interface and its peers.
func (d *Device) Status() (mesh.Status, error) {
	ctx, cancel := d.opContext()
	defer cancel()
	st, err := d.mux.Status(ctx)
	return st, d.fail("Status", err)
}

// Counters returns the multiplexer's event counters.
func (d *Device) Counters() mesh.Counters {
	return d.mux.Counters()
}

// DefaultAdapter returns the recommended backend for this platform.
//
//export MeshGetDefaultAdapter
func DefaultAdapter() adapter.Kind {
	return adapter.Default()
}

// GenerateSecretKey returns a new base64 private key.
//
//export MeshGenerateSecretKey
func GenerateSecretKey() (string, error) {
	kp, err := crypto.GenerateKeyPair()
	if err != nil {
		return "", err
	}
	defer crypto.WipeKeyPair(kp)
	return kp.Private.String(), nil
}

// GeneratePublicKey derives the base64 public key of a base64 private key.
//
//export MeshGeneratePublicKey
func GeneratePublicKey(secretKey string) (string, error) {
	secret, err := crypto.ParseKey(secretKey)
	if err != nil {
		return "", err
	}
	kp, err := crypto.FromSecretKey(secret)
	if err != nil {
		return "", err
	}
	defer crypto.WipeKeyPair(kp)
	return kp.Public.String(), nil
}

// VersionTag returns the build version.
//
//export MeshGetVersionTag
func VersionTag() string {
	return Version
}
