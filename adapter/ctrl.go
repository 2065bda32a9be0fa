package adapter

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"os"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.zx2c4.com/wireguard/wgctrl"
	"golang.zx2c4.com/wireguard/wgctrl/wgtypes"

	"github.com/opd-ai/meshcore/logging"
)

// ctrlClient is the part of *wgctrl.Client the backends use.
type ctrlClient interface {
	Device(name string) (*wgtypes.Device, error)
	ConfigureDevice(name string, cfg wgtypes.Config) error
	Close() error
}

func openWgctrl() (ctrlClient, error) {
	return wgctrl.New()
}

// linkManager creates and deletes the native interface.
type linkManager interface {
	Add(ctx context.Context, name string) error
	Delete(ctx context.Context, name string) error
}

// runner is an optional native process backing the interface.
type runner interface {
	Start(ctx context.Context, name string) error
	Stop() error
}

const readyPollInterval = 50 * time.Millisecond

// ctrlBackend drives a native WireGuard through wgctrl. With replaceAll it
// sends the full peer set on every change; otherwise it sends only the
// change.
type ctrlBackend struct {
	kind       Kind
	opts       Options
	log        *logrus.Entry
	replaceAll bool
	links      linkManager
	proc       runner
	open       func() (ctrlClient, error)

	mu      sync.RWMutex
	client  ctrlClient
	proxies *proxySet
	mirror  map[wgtypes.Key]Peer
	psk     map[wgtypes.Key]wgtypes.Key
}

func newCtrlBackend(kind Kind, opts Options, replaceAll bool) *ctrlBackend {
	return &ctrlBackend{
		kind:       kind,
		opts:       opts,
		log:        opts.Logger.WithField("backend", kind.String()),
		replaceAll: replaceAll,
		open:       openWgctrl,
		mirror:     make(map[wgtypes.Key]Peer),
		psk:        make(map[wgtypes.Key]wgtypes.Key),
	}
}

func (b *ctrlBackend) Kind() Kind { return b.kind }

func (b *ctrlBackend) Create(ctx context.Context, privateKey wgtypes.Key) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.client != nil {
		return b.configureLocked(wgtypes.Config{PrivateKey: &privateKey})
	}

	name := b.opts.Name
	if b.proc != nil {
		if err := b.proc.Start(ctx, name); err != nil {
			return err
		}
	}
	if b.links != nil {
		if err := b.links.Add(ctx, name); err != nil {
			b.teardownLocked(ctx)
			return err
		}
	}
	client, err := b.open()
	if err != nil {
		b.teardownLocked(ctx)
		return fmt.Errorf("%w: wgctrl: %v", ErrUnavailable, err)
	}
	b.client = client

	if err := b.waitReadyLocked(ctx); err != nil {
		b.teardownLocked(ctx)
		return err
	}

	cfg := wgtypes.Config{PrivateKey: &privateKey, ReplacePeers: true, Peers: []wgtypes.PeerConfig{}}
	if b.opts.ListenPort > 0 {
		port := b.opts.ListenPort
		cfg.ListenPort = &port
	}
	if b.opts.Fwmark != 0 {
		mark := int(b.opts.Fwmark)
		cfg.FirewallMark = &mark
	}
	if err := b.configureLocked(cfg); err != nil {
		b.teardownLocked(ctx)
		return err
	}

	dev, err := b.client.Device(name)
	if err != nil {
		b.teardownLocked(ctx)
		return fmt.Errorf("read device %s: %w", name, err)
	}
	target := &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: dev.ListenPort}
	b.proxies = newProxySet(target, b.opts.Transmit, b.log)

	b.log.WithFields(logrus.Fields{
		"function":    "Create",
		"interface":   name,
		"listen_port": dev.ListenPort,
		"public_key":  logging.KeyPreview(privateKey.PublicKey()),
	}).Info("Native WireGuard interface configured")
	return nil
}

// waitReadyLocked polls until the device answers, which for a spawned
// process means its UAPI socket is up.
func (b *ctrlBackend) waitReadyLocked(ctx context.Context) error {
	deadline := time.Now().Add(b.opts.StartTimeout)
	for {
		_, err := b.client.Device(b.opts.Name)
		if err == nil {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("%w: device %s not reachable: %v", ErrUnavailable, b.opts.Name, err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(readyPollInterval):
		}
	}
}

func (b *ctrlBackend) Destroy(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.client == nil && b.proxies == nil {
		return nil
	}
	if b.client != nil {
		// Best effort; the interface is going away regardless.
		_ = b.client.ConfigureDevice(b.opts.Name, wgtypes.Config{ReplacePeers: true, Peers: []wgtypes.PeerConfig{}})
	}
	b.teardownLocked(ctx)
	b.log.WithField("function", "Destroy").Info("Native WireGuard interface removed")
	return nil
}

func (b *ctrlBackend) teardownLocked(ctx context.Context) {
	if b.proxies != nil {
		b.proxies.closeAll()
		b.proxies = nil
	}
	if b.client != nil {
		_ = b.client.Close()
		b.client = nil
	}
	if b.links != nil {
		if err := b.links.Delete(ctx, b.opts.Name); err != nil {
			b.log.WithError(err).Warn("Failed to delete interface")
		}
	}
	if b.proc != nil {
		if err := b.proc.Stop(); err != nil {
			b.log.WithError(err).Warn("Failed to stop WireGuard process")
		}
	}
	clear(b.mirror)
	clear(b.psk)
}

func (b *ctrlBackend) SetPrivateKey(ctx context.Context, key wgtypes.Key) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.configureLocked(wgtypes.Config{PrivateKey: &key})
}

func (b *ctrlBackend) SetFwmark(ctx context.Context, mark uint32) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.opts.Fwmark = mark
	if b.client == nil {
		return nil
	}
	m := int(mark)
	return b.configureLocked(wgtypes.Config{FirewallMark: &m})
}

func (b *ctrlBackend) AddPeer(ctx context.Context, p Peer) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.client == nil {
		return ErrNotCreated
	}
	if _, ok := b.mirror[p.PublicKey]; ok {
		return fmt.Errorf("%w: %s", ErrPeerExists, logging.KeyPreview(p.PublicKey))
	}
	px, err := b.proxies.ensure(p.PublicKey)
	if err != nil {
		return fmt.Errorf("proxy for %s: %w", logging.KeyPreview(p.PublicKey), err)
	}
	b.mirror[p.PublicKey] = p.Clone()
	if err := b.applyLocked(b.peerConfig(p, px, false)); err != nil {
		delete(b.mirror, p.PublicKey)
		b.proxies.remove(p.PublicKey)
		return err
	}
	return nil
}

func (b *ctrlBackend) UpdatePeer(ctx context.Context, p Peer) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.client == nil {
		return ErrNotCreated
	}
	old, ok := b.mirror[p.PublicKey]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownPeer, logging.KeyPreview(p.PublicKey))
	}
	px, _ := b.proxies.get(p.PublicKey)
	b.mirror[p.PublicKey] = p.Clone()
	if err := b.applyLocked(b.peerConfig(p, px, true)); err != nil {
		b.mirror[p.PublicKey] = old
		return err
	}
	return nil
}

func (b *ctrlBackend) RemovePeer(ctx context.Context, key wgtypes.Key) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.client == nil {
		return ErrNotCreated
	}
	old, ok := b.mirror[key]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownPeer, logging.KeyPreview(key))
	}
	oldPSK, hadPSK := b.psk[key]
	delete(b.mirror, key)
	delete(b.psk, key)
	if err := b.applyLocked(wgtypes.PeerConfig{PublicKey: key, Remove: true}); err != nil {
		b.mirror[key] = old
		if hadPSK {
			b.psk[key] = oldPSK
		}
		return err
	}
	b.proxies.remove(key)
	return nil
}

func (b *ctrlBackend) SetPresharedKey(ctx context.Context, peer wgtypes.Key, psk wgtypes.Key) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.client == nil {
		return ErrNotCreated
	}
	if _, ok := b.mirror[peer]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownPeer, logging.KeyPreview(peer))
	}
	old, had := b.psk[peer]
	b.psk[peer] = psk
	err := b.applyLocked(wgtypes.PeerConfig{PublicKey: peer, UpdateOnly: true, PresharedKey: &psk})
	if err != nil {
		if had {
			b.psk[peer] = old
		} else {
			delete(b.psk, peer)
		}
	}
	return err
}

func (b *ctrlBackend) Peers(ctx context.Context) ([]Peer, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.client == nil {
		return nil, ErrNotCreated
	}
	dev, err := b.client.Device(b.opts.Name)
	if err != nil {
		return nil, fmt.Errorf("read device: %w", err)
	}
	out := make([]Peer, 0, len(dev.Peers))
	for _, wp := range dev.Peers {
		p := Peer{
			PublicKey:           wp.PublicKey,
			AllowedIPs:          fromIPNets(wp.AllowedIPs),
			PersistentKeepalive: wp.PersistentKeepaliveInterval,
		}
		if m, ok := b.mirror[wp.PublicKey]; ok {
			p.Endpoint = m.Endpoint
		}
		out = append(out, p)
	}
	return out, nil
}

func (b *ctrlBackend) Stats(ctx context.Context) (Stats, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.client == nil {
		return Stats{}, ErrNotCreated
	}
	dev, err := b.client.Device(b.opts.Name)
	if err != nil {
		return Stats{}, fmt.Errorf("read device: %w", err)
	}
	st := Stats{ListenPort: dev.ListenPort}
	for _, wp := range dev.Peers {
		st.Peers = append(st.Peers, PeerStats{
			PublicKey:     wp.PublicKey,
			RxBytes:       uint64(max(wp.ReceiveBytes, 0)),
			TxBytes:       uint64(max(wp.TransmitBytes, 0)),
			LastHandshake: wp.LastHandshakeTime,
		})
	}
	return st, nil
}

func (b *ctrlBackend) LinkID() (uint64, error) {
	b.mu.RLock()
	up := b.client != nil
	b.mu.RUnlock()
	if !up {
		return 0, ErrNotCreated
	}
	return linkID(b.opts.Name)
}

func (b *ctrlBackend) Forward(peer wgtypes.Key, datagram []byte) error {
	b.mu.RLock()
	proxies := b.proxies
	b.mu.RUnlock()
	if proxies == nil {
		return ErrNotCreated
	}
	px, ok := proxies.get(peer)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownPeer, logging.KeyPreview(peer))
	}
	return px.forward(datagram)
}

// applyLocked pushes one peer change, or the whole mirror for replace-all
// backends. The mirror must already reflect the change.
func (b *ctrlBackend) applyLocked(change wgtypes.PeerConfig) error {
	if !b.replaceAll {
		return b.configureLocked(wgtypes.Config{Peers: []wgtypes.PeerConfig{change}})
	}
	peers := make([]wgtypes.PeerConfig, 0, len(b.mirror))
	for _, p := range b.mirror {
		px, _ := b.proxies.get(p.PublicKey)
		pc := b.peerConfig(p, px, false)
		if psk, ok := b.psk[p.PublicKey]; ok {
			pc.PresharedKey = &psk
		}
		peers = append(peers, pc)
	}
	return b.configureLocked(wgtypes.Config{ReplacePeers: true, Peers: peers})
}

func (b *ctrlBackend) peerConfig(p Peer, px *proxy, update bool) wgtypes.PeerConfig {
	keepalive := p.PersistentKeepalive
	pc := wgtypes.PeerConfig{
		PublicKey:                   p.PublicKey,
		UpdateOnly:                  update,
		PersistentKeepaliveInterval: &keepalive,
		ReplaceAllowedIPs:           true,
		AllowedIPs:                  toIPNets(p.AllowedIPs),
	}
	if px != nil {
		pc.Endpoint = px.addr()
	}
	return pc
}

func (b *ctrlBackend) configureLocked(cfg wgtypes.Config) error {
	if b.client == nil {
		return ErrNotCreated
	}
	if err := b.client.ConfigureDevice(b.opts.Name, cfg); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		return fmt.Errorf("configure %s: %w", b.opts.Name, err)
	}
	return nil
}

func toIPNets(prefixes []netip.Prefix) []net.IPNet {
	out := make([]net.IPNet, 0, len(prefixes))
	for _, p := range prefixes {
		p = p.Masked()
		out = append(out, net.IPNet{
			IP:   p.Addr().AsSlice(),
			Mask: net.CIDRMask(p.Bits(), p.Addr().BitLen()),
		})
	}
	return out
}

func fromIPNets(nets []net.IPNet) []netip.Prefix {
	out := make([]netip.Prefix, 0, len(nets))
	for _, n := range nets {
		addr, ok := netip.AddrFromSlice(n.IP)
		if !ok {
			continue
		}
		ones, _ := n.Mask.Size()
		addr = addr.Unmap()
		if addr.Is4() && ones > 32 {
			ones -= 96
		}
		out = append(out, netip.PrefixFrom(addr, ones))
	}
	return out
}
