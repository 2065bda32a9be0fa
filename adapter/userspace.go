package adapter

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
	"golang.zx2c4.com/wireguard/device"
	"golang.zx2c4.com/wireguard/tun"
	"golang.zx2c4.com/wireguard/wgctrl/wgtypes"

	"github.com/opd-ai/meshcore/logging"
)

// userspace runs wireguard-go in process over a meshBind.
type userspace struct {
	opts Options
	log  *logrus.Entry
	bind *meshBind

	mu    sync.RWMutex
	dev   *device.Device
	tun   tun.Device
	peers map[wgtypes.Key]Peer
}

func newUserspace(opts Options) *userspace {
	return &userspace{
		opts:  opts,
		log:   opts.Logger.WithField("backend", Userspace.String()),
		bind:  newMeshBind(opts.Transmit),
		peers: make(map[wgtypes.Key]Peer),
	}
}

func (u *userspace) Kind() Kind { return Userspace }

func (u *userspace) Create(ctx context.Context, privateKey wgtypes.Key) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.dev != nil {
		return u.ipcSetLocked("private_key=" + hexKey(privateKey) + "\n")
	}

	tdev := u.opts.TUN
	if tdev == nil {
		var err error
		tdev, err = tun.CreateTUN(u.opts.Name, u.opts.MTU)
		if err != nil {
			return fmt.Errorf("%w: create tun %s: %v", ErrUnavailable, u.opts.Name, err)
		}
	}

	dev := device.NewDevice(tdev, u.bind, deviceLogger(u.log))
	var cfg uapiConfig
	cfg.set("private_key", hexKey(privateKey))
	if u.opts.Fwmark != 0 {
		cfg.set("fwmark", strconv.FormatUint(uint64(u.opts.Fwmark), 10))
	}
	if err := dev.IpcSet(cfg.String()); err != nil {
		dev.Close()
		return fmt.Errorf("configure device: %w", err)
	}
	if err := dev.Up(); err != nil {
		dev.Close()
		return fmt.Errorf("%w: bring device up: %v", ErrUnavailable, err)
	}
	u.dev, u.tun = dev, tdev

	u.log.WithFields(logrus.Fields{
		"function":   "Create",
		"interface":  u.opts.Name,
		"public_key": logging.KeyPreview(privateKey.PublicKey()),
	}).Info("Userspace WireGuard device started")
	return nil
}

func (u *userspace) Destroy(ctx context.Context) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.dev == nil {
		return nil
	}
	// Close also closes the TUN and the bind.
	u.dev.Close()
	u.dev, u.tun = nil, nil
	clear(u.peers)
	u.log.WithField("function", "Destroy").Info("Userspace WireGuard device stopped")
	return nil
}

func (u *userspace) SetPrivateKey(ctx context.Context, key wgtypes.Key) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.ipcSetLocked("private_key=" + hexKey(key) + "\n")
}

func (u *userspace) SetFwmark(ctx context.Context, mark uint32) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.opts.Fwmark = mark
	if u.dev == nil {
		return nil
	}
	return u.ipcSetLocked("fwmark=" + strconv.FormatUint(uint64(mark), 10) + "\n")
}

func (u *userspace) AddPeer(ctx context.Context, p Peer) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	if _, ok := u.peers[p.PublicKey]; ok {
		return fmt.Errorf("%w: %s", ErrPeerExists, logging.KeyPreview(p.PublicKey))
	}
	var cfg uapiConfig
	cfg.peer(p, false)
	if err := u.ipcSetLocked(cfg.String()); err != nil {
		return err
	}
	u.peers[p.PublicKey] = p.Clone()
	return nil
}

func (u *userspace) UpdatePeer(ctx context.Context, p Peer) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	if _, ok := u.peers[p.PublicKey]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownPeer, logging.KeyPreview(p.PublicKey))
	}
	var cfg uapiConfig
	cfg.peer(p, true)
	if err := u.ipcSetLocked(cfg.String()); err != nil {
		return err
	}
	u.peers[p.PublicKey] = p.Clone()
	return nil
}

func (u *userspace) RemovePeer(ctx context.Context, key wgtypes.Key) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	if _, ok := u.peers[key]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownPeer, logging.KeyPreview(key))
	}
	var cfg uapiConfig
	cfg.set("public_key", hexKey(key))
	cfg.set("remove", "true")
	if err := u.ipcSetLocked(cfg.String()); err != nil {
		return err
	}
	delete(u.peers, key)
	return nil
}

func (u *userspace) SetPresharedKey(ctx context.Context, peer wgtypes.Key, psk wgtypes.Key) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	if _, ok := u.peers[peer]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownPeer, logging.KeyPreview(peer))
	}
	var cfg uapiConfig
	cfg.set("public_key", hexKey(peer))
	cfg.set("update_only", "true")
	cfg.set("preshared_key", hexKey(psk))
	return u.ipcSetLocked(cfg.String())
}

// Peers reads the live peer set from the device. Endpoints come from our
// mirror since the device only knows peers by key.
func (u *userspace) Peers(ctx context.Context) ([]Peer, error) {
	u.mu.RLock()
	defer u.mu.RUnlock()
	dump, err := u.dumpLocked()
	if err != nil {
		return nil, err
	}
	out := make([]Peer, 0, len(dump.Peers))
	for _, dp := range dump.Peers {
		p := Peer{
			PublicKey:           dp.PublicKey,
			AllowedIPs:          dp.AllowedIPs,
			PersistentKeepalive: dp.Keepalive,
		}
		if m, ok := u.peers[dp.PublicKey]; ok {
			p.Endpoint = m.Endpoint
		}
		out = append(out, p)
	}
	return out, nil
}

func (u *userspace) Stats(ctx context.Context) (Stats, error) {
	u.mu.RLock()
	defer u.mu.RUnlock()
	dump, err := u.dumpLocked()
	if err != nil {
		return Stats{}, err
	}
	st := Stats{ListenPort: dump.ListenPort}
	for _, dp := range dump.Peers {
		st.Peers = append(st.Peers, PeerStats{
			PublicKey:     dp.PublicKey,
			RxBytes:       dp.RxBytes,
			TxBytes:       dp.TxBytes,
			LastHandshake: dp.LastHandshake,
		})
	}
	return st, nil
}

func (u *userspace) LinkID() (uint64, error) {
	u.mu.RLock()
	defer u.mu.RUnlock()
	if u.tun == nil {
		return 0, ErrNotCreated
	}
	name, err := u.tun.Name()
	if err != nil {
		return 0, err
	}
	return linkID(name)
}

func (u *userspace) Forward(peer wgtypes.Key, datagram []byte) error {
	u.mu.RLock()
	up := u.dev != nil
	u.mu.RUnlock()
	if !up {
		return ErrNotCreated
	}
	return u.bind.deliver(peer, datagram)
}

func (u *userspace) ipcSetLocked(cfg string) error {
	if u.dev == nil {
		return ErrNotCreated
	}
	if err := u.dev.IpcSet(cfg); err != nil {
		return fmt.Errorf("ipc set: %w", err)
	}
	return nil
}

func (u *userspace) dumpLocked() (uapiDevice, error) {
	if u.dev == nil {
		return uapiDevice{}, ErrNotCreated
	}
	raw, err := u.dev.IpcGet()
	if err != nil {
		return uapiDevice{}, fmt.Errorf("ipc get: %w", err)
	}
	return parseUAPI(strings.NewReader(raw))
}
