package adaptertest

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"golang.zx2c4.com/wireguard/wgctrl/wgtypes"

	"github.com/opd-ai/meshcore/adapter"
)

// Operation names used in the call log and by Fail.
const (
	OpCreate          = "create"
	OpDestroy         = "destroy"
	OpSetPrivateKey   = "set_private_key"
	OpSetFwmark       = "set_fwmark"
	OpAddPeer         = "add_peer"
	OpUpdatePeer      = "update_peer"
	OpRemovePeer      = "remove_peer"
	OpSetPresharedKey = "set_preshared_key"
	OpPeers           = "peers"
	OpStats           = "stats"
	OpForward         = "forward"
)

// Call is one recorded backend call.
type Call struct {
	Op   string
	Peer wgtypes.Key
	Err  error
}

// Datagram is a datagram handed to Forward.
type Datagram struct {
	Peer wgtypes.Key
	Data []byte
}

type failure struct {
	err   error
	times int // <0 means forever
}

// Backend is a recording in-memory adapter.Backend.
type Backend struct {
	kind adapter.Kind

	mu        sync.Mutex
	created   bool
	key       wgtypes.Key
	fwmark    uint32
	peers     map[wgtypes.Key]adapter.Peer
	psk       map[wgtypes.Key]wgtypes.Key
	calls     []Call
	forwarded []Datagram
	failures  map[string]*failure
	opts      adapter.Options
	linkID    uint64
	onAdd     func(adapter.Peer)
}

// New returns an empty backend reporting kind.
func New(kind adapter.Kind) *Backend {
	return &Backend{
		kind:     kind,
		peers:    make(map[wgtypes.Key]adapter.Peer),
		psk:      make(map[wgtypes.Key]wgtypes.Key),
		failures: make(map[string]*failure),
		linkID:   7,
	}
}

// Factory matches the signature of adapter.New. It remembers opts so tests
// can drive the Transmit callback, and hands out b for any kind.
func (b *Backend) Factory(kind adapter.Kind, opts adapter.Options) (adapter.Backend, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.kind = kind
	b.opts = opts
	return b, nil
}

// Fail makes the next times calls of op fail with err. A negative times
// fails every call until Fail is called again with a nil err.
func (b *Backend) Fail(op string, err error, times int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err == nil || times == 0 {
		delete(b.failures, op)
		return
	}
	b.failures[op] = &failure{err: err, times: times}
}

// Calls returns a copy of the call log.
func (b *Backend) Calls() []Call {
	b.mu.Lock()
	defer b.mu.Unlock()
	return slices.Clone(b.calls)
}

// CallsOf returns the logged calls of the given operations, failed ones
// included.
func (b *Backend) CallsOf(ops ...string) []Call {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []Call
	for _, c := range b.calls {
		if slices.Contains(ops, c.Op) {
			out = append(out, c)
		}
	}
	return out
}

// ResetCalls clears the call log.
func (b *Backend) ResetCalls() {
	b.mu.Lock()
	b.calls = nil
	b.mu.Unlock()
}

// Forwarded returns every datagram accepted by Forward.
func (b *Backend) Forwarded() []Datagram {
	b.mu.Lock()
	defer b.mu.Unlock()
	return slices.Clone(b.forwarded)
}

// Created reports whether the interface is up.
func (b *Backend) Created() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.created
}

// PrivateKey returns the key the interface was last configured with.
func (b *Backend) PrivateKey() wgtypes.Key {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.key
}

// PresharedKey returns the preshared key installed for peer.
func (b *Backend) PresharedKey(peer wgtypes.Key) (wgtypes.Key, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	k, ok := b.psk[peer]
	return k, ok
}

// Fwmark returns the last firewall mark set.
func (b *Backend) Fwmark() uint32 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.fwmark
}

// Transmit invokes the Transmit callback the backend was built with, as the
// native WireGuard would when it sends to peer.
func (b *Backend) Transmit(datagram []byte, peer wgtypes.Key) error {
	b.mu.Lock()
	tx := b.opts.Transmit
	b.mu.Unlock()
	if tx == nil {
		return adapter.ErrNotCreated
	}
	return tx(datagram, peer)
}

// OnAddPeer makes fn run inside every successful AddPeer, before it
// returns, the way wireguard-go starts a handshake as soon as a peer with an
// endpoint is added. fn may call Transmit.
func (b *Backend) OnAddPeer(fn func(adapter.Peer)) {
	b.mu.Lock()
	b.onAdd = fn
	b.mu.Unlock()
}

// Seed installs peers directly, bypassing the call log, to model peers the
// native side already had.
func (b *Backend) Seed(peers ...adapter.Peer) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, p := range peers {
		b.peers[p.PublicKey] = p.Clone()
	}
}

// record logs the call and returns the injected failure for op, if any.
// The caller holds b.mu.
func (b *Backend) record(op string, peer wgtypes.Key) error {
	var err error
	if f := b.failures[op]; f != nil {
		err = f.err
		if f.times > 0 {
			if f.times--; f.times == 0 {
				delete(b.failures, op)
			}
		}
	}
	b.calls = append(b.calls, Call{Op: op, Peer: peer, Err: err})
	return err
}

func (b *Backend) Kind() adapter.Kind {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.kind
}

func (b *Backend) Create(_ context.Context, key wgtypes.Key) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.record(OpCreate, wgtypes.Key{}); err != nil {
		return err
	}
	b.created = true
	b.key = key
	return nil
}

func (b *Backend) Destroy(context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.record(OpDestroy, wgtypes.Key{}); err != nil {
		return err
	}
	b.created = false
	clear(b.peers)
	clear(b.psk)
	return nil
}

func (b *Backend) SetPrivateKey(_ context.Context, key wgtypes.Key) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.record(OpSetPrivateKey, wgtypes.Key{}); err != nil {
		return err
	}
	if !b.created {
		return adapter.ErrNotCreated
	}
	b.key = key
	return nil
}

func (b *Backend) SetFwmark(_ context.Context, mark uint32) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.record(OpSetFwmark, wgtypes.Key{}); err != nil {
		return err
	}
	b.fwmark = mark
	return nil
}

func (b *Backend) AddPeer(_ context.Context, p adapter.Peer) error {
	b.mu.Lock()
	if err := b.record(OpAddPeer, p.PublicKey); err != nil {
		b.mu.Unlock()
		return err
	}
	if !b.created {
		b.mu.Unlock()
		return adapter.ErrNotCreated
	}
	if _, ok := b.peers[p.PublicKey]; ok {
		b.mu.Unlock()
		return fmt.Errorf("%w: %s", adapter.ErrPeerExists, p.PublicKey)
	}
	b.peers[p.PublicKey] = p.Clone()
	hook := b.onAdd
	b.mu.Unlock()
	if hook != nil {
		hook(p.Clone())
	}
	return nil
}

func (b *Backend) UpdatePeer(_ context.Context, p adapter.Peer) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.record(OpUpdatePeer, p.PublicKey); err != nil {
		return err
	}
	if !b.created {
		return adapter.ErrNotCreated
	}
	if _, ok := b.peers[p.PublicKey]; !ok {
		return fmt.Errorf("%w: %s", adapter.ErrUnknownPeer, p.PublicKey)
	}
	b.peers[p.PublicKey] = p.Clone()
	return nil
}

func (b *Backend) RemovePeer(_ context.Context, key wgtypes.Key) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.record(OpRemovePeer, key); err != nil {
		return err
	}
	if !b.created {
		return adapter.ErrNotCreated
	}
	if _, ok := b.peers[key]; !ok {
		return fmt.Errorf("%w: %s", adapter.ErrUnknownPeer, key)
	}
	delete(b.peers, key)
	delete(b.psk, key)
	return nil
}

func (b *Backend) SetPresharedKey(_ context.Context, peer wgtypes.Key, psk wgtypes.Key) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.record(OpSetPresharedKey, peer); err != nil {
		return err
	}
	if !b.created {
		return adapter.ErrNotCreated
	}
	if _, ok := b.peers[peer]; !ok {
		return fmt.Errorf("%w: %s", adapter.ErrUnknownPeer, peer)
	}
	b.psk[peer] = psk
	return nil
}

func (b *Backend) Peers(context.Context) ([]adapter.Peer, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.record(OpPeers, wgtypes.Key{}); err != nil {
		return nil, err
	}
	if !b.created {
		return nil, adapter.ErrNotCreated
	}
	out := make([]adapter.Peer, 0, len(b.peers))
	for _, p := range b.peers {
		out = append(out, p.Clone())
	}
	return out, nil
}

func (b *Backend) LinkID() (uint64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.created {
		return 0, adapter.ErrNotCreated
	}
	return b.linkID, nil
}

func (b *Backend) Stats(context.Context) (adapter.Stats, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.record(OpStats, wgtypes.Key{}); err != nil {
		return adapter.Stats{}, err
	}
	if !b.created {
		return adapter.Stats{}, adapter.ErrNotCreated
	}
	st := adapter.Stats{ListenPort: 51820}
	for k := range b.peers {
		var rx uint64
		for _, d := range b.forwarded {
			if d.Peer == k {
				rx += uint64(len(d.Data))
			}
		}
		st.Peers = append(st.Peers, adapter.PeerStats{PublicKey: k, RxBytes: rx})
	}
	return st, nil
}

func (b *Backend) Forward(peer wgtypes.Key, datagram []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.record(OpForward, peer); err != nil {
		return err
	}
	if !b.created {
		return adapter.ErrNotCreated
	}
	if _, ok := b.peers[peer]; !ok {
		return fmt.Errorf("%w: %s", adapter.ErrUnknownPeer, peer)
	}
	b.forwarded = append(b.forwarded, Datagram{Peer: peer, Data: slices.Clone(datagram)})
	return nil
}

var _ adapter.Backend = (*Backend)(nil)
