package mesh

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/netip"
	"slices"
	"sync"

	"github.com/sirupsen/logrus"
	"golang.zx2c4.com/wireguard/wgctrl/wgtypes"

	"github.com/opd-ai/meshcore/adapter"
	"github.com/opd-ai/meshcore/limits"
	"github.com/opd-ai/meshcore/logging"
	"github.com/opd-ai/meshcore/task"
)

// ErrUnknownPeer is wrapped by operations naming a peer that is not
// configured.
var ErrUnknownPeer = errors.New("unknown peer")

// SetPeer adds p or updates the peer with the same public key. The new
// allowed IPs replace the old ones in a single backend call.
func (m *Multiplexer) SetPeer(ctx context.Context, p PeerConfig) error {
	p = p.clone()
	return m.call(ctx, "set_peer", func(ctx context.Context) error {
		return m.doSetPeer(ctx, p)
	})
}

func (m *Multiplexer) doSetPeer(ctx context.Context, p PeerConfig) error {
	if m.backend == nil {
		return adapterErr(KindNotStarted, "set_peer", nil)
	}
	if err := p.validate(m.key.Public); err != nil {
		return adapterErr(KindInvalidKey, "set_peer", err)
	}
	if cur, ok := m.peers[p.PublicKey]; ok {
		if cur.cfg.backendPeer().Equal(p.backendPeer()) {
			return nil
		}
		if err := m.retry(ctx, "set_peer", func(ctx context.Context) error {
			return m.backend.UpdatePeer(ctx, p.backendPeer())
		}); err != nil {
			return err
		}
		m.adopt(p)
		return nil
	}
	if len(m.peers) >= limits.MaxPeers {
		return adapterErr(KindBackendRejected, "set_peer", fmt.Errorf("peer limit %d reached", limits.MaxPeers))
	}
	if err := m.addPeer(ctx, "set_peer", p, true); err != nil {
		return err
	}
	m.adopt(p)
	return nil
}

// addPeer adds a peer the owner does not track yet. The endpoint is
// published first: a userspace backend starts its own handshake inside
// AddPeer and transmits through us before AddPeer returns.
func (m *Multiplexer) addPeer(ctx context.Context, name string, p PeerConfig, orUpdate bool) error {
	m.publish(p.PublicKey, p.Endpoint)
	err := m.retry(ctx, name, func(ctx context.Context) error {
		return m.backend.AddPeer(ctx, p.backendPeer())
	})
	if orUpdate && errors.Is(err, adapter.ErrPeerExists) {
		// The backend knew the peer before we did.
		err = m.retry(ctx, name, func(ctx context.Context) error {
			return m.backend.UpdatePeer(ctx, p.backendPeer())
		})
	}
	if err != nil {
		if _, ok := m.peers[p.PublicKey]; !ok {
			m.viewMu.Lock()
			delete(m.endpoints, p.PublicKey)
			m.viewMu.Unlock()
		}
		return err
	}
	return nil
}

// RemovePeer removes a peer and discards any handshake in flight with it.
// Removing an unknown peer succeeds.
func (m *Multiplexer) RemovePeer(ctx context.Context, key wgtypes.Key) error {
	return m.call(ctx, "remove_peer", func(ctx context.Context) error {
		return m.doRemovePeer(ctx, key)
	})
}

func (m *Multiplexer) doRemovePeer(ctx context.Context, key wgtypes.Key) error {
	if m.backend == nil {
		return adapterErr(KindNotStarted, "remove_peer", nil)
	}
	err := m.retry(ctx, "remove_peer", func(ctx context.Context) error {
		return m.backend.RemovePeer(ctx, key)
	})
	if err != nil && !errors.Is(err, adapter.ErrUnknownPeer) {
		return err
	}
	m.forget(key)
	return nil
}

// Connect configures p and starts a handshake with it.
func (m *Multiplexer) Connect(ctx context.Context, p PeerConfig) error {
	p = p.clone()
	return m.call(ctx, "connect", func(ctx context.Context) error {
		if err := m.doSetPeer(ctx, p); err != nil {
			return err
		}
		return m.initiate(p.PublicKey)
	})
}

// Initiate starts a new handshake with a configured peer. Without a known
// endpoint nothing is sent and the peer is expected to initiate.
func (m *Multiplexer) Initiate(ctx context.Context, key wgtypes.Key) error {
	return m.call(ctx, "initiate", func(context.Context) error {
		return m.initiate(key)
	})
}

func (m *Multiplexer) initiate(key wgtypes.Key) error {
	e := m.engine.Load()
	if e == nil || m.backend == nil {
		return adapterErr(KindNotStarted, "initiate", nil)
	}
	p, ok := m.peers[key]
	if !ok {
		return fmt.Errorf("initiate: %w: %s", ErrUnknownPeer, logging.KeyPreview(key))
	}
	if !p.endpoint.IsValid() {
		p.awaiting = false
		m.log.WithFields(logrus.Fields{
			"function": "initiate",
			"peer":     logging.KeyPreview(key),
		}).Debug("No endpoint yet, waiting for the peer to initiate")
		return nil
	}
	req, err := e.Initiate(key)
	if err != nil {
		return fmt.Errorf("initiate: %w", err)
	}
	p.awaiting = true
	p.retryAt = m.cfg.Clock.Now().Add(m.cfg.HandshakeTimeout + m.handshakeBackoff(p.attempts))
	if err := m.send(req, p.endpoint); err != nil {
		return fmt.Errorf("send handshake request: %w", err)
	}
	return nil
}

// NotifyNetworkChange restarts handshakes with every peer that has an
// endpoint, after the local network changed under us.
func (m *Multiplexer) NotifyNetworkChange(ctx context.Context) error {
	return m.call(ctx, "network_change", func(context.Context) error {
		if m.backend == nil {
			return adapterErr(KindNotStarted, "network_change", nil)
		}
		var errs []error
		for _, key := range m.sortedPeers() {
			if err := m.initiate(key); err != nil {
				errs = append(errs, err)
			}
		}
		m.log.WithFields(logrus.Fields{
			"function": "NotifyNetworkChange",
			"peers":    len(m.peers),
			"failed":   len(errs),
		}).Info("Re-initiated handshakes after network change")
		return errors.Join(errs...)
	})
}

// coalescer folds reconcile requests that arrive while one is queued or
// running into a single run with the latest desired set.
type coalescer struct {
	mu      sync.Mutex
	queued  bool
	desired []PeerConfig
	waiters []chan error
}

// take claims the pending request.
func (c *coalescer) take() ([]PeerConfig, []chan error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	desired, waiters := c.desired, c.waiters
	c.desired, c.waiters, c.queued = nil, nil, false
	return desired, waiters
}

// Reconcile makes the backend's peer set equal to desired using only the
// add, update and remove calls needed. Concurrent requests are coalesced and
// the most recent desired set wins; every caller gets the result of the run
// that applied it.
func (m *Multiplexer) Reconcile(ctx context.Context, desired []PeerConfig) error {
	cloned := make([]PeerConfig, len(desired))
	for i, p := range desired {
		cloned[i] = p.clone()
	}
	ch := make(chan error, 1)

	m.rec.mu.Lock()
	m.rec.desired = cloned
	m.rec.waiters = append(m.rec.waiters, ch)
	queued := m.rec.queued
	m.rec.queued = true
	m.rec.mu.Unlock()

	if queued {
		m.counters.coalesced.Add(1)
	} else if err := m.inbox.Post(ctx, m.runReconcile); err != nil {
		_, waiters := m.rec.take()
		if errors.Is(err, task.ErrClosed) {
			err = adapterErr(KindNotStarted, "reconcile", err)
		}
		for _, w := range waiters {
			w <- err
		}
	}

	select {
	case err := <-ch:
		return err
	case <-m.exited:
		select {
		case err := <-ch:
			return err
		default:
			return adapterErr(KindNotStarted, "reconcile", errors.New("multiplexer stopped"))
		}
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Multiplexer) runReconcile(ctx context.Context) {
	desired, waiters := m.rec.take()
	err := m.doReconcile(ctx, desired)
	for _, w := range waiters {
		w <- err
	}
}

func (m *Multiplexer) doReconcile(ctx context.Context, desired []PeerConfig) error {
	if m.backend == nil {
		return adapterErr(KindNotStarted, "reconcile", nil)
	}
	want := make(map[wgtypes.Key]PeerConfig, len(desired))
	for _, p := range desired {
		if err := p.validate(m.key.Public); err != nil {
			return adapterErr(KindInvalidKey, "reconcile", err)
		}
		want[p.PublicKey] = p
	}
	if len(want) > limits.MaxPeers {
		return adapterErr(KindBackendRejected, "reconcile", fmt.Errorf("%d peers exceed limit %d", len(want), limits.MaxPeers))
	}

	var actualList []adapter.Peer
	if err := m.retry(ctx, "reconcile", func(ctx context.Context) error {
		var err error
		actualList, err = m.backend.Peers(ctx)
		return err
	}); err != nil {
		return err
	}
	actual := make(map[wgtypes.Key]adapter.Peer, len(actualList))
	for _, p := range actualList {
		actual[p.PublicKey] = p
	}

	var removes, updates, adds, unchanged []wgtypes.Key
	for k := range actual {
		if _, ok := want[k]; !ok {
			removes = append(removes, k)
		}
	}
	for k, p := range want {
		a, ok := actual[k]
		switch {
		case !ok:
			adds = append(adds, k)
		case !a.Equal(p.backendPeer()):
			updates = append(updates, k)
		default:
			unchanged = append(unchanged, k)
		}
	}
	sortKeys(removes)
	sortKeys(updates)
	sortKeys(adds)

	// Removals go first so allowed IPs moving between peers are free
	// before they are claimed.
	for _, k := range removes {
		if err := ctx.Err(); err != nil {
			return adapterErr(KindBackendRejected, "reconcile", err)
		}
		err := m.retry(ctx, "reconcile", func(ctx context.Context) error {
			return m.backend.RemovePeer(ctx, k)
		})
		if err != nil && !errors.Is(err, adapter.ErrUnknownPeer) {
			return err
		}
		m.forget(k)
	}
	for _, k := range updates {
		if err := ctx.Err(); err != nil {
			return adapterErr(KindBackendRejected, "reconcile", err)
		}
		p := want[k]
		if err := m.retry(ctx, "reconcile", func(ctx context.Context) error {
			return m.backend.UpdatePeer(ctx, p.backendPeer())
		}); err != nil {
			return err
		}
		m.adopt(p)
	}
	for _, k := range adds {
		if err := ctx.Err(); err != nil {
			return adapterErr(KindBackendRejected, "reconcile", err)
		}
		p := want[k]
		if err := m.addPeer(ctx, "reconcile", p, false); err != nil {
			return err
		}
		m.adopt(p)
	}
	for _, k := range unchanged {
		m.adopt(want[k])
	}
	// Peers we tracked that the backend had already lost.
	for k := range m.peers {
		if _, ok := want[k]; !ok {
			m.forget(k)
		}
	}

	m.counters.reconciles.Add(1)
	m.log.WithFields(logrus.Fields{
		"function": "Reconcile",
		"added":    len(adds),
		"updated":  len(updates),
		"removed":  len(removes),
		"peers":    len(want),
	}).Info("Peers reconciled")
	return nil
}

// adopt records p as configured, keeping runtime state of an existing peer.
func (m *Multiplexer) adopt(p PeerConfig) {
	cur, ok := m.peers[p.PublicKey]
	if !ok {
		cur = &peer{}
		m.peers[p.PublicKey] = cur
	}
	cur.cfg = p
	if p.Endpoint.IsValid() {
		cur.endpoint = p.Endpoint
	}
	m.publish(p.PublicKey, cur.endpoint)
}

// forget drops all state for key, including a handshake in flight.
func (m *Multiplexer) forget(key wgtypes.Key) {
	delete(m.peers, key)
	m.viewMu.Lock()
	delete(m.endpoints, key)
	m.viewMu.Unlock()
	if e := m.engine.Load(); e != nil {
		e.Cancel(key)
	}
}

func (m *Multiplexer) publish(key wgtypes.Key, endpoint netip.AddrPort) {
	m.viewMu.Lock()
	m.endpoints[key] = endpoint
	m.viewMu.Unlock()
}

// known reports whether key is a configured peer. It is the handshake
// engine's peer filter.
func (m *Multiplexer) known(key wgtypes.Key) bool {
	m.viewMu.RLock()
	defer m.viewMu.RUnlock()
	_, ok := m.endpoints[key]
	return ok
}

func (m *Multiplexer) endpointOf(key wgtypes.Key) (netip.AddrPort, bool) {
	m.viewMu.RLock()
	defer m.viewMu.RUnlock()
	ep, ok := m.endpoints[key]
	return ep, ok
}

func (m *Multiplexer) sortedPeers() []wgtypes.Key {
	keys := make([]wgtypes.Key, 0, len(m.peers))
	for k := range m.peers {
		keys = append(keys, k)
	}
	sortKeys(keys)
	return keys
}

func sortKeys(keys []wgtypes.Key) {
	slices.SortFunc(keys, func(a, b wgtypes.Key) int { return bytes.Compare(a[:], b[:]) })
}
