package mesh

import (
	"context"
	"net/netip"
	"slices"
	"sync/atomic"
	"time"

	"golang.zx2c4.com/wireguard/wgctrl/wgtypes"

	"github.com/opd-ai/meshcore/adapter"
)

// ConnectionState summarizes a peer for the host application.
type ConnectionState int

const (
	StateDisconnected ConnectionState = iota
	StateConnecting
	StateConnected
)

func (s ConnectionState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return "disconnected"
	}
}

// PeerStatus is a snapshot of one peer.
type PeerStatus struct {
	PublicKey     wgtypes.Key
	Endpoint      netip.AddrPort
	AllowedIPs    []netip.Prefix
	Epoch         uint64
	State         ConnectionState
	LastHandshake time.Time
	LastSeen      time.Time
	RTT           time.Duration
	RxBytes       uint64
	TxBytes       uint64
}

// Status is a snapshot of the interface.
type Status struct {
	Started    bool
	Kind       adapter.Kind
	PublicKey  wgtypes.Key
	ListenPort int
	Peers      []PeerStatus
}

// Status reports the interface and every peer, ordered by public key.
func (m *Multiplexer) Status(ctx context.Context) (Status, error) {
	var st Status
	err := m.call(ctx, "status", func(ctx context.Context) error {
		if m.backend == nil {
			return nil
		}
		st.Started = true
		st.Kind = m.kind
		st.PublicKey = m.key.Public

		traffic := make(map[wgtypes.Key]adapter.PeerStats)
		if stats, err := m.backend.Stats(ctx); err == nil {
			st.ListenPort = stats.ListenPort
			for _, ps := range stats.Peers {
				traffic[ps.PublicKey] = ps
			}
		}
		e := m.engine.Load()
		for _, k := range m.sortedPeers() {
			p := m.peers[k]
			ps := PeerStatus{
				PublicKey:     k,
				Endpoint:      p.endpoint,
				AllowedIPs:    slices.Clone(p.cfg.AllowedIPs),
				Epoch:         p.epoch,
				LastHandshake: p.lastHandshake,
				LastSeen:      p.lastSeen,
				RTT:           p.rtt,
				RxBytes:       traffic[k].RxBytes,
				TxBytes:       traffic[k].TxBytes,
			}
			switch {
			case p.epoch > 0:
				ps.State = StateConnected
			case p.awaiting || (e != nil && e.Pending(k)):
				ps.State = StateConnecting
			}
			st.Peers = append(st.Peers, ps)
		}
		return nil
	})
	return st, err
}

// Counters are cumulative event counts since New.
type Counters struct {
	Received           uint64
	Malformed          uint64
	Filtered           uint64
	QueueDrops         uint64
	HandshakeFailures  uint64
	Handshakes         uint64
	Rotations          uint64
	RotationsDiscarded uint64
	Expired            uint64
	DataIn             uint64
	DataOut            uint64
	ForwardErrors      uint64
	NoEndpoint         uint64
	Upgrades           uint64
	Reconciles         uint64
	Coalesced          uint64
	Retries            uint64
	HandshakeRetries   uint64
}

type counters struct {
	received           atomic.Uint64
	malformed          atomic.Uint64
	filtered           atomic.Uint64
	queueDrops         atomic.Uint64
	handshakeFailures  atomic.Uint64
	handshakes         atomic.Uint64
	rotations          atomic.Uint64
	rotationsDiscarded atomic.Uint64
	expired            atomic.Uint64
	dataIn             atomic.Uint64
	dataOut            atomic.Uint64
	forwardErrors      atomic.Uint64
	noEndpoint         atomic.Uint64
	upgrades           atomic.Uint64
	reconciles         atomic.Uint64
	coalesced          atomic.Uint64
	retries            atomic.Uint64
	handshakeRetries   atomic.Uint64
}

// Counters returns a snapshot of the event counters. It does not go
// through the owner and may be called at any time.
func (m *Multiplexer) Counters() Counters {
	c := &m.counters
	return Counters{
		Received:           c.received.Load(),
		Malformed:          c.malformed.Load(),
		Filtered:           c.filtered.Load(),
		QueueDrops:         c.queueDrops.Load(),
		HandshakeFailures:  c.handshakeFailures.Load(),
		Handshakes:         c.handshakes.Load(),
		Rotations:          c.rotations.Load(),
		RotationsDiscarded: c.rotationsDiscarded.Load(),
		Expired:            c.expired.Load(),
		DataIn:             c.dataIn.Load(),
		DataOut:            c.dataOut.Load(),
		ForwardErrors:      c.forwardErrors.Load(),
		NoEndpoint:         c.noEndpoint.Load(),
		Upgrades:           c.upgrades.Load(),
		Reconciles:         c.reconciles.Load(),
		Coalesced:          c.coalesced.Load(),
		Retries:            c.retries.Load(),
		HandshakeRetries:   c.handshakeRetries.Load(),
	}
}
