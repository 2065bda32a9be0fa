package mesh

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"time"

	"github.com/sirupsen/logrus"
	"golang.zx2c4.com/wireguard/wgctrl/wgtypes"

	"github.com/opd-ai/meshcore/handshake"
	"github.com/opd-ai/meshcore/limits"
	"github.com/opd-ai/meshcore/logging"
	"github.com/opd-ai/meshcore/packet"
)

var (
	// ErrNoSocket is returned when there is nothing to send through.
	ErrNoSocket = errors.New("no meshnet socket")
	// ErrNoEndpoint is returned when a peer's address is not known yet.
	ErrNoEndpoint = errors.New("peer endpoint unknown")
)

// Serve reads datagrams from conn and dispatches them until ctx is done or
// conn is closed. Unless Config.Send is set, conn also becomes the socket
// outbound packets are written to.
func (m *Multiplexer) Serve(ctx context.Context, conn net.PacketConn) error {
	m.connMu.Lock()
	m.conn = conn
	m.connMu.Unlock()
	defer func() {
		m.connMu.Lock()
		if m.conn == conn {
			m.conn = nil
		}
		m.connMu.Unlock()
	}()

	stop := context.AfterFunc(ctx, func() {
		_ = conn.SetReadDeadline(time.Now())
	})
	defer stop()

	m.log.WithFields(logrus.Fields{
		"function": "Serve",
		"local":    conn.LocalAddr().String(),
	}).Debug("Socket reader started")

	buf := make([]byte, limits.MaxDatagramSize)
	for {
		n, addr, err := conn.ReadFrom(buf)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			return fmt.Errorf("read meshnet socket: %w", err)
		}
		src, ok := addrPortOf(addr)
		if !ok {
			continue
		}
		m.OnPacket(buf[:n], src)
	}
}

// OnPacket dispatches one datagram received from src. It never blocks on
// the owner: work the owner cannot take right now is dropped and counted.
// raw is not retained.
func (m *Multiplexer) OnPacket(raw []byte, src netip.AddrPort) {
	m.counters.received.Add(1)
	src = netip.AddrPortFrom(src.Addr().Unmap(), src.Port())

	decoded := packet.Decode(raw)
	sender, ok := packet.SenderOf(decoded)
	if !ok {
		m.counters.malformed.Add(1)
		if bad, isMalformed := decoded.(packet.Malformed); isMalformed && m.noisyLogs.Allow(m.cfg.Clock.Now()) {
			m.log.WithFields(logrus.Fields{
				"function":      "OnPacket",
				"length":        bad.Length,
				"discriminator": bad.Discriminator,
				"source":        src.String(),
				"total":         m.counters.malformed.Load(),
			}).Debug("Dropped malformed packet")
		}
		return
	}

	switch p := decoded.(type) {
	case packet.HandshakeRequest:
		m.onHandshakeRequest(raw, sender, src)
	case packet.HandshakeResponse:
		m.onHandshakeResponse(raw, sender, src)
	case packet.Ping:
		if m.admit(sender, src) {
			m.pong(p, src)
		}
	default:
		if !m.admit(sender, src) {
			return
		}
		switch p := p.(type) {
		case packet.Data:
			m.enqueue(func(ctx context.Context) { m.deliver(sender, p.Payload) })
		case packet.Keepalive:
			m.enqueue(func(ctx context.Context) { m.touch(sender, src) })
		case packet.Pong:
			m.enqueue(func(ctx context.Context) { m.onPong(sender, p.SessionID) })
		case packet.Upgrade:
			m.enqueue(func(ctx context.Context) { m.moveEndpoint(sender, p.Endpoint) })
		}
	}
}

// admit applies the firewall to a packet claiming to come from peer.
func (m *Multiplexer) admit(peer wgtypes.Key, src netip.AddrPort) bool {
	if m.known(peer) && m.cfg.Firewall.Permit(src, peer) {
		return true
	}
	m.counters.filtered.Add(1)
	return false
}

func (m *Multiplexer) onHandshakeRequest(raw []byte, sender wgtypes.Key, src netip.AddrPort) {
	e := m.engine.Load()
	if e == nil {
		m.counters.filtered.Add(1)
		return
	}
	resp, err := e.HandleRequest(raw)
	if err != nil {
		m.handshakeFailed("HandleRequest", sender, src, err)
		return
	}
	if err := m.send(resp, src); err != nil {
		m.log.WithFields(logrus.Fields{
			"function": "onHandshakeRequest",
			"peer":     logging.KeyPreview(sender),
			"error":    err.Error(),
		}).Debug("Failed to send handshake response")
	}
	m.enqueue(func(ctx context.Context) { m.touch(sender, src) })
}

func (m *Multiplexer) onHandshakeResponse(raw []byte, sender wgtypes.Key, src netip.AddrPort) {
	e := m.engine.Load()
	if e == nil {
		m.counters.filtered.Add(1)
		return
	}
	if _, err := e.HandleResponse(raw); err != nil {
		m.handshakeFailed("HandleResponse", sender, src, err)
		return
	}
	m.enqueue(func(ctx context.Context) { m.touch(sender, src) })
}

func (m *Multiplexer) handshakeFailed(stage string, sender wgtypes.Key, src netip.AddrPort, err error) {
	m.counters.handshakeFailures.Add(1)
	if !m.noisyLogs.Allow(m.cfg.Clock.Now()) {
		return
	}
	m.log.WithFields(logrus.Fields{
		"function": stage,
		"peer":     logging.KeyPreview(sender),
		"source":   src.String(),
		"kind":     handshake.KindOf(err).String(),
		"error":    err.Error(),
	}).Debug("Handshake rejected")
}

// deliver forwards an inbound WireGuard datagram. Runs on the owner.
func (m *Multiplexer) deliver(key wgtypes.Key, payload []byte) {
	p := m.peers[key]
	if p == nil || m.backend == nil {
		m.counters.filtered.Add(1)
		return
	}
	p.lastSeen = m.cfg.Clock.Now()
	if err := m.backend.Forward(key, payload); err != nil {
		m.counters.forwardErrors.Add(1)
		if m.noisyLogs.Allow(p.lastSeen) {
			m.log.WithFields(logrus.Fields{
				"function": "deliver",
				"peer":     logging.KeyPreview(key),
				"error":    err.Error(),
			}).Debug("Backend refused datagram")
		}
		return
	}
	m.counters.dataIn.Add(1)
}

// touch marks key as alive at src and follows it if it moved. Runs on the
// owner.
func (m *Multiplexer) touch(key wgtypes.Key, src netip.AddrPort) {
	p := m.peers[key]
	if p == nil {
		return
	}
	p.lastSeen = m.cfg.Clock.Now()
	if src.IsValid() && p.endpoint != src {
		m.log.WithFields(logrus.Fields{
			"function": "touch",
			"peer":     logging.KeyPreview(key),
			"from":     p.endpoint.String(),
			"to":       src.String(),
		}).Debug("Peer roamed")
		p.endpoint = src
		m.publish(key, src)
	}
}

// moveEndpoint applies a path upgrade. Runs on the owner.
func (m *Multiplexer) moveEndpoint(key wgtypes.Key, endpoint netip.AddrPort) {
	p := m.peers[key]
	if p == nil || !endpoint.IsValid() {
		return
	}
	p.endpoint = endpoint
	m.publish(key, endpoint)
	m.counters.upgrades.Add(1)
	m.log.WithFields(logrus.Fields{
		"function": "moveEndpoint",
		"peer":     logging.KeyPreview(key),
		"endpoint": endpoint.String(),
	}).Info("Peer path upgraded")
}

func (m *Multiplexer) pong(ping packet.Ping, src netip.AddrPort) {
	local, ok := m.PublicKey()
	if !ok {
		return
	}
	buf, err := packet.Encode(packet.Pong{Sender: local, SessionID: ping.SessionID})
	if err == nil {
		err = m.send(buf, src)
	}
	if err != nil {
		m.log.WithError(err).Debug("Failed to answer ping")
	}
}

// onPong records the round trip of an outstanding ping. Runs on the owner.
func (m *Multiplexer) onPong(key wgtypes.Key, id uint64) {
	p := m.peers[key]
	if p == nil || p.ping.sent.IsZero() || p.ping.id != id {
		return
	}
	p.rtt = m.cfg.Clock.Now().Sub(p.ping.sent)
	p.lastSeen = m.cfg.Clock.Now()
	p.ping = pingState{}
}

// Ping sends a discovery ping to a configured peer. The round trip time is
// reported by Status once the pong arrives.
func (m *Multiplexer) Ping(ctx context.Context, key wgtypes.Key) error {
	return m.call(ctx, "ping", func(context.Context) error {
		p, ep, err := m.reachable("ping", key)
		if err != nil {
			return err
		}
		id := m.pingSeq.Add(1)
		buf, err := packet.Encode(packet.Ping{Sender: m.key.Public, SessionID: id})
		if err != nil {
			return err
		}
		p.ping = pingState{id: id, sent: m.cfg.Clock.Now()}
		return m.send(buf, ep)
	})
}

// SendKeepalive sends a meshnet keepalive so the peer learns our current
// address.
func (m *Multiplexer) SendKeepalive(ctx context.Context, key wgtypes.Key) error {
	return m.call(ctx, "keepalive", func(context.Context) error {
		_, ep, err := m.reachable("keepalive", key)
		if err != nil {
			return err
		}
		buf, err := packet.Encode(packet.Keepalive{Sender: m.key.Public})
		if err != nil {
			return err
		}
		return m.send(buf, ep)
	})
}

// AnnounceEndpoint asks a peer to send to endpoint from now on.
func (m *Multiplexer) AnnounceEndpoint(ctx context.Context, key wgtypes.Key, endpoint netip.AddrPort) error {
	return m.call(ctx, "upgrade", func(context.Context) error {
		_, ep, err := m.reachable("upgrade", key)
		if err != nil {
			return err
		}
		buf, err := packet.Encode(packet.Upgrade{Sender: m.key.Public, Endpoint: endpoint})
		if err != nil {
			return fmt.Errorf("upgrade: %w", err)
		}
		return m.send(buf, ep)
	})
}

// reachable returns a started peer and its endpoint. Runs on the owner.
func (m *Multiplexer) reachable(op string, key wgtypes.Key) (*peer, netip.AddrPort, error) {
	if m.backend == nil {
		return nil, netip.AddrPort{}, adapterErr(KindNotStarted, op, nil)
	}
	p := m.peers[key]
	if p == nil {
		return nil, netip.AddrPort{}, fmt.Errorf("%s: %w: %s", op, ErrUnknownPeer, logging.KeyPreview(key))
	}
	if !p.endpoint.IsValid() {
		return nil, netip.AddrPort{}, fmt.Errorf("%s: %w", op, ErrNoEndpoint)
	}
	return p, p.endpoint, nil
}

// transmit is the backend's Transmit callback: it frames an outbound
// WireGuard datagram as Data and sends it to the peer's endpoint.
func (m *Multiplexer) transmit(datagram []byte, key wgtypes.Key) error {
	ep, ok := m.endpointOf(key)
	if !ok {
		return fmt.Errorf("transmit: %w: %s", ErrUnknownPeer, logging.KeyPreview(key))
	}
	if !ep.IsValid() {
		m.counters.noEndpoint.Add(1)
		return fmt.Errorf("transmit: %w", ErrNoEndpoint)
	}
	local, ok := m.PublicKey()
	if !ok {
		return adapterErr(KindNotStarted, "transmit", nil)
	}
	buf, err := packet.Encode(packet.Data{Sender: local, Payload: datagram})
	if err != nil {
		return fmt.Errorf("transmit: %w", err)
	}
	if err := m.send(buf, ep); err != nil {
		return err
	}
	m.counters.dataOut.Add(1)
	return nil
}

func (m *Multiplexer) send(b []byte, to netip.AddrPort) error {
	if m.cfg.Send != nil {
		return m.cfg.Send(b, to)
	}
	m.connMu.RLock()
	conn := m.conn
	m.connMu.RUnlock()
	if conn == nil {
		return ErrNoSocket
	}
	_, err := conn.WriteTo(b, net.UDPAddrFromAddrPort(to))
	return err
}

func addrPortOf(addr net.Addr) (netip.AddrPort, bool) {
	if u, ok := addr.(*net.UDPAddr); ok {
		ap := u.AddrPort()
		return netip.AddrPortFrom(ap.Addr().Unmap(), ap.Port()), ap.IsValid()
	}
	ap, err := netip.ParseAddrPort(addr.String())
	return ap, err == nil
}
