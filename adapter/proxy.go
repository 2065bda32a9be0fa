package adapter

import (
	"errors"
	"net"
	"sync"

	"github.com/sirupsen/logrus"
	"golang.zx2c4.com/wireguard/wgctrl/wgtypes"

	"github.com/opd-ai/meshcore/limits"
	"github.com/opd-ai/meshcore/logging"
)

// proxy is a loopback UDP socket standing in for one peer. The native
// WireGuard sends to it as if it were the peer's endpoint; whatever it
// receives is handed to Transmit, and Forward writes back to the native
// WireGuard from it.
type proxy struct {
	peer     wgtypes.Key
	conn     *net.UDPConn
	target   *net.UDPAddr
	transmit TransmitFunc
	log      *logrus.Entry
	done     chan struct{}
}

func newProxy(peer wgtypes.Key, target *net.UDPAddr, transmit TransmitFunc, log *logrus.Entry) (*proxy, error) {
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		return nil, err
	}
	p := &proxy{
		peer:     peer,
		conn:     conn,
		target:   target,
		transmit: transmit,
		log:      log.WithField("peer", logging.KeyPreview(peer)),
		done:     make(chan struct{}),
	}
	go p.loop()
	return p, nil
}

func (p *proxy) addr() *net.UDPAddr {
	return p.conn.LocalAddr().(*net.UDPAddr)
}

func (p *proxy) loop() {
	defer close(p.done)
	buf := make([]byte, limits.MaxDatagramSize)
	for {
		n, from, err := p.conn.ReadFromUDP(buf)
		if err != nil {
			if !errors.Is(err, net.ErrClosed) {
				p.log.WithError(err).Debug("Proxy socket read failed")
			}
			return
		}
		// Only the native WireGuard may speak through the proxy.
		if from.Port != p.target.Port || !from.IP.IsLoopback() {
			continue
		}
		if err := p.transmit(append([]byte(nil), buf[:n]...), p.peer); err != nil {
			p.log.WithError(err).Debug("Transmit from proxy failed")
		}
	}
}

func (p *proxy) forward(datagram []byte) error {
	_, err := p.conn.WriteToUDP(datagram, p.target)
	return err
}

func (p *proxy) close() {
	_ = p.conn.Close()
	<-p.done
}

// proxySet owns the proxies of one interface.
type proxySet struct {
	mu       sync.RWMutex
	target   *net.UDPAddr
	transmit TransmitFunc
	log      *logrus.Entry
	proxies  map[wgtypes.Key]*proxy
}

func newProxySet(target *net.UDPAddr, transmit TransmitFunc, log *logrus.Entry) *proxySet {
	return &proxySet{
		target:   target,
		transmit: transmit,
		log:      log,
		proxies:  make(map[wgtypes.Key]*proxy),
	}
}

// ensure returns the proxy for peer, creating it if needed.
func (s *proxySet) ensure(peer wgtypes.Key) (*proxy, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p, ok := s.proxies[peer]; ok {
		return p, nil
	}
	p, err := newProxy(peer, s.target, s.transmit, s.log)
	if err != nil {
		return nil, err
	}
	s.proxies[peer] = p
	return p, nil
}

func (s *proxySet) get(peer wgtypes.Key) (*proxy, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.proxies[peer]
	return p, ok
}

func (s *proxySet) remove(peer wgtypes.Key) {
	s.mu.Lock()
	p, ok := s.proxies[peer]
	delete(s.proxies, peer)
	s.mu.Unlock()
	if ok {
		p.close()
	}
}

func (s *proxySet) closeAll() {
	s.mu.Lock()
	all := s.proxies
	s.proxies = make(map[wgtypes.Key]*proxy)
	s.mu.Unlock()
	for _, p := range all {
		p.close()
	}
}
