package firewall

import (
	"net/netip"
	"sync"

	"github.com/sirupsen/logrus"
	"golang.zx2c4.com/wireguard/wgctrl/wgtypes"

	"github.com/opd-ai/meshcore/logging"
)

// Firewall is consulted before Data and Keepalive packets are forwarded.
type Firewall interface {
	Permit(src netip.AddrPort, peer wgtypes.Key) bool
}

// Func adapts a plain function to Firewall.
type Func func(src netip.AddrPort, peer wgtypes.Key) bool

// Permit calls f.
func (f Func) Permit(src netip.AddrPort, peer wgtypes.Key) bool { return f(src, peer) }

// AllowAll permits everything.
type AllowAll struct{}

// Permit always returns true.
func (AllowAll) Permit(netip.AddrPort, wgtypes.Key) bool { return true }

// Static permits listed peers, optionally only from listed source prefixes.
// It is safe for concurrent use.
type Static struct {
	mu    sync.RWMutex
	peers map[wgtypes.Key][]netip.Prefix
	log   *logrus.Entry
}

// NewStatic returns an empty allowlist that denies everything.
func NewStatic() *Static {
	return &Static{
		peers: make(map[wgtypes.Key][]netip.Prefix),
		log:   logging.For("firewall"),
	}
}

// Allow permits peer from any source, or only from sources inside one of
// prefixes when any are given. Calling Allow again replaces the prefixes.
func (s *Static) Allow(peer wgtypes.Key, prefixes ...netip.Prefix) {
	masked := make([]netip.Prefix, 0, len(prefixes))
	for _, p := range prefixes {
		if p.IsValid() {
			masked = append(masked, p.Masked())
		}
	}
	s.mu.Lock()
	s.peers[peer] = masked
	s.mu.Unlock()
}

// Revoke removes peer from the allowlist.
func (s *Static) Revoke(peer wgtypes.Key) {
	s.mu.Lock()
	delete(s.peers, peer)
	s.mu.Unlock()
}

// Replace swaps the whole allowlist for peers, each permitted from any source.
func (s *Static) Replace(peers []wgtypes.Key) {
	next := make(map[wgtypes.Key][]netip.Prefix, len(peers))
	for _, p := range peers {
		next[p] = nil
	}
	s.mu.Lock()
	s.peers = next
	s.mu.Unlock()

	s.log.WithFields(logrus.Fields{
		"function": "Replace",
		"peers":    len(peers),
	}).Debug("Firewall allowlist replaced")
}

// Len returns the number of allowed peers.
func (s *Static) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.peers)
}

// Permit implements Firewall.
func (s *Static) Permit(src netip.AddrPort, peer wgtypes.Key) bool {
	s.mu.RLock()
	prefixes, ok := s.peers[peer]
	s.mu.RUnlock()
	if !ok {
		return false
	}
	if len(prefixes) == 0 {
		return true
	}
	addr := src.Addr().Unmap()
	for _, p := range prefixes {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}
