package meshcore

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/netip"
	"strings"
	"time"

	"golang.zx2c4.com/wireguard/wgctrl/wgtypes"

	"github.com/opd-ai/meshcore/crypto"
	"github.com/opd-ai/meshcore/limits"
	"github.com/opd-ai/meshcore/mesh"
)

// ErrInvalidConfig is wrapped by every meshmap parsing failure that rejects
// the whole document.
var ErrInvalidConfig = errors.New("invalid meshnet config")

// Meshmap is the meshnet map of the local node: its own addresses and the
// peers it should be connected to.
type Meshmap struct {
	Identifier  string     `json:"identifier"`
	PublicKey   string     `json:"public_key"`
	Hostname    string     `json:"hostname"`
	IPAddresses []string   `json:"ip_addresses"`
	Endpoints   []string   `json:"endpoints"`
	Peers       []MeshPeer `json:"peers"`
}

// MeshPeer is one peer entry of a Meshmap.
type MeshPeer struct {
	Identifier               string   `json:"identifier"`
	PublicKey                string   `json:"public_key"`
	Hostname                 string   `json:"hostname"`
	IPAddresses              []string `json:"ip_addresses"`
	Endpoints                []string `json:"endpoints"`
	IsLocal                  bool     `json:"is_local"`
	AllowConnections         bool     `json:"allow_connections"`
	AllowIncomingConnections bool     `json:"allow_incoming_connections"`
	AllowPeerSendFiles       bool     `json:"allow_peer_send_files"`

	key      wgtypes.Key
	allowed  []netip.Prefix
	endpoint netip.AddrPort
}

// Key returns the parsed public key.
func (p *MeshPeer) Key() wgtypes.Key { return p.key }

// rawMeshmap defers peer decoding so one bad peer does not reject the map.
type rawMeshmap struct {
	Identifier  string            `json:"identifier"`
	PublicKey   string            `json:"public_key"`
	Hostname    string            `json:"hostname"`
	IPAddresses []string          `json:"ip_addresses"`
	Endpoints   []string          `json:"endpoints"`
	Peers       []json.RawMessage `json:"peers"`
}

// ParseMeshmap decodes a meshmap document. Peers that cannot be decoded are
// left out and reported in skipped; only a document that is too large or
// not a JSON object fails as a whole.
func ParseMeshmap(data []byte) (m *Meshmap, skipped []error, err error) {
	if err := limits.ValidateConfig(data); err != nil {
		return nil, nil, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	var raw rawMeshmap
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, nil, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}

	m = &Meshmap{
		Identifier:  raw.Identifier,
		PublicKey:   raw.PublicKey,
		Hostname:    raw.Hostname,
		IPAddresses: raw.IPAddresses,
		Endpoints:   raw.Endpoints,
		Peers:       make([]MeshPeer, 0, len(raw.Peers)),
	}
	for i, msg := range raw.Peers {
		var p MeshPeer
		if err := json.Unmarshal(msg, &p); err != nil {
			skipped = append(skipped, fmt.Errorf("peer %d: %w", i, err))
			continue
		}
		if err := p.resolve(); err != nil {
			skipped = append(skipped, fmt.Errorf("peer %d (%s): %w", i, p.Identifier, err))
			continue
		}
		m.Peers = append(m.Peers, p)
	}
	return m, skipped, nil
}

// resolve parses the textual fields. Unparsable endpoints are ignored since
// the peer can still reach us; bad keys and addresses are not.
func (p *MeshPeer) resolve() error {
	key, err := crypto.ParseKey(p.PublicKey)
	if err != nil {
		return err
	}
	if err := crypto.ValidatePublicKey(key); err != nil {
		return err
	}
	p.key = key

	p.allowed = p.allowed[:0]
	for _, s := range p.IPAddresses {
		prefix, err := parsePrefix(s)
		if err != nil {
			return err
		}
		p.allowed = append(p.allowed, prefix)
	}

	p.endpoint = netip.AddrPort{}
	for _, s := range p.Endpoints {
		if ap, err := netip.ParseAddrPort(strings.TrimSpace(s)); err == nil {
			p.endpoint = ap
			break
		}
	}
	return nil
}

// parsePrefix accepts a bare address, taken as a host route, or a CIDR.
func parsePrefix(s string) (netip.Prefix, error) {
	s = strings.TrimSpace(s)
	if strings.Contains(s, "/") {
		p, err := netip.ParsePrefix(s)
		if err != nil {
			return netip.Prefix{}, fmt.Errorf("ip address %q: %w", s, err)
		}
		return p.Masked(), nil
	}
	addr, err := netip.ParseAddr(s)
	if err != nil {
		return netip.Prefix{}, fmt.Errorf("ip address %q: %w", s, err)
	}
	return netip.PrefixFrom(addr, addr.BitLen()), nil
}

// peerConfigs returns the desired multiplexer configuration of every peer.
func (m *Meshmap) peerConfigs(keepalive time.Duration) []mesh.PeerConfig {
	out := make([]mesh.PeerConfig, 0, len(m.Peers))
	for i := range m.Peers {
		p := &m.Peers[i]
		out = append(out, mesh.PeerConfig{
			PublicKey:           p.key,
			AllowedIPs:          p.allowed,
			Endpoint:            p.endpoint,
			PersistentKeepalive: keepalive,
		})
	}
	return out
}

func (m *Meshmap) peer(key wgtypes.Key) (*MeshPeer, bool) {
	if m == nil {
		return nil, false
	}
	for i := range m.Peers {
		if m.Peers[i].key == key {
			return &m.Peers[i], true
		}
	}
	return nil, false
}
