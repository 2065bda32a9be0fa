package meshcore

import (
	"encoding/json"
	"net/netip"
)

// NodeStatus is one entry of the status map.
type NodeStatus struct {
	Identifier               string   `json:"identifier,omitempty"`
	PublicKey                string   `json:"public_key"`
	Hostname                 string   `json:"hostname,omitempty"`
	State                    string   `json:"state"`
	IsExit                   bool     `json:"is_exit"`
	IPAddresses              []string `json:"ip_addresses"`
	AllowedIPs               []string `json:"allowed_ips"`
	Endpoint                 string   `json:"endpoint,omitempty"`
	AllowIncomingConnections bool     `json:"allow_incoming_connections"`
	Epoch                    uint64   `json:"epoch"`
	LastHandshake            int64    `json:"last_handshake,omitempty"`
	RTTMillis                int64    `json:"rtt_ms,omitempty"`
	RxBytes                  uint64   `json:"rx_bytes"`
	TxBytes                  uint64   `json:"tx_bytes"`
}

// Nodes describes every configured peer, ordered by public key. Peers
// added with ConnectToExitNode are reported as exit nodes under the
// identifier they were added with.
func (d *Device) Nodes() ([]NodeStatus, error) {
	st, err := d.Status()
	if err != nil {
		return nil, err
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	nodes := make([]NodeStatus, 0, len(st.Peers))
	for _, p := range st.Peers {
		n := NodeStatus{
			PublicKey:   p.PublicKey.String(),
			State:       p.State.String(),
			IPAddresses: []string{},
			AllowedIPs:  prefixStrings(p.AllowedIPs),
			Epoch:       p.Epoch,
			RxBytes:     p.RxBytes,
			TxBytes:     p.TxBytes,
		}
		if p.Endpoint.IsValid() {
			n.Endpoint = p.Endpoint.String()
		}
		if !p.LastHandshake.IsZero() {
			n.LastHandshake = p.LastHandshake.Unix()
		}
		if p.RTT > 0 {
			n.RTTMillis = p.RTT.Milliseconds()
		}
		if mp, ok := d.meshmap.peer(p.PublicKey); ok {
			n.Identifier = mp.Identifier
			n.Hostname = mp.Hostname
			n.AllowIncomingConnections = mp.AllowIncomingConnections
			if mp.IPAddresses != nil {
				n.IPAddresses = mp.IPAddresses
			}
		}
		if x, ok := d.manual[p.PublicKey]; ok {
			n.Identifier = x.identifier
			n.IsExit = true
			n.AllowIncomingConnections = true
		}
		nodes = append(nodes, n)
	}
	return nodes, nil
}

// StatusMap returns Nodes encoded as a JSON array.
//
//export MeshGetStatusMap
func (d *Device) StatusMap() (string, error) {
	nodes, err := d.Nodes()
	if err != nil {
		return "", err
	}
	out, err := json.Marshal(nodes)
	if err != nil {
		return "", d.fail("StatusMap", err)
	}
	return string(out), nil
}

func prefixStrings(prefixes []netip.Prefix) []string {
	out := make([]string, 0, len(prefixes))
	for _, p := range prefixes {
		out = append(out, p.String())
	}
	return out
}
