package meshcore

import (
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.zx2c4.com/wireguard/tun/tuntest"
	"golang.zx2c4.com/wireguard/wgctrl/wgtypes"

	"github.com/opd-ai/meshcore/adapter"
	"github.com/opd-ai/meshcore/mesh"
)

type node struct {
	dev  *Device
	tun  *tuntest.ChannelTUN
	key  wgtypes.Key
	ip   netip.Addr
	addr netip.AddrPort
}

func startNode(t *testing.T, ip string) *node {
	t.Helper()
	opts := testOptions()
	opts.PersistentKeepalive = 0
	dev, err := New(opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = dev.Close() })

	n := &node{dev: dev, tun: tuntest.NewChannelTUN(), key: genKey(t), ip: netip.MustParseAddr(ip)}
	require.NoError(t, dev.StartWithTUN(n.key.String(), adapter.Userspace, n.tun.TUN()))
	var ok bool
	n.addr, ok = dev.MeshnetAddr()
	require.True(t, ok)
	return n
}

func (n *node) peerState(t *testing.T, peer *node) mesh.ConnectionState {
	t.Helper()
	st, err := n.dev.Status()
	require.NoError(t, err)
	for _, p := range st.Peers {
		if p.PublicKey == peer.key.PublicKey() {
			return p.State
		}
	}
	return mesh.StateDisconnected
}

func awaitPacket(t *testing.T, ch <-chan []byte, want []byte) {
	t.Helper()
	select {
	case got := <-ch:
		assert.Equal(t, want, got)
	case <-time.After(15 * time.Second):
		t.Fatal("timed out waiting for packet")
	}
}

// TestMeshnetEndToEnd runs two nodes over real loopback sockets with the
// in-process WireGuard backend: the meshnet handshake completes, its key
// becomes the WireGuard preshared key on both sides, and an ICMP packet
// crosses the tunnel in both directions.
func TestMeshnetEndToEnd(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping end-to-end tunnel test in short mode")
	}
	alpha := startNode(t, "100.64.0.1")
	beta := startNode(t, "100.64.0.2")

	// beta waits for alpha and learns its address from the handshake.
	require.NoError(t, beta.dev.SetMeshnet(meshmapJSON(t, beta.key.PublicKey(), meshPeerJSON{
		PublicKey:                alpha.key.PublicKey().String(),
		IPAddresses:              []string{alpha.ip.String()},
		AllowIncomingConnections: true,
	})))
	require.NoError(t, alpha.dev.SetMeshnet(meshmapJSON(t, alpha.key.PublicKey(), meshPeerJSON{
		PublicKey:                beta.key.PublicKey().String(),
		IPAddresses:              []string{beta.ip.String()},
		Endpoints:                []string{beta.addr.String()},
		AllowIncomingConnections: true,
	})))

	require.Eventually(t, func() bool {
		return alpha.peerState(t, beta) == mesh.StateConnected &&
			beta.peerState(t, alpha) == mesh.StateConnected
	}, 10*time.Second, 20*time.Millisecond)

	ping := tuntest.Ping(beta.ip, alpha.ip)
	alpha.tun.Outbound <- ping
	awaitPacket(t, beta.tun.Inbound, ping)

	pong := tuntest.Ping(alpha.ip, beta.ip)
	beta.tun.Outbound <- pong
	awaitPacket(t, alpha.tun.Inbound, pong)

	nodes, err := alpha.dev.Nodes()
	require.NoError(t, err)
	require.Len(t, nodes, 1)
	assert.Equal(t, "connected", nodes[0].State)
	assert.Equal(t, beta.addr.String(), nodes[0].Endpoint)
	assert.NotZero(t, nodes[0].TxBytes)

	c := beta.dev.Counters()
	assert.NotZero(t, c.Handshakes)
	assert.NotZero(t, c.DataIn)
	assert.Zero(t, c.Malformed)
}
