// Package meshcore is the host-facing API of a meshnet VPN node.
//
// A Device owns one WireGuard interface and one UDP socket, the meshnet
// socket. Every packet a node exchanges with its peers goes through that
// socket: control packets (handshakes, keepalives, discovery pings, path
// upgrades) are handled by the node itself and WireGuard datagrams are
// carried inside Data packets and handed to the WireGuard backend.
//
// Before WireGuard talks to a peer, the two nodes run a post-quantum
// handshake (X25519 combined with Kyber768) whose result is installed as the
// WireGuard preshared key of that peer. Every completed handshake rotates
// the key.
//
// # Getting Started
//
//	options := meshcore.NewOptions()
//	dev, err := meshcore.New(options)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer dev.Close()
//
//	secret, _ := meshcore.GenerateSecretKey()
//	if err := dev.Start(secret, meshcore.DefaultAdapter()); err != nil {
//	    log.Fatal(err)
//	}
//
//	// Apply the meshnet map received from the coordination server.
//	if err := dev.SetMeshnet(meshmapJSON); err != nil {
//	    log.Println(dev.LastError())
//	}
//
// # Meshnet map
//
// SetMeshnet accepts a JSON document of the form
//
//	{
//	  "identifier": "...",
//	  "public_key": "<base64>",
//	  "hostname": "alpha.nord",
//	  "ip_addresses": ["100.64.0.1"],
//	  "peers": [{
//	    "identifier": "...",
//	    "public_key": "<base64>",
//	    "hostname": "beta.nord",
//	    "ip_addresses": ["100.64.0.2"],
//	    "endpoints": ["203.0.113.7:51820"],
//	    "is_local": false,
//	    "allow_connections": true,
//	    "allow_incoming_connections": true,
//	    "allow_peer_send_files": false
//	  }]
//	}
//
// Peers that cannot be decoded are skipped with a warning. The interface
// converges on the remaining peers with the fewest backend calls.
//
// # Configuration
//
// NewOptions reads MESHCORE_ADAPTER, MESHCORE_HANDSHAKE_TIMEOUT and
// MESHCORE_REPLAY_WINDOW (milliseconds), MESHCORE_BACKEND_RETRIES,
// MESHCORE_LOG_LEVEL and MESHCORE_WIREGUARD_GO. Invalid values are logged
// and ignored.
//
// # Sub-packages
//
// packet holds the wire codec, handshake the key agreement engine, adapter
// the WireGuard backends, and mesh the multiplexer that ties them together.
package meshcore
