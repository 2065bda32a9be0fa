package adapter

import (
	"bufio"
	"encoding/hex"
	"fmt"
	"io"
	"net/netip"
	"strconv"
	"strings"
	"time"

	"golang.zx2c4.com/wireguard/wgctrl/wgtypes"

	"github.com/opd-ai/meshcore/crypto"
)

// uapiDevice is the subset of a wireguard-go "get=1" dump we use.
type uapiDevice struct {
	ListenPort int
	Fwmark     uint32
	Peers      []uapiPeer
}

type uapiPeer struct {
	PublicKey     wgtypes.Key
	PresharedKey  wgtypes.Key
	Endpoint      string
	AllowedIPs    []netip.Prefix
	Keepalive     time.Duration
	RxBytes       uint64
	TxBytes       uint64
	LastHandshake time.Time
}

// parseUAPI reads the key=value dump produced by device.IpcGet.
func parseUAPI(r io.Reader) (uapiDevice, error) {
	var (
		dev    uapiDevice
		peer   *uapiPeer
		hsSec  int64
		hsNsec int64
	)
	flush := func() {
		if peer == nil {
			return
		}
		if hsSec != 0 || hsNsec != 0 {
			peer.LastHandshake = time.Unix(hsSec, hsNsec)
		}
		dev.Peers = append(dev.Peers, *peer)
		peer, hsSec, hsNsec = nil, 0, 0
	}

	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line := sc.Text()
		if line == "" {
			break
		}
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			return dev, fmt.Errorf("uapi: malformed line %q", line)
		}
		var err error
		switch key {
		case "listen_port":
			dev.ListenPort, err = strconv.Atoi(value)
		case "fwmark":
			var v uint64
			v, err = strconv.ParseUint(value, 10, 32)
			dev.Fwmark = uint32(v)
		case "public_key":
			flush()
			peer = &uapiPeer{}
			peer.PublicKey, err = parseHexKey(value)
		case "errno":
			if value != "0" {
				return dev, fmt.Errorf("uapi: errno %s", value)
			}
		case "private_key", "protocol_version":
		default:
			if peer == nil {
				continue
			}
			err = parsePeerField(peer, key, value, &hsSec, &hsNsec)
		}
		if err != nil {
			return dev, fmt.Errorf("uapi: %s: %w", key, err)
		}
	}
	if err := sc.Err(); err != nil {
		return dev, err
	}
	flush()
	return dev, nil
}

func parsePeerField(p *uapiPeer, key, value string, hsSec, hsNsec *int64) error {
	var err error
	switch key {
	case "preshared_key":
		p.PresharedKey, err = parseHexKey(value)
	case "endpoint":
		p.Endpoint = value
	case "allowed_ip":
		var prefix netip.Prefix
		prefix, err = netip.ParsePrefix(value)
		if err == nil {
			p.AllowedIPs = append(p.AllowedIPs, prefix)
		}
	case "persistent_keepalive_interval":
		var secs int
		secs, err = strconv.Atoi(value)
		p.Keepalive = time.Duration(secs) * time.Second
	case "rx_bytes":
		p.RxBytes, err = strconv.ParseUint(value, 10, 64)
	case "tx_bytes":
		p.TxBytes, err = strconv.ParseUint(value, 10, 64)
	case "last_handshake_time_sec":
		*hsSec, err = strconv.ParseInt(value, 10, 64)
	case "last_handshake_time_nsec":
		*hsNsec, err = strconv.ParseInt(value, 10, 64)
	}
	return err
}

func parseHexKey(s string) (wgtypes.Key, error) {
	var k wgtypes.Key
	raw, err := hex.DecodeString(s)
	if err != nil {
		return k, err
	}
	if len(raw) != wgtypes.KeyLen {
		return k, fmt.Errorf("key length %d", len(raw))
	}
	copy(k[:], raw)
	return k, nil
}

func hexKey(k wgtypes.Key) string {
	return crypto.HexKey(k)
}

// uapiConfig builds a "set=1" body.
type uapiConfig struct {
	strings.Builder
}

func (c *uapiConfig) set(key, value string) {
	c.WriteString(key)
	c.WriteByte('=')
	c.WriteString(value)
	c.WriteByte('\n')
}

// peer writes a full peer block. With update, the block fails if the peer
// does not exist instead of creating it.
func (c *uapiConfig) peer(p Peer, update bool) {
	c.set("public_key", hexKey(p.PublicKey))
	if update {
		c.set("update_only", "true")
	}
	c.set("endpoint", hexKey(p.PublicKey))
	c.set("persistent_keepalive_interval", strconv.Itoa(int(p.PersistentKeepalive/time.Second)))
	c.set("replace_allowed_ips", "true")
	for _, prefix := range p.AllowedIPs {
		c.set("allowed_ip", prefix.Masked().String())
	}
}
