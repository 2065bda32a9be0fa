package adapter

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"runtime"
	"slices"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"golang.zx2c4.com/wireguard/tun"
	"golang.zx2c4.com/wireguard/wgctrl/wgtypes"

	"github.com/opd-ai/meshcore/logging"
)

// Kind selects a backend variant.
type Kind int

const (
	Userspace Kind = iota + 1
	KernelDriver
	ExternalProcess
)

func (k Kind) String() string {
	switch k {
	case Userspace:
		return "userspace"
	case KernelDriver:
		return "kernel"
	case ExternalProcess:
		return "external"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// ParseKind accepts the canonical names plus the names the native
// implementations are commonly known by.
func ParseKind(s string) (Kind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "userspace", "boringtun", "neptun":
		return Userspace, nil
	case "kernel", "linux-native", "wireguard-nt", "windows-native":
		return KernelDriver, nil
	case "external", "wireguard-go":
		return ExternalProcess, nil
	default:
		return 0, fmt.Errorf("%w: unknown adapter %q", ErrUnavailable, s)
	}
}

// Default returns the recommended backend for the running platform.
func Default() Kind {
	return defaultFor(runtime.GOOS)
}

func defaultFor(goos string) Kind {
	if goos == "windows" {
		return KernelDriver
	}
	return Userspace
}

// Errors shared by all variants.
var (
	// ErrUnavailable means the variant cannot run here (missing driver,
	// binary or privileges). It is never transient.
	ErrUnavailable = errors.New("adapter backend unavailable")
	ErrNotCreated  = errors.New("adapter interface not created")
	ErrUnknownPeer = errors.New("unknown peer")
	ErrPeerExists  = errors.New("peer already exists")
	// ErrBusy marks a failure worth retrying.
	ErrBusy = errors.New("adapter busy")
)

// Peer is the backend-level view of a PeerConfig. Endpoint is the meshnet
// address of the peer; backends translate it to whatever their native
// implementation needs.
type Peer struct {
	PublicKey           wgtypes.Key
	AllowedIPs          []netip.Prefix
	Endpoint            netip.AddrPort
	PersistentKeepalive time.Duration
}

// Equal reports whether two peers describe the same configuration. Allowed
// IPs are compared as a set.
func (p Peer) Equal(o Peer) bool {
	if p.PublicKey != o.PublicKey || p.Endpoint != o.Endpoint || p.PersistentKeepalive != o.PersistentKeepalive {
		return false
	}
	return samePrefixes(p.AllowedIPs, o.AllowedIPs)
}

// Clone returns a deep copy.
func (p Peer) Clone() Peer {
	p.AllowedIPs = slices.Clone(p.AllowedIPs)
	return p
}

func samePrefixes(a, b []netip.Prefix) bool {
	if len(a) != len(b) {
		return false
	}
	set := make(map[netip.Prefix]int, len(a))
	for _, p := range a {
		set[p.Masked()]++
	}
	for _, p := range b {
		q := p.Masked()
		if set[q] == 0 {
			return false
		}
		set[q]--
	}
	return true
}

// PeerStats are per-peer counters reported by the native implementation.
type PeerStats struct {
	PublicKey     wgtypes.Key
	RxBytes       uint64
	TxBytes       uint64
	LastHandshake time.Time
}

// Stats describes the running interface.
type Stats struct {
	ListenPort int
	Peers      []PeerStats
}

// TransmitFunc sends one outbound WireGuard datagram to peer over the meshnet.
// The datagram buffer is owned by the callee.
type TransmitFunc func(datagram []byte, peer wgtypes.Key) error

// Options configure a backend.
type Options struct {
	// Name of the tunnel interface.
	Name string
	MTU  int
	// TUN is an already open device for the userspace variant. When nil
	// the userspace variant creates one named Name.
	TUN tun.Device
	// Transmit receives every datagram WireGuard wants to send.
	Transmit TransmitFunc
	// ListenPort for variants that own a UDP port. Zero picks one.
	ListenPort int
	Fwmark     uint32
	// WireGuardGo is the path of the binary used by ExternalProcess.
	WireGuardGo string
	// StartTimeout bounds how long ExternalProcess waits for its UAPI socket.
	StartTimeout time.Duration
	Logger       *logrus.Entry
}

const (
	DefaultName         = "meshcore0"
	DefaultMTU          = 1420
	DefaultWireGuardGo  = "wireguard-go"
	DefaultStartTimeout = 5 * time.Second
)

func (o Options) withDefaults() Options {
	if o.Name == "" {
		o.Name = DefaultName
	}
	if o.MTU <= 0 {
		o.MTU = DefaultMTU
	}
	if o.WireGuardGo == "" {
		o.WireGuardGo = DefaultWireGuardGo
	}
	if o.StartTimeout <= 0 {
		o.StartTimeout = DefaultStartTimeout
	}
	if o.Logger == nil {
		o.Logger = logging.For("adapter")
	}
	if o.Transmit == nil {
		o.Transmit = func([]byte, wgtypes.Key) error { return nil }
	}
	return o
}

// Backend is the capability set every variant implements.
type Backend interface {
	Kind() Kind
	// Create brings the interface up with privateKey. Calling it again
	// only replaces the private key.
	Create(ctx context.Context, privateKey wgtypes.Key) error
	// Destroy tears the interface down. It is a no-op when not created.
	Destroy(ctx context.Context) error
	SetPrivateKey(ctx context.Context, key wgtypes.Key) error
	SetFwmark(ctx context.Context, mark uint32) error
	AddPeer(ctx context.Context, p Peer) error
	// UpdatePeer replaces allowed IPs, endpoint and keepalive atomically.
	UpdatePeer(ctx context.Context, p Peer) error
	RemovePeer(ctx context.Context, key wgtypes.Key) error
	SetPresharedKey(ctx context.Context, peer wgtypes.Key, psk wgtypes.Key) error
	Peers(ctx context.Context) ([]Peer, error)
	// LinkID is the adapter-assigned interface identifier: the LUID on
	// Windows, the interface index elsewhere.
	LinkID() (uint64, error)
	Stats(ctx context.Context) (Stats, error)
	// Forward injects an inbound WireGuard datagram received from peer.
	Forward(peer wgtypes.Key, datagram []byte) error
}

// New constructs the backend for kind. Nothing is created until Create.
func New(kind Kind, opts Options) (Backend, error) {
	opts = opts.withDefaults()
	switch kind {
	case Userspace:
		return newUserspace(opts), nil
	case KernelDriver:
		return newKernel(opts)
	case ExternalProcess:
		return newExternal(opts)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnavailable, kind)
	}
}
