package mesh

import (
	"errors"
	"fmt"
	"net/netip"
	"slices"
	"time"

	"github.com/sirupsen/logrus"
	"golang.zx2c4.com/wireguard/wgctrl/wgtypes"

	"github.com/opd-ai/meshcore/adapter"
	"github.com/opd-ai/meshcore/crypto"
	"github.com/opd-ai/meshcore/firewall"
	"github.com/opd-ai/meshcore/handshake"
	"github.com/opd-ai/meshcore/logging"
)

const (
	DefaultBackendRetries       = 3
	DefaultRetryBackoff         = 50 * time.Millisecond
	DefaultExpireInterval       = time.Second
	DefaultMalformedLogInterval = 10 * time.Second
	DefaultMailboxSize          = 256

	DefaultHandshakeRetryBackoff = time.Second
	DefaultMaxHandshakeBackoff   = time.Minute

	// MaxPersistentKeepalive is the largest keepalive WireGuard can encode.
	MaxPersistentKeepalive = 65535 * time.Second
)

// SendFunc writes one datagram to the meshnet socket.
type SendFunc func(b []byte, to netip.AddrPort) error

// Factory builds a backend. adapter.New is the production factory.
type Factory func(kind adapter.Kind, opts adapter.Options) (adapter.Backend, error)

// Config configures a Multiplexer.
type Config struct {
	// Factory builds the backend on Start. Nil selects adapter.New.
	Factory Factory
	// Adapter is passed to Factory. Its Transmit callback is always
	// replaced by the multiplexer's own.
	Adapter adapter.Options

	// Firewall is consulted before Data, Keepalive, Ping and Upgrade
	// packets are accepted. Nil permits every known peer.
	Firewall firewall.Firewall

	// Send writes to the meshnet socket. When nil, the socket passed to
	// Serve is used.
	Send SendFunc

	// HandshakeTimeout is how long a handshake waits for its response.
	// Zero selects handshake.DefaultTimeout.
	HandshakeTimeout time.Duration
	// ReplayWindow bounds the clock skew of accepted handshake requests.
	// Zero selects handshake.DefaultReplayWindow; negative disables it.
	ReplayWindow time.Duration
	// ExpireInterval is how often unanswered handshakes are swept and
	// retried.
	ExpireInterval time.Duration
	// HandshakeRetryBackoff is the wait added before the second retry of
	// an unanswered handshake. It doubles per retry up to
	// MaxHandshakeBackoff.
	HandshakeRetryBackoff time.Duration
	MaxHandshakeBackoff   time.Duration

	// BackendRetries bounds retries of transient backend failures.
	// Negative disables retrying.
	BackendRetries int
	RetryBackoff   time.Duration

	MalformedLogInterval time.Duration
	MailboxSize          int

	Clock  crypto.Clock
	Logger *logrus.Entry
}

func (c Config) withDefaults() Config {
	if c.Factory == nil {
		c.Factory = adapter.New
	}
	if c.Firewall == nil {
		c.Firewall = firewall.AllowAll{}
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = handshake.DefaultTimeout
	}
	if c.ExpireInterval <= 0 {
		c.ExpireInterval = DefaultExpireInterval
	}
	if c.HandshakeRetryBackoff <= 0 {
		c.HandshakeRetryBackoff = DefaultHandshakeRetryBackoff
	}
	if c.MaxHandshakeBackoff < c.HandshakeRetryBackoff {
		c.MaxHandshakeBackoff = max(DefaultMaxHandshakeBackoff, c.HandshakeRetryBackoff)
	}
	if c.BackendRetries == 0 {
		c.BackendRetries = DefaultBackendRetries
	} else if c.BackendRetries < 0 {
		c.BackendRetries = 0
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = DefaultRetryBackoff
	}
	if c.MalformedLogInterval == 0 {
		c.MalformedLogInterval = DefaultMalformedLogInterval
	}
	if c.MailboxSize <= 0 {
		c.MailboxSize = DefaultMailboxSize
	}
	c.Clock = crypto.ClockOrSystem(c.Clock)
	if c.Logger == nil {
		c.Logger = logging.For("mesh")
	}
	return c
}

// PeerConfig is the desired configuration of one peer.
type PeerConfig struct {
	PublicKey  wgtypes.Key
	AllowedIPs []netip.Prefix
	// Endpoint is the peer's meshnet address. It may be unset until the
	// peer contacts us.
	Endpoint            netip.AddrPort
	PersistentKeepalive time.Duration
}

func (p PeerConfig) validate(local wgtypes.Key) error {
	if crypto.IsZeroKey(p.PublicKey) {
		return errors.New("zero public key")
	}
	if p.PublicKey == local {
		return errors.New("peer key equals local key")
	}
	for _, ip := range p.AllowedIPs {
		if !ip.IsValid() {
			return fmt.Errorf("invalid allowed ip for %s", logging.KeyPreview(p.PublicKey))
		}
	}
	if p.PersistentKeepalive < 0 {
		return errors.New("negative keepalive")
	}
	if p.PersistentKeepalive > MaxPersistentKeepalive {
		return fmt.Errorf("keepalive %s exceeds %s", p.PersistentKeepalive, MaxPersistentKeepalive)
	}
	return nil
}

// backendPeer is p as the backend will report it back. WireGuard keeps
// keepalives in whole seconds, so fractions are rounded up.
func (p PeerConfig) backendPeer() adapter.Peer {
	return adapter.Peer{
		PublicKey:           p.PublicKey,
		AllowedIPs:          slices.Clone(p.AllowedIPs),
		Endpoint:            p.Endpoint,
		PersistentKeepalive: keepaliveSeconds(p.PersistentKeepalive),
	}
}

func keepaliveSeconds(d time.Duration) time.Duration {
	if d <= 0 {
		return 0
	}
	return min((d + time.Second - 1).Truncate(time.Second), MaxPersistentKeepalive)
}

func (p PeerConfig) clone() PeerConfig {
	p.AllowedIPs = slices.Clone(p.AllowedIPs)
	return p
}
