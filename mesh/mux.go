package mesh

import (
	"context"
	"errors"
	"net"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"golang.zx2c4.com/wireguard/wgctrl/wgtypes"

	"github.com/opd-ai/meshcore/adapter"
	"github.com/opd-ai/meshcore/crypto"
	"github.com/opd-ai/meshcore/handshake"
	"github.com/opd-ai/meshcore/logging"
	"github.com/opd-ai/meshcore/task"
)

// op runs on the owner task.
type op func(ctx context.Context)

type pingState struct {
	id   uint64
	sent time.Time
}

// peer is the owner's record of one configured peer.
type peer struct {
	cfg           PeerConfig
	endpoint      netip.AddrPort
	epoch         uint64
	lastHandshake time.Time
	lastSeen      time.Time
	rtt           time.Duration
	ping          pingState

	// awaiting is set while a handshake this side started has not
	// completed. It is retried from retryAt on.
	awaiting bool
	attempts int
	retryAt  time.Time
}

// Multiplexer owns one WireGuard interface.
type Multiplexer struct {
	cfg   Config
	log   *logrus.Entry
	inbox *task.Mailbox[op]

	ctx     context.Context
	cancel  context.CancelFunc
	running atomic.Bool
	exited  chan struct{}

	// Owner state. Only touched from ops.
	backend adapter.Backend
	kind    adapter.Kind
	key     *crypto.KeyPair
	fwmark  uint32
	peers   map[wgtypes.Key]*peer

	// Read-mostly view for socket readers and the Transmit callback. The
	// owner is its only writer.
	viewMu    sync.RWMutex
	local     wgtypes.Key
	endpoints map[wgtypes.Key]netip.AddrPort
	engine    atomic.Pointer[handshake.Engine]

	connMu sync.RWMutex
	conn   net.PacketConn

	opMu     sync.Mutex
	opCancel context.CancelFunc

	rec coalescer

	counters  counters
	noisyLogs *logging.Sampler
	pingSeq   atomic.Uint64
}

// New creates a multiplexer. Nothing happens until Run is started and
// Start is called.
func New(cfg Config) *Multiplexer {
	cfg = cfg.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	return &Multiplexer{
		cfg:       cfg,
		log:       cfg.Logger,
		inbox:     task.NewMailbox[op](cfg.MailboxSize),
		ctx:       ctx,
		cancel:    cancel,
		exited:    make(chan struct{}),
		peers:     make(map[wgtypes.Key]*peer),
		endpoints: make(map[wgtypes.Key]netip.AddrPort),
		noisyLogs: logging.NewSampler(cfg.MalformedLogInterval),
	}
}

// Run is the owner task. It serializes every state change until ctx is
// done, then stops the interface. Run may only be called once.
func (m *Multiplexer) Run(ctx context.Context) error {
	if !m.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	defer close(m.exited)
	defer m.cancel()

	ticker := time.NewTicker(m.cfg.ExpireInterval)
	defer ticker.Stop()

	m.log.WithField("function", "Run").Debug("Multiplexer owner started")
	for {
		select {
		case <-ctx.Done():
			if err := m.doStop(context.Background()); err != nil {
				m.log.WithError(err).Warn("Failed to stop interface on shutdown")
			}
			m.inbox.Close()
			m.drain()
			m.log.WithField("function", "Run").Debug("Multiplexer owner stopped")
			return nil
		case fn := <-m.inbox.Receive():
			m.exec(ctx, fn)
		case <-ticker.C:
			m.expire()
		}
	}
}

func (m *Multiplexer) exec(ctx context.Context, fn op) {
	opCtx, cancel := context.WithCancel(ctx)
	m.opMu.Lock()
	m.opCancel = cancel
	m.opMu.Unlock()

	fn(opCtx)

	m.opMu.Lock()
	m.opCancel = nil
	m.opMu.Unlock()
	cancel()
}

// drain runs whatever was queued before the mailbox closed. The interface
// is already stopped, so these ops only report NotStarted.
func (m *Multiplexer) drain() {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	for {
		select {
		case fn := <-m.inbox.Receive():
			fn(ctx)
		default:
			return
		}
	}
}

// cancelCurrent aborts the op the owner is running, if any.
func (m *Multiplexer) cancelCurrent() {
	m.opMu.Lock()
	defer m.opMu.Unlock()
	if m.opCancel != nil {
		m.opCancel()
	}
}

// call runs fn on the owner and waits for its result.
func (m *Multiplexer) call(ctx context.Context, name string, fn func(ctx context.Context) error) error {
	done := make(chan error, 1)
	if err := m.inbox.Post(ctx, func(opCtx context.Context) { done <- fn(opCtx) }); err != nil {
		if errors.Is(err, task.ErrClosed) {
			return adapterErr(KindNotStarted, name, err)
		}
		return err
	}
	select {
	case err := <-done:
		return err
	case <-m.exited:
		select {
		case err := <-done:
			return err
		default:
			return adapterErr(KindNotStarted, name, errors.New("multiplexer stopped"))
		}
	case <-ctx.Done():
		return ctx.Err()
	}
}

// enqueue hands fn to the owner without waiting. It reports false when the
// owner is backed up and fn was dropped.
func (m *Multiplexer) enqueue(fn op) bool {
	if m.inbox.TryPost(fn) {
		return true
	}
	m.counters.queueDrops.Add(1)
	return false
}

// Start brings the interface up with privateKey on a backend of the given
// kind. On a started interface it only replaces the private key; existing
// peers are kept and kind is ignored.
func (m *Multiplexer) Start(ctx context.Context, privateKey wgtypes.Key, kind adapter.Kind) error {
	kp, err := crypto.FromSecretKey(privateKey)
	if err != nil {
		return adapterErr(KindInvalidKey, "start", err)
	}
	return m.call(ctx, "start", func(ctx context.Context) error {
		return m.doStart(ctx, kp, kind)
	})
}

func (m *Multiplexer) doStart(ctx context.Context, kp *crypto.KeyPair, kind adapter.Kind) error {
	if m.backend != nil {
		if kind != m.kind {
			m.log.WithFields(logrus.Fields{
				"function": "Start",
				"running":  m.kind.String(),
				"request":  kind.String(),
			}).Warn("Interface already started, keeping the running backend")
		}
		return m.doSetPrivateKey(ctx, kp)
	}

	opts := m.cfg.Adapter
	opts.Transmit = m.transmit
	if m.fwmark != 0 {
		opts.Fwmark = m.fwmark
	}
	b, err := m.cfg.Factory(kind, opts)
	if err != nil {
		return adapterErr(KindBackendUnavailable, "start", err)
	}
	if err := m.retry(ctx, "start", func(ctx context.Context) error {
		return b.Create(ctx, kp.Private)
	}); err != nil {
		_ = b.Destroy(context.Background())
		return err
	}

	engine, err := handshake.New(handshake.Config{
		PrivateKey:   kp.Private,
		Timeout:      m.cfg.HandshakeTimeout,
		ReplayWindow: m.cfg.ReplayWindow,
		Clock:        m.cfg.Clock,
		Notify:       m.onSessionKey,
		PeerFilter:   m.known,
		Logger:       logging.For("handshake"),
	})
	if err != nil {
		_ = b.Destroy(context.Background())
		return adapterErr(KindInvalidKey, "start", err)
	}

	m.backend, m.kind, m.key = b, kind, kp
	m.viewMu.Lock()
	m.local = kp.Public
	m.viewMu.Unlock()
	m.engine.Store(engine)

	m.log.WithFields(logrus.Fields{
		"function":   "Start",
		"backend":    kind.String(),
		"public_key": logging.KeyPreview(kp.Public),
	}).Info("Interface started")
	return nil
}

// SetPrivateKey replaces the identity of a started interface. Handshakes in
// flight are dropped.
func (m *Multiplexer) SetPrivateKey(ctx context.Context, privateKey wgtypes.Key) error {
	kp, err := crypto.FromSecretKey(privateKey)
	if err != nil {
		return adapterErr(KindInvalidKey, "set_private_key", err)
	}
	return m.call(ctx, "set_private_key", func(ctx context.Context) error {
		return m.doSetPrivateKey(ctx, kp)
	})
}

func (m *Multiplexer) doSetPrivateKey(ctx context.Context, kp *crypto.KeyPair) error {
	if m.backend == nil {
		return adapterErr(KindNotStarted, "set_private_key", nil)
	}
	if m.key != nil && m.key.Private == kp.Private {
		return nil
	}
	if _, ok := m.peers[kp.Public]; ok {
		return adapterErr(KindInvalidKey, "set_private_key", errors.New("key belongs to a configured peer"))
	}
	if err := m.retry(ctx, "set_private_key", func(ctx context.Context) error {
		return m.backend.SetPrivateKey(ctx, kp.Private)
	}); err != nil {
		return err
	}
	if e := m.engine.Load(); e != nil {
		if err := e.SetPrivateKey(kp.Private); err != nil {
			return adapterErr(KindInvalidKey, "set_private_key", err)
		}
	}
	m.key = kp
	m.viewMu.Lock()
	m.local = kp.Public
	m.viewMu.Unlock()

	m.log.WithFields(logrus.Fields{
		"function":   "SetPrivateKey",
		"public_key": logging.KeyPreview(kp.Public),
	}).Info("Private key replaced")
	return nil
}

// Stop tears down the interface, its peers and every handshake in flight.
// Stopping a stopped interface succeeds.
func (m *Multiplexer) Stop(ctx context.Context) error {
	m.cancelCurrent()
	err := m.call(ctx, "stop", m.doStop)
	if KindOf(err) == KindNotStarted {
		return nil
	}
	return err
}

func (m *Multiplexer) doStop(ctx context.Context) error {
	if e := m.engine.Swap(nil); e != nil {
		e.Reset()
	}
	if m.backend == nil {
		return nil
	}
	err := m.backend.Destroy(ctx)
	m.backend = nil
	m.key = nil
	clear(m.peers)
	m.viewMu.Lock()
	clear(m.endpoints)
	m.local = wgtypes.Key{}
	m.viewMu.Unlock()

	m.log.WithField("function", "Stop").Info("Interface stopped")
	return backendErr("stop", err)
}

// SetFwmark sets the firewall mark of the WireGuard socket. It is
// remembered for later starts.
func (m *Multiplexer) SetFwmark(ctx context.Context, mark uint32) error {
	return m.call(ctx, "set_fwmark", func(ctx context.Context) error {
		m.fwmark = mark
		if m.backend == nil {
			return nil
		}
		return m.retry(ctx, "set_fwmark", func(ctx context.Context) error {
			return m.backend.SetFwmark(ctx, mark)
		})
	})
}

// LinkID returns the adapter-assigned interface identifier.
func (m *Multiplexer) LinkID(ctx context.Context) (uint64, error) {
	var id uint64
	err := m.call(ctx, "link_id", func(ctx context.Context) error {
		if m.backend == nil {
			return adapterErr(KindNotStarted, "link_id", nil)
		}
		var err error
		id, err = m.backend.LinkID()
		return backendErr("link_id", err)
	})
	return id, err
}

// PublicKey returns the local public key, or false when not started.
func (m *Multiplexer) PublicKey() (wgtypes.Key, bool) {
	m.viewMu.RLock()
	defer m.viewMu.RUnlock()
	return m.local, !crypto.IsZeroKey(m.local)
}

// retry calls fn until it succeeds, fails permanently or the retry budget
// is spent. Waits grow linearly.
func (m *Multiplexer) retry(ctx context.Context, op string, fn func(context.Context) error) error {
	var err error
	for attempt := 0; ; attempt++ {
		err = fn(ctx)
		if err == nil || !adapter.IsTransient(err) || attempt >= m.cfg.BackendRetries {
			break
		}
		m.counters.retries.Add(1)
		wait := m.cfg.RetryBackoff * time.Duration(attempt+1)
		m.log.WithFields(logrus.Fields{
			"function": "retry",
			"op":       op,
			"attempt":  attempt + 1,
			"wait":     wait,
			"error":    err.Error(),
		}).Debug("Transient backend failure, retrying")
		select {
		case <-ctx.Done():
			return adapterErr(KindBackendRejected, op, ctx.Err())
		case <-time.After(wait):
		}
	}
	if err != nil && adapter.IsTransient(err) {
		return adapterErr(KindBackendRejected, op, err)
	}
	return backendErr(op, err)
}

// expire sweeps unanswered handshakes and retries them. Runs on the owner.
func (m *Multiplexer) expire() {
	e := m.engine.Load()
	if e == nil {
		return
	}
	if n := e.Expire(); n > 0 {
		m.counters.expired.Add(uint64(n))
	}
	m.retryHandshakes(e)
}

// retryHandshakes starts a new handshake with every peer whose last one
// from this side went unanswered and whose backoff has passed. A responder
// installs its key before the initiator sees the response, so without this
// a lost response would leave the two sides on different keys.
func (m *Multiplexer) retryHandshakes(e *handshake.Engine) {
	if m.backend == nil {
		return
	}
	now := m.cfg.Clock.Now()
	for _, k := range m.sortedPeers() {
		p := m.peers[k]
		if !p.awaiting || e.Pending(k) || now.Before(p.retryAt) {
			continue
		}
		p.attempts++
		m.counters.handshakeRetries.Add(1)
		fields := logrus.Fields{
			"function": "retryHandshakes",
			"peer":     logging.KeyPreview(k),
			"attempt":  p.attempts,
		}
		if err := m.initiate(k); err != nil {
			fields["error"] = err.Error()
		}
		m.log.WithFields(fields).Debug("Retrying unanswered handshake")
	}
}

// handshakeBackoff is the extra wait before retry number n. The first
// retry follows the timeout directly; later ones back off exponentially.
func (m *Multiplexer) handshakeBackoff(n int) time.Duration {
	if n <= 0 {
		return 0
	}
	d := m.cfg.HandshakeRetryBackoff
	for i := 1; i < n && d < m.cfg.MaxHandshakeBackoff; i++ {
		d *= 2
	}
	return min(d, m.cfg.MaxHandshakeBackoff)
}
