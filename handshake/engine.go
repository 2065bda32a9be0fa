package handshake

import (
	"crypto/rand"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.zx2c4.com/wireguard/wgctrl/wgtypes"

	"github.com/opd-ai/meshcore/crypto"
	"github.com/opd-ai/meshcore/logging"
	"github.com/opd-ai/meshcore/packet"
)

const (
	// DefaultTimeout bounds how long an initiated handshake waits for a
	// response.
	DefaultTimeout = 5 * time.Second
	// DefaultReplayWindow is the clock skew tolerated on requests. It also
	// bounds how old a recorded request may be when replayed to an engine
	// that has no per-peer history yet, as after a restart.
	DefaultReplayWindow = 2 * time.Minute
)

// SessionKey is the result of a completed handshake.
type SessionKey struct {
	Peer  wgtypes.Key
	Key   wgtypes.Key
	Epoch uint64
}

// Config configures an Engine.
type Config struct {
	// PrivateKey is the local WireGuard identity.
	PrivateKey wgtypes.Key

	// Timeout is the lifetime of an unanswered handshake. Zero selects
	// DefaultTimeout.
	Timeout time.Duration

	// ReplayWindow rejects requests whose timestamp is further than this
	// from the local clock. Zero selects DefaultReplayWindow and a negative
	// value turns the check off.
	ReplayWindow time.Duration

	Clock crypto.Clock

	// Notify is called once per completed handshake on either side, before
	// the completing call returns.
	Notify func(SessionKey)

	// PeerFilter, when set, limits which peers may send requests.
	PeerFilter func(wgtypes.Key) bool

	Logger *logrus.Entry
}

// Engine runs handshakes for one local identity. It is safe for concurrent
// use; the expensive cryptography runs outside its lock so handshakes with
// different peers proceed in parallel.
type Engine struct {
	mu         sync.Mutex
	identity   *crypto.KeyPair
	sessions   map[wgtypes.Key]*session
	peers      map[wgtypes.Key]*peerState
	lastIssued uint64

	timeout time.Duration
	window  time.Duration
	clock   crypto.Clock
	notify  func(SessionKey)
	filter  func(wgtypes.Key) bool
	log     *logrus.Entry
}

// New creates an engine for cfg.PrivateKey.
func New(cfg Config) (*Engine, error) {
	kp, err := crypto.FromSecretKey(cfg.PrivateKey)
	if err != nil {
		return nil, fmt.Errorf("handshake identity: %w", err)
	}
	e := &Engine{
		identity: kp,
		sessions: make(map[wgtypes.Key]*session),
		peers:    make(map[wgtypes.Key]*peerState),
		timeout:  cfg.Timeout,
		window:   cfg.ReplayWindow,
		clock:    crypto.ClockOrSystem(cfg.Clock),
		notify:   cfg.Notify,
		filter:   cfg.PeerFilter,
		log:      cfg.Logger,
	}
	if e.timeout <= 0 {
		e.timeout = DefaultTimeout
	}
	if e.window == 0 {
		e.window = DefaultReplayWindow
	}
	if e.log == nil {
		e.log = logging.For("handshake")
	}
	return e, nil
}

// PublicKey returns the local identity's public key.
func (e *Engine) PublicKey() wgtypes.Key {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.identity.Public
}

// SetPrivateKey switches the local identity. Handshakes in flight were
// authenticated under the old key and are dropped; anti-replay state is kept.
func (e *Engine) SetPrivateKey(key wgtypes.Key) error {
	kp, err := crypto.FromSecretKey(key)
	if err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if kp.Public == e.identity.Public {
		return nil
	}
	e.identity = kp
	e.dropAllLocked()
	return nil
}

// Initiate starts a handshake with peer and returns the encoded request.
// An existing handshake with the same peer is replaced.
func (e *Engine) Initiate(peer wgtypes.Key) ([]byte, error) {
	if crypto.IsZeroKey(peer) {
		return nil, ErrInvalidPeer
	}

	e.mu.Lock()
	id := e.identity
	ts := e.nextTimestampLocked()
	e.mu.Unlock()

	if peer == id.Public {
		return nil, fmt.Errorf("%w: own key", ErrInvalidPeer)
	}
	reqKey, respKey, err := tagKeys(id.Private, peer)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPeer, err)
	}

	eph, err := dh.GenerateKeypair(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate ephemeral key: %w", err)
	}
	kemKey, kemPub, err := newKEM()
	if err != nil {
		return nil, err
	}

	req := packet.HandshakeRequest{
		Sender:       id.Public,
		KEMPublicKey: kemPub,
		Timestamp:    ts,
	}
	copy(req.Ephemeral[:], eph.Public)
	buf, err := packet.Encode(req)
	if err != nil {
		return nil, err
	}
	tag := mac(reqKey, packet.Authenticated(buf))
	copy(buf[len(buf)-packet.TagSize:], tag[:])

	s := &session{
		peer:       peer,
		ephemeral:  eph,
		kem:        kemKey,
		timestamp:  ts,
		requestTag: tag,
		respTagKey: respKey,
		deadline:   e.clock.Now().Add(e.timeout),
	}

	e.mu.Lock()
	if old := e.sessions[peer]; old != nil {
		old.destroy()
	}
	e.sessions[peer] = s
	e.mu.Unlock()

	e.log.WithFields(logrus.Fields{
		"function":  "Initiate",
		"peer":      logging.KeyPreview(peer),
		"timestamp": ts,
	}).Debug("Handshake initiated")
	return buf, nil
}

// HandleRequest authenticates a raw HandshakeRequest and, if accepted,
// returns the encoded response. The tag is verified before any other field of
// the request is interpreted.
func (e *Engine) HandleRequest(raw []byte) ([]byte, error) {
	if err := checkHeader(raw, packet.TypeHandshakeRequest); err != nil {
		return nil, err
	}
	req, ok := packet.Decode(raw).(packet.HandshakeRequest)
	if !ok {
		return nil, protoErr(KindMalformed, "not a handshake request")
	}

	id := e.currentIdentity()
	if req.Sender == id.Public {
		return nil, protoErr(KindBadTag, "request carries own key")
	}
	if e.filter != nil && !e.filter(req.Sender) {
		return nil, protoErr(KindBadTag, "unknown peer")
	}
	reqKey, _, err := tagKeys(id.Private, req.Sender)
	if err != nil {
		return nil, protoErr(KindBadTag, "peer key: %v", err)
	}
	if !tagEqual(mac(reqKey, packet.Authenticated(raw)), req.Tag) {
		return nil, ErrBadTag
	}
	return e.HandleRequestInner(&req)
}

// HandleRequestInner processes a request whose tag has already been checked.
// Its fields are still attacker controlled and are validated here.
func (e *Engine) HandleRequestInner(req *packet.HandshakeRequest) ([]byte, error) {
	if req == nil {
		return nil, protoErr(KindMalformed, "nil request")
	}
	id := e.currentIdentity()
	if crypto.IsZeroKey(req.Sender) || req.Sender == id.Public {
		return nil, protoErr(KindMalformed, "invalid sender key")
	}

	e.mu.Lock()
	err := e.admitLocked(req.Sender, req.Timestamp)
	e.mu.Unlock()
	if err != nil {
		return nil, err
	}

	_, respKey, err := tagKeys(id.Private, req.Sender)
	if err != nil {
		return nil, protoErr(KindMalformed, "sender key: %v", err)
	}
	eph, err := dh.GenerateKeypair(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate ephemeral key: %w", err)
	}
	defer crypto.ZeroBytes(eph.Private)
	dhEE, err := dh.DH(eph.Private, req.Ephemeral[:])
	if err != nil {
		return nil, protoErr(KindMalformed, "ephemeral key: %v", err)
	}
	defer crypto.ZeroBytes(dhEE)
	ct, kemSS, err := encapsulate(req.KEMPublicKey)
	if err != nil {
		return nil, protoErr(KindMalformed, "kem public key: %v", err)
	}
	defer crypto.ZeroBytes(kemSS)

	resp := packet.HandshakeResponse{
		Sender:        id.Public,
		KEMCiphertext: ct,
		Timestamp:     req.Timestamp,
	}
	copy(resp.Ephemeral[:], eph.Public)
	key := sessionKey(dhEE, kemSS, req.Sender, id.Public, req.Ephemeral, resp.Ephemeral)

	buf, err := packet.Encode(resp)
	if err != nil {
		return nil, err
	}
	tag := mac(respKey, req.Tag[:], packet.Authenticated(buf))
	copy(buf[len(buf)-packet.TagSize:], tag[:])

	// Re-check under the lock: another request from the same peer may have
	// been accepted while we were doing the expensive part.
	e.mu.Lock()
	if err := e.admitLocked(req.Sender, req.Timestamp); err != nil {
		e.mu.Unlock()
		return nil, err
	}
	st := e.peerLocked(req.Sender)
	st.lastAccepted = req.Timestamp
	st.epoch++
	epoch := st.epoch
	if s := e.sessions[req.Sender]; s != nil {
		s.destroy()
		delete(e.sessions, req.Sender)
	}
	e.mu.Unlock()

	e.log.WithFields(logrus.Fields{
		"function": "HandleRequestInner",
		"peer":     logging.KeyPreview(req.Sender),
		"epoch":    epoch,
	}).Debug("Handshake completed as responder")
	e.complete(SessionKey{Peer: req.Sender, Key: key, Epoch: epoch})
	return buf, nil
}

// HandleResponse completes a handshake this side initiated.
func (e *Engine) HandleResponse(raw []byte) (SessionKey, error) {
	if err := checkHeader(raw, packet.TypeHandshakeResponse); err != nil {
		return SessionKey{}, err
	}
	resp, ok := packet.Decode(raw).(packet.HandshakeResponse)
	if !ok {
		return SessionKey{}, protoErr(KindMalformed, "not a handshake response")
	}

	now := e.clock.Now()
	e.mu.Lock()
	s := e.sessions[resp.Sender]
	switch {
	case s == nil:
		e.mu.Unlock()
		return SessionKey{}, protoErr(KindReplay, "no handshake in flight")
	case s.expired(now):
		s.destroy()
		delete(e.sessions, resp.Sender)
		e.mu.Unlock()
		return SessionKey{}, protoErr(KindReplay, "handshake expired")
	case resp.Timestamp != s.timestamp:
		e.mu.Unlock()
		return SessionKey{}, protoErr(KindReplay, "response to timestamp %d, expected %d", resp.Timestamp, s.timestamp)
	}
	id := e.identity
	respKey := s.respTagKey
	reqTag := s.requestTag
	ephPriv := append([]byte(nil), s.ephemeral.Private...)
	var ephPub [packet.EphemeralSize]byte
	copy(ephPub[:], s.ephemeral.Public)
	kemKey := s.kem
	e.mu.Unlock()
	defer crypto.ZeroBytes(ephPriv)

	if !tagEqual(mac(respKey, reqTag[:], packet.Authenticated(raw)), resp.Tag) {
		return SessionKey{}, ErrBadTag
	}
	dhEE, err := dh.DH(ephPriv, resp.Ephemeral[:])
	if err != nil {
		return SessionKey{}, protoErr(KindMalformed, "ephemeral key: %v", err)
	}
	defer crypto.ZeroBytes(dhEE)
	kemSS, err := decapsulate(kemKey, resp.KEMCiphertext)
	if err != nil {
		return SessionKey{}, protoErr(KindMalformed, "kem ciphertext: %v", err)
	}
	defer crypto.ZeroBytes(kemSS)
	key := sessionKey(dhEE, kemSS, id.Public, resp.Sender, ephPub, resp.Ephemeral)

	e.mu.Lock()
	if e.sessions[resp.Sender] != s {
		e.mu.Unlock()
		return SessionKey{}, protoErr(KindReplay, "handshake superseded")
	}
	delete(e.sessions, resp.Sender)
	s.destroy()
	st := e.peerLocked(resp.Sender)
	st.epoch++
	sk := SessionKey{Peer: resp.Sender, Key: key, Epoch: st.epoch}
	e.mu.Unlock()

	e.log.WithFields(logrus.Fields{
		"function": "HandleResponse",
		"peer":     logging.KeyPreview(resp.Sender),
		"epoch":    sk.Epoch,
	}).Debug("Handshake completed as initiator")
	e.complete(sk)
	return sk, nil
}

// Expire drops handshakes past their deadline and returns how many it dropped.
func (e *Engine) Expire() int {
	now := e.clock.Now()
	e.mu.Lock()
	defer e.mu.Unlock()
	n := 0
	for peer, s := range e.sessions {
		if s.expired(now) {
			s.destroy()
			delete(e.sessions, peer)
			n++
		}
	}
	if n > 0 {
		e.log.WithFields(logrus.Fields{
			"function": "Expire",
			"dropped":  n,
		}).Debug("Expired unanswered handshakes")
	}
	return n
}

// Cancel discards any handshake in flight with peer and resets its epoch
// counter. The replay high-water mark is kept.
func (e *Engine) Cancel(peer wgtypes.Key) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if s := e.sessions[peer]; s != nil {
		s.destroy()
		delete(e.sessions, peer)
	}
	if st := e.peers[peer]; st != nil {
		st.epoch = 0
	}
}

// Reset discards every handshake in flight and all epoch counters.
func (e *Engine) Reset() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.dropAllLocked()
	for _, st := range e.peers {
		st.epoch = 0
	}
}

// Pending reports whether a handshake with peer is in flight.
func (e *Engine) Pending(peer wgtypes.Key) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.sessions[peer]
	return ok
}

// ActiveSessions returns the number of handshakes in flight.
func (e *Engine) ActiveSessions() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.sessions)
}

// Epoch returns the number of completed handshakes with peer since the last
// Cancel or Reset.
func (e *Engine) Epoch(peer wgtypes.Key) uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	if st := e.peers[peer]; st != nil {
		return st.epoch
	}
	return 0
}

func (e *Engine) currentIdentity() *crypto.KeyPair {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.identity
}

func (e *Engine) complete(sk SessionKey) {
	if e.notify != nil {
		e.notify(sk)
	}
}

func (e *Engine) peerLocked(peer wgtypes.Key) *peerState {
	st := e.peers[peer]
	if st == nil {
		st = &peerState{}
		e.peers[peer] = st
	}
	return st
}

func (e *Engine) dropAllLocked() {
	for peer, s := range e.sessions {
		s.destroy()
		delete(e.sessions, peer)
	}
}

// nextTimestampLocked returns a strictly increasing wall-clock timestamp in
// nanoseconds, even if the clock stalls or steps back.
func (e *Engine) nextTimestampLocked() uint64 {
	var ts uint64
	if now := e.clock.Now().UnixNano(); now > 0 {
		ts = uint64(now)
	}
	if ts <= e.lastIssued {
		ts = e.lastIssued + 1
	}
	e.lastIssued = ts
	return ts
}

// admitLocked applies the anti-replay rules to a request timestamp.
func (e *Engine) admitLocked(peer wgtypes.Key, ts uint64) error {
	if st := e.peers[peer]; st != nil && ts <= st.lastAccepted {
		return protoErr(KindReplay, "timestamp %d not after last accepted %d", ts, st.lastAccepted)
	}
	now := e.clock.Now()
	if s := e.sessions[peer]; s != nil && !s.expired(now) && ts <= s.timestamp {
		return protoErr(KindReplay, "timestamp %d not after local handshake %d", ts, s.timestamp)
	}
	if e.window > 0 {
		if ts > math.MaxInt64 {
			return protoErr(KindReplay, "timestamp out of range")
		}
		skew := time.Duration(int64(ts) - now.UnixNano())
		if skew < 0 {
			skew = -skew
		}
		if skew > e.window {
			return protoErr(KindReplay, "timestamp skew %s exceeds %s", skew, e.window)
		}
	}
	return nil
}

// checkHeader maps header-level codec failures onto protocol error kinds.
func checkHeader(raw []byte, want packet.Type) error {
	h, err := packet.Inspect(raw)
	if err != nil {
		if errors.Is(err, packet.ErrUnsupportedVersion) {
			return protoErr(KindUnsupportedVersion, "version %d", h.Version)
		}
		return protoErr(KindMalformed, "%v", err)
	}
	if h.Type != want {
		return protoErr(KindMalformed, "unexpected %s", h.Type)
	}
	return nil
}
