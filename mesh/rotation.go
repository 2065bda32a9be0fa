package mesh

import (
	"context"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/meshcore/crypto"
	"github.com/opd-ai/meshcore/handshake"
	"github.com/opd-ai/meshcore/logging"
)

// onSessionKey is the handshake engine's Notify callback. It runs on a
// socket reader and must not block it. The install is normally queued
// behind whatever that reader already queued; when the inbox is full it is
// handed to a goroutine that waits for room instead.
func (m *Multiplexer) onSessionKey(sk handshake.SessionKey) {
	m.counters.handshakes.Add(1)
	fn := func(ctx context.Context) { m.install(ctx, sk) }
	if m.inbox.TryPost(fn) {
		return
	}
	m.counters.queueDrops.Add(1)
	go func() {
		if err := m.inbox.Post(m.ctx, fn); err != nil {
			m.counters.rotationsDiscarded.Add(1)
		}
	}()
}

// InstallSessionKey installs sk as the peer's preshared key if its epoch is
// newer than the stored one. It reports whether the key was installed; a
// stale epoch, a removed peer or a backend refusal discards the key without
// error.
func (m *Multiplexer) InstallSessionKey(ctx context.Context, sk handshake.SessionKey) (bool, error) {
	var installed bool
	err := m.call(ctx, "install_key", func(ctx context.Context) error {
		installed = m.install(ctx, sk)
		return nil
	})
	return installed, err
}

func (m *Multiplexer) install(ctx context.Context, sk handshake.SessionKey) bool {
	defer crypto.WipeKey(&sk.Key)
	fields := logrus.Fields{
		"function": "install",
		"peer":     logging.KeyPreview(sk.Peer),
		"epoch":    sk.Epoch,
	}
	p := m.peers[sk.Peer]
	if m.backend == nil || p == nil {
		m.counters.rotationsDiscarded.Add(1)
		m.log.WithFields(fields).Debug("Discarding session key for unknown peer")
		return false
	}
	if sk.Epoch <= p.epoch {
		m.counters.rotationsDiscarded.Add(1)
		fields["current"] = p.epoch
		m.log.WithFields(fields).Debug("Discarding stale session key")
		return false
	}
	if err := m.retry(ctx, "install_key", func(ctx context.Context) error {
		return m.backend.SetPresharedKey(ctx, sk.Peer, sk.Key)
	}); err != nil {
		m.counters.rotationsDiscarded.Add(1)
		fields["error"] = err.Error()
		m.log.WithFields(fields).Debug("Backend refused session key, discarding rotation")
		return false
	}
	p.epoch = sk.Epoch
	p.lastHandshake = m.cfg.Clock.Now()
	p.awaiting, p.attempts = false, 0
	m.counters.rotations.Add(1)
	m.log.WithFields(fields).Debug("Session key installed")
	return true
}
