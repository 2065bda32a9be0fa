package mesh

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/meshcore/adapter"
	"github.com/opd-ai/meshcore/adapter/adaptertest"
	"github.com/opd-ai/meshcore/handshake"
)

func TestEpochMonotonicity(t *testing.T) {
	m, b, _ := startMux(t, Config{})
	ctx := context.Background()
	p := peerConfig(t, "10.0.0.2")
	require.NoError(t, m.SetPeer(ctx, p))

	const rotations = 5
	for epoch := uint64(1); epoch <= rotations; epoch++ {
		sk := handshake.SessionKey{Peer: p.PublicKey, Key: newKey(t), Epoch: epoch}
		ok, err := m.InstallSessionKey(ctx, sk)
		require.NoError(t, err)
		require.True(t, ok, "epoch %d", epoch)
		psk, _ := b.PresharedKey(p.PublicKey)
		assert.Equal(t, sk.Key, psk)
	}
	assert.Equal(t, uint64(rotations), peerStatus(t, flush(t, m), p.PublicKey).Epoch)

	installed, _ := b.PresharedKey(p.PublicKey)
	for _, stale := range []uint64{0, 2, rotations} {
		ok, err := m.InstallSessionKey(ctx, handshake.SessionKey{Peer: p.PublicKey, Key: newKey(t), Epoch: stale})
		require.NoError(t, err)
		assert.False(t, ok, "epoch %d must be a no-op", stale)
	}
	psk, _ := b.PresharedKey(p.PublicKey)
	assert.Equal(t, installed, psk)
	assert.Len(t, b.CallsOf(adaptertest.OpSetPresharedKey), rotations)
	assert.Equal(t, uint64(rotations), m.Counters().Rotations)
	assert.Equal(t, uint64(3), m.Counters().RotationsDiscarded)
}

func TestRotationForRemovedPeerDiscarded(t *testing.T) {
	m, b, _ := startMux(t, Config{})
	ctx := context.Background()
	p := peerConfig(t, "10.0.0.2")
	require.NoError(t, m.SetPeer(ctx, p))
	require.NoError(t, m.RemovePeer(ctx, p.PublicKey))

	ok, err := m.InstallSessionKey(ctx, handshake.SessionKey{Peer: p.PublicKey, Key: newKey(t), Epoch: 1})
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Empty(t, b.CallsOf(adaptertest.OpSetPresharedKey))
}

func TestRotationRejectedByBackendDiscarded(t *testing.T) {
	m, b, _ := startMux(t, Config{})
	ctx := context.Background()
	p := peerConfig(t, "10.0.0.2")
	require.NoError(t, m.SetPeer(ctx, p))

	b.Fail(adaptertest.OpSetPresharedKey, adapter.ErrUnknownPeer, 1)
	ok, err := m.InstallSessionKey(ctx, handshake.SessionKey{Peer: p.PublicKey, Key: newKey(t), Epoch: 1})
	require.NoError(t, err, "a refused key is not an error")
	assert.False(t, ok)
	assert.Equal(t, uint64(0), peerStatus(t, flush(t, m), p.PublicKey).Epoch)

	ok, err = m.InstallSessionKey(ctx, handshake.SessionKey{Peer: p.PublicKey, Key: newKey(t), Epoch: 1})
	require.NoError(t, err)
	assert.True(t, ok, "the same epoch can still be installed after a refusal")
}

func TestRotationRetriesTransient(t *testing.T) {
	m, b, _ := startMux(t, Config{})
	ctx := context.Background()
	p := peerConfig(t, "10.0.0.2")
	require.NoError(t, m.SetPeer(ctx, p))

	b.Fail(adaptertest.OpSetPresharedKey, adapter.ErrBusy, 1)
	ok, err := m.InstallSessionKey(ctx, handshake.SessionKey{Peer: p.PublicKey, Key: newKey(t), Epoch: 1})
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Len(t, b.CallsOf(adaptertest.OpSetPresharedKey), 2)
}

func TestRotationBeforeStart(t *testing.T) {
	m, _ := runMux(t, Config{})
	ok, err := m.InstallSessionKey(context.Background(), handshake.SessionKey{Peer: newKey(t).PublicKey(), Epoch: 1})
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestEpochRestartsAfterRemoval(t *testing.T) {
	m, _, _ := startMux(t, Config{})
	ctx := context.Background()
	p := peerConfig(t, "10.0.0.2")
	require.NoError(t, m.SetPeer(ctx, p))
	ok, err := m.InstallSessionKey(ctx, handshake.SessionKey{Peer: p.PublicKey, Key: newKey(t), Epoch: 3})
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, m.RemovePeer(ctx, p.PublicKey))
	require.NoError(t, m.SetPeer(ctx, p))
	ok, err = m.InstallSessionKey(ctx, handshake.SessionKey{Peer: p.PublicKey, Key: newKey(t), Epoch: 1})
	require.NoError(t, err)
	assert.True(t, ok, "a re-added peer starts a new epoch sequence")
}
