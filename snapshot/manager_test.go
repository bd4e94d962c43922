package snapshot

import (
	"crypto/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/veilcompute/ephemeral-session-backend/biokey"
	"github.com/veilcompute/ephemeral-session-backend/cryptoutils"
	"github.com/veilcompute/ephemeral-session-backend/interfaces"
)

func testManager(t *testing.T, limit int, interval time.Duration) *Manager {
	t.Helper()
	key := make([]byte, 32)
	_, err := rand.Read(key)
	require.NoError(t, err, "Failed to generate test key material")

	m, err := NewManager(biokey.NewMaterialForTesting(key), limit, interval, nil)
	require.NoError(t, err, "NewManager should succeed")
	return m
}

func TestManager_CaptureRestore(t *testing.T) {
	m := testManager(t, 3, time.Second)
	state := []byte(`{"counter":42}`)
	root := interfaces.HashOf([]byte("root-at-capture"))

	snap, err := m.Capture(state, root, time.Now())
	require.NoError(t, err, "Capture should succeed")
	assert.Equal(t, uint64(1), snap.Sequence, "First snapshot should have sequence 1")
	assert.Equal(t, root, snap.RootHash, "Snapshot should record the capture-time root")
	assert.NotEqual(t, state, snap.Ciphertext, "State must not be stored in the clear")

	restored, err := m.Restore(snap)
	require.NoError(t, err, "Restore should succeed")
	assert.Equal(t, state, restored, "Restore should round-trip the execution state")
}

func TestManager_RestoreTamperRejected(t *testing.T) {
	m := testManager(t, 3, time.Second)
	root := interfaces.HashOf([]byte("root"))

	snap, err := m.Capture([]byte("state"), root, time.Now())
	require.NoError(t, err, "Capture should succeed")

	// Ciphertext tampering.
	corrupt := *snap
	corrupt.Ciphertext = append([]byte(nil), snap.Ciphertext...)
	corrupt.Ciphertext[0] ^= 0xff
	_, err = m.Restore(&corrupt)
	assert.Error(t, err, "Tampered ciphertext should fail authentication")

	// The root hash is bound as associated data: replaying the snapshot
	// against a different root claim must fail.
	relabeled := *snap
	relabeled.RootHash = interfaces.HashOf([]byte("other-root"))
	_, err = m.Restore(&relabeled)
	assert.Error(t, err, "Snapshot bound to one root must not open under another")
}

func TestManager_HistoryBound(t *testing.T) {
	m := testManager(t, 2, time.Second)
	root := interfaces.Hash{}
	now := time.Now()

	first, err := m.Capture([]byte("one"), root, now)
	require.NoError(t, err, "Capture should succeed")
	_, err = m.Capture([]byte("two"), root, now.Add(time.Second))
	require.NoError(t, err, "Capture should succeed")
	third, err := m.Capture([]byte("three"), root, now.Add(2*time.Second))
	require.NoError(t, err, "Capture should succeed")

	assert.Equal(t, 2, m.Len(), "History should be bounded to the configured limit")
	assert.True(t, cryptoutils.IsWiped(first.Ciphertext), "Evicted snapshot ciphertext should be zeroized")

	latest, err := m.Latest()
	require.NoError(t, err, "Latest should succeed")
	assert.Equal(t, third.Sequence, latest.Sequence, "Latest should return the newest checkpoint")
}

func TestManager_Due(t *testing.T) {
	m := testManager(t, 3, time.Second)
	start := time.Now()

	assert.True(t, m.Due(start), "A manager with no captures yet is immediately due")

	_, err := m.Capture([]byte("state"), interfaces.Hash{}, start)
	require.NoError(t, err, "Capture should succeed")

	assert.False(t, m.Due(start.Add(500*time.Millisecond)), "Not due within the interval")
	assert.True(t, m.Due(start.Add(time.Second)), "Due once the interval elapses")
}

func TestManager_LatestEmpty(t *testing.T) {
	m := testManager(t, 3, time.Second)
	_, err := m.Latest()
	assert.ErrorIs(t, err, ErrNoSnapshot, "Latest on empty history should report no snapshot")
}

func TestManager_Zeroize(t *testing.T) {
	m := testManager(t, 3, time.Second)
	snap, err := m.Capture([]byte("sensitive"), interfaces.Hash{}, time.Now())
	require.NoError(t, err, "Capture should succeed")
	ciphertext := snap.Ciphertext

	require.NoError(t, m.Zeroize(), "Zeroize should succeed")

	assert.True(t, cryptoutils.IsWiped(ciphertext), "Retained ciphertext should be scrubbed")
	_, err = m.Capture([]byte("more"), interfaces.Hash{}, time.Now())
	assert.ErrorIs(t, err, interfaces.ErrSessionDestroyed, "Capture after zeroize should be rejected")
	_, err = m.Restore(snap)
	assert.ErrorIs(t, err, interfaces.ErrSessionDestroyed, "Restore after zeroize should be rejected")
}
