package canary

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/veilcompute/ephemeral-session-backend/cryptoutils"
	"github.com/veilcompute/ephemeral-session-backend/interfaces"
	"github.com/veilcompute/ephemeral-session-backend/txo"
)

func TestEmitter_SequenceChain(t *testing.T) {
	signer, err := cryptoutils.GenerateSigner()
	require.NoError(t, err, "Failed to create signer")

	e := NewEmitter(time.Second, signer, nil)
	root := interfaces.HashOf([]byte("ledger-root"))

	start := time.Now()
	var prevID interfaces.Hash
	for i := 1; i <= 5; i++ {
		now := start.Add(time.Duration(i) * time.Second)
		obj, probe, err := e.Emit(root, now)
		require.NoError(t, err, "Emission %d should succeed", i)

		assert.Equal(t, uint64(i), probe.Sequence, "Sequence should increase by exactly one")
		assert.Equal(t, root, probe.RootHash, "Probe should embed the ledger root")
		assert.Equal(t, txo.KindCanaryProbe, obj.Kind, "Probe object should carry the canary kind")
		assert.NotEmpty(t, probe.Signature, "Probe should be signed")

		if i == 1 {
			assert.Equal(t, interfaces.HashOf([]byte("canary/genesis")), probe.PrevProbeHash,
				"First probe should chain from the genesis anchor")
		} else {
			assert.Equal(t, prevID, probe.PrevProbeHash,
				"Probe %d should chain from the previous probe's object ID", i)
		}
		prevID = obj.ID
	}
	assert.Equal(t, uint64(5), e.Sequence(), "Emitter should report the last emitted sequence")
}

func TestEmitter_CheckLivenessNoGap(t *testing.T) {
	e := NewEmitter(time.Second, nil, nil)
	start := time.Now()

	_, _, err := e.Emit(interfaces.Hash{}, start)
	require.NoError(t, err, "Emission should succeed")

	events, err := e.CheckLiveness(start.Add(900 * time.Millisecond))
	require.NoError(t, err, "Liveness check should succeed")
	assert.Empty(t, events, "No gap event within the first interval")

	events, err = e.CheckLiveness(start.Add(1900 * time.Millisecond))
	require.NoError(t, err, "Liveness check should succeed")
	assert.Empty(t, events, "The expected emission slot itself is not a gap")
}

func TestEmitter_CheckLivenessGapPerWindow(t *testing.T) {
	e := NewEmitter(time.Second, nil, nil)
	start := time.Now()

	_, _, err := e.Emit(interfaces.Hash{}, start)
	require.NoError(t, err, "Emission should succeed")

	// Three full intervals elapsed past the expected slot: two missed windows.
	events, err := e.CheckLiveness(start.Add(3500 * time.Millisecond))
	require.NoError(t, err, "Liveness check should succeed")
	require.Len(t, events, 2, "Each missed window should generate exactly one censorship event")
	for _, ev := range events {
		assert.Equal(t, txo.KindCensorshipEvent, ev.Kind, "Gap objects should carry the censorship kind")
	}

	var gap GapEvent
	require.NoError(t, txo.UnmarshalPayload(events[0].Payload, &gap), "Gap payload should decode")
	assert.Equal(t, uint64(2), gap.ExpectedSequence, "First gap should name the first missed sequence")
	assert.Equal(t, uint64(1), gap.LastSequence, "Gap should record the last observed sequence")

	// Re-checking the same window must not generate a duplicate.
	events, err = e.CheckLiveness(start.Add(3600 * time.Millisecond))
	require.NoError(t, err, "Liveness check should succeed")
	assert.Empty(t, events, "Already-reported windows should not repeat")

	// One further window elapses.
	events, err = e.CheckLiveness(start.Add(4500 * time.Millisecond))
	require.NoError(t, err, "Liveness check should succeed")
	assert.Len(t, events, 1, "A newly missed window should generate one more event")
}

func TestEmitter_Zeroize(t *testing.T) {
	e := NewEmitter(time.Second, nil, nil)
	_, _, err := e.Emit(interfaces.Hash{}, time.Now())
	require.NoError(t, err, "Emission should succeed")

	require.NoError(t, e.Zeroize(), "Zeroize should succeed")

	_, _, err = e.Emit(interfaces.Hash{}, time.Now())
	assert.ErrorIs(t, err, interfaces.ErrSessionDestroyed, "Emission after zeroize should be rejected")
	_, err = e.CheckLiveness(time.Now())
	assert.ErrorIs(t, err, interfaces.ErrSessionDestroyed, "Liveness check after zeroize should be rejected")
}
