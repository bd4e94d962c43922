package watchdog

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/veilcompute/ephemeral-session-backend/cryptoutils"
	"github.com/veilcompute/ephemeral-session-backend/interfaces"
	"github.com/veilcompute/ephemeral-session-backend/txo"
)

func testRoster(t *testing.T, n int) ([]interfaces.MemberID, []*cryptoutils.Secp256k1Signer) {
	t.Helper()
	roster := make([]interfaces.MemberID, n)
	signers := make([]*cryptoutils.Secp256k1Signer, n)
	for i := range roster {
		s, err := cryptoutils.GenerateSigner()
		require.NoError(t, err, "Failed to generate validator signer")
		signers[i] = s
		roster[i] = s.MemberID()
	}
	return roster, signers
}

func TestRotation_DeterministicSelection(t *testing.T) {
	roster, _ := testRoster(t, 7)
	cfg := Config{
		SubsetSize:    3,
		EpochInterval: 10 * time.Second,
		Seed:          interfaces.HashOf([]byte("session-seed")),
	}
	start := time.Now()

	// Two independent instances over a shuffled copy of the same roster.
	shuffled := []interfaces.MemberID{roster[3], roster[0], roster[6], roster[1], roster[5], roster[2], roster[4]}
	a, err := NewRotation(cfg, roster, start, nil)
	require.NoError(t, err, "NewRotation should succeed")
	b, err := NewRotation(cfg, shuffled, start, nil)
	require.NoError(t, err, "NewRotation should succeed")

	for epoch := uint64(0); epoch < 5; epoch++ {
		assert.Equal(t, a.ActiveSubset(epoch), b.ActiveSubset(epoch),
			"All instances must derive identical subsets for epoch %d", epoch)
		assert.Len(t, a.ActiveSubset(epoch), 3, "Subset should have the configured size")
	}
}

func TestRotation_SubsetRotates(t *testing.T) {
	roster, _ := testRoster(t, 10)
	r, err := NewRotation(Config{
		SubsetSize:    3,
		EpochInterval: 10 * time.Second,
		Seed:          interfaces.HashOf([]byte("seed")),
	}, roster, time.Now(), nil)
	require.NoError(t, err, "NewRotation should succeed")

	seen := make(map[string]bool)
	distinct := 0
	for epoch := uint64(0); epoch < 8; epoch++ {
		key := ""
		for _, m := range r.ActiveSubset(epoch) {
			key += m.String()
		}
		if !seen[key] {
			seen[key] = true
			distinct++
		}
	}
	assert.Greater(t, distinct, 1, "The active subset should change across epochs")
}

func TestRotation_Epoch(t *testing.T) {
	roster, _ := testRoster(t, 3)
	start := time.Now()
	r, err := NewRotation(Config{SubsetSize: 2, EpochInterval: 10 * time.Second}, roster, start, nil)
	require.NoError(t, err, "NewRotation should succeed")

	assert.Equal(t, uint64(0), r.Epoch(start), "Start marks epoch 0")
	assert.Equal(t, uint64(0), r.Epoch(start.Add(9*time.Second)), "Within the first interval is still epoch 0")
	assert.Equal(t, uint64(2), r.Epoch(start.Add(25*time.Second)), "Epochs advance with elapsed intervals")
}

func TestRotation_RecordAndAnomaly(t *testing.T) {
	roster, signers := testRoster(t, 4)
	r, err := NewRotation(Config{
		SubsetSize:    4,
		EpochInterval: 10 * time.Second,
		Seed:          interfaces.HashOf([]byte("seed")),
	}, roster, time.Now(), nil)
	require.NoError(t, err, "NewRotation should succeed")

	root := interfaces.HashOf([]byte("agreed-root"))
	ctx := context.Background()

	honest := NewLocalAttestor(signers[0], nil)
	att, err := honest.Attest(ctx, root, 1)
	require.NoError(t, err, "Attest should succeed")
	require.NoError(t, r.Record(att, root, 1), "Matching attestation should record cleanly")
	assert.Empty(t, r.Anomalies(), "Agreement should produce no anomaly")

	// A validator attesting to a different root is evidence, not an error.
	divergent := NewLocalAttestor(signers[1], nil)
	bad, err := divergent.Attest(ctx, interfaces.HashOf([]byte("forked-root")), 1)
	require.NoError(t, err, "Attest should succeed")
	require.NoError(t, r.Record(bad, root, 1), "Divergent attestation should still be kept as evidence")

	anomalies := r.Anomalies()
	require.Len(t, anomalies, 1, "Root divergence should be reported exactly once")
	assert.Equal(t, signers[1].MemberID(), anomalies[0].Validator, "Report should name the divergent validator")
	assert.Equal(t, root, anomalies[0].ExpectedRoot, "Report should carry the expected root")
	assert.Len(t, r.Attestations(1), 2, "Both attestations should be retained")

	err = r.Record(att, root, 2)
	assert.Error(t, err, "An attestation for the wrong epoch should be rejected")
}

func TestRotation_RecordNotActive(t *testing.T) {
	roster, _ := testRoster(t, 6)
	r, err := NewRotation(Config{
		SubsetSize:    2,
		EpochInterval: 10 * time.Second,
		Seed:          interfaces.HashOf([]byte("seed")),
	}, roster, time.Now(), nil)
	require.NoError(t, err, "NewRotation should succeed")

	active := r.ActiveSubset(0)
	var outsider interfaces.MemberID
	for _, m := range roster {
		if !m.Equal(active[0]) && !m.Equal(active[1]) {
			outsider = m
			break
		}
	}

	att := &Attestation{Validator: outsider, Epoch: 0, RootHash: interfaces.Hash{}}
	err = r.Record(att, interfaces.Hash{}, 0)
	assert.ErrorIs(t, err, ErrNotActive, "Attestations from outside the active subset should be rejected")
}

func TestRotation_CollectAttestations(t *testing.T) {
	roster, signers := testRoster(t, 4)
	r, err := NewRotation(Config{
		SubsetSize:    4,
		EpochInterval: 10 * time.Second,
		Seed:          interfaces.HashOf([]byte("seed")),
	}, roster, time.Now(), nil)
	require.NoError(t, err, "NewRotation should succeed")

	// Only three of four validators have a registered attestor.
	for _, s := range signers[:3] {
		r.RegisterAttestor(NewLocalAttestor(s, nil))
	}

	root := interfaces.HashOf([]byte("root"))
	collected := r.CollectAttestations(context.Background(), root, 0)
	assert.Len(t, collected, 3, "Collection should cover every registered active validator")

	verifier := cryptoutils.RecoveryVerifier{}
	for _, att := range collected {
		assert.True(t, VerifyAttestation(att, verifier), "Collected attestations should be signed by their validator")
		assert.Equal(t, root, att.RootHash, "Attestations should cover the requested root")
	}
}

func TestAttestation_Txo(t *testing.T) {
	signer, err := cryptoutils.GenerateSigner()
	require.NoError(t, err, "Failed to generate signer")

	att, err := NewLocalAttestor(signer, nil).Attest(context.Background(), interfaces.HashOf([]byte("root")), 3)
	require.NoError(t, err, "Attest should succeed")

	obj, err := att.Txo(time.Now())
	require.NoError(t, err, "Txo should succeed")
	assert.Equal(t, txo.KindWatchdogAttestation, obj.Kind, "Attestation object should carry the watchdog kind")

	var decoded Attestation
	require.NoError(t, txo.UnmarshalPayload(obj.Payload, &decoded), "Attestation payload should decode")
	assert.Equal(t, att.Validator, decoded.Validator, "Validator identity should round-trip")
	assert.Equal(t, uint64(3), decoded.Epoch, "Epoch should round-trip")
}

func TestStaticRoster_Resolve(t *testing.T) {
	roster, _ := testRoster(t, 3)
	entries := make([]RosterEntry, len(roster))
	for i, m := range roster {
		entries[i] = RosterEntry{Member: m, Endpoint: "http://validator:8080"}
	}

	resolved, err := StaticRoster(entries).Resolve()
	require.NoError(t, err, "Static roster should resolve")
	assert.Len(t, resolved, 3, "All entries should be returned")
}
