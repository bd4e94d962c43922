package compliance

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

func TestAttestor_ProveVerify(t *testing.T) {
	a := NewAttestor(MockBackend{}, nil)
	ctx := context.Background()
	opID := interfaces.HashOf([]byte("operation"))

	proof, obj, err := a.Prove(ctx, "policy/no-exfiltration", opID,
		[]byte("private witness"), []byte("public inputs"), time.Now())
	require.NoError(t, err, "Prove should succeed")

	assert.Equal(t, "policy/no-exfiltration", proof.PolicyID, "Proof should name its policy")
	assert.Equal(t, opID, proof.OperationID, "Proof should bind the attested operation")
	assert.NotContains(t, string(proof.ProofBytes), "private witness",
		"Private inputs must never appear in the proof")

	require.NotNil(t, obj, "Prove must produce an audit object")
	assert.Equal(t, txo.KindComplianceAttestation, obj.Kind, "Audit object should carry the attestation kind")
	require.Len(t, obj.Predecessors, 1, "Attestation should be provenance-linked")
	assert.Equal(t, opID, obj.Predecessors[0], "Attestation should link to the attested operation")

	ok, err := a.Verify(ctx, proof)
	require.NoError(t, err, "Verify should succeed")
	assert.True(t, ok, "A freshly generated proof should verify")

	bogus := *proof
	bogus.ProofBytes = []byte("short")
	ok, err = a.Verify(ctx, &bogus)
	require.NoError(t, err, "Verify should not error on malformed proofs")
	assert.False(t, ok, "A malformed proof must not verify")
}

func TestAttestor_Zeroize(t *testing.T) {
	a := NewAttestor(MockBackend{}, nil)
	ctx := context.Background()

	proof, _, err := a.Prove(ctx, "policy/x", interfaces.HashOf([]byte("op")),
		[]byte("w"), []byte("p"), time.Now())
	require.NoError(t, err, "Prove should succeed")
	assert.Equal(t, 1, a.CacheSize(), "Generated proof should be cached")

	held := proof.ProofBytes
	require.NoError(t, a.Zeroize(), "Zeroize should succeed")
	assert.Zero(t, a.CacheSize(), "Cache should be empty after zeroize")
	assert.True(t, cryptoutils.IsWiped(held), "Cached proof bytes should be scrubbed")
}
