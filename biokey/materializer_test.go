package biokey

import (
	"crypto/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/veilcompute/ephemeral-session-backend/interfaces"
)

func testSecret(t *testing.T) []byte {
	t.Helper()
	secret := make([]byte, 32)
	_, err := rand.Read(secret)
	require.NoError(t, err, "Failed to generate test secret")
	return secret
}

func TestMaterializer_SplitReconstruct(t *testing.T) {
	secret := testSecret(t)

	shares, err := Split(secret, 5, 3)
	require.NoError(t, err, "Split should succeed with valid parameters")
	assert.Len(t, shares, 5, "Should produce 5 shares")

	// Any 3-share subset reconstructs the same key.
	subsets := [][]Share{
		{shares[0], shares[1], shares[2]},
		{shares[4], shares[2], shares[0]},
		{shares[1], shares[3], shares[4]},
	}
	var keys [][]byte
	for i, subset := range subsets {
		m, err := NewMaterializer(3, 5)
		require.NoError(t, err, "NewMaterializer should succeed")
		material, err := m.Reconstruct(subset)
		require.NoError(t, err, "Subset %d should reconstruct", i)

		derived, err := material.DeriveKey("test", 32)
		require.NoError(t, err, "DeriveKey should succeed")
		keys = append(keys, derived)
	}
	assert.Equal(t, keys[0], keys[1], "Different subsets should yield the same key")
	assert.Equal(t, keys[0], keys[2], "Different subsets should yield the same key")
}

func TestMaterializer_InsufficientShares(t *testing.T) {
	secret := testSecret(t)
	shares, err := Split(secret, 5, 3)
	require.NoError(t, err, "Split should succeed")

	m, err := NewMaterializer(3, 5)
	require.NoError(t, err, "NewMaterializer should succeed")

	_, err = m.Reconstruct(shares[:2])
	assert.ErrorIs(t, err, interfaces.ErrInsufficientShares,
		"Reconstruction below threshold should fail with the sentinel")
}

func TestMaterializer_InvalidParameters(t *testing.T) {
	_, err := NewMaterializer(1, 5)
	assert.Error(t, err, "Threshold below 2 should be rejected")

	_, err = NewMaterializer(6, 5)
	assert.Error(t, err, "Threshold above total should be rejected")

	_, err = Split(make([]byte, 16), 5, 3)
	assert.Error(t, err, "Short secrets should be rejected")
}

func TestMaterial_SessionBinding(t *testing.T) {
	material := NewMaterialForTesting(testSecret(t))

	var a, b interfaces.SessionID
	a[0], b[0] = 1, 2

	commitA, err := material.Commitment(a)
	require.NoError(t, err, "Commitment should succeed")
	commitA2, err := material.Commitment(a)
	require.NoError(t, err, "Commitment should succeed")
	commitB, err := material.Commitment(b)
	require.NoError(t, err, "Commitment should succeed")

	assert.Equal(t, commitA, commitA2, "Binding should be deterministic per session")
	assert.NotEqual(t, commitA, commitB, "Different sessions should produce different bindings")
}

func TestMaterial_DeriveKeyDomains(t *testing.T) {
	material := NewMaterialForTesting(testSecret(t))

	k1, err := material.DeriveKey("snapshot-aead", 32)
	require.NoError(t, err, "DeriveKey should succeed")
	k2, err := material.DeriveKey("transport", 32)
	require.NoError(t, err, "DeriveKey should succeed")
	assert.NotEqual(t, k1, k2, "Different labels should derive different keys")
	assert.Len(t, k1, 32, "Derived key should have the requested length")
}

func TestMaterial_Zeroize(t *testing.T) {
	material := NewMaterialForTesting(testSecret(t))
	require.False(t, material.Zeroized(), "Fresh material should not be zeroized")

	// Hold the backing array to inspect the scrub after release.
	key := material.key

	require.NoError(t, material.Zeroize(), "Zeroize should succeed")
	assert.True(t, material.Zeroized(), "Material should report zeroized")

	// Zero-fill inspection: the key bytes themselves are scrubbed.
	for i, b := range key {
		assert.Zero(t, b, "Key byte %d should be zero after scrub", i)
	}

	_, err := material.DeriveKey("test", 32)
	assert.Error(t, err, "Derivation after zeroization should fail")

	_, err = material.Commitment(interfaces.SessionID{})
	assert.Error(t, err, "Binding after zeroization should fail")
}
