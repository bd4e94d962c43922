package outcome

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/veilcompute/ephemeral-session-backend/cryptoutils"
	"github.com/veilcompute/ephemeral-session-backend/interfaces"
	"github.com/veilcompute/ephemeral-session-backend/txo"
)

func testMembers(t *testing.T, n int) ([]interfaces.MemberID, []*cryptoutils.Secp256k1Signer) {
	t.Helper()
	members := make([]interfaces.MemberID, n)
	signers := make([]*cryptoutils.Secp256k1Signer, n)
	for i := range members {
		s, err := cryptoutils.GenerateSigner()
		require.NoError(t, err, "Failed to generate member signer")
		signers[i] = s
		members[i] = s.MemberID()
	}
	return members, signers
}

func TestCommitter_SealWithQuorum(t *testing.T) {
	members, signers := testMembers(t, 5)
	session := interfaces.SessionID(interfaces.HashOf([]byte("session")))

	c, err := NewCommitter(session, members, 0.67, cryptoutils.RecoveryVerifier{}, nil)
	require.NoError(t, err, "NewCommitter should succeed")
	assert.Equal(t, 4, c.Threshold(), "ceil(0.67 * 5) endorsements should be required")

	payload := []byte(`{"result":"ok"}`)
	execHash := interfaces.HashOf([]byte("execution-trace"))
	commitment, err := c.Commit(payload, execHash)
	require.NoError(t, err, "Commit should succeed")
	assert.False(t, commitment.IsZero(), "Commitment should be non-zero")

	ts := time.Now()
	msg := SigningMessage(commitment, execHash, ts)
	for _, s := range signers[:4] {
		sig, err := s.Sign(msg)
		require.NoError(t, err, "Failed to sign commitment")
		require.NoError(t, c.AddSignature(s.MemberID(), sig, ts), "AddSignature should succeed")
	}
	assert.Equal(t, 4, c.SignatureCount(), "All four endorsements should be counted")

	out, obj, err := c.Seal(ts)
	require.NoError(t, err, "Seal should succeed at quorum")
	assert.Equal(t, commitment, out.Commitment, "Sealed outcome should carry the commitment")
	assert.Equal(t, payload, out.Payload, "Sealed outcome should carry the payload")
	assert.Equal(t, txo.KindOutcome, obj.Kind, "Outcome object should carry the outcome kind")

	assert.True(t, VerifyReveal(out.Commitment, out.Payload, out.Salt),
		"The revealed payload and salt should verify against the commitment")
	assert.False(t, VerifyReveal(out.Commitment, []byte("forged"), out.Salt),
		"A different payload must not verify")

	_, _, err = c.Seal(ts)
	assert.ErrorIs(t, err, ErrAlreadySealed, "Sealing twice should be rejected")
}

func TestCommitter_InsufficientSignatures(t *testing.T) {
	members, signers := testMembers(t, 9)
	session := interfaces.SessionID(interfaces.HashOf([]byte("session")))

	c, err := NewCommitter(session, members, 0.67, cryptoutils.RecoveryVerifier{}, nil)
	require.NoError(t, err, "NewCommitter should succeed")
	require.Equal(t, 7, c.Threshold(), "ceil(0.67 * 9) endorsements should be required")

	commitment, err := c.Commit([]byte("result"), interfaces.HashOf([]byte("exec")))
	require.NoError(t, err, "Commit should succeed")

	ts := time.Now()
	msg := SigningMessage(commitment, interfaces.HashOf([]byte("exec")), ts)
	for _, s := range signers[:5] {
		sig, err := s.Sign(msg)
		require.NoError(t, err, "Failed to sign commitment")
		require.NoError(t, c.AddSignature(s.MemberID(), sig, ts), "AddSignature should succeed")
	}

	_, _, err = c.Seal(ts)
	assert.ErrorIs(t, err, interfaces.ErrCommitmentFailure,
		"Sealing below the reveal quorum must fail as a commitment failure")
	assert.ErrorContains(t, err, "5 of 7", "The failure should report the signature shortfall")
}

func TestCommitter_AddSignatureValidation(t *testing.T) {
	members, signers := testMembers(t, 3)
	c, err := NewCommitter(interfaces.SessionID{}, members, 0.67, cryptoutils.RecoveryVerifier{}, nil)
	require.NoError(t, err, "NewCommitter should succeed")

	commitment, err := c.Commit([]byte("x"), interfaces.Hash{})
	require.NoError(t, err, "Commit should succeed")

	ts := time.Now()
	msg := SigningMessage(commitment, interfaces.Hash{}, ts)

	outsider, err := cryptoutils.GenerateSigner()
	require.NoError(t, err, "Failed to generate outsider signer")
	sig, err := outsider.Sign(msg)
	require.NoError(t, err, "Failed to sign")
	err = c.AddSignature(outsider.MemberID(), sig, ts)
	assert.ErrorIs(t, err, ErrUnknownMember, "Non-members must not endorse")

	sig, err = signers[0].Sign([]byte("some other message"))
	require.NoError(t, err, "Failed to sign")
	err = c.AddSignature(signers[0].MemberID(), sig, ts)
	assert.Error(t, err, "A signature over the wrong message must be rejected")

	sig, err = signers[0].Sign(msg)
	require.NoError(t, err, "Failed to sign")
	require.NoError(t, c.AddSignature(signers[0].MemberID(), sig, ts), "Valid endorsement should be accepted")
	require.NoError(t, c.AddSignature(signers[0].MemberID(), sig, ts), "Duplicate endorsement is idempotent")
	assert.Equal(t, 1, c.SignatureCount(), "Duplicates must not inflate the count")
}

func TestCommitter_RecommitResetsSignatures(t *testing.T) {
	members, signers := testMembers(t, 2)
	c, err := NewCommitter(interfaces.SessionID{}, members, 1.0, cryptoutils.RecoveryVerifier{}, nil)
	require.NoError(t, err, "NewCommitter should succeed")

	commitment, err := c.Commit([]byte("first"), interfaces.Hash{})
	require.NoError(t, err, "Commit should succeed")

	ts := time.Now()
	sig, err := signers[0].Sign(SigningMessage(commitment, interfaces.Hash{}, ts))
	require.NoError(t, err, "Failed to sign")
	require.NoError(t, c.AddSignature(signers[0].MemberID(), sig, ts), "AddSignature should succeed")

	_, err = c.Commit([]byte("second"), interfaces.Hash{})
	require.NoError(t, err, "Recommit should succeed")
	assert.Zero(t, c.SignatureCount(), "Recommitting discards signatures over the old commitment")
}

func TestCommitter_Zeroize(t *testing.T) {
	members, _ := testMembers(t, 2)
	c, err := NewCommitter(interfaces.SessionID{}, members, 1.0, cryptoutils.RecoveryVerifier{}, nil)
	require.NoError(t, err, "NewCommitter should succeed")

	_, err = c.Commit([]byte("sensitive result"), interfaces.Hash{})
	require.NoError(t, err, "Commit should succeed")

	require.NoError(t, c.Zeroize(), "Zeroize should succeed")
	_, _, err = c.Seal(time.Now())
	assert.Error(t, err, "A zeroized committer must not seal")
}
