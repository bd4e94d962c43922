package quorum

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/veilcompute/ephemeral-session-backend/interfaces"
	"github.com/veilcompute/ephemeral-session-backend/txo"
)

func testMembers(n int) []interfaces.MemberID {
	members := make([]interfaces.MemberID, n)
	for i := range members {
		members[i][0] = byte(i + 1)
	}
	return members
}

func testConfig() Config {
	return Config{
		InitialThreshold: 0.67,
		DecayFloor:       0.51,
		DecayStep:        0.05,
		DecayInterval:    10 * time.Second,
		Timeout:          2 * time.Minute,
	}
}

func TestConvergence_SimpleConsensus(t *testing.T) {
	members := testMembers(5)
	started := time.Now()
	c, err := New(testConfig(), members, nil, nil, started, nil)
	require.NoError(t, err, "New should succeed")

	for i := 0; i < 3; i++ {
		require.NoError(t, c.SubmitVote(Vote{Member: members[i], Approve: true}),
			"Vote should be accepted")
	}
	assert.False(t, c.HasConsensus(), "3 of 5 is below 0.67")

	require.NoError(t, c.SubmitVote(Vote{Member: members[3], Approve: true}),
		"Vote should be accepted")
	assert.True(t, c.HasConsensus(), "4 of 5 meets 0.67")
}

func TestConvergence_RejectsBadVotes(t *testing.T) {
	members := testMembers(3)
	c, err := New(testConfig(), members, nil, nil, time.Now(), nil)
	require.NoError(t, err, "New should succeed")

	var outsider interfaces.MemberID
	outsider[0] = 0xff
	assert.ErrorIs(t, c.SubmitVote(Vote{Member: outsider, Approve: true}), ErrUnknownMember,
		"Votes from outside the quorum should be rejected")

	require.NoError(t, c.SubmitVote(Vote{Member: members[0], Approve: true}),
		"First vote should be accepted")
	assert.ErrorIs(t, c.SubmitVote(Vote{Member: members[0], Approve: false}), ErrDuplicateVote,
		"A member voting twice should be rejected")
}

// Ten members at 67%: six approvals reach consensus only after the threshold
// has decayed twice, and each decay step leaves a justification object.
func TestConvergence_ProgressiveDecay(t *testing.T) {
	members := testMembers(10)
	started := time.Now()
	c, err := New(testConfig(), members, nil, nil, started, nil)
	require.NoError(t, err, "New should succeed")

	for i := 0; i < 6; i++ {
		require.NoError(t, c.SubmitVote(Vote{Member: members[i], Approve: true}),
			"Vote should be accepted")
	}
	assert.False(t, c.HasConsensus(), "6 of 10 is below the initial 0.67 threshold")

	// First stalled interval: 0.67 -> 0.62.
	just1, err := c.DecayIfStalled(started.Add(10 * time.Second))
	require.NoError(t, err, "Decay should succeed")
	require.NotNil(t, just1, "First stalled interval should take a decay step")
	assert.Equal(t, txo.KindDecayJustification, just1.Kind, "Step should be justified on the ledger")
	assert.InDelta(t, 0.62, c.Threshold(), 1e-9, "Threshold should decay by one step")
	assert.False(t, c.HasConsensus(), "0.6 approval is still below 0.62")

	// Second stalled interval: 0.62 -> 0.57.
	just2, err := c.DecayIfStalled(started.Add(20 * time.Second))
	require.NoError(t, err, "Decay should succeed")
	require.NotNil(t, just2, "Second stalled interval should take a decay step")
	assert.InDelta(t, 0.57, c.Threshold(), 1e-9, "Threshold should decay again")

	assert.True(t, c.HasConsensus(), "0.6 approval meets the decayed 0.57 threshold")
	assert.Equal(t, 2, c.DecaySteps(), "Exactly two decay justifications should exist")

	var just DecayJustification
	require.NoError(t, txo.UnmarshalPayload(just2.Payload, &just), "Justification should decode")
	assert.InDelta(t, 0.62, just.OldThreshold, 1e-9, "Justification should record the old threshold")
	assert.InDelta(t, 0.57, just.NewThreshold, 1e-9, "Justification should record the new threshold")

	// Consensus reached: no further decay.
	just3, err := c.DecayIfStalled(started.Add(30 * time.Second))
	require.NoError(t, err, "Decay check should succeed")
	assert.Nil(t, just3, "No decay once consensus holds")
}

func TestConvergence_FloorAbort(t *testing.T) {
	cfg := testConfig()
	cfg.InitialThreshold = 0.56
	members := testMembers(10)
	started := time.Now()
	c, err := New(cfg, members, nil, nil, started, nil)
	require.NoError(t, err, "New should succeed")

	// One decay step clamps at the floor.
	just, err := c.DecayIfStalled(started.Add(10 * time.Second))
	require.NoError(t, err, "Decay should succeed")
	require.NotNil(t, just, "Stalled interval should decay")
	assert.InDelta(t, cfg.DecayFloor, c.Threshold(), 1e-9, "Threshold should clamp at the floor")

	// Floor plus a further stalled interval aborts.
	event, abort, err := c.AbortCheck(started.Add(15 * time.Second))
	require.NoError(t, err, "Abort check should succeed")
	assert.False(t, abort, "Abort requires a full interval at the floor")
	assert.Nil(t, event, "No event before the abort condition holds")

	event, abort, err = c.AbortCheck(started.Add(21 * time.Second))
	require.NoError(t, err, "Abort check should succeed")
	require.True(t, abort, "Floor without consensus should abort")
	require.NotNil(t, event, "Abort should be documented")
	assert.Equal(t, txo.KindCensorshipEvent, event.Kind, "Abort emits a censorship event")

	var ce CensorshipEvent
	require.NoError(t, txo.UnmarshalPayload(event.Payload, &ce), "Event should decode")
	assert.Equal(t, "decay floor reached without consensus", ce.Reason, "Reason should name the floor")
}

func TestConvergence_TimeoutAbort(t *testing.T) {
	members := testMembers(4)
	started := time.Now()
	c, err := New(testConfig(), members, nil, nil, started, nil)
	require.NoError(t, err, "New should succeed")

	_, abort, err := c.AbortCheck(started.Add(time.Minute))
	require.NoError(t, err, "Abort check should succeed")
	assert.False(t, abort, "No abort before the timeout")

	event, abort, err := c.AbortCheck(started.Add(3 * time.Minute))
	require.NoError(t, err, "Abort check should succeed")
	require.True(t, abort, "Timeout should abort")

	var ce CensorshipEvent
	require.NoError(t, txo.UnmarshalPayload(event.Payload, &ce), "Event should decode")
	assert.Equal(t, "convergence timeout", ce.Reason, "Reason should name the timeout")
}

func TestConvergence_ByzantineArithmetic(t *testing.T) {
	assert.Equal(t, 4, ByzantineQuorumSize(1), "f=1 needs 4 members")
	assert.Equal(t, 10, ByzantineQuorumSize(3), "f=3 needs 10 members")
	assert.Equal(t, 1, FaultTolerance(4), "4 members tolerate 1 fault")
	assert.Equal(t, 3, FaultTolerance(10), "10 members tolerate 3 faults")
	assert.Equal(t, 0, FaultTolerance(0), "Degenerate size tolerates nothing")
}
