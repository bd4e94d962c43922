// Package quorum implements convergence: weighted vote collection with
// progressive, auditable threshold decay and censorship detection.
package quorum

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/veilcompute/ephemeral-session-backend/interfaces"
	"github.com/veilcompute/ephemeral-session-backend/txo"
)

var (
	// ErrUnknownMember is returned for votes from members outside the
	// configured quorum.
	ErrUnknownMember = errors.New("vote from unknown member")

	// ErrDuplicateVote is returned when a member votes twice.
	ErrDuplicateVote = errors.New("member already voted")
)

// Config parameterizes convergence.
type Config struct {
	// InitialThreshold is the starting consensus threshold as a fraction
	// of total member weight, e.g. 0.67.
	InitialThreshold float64

	// DecayFloor is the minimum threshold decay may reach.
	DecayFloor float64

	// DecayStep is subtracted from the threshold each stalled interval.
	DecayStep float64

	// DecayInterval is how long convergence must stall before one decay
	// step is taken.
	DecayInterval time.Duration

	// Timeout is the absolute bound on convergence; reaching it emits a
	// censorship event and aborts the session.
	Timeout time.Duration
}

// Vote is one member's convergence vote.
type Vote struct {
	Member    interfaces.MemberID
	Approve   bool
	Signature []byte
}

// DecayJustification is the payload of the mandatory audit object emitted for
// every decay step, making threshold manipulation externally auditable.
type DecayJustification struct {
	OldThreshold float64 `cbor:"1,keyasint"`
	NewThreshold float64 `cbor:"2,keyasint"`
	ElapsedMs    int64   `cbor:"3,keyasint"`
	Signature    []byte  `cbor:"4,keyasint"`
}

// CensorshipEvent is the payload of the abort audit object emitted when the
// decay floor is reached without consensus or the absolute timeout elapses.
type CensorshipEvent struct {
	Reason        string  `cbor:"1,keyasint"`
	Threshold     float64 `cbor:"2,keyasint"`
	ApprovedRatio float64 `cbor:"3,keyasint"`
	ElapsedMs     int64   `cbor:"4,keyasint"`
}

// Convergence collects weighted votes until the current threshold is met.
// The threshold decays while convergence stalls, never below the floor, and
// every decay step emits a signed DecayJustification transaction object.
type Convergence struct {
	mu  sync.Mutex
	cfg Config
	log *slog.Logger

	weights   map[interfaces.MemberID]float64
	totalWt   float64
	votes     map[interfaces.MemberID]Vote
	verifier  interfaces.SignatureVerifier
	signer    interfaces.Signer
	threshold float64
	started   time.Time
	lastDecay time.Time
	decays    int
}

// New creates a convergence round over the given equally-weighted members.
func New(cfg Config, members []interfaces.MemberID, signer interfaces.Signer, verifier interfaces.SignatureVerifier, started time.Time, log *slog.Logger) (*Convergence, error) {
	if log == nil {
		log = slog.Default()
	}
	if len(members) == 0 {
		return nil, errors.New("quorum must have at least one member")
	}
	if cfg.InitialThreshold <= 0 || cfg.InitialThreshold > 1 {
		return nil, errors.New("initial threshold must be in (0, 1]")
	}
	if cfg.DecayFloor < 0 || cfg.DecayFloor > cfg.InitialThreshold {
		return nil, errors.New("decay floor must be in [0, initial threshold]")
	}

	weights := make(map[interfaces.MemberID]float64, len(members))
	for _, m := range members {
		weights[m] = 1
	}

	return &Convergence{
		cfg:       cfg,
		log:       log,
		weights:   weights,
		totalWt:   float64(len(weights)),
		votes:     make(map[interfaces.MemberID]Vote),
		signer:    signer,
		verifier:  verifier,
		threshold: cfg.InitialThreshold,
		started:   started,
		lastDecay: started,
	}, nil
}

// SetWeight overrides a member's voting weight before votes are collected.
func (c *Convergence) SetWeight(member interfaces.MemberID, weight float64) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	old, ok := c.weights[member]
	if !ok {
		return ErrUnknownMember
	}
	c.weights[member] = weight
	c.totalWt += weight - old
	return nil
}

// SubmitVote records one member's vote. Signed votes are verified against the
// member identity; a second vote from the same member is rejected.
func (c *Convergence) SubmitVote(v Vote) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.weights[v.Member]; !ok {
		return ErrUnknownMember
	}
	if _, ok := c.votes[v.Member]; ok {
		return ErrDuplicateVote
	}
	if len(v.Signature) > 0 && c.verifier != nil {
		msg := voteMessage(v.Member, v.Approve)
		if !c.verifier.Verify(msg, v.Signature, v.Member) {
			return errors.New("invalid vote signature")
		}
	}

	c.votes[v.Member] = v
	c.log.Debug("Vote recorded",
		slog.String("member", v.Member.String()),
		slog.Bool("approve", v.Approve))
	return nil
}

func voteMessage(member interfaces.MemberID, approve bool) []byte {
	msg := append([]byte("quorum/vote/"), member.Bytes()...)
	if approve {
		return append(msg, 0x01)
	}
	return append(msg, 0x00)
}

// SignVote produces the signature a member should attach to its vote.
func SignVote(signer interfaces.Signer, approve bool) ([]byte, error) {
	return signer.Sign(voteMessage(signer.MemberID(), approve))
}

// HasConsensus reports whether approving weight meets the current threshold
// of total member weight.
func (c *Convergence) HasConsensus() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.approvedLocked() >= c.threshold*c.totalWt
}

func (c *Convergence) approvedLocked() float64 {
	var approved float64
	for m, v := range c.votes {
		if v.Approve {
			approved += c.weights[m]
		}
	}
	return approved
}

// Threshold returns the current (possibly decayed) threshold.
func (c *Convergence) Threshold() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.threshold
}

// DecaySteps returns how many decay steps have been taken. Equals the number
// of DecayJustification objects emitted.
func (c *Convergence) DecaySteps() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.decays
}

// DecayIfStalled lowers the threshold by one step when consensus is absent
// and the decay interval has elapsed, clamped at the floor. Returns the
// mandatory signed DecayJustification object for the step, or nil when no
// step was taken.
func (c *Convergence) DecayIfStalled(now time.Time) (*txo.TXO, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.approvedLocked() >= c.threshold*c.totalWt {
		return nil, nil
	}
	if now.Sub(c.lastDecay) < c.cfg.DecayInterval {
		return nil, nil
	}
	if c.threshold <= c.cfg.DecayFloor {
		return nil, nil
	}

	old := c.threshold
	c.threshold -= c.cfg.DecayStep
	// Snap to the floor through float noise so floor detection is exact.
	if c.threshold-c.cfg.DecayFloor < 1e-9 {
		c.threshold = c.cfg.DecayFloor
	}
	c.lastDecay = now
	c.decays++

	just := DecayJustification{
		OldThreshold: old,
		NewThreshold: c.threshold,
		ElapsedMs:    now.Sub(c.started).Milliseconds(),
	}
	if c.signer != nil {
		msg := []byte(fmt.Sprintf("quorum/decay/%.4f/%.4f/%d", old, c.threshold, just.ElapsedMs))
		sig, err := c.signer.Sign(msg)
		if err != nil {
			return nil, fmt.Errorf("failed to sign decay justification: %w", err)
		}
		just.Signature = sig
	}

	payload, err := txo.MarshalPayload(just)
	if err != nil {
		return nil, err
	}

	c.log.Info("Quorum threshold decayed",
		slog.Float64("old", old),
		slog.Float64("new", c.threshold))

	return txo.New(txo.KindDecayJustification, payload, nil, now)
}

// AbortCheck reports whether convergence must abort: either the absolute
// timeout elapsed, or the floor was reached without consensus after a full
// further decay interval. Returns the CensorshipEvent object documenting the
// abort, emitted before any key material is ever reconstructed.
func (c *Convergence) AbortCheck(now time.Time) (*txo.TXO, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.approvedLocked() >= c.threshold*c.totalWt {
		return nil, false, nil
	}

	elapsed := now.Sub(c.started)
	atFloor := c.threshold <= c.cfg.DecayFloor && now.Sub(c.lastDecay) >= c.cfg.DecayInterval

	var reason string
	switch {
	case elapsed >= c.cfg.Timeout:
		reason = "convergence timeout"
	case atFloor:
		reason = "decay floor reached without consensus"
	default:
		return nil, false, nil
	}

	event := CensorshipEvent{
		Reason:        reason,
		Threshold:     c.threshold,
		ApprovedRatio: c.approvedLocked() / c.totalWt,
		ElapsedMs:     elapsed.Milliseconds(),
	}
	payload, err := txo.MarshalPayload(event)
	if err != nil {
		return nil, false, err
	}

	c.log.Warn("Quorum convergence aborting", slog.String("reason", reason))

	t, err := txo.New(txo.KindCensorshipEvent, payload, nil, now)
	if err != nil {
		return nil, false, err
	}
	return t, true, nil
}

// ByzantineQuorumSize returns the quorum size tolerating f faulty members in
// the 3f+1 model.
func ByzantineQuorumSize(f int) int {
	return 3*f + 1
}

// FaultTolerance returns the number of faulty members a quorum of size n
// tolerates, i.e. floor((n-1)/3).
func FaultTolerance(n int) int {
	if n <= 0 {
		return 0
	}
	return (n - 1) / 3
}
