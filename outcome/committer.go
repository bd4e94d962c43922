// Package outcome commits a session's final result. The result payload is
// bound into a salted commitment so the outcome can be published without
// revealing it, and the commitment must gather signatures from a reveal
// quorum of session members before it is considered valid.
package outcome

import (
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/veilcompute/ephemeral-session-backend/cryptoutils"
	"github.com/veilcompute/ephemeral-session-backend/interfaces"
	"github.com/veilcompute/ephemeral-session-backend/txo"
)

const saltSize = 32

var (
	// ErrAlreadySealed is returned when signatures arrive after the
	// outcome was finalized.
	ErrAlreadySealed = errors.New("outcome is already sealed")

	// ErrUnknownMember rejects signatures from outside the session set.
	ErrUnknownMember = errors.New("signer is not a session member")
)

// Outcome is the caller-facing result of a committed session.
type Outcome struct {
	SessionID     interfaces.SessionID
	Commitment    interfaces.Hash
	ExecutionHash interfaces.Hash
	Salt          []byte
	Payload       []byte
	Signatures    []interfaces.MemberSignature
	CommittedAt   time.Time
}

// outcomeRecord is the ledger payload for a committed outcome. The payload
// itself never enters the ledger, only its commitment.
type outcomeRecord struct {
	SessionID     interfaces.Hash              `cbor:"1,keyasint"`
	Commitment    interfaces.Hash              `cbor:"2,keyasint"`
	ExecutionHash interfaces.Hash              `cbor:"3,keyasint"`
	Signatures    []interfaces.MemberSignature `cbor:"4,keyasint"`
}

// Committer gathers member signatures over a salted outcome commitment.
type Committer struct {
	session   interfaces.SessionID
	members   map[interfaces.MemberID]struct{}
	threshold int
	verifier  interfaces.SignatureVerifier
	log       *slog.Logger

	payload       []byte
	salt          []byte
	commitment    interfaces.Hash
	executionHash interfaces.Hash
	signatures    []interfaces.MemberSignature
	signedBy      map[interfaces.MemberID]struct{}
	sealed        bool
	committedAt   time.Time
}

// NewCommitter creates a committer for the session's member set. revealRatio
// is the fraction of members whose signatures are required, rounded up.
func NewCommitter(session interfaces.SessionID, members []interfaces.MemberID, revealRatio float64, verifier interfaces.SignatureVerifier, log *slog.Logger) (*Committer, error) {
	if len(members) == 0 {
		return nil, errors.New("no session members")
	}
	if revealRatio <= 0 || revealRatio > 1 {
		return nil, fmt.Errorf("reveal ratio %f out of range (0, 1]", revealRatio)
	}

	if log == nil {
		log = slog.Default()
	}

	set := make(map[interfaces.MemberID]struct{}, len(members))
	for _, m := range members {
		set[m] = struct{}{}
	}

	return &Committer{
		session:   session,
		members:   set,
		threshold: int(math.Ceil(revealRatio * float64(len(set)))),
		verifier:  verifier,
		log:       log,
		signedBy:  make(map[interfaces.MemberID]struct{}),
	}, nil
}

// Commit binds the result payload and execution hash into a fresh salted
// commitment. Calling Commit again replaces any unsealed commitment and
// discards signatures already gathered.
func (c *Committer) Commit(payload []byte, executionHash interfaces.Hash) (interfaces.Hash, error) {
	if c.sealed {
		return interfaces.Hash{}, ErrAlreadySealed
	}

	salt := make([]byte, saltSize)
	if _, err := rand.Read(salt); err != nil {
		return interfaces.Hash{}, fmt.Errorf("generating commitment salt: %w", err)
	}

	digest := sha256.Sum256(append(append([]byte{}, payload...), salt...))

	c.payload = append([]byte{}, payload...)
	c.salt = salt
	c.commitment = interfaces.Hash(digest)
	c.executionHash = executionHash
	c.signatures = nil
	c.signedBy = make(map[interfaces.MemberID]struct{})
	return c.commitment, nil
}

// SigningMessage builds the bytes a member signs to endorse a commitment.
// Members reconstruct it from the published commitment and execution hash.
func SigningMessage(commitment, executionHash interfaces.Hash, timestamp time.Time) []byte {
	msg := []byte("outcome/commit/")
	msg = append(msg, commitment.Bytes()...)
	msg = append(msg, executionHash.Bytes()...)
	msg = append(msg, []byte(fmt.Sprintf("/%d", timestamp.UnixMicro()))...)
	return msg
}

// SigningMessage returns the bytes members sign to endorse this committer's
// pending commitment.
func (c *Committer) SigningMessage(timestamp time.Time) []byte {
	return SigningMessage(c.commitment, c.executionHash, timestamp)
}

// AddSignature records one member's endorsement of the commitment. Duplicate
// endorsements from the same member are idempotent.
func (c *Committer) AddSignature(member interfaces.MemberID, sig []byte, timestamp time.Time) error {
	if c.sealed {
		return ErrAlreadySealed
	}
	if _, ok := c.members[member]; !ok {
		return ErrUnknownMember
	}
	if _, ok := c.signedBy[member]; ok {
		return nil
	}
	if !c.verifier.Verify(c.SigningMessage(timestamp), sig, member) {
		return fmt.Errorf("invalid outcome signature from %s", member)
	}

	c.signedBy[member] = struct{}{}
	c.signatures = append(c.signatures, interfaces.MemberSignature{
		Member:    member,
		Signature: append([]byte{}, sig...),
	})
	return nil
}

// SignatureCount returns how many valid endorsements have been gathered.
func (c *Committer) SignatureCount() int {
	return len(c.signatures)
}

// Threshold returns how many endorsements sealing requires.
func (c *Committer) Threshold() int {
	return c.threshold
}

// Seal finalizes the outcome once the reveal quorum is met, producing the
// outcome transaction object for the ledger. Without enough signatures it
// returns interfaces.ErrCommitmentFailure; the session result is then
// discarded but destruction must still proceed.
func (c *Committer) Seal(now time.Time) (*Outcome, *txo.TXO, error) {
	if c.sealed {
		return nil, nil, ErrAlreadySealed
	}
	if c.commitment.IsZero() {
		return nil, nil, errors.New("nothing committed")
	}
	if len(c.signatures) < c.threshold {
		return nil, nil, fmt.Errorf("%w: %d of %d required signatures",
			interfaces.ErrCommitmentFailure, len(c.signatures), c.threshold)
	}

	record := outcomeRecord{
		SessionID:     interfaces.Hash(c.session),
		Commitment:    c.commitment,
		ExecutionHash: c.executionHash,
		Signatures:    c.signatures,
	}
	payload, err := txo.MarshalPayload(&record)
	if err != nil {
		return nil, nil, err
	}
	outcomeTxo, err := txo.New(txo.KindOutcome, payload, nil, now)
	if err != nil {
		return nil, nil, err
	}

	c.sealed = true
	c.committedAt = now
	c.log.Info("outcome sealed",
		slog.String("commitment", c.commitment.String()),
		slog.Int("signatures", len(c.signatures)))

	return &Outcome{
		SessionID:     c.session,
		Commitment:    c.commitment,
		ExecutionHash: c.executionHash,
		Salt:          append([]byte{}, c.salt...),
		Payload:       append([]byte{}, c.payload...),
		Signatures:    c.signatures,
		CommittedAt:   now,
	}, outcomeTxo, nil
}

// VerifyReveal checks a revealed payload and salt against a commitment.
func VerifyReveal(commitment interfaces.Hash, payload, salt []byte) bool {
	digest := sha256.Sum256(append(append([]byte{}, payload...), salt...))
	return commitment.Equal(interfaces.Hash(digest))
}

// Zeroize wipes the buffered payload and salt.
func (c *Committer) Zeroize() error {
	cryptoutils.WipeBytes(c.payload)
	cryptoutils.WipeBytes(c.salt)
	if !cryptoutils.IsWiped(c.payload) || !cryptoutils.IsWiped(c.salt) {
		return interfaces.ErrZeroization
	}
	c.payload = nil
	c.salt = nil
	return nil
}
