// Package txo implements the TransactionObject, the atomic content-addressed
// record unit used throughout the session ledger and protocol.
package txo

import (
	"errors"
	"fmt"
	"time"

	"github.com/fxamacker/cbor/v2"

	"github.com/veilcompute/ephemeral-session-backend/interfaces"
)

// Kind tags the role a transaction object plays in the protocol.
type Kind string

const (
	KindInput                 Kind = "input"
	KindSessionBinding        Kind = "session-binding"
	KindCanaryProbe           Kind = "canary-probe"
	KindDecayJustification    Kind = "decay-justification"
	KindCensorshipEvent       Kind = "censorship-event"
	KindProxyApproval         Kind = "proxy-approval"
	KindComplianceAttestation Kind = "compliance-attestation"
	KindWatchdogAttestation   Kind = "watchdog-attestation"
	KindRollback              Kind = "rollback"
	KindOperationResult       Kind = "operation-result"
	KindOutcome               Kind = "outcome"
)

var (
	// ErrIDMismatch indicates a transaction object's identifier does not
	// match its recomputed content hash.
	ErrIDMismatch = errors.New("txo id does not match content hash")

	// ErrUnknownPredecessor is returned by the arena when a provenance
	// link cannot be resolved.
	ErrUnknownPredecessor = errors.New("unknown predecessor txo")
)

// encMode produces deterministic canonical CBOR so content identifiers are
// reproducible across implementations.
var encMode cbor.EncMode

func init() {
	var err error
	encMode, err = cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("txo: canonical cbor mode: %v", err))
	}
}

// body is the canonical encoding unit. The identifier is computed over this
// structure and is therefore never part of it.
type body struct {
	Kind         Kind              `cbor:"1,keyasint"`
	Timestamp    int64             `cbor:"2,keyasint"`
	Payload      []byte            `cbor:"3,keyasint"`
	Predecessors []interfaces.Hash `cbor:"4,keyasint,omitempty"`
}

// TXO is an immutable, content-addressed transaction object. The identifier
// is always recomputable from kind, timestamp, payload and predecessors.
// Predecessor links form a provenance DAG resolved through an Arena rather
// than live pointers.
type TXO struct {
	ID           interfaces.Hash
	Kind         Kind
	Timestamp    time.Time
	Payload      []byte
	Predecessors []interfaces.Hash
}

// New constructs a transaction object, computing its content identifier from
// the canonical CBOR encoding of the body.
func New(kind Kind, payload []byte, predecessors []interfaces.Hash, now time.Time) (*TXO, error) {
	t := &TXO{
		Kind:         kind,
		Timestamp:    now.UTC().Truncate(time.Microsecond),
		Payload:      append([]byte(nil), payload...),
		Predecessors: append([]interfaces.Hash(nil), predecessors...),
	}

	id, err := t.contentID()
	if err != nil {
		return nil, err
	}
	t.ID = id
	return t, nil
}

// MustNew is New for payloads built in-process where encoding cannot fail.
func MustNew(kind Kind, payload []byte, predecessors []interfaces.Hash, now time.Time) *TXO {
	t, err := New(kind, payload, predecessors, now)
	if err != nil {
		panic(err)
	}
	return t
}

func (t *TXO) contentID() (interfaces.Hash, error) {
	raw, err := encMode.Marshal(body{
		Kind:         t.Kind,
		Timestamp:    t.Timestamp.UnixMicro(),
		Payload:      t.Payload,
		Predecessors: t.Predecessors,
	})
	if err != nil {
		return interfaces.Hash{}, fmt.Errorf("failed to encode txo body: %w", err)
	}
	return interfaces.HashOf(raw), nil
}

// VerifyID recomputes the content identifier and checks it against the stored
// one. Any mutation of payload or provenance after construction is detected
// here.
func (t *TXO) VerifyID() error {
	id, err := t.contentID()
	if err != nil {
		return err
	}
	if !id.Equal(t.ID) {
		return ErrIDMismatch
	}
	return nil
}

// MarshalBinary encodes the full object (body plus identifier) in canonical
// CBOR for broadcast and snapshot serialization.
func (t *TXO) MarshalBinary() ([]byte, error) {
	return encMode.Marshal(struct {
		ID   interfaces.Hash `cbor:"0,keyasint"`
		Body body            `cbor:"1,keyasint"`
	}{
		ID: t.ID,
		Body: body{
			Kind:         t.Kind,
			Timestamp:    t.Timestamp.UnixMicro(),
			Payload:      t.Payload,
			Predecessors: t.Predecessors,
		},
	})
}

// UnmarshalBinary decodes an object encoded by MarshalBinary and verifies its
// identifier.
func (t *TXO) UnmarshalBinary(data []byte) error {
	var wire struct {
		ID   interfaces.Hash `cbor:"0,keyasint"`
		Body body            `cbor:"1,keyasint"`
	}
	if err := cbor.Unmarshal(data, &wire); err != nil {
		return fmt.Errorf("failed to decode txo: %w", err)
	}

	t.ID = wire.ID
	t.Kind = wire.Body.Kind
	t.Timestamp = time.UnixMicro(wire.Body.Timestamp).UTC()
	t.Payload = wire.Body.Payload
	t.Predecessors = wire.Body.Predecessors

	return t.VerifyID()
}

// MarshalPayload canonically encodes a typed payload structure for embedding
// in a transaction object.
func MarshalPayload(v any) ([]byte, error) {
	raw, err := encMode.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to encode payload: %w", err)
	}
	return raw, nil
}

// UnmarshalPayload decodes a typed payload structure from a transaction
// object's payload bytes.
func UnmarshalPayload(data []byte, v any) error {
	if err := cbor.Unmarshal(data, v); err != nil {
		return fmt.Errorf("failed to decode payload: %w", err)
	}
	return nil
}
