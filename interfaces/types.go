// Package interfaces defines the core types and capability interfaces shared by
// the ephemeral session subsystem. It provides the contract between components
// without implementation details.
package interfaces

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

// Hash is a 32-byte digest used for content addressing, ledger chaining and
// commitments throughout the session protocol.
type Hash [32]byte

// NewHashFromBytes creates a hash from a raw 32-byte slice.
func NewHashFromBytes(b []byte) (Hash, error) {
	if len(b) != 32 {
		return Hash{}, errors.New("invalid hash length: must be 32 bytes")
	}

	var h Hash
	copy(h[:], b)
	return h, nil
}

// NewHashFromHex creates a hash from a 64-character hex string.
func NewHashFromHex(s string) (Hash, error) {
	clean := strings.TrimPrefix(s, "0x")
	if len(clean) != 64 {
		return Hash{}, errors.New("invalid hash length: hex string must be 64 characters")
	}

	raw, err := hex.DecodeString(clean)
	if err != nil {
		return Hash{}, fmt.Errorf("invalid hex format: %w", err)
	}

	return NewHashFromBytes(raw)
}

// HashOf computes the digest of the concatenation of the given byte slices.
func HashOf(parts ...[]byte) Hash {
	h := sha256.New()
	for _, p := range parts {
		h.Write(p)
	}

	var out Hash
	copy(out[:], h.Sum(nil))
	return out
}

// String returns the hex string representation of the hash.
func (h Hash) String() string {
	return hex.EncodeToString(h[:])
}

// Bytes returns the raw 32-byte digest.
func (h Hash) Bytes() []byte {
	return h[:]
}

// Equal compares two hashes for equality.
func (h Hash) Equal(other Hash) bool {
	return h == other
}

// IsZero reports whether the hash is the all-zero value.
func (h Hash) IsZero() bool {
	return h == Hash{}
}

// MemberID identifies a session member, proxy or watchdog validator. It is the
// 20-byte address derived from the member's secp256k1 public key.
type MemberID [20]byte

// NewMemberIDFromBytes creates a member ID from a raw 20-byte slice.
func NewMemberIDFromBytes(b []byte) (MemberID, error) {
	if len(b) != 20 {
		return MemberID{}, errors.New("invalid member id length: must be 20 bytes")
	}

	var id MemberID
	copy(id[:], b)
	return id, nil
}

// NewMemberIDFromHex creates a member ID from a 40-character hex string.
func NewMemberIDFromHex(s string) (MemberID, error) {
	clean := strings.TrimPrefix(s, "0x")
	if len(clean) != 40 {
		return MemberID{}, errors.New("invalid member id length: hex string must be 40 characters")
	}

	raw, err := hex.DecodeString(clean)
	if err != nil {
		return MemberID{}, fmt.Errorf("invalid hex format: %w", err)
	}

	return NewMemberIDFromBytes(raw)
}

// String returns the hex string representation of the member ID.
func (id MemberID) String() string {
	return hex.EncodeToString(id[:])
}

// Bytes returns the raw 20-byte identifier.
func (id MemberID) Bytes() []byte {
	return id[:]
}

// Equal compares two member IDs for equality.
func (id MemberID) Equal(other MemberID) bool {
	return id == other
}

// SessionID identifies one ephemeral session. It binds key commitments, canary
// chains and watchdog rotation seeds to a single session lifetime.
type SessionID Hash

// String returns the hex string representation of the session ID.
func (id SessionID) String() string {
	return Hash(id).String()
}

// MemberSignature pairs a member identity with a signature it produced.
type MemberSignature struct {
	Member    MemberID `cbor:"1,keyasint" json:"member"`
	Signature []byte   `cbor:"2,keyasint" json:"signature"`
}

// Signer produces signatures on behalf of one member. Implementations hold the
// member's private key; the orchestrator only ever sees the interface.
type Signer interface {
	// MemberID returns the identity the signatures verify against.
	MemberID() MemberID

	// Sign signs an arbitrary message. The digest scheme is implementation
	// defined but must match the paired verifier.
	Sign(message []byte) ([]byte, error)
}

// SignatureVerifier checks that a signature over a message was produced by the
// claimed member.
type SignatureVerifier interface {
	Verify(message, signature []byte, member MemberID) bool
}

// ProofBackend is the pluggable zero-knowledge capability consumed by the
// compliance attestor. A production proof system is substituted without
// touching orchestration logic.
type ProofBackend interface {
	// Prove produces an opaque proof that the operation described by the
	// private inputs satisfies the named policy. Private inputs are never
	// embedded in the returned proof.
	Prove(ctx context.Context, policyID string, privateInputs, publicInputs []byte) ([]byte, error)

	// Verify checks a proof against the policy and public inputs alone.
	Verify(ctx context.Context, policyID string, proof, publicInputs []byte) (bool, error)
}

// Broadcaster delivers probe and attestation records to external observers.
// Retransmission and network semantics are the backend's concern.
type Broadcaster interface {
	// Publish delivers one record of the given kind, keyed by its content ID.
	Publish(ctx context.Context, kind string, id Hash, data []byte) error

	// LocationURI returns the backend's identifying URI.
	LocationURI() string

	// Available reports whether the backend is currently reachable.
	Available(ctx context.Context) bool
}

// Zeroizer is implemented by every structure holding sensitive session state.
// Zeroize scrubs the memory and verifies the scrub before returning; a non-nil
// error is a zeroization failure and must be treated as fatal by the caller.
type Zeroizer interface {
	Zeroize() error
}
