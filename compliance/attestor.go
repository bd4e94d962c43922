// Package compliance produces and verifies zero-knowledge attestations that
// an operation satisfies a named policy, without revealing the operation's
// private inputs. The proof system itself is a pluggable capability behind
// interfaces.ProofBackend.
package compliance

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/veilcompute/ephemeral-session-backend/cryptoutils"
	"github.com/veilcompute/ephemeral-session-backend/interfaces"
	"github.com/veilcompute/ephemeral-session-backend/txo"
)

// Proof is one compliance attestation: opaque proof bytes bound to a policy
// and its public inputs. Private inputs are never embedded.
type Proof struct {
	PolicyID     string          `cbor:"1,keyasint"`
	PublicInputs []byte          `cbor:"2,keyasint"`
	ProofBytes   []byte          `cbor:"3,keyasint"`
	OperationID  interfaces.Hash `cbor:"4,keyasint"`
	CreatedAt    int64           `cbor:"5,keyasint"`
}

// Attestor wraps a proof backend with caching and audit-object production.
// Proof generation failures are non-fatal to the session but block the
// specific operation requiring attestation.
type Attestor struct {
	mu      sync.Mutex
	backend interfaces.ProofBackend
	log     *slog.Logger
	cache   map[interfaces.Hash]*Proof
}

// NewAttestor creates an attestor over the given backend.
func NewAttestor(backend interfaces.ProofBackend, log *slog.Logger) *Attestor {
	if log == nil {
		log = slog.Default()
	}
	return &Attestor{
		backend: backend,
		log:     log,
		cache:   make(map[interfaces.Hash]*Proof),
	}
}

// Prove generates a compliance proof for the operation and returns both the
// proof and its audit transaction object, provenance-linked to the operation.
func (a *Attestor) Prove(ctx context.Context, policyID string, operationID interfaces.Hash, privateInputs, publicInputs []byte, now time.Time) (*Proof, *txo.TXO, error) {
	raw, err := a.backend.Prove(ctx, policyID, privateInputs, publicInputs)
	if err != nil {
		return nil, nil, fmt.Errorf("proof generation for policy %q: %w", policyID, err)
	}

	proof := &Proof{
		PolicyID:     policyID,
		PublicInputs: append([]byte(nil), publicInputs...),
		ProofBytes:   raw,
		OperationID:  operationID,
		CreatedAt:    now.UnixMicro(),
	}

	payload, err := txo.MarshalPayload(proof)
	if err != nil {
		return nil, nil, err
	}
	t, err := txo.New(txo.KindComplianceAttestation, payload, []interfaces.Hash{operationID}, now)
	if err != nil {
		return nil, nil, err
	}

	a.mu.Lock()
	a.cache[t.ID] = proof
	a.mu.Unlock()

	a.log.Debug("Compliance proof generated",
		slog.String("policyID", policyID),
		slog.String("operation", operationID.String()))
	return proof, t, nil
}

// Verify checks a proof against its policy and public inputs alone.
func (a *Attestor) Verify(ctx context.Context, proof *Proof) (bool, error) {
	return a.backend.Verify(ctx, proof.PolicyID, proof.ProofBytes, proof.PublicInputs)
}

// CacheSize returns the number of cached proofs.
func (a *Attestor) CacheSize() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.cache)
}

// Zeroize scrubs the proof cache, verifying the scrub of every proof.
func (a *Attestor) Zeroize() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	for id, p := range a.cache {
		cryptoutils.WipeBytes(p.ProofBytes)
		cryptoutils.WipeBytes(p.PublicInputs)
		if !cryptoutils.IsWiped(p.ProofBytes) {
			return fmt.Errorf("%w: compliance proof %s", interfaces.ErrZeroization, id)
		}
		delete(a.cache, id)
	}
	return nil
}

// mockProofDomain separates mock proofs from anything a real backend emits.
var mockProofDomain = []byte("compliance/mock-proof/v1")

// MockBackend is a stand-in proof backend for development and tests. The
// "proof" is an HMAC over the public inputs keyed by a digest of the private
// inputs: verifiable only structurally, with no zero-knowledge property.
// A production proof system replaces it behind interfaces.ProofBackend.
type MockBackend struct{}

// Prove implements interfaces.ProofBackend.
func (MockBackend) Prove(ctx context.Context, policyID string, privateInputs, publicInputs []byte) ([]byte, error) {
	witness := sha256.Sum256(privateInputs)
	mac := hmac.New(sha256.New, witness[:])
	mac.Write(mockProofDomain)
	mac.Write([]byte(policyID))
	mac.Write(publicInputs)
	return append(append([]byte(nil), mockProofDomain...), mac.Sum(nil)...), nil
}

// Verify implements interfaces.ProofBackend. Without the private witness the
// mock can only check proof structure.
func (MockBackend) Verify(ctx context.Context, policyID string, proof, publicInputs []byte) (bool, error) {
	if len(proof) != len(mockProofDomain)+sha256.Size {
		return false, nil
	}
	return hmac.Equal(proof[:len(mockProofDomain)], mockProofDomain), nil
}
