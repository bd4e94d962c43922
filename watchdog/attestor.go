// Package watchdog maintains a rotating (nomadic) subset of independent
// validators that audit live execution and emit signed attestations over the
// ledger root.
package watchdog

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/veilcompute/ephemeral-session-backend/cryptoutils"
	"github.com/veilcompute/ephemeral-session-backend/interfaces"
	"github.com/veilcompute/ephemeral-session-backend/txo"
)

// Attestation is one validator's signed statement about the ledger root hash
// at a given epoch. Evidence optionally carries TEE platform proof for the
// validator's execution environment.
type Attestation struct {
	Validator interfaces.MemberID `cbor:"1,keyasint" json:"validator"`
	Epoch     uint64              `cbor:"2,keyasint" json:"epoch"`
	RootHash  interfaces.Hash     `cbor:"3,keyasint" json:"root_hash"`
	Timestamp int64               `cbor:"4,keyasint" json:"timestamp"`
	Signature []byte              `cbor:"5,keyasint" json:"signature"`
	Evidence  []byte              `cbor:"6,keyasint,omitempty" json:"evidence,omitempty"`
}

// attestationMessage is what a validator signs.
func attestationMessage(epoch uint64, root interfaces.Hash) []byte {
	msg := []byte(fmt.Sprintf("watchdog/attest/%d/", epoch))
	return append(msg, root.Bytes()...)
}

// VerifyAttestation checks an attestation's signature against the validator
// identity.
func VerifyAttestation(a *Attestation, verifier interfaces.SignatureVerifier) bool {
	return verifier.Verify(attestationMessage(a.Epoch, a.RootHash), a.Signature, a.Validator)
}

// Txo wraps an attestation in its audit transaction object.
func (a *Attestation) Txo(now time.Time) (*txo.TXO, error) {
	payload, err := txo.MarshalPayload(a)
	if err != nil {
		return nil, err
	}
	return txo.New(txo.KindWatchdogAttestation, payload, nil, now)
}

// Attestor is one watchdog validator's attestation capability.
type Attestor interface {
	// MemberID returns the validator identity attestations verify against.
	MemberID() interfaces.MemberID

	// Attest produces a signed attestation over the root hash for the
	// epoch.
	Attest(ctx context.Context, root interfaces.Hash, epoch uint64) (*Attestation, error)
}

// LocalAttestor signs attestations in-process, optionally attaching platform
// evidence from an attestation provider.
type LocalAttestor struct {
	signer   interfaces.Signer
	provider cryptoutils.AttestationProvider
}

// NewLocalAttestor creates an in-process attestor. provider may be nil when
// no platform evidence is attached.
func NewLocalAttestor(signer interfaces.Signer, provider cryptoutils.AttestationProvider) *LocalAttestor {
	return &LocalAttestor{signer: signer, provider: provider}
}

// MemberID implements Attestor.
func (l *LocalAttestor) MemberID() interfaces.MemberID {
	return l.signer.MemberID()
}

// Attest implements Attestor.
func (l *LocalAttestor) Attest(ctx context.Context, root interfaces.Hash, epoch uint64) (*Attestation, error) {
	sig, err := l.signer.Sign(attestationMessage(epoch, root))
	if err != nil {
		return nil, fmt.Errorf("failed to sign attestation: %w", err)
	}

	att := &Attestation{
		Validator: l.signer.MemberID(),
		Epoch:     epoch,
		RootHash:  root,
		Timestamp: time.Now().UnixMicro(),
		Signature: sig,
	}

	if l.provider != nil {
		var report [64]byte
		copy(report[:32], root.Bytes())
		copy(report[32:52], l.signer.MemberID().Bytes())
		evidence, err := l.provider.Attest(report)
		if err != nil {
			// Platform evidence is best-effort; the signature alone
			// still attests the root.
			evidence = nil
		}
		att.Evidence = evidence
	}

	return att, nil
}

// RemoteAttestor requests attestations from an external validator endpoint
// discovered through the roster.
type RemoteAttestor struct {
	member   interfaces.MemberID
	endpoint string
	client   *http.Client
}

// NewRemoteAttestor creates an attestor calling the given validator endpoint.
func NewRemoteAttestor(member interfaces.MemberID, endpoint string, timeout time.Duration) *RemoteAttestor {
	return &RemoteAttestor{
		member:   member,
		endpoint: endpoint,
		client:   &http.Client{Timeout: timeout},
	}
}

// MemberID implements Attestor.
func (r *RemoteAttestor) MemberID() interfaces.MemberID {
	return r.member
}

// Attest implements Attestor. The validator responds with a JSON attestation
// which is checked for epoch and root consistency before acceptance.
func (r *RemoteAttestor) Attest(ctx context.Context, root interfaces.Hash, epoch uint64) (*Attestation, error) {
	url := fmt.Sprintf("%s/attest/%d/%s", r.endpoint, epoch, root.String())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("calling validator %s: %w", r.endpoint, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("validator returned status %d: %s", resp.StatusCode, string(body))
	}

	var att Attestation
	if err := json.NewDecoder(resp.Body).Decode(&att); err != nil {
		return nil, fmt.Errorf("decoding attestation: %w", err)
	}

	if att.Epoch != epoch || !att.RootHash.Equal(root) {
		return nil, fmt.Errorf("validator attested wrong state: epoch %d root %s", att.Epoch, att.RootHash)
	}
	return &att, nil
}
