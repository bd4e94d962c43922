// Package biokey reconstructs the ephemeral session key from threshold secret
// shares. The key exists only in memory for the session's lifetime and is
// explicitly zeroized on destruction.
package biokey

import (
	"bytes"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/sha256"
	"crypto/x509"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/hashicorp/vault/shamir"
	"golang.org/x/crypto/hkdf"

	"github.com/veilcompute/ephemeral-session-backend/cryptoutils"
	"github.com/veilcompute/ephemeral-session-backend/interfaces"
)

// Share is one M-of-N secret share, optionally signed by its holder so the
// materializer can verify provenance before using it.
type Share struct {
	// Index is the share's position in the shamir split (0-based).
	Index int

	// Data is the raw share bytes as produced by Split.
	Data []byte

	// Signature, when present, is the holder's signature over the share.
	Signature []byte

	// HolderPubKey is the holder's public key in PEM format, required when
	// Signature is set.
	HolderPubKey []byte
}

// Materializer reconstructs the session key from threshold shares. Shares may
// be submitted incrementally with holder verification, or handed over in one
// call by a ShareSource. The reconstructed material never leaves memory and
// is never written to any persistent store or log; only a hash commitment of
// the session binding may be logged.
type Materializer struct {
	mu        sync.Mutex
	threshold int
	total     int

	holderKeys map[string][]byte // pubkey fingerprint -> PEM
	received   map[int][]byte
	material   *Material
}

// NewMaterializer creates a materializer requiring threshold valid shares out
// of total configured.
func NewMaterializer(threshold, total int) (*Materializer, error) {
	if threshold < 2 {
		return nil, errors.New("threshold must be at least 2")
	}
	if total < threshold {
		return nil, errors.New("total shares must be at least equal to threshold")
	}

	return &Materializer{
		threshold:  threshold,
		total:      total,
		holderKeys: make(map[string][]byte),
		received:   make(map[int][]byte),
	}, nil
}

// RegisterHolder registers a share holder's public key (PEM, ECDSA or
// ed25519). Only registered holders may submit signed shares.
func (m *Materializer) RegisterHolder(pubKeyPEM []byte) error {
	if _, err := parseHolderKey(pubKeyPEM); err != nil {
		return fmt.Errorf("invalid holder pubkey: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	fingerprint := sha256.Sum256(pubKeyPEM)
	m.holderKeys[hex.EncodeToString(fingerprint[:])] = pubKeyPEM
	return nil
}

// SubmitShare submits one share with holder verification. When the threshold
// number of valid shares has been received, the session key is reconstructed
// automatically and all buffered shares are wiped.
func (m *Materializer) SubmitShare(shareIndex int, share, signature, holderPubKeyPEM []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.material != nil {
		return errors.New("session key already materialized")
	}

	fingerprint := sha256.Sum256(holderPubKeyPEM)
	registered, found := m.holderKeys[hex.EncodeToString(fingerprint[:])]
	if !found {
		return errors.New("unregistered holder public key")
	}
	if !bytes.Equal(registered, holderPubKeyPEM) {
		return errors.New("holder pubkey does not match registered fingerprint")
	}

	if err := verifyShareSignature(share, signature, holderPubKeyPEM); err != nil {
		return err
	}

	m.received[shareIndex] = append([]byte(nil), share...)
	if len(m.received) < m.threshold {
		return nil
	}
	return m.reconstructLocked()
}

// Reconstruct combines the provided shares directly, requiring at least the
// configured threshold. Signed shares are verified against their embedded
// holder keys; unsigned shares are accepted as-is (the source vouches for
// them). Fails with interfaces.ErrInsufficientShares before any combination
// is attempted when too few valid shares are present.
func (m *Materializer) Reconstruct(shares []Share) (*Material, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.material != nil {
		return m.material, nil
	}

	valid := make([][]byte, 0, len(shares))
	for _, s := range shares {
		if len(s.Signature) > 0 {
			if err := verifyShareSignature(s.Data, s.Signature, s.HolderPubKey); err != nil {
				continue
			}
		}
		valid = append(valid, s.Data)
	}

	if len(valid) < m.threshold {
		return nil, fmt.Errorf("%w: have %d valid, need %d", interfaces.ErrInsufficientShares, len(valid), m.threshold)
	}

	key, err := shamir.Combine(valid[:m.threshold])
	if err != nil {
		return nil, fmt.Errorf("failed to combine shares: %w", err)
	}

	m.material = &Material{key: key}
	return m.material, nil
}

// Material returns the reconstructed key material, or an error while the
// materializer is still collecting shares.
func (m *Materializer) Material() (*Material, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.material == nil {
		return nil, fmt.Errorf("%w: key not yet materialized", interfaces.ErrInsufficientShares)
	}
	return m.material, nil
}

func (m *Materializer) reconstructLocked() error {
	shares := make([][]byte, 0, len(m.received))
	for _, s := range m.received {
		shares = append(shares, s)
	}

	key, err := shamir.Combine(shares)
	if err != nil {
		return fmt.Errorf("failed to reconstruct session key: %w", err)
	}
	m.material = &Material{key: key}

	for i := range m.received {
		cryptoutils.WipeBytes(m.received[i])
	}
	m.received = make(map[int][]byte)
	return nil
}

// Zeroize scrubs any buffered shares and any material already reconstructed.
// A session that aborts before its materialization stage may still have
// reconstructed the key here, so destruction always goes through this path.
func (m *Materializer) Zeroize() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for i := range m.received {
		cryptoutils.WipeBytes(m.received[i])
	}
	m.received = make(map[int][]byte)

	if m.material != nil {
		return m.material.Zeroize()
	}
	return nil
}

// Split divides a session master secret into total shares with the given
// reconstruction threshold. Used by the share-distribution collaborator and
// by tests; the secret should be wiped by the caller after splitting.
func Split(secret []byte, total, threshold int) ([]Share, error) {
	if len(secret) < 32 {
		return nil, errors.New("session secret must be at least 32 bytes")
	}
	if threshold < 2 {
		return nil, errors.New("threshold must be at least 2")
	}
	if total < threshold {
		return nil, errors.New("total shares must be at least equal to threshold")
	}

	raw, err := shamir.Split(secret, total, threshold)
	if err != nil {
		return nil, fmt.Errorf("failed to split session secret: %w", err)
	}

	shares := make([]Share, len(raw))
	for i, r := range raw {
		shares[i] = Share{Index: i, Data: r}
	}
	return shares, nil
}

func parseHolderKey(pubKeyPEM []byte) (any, error) {
	block, _ := pem.Decode(pubKeyPEM)
	if block == nil {
		return nil, errors.New("failed to decode public key PEM")
	}

	key, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse public key: %w", err)
	}

	switch key.(type) {
	case *ecdsa.PublicKey, ed25519.PublicKey:
		return key, nil
	default:
		return nil, errors.New("holder public key is neither ECDSA nor ED25519")
	}
}

func verifyShareSignature(share, signature, holderPubKeyPEM []byte) error {
	key, err := parseHolderKey(holderPubKeyPEM)
	if err != nil {
		return err
	}

	digest := sha256.Sum256(share)
	switch k := key.(type) {
	case *ecdsa.PublicKey:
		if !ecdsa.VerifyASN1(k, digest[:], signature) {
			return errors.New("invalid share signature")
		}
	case ed25519.PublicKey:
		if !ed25519.Verify(k, digest[:], signature) {
			return errors.New("invalid share signature")
		}
	}
	return nil
}

// Material is the reconstructed ephemeral session key. It is owned
// exclusively by the orchestrator, never serialized, and explicitly zeroized
// at destruction.
type Material struct {
	mu       sync.Mutex
	key      []byte
	zeroized bool
}

// NewMaterialForTesting wraps raw key bytes. Exposed for tests that exercise
// downstream consumers without running reconstruction.
func NewMaterialForTesting(key []byte) *Material {
	return &Material{key: append([]byte(nil), key...)}
}

// Commitment returns the hash commitment binding this key to a session. The
// commitment, never the key, is what gets logged to the ledger.
func (m *Material) Commitment(session interfaces.SessionID) (interfaces.Hash, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.zeroized {
		return interfaces.Hash{}, interfaces.ErrSessionDestroyed
	}

	sid := interfaces.Hash(session)
	return interfaces.HashOf([]byte("biokey/session-binding"), m.key, sid.Bytes()), nil
}

// DeriveKey derives an n-byte sub-key for the given label via HKDF-SHA256.
// Snapshot encryption keys come from here so the raw session key itself is
// never used as a cipher key.
func (m *Material) DeriveKey(label string, n int) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.zeroized {
		return nil, interfaces.ErrSessionDestroyed
	}

	r := hkdf.New(sha256.New, m.key, nil, []byte(label))
	out := make([]byte, n)
	if _, err := io.ReadFull(r, out); err != nil {
		return nil, fmt.Errorf("failed to derive %q key: %w", label, err)
	}
	return out, nil
}

// Zeroized reports whether the material has been scrubbed.
func (m *Material) Zeroized() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.zeroized
}

// Zeroize scrubs the key and verifies the scrub.
func (m *Material) Zeroize() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cryptoutils.WipeBytes(m.key)
	if !cryptoutils.IsWiped(m.key) {
		return fmt.Errorf("%w: session key", interfaces.ErrZeroization)
	}
	m.key = nil
	m.zeroized = true
	return nil
}
