package cryptoutils

import (
	"crypto/ecdsa"
	"fmt"

	"github.com/ethereum/go-ethereum/crypto"

	"github.com/veilcompute/ephemeral-session-backend/interfaces"
)

// Secp256k1Signer signs messages with a secp256k1 private key. The member
// identity is the 20-byte address derived from the public key, so signatures
// are verifiable by public-key recovery without a separate key registry.
type Secp256k1Signer struct {
	key    *ecdsa.PrivateKey
	member interfaces.MemberID
}

// NewSecp256k1Signer wraps an existing private key.
func NewSecp256k1Signer(key *ecdsa.PrivateKey) *Secp256k1Signer {
	addr := crypto.PubkeyToAddress(key.PublicKey)
	var member interfaces.MemberID
	copy(member[:], addr[:])
	return &Secp256k1Signer{key: key, member: member}
}

// GenerateSigner creates a signer with a fresh random key.
func GenerateSigner() (*Secp256k1Signer, error) {
	key, err := crypto.GenerateKey()
	if err != nil {
		return nil, fmt.Errorf("failed to generate signing key: %w", err)
	}
	return NewSecp256k1Signer(key), nil
}

// MemberID returns the address-style identity of this signer.
func (s *Secp256k1Signer) MemberID() interfaces.MemberID {
	return s.member
}

// Sign produces a 65-byte recoverable signature over the Keccak-256 digest of
// the message.
func (s *Secp256k1Signer) Sign(message []byte) ([]byte, error) {
	digest := crypto.Keccak256(message)
	sig, err := crypto.Sign(digest, s.key)
	if err != nil {
		return nil, fmt.Errorf("failed to sign message: %w", err)
	}
	return sig, nil
}

// RecoveryVerifier verifies recoverable secp256k1 signatures by recovering the
// signer's public key and comparing the derived address with the claimed
// member identity.
type RecoveryVerifier struct{}

// Verify implements interfaces.SignatureVerifier.
func (RecoveryVerifier) Verify(message, signature []byte, member interfaces.MemberID) bool {
	if len(signature) != crypto.SignatureLength {
		return false
	}

	digest := crypto.Keccak256(message)
	pubkey, err := crypto.SigToPub(digest, signature)
	if err != nil {
		return false
	}

	addr := crypto.PubkeyToAddress(*pubkey)
	var recovered interfaces.MemberID
	copy(recovered[:], addr[:])
	return recovered.Equal(member)
}
