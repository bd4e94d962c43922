package cryptoutils

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSecp256k1Signer_SignVerify(t *testing.T) {
	signer, err := GenerateSigner()
	require.NoError(t, err, "Failed to generate signer")

	msg := []byte("the message")
	sig, err := signer.Sign(msg)
	require.NoError(t, err, "Sign should succeed")
	assert.Len(t, sig, 65, "Signature should be recoverable format")

	verifier := RecoveryVerifier{}
	assert.True(t, verifier.Verify(msg, sig, signer.MemberID()), "Valid signature should verify")
	assert.False(t, verifier.Verify([]byte("other message"), sig, signer.MemberID()),
		"Signature over a different message must not verify")

	other, err := GenerateSigner()
	require.NoError(t, err, "Failed to generate second signer")
	assert.False(t, verifier.Verify(msg, sig, other.MemberID()),
		"Signature must not verify against a different member identity")
	assert.False(t, verifier.Verify(msg, sig[:64], signer.MemberID()),
		"Truncated signature must not verify")
}

func TestWipeBytes(t *testing.T) {
	data := []byte{1, 2, 3, 4, 5}
	assert.False(t, IsWiped(data), "Populated buffer is not wiped")

	WipeBytes(data)
	assert.True(t, IsWiped(data), "Wiped buffer should be all zeros")
	assert.True(t, IsWiped(nil), "A nil buffer counts as wiped")
}

func testHolderKeyPair(t *testing.T) (pubPEM, privPEM []byte) {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err, "Failed to generate holder key")

	pubDER, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	require.NoError(t, err, "Failed to marshal public key")
	privDER, err := x509.MarshalECPrivateKey(key)
	require.NoError(t, err, "Failed to marshal private key")

	pubPEM = pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: pubDER})
	privPEM = pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: privDER})
	return pubPEM, privPEM
}

func TestECIES_RoundTrip(t *testing.T) {
	pubPEM, privPEM := testHolderKeyPair(t)
	plaintext := []byte("key share destined for one holder")

	encrypted, err := EncryptWithPublicKey(pubPEM, plaintext)
	require.NoError(t, err, "Encryption should succeed")
	assert.NotContains(t, string(encrypted), string(plaintext), "Ciphertext must not embed the plaintext")

	decrypted, err := DecryptWithPrivateKey(privPEM, encrypted)
	require.NoError(t, err, "Decryption should succeed")
	assert.Equal(t, plaintext, decrypted, "Plaintext should round-trip")

	// Only the designated holder can decrypt.
	_, otherPriv := testHolderKeyPair(t)
	_, err = DecryptWithPrivateKey(otherPriv, encrypted)
	assert.Error(t, err, "A different holder's key must not decrypt the share")

	tampered := append([]byte(nil), encrypted...)
	tampered[len(tampered)-1] ^= 0xff
	_, err = DecryptWithPrivateKey(privPEM, tampered)
	assert.Error(t, err, "Tampered ciphertext should fail authentication")
}
