// Package cryptoutils provides the cryptographic primitives shared across the
// session subsystem: secp256k1 member signing with public-key recovery, ECIES
// encryption for share escrow, verified memory wiping, and TEE platform
// attestation providers.
//
// # Member Signing
//
// Members, proxies and watchdog validators all sign with secp256k1 keys. A
// member's identity is the 20-byte address derived from its public key, so
// verification recovers the key from the signature and compares addresses;
// no public-key registry is needed on the verification path.
//
// # Share Escrow Encryption
//
// EncryptWithPublicKey / DecryptWithPrivateKey implement ECIES (ECDH +
// SHA-256 KDF + AES-GCM). The biokey escrow sources store each secret share
// encrypted to its holder, so the escrow itself never sees plaintext shares.
//
// # Platform Attestation
//
// AttestationProvider abstracts TDX quote generation. Watchdog validators may
// attach platform evidence to their attestations; DummyAttestationProvider
// keeps the plumbing exercised where no TEE is available.
package cryptoutils
