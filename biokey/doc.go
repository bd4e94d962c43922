// Package biokey materializes the ephemeral session key from M-of-N threshold
// secret shares.
//
// Reconstruction uses Shamir's Secret Sharing (polynomial interpolation over
// GF(2^8)); any subset of at least M valid shares recovers the identical key,
// while fewer than M shares reveal nothing and fail with
// interfaces.ErrInsufficientShares before execution ever begins.
//
// # Key Protection
//
//   - The reconstructed key exists only in memory for the session's lifetime.
//   - It is never serialized to persistent storage or to the ledger; only a
//     hash commitment of the session binding may be logged.
//   - Sub-keys (e.g. the snapshot AEAD key) are derived via HKDF-SHA256 so
//     the raw key is never used directly as a cipher key.
//   - Zeroize scrubs the key and verifies the scrub; the destruction stage
//     treats any failure as fatal.
//
// # Share Collection
//
// Shares arrive either incrementally through SubmitShare, with each share
// signed by its registered holder, or in bulk from a ShareSource. Two sources
// are provided: StaticShareSource for direct supply, and VaultShareSource
// reading ECIES-encrypted shares from a HashiCorp Vault KV escrow.
package biokey
