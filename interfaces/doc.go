// Package interfaces defines the shared vocabulary of the ephemeral session
// subsystem: content-addressed hashes, member identities, signatures, and the
// capability interfaces (Signer, ProofBackend, Broadcaster, Zeroizer) that let
// production cryptographic backends be swapped in without changing the
// orchestrator.
//
// # Capability Interfaces
//
// The session protocol consumes cryptography exclusively through narrow
// interfaces:
//
//   - Signer / SignatureVerifier: per-member signing for quorum votes, proxy
//     approvals, watchdog attestations and outcome signatures.
//   - ProofBackend: pluggable zero-knowledge proof system for compliance
//     attestation. The in-tree mock is replaced by a production prover
//     without touching any orchestration code.
//   - Broadcaster: delivery of canary probes and watchdog attestations to
//     external observers.
//   - Zeroizer: the explicit, verifiable scrub every sensitive structure
//     implements. Destruction calls Zeroize and treats any error as fatal,
//     turning the zeroization guarantee into a testable property rather than
//     an implementation accident.
//
// # Error Taxonomy
//
// Sentinel errors in this package classify every failure path of the session
// lifecycle. No failure mode is silent: each sentinel corresponds to an audit
// transaction object recorded in the session ledger.
package interfaces
