// Package ledger implements the append-only, hash-chained audit log of every
// operation performed in a session.
package ledger

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/fxamacker/cbor/v2"

	"github.com/veilcompute/ephemeral-session-backend/cryptoutils"
	"github.com/veilcompute/ephemeral-session-backend/interfaces"
	"github.com/veilcompute/ephemeral-session-backend/txo"
)

var (
	// ErrChainBroken indicates an entry's prev-hash link or recomputed
	// digest does not match, i.e. the ledger was mutated after append.
	ErrChainBroken = errors.New("ledger hash chain broken")

	// ErrRootMismatch indicates a restored ledger does not reproduce the
	// root hash recorded at capture time.
	ErrRootMismatch = errors.New("restored ledger root hash mismatch")
)

// genesisRoot anchors the chain before the first append.
var genesisRoot = interfaces.HashOf([]byte("ephemeral-session/ledger/genesis"))

// Entry wraps one transaction object in the hash chain. EntryHash covers the
// index, the previous entry's hash and the object's content identifier, so
// the final entry's hash commits to the entire history.
type Entry struct {
	Index     uint64          `cbor:"1,keyasint"`
	PrevHash  interfaces.Hash `cbor:"2,keyasint"`
	Txo       *txo.TXO        `cbor:"-"`
	TxoRaw    []byte          `cbor:"3,keyasint"`
	EntryHash interfaces.Hash `cbor:"4,keyasint"`
}

func entryDigest(index uint64, prev interfaces.Hash, txoRaw []byte) interfaces.Hash {
	var idx [8]byte
	for i := 0; i < 8; i++ {
		idx[7-i] = byte(index >> (8 * i))
	}
	return interfaces.HashOf(idx[:], prev.Bytes(), txoRaw)
}

// Ledger is the ordered hash chain. Append is the single mutation path and
// the orchestrator's execution loop is its only writer; components that need
// ledger state receive copies, never a live handle. An arena indexes every
// appended object by content identifier so provenance links always resolve to
// objects already on the chain.
type Ledger struct {
	mu       sync.RWMutex
	entries  []Entry
	arena    *txo.Arena
	log      *slog.Logger
	zeroized bool
}

// New creates an empty ledger.
func New(log *slog.Logger) *Ledger {
	if log == nil {
		log = slog.Default()
	}
	return &Ledger{log: log, arena: txo.NewArena()}
}

// Append verifies the object's content identifier, resolves its predecessor
// links against the chain, and appends it. O(1) amortized: only the new entry
// is hashed.
func (l *Ledger) Append(t *txo.TXO) (Entry, error) {
	if err := t.VerifyID(); err != nil {
		return Entry{}, fmt.Errorf("refusing to append invalid txo: %w", err)
	}

	raw, err := t.MarshalBinary()
	if err != nil {
		return Entry{}, fmt.Errorf("failed to encode txo for append: %w", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.zeroized {
		return Entry{}, interfaces.ErrSessionDestroyed
	}

	for _, pred := range t.Predecessors {
		if _, err := l.arena.Get(pred); err != nil {
			return Entry{}, fmt.Errorf("refusing to append txo with unresolved predecessor %s: %w", pred, err)
		}
	}

	prev := genesisRoot
	index := uint64(len(l.entries))
	if index > 0 {
		prev = l.entries[index-1].EntryHash
	}

	entry := Entry{
		Index:     index,
		PrevHash:  prev,
		Txo:       t,
		TxoRaw:    raw,
		EntryHash: entryDigest(index, prev, raw),
	}
	if err := l.arena.Put(t); err != nil {
		return Entry{}, err
	}
	l.entries = append(l.entries, entry)

	l.log.Debug("Ledger append",
		slog.Uint64("index", index),
		slog.String("kind", string(t.Kind)),
		slog.String("entryHash", entry.EntryHash.String()))

	return entry, nil
}

// RootHash returns the canonical execution hash: the hash of the latest
// entry, or the genesis anchor for an empty ledger.
func (l *Ledger) RootHash() interfaces.Hash {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if len(l.entries) == 0 {
		return genesisRoot
	}
	return l.entries[len(l.entries)-1].EntryHash
}

// Len returns the number of entries.
func (l *Ledger) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.entries)
}

// Entries returns a copy of the chain for read-only inspection.
func (l *Ledger) Entries() []Entry {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return append([]Entry(nil), l.entries...)
}

// Lookup resolves a content identifier to the object appended under it.
func (l *Ledger) Lookup(id interfaces.Hash) (*txo.TXO, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if l.zeroized {
		return nil, interfaces.ErrSessionDestroyed
	}
	return l.arena.Get(id)
}

// Provenance resolves all predecessor links of an appended object.
func (l *Ledger) Provenance(t *txo.TXO) ([]*txo.TXO, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if l.zeroized {
		return nil, interfaces.ErrSessionDestroyed
	}
	return l.arena.Predecessors(t)
}

// VerifyChain re-walks the chain, recomputing every link. Mutating any single
// entry's payload after append makes this fail.
func (l *Ledger) VerifyChain() error {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if l.zeroized {
		return interfaces.ErrSessionDestroyed
	}

	prev := genesisRoot
	for i, e := range l.entries {
		if !e.PrevHash.Equal(prev) {
			return fmt.Errorf("%w: entry %d prev-hash link", ErrChainBroken, i)
		}
		if !entryDigest(e.Index, e.PrevHash, e.TxoRaw).Equal(e.EntryHash) {
			return fmt.Errorf("%w: entry %d digest", ErrChainBroken, i)
		}
		var decoded txo.TXO
		if err := decoded.UnmarshalBinary(e.TxoRaw); err != nil {
			return fmt.Errorf("%w: entry %d txo: %v", ErrChainBroken, i, err)
		}
		prev = e.EntryHash
	}
	return nil
}

// MerkleRoot computes, on demand, a Merkle root over the entry hashes of the
// most recent n entries (all entries when n <= 0 or n exceeds the length).
// Watchdogs attest over this root when they audit a window of execution
// rather than the full chain.
func (l *Ledger) MerkleRoot(n int) interfaces.Hash {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if len(l.entries) == 0 {
		return genesisRoot
	}
	if n <= 0 || n > len(l.entries) {
		n = len(l.entries)
	}

	level := make([]interfaces.Hash, 0, n)
	for _, e := range l.entries[len(l.entries)-n:] {
		level = append(level, e.EntryHash)
	}

	for len(level) > 1 {
		next := make([]interfaces.Hash, 0, (len(level)+1)/2)
		for i := 0; i < len(level); i += 2 {
			if i+1 < len(level) {
				next = append(next, interfaces.HashOf(level[i].Bytes(), level[i+1].Bytes()))
			} else {
				// odd leaf promoted
				next = append(next, level[i])
			}
		}
		level = next
	}
	return level[0]
}

// Export serializes the chain for snapshot capture.
func (l *Ledger) Export() ([]byte, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if l.zeroized {
		return nil, interfaces.ErrSessionDestroyed
	}

	raw, err := cbor.Marshal(l.entries)
	if err != nil {
		return nil, fmt.Errorf("failed to export ledger: %w", err)
	}
	return raw, nil
}

// Restore replaces the chain with a previously exported one and verifies that
// re-hashing reproduces the expected root byte for byte.
func (l *Ledger) Restore(data []byte, expectedRoot interfaces.Hash) error {
	var entries []Entry
	if err := cbor.Unmarshal(data, &entries); err != nil {
		return fmt.Errorf("failed to decode ledger export: %w", err)
	}

	arena := txo.NewArena()
	for i := range entries {
		var decoded txo.TXO
		if err := decoded.UnmarshalBinary(entries[i].TxoRaw); err != nil {
			return fmt.Errorf("failed to decode txo at entry %d: %w", i, err)
		}
		entries[i].Txo = &decoded
		if err := arena.Put(&decoded); err != nil {
			return fmt.Errorf("failed to index txo at entry %d: %w", i, err)
		}
	}

	l.mu.Lock()
	l.entries = entries
	l.arena = arena
	l.zeroized = false
	l.mu.Unlock()

	if err := l.VerifyChain(); err != nil {
		return err
	}

	if root := l.RootHash(); !root.Equal(expectedRoot) {
		return fmt.Errorf("%w: got %s, recorded %s", ErrRootMismatch, root, expectedRoot)
	}
	return nil
}

// Zeroize scrubs every entry's serialized object and payload, then drops the
// chain. Reads after this return ErrSessionDestroyed.
func (l *Ledger) Zeroize() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	for i := range l.entries {
		cryptoutils.WipeBytes(l.entries[i].TxoRaw)
		if l.entries[i].Txo != nil {
			cryptoutils.WipeBytes(l.entries[i].Txo.Payload)
		}
		if !cryptoutils.IsWiped(l.entries[i].TxoRaw) {
			return fmt.Errorf("%w: ledger entry %d", interfaces.ErrZeroization, i)
		}
	}
	if err := l.arena.Zeroize(); err != nil {
		return err
	}
	l.entries = nil
	l.zeroized = true
	return nil
}
