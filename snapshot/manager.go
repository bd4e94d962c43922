// Package snapshot produces encrypted, bounded-history in-memory checkpoints
// of execution state for fault recovery within a single session.
package snapshot

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/veilcompute/ephemeral-session-backend/biokey"
	"github.com/veilcompute/ephemeral-session-backend/cryptoutils"
	"github.com/veilcompute/ephemeral-session-backend/interfaces"
)

// ErrNoSnapshot is returned when rollback is requested with no checkpoint in
// history.
var ErrNoSnapshot = errors.New("no snapshot available")

// Snapshot is one encrypted checkpoint. RootHash records the ledger root at
// capture time; restore must reproduce it exactly.
type Snapshot struct {
	Sequence   uint64
	CapturedAt time.Time
	RootHash   interfaces.Hash
	Nonce      []byte
	Ciphertext []byte
}

// Manager captures and restores checkpoints. History is bounded; the oldest
// snapshot is zeroized on eviction. The AEAD key is derived from the session
// key material, so snapshots are unreadable once the biokey is destroyed.
type Manager struct {
	mu sync.Mutex

	aead     cipher.AEAD
	key      []byte
	limit    int
	interval time.Duration
	log      *slog.Logger

	history     []*Snapshot
	seq         uint64
	lastCapture time.Time
	zeroized    bool
}

// NewManager derives the snapshot AEAD key from the session key material and
// creates a manager retaining at most limit checkpoints, capturing on the
// given interval (and before privileged operations, driven by the caller).
func NewManager(material *biokey.Material, limit int, interval time.Duration, log *slog.Logger) (*Manager, error) {
	if log == nil {
		log = slog.Default()
	}
	if limit < 1 {
		return nil, errors.New("snapshot history limit must be at least 1")
	}

	key, err := material.DeriveKey("snapshot-aead", 32)
	if err != nil {
		return nil, fmt.Errorf("failed to derive snapshot key: %w", err)
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create snapshot cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create snapshot GCM: %w", err)
	}

	return &Manager{
		aead:     aead,
		key:      key,
		limit:    limit,
		interval: interval,
		log:      log,
	}, nil
}

// Due reports whether the capture interval has elapsed since the last
// checkpoint.
func (m *Manager) Due(now time.Time) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.interval <= 0 {
		return false
	}
	return now.Sub(m.lastCapture) >= m.interval
}

// Capture encrypts the serialized execution state and appends it to history,
// recording the ledger root hash at capture time. The root is bound as AEAD
// associated data, so a snapshot cannot be replayed against a different root
// claim.
func (m *Manager) Capture(state []byte, root interfaces.Hash, now time.Time) (*Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.zeroized {
		return nil, interfaces.ErrSessionDestroyed
	}

	nonce := make([]byte, m.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("failed to generate snapshot nonce: %w", err)
	}

	m.seq++
	snap := &Snapshot{
		Sequence:   m.seq,
		CapturedAt: now,
		RootHash:   root,
		Nonce:      nonce,
		Ciphertext: m.aead.Seal(nil, nonce, state, root.Bytes()),
	}

	m.history = append(m.history, snap)
	if len(m.history) > m.limit {
		evicted := m.history[0]
		m.history = m.history[1:]
		cryptoutils.WipeBytes(evicted.Ciphertext)
		cryptoutils.WipeBytes(evicted.Nonce)
		m.log.Debug("Snapshot evicted", slog.Uint64("sequence", evicted.Sequence))
	}
	m.lastCapture = now

	m.log.Debug("Snapshot captured",
		slog.Uint64("sequence", snap.Sequence),
		slog.String("rootHash", root.String()))
	return snap, nil
}

// Latest returns the most recent checkpoint in history.
func (m *Manager) Latest() (*Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.zeroized {
		return nil, interfaces.ErrSessionDestroyed
	}
	if len(m.history) == 0 {
		return nil, ErrNoSnapshot
	}
	return m.history[len(m.history)-1], nil
}

// Restore decrypts a checkpoint and returns the serialized execution state.
// The caller is responsible for verifying that re-hashing the restored ledger
// reproduces snap.RootHash.
func (m *Manager) Restore(snap *Snapshot) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.zeroized {
		return nil, interfaces.ErrSessionDestroyed
	}

	state, err := m.aead.Open(nil, snap.Nonce, snap.Ciphertext, snap.RootHash.Bytes())
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt snapshot %d: %w", snap.Sequence, err)
	}
	return state, nil
}

// Len returns the number of checkpoints currently retained.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.history)
}

// Zeroize scrubs every retained checkpoint and the derived AEAD key,
// verifying each scrub.
func (m *Manager) Zeroize() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, snap := range m.history {
		cryptoutils.WipeBytes(snap.Ciphertext)
		cryptoutils.WipeBytes(snap.Nonce)
		if !cryptoutils.IsWiped(snap.Ciphertext) || !cryptoutils.IsWiped(snap.Nonce) {
			return fmt.Errorf("%w: snapshot %d", interfaces.ErrZeroization, snap.Sequence)
		}
	}
	m.history = nil

	cryptoutils.WipeBytes(m.key)
	if !cryptoutils.IsWiped(m.key) {
		return fmt.Errorf("%w: snapshot key", interfaces.ErrZeroization)
	}
	m.zeroized = true
	return nil
}
