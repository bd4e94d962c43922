package txo

import (
	"sync"

	"github.com/veilcompute/ephemeral-session-backend/interfaces"
)

// Arena resolves provenance links. Transaction objects reference their
// predecessors by content identifier, never by pointer, which keeps the
// provenance DAG free of reference cycles. The arena is the single id -> TXO
// map backing that resolution.
type Arena struct {
	mu      sync.RWMutex
	objects map[interfaces.Hash]*TXO
}

// NewArena creates an empty arena.
func NewArena() *Arena {
	return &Arena{objects: make(map[interfaces.Hash]*TXO)}
}

// Put stores an object after verifying its content identifier. Storing the
// same identifier twice is harmless: objects are immutable, so the mapping
// cannot change.
func (a *Arena) Put(t *TXO) error {
	if err := t.VerifyID(); err != nil {
		return err
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	a.objects[t.ID] = t
	return nil
}

// Get resolves a single identifier.
func (a *Arena) Get(id interfaces.Hash) (*TXO, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	t, ok := a.objects[id]
	if !ok {
		return nil, ErrUnknownPredecessor
	}
	return t, nil
}

// Predecessors resolves all provenance links of an object. A single missing
// link fails the whole resolution.
func (a *Arena) Predecessors(t *TXO) ([]*TXO, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	preds := make([]*TXO, 0, len(t.Predecessors))
	for _, id := range t.Predecessors {
		p, ok := a.objects[id]
		if !ok {
			return nil, ErrUnknownPredecessor
		}
		preds = append(preds, p)
	}
	return preds, nil
}

// Len returns the number of stored objects.
func (a *Arena) Len() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.objects)
}

// Zeroize scrubs every stored payload and drops the map. Outcome objects are
// copied out by the orchestrator before this runs.
func (a *Arena) Zeroize() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	for _, t := range a.objects {
		for i := range t.Payload {
			t.Payload[i] = 0
		}
	}
	a.objects = make(map[interfaces.Hash]*TXO)
	return nil
}
