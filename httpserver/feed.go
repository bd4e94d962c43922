package httpserver

import (
	"context"
	"sync"
	"time"

	"github.com/veilcompute/ephemeral-session-backend/interfaces"
)

// FeedRecord is one published audit record retained for observers.
type FeedRecord struct {
	Kind       string          `json:"kind"`
	ID         interfaces.Hash `json:"id"`
	Data       []byte          `json:"data"`
	ReceivedAt time.Time       `json:"received_at"`
}

// Feed is an in-memory broadcast backend retaining the most recent audit
// records for the observer API. It satisfies interfaces.Broadcaster so it can
// sit alongside durable backends in a multi-broadcaster.
type Feed struct {
	mu      sync.RWMutex
	limit   int
	records []FeedRecord
}

// NewFeed creates a feed retaining up to limit records.
func NewFeed(limit int) *Feed {
	if limit <= 0 {
		limit = 256
	}
	return &Feed{limit: limit}
}

// Publish implements interfaces.Broadcaster.
func (f *Feed) Publish(ctx context.Context, kind string, id interfaces.Hash, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.records = append(f.records, FeedRecord{
		Kind:       kind,
		ID:         id,
		Data:       append([]byte{}, data...),
		ReceivedAt: time.Now(),
	})
	if len(f.records) > f.limit {
		f.records = f.records[len(f.records)-f.limit:]
	}
	return nil
}

// LocationURI implements interfaces.Broadcaster.
func (f *Feed) LocationURI() string {
	return "feed://observer"
}

// Available implements interfaces.Broadcaster.
func (f *Feed) Available(ctx context.Context) bool {
	return true
}

// Recent returns up to n most recent records of the given kind; an empty kind
// matches all kinds.
func (f *Feed) Recent(kind string, n int) []FeedRecord {
	f.mu.RLock()
	defer f.mu.RUnlock()

	out := make([]FeedRecord, 0, n)
	for i := len(f.records) - 1; i >= 0 && len(out) < n; i-- {
		if kind != "" && f.records[i].Kind != kind {
			continue
		}
		out = append(out, f.records[i])
	}
	return out
}
