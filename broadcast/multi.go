package broadcast

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/veilcompute/ephemeral-session-backend/interfaces"
)

// MultiBroadcaster fans records out to several backends. Publication
// succeeds when at least one backend accepts the record; individual backend
// failures are logged.
type MultiBroadcaster struct {
	backends []interfaces.Broadcaster
	log      *slog.Logger
}

// NewMultiBroadcaster aggregates the given backends.
func NewMultiBroadcaster(backends []interfaces.Broadcaster, log *slog.Logger) *MultiBroadcaster {
	return &MultiBroadcaster{backends: backends, log: log}
}

// Publish implements interfaces.Broadcaster.
func (m *MultiBroadcaster) Publish(ctx context.Context, kind string, id interfaces.Hash, data []byte) error {
	var delivered int
	for _, backend := range m.backends {
		if err := backend.Publish(ctx, kind, id, data); err != nil {
			m.log.Warn("Broadcast backend failed to publish",
				slog.String("backend", backend.LocationURI()),
				slog.String("kind", kind),
				"err", err)
			continue
		}
		delivered++
	}
	if delivered == 0 {
		return fmt.Errorf("no backend accepted record %s/%s", kind, id)
	}
	return nil
}

// LocationURI implements interfaces.Broadcaster.
func (m *MultiBroadcaster) LocationURI() string {
	uris := make([]string, 0, len(m.backends))
	for _, backend := range m.backends {
		uris = append(uris, backend.LocationURI())
	}
	return strings.Join(uris, ",")
}

// Available implements interfaces.Broadcaster. The aggregate is available
// when any backend is.
func (m *MultiBroadcaster) Available(ctx context.Context) bool {
	for _, backend := range m.backends {
		if backend.Available(ctx) {
			return true
		}
	}
	return false
}
