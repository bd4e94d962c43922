package broadcast

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/veilcompute/ephemeral-session-backend/interfaces"
)

// HTTPBroadcaster posts records to an observer webhook. Each record goes to
// POST <endpoint>/<kind>/<id> with an application/cbor body.
type HTTPBroadcaster struct {
	endpoint string
	client   *http.Client
	log      *slog.Logger
}

// NewHTTPBroadcaster creates a webhook broadcaster for the endpoint.
func NewHTTPBroadcaster(endpoint string, timeout time.Duration, log *slog.Logger) *HTTPBroadcaster {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPBroadcaster{
		endpoint: endpoint,
		client:   &http.Client{Timeout: timeout},
		log:      log,
	}
}

// Publish implements interfaces.Broadcaster.
func (b *HTTPBroadcaster) Publish(ctx context.Context, kind string, id interfaces.Hash, data []byte) error {
	url := fmt.Sprintf("%s/%s/%s", b.endpoint, kind, id.String())
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/cbor")

	resp, err := b.client.Do(req)
	if err != nil {
		return fmt.Errorf("posting record to %s: %w", b.endpoint, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("observer returned status %d: %s", resp.StatusCode, string(body))
	}

	b.log.Debug("Published record to webhook",
		slog.String("kind", kind),
		slog.String("id", id.String()))
	return nil
}

// LocationURI implements interfaces.Broadcaster.
func (b *HTTPBroadcaster) LocationURI() string {
	return b.endpoint
}

// Available implements interfaces.Broadcaster. The observer is probed with a
// HEAD request.
func (b *HTTPBroadcaster) Available(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, b.endpoint, nil)
	if err != nil {
		return false
	}
	resp, err := b.client.Do(req)
	if err != nil {
		return false
	}
	resp.Body.Close()
	return resp.StatusCode < 500
}
