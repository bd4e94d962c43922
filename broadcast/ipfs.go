package broadcast

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"

	shell "github.com/ipfs/go-ipfs-api"
	"github.com/veilcompute/ephemeral-session-backend/interfaces"
)

// IPFSBroadcaster publishes records to an IPFS node. Records land in the
// public DHT under their IPFS CID; observers correlate them with session
// records through the content ID logged alongside.
type IPFSBroadcaster struct {
	shell       *shell.Shell
	host        string
	port        string
	log         *slog.Logger
	locationURI string
}

// NewIPFSBroadcaster creates a broadcaster connected to the IPFS API at
// host:port.
func NewIPFSBroadcaster(host, port string, log *slog.Logger) *IPFSBroadcaster {
	apiURL := fmt.Sprintf("%s:%s", host, port)
	return &IPFSBroadcaster{
		shell:       shell.NewShell(apiURL),
		host:        host,
		port:        port,
		log:         log,
		locationURI: fmt.Sprintf("ipfs://%s/", apiURL),
	}
}

// Publish implements interfaces.Broadcaster.
func (b *IPFSBroadcaster) Publish(ctx context.Context, kind string, id interfaces.Hash, data []byte) error {
	if !b.shell.IsUp() {
		return fmt.Errorf("IPFS node %s:%s is unavailable", b.host, b.port)
	}

	cid, err := b.shell.Add(bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("failed to add record to IPFS: %w", err)
	}

	b.log.Debug("Published record to IPFS",
		slog.String("kind", kind),
		slog.String("id", id.String()),
		slog.String("ipfsCID", cid))
	return nil
}

// LocationURI implements interfaces.Broadcaster.
func (b *IPFSBroadcaster) LocationURI() string {
	return b.locationURI
}

// Available implements interfaces.Broadcaster.
func (b *IPFSBroadcaster) Available(ctx context.Context) bool {
	return b.shell.IsUp()
}
