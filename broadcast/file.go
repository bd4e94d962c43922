// Package broadcast delivers canary probes, watchdog attestations, and other
// audit records to external observers. Backends are selected by URI scheme
// and can be aggregated for redundant delivery.
package broadcast

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/veilcompute/ephemeral-session-backend/interfaces"
)

// FileBroadcaster appends records to a local directory, one file per record,
// organized by kind. Useful for local observers and tests.
type FileBroadcaster struct {
	basePath string
	log      *slog.Logger
}

// NewFileBroadcaster creates a file broadcaster rooted at basePath, creating
// the directory when missing.
func NewFileBroadcaster(basePath string, log *slog.Logger) (*FileBroadcaster, error) {
	if err := os.MkdirAll(basePath, 0755); err != nil {
		return nil, fmt.Errorf("failed to create broadcast directory: %w", err)
	}
	return &FileBroadcaster{basePath: basePath, log: log}, nil
}

// Publish implements interfaces.Broadcaster. Records are written atomically
// through a temp file rename.
func (b *FileBroadcaster) Publish(ctx context.Context, kind string, id interfaces.Hash, data []byte) error {
	dir := filepath.Join(b.basePath, kind)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create kind directory: %w", err)
	}

	finalPath := filepath.Join(dir, id.String())
	tempPath := finalPath + ".tmp"

	if err := os.WriteFile(tempPath, data, 0644); err != nil {
		return fmt.Errorf("failed to write record: %w", err)
	}
	if err := os.Rename(tempPath, finalPath); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("failed to finalize record: %w", err)
	}

	b.log.Debug("Published record to file backend",
		slog.String("kind", kind),
		slog.String("id", id.String()))
	return nil
}

// LocationURI implements interfaces.Broadcaster.
func (b *FileBroadcaster) LocationURI() string {
	return fmt.Sprintf("file://%s", b.basePath)
}

// Available implements interfaces.Broadcaster.
func (b *FileBroadcaster) Available(ctx context.Context) bool {
	info, err := os.Stat(b.basePath)
	return err == nil && info.IsDir()
}
