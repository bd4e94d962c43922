package broadcast

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/veilcompute/ephemeral-session-backend/interfaces"
)

func TestFileBroadcaster_Publish(t *testing.T) {
	dir := t.TempDir()
	b, err := NewFileBroadcaster(dir, slog.Default())
	require.NoError(t, err, "NewFileBroadcaster should succeed")

	id := interfaces.HashOf([]byte("record"))
	data := []byte("canary probe bytes")
	require.NoError(t, b.Publish(context.Background(), "canary-probe", id, data), "Publish should succeed")

	written, err := os.ReadFile(filepath.Join(dir, "canary-probe", id.String()))
	require.NoError(t, err, "Published record should exist on disk")
	assert.Equal(t, data, written, "Record content should round-trip")

	assert.True(t, b.Available(context.Background()), "File backend should report available")
	assert.Equal(t, "file://"+dir, b.LocationURI(), "Location URI should name the base path")
}

func TestFactory_SchemeSelection(t *testing.T) {
	f := NewFactory(slog.Default())

	fileB, err := f.BroadcasterFor("file://" + t.TempDir())
	require.NoError(t, err, "File scheme should construct")
	assert.IsType(t, &FileBroadcaster{}, fileB, "file:// should select the file backend")

	httpB, err := f.BroadcasterFor("https://observer.example.org/ingest")
	require.NoError(t, err, "HTTPS scheme should construct")
	assert.IsType(t, &HTTPBroadcaster{}, httpB, "https:// should select the HTTP backend")

	ipfsB, err := f.BroadcasterFor("ipfs://127.0.0.1")
	require.NoError(t, err, "IPFS scheme should construct")
	assert.IsType(t, &IPFSBroadcaster{}, ipfsB, "ipfs:// should select the IPFS backend")

	_, err = f.BroadcasterFor("gopher://example.org")
	assert.Error(t, err, "Unsupported schemes should be rejected")
}

func TestFactory_CreateMultiBroadcaster(t *testing.T) {
	f := NewFactory(slog.Default())

	multi, err := f.CreateMultiBroadcaster([]string{
		"file://" + t.TempDir(),
		"gopher://bad",
	})
	require.NoError(t, err, "One valid backend is enough")
	assert.IsType(t, &MultiBroadcaster{}, multi, "Aggregation should produce a multi broadcaster")

	_, err = f.CreateMultiBroadcaster([]string{"gopher://bad"})
	assert.Error(t, err, "No valid backend should fail aggregation")
}

type stubBroadcaster struct {
	fail      bool
	published int
}

func (s *stubBroadcaster) Publish(ctx context.Context, kind string, id interfaces.Hash, data []byte) error {
	if s.fail {
		return errors.New("backend down")
	}
	s.published++
	return nil
}

func (s *stubBroadcaster) LocationURI() string { return "stub://" }

func (s *stubBroadcaster) Available(ctx context.Context) bool { return !s.fail }

func TestMultiBroadcaster_PartialFailure(t *testing.T) {
	healthy := &stubBroadcaster{}
	broken := &stubBroadcaster{fail: true}
	m := NewMultiBroadcaster([]interfaces.Broadcaster{broken, healthy}, slog.Default())

	err := m.Publish(context.Background(), "kind", interfaces.Hash{}, []byte("data"))
	require.NoError(t, err, "Delivery to at least one backend should succeed")
	assert.Equal(t, 1, healthy.published, "The healthy backend should receive the record")

	assert.True(t, m.Available(context.Background()), "Aggregate is available while any backend is")

	allBroken := NewMultiBroadcaster([]interfaces.Broadcaster{broken}, slog.Default())
	err = allBroken.Publish(context.Background(), "kind", interfaces.Hash{}, []byte("data"))
	assert.Error(t, err, "Delivery fails when no backend accepts the record")
	assert.False(t, allBroken.Available(context.Background()), "Aggregate is unavailable when every backend is")
}
