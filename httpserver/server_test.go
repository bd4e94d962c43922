package httpserver

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/veilcompute/ephemeral-session-backend/interfaces"
	"github.com/veilcompute/ephemeral-session-backend/session"
)

func testServer(t *testing.T, feed *Feed, status SessionStatus) *httptest.Server {
	t.Helper()
	srv, err := New(&HTTPServerConfig{
		ListenAddr: "127.0.0.1:0",
		Log:        slog.New(slog.NewTextHandler(io.Discard, nil)),
	}, feed, status)
	require.NoError(t, err, "Failed to create server")
	return httptest.NewServer(srv.getRouter())
}

func TestFeed_Recent(t *testing.T) {
	feed := NewFeed(3)
	ctx := context.Background()

	for i, kind := range []string{"canary-probe", "canary-probe", "censorship-event", "canary-probe"} {
		data := []byte{byte(i)}
		require.NoError(t, feed.Publish(ctx, kind, interfaces.HashOf(data), data), "Publish should succeed")
	}

	// Oldest record evicted by the retention limit.
	all := feed.Recent("", 10)
	require.Len(t, all, 3, "Retention should be bounded")
	assert.Equal(t, []byte{3}, all[0].Data, "Recent should return newest first")

	probes := feed.Recent("canary-probe", 10)
	require.Len(t, probes, 2, "Kind filter should apply")
	assert.Equal(t, []byte{3}, probes[0].Data, "Filtered results should stay newest first")

	assert.Len(t, feed.Recent("", 1), 1, "Result count should respect the requested limit")
	assert.True(t, feed.Available(ctx), "Feed is always available")
}

func TestServer_FeedEndpoint(t *testing.T) {
	feed := NewFeed(16)
	require.NoError(t, feed.Publish(context.Background(), "canary-probe",
		interfaces.HashOf([]byte("p")), []byte("probe")), "Publish should succeed")

	ts := testServer(t, feed, nil)
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/api/public/feed/canary-probe")
	require.NoError(t, err, "Feed request should succeed")
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode, "Feed endpoint should return OK")

	var records []FeedRecord
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&records), "Feed response should decode")
	require.Len(t, records, 1, "Published record should be served")
	assert.Equal(t, "canary-probe", records[0].Kind, "Record kind should round-trip")

	resp, err = http.Get(ts.URL + "/api/public/feed/all?limit=0")
	require.NoError(t, err, "Feed request should succeed")
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode, "Out-of-range limit should be rejected")
}

type fixedStatus struct{ stage session.Stage }

func (s fixedStatus) Stage() session.Stage { return s.stage }

func TestServer_SessionStatus(t *testing.T) {
	ts := testServer(t, NewFeed(4), fixedStatus{stage: session.StageExecution})
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/api/public/session_status")
	require.NoError(t, err, "Status request should succeed")
	defer resp.Body.Close()

	var body map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body), "Status response should decode")
	assert.Equal(t, session.StageExecution.String(), body["stage"], "Status should report the session stage")
}

func TestServer_DrainUndrain(t *testing.T) {
	feed := NewFeed(4)
	srv, err := New(&HTTPServerConfig{
		ListenAddr:    "127.0.0.1:0",
		Log:           slog.New(slog.NewTextHandler(io.Discard, nil)),
		DrainDuration: 10 * time.Millisecond,
	}, feed, nil)
	require.NoError(t, err, "Failed to create server")
	ts := httptest.NewServer(srv.getRouter())
	defer ts.Close()

	get := func(path string) int {
		resp, err := http.Get(ts.URL + path)
		require.NoError(t, err, "Request should succeed")
		resp.Body.Close()
		return resp.StatusCode
	}

	assert.Equal(t, http.StatusOK, get("/livez"), "Liveness is unconditional")
	assert.Equal(t, http.StatusOK, get("/readyz"), "Server starts ready")

	assert.Equal(t, http.StatusOK, get("/drain"), "Drain should succeed")
	assert.Equal(t, http.StatusServiceUnavailable, get("/readyz"), "Draining server is not ready")

	assert.Equal(t, http.StatusOK, get("/undrain"), "Undrain should succeed")
	assert.Equal(t, http.StatusOK, get("/readyz"), "Server is ready again after undrain")
}
