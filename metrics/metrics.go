// Package metrics exposes Prometheus metrics on a dedicated listener.
package metrics

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/veilcompute/ephemeral-session-backend/common"
)

// MetricsServer serves the Prometheus scrape endpoint.
type MetricsServer struct {
	srv *http.Server
}

// New creates a metrics server on the given address.
func New(listenAddr string) (*MetricsServer, error) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	return &MetricsServer{
		srv: &http.Server{
			Addr:         listenAddr,
			Handler:      mux,
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
		},
	}, nil
}

// ListenAndServe blocks serving the scrape endpoint.
func (m *MetricsServer) ListenAndServe() error {
	return m.srv.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (m *MetricsServer) Shutdown(ctx context.Context) error {
	return m.srv.Shutdown(ctx)
}

// sanitize turns the package name into a legal metric namespace.
func sanitize(name string) string {
	return strings.ReplaceAll(name, "-", "_")
}

// Session lifecycle counters, registered on the default registry. The
// orchestrator increments these alongside its per-session result counters.
var (
	SessionsStarted = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: sanitize(common.PackageName),
		Name:      "sessions_started_total",
		Help:      "Sessions that entered convergence.",
	})
	SessionsCommitted = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: sanitize(common.PackageName),
		Name:      "sessions_committed_total",
		Help:      "Sessions that sealed at least one outcome.",
	})
	CanaryProbes = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: sanitize(common.PackageName),
		Name:      "canary_probes_total",
		Help:      "Canary probes emitted.",
	})
	CensorshipEvents = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: sanitize(common.PackageName),
		Name:      "censorship_events_total",
		Help:      "Censorship events recorded across all sessions.",
	})
	Rollbacks = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: sanitize(common.PackageName),
		Name:      "rollbacks_total",
		Help:      "Checkpoint rollbacks performed during execution.",
	})
)
