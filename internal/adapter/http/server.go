package http

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	sharedobs "github.com/couchcryptid/storm-data-shared/observability"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/couchcryptid/atm-occupancy/internal/adapter/ws"
	"github.com/couchcryptid/atm-occupancy/internal/domain"
)

// ReadinessChecker reports whether the service is ready to serve traffic.
type ReadinessChecker = sharedobs.ReadinessChecker

// Server exposes health, readiness, metrics, the read-only site API and the
// live view feed.
type Server struct {
	httpServer *http.Server
	logger     *slog.Logger
}

// NewServer creates the HTTP server. feed may be nil, in which case
// /ws/sites is not mounted.
func NewServer(addr string, ready ReadinessChecker, sites ws.SiteSource, conn ws.StatusSource, feed http.Handler, logger *slog.Logger) *Server {
	mux := http.NewServeMux()

	s := &Server{
		httpServer: &http.Server{
			Addr:         addr,
			Handler:      mux,
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
		logger: logger,
	}

	mux.HandleFunc("GET /healthz", sharedobs.LivenessHandler())
	mux.HandleFunc("GET /readyz", sharedobs.ReadinessHandler(ready))
	mux.Handle("GET /metrics", promhttp.Handler())

	mux.HandleFunc("GET /api/v1/sites", handleSites(sites, conn))
	mux.HandleFunc("GET /api/v1/sites/{id}", handleSite(sites))
	mux.HandleFunc("GET /api/v1/connection", handleConnection(conn))
	if feed != nil {
		mux.Handle("GET /ws/sites", feed)
	}

	return s
}

// Start begins listening. Returns http.ErrServerClosed on graceful shutdown.
func (s *Server) Start() error {
	s.logger.Info("http server starting", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully drains connections within the given context deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// ServeHTTP delegates to the underlying handler, useful for testing.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.httpServer.Handler.ServeHTTP(w, r)
}

// handleSites returns every catalog site with its status, the same body the
// view feed sends as its snapshot event.
func handleSites(sites ws.SiteSource, conn ws.StatusSource) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, ws.BuildSnapshot(sites, conn))
	}
}

func handleSite(sites ws.SiteSource) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := r.PathValue("id")
		site, ok := sites.Site(id)
		if !ok {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": "site not found"})
			return
		}
		st, ok := sites.State(id)
		writeJSON(w, http.StatusOK, domain.NewSiteView(site, st, ok))
	}
}

func handleConnection(conn ws.StatusSource) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, conn.Status())
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v) //nolint:errcheck // best-effort response
}
