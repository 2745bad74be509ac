package admin

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sameehj/hwbridge/pkg/gateway"
	"github.com/sameehj/hwbridge/pkg/session"
	"github.com/sameehj/hwbridge/pkg/version"
)

const httpShutdownTimeout = 5 * time.Second

// Gateway is the view of the running gateway the admin surface reports on.
type Gateway interface {
	Registry() *session.Registry
	ListConnections() []gateway.ConnectionInfo
}

type Server struct {
	gateway Gateway
	started time.Time
}

func NewServer(gw Gateway) *Server {
	return &Server{gateway: gw, started: time.Now()}
}

// Router returns the admin HTTP routes.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.Recoverer)

	r.Get("/health", s.handleHealth)
	r.Get("/sessions", s.handleSessions)
	r.Get("/connections", s.handleConnections)
	r.Handle("/metrics", promhttp.Handler())
	return r
}

// ServeHTTP serves the admin routes on addr until ctx is cancelled.
func (s *Server) ServeHTTP(ctx context.Context, addr string) error {
	httpServer := &http.Server{
		Addr:              addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), httpShutdownTimeout)
		defer cancel()
		_ = httpServer.Shutdown(shutdownCtx)
	}()

	if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	_ = r
	payload := map[string]interface{}{
		"status":         "ok",
		"version":        version.Get(),
		"uptime_seconds": int(time.Since(s.started).Seconds()),
	}
	if s.gateway != nil {
		payload["sessions"] = s.gateway.Registry().Count()
		payload["connections"] = len(s.gateway.ListConnections())
	}
	writeJSON(w, http.StatusOK, payload)
}

func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	_ = r
	writeJSON(w, http.StatusOK, s.gateway.Registry().Snapshot())
}

func (s *Server) handleConnections(w http.ResponseWriter, r *http.Request) {
	_ = r
	writeJSON(w, http.StatusOK, s.gateway.ListConnections())
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
