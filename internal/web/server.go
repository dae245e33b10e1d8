// Package web serves the operational HTTP surface: health, Prometheus
// metrics, store statistics, and manual save/sweep triggers.
package web

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog"

	"github.com/lorehaven/scribe/internal/convo"
)

// Stats is the payload for GET /api/stats.
type Stats struct {
	StartedAt     time.Time   `json:"started_at"`
	UptimeSeconds float64     `json:"uptime_seconds"`
	Channels      []string    `json:"channels"`
	Store         convo.Stats `json:"store"`
}

// Hooks are the gateway callbacks behind the API routes. Nil hooks
// disable their route with a 503.
type Hooks struct {
	Stats   func() Stats
	Save    func() error
	Sweep   func() convo.SweepSummary
	Metrics http.Handler
}

// Server wraps the HTTP listener lifecycle.
type Server struct {
	addr string
	srv  *http.Server
	log  zerolog.Logger
}

// NewServer builds the router and server for the given address.
func NewServer(host string, port int, hooks Hooks, log zerolog.Logger) *Server {
	addr := fmt.Sprintf("%s:%d", host, port)
	s := &Server{addr: addr, log: log}
	s.srv = &http.Server{
		Addr:    addr,
		Handler: s.router(hooks),
	}
	return s
}

func (s *Server) router(hooks Hooks) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		MaxAge:         300,
	}))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	if hooks.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", hooks.Metrics)
	}

	r.Get("/api/stats", func(w http.ResponseWriter, _ *http.Request) {
		if hooks.Stats == nil {
			respondError(w, http.StatusServiceUnavailable, "stats unavailable")
			return
		}
		respondJSON(w, http.StatusOK, hooks.Stats())
	})

	r.Post("/api/save", func(w http.ResponseWriter, _ *http.Request) {
		if hooks.Save == nil {
			respondError(w, http.StatusServiceUnavailable, "save unavailable")
			return
		}
		if err := hooks.Save(); err != nil {
			respondError(w, http.StatusInternalServerError, err.Error())
			return
		}
		respondJSON(w, http.StatusOK, map[string]string{"status": "saved"})
	})

	r.Post("/api/sweep", func(w http.ResponseWriter, _ *http.Request) {
		if hooks.Sweep == nil {
			respondError(w, http.StatusServiceUnavailable, "sweep unavailable")
			return
		}
		respondJSON(w, http.StatusOK, hooks.Sweep())
	})

	return r
}

// Start begins serving in the background. Listen errors after startup
// are logged, not returned.
func (s *Server) Start() {
	go func() {
		s.log.Info().Str("addr", s.addr).Msg("web server listening")
		if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.log.Error().Err(err).Msg("web server error")
		}
	}()
}

// Stop drains in-flight requests with a 5 second grace period.
func (s *Server) Stop() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.srv.Shutdown(ctx); err != nil {
		s.log.Error().Err(err).Msg("web server shutdown error")
		return err
	}
	s.log.Info().Msg("web server stopped")
	return nil
}

// Handler exposes the configured router for tests.
func (s *Server) Handler() http.Handler { return s.srv.Handler }

func respondJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func respondError(w http.ResponseWriter, status int, msg string) {
	respondJSON(w, status, map[string]string{"error": msg})
}
