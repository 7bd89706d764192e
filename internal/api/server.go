// Meridian - Distributed Multi-Agent Runtime
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/meridian

// Package api is the operator surface: status, health, model state, the
// Prometheus endpoint and a websocket event feed bridged from the
// observability hub. Authentication is a single shared token and is
// advisory — the deployment assumption is a private LAN.
package api

import (
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tomtom215/meridian/internal/hub"
	"github.com/tomtom215/meridian/internal/logging"
	"github.com/tomtom215/meridian/internal/modelmanager"
	"github.com/tomtom215/meridian/internal/supervisor"
	"github.com/tomtom215/meridian/internal/vram"
)

// Config tunes the API server.
type Config struct {
	Host string
	Port int

	// Token, when non-empty, must match X-Meridian-Token on every request
	// except /healthz and /metrics.
	Token string

	// RequestTimeout bounds one HTTP request. Default: 30s
	RequestTimeout time.Duration
}

// Sources are the read-only views the API serves.
type Sources struct {
	Supervisor *supervisor.Supervisor
	Models     *modelmanager.Manager
	VRAM       *vram.Accountant
	Hub        *hub.Hub
}

// Server is the HTTP surface.
type Server struct {
	cfg Config
	src Sources
}

// New creates the API server.
func New(cfg Config, src Sources) *Server {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 30 * time.Second
	}
	return &Server{cfg: cfg, src: src}
}

// Handler builds the chi router.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(s.cfg.RequestTimeout))

	r.Get("/healthz", s.handleHealthz)
	r.Get("/metrics", promhttp.Handler().ServeHTTP)

	r.Group(func(r chi.Router) {
		r.Use(s.tokenAuth)
		r.Get("/readyz", s.handleReadyz)
		r.Route("/api/v1", func(r chi.Router) {
			r.Get("/status", s.handleStatus)
			r.Get("/agents", s.handleAgents)
			r.Get("/models", s.handleModels)
			r.Get("/events", s.handleEvents)
		})
	})
	return r
}

// HTTPServer builds the net/http server for the supervised service wrapper.
func (s *Server) HTTPServer() *http.Server {
	return &http.Server{
		Addr:              addr(s.cfg.Host, s.cfg.Port),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
}

// tokenAuth enforces the shared token when configured.
func (s *Server) tokenAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.Token != "" && r.Header.Get("X-Meridian-Token") != s.cfg.Token {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleReadyz is ready when every required agent of this node is Ready.
func (s *Server) handleReadyz(w http.ResponseWriter, _ *http.Request) {
	for _, st := range s.src.Supervisor.Status() {
		if st.Required && st.Phase != supervisor.PhaseReady && st.Phase != supervisor.PhaseSkipped {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{
				"status": "not_ready",
				"agent":  st.Name,
				"phase":  string(st.Phase),
			})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// statusReport is the /api/v1/status document.
type statusReport struct {
	Agents []supervisor.AgentStatus `json:"agents"`
	Models []modelmanager.Record    `json:"models"`
	VRAM   vram.Snapshot            `json:"vram"`
	Hub    hub.Snapshot             `json:"hub"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	report := statusReport{
		Agents: s.src.Supervisor.Status(),
		Models: s.src.Models.StatusAll(),
		VRAM:   s.src.VRAM.Snapshot(),
		Hub:    s.src.Hub.Aggregate(r.Context()),
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *Server) handleAgents(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.src.Supervisor.Status())
}

func (s *Server) handleModels(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.src.Models.StatusAll())
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logging.Debug().Err(err).Msg("response encode failed")
	}
}

func addr(host string, port int) string {
	return net.JoinHostPort(host, strconv.Itoa(port))
}
