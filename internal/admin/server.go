// Package admin serves the broker's HTTP surface: health, JSON snapshots
// of the two stores, Prometheus metrics, and a read-only WebSocket feed of
// broadcast snapshots.
package admin

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/Burningfoam/IOT-Gateway-Server/internal/protocol"
	"github.com/Burningfoam/IOT-Gateway-Server/internal/store"
)

// StateSource exposes the broker state the admin server reports on.
type StateSource interface {
	Devices() map[string]protocol.DeviceData
	Clients() []store.Registration
}

// Server is the admin HTTP server.
type Server struct {
	log     zerolog.Logger
	addr    string
	src     StateSource
	monitor *Monitor
	router  *chi.Mux
}

// New creates the admin server. metricsHandler serves /metrics; pass nil
// to disable the endpoint.
func New(addr string, src StateSource, monitor *Monitor, metricsHandler http.Handler, log zerolog.Logger) *Server {
	s := &Server{
		log:     log.With().Str("component", "admin").Logger(),
		addr:    addr,
		src:     src,
		monitor: monitor,
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/health", s.handleHealth)
	r.Get("/ws", s.monitor.handleWS)
	if metricsHandler != nil {
		r.Method(http.MethodGet, "/metrics", metricsHandler)
	}

	r.Route("/api", func(r chi.Router) {
		r.Get("/devices", s.handleDevices)
		r.Get("/clients", s.handleClients)
	})

	s.router = r
	return s
}

// Run starts the server. Blocks until the listener fails.
func (s *Server) Run() error {
	s.log.Info().Str("addr", s.addr).Msg("starting admin server")
	return http.ListenAndServe(s.addr, s.router)
}

// Router returns the HTTP router (for testing).
func (s *Server) Router() http.Handler {
	return s.router
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, map[string]string{"status": "ok"})
}

func (s *Server) handleDevices(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, s.src.Devices())
}

func (s *Server) handleClients(w http.ResponseWriter, _ *http.Request) {
	clients := s.src.Clients()
	if clients == nil {
		clients = []store.Registration{}
	}
	s.writeJSON(w, clients)
}

func (s *Server) writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Debug().Err(err).Msg("response encode failed")
	}
}
