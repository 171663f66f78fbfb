// SPDX-License-Identifier: MIT

package signal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	platformnet "github.com/wiserhq/meetsync/internal/platform/net"
	"github.com/wiserhq/meetsync/internal/room"
)

// maxBodyBytes bounds answer and status bodies. SDP answers are a few KiB;
// anything near the limit is abuse.
const maxBodyBytes = 1 << 20

// ServerConfig configures the LAN signaling server.
type ServerConfig struct {
	BindHost    string // "" binds all interfaces
	PortMin     int
	PortMax     int
	BindRetries int
	RateLimit   int
	RateWindow  time.Duration
}

// Server is the LAN HTTP signaler. It serves the session registry to
// guests on the local network.
type Server struct {
	registry *Registry
	cfg      ServerConfig
	logger   zerolog.Logger
	router   http.Handler

	mu      sync.Mutex
	httpSrv *http.Server
	port    int
}

// NewServer builds the signaler over the given registry.
func NewServer(registry *Registry, cfg ServerConfig, logger zerolog.Logger) *Server {
	s := &Server{
		registry: registry,
		cfg:      cfg,
		logger:   logger,
	}
	s.router = s.buildRouter()
	return s
}

func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()
	r.Use(Recoverer)
	r.Use(RequestID)
	r.Use(CORS)
	r.Use(RequestLogger)
	if s.cfg.RateLimit > 0 {
		r.Use(RateLimit(s.cfg.RateLimit, s.cfg.RateWindow))
	}

	r.Get("/ping", s.handlePing)
	r.Get("/healthz", s.handleHealthz)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/session/{room}", func(r chi.Router) {
		r.Get("/", s.handleOffer)
		r.Post("/answer", s.handlePostAnswer)
		r.Get("/answer", s.handleGetAnswer)
		r.Post("/status", s.handlePostStatus)
		r.Get("/status", s.handleGetStatus)
	})

	return r
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start binds a port from the configured range and serves in the
// background. Returns the bound port.
func (s *Server) Start() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.httpSrv != nil {
		return s.port, nil
	}

	ln, port, err := platformnet.ListenInRange(s.cfg.BindHost, s.cfg.PortMin, s.cfg.PortMax, s.cfg.BindRetries)
	if err != nil {
		return 0, fmt.Errorf("bind signaler: %w", err)
	}

	s.httpSrv = &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	s.port = port

	go func(srv *http.Server, ln net.Listener) {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error().Err(err).Str("event", "signal.serve_failed").Msg("signaler stopped unexpectedly")
		}
	}(s.httpSrv, ln)

	s.logger.Info().
		Str("event", "signal.listening").
		Int("port", port).
		Msg("LAN signaler listening")

	return port, nil
}

// Port returns the bound port, 0 before Start.
func (s *Server) Port() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.port
}

// Shutdown stops the server gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	srv := s.httpSrv
	s.httpSrv = nil
	s.port = 0
	s.mu.Unlock()

	if srv == nil {
		return nil
	}
	return srv.Shutdown(ctx)
}

func (s *Server) handlePing(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// roomParam normalizes the path segment so any spelling of a room maps
// to its canonical registry key.
func roomParam(r *http.Request) (string, bool) {
	name, err := room.Normalize(chi.URLParam(r, "room"))
	if err != nil {
		return "", false
	}
	return name, true
}

func (s *Server) handleOffer(w http.ResponseWriter, r *http.Request) {
	name, ok := roomParam(r)
	if !ok {
		writeNotFound(w)
		return
	}

	offer, err := s.registry.Offer(name)
	switch {
	case errors.Is(err, ErrExpired):
		writeJSON(w, http.StatusGone, map[string]string{"error": "session expired"})
	case errors.Is(err, ErrNotFound):
		writeNotFound(w)
	case err != nil:
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
	default:
		writePayload(w, http.StatusOK, offer)
	}
}

func (s *Server) handlePostAnswer(w http.ResponseWriter, r *http.Request) {
	name, ok := roomParam(r)
	if !ok {
		writeNotFound(w)
		return
	}

	var body struct {
		SDPAnswer json.RawMessage `json:"sdpAnswer"`
	}
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(&body); err != nil || body.SDPAnswer == nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "malformed answer body"})
		return
	}

	applied, err := s.registry.Answer(name, body.SDPAnswer)
	switch {
	case errors.Is(err, ErrExpired), errors.Is(err, ErrNotFound):
		writeNotFound(w)
	case err != nil:
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
	default:
		// First write wins; repeats are silently ignored but still 200.
		if !applied {
			s.logger.Debug().
				Str("event", "signal.answer_ignored").
				Str("room", name).
				Msg("repeat answer ignored")
		}
		writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
	}
}

func (s *Server) handleGetAnswer(w http.ResponseWriter, r *http.Request) {
	name, ok := roomParam(r)
	if !ok {
		writeNotFound(w)
		return
	}

	payload, ready, err := s.registry.AnswerPayload(name)
	switch {
	case errors.Is(err, ErrExpired), errors.Is(err, ErrNotFound):
		writeNotFound(w)
	case err != nil:
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
	case !ready:
		w.WriteHeader(http.StatusNoContent)
	default:
		writePayload(w, http.StatusOK, payload)
	}
}

func (s *Server) handlePostStatus(w http.ResponseWriter, r *http.Request) {
	name, ok := roomParam(r)
	if !ok {
		writeNotFound(w)
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil || !json.Valid(body) {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "malformed status body"})
		return
	}

	switch err := s.registry.SetGuestStatus(name, body); {
	case errors.Is(err, ErrExpired), errors.Is(err, ErrNotFound):
		writeNotFound(w)
	case err != nil:
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
	default:
		writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
	}
}

func (s *Server) handleGetStatus(w http.ResponseWriter, r *http.Request) {
	name, ok := roomParam(r)
	if !ok {
		writeNotFound(w)
		return
	}

	status, err := s.registry.GuestStatus(name)
	switch {
	case errors.Is(err, ErrExpired), errors.Is(err, ErrNotFound):
		writeNotFound(w)
	case err != nil:
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
	case status == nil:
		w.WriteHeader(http.StatusNoContent)
	default:
		writePayload(w, http.StatusOK, status)
	}
}

// writeJSON writes a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// writeNotFound writes a 404 Not Found response.
func writeNotFound(w http.ResponseWriter) {
	writeJSON(w, http.StatusNotFound, map[string]string{"error": "not found"})
}

// writePayload writes opaque stored bytes, marking them JSON when they
// are (SDP payloads usually are).
func writePayload(w http.ResponseWriter, code int, payload []byte) {
	if json.Valid(payload) {
		w.Header().Set("Content-Type", "application/json")
	} else {
		w.Header().Set("Content-Type", "application/octet-stream")
	}
	w.WriteHeader(code)
	_, _ = w.Write(payload)
}
