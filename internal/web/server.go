// Package web provides the HTTP status server for the andon ingestion server.
package web

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"strconv"

	"github.com/sweeney/andon/internal/archive"
	"github.com/sweeney/andon/internal/cache"
	"github.com/sweeney/andon/internal/status"
)

// EventSource returns recently archived records.
type EventSource interface {
	Recent(ctx context.Context, device string, limit int) ([]archive.Row, error)
}

// StateSource returns the latest cached pin states of a device.
type StateSource interface {
	Last(ctx context.Context, device string) (map[string]cache.PinState, error)
}

// Server serves the status page over HTTP.
type Server struct {
	httpServer *http.Server
	tracker    *status.Tracker
	events     EventSource
	states     StateSource
}

// Option configures optional endpoints.
type Option func(*Server)

// WithEvents enables /events.json.
func WithEvents(src EventSource) Option {
	return func(s *Server) { s.events = src }
}

// WithStates enables /last.json.
func WithStates(src StateSource) Option {
	return func(s *Server) { s.states = src }
}

// New creates a Server that reads state from the given tracker.
func New(addr string, tracker *status.Tracker, opts ...Option) *Server {
	s := &Server{tracker: tracker}
	for _, opt := range opts {
		opt(s)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleIndex)
	mux.HandleFunc("/index.html", s.handleIndex)
	mux.HandleFunc("/index.json", s.handleJSON)
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/events.json", s.handleEvents)
	mux.HandleFunc("/last.json", s.handleLast)

	s.httpServer = &http.Server{
		Addr:    addr,
		Handler: mux,
	}
	return s
}

// Handler exposes the router.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// ListenAndServe starts listening. It blocks until the server is shut down.
func (s *Server) ListenAndServe() error {
	return s.httpServer.ListenAndServe()
}

// Serve accepts connections on the given listener. Useful for tests.
func (s *Server) Serve(ln net.Listener) error {
	return s.httpServer.Serve(ln)
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" && r.URL.Path != "/index.html" {
		http.NotFound(w, r)
		return
	}
	snap := s.tracker.Snapshot()
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	renderHTML(w, snap)
}

func (s *Server) handleJSON(w http.ResponseWriter, r *http.Request) {
	snap := s.tracker.Snapshot()
	w.Header().Set("Content-Type", "application/json")
	w.Write(status.FormatJSON(snap))
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Write([]byte("ok\n"))
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if s.events == nil {
		http.NotFound(w, r)
		return
	}

	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			http.Error(w, "invalid limit", http.StatusBadRequest)
			return
		}
		limit = n
	}

	rows, err := s.events.Recent(r.Context(), r.URL.Query().Get("device"), limit)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if rows == nil {
		rows = []archive.Row{}
	}
	writeJSON(w, map[string]any{"events": rows})
}

func (s *Server) handleLast(w http.ResponseWriter, r *http.Request) {
	if s.states == nil {
		http.NotFound(w, r)
		return
	}
	device := r.URL.Query().Get("device")
	if device == "" {
		http.Error(w, "device is required", http.StatusBadRequest)
		return
	}

	pins, err := s.states.Last(r.Context(), device)
	if err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, map[string]any{"device": device, "pins": pins})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}
