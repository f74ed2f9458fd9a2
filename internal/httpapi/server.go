// Package httpapi exposes a read-only status surface over HTTP: worker
// states, backlog items, and the recent journal. It is a viewing window,
// not a control plane; nothing here mutates scheduler state.
package httpapi

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/kingrea/the-loom/internal/backlog"
	"github.com/kingrea/the-loom/internal/logbook"
	"github.com/kingrea/the-loom/internal/supervisor"
	"github.com/kingrea/the-loom/internal/worker"
)

// Logger matches the Printf surface of the logging package.
type Logger interface {
	Printf(format string, args ...interface{})
}

// Server serves the status API.
type Server struct {
	store   *backlog.Store
	sup     *supervisor.Supervisor
	journal *logbook.Logbook
	log     Logger

	httpServer *http.Server
	listener   net.Listener
}

// New creates a status server over the given collaborators. journal may be
// nil, in which case the journal endpoint reports an empty tail.
func New(store *backlog.Store, sup *supervisor.Supervisor, journal *logbook.Logbook, log Logger) *Server {
	return &Server{store: store, sup: sup, journal: journal, log: log}
}

// Routes builds the chi router. Exposed separately so tests can drive the
// handlers without a live listener.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get("/health", s.handleHealth)
	r.Route("/api", func(r chi.Router) {
		r.Get("/status", s.handleStatus)
		r.Get("/workers", s.handleWorkers)
		r.Get("/backlog", s.handleBacklog)
		r.Get("/journal", s.handleJournal)
	})
	return r
}

// Start begins listening on addr. Pass a ":0" style address to let the
// kernel pick a port; Addr reports it.
func (s *Server) Start(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	s.listener = ln
	s.httpServer = &http.Server{
		Handler:      s.Routes(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
	}
	go func() {
		if err := s.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed && s.log != nil {
			s.log.Printf("httpapi: serve: %v", err)
		}
	}()
	return nil
}

// Addr returns the bound listen address.
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Shutdown stops the server gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

type statusResponse struct {
	Running   int               `json:"running"`
	Workers   []worker.Snapshot `json:"workers"`
	Available int               `json:"available"`
	Total     int               `json:"total_items"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	items, err := s.store.Items()
	if err != nil {
		writeError(w, err)
		return
	}
	available := 0
	for _, item := range items {
		if item.IsClaimable() {
			available++
		}
	}
	writeJSON(w, http.StatusOK, statusResponse{
		Running:   s.sup.Running(),
		Workers:   s.sup.Snapshot(),
		Available: available,
		Total:     len(items),
	})
}

func (s *Server) handleWorkers(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.sup.Snapshot())
}

func (s *Server) handleBacklog(w http.ResponseWriter, r *http.Request) {
	items, err := s.store.Items()
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, items)
}

func (s *Server) handleJournal(w http.ResponseWriter, r *http.Request) {
	lines := 50
	if q := r.URL.Query().Get("lines"); q != "" {
		if n, err := strconv.Atoi(q); err == nil && n > 0 {
			lines = n
		}
	}
	var tail []string
	if s.journal != nil {
		tail = s.journal.Tail(lines)
	}
	writeJSON(w, http.StatusOK, map[string][]string{"lines": tail})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
}
