// Package api exposes the management HTTP API: session status,
// extension inventory, directory refresh, and operator-issued
// restart/hangup actions.
package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/sebas/intercom/services/intercom/callid"
	"github.com/sebas/intercom/services/intercom/session"
)

// ExtensionManager is the subset of services/intercom/extension.Manager
// the API needs, kept as an interface here so this package never
// imports extension directly (extension imports api for
// ExtensionStatus, so the reverse import would be a cycle).
type ExtensionManager interface {
	Snapshot() []ExtensionStatus
	Refresh(ctx context.Context) error
	Restart(ctx context.Context, apartment string) error
}

// ExtensionStatus reports one apartment's listener-pair state.
type ExtensionStatus struct {
	Apartment    string `json:"apartment"`
	VisitorPort  int    `json:"visitorPort"`
	ResidentPort int    `json:"residentPort"`
	Running      bool   `json:"running"`
}

// Server holds HTTP handler dependencies and the chi router.
type Server struct {
	router     *chi.Mux
	registry   *session.Registry
	extensions ExtensionManager
	logger     *slog.Logger
	startedAt  time.Time
}

// NewServer constructs the management API with all routes mounted.
func NewServer(registry *session.Registry, extensions ExtensionManager, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		router:     chi.NewRouter(),
		registry:   registry,
		extensions: extensions,
		logger:     logger,
		startedAt:  time.Now(),
	}
	s.routes()
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) routes() {
	r := s.router
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)

	r.Get("/status", s.handleStatus)
	r.Get("/extensions", s.handleExtensions)
	r.Post("/extensions/refresh", s.handleRefresh)
	r.Post("/extensions/{apartment}/restart", s.handleRestart)
	r.Post("/sessions/{callId}/hangup", s.handleHangup)
}

type statusResponse struct {
	UptimeSeconds  int64             `json:"uptimeSeconds"`
	ActiveSessions int               `json:"activeSessions"`
	Sessions       []sessionSummary  `json:"sessions"`
}

type sessionSummary struct {
	CallID string `json:"callId"`
	State  string `json:"state"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	sessions := s.registry.List()
	summaries := make([]sessionSummary, 0, len(sessions))
	for _, sess := range sessions {
		summaries = append(summaries, sessionSummary{
			CallID: sess.CallID.String(),
			State:  sess.State().String(),
		})
	}

	writeJSON(w, http.StatusOK, statusResponse{
		UptimeSeconds:  int64(time.Since(s.startedAt).Seconds()),
		ActiveSessions: len(sessions),
		Sessions:       summaries,
	})
}

func (s *Server) handleExtensions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.extensions.Snapshot())
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	if err := s.extensions.Refresh(r.Context()); err != nil {
		s.logger.Warn("[API] extension refresh failed", "error", err)
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleRestart(w http.ResponseWriter, r *http.Request) {
	apartment := chi.URLParam(r, "apartment")
	if err := s.extensions.Restart(r.Context(), apartment); err != nil {
		s.logger.Warn("[API] extension restart failed", "apartment", apartment, "error", err)
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleHangup(w http.ResponseWriter, r *http.Request) {
	raw := chi.URLParam(r, "callId")
	id, err := callid.Parse(raw)
	if err != nil {
		http.Error(w, "invalid call id", http.StatusBadRequest)
		return
	}

	sess, ok := s.registry.Get(id)
	if !ok {
		http.Error(w, "no such session", http.StatusNotFound)
		return
	}
	sess.Terminate()
	w.WriteHeader(http.StatusNoContent)
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
