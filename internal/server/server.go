// Package server exposes the tutor over HTTP: a streaming chat
// endpoint plus session, task, persona and textbook management.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/tutorgo-dev/tutorgo/pkg/config"
	"github.com/tutorgo-dev/tutorgo/pkg/observability"
	"github.com/tutorgo-dev/tutorgo/pkg/session"
	"github.com/tutorgo-dev/tutorgo/pkg/state"
	"github.com/tutorgo-dev/tutorgo/pkg/textbook"
)

// Server wires the session cache and textbook store into HTTP handlers.
type Server struct {
	cache   *session.Cache
	books   textbook.Store
	health  *observability.HealthChecker
	limiter *chatLimiter

	httpServer *http.Server
	cfg        config.ServerConfig
}

// New creates a server. The health checker may carry extra checks; the
// server only serves it.
func New(cfg config.ServerConfig, cache *session.Cache, books textbook.Store, health *observability.HealthChecker) *Server {
	if cfg.ChatRateLimit <= 0 {
		cfg.ChatRateLimit = 50
	}
	if cfg.ChatRatePerSession <= 0 {
		cfg.ChatRatePerSession = 1
	}
	if cfg.ChatRateBurst <= 0 {
		cfg.ChatRateBurst = 5
	}
	return &Server{
		cache:   cache,
		books:   books,
		health:  health,
		limiter: newChatLimiter(cfg.ChatRateLimit, cfg.ChatRatePerSession, cfg.ChatRateBurst),
		cfg:     cfg,
	}
}

// Handler builds the route table. Exposed separately so tests can mount
// it on httptest.Server.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /chat/stream", s.instrument("/chat/stream", s.handleChatStream))
	mux.HandleFunc("POST /tasks/update", s.instrument("/tasks/update", s.handleTaskUpdate))
	mux.HandleFunc("DELETE /sessions/{id}", s.instrument("/sessions/{id}", s.handleDeleteSession))
	mux.HandleFunc("GET /maintenance/cleanup", s.instrument("/maintenance/cleanup", s.handleCleanup))
	mux.HandleFunc("POST /sessions/{id}/persona-type", s.instrument("/sessions/{id}/persona-type", s.handleSetPersona))
	mux.HandleFunc("GET /sessions/{id}/persona-type", s.instrument("/sessions/{id}/persona-type", s.handleGetPersona))
	mux.HandleFunc("POST /textbook/pages", s.instrument("/textbook/pages", s.handleTextbookUpload))
	mux.HandleFunc("GET /textbook", s.instrument("/textbook", s.handleTextbookInfo))

	mux.Handle("GET /metrics", observability.MetricsHandler())
	mux.HandleFunc("GET /health", s.health.HealthHandler())

	return mux
}

// Start begins serving. It blocks until the listener fails or Shutdown
// is called.
func (s *Server) Start() error {
	s.httpServer = &http.Server{
		Addr:         s.cfg.Addr,
		Handler:      s.Handler(),
		ReadTimeout:  s.cfg.ReadTimeout.Std(),
		WriteTimeout: s.cfg.WriteTimeout.Std(),
		IdleTimeout:  120 * time.Second,
	}
	log.Printf("http server listening on %s", s.cfg.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer != nil {
		return s.httpServer.Shutdown(ctx)
	}
	return nil
}

// statusWriter records the response code and keeps streaming flushes
// working through the wrapper.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (s *Server) instrument(route string, h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		h(sw, r)
		observability.RecordHTTPRequest(r.Method, route, strconv.Itoa(sw.status), time.Since(start))
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("write response: %v", err)
	}
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"detail": msg})
}

type chatRequest struct {
	Prompt    string `json:"prompt"`
	SessionID string `json:"session_id"`
}

// handleChatStream runs one turn and streams its events as NDJSON.
// Errors after the first event has been written can only be reported
// in-stream.
func (s *Server) handleChatStream(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.SessionID == "" || req.Prompt == "" {
		writeError(w, http.StatusBadRequest, "session_id and prompt are required")
		return
	}
	if !s.limiter.allow(req.SessionID) {
		writeError(w, http.StatusTooManyRequests, "too many requests, slow down")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	flusher, _ := w.(http.Flusher)
	enc := json.NewEncoder(w)

	wrote := false
	emit := func(ev session.Event) {
		wrote = true
		if err := enc.Encode(ev); err != nil {
			log.Printf("session %s: write event: %v", req.SessionID, err)
			return
		}
		if flusher != nil {
			flusher.Flush()
		}
	}

	if err := s.cache.RunTurn(r.Context(), req.SessionID, req.Prompt, emit); err != nil {
		log.Printf("session %s: turn: %v", req.SessionID, err)
		// A failure before the first event, such as a checkpoint store
		// that cannot open the session, still has the status line free.
		if !wrote {
			writeError(w, http.StatusInternalServerError, "failed to start turn")
		}
	}
}

type taskUpdateRequest struct {
	Date      string `json:"date"`
	TaskNo    int    `json:"task_no"`
	Completed bool   `json:"completed"`
	SessionID string `json:"session_id"`
}

func (s *Server) handleTaskUpdate(w http.ResponseWriter, r *http.Request) {
	var req taskUpdateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.SessionID == "" {
		writeError(w, http.StatusBadRequest, "session_id is required")
		return
	}

	err := s.cache.UpdateTask(r.Context(), req.SessionID, req.Date, req.TaskNo, req.Completed)
	switch {
	case errors.Is(err, session.ErrNoTasks):
		writeError(w, http.StatusNotFound, "No tasks found. Please create tasks first.")
	case errors.Is(err, session.ErrTaskNotFound):
		writeError(w, http.StatusNotFound, fmt.Sprintf("Task not found: %s task_no %d", req.Date, req.TaskNo))
	case err != nil:
		writeError(w, http.StatusInternalServerError, err.Error())
	default:
		writeJSON(w, http.StatusOK, map[string]string{
			"status":  "success",
			"message": "Task updated successfully",
		})
	}
}

func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("id")
	if err := s.cache.Evict(r.Context(), sessionID); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.limiter.forget(sessionID)
	writeJSON(w, http.StatusOK, map[string]string{
		"message": fmt.Sprintf("session %s evicted", sessionID),
	})
}

func (s *Server) handleCleanup(w http.ResponseWriter, r *http.Request) {
	stats, err := s.cache.SweepExpired(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"message":      "expired sessions cleaned up",
		"deleted":      stats.Deleted,
		"skipped_live": stats.SkippedLive,
	})
}

type personaRequest struct {
	PersonaType string `json:"persona_type"`
}

func (s *Server) handleSetPersona(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("id")
	var req personaRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	err := s.cache.SetPersonaType(r.Context(), sessionID, req.PersonaType)
	switch {
	case errors.Is(err, session.ErrInvalidPersona):
		writeError(w, http.StatusBadRequest,
			fmt.Sprintf("persona type must be %q or %q", state.PersonaT, state.PersonaF))
	case err != nil:
		writeError(w, http.StatusInternalServerError, err.Error())
	default:
		writeJSON(w, http.StatusOK, map[string]any{
			"success":      true,
			"persona_type": req.PersonaType,
		})
	}
}

func (s *Server) handleGetPersona(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("id")
	persona, err := s.cache.PersonaType(r.Context(), sessionID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":      true,
		"persona_type": persona,
	})
}

type textbookUploadRequest struct {
	SessionID string          `json:"session_id"`
	Title     string          `json:"title"`
	Pages     []textbook.Page `json:"pages"`
}

func (s *Server) handleTextbookUpload(w http.ResponseWriter, r *http.Request) {
	var req textbookUploadRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.SessionID == "" || len(req.Pages) == 0 {
		writeError(w, http.StatusBadRequest, "session_id and pages are required")
		return
	}

	book := textbook.Book{Title: req.Title, TotalPages: len(req.Pages)}
	if err := s.books.Put(r.Context(), req.SessionID, book, req.Pages); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":     true,
		"title":       req.Title,
		"total_pages": len(req.Pages),
	})
}

func (s *Server) handleTextbookInfo(w http.ResponseWriter, r *http.Request) {
	sessionID := r.URL.Query().Get("session_id")
	if sessionID == "" {
		sessionID = "default"
	}

	info, err := s.books.Info(r.Context(), sessionID)
	if errors.Is(err, textbook.ErrNotFound) {
		writeJSON(w, http.StatusOK, map[string]any{
			"success":  true,
			"textbook": nil,
		})
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":  true,
		"textbook": info,
	})
}
