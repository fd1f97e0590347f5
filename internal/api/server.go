// Package api implements the HTTP control surface for a running
// switchboard session.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/calder-ai/switchboard/internal/audit"
	"github.com/calder-ai/switchboard/internal/buildinfo"
	"github.com/calder-ai/switchboard/internal/compose"
	"github.com/calder-ai/switchboard/internal/session"
)

// writeJSON encodes v as JSON to w, logging any errors at debug level.
// Errors here typically mean the client disconnected mid-response,
// which is not actionable but worth tracking for debugging.
func writeJSON(w http.ResponseWriter, v any, logger *slog.Logger) {
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Debug("failed to write JSON response", "error", err)
	}
}

// Server is the HTTP API server. It fronts a single session: turn
// requests are dispatched through it, and the introspection endpoints
// report its registry and provider health.
type Server struct {
	address string
	port    int
	session *session.Session
	trail   *audit.Store
	logger  *slog.Logger
	server  *http.Server
}

// NewServer creates a new API server for sess.
func NewServer(address string, port int, sess *session.Session, logger *slog.Logger) *Server {
	return &Server{
		address: address,
		port:    port,
		session: sess,
		logger:  logger,
	}
}

// SetAuditStore configures the audit trail for the audit endpoints.
func (s *Server) SetAuditStore(trail *audit.Store) {
	s.trail = trail
}

// routes builds the request mux. Split out from Start so handler
// tests can exercise it without a listener.
func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()

	// Turn processing
	mux.HandleFunc("POST /v1/turn", s.handleTurn)

	// Registry and provider introspection
	mux.HandleFunc("GET /v1/tools", s.handleTools)
	mux.HandleFunc("GET /v1/providers", s.handleProviders)

	// Audit trail
	mux.HandleFunc("GET /v1/audit/calls", s.handleAuditCalls)

	// Health endpoints
	mux.HandleFunc("GET /v1/version", s.handleVersion)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /", s.handleRoot)

	return mux
}

// Start begins serving HTTP requests. It blocks until the listener
// fails or Shutdown is called.
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", s.address, s.port),
		Handler:      s.withLogging(s.routes()),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 120 * time.Second, // turns can run long under provider retries
	}

	addr := s.address
	if addr == "" {
		addr = "0.0.0.0"
	}
	s.logger.Info("starting API server", "address", addr, "port", s.port)
	return s.server.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Info("request",
			"method", r.Method,
			"path", r.URL.Path,
			"duration", time.Since(start),
		)
	})
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]string{
		"name":    "switchboard",
		"version": buildinfo.Version,
		"status":  "ok",
	}, s.logger)
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, buildinfo.Info(), s.logger)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]string{
		"status":  "healthy",
		"session": string(s.session.State()),
	}, s.logger)
}

// TurnRequest carries one model turn. Either ToolCalls (structured
// elements, passed through verbatim) or Content (assistant text to
// scan for embedded calls) must be set; ToolCalls wins when both are.
type TurnRequest struct {
	ToolCalls []json.RawMessage `json:"tool_calls,omitempty"`
	Content   string            `json:"content,omitempty"`
}

// TurnResponse is the composed feedback for one turn.
type TurnResponse struct {
	SessionID string          `json:"session_id"`
	Turn      int             `json:"turn"`
	Entries   []compose.Entry `json:"entries"`
}

func (s *Server) handleTurn(w http.ResponseWriter, r *http.Request) {
	var req TurnRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if len(req.ToolCalls) == 0 && req.Content == "" {
		s.errorResponse(w, http.StatusBadRequest, "tool_calls or content is required")
		return
	}

	var (
		entries []compose.Entry
		err     error
	)
	if len(req.ToolCalls) > 0 {
		entries, err = s.session.RunTurn(r.Context(), req.ToolCalls)
	} else {
		entries, err = s.session.RunText(r.Context(), req.Content)
	}
	if err != nil {
		s.logger.Error("turn failed", "error", err)
		s.errorResponse(w, http.StatusConflict, err.Error())
		return
	}

	if entries == nil {
		entries = []compose.Entry{}
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, TurnResponse{
		SessionID: s.session.ID(),
		Turn:      s.session.Turn(),
		Entries:   entries,
	}, s.logger)
}

func (s *Server) handleTools(w http.ResponseWriter, r *http.Request) {
	catalog := s.session.Registry().Catalog()

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{
		"tools": catalog,
		"count": len(catalog),
	}, s.logger)
}

func (s *Server) handleProviders(w http.ResponseWriter, r *http.Request) {
	statuses := s.session.ProviderStatus()

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{
		"providers": statuses,
		"count":     len(statuses),
	}, s.logger)
}

func (s *Server) handleAuditCalls(w http.ResponseWriter, r *http.Request) {
	if s.trail == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, "audit trail not configured")
		return
	}

	limit := parseIntParam(r, "limit", 50)

	entries, err := s.trail.Recent(r.Context(), s.session.ID(), limit)
	if err != nil {
		s.logger.Error("audit query failed", "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "audit query failed")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{
		"calls": entries,
		"count": len(entries),
	}, s.logger)
}

func (s *Server) errorResponse(w http.ResponseWriter, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	writeJSON(w, map[string]any{
		"error": map[string]any{
			"message": message,
			"code":    code,
		},
	}, s.logger)
}

func parseIntParam(r *http.Request, name string, defaultVal int) int {
	s := r.URL.Query().Get(name)
	if s == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return defaultVal
	}
	return n
}
