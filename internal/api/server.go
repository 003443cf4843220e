// Package api implements the HTTP boundary of the conversational task
// agent: the chat endpoint plus read-only history and health endpoints.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/magpie-todo/magpie/internal/agent"
	"github.com/magpie-todo/magpie/internal/buildinfo"
	"github.com/magpie-todo/magpie/internal/store"
)

// writeJSON encodes v as JSON to w, logging any errors at debug level.
// Errors here typically mean the client disconnected mid-response.
func writeJSON(w http.ResponseWriter, v any, logger *slog.Logger) {
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Debug("failed to write JSON response", "error", err)
	}
}

// Server is the HTTP API server.
type Server struct {
	address       string
	port          int
	loop          *agent.Loop
	conversations *store.Store
	auth          Resolver
	historyWindow int
	logger        *slog.Logger
	server        *http.Server
}

// NewServer creates the API server.
func NewServer(address string, port int, loop *agent.Loop, conversations *store.Store, auth Resolver, historyWindow int, logger *slog.Logger) *Server {
	if historyWindow <= 0 {
		historyWindow = store.DefaultHistoryWindow
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		address:       address,
		port:          port,
		loop:          loop,
		conversations: conversations,
		auth:          auth,
		historyWindow: historyWindow,
		logger:        logger,
	}
}

// Routes builds the router. Exposed separately from Start so tests can
// drive the full handler stack through httptest.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(s.logRequests)
	r.Use(chimiddleware.Recoverer)

	r.Get("/health", s.handleHealth)
	r.Get("/v1/version", s.handleVersion)

	r.Group(func(r chi.Router) {
		r.Use(s.requireAuth)
		r.Post("/v1/chat", s.handleChat)
		r.Get("/v1/conversations", s.handleConversationList)
		r.Get("/v1/conversations/{id}", s.handleConversationGet)
		r.Get("/v1/conversations/{id}/tools", s.handleToolCalls)
		r.Delete("/v1/conversations/{id}", s.handleConversationDelete)
	})

	return r
}

// Start begins serving HTTP requests and blocks until the server stops.
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", s.address, s.port),
		Handler:      s.Routes(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 5 * time.Minute, // Multi-iteration tool loops take time
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

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Info("request",
			"method", r.Method,
			"path", r.URL.Path,
			"request_id", chimiddleware.GetReqID(r.Context()),
			"duration", time.Since(start),
		)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]string{"status": "healthy"}, s.logger)
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, buildinfo.Info(), s.logger)
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
