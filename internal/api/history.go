package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/magpie-todo/magpie/internal/store"
)

// handleConversationList returns the caller's active conversations,
// most recently updated first.
func (s *Server) handleConversationList(w http.ResponseWriter, r *http.Request) {
	ownerID, ok := OwnerFromContext(r.Context())
	if !ok {
		s.errorResponse(w, http.StatusUnauthorized, "authentication required")
		return
	}

	convs, err := s.conversations.ListConversations(r.Context(), ownerID, parseIntParam(r, "limit", 50))
	if err != nil {
		s.logger.Error("list conversations failed", "owner", ownerID, "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "something went wrong, please try again")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{
		"conversations": convs,
		"count":         len(convs),
	}, s.logger)
}

// handleConversationGet returns one conversation with its full message
// log, provided the caller owns it.
func (s *Server) handleConversationGet(w http.ResponseWriter, r *http.Request) {
	ownerID, ok := OwnerFromContext(r.Context())
	if !ok {
		s.errorResponse(w, http.StatusUnauthorized, "authentication required")
		return
	}

	convID, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || convID <= 0 {
		s.errorResponse(w, http.StatusBadRequest, "invalid conversation id")
		return
	}

	conv, err := s.conversations.GetOrCreate(r.Context(), ownerID, convID)
	if err != nil {
		s.notFoundOrInternal(w, ownerID, err)
		return
	}

	messages, err := s.conversations.Messages(r.Context(), conv.ID)
	if err != nil {
		s.logger.Error("get messages failed", "owner", ownerID, "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "something went wrong, please try again")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{
		"conversation": conv,
		"messages":     messages,
	}, s.logger)
}

// handleToolCalls returns the tool invocation audit log for one owned
// conversation.
func (s *Server) handleToolCalls(w http.ResponseWriter, r *http.Request) {
	ownerID, ok := OwnerFromContext(r.Context())
	if !ok {
		s.errorResponse(w, http.StatusUnauthorized, "authentication required")
		return
	}

	convID, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || convID <= 0 {
		s.errorResponse(w, http.StatusBadRequest, "invalid conversation id")
		return
	}

	// Ownership check before touching the audit table.
	if _, err := s.conversations.GetOrCreate(r.Context(), ownerID, convID); err != nil {
		s.notFoundOrInternal(w, ownerID, err)
		return
	}

	calls, err := s.conversations.ToolCalls(r.Context(), convID, parseIntParam(r, "limit", 100))
	if err != nil {
		s.logger.Error("list tool calls failed", "owner", ownerID, "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "something went wrong, please try again")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{
		"tool_calls": calls,
		"count":      len(calls),
	}, s.logger)
}

// handleConversationDelete soft-deletes an owned conversation.
func (s *Server) handleConversationDelete(w http.ResponseWriter, r *http.Request) {
	ownerID, ok := OwnerFromContext(r.Context())
	if !ok {
		s.errorResponse(w, http.StatusUnauthorized, "authentication required")
		return
	}

	convID, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || convID <= 0 {
		s.errorResponse(w, http.StatusBadRequest, "invalid conversation id")
		return
	}

	if err := s.conversations.Deactivate(r.Context(), ownerID, convID); err != nil {
		s.notFoundOrInternal(w, ownerID, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) notFoundOrInternal(w http.ResponseWriter, ownerID int64, err error) {
	if errors.Is(err, store.ErrNotFound) {
		s.errorResponse(w, http.StatusNotFound, "conversation not found")
		return
	}
	s.logger.Error("conversation lookup failed", "owner", ownerID, "error", err)
	s.errorResponse(w, http.StatusInternalServerError, "something went wrong, please try again")
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
