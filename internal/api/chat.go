package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/magpie-todo/magpie/internal/agent"
	"github.com/magpie-todo/magpie/internal/store"
)

// maxMessageLen bounds the incoming chat message.
const maxMessageLen = 5000

// ChatRequest is the body of POST /v1/chat. The caller's identity comes
// from the auth middleware, never from this payload.
type ChatRequest struct {
	ConversationID int64  `json:"conversation_id,omitempty"`
	Message        string `json:"message"`
}

// ChatResponse is the reply to POST /v1/chat.
type ChatResponse struct {
	ConversationID int64    `json:"conversation_id"`
	Response       string   `json:"response"`
	ToolCalls      []string `json:"tool_calls,omitempty"` // Tool names used
}

// exchangeBuffer collects everything the agent loop wants persisted so
// the whole exchange can be flushed in one short transaction after the
// loop returns. SQLite allows a single writer; a transaction held open
// across the loop's completion calls would block every other user's
// writes for the duration.
type exchangeBuffer struct {
	messages []bufferedMessage
	calls    []bufferedCall
}

type bufferedMessage struct {
	role       string
	content    string
	toolCalls  string
	toolCallID string
}

type bufferedCall struct {
	toolName  string
	arguments string
	result    string
	success   bool
	duration  time.Duration
}

func (b *exchangeBuffer) Append(_ context.Context, _ int64, role, content, toolCalls, toolCallID string) (*store.Message, error) {
	b.messages = append(b.messages, bufferedMessage{role, content, toolCalls, toolCallID})
	return &store.Message{Role: role, Content: content, ToolCalls: toolCalls, ToolCallID: toolCallID}, nil
}

func (b *exchangeBuffer) RecordToolCall(_ context.Context, _ int64, toolName, arguments, result string, success bool, duration time.Duration) error {
	b.calls = append(b.calls, bufferedCall{toolName, arguments, result, success, duration})
	return nil
}

// flush writes the buffered messages and audit records in their original
// order, bound to the resolved conversation.
func (b *exchangeBuffer) flush(ctx context.Context, q *store.Queries, conversationID int64) error {
	for _, m := range b.messages {
		if _, err := q.Append(ctx, conversationID, m.role, m.content, m.toolCalls, m.toolCallID); err != nil {
			return err
		}
	}
	for _, c := range b.calls {
		if err := q.RecordToolCall(ctx, conversationID, c.toolName, c.arguments, c.result, c.success, c.duration); err != nil {
			return err
		}
	}
	return nil
}

// handleChat runs one chat exchange. The orchestrator loop runs with no
// transaction held — its writes accumulate in an exchangeBuffer — and
// the result is committed in one short transaction: user message, the
// loop's messages and audit records, assistant reply. Any failure before
// that commit leaves nothing behind, so a user message is never stored
// without a paired outcome, and one user's slow exchange never blocks
// another's.
func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	ownerID, ok := OwnerFromContext(r.Context())
	if !ok {
		s.errorResponse(w, http.StatusUnauthorized, "authentication required")
		return
	}

	var req ChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "invalid request body")
		return
	}

	req.Message = strings.TrimSpace(req.Message)
	if req.Message == "" {
		s.errorResponse(w, http.StatusBadRequest, "message is required")
		return
	}
	if len(req.Message) > maxMessageLen {
		s.errorResponse(w, http.StatusBadRequest, "message exceeds maximum length")
		return
	}
	if req.ConversationID < 0 {
		s.errorResponse(w, http.StatusBadRequest, "invalid conversation_id")
		return
	}

	ctx := r.Context()

	// Resolve ownership and read the window up front, outside any
	// transaction. A new conversation (id 0) has no history and is not
	// created until the final commit, so a failed exchange leaves no row.
	var history []store.Message
	if req.ConversationID != 0 {
		if _, err := s.conversations.GetOrCreate(ctx, ownerID, req.ConversationID); err != nil {
			s.notFoundOrInternal(w, ownerID, err)
			return
		}
		var err error
		history, err = s.conversations.History(ctx, req.ConversationID, s.historyWindow)
		if err != nil {
			s.logger.Error("read history failed", "owner", ownerID, "error", err)
			s.errorResponse(w, http.StatusInternalServerError, "something went wrong, please try again")
			return
		}
	}

	buf := &exchangeBuffer{}
	resp, err := s.loop.Run(ctx, &agent.Request{
		OwnerID:        ownerID,
		ConversationID: req.ConversationID,
		History:        history,
		Message:        req.Message,
	}, buf)
	if err != nil {
		// Internal detail stays in the log; the client gets a generic
		// failure it can retry.
		s.logger.Error("chat request failed", "owner", ownerID, "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "something went wrong, please try again")
		return
	}

	var out ChatResponse
	err = s.conversations.RunInTx(ctx, func(q *store.Queries) error {
		conv, err := q.GetOrCreate(ctx, ownerID, req.ConversationID)
		if err != nil {
			return err
		}
		if _, err := q.Append(ctx, conv.ID, store.RoleUser, req.Message, "", ""); err != nil {
			return err
		}
		if err := buf.flush(ctx, q, conv.ID); err != nil {
			return err
		}
		if _, err := q.Append(ctx, conv.ID, store.RoleAssistant, resp.Content, "", ""); err != nil {
			return err
		}

		out = ChatResponse{
			ConversationID: conv.ID,
			Response:       resp.Content,
			ToolCalls:      resp.ToolCalls,
		}
		return nil
	})

	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			s.errorResponse(w, http.StatusNotFound, "conversation not found")
			return
		}
		s.logger.Error("chat commit failed", "owner", ownerID, "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "something went wrong, please try again")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, out, s.logger)
}
