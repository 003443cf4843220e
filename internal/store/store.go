// Package store persists conversations and their ordered messages.
// It is the sole source of truth for chat state: every request re-reads
// what it needs here, which is what allows multiple server instances to
// run side by side without shared in-process state.
package store

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// ErrNotFound is returned when a conversation does not exist or is not
// owned by the caller. The two cases are deliberately indistinguishable
// so that existence of other users' conversations never leaks.
var ErrNotFound = errors.New("conversation not found")

// Message roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// Conversation is one chat thread owned by exactly one user.
type Conversation struct {
	ID        int64     `json:"id"`
	OwnerID   int64     `json:"owner_id"`
	Title     string    `json:"title,omitempty"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Message is one immutable entry in a conversation. Messages are
// append-only; rows are never updated or deleted. ToolCalls carries the
// serialized tool-call request when Role is "assistant" and the model
// asked for tools; ToolCallID binds a "tool" message back to the call it
// answers. Together they make any future replay of the history
// self-consistent.
type Message struct {
	ID             int64     `json:"id"`
	ConversationID int64     `json:"conversation_id"`
	Role           string    `json:"role"`
	Content        string    `json:"content"`
	ToolCalls      string    `json:"tool_calls,omitempty"`
	ToolCallID     string    `json:"tool_call_id,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

// ToolInvocation is one recorded tool execution, kept for auditing.
type ToolInvocation struct {
	ID             string    `json:"id"`
	ConversationID int64     `json:"conversation_id"`
	ToolName       string    `json:"tool_name"`
	Arguments      string    `json:"arguments"`
	Result         string    `json:"result"`
	Success        bool      `json:"success"`
	DurationMs     int64     `json:"duration_ms"`
	CreatedAt      time.Time `json:"created_at"`
}

// DBTX is satisfied by both *sql.DB and *sql.Tx, so the same query
// methods serve direct calls and transactional units of work.
type DBTX interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}
