package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
)

// DefaultHistoryWindow bounds how many recent messages History returns
// when the caller passes a non-positive limit. Keeping the window fixed
// keeps model context size predictable regardless of conversation age.
const DefaultHistoryWindow = 20

// Store is a SQLite-backed conversation store.
type Store struct {
	*Queries
	db *sql.DB
}

// Open creates or opens the conversation database at dbPath.
func Open(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	s := &Store{Queries: &Queries{db: db}, db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return s, nil
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS conversations (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		owner_id INTEGER NOT NULL,
		title TEXT NOT NULL DEFAULT '',
		active INTEGER NOT NULL DEFAULT 1,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_conversations_owner ON conversations(owner_id, updated_at);

	CREATE TABLE IF NOT EXISTS messages (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		conversation_id INTEGER NOT NULL,
		role TEXT NOT NULL,
		content TEXT NOT NULL,
		tool_calls TEXT,
		tool_call_id TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMP NOT NULL,
		FOREIGN KEY (conversation_id) REFERENCES conversations(id) ON DELETE CASCADE
	);
	CREATE INDEX IF NOT EXISTS idx_messages_conversation ON messages(conversation_id, created_at);

	CREATE TABLE IF NOT EXISTS tool_invocations (
		id TEXT PRIMARY KEY,
		conversation_id INTEGER NOT NULL,
		tool_name TEXT NOT NULL,
		arguments TEXT NOT NULL,
		result TEXT NOT NULL,
		success INTEGER NOT NULL,
		duration_ms INTEGER NOT NULL DEFAULT 0,
		created_at TIMESTAMP NOT NULL,
		FOREIGN KEY (conversation_id) REFERENCES conversations(id) ON DELETE CASCADE
	);
	CREATE INDEX IF NOT EXISTS idx_tool_invocations_conversation ON tool_invocations(conversation_id, created_at);
	`

	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// RunInTx executes fn inside one transaction. All conversation reads and
// writes of a chat request go through the transactional Queries handed to
// fn, so a failure after the user message was appended rolls everything
// back and never leaves a user message without a paired outcome.
func (s *Store) RunInTx(ctx context.Context, fn func(q *Queries) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := fn(&Queries{db: tx}); err != nil {
		return err
	}

	return tx.Commit()
}

// Queries bundles all conversation operations over either a database
// handle or an open transaction.
type Queries struct {
	db DBTX
}

// GetOrCreate resolves the conversation for a request. When
// conversationID is zero a new conversation owned by ownerID is created.
// Otherwise the conversation is fetched and ErrNotFound is returned
// unless it exists, is active, and belongs to ownerID.
func (q *Queries) GetOrCreate(ctx context.Context, ownerID, conversationID int64) (*Conversation, error) {
	if conversationID == 0 {
		return q.create(ctx, ownerID)
	}

	row := q.db.QueryRowContext(ctx, `
		SELECT id, owner_id, title, active, created_at, updated_at
		FROM conversations
		WHERE id = ? AND owner_id = ? AND active = 1
	`, conversationID, ownerID)

	var c Conversation
	if err := row.Scan(&c.ID, &c.OwnerID, &c.Title, &c.Active, &c.CreatedAt, &c.UpdatedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get conversation: %w", err)
	}
	return &c, nil
}

func (q *Queries) create(ctx context.Context, ownerID int64) (*Conversation, error) {
	now := time.Now().UTC()
	res, err := q.db.ExecContext(ctx, `
		INSERT INTO conversations (owner_id, created_at, updated_at)
		VALUES (?, ?, ?)
	`, ownerID, now, now)
	if err != nil {
		return nil, fmt.Errorf("create conversation: %w", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("conversation id: %w", err)
	}

	return &Conversation{
		ID:        id,
		OwnerID:   ownerID,
		Active:    true,
		CreatedAt: now,
		UpdatedAt: now,
	}, nil
}

// History returns the most recent limit messages of a conversation in
// ascending chronological order. Older messages stay stored but fall out
// of the returned window.
func (q *Queries) History(ctx context.Context, conversationID int64, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = DefaultHistoryWindow
	}

	// Newest-first query with LIMIT, then reversed: the window is always
	// the tail of the conversation.
	rows, err := q.db.QueryContext(ctx, `
		SELECT id, conversation_id, role, content, COALESCE(tool_calls, ''), tool_call_id, created_at
		FROM messages
		WHERE conversation_id = ?
		ORDER BY id DESC
		LIMIT ?
	`, conversationID, limit)
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	defer rows.Close()

	var msgs []Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.Role, &m.Content, &m.ToolCalls, &m.ToolCallID, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate history: %w", err)
	}

	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, nil
}

// Append persists one message and touches the parent conversation's
// updated_at. Messages are never mutated afterwards. toolCallID is set
// only on "tool" messages and names the call being answered.
func (q *Queries) Append(ctx context.Context, conversationID int64, role, content, toolCalls, toolCallID string) (*Message, error) {
	now := time.Now().UTC()

	var tc any
	if toolCalls != "" {
		tc = toolCalls
	}

	res, err := q.db.ExecContext(ctx, `
		INSERT INTO messages (conversation_id, role, content, tool_calls, tool_call_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, conversationID, role, content, tc, toolCallID, now)
	if err != nil {
		return nil, fmt.Errorf("insert message: %w", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("message id: %w", err)
	}

	if _, err := q.db.ExecContext(ctx, `
		UPDATE conversations SET updated_at = ? WHERE id = ?
	`, now, conversationID); err != nil {
		return nil, fmt.Errorf("touch conversation: %w", err)
	}

	return &Message{
		ID:             id,
		ConversationID: conversationID,
		Role:           role,
		Content:        content,
		ToolCalls:      toolCalls,
		ToolCallID:     toolCallID,
		CreatedAt:      now,
	}, nil
}

// Messages returns the full message log of a conversation in ascending
// order, for the read-only history API.
func (q *Queries) Messages(ctx context.Context, conversationID int64) ([]Message, error) {
	rows, err := q.db.QueryContext(ctx, `
		SELECT id, conversation_id, role, content, COALESCE(tool_calls, ''), tool_call_id, created_at
		FROM messages
		WHERE conversation_id = ?
		ORDER BY id ASC
	`, conversationID)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer rows.Close()

	var msgs []Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.Role, &m.Content, &m.ToolCalls, &m.ToolCallID, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

// ListConversations returns the caller's active conversations, most
// recently updated first.
func (q *Queries) ListConversations(ctx context.Context, ownerID int64, limit int) ([]Conversation, error) {
	if limit <= 0 {
		limit = 50
	}

	rows, err := q.db.QueryContext(ctx, `
		SELECT id, owner_id, title, active, created_at, updated_at
		FROM conversations
		WHERE owner_id = ? AND active = 1
		ORDER BY updated_at DESC
		LIMIT ?
	`, ownerID, limit)
	if err != nil {
		return nil, fmt.Errorf("query conversations: %w", err)
	}
	defer rows.Close()

	var convs []Conversation
	for rows.Next() {
		var c Conversation
		if err := rows.Scan(&c.ID, &c.OwnerID, &c.Title, &c.Active, &c.CreatedAt, &c.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan conversation: %w", err)
		}
		convs = append(convs, c)
	}
	return convs, rows.Err()
}

// Deactivate soft-deletes a conversation. The rows stay in place; the
// conversation simply stops resolving through GetOrCreate and listings.
func (q *Queries) Deactivate(ctx context.Context, ownerID, conversationID int64) error {
	res, err := q.db.ExecContext(ctx, `
		UPDATE conversations SET active = 0, updated_at = ?
		WHERE id = ? AND owner_id = ? AND active = 1
	`, time.Now().UTC(), conversationID, ownerID)
	if err != nil {
		return fmt.Errorf("deactivate conversation: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// RecordToolCall logs one tool execution for auditing.
func (q *Queries) RecordToolCall(ctx context.Context, conversationID int64, toolName, arguments, result string, success bool, duration time.Duration) error {
	id, err := uuid.NewV7()
	if err != nil {
		id = uuid.New()
	}

	_, err = q.db.ExecContext(ctx, `
		INSERT INTO tool_invocations (id, conversation_id, tool_name, arguments, result, success, duration_ms, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, id.String(), conversationID, toolName, arguments, result, success, duration.Milliseconds(), time.Now().UTC())
	if err != nil {
		return fmt.Errorf("record tool call: %w", err)
	}
	return nil
}

// ToolCalls returns recent tool invocations for a conversation, newest
// first.
func (q *Queries) ToolCalls(ctx context.Context, conversationID int64, limit int) ([]ToolInvocation, error) {
	if limit <= 0 {
		limit = 100
	}
	if limit > 1000 {
		limit = 1000
	}

	rows, err := q.db.QueryContext(ctx, `
		SELECT id, conversation_id, tool_name, arguments, result, success, duration_ms, created_at
		FROM tool_invocations
		WHERE conversation_id = ?
		ORDER BY created_at DESC
		LIMIT ?
	`, conversationID, limit)
	if err != nil {
		return nil, fmt.Errorf("query tool calls: %w", err)
	}
	defer rows.Close()

	var calls []ToolInvocation
	for rows.Next() {
		var t ToolInvocation
		if err := rows.Scan(&t.ID, &t.ConversationID, &t.ToolName, &t.Arguments, &t.Result, &t.Success, &t.DurationMs, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan tool call: %w", err)
		}
		calls = append(calls, t)
	}
	return calls, rows.Err()
}
