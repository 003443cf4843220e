package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"

	"github.com/magpie-todo/magpie/internal/agent"
	"github.com/magpie-todo/magpie/internal/llm"
	"github.com/magpie-todo/magpie/internal/store"
	"github.com/magpie-todo/magpie/internal/tasks"
	"github.com/magpie-todo/magpie/internal/tools"
)

// scriptedLLM plays back one completion per Chat call.
type scriptedLLM struct {
	script []*llm.ChatResponse
	err    error
	calls  int
}

func (m *scriptedLLM) Chat(context.Context, string, []llm.Message, []map[string]any) (*llm.ChatResponse, error) {
	m.calls++
	if m.err != nil {
		return nil, m.err
	}
	if m.calls > len(m.script) {
		return &llm.ChatResponse{Message: llm.Message{Role: store.RoleAssistant, Content: "ok"}}, nil
	}
	return m.script[m.calls-1], nil
}

func (m *scriptedLLM) Ping(context.Context) error { return nil }

func reply(content string) *llm.ChatResponse {
	return &llm.ChatResponse{Message: llm.Message{Role: store.RoleAssistant, Content: content}}
}

func toolRequest(name string, args map[string]any) *llm.ChatResponse {
	var tc llm.ToolCall
	tc.ID = "call_1"
	tc.Function.Name = name
	tc.Function.Arguments = args
	return &llm.ChatResponse{Message: llm.Message{Role: store.RoleAssistant, ToolCalls: []llm.ToolCall{tc}}}
}

// gatedLLM blocks its first completion call until released, standing in
// for a slow provider.
type gatedLLM struct {
	started chan struct{}
	release chan struct{}
	mu      sync.Mutex
	calls   int
}

func (m *gatedLLM) Chat(ctx context.Context, _ string, _ []llm.Message, _ []map[string]any) (*llm.ChatResponse, error) {
	m.mu.Lock()
	m.calls++
	first := m.calls == 1
	m.mu.Unlock()

	if first {
		close(m.started)
		select {
		case <-m.release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return reply("done"), nil
}

func (m *gatedLLM) Ping(context.Context) error { return nil }

// testStack wires a full server over a temp database, with the
// completion service scripted.
type testStack struct {
	handler       http.Handler
	conversations *store.Store
	tasks         *tasks.Store
}

func newTestStack(t *testing.T, client llm.Client) *testStack {
	t.Helper()

	dir := t.TempDir()
	conversations, err := store.Open(filepath.Join(dir, "magpie.db"))
	if err != nil {
		t.Fatalf("open conversation store: %v", err)
	}
	t.Cleanup(func() { conversations.Close() })

	// Tasks get their own file, as in production.
	taskStore, err := tasks.Open(filepath.Join(dir, "magpie-tasks.db"))
	if err != nil {
		t.Fatalf("open task store: %v", err)
	}
	t.Cleanup(func() { taskStore.Close() })

	registry := tools.NewRegistry(taskStore, nil)
	loop := agent.NewLoop(nil, client, registry, "test-model", 5)

	resolver := NewTokenResolver(map[string]int64{
		"alice-token": 1,
		"bob-token":   2,
	})
	server := NewServer("127.0.0.1", 0, loop, conversations, resolver, 20, nil)

	return &testStack{
		handler:       server.Routes(),
		conversations: conversations,
		tasks:         taskStore,
	}
}

func (ts *testStack) do(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}

	req := httptest.NewRequest(method, path, &buf)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	ts.handler.ServeHTTP(rec, req)
	return rec
}

func decodeChat(t *testing.T, rec *httptest.ResponseRecorder) ChatResponse {
	t.Helper()
	var out ChatResponse
	if err := json.NewDecoder(rec.Body).Decode(&out); err != nil {
		t.Fatalf("decode chat response: %v", err)
	}
	return out
}

func TestChat_RequiresAuth(t *testing.T) {
	ts := newTestStack(t, &scriptedLLM{})

	cases := []struct {
		name  string
		token string
	}{
		{"no token", ""},
		{"unknown token", "not-a-real-token"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := ts.do(t, http.MethodPost, "/v1/chat", tc.token, ChatRequest{Message: "hi"})
			if rec.Code != http.StatusUnauthorized {
				t.Errorf("status = %d, want 401", rec.Code)
			}
		})
	}
}

func TestChat_CreateTaskExchange(t *testing.T) {
	ts := newTestStack(t, &scriptedLLM{script: []*llm.ChatResponse{
		toolRequest("create_task", map[string]any{"title": "buy milk", "priority": "high"}),
		reply(`Done — I added "buy milk" as a high-priority task.`),
	}})

	rec := ts.do(t, http.MethodPost, "/v1/chat", "alice-token", ChatRequest{Message: "remind me to buy milk, it's important"})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}

	out := decodeChat(t, rec)
	if out.ConversationID == 0 {
		t.Error("expected a conversation ID")
	}
	if len(out.ToolCalls) != 1 || out.ToolCalls[0] != "create_task" {
		t.Errorf("tool calls = %v", out.ToolCalls)
	}

	// The task landed in alice's store, never bob's.
	ctx := context.Background()
	mine, _ := ts.tasks.List(ctx, 1, tasks.ListFilter{})
	if len(mine) != 1 || mine[0].Title != "buy milk" || mine[0].Priority != tasks.PriorityHigh {
		t.Errorf("alice's tasks = %+v", mine)
	}
	theirs, _ := ts.tasks.List(ctx, 2, tasks.ListFilter{})
	if len(theirs) != 0 {
		t.Errorf("bob's tasks = %+v, want none", theirs)
	}

	// The full exchange persisted in order: user, assistant tool request,
	// tool result, final assistant reply.
	msgs, err := ts.conversations.Messages(ctx, out.ConversationID)
	if err != nil {
		t.Fatalf("Messages: %v", err)
	}
	wantRoles := []string{store.RoleUser, store.RoleAssistant, store.RoleTool, store.RoleAssistant}
	if len(msgs) != len(wantRoles) {
		t.Fatalf("message count = %d, want %d", len(msgs), len(wantRoles))
	}
	for i, want := range wantRoles {
		if msgs[i].Role != want {
			t.Errorf("message %d role = %s, want %s", i, msgs[i].Role, want)
		}
	}
	if msgs[1].ToolCalls == "" {
		t.Error("assistant tool request lost its tool_calls payload")
	}
	if msgs[2].ToolCallID != "call_1" {
		t.Errorf("tool result tool_call_id = %q, want %q", msgs[2].ToolCallID, "call_1")
	}

	// The audit log recorded the invocation.
	calls, _ := ts.conversations.ToolCalls(ctx, out.ConversationID, 10)
	if len(calls) != 1 || calls[0].ToolName != "create_task" || !calls[0].Success {
		t.Errorf("audit = %+v", calls)
	}
}

func TestChat_ContinuesConversation(t *testing.T) {
	ts := newTestStack(t, &scriptedLLM{script: []*llm.ChatResponse{
		reply("Hello!"),
		reply("Still here."),
	}})

	first := decodeChat(t, ts.do(t, http.MethodPost, "/v1/chat", "alice-token", ChatRequest{Message: "hi"}))

	rec := ts.do(t, http.MethodPost, "/v1/chat", "alice-token", ChatRequest{
		ConversationID: first.ConversationID,
		Message:        "you there?",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	second := decodeChat(t, rec)
	if second.ConversationID != first.ConversationID {
		t.Errorf("conversation = %d, want %d", second.ConversationID, first.ConversationID)
	}

	msgs, _ := ts.conversations.Messages(context.Background(), first.ConversationID)
	if len(msgs) != 4 {
		t.Errorf("message count = %d, want 4", len(msgs))
	}
}

func TestChat_ForeignConversationIsNotFound(t *testing.T) {
	ts := newTestStack(t, &scriptedLLM{script: []*llm.ChatResponse{reply("hi alice")}})

	alice := decodeChat(t, ts.do(t, http.MethodPost, "/v1/chat", "alice-token", ChatRequest{Message: "hi"}))

	// Bob addressing alice's conversation gets the same shape of error as
	// a nonexistent ID.
	rec := ts.do(t, http.MethodPost, "/v1/chat", "bob-token", ChatRequest{
		ConversationID: alice.ConversationID,
		Message:        "let me in",
	})
	if rec.Code != http.StatusNotFound {
		t.Errorf("foreign conversation status = %d, want 404", rec.Code)
	}

	rec = ts.do(t, http.MethodPost, "/v1/chat", "bob-token", ChatRequest{
		ConversationID: 99999,
		Message:        "hello void",
	})
	if rec.Code != http.StatusNotFound {
		t.Errorf("missing conversation status = %d, want 404", rec.Code)
	}
}

func TestChat_ParallelUsersDoNotSerialize(t *testing.T) {
	gate := &gatedLLM{started: make(chan struct{}), release: make(chan struct{})}
	ts := newTestStack(t, gate)

	aliceDone := make(chan *httptest.ResponseRecorder, 1)
	go func() {
		aliceDone <- ts.do(t, http.MethodPost, "/v1/chat", "alice-token", ChatRequest{Message: "slow one"})
	}()

	<-gate.started

	// Alice's completion call is still in flight. Bob's whole exchange —
	// including its commit — must run to completion regardless.
	rec := ts.do(t, http.MethodPost, "/v1/chat", "bob-token", ChatRequest{Message: "quick one"})
	if rec.Code != http.StatusOK {
		t.Fatalf("bob's status = %d, body = %s", rec.Code, rec.Body.String())
	}

	close(gate.release)
	if rec := <-aliceDone; rec.Code != http.StatusOK {
		t.Fatalf("alice's status = %d, body = %s", rec.Code, rec.Body.String())
	}
}

func TestChat_RollsBackOnCompletionFailure(t *testing.T) {
	ts := newTestStack(t, &scriptedLLM{err: errors.New("provider down")})

	rec := ts.do(t, http.MethodPost, "/v1/chat", "alice-token", ChatRequest{Message: "hi"})
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", rec.Code)
	}

	// The whole exchange rolled back: no conversation, no orphaned user
	// message.
	convs, err := ts.conversations.ListConversations(context.Background(), 1, 0)
	if err != nil {
		t.Fatalf("ListConversations: %v", err)
	}
	if len(convs) != 0 {
		t.Errorf("conversations after rollback = %d, want 0", len(convs))
	}
}

func TestChat_Validation(t *testing.T) {
	stub := &scriptedLLM{}
	ts := newTestStack(t, stub)

	long := bytes.Repeat([]byte("a"), maxMessageLen+1)
	cases := []struct {
		name string
		body any
	}{
		{"empty message", ChatRequest{Message: ""}},
		{"whitespace message", ChatRequest{Message: "   \n\t"}},
		{"oversized message", ChatRequest{Message: string(long)}},
		{"negative conversation", ChatRequest{ConversationID: -1, Message: "hi"}},
		{"malformed body", "not json at all"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := ts.do(t, http.MethodPost, "/v1/chat", "alice-token", tc.body)
			if rec.Code != http.StatusBadRequest {
				t.Errorf("status = %d, want 400", rec.Code)
			}
			if stub.calls != 0 {
				t.Error("completion service was called for an invalid request")
			}
		})
	}
}

func TestConversationEndpoints(t *testing.T) {
	ts := newTestStack(t, &scriptedLLM{script: []*llm.ChatResponse{
		toolRequest("create_task", map[string]any{"title": "x"}),
		reply("added"),
	}})

	chat := decodeChat(t, ts.do(t, http.MethodPost, "/v1/chat", "alice-token", ChatRequest{Message: "add x"}))
	convPath := fmt.Sprintf("/v1/conversations/%d", chat.ConversationID)

	t.Run("list", func(t *testing.T) {
		rec := ts.do(t, http.MethodGet, "/v1/conversations", "alice-token", nil)
		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d", rec.Code)
		}
		var out struct {
			Count int `json:"count"`
		}
		json.NewDecoder(rec.Body).Decode(&out)
		if out.Count != 1 {
			t.Errorf("count = %d, want 1", out.Count)
		}
	})

	t.Run("get with messages", func(t *testing.T) {
		rec := ts.do(t, http.MethodGet, convPath, "alice-token", nil)
		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d", rec.Code)
		}
		var out struct {
			Messages []store.Message `json:"messages"`
		}
		json.NewDecoder(rec.Body).Decode(&out)
		if len(out.Messages) != 4 {
			t.Errorf("messages = %d, want 4", len(out.Messages))
		}
	})

	t.Run("tool audit", func(t *testing.T) {
		rec := ts.do(t, http.MethodGet, convPath+"/tools", "alice-token", nil)
		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d", rec.Code)
		}
		var out struct {
			Count int `json:"count"`
		}
		json.NewDecoder(rec.Body).Decode(&out)
		if out.Count != 1 {
			t.Errorf("count = %d, want 1", out.Count)
		}
	})

	t.Run("foreign access is not found", func(t *testing.T) {
		for _, path := range []string{convPath, convPath + "/tools"} {
			rec := ts.do(t, http.MethodGet, path, "bob-token", nil)
			if rec.Code != http.StatusNotFound {
				t.Errorf("GET %s as bob = %d, want 404", path, rec.Code)
			}
		}
		if rec := ts.do(t, http.MethodDelete, convPath, "bob-token", nil); rec.Code != http.StatusNotFound {
			t.Errorf("DELETE as bob = %d, want 404", rec.Code)
		}
	})

	t.Run("delete", func(t *testing.T) {
		if rec := ts.do(t, http.MethodDelete, convPath, "alice-token", nil); rec.Code != http.StatusNoContent {
			t.Fatalf("delete status = %d, want 204", rec.Code)
		}
		if rec := ts.do(t, http.MethodGet, convPath, "alice-token", nil); rec.Code != http.StatusNotFound {
			t.Errorf("get after delete = %d, want 404", rec.Code)
		}
	})

	t.Run("invalid id", func(t *testing.T) {
		rec := ts.do(t, http.MethodGet, "/v1/conversations/abc", "alice-token", nil)
		if rec.Code != http.StatusBadRequest {
			t.Errorf("status = %d, want 400", rec.Code)
		}
	})
}

func TestHealthAndVersionArePublic(t *testing.T) {
	ts := newTestStack(t, &scriptedLLM{})

	if rec := ts.do(t, http.MethodGet, "/health", "", nil); rec.Code != http.StatusOK {
		t.Errorf("health status = %d", rec.Code)
	}
	if rec := ts.do(t, http.MethodGet, "/v1/version", "", nil); rec.Code != http.StatusOK {
		t.Errorf("version status = %d", rec.Code)
	}
}

func TestTokenResolver(t *testing.T) {
	resolver := NewTokenResolver(map[string]int64{"good": 7})

	cases := []struct {
		name   string
		header string
		wantID int64
		wantOK bool
	}{
		{"valid", "Bearer good", 7, true},
		{"unknown token", "Bearer bad", 0, false},
		{"missing header", "", 0, false},
		{"wrong scheme", "Basic good", 0, false},
		{"bare token", "good", 0, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			if tc.header != "" {
				req.Header.Set("Authorization", tc.header)
			}
			id, err := resolver.Resolve(req)
			if tc.wantOK {
				if err != nil || id != tc.wantID {
					t.Errorf("Resolve = (%d, %v), want (%d, nil)", id, err, tc.wantID)
				}
			} else if !errors.Is(err, ErrUnauthenticated) {
				t.Errorf("Resolve error = %v, want ErrUnauthenticated", err)
			}
		})
	}
}
