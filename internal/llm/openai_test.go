package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func completionBody(t *testing.T, message map[string]any) string {
	t.Helper()
	body, err := json.Marshal(map[string]any{
		"model":   "test-model",
		"created": time.Now().Unix(),
		"choices": []map[string]any{{"message": message, "finish_reason": "stop"}},
		"usage":   map[string]any{"prompt_tokens": 12, "completion_tokens": 3},
	})
	if err != nil {
		t.Fatalf("marshal completion: %v", err)
	}
	return string(body)
}

func fastClient(url string, maxRetries int) *OpenAIClient {
	c := NewOpenAIClient(url, "test-key", 5*time.Second, maxRetries, nil)
	c.retryBase = time.Millisecond
	return c
}

func TestChat_PlainCompletion(t *testing.T) {
	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			t.Errorf("path = %s", r.URL.Path)
		}
		gotAuth = r.Header.Get("Authorization")

		var req chatRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		if req.Model != "test-model" || len(req.Messages) != 1 {
			t.Errorf("request = %+v", req)
		}

		w.Write([]byte(completionBody(t, map[string]any{"role": "assistant", "content": "hello"})))
	}))
	defer srv.Close()

	client := fastClient(srv.URL, 0)
	resp, err := client.Chat(context.Background(), "test-model", []Message{{Role: "user", Content: "hi"}}, nil)
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}

	if resp.Message.Content != "hello" {
		t.Errorf("content = %q", resp.Message.Content)
	}
	if resp.InputTokens != 12 || resp.OutputTokens != 3 {
		t.Errorf("tokens = %d/%d", resp.InputTokens, resp.OutputTokens)
	}
	if gotAuth != "Bearer test-key" {
		t.Errorf("auth header = %q", gotAuth)
	}
}

func TestChat_DecodesToolCallArguments(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(completionBody(t, map[string]any{
			"role": "assistant",
			"tool_calls": []map[string]any{{
				"id":   "call_abc",
				"type": "function",
				"function": map[string]any{
					"name":      "create_task",
					"arguments": `{"title":"buy milk","priority":"high"}`,
				},
			}},
		})))
	}))
	defer srv.Close()

	client := fastClient(srv.URL, 0)
	resp, err := client.Chat(context.Background(), "test-model", nil, nil)
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}

	calls := resp.Message.ToolCalls
	if len(calls) != 1 {
		t.Fatalf("tool call count = %d, want 1", len(calls))
	}
	if calls[0].ID != "call_abc" || calls[0].Function.Name != "create_task" {
		t.Errorf("call = %+v", calls[0])
	}
	// Wire-format string arguments become a real map.
	if calls[0].Function.Arguments["title"] != "buy milk" {
		t.Errorf("arguments = %v", calls[0].Function.Arguments)
	}
}

func TestChat_SendsToolCallArgumentsAsString(t *testing.T) {
	var captured chatRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&captured)
		w.Write([]byte(completionBody(t, map[string]any{"role": "assistant", "content": "ok"})))
	}))
	defer srv.Close()

	var tc ToolCall
	tc.ID = "call_1"
	tc.Function.Name = "list_tasks"
	tc.Function.Arguments = map[string]any{"status": "todo"}

	client := fastClient(srv.URL, 0)
	_, err := client.Chat(context.Background(), "test-model", []Message{
		{Role: "assistant", ToolCalls: []ToolCall{tc}},
		{Role: "tool", Content: `{"success":true}`, ToolCallID: "call_1"},
	}, nil)
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}

	if len(captured.Messages) != 2 {
		t.Fatalf("message count = %d", len(captured.Messages))
	}
	wire := captured.Messages[0].ToolCalls
	if len(wire) != 1 || wire[0].Type != "function" {
		t.Fatalf("wire calls = %+v", wire)
	}
	if !strings.Contains(wire[0].Function.Arguments, `"status":"todo"`) {
		t.Errorf("wire arguments = %q, want a JSON string", wire[0].Function.Arguments)
	}
	if captured.Messages[1].ToolCallID != "call_1" {
		t.Errorf("tool message = %+v", captured.Messages[1])
	}
}

func TestChat_RetriesServerErrors(t *testing.T) {
	var attempts int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		if attempts <= 2 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte(completionBody(t, map[string]any{"role": "assistant", "content": "recovered"})))
	}))
	defer srv.Close()

	client := fastClient(srv.URL, 3)
	resp, err := client.Chat(context.Background(), "test-model", nil, nil)
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if resp.Message.Content != "recovered" {
		t.Errorf("content = %q", resp.Message.Content)
	}
	if attempts != 3 {
		t.Errorf("attempts = %d, want 3", attempts)
	}
}

func TestChat_DoesNotRetryClientErrors(t *testing.T) {
	var attempts int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"error":"bad request"}`))
	}))
	defer srv.Close()

	client := fastClient(srv.URL, 3)
	if _, err := client.Chat(context.Background(), "test-model", nil, nil); err == nil {
		t.Fatal("expected error")
	}
	if attempts != 1 {
		t.Errorf("attempts = %d, want 1 (4xx must not retry)", attempts)
	}
}

func TestChat_ExhaustsRetryBudget(t *testing.T) {
	var attempts int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	client := fastClient(srv.URL, 2)
	_, err := client.Chat(context.Background(), "test-model", nil, nil)
	if err == nil {
		t.Fatal("expected error after budget exhaustion")
	}
	if attempts != 3 {
		t.Errorf("attempts = %d, want 3 (initial + 2 retries)", attempts)
	}
	if !strings.Contains(err.Error(), "unavailable") {
		t.Errorf("error = %v", err)
	}
}

func TestChat_EmptyChoices(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"model":"m","choices":[]}`))
	}))
	defer srv.Close()

	client := fastClient(srv.URL, 0)
	if _, err := client.Chat(context.Background(), "test-model", nil, nil); err == nil {
		t.Fatal("expected error for empty choices")
	}
}

func TestPing(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/models" {
			t.Errorf("path = %s", r.URL.Path)
		}
		w.Write([]byte(`{"data":[]}`))
	}))
	defer srv.Close()

	if err := fastClient(srv.URL, 0).Ping(context.Background()); err != nil {
		t.Errorf("Ping: %v", err)
	}
}

func TestIsRetryable(t *testing.T) {
	cases := []struct {
		status int
		want   bool
	}{
		{http.StatusTooManyRequests, true},
		{http.StatusInternalServerError, true},
		{http.StatusBadGateway, true},
		{http.StatusBadRequest, false},
		{http.StatusUnauthorized, false},
		{http.StatusNotFound, false},
	}
	for _, tc := range cases {
		got := isRetryable(&apiError{status: tc.status})
		if got != tc.want {
			t.Errorf("isRetryable(%d) = %v, want %v", tc.status, got, tc.want)
		}
	}
}
