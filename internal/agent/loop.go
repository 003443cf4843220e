// Package agent implements the bounded orchestrator loop that turns a
// user message into tool executions and a final reply.
package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/magpie-todo/magpie/internal/llm"
	"github.com/magpie-todo/magpie/internal/prompts"
	"github.com/magpie-todo/magpie/internal/store"
	"github.com/magpie-todo/magpie/internal/tools"
)

// DefaultMaxIterations caps model-call/tool-execution rounds per request.
// A model can in principle request tool calls forever (oscillating
// between list and update, for example); the cap turns that unbounded
// loop into a deterministic contract.
const DefaultMaxIterations = 5

// FallbackReply is returned when the iteration cap is reached before the
// model produced a plain-text answer. Honest and fixed, never a hang.
const FallbackReply = "I couldn't finish that within the allotted steps. " +
	"Try breaking the request into smaller pieces."

// Finish reasons reported on Response.
const (
	FinishStop         = "stop"
	FinishIterationCap = "iteration_cap"
)

// Recorder receives the messages and audit records the loop produces
// mid-flight. The chat endpoint passes a buffer and flushes it in one
// transaction after the loop returns, so the exchange stays atomic
// without a database transaction held open across completion calls.
type Recorder interface {
	Append(ctx context.Context, conversationID int64, role, content, toolCalls, toolCallID string) (*store.Message, error)
	RecordToolCall(ctx context.Context, conversationID int64, toolName, arguments, result string, success bool, duration time.Duration) error
}

// Request is one orchestrator run.
type Request struct {
	OwnerID        int64
	ConversationID int64
	History        []store.Message
	Message        string
}

// Response is the loop's terminal outcome.
type Response struct {
	Content      string
	Model        string
	FinishReason string
	Iterations   int
	ToolCalls    []string // names of tools executed, in order
	InputTokens  int
	OutputTokens int
}

// Loop is the agent orchestrator.
type Loop struct {
	logger        *slog.Logger
	llm           llm.Client
	registry      *tools.Registry
	model         string
	maxIterations int
	now           func() time.Time
}

// NewLoop creates an orchestrator.
func NewLoop(logger *slog.Logger, client llm.Client, registry *tools.Registry, model string, maxIterations int) *Loop {
	if logger == nil {
		logger = slog.Default()
	}
	if maxIterations <= 0 {
		maxIterations = DefaultMaxIterations
	}
	return &Loop{
		logger:        logger,
		llm:           client,
		registry:      registry,
		model:         model,
		maxIterations: maxIterations,
		now:           time.Now,
	}
}

// Run executes the loop for one request: call the completion service
// with conversation context and tool declarations; execute any requested
// tools sequentially, in the order the model asked for them; feed the
// results back; repeat until the model answers in plain text or the
// iteration cap trips.
//
// Tool failures never abort the run — they flow back into the
// conversation as structured results. A completion-service failure
// (after its retry budget) is the only error Run returns.
func (l *Loop) Run(ctx context.Context, req *Request, rec Recorder) (*Response, error) {
	msgs := l.assemble(req)
	decls := l.registry.Declarations()

	l.logger.Info("agent loop started",
		"conversation", req.ConversationID,
		"history", len(req.History),
		"model", l.model,
	)

	resp := &Response{Model: l.model}

	for iter := 1; iter <= l.maxIterations; iter++ {
		resp.Iterations = iter

		completion, err := l.llm.Chat(ctx, l.model, msgs, decls)
		if err != nil {
			return nil, fmt.Errorf("completion call (iteration %d): %w", iter, err)
		}
		resp.InputTokens += completion.InputTokens
		resp.OutputTokens += completion.OutputTokens

		calls := completion.Message.ToolCalls
		if len(calls) == 0 {
			resp.Content = completion.Message.Content
			resp.FinishReason = FinishStop
			l.logger.Info("agent loop completed",
				"conversation", req.ConversationID,
				"iterations", iter,
				"tool_calls", len(resp.ToolCalls),
			)
			return resp, nil
		}

		// Persist the model's tool-call request as an assistant message
		// first, then one tool message per result, so a future replay of
		// the history is self-consistent.
		requestJSON, err := json.Marshal(calls)
		if err != nil {
			return nil, fmt.Errorf("encode tool-call request: %w", err)
		}
		if _, err := rec.Append(ctx, req.ConversationID, store.RoleAssistant, completion.Message.Content, string(requestJSON), ""); err != nil {
			return nil, fmt.Errorf("persist tool-call request: %w", err)
		}
		msgs = append(msgs, completion.Message)

		for _, call := range calls {
			payload, err := l.executeCall(ctx, req, rec, call)
			if err != nil {
				return nil, err
			}
			resp.ToolCalls = append(resp.ToolCalls, call.Function.Name)
			msgs = append(msgs, llm.Message{
				Role:       store.RoleTool,
				Content:    payload,
				ToolCallID: call.ID,
			})
		}
	}

	// Iteration exhaustion is a defined terminal state, not an error.
	l.logger.Warn("agent loop hit iteration cap",
		"conversation", req.ConversationID,
		"cap", l.maxIterations,
	)
	resp.Content = FallbackReply
	resp.FinishReason = FinishIterationCap
	return resp, nil
}

// executeCall runs one requested tool via the registry and persists the
// result. The registry injects the authenticated owner and never lets a
// failure escape as an error; the returned error covers only persistence.
func (l *Loop) executeCall(ctx context.Context, req *Request, rec Recorder, call llm.ToolCall) (string, error) {
	argsJSON, err := json.Marshal(call.Function.Arguments)
	if err != nil {
		argsJSON = []byte("{}")
	}

	start := l.now()
	result := l.registry.Execute(ctx, req.OwnerID, call.Function.Name, call.Function.Arguments)
	elapsed := l.now().Sub(start)
	payload := result.JSON()

	l.logger.Debug("tool executed",
		"tool", call.Function.Name,
		"success", result.Success,
		"duration", elapsed,
	)

	if err := rec.RecordToolCall(ctx, req.ConversationID, call.Function.Name, string(argsJSON), payload, result.Success, elapsed); err != nil {
		return "", fmt.Errorf("record tool call: %w", err)
	}
	if _, err := rec.Append(ctx, req.ConversationID, store.RoleTool, payload, "", call.ID); err != nil {
		return "", fmt.Errorf("persist tool result: %w", err)
	}

	return payload, nil
}

// assemble builds the model's message array: system instructions, the
// windowed history, then the new user message.
func (l *Loop) assemble(req *Request) []llm.Message {
	history := req.History
	// A window boundary can split a tool exchange. A leading tool result
	// without the assistant message that requested it is rejected by
	// strict providers, so drop it.
	for len(history) > 0 && history[0].Role == store.RoleTool {
		history = history[1:]
	}

	msgs := make([]llm.Message, 0, len(history)+2)
	msgs = append(msgs, llm.Message{
		Role:    store.RoleSystem,
		Content: prompts.System(l.now()),
	})

	for _, m := range history {
		lm := llm.Message{Role: m.Role, Content: m.Content, ToolCallID: m.ToolCallID}
		if m.ToolCalls != "" {
			// Stored assistant tool-call requests replay as real tool
			// calls; a decode failure means the row predates the current
			// format, in which case the text content still stands alone.
			if err := json.Unmarshal([]byte(m.ToolCalls), &lm.ToolCalls); err != nil {
				l.logger.Debug("skipping undecodable stored tool calls", "message", m.ID, "error", err)
			}
		}
		msgs = append(msgs, lm)
	}

	return append(msgs, llm.Message{Role: store.RoleUser, Content: req.Message})
}
