package tools

import "encoding/json"

// Result kinds reported in Result.Error. Tool failures are data, not
// exceptions: they flow back into the conversation so the model can
// explain the problem, and never crash the request.
const (
	ErrKindValidation  = "validation"
	ErrKindNotFound    = "not_found"
	ErrKindInternal    = "internal"
	ErrKindUnknownTool = "unknown_tool"
)

// Result is the uniform outcome of one tool execution.
type Result struct {
	Success bool   `json:"success"`
	Data    any    `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
	Message string `json:"message,omitempty"`
}

// JSON renders the result for the conversation log and the model.
func (r Result) JSON() string {
	b, err := json.Marshal(r)
	if err != nil {
		// Data failed to serialize; report the failure instead.
		fallback, _ := json.Marshal(Result{
			Success: false,
			Error:   ErrKindInternal,
			Message: "failed to encode tool result",
		})
		return string(fallback)
	}
	return string(b)
}

func failure(kind, message string) Result {
	return Result{Success: false, Error: kind, Message: message}
}

func success(data any, message string) Result {
	return Result{Success: true, Data: data, Message: message}
}
