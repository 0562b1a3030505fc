// Package tool holds the functions a model may call during the tool
// sub-loop of a turn.
package tool

import (
	"context"
	"encoding/json"
)

// Tool is a function exposed to the model.
type Tool interface {
	Name() string
	Description() string
	Parameters() json.RawMessage // JSON Schema
	Execute(ctx context.Context, args json.RawMessage) (*Result, error)
}

// Result is the output of a tool execution. Failures the model should see
// are reported with IsError rather than a Go error.
type Result struct {
	Output  string `json:"output"`
	Error   string `json:"error,omitempty"`
	IsError bool   `json:"is_error"`
}

// Content is what gets sent back to the model as the tool message.
func (r *Result) Content() string {
	if r == nil {
		return ""
	}
	if r.IsError {
		return "error: " + r.Error
	}
	return r.Output
}

func errResult(msg string) *Result {
	return &Result{Error: msg, IsError: true}
}
