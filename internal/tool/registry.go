package tool

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"

	"parley/internal/llm"
)

// maxOutputChars caps a single tool message fed back to the model.
const maxOutputChars = 8000

// Registry manages available tools.
type Registry struct {
	mu     sync.RWMutex
	tools  map[string]Tool
	logger *zap.Logger
}

// NewRegistry creates an empty tool registry.
func NewRegistry(logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		tools:  make(map[string]Tool),
		logger: logger.Named("tools"),
	}
}

// Register adds a tool to the registry, replacing one with the same name.
func (r *Registry) Register(t Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[t.Name()] = t
}

// Unregister removes a tool from the registry.
func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.tools, name)
}

// Get returns a tool by name.
func (r *Registry) Get(name string) (Tool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	if !ok {
		return nil, fmt.Errorf("tool not found: %s", name)
	}
	return t, nil
}

// Len returns the number of registered tools.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tools)
}

// List returns all registered tools sorted by name.
func (r *Registry) List() []Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	result := make([]Tool, 0, len(r.tools))
	for _, t := range r.tools {
		result = append(result, t)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Name() < result[j].Name() })
	return result
}

// Definitions returns tool definitions for LLM requests, sorted by name so
// requests are stable across turns.
func (r *Registry) Definitions() []llm.ToolDefinition {
	tools := r.List()
	defs := make([]llm.ToolDefinition, 0, len(tools))
	for _, t := range tools {
		defs = append(defs, llm.ToolDefinition{
			Name:        t.Name(),
			Description: t.Description(),
			Parameters:  t.Parameters(),
		})
	}
	return defs
}

// Execute runs call and converts the outcome into a tool-role message.
// Unknown tools and execution errors become error content for the model.
func (r *Registry) Execute(ctx context.Context, call llm.ToolCall) llm.Message {
	msg := llm.Message{Role: llm.RoleTool, Name: call.Name, ToolCallID: call.ID}

	t, err := r.Get(call.Name)
	if err != nil {
		msg.Content = "error: " + err.Error()
		return msg
	}

	args := call.Arguments
	if len(args) == 0 {
		args = json.RawMessage(`{}`)
	}
	res, err := t.Execute(ctx, args)
	if err != nil {
		r.logger.Warn("tool failed", zap.String("tool", call.Name), zap.Error(err))
		msg.Content = "error: " + err.Error()
		return msg
	}
	r.logger.Debug("tool executed", zap.String("tool", call.Name), zap.Bool("is_error", res.IsError))

	msg.Content = res.Content()
	if runes := []rune(msg.Content); len(runes) > maxOutputChars {
		msg.Content = string(runes[:maxOutputChars]) + "\n... (output truncated)"
	}
	return msg
}
