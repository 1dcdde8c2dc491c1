// Package tools provides the tool framework and implementations for the agent.
package tools

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/LoomClaw/LoomClaw/internal/provider"
)

// ErrNotFound is returned when a tool name is not registered.
var ErrNotFound = errors.New("tool not found")

// Context carries per-invocation capabilities into a tool. Tools receive
// everything they need here; there is no process-wide state to consult.
type Context struct {
	SessionID    string
	WorkspaceDir string
	Channel      string
	UserID       string
}

// Tool is the interface all agent tools implement.
type Tool interface {
	// Name returns the tool identifier used in function calls.
	Name() string
	// Description returns a human-readable description for the LLM.
	Description() string
	// Parameters returns the JSON Schema for tool parameters.
	Parameters() map[string]any
	// Execute runs the tool. The returned string is fed back to the model
	// as a tool-role message.
	Execute(ctx context.Context, args map[string]any, tc *Context) (string, error)
}

// ExecutionError wraps any tool failure, preserving the tool name and the
// exact argument map.
type ExecutionError struct {
	Tool string
	Args map[string]any
	Err  error
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("tool %s failed: %v", e.Tool, e.Err)
}

func (e *ExecutionError) Unwrap() error { return e.Err }

// Registry manages tool registration and execution.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]Tool
}

// NewRegistry creates an empty tool registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]Tool)}
}

// Register adds a tool. Registering a duplicate name replaces the previous
// tool with a warning.
func (r *Registry) Register(tool Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.tools[tool.Name()]; ok {
		slog.Warn("Tool replaced", "name", tool.Name())
	}
	r.tools[tool.Name()] = tool
}

// Unregister removes a tool by name.
func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.tools, name)
}

// Has reports whether a tool is registered.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.tools[name]
	return ok
}

// Get returns a tool by name.
func (r *Registry) Get(name string) (Tool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tool, ok := r.tools[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	return tool, nil
}

// List returns all registered tools sorted by name.
func (r *Registry) List() []Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Tool, 0, len(r.tools))
	for _, tool := range r.tools {
		out = append(out, tool)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name() < out[j].Name() })
	return out
}

// Size returns the number of registered tools.
func (r *Registry) Size() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tools)
}

// Definitions returns the tool list in the function-calling shape the
// provider expects.
func (r *Registry) Definitions() []provider.ToolDefinition {
	tools := r.List()
	out := make([]provider.ToolDefinition, 0, len(tools))
	for _, tool := range tools {
		out = append(out, provider.ToolDefinition{
			Type: "function",
			Function: provider.FunctionDef{
				Name:        tool.Name(),
				Description: tool.Description(),
				Parameters:  tool.Parameters(),
			},
		})
	}
	return out
}

// Execute runs a tool by name. Every failure, including an unknown name, is
// returned as an *ExecutionError carrying the tool name and arguments.
func (r *Registry) Execute(ctx context.Context, name string, args map[string]any, tc *Context) (string, error) {
	tool, err := r.Get(name)
	if err != nil {
		return "", &ExecutionError{Tool: name, Args: args, Err: err}
	}
	result, err := tool.Execute(ctx, args, tc)
	if err != nil {
		var execErr *ExecutionError
		if errors.As(err, &execErr) {
			return "", err
		}
		return "", &ExecutionError{Tool: name, Args: args, Err: err}
	}
	return result, nil
}

// Filtered returns a view of the registry without the denied tool names.
// Used to build the restricted subagent toolset.
func (r *Registry) Filtered(deny []string) *Registry {
	denied := make(map[string]bool, len(deny))
	for _, name := range deny {
		denied[name] = true
	}
	out := NewRegistry()
	for _, tool := range r.List() {
		if !denied[tool.Name()] {
			out.Register(tool)
		}
	}
	return out
}

// GetString extracts a string parameter with a default value.
func GetString(args map[string]any, key, defaultVal string) string {
	if v, ok := args[key]; ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return defaultVal
}

// GetInt extracts an int parameter with a default value.
func GetInt(args map[string]any, key string, defaultVal int) int {
	if v, ok := args[key]; ok {
		switch n := v.(type) {
		case int:
			return n
		case float64:
			return int(n)
		}
	}
	return defaultVal
}

// GetBool extracts a bool parameter with a default value.
func GetBool(args map[string]any, key string, defaultVal bool) bool {
	if v, ok := args[key]; ok {
		if b, ok := v.(bool); ok {
			return b
		}
	}
	return defaultVal
}
