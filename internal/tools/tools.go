// Package tools defines the agent-facing tool interface and registry. The
// MCP server and the HTTP API expose whatever is registered here.
package tools

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"sync"
)

// ErrUnknownTool is returned by Call for a name nothing registered.
var ErrUnknownTool = errors.New("unknown tool")

// Tool is one agent-callable operation. InputSchema is a JSON Schema
// object; Validate runs before Execute on every call.
type Tool interface {
	Name() string
	Description() string
	InputSchema() map[string]any
	Validate(params map[string]any) error

	// Execute runs the tool. Policy denials are reported as an unsuccessful
	// Result; the error return is kept for malformed input and internal
	// failures.
	Execute(ctx context.Context, params map[string]any) (*Result, error)
}

// Result is the outcome of a tool execution.
type Result struct {
	Output   string         `json:"output"`
	Metadata map[string]any `json:"metadata,omitempty"`
	Success  bool           `json:"success"`
}

// Definition describes a tool to a client.
type Definition struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"input_schema"`
}

// MaxOutputBytes is the default cap for tool output.
const MaxOutputBytes = 1 << 20 // 1 MiB

// TruncateOutput caps a string at maxBytes, appending a truncation notice if cut.
func TruncateOutput(s string, maxBytes int) string {
	if len(s) <= maxBytes {
		return s
	}
	const suffix = "\n... [output truncated]"
	if maxBytes <= len(suffix) {
		return s[:maxBytes]
	}
	return s[:maxBytes-len(suffix)] + suffix
}

// Registry holds the tools keyed by name. Tools are registered at startup
// and read concurrently afterwards.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]Tool
}

// NewRegistry creates an empty tool registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]Tool)}
}

// Register adds t. A duplicate name is a wiring bug and panics.
func (r *Registry) Register(t Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[t.Name()]; exists {
		panic("duplicate tool registration: " + t.Name())
	}
	r.tools[t.Name()] = t
}

// Get returns the tool by name, or nil if not found.
func (r *Registry) Get(name string) Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.tools[name]
}

// List returns the registered tool names in order.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Sorted(maps.Keys(r.tools))
}

// All returns the registered tools ordered by name.
func (r *Registry) All() []Tool {
	names := r.List()
	r.mu.RLock()
	defer r.mu.RUnlock()
	result := make([]Tool, 0, len(names))
	for _, name := range names {
		result = append(result, r.tools[name])
	}
	return result
}

// Definitions describes every registered tool.
func (r *Registry) Definitions() []Definition {
	all := r.All()
	defs := make([]Definition, len(all))
	for i, t := range all {
		defs[i] = Definition{
			Name:        t.Name(),
			Description: t.Description(),
			InputSchema: t.InputSchema(),
		}
	}
	return defs
}

// Call validates params and runs the named tool.
func (r *Registry) Call(ctx context.Context, name string, params map[string]any) (*Result, error) {
	t := r.Get(name)
	if t == nil {
		return nil, fmt.Errorf("%w: %q", ErrUnknownTool, name)
	}
	if params == nil {
		params = map[string]any{}
	}
	if err := t.Validate(params); err != nil {
		return nil, err
	}
	return t.Execute(ctx, params)
}

// RequireString extracts a required, non-empty string parameter.
func RequireString(params map[string]any, key string) (string, error) {
	v, ok := params[key]
	if !ok {
		return "", fmt.Errorf("missing required parameter: %s", key)
	}
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("parameter %s must be a string, got %T", key, v)
	}
	if s == "" {
		return "", fmt.Errorf("parameter %s must not be empty", key)
	}
	return s, nil
}
