// Package tools defines the tools available to the agent.
package tools

import (
	"context"
	"fmt"
	"slices"
	"sync"
)

// Handler executes a tool call. A returned string is the text handed
// back to the model, including tool-level failures such as "Error: ...".
// A returned error aborts the run; see [FatalError].
type Handler func(ctx context.Context, args map[string]any) (string, error)

// Tool represents a callable tool.
type Tool struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
	Handler     Handler        `json:"-"`
}

// Registry holds available tools in registration order.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]*Tool
	order []string
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]*Tool)}
}

// Register adds a tool. Names must be unique across every server
// bridged into the registry.
func (r *Registry) Register(t *Tool) error {
	if t == nil || t.Name == "" {
		return fmt.Errorf("register tool: name is required")
	}
	if t.Handler == nil {
		return fmt.Errorf("register tool %q: handler is required", t.Name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, dup := r.tools[t.Name]; dup {
		return fmt.Errorf("register tool %q: already registered", t.Name)
	}
	r.tools[t.Name] = t
	r.order = append(r.order, t.Name)
	return nil
}

// Get retrieves a tool by name, or nil.
func (r *Registry) Get(name string) *Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.tools[name]
}

// Len returns the number of registered tools.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.order)
}

// AllToolNames returns tool names in registration order.
func (r *Registry) AllToolNames() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Clone(r.order)
}

// Tools returns the registered tools in registration order.
func (r *Registry) Tools() []*Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Tool, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.tools[name])
	}
	return out
}

// List returns tool definitions in the function-calling shape shared by
// the LLM providers.
func (r *Registry) List() []map[string]any {
	var result []map[string]any
	for _, t := range r.Tools() {
		params := t.Parameters
		if params == nil {
			params = map[string]any{"type": "object", "properties": map[string]any{}}
		}
		result = append(result, map[string]any{
			"type": "function",
			"function": map[string]any{
				"name":        t.Name,
				"description": t.Description,
				"parameters":  params,
			},
		})
	}
	return result
}

// Execute runs a tool by name. A name that is not registered yields
// [*ErrToolUnavailable].
func (r *Registry) Execute(ctx context.Context, name string, args map[string]any) (string, error) {
	tool := r.Get(name)
	if tool == nil {
		return "", &ErrToolUnavailable{ToolName: name}
	}
	if args == nil {
		args = map[string]any{}
	}
	return tool.Handler(ctx, args)
}

// FilteredCopy returns a registry containing only the named tools.
// Names that are not registered are ignored.
func (r *Registry) FilteredCopy(include []string) *Registry {
	keep := make(map[string]bool, len(include))
	for _, name := range include {
		keep[name] = true
	}
	return r.filter(func(name string) bool { return keep[name] })
}

// FilteredCopyExcluding returns a registry without the named tools.
func (r *Registry) FilteredCopyExcluding(exclude []string) *Registry {
	drop := make(map[string]bool, len(exclude))
	for _, name := range exclude {
		drop[name] = true
	}
	return r.filter(func(name string) bool { return !drop[name] })
}

func (r *Registry) filter(keep func(string) bool) *Registry {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := NewRegistry()
	for _, name := range r.order {
		if keep(name) {
			out.tools[name] = r.tools[name]
			out.order = append(out.order, name)
		}
	}
	return out
}
