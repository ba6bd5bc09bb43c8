package tool

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/agentgrid-dev/agentgrid/llm/provider"
	"github.com/agentgrid-dev/agentgrid/pkg/observability"
)

// Registry maps tool names to schemas and executors. It is safe for
// concurrent use and treated as immutable once agents start executing.
type Registry struct {
	mu         sync.RWMutex
	tools      map[string]*Tool
	byCategory map[Category][]string
	order      []string
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		tools:      make(map[string]*Tool),
		byCategory: make(map[Category][]string),
	}
}

// Register adds a tool. Names must be unique.
func (r *Registry) Register(t *Tool) error {
	if t == nil || t.Schema.Name == "" {
		return fmt.Errorf("tool requires a name")
	}
	if t.Execute == nil {
		return fmt.Errorf("tool %q requires an executor", t.Schema.Name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	name := t.Schema.Name
	if _, exists := r.tools[name]; exists {
		return fmt.Errorf("tool %q already registered", name)
	}

	r.tools[name] = t
	r.byCategory[t.Schema.Category] = append(r.byCategory[t.Schema.Category], name)
	r.order = append(r.order, name)
	return nil
}

// Unregister removes a tool, reporting whether it was present.
func (r *Registry) Unregister(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	t, exists := r.tools[name]
	if !exists {
		return false
	}
	delete(r.tools, name)

	cat := t.Schema.Category
	r.byCategory[cat] = remove(r.byCategory[cat], name)
	r.order = remove(r.order, name)
	return true
}

// Get returns a tool by name.
func (r *Registry) Get(name string) (*Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// Has reports whether a tool is registered.
func (r *Registry) Has(name string) bool {
	_, ok := r.Get(name)
	return ok
}

// List returns registered tool names in registration order, optionally
// filtered by category (empty category means all).
func (r *Registry) List(category Category) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if category == "" {
		out := make([]string, len(r.order))
		copy(out, r.order)
		return out
	}
	out := make([]string, len(r.byCategory[category]))
	copy(out, r.byCategory[category])
	return out
}

// Len returns the number of registered tools.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tools)
}

// Validate checks args against the named tool's schema: every required
// parameter present, every present value type-compatible, every
// enum-restricted value in its enum.
func (r *Registry) Validate(name string, args map[string]any) error {
	t, ok := r.Get(name)
	if !ok {
		return fmt.Errorf("tool %q not found", name)
	}

	for _, p := range t.Schema.Parameters {
		val, present := args[p.Name]

		if p.Required && !present {
			return fmt.Errorf("missing required parameter: %s", p.Name)
		}
		if !present {
			continue
		}

		if err := checkKind(p.Name, p.Kind, val); err != nil {
			return err
		}

		if len(p.Enum) > 0 && !enumContains(p.Enum, val) {
			return fmt.Errorf("invalid value for %s: must be one of %v", p.Name, p.Enum)
		}
	}
	return nil
}

// Execute validates and runs a tool. Invalid arguments return a failure
// result without invoking the executor; executor panics and errors are
// caught and returned as failure results. Execute never propagates tool
// failures as errors.
func (r *Registry) Execute(ctx context.Context, name string, args map[string]any) *Result {
	start := time.Now()
	result := r.execute(ctx, name, args)
	observability.RecordToolCall(name, statusLabel(result), time.Since(start))
	return result
}

func (r *Registry) execute(ctx context.Context, name string, args map[string]any) (result *Result) {
	t, ok := r.Get(name)
	if !ok {
		return &Result{Success: false, Error: fmt.Sprintf("tool %q not found", name)}
	}

	if err := r.Validate(name, args); err != nil {
		return &Result{Success: false, Error: err.Error()}
	}

	defer func() {
		if rec := recover(); rec != nil {
			result = &Result{Success: false, Error: fmt.Sprintf("tool execution panic: %v", rec)}
		}
	}()

	res, err := t.Execute(ctx, args)
	if err != nil {
		return &Result{Success: false, Error: fmt.Sprintf("tool execution failed: %v", err)}
	}
	if res == nil {
		return &Result{Success: true}
	}
	return res
}

// ToFunctionSchemas emits the registry (or the named subset) in the
// function-calling dialect.
func (r *Registry) ToFunctionSchemas(names ...string) []map[string]any {
	return r.emit(names, Schema.ToFunctionSchema)
}

// ToMCPSchemas emits the registry (or the named subset) in the MCP dialect.
func (r *Registry) ToMCPSchemas(names ...string) []map[string]any {
	return r.emit(names, Schema.ToMCPSchema)
}

// ProviderTools converts the registry (or the named subset) into provider
// tool definitions for tool-augmented chat.
func (r *Registry) ProviderTools(names ...string) []provider.Tool {
	if len(names) == 0 {
		names = r.List("")
	}

	out := make([]provider.Tool, 0, len(names))
	for _, name := range names {
		t, ok := r.Get(name)
		if !ok {
			continue
		}
		out = append(out, provider.Tool{
			Name:        t.Schema.Name,
			Description: t.Schema.Description,
			Parameters:  t.Schema.ParametersJSON(),
		})
	}
	return out
}

func (r *Registry) emit(names []string, f func(Schema) map[string]any) []map[string]any {
	if len(names) == 0 {
		names = r.List("")
	}

	out := make([]map[string]any, 0, len(names))
	for _, name := range names {
		if t, ok := r.Get(name); ok {
			out = append(out, f(t.Schema))
		}
	}
	return out
}

func checkKind(name string, kind ParamKind, val any) error {
	switch kind {
	case KindString:
		if _, ok := val.(string); !ok {
			return fmt.Errorf("parameter %s: expected string, got %T", name, val)
		}
	case KindNumber:
		switch val.(type) {
		case float64, float32, int, int64, json.Number:
		default:
			return fmt.Errorf("parameter %s: expected number, got %T", name, val)
		}
	case KindBoolean:
		if _, ok := val.(bool); !ok {
			return fmt.Errorf("parameter %s: expected boolean, got %T", name, val)
		}
	case KindArray:
		if _, ok := val.([]any); !ok {
			return fmt.Errorf("parameter %s: expected array, got %T", name, val)
		}
	case KindObject:
		if _, ok := val.(map[string]any); !ok {
			return fmt.Errorf("parameter %s: expected object, got %T", name, val)
		}
	}
	return nil
}

func enumContains(enum []any, val any) bool {
	for _, allowed := range enum {
		if fmt.Sprintf("%v", allowed) == fmt.Sprintf("%v", val) {
			return true
		}
	}
	return false
}

func remove(list []string, name string) []string {
	for i, n := range list {
		if n == name {
			return append(list[:i], list[i+1:]...)
		}
	}
	return list
}

func statusLabel(r *Result) string {
	if r != nil && r.Success {
		return "ok"
	}
	return "error"
}
