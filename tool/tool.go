// Package tool defines the tool protocol used by agents: a schema
// describing a callable capability, a context-aware executor, and a registry that
// validates arguments before dispatch. Schemas can be emitted in the
// function-calling dialect or the Model Context Protocol dialect.
package tool

import (
	"context"
	"encoding/json"
)

// Category groups tools for listing and filtering.
type Category string

const (
	CategoryComputation   Category = "computation"
	CategoryData          Category = "data"
	CategoryFile          Category = "file"
	CategoryWeb           Category = "web"
	CategoryCode          Category = "code"
	CategoryVisualization Category = "visualization"
	CategoryDomain        Category = "domain"
)

// ParamKind is the wire type of a parameter.
type ParamKind string

const (
	KindString  ParamKind = "string"
	KindNumber  ParamKind = "number"
	KindBoolean ParamKind = "boolean"
	KindArray   ParamKind = "array"
	KindObject  ParamKind = "object"
)

// Parameter describes one tool argument.
type Parameter struct {
	Name        string         `json:"name"`
	Kind        ParamKind      `json:"type"`
	Description string         `json:"description"`
	Required    bool           `json:"required"`
	Default     any            `json:"default,omitempty"`
	Enum        []any          `json:"enum,omitempty"`
	Items       map[string]any `json:"items,omitempty"` // element schema for arrays
}

// Schema describes a tool to the model.
type Schema struct {
	Name        string      `json:"name"`
	Description string      `json:"description"`
	Category    Category    `json:"category"`
	Parameters  []Parameter `json:"parameters"`
	Returns     string      `json:"returns"`
}

// Result is the tagged outcome of a tool execution. Executors never raise
// to the caller; failures are values.
type Result struct {
	Success  bool           `json:"success"`
	Data     any            `json:"data"`
	Error    string         `json:"error,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// Executor is the tool body. It receives validated arguments.
type Executor func(ctx context.Context, args map[string]any) (*Result, error)

// Tool pairs a schema with its executor.
type Tool struct {
	Schema  Schema
	Execute Executor
}

// ToFunctionSchema emits the function-calling dialect:
// {"type":"function","function":{"name","description","parameters":{...}}}.
func (s Schema) ToFunctionSchema() map[string]any {
	properties := make(map[string]any, len(s.Parameters))
	required := []string{}

	for _, p := range s.Parameters {
		prop := map[string]any{
			"type":        string(p.Kind),
			"description": p.Description,
		}
		if len(p.Enum) > 0 {
			prop["enum"] = p.Enum
		}
		if p.Items != nil {
			prop["items"] = p.Items
		}
		properties[p.Name] = prop
		if p.Required {
			required = append(required, p.Name)
		}
	}

	return map[string]any{
		"type": "function",
		"function": map[string]any{
			"name":        s.Name,
			"description": s.Description,
			"parameters": map[string]any{
				"type":       "object",
				"properties": properties,
				"required":   required,
			},
		},
	}
}

// ToMCPSchema emits the Model Context Protocol dialect:
// {"name","description","inputSchema":{...JSON Schema...}}.
func (s Schema) ToMCPSchema() map[string]any {
	properties := make(map[string]any, len(s.Parameters))
	required := []string{}

	for _, p := range s.Parameters {
		prop := map[string]any{
			"type":        string(p.Kind),
			"description": p.Description,
		}
		if len(p.Enum) > 0 {
			prop["enum"] = p.Enum
		}
		if p.Default != nil {
			prop["default"] = p.Default
		}
		properties[p.Name] = prop
		if p.Required {
			required = append(required, p.Name)
		}
	}

	return map[string]any{
		"name":        s.Name,
		"description": s.Description,
		"category":    string(s.Category),
		"inputSchema": map[string]any{
			"type":       "object",
			"properties": properties,
			"required":   required,
		},
		"returns": s.Returns,
	}
}

// ParametersJSON marshals the function-calling parameter object, for
// provider tool definitions.
func (s Schema) ParametersJSON() json.RawMessage {
	fn := s.ToFunctionSchema()["function"].(map[string]any)
	data, _ := json.Marshal(fn["parameters"])
	return data
}
