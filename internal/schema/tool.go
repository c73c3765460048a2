package schema

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/getkin/kin-openapi/openapi3"
)

// ToolResult is the contract every tool returns.
type ToolResult struct {
	Success bool           `json:"success"`
	Message string         `json:"message"`
	Data    map[string]any `json:"data,omitempty"`
}

var toolResultSchema = openapi3.NewObjectSchema().
	WithProperty("success", openapi3.NewBoolSchema()).
	WithProperty("message", openapi3.NewStringSchema()).
	WithProperty("data", openapi3.NewObjectSchema().WithAnyAdditionalProperties().WithNullable()).
	WithRequired([]string{"success", "message"})

// ValidateToolArguments decodes the model's argument string and checks it
// against params. Empty arguments are treated as {}. A nil params schema
// accepts any object.
func ValidateToolArguments(toolName string, params *openapi3.Schema, raw string) (map[string]any, error) {
	subject := "arguments for " + toolName
	trimmed := bytes.TrimSpace([]byte(raw))
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		trimmed = []byte("{}")
	}

	var doc any
	if err := json.Unmarshal(trimmed, &doc); err != nil {
		return nil, newValidationError(subject, ErrInvalidToolArguments, Issue{Reason: "arguments are not valid JSON"})
	}
	args, ok := doc.(map[string]any)
	if !ok {
		return nil, newValidationError(subject, ErrInvalidToolArguments, Issue{Reason: "arguments must be a JSON object"})
	}
	if params != nil {
		if err := params.VisitJSON(doc, openapi3.MultiErrors()); err != nil {
			return nil, newValidationError(subject, ErrInvalidToolArguments, issuesFrom(err)...)
		}
	}
	return args, nil
}

// ParseToolResult validates a tool's raw reply.
func ParseToolResult(toolName string, raw []byte) (*ToolResult, error) {
	subject := "result of " + toolName
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, newValidationError(subject, ErrInvalidToolResult, Issue{Reason: "result is not valid JSON"})
	}
	if err := toolResultSchema.VisitJSON(doc, openapi3.MultiErrors()); err != nil {
		return nil, newValidationError(subject, ErrInvalidToolResult, issuesFrom(err)...)
	}

	var result ToolResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToolResult, err)
	}
	return &result, nil
}

// Encode renders a result the way tools return it.
func (r ToolResult) Encode() json.RawMessage {
	data, _ := json.Marshal(r)
	return data
}
