// Package llm is the Model Caller: one bounded exchange with an
// OpenAI-compatible chat-completions endpoint.
package llm

import (
	"context"
	"io"
	"strings"
)

// Role of a conversation turn.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// ToolCall is one function call requested by the model.
type ToolCall struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// Message represents a chat message
type Message struct {
	Role       Role       `json:"role"`
	Content    string     `json:"content,omitempty"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
}

// ToolChoice constrains whether the model may, must or must not call tools.
type ToolChoice string

const (
	ToolChoiceAuto     ToolChoice = "auto"
	ToolChoiceRequired ToolChoice = "required"
	ToolChoiceNone     ToolChoice = "none"
)

// ToolDefinition is the model-facing description of a tool.
type ToolDefinition struct {
	Name        string
	Description string
	Parameters  map[string]any
}

// Request is one upstream exchange. Label names the exchange in errors,
// logs and traces ("initial", "follow_up", "retry", "final").
type Request struct {
	Label      string
	Messages   []Message
	Tools      []ToolDefinition
	ToolChoice ToolChoice
}

// Reply is the first choice of a materialized completion.
type Reply struct {
	Content      string
	ToolCalls    []ToolCall
	FinishReason string
}

// HasToolCalls reports whether the model asked for at least one tool.
func (r *Reply) HasToolCalls() bool {
	return r != nil && len(r.ToolCalls) > 0
}

// Text returns the trimmed content.
func (r *Reply) Text() string {
	if r == nil {
		return ""
	}
	return strings.TrimSpace(r.Content)
}

// Caller is the interface for upstream model clients. Implementations do not
// enforce timeouts themselves; see Call and CallStream.
type Caller interface {
	// Complete sends a request and returns the materialized reply.
	Complete(ctx context.Context, req *Request) (*Reply, error)
	// OpenStream sends a streaming request and returns the raw
	// server-sent-events body. The body stays valid until closed or ctx ends.
	OpenStream(ctx context.Context, req *Request) (io.ReadCloser, error)
	// ModelName returns the model name
	ModelName() string
}
