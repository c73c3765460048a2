package orchestrator

import (
	"github.com/codefionn/bizpilot/internal/permission"
	"github.com/codefionn/bizpilot/internal/stream"
	"github.com/codefionn/bizpilot/internal/tools"
)

// Kind is the terminal state a request ended in.
type Kind int

const (
	// KindCompleted carries a materialized Response.
	KindCompleted Kind = iota
	// KindNeedsConfirmation stops before a mutating tool runs.
	KindNeedsConfirmation
	// KindForbidden stops on a tool the mode never allows.
	KindForbidden
	// KindStream carries a downstream event channel.
	KindStream
)

// String returns a human-readable description of the outcome kind
func (k Kind) String() string {
	switch k {
	case KindCompleted:
		return "completed"
	case KindNeedsConfirmation:
		return "needs_confirmation"
	case KindForbidden:
		return "forbidden"
	case KindStream:
		return "stream"
	default:
		return "unknown"
	}
}

// Response is the non-streaming answer body.
type Response struct {
	Message         string            `json:"message"`
	WorkingSteps    []string          `json:"workingSteps,omitempty"`
	EntitiesCreated []tools.EntityRef `json:"entitiesCreated,omitempty"`
	TabsToOpen      []tools.Tab       `json:"tabsToOpen,omitempty"`
}

// ConfirmationRequest asks the caller to confirm one tool call.
type ConfirmationRequest struct {
	Mode                 permission.Mode `json:"mode"`
	Tool                 string          `json:"tool"`
	ToolCallID           string          `json:"toolCallId"`
	Args                 map[string]any  `json:"args"`
	RequiresConfirmation bool            `json:"requiresConfirmation"`
	Message              string          `json:"message"`
}

// ForbiddenResponse reports a tool the mode does not allow.
type ForbiddenResponse struct {
	Mode      permission.Mode `json:"mode"`
	Tool      string          `json:"tool"`
	Forbidden bool            `json:"forbidden"`
	Message   string          `json:"message"`
}

// Outcome is what Handle returns when the request did not fail. Exactly one
// of Response, Confirmation, Forbidden and Events is set, according to Kind.
type Outcome struct {
	Kind         Kind
	Response     *Response
	Confirmation *ConfirmationRequest
	Forbidden    *ForbiddenResponse
	Events       <-chan stream.Event

	// Degraded is the error a fallback answer recovered from, if any.
	Degraded error
}
