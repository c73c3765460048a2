// Package schema validates everything that crosses the orchestrator's
// boundary: the inbound chat request, tool arguments produced by the model
// and results returned by tools.
package schema

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/getkin/kin-openapi/openapi3"

	"github.com/codefionn/bizpilot/internal/consts"
	"github.com/codefionn/bizpilot/internal/permission"
)

// Role of a caller-supplied history turn.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Turn is one prior exchange supplied by the caller.
type Turn struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// ContextRef points at the entity the user has open, written "<type>:<id>".
type ContextRef struct {
	Type string
	ID   string
}

func (c ContextRef) String() string {
	return c.Type + ":" + c.ID
}

// Request is a validated chat request. It is not modified after parsing.
type Request struct {
	Message      string
	History      []Turn
	Mode         permission.Mode
	Context      *ContextRef
	Confirmation permission.Confirmation
	Stream       bool
}

type wireRequest struct {
	Message             string  `json:"message"`
	History             []Turn  `json:"history"`
	Mode                string  `json:"mode"`
	ContextID           *string `json:"contextId"`
	ConfirmedAction     *bool   `json:"confirmedAction"`
	ConfirmedToolCallID *string `json:"confirmedToolCallId"`
	Stream              bool    `json:"stream"`
}

var (
	contextTypePattern = regexp.MustCompile(`^[a-z][a-z_]*$`)
	requestSchema      = newRequestSchema()
)

func newRequestSchema() *openapi3.Schema {
	modes := make([]any, len(permission.Modes))
	for i, m := range permission.Modes {
		modes[i] = string(m)
	}

	turn := openapi3.NewObjectSchema().
		WithProperty("role", openapi3.NewStringSchema().WithEnum(string(RoleUser), string(RoleAssistant))).
		WithProperty("content", openapi3.NewStringSchema().WithMaxLength(consts.MaxHistoryContentLength)).
		WithRequired([]string{"role", "content"})

	return openapi3.NewObjectSchema().
		WithProperty("message", openapi3.NewStringSchema().WithMinLength(1).WithMaxLength(consts.MaxMessageLength)).
		WithProperty("history", openapi3.NewArraySchema().WithItems(turn).WithNullable()).
		WithProperty("mode", openapi3.NewStringSchema().WithEnum(modes...)).
		WithProperty("contextId", openapi3.NewStringSchema().WithNullable()).
		WithProperty("confirmedAction", openapi3.NewBoolSchema().WithNullable()).
		WithProperty("confirmedToolCallId", openapi3.NewStringSchema().WithNullable()).
		WithProperty("stream", openapi3.NewBoolSchema()).
		WithRequired([]string{"message"})
}

// ParseRequest decodes and validates a raw request body. Only the last
// maxHistory turns are kept; maxHistory <= 0 keeps the default.
func ParseRequest(data []byte, maxHistory int) (*Request, error) {
	var doc any
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, newValidationError("request", nil, Issue{Reason: "body is not valid JSON"})
	}
	if err := requestSchema.VisitJSON(doc, openapi3.MultiErrors()); err != nil {
		return nil, newValidationError("request", nil, issuesFrom(err)...)
	}

	var wire wireRequest
	if err := json.Unmarshal(data, &wire); err != nil {
		return nil, newValidationError("request", nil, Issue{Reason: err.Error()})
	}

	message := strings.TrimSpace(wire.Message)
	if message == "" {
		return nil, newValidationError("request", nil, Issue{Path: "/message", Reason: "message is blank"})
	}

	mode, err := permission.ParseMode(wire.Mode)
	if err != nil {
		return nil, newValidationError("request", nil, Issue{Path: "/mode", Reason: err.Error()})
	}

	req := &Request{
		Message: message,
		History: capHistory(wire.History, maxHistory),
		Mode:    mode,
		Stream:  wire.Stream,
	}

	if wire.ContextID != nil && strings.TrimSpace(*wire.ContextID) != "" {
		ref, err := ParseContextRef(*wire.ContextID)
		if err != nil {
			return nil, newValidationError("request", nil, Issue{Path: "/contextId", Reason: err.Error()})
		}
		req.Context = ref
	}

	if wire.ConfirmedAction != nil {
		req.Confirmation.Confirmed = *wire.ConfirmedAction
	}
	if wire.ConfirmedToolCallID != nil {
		req.Confirmation.ToolCallID = strings.TrimSpace(*wire.ConfirmedToolCallID)
	}

	return req, nil
}

// ParseContextRef parses "<type>:<id>".
func ParseContextRef(s string) (*ContextRef, error) {
	kind, id, ok := strings.Cut(strings.TrimSpace(s), ":")
	if !ok {
		return nil, fmt.Errorf("expected <type>:<id>, got %q", s)
	}
	if !contextTypePattern.MatchString(kind) {
		return nil, fmt.Errorf("invalid context type %q", kind)
	}
	if id == "" || strings.ContainsAny(id, " \t\r\n:") {
		return nil, fmt.Errorf("invalid context id %q", id)
	}
	return &ContextRef{Type: kind, ID: id}, nil
}

func capHistory(history []Turn, max int) []Turn {
	if max <= 0 {
		max = consts.DefaultMaxHistory
	}
	out := make([]Turn, 0, min(len(history), max))
	if len(history) > max {
		history = history[len(history)-max:]
	}
	for _, t := range history {
		if strings.TrimSpace(t.Content) == "" {
			continue
		}
		out = append(out, t)
	}
	return out
}
