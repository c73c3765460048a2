package schema

import (
	"errors"
	"fmt"
	"strings"

	"github.com/getkin/kin-openapi/openapi3"
)

var (
	// ErrInvalidToolArguments marks arguments that do not match a tool's parameter schema.
	ErrInvalidToolArguments = errors.New("invalid tool arguments")
	// ErrInvalidToolResult marks a tool result that is not {success, message, data?}.
	ErrInvalidToolResult = errors.New("invalid tool result")
)

// Issue is one validation failure.
type Issue struct {
	Path   string `json:"path"`
	Reason string `json:"reason"`
}

func (i Issue) String() string {
	if i.Path == "" {
		return i.Reason
	}
	return i.Path + ": " + i.Reason
}

// ValidationError reports malformed input. Kind is nil for request
// validation and one of the sentinels above for tool traffic.
type ValidationError struct {
	Subject string
	Issues  []Issue
	Kind    error
}

func (e *ValidationError) Error() string {
	parts := make([]string, len(e.Issues))
	for i, issue := range e.Issues {
		parts[i] = issue.String()
	}
	msg := "invalid " + e.Subject
	if len(parts) > 0 {
		msg += ": " + strings.Join(parts, "; ")
	}
	return msg
}

func (e *ValidationError) Unwrap() error {
	return e.Kind
}

func newValidationError(subject string, kind error, issues ...Issue) *ValidationError {
	return &ValidationError{Subject: subject, Kind: kind, Issues: issues}
}

// issuesFrom flattens kin-openapi errors into issues.
func issuesFrom(err error) []Issue {
	switch e := err.(type) {
	case openapi3.MultiError:
		var out []Issue
		for _, inner := range e {
			out = append(out, issuesFrom(inner)...)
		}
		return out
	case *openapi3.SchemaError:
		reason := e.Reason
		if reason == "" {
			reason = fmt.Sprintf("does not match %q", e.SchemaField)
		}
		return []Issue{{Path: pointer(e.JSONPointer()), Reason: reason}}
	default:
		return []Issue{{Reason: err.Error()}}
	}
}

func pointer(parts []string) string {
	if len(parts) == 0 {
		return ""
	}
	return "/" + strings.Join(parts, "/")
}
