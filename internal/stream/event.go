// Package stream turns an upstream chat-completions SSE body into the
// downstream event sequence: an optional metadata event, text deltas, at most
// one error, then done.
package stream

import (
	"encoding/json"
	"errors"

	"github.com/codefionn/bizpilot/internal/budget"
	"github.com/codefionn/bizpilot/internal/tools"
)

// EventType names a downstream event.
type EventType string

const (
	EventMetadata EventType = "metadata"
	EventText     EventType = "text"
	EventError    EventType = "error"
	EventDone     EventType = "done"
)

// DoneFrame is the raw terminal frame.
const DoneFrame = "[DONE]"

// Metadata is the out-of-band payload sent before any text.
type Metadata struct {
	WorkingSteps    []string          `json:"workingSteps,omitempty"`
	EntitiesCreated []tools.EntityRef `json:"entitiesCreated,omitempty"`
	TabsToOpen      []tools.Tab       `json:"tabsToOpen,omitempty"`
}

// Empty reports whether there is nothing worth sending.
func (m *Metadata) Empty() bool {
	return m == nil || (len(m.WorkingSteps) == 0 && len(m.EntitiesCreated) == 0 && len(m.TabsToOpen) == 0)
}

// Event is one downstream event. Err carries the internal cause of an error
// event for logging; only Message reaches the caller.
type Event struct {
	Type     EventType
	Metadata *Metadata
	Content  string
	Message  string
	Err      error
}

type metadataFrame struct {
	Type EventType `json:"type"`
	*Metadata
}

type textFrame struct {
	Type    EventType `json:"type"`
	Content string    `json:"content"`
}

type errorFrame struct {
	Type    EventType `json:"type"`
	Message string    `json:"message"`
}

// Frame renders the event payload: JSON for every kind except done, which is
// the raw sentinel.
func (e Event) Frame() ([]byte, error) {
	switch e.Type {
	case EventMetadata:
		meta := e.Metadata
		if meta == nil {
			meta = &Metadata{}
		}
		return json.Marshal(metadataFrame{Type: e.Type, Metadata: meta})
	case EventText:
		return json.Marshal(textFrame{Type: e.Type, Content: e.Content})
	case EventError:
		return json.Marshal(errorFrame{Type: e.Type, Message: e.Message})
	default:
		return []byte(DoneFrame), nil
	}
}

// ErrorEvent builds an error event with a localized message for err.
func ErrorEvent(err error) Event {
	return Event{Type: EventError, Message: errorMessage(err), Err: err}
}

func errorMessage(err error) string {
	var timeout *budget.TimeoutError
	var exceeded *budget.ExceededError
	switch {
	case errors.As(err, &timeout), errors.As(err, &exceeded):
		return "La réponse a pris trop de temps et a été interrompue."
	default:
		return "La réponse de l'assistant a été interrompue."
	}
}

// FromText returns a finished event channel for a reply that is already
// materialized: metadata when present, the text when non-empty, then done.
func FromText(meta *Metadata, text string) <-chan Event {
	out := make(chan Event, 3)
	if !meta.Empty() {
		out <- Event{Type: EventMetadata, Metadata: meta}
	}
	if text != "" {
		out <- Event{Type: EventText, Content: text}
	}
	out <- Event{Type: EventDone}
	close(out)
	return out
}

// FromError returns a finished event channel that reports err.
func FromError(meta *Metadata, err error) <-chan Event {
	out := make(chan Event, 3)
	if !meta.Empty() {
		out <- Event{Type: EventMetadata, Metadata: meta}
	}
	out <- ErrorEvent(err)
	out <- Event{Type: EventDone}
	close(out)
	return out
}
