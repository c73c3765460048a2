// Package tools holds the tool registry, the sequential Tool Executor and the
// extraction rules for created entities and tab directives.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/getkin/kin-openapi/openapi3"

	"github.com/codefionn/bizpilot/internal/llm"
	"github.com/codefionn/bizpilot/internal/permission"
	"github.com/codefionn/bizpilot/internal/schema"
)

// Spec is the static description of a tool.
type Spec struct {
	Name        string
	Description string
	// Parameters validates the model's arguments. Nil accepts any object.
	Parameters *openapi3.Schema
	// ReadOnly tools never change state; they are allowed in every mode.
	ReadOnly bool
	// EntityType is the collection a successful mutating call creates or
	// touches ("clients", "invoices", ...). Empty disables entity extraction.
	EntityType string
	// StepLabel is the working-step text shown to the user on success.
	StepLabel string
	// TitleRule selects how the entity title is read from the result message.
	TitleRule TitleRule
}

// Handler runs a tool. It must return the raw {success, message, data?} document.
type Handler interface {
	Invoke(ctx context.Context, userID, toolName string, args map[string]any) (json.RawMessage, error)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, userID, toolName string, args map[string]any) (json.RawMessage, error)

func (f HandlerFunc) Invoke(ctx context.Context, userID, toolName string, args map[string]any) (json.RawMessage, error) {
	return f(ctx, userID, toolName, args)
}

type registryEntry struct {
	spec    Spec
	handler Handler
}

// Registry manages available tools
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*registryEntry
	order   []string
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]*registryEntry)}
}

// Register adds a tool. Names must be unique.
func (r *Registry) Register(spec Spec, handler Handler) error {
	if spec.Name == "" {
		return fmt.Errorf("tool name is required")
	}
	if handler == nil {
		return fmt.Errorf("tool %s has no handler", spec.Name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.entries[spec.Name]; exists {
		return fmt.Errorf("tool %s already registered", spec.Name)
	}
	r.entries[spec.Name] = &registryEntry{spec: spec, handler: handler}
	r.order = append(r.order, spec.Name)
	return nil
}

// Lookup returns the spec and handler registered under name.
func (r *Registry) Lookup(name string) (Spec, Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, ok := r.entries[name]
	if !ok {
		return Spec{}, nil, false
	}
	return entry.spec, entry.handler, true
}

// Specs returns every spec in registration order.
func (r *Registry) Specs() []Spec {
	r.mu.RLock()
	defer r.mu.RUnlock()
	specs := make([]Spec, 0, len(r.order))
	for _, name := range r.order {
		specs = append(specs, r.entries[name].spec)
	}
	return specs
}

// Definitions converts the registry into model-facing tool definitions.
func (r *Registry) Definitions() []llm.ToolDefinition {
	specs := r.Specs()
	defs := make([]llm.ToolDefinition, 0, len(specs))
	for _, spec := range specs {
		defs = append(defs, llm.ToolDefinition{
			Name:        spec.Name,
			Description: spec.Description,
			Parameters:  schema.ToJSONSchema(spec.Parameters),
		})
	}
	return defs
}

// ReadOnlyNames returns the sorted read-only tool names.
func (r *Registry) ReadOnlyNames() []string {
	var names []string
	for _, spec := range r.Specs() {
		if spec.ReadOnly {
			names = append(names, spec.Name)
		}
	}
	sort.Strings(names)
	return names
}

// Policy builds the permission table for the registered tools.
func (r *Registry) Policy(alwaysConfirm ...string) *permission.Policy {
	return permission.NewPolicy(r.ReadOnlyNames(), alwaysConfirm...)
}

// EntityTypes maps each tool name to the entity type it produces.
func (r *Registry) EntityTypes() map[string]string {
	out := make(map[string]string)
	for _, spec := range r.Specs() {
		if spec.EntityType != "" {
			out[spec.Name] = spec.EntityType
		}
	}
	return out
}
