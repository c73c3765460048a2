// Package permission decides whether a tool call may run under the caller's
// operating mode.
package permission

import (
	"fmt"
	"strings"
)

// Mode is the operating policy requested by the caller.
type Mode string

const (
	// ModeAuto runs every tool without asking.
	ModeAuto Mode = "auto"
	// ModePlan only runs read-only tools.
	ModePlan Mode = "plan"
	// ModeAskFirst requires an explicit confirmation for mutating tools.
	ModeAskFirst Mode = "ask-first"
)

// Modes lists the accepted modes in display order.
var Modes = []Mode{ModeAuto, ModePlan, ModeAskFirst}

// ParseMode parses a mode name. The empty string is ModeAuto.
func ParseMode(s string) (Mode, error) {
	switch Mode(strings.TrimSpace(s)) {
	case "", ModeAuto:
		return ModeAuto, nil
	case ModePlan:
		return ModePlan, nil
	case ModeAskFirst:
		return ModeAskFirst, nil
	default:
		return "", fmt.Errorf("unknown mode %q", s)
	}
}

// Decision is the outcome of a permission check.
type Decision int

const (
	// Allowed lets the tool run.
	Allowed Decision = iota
	// NeedsConfirmation stops the round until the caller confirms this call.
	NeedsConfirmation
	// Forbidden stops the round; the tool can never run in this mode.
	Forbidden
)

// String returns a string representation of the decision
func (d Decision) String() string {
	switch d {
	case Allowed:
		return "allowed"
	case NeedsConfirmation:
		return "needs_confirmation"
	case Forbidden:
		return "forbidden"
	default:
		return "unknown"
	}
}

// Policy is the fixed mode × tool table. It is immutable after construction
// and safe for concurrent use.
type Policy struct {
	readOnly      map[string]struct{}
	alwaysConfirm map[string]struct{}
}

// NewPolicy builds a policy from the read-only tool set. Tools listed in
// alwaysConfirm need confirmation even in auto mode.
func NewPolicy(readOnly []string, alwaysConfirm ...string) *Policy {
	p := &Policy{
		readOnly:      make(map[string]struct{}, len(readOnly)),
		alwaysConfirm: make(map[string]struct{}, len(alwaysConfirm)),
	}
	for _, name := range readOnly {
		p.readOnly[name] = struct{}{}
	}
	for _, name := range alwaysConfirm {
		p.alwaysConfirm[name] = struct{}{}
	}
	return p
}

// IsReadOnly reports whether name is in the read-only set.
func (p *Policy) IsReadOnly(name string) bool {
	_, ok := p.readOnly[name]
	return ok
}

// Decide is the pure (mode, tool) decision, before any confirmation is applied.
func (p *Policy) Decide(mode Mode, toolName string) Decision {
	if p.IsReadOnly(toolName) {
		return Allowed
	}
	switch mode {
	case ModePlan:
		return Forbidden
	case ModeAskFirst:
		return NeedsConfirmation
	default:
		if _, ok := p.alwaysConfirm[toolName]; ok {
			return NeedsConfirmation
		}
		return Allowed
	}
}

// Confirmation is what the caller sent back after a confirmation request.
type Confirmation struct {
	Confirmed  bool
	ToolCallID string
}

// Covers reports whether the confirmation applies to the given call id.
func (c Confirmation) Covers(callID string) bool {
	return c.Confirmed && c.ToolCallID != "" && c.ToolCallID == callID
}

// Call is the part of a tool call the gate looks at.
type Call struct {
	ID   string
	Name string
}

// Check applies Decide and then the confirmation to a single call.
func (p *Policy) Check(mode Mode, call Call, confirmation Confirmation) Decision {
	d := p.Decide(mode, call.Name)
	if d == NeedsConfirmation && confirmation.Covers(call.ID) {
		return Allowed
	}
	return d
}

// Denial describes the first call of a batch that may not run.
type Denial struct {
	Decision Decision
	Mode     Mode
	Call     Call
	// Index is the position of the call within its batch.
	Index int
}

// Gate checks every call of a batch before any of them executes. It returns
// nil when the whole batch may run.
func (p *Policy) Gate(mode Mode, calls []Call, confirmation Confirmation) *Denial {
	for i, call := range calls {
		if d := p.Check(mode, call, confirmation); d != Allowed {
			return &Denial{Decision: d, Mode: mode, Call: call, Index: i}
		}
	}
	return nil
}
