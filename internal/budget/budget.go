// Package budget owns the per-request wall-clock deadline, the per-call
// timeout tiers and the caps on model calls and tool rounds.
package budget

import (
	"fmt"
	"sync"
	"time"

	"github.com/codefionn/bizpilot/internal/consts"
)

// Tier names one of the timeout tiers.
type Tier string

const (
	TierModel  Tier = "model"
	TierTool   Tier = "tool"
	TierStream Tier = "stream"
	TierTotal  Tier = "total"
)

// Limits are the immutable timeout and cap values for one request.
type Limits struct {
	ModelCall     time.Duration
	ToolCall      time.Duration
	Total         time.Duration
	StreamIdle    time.Duration
	MaxModelCalls int
	MaxToolRounds int
}

// DefaultLimits returns the production limits.
func DefaultLimits() Limits {
	return Limits{
		ModelCall:     consts.DefaultModelCallTimeout,
		ToolCall:      consts.DefaultToolCallTimeout,
		Total:         consts.DefaultTotalBudget,
		StreamIdle:    consts.DefaultStreamIdleTimeout,
		MaxModelCalls: consts.MaxModelCalls,
		MaxToolRounds: consts.MaxToolRounds,
	}
}

// TimeoutError is returned when a timer wins a race.
type TimeoutError struct {
	Tier  Tier
	Label string
	Limit time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s timeout after %s (%s)", e.Tier, e.Limit, e.Label)
}

// Timeout marks the error as a timeout for net.Error-style checks.
func (e *TimeoutError) Timeout() bool { return true }

// Resource is what an ExceededError ran out of.
type Resource string

const (
	ResourceTime       Resource = "time"
	ResourceModelCalls Resource = "model_calls"
	ResourceToolRounds Resource = "tool_rounds"
)

// ExceededError is raised before a suspension that the budget no longer allows.
type ExceededError struct {
	Resource Resource
	Label    string
	// Used is the elapsed time for ResourceTime, otherwise the count already spent.
	Used  string
	Limit string
}

func (e *ExceededError) Error() string {
	return fmt.Sprintf("budget exceeded: %s %s of %s before %s", e.Resource, e.Used, e.Limit, e.Label)
}

// Timeout reports whether the wall-clock budget ran out, as opposed to a cap.
func (e *ExceededError) Timeout() bool { return e.Resource == ResourceTime }

// Budget is shared by reference across every suspension of one request. Its
// deadline is fixed at construction.
type Budget struct {
	limits   Limits
	start    time.Time
	deadline time.Time
	now      func() time.Time

	mu         sync.Mutex
	modelCalls int
	toolRounds int
}

// New starts a budget now.
func New(limits Limits) *Budget {
	return newWithClock(limits, time.Now)
}

func newWithClock(limits Limits, now func() time.Time) *Budget {
	start := now()
	return &Budget{
		limits:   limits,
		start:    start,
		deadline: start.Add(limits.Total),
		now:      now,
	}
}

// Limits returns the limits the budget was built with.
func (b *Budget) Limits() Limits { return b.limits }

// Deadline returns the fixed request deadline.
func (b *Budget) Deadline() time.Time { return b.deadline }

// Elapsed returns the time spent since the request started.
func (b *Budget) Elapsed() time.Duration { return b.now().Sub(b.start) }

// Remaining returns the time left, never negative.
func (b *Budget) Remaining() time.Duration {
	if r := b.deadline.Sub(b.now()); r > 0 {
		return r
	}
	return 0
}

// Check fails with ExceededError once the deadline has passed. It must be
// called before every new suspension.
func (b *Budget) Check(label string) error {
	if b.Remaining() > 0 {
		return nil
	}
	return &ExceededError{
		Resource: ResourceTime,
		Label:    label,
		Used:     b.Elapsed().Round(time.Millisecond).String(),
		Limit:    b.limits.Total.String(),
	}
}

// AcquireModelCall checks the deadline and reserves one upstream call.
func (b *Budget) AcquireModelCall(label string) error {
	if err := b.Check(label); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.modelCalls >= b.limits.MaxModelCalls {
		return &ExceededError{
			Resource: ResourceModelCalls,
			Label:    label,
			Used:     fmt.Sprint(b.modelCalls),
			Limit:    fmt.Sprint(b.limits.MaxModelCalls),
		}
	}
	b.modelCalls++
	return nil
}

// AcquireToolRound checks the deadline and reserves one tool round.
func (b *Budget) AcquireToolRound(label string) error {
	if err := b.Check(label); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.toolRounds >= b.limits.MaxToolRounds {
		return &ExceededError{
			Resource: ResourceToolRounds,
			Label:    label,
			Used:     fmt.Sprint(b.toolRounds),
			Limit:    fmt.Sprint(b.limits.MaxToolRounds),
		}
	}
	b.toolRounds++
	return nil
}

// ModelCalls returns the number of reserved upstream calls.
func (b *Budget) ModelCalls() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.modelCalls
}

// ToolRounds returns the number of reserved tool rounds.
func (b *Budget) ToolRounds() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.toolRounds
}
