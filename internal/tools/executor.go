package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/codefionn/bizpilot/internal/budget"
	"github.com/codefionn/bizpilot/internal/llm"
	"github.com/codefionn/bizpilot/internal/logger"
	"github.com/codefionn/bizpilot/internal/schema"
)

// Result is the outcome of one executed tool call.
type Result struct {
	CallID    string
	ToolName  string
	Success   bool
	Message   string
	Data      map[string]any
	StepLabel string
	Entity    *EntityRef
	Tab       *Tab
}

// ModelContent is what the model sees in the tool message: the result
// message, followed by the data payload when there is one.
func (r Result) ModelContent() string {
	if len(r.Data) == 0 {
		return r.Message
	}
	data, err := json.Marshal(r.Data)
	if err != nil {
		return r.Message
	}
	return r.Message + "\n" + string(data)
}

// ErrToolReportedFailure marks a tool that ran but answered success=false.
var ErrToolReportedFailure = errors.New("tool reported failure")

// ExecutionError aborts a batch. Completed holds the results of the calls
// that finished before the failing one. Failed is set when the failing tool
// reported the failure itself; its Message is meant for the user.
type ExecutionError struct {
	CallID    string
	ToolName  string
	Index     int
	Completed []Result
	Failed    *Result
	Err       error
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("tool %s (call %s) failed: %v", e.ToolName, e.CallID, e.Err)
}

func (e *ExecutionError) Unwrap() error { return e.Err }

// Executor runs one model turn's tool calls.
type Executor struct {
	registry *Registry
	log      *logger.Logger
	tracer   trace.Tracer
}

// NewExecutor creates an executor over registry.
func NewExecutor(registry *Registry, log *logger.Logger) *Executor {
	if log == nil {
		log = logger.Global()
	}
	return &Executor{
		registry: registry,
		log:      log.WithPrefix("tools"),
		tracer:   otel.Tracer("github.com/codefionn/bizpilot/internal/tools"),
	}
}

// Execute runs calls strictly in order. The first failure, including a
// result with success=false, aborts the batch; calls after it never start.
func (e *Executor) Execute(ctx context.Context, userID string, calls []llm.ToolCall, b *budget.Budget) ([]Result, error) {
	results := make([]Result, 0, len(calls))
	for i, call := range calls {
		res, err := e.executeOne(ctx, userID, call, b)
		if err != nil {
			e.log.Warn("tool batch aborted at %s (%d/%d): %v", call.Name, i+1, len(calls), err)
			execErr := &ExecutionError{
				CallID:    call.ID,
				ToolName:  call.Name,
				Index:     i,
				Completed: results,
				Err:       err,
			}
			if errors.Is(err, ErrToolReportedFailure) {
				execErr.Failed = &res
			}
			return results, execErr
		}
		results = append(results, res)
	}
	return results, nil
}

func (e *Executor) executeOne(ctx context.Context, userID string, call llm.ToolCall, b *budget.Budget) (res Result, err error) {
	ctx, span := e.tracer.Start(ctx, "tool "+call.Name, trace.WithAttributes(
		attribute.String("tool.name", call.Name),
		attribute.String("tool.call_id", call.ID),
	))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	if err := b.Check("tool " + call.Name); err != nil {
		return Result{}, err
	}

	spec, handler, ok := e.registry.Lookup(call.Name)
	if !ok {
		return Result{}, &schema.ValidationError{
			Subject: "tool call",
			Kind:    schema.ErrInvalidToolArguments,
			Issues:  []schema.Issue{{Path: "/name", Reason: fmt.Sprintf("unknown tool %q", call.Name)}},
		}
	}

	args, err := schema.ValidateToolArguments(call.Name, spec.Parameters, call.Arguments)
	if err != nil {
		return Result{}, err
	}

	e.log.Debug("dispatching %s (call %s)", call.Name, call.ID)
	raw, err := budget.Race(ctx, budget.TierTool, call.Name, b.Limits().ToolCall, func(ctx context.Context) (json.RawMessage, error) {
		return handler.Invoke(ctx, userID, call.Name, args)
	})
	if err != nil {
		return Result{}, err
	}

	parsed, err := schema.ParseToolResult(call.Name, raw)
	if err != nil {
		return Result{}, err
	}

	res = Result{
		CallID:   call.ID,
		ToolName: call.Name,
		Success:  parsed.Success,
		Message:  strings.TrimSpace(parsed.Message),
		Data:     parsed.Data,
	}
	span.SetAttributes(attribute.Bool("tool.success", parsed.Success))

	if !parsed.Success {
		return res, fmt.Errorf("%w: %s", ErrToolReportedFailure, res.Message)
	}

	res.StepLabel = spec.StepLabel
	if res.StepLabel == "" {
		res.StepLabel = call.Name
	}
	if !spec.ReadOnly {
		if entity, ok := ExtractEntity(spec, res.Message, parsed.Data); ok {
			res.Entity = entity
		} else if spec.EntityType != "" {
			e.log.Debug("no entity extracted from %s result", call.Name)
		}
	}
	if tab, ok := ExtractTab(parsed.Data); ok {
		res.Tab = tab
	}
	return res, nil
}
