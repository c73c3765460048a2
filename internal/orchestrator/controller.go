// Package orchestrator is the Round Controller: it drives the model and the
// Tool Executor through at most two tool rounds and one forced retry under a
// single request budget.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/codefionn/bizpilot/internal/budget"
	"github.com/codefionn/bizpilot/internal/llm"
	"github.com/codefionn/bizpilot/internal/logger"
	"github.com/codefionn/bizpilot/internal/permission"
	"github.com/codefionn/bizpilot/internal/refusal"
	"github.com/codefionn/bizpilot/internal/schema"
	"github.com/codefionn/bizpilot/internal/stream"
	"github.com/codefionn/bizpilot/internal/tools"
)

// Labels of the upstream calls and tool rounds.
const (
	labelInitial    = "initial"
	labelFollowUp   = "follow_up"
	labelRetry      = "retry"
	labelFinal      = "final"
	labelRound1     = "round_1"
	labelRound2     = "round_2"
	labelRetryRound = "retry_round"
)

// Options configures a Controller. Zero values select the defaults.
type Options struct {
	Limits        budget.Limits
	AlwaysConfirm []string
	Now           func() time.Time
	Log           *logger.Logger
}

// Controller is safe for concurrent use; every request gets its own budget
// and conversation.
type Controller struct {
	caller   llm.Caller
	registry *tools.Registry
	executor *tools.Executor
	policy   *permission.Policy
	adapter  *stream.Adapter
	limits   budget.Limits
	now      func() time.Time
	log      *logger.Logger
	tracer   trace.Tracer
}

// New creates a controller over caller and the tools in registry.
func New(caller llm.Caller, registry *tools.Registry, opts Options) *Controller {
	log := opts.Log
	if log == nil {
		log = logger.Global()
	}
	limits := opts.Limits
	if limits == (budget.Limits{}) {
		limits = budget.DefaultLimits()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}

	return &Controller{
		caller:   caller,
		registry: registry,
		executor: tools.NewExecutor(registry, log),
		policy:   registry.Policy(opts.AlwaysConfirm...),
		adapter:  stream.NewAdapter(limits.StreamIdle, log),
		limits:   limits,
		now:      now,
		log:      log,
		tracer:   otel.Tracer("github.com/codefionn/bizpilot/internal/orchestrator"),
	}
}

// ModelName returns the upstream model name.
func (c *Controller) ModelName() string { return c.caller.ModelName() }

// Registry returns the tools the controller offers to the model.
func (c *Controller) Registry() *tools.Registry { return c.registry }

// Handle runs one validated request to a terminal outcome. Errors are the
// typed failures of the packages involved (budget, llm, tools, schema) or a
// context error.
func (c *Controller) Handle(ctx context.Context, userID string, req *schema.Request) (out *Outcome, err error) {
	requestID := uuid.NewString()
	log := c.log.WithPrefix("chat:"+requestID[:8]).With("user", userID, "mode", req.Mode)

	ctx, span := c.tracer.Start(ctx, "chat", trace.WithAttributes(
		attribute.String("chat.request_id", requestID),
		attribute.String("chat.mode", string(req.Mode)),
		attribute.Bool("chat.stream", req.Stream),
	))
	r := &run{
		c:      c,
		log:    log,
		userID: userID,
		req:    req,
		budget: budget.New(c.limits),
	}
	defer func() {
		span.SetAttributes(
			attribute.Int("chat.model_calls", r.budget.ModelCalls()),
			attribute.Int("chat.tool_rounds", r.budget.ToolRounds()),
		)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			log.Warn("request failed after %s: %v", r.budget.Elapsed().Round(time.Millisecond), err)
		} else {
			span.SetAttributes(attribute.String("chat.outcome", out.Kind.String()))
			log.Info("request finished as %s after %s (%d model calls, %d tool rounds)",
				out.Kind, r.budget.Elapsed().Round(time.Millisecond), r.budget.ModelCalls(), r.budget.ToolRounds())
		}
		span.End()
	}()

	r.messages, err = c.buildMessages(req)
	if err != nil {
		return nil, fmt.Errorf("failed to build conversation: %w", err)
	}
	return r.execute(ctx)
}

// run is the state of one request.
type run struct {
	c        *Controller
	log      *logger.Logger
	userID   string
	req      *schema.Request
	budget   *budget.Budget
	messages []llm.Message
	results  []tools.Result
}

func (r *run) execute(ctx context.Context) (*Outcome, error) {
	reply, err := r.model(ctx, labelInitial, llm.ToolChoiceAuto)
	if err != nil {
		return nil, err
	}
	if reply.HasToolCalls() {
		return r.toolPath(ctx, reply)
	}
	return r.textPath(ctx, reply)
}

// toolPath: round 1, follow-up, and when the follow-up asks for more tools,
// round 2 and a final answer.
func (r *run) toolPath(ctx context.Context, reply *llm.Reply) (*Outcome, error) {
	if out, err := r.round(ctx, labelRound1, reply); out != nil || err != nil {
		return out, err
	}

	followUp, err := r.model(ctx, labelFollowUp, llm.ToolChoiceAuto)
	if err != nil {
		return r.degradeToResults(labelFollowUp, err)
	}
	if !followUp.HasToolCalls() {
		return r.finish(followUp.Text(), nil), nil
	}

	if out, err := r.round(ctx, labelRound2, followUp); out != nil || err != nil {
		return out, err
	}
	return r.final(ctx)
}

// textPath: the model answered without tools. A capability refusal gets one
// forced retry with toolChoice=required.
func (r *run) textPath(ctx context.Context, reply *llm.Reply) (*Outcome, error) {
	text := reply.Text()
	verdict := refusal.Classify(text)
	if !verdict.Retry() {
		if verdict.Kind == refusal.KindExclusion {
			r.log.Debug("no retry: reply matched %s", verdict.Label)
		}
		return r.finish(text, nil), nil
	}

	r.log.Info("model declined (%s), retrying with required tool use", verdict.Label)
	r.messages = append(r.messages,
		llm.Message{Role: llm.RoleAssistant, Content: text},
		llm.Message{Role: llm.RoleUser, Content: retryInstruction},
	)

	retry, err := r.model(ctx, labelRetry, llm.ToolChoiceRequired)
	if err != nil {
		if isCancellation(err) {
			return nil, err
		}
		r.log.Warn("forced retry failed, keeping the original reply: %v", err)
		return r.finish(text, err), nil
	}
	if !retry.HasToolCalls() {
		if retryText := retry.Text(); retryText != "" {
			return r.finish(retryText, nil), nil
		}
		return r.finish(text, nil), nil
	}

	if out, err := r.round(ctx, labelRetryRound, retry); out != nil || err != nil {
		return out, err
	}
	return r.final(ctx)
}

// round gates every call of reply, then executes them and appends the
// assistant turn and one tool message per result. A non-nil Outcome is a
// terminal permission stop.
func (r *run) round(ctx context.Context, label string, reply *llm.Reply) (*Outcome, error) {
	calls := make([]permission.Call, len(reply.ToolCalls))
	for i, call := range reply.ToolCalls {
		calls[i] = permission.Call{ID: call.ID, Name: call.Name}
	}
	if denial := r.c.policy.Gate(r.req.Mode, calls, r.req.Confirmation); denial != nil {
		return r.denied(denial, reply.ToolCalls[denial.Index]), nil
	}

	if err := r.budget.AcquireToolRound(label); err != nil {
		return nil, err
	}

	ctx, span := r.c.tracer.Start(ctx, "round "+label, trace.WithAttributes(
		attribute.Int("round.tool_calls", len(reply.ToolCalls)),
	))
	defer span.End()

	r.messages = append(r.messages, llm.Message{
		Role:      llm.RoleAssistant,
		Content:   reply.Content,
		ToolCalls: reply.ToolCalls,
	})

	results, err := r.c.executor.Execute(ctx, r.userID, reply.ToolCalls, r.budget)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		var execErr *tools.ExecutionError
		if errors.As(err, &execErr) && execErr.Failed != nil {
			return r.reportedFailure(label, execErr), nil
		}
		return nil, err
	}
	for _, res := range results {
		r.messages = append(r.messages, llm.Message{
			Role:       llm.RoleTool,
			Content:    res.ModelContent(),
			ToolCallID: res.CallID,
		})
	}
	r.results = append(r.results, results...)
	r.log.Debug("%s executed %d tool call(s)", label, len(results))
	return nil, nil
}

// final is the last model call after a second tool round or a retry round.
// Tools are offered with toolChoice=none so the model can only answer. It is
// the only call that may be streamed.
func (r *run) final(ctx context.Context) (*Outcome, error) {
	if err := r.budget.AcquireModelCall(labelFinal); err != nil {
		return r.degradeToResults(labelFinal, err)
	}
	req := r.request(labelFinal, llm.ToolChoiceNone)

	if r.req.Stream {
		streamCtx, cancel := context.WithDeadline(ctx, r.budget.Deadline())
		body, err := llm.CallStream(streamCtx, r.c.caller, req, r.c.limits.ModelCall)
		if err == nil {
			events := r.c.adapter.Run(streamCtx, &closeHook{ReadCloser: body, hook: cancel}, r.metadata())
			return &Outcome{Kind: KindStream, Events: events}, nil
		}
		cancel()
		if isCancellation(err) {
			return nil, err
		}
		r.log.Warn("stream did not open, falling back to a materialized answer: %v", err)
		if err := r.budget.Check(labelFinal); err != nil {
			return r.degradeToResults(labelFinal, err)
		}
	}

	reply, err := r.call(ctx, req)
	if err != nil {
		return r.degradeToResults(labelFinal, err)
	}
	return r.finish(reply.Text(), nil), nil
}

// model reserves one model call and runs it.
func (r *run) model(ctx context.Context, label string, choice llm.ToolChoice) (*llm.Reply, error) {
	if err := r.budget.AcquireModelCall(label); err != nil {
		return nil, err
	}
	return r.call(ctx, r.request(label, choice))
}

func (r *run) call(ctx context.Context, req *llm.Request) (reply *llm.Reply, err error) {
	ctx, span := r.c.tracer.Start(ctx, "model "+req.Label, trace.WithAttributes(
		attribute.String("model.tool_choice", string(req.ToolChoice)),
		attribute.Int("model.messages", len(req.Messages)),
	))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		} else {
			span.SetAttributes(attribute.Int("model.tool_calls", len(reply.ToolCalls)))
		}
		span.End()
	}()

	start := time.Now()
	reply, err = llm.Call(ctx, r.c.caller, req, r.c.limits.ModelCall)
	if err != nil {
		return nil, err
	}
	r.log.Debug("%s answered in %s with %d tool call(s)", req.Label, time.Since(start).Round(time.Millisecond), len(reply.ToolCalls))
	return reply, nil
}

func (r *run) request(label string, choice llm.ToolChoice) *llm.Request {
	messages := make([]llm.Message, len(r.messages))
	copy(messages, r.messages)
	return &llm.Request{
		Label:      label,
		Messages:   messages,
		Tools:      r.c.registry.Definitions(),
		ToolChoice: choice,
	}
}

// finish assembles the terminal answer. An empty text falls back to the
// tool result messages.
func (r *run) finish(text string, degraded error) *Outcome {
	if strings.TrimSpace(text) == "" {
		text = r.joinedResults()
	}
	if text == "" {
		text = "Je n'ai pas de réponse à proposer pour le moment."
	}

	meta := r.metadata()
	if r.req.Stream {
		return &Outcome{Kind: KindStream, Events: stream.FromText(meta, text), Degraded: degraded}
	}
	return &Outcome{
		Kind: KindCompleted,
		Response: &Response{
			Message:         text,
			WorkingSteps:    meta.WorkingSteps,
			EntitiesCreated: meta.EntitiesCreated,
			TabsToOpen:      meta.TabsToOpen,
		},
		Degraded: degraded,
	}
}

// degradeToResults answers with the raw tool results when a call after a
// tool round failed.
func (r *run) degradeToResults(label string, err error) (*Outcome, error) {
	if len(r.results) == 0 || isCancellation(err) {
		return nil, err
	}
	r.log.Warn("%s failed (%T), answering with tool results: %v", label, err, err)
	return r.finish(r.joinedResults(), err), nil
}

// reportedFailure ends the request when a tool answered success=false. The
// round stops there and no further model call is made; the user gets the
// results that completed followed by the tool's own message.
func (r *run) reportedFailure(label string, execErr *tools.ExecutionError) *Outcome {
	r.results = append(r.results, execErr.Completed...)
	r.log.Warn("%s stopped at %s: %s", label, execErr.ToolName, execErr.Failed.Message)

	text := r.joinedResults()
	if msg := execErr.Failed.Message; msg != "" {
		if text != "" {
			text += "\n"
		}
		text += msg
	}
	return r.finish(text, execErr)
}

func (r *run) joinedResults() string {
	messages := make([]string, 0, len(r.results))
	for _, res := range r.results {
		if res.Message != "" {
			messages = append(messages, res.Message)
		}
	}
	return strings.Join(messages, "\n")
}

func (r *run) metadata() *stream.Metadata {
	meta := &stream.Metadata{}
	var entities []tools.EntityRef
	for _, res := range r.results {
		if res.StepLabel != "" {
			meta.WorkingSteps = append(meta.WorkingSteps, res.StepLabel)
		}
		if res.Entity != nil {
			entities = append(entities, *res.Entity)
		}
		if res.Tab != nil {
			meta.TabsToOpen = append(meta.TabsToOpen, *res.Tab)
		}
	}
	if len(entities) > 0 {
		meta.EntitiesCreated = tools.DedupeEntities(entities)
	}
	return meta
}

func (r *run) denied(denial *permission.Denial, call llm.ToolCall) *Outcome {
	r.log.Info("%s for %s (call %s) in %s mode", denial.Decision, call.Name, call.ID, denial.Mode)

	if denial.Decision == permission.NeedsConfirmation {
		args := map[string]any{}
		if strings.TrimSpace(call.Arguments) != "" {
			if err := json.Unmarshal([]byte(call.Arguments), &args); err != nil || args == nil {
				args = map[string]any{}
			}
		}
		return &Outcome{
			Kind: KindNeedsConfirmation,
			Confirmation: &ConfirmationRequest{
				Mode:                 denial.Mode,
				Tool:                 call.Name,
				ToolCallID:           call.ID,
				Args:                 args,
				RequiresConfirmation: true,
				Message:              fmt.Sprintf("L'action %s doit être confirmée avant d'être exécutée.", call.Name),
			},
		}
	}

	return &Outcome{
		Kind: KindForbidden,
		Forbidden: &ForbiddenResponse{
			Mode:      denial.Mode,
			Tool:      call.Name,
			Forbidden: true,
			Message:   fmt.Sprintf("L'action %s n'est pas autorisée en mode %s.", call.Name, denial.Mode),
		},
	}
}

// isCancellation reports whether err comes from the caller going away rather
// than from a timer or the upstream.
func isCancellation(err error) bool {
	return errors.Is(err, context.Canceled)
}

// closeHook runs hook once after the body is closed.
type closeHook struct {
	io.ReadCloser
	hook func()
	once sync.Once
}

func (c *closeHook) Close() error {
	err := c.ReadCloser.Close()
	c.once.Do(c.hook)
	return err
}
