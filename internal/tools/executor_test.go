package tools

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/getkin/kin-openapi/openapi3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codefionn/bizpilot/internal/budget"
	"github.com/codefionn/bizpilot/internal/llm"
	"github.com/codefionn/bizpilot/internal/schema"
)

// recordingHandler returns canned replies per tool and records invocations.
type recordingHandler struct {
	mu      sync.Mutex
	calls   []string
	replies map[string]json.RawMessage
	errs    map[string]error
	block   map[string]bool
}

func (h *recordingHandler) Invoke(ctx context.Context, userID, toolName string, args map[string]any) (json.RawMessage, error) {
	h.mu.Lock()
	h.calls = append(h.calls, toolName)
	h.mu.Unlock()

	if h.block[toolName] {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if err := h.errs[toolName]; err != nil {
		return nil, err
	}
	if reply, ok := h.replies[toolName]; ok {
		return reply, nil
	}
	return schema.ToolResult{Success: true, Message: toolName + " ok"}.Encode(), nil
}

func (h *recordingHandler) invoked() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.calls...)
}

func newTestExecutor(t *testing.T, h *recordingHandler) *Executor {
	t.Helper()
	r := NewRegistry()
	nameOnly := schema.StrictObject(map[string]*openapi3.Schema{
		"name": openapi3.NewStringSchema().WithMinLength(1),
	}, "name")

	require.NoError(t, r.Register(Spec{Name: "list_clients", ReadOnly: true, StepLabel: "Clients consultés"}, h))
	require.NoError(t, r.Register(Spec{
		Name: "create_client", Parameters: nameOnly, EntityType: "clients",
		StepLabel: "Client créé", TitleRule: TitleQuotedName,
	}, h))
	require.NoError(t, r.Register(Spec{Name: "a"}, h))
	require.NoError(t, r.Register(Spec{Name: "b"}, h))
	require.NoError(t, r.Register(Spec{Name: "c"}, h))
	require.NoError(t, r.Register(Spec{Name: "open_tab", ReadOnly: true}, h))
	return NewExecutor(r, nil)
}

func testBudget() *budget.Budget {
	limits := budget.DefaultLimits()
	limits.ToolCall = 200 * time.Millisecond
	return budget.New(limits)
}

func TestExecuteSequentialOrder(t *testing.T) {
	h := &recordingHandler{}
	e := newTestExecutor(t, h)

	results, err := e.Execute(context.Background(), "user-1", []llm.ToolCall{
		{ID: "1", Name: "a"}, {ID: "2", Name: "b"}, {ID: "3", Name: "c"},
	}, testBudget())
	require.NoError(t, err)
	require.Len(t, results, 3)
	assert.Equal(t, []string{"a", "b", "c"}, h.invoked())
	for i, id := range []string{"1", "2", "3"} {
		assert.Equal(t, id, results[i].CallID)
		assert.True(t, results[i].Success)
		assert.Equal(t, results[i].ToolName, results[i].StepLabel, "step label falls back to tool name")
	}
}

func TestExecuteAbortsOnFirstFailure(t *testing.T) {
	boom := errors.New("database unavailable")
	h := &recordingHandler{errs: map[string]error{"b": boom}}
	e := newTestExecutor(t, h)

	results, err := e.Execute(context.Background(), "user-1", []llm.ToolCall{
		{ID: "1", Name: "a"}, {ID: "2", Name: "b"}, {ID: "3", Name: "c"},
	}, testBudget())
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)

	var execErr *ExecutionError
	require.ErrorAs(t, err, &execErr)
	assert.Equal(t, "b", execErr.ToolName)
	assert.Equal(t, "2", execErr.CallID)
	assert.Equal(t, 1, execErr.Index)
	require.Len(t, execErr.Completed, 1)
	assert.Equal(t, "a", execErr.Completed[0].ToolName)
	assert.Len(t, results, 1)

	assert.Equal(t, []string{"a", "b"}, h.invoked(), "c must never start")
}

func TestExecuteValidationFailures(t *testing.T) {
	tests := []struct {
		name    string
		call    llm.ToolCall
		replies map[string]json.RawMessage
		kind    error
	}{
		{
			name: "unknown tool",
			call: llm.ToolCall{ID: "1", Name: "delete_everything"},
			kind: schema.ErrInvalidToolArguments,
		},
		{
			name: "malformed json",
			call: llm.ToolCall{ID: "1", Name: "create_client", Arguments: `{"name":`},
			kind: schema.ErrInvalidToolArguments,
		},
		{
			name: "missing required field",
			call: llm.ToolCall{ID: "1", Name: "create_client", Arguments: `{}`},
			kind: schema.ErrInvalidToolArguments,
		},
		{
			name: "unexpected field",
			call: llm.ToolCall{ID: "1", Name: "create_client", Arguments: `{"name":"Acme","vip":true}`},
			kind: schema.ErrInvalidToolArguments,
		},
		{
			name:    "result without message",
			call:    llm.ToolCall{ID: "1", Name: "a"},
			replies: map[string]json.RawMessage{"a": json.RawMessage(`{"success":true}`)},
			kind:    schema.ErrInvalidToolResult,
		},
		{
			name:    "result not json",
			call:    llm.ToolCall{ID: "1", Name: "a"},
			replies: map[string]json.RawMessage{"a": json.RawMessage(`ok`)},
			kind:    schema.ErrInvalidToolResult,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := &recordingHandler{replies: tt.replies}
			e := newTestExecutor(t, h)

			_, err := e.Execute(context.Background(), "user-1", []llm.ToolCall{tt.call}, testBudget())
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.kind)

			var verr *schema.ValidationError
			assert.ErrorAs(t, err, &verr)
		})
	}
}

func TestExecuteToolTimeout(t *testing.T) {
	h := &recordingHandler{block: map[string]bool{"a": true}}
	e := newTestExecutor(t, h)

	limits := budget.DefaultLimits()
	limits.ToolCall = 20 * time.Millisecond
	start := time.Now()
	_, err := e.Execute(context.Background(), "user-1", []llm.ToolCall{{ID: "1", Name: "a"}, {ID: "2", Name: "b"}}, budget.New(limits))
	require.Error(t, err)
	assert.Less(t, time.Since(start), time.Second)

	var timeout *budget.TimeoutError
	require.ErrorAs(t, err, &timeout)
	assert.Equal(t, budget.TierTool, timeout.Tier)
	assert.Equal(t, "a", timeout.Label)
	assert.Equal(t, []string{"a"}, h.invoked())
}

func TestExecuteExhaustedBudgetFailsFast(t *testing.T) {
	h := &recordingHandler{}
	e := newTestExecutor(t, h)

	limits := budget.DefaultLimits()
	limits.Total = time.Nanosecond
	b := budget.New(limits)
	time.Sleep(time.Millisecond)

	_, err := e.Execute(context.Background(), "user-1", []llm.ToolCall{{ID: "1", Name: "a"}}, b)
	var exceeded *budget.ExceededError
	require.ErrorAs(t, err, &exceeded)
	assert.True(t, exceeded.Timeout())
	assert.Empty(t, h.invoked())
}

func TestExecuteCancelledContext(t *testing.T) {
	h := &recordingHandler{block: map[string]bool{"a": true}}
	e := newTestExecutor(t, h)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()
	limits := budget.DefaultLimits()
	_, err := e.Execute(ctx, "user-1", []llm.ToolCall{{ID: "1", Name: "a"}}, budget.New(limits))
	assert.ErrorIs(t, err, context.Canceled)
}

func TestExecuteExtractsEntity(t *testing.T) {
	h := &recordingHandler{replies: map[string]json.RawMessage{
		"create_client": schema.ToolResult{
			Success: true,
			Message: `Client "Acme" créé (id: ` + acmeID + `)`,
		}.Encode(),
	}}
	e := newTestExecutor(t, h)

	results, err := e.Execute(context.Background(), "user-1", []llm.ToolCall{
		{ID: "call_1", Name: "create_client", Arguments: `{"name":"Acme"}`},
	}, testBudget())
	require.NoError(t, err)
	require.Len(t, results, 1)

	res := results[0]
	assert.Equal(t, "Client créé", res.StepLabel)
	require.NotNil(t, res.Entity)
	assert.Equal(t, EntityRef{Type: "clients", ID: acmeID, Title: "Acme"}, *res.Entity)
}

func TestExecuteReportedFailureAbortsBatch(t *testing.T) {
	h := &recordingHandler{replies: map[string]json.RawMessage{
		"create_client": schema.ToolResult{Success: false, Message: "Un client nommé Acme existe déjà"}.Encode(),
	}}
	e := newTestExecutor(t, h)

	results, err := e.Execute(context.Background(), "user-1", []llm.ToolCall{
		{ID: "1", Name: "a"},
		{ID: "2", Name: "create_client", Arguments: `{"name":"Acme"}`},
		{ID: "3", Name: "c"},
	}, testBudget())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrToolReportedFailure)
	assert.Equal(t, []string{"a", "create_client"}, h.invoked(), "c must never start")
	require.Len(t, results, 1)

	var execErr *ExecutionError
	require.ErrorAs(t, err, &execErr)
	assert.Equal(t, "2", execErr.CallID)
	assert.Equal(t, 1, execErr.Index)
	require.Len(t, execErr.Completed, 1)
	assert.Equal(t, "a", execErr.Completed[0].ToolName)

	require.NotNil(t, execErr.Failed)
	assert.False(t, execErr.Failed.Success)
	assert.Equal(t, "Un client nommé Acme existe déjà", execErr.Failed.Message)
	assert.Empty(t, execErr.Failed.StepLabel)
	assert.Nil(t, execErr.Failed.Entity)
}

func TestExecuteHandlerErrorHasNoFailedResult(t *testing.T) {
	h := &recordingHandler{errs: map[string]error{"a": errors.New("disk full")}}
	e := newTestExecutor(t, h)

	_, err := e.Execute(context.Background(), "user-1", []llm.ToolCall{{ID: "1", Name: "a"}}, testBudget())
	var execErr *ExecutionError
	require.ErrorAs(t, err, &execErr)
	assert.Nil(t, execErr.Failed)
	assert.NotErrorIs(t, err, ErrToolReportedFailure)
}

func TestExecuteExtractsTab(t *testing.T) {
	h := &recordingHandler{replies: map[string]json.RawMessage{
		"open_tab": schema.ToolResult{
			Success: true,
			Message: "Onglet ouvert",
			Data: map[string]any{
				"action": "open_tab",
				"tab":    map[string]any{"type": "invoices", "path": "/invoices", "title": "Factures"},
			},
		}.Encode(),
	}}
	e := newTestExecutor(t, h)

	results, err := e.Execute(context.Background(), "user-1", []llm.ToolCall{{ID: "1", Name: "open_tab"}}, testBudget())
	require.NoError(t, err)
	require.NotNil(t, results[0].Tab)
	assert.Equal(t, Tab{Type: "invoices", Path: "/invoices", Title: "Factures"}, *results[0].Tab)
	assert.Nil(t, results[0].Entity, "read-only tools never produce entities")
	assert.Contains(t, results[0].ModelContent(), `"action":"open_tab"`)
}
