package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codefionn/bizpilot/internal/budget"
	"github.com/codefionn/bizpilot/internal/llm"
	"github.com/codefionn/bizpilot/internal/logger"
	"github.com/codefionn/bizpilot/internal/orchestrator"
	"github.com/codefionn/bizpilot/internal/permission"
	"github.com/codefionn/bizpilot/internal/schema"
	"github.com/codefionn/bizpilot/internal/stream"
	"github.com/codefionn/bizpilot/internal/tools"
)

var quietLog = logger.NewWithWriter(logger.LevelNone, io.Discard, "")

type fakeOrchestrator struct {
	mu       sync.Mutex
	handle   func(req *schema.Request) (*orchestrator.Outcome, error)
	withCtx  func(ctx context.Context, req *schema.Request) (*orchestrator.Outcome, error)
	calls    int
	lastUser string
	registry *tools.Registry
}

func (f *fakeOrchestrator) Handle(ctx context.Context, userID string, req *schema.Request) (*orchestrator.Outcome, error) {
	f.mu.Lock()
	f.calls++
	f.lastUser = userID
	f.mu.Unlock()
	if f.withCtx != nil {
		return f.withCtx(ctx, req)
	}
	return f.handle(req)
}

func (f *fakeOrchestrator) user() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lastUser
}

func (f *fakeOrchestrator) ModelName() string { return "test-model" }

func (f *fakeOrchestrator) Registry() *tools.Registry {
	if f.registry == nil {
		f.registry = tools.NewRegistry()
	}
	return f.registry
}

func completed(message string) func(*schema.Request) (*orchestrator.Outcome, error) {
	return func(*schema.Request) (*orchestrator.Outcome, error) {
		return &orchestrator.Outcome{Kind: orchestrator.KindCompleted, Response: &orchestrator.Response{Message: message}}, nil
	}
}

func failing(err error) func(*schema.Request) (*orchestrator.Outcome, error) {
	return func(*schema.Request) (*orchestrator.Outcome, error) { return nil, err }
}

func postChat(t *testing.T, h http.Handler, user, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/chat", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if user != "" {
		req.Header.Set(UserHeader, user)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func TestHealthz(t *testing.T) {
	orch := &fakeOrchestrator{}
	healthy := New(orch, Options{Log: quietLog})
	rec := httptest.NewRecorder()
	healthy.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, map[string]any{"status": "ok", "model": "test-model"}, decode(t, rec))

	broken := New(orch, Options{Log: quietLog, Ping: func(context.Context) error { return errors.New("disk gone") }})
	rec = httptest.NewRecorder()
	broken.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.NotContains(t, rec.Body.String(), "disk gone")
}

func TestToolsListing(t *testing.T) {
	orch := &fakeOrchestrator{}
	noop := tools.HandlerFunc(func(context.Context, string, string, map[string]any) (json.RawMessage, error) { return nil, nil })
	require.NoError(t, orch.Registry().Register(tools.Spec{Name: "list_clients", Description: "Liste", ReadOnly: true}, noop))
	require.NoError(t, orch.Registry().Register(tools.Spec{Name: "create_client", Description: "Crée"}, noop))

	rec := httptest.NewRecorder()
	New(orch, Options{Log: quietLog}).Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/tools", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"tools":[
		{"name":"list_clients","description":"Liste","readOnly":true},
		{"name":"create_client","description":"Crée","readOnly":false}
	]}`, rec.Body.String())
}

func TestChatRequiresUser(t *testing.T) {
	orch := &fakeOrchestrator{handle: completed("ok")}
	rec := postChat(t, New(orch, Options{Log: quietLog}).Handler(), "", `{"message":"Bonjour"}`)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Zero(t, orch.calls)
}

func TestChatRejectsInvalidRequests(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"not json", `{"message":`},
		{"missing message", `{"mode":"auto"}`},
		{"blank message", `{"message":"   "}`},
		{"unknown mode", `{"message":"x","mode":"yolo"}`},
		{"bad context", `{"message":"x","contextId":"clients"}`},
		{"bad history role", `{"message":"x","history":[{"role":"system","content":"x"}]}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			orch := &fakeOrchestrator{handle: completed("ok")}
			rec := postChat(t, New(orch, Options{Log: quietLog}).Handler(), "u1", tt.body)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
			assert.Equal(t, "Requête invalide.", decode(t, rec)["error"])
			assert.Zero(t, orch.calls)
		})
	}
}

func TestChatBodyTooLarge(t *testing.T) {
	orch := &fakeOrchestrator{handle: completed("ok")}
	body := `{"message":"` + strings.Repeat("a", 2<<20) + `"}`
	rec := postChat(t, New(orch, Options{Log: quietLog}).Handler(), "u1", body)
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
	assert.Zero(t, orch.calls)
}

func TestChatOutcomes(t *testing.T) {
	tests := []struct {
		name       string
		outcome    *orchestrator.Outcome
		wantStatus int
		wantJSON   string
	}{
		{
			name: "completed",
			outcome: &orchestrator.Outcome{Kind: orchestrator.KindCompleted, Response: &orchestrator.Response{
				Message:         "Client créé.",
				WorkingSteps:    []string{"Client créé"},
				EntitiesCreated: []tools.EntityRef{{Type: "clients", ID: "id-1", Title: "Acme"}},
			}},
			wantStatus: http.StatusOK,
			wantJSON: `{"message":"Client créé.","workingSteps":["Client créé"],
				"entitiesCreated":[{"type":"clients","id":"id-1","title":"Acme"}]}`,
		},
		{
			name: "needs confirmation",
			outcome: &orchestrator.Outcome{Kind: orchestrator.KindNeedsConfirmation, Confirmation: &orchestrator.ConfirmationRequest{
				Mode: permission.ModeAskFirst, Tool: "mark_invoice_paid", ToolCallID: "call_7",
				Args: map[string]any{"invoice": "F-2026-0001"}, RequiresConfirmation: true, Message: "Confirmez-vous ?",
			}},
			wantStatus: http.StatusForbidden,
			wantJSON: `{"mode":"ask-first","tool":"mark_invoice_paid","toolCallId":"call_7",
				"args":{"invoice":"F-2026-0001"},"requiresConfirmation":true,"message":"Confirmez-vous ?"}`,
		},
		{
			name: "forbidden",
			outcome: &orchestrator.Outcome{Kind: orchestrator.KindForbidden, Forbidden: &orchestrator.ForbiddenResponse{
				Mode: permission.ModePlan, Tool: "create_client", Forbidden: true, Message: "Interdit.",
			}},
			wantStatus: http.StatusForbidden,
			wantJSON:   `{"mode":"plan","tool":"create_client","forbidden":true,"message":"Interdit."}`,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			orch := &fakeOrchestrator{handle: func(*schema.Request) (*orchestrator.Outcome, error) { return tt.outcome, nil }}
			rec := postChat(t, New(orch, Options{Log: quietLog}).Handler(), "u1", `{"message":"x"}`)
			assert.Equal(t, tt.wantStatus, rec.Code)
			assert.JSONEq(t, tt.wantJSON, rec.Body.String())
			assert.Equal(t, "u1", orch.user())
		})
	}
}

func TestChatPassesParsedRequest(t *testing.T) {
	var got *schema.Request
	orch := &fakeOrchestrator{handle: func(req *schema.Request) (*orchestrator.Outcome, error) {
		got = req
		return completed("ok")(req)
	}}
	body := `{"message":" Payée ? ","mode":"ask-first","contextId":"invoices:abc",
		"confirmedAction":true,"confirmedToolCallId":"call_1",
		"history":[{"role":"user","content":"a"},{"role":"assistant","content":"b"},{"role":"user","content":"c"}]}`
	rec := postChat(t, New(orch, Options{Log: quietLog, MaxHistory: 2}).Handler(), "u1", body)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NotNil(t, got)
	assert.Equal(t, "Payée ?", got.Message)
	assert.Equal(t, permission.ModeAskFirst, got.Mode)
	assert.Equal(t, &schema.ContextRef{Type: "invoices", ID: "abc"}, got.Context)
	assert.Equal(t, permission.Confirmation{Confirmed: true, ToolCallID: "call_1"}, got.Confirmation)
	assert.Len(t, got.History, 2)
}

func TestErrorMapping(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
	}{
		{"request validation", &schema.ValidationError{Subject: "request"}, http.StatusBadRequest},
		{"tool arguments", &tools.ExecutionError{ToolName: "a", Err: &schema.ValidationError{Kind: schema.ErrInvalidToolArguments}}, http.StatusInternalServerError},
		{"model timeout", &budget.TimeoutError{Tier: budget.TierModel, Label: "initial", Limit: time.Second}, http.StatusGatewayTimeout},
		{"tool timeout inside round", &tools.ExecutionError{ToolName: "a", Err: &budget.TimeoutError{Tier: budget.TierTool, Label: "a"}}, http.StatusGatewayTimeout},
		{"budget time", &budget.ExceededError{Resource: budget.ResourceTime, Label: "final"}, http.StatusGatewayTimeout},
		{"budget calls", &budget.ExceededError{Resource: budget.ResourceModelCalls, Label: "final"}, http.StatusInternalServerError},
		{"deadline", fmt.Errorf("wrapped: %w", context.DeadlineExceeded), http.StatusGatewayTimeout},
		{"unauthorized", &llm.UpstreamError{Label: "initial", Status: 401}, http.StatusUnauthorized},
		{"rate limited", &llm.UpstreamError{Label: "initial", Status: 429}, http.StatusTooManyRequests},
		{"upstream 500", &llm.UpstreamError{Label: "initial", Status: 500, Message: "secret upstream payload"}, http.StatusInternalServerError},
		{"network", &llm.NetworkError{Label: "initial", Err: errors.New("connection refused")}, http.StatusServiceUnavailable},
		{"tool failure", &tools.ExecutionError{ToolName: "a", Err: errors.New("db locked")}, http.StatusInternalServerError},
		{"other", errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			orch := &fakeOrchestrator{handle: failing(tt.err)}
			rec := postChat(t, New(orch, Options{Log: quietLog}).Handler(), "u1", `{"message":"x"}`)
			assert.Equal(t, tt.wantStatus, rec.Code)
			body := rec.Body.String()
			assert.NotContains(t, body, "secret upstream payload")
			assert.NotContains(t, body, "db locked")
			assert.NotEmpty(t, decode(t, rec)["error"])
		})
	}
}

func TestCancelledRequestWritesNothing(t *testing.T) {
	status, _ := mapError(fmt.Errorf("initial: %w", context.Canceled))
	assert.Equal(t, statusClientClosed, status)

	orch := &fakeOrchestrator{handle: failing(context.Canceled)}
	rec := postChat(t, New(orch, Options{Log: quietLog}).Handler(), "u1", `{"message":"x"}`)
	assert.Empty(t, rec.Body.String())
}

func TestChatStream(t *testing.T) {
	meta := &stream.Metadata{WorkingSteps: []string{"Client créé"}}
	orch := &fakeOrchestrator{handle: func(req *schema.Request) (*orchestrator.Outcome, error) {
		require.True(t, req.Stream)
		return &orchestrator.Outcome{Kind: orchestrator.KindStream, Events: stream.FromText(meta, "Bonjour")}, nil
	}}
	rec := postChat(t, New(orch, Options{Log: quietLog}).Handler(), "u1", `{"message":"x","stream":true}`)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))
	assert.True(t, rec.Flushed)
	assert.Equal(t,
		"data: {\"type\":\"metadata\",\"workingSteps\":[\"Client créé\"]}\n\n"+
			"data: {\"type\":\"text\",\"content\":\"Bonjour\"}\n\n"+
			"data: [DONE]\n\n",
		rec.Body.String())
}

func TestChatStreamErrorStillEndsWithDone(t *testing.T) {
	orch := &fakeOrchestrator{handle: func(*schema.Request) (*orchestrator.Outcome, error) {
		err := &budget.TimeoutError{Tier: budget.TierStream, Label: "stream read"}
		return &orchestrator.Outcome{Kind: orchestrator.KindStream, Events: stream.FromError(nil, err)}, nil
	}}
	rec := postChat(t, New(orch, Options{Log: quietLog}).Handler(), "u1", `{"message":"x","stream":true}`)

	frames := strings.Split(strings.TrimSuffix(rec.Body.String(), "\n\n"), "\n\n")
	require.Len(t, frames, 2)
	assert.JSONEq(t, `{"type":"error","message":"La réponse a pris trop de temps et a été interrompue."}`,
		strings.TrimPrefix(frames[0], "data: "))
	assert.Equal(t, "data: [DONE]", frames[1])
}

type failingSender struct{ sent int }

func (f *failingSender) send([]byte) error {
	f.sent++
	return io.ErrClosedPipe
}

func TestPipeEventsDrainsAfterWriteError(t *testing.T) {
	events := make(chan stream.Event, 4)
	events <- stream.Event{Type: stream.EventText, Content: "a"}
	events <- stream.Event{Type: stream.EventText, Content: "b"}
	events <- stream.Event{Type: stream.EventDone}
	close(events)

	out := &failingSender{}
	err := pipeEvents(out, events, quietLog)
	assert.ErrorIs(t, err, io.ErrClosedPipe)
	assert.Equal(t, 1, out.sent)
	_, open := <-events
	assert.False(t, open)
}

type recordingSender struct{ frames []string }

func (r *recordingSender) send(p []byte) error {
	r.frames = append(r.frames, string(p))
	return nil
}

func TestPipeEventsAddsMissingDone(t *testing.T) {
	events := make(chan stream.Event, 1)
	events <- stream.Event{Type: stream.EventText, Content: "a"}
	close(events)

	out := &recordingSender{}
	require.NoError(t, pipeEvents(out, events, quietLog))
	assert.Equal(t, []string{`{"type":"text","content":"a"}`, "[DONE]"}, out.frames)
}

func TestServeAndShutdown(t *testing.T) {
	srv := New(&fakeOrchestrator{}, Options{Log: quietLog})
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- srv.Serve(l) }()

	resp, err := http.Get("http://" + l.Addr().String() + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, srv.Shutdown(ctx))
	assert.NoError(t, <-done)
}
