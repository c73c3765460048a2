package llm

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codefionn/bizpilot/internal/securemem"
)

func newTestClient(t *testing.T, url string) *OpenAIClient {
	t.Helper()
	c, err := NewOpenAIClient(securemem.NewSecret("sk-test"), OpenAIOptions{
		Model:       "gpt-test",
		BaseURL:     url,
		Temperature: 0.3,
		MaxTokens:   256,
	})
	require.NoError(t, err)
	return c
}

func writeJSON(w http.ResponseWriter, status int, body string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = io.WriteString(w, body)
}

const toolCallCompletion = `{
	"id": "chatcmpl-1",
	"object": "chat.completion",
	"created": 1767225600,
	"model": "gpt-test",
	"choices": [{
		"index": 0,
		"finish_reason": "tool_calls",
		"message": {
			"role": "assistant",
			"content": null,
			"tool_calls": [{
				"id": "call_1",
				"type": "function",
				"function": {"name": "create_client", "arguments": "{\"name\":\"Acme\"}"}
			}]
		}
	}]
}`

func TestNewOpenAIClientRequiresKey(t *testing.T) {
	_, err := NewOpenAIClient(securemem.NewSecret(""), OpenAIOptions{})
	assert.Error(t, err)
}

func TestOpenAIClientCompleteToolCalls(t *testing.T) {
	var body map[string]any
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		writeJSON(w, http.StatusOK, toolCallCompletion)
	}))
	defer server.Close()

	client := newTestClient(t, server.URL)
	reply, err := client.Complete(context.Background(), &Request{
		Label: "initial",
		Messages: []Message{
			{Role: RoleSystem, Content: "Tu es un assistant."},
			{Role: RoleUser, Content: "Liste mes clients"},
			{Role: RoleAssistant, ToolCalls: []ToolCall{{ID: "call_0", Name: "list_clients", Arguments: "{}"}}},
			{Role: RoleTool, ToolCallID: "call_0", Content: "Aucun client"},
			{Role: RoleUser, Content: "Crée un client Acme"},
		},
		Tools: []ToolDefinition{{
			Name:        "create_client",
			Description: "Crée un client",
			Parameters:  map[string]any{"type": "object"},
		}},
		ToolChoice: ToolChoiceRequired,
	})
	require.NoError(t, err)

	require.True(t, reply.HasToolCalls())
	assert.Equal(t, ToolCall{ID: "call_1", Name: "create_client", Arguments: `{"name":"Acme"}`}, reply.ToolCalls[0])
	assert.Equal(t, "tool_calls", reply.FinishReason)

	assert.Equal(t, "gpt-test", body["model"])
	assert.Equal(t, "required", body["tool_choice"])
	assert.InDelta(t, 0.3, body["temperature"], 1e-9)
	tools := body["tools"].([]any)
	require.Len(t, tools, 1)
	fn := tools[0].(map[string]any)["function"].(map[string]any)
	assert.Equal(t, "create_client", fn["name"])

	messages := body["messages"].([]any)
	require.Len(t, messages, 5)
	assistant := messages[2].(map[string]any)
	assert.Equal(t, "assistant", assistant["role"])
	calls := assistant["tool_calls"].([]any)
	assert.Equal(t, "call_0", calls[0].(map[string]any)["id"])
	tool := messages[3].(map[string]any)
	assert.Equal(t, "tool", tool["role"])
	assert.Equal(t, "call_0", tool["tool_call_id"])
}

func TestOpenAIClientOmitsToolChoiceWithoutTools(t *testing.T) {
	var body map[string]any
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		writeJSON(w, http.StatusOK, `{"id":"x","object":"chat.completion","choices":[{"index":0,"finish_reason":"stop","message":{"role":"assistant","content":"Bonjour !"}}]}`)
	}))
	defer server.Close()

	reply, err := newTestClient(t, server.URL).Complete(context.Background(), &Request{
		Label:      "final",
		Messages:   []Message{{Role: RoleUser, Content: "Bonjour"}},
		ToolChoice: ToolChoiceNone,
	})
	require.NoError(t, err)
	assert.Equal(t, "Bonjour !", reply.Text())
	assert.False(t, reply.HasToolCalls())
	_, hasChoice := body["tool_choice"]
	assert.False(t, hasChoice)
	_, hasTools := body["tools"]
	assert.False(t, hasTools)
}

func TestOpenAIClientErrors(t *testing.T) {
	tests := []struct {
		name       string
		status     int
		body       string
		wantStatus int
		sentinel   error
		wantMsg    string
	}{
		{"unauthorized", 401, `{"error":{"message":"Incorrect API key","type":"invalid_request_error"}}`, 401, ErrUnauthorized, "Incorrect API key"},
		{"rate limited", 429, `{"error":{"message":"Rate limit reached","type":"requests"}}`, 429, ErrRateLimited, "Rate limit reached"},
		{"server error", 500, `{"error":{"message":"boom","type":"server_error"}}`, 500, nil, "boom"},
		{"empty choices", 200, `{"id":"x","object":"chat.completion","choices":[]}`, 200, ErrEmptyReply, "empty reply"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				writeJSON(w, tt.status, tt.body)
			}))
			defer server.Close()

			_, err := newTestClient(t, server.URL).Complete(context.Background(), &Request{
				Label:    "follow_up",
				Messages: []Message{{Role: RoleUser, Content: "x"}},
			})
			require.Error(t, err)

			var upstream *UpstreamError
			require.True(t, errors.As(err, &upstream), "got %T: %v", err, err)
			assert.Equal(t, tt.wantStatus, upstream.Status)
			assert.Equal(t, "follow_up", upstream.Label)
			assert.Contains(t, upstream.Message, tt.wantMsg)
			if tt.sentinel != nil {
				assert.True(t, errors.Is(err, tt.sentinel))
			}
		})
	}
}

func TestOpenAIClientStatusWithoutJSONBody(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		w.WriteHeader(http.StatusBadGateway)
		_, _ = io.WriteString(w, "<html>bad gateway</html>")
	}))
	defer server.Close()

	_, err := newTestClient(t, server.URL).Complete(context.Background(), &Request{
		Label:    "initial",
		Messages: []Message{{Role: RoleUser, Content: "x"}},
	})
	var upstream *UpstreamError
	require.True(t, errors.As(err, &upstream), "got %T: %v", err, err)
	assert.Equal(t, http.StatusBadGateway, upstream.Status)
}

func TestOpenAIClientNetworkError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := server.URL
	server.Close()

	_, err := newTestClient(t, url).Complete(context.Background(), &Request{
		Label:    "initial",
		Messages: []Message{{Role: RoleUser, Content: "x"}},
	})
	var netErr *NetworkError
	require.True(t, errors.As(err, &netErr), "got %T: %v", err, err)
	assert.Equal(t, "initial", netErr.Label)
}

func TestOpenAIClientOpenStream(t *testing.T) {
	var body map[string]any
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = io.WriteString(w, "data: {\"choices\":[{\"index\":0,\"delta\":{\"content\":\"Bon\"}}]}\n\n")
		_, _ = io.WriteString(w, "data: [DONE]\n\n")
	}))
	defer server.Close()

	rc, err := newTestClient(t, server.URL).OpenStream(context.Background(), &Request{
		Label:    "final",
		Messages: []Message{{Role: RoleUser, Content: "x"}},
	})
	require.NoError(t, err)
	defer rc.Close()

	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.True(t, strings.Contains(string(data), `"content":"Bon"`))
	assert.Equal(t, true, body["stream"])
}

func TestOpenAIClientOpenStreamError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusServiceUnavailable, `{"error":{"message":"overloaded","type":"server_error"}}`)
	}))
	defer server.Close()

	_, err := newTestClient(t, server.URL).OpenStream(context.Background(), &Request{
		Label:    "final",
		Messages: []Message{{Role: RoleUser, Content: "x"}},
	})
	var upstream *UpstreamError
	require.True(t, errors.As(err, &upstream), "got %T: %v", err, err)
	assert.Equal(t, http.StatusServiceUnavailable, upstream.Status)
}
