package llm

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"

	openai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/param"
	"github.com/openai/openai-go/shared"

	"github.com/codefionn/bizpilot/internal/consts"
	"github.com/codefionn/bizpilot/internal/securemem"
)

// OpenAIOptions configure an OpenAIClient.
type OpenAIOptions struct {
	Model       string
	BaseURL     string
	Temperature float64
	MaxTokens   int
	// HTTPClient overrides the transport, mainly for tests.
	HTTPClient *http.Client
}

// OpenAIClient implements Caller against any OpenAI-compatible
// chat-completions endpoint.
type OpenAIClient struct {
	client      openai.Client
	model       string
	temperature float64
	maxTokens   int
}

// NewOpenAIClient builds a client. The key is only revealed while the SDK
// client is being constructed.
func NewOpenAIClient(apiKey *securemem.Secret, opts OpenAIOptions) (*OpenAIClient, error) {
	if apiKey.IsEmpty() {
		return nil, fmt.Errorf("openai client requires an API key")
	}

	model := strings.TrimSpace(opts.Model)
	if model == "" {
		model = consts.DefaultModel
	}
	baseURL := strings.TrimSpace(opts.BaseURL)
	if baseURL == "" {
		baseURL = consts.DefaultBaseURL
	}
	if !strings.HasSuffix(baseURL, "/") {
		baseURL += "/"
	}

	c := &OpenAIClient{
		model:       model,
		temperature: opts.Temperature,
		maxTokens:   opts.MaxTokens,
	}
	err := apiKey.WithValue(func(key string) error {
		reqOpts := []option.RequestOption{
			option.WithAPIKey(key),
			option.WithBaseURL(baseURL),
			// the controller owns retries
			option.WithMaxRetries(0),
		}
		if opts.HTTPClient != nil {
			reqOpts = append(reqOpts, option.WithHTTPClient(opts.HTTPClient))
		}
		c.client = openai.NewClient(reqOpts...)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open API key: %w", err)
	}
	return c, nil
}

// ModelName returns the model name
func (c *OpenAIClient) ModelName() string {
	return c.model
}

// Complete sends a non-streaming chat completion.
func (c *OpenAIClient) Complete(ctx context.Context, req *Request) (*Reply, error) {
	if req == nil {
		return nil, fmt.Errorf("openai completion request cannot be nil")
	}

	var httpResp *http.Response
	completion, err := c.client.Chat.Completions.New(ctx, c.buildParams(req), option.WithResponseInto(&httpResp))
	if err != nil {
		return nil, classifyError(req.Label, err, httpResp)
	}
	if completion == nil || len(completion.Choices) == 0 {
		return nil, &UpstreamError{Label: req.Label, Status: http.StatusOK, Message: "empty reply", Err: ErrEmptyReply}
	}

	first := completion.Choices[0]
	content := first.Message.Content
	if strings.TrimSpace(content) == "" && first.Message.Refusal != "" {
		content = first.Message.Refusal
	}
	reply := &Reply{
		Content:      content,
		FinishReason: first.FinishReason,
	}
	for _, tc := range first.Message.ToolCalls {
		reply.ToolCalls = append(reply.ToolCalls, ToolCall{
			ID:        tc.ID,
			Name:      tc.Function.Name,
			Arguments: tc.Function.Arguments,
		})
	}
	return reply, nil
}

// OpenStream sends the same request with stream=true and hands back the
// undecoded event-stream body.
func (c *OpenAIClient) OpenStream(ctx context.Context, req *Request) (io.ReadCloser, error) {
	if req == nil {
		return nil, fmt.Errorf("openai stream request cannot be nil")
	}

	var raw *http.Response
	err := c.client.Post(ctx, "chat/completions", c.buildParams(req), &raw,
		option.WithJSONSet("stream", true),
		option.WithHeader("Accept", "text/event-stream"),
	)
	if err != nil {
		return nil, classifyError(req.Label, err, raw)
	}
	if raw == nil || raw.Body == nil {
		return nil, &UpstreamError{Label: req.Label, Message: "empty reply", Err: ErrEmptyReply}
	}
	return raw.Body, nil
}

func (c *OpenAIClient) buildParams(req *Request) openai.ChatCompletionNewParams {
	params := openai.ChatCompletionNewParams{
		Model:    shared.ChatModel(c.model),
		Messages: convertMessages(req.Messages),
	}
	if c.temperature > 0 {
		params.Temperature = param.NewOpt(c.temperature)
	}
	if c.maxTokens > 0 {
		params.MaxTokens = param.NewOpt(int64(c.maxTokens))
	}

	if len(req.Tools) > 0 {
		params.Tools = convertTools(req.Tools)
		choice := req.ToolChoice
		if choice == "" {
			choice = ToolChoiceAuto
		}
		params.ToolChoice = openai.ChatCompletionToolChoiceOptionUnionParam{OfAuto: param.NewOpt(string(choice))}
	}
	return params
}

func convertMessages(messages []Message) []openai.ChatCompletionMessageParamUnion {
	out := make([]openai.ChatCompletionMessageParamUnion, 0, len(messages))
	for _, m := range messages {
		switch m.Role {
		case RoleSystem:
			out = append(out, openai.SystemMessage(m.Content))
		case RoleUser:
			out = append(out, openai.UserMessage(m.Content))
		case RoleTool:
			out = append(out, openai.ToolMessage(m.Content, m.ToolCallID))
		case RoleAssistant:
			if len(m.ToolCalls) == 0 {
				out = append(out, openai.AssistantMessage(m.Content))
				continue
			}
			assistant := openai.ChatCompletionAssistantMessageParam{}
			if m.Content != "" {
				assistant.Content.OfString = param.NewOpt(m.Content)
			}
			for _, tc := range m.ToolCalls {
				assistant.ToolCalls = append(assistant.ToolCalls, openai.ChatCompletionMessageToolCallParam{
					ID: tc.ID,
					Function: openai.ChatCompletionMessageToolCallFunctionParam{
						Name:      tc.Name,
						Arguments: tc.Arguments,
					},
				})
			}
			out = append(out, openai.ChatCompletionMessageParamUnion{OfAssistant: &assistant})
		}
	}
	return out
}

func convertTools(defs []ToolDefinition) []openai.ChatCompletionToolParam {
	out := make([]openai.ChatCompletionToolParam, 0, len(defs))
	for _, d := range defs {
		fn := shared.FunctionDefinitionParam{
			Name:       d.Name,
			Parameters: shared.FunctionParameters(d.Parameters),
		}
		if d.Description != "" {
			fn.Description = param.NewOpt(d.Description)
		}
		out = append(out, openai.ChatCompletionToolParam{Function: fn})
	}
	return out
}
