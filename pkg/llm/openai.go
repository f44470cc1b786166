package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/meridianhq/meridian/pkg/httpclient"
	"github.com/meridianhq/meridian/pkg/observability"
	"github.com/meridianhq/meridian/pkg/protocol"
)

type openAIRequest struct {
	Model    string          `json:"model"`
	Messages []openAIMessage `json:"messages"`
	Tools    []openAITool    `json:"tools,omitempty"`
}

type openAIMessage struct {
	Role       string           `json:"role"`
	Content    string           `json:"content"`
	ToolCalls  []openAIToolCall `json:"tool_calls,omitempty"`
	ToolCallID string           `json:"tool_call_id,omitempty"`
}

type openAITool struct {
	Type     string             `json:"type"`
	Function openAIToolFunction `json:"function"`
}

type openAIToolFunction struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

type openAIToolCall struct {
	ID       string             `json:"id"`
	Type     string             `json:"type"`
	Function openAIFunctionCall `json:"function"`
}

type openAIFunctionCall struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

type openAIResponse struct {
	Choices []openAIChoice `json:"choices"`
	Usage   openAIUsage    `json:"usage"`
	Error   *openAIError   `json:"error,omitempty"`
}

type openAIChoice struct {
	Message      openAIMessage `json:"message"`
	FinishReason string        `json:"finish_reason"`
}

type openAIUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

type openAIError struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Code    string `json:"code"`
}

// OpenAIModel is a reasoning model behind an OpenAI-compatible chat
// completions endpoint.
type OpenAIModel struct {
	endpoint   string
	model      string
	apiKey     string
	httpClient *httpclient.Client
}

// NewOpenAIModel builds a client against endpoint (the API base URL,
// e.g. http://host/v1). The timeout bounds a single request.
func NewOpenAIModel(endpoint, model, apiKey string, timeout time.Duration) *OpenAIModel {
	return &OpenAIModel{
		endpoint: endpoint,
		model:    model,
		apiKey:   apiKey,
		httpClient: httpclient.New(
			httpclient.WithHTTPClient(&http.Client{Timeout: timeout}),
		),
	}
}

func (m *OpenAIModel) Name() string {
	return m.model
}

// Generate sends the conversation and tool definitions and returns the
// model's completion. Failures are wrapped as ReasoningError.
func (m *OpenAIModel) Generate(ctx context.Context, messages []protocol.Message, tools []ToolDefinition) (*Completion, error) {
	startTime := time.Now()

	tracer := observability.GetTracer("meridian.llm")
	ctx, span := tracer.Start(ctx, observability.SpanModelRequest,
		trace.WithAttributes(
			attribute.String(observability.AttrModelName, m.model),
		),
	)
	defer span.End()

	completion, err := m.generate(ctx, messages, tools)
	duration := time.Since(startTime)

	tokens := 0
	if completion != nil {
		tokens = completion.TokensUsed
	}
	if metrics := observability.GetGlobalMetrics(); metrics != nil {
		metrics.RecordModelCall(ctx, m.model, duration, tokens, err)
	}

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	span.SetAttributes(attribute.Int(observability.AttrTokensUsed, tokens))
	return completion, nil
}

func (m *OpenAIModel) generate(ctx context.Context, messages []protocol.Message, tools []ToolDefinition) (*Completion, error) {
	request := m.buildRequest(messages, tools)

	body, err := json.Marshal(request)
	if err != nil {
		return nil, &ReasoningError{Message: "failed to encode request", Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.endpoint+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, &ReasoningError{Message: "failed to build request", Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	if m.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+m.apiKey)
	}
	req.GetBody = func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(body)), nil
	}

	resp, err := m.httpClient.Do(req)
	if err != nil {
		return nil, &ReasoningError{Message: "model request failed", Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(resp.Body)
		return nil, &ReasoningError{
			Message: fmt.Sprintf("model returned HTTP %d: %s", resp.StatusCode, string(data)),
		}
	}

	var decoded openAIResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, &ReasoningError{Message: "failed to decode response", Err: err}
	}
	if decoded.Error != nil {
		return nil, &ReasoningError{Message: decoded.Error.Message}
	}
	if len(decoded.Choices) == 0 {
		return nil, &ReasoningError{Message: "no response choices returned"}
	}

	choice := decoded.Choices[0]
	completion := &Completion{
		Content:    choice.Message.Content,
		TokensUsed: decoded.Usage.TotalTokens,
	}

	for _, tc := range choice.Message.ToolCalls {
		arguments := make(map[string]any)
		if tc.Function.Arguments != "" {
			if err := json.Unmarshal([]byte(tc.Function.Arguments), &arguments); err != nil {
				return nil, &ReasoningError{
					Message: fmt.Sprintf("malformed arguments for tool call %s", tc.ID),
					Err:     err,
				}
			}
		}
		completion.ToolCalls = append(completion.ToolCalls, protocol.ToolCall{
			ID:        tc.ID,
			Name:      tc.Function.Name,
			Arguments: arguments,
		})
	}

	return completion, nil
}

func (m *OpenAIModel) buildRequest(messages []protocol.Message, tools []ToolDefinition) *openAIRequest {
	request := &openAIRequest{
		Model:    m.model,
		Messages: make([]openAIMessage, 0, len(messages)),
	}

	for _, msg := range messages {
		converted := openAIMessage{
			Role:       string(msg.Role),
			Content:    msg.Content,
			ToolCallID: msg.ToolCallID,
		}
		for _, tc := range msg.ToolCalls {
			arguments, err := json.Marshal(tc.Arguments)
			if err != nil {
				arguments = []byte("{}")
			}
			converted.ToolCalls = append(converted.ToolCalls, openAIToolCall{
				ID:   tc.ID,
				Type: "function",
				Function: openAIFunctionCall{
					Name:      tc.Name,
					Arguments: string(arguments),
				},
			})
		}
		request.Messages = append(request.Messages, converted)
	}

	for _, tool := range tools {
		request.Tools = append(request.Tools, openAITool{
			Type: "function",
			Function: openAIToolFunction{
				Name:        tool.Name,
				Description: tool.Description,
				Parameters:  tool.Parameters,
			},
		})
	}

	return request
}
