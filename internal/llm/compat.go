package llm

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"

	goopenai "github.com/sashabaranov/go-openai"

	"parley/internal/config"
)

// compatBaseURLs are the default endpoints of known OpenAI-compatible vendors.
var compatBaseURLs = map[string]string{
	"deepseek":   "https://api.deepseek.com",
	"groq":       "https://api.groq.com/openai/v1",
	"openrouter": "https://openrouter.ai/api/v1",
	"ollama":     "http://localhost:11434/v1",
}

// CompatProvider implements Provider for OpenAI-compatible vendors
// (DeepSeek, Groq, OpenRouter, Ollama, or any BaseURL).
type CompatProvider struct {
	name   string
	client *goopenai.Client
}

// NewCompatProvider creates a provider for an OpenAI-compatible endpoint.
func NewCompatProvider(name string, cfg config.ProviderConfig) *CompatProvider {
	clientConfig := goopenai.DefaultConfig(cfg.APIKey)
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = compatBaseURLs[name]
	}
	if baseURL != "" {
		clientConfig.BaseURL = baseURL
	}
	timeout := 120 * time.Second
	if cfg.TimeoutSecs > 0 {
		timeout = time.Duration(cfg.TimeoutSecs) * time.Second
	}
	clientConfig.HTTPClient = &http.Client{Timeout: timeout}

	return &CompatProvider{
		name:   name,
		client: goopenai.NewClientWithConfig(clientConfig),
	}
}

func (p *CompatProvider) Name() string { return p.name }

func (p *CompatProvider) Chat(ctx context.Context, req *ChatRequest) (*Response, error) {
	resp, err := p.client.CreateChatCompletion(ctx, p.buildRequest(req))
	if err != nil {
		return nil, p.classify(req.Model, err)
	}

	result := &Response{
		Usage: Usage{
			InputTokens:  resp.Usage.PromptTokens,
			OutputTokens: resp.Usage.CompletionTokens,
		},
	}
	if len(resp.Choices) > 0 {
		choice := resp.Choices[0]
		result.Text = messageText(choice.Message)
		if result.Text == "" {
			result.Text = choice.Message.ReasoningContent
		}
		result.FinishReason = normalizeFinish(string(choice.FinishReason))
		for _, tc := range choice.Message.ToolCalls {
			result.ToolCalls = append(result.ToolCalls, ToolCall{
				ID:        tc.ID,
				Name:      tc.Function.Name,
				Arguments: json.RawMessage(tc.Function.Arguments),
			})
		}
	}
	return checkResponse(p.name, req.Model, result)
}

func (p *CompatProvider) StreamChat(ctx context.Context, req *ChatRequest, onDelta func(string)) (*Response, error) {
	creq := p.buildRequest(req)
	creq.Stream = true
	stream, err := p.client.CreateChatCompletionStream(ctx, creq)
	if err != nil {
		return nil, p.classify(req.Model, err)
	}
	defer stream.Close()

	var (
		text      strings.Builder
		reasoning strings.Builder
		result    = &Response{}
		calls     = map[int]*ToolCall{}
		callArgs  = map[int]*strings.Builder{}
	)
	for {
		chunk, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, p.classify(req.Model, err)
		}
		if chunk.Usage != nil {
			result.Usage.InputTokens = chunk.Usage.PromptTokens
			result.Usage.OutputTokens = chunk.Usage.CompletionTokens
		}
		if len(chunk.Choices) == 0 {
			continue
		}
		choice := chunk.Choices[0]
		if choice.FinishReason != "" {
			result.FinishReason = normalizeFinish(string(choice.FinishReason))
		}
		if choice.Delta.Content != "" {
			text.WriteString(choice.Delta.Content)
			if onDelta != nil {
				onDelta(choice.Delta.Content)
			}
		}
		reasoning.WriteString(choice.Delta.ReasoningContent)
		for _, tc := range choice.Delta.ToolCalls {
			idx := 0
			if tc.Index != nil {
				idx = *tc.Index
			}
			call, ok := calls[idx]
			if !ok {
				call = &ToolCall{}
				calls[idx] = call
				callArgs[idx] = &strings.Builder{}
			}
			if tc.ID != "" {
				call.ID = tc.ID
			}
			if tc.Function.Name != "" {
				call.Name = tc.Function.Name
			}
			callArgs[idx].WriteString(tc.Function.Arguments)
		}
	}

	result.Text = text.String()
	if result.Text == "" {
		result.Text = reasoning.String()
	}
	indexes := make([]int, 0, len(calls))
	for idx := range calls {
		indexes = append(indexes, idx)
	}
	sort.Ints(indexes)
	for _, idx := range indexes {
		call := calls[idx]
		call.Arguments = json.RawMessage(callArgs[idx].String())
		result.ToolCalls = append(result.ToolCalls, *call)
	}
	return checkResponse(p.name, req.Model, result)
}

func (p *CompatProvider) buildRequest(req *ChatRequest) goopenai.ChatCompletionRequest {
	creq := goopenai.ChatCompletionRequest{
		Model:       req.Model,
		MaxTokens:   req.MaxTokens,
		Temperature: float32(req.Temperature),
		Messages:    p.convertMessages(req),
	}
	for _, t := range req.Tools {
		creq.Tools = append(creq.Tools, goopenai.Tool{
			Type: goopenai.ToolTypeFunction,
			Function: &goopenai.FunctionDefinition{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  t.Parameters,
			},
		})
	}
	return creq
}

func (p *CompatProvider) convertMessages(req *ChatRequest) []goopenai.ChatCompletionMessage {
	var msgs []goopenai.ChatCompletionMessage
	if req.SystemPrompt != "" {
		msgs = append(msgs, goopenai.ChatCompletionMessage{Role: goopenai.ChatMessageRoleSystem, Content: req.SystemPrompt})
	}
	for _, m := range req.Messages {
		msg := goopenai.ChatCompletionMessage{
			Role:       m.Role,
			Content:    m.Content,
			Name:       m.Name,
			ToolCallID: m.ToolCallID,
		}
		for _, tc := range m.ToolCalls {
			msg.ToolCalls = append(msg.ToolCalls, goopenai.ToolCall{
				ID:   tc.ID,
				Type: goopenai.ToolTypeFunction,
				Function: goopenai.FunctionCall{
					Name:      tc.Name,
					Arguments: string(tc.Arguments),
				},
			})
		}
		msgs = append(msgs, msg)
	}
	return msgs
}

// messageText flattens multi-part content some gateways return.
func messageText(m goopenai.ChatCompletionMessage) string {
	if m.Content != "" || len(m.MultiContent) == 0 {
		return m.Content
	}
	var parts []string
	for _, part := range m.MultiContent {
		if part.Type == goopenai.ChatMessagePartTypeText && part.Text != "" {
			parts = append(parts, part.Text)
		}
	}
	return strings.Join(parts, "\n")
}

func (p *CompatProvider) classify(model string, err error) *LLMError {
	status := 0
	var apiErr *goopenai.APIError
	var reqErr *goopenai.RequestError
	switch {
	case errors.As(err, &apiErr):
		status = apiErr.HTTPStatusCode
	case errors.As(err, &reqErr):
		status = reqErr.HTTPStatusCode
	}
	llmErr := newError(p.name, err, status)
	llmErr.Model = model
	return llmErr
}
