package llm

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"google.golang.org/genai"

	"parley/internal/config"
)

// GeminiProvider implements Provider using Google's Gemini API.
// Tool calling is not wired for Gemini; tool definitions are ignored.
type GeminiProvider struct {
	client *genai.Client
}

// NewGeminiProvider creates a Gemini provider.
func NewGeminiProvider(ctx context.Context, cfg config.ProviderConfig) (*GeminiProvider, error) {
	cc := &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	}
	if cfg.TimeoutSecs > 0 {
		cc.HTTPClient = &http.Client{Timeout: time.Duration(cfg.TimeoutSecs) * time.Second}
	}
	if cfg.BaseURL != "" {
		cc.HTTPOptions = genai.HTTPOptions{BaseURL: cfg.BaseURL}
	}
	client, err := genai.NewClient(ctx, cc)
	if err != nil {
		return nil, fmt.Errorf("create gemini client: %w", err)
	}
	return &GeminiProvider{client: client}, nil
}

func (p *GeminiProvider) Name() string { return "gemini" }

func (p *GeminiProvider) Chat(ctx context.Context, req *ChatRequest) (*Response, error) {
	resp, err := p.client.Models.GenerateContent(ctx, req.Model, p.convertMessages(req), p.buildConfig(req))
	if err != nil {
		return nil, p.classify(req.Model, err)
	}
	var acc geminiAccumulator
	acc.add(resp, nil)
	return checkResponse(p.Name(), req.Model, acc.response())
}

func (p *GeminiProvider) StreamChat(ctx context.Context, req *ChatRequest, onDelta func(string)) (*Response, error) {
	var acc geminiAccumulator
	for resp, err := range p.client.Models.GenerateContentStream(ctx, req.Model, p.convertMessages(req), p.buildConfig(req)) {
		if err != nil {
			return nil, p.classify(req.Model, err)
		}
		acc.add(resp, onDelta)
	}
	return checkResponse(p.Name(), req.Model, acc.response())
}

func (p *GeminiProvider) buildConfig(req *ChatRequest) *genai.GenerateContentConfig {
	cfg := &genai.GenerateContentConfig{}
	if system := req.systemText(); system != "" {
		cfg.SystemInstruction = genai.NewContentFromText(system, genai.RoleUser)
	}
	if req.Temperature > 0 {
		cfg.Temperature = genai.Ptr(float32(req.Temperature))
	}
	if req.MaxTokens > 0 {
		cfg.MaxOutputTokens = int32(req.MaxTokens)
	}
	return cfg
}

// convertMessages maps the conversation onto user/model turns. Tool results
// are folded into user text since tools are not declared to Gemini.
func (p *GeminiProvider) convertMessages(req *ChatRequest) []*genai.Content {
	var contents []*genai.Content
	for _, m := range req.Messages {
		switch m.Role {
		case RoleUser:
			contents = append(contents, genai.NewContentFromText(m.Content, genai.RoleUser))
		case RoleAssistant:
			if m.Content != "" {
				contents = append(contents, genai.NewContentFromText(m.Content, genai.RoleModel))
			}
		case RoleTool:
			contents = append(contents, genai.NewContentFromText("Tool result:\n"+m.Content, genai.RoleUser))
		}
	}
	return contents
}

// geminiAccumulator merges streamed candidates. Thought parts are kept
// apart and only surface when the model produced no answer text.
type geminiAccumulator struct {
	result  Response
	text    strings.Builder
	thought strings.Builder
}

func (a *geminiAccumulator) add(resp *genai.GenerateContentResponse, onDelta func(string)) {
	if resp == nil {
		return
	}
	if resp.UsageMetadata != nil {
		a.result.Usage.InputTokens = int(resp.UsageMetadata.PromptTokenCount)
		a.result.Usage.OutputTokens = int(resp.UsageMetadata.CandidatesTokenCount)
	}
	if len(resp.Candidates) == 0 {
		return
	}
	cand := resp.Candidates[0]
	if cand.FinishReason != "" {
		a.result.FinishReason = normalizeFinish(string(cand.FinishReason))
	}
	if cand.Content == nil {
		return
	}
	for _, part := range cand.Content.Parts {
		if part == nil || part.Text == "" {
			continue
		}
		if part.Thought {
			a.thought.WriteString(part.Text)
			continue
		}
		a.text.WriteString(part.Text)
		if onDelta != nil {
			onDelta(part.Text)
		}
	}
}

func (a *geminiAccumulator) response() *Response {
	resp := a.result
	resp.Text = a.text.String()
	if strings.TrimSpace(resp.Text) == "" {
		resp.Text = a.thought.String()
	}
	return &resp
}

func (p *GeminiProvider) classify(model string, err error) *LLMError {
	status := 0
	var apiErr genai.APIError
	var apiErrPtr *genai.APIError
	switch {
	case errors.As(err, &apiErr):
		status = apiErr.Code
	case errors.As(err, &apiErrPtr):
		status = apiErrPtr.Code
	}
	llmErr := newError(p.Name(), err, status)
	llmErr.Model = model
	return llmErr
}
