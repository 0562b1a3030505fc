package llm

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// Provider is the interface all LLM backends must implement. Adapters only
// translate request and response shapes; fallback lives in Cascade.
type Provider interface {
	// Chat sends a chat completion request and returns the full response.
	Chat(ctx context.Context, req *ChatRequest) (*Response, error)

	// StreamChat streams a completion, calling onDelta for each text
	// increment, and returns the accumulated response.
	StreamChat(ctx context.Context, req *ChatRequest, onDelta func(string)) (*Response, error)

	// Name returns the provider name (e.g. "openai", "anthropic").
	Name() string
}

var (
	// ErrMissingCredentials marks a provider configured without an API key.
	ErrMissingCredentials = errors.New("missing provider credentials")
	// ErrNoCandidates is returned when a cascade has nothing to try.
	ErrNoCandidates = errors.New("no model candidates available")
)

// LLMError wraps an error with a classification for fallback logic.
type LLMError struct {
	Type       ErrorType
	Provider   string
	Model      string
	StatusCode int
	Message    string
	Err        error
}

func (e *LLMError) Error() string {
	prefix := e.Provider
	if e.Model != "" {
		prefix += "/" + e.Model
	}
	if prefix != "" {
		prefix += ": "
	}
	if e.Err != nil && e.Err.Error() != e.Message {
		return prefix + e.Message + ": " + e.Err.Error()
	}
	return prefix + e.Message
}

func (e *LLMError) Unwrap() error {
	return e.Err
}

// Fatal reports whether retrying on another candidate is pointless.
func (e *LLMError) Fatal() bool {
	return e.Type == ErrorAuth || e.Type == ErrorBilling
}

// TypeOf returns the classification of err, ErrorUnknown for foreign errors.
func TypeOf(err error) ErrorType {
	var llmErr *LLMError
	if errors.As(err, &llmErr) {
		return llmErr.Type
	}
	if errors.Is(err, context.Canceled) {
		return ErrorCanceled
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ErrorTimeout
	}
	return ErrorUnknown
}

// newError builds an LLMError from a transport error. status is the HTTP
// status when the SDK exposed one, 0 otherwise.
func newError(provider string, err error, status int) *LLMError {
	llmErr := &LLMError{Provider: provider, StatusCode: status, Err: err, Message: "request failed"}
	switch {
	case errors.Is(err, context.Canceled):
		llmErr.Type = ErrorCanceled
		llmErr.Message = "canceled"
	case errors.Is(err, context.DeadlineExceeded):
		llmErr.Type = ErrorTimeout
		llmErr.Message = "timed out"
	case status != 0:
		llmErr.Type = classifyStatus(status)
		llmErr.Message = fmt.Sprintf("HTTP %d", status)
	default:
		llmErr.Type = classifyMessage(err.Error())
	}
	return llmErr
}

func classifyStatus(status int) ErrorType {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return ErrorAuth
	case status == http.StatusPaymentRequired:
		return ErrorBilling
	case status == http.StatusTooManyRequests:
		return ErrorRateLimit
	case status == http.StatusRequestTimeout || status == http.StatusGatewayTimeout:
		return ErrorTimeout
	case status >= 500:
		return ErrorServerError
	case status >= 400:
		return ErrorInvalidInput
	default:
		return ErrorUnknown
	}
}

// classifyMessage is the last resort for SDK errors that carry no status.
func classifyMessage(msg string) ErrorType {
	lower := strings.ToLower(msg)
	switch {
	case strings.Contains(lower, "401") || strings.Contains(lower, "403") ||
		strings.Contains(lower, "unauthorized") || strings.Contains(lower, "authentication") ||
		strings.Contains(lower, "invalid api key"):
		return ErrorAuth
	case strings.Contains(lower, "402") || strings.Contains(lower, "insufficient_quota") ||
		strings.Contains(lower, "billing") || strings.Contains(lower, "credit balance"):
		return ErrorBilling
	case strings.Contains(lower, "429") || strings.Contains(lower, "rate limit") || strings.Contains(lower, "rate_limit"):
		return ErrorRateLimit
	case strings.Contains(lower, "500") || strings.Contains(lower, "502") || strings.Contains(lower, "503") ||
		strings.Contains(lower, "overloaded"):
		return ErrorServerError
	case strings.Contains(lower, "timeout") || strings.Contains(lower, "deadline"):
		return ErrorTimeout
	case strings.Contains(lower, "connection") || strings.Contains(lower, "dns") || strings.Contains(lower, "refused") ||
		strings.Contains(lower, "eof"):
		return ErrorNetwork
	case strings.Contains(lower, "400") || strings.Contains(lower, "invalid"):
		return ErrorInvalidInput
	default:
		return ErrorUnknown
	}
}

// checkResponse turns an empty completion into a transient error.
func checkResponse(provider, model string, resp *Response) (*Response, error) {
	if resp == nil || (strings.TrimSpace(resp.Text) == "" && len(resp.ToolCalls) == 0) {
		return nil, &LLMError{Type: ErrorEmpty, Provider: provider, Model: model, Message: "empty response"}
	}
	return resp, nil
}
