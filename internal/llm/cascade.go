package llm

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"parley/internal/config"
)

const defaultAttemptTimeout = 60 * time.Second

// Target is one resolved candidate: which provider and model to call, with
// the parameters the router chose for this turn.
type Target struct {
	ModelKey    string  `json:"model_key"`
	Provider    string  `json:"provider"`
	Model       string  `json:"model"`
	Temperature float64 `json:"temperature"`
	MaxTokens   int     `json:"max_tokens"`
}

func (t Target) String() string {
	return t.Provider + "/" + t.Model
}

// Attempt records the outcome of calling one target.
type Attempt struct {
	Target    Target
	ErrorType ErrorType
	Err       error
	Duration  time.Duration
}

// Succeeded reports whether the attempt produced the result.
func (a Attempt) Succeeded() bool { return a.Err == nil }

// CascadeRequest is the input of one cascade run.
type CascadeRequest struct {
	Targets      []Target
	SystemPrompt string
	Messages     []Message
	Tools        []ToolDefinition
	Stream       bool
	// OnDelta receives streamed text increments.
	OnDelta func(string)
	// OnReset is called before falling over to another target when the
	// failed one already streamed partial text.
	OnReset func()
}

// CascadeResult is the successful outcome plus the attempt log. On
// exhaustion Run returns it alongside the error so callers can log attempts.
type CascadeResult struct {
	Response *Response
	Target   Target
	Attempts []Attempt
}

// Decision is the cascade's verdict on an attempt outcome.
type Decision int

const (
	DecisionSuccess Decision = iota
	DecisionContinue
	DecisionAbort
)

func (d Decision) String() string {
	switch d {
	case DecisionSuccess:
		return "success"
	case DecisionContinue:
		return "continue"
	default:
		return "abort"
	}
}

// Decide classifies an attempt error. Auth and billing failures abort the
// cascade, as does caller cancellation; everything else moves on.
func Decide(err error) Decision {
	if err == nil {
		return DecisionSuccess
	}
	var llmErr *LLMError
	if errors.As(err, &llmErr) && llmErr.Fatal() {
		return DecisionAbort
	}
	if TypeOf(err) == ErrorCanceled {
		return DecisionAbort
	}
	return DecisionContinue
}

// Cascade tries targets in order until one succeeds.
type Cascade struct {
	registry              *Registry
	attemptTimeout        time.Duration
	maxContinuationRounds int
	continuationMaxTokens int
	logger                *zap.Logger
	observers             []func(Attempt)
}

// NewCascade creates a cascade over registry.
func NewCascade(registry *Registry, cfg config.LLMConfig, logger *zap.Logger) *Cascade {
	if logger == nil {
		logger = zap.NewNop()
	}
	timeout := defaultAttemptTimeout
	if cfg.AttemptTimeoutSecs > 0 {
		timeout = time.Duration(cfg.AttemptTimeoutSecs) * time.Second
	}
	rounds := cfg.MaxContinuationRounds
	if rounds < 0 {
		rounds = 0
	}
	tokens := cfg.ContinuationMaxTokens
	if tokens <= 0 {
		tokens = defaultContinuationMaxTokens
	}
	return &Cascade{
		registry:              registry,
		attemptTimeout:        timeout,
		maxContinuationRounds: rounds,
		continuationMaxTokens: tokens,
		logger:                logger.Named("cascade"),
	}
}

// OnAttempt registers fn to be called after every attempt. Not safe to call
// concurrently with Run.
func (c *Cascade) OnAttempt(fn func(Attempt)) {
	c.observers = append(c.observers, fn)
}

// Run calls each target in turn. It returns ErrNoCandidates when there is
// nothing to try, the caller's context error when cancelled, and the last
// attempt error when every target failed.
func (c *Cascade) Run(ctx context.Context, req CascadeRequest) (*CascadeResult, error) {
	result := &CascadeResult{}
	if len(req.Targets) == 0 {
		return result, ErrNoCandidates
	}

	var lastErr error
	for _, target := range req.Targets {
		if err := ctx.Err(); err != nil {
			return result, err
		}

		resp, streamed, attempt := c.attempt(ctx, target, req)
		err := attempt.Err
		result.Attempts = append(result.Attempts, attempt)

		switch Decide(err) {
		case DecisionSuccess:
			result.Response = resp
			result.Target = target
			return result, nil
		case DecisionAbort:
			if ctxErr := ctx.Err(); ctxErr != nil {
				return result, ctxErr
			}
			c.logger.Warn("cascade aborted",
				zap.String("target", target.String()),
				zap.String("error_type", attempt.ErrorType.String()),
				zap.Error(err))
			return result, err
		}

		if ctxErr := ctx.Err(); ctxErr != nil {
			return result, ctxErr
		}
		lastErr = err
		c.logger.Info("attempt failed, trying next",
			zap.String("target", target.String()),
			zap.String("error_type", attempt.ErrorType.String()),
			zap.Error(err))
		if streamed && req.OnReset != nil {
			req.OnReset()
		}
	}
	return result, lastErr
}

// attempt runs one target under the per-attempt timeout and notifies
// observers. streamed reports whether any delta reached the caller.
func (c *Cascade) attempt(ctx context.Context, target Target, req CascadeRequest) (*Response, bool, Attempt) {
	start := time.Now()
	resp, streamed, err := c.call(ctx, target, req)
	a := Attempt{Target: target, Err: err, Duration: time.Since(start)}
	if err != nil {
		a.ErrorType = TypeOf(err)
	}
	for _, fn := range c.observers {
		fn(a)
	}
	return resp, streamed, a
}

func (c *Cascade) call(ctx context.Context, target Target, req CascadeRequest) (resp *Response, streamed bool, err error) {
	provider, err := c.registry.Get(target.Provider)
	if err != nil {
		return nil, false, err
	}

	attemptCtx, cancel := context.WithTimeout(ctx, c.attemptTimeout)
	defer cancel()

	chatReq := &ChatRequest{
		Model:        target.Model,
		Messages:     req.Messages,
		Tools:        req.Tools,
		MaxTokens:    target.MaxTokens,
		Temperature:  target.Temperature,
		SystemPrompt: req.SystemPrompt,
	}

	if !req.Stream {
		resp, err = provider.Chat(attemptCtx, chatReq)
	} else {
		onDelta := func(delta string) {
			streamed = true
			if req.OnDelta != nil {
				req.OnDelta(delta)
			}
		}
		resp, err = provider.StreamChat(attemptCtx, chatReq, onDelta)
	}
	if err != nil {
		return nil, streamed, c.wrap(target, err)
	}
	if resp == nil {
		return nil, streamed, &LLMError{Type: ErrorEmpty, Provider: target.Provider, Model: target.Model, Message: "empty response"}
	}
	return resp, streamed, nil
}

// wrap makes sure every attempt error is an *LLMError tagged with the target.
func (c *Cascade) wrap(target Target, err error) error {
	var llmErr *LLMError
	if errors.As(err, &llmErr) {
		if llmErr.Model == "" {
			llmErr.Model = target.Model
		}
		return llmErr
	}
	wrapped := newError(target.Provider, err, 0)
	wrapped.Model = target.Model
	return wrapped
}
