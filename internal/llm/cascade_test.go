package llm

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"parley/internal/config"
)

// scriptedProvider returns queued results in order, then repeats the last.
type scriptedProvider struct {
	name string

	mu       sync.Mutex
	results  []scriptedResult
	calls    int
	requests []*ChatRequest
}

type scriptedResult struct {
	resp   *Response
	err    error
	deltas []string
	block  bool
}

func (p *scriptedProvider) Name() string { return p.name }

func (p *scriptedProvider) next(req *ChatRequest) scriptedResult {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.requests = append(p.requests, req)
	idx := p.calls
	if idx >= len(p.results) {
		idx = len(p.results) - 1
	}
	p.calls++
	return p.results[idx]
}

func (p *scriptedProvider) Chat(ctx context.Context, req *ChatRequest) (*Response, error) {
	r := p.next(req)
	if r.block {
		<-ctx.Done()
		return nil, newError(p.name, ctx.Err(), 0)
	}
	return r.resp, r.err
}

func (p *scriptedProvider) StreamChat(ctx context.Context, req *ChatRequest, onDelta func(string)) (*Response, error) {
	r := p.next(req)
	for _, d := range r.deltas {
		onDelta(d)
	}
	if r.block {
		<-ctx.Done()
		return nil, newError(p.name, ctx.Err(), 0)
	}
	return r.resp, r.err
}

func (p *scriptedProvider) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

func ok(text string) scriptedResult {
	return scriptedResult{resp: &Response{Text: text, FinishReason: FinishStop}}
}

func fail(t ErrorType) scriptedResult {
	return scriptedResult{err: &LLMError{Type: t, Message: t.String()}}
}

func newTestCascade(cfg config.LLMConfig, providers ...Provider) *Cascade {
	reg := NewRegistry(context.Background(), nil, nil)
	for _, p := range providers {
		reg.Register(p)
	}
	return NewCascade(reg, cfg, nil)
}

func targets(providers ...string) []Target {
	var out []Target
	for _, p := range providers {
		out = append(out, Target{Provider: p, Model: p + "-model"})
	}
	return out
}

func TestCascadeTransientThenSuccess(t *testing.T) {
	for _, m := range []int{0, 1, 3} {
		var providers []Provider
		var names []string
		for i := 0; i < m; i++ {
			name := "bad" + string(rune('a'+i))
			providers = append(providers, &scriptedProvider{name: name, results: []scriptedResult{fail(ErrorServerError)}})
			names = append(names, name)
		}
		good := &scriptedProvider{name: "good", results: []scriptedResult{ok("answer")}}
		providers = append(providers, good)
		names = append(names, "good")

		c := newTestCascade(config.LLMConfig{}, providers...)
		res, err := c.Run(context.Background(), CascadeRequest{Targets: targets(names...)})
		require.NoError(t, err)
		assert.Equal(t, "answer", res.Response.Text)
		assert.Equal(t, "good", res.Target.Provider)
		assert.Len(t, res.Attempts, m+1)

		total := 0
		for _, p := range providers {
			total += p.(*scriptedProvider).callCount()
		}
		assert.Equal(t, m+1, total)
	}
}

func TestCascadeFatalShortCircuits(t *testing.T) {
	for _, typ := range []ErrorType{ErrorAuth, ErrorBilling} {
		first := &scriptedProvider{name: "first", results: []scriptedResult{fail(typ)}}
		second := &scriptedProvider{name: "second", results: []scriptedResult{ok("never")}}

		c := newTestCascade(config.LLMConfig{}, first, second)
		res, err := c.Run(context.Background(), CascadeRequest{Targets: targets("first", "second")})
		require.Error(t, err)
		assert.Equal(t, typ, TypeOf(err))
		assert.Len(t, res.Attempts, 1)
		assert.Equal(t, 0, second.callCount())
	}
}

func TestCascadeExhaustedReturnsLastError(t *testing.T) {
	a := &scriptedProvider{name: "a", results: []scriptedResult{fail(ErrorRateLimit)}}
	b := &scriptedProvider{name: "b", results: []scriptedResult{{resp: &Response{}, err: &LLMError{Type: ErrorEmpty}}}}

	c := newTestCascade(config.LLMConfig{}, a, b)
	res, err := c.Run(context.Background(), CascadeRequest{Targets: targets("a", "b", "missing")})
	require.Error(t, err)
	assert.Equal(t, ErrorConfig, TypeOf(err))
	require.Len(t, res.Attempts, 3)
	assert.Equal(t, ErrorRateLimit, res.Attempts[0].ErrorType)
	assert.Equal(t, ErrorEmpty, res.Attempts[1].ErrorType)
}

func TestCascadeNoCandidates(t *testing.T) {
	c := newTestCascade(config.LLMConfig{})
	_, err := c.Run(context.Background(), CascadeRequest{})
	assert.ErrorIs(t, err, ErrNoCandidates)
}

func TestCascadeCancelStopsImmediately(t *testing.T) {
	slow := &scriptedProvider{name: "slow", results: []scriptedResult{{block: true}}}
	next := &scriptedProvider{name: "next", results: []scriptedResult{ok("late")}}
	c := newTestCascade(config.LLMConfig{}, slow, next)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	_, err := c.Run(ctx, CascadeRequest{Targets: targets("slow", "next")})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 0, next.callCount())
}

func TestCascadeAttemptTimeoutIsTransient(t *testing.T) {
	slow := &scriptedProvider{name: "slow", results: []scriptedResult{{block: true}}}
	next := &scriptedProvider{name: "next", results: []scriptedResult{ok("fast")}}
	c := newTestCascade(config.LLMConfig{}, slow, next)
	c.attemptTimeout = 20 * time.Millisecond

	res, err := c.Run(context.Background(), CascadeRequest{Targets: targets("slow", "next")})
	require.NoError(t, err)
	assert.Equal(t, "fast", res.Response.Text)
	assert.Equal(t, ErrorTimeout, res.Attempts[0].ErrorType)
}

func TestCascadeStreamResetOnFallover(t *testing.T) {
	broken := &scriptedProvider{name: "broken", results: []scriptedResult{{deltas: []string{"par", "tial"}, err: &LLMError{Type: ErrorNetwork}}}}
	good := &scriptedProvider{name: "good", results: []scriptedResult{{deltas: []string{"full"}, resp: &Response{Text: "full"}}}}
	c := newTestCascade(config.LLMConfig{}, broken, good)

	var seen strings.Builder
	resets := 0
	res, err := c.Run(context.Background(), CascadeRequest{
		Targets: targets("broken", "good"),
		Stream:  true,
		OnDelta: func(d string) { seen.WriteString(d) },
		OnReset: func() {
			resets++
			seen.Reset()
		},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, resets)
	assert.Equal(t, "full", seen.String())
	assert.Equal(t, "full", res.Response.Text)
}

func TestCascadeObserver(t *testing.T) {
	a := &scriptedProvider{name: "a", results: []scriptedResult{fail(ErrorTimeout)}}
	b := &scriptedProvider{name: "b", results: []scriptedResult{ok("x")}}
	c := newTestCascade(config.LLMConfig{}, a, b)

	var got []Attempt
	c.OnAttempt(func(at Attempt) { got = append(got, at) })
	_, err := c.Run(context.Background(), CascadeRequest{Targets: targets("a", "b")})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.False(t, got[0].Succeeded())
	assert.True(t, got[1].Succeeded())
}

func TestDecide(t *testing.T) {
	assert.Equal(t, DecisionSuccess, Decide(nil))
	assert.Equal(t, DecisionAbort, Decide(&LLMError{Type: ErrorAuth}))
	assert.Equal(t, DecisionAbort, Decide(&LLMError{Type: ErrorBilling}))
	assert.Equal(t, DecisionAbort, Decide(context.Canceled))
	assert.Equal(t, DecisionContinue, Decide(&LLMError{Type: ErrorServerError}))
	assert.Equal(t, DecisionContinue, Decide(&LLMError{Type: ErrorInvalidInput}))
	assert.Equal(t, DecisionContinue, Decide(errors.New("boom")))
}

func TestClassifyStatus(t *testing.T) {
	cases := map[int]ErrorType{
		401: ErrorAuth,
		403: ErrorAuth,
		402: ErrorBilling,
		429: ErrorRateLimit,
		400: ErrorInvalidInput,
		500: ErrorServerError,
		503: ErrorServerError,
		504: ErrorTimeout,
	}
	for status, want := range cases {
		err := newError("p", errors.New("x"), status)
		assert.Equal(t, want, err.Type, "status %d", status)
	}
	assert.Equal(t, ErrorTimeout, newError("p", context.DeadlineExceeded, 0).Type)
	assert.Equal(t, ErrorCanceled, newError("p", context.Canceled, 0).Type)
	assert.Equal(t, ErrorNetwork, newError("p", errors.New("dial tcp: connection refused"), 0).Type)
}

func TestCheckResponseEmpty(t *testing.T) {
	_, err := checkResponse("p", "m", &Response{Text: "   "})
	assert.Equal(t, ErrorEmpty, TypeOf(err))

	resp, err := checkResponse("p", "m", &Response{ToolCalls: []ToolCall{{Name: "t"}}})
	require.NoError(t, err)
	assert.Len(t, resp.ToolCalls, 1)
}

func TestNormalizeFinish(t *testing.T) {
	assert.Equal(t, FinishLength, normalizeFinish("max_tokens"))
	assert.Equal(t, FinishLength, normalizeFinish("MAX_TOKENS"))
	assert.Equal(t, FinishStop, normalizeFinish("end_turn"))
	assert.Equal(t, FinishToolCalls, normalizeFinish("tool_use"))
	assert.Equal(t, FinishContentFilter, normalizeFinish("SAFETY"))
}

func TestRegistryDisablesMissingCredentials(t *testing.T) {
	reg := NewRegistry(context.Background(), map[string]config.ProviderConfig{
		"openai":   {},
		"deepseek": {APIKey: "k"},
		"ollama":   {},
	}, nil)
	assert.False(t, reg.Enabled("openai"))
	assert.True(t, reg.Enabled("deepseek"))
	assert.True(t, reg.Enabled("ollama"))
	assert.Contains(t, reg.Disabled()["openai"], "missing")

	_, err := reg.Get("openai")
	assert.Equal(t, ErrorConfig, TypeOf(err))
}

func TestReasoningFromRaw(t *testing.T) {
	assert.Equal(t, "thinking", reasoningFromRaw(`{"content":"","reasoning_content":"thinking"}`))
	assert.Equal(t, "r", reasoningFromRaw(`{"reasoning":"r"}`))
	assert.Equal(t, "", reasoningFromRaw(`not json`))
}
