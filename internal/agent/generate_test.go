package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"parley/internal/config"
	"parley/internal/eventbus"
	"parley/internal/llm"
	"parley/internal/memory"
	"parley/internal/retrieval"
	"parley/internal/tool"
)

type fakeSearcher struct {
	docs  []retrieval.Document
	calls atomic.Int32
}

func (s *fakeSearcher) Name() string { return "fake" }

func (s *fakeSearcher) Search(context.Context, string) ([]retrieval.Document, error) {
	s.calls.Add(1)
	return s.docs, nil
}

func withRetrieval(searcher retrieval.Searcher, strict bool) func(*config.Config, *Deps) {
	return func(c *config.Config, d *Deps) {
		c.Retrieval.StrictTemporal = strict
		d.Retrieval = retrieval.NewEngine(c.Retrieval, d.Classifier, nil, searcher)
	}
}

func TestGroundingAddsVerifiedData(t *testing.T) {
	year := time.Now().Year()
	searcher := &fakeSearcher{docs: []retrieval.Document{{
		Title:   fmt.Sprintf("Japan GDP %d", year),
		Snippet: "Japan's nominal GDP was about 4.2 trillion US dollars.",
		URL:     "https://example.org/japan-gdp",
	}}}
	h := newHarness(t, textReply("About 4.2 trillion dollars."), withRetrieval(searcher, false))

	require.NoError(t, h.send("What is the current GDP of Japan"))

	req := h.provider.lastRequest(t)
	var block string
	for _, m := range req.Messages {
		if m.Role == llm.RoleSystem && strings.Contains(m.Content, "VERIFIED DATA (retrieved ") {
			block = m.Content
		}
	}
	require.NotEmpty(t, block, "prompt has no verified data block")
	assert.Contains(t, block, "https://example.org/japan-gdp")
	assert.Equal(t, "What is the current GDP of Japan", lastUser(req))

	ev := h.events.topic(eventbus.TopicRetrieval)
	require.Len(t, ev, 1)
	assert.Equal(t, 1, ev[0].Payload.(eventbus.RetrievalEvent).Documents)
}

func TestGroundingInjectedIntoUserTurn(t *testing.T) {
	searcher := &fakeSearcher{docs: []retrieval.Document{{
		Title:   fmt.Sprintf("Japan population %d", time.Now().Year()),
		Snippet: "Japan's population is about 123 million.",
		URL:     "https://example.org/japan",
	}}}
	h := newHarness(t, textReply("About 123 million."), withRetrieval(searcher, false), func(c *config.Config, _ *Deps) {
		c.Retrieval.InjectIntoUser = true
	})

	require.NoError(t, h.send("what is the population of Japan"))

	user := lastUser(h.provider.lastRequest(t))
	assert.True(t, strings.HasPrefix(user, "VERIFIED DATA"))
	assert.True(t, strings.HasSuffix(user, "Question: what is the population of Japan"))
}

func TestStrictGroundingWithoutSources(t *testing.T) {
	h := newHarness(t, textReply("made up"), withRetrieval(&fakeSearcher{}, true))

	require.NoError(t, h.send("what are the latest headlines today"))

	assert.Equal(t, []string{GroundingMessage}, h.out.texts())
	assert.Empty(t, h.provider.requests())
	rejected := h.events.topic(eventbus.TopicTurnRejected)
	require.Len(t, rejected, 1)
	assert.Equal(t, eventbus.ReasonGrounding, rejected[0].Payload.(eventbus.TurnEvent).Reason)
}

func TestUngatedPromptSkipsRetrieval(t *testing.T) {
	searcher := &fakeSearcher{}
	h := newHarness(t, textReply("4"), withRetrieval(searcher, true))

	require.NoError(t, h.send("2+2"))

	assert.Zero(t, searcher.calls.Load())
	assert.Equal(t, []string{"4"}, h.out.texts())
}

// lookupTool reports a fixed time for any city.
type lookupTool struct {
	calls atomic.Int32
}

func (l *lookupTool) Name() string        { return "lookup_time" }
func (l *lookupTool) Description() string { return "current time in a city" }
func (l *lookupTool) Parameters() json.RawMessage {
	return json.RawMessage(`{"type":"object","properties":{"city":{"type":"string"}}}`)
}

func (l *lookupTool) Execute(context.Context, json.RawMessage) (*tool.Result, error) {
	l.calls.Add(1)
	return &tool.Result{Output: "Tokyo time 09:00"}, nil
}

func withTool(lt *lookupTool) func(*config.Config, *Deps) {
	return func(c *config.Config, d *Deps) {
		c.Tools.Enabled = true
		reg := tool.NewRegistry(nil)
		reg.Register(lt)
		d.Tools = reg
	}
}

var lookupCall = llm.ToolCall{ID: "call-1", Name: "lookup_time", Arguments: json.RawMessage(`{"city":"Tokyo"}`)}

func hasToolMessage(req *llm.ChatRequest) bool {
	for _, m := range req.Messages {
		if m.Role == llm.RoleTool {
			return true
		}
	}
	return false
}

func TestToolLoopAnswersWithToolOutput(t *testing.T) {
	lt := &lookupTool{}
	h := newHarness(t, func(_ context.Context, req *llm.ChatRequest, stream bool, _ func(string)) (*llm.Response, error) {
		if stream {
			return nil, errors.New("unexpected stream")
		}
		if hasToolMessage(req) {
			return &llm.Response{Text: "It is 09:00 in Tokyo.", FinishReason: llm.FinishStop}, nil
		}
		return &llm.Response{ToolCalls: []llm.ToolCall{lookupCall}, FinishReason: llm.FinishToolCalls}, nil
	}, withTool(lt))

	require.NoError(t, h.send("what time is it in Tokyo"))

	assert.Equal(t, []string{"It is 09:00 in Tokyo."}, h.out.texts())
	assert.EqualValues(t, 1, lt.calls.Load())

	reqs := h.provider.requests()
	require.Len(t, reqs, 2)
	assert.Len(t, reqs[0].Tools, 1)
	tm := reqs[1].Messages[len(reqs[1].Messages)-1]
	assert.Equal(t, llm.RoleTool, tm.Role)
	assert.Equal(t, "call-1", tm.ToolCallID)
	assert.Equal(t, "Tokyo time 09:00", tm.Content)

	calls := h.events.topic(eventbus.TopicToolCall)
	require.Len(t, calls, 1)
	assert.Equal(t, "lookup_time", calls[0].Payload.(eventbus.ToolEvent).Name)
}

func TestToolResultsFlattenedForFinalStream(t *testing.T) {
	lt := &lookupTool{}
	h := newHarness(t, func(_ context.Context, req *llm.ChatRequest, stream bool, onDelta func(string)) (*llm.Response, error) {
		if !stream {
			return &llm.Response{ToolCalls: []llm.ToolCall{lookupCall}, FinishReason: llm.FinishToolCalls}, nil
		}
		onDelta("Nine in the morning.")
		return &llm.Response{Text: "Nine in the morning.", FinishReason: llm.FinishStop}, nil
	}, withTool(lt))

	require.NoError(t, h.send("what time is it in Tokyo"))

	assert.Equal(t, []string{"Nine in the morning."}, h.out.texts())
	assert.EqualValues(t, h.cfg.Tools.MaxRounds, lt.calls.Load())

	final := h.provider.lastRequest(t)
	assert.Empty(t, final.Tools)
	assert.False(t, hasToolMessage(final))
	n := len(final.Messages)
	require.GreaterOrEqual(t, n, 2)
	assert.Equal(t, llm.RoleSystem, final.Messages[n-2].Role)
	assert.Contains(t, final.Messages[n-2].Content, "Tokyo time 09:00")
	assert.Equal(t, "what time is it in Tokyo", final.Messages[n-1].Content)
}

func TestToolsSkippedForIneligiblePrompt(t *testing.T) {
	lt := &lookupTool{}
	h := newHarness(t, textReply("Hi!"), withTool(lt))

	require.NoError(t, h.send("hello"))

	reqs := h.provider.requests()
	require.Len(t, reqs, 1)
	assert.Empty(t, reqs[0].Tools)
	assert.Zero(t, lt.calls.Load())
}

func TestStoppedEmpty(t *testing.T) {
	assert.True(t, stoppedEmpty(" [stopped]"))
	assert.True(t, stoppedEmpty("[stopped]"))
	assert.False(t, stoppedEmpty("half an answer [stopped]"))
}

func TestAttemptLog(t *testing.T) {
	res := &llm.CascadeResult{Attempts: []llm.Attempt{
		{Target: llm.Target{Provider: "openai", Model: "gpt-4o"}, ErrorType: llm.ErrorRateLimit},
	}}
	assert.Equal(t, []string{"openai/gpt-4o: " + llm.ErrorRateLimit.String()}, attemptLog(res))
	assert.Nil(t, attemptLog(nil))
}

func TestAssembleOrdersContext(t *testing.T) {
	a := &Agent{cfg: testConfig()}
	conv := &memory.Conversation{Summary: "they like chess", Verbosity: memory.VerbosityNormal}
	history := []memory.Message{
		{Role: memory.RoleAssistant, Content: "orphaned reply"},
		{Role: memory.RoleUser, Content: "earlier question"},
		{Role: memory.RoleAssistant, Content: "earlier answer"},
	}
	g := &retrieval.Grounding{Text: "VERIFIED DATA (retrieved today):\n1. fact"}

	p := a.assemble(conv, []memory.Pin{{Key: "name", Value: "Ana"}}, history, g, "next question")

	require.Len(t, p.messages, 5)
	assert.Equal(t, summaryPreamble+"they like chess", p.messages[0].Content)
	assert.True(t, strings.HasPrefix(p.messages[1].Content, groundingPreamble))
	assert.Equal(t, "earlier question", p.messages[2].Content)
	assert.Equal(t, "earlier answer", p.messages[3].Content)
	assert.Equal(t, llm.Message{Role: llm.RoleUser, Content: "next question"}, p.messages[4])
	assert.Contains(t, p.system, "- name: Ana")
}

func TestTrimHistoryKeepsNewestWithinBudget(t *testing.T) {
	msgs := []llm.Message{
		{Role: llm.RoleUser, Content: strings.Repeat("a", 400)},
		{Role: llm.RoleAssistant, Content: strings.Repeat("b", 40)},
		{Role: llm.RoleUser, Content: strings.Repeat("c", 40)},
		{Role: llm.RoleAssistant, Content: strings.Repeat("d", 40)},
	}
	// each short message costs 11 tokens
	got := trimHistory(msgs, 33)
	require.Len(t, got, 2)
	assert.Equal(t, llm.RoleUser, got[0].Role)

	assert.Empty(t, trimHistory(msgs, 5))
	assert.Len(t, trimHistory(msgs, 1000), 4)
}

func TestWithToolResultsInsertsBeforeUser(t *testing.T) {
	p := &prompt{system: "s", messages: []llm.Message{
		{Role: llm.RoleUser, Content: "q1"},
		{Role: llm.RoleAssistant, Content: "a1"},
		{Role: llm.RoleUser, Content: "q2"},
	}}
	assert.Same(t, p, p.withToolResults(nil))

	got := p.withToolResults([]string{"one", "two"})
	require.Len(t, got.messages, 4)
	assert.Equal(t, toolResultsPreamble+"one\n\ntwo", got.messages[2].Content)
	assert.Equal(t, "q2", got.messages[3].Content)
	assert.Len(t, p.messages, 3)
}

func TestHistorySkipsSummarizedMessages(t *testing.T) {
	h := newHarness(t, textReply("ok"))
	ctx := context.Background()

	require.NoError(t, h.send("one"))
	require.NoError(t, h.send("two"))
	conv := h.conversation(t)
	require.NoError(t, h.store.UpdateSummary(ctx, conv.ID, memory.SummaryUpdate{Summary: "said one", To: 2}))

	msgs, total, err := h.agent.history(ctx, h.conversation(t))
	require.NoError(t, err)
	assert.Equal(t, 4, total)
	require.Len(t, msgs, 2)
	assert.Equal(t, "two", msgs[0].Content)
}
