package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"parley/internal/eventbus"
)

func newAttached(t *testing.T) (*Metrics, *eventbus.Bus) {
	t.Helper()
	m := New(false)
	bus := eventbus.New(nil)
	m.Attach(bus)
	return m, bus
}

func TestTurnOutcomes(t *testing.T) {
	m, bus := newAttached(t)

	bus.Publish(eventbus.TopicTurnCompleted, eventbus.TurnEvent{Channel: "telegram", Duration: time.Second})
	bus.Publish(eventbus.TopicTurnCompleted, eventbus.TurnEvent{Channel: "telegram", Duration: 2 * time.Second})
	bus.Publish(eventbus.TopicTurnCancelled, eventbus.TurnEvent{Channel: "telegram"})
	bus.Publish(eventbus.TopicTurnModerated, eventbus.TurnEvent{Channel: "console", Reason: "weapons"})
	bus.Publish(eventbus.TopicTurnRejected, eventbus.TurnEvent{Channel: "telegram", Reason: eventbus.ReasonRateLimited})

	assert.Equal(t, 2.0, testutil.ToFloat64(m.turns.WithLabelValues("telegram", OutcomeCompleted)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.turns.WithLabelValues("telegram", OutcomeCancelled)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.turns.WithLabelValues("console", OutcomeModerated)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.turns.WithLabelValues("telegram", OutcomeRejected)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.rejections.WithLabelValues(eventbus.ReasonRateLimited)))
	assert.Equal(t, 1, testutil.CollectAndCount(m.turnLatency))
}

func TestPipelineEvents(t *testing.T) {
	m, bus := newAttached(t)

	bus.Publish(eventbus.TopicCascadeAttempt, eventbus.AttemptEvent{Provider: "openai", ErrorType: "server_error", Duration: time.Second})
	bus.Publish(eventbus.TopicCascadeAttempt, eventbus.AttemptEvent{Provider: "anthropic", Success: true, Duration: time.Second})
	bus.Publish(eventbus.TopicRetrieval, eventbus.RetrievalEvent{Documents: 3})
	bus.Publish(eventbus.TopicRetrieval, eventbus.RetrievalEvent{Cached: true, Documents: 3})
	bus.Publish(eventbus.TopicRetrieval, eventbus.RetrievalEvent{Failed: true})
	bus.Publish(eventbus.TopicToolCall, eventbus.ToolEvent{Name: "web_search"})
	bus.Publish(eventbus.TopicToolCall, eventbus.ToolEvent{Name: "read_page", IsError: true})
	bus.Publish(eventbus.TopicSummary, eventbus.SummaryEvent{Updated: true})

	assert.Equal(t, 1.0, testutil.ToFloat64(m.attempts.WithLabelValues("openai", "server_error")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.attempts.WithLabelValues("anthropic", "success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.retrieval.WithLabelValues("miss")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.retrieval.WithLabelValues("hit")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.retrieval.WithLabelValues("failed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.toolCalls.WithLabelValues("read_page", "error")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.summaries.WithLabelValues("true")))
}

func TestIgnoresForeignPayloads(t *testing.T) {
	m, bus := newAttached(t)
	bus.Publish(eventbus.TopicTurnCompleted, "not a turn event")
	assert.Equal(t, 0, testutil.CollectAndCount(m.turns))
}

func TestHandler(t *testing.T) {
	m, bus := newAttached(t)
	bus.Publish(eventbus.TopicTurnCompleted, eventbus.TurnEvent{Channel: "console", Duration: time.Millisecond})

	req := httptest.NewRequest(http.MethodGet, "/metrics", http.NoBody)
	w := httptest.NewRecorder()
	m.Handler().ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	body := w.Body.String()
	assert.True(t, strings.Contains(body, "parley_turns_total"))
	assert.True(t, strings.Contains(body, "parley_turn_duration_seconds"))
}
