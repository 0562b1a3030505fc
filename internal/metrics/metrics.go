// Package metrics exports Prometheus collectors fed from the event bus.
package metrics

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"parley/internal/eventbus"
)

const namespace = "parley"

// Outcome labels for turns_total.
const (
	OutcomeCompleted = "completed"
	OutcomeCancelled = "cancelled"
	OutcomeModerated = "moderated"
	OutcomeRejected  = "rejected"
)

// Metrics holds the bot's collectors on a private registry.
type Metrics struct {
	registry *prometheus.Registry

	turns          *prometheus.CounterVec
	turnLatency    *prometheus.HistogramVec
	rejections     *prometheus.CounterVec
	attempts       *prometheus.CounterVec
	attemptLatency *prometheus.HistogramVec
	retrieval      *prometheus.CounterVec
	toolCalls      *prometheus.CounterVec
	summaries      *prometheus.CounterVec
}

// New creates the collectors. With withRuntime set the Go and process
// collectors are registered too.
func New(withRuntime bool) *Metrics {
	buckets := []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120}

	m := &Metrics{
		registry: prometheus.NewRegistry(),
		turns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "turns_total",
			Help:      "Conversation turns by channel and outcome.",
		}, []string{"channel", "outcome"}),
		turnLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "turn_duration_seconds",
			Help:      "Wall time from receiving a message to the final delivery.",
			Buckets:   buckets,
		}, []string{"outcome"}),
		rejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "turn_rejections_total",
			Help:      "Turns refused before or during generation, by reason.",
		}, []string{"reason"}),
		attempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cascade",
			Name:      "attempts_total",
			Help:      "Provider attempts by provider and outcome.",
		}, []string{"provider", "outcome"}),
		attemptLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "cascade",
			Name:      "attempt_duration_seconds",
			Help:      "Provider attempt latency.",
			Buckets:   buckets,
		}, []string{"provider"}),
		retrieval: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "retrieval",
			Name:      "lookups_total",
			Help:      "Grounding lookups by result (hit, miss, failed).",
		}, []string{"result"}),
		toolCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tool_calls_total",
			Help:      "Tool executions by tool and status.",
		}, []string{"tool", "status"}),
		summaries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "summaries_total",
			Help:      "Background summarization passes by whether the summary changed.",
		}, []string{"updated"}),
	}

	m.registry.MustRegister(
		m.turns,
		m.turnLatency,
		m.rejections,
		m.attempts,
		m.attemptLatency,
		m.retrieval,
		m.toolCalls,
		m.summaries,
	)
	if withRuntime {
		m.registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}
	return m
}

// Attach subscribes the collectors to bus.
func (m *Metrics) Attach(bus *eventbus.Bus) {
	bus.Subscribe(eventbus.TopicTurnCompleted, m.turnHandler(OutcomeCompleted))
	bus.Subscribe(eventbus.TopicTurnCancelled, m.turnHandler(OutcomeCancelled))
	bus.Subscribe(eventbus.TopicTurnModerated, m.turnHandler(OutcomeModerated))
	bus.Subscribe(eventbus.TopicTurnRejected, func(e eventbus.Event) {
		ev, ok := e.Payload.(eventbus.TurnEvent)
		if !ok {
			return
		}
		m.turns.WithLabelValues(ev.Channel, OutcomeRejected).Inc()
		m.rejections.WithLabelValues(ev.Reason).Inc()
	})
	bus.Subscribe(eventbus.TopicCascadeAttempt, func(e eventbus.Event) {
		if ev, ok := e.Payload.(eventbus.AttemptEvent); ok {
			m.RecordAttempt(ev)
		}
	})
	bus.Subscribe(eventbus.TopicRetrieval, func(e eventbus.Event) {
		ev, ok := e.Payload.(eventbus.RetrievalEvent)
		if !ok {
			return
		}
		switch {
		case ev.Failed:
			m.retrieval.WithLabelValues("failed").Inc()
		case ev.Cached:
			m.retrieval.WithLabelValues("hit").Inc()
		default:
			m.retrieval.WithLabelValues("miss").Inc()
		}
	})
	bus.Subscribe(eventbus.TopicToolCall, func(e eventbus.Event) {
		ev, ok := e.Payload.(eventbus.ToolEvent)
		if !ok {
			return
		}
		status := "success"
		if ev.IsError {
			status = "error"
		}
		m.toolCalls.WithLabelValues(ev.Name, status).Inc()
	})
	bus.Subscribe(eventbus.TopicSummary, func(e eventbus.Event) {
		if ev, ok := e.Payload.(eventbus.SummaryEvent); ok {
			m.summaries.WithLabelValues(strconv.FormatBool(ev.Updated)).Inc()
		}
	})
}

func (m *Metrics) turnHandler(outcome string) eventbus.Handler {
	return func(e eventbus.Event) {
		ev, ok := e.Payload.(eventbus.TurnEvent)
		if !ok {
			return
		}
		m.turns.WithLabelValues(ev.Channel, outcome).Inc()
		if ev.Duration > 0 {
			m.turnLatency.WithLabelValues(outcome).Observe(ev.Duration.Seconds())
		}
	}
}

// RecordAttempt counts one cascade attempt.
func (m *Metrics) RecordAttempt(ev eventbus.AttemptEvent) {
	outcome := "success"
	if !ev.Success {
		outcome = ev.ErrorType
	}
	m.attempts.WithLabelValues(ev.Provider, outcome).Inc()
	m.attemptLatency.WithLabelValues(ev.Provider).Observe(ev.Duration.Seconds())
}

// Handler returns the HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry returns the Prometheus registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}
