package eventbus

import "time"

// Topic represents an event topic.
type Topic string

// Turn lifecycle and pipeline topics.
const (
	TopicTurnStarted    Topic = "turn_started"
	TopicTurnCompleted  Topic = "turn_completed"
	TopicTurnRejected   Topic = "turn_rejected"
	TopicTurnModerated  Topic = "turn_moderated"
	TopicTurnCancelled  Topic = "turn_cancelled"
	TopicCascadeAttempt Topic = "cascade_attempt"
	TopicRetrieval      Topic = "retrieval"
	TopicToolCall       Topic = "tool_call"
	TopicSummary        Topic = "summary"
)

// Rejection reasons carried by TopicTurnRejected.
const (
	ReasonRateLimited  = "rate_limited"
	ReasonUnauthorized = "unauthorized"
	ReasonExhausted    = "exhausted"
	ReasonGrounding    = "grounding_unavailable"
	ReasonError        = "error"
)

// Event is a message passed through the event bus.
type Event struct {
	Topic     Topic
	Payload   any
	Timestamp time.Time
}

// Handler processes an event.
type Handler func(Event)

// TurnEvent is the payload of the turn_* topics.
type TurnEvent struct {
	Channel         string
	ConversationKey string
	Intent          string
	ModelKey        string
	// Reason is set on rejected and moderated turns.
	Reason    string
	Duration  time.Duration
	Directive bool
}

// AttemptEvent is published once per cascade attempt.
type AttemptEvent struct {
	Provider  string
	Model     string
	ErrorType string
	Success   bool
	Duration  time.Duration
}

// RetrievalEvent reports one grounding lookup.
type RetrievalEvent struct {
	Cached    bool
	Documents int
	Failed    bool
}

// ToolEvent reports one tool execution in the tool sub-loop.
type ToolEvent struct {
	Name    string
	IsError bool
}

// SummaryEvent reports a background summarization pass.
type SummaryEvent struct {
	ConversationID string
	Updated        bool
}
