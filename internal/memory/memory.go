// Package memory persists conversations, their messages, pinned facts and
// rolling summaries.
package memory

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned for unknown conversation ids.
	ErrNotFound = errors.New("conversation not found")
	// ErrWatermark is returned when a summary update would move the
	// watermark backwards or past the message count.
	ErrWatermark = errors.New("invalid summary watermark")
	// ErrStaleSummary is returned when the conversation was reset or
	// summarized again after the summary input was read.
	ErrStaleSummary = errors.New("stale summary")
)

// Role of a stored message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// Verbosity is the requested answer length.
type Verbosity string

const (
	VerbosityConcise  Verbosity = "concise"
	VerbosityNormal   Verbosity = "normal"
	VerbosityDetailed Verbosity = "detailed"
)

// ParseVerbosity validates s.
func ParseVerbosity(s string) (Verbosity, bool) {
	switch v := Verbosity(s); v {
	case VerbosityConcise, VerbosityNormal, VerbosityDetailed:
		return v, true
	}
	return "", false
}

// Conversation is the persisted state of one chat (or one member of a
// group chat).
type Conversation struct {
	ID          string    `json:"id"`
	ChannelKey  string    `json:"channel_key"`
	ModelKey    string    `json:"model_key,omitempty"` // empty = configured default
	Temperature *float64  `json:"temperature,omitempty"`
	Verbosity   Verbosity `json:"verbosity"`
	Style       string    `json:"style,omitempty"`
	Summary     string    `json:"summary,omitempty"`
	// SummaryWatermark is the number of leading messages folded into Summary.
	SummaryWatermark int `json:"summary_watermark"`
	// Epoch counts resets.
	Epoch     int       `json:"epoch"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// SummaryUpdate moves a summary from watermark From to To. From and Epoch
// are the values the summary was computed against.
type SummaryUpdate struct {
	Summary string
	From    int
	To      int
	Epoch   int
}

// Message is one stored chat message. Messages are append-only.
type Message struct {
	ID             int64     `json:"id"`
	ConversationID string    `json:"conversation_id"`
	Role           Role      `json:"role"`
	Content        string    `json:"content"`
	Name           string    `json:"name,omitempty"`
	ToolCallID     string    `json:"tool_call_id,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

// Pin is a user-pinned fact, unique per conversation and key.
type Pin struct {
	ConversationID string    `json:"conversation_id"`
	Key            string    `json:"key"`
	Value          string    `json:"value"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// SettingsPatch updates conversation settings. Nil fields are left alone.
type SettingsPatch struct {
	ModelKey         *string
	Temperature      *float64
	ClearTemperature bool
	Verbosity        *Verbosity
	Style            *string
}

// Snapshot is a full export of one conversation.
type Snapshot struct {
	Conversation Conversation `json:"conversation"`
	Pins         []Pin        `json:"pins"`
	Messages     []Message    `json:"messages"`
	ExportedAt   time.Time    `json:"exported_at"`
}

// Store is the persistence interface for conversations.
type Store interface {
	// GetOrCreate returns the conversation for channelKey, creating it on
	// first use.
	GetOrCreate(ctx context.Context, channelKey string) (*Conversation, error)
	Get(ctx context.Context, id string) (*Conversation, error)
	// FindByKey looks up a conversation without creating it.
	FindByKey(ctx context.Context, channelKey string) (*Conversation, error)

	Append(ctx context.Context, convID string, msg Message) (*Message, error)
	// Recent returns the last k messages in chronological order.
	Recent(ctx context.Context, convID string, k int) ([]Message, error)
	All(ctx context.Context, convID string) ([]Message, error)
	Count(ctx context.Context, convID string) (int, error)
	// Clear removes messages and pins and resets the summary. The
	// conversation row and its settings are kept.
	Clear(ctx context.Context, convID string) error

	UpsertPin(ctx context.Context, convID, key, value string) error
	Pins(ctx context.Context, convID string) ([]Pin, error)

	UpdateSummary(ctx context.Context, convID string, u SummaryUpdate) error
	UpdateSettings(ctx context.Context, convID string, patch SettingsPatch) error
	Export(ctx context.Context, convID string) (*Snapshot, error)

	Close() error
}
