package channel

import (
	"context"
	"errors"
	"time"
)

// ErrNotStarted is returned by outbound calls on a channel that is not running.
var ErrNotStarted = errors.New("channel not started")

// Attachment is a file or media item carried by an inbound message.
type Attachment struct {
	Kind     string // "photo", "document"
	FileID   string
	FileName string
	MIME     string
	Caption  string
}

// InboundMessage is a message received from a channel.
type InboundMessage struct {
	ChannelName string
	// ConversationKey scopes memory: the chat, or chat:user for group
	// members when per-member scoping is on.
	ConversationKey string
	ChatID          string
	SenderID        string
	SenderName      string
	Text            string
	Attachments     []Attachment
	IsGroup         bool
	Timestamp       time.Time
}

// OutboundMessage is a message to send through a channel.
type OutboundMessage struct {
	ChatID  string
	Text    string
	ReplyTo string // optional message ID to reply to
}

// MessageRef identifies a sent message so it can be edited later.
type MessageRef struct {
	ChatID string
	ID     string
}

// Outbound is the send side of a chat platform.
type Outbound interface {
	Send(ctx context.Context, msg OutboundMessage) (MessageRef, error)
	Edit(ctx context.Context, ref MessageRef, text string) error
	Typing(ctx context.Context, chatID string) error
	SendSticker(ctx context.Context, chatID, stickerID string) error
	SendDocument(ctx context.Context, chatID, fileName string, data []byte, caption string) error
}

// Channel is the interface for messaging integrations.
type Channel interface {
	Outbound
	Name() string
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	OnMessage(handler func(InboundMessage))
	IsRunning() bool
}

// ConversationKey builds the memory scope for a message.
func ConversationKey(channelName, chatID, senderID string, isGroup, perMember bool) string {
	key := channelName + ":" + chatID
	if isGroup && perMember && senderID != "" {
		key += ":" + senderID
	}
	return key
}
