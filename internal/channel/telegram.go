package channel

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	tele "gopkg.in/telebot.v3"

	"parley/internal/config"
)

// TelegramChannel integrates with the Telegram Bot API.
type TelegramChannel struct {
	mu         sync.Mutex
	token      string
	allowedIDs map[int64]bool
	perMember  bool
	bot        *tele.Bot
	handler    func(InboundMessage)
	running    bool
	logger     *zap.Logger
}

// NewTelegramChannel creates a new Telegram channel. perMember scopes group
// conversations to each member.
func NewTelegramChannel(cfg config.TelegramConfig, perMember bool, logger *zap.Logger) *TelegramChannel {
	if logger == nil {
		logger = zap.NewNop()
	}
	allowed := make(map[int64]bool, len(cfg.AllowedIDs))
	for _, id := range cfg.AllowedIDs {
		allowed[id] = true
	}
	return &TelegramChannel{
		token:      cfg.Token,
		allowedIDs: allowed,
		perMember:  perMember,
		logger:     logger.Named("telegram"),
	}
}

func (t *TelegramChannel) Name() string { return "telegram" }

func (t *TelegramChannel) Start(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.running {
		return nil
	}

	pref := tele.Settings{
		Token:  t.token,
		Poller: &tele.LongPoller{Timeout: 10 * time.Second},
		OnError: func(err error, c tele.Context) {
			t.logger.Warn("update failed", zap.Error(err))
		},
	}

	bot, err := tele.NewBot(pref)
	if err != nil {
		return fmt.Errorf("telegram bot init: %w", err)
	}

	bot.Handle(tele.OnText, t.receive)
	bot.Handle(tele.OnPhoto, t.receive)
	bot.Handle(tele.OnDocument, t.receive)

	t.bot = bot
	t.running = true

	go bot.Start()

	// Stop bot when context is cancelled
	go func() {
		<-ctx.Done()
		t.Stop(context.Background())
	}()

	return nil
}

func (t *TelegramChannel) receive(c tele.Context) error {
	sender := c.Sender()
	if sender == nil {
		return nil
	}

	if len(t.allowedIDs) > 0 && !t.allowedIDs[sender.ID] {
		t.logger.Info("unauthorized user", zap.Int64("user_id", sender.ID), zap.String("username", sender.Username))
		return nil // silently ignore
	}

	t.mu.Lock()
	handler := t.handler
	t.mu.Unlock()
	if handler == nil {
		return nil
	}

	msg := c.Message()
	chat := c.Chat()
	isGroup := chat.Type == tele.ChatGroup || chat.Type == tele.ChatSuperGroup
	chatID := strconv.FormatInt(chat.ID, 10)
	senderID := strconv.FormatInt(sender.ID, 10)

	in := InboundMessage{
		ChannelName:     t.Name(),
		ConversationKey: ConversationKey(t.Name(), chatID, senderID, isGroup, t.perMember),
		ChatID:          chatID,
		SenderID:        senderID,
		SenderName:      strings.TrimSpace(sender.FirstName + " " + sender.LastName),
		Text:            c.Text(),
		IsGroup:         isGroup,
		Timestamp:       time.Now(),
	}
	if msg != nil {
		in.Timestamp = msg.Time()
		if msg.Photo != nil {
			in.Attachments = append(in.Attachments, Attachment{Kind: "photo", FileID: msg.Photo.FileID, Caption: msg.Caption})
		}
		if msg.Document != nil {
			in.Attachments = append(in.Attachments, Attachment{
				Kind:     "document",
				FileID:   msg.Document.FileID,
				FileName: msg.Document.FileName,
				MIME:     msg.Document.MIME,
				Caption:  msg.Caption,
			})
		}
	}

	// Handlers run a whole turn; keep the poller free.
	go handler(in)
	return nil
}

func (t *TelegramChannel) Stop(_ context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.running {
		return nil
	}
	if t.bot != nil {
		t.bot.Stop()
	}
	t.running = false
	return nil
}

func (t *TelegramChannel) botInstance() (*tele.Bot, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.bot == nil {
		return nil, ErrNotStarted
	}
	return t.bot, nil
}

func parseChat(chatID string) (*tele.Chat, error) {
	id, err := strconv.ParseInt(chatID, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid chat ID: %w", err)
	}
	return &tele.Chat{ID: id}, nil
}

func (t *TelegramChannel) Send(_ context.Context, msg OutboundMessage) (MessageRef, error) {
	bot, err := t.botInstance()
	if err != nil {
		return MessageRef{}, err
	}
	recipient, err := parseChat(msg.ChatID)
	if err != nil {
		return MessageRef{}, err
	}

	var opts []interface{}
	if msg.ReplyTo != "" {
		if id, err := strconv.Atoi(msg.ReplyTo); err == nil {
			opts = append(opts, &tele.SendOptions{ReplyTo: &tele.Message{ID: id}})
		}
	}
	sent, err := bot.Send(recipient, msg.Text, opts...)
	if err != nil {
		return MessageRef{}, fmt.Errorf("telegram send: %w", err)
	}
	return MessageRef{ChatID: msg.ChatID, ID: strconv.Itoa(sent.ID)}, nil
}

// Edit replaces the text of a sent message. Edits with unchanged text are
// not errors.
func (t *TelegramChannel) Edit(_ context.Context, ref MessageRef, text string) error {
	bot, err := t.botInstance()
	if err != nil {
		return err
	}
	chat, err := parseChat(ref.ChatID)
	if err != nil {
		return err
	}
	_, err = bot.Edit(tele.StoredMessage{MessageID: ref.ID, ChatID: chat.ID}, text)
	if errors.Is(err, tele.ErrMessageNotModified) || errors.Is(err, tele.ErrSameMessageContent) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("telegram edit: %w", err)
	}
	return nil
}

func (t *TelegramChannel) Typing(_ context.Context, chatID string) error {
	bot, err := t.botInstance()
	if err != nil {
		return err
	}
	chat, err := parseChat(chatID)
	if err != nil {
		return err
	}
	return bot.Notify(chat, tele.Typing)
}

func (t *TelegramChannel) SendSticker(_ context.Context, chatID, stickerID string) error {
	bot, err := t.botInstance()
	if err != nil {
		return err
	}
	chat, err := parseChat(chatID)
	if err != nil {
		return err
	}
	if _, err := bot.Send(chat, &tele.Sticker{File: tele.File{FileID: stickerID}}); err != nil {
		return fmt.Errorf("telegram sticker: %w", err)
	}
	return nil
}

func (t *TelegramChannel) SendDocument(_ context.Context, chatID, fileName string, data []byte, caption string) error {
	bot, err := t.botInstance()
	if err != nil {
		return err
	}
	chat, err := parseChat(chatID)
	if err != nil {
		return err
	}
	doc := &tele.Document{
		File:     tele.FromReader(bytes.NewReader(data)),
		FileName: fileName,
		Caption:  caption,
	}
	if _, err := bot.Send(chat, doc); err != nil {
		return fmt.Errorf("telegram document: %w", err)
	}
	return nil
}

func (t *TelegramChannel) OnMessage(handler func(InboundMessage)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.handler = handler
}

func (t *TelegramChannel) IsRunning() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.running
}
