package agent

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"parley/internal/channel"
	"parley/internal/eventbus"
	"parley/internal/memory"
	"parley/internal/session"
)

// turn is the state of one HandleTurn call once the conversation lock is held.
type turn struct {
	msg     channel.InboundMessage
	out     channel.Outbound
	conv    *memory.Conversation
	text    string
	event   eventbus.TurnEvent
	started time.Time
}

// HandleTurn runs one inbound message through the turn pipeline and replies
// on out. Moderation blocks, cancellation and provider exhaustion are
// reported to the user and are not errors; an error means the turn could not
// load or persist state or could not talk to the channel.
func (a *Agent) HandleTurn(ctx context.Context, out channel.Outbound, msg channel.InboundMessage) error {
	key := msg.ConversationKey
	if key == "" {
		key = channel.ConversationKey(msg.ChannelName, msg.ChatID, msg.SenderID, msg.IsGroup, a.cfg.Bot.GroupPerMember)
	}
	text := userContent(msg)
	if text == "" {
		return nil
	}
	ev := eventbus.TurnEvent{Channel: msg.ChannelName, ConversationKey: key}
	started := time.Now()

	d, isDirective := ParseDirective(msg.Text)
	stop := isDirective && d.Kind == DirectiveStop

	// /stop is not counted so a limited sender can still end a running answer.
	if !stop {
		if ok, retryAfter := a.limiter.Allow(msg.ChannelName + ":" + msg.SenderID); !ok {
			ev.Reason = eventbus.ReasonRateLimited
			a.publish(eventbus.TopicTurnRejected, ev)
			a.logger.Info("rate limited", zap.String("conversation", key), zap.Duration("retry_after", retryAfter))
			return a.reply(ctx, out, msg.ChatID, session.RetryMessage(retryAfter))
		}
	}

	if !a.auth.IsAllowed(msg.ChannelName, msg.SenderID) {
		ev.Reason = eventbus.ReasonUnauthorized
		a.publish(eventbus.TopicTurnRejected, ev)
		a.logger.Info("unauthorized sender", zap.String("channel", msg.ChannelName), zap.String("sender", msg.SenderID))
		return a.reply(ctx, out, msg.ChatID, UnauthorizedReply)
	}

	if stop {
		if !a.cancels.Cancel(key) {
			return a.reply(ctx, out, msg.ChatID, "Nothing to stop.")
		}
		return nil
	}

	// Begin before Acquire: a newer turn cancels the running one, then
	// waits for it to release the lock.
	turnCtx, handle := a.cancels.Begin(ctx, key)
	defer a.cancels.End(key, handle)

	release, err := a.locks.Acquire(turnCtx, key)
	if err != nil {
		a.logger.Debug("turn superseded while waiting", zap.String("conversation", key))
		return nil
	}
	defer release()

	turnCtx, cancel := context.WithTimeout(turnCtx, a.timeout)
	defer cancel()

	a.publish(eventbus.TopicTurnStarted, ev)
	a.logger.Debug("turn started",
		zap.String("conversation", key),
		zap.String("sender", msg.SenderName),
		zap.String("text", truncate(a.redact(text), 100)))

	conv, err := a.store.GetOrCreate(turnCtx, key)
	if err != nil {
		return fmt.Errorf("load conversation %s: %w", key, err)
	}
	t := &turn{msg: msg, out: out, conv: conv, text: text, event: ev, started: started}

	if v := a.moderator.Check(turnCtx, text); v.Blocked {
		t.event.Reason = v.Rule
		a.finish(t, eventbus.TopicTurnModerated)
		a.logger.Info("message blocked by moderation", zap.String("conversation", key), zap.String("rule", v.Rule))
		return a.reply(turnCtx, out, msg.ChatID, v.Refusal)
	}

	if isDirective {
		t.event.Directive = true
		err := a.runDirective(turnCtx, t, d)
		a.finish(t, eventbus.TopicTurnCompleted)
		return err
	}
	return a.converse(turnCtx, t)
}

// finish publishes the final turn event.
func (a *Agent) finish(t *turn, topic eventbus.Topic) {
	t.event.Duration = time.Since(t.started)
	a.publish(topic, t.event)
}

func (a *Agent) reply(ctx context.Context, out channel.Outbound, chatID, text string) error {
	if _, err := out.Send(ctx, channel.OutboundMessage{ChatID: chatID, Text: text}); err != nil {
		return fmt.Errorf("send reply: %w", err)
	}
	return nil
}

// userContent is the text the model sees for msg: the message text plus a
// line per attachment.
func userContent(msg channel.InboundMessage) string {
	parts := []string{}
	if s := strings.TrimSpace(msg.Text); s != "" {
		parts = append(parts, s)
	}
	for _, att := range msg.Attachments {
		line := "[attached " + att.Kind
		if att.FileName != "" {
			line += " " + att.FileName
		}
		line += "]"
		if att.Caption != "" && att.Caption != msg.Text {
			line += " " + att.Caption
		}
		parts = append(parts, line)
	}
	return strings.Join(parts, "\n")
}

func truncate(s string, maxLen int) string {
	runes := []rune(s)
	if len(runes) <= maxLen {
		return s
	}
	return string(runes[:maxLen]) + "..."
}
