package agent

import (
	"context"
	"strings"
	"unicode/utf8"

	"go.uber.org/zap"

	"parley/internal/llm"
	"parley/internal/memory"
	"parley/internal/retrieval"
	"parley/internal/router"
)

const (
	defaultHistoryMessages = 24
	defaultHistoryBudget   = 6000

	summaryPreamble     = "Summary of the earlier conversation:\n"
	groundingPreamble   = "Use the VERIFIED DATA below for anything that may have changed recently. Prefer it over what you remember, and say when the data was retrieved if the date matters.\n\n"
	toolResultsPreamble = "Results of the tools you called for this message:\n\n"
)

// prompt is the assembled model input for one turn.
type prompt struct {
	system   string
	messages []llm.Message
}

// withToolResults returns a copy of p with tool output added as a system
// message just before the user message.
func (p *prompt) withToolResults(notes []string) *prompt {
	if len(notes) == 0 {
		return p
	}
	n := len(p.messages)
	msgs := make([]llm.Message, 0, n+1)
	msgs = append(msgs, p.messages[:n-1]...)
	msgs = append(msgs, llm.Message{Role: llm.RoleSystem, Content: toolResultsPreamble + strings.Join(notes, "\n\n")})
	msgs = append(msgs, p.messages[n-1])
	return &prompt{system: p.system, messages: msgs}
}

// systemPrompt combines the base instruction with the conversation's
// verbosity, style and pinned facts.
func (a *Agent) systemPrompt(conv *memory.Conversation, pins []memory.Pin) string {
	var b strings.Builder
	b.WriteString(a.cfg.Bot.SystemPrompt)

	switch conv.Verbosity {
	case memory.VerbosityConcise:
		b.WriteString("\n\nKeep answers short: a few sentences at most.")
	case memory.VerbosityDetailed:
		b.WriteString("\n\nGive thorough, detailed answers with explanations and examples where they help.")
	}
	if conv.Style != "" {
		b.WriteString("\n\nStyle requested by the user: ")
		b.WriteString(conv.Style)
	}
	if len(pins) > 0 {
		b.WriteString("\n\nFacts the user asked you to remember:")
		for _, p := range pins {
			b.WriteString("\n- ")
			if !strings.HasPrefix(p.Key, notePrefix) {
				b.WriteString(p.Key)
				b.WriteString(": ")
			}
			b.WriteString(p.Value)
		}
	}
	return strings.TrimSpace(b.String())
}

// assemble builds the model input: summary, grounding, trimmed history and
// the user message, in that order.
func (a *Agent) assemble(conv *memory.Conversation, pins []memory.Pin, history []memory.Message, g *retrieval.Grounding, userText string) *prompt {
	p := &prompt{system: a.systemPrompt(conv, pins)}

	if conv.Summary != "" {
		p.messages = append(p.messages, llm.Message{Role: llm.RoleSystem, Content: summaryPreamble + conv.Summary})
	}

	user := userText
	if g != nil && g.Text != "" {
		if a.cfg.Retrieval.InjectIntoUser {
			user = g.Text + "\n\nQuestion: " + userText
		} else {
			p.messages = append(p.messages, llm.Message{Role: llm.RoleSystem, Content: groundingPreamble + g.Text})
		}
	}

	budget := a.cfg.Bot.HistoryTokenBudget
	if budget <= 0 {
		budget = defaultHistoryBudget
	}
	p.messages = append(p.messages, trimHistory(toLLMMessages(history), budget)...)
	p.messages = append(p.messages, llm.Message{Role: llm.RoleUser, Content: user})
	return p
}

// history loads the recent messages not yet folded into the summary.
func (a *Agent) history(ctx context.Context, conv *memory.Conversation) ([]memory.Message, int, error) {
	total, err := a.store.Count(ctx, conv.ID)
	if err != nil {
		return nil, 0, err
	}
	k := a.cfg.Bot.HistoryMessages
	if k <= 0 {
		k = defaultHistoryMessages
	}
	msgs, err := a.store.Recent(ctx, conv.ID, k)
	if err != nil {
		return nil, 0, err
	}
	if skip := conv.SummaryWatermark - (total - len(msgs)); skip > 0 {
		if skip > len(msgs) {
			skip = len(msgs)
		}
		msgs = msgs[skip:]
	}
	return msgs, total, nil
}

func (a *Agent) pins(ctx context.Context, convID string) []memory.Pin {
	pins, err := a.store.Pins(ctx, convID)
	if err != nil {
		a.logger.Warn("failed to load pins", zap.String("conversation", convID), zap.Error(err))
	}
	return pins
}

// settings maps stored conversation settings onto the router's view.
func (a *Agent) settings(conv *memory.Conversation) router.Settings {
	key := conv.ModelKey
	if key == "" {
		key = a.cfg.Bot.DefaultModel
	}
	return router.Settings{
		ModelKey:    key,
		Temperature: conv.Temperature,
		Verbosity:   string(conv.Verbosity),
	}
}

func toLLMMessages(msgs []memory.Message) []llm.Message {
	out := make([]llm.Message, 0, len(msgs))
	for _, m := range msgs {
		if m.Role != memory.RoleUser && m.Role != memory.RoleAssistant {
			continue
		}
		out = append(out, llm.Message{Role: string(m.Role), Content: m.Content})
	}
	return out
}

// estimateTokens provides a rough token estimate (4 chars ≈ 1 token).
func estimateTokens(m llm.Message) int {
	return utf8.RuneCountInString(m.Content)/4 + 1
}

// trimHistory keeps the newest messages that fit in budget tokens. The
// result never starts with an assistant message.
func trimHistory(msgs []llm.Message, budget int) []llm.Message {
	used := 0
	start := len(msgs)
	for i := len(msgs) - 1; i >= 0; i-- {
		cost := estimateTokens(msgs[i])
		if used+cost > budget {
			break
		}
		used += cost
		start = i
	}
	for start < len(msgs) && msgs[start].Role == llm.RoleAssistant {
		start++
	}
	return msgs[start:]
}
