package llm

import (
	"context"
	"strings"
	"unicode/utf8"

	"go.uber.org/zap"
)

const (
	defaultContinuationMaxTokens = 800
	continuationTailChars        = 1200
	minOverlap                   = 3
	continuePrompt               = "Continue exactly where you stopped. Do not repeat anything you already wrote."
)

// Continue extends a response that stopped at the token ceiling. It issues
// at most the configured number of follow-up calls on target, each seeded
// with the tail of what was produced so far, and returns the merged response
// and the number of rounds used. Failed rounds end continuation; the text
// gathered so far is kept.
func (c *Cascade) Continue(ctx context.Context, target Target, systemPrompt string, messages []Message, first *Response) (*Response, int) {
	if first == nil || !first.Truncated() || strings.TrimSpace(first.Text) == "" {
		return first, 0
	}

	provider, err := c.registry.Get(target.Provider)
	if err != nil {
		return first, 0
	}

	merged := *first
	rounds := 0
	for rounds < c.maxContinuationRounds && merged.Truncated() {
		if ctx.Err() != nil {
			break
		}
		rounds++

		req := &ChatRequest{
			Model:        target.Model,
			SystemPrompt: systemPrompt,
			Temperature:  target.Temperature,
			MaxTokens:    c.continuationMaxTokens,
			Messages: append(append([]Message{}, messages...),
				Message{Role: RoleAssistant, Content: tail(merged.Text, continuationTailChars)},
				Message{Role: RoleUser, Content: continuePrompt},
			),
		}

		attemptCtx, cancel := context.WithTimeout(ctx, c.attemptTimeout)
		next, err := provider.Chat(attemptCtx, req)
		cancel()
		if err != nil {
			c.logger.Info("continuation failed",
				zap.String("target", target.String()),
				zap.Int("round", rounds),
				zap.Error(err))
			break
		}

		piece := strings.TrimSpace(next.Text)
		if piece == "" || strings.Contains(merged.Text, piece) {
			break
		}
		merged.Text = mergeContinuation(merged.Text, next.Text)
		merged.FinishReason = next.FinishReason
		merged.Usage.InputTokens += next.Usage.InputTokens
		merged.Usage.OutputTokens += next.Usage.OutputTokens
	}
	return &merged, rounds
}

// mergeContinuation appends next to acc, dropping the longest prefix of next
// that acc already ends with.
func mergeContinuation(acc, next string) string {
	overlap := longestOverlap(acc, next)
	if utf8.RuneCountInString(next[:overlap]) < minOverlap {
		overlap = 0
	}
	return acc + next[overlap:]
}

// longestOverlap returns the byte length of the longest suffix of a that is
// also a prefix of b, cut on rune boundaries.
func longestOverlap(a, b string) int {
	n := len(b)
	if len(a) < n {
		n = len(a)
	}
	for ; n > 0; n-- {
		if n < len(b) && !utf8.RuneStart(b[n]) {
			continue
		}
		if strings.HasSuffix(a, b[:n]) {
			return n
		}
	}
	return 0
}

// tail returns the last n runes of s.
func tail(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	runes := []rune(s)
	return string(runes[len(runes)-n:])
}
