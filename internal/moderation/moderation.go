// Package moderation screens inbound text before it reaches a model.
package moderation

import (
	"context"
	"fmt"
	"regexp"

	"parley/internal/config"
)

const defaultRefusal = "Sorry, I can't help with that request."

// Verdict is the outcome of a moderation check.
type Verdict struct {
	Blocked bool
	Rule    string // pattern that matched, for logs
	Refusal string // text to send back when blocked
}

// Moderator decides whether a message may be answered.
type Moderator interface {
	Check(ctx context.Context, text string) Verdict
}

// PatternModerator blocks messages matching a regex denylist.
type PatternModerator struct {
	patterns []*regexp.Regexp
	refusal  string
}

// NewPatternModerator compiles the configured denylist. A disabled config
// yields a moderator that allows everything.
func NewPatternModerator(cfg config.ModerationConfig) (*PatternModerator, error) {
	m := &PatternModerator{refusal: cfg.Refusal}
	if m.refusal == "" {
		m.refusal = defaultRefusal
	}
	if !cfg.Enabled {
		return m, nil
	}
	for _, p := range cfg.Patterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("moderation pattern %q: %w", p, err)
		}
		m.patterns = append(m.patterns, re)
	}
	return m, nil
}

func (m *PatternModerator) Check(_ context.Context, text string) Verdict {
	for _, re := range m.patterns {
		if re.MatchString(text) {
			return Verdict{Blocked: true, Rule: re.String(), Refusal: m.refusal}
		}
	}
	return Verdict{}
}

// Allow is a Moderator that never blocks.
type Allow struct{}

func (Allow) Check(context.Context, string) Verdict { return Verdict{} }
