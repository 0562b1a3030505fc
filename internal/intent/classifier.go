// Package intent classifies user messages so the router can pick a model
// and the retrieval engine can decide whether a question is time-sensitive.
package intent

import (
	"fmt"
	"regexp"
	"strings"

	"parley/internal/config"
)

// Intent is the coarse category of a user message.
type Intent string

const (
	Math         Intent = "math"
	Coding       Intent = "coding"
	CurrentEvent Intent = "current_event"
	General      Intent = "general"
	Ambiguous    Intent = "ambiguous"
)

// Valid reports whether i is one of the known intents.
func (i Intent) Valid() bool {
	switch i {
	case Math, Coding, CurrentEvent, General, Ambiguous:
		return true
	}
	return false
}

// Result is a classification with the clarifying question to send back when
// the intent is Ambiguous.
type Result struct {
	Intent        Intent
	Clarification string
}

const defaultMathMaxLen = 64

var (
	// mathExpr matches messages made only of numbers and arithmetic.
	mathExpr     = regexp.MustCompile(`^[\d\s.,+\-*/^()%=x×÷]+$`)
	mathOperator = regexp.MustCompile(`[+\-*/^%=×÷]|\dx\d|\d\s+x\s+\d`)
	// digitOperator matches "12 * 4" style fragments inside prose. A bare
	// hyphen needs spaces around it so dates like 2024-05-01 don't count.
	digitOperator = regexp.MustCompile(`\d\s*[+*/^×÷]\s*\d|\d\s+-\s+\d`)
	recentYear    = regexp.MustCompile(`\b20[2-9]\d\b`)
)

// compiledRule is one intent's pattern set.
type compiledRule struct {
	intent   Intent
	patterns []*regexp.Regexp
}

type compiledAmbiguity struct {
	term          *regexp.Regexp
	unless        Intent
	clarification string
}

// Classifier is a rule-based intent classifier. It is safe for concurrent use.
type Classifier struct {
	mathMaxLen int
	overrides  map[string]Intent
	rules      []compiledRule // evaluated in precedence order
	ambiguous  []compiledAmbiguity
	realtime   []*regexp.Regexp
	liveFacts  []*regexp.Regexp
	toolHints  []*regexp.Regexp
}

// New builds a classifier from the built-in rules extended by cfg.
func New(cfg config.IntentConfig) (*Classifier, error) {
	c := &Classifier{
		mathMaxLen: cfg.MathMaxLen,
		overrides:  make(map[string]Intent),
		realtime:   mustCompileAll(realtimePatterns),
		liveFacts:  mustCompileAll(liveFactPatterns),
		toolHints:  mustCompileAll(toolHintPatterns),
	}
	if c.mathMaxLen <= 0 {
		c.mathMaxLen = defaultMathMaxLen
	}

	extra := make(map[Intent][]string)
	for _, r := range cfg.Rules {
		in := Intent(r.Intent)
		if !in.Valid() || in == Ambiguous {
			return nil, fmt.Errorf("intent rule: unknown intent %q", r.Intent)
		}
		extra[in] = append(extra[in], r.Patterns...)
	}

	for _, in := range []Intent{Math, Coding, CurrentEvent} {
		patterns := append(append([]string{}, builtinRules[in]...), extra[in]...)
		compiled, err := compileAll(patterns)
		if err != nil {
			return nil, fmt.Errorf("intent %s: %w", in, err)
		}
		c.rules = append(c.rules, compiledRule{intent: in, patterns: compiled})
	}
	if len(extra[General]) > 0 {
		compiled, err := compileAll(extra[General])
		if err != nil {
			return nil, fmt.Errorf("intent general: %w", err)
		}
		c.rules = append(c.rules, compiledRule{intent: General, patterns: compiled})
	}

	if !cfg.DisableAmbiguity {
		for _, a := range cfg.Ambiguous {
			if a.Term == "" {
				continue
			}
			re, err := regexp.Compile(`\b` + regexp.QuoteMeta(strings.ToLower(a.Term)) + `\b`)
			if err != nil {
				return nil, fmt.Errorf("ambiguity term %q: %w", a.Term, err)
			}
			c.ambiguous = append(c.ambiguous, compiledAmbiguity{
				term:          re,
				unless:        Intent(a.Unless),
				clarification: a.Clarification,
			})
		}
	}

	for text, in := range cfg.Overrides {
		if !Intent(in).Valid() {
			return nil, fmt.Errorf("intent override %q: unknown intent %q", text, in)
		}
		c.overrides[normalize(text)] = Intent(in)
	}
	return c, nil
}

// Classify returns the intent of text.
func (c *Classifier) Classify(text string) Intent {
	return c.Explain(text).Intent
}

// Explain classifies text in precedence order: configured overrides, math,
// ambiguity, coding, current events, general.
func (c *Classifier) Explain(text string) Result {
	lower := normalize(text)
	if lower == "" {
		return Result{Intent: General}
	}
	if in, ok := c.overrides[lower]; ok {
		return Result{Intent: in}
	}

	if c.isMath(lower) {
		return Result{Intent: Math}
	}

	for _, a := range c.ambiguous {
		if a.term.MatchString(lower) && !c.matches(a.unless, lower) {
			return Result{Intent: Ambiguous, Clarification: a.clarification}
		}
	}

	for _, r := range c.rules {
		if r.intent == Math {
			continue
		}
		if r.intent == CurrentEvent {
			if c.RealtimeMatch(text) || matchAny(r.patterns, lower) {
				return Result{Intent: CurrentEvent}
			}
			continue
		}
		if matchAny(r.patterns, lower) {
			return Result{Intent: r.intent}
		}
	}
	return Result{Intent: General}
}

func (c *Classifier) isMath(lower string) bool {
	if mathExpr.MatchString(lower) && mathOperator.MatchString(lower) && strings.ContainsAny(lower, "0123456789") {
		return true
	}
	if len([]rune(lower)) <= c.mathMaxLen && digitOperator.MatchString(lower) {
		return true
	}
	return c.matches(Math, lower)
}

// matches reports whether lower hits any pattern of intent in.
func (c *Classifier) matches(in Intent, lower string) bool {
	for _, r := range c.rules {
		if r.intent == in && matchAny(r.patterns, lower) {
			return true
		}
	}
	return false
}

// RealtimeMatch reports whether text refers to something time-sensitive:
// a recent year, "today", "latest", prices, scores, rankings and the like.
func (c *Classifier) RealtimeMatch(text string) bool {
	lower := normalize(text)
	return recentYear.MatchString(lower) || matchAny(c.realtime, lower)
}

// LiveFactsMatch reports whether text asks for a fact that drifts over time
// even without temporal words (office holders, GDP, populations, records).
func (c *Classifier) LiveFactsMatch(text string) bool {
	return matchAny(c.liveFacts, normalize(text))
}

// ToolEligible reports whether a turn is worth offering tools to.
func (c *Classifier) ToolEligible(text string) bool {
	lower := normalize(text)
	return c.RealtimeMatch(text) || c.LiveFactsMatch(text) || matchAny(c.toolHints, lower)
}

// TemporallySensitive is true for current-event intents and for anything
// matching the realtime or live-fact heuristics.
func (c *Classifier) TemporallySensitive(text string, in Intent) bool {
	return in == CurrentEvent || c.RealtimeMatch(text) || c.LiveFactsMatch(text)
}

func normalize(text string) string {
	return strings.Join(strings.Fields(strings.ToLower(text)), " ")
}

func matchAny(patterns []*regexp.Regexp, s string) bool {
	for _, p := range patterns {
		if p.MatchString(s) {
			return true
		}
	}
	return false
}

func compileAll(patterns []string) ([]*regexp.Regexp, error) {
	out := make([]*regexp.Regexp, 0, len(patterns))
	for _, p := range patterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("compile %q: %w", p, err)
		}
		out = append(out, re)
	}
	return out, nil
}

func mustCompileAll(patterns []string) []*regexp.Regexp {
	out, err := compileAll(patterns)
	if err != nil {
		panic(err)
	}
	return out
}
