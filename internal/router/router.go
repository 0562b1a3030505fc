// Package router turns a conversation's model selection and a message's
// intent into an ordered list of concrete model calls.
package router

import (
	"regexp"
	"unicode/utf8"

	"parley/internal/config"
	"parley/internal/intent"
	"parley/internal/llm"
)

// AutoKey selects the model from the message intent.
const AutoKey = "auto"

const (
	defaultMaxAttempts      = 4
	defaultFastMaxAttempts  = 2
	defaultShortPromptChars = 120
	defaultShortMaxTokens   = 600
	defaultProfileMaxTokens = 1024
	minConciseTokens        = 256
)

// Verbosity levels understood by the router.
const (
	VerbosityConcise  = "concise"
	VerbosityNormal   = "normal"
	VerbosityDetailed = "detailed"
)

var detailPattern = regexp.MustCompile(`(?i)\b(explain|detailed|step[- ]by[- ]step|in depth|in-depth|elaborate)\b`)

// ModelProfile is a selectable model entry from configuration.
type ModelProfile = config.ModelProfile

// Decision is the resolved call for one candidate. It is never persisted.
type Decision struct {
	ModelKey    string
	Provider    string
	Model       string
	Temperature float64
	MaxTokens   int
}

// Target converts d for the cascade.
func (d Decision) Target() llm.Target {
	return llm.Target{
		ModelKey:    d.ModelKey,
		Provider:    d.Provider,
		Model:       d.Model,
		Temperature: d.Temperature,
		MaxTokens:   d.MaxTokens,
	}
}

// Settings are the per-conversation knobs that affect routing.
type Settings struct {
	ModelKey    string
	Temperature *float64
	Verbosity   string
}

// Availability reports which providers can be called.
type Availability interface {
	Enabled(provider string) bool
}

// Router resolves model candidates. It is read-only after construction.
type Router struct {
	cfg      config.RoutingConfig
	profiles map[string]ModelProfile
	order    []ModelProfile
	avail    Availability
	fast     bool
}

// New creates a router over cfg's model profiles and routing tables.
func New(cfg *config.Config, avail Availability) *Router {
	r := &Router{
		cfg:      cfg.Routing,
		profiles: make(map[string]ModelProfile, len(cfg.Models)),
		order:    append([]ModelProfile(nil), cfg.Models...),
		avail:    avail,
		fast:     cfg.Bot.FastMode,
	}
	for _, p := range cfg.Models {
		r.profiles[p.Key] = p
	}
	if r.cfg.MaxAttempts <= 0 {
		r.cfg.MaxAttempts = defaultMaxAttempts
	}
	if r.cfg.FastMaxAttempts <= 0 {
		r.cfg.FastMaxAttempts = defaultFastMaxAttempts
	}
	if r.cfg.ShortPromptChars <= 0 {
		r.cfg.ShortPromptChars = defaultShortPromptChars
	}
	if r.cfg.ShortMaxTokens <= 0 {
		r.cfg.ShortMaxTokens = defaultShortMaxTokens
	}
	return r
}

// Profile returns the profile registered under key.
func (r *Router) Profile(key string) (ModelProfile, bool) {
	p, ok := r.profiles[key]
	return p, ok
}

// Profiles returns every profile in configuration order.
func (r *Router) Profiles() []ModelProfile {
	return append([]ModelProfile(nil), r.order...)
}

// Available reports whether key names a profile whose provider is enabled.
func (r *Router) Available(key string) bool {
	p, ok := r.profiles[key]
	return ok && (r.avail == nil || r.avail.Enabled(p.Provider))
}

// Candidates returns the ordered, de-duplicated model keys to try for
// modelKey ("auto" or a profile key) and the message intent.
func (r *Router) Candidates(modelKey string, in intent.Intent) []string {
	if in == intent.Ambiguous || !in.Valid() {
		in = intent.General
	}

	var keys []string
	if modelKey == "" || modelKey == AutoKey {
		start, ok := r.cfg.IntentDefaults[string(in)]
		if !ok {
			start = r.cfg.IntentDefaults[string(intent.General)]
		}
		if start != "" {
			keys = append(keys, start)
		}
	} else {
		keys = append(keys, modelKey)
	}
	keys = append(keys, r.cfg.IntentPools[string(in)]...)
	keys = append(keys, r.cfg.GlobalFallbacks...)

	limit := r.cfg.MaxAttempts
	if r.fast {
		limit = r.cfg.FastMaxAttempts
	}

	seen := make(map[string]bool, len(keys))
	out := make([]string, 0, limit)
	for _, k := range keys {
		if seen[k] {
			continue
		}
		seen[k] = true
		if !r.Available(k) {
			continue
		}
		out = append(out, k)
		if len(out) == limit {
			break
		}
	}
	return out
}

// Decide fills in call parameters for candidate key.
func (r *Router) Decide(key string, s Settings, prompt string) (Decision, bool) {
	p, ok := r.profiles[key]
	if !ok {
		return Decision{}, false
	}

	temp := p.Temperature
	if s.Temperature != nil {
		temp = *s.Temperature
	}

	ceiling := p.MaxTokens
	if ceiling <= 0 {
		ceiling = defaultProfileMaxTokens
	}
	detail := s.Verbosity == VerbosityDetailed || detailPattern.MatchString(prompt)
	if utf8.RuneCountInString(prompt) < r.cfg.ShortPromptChars && !detail && r.cfg.ShortMaxTokens < ceiling {
		ceiling = r.cfg.ShortMaxTokens
	}
	if s.Verbosity == VerbosityConcise {
		ceiling /= 2
		if ceiling < minConciseTokens {
			ceiling = minConciseTokens
		}
	}

	return Decision{
		ModelKey:    p.Key,
		Provider:    p.Provider,
		Model:       p.Model,
		Temperature: temp,
		MaxTokens:   ceiling,
	}, true
}

// Route resolves the full decision list for a turn. override, when set,
// takes precedence over the conversation's stored selection.
func (r *Router) Route(s Settings, override string, in intent.Intent, prompt string) []Decision {
	key := s.ModelKey
	if override != "" {
		key = override
	}
	var out []Decision
	for _, k := range r.Candidates(key, in) {
		if d, ok := r.Decide(k, s, prompt); ok {
			out = append(out, d)
		}
	}
	return out
}

// Targets converts decisions for the cascade.
func Targets(ds []Decision) []llm.Target {
	out := make([]llm.Target, len(ds))
	for i, d := range ds {
		out[i] = d.Target()
	}
	return out
}
