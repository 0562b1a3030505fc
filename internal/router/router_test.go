package router

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"parley/internal/config"
	"parley/internal/intent"
)

type enabledSet map[string]bool

func (e enabledSet) Enabled(p string) bool { return e[p] }

func allEnabled() enabledSet {
	return enabledSet{"openai": true, "anthropic": true, "gemini": true, "deepseek": true, "groq": true}
}

func TestCandidatesAuto(t *testing.T) {
	r := New(config.Defaults(), allEnabled())

	assert.Equal(t, []string{"deepseek-reasoner", "gpt-4o", "deepseek-chat", "gpt-4o-mini"},
		r.Candidates(AutoKey, intent.Math))
	assert.Equal(t, []string{"gpt-4o-mini", "claude-haiku", "gemini-flash", "llama-70b"},
		r.Candidates(AutoKey, intent.General))
	// ambiguous routes like general
	assert.Equal(t, r.Candidates(AutoKey, intent.General), r.Candidates(AutoKey, intent.Ambiguous))
}

func TestCandidatesExplicitSelection(t *testing.T) {
	r := New(config.Defaults(), allEnabled())

	got := r.Candidates("claude-haiku", intent.Coding)
	require.NotEmpty(t, got)
	assert.Equal(t, "claude-haiku", got[0])
	assert.Equal(t, []string{"claude-haiku", "gpt-4o", "deepseek-chat", "gpt-4o-mini"}, got)
}

func TestCandidatesDropDisabledAndDedupe(t *testing.T) {
	r := New(config.Defaults(), enabledSet{"gemini": true, "groq": true})

	got := r.Candidates(AutoKey, intent.CurrentEvent)
	assert.Equal(t, []string{"gemini-flash", "llama-70b"}, got)

	r = New(config.Defaults(), enabledSet{})
	assert.Empty(t, r.Candidates(AutoKey, intent.General))
}

func TestCandidatesFastMode(t *testing.T) {
	cfg := config.Defaults()
	cfg.Bot.FastMode = true
	r := New(cfg, allEnabled())
	assert.Len(t, r.Candidates(AutoKey, intent.Coding), 2)
}

func TestDecideParameters(t *testing.T) {
	r := New(config.Defaults(), allEnabled())

	d, ok := r.Decide("gpt-4o", Settings{}, "hi")
	require.True(t, ok)
	assert.Equal(t, "openai", d.Provider)
	assert.Equal(t, "gpt-4o", d.Model)
	assert.Equal(t, 0.7, d.Temperature)
	assert.Equal(t, 600, d.MaxTokens)

	temp := 0.0
	d, _ = r.Decide("gpt-4o", Settings{Temperature: &temp}, "hi")
	assert.Equal(t, 0.0, d.Temperature)

	d, _ = r.Decide("gpt-4o", Settings{}, "explain step by step how tides work")
	assert.Equal(t, 4096, d.MaxTokens)

	d, _ = r.Decide("gpt-4o", Settings{Verbosity: VerbosityDetailed}, "tides?")
	assert.Equal(t, 4096, d.MaxTokens)

	d, _ = r.Decide("gpt-4o", Settings{}, strings.Repeat("long prompt ", 20))
	assert.Equal(t, 4096, d.MaxTokens)

	d, _ = r.Decide("gpt-4o", Settings{Verbosity: VerbosityConcise}, "hi")
	assert.Equal(t, 300, d.MaxTokens)

	d, _ = r.Decide("gpt-4o", Settings{Verbosity: VerbosityConcise}, strings.Repeat("long prompt ", 20))
	assert.Equal(t, 2048, d.MaxTokens)

	_, ok = r.Decide("nope", Settings{}, "hi")
	assert.False(t, ok)
}

func TestDecideConciseFloor(t *testing.T) {
	cfg := config.Defaults()
	cfg.Routing.ShortMaxTokens = 300
	r := New(cfg, allEnabled())

	d, _ := r.Decide("gpt-4o", Settings{Verbosity: VerbosityConcise}, "hi")
	assert.Equal(t, 256, d.MaxTokens)
}

func TestRouteOverrideWins(t *testing.T) {
	r := New(config.Defaults(), allEnabled())

	ds := r.Route(Settings{ModelKey: "gpt-4o"}, "claude-sonnet", intent.General, "hello")
	require.NotEmpty(t, ds)
	assert.Equal(t, "claude-sonnet", ds[0].ModelKey)

	ds = r.Route(Settings{ModelKey: "gpt-4o"}, "", intent.General, "hello")
	assert.Equal(t, "gpt-4o", ds[0].ModelKey)

	targets := Targets(ds)
	assert.Equal(t, ds[0].Provider, targets[0].Provider)
	assert.Equal(t, ds[0].MaxTokens, targets[0].MaxTokens)
}
