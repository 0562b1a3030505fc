package retrieval

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"parley/internal/config"
)

type fakeSearcher struct {
	name  string
	docs  []Document
	err   error
	panic bool

	mu      sync.Mutex
	queries map[string]int
}

func (f *fakeSearcher) Name() string { return f.name }

func (f *fakeSearcher) Search(ctx context.Context, query string) ([]Document, error) {
	f.mu.Lock()
	if f.queries == nil {
		f.queries = make(map[string]int)
	}
	f.queries[query]++
	f.mu.Unlock()
	if f.panic {
		panic("searcher exploded")
	}
	if f.err != nil {
		return nil, f.err
	}
	out := make([]Document, len(f.docs))
	copy(out, f.docs)
	return out, nil
}

func (f *fakeSearcher) calls() map[string]int {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[string]int, len(f.queries))
	for k, v := range f.queries {
		out[k] = v
	}
	return out
}

type staticSignals struct{ realtime, live bool }

func (s staticSignals) RealtimeMatch(string) bool  { return s.realtime }
func (s staticSignals) LiveFactsMatch(string) bool { return s.live }

var fixedNow = time.Date(2026, 10, 18, 12, 0, 0, 0, time.UTC)

func newTestEngine(cfg config.RetrievalConfig, searchers ...Searcher) *Engine {
	e := NewEngine(cfg, staticSignals{realtime: true}, nil, searchers...)
	e.now = func() time.Time { return fixedNow }
	return e
}

func enabledConfig() config.RetrievalConfig {
	cfg := config.Defaults().Retrieval
	cfg.Enabled = true
	return cfg
}

func gdpDocs() []Document {
	return []Document{
		{Title: "France GDP 2026 estimate", Snippet: "France's economy grew to $3.2 trillion in 2026.", URL: "https://example.org/france-gdp"},
		{Title: "Paris weather", Snippet: "Sunny spells", URL: "https://example.org/weather"},
	}
}

func TestGroundAddsDatedVerifiedBlock(t *testing.T) {
	web := &fakeSearcher{name: "web", docs: gdpDocs()}
	e := newTestEngine(enabledConfig(), web)

	g, err := e.Ground(context.Background(), "What is the GDP of France in 2026?", GroundOptions{TemporallySensitive: true})
	require.NoError(t, err)
	require.NotNil(t, g)

	header := "VERIFIED DATA (retrieved " + fixedNow.Format(time.RFC1123) + "):"
	assert.True(t, strings.HasPrefix(g.Text, header), g.Text)
	assert.Contains(t, g.Text, "1. France GDP 2026 estimate")
	assert.Contains(t, g.Text, "Source: https://example.org/france-gdp [web]")
	assert.NotContains(t, g.Text, "Paris weather")
	assert.Equal(t, fixedNow, g.RetrievedAt)
	assert.False(t, g.Cached)

	calls := web.calls()
	assert.Equal(t, 1, calls["What is the GDP of France in 2026?"])
	assert.Equal(t, 1, calls["What is the GDP of France in 2026? latest 2026"])
}

func TestGroundCachesByNormalizedPrompt(t *testing.T) {
	a := &fakeSearcher{name: "a", docs: gdpDocs()}
	b := &fakeSearcher{name: "b", docs: gdpDocs()}
	e := newTestEngine(enabledConfig(), a, b)
	opts := GroundOptions{TemporallySensitive: true}

	first, err := e.Ground(context.Background(), "GDP of France 2026?", opts)
	require.NoError(t, err)
	second, err := e.Ground(context.Background(), "  gdp OF   france 2026 ", opts)
	require.NoError(t, err)

	require.NotNil(t, second)
	assert.True(t, second.Cached)
	assert.Equal(t, first.Documents, second.Documents)
	assert.Equal(t, first.Text, second.Text)

	for _, s := range []*fakeSearcher{a, b} {
		for q, n := range s.calls() {
			assert.Equal(t, 1, n, "searcher %s query %q", s.name, q)
		}
		assert.Len(t, s.calls(), 2)
	}
}

func TestGroundCacheExpires(t *testing.T) {
	web := &fakeSearcher{name: "web", docs: gdpDocs()}
	e := newTestEngine(enabledConfig(), web)
	clock := fixedNow
	e.cache.now = func() time.Time { return clock }

	_, err := e.Search(context.Background(), "france gdp 2026")
	require.NoError(t, err)
	clock = clock.Add(6 * time.Minute)
	g, err := e.Search(context.Background(), "france gdp 2026")
	require.NoError(t, err)
	assert.False(t, g.Cached)
	assert.Equal(t, 2, web.calls()["france gdp 2026"])
}

func TestGroundGateClosed(t *testing.T) {
	web := &fakeSearcher{name: "web", docs: gdpDocs()}

	e := newTestEngine(enabledConfig(), web)
	g, err := e.Ground(context.Background(), "GDP of France", GroundOptions{})
	require.NoError(t, err)
	assert.Nil(t, g)

	cfg := enabledConfig()
	cfg.Enabled = false
	e = newTestEngine(cfg, web)
	g, err = e.Ground(context.Background(), "GDP of France", GroundOptions{TemporallySensitive: true})
	require.NoError(t, err)
	assert.Nil(t, g)

	e = NewEngine(enabledConfig(), staticSignals{}, nil, web)
	g, err = e.Ground(context.Background(), "GDP of France", GroundOptions{TemporallySensitive: true})
	require.NoError(t, err)
	assert.Nil(t, g)

	assert.Empty(t, web.calls())
}

func TestGroundAlwaysRetrieveOpensGate(t *testing.T) {
	web := &fakeSearcher{name: "web", docs: gdpDocs()}
	cfg := enabledConfig()
	cfg.AlwaysRetrieve = true
	e := NewEngine(cfg, staticSignals{}, nil, web)
	e.now = func() time.Time { return fixedNow }

	g, err := e.Ground(context.Background(), "france economy 2026", GroundOptions{TemporallySensitive: true})
	require.NoError(t, err)
	assert.NotNil(t, g)
}

func TestGroundStrictTemporal(t *testing.T) {
	empty := &fakeSearcher{name: "empty"}
	cfg := enabledConfig()
	cfg.StrictTemporal = true
	e := newTestEngine(cfg, empty)

	_, err := e.Ground(context.Background(), "who won the election 2026", GroundOptions{TemporallySensitive: true})
	assert.ErrorIs(t, err, ErrGroundingUnavailable)

	cfg.StrictTemporal = false
	e = newTestEngine(cfg, empty)
	g, err := e.Ground(context.Background(), "who won the election 2026", GroundOptions{TemporallySensitive: true})
	require.NoError(t, err)
	assert.Nil(t, g)
}

func TestGroundSwallowsAdapterFailures(t *testing.T) {
	broken := &fakeSearcher{name: "broken", err: errors.New("HTTP 503")}
	crashy := &fakeSearcher{name: "crashy", panic: true}
	good := &fakeSearcher{name: "good", docs: gdpDocs()}
	e := newTestEngine(enabledConfig(), broken, crashy, good)

	g, err := e.Ground(context.Background(), "France GDP 2026", GroundOptions{TemporallySensitive: true})
	require.NoError(t, err)
	require.NotNil(t, g)
	require.Len(t, g.Documents, 1)
	assert.Equal(t, "good", g.Documents[0].Source)
}

func TestGroundCapsSnippetsAndChars(t *testing.T) {
	var docs []Document
	for i := 0; i < 10; i++ {
		docs = append(docs, Document{
			Title:   "France GDP 2026 report " + string(rune('A'+i)),
			Snippet: strings.Repeat("growth ", 20),
			URL:     "https://example.org/" + string(rune('a'+i)),
		})
	}
	cfg := enabledConfig()
	cfg.MaxSnippets = 3
	cfg.MaxChars = 200
	e := newTestEngine(cfg, &fakeSearcher{name: "web", docs: docs})

	g, err := e.Ground(context.Background(), "France GDP 2026", GroundOptions{TemporallySensitive: true})
	require.NoError(t, err)
	assert.Len(t, g.Documents, 3)
	assert.LessOrEqual(t, len([]rune(g.Text)), 200)
}

func TestRankDedupesAndOrders(t *testing.T) {
	docs := []Document{
		{Title: "Mars rover update", Snippet: "rover drives"},
		{Title: "Mars rover landing site 2026", Snippet: "latest rover images from mars 2026"},
		{Title: "mars rover update", Snippet: "Rover drives."},
		{Title: "Cooking pasta", Snippet: "boil water"},
	}
	ranked := rank("latest mars rover news", docs, fixedNow, 5)
	require.Len(t, ranked, 2)
	assert.Equal(t, "Mars rover landing site 2026", ranked[0].Title)
	assert.Equal(t, "Mars rover update", ranked[1].Title)
}

func TestRankCountsEveryLongToken(t *testing.T) {
	doc := Document{Title: "Japan GDP", Snippet: "The current GDP of Japan is about 4.2 trillion US dollars."}

	assert.Equal(t, []string{"what", "current", "japan"}, tokens("What is the current GDP of Japan"))
	ranked := rank("What is the current GDP of Japan", []Document{doc}, fixedNow, 5)
	require.Len(t, ranked, 1)
	assert.Equal(t, "Japan GDP", ranked[0].Title)
}

func TestGroundKeepsYearlessRelevantDocument(t *testing.T) {
	web := &fakeSearcher{name: "web", docs: []Document{
		{Title: "Japan GDP", Snippet: "The current GDP of Japan is about 4.2 trillion US dollars.", URL: "https://example.org/japan-gdp"},
	}}
	cfg := enabledConfig()
	cfg.AlwaysRetrieve = true
	e := NewEngine(cfg, staticSignals{}, nil, web)
	e.now = func() time.Time { return fixedNow }

	g, err := e.Ground(context.Background(), "What is the current GDP of Japan", GroundOptions{TemporallySensitive: true})
	require.NoError(t, err)
	require.NotNil(t, g)
	require.Len(t, g.Documents, 1)
	assert.Contains(t, g.Text, "1. Japan GDP")
}

func TestTTLCacheOverwriteAndCapacity(t *testing.T) {
	c := NewTTLCache[string, int](time.Minute, 2)
	c.Set("a", 1)
	c.Set("a", 2)
	v, ok := c.Get("a")
	require.True(t, ok)
	assert.Equal(t, 2, v)

	c.Set("b", 3)
	c.Set("c", 4)
	assert.Equal(t, 2, c.Len())
	_, ok = c.Get("c")
	assert.True(t, ok)
}
