package retrieval

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"parley/internal/config"
)

const (
	defaultMaxQueries     = 2
	defaultMaxSnippets    = 5
	defaultMaxChars       = 3500
	defaultCacheTTL       = 5 * time.Minute
	defaultAdapterTimeout = 6 * time.Second
)

// Engine fans a prompt out to every searcher, ranks the merged hits and
// formats them as a dated grounding block. Results are cached per
// normalized prompt.
type Engine struct {
	cfg       config.RetrievalConfig
	signals   Signals
	searchers []Searcher
	cache     *TTLCache[string, *Grounding]
	timeout   time.Duration
	logger    *zap.Logger
	now       func() time.Time
}

// NewEngine creates an engine over searchers.
func NewEngine(cfg config.RetrievalConfig, signals Signals, logger *zap.Logger, searchers ...Searcher) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.MaxQueries <= 0 {
		cfg.MaxQueries = defaultMaxQueries
	}
	if cfg.MaxSnippets <= 0 {
		cfg.MaxSnippets = defaultMaxSnippets
	}
	if cfg.MaxChars <= 0 {
		cfg.MaxChars = defaultMaxChars
	}
	ttl := defaultCacheTTL
	if cfg.CacheTTLSecs > 0 {
		ttl = time.Duration(cfg.CacheTTLSecs) * time.Second
	}
	timeout := defaultAdapterTimeout
	if cfg.AdapterTimeoutSecs > 0 {
		timeout = time.Duration(cfg.AdapterTimeoutSecs) * time.Second
	}
	return &Engine{
		cfg:       cfg,
		signals:   signals,
		searchers: searchers,
		cache:     NewTTLCache[string, *Grounding](ttl, 0),
		timeout:   timeout,
		logger:    logger.Named("retrieval"),
		now:       time.Now,
	}
}

// Searchers returns the names of the configured backends.
func (e *Engine) Searchers() []string {
	names := make([]string, len(e.searchers))
	for i, s := range e.searchers {
		names[i] = s.Name()
	}
	return names
}

// Gate reports whether prompt should be grounded.
func (e *Engine) Gate(prompt string, opts GroundOptions) bool {
	if !e.cfg.Enabled || !opts.TemporallySensitive || len(e.searchers) == 0 {
		return false
	}
	if e.cfg.AlwaysRetrieve {
		return true
	}
	if e.signals == nil {
		return false
	}
	return e.signals.RealtimeMatch(prompt) || e.signals.LiveFactsMatch(prompt)
}

// Ground returns grounding for prompt, or nil when the gate is closed or
// nothing relevant was found. In strict mode an empty result for a gated
// prompt is ErrGroundingUnavailable.
func (e *Engine) Ground(ctx context.Context, prompt string, opts GroundOptions) (*Grounding, error) {
	if !e.Gate(prompt, opts) {
		return nil, nil
	}
	g, err := e.Search(ctx, prompt)
	if err != nil {
		return nil, err
	}
	if g == nil && e.cfg.StrictTemporal {
		return nil, ErrGroundingUnavailable
	}
	return g, nil
}

// Search runs the retrieval pipeline for prompt without the gate.
func (e *Engine) Search(ctx context.Context, prompt string) (*Grounding, error) {
	key := normalizeKey(prompt)
	if key == "" {
		return nil, nil
	}
	if g, ok := e.cache.Get(key); ok {
		hit := *g
		hit.Cached = true
		return &hit, nil
	}

	now := e.now()
	docs, err := e.fanOut(ctx, e.queries(prompt, now))
	if err != nil {
		return nil, err
	}

	ranked := rank(prompt, docs, now, e.cfg.MaxSnippets)
	if len(ranked) == 0 {
		e.logger.Debug("no relevant documents", zap.String("prompt", prompt), zap.Int("raw", len(docs)))
		return nil, nil
	}

	g := &Grounding{
		Text:        format(ranked, now, e.cfg.MaxChars),
		Documents:   ranked,
		RetrievedAt: now,
	}
	e.cache.Set(key, g)
	e.logger.Debug("grounding ready", zap.Int("documents", len(ranked)))
	out := *g
	return &out, nil
}

// queries derives the search variants for prompt.
func (e *Engine) queries(prompt string, now time.Time) []string {
	qs := []string{prompt, fmt.Sprintf("%s latest %d", prompt, now.Year())}
	if len(qs) > e.cfg.MaxQueries {
		qs = qs[:e.cfg.MaxQueries]
	}
	return qs
}

// fanOut runs every query against every searcher concurrently. Adapter
// failures contribute no documents. Results keep query-then-searcher order.
func (e *Engine) fanOut(ctx context.Context, queries []string) ([]Document, error) {
	results := make([][]Document, len(queries)*len(e.searchers))
	g, gctx := errgroup.WithContext(ctx)
	for qi, q := range queries {
		for si, s := range e.searchers {
			slot := qi*len(e.searchers) + si
			g.Go(func() error {
				results[slot] = e.searchOne(gctx, s, q)
				return nil
			})
		}
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var docs []Document
	for _, r := range results {
		docs = append(docs, r...)
	}
	return docs, nil
}

func (e *Engine) searchOne(ctx context.Context, s Searcher, query string) (docs []Document) {
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()
	defer func() {
		if r := recover(); r != nil {
			e.logger.Debug("searcher panicked", zap.String("searcher", s.Name()), zap.Any("panic", r))
			docs = nil
		}
	}()

	found, err := s.Search(ctx, query)
	if err != nil {
		e.logger.Debug("searcher failed", zap.String("searcher", s.Name()), zap.String("query", query), zap.Error(err))
		return nil
	}
	for i := range found {
		if found[i].Source == "" {
			found[i].Source = s.Name()
		}
	}
	return found
}
