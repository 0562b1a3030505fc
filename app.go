package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"path/filepath"
	"runtime"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"parley/internal/admin"
	"parley/internal/agent"
	"parley/internal/channel"
	"parley/internal/config"
	"parley/internal/eventbus"
	"parley/internal/intent"
	"parley/internal/llm"
	"parley/internal/memory"
	"parley/internal/metrics"
	"parley/internal/moderation"
	"parley/internal/retrieval"
	"parley/internal/router"
	"parley/internal/security"
	"parley/internal/session"
	"parley/internal/tool"
)

// App holds the wired components of a running bot.
type App struct {
	cfg     *config.Config
	logger  *zap.Logger
	started time.Time

	store    *memory.SQLiteStore
	registry *llm.Registry
	bus      *eventbus.Bus
	metrics  *metrics.Metrics
	agent    *agent.Agent
	chanMgr  *channel.Manager
	readPage *tool.ReadPageTool
}

func loadConfig(path string) (*config.Loader, *config.Config, error) {
	loader, err := config.NewLoader(path)
	if err != nil {
		return nil, nil, fmt.Errorf("config loader: %w", err)
	}
	cfg, err := loader.Load()
	if err != nil {
		return nil, nil, err
	}
	return loader, cfg, nil
}

// dataDir holds the database and the vault next to the config file.
func dataDir(loader *config.Loader) string {
	return filepath.Dir(loader.FilePath())
}

func openStore(loader *config.Loader, cfg *config.Config) (*memory.SQLiteStore, error) {
	path := cfg.Memory.Path
	if path == "" {
		path = filepath.Join(dataDir(loader), "memory.db")
	}
	store, err := memory.NewSQLiteStore(path)
	if err != nil {
		return nil, fmt.Errorf("open memory %s: %w", path, err)
	}
	return store, nil
}

// newApp loads config, resolves secrets and builds every component. Channels
// are registered later by serve or chat.
func newApp(ctx context.Context, cfgPath string, logger *zap.Logger) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	loader, cfg, err := loadConfig(cfgPath)
	if err != nil {
		return nil, err
	}

	ks, err := security.NewKeyStore(dataDir(loader), cfg.Security, logger)
	if err != nil {
		logger.Warn("key store unavailable, secrets must be set in config or environment", zap.Error(err))
	} else if err := ks.Resolve(cfg); err != nil {
		return nil, err
	}

	for name, p := range cfg.LLM.Providers {
		if p.BaseURL == "" {
			continue
		}
		if err := validateBaseURL(p.BaseURL); err != nil {
			return nil, fmt.Errorf("provider %s: %w", name, err)
		}
	}

	store, err := openStore(loader, cfg)
	if err != nil {
		return nil, err
	}

	a := &App{
		cfg:     cfg,
		logger:  logger,
		started: time.Now(),
		store:   store,
		chanMgr: channel.NewManager(logger),
	}
	if err := a.build(ctx); err != nil {
		store.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) build(ctx context.Context) error {
	cfg, logger := a.cfg, a.logger

	a.registry = llm.NewRegistry(ctx, cfg.LLM.Providers, logger)
	for name, p := range cfg.LLM.Providers {
		if a.registry.Enabled(name) {
			logger.Info("provider enabled", zap.String("provider", name), zap.String("key", security.MaskKey(p.APIKey)))
		}
	}
	if len(a.registry.Names()) == 0 {
		logger.Warn("no provider has an API key; every turn will fail over to the exhaustion message")
	}
	cascade := llm.NewCascade(a.registry, cfg.LLM, logger)
	rt := router.New(cfg, a.registry)

	classifier, err := intent.New(cfg.Intent)
	if err != nil {
		return fmt.Errorf("intent rules: %w", err)
	}

	engine := retrieval.NewEngine(cfg.Retrieval, classifier, logger, searchers(cfg.Retrieval)...)

	tools := tool.NewRegistry(logger)
	tools.Register(tool.NewWebSearchTool(engine))
	tools.Register(tool.NewClockTool())
	if cfg.Browser.Enabled {
		a.readPage = tool.NewReadPageTool(cfg.Browser, logger)
		tools.Register(a.readPage)
	}

	moderator, err := moderation.NewPatternModerator(cfg.Moderation)
	if err != nil {
		return fmt.Errorf("moderation rules: %w", err)
	}

	a.bus = eventbus.New(logger)
	a.metrics = metrics.New(true)
	a.metrics.Attach(a.bus)

	deps := agent.Deps{
		Config:     cfg,
		Store:      a.store,
		Classifier: classifier,
		Router:     rt,
		Cascade:    cascade,
		Tools:      tools,
		Moderator:  moderator,
		Redactor:   moderation.NewRedactor(cfg.Moderation.RedactLogs),
		Authorizer: security.NewAuthorizer(cfg.Security.AllowedUserIDs),
		Limiter:    session.NewRateLimiter(cfg.RateLimit),
		Bus:        a.bus,
		Logger:     logger,
	}
	if cfg.Retrieval.Enabled {
		deps.Retrieval = engine
	}
	if s := newSummarizer(cfg, a.store, cascade, rt, logger); s != nil {
		deps.Summarizer = s
	}
	a.agent = agent.New(deps)
	return nil
}

func searchers(cfg config.RetrievalConfig) []retrieval.Searcher {
	var out []retrieval.Searcher
	if cfg.DuckDuckGo {
		out = append(out, retrieval.NewDuckDuckGo())
	}
	if cfg.Wikipedia {
		out = append(out, retrieval.NewWikipedia(cfg.WikipediaLang))
	}
	if cfg.BraveAPIKey != "" {
		out = append(out, retrieval.NewBrave(cfg.BraveAPIKey))
	}
	return out
}

// newSummarizer returns nil when summaries are off or no summary model is reachable.
func newSummarizer(cfg *config.Config, store memory.Store, runner memory.Runner, rt *router.Router, logger *zap.Logger) *memory.Summarizer {
	if !cfg.Summarizer.Enabled {
		return nil
	}
	targets := summaryTargets(cfg, rt)
	if len(targets) == 0 {
		logger.Warn("summaries disabled: no available model", zap.String("model", cfg.Summarizer.Model))
		return nil
	}
	return memory.NewSummarizer(store, runner, targets, cfg.Summarizer, logger)
}

// summaryTargets routes like a general turn pinned to the summary model, so
// its fallbacks apply too.
func summaryTargets(cfg *config.Config, rt *router.Router) []llm.Target {
	return router.Targets(rt.Route(router.Settings{ModelKey: cfg.Summarizer.Model}, "", intent.General, ""))
}

// serve runs the configured chat channels and, when enabled, the admin
// server until ctx is cancelled.
func (a *App) serve(ctx context.Context) error {
	tg := a.cfg.Channels.Telegram
	if tg == nil || tg.Token == "" {
		return errors.New("no channel configured: set channels.telegram.token or TELEGRAM_BOT_TOKEN, or run `parley chat`")
	}
	a.chanMgr.Register(channel.NewTelegramChannel(*tg, a.cfg.Bot.GroupPerMember, a.logger))
	a.agent.Start(ctx, a.chanMgr)

	if err := a.chanMgr.StartAll(ctx); err != nil {
		return fmt.Errorf("start channels: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	if a.cfg.Admin.Enabled {
		srv := admin.NewServer(a.cfg.Admin, a.store, a.metrics.Handler(), a.status, a.logger)
		g.Go(func() error { return srv.Start(gctx) })
	}
	g.Go(func() error {
		<-gctx.Done()
		a.logger.Info("shutting down")
		return nil
	})
	return g.Wait()
}

// chat runs a single console conversation until in is exhausted or ctx is
// cancelled.
func (a *App) chat(ctx context.Context, in io.Reader, out io.Writer) error {
	console := channel.NewConsoleChannelIO(in, out)
	a.chanMgr.Register(console)
	a.agent.Start(ctx, a.chanMgr)

	if err := a.chanMgr.StartAll(ctx); err != nil {
		return fmt.Errorf("start console: %w", err)
	}
	select {
	case <-ctx.Done():
	case <-console.Done():
	}
	return nil
}

// close stops channels first so no new turn starts while storage shuts down.
func (a *App) close() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	a.chanMgr.StopAll(ctx)
	a.agent.Stop()
	a.bus.Wait()
	if a.readPage != nil {
		if err := a.readPage.Close(); err != nil {
			a.logger.Warn("close browser", zap.Error(err))
		}
	}
	if err := a.store.Close(); err != nil {
		a.logger.Warn("close memory", zap.Error(err))
	}
}

// status feeds the admin health endpoint.
func (a *App) status() map[string]any {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	return map[string]any{
		"channels":           a.chanMgr.List(),
		"providers":          a.registry.Names(),
		"disabled_providers": a.registry.Disabled(),
		"uptime_secs":        int(time.Since(a.started).Seconds()),
		"goroutines":         runtime.NumGoroutine(),
		"heap_alloc_mb":      float64(m.HeapAlloc) / 1024 / 1024,
		"sys_mb":             float64(m.Sys) / 1024 / 1024,
		"gc_cycles":          m.NumGC,
	}
}

// exportConversation never creates a conversation for an unknown key.
func exportConversation(ctx context.Context, store memory.Store, key string) (*memory.Snapshot, error) {
	conv, err := store.FindByKey(ctx, key)
	if errors.Is(err, memory.ErrNotFound) {
		return nil, fmt.Errorf("no conversation for %q", key)
	}
	if err != nil {
		return nil, err
	}
	return store.Export(ctx, conv.ID)
}

// secretSetter is the part of security.KeyStore migration needs.
type secretSetter interface {
	Set(name, value string) error
}

// migrateSecrets stores every plaintext secret of cfg and returns a copy of
// cfg with placeholders in their place. cfg itself keeps the real values.
func migrateSecrets(cfg *config.Config, ks secretSetter) (*config.Config, int, error) {
	disk := *cfg
	moved := 0

	plain := func(v string) bool { return v != "" && v != security.SecretRef }

	disk.LLM.Providers = make(map[string]config.ProviderConfig, len(cfg.LLM.Providers))
	for name, p := range cfg.LLM.Providers {
		if plain(p.APIKey) {
			if err := ks.Set(security.ProviderSecret(name), p.APIKey); err != nil {
				return nil, moved, fmt.Errorf("store %s key: %w", name, err)
			}
			p.APIKey = security.SecretRef
			moved++
		}
		disk.LLM.Providers[name] = p
	}

	if plain(cfg.Retrieval.BraveAPIKey) {
		if err := ks.Set(security.BraveSecret, cfg.Retrieval.BraveAPIKey); err != nil {
			return nil, moved, fmt.Errorf("store brave key: %w", err)
		}
		disk.Retrieval.BraveAPIKey = security.SecretRef
		moved++
	}

	if tg := cfg.Channels.Telegram; tg != nil && plain(tg.Token) {
		if err := ks.Set(security.TelegramSecret, tg.Token); err != nil {
			return nil, moved, fmt.Errorf("store telegram token: %w", err)
		}
		tgCopy := *tg
		tgCopy.Token = security.SecretRef
		disk.Channels.Telegram = &tgCopy
		moved++
	}
	return &disk, moved, nil
}

// validateBaseURL checks that a base URL is valid and uses http/https scheme.
func validateBaseURL(rawURL string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid base URL: %w", err)
	}
	switch u.Scheme {
	case "http", "https":
	default:
		return fmt.Errorf("base URL must use http or https scheme, got: %s", u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("base URL must have a host")
	}
	return nil
}
