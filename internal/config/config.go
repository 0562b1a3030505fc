package config

// Config is the top-level application configuration.
type Config struct {
	Bot        BotConfig        `json:"bot"`
	LLM        LLMConfig        `json:"llm"`
	Models     []ModelProfile   `json:"models"`
	Routing    RoutingConfig    `json:"routing"`
	Intent     IntentConfig     `json:"intent"`
	Retrieval  RetrievalConfig  `json:"retrieval"`
	Memory     MemoryConfig     `json:"memory"`
	Summarizer SummarizerConfig `json:"summarizer"`
	RateLimit  RateLimitConfig  `json:"rate_limit"`
	Delivery   DeliveryConfig   `json:"delivery"`
	Moderation ModerationConfig `json:"moderation"`
	Tools      ToolsConfig      `json:"tools"`
	Browser    BrowserConfig    `json:"browser"`
	Channels   ChannelsConfig   `json:"channels"`
	Security   SecurityConfig   `json:"security"`
	Admin      AdminConfig      `json:"admin"`
}

// BotConfig controls per-turn conversation behaviour.
type BotConfig struct {
	SystemPrompt       string  `json:"system_prompt"`
	DefaultModel       string  `json:"default_model"` // profile key or "auto"
	HistoryMessages    int     `json:"history_messages"`
	HistoryTokenBudget int     `json:"history_token_budget"`
	GroupPerMember     bool    `json:"group_per_member"`
	GreetingSticker    string  `json:"greeting_sticker,omitempty"`
	TurnTimeoutSecs    int     `json:"turn_timeout_secs"`
	FastMode           bool    `json:"fast_mode"`
}

// LLMConfig holds provider credentials and cascade limits.
type LLMConfig struct {
	Providers             map[string]ProviderConfig `json:"providers"`
	AttemptTimeoutSecs    int                       `json:"attempt_timeout_secs"`
	MaxContinuationRounds int                       `json:"max_continuation_rounds"`
	ContinuationMaxTokens int                       `json:"continuation_max_tokens"`
}

// ProviderConfig configures a single backing AI provider.
type ProviderConfig struct {
	APIKey      string `json:"api_key,omitempty"`
	BaseURL     string `json:"base_url,omitempty"`
	TimeoutSecs int    `json:"timeout_secs"`
}

// ModelProfile is a static registry entry describing a selectable model.
type ModelProfile struct {
	Key         string  `json:"key"`
	Label       string  `json:"label"`
	Provider    string  `json:"provider"`
	Model       string  `json:"model"`
	Temperature float64 `json:"temperature"`
	MaxTokens   int     `json:"max_tokens"`
}

type RoutingConfig struct {
	IntentDefaults   map[string]string   `json:"intent_defaults"`
	IntentPools      map[string][]string `json:"intent_pools"`
	GlobalFallbacks  []string            `json:"global_fallbacks"`
	MaxAttempts      int                 `json:"max_attempts"`
	FastMaxAttempts  int                 `json:"fast_max_attempts"`
	ShortPromptChars int                 `json:"short_prompt_chars"`
	ShortMaxTokens   int                 `json:"short_max_tokens"`
}

type IntentConfig struct {
	MathMaxLen       int               `json:"math_max_len"`
	Rules            []IntentRule      `json:"rules,omitempty"`
	Ambiguous        []AmbiguityRule   `json:"ambiguous,omitempty"`
	DisableAmbiguity bool              `json:"disable_ambiguity"`
	Overrides        map[string]string `json:"overrides,omitempty"` // exact lowercase text -> intent
}

// IntentRule adds patterns to an intent. Rules are evaluated after the
// built-in ones for the same intent.
type IntentRule struct {
	Intent   string   `json:"intent"`
	Patterns []string `json:"patterns"`
}

// AmbiguityRule marks a term that needs clarification unless the message also
// carries a signal for the listed intent.
type AmbiguityRule struct {
	Term          string `json:"term"`
	Unless        string `json:"unless"`
	Clarification string `json:"clarification"`
}

type RetrievalConfig struct {
	Enabled            bool   `json:"enabled"`
	AlwaysRetrieve     bool   `json:"always_retrieve"`
	StrictTemporal     bool   `json:"strict_temporal"`
	InjectIntoUser     bool   `json:"inject_into_user"`
	MaxQueries         int    `json:"max_queries"`
	MaxSnippets        int    `json:"max_snippets"`
	MaxChars           int    `json:"max_chars"`
	CacheTTLSecs       int    `json:"cache_ttl_secs"`
	AdapterTimeoutSecs int    `json:"adapter_timeout_secs"`
	DuckDuckGo         bool   `json:"duckduckgo"`
	Wikipedia          bool   `json:"wikipedia"`
	WikipediaLang      string `json:"wikipedia_lang"`
	BraveAPIKey        string `json:"brave_api_key,omitempty"`
}

type MemoryConfig struct {
	Path string `json:"path,omitempty"`
}

type SummarizerConfig struct {
	Enabled         bool   `json:"enabled"`
	Model           string `json:"model"` // profile key
	KeepLast        int    `json:"keep_last"`
	MinNew          int    `json:"min_new"`
	MaxMessageChars int    `json:"max_message_chars"`
	MaxTokens       int    `json:"max_tokens"`
	TimeoutSecs     int    `json:"timeout_secs"`
}

type RateLimitConfig struct {
	Enabled    bool `json:"enabled"`
	Requests   int  `json:"requests"`
	WindowSecs int  `json:"window_secs"`
}

type DeliveryConfig struct {
	Placeholder    string   `json:"placeholder"`
	EditIntervalMs int      `json:"edit_interval_ms"`
	MaxMessageLen  int      `json:"max_message_len"`
	RevealSteps    int      `json:"reveal_steps"`
	RevealDelayMs  int      `json:"reveal_delay_ms"`
	StripMarkers   []string `json:"strip_markers"`
}

type ModerationConfig struct {
	Enabled    bool     `json:"enabled"`
	Patterns   []string `json:"patterns"`
	Refusal    string   `json:"refusal"`
	RedactLogs bool     `json:"redact_logs"` // mask emails, phones, cards in logged user text
}

type ToolsConfig struct {
	Enabled   bool `json:"enabled"`
	MaxRounds int  `json:"max_rounds"`
}

type BrowserConfig struct {
	Enabled        bool     `json:"enabled"`
	Headless       bool     `json:"headless"`
	TimeoutSecs    int      `json:"timeout_secs"`
	AllowedDomains []string `json:"allowed_domains,omitempty"`
	DeniedDomains  []string `json:"denied_domains,omitempty"`
	MaxPageSizeKB  int      `json:"max_page_size_kb"`
}

type ChannelsConfig struct {
	Telegram *TelegramConfig `json:"telegram,omitempty"`
}

type TelegramConfig struct {
	Token      string  `json:"token"`
	AllowedIDs []int64 `json:"allowed_ids,omitempty"`
}

type SecurityConfig struct {
	Keyring        bool     `json:"keyring"`
	VaultPassword  string   `json:"vault_password,omitempty"`
	AllowedUserIDs []string `json:"allowed_user_ids,omitempty"`
}

type AdminConfig struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr"`
}

// Profile returns the model profile registered under key.
func (c *Config) Profile(key string) (ModelProfile, bool) {
	for _, p := range c.Models {
		if p.Key == key {
			return p, true
		}
	}
	return ModelProfile{}, false
}
