package config

// Defaults returns a Config with sensible default values.
func Defaults() *Config {
	return &Config{
		Bot: BotConfig{
			SystemPrompt:       "You are Parley, a helpful assistant in a chat app. Answer clearly and stay on topic.",
			DefaultModel:       "auto",
			HistoryMessages:    24,
			HistoryTokenBudget: 6000,
			GroupPerMember:     true,
			TurnTimeoutSecs:    180,
		},
		LLM: LLMConfig{
			Providers: map[string]ProviderConfig{
				"openai":     {TimeoutSecs: 60},
				"anthropic":  {TimeoutSecs: 60},
				"gemini":     {TimeoutSecs: 60},
				"deepseek":   {TimeoutSecs: 90},
				"groq":       {TimeoutSecs: 30},
				"openrouter": {TimeoutSecs: 90},
			},
			AttemptTimeoutSecs:    60,
			MaxContinuationRounds: 2,
			ContinuationMaxTokens: 800,
		},
		Models: []ModelProfile{
			{Key: "gpt-4o-mini", Label: "GPT-4o mini", Provider: "openai", Model: "gpt-4o-mini", Temperature: 0.7, MaxTokens: 2048},
			{Key: "gpt-4o", Label: "GPT-4o", Provider: "openai", Model: "gpt-4o", Temperature: 0.7, MaxTokens: 4096},
			{Key: "claude-sonnet", Label: "Claude Sonnet", Provider: "anthropic", Model: "claude-sonnet-4-5", Temperature: 0.6, MaxTokens: 4096},
			{Key: "claude-haiku", Label: "Claude Haiku", Provider: "anthropic", Model: "claude-haiku-4-5", Temperature: 0.7, MaxTokens: 2048},
			{Key: "gemini-flash", Label: "Gemini Flash", Provider: "gemini", Model: "gemini-2.5-flash", Temperature: 0.7, MaxTokens: 4096},
			{Key: "deepseek-chat", Label: "DeepSeek Chat", Provider: "deepseek", Model: "deepseek-chat", Temperature: 0.5, MaxTokens: 4096},
			{Key: "deepseek-reasoner", Label: "DeepSeek Reasoner", Provider: "deepseek", Model: "deepseek-reasoner", Temperature: 0.3, MaxTokens: 4096},
			{Key: "llama-70b", Label: "Llama 3.3 70B (Groq)", Provider: "groq", Model: "llama-3.3-70b-versatile", Temperature: 0.7, MaxTokens: 2048},
		},
		Routing: RoutingConfig{
			IntentDefaults: map[string]string{
				"math":          "deepseek-reasoner",
				"coding":        "claude-sonnet",
				"current_event": "gemini-flash",
				"general":       "gpt-4o-mini",
			},
			IntentPools: map[string][]string{
				"math":          {"gpt-4o", "deepseek-chat"},
				"coding":        {"gpt-4o", "deepseek-chat"},
				"current_event": {"gpt-4o-mini", "claude-haiku"},
				"general":       {"claude-haiku", "gemini-flash"},
			},
			GlobalFallbacks:  []string{"gpt-4o-mini", "gemini-flash", "llama-70b"},
			MaxAttempts:      4,
			FastMaxAttempts:  2,
			ShortPromptChars: 120,
			ShortMaxTokens:   600,
		},
		Intent: IntentConfig{
			MathMaxLen: 64,
			Ambiguous: []AmbiguityRule{
				{
					Term:          "python",
					Unless:        "coding",
					Clarification: "Do you mean Python the programming language, or python the snake?",
				},
			},
		},
		Retrieval: RetrievalConfig{
			Enabled:            true,
			StrictTemporal:     false,
			MaxQueries:         2,
			MaxSnippets:        5,
			MaxChars:           3500,
			CacheTTLSecs:       300,
			AdapterTimeoutSecs: 6,
			DuckDuckGo:         true,
			Wikipedia:          true,
			WikipediaLang:      "en",
		},
		Summarizer: SummarizerConfig{
			Enabled:         true,
			Model:           "gpt-4o-mini",
			KeepLast:        12,
			MinNew:          8,
			MaxMessageChars: 800,
			MaxTokens:       400,
			TimeoutSecs:     45,
		},
		RateLimit: RateLimitConfig{
			Enabled:    true,
			Requests:   20,
			WindowSecs: 60,
		},
		Delivery: DeliveryConfig{
			Placeholder:    "…",
			EditIntervalMs: 1200,
			MaxMessageLen:  4000,
			RevealSteps:    4,
			RevealDelayMs:  350,
			StripMarkers:   []string{"**", "__", "### ", "## ", "# "},
		},
		Moderation: ModerationConfig{
			Enabled: true,
			Patterns: []string{
				`(?i)\b(make|build|synthesi[sz]e)\b.*\b(bomb|explosive|nerve agent)\b`,
				`(?i)\bchild\s+(porn|sexual)`,
				`(?i)\b(credit card|cvv)\s+(dump|generator)\b`,
			},
			Refusal:    "Sorry, I can't help with that request.",
			RedactLogs: true,
		},
		Tools: ToolsConfig{
			Enabled:   true,
			MaxRounds: 2,
		},
		Browser: BrowserConfig{
			Enabled:       false,
			Headless:      true,
			TimeoutSecs:   20,
			MaxPageSizeKB: 256,
		},
		Security: SecurityConfig{
			Keyring: true,
		},
		Admin: AdminConfig{
			Enabled: false,
			Addr:    "127.0.0.1:8089",
		},
	}
}
