package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/spf13/viper"
)

const (
	configDir  = ".parley"
	configFile = "config.json"
	envPrefix  = "PARLEY"
)

// providerKeyEnv maps provider names to the conventional env var holding their key.
var providerKeyEnv = map[string]string{
	"openai":     "OPENAI_API_KEY",
	"anthropic":  "ANTHROPIC_API_KEY",
	"gemini":     "GEMINI_API_KEY",
	"deepseek":   "DEEPSEEK_API_KEY",
	"groq":       "GROQ_API_KEY",
	"openrouter": "OPENROUTER_API_KEY",
}

// Loader manages reading and writing the config file.
type Loader struct {
	mu       sync.RWMutex
	config   *Config
	filePath string
}

// NewLoader creates a loader for path. An empty path means ~/.parley/config.json.
func NewLoader(path string) (*Loader, error) {
	if path == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, err
		}
		path = filepath.Join(home, configDir, configFile)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, err
	}
	return &Loader{filePath: path}, nil
}

// Load reads the config from disk (json, yaml or toml by extension), layered
// over Defaults. A missing file is not an error. PARLEY_ variables override
// scalar settings (PARLEY_RETRIEVAL_STRICT_TEMPORAL for
// retrieval.strict_temporal) and well-known provider key variables fill
// empty secrets.
func (l *Loader) Load() (*Config, error) {
	return l.load(true)
}

// LoadFile is Load without the environment overlay, for rewriting the file.
func (l *Loader) LoadFile() (*Config, error) {
	return l.load(false)
}

func (l *Loader) load(withEnv bool) (*Config, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	cfg := Defaults()

	v := viper.New()
	v.SetConfigFile(l.filePath)
	if _, err := os.Stat(l.filePath); err == nil {
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", l.filePath, err)
		}
	}

	var envKeys map[string]any
	if withEnv {
		var err error
		if envKeys, err = bindEnv(v); err != nil {
			return nil, err
		}
	}

	settings := v.AllSettings()
	if err := coerceEnv(v, settings, envKeys); err != nil {
		return nil, err
	}
	if len(settings) > 0 {
		data, err := json.Marshal(settings)
		if err != nil {
			return nil, fmt.Errorf("encode settings: %w", err)
		}
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("decode settings: %w", err)
		}
	}

	if withEnv {
		applyEnv(cfg)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	l.config = cfg
	return cfg, nil
}

// bindEnv binds a PARLEY_ variable to every scalar setting of Defaults and
// returns those settings keyed by their dotted path.
func bindEnv(v *viper.Viper) (map[string]any, error) {
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	data, err := json.Marshal(Defaults())
	if err != nil {
		return nil, fmt.Errorf("encode defaults: %w", err)
	}
	var tree map[string]any
	if err := json.Unmarshal(data, &tree); err != nil {
		return nil, fmt.Errorf("decode defaults: %w", err)
	}

	leaves := make(map[string]any)
	flatten("", tree, leaves)
	for key := range leaves {
		if err := v.BindEnv(key); err != nil {
			return nil, fmt.Errorf("bind %s: %w", key, err)
		}
	}
	return leaves, nil
}

func flatten(prefix string, tree map[string]any, out map[string]any) {
	for k, val := range tree {
		key := strings.ToLower(k)
		if prefix != "" {
			key = prefix + "." + key
		}
		switch val := val.(type) {
		case map[string]any:
			flatten(key, val, out)
		case bool, float64, string:
			out[key] = val
		}
	}
}

// coerceEnv converts environment strings in settings to the type of the
// default they override, so "true" decodes into a bool field.
func coerceEnv(v *viper.Viper, settings map[string]any, defaults map[string]any) error {
	for key, def := range defaults {
		raw, ok := v.Get(key).(string)
		if !ok {
			continue
		}
		var val any
		switch def.(type) {
		case bool:
			b, err := strconv.ParseBool(raw)
			if err != nil {
				return fmt.Errorf("%s_%s: %w", envPrefix, strings.ToUpper(strings.ReplaceAll(key, ".", "_")), err)
			}
			val = b
		case float64:
			f, err := strconv.ParseFloat(raw, 64)
			if err != nil {
				return fmt.Errorf("%s_%s: %w", envPrefix, strings.ToUpper(strings.ReplaceAll(key, ".", "_")), err)
			}
			val = f
		default:
			continue
		}
		setPath(settings, strings.Split(key, "."), val)
	}
	return nil
}

func setPath(m map[string]any, path []string, val any) {
	for _, p := range path[:len(path)-1] {
		next, ok := m[p].(map[string]any)
		if !ok {
			next = make(map[string]any)
			m[p] = next
		}
		m = next
	}
	m[path[len(path)-1]] = val
}

func applyEnv(cfg *Config) {
	if cfg.LLM.Providers == nil {
		cfg.LLM.Providers = make(map[string]ProviderConfig)
	}
	for name, env := range providerKeyEnv {
		val := os.Getenv(env)
		if val == "" {
			continue
		}
		p := cfg.LLM.Providers[name]
		if p.APIKey == "" {
			p.APIKey = val
			cfg.LLM.Providers[name] = p
		}
	}
	if cfg.Retrieval.BraveAPIKey == "" {
		cfg.Retrieval.BraveAPIKey = os.Getenv("BRAVE_API_KEY")
	}
	if pw := os.Getenv("PARLEY_VAULT_PASSWORD"); pw != "" && cfg.Security.VaultPassword == "" {
		cfg.Security.VaultPassword = pw
	}
	if token := os.Getenv("TELEGRAM_BOT_TOKEN"); token != "" {
		if cfg.Channels.Telegram == nil {
			cfg.Channels.Telegram = &TelegramConfig{}
		}
		if cfg.Channels.Telegram.Token == "" {
			cfg.Channels.Telegram.Token = token
		}
	}
}

// Validate checks that every model key referenced by routing exists.
func (c *Config) Validate() error {
	known := make(map[string]bool, len(c.Models))
	for _, p := range c.Models {
		if p.Key == "" || p.Provider == "" || p.Model == "" {
			return fmt.Errorf("model profile %q: key, provider and model are required", p.Key)
		}
		if known[p.Key] {
			return fmt.Errorf("duplicate model profile %q", p.Key)
		}
		known[p.Key] = true
	}

	check := func(where, key string) error {
		if !known[key] {
			return fmt.Errorf("%s references unknown model %q", where, key)
		}
		return nil
	}
	for intent, key := range c.Routing.IntentDefaults {
		if err := check("routing.intent_defaults."+intent, key); err != nil {
			return err
		}
	}
	for intent, pool := range c.Routing.IntentPools {
		for _, key := range pool {
			if err := check("routing.intent_pools."+intent, key); err != nil {
				return err
			}
		}
	}
	for _, key := range c.Routing.GlobalFallbacks {
		if err := check("routing.global_fallbacks", key); err != nil {
			return err
		}
	}
	if c.Bot.DefaultModel != "" && c.Bot.DefaultModel != "auto" {
		if err := check("bot.default_model", c.Bot.DefaultModel); err != nil {
			return err
		}
	}
	return nil
}

// Save writes cfg to disk as JSON.
func (l *Loader) Save(cfg *Config) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}

	l.config = cfg
	return os.WriteFile(l.filePath, data, 0600)
}

// Get returns the currently loaded config (or defaults if not loaded yet).
func (l *Loader) Get() *Config {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.config == nil {
		return Defaults()
	}
	return l.config
}

// FilePath returns the config file path.
func (l *Loader) FilePath() string {
	return l.filePath
}
