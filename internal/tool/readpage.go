package tool

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/url"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
	"go.uber.org/zap"

	"parley/internal/config"
)

// ReadPageTool opens a URL in a headless browser and returns the rendered
// page text. The browser is launched on first use and shared across calls.
type ReadPageTool struct {
	cfg     config.BrowserConfig
	logger  *zap.Logger
	mu      sync.Mutex
	browser *rod.Browser
}

// NewReadPageTool creates a read_page tool.
func NewReadPageTool(cfg config.BrowserConfig, logger *zap.Logger) *ReadPageTool {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.TimeoutSecs <= 0 {
		cfg.TimeoutSecs = 20
	}
	if cfg.MaxPageSizeKB <= 0 {
		cfg.MaxPageSizeKB = 256
	}
	return &ReadPageTool{cfg: cfg, logger: logger.Named("read_page")}
}

func (t *ReadPageTool) Name() string { return "read_page" }
func (t *ReadPageTool) Description() string {
	return "Open a public web page and return its visible text. Use it to read a link the user shared or a search result."
}

func (t *ReadPageTool) Parameters() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"url": {
				"type": "string",
				"description": "Absolute http or https URL"
			}
		},
		"required": ["url"]
	}`)
}

type readPageParams struct {
	URL string `json:"url"`
}

func (t *ReadPageTool) Execute(ctx context.Context, args json.RawMessage) (*Result, error) {
	var params readPageParams
	if err := json.Unmarshal(args, &params); err != nil {
		return errResult("invalid arguments: " + err.Error()), nil
	}
	if params.URL == "" {
		return errResult("url is required"), nil
	}
	if err := t.validateURL(params.URL); err != nil {
		return errResult(err.Error()), nil
	}

	ctx, cancel := context.WithTimeout(ctx, time.Duration(t.cfg.TimeoutSecs)*time.Second)
	defer cancel()

	browser, err := t.ensureBrowser()
	if err != nil {
		return errResult(err.Error()), nil
	}

	page, err := browser.Context(ctx).Page(proto.TargetCreateTarget{})
	if err != nil {
		return errResult("failed to open page: " + err.Error()), nil
	}
	defer func() {
		if err := page.Close(); err != nil {
			t.logger.Debug("close page", zap.Error(err))
		}
	}()

	if err := page.Navigate(params.URL); err != nil {
		return errResult("navigation failed: " + err.Error()), nil
	}
	if err := page.WaitLoad(); err != nil {
		return errResult("page load timeout: " + err.Error()), nil
	}

	// Redirects must not land somewhere the original URL could not go.
	if info, err := page.Info(); err == nil && info.URL != params.URL {
		if err := t.validateURL(info.URL); err != nil {
			return errResult("redirect blocked: " + err.Error()), nil
		}
	}

	obj, err := page.Eval(`() => document.title + "\n\n" + document.body.innerText`)
	if err != nil {
		return errResult("failed to get content: " + err.Error()), nil
	}
	return &Result{Output: truncateBytes(obj.Value.Str(), t.cfg.MaxPageSizeKB*1024)}, nil
}

func (t *ReadPageTool) ensureBrowser() (*rod.Browser, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.browser != nil {
		return t.browser, nil
	}

	controlURL, err := launcher.New().Headless(t.cfg.Headless).Launch()
	if err != nil {
		return nil, fmt.Errorf("failed to launch browser: %w", err)
	}

	browser := rod.New().ControlURL(controlURL)
	if err := browser.Connect(); err != nil {
		return nil, fmt.Errorf("failed to connect to browser: %w", err)
	}
	t.browser = browser
	return browser, nil
}

// validateURL checks the URL scheme, private IPs, and domain allow/deny lists.
func (t *ReadPageTool) validateURL(rawURL string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid URL: %w", err)
	}

	switch u.Scheme {
	case "http", "https":
	default:
		return fmt.Errorf("only http/https schemes are allowed, got: %s", u.Scheme)
	}

	host := u.Hostname()
	if host == "" {
		return fmt.Errorf("URL has no host")
	}
	if isPrivateHost(host) {
		return fmt.Errorf("access to private/loopback addresses is denied: %s", host)
	}

	domain := strings.ToLower(host)
	for _, d := range t.cfg.DeniedDomains {
		if domainMatch(domain, d) {
			return fmt.Errorf("domain %s is denied", domain)
		}
	}

	if len(t.cfg.AllowedDomains) > 0 {
		for _, d := range t.cfg.AllowedDomains {
			if domainMatch(domain, d) {
				return nil
			}
		}
		return fmt.Errorf("domain %s is not in allowed list", domain)
	}
	return nil
}

func domainMatch(domain, pattern string) bool {
	p := strings.ToLower(pattern)
	return p == domain || strings.HasSuffix(domain, "."+p)
}

// isPrivateHost returns true for loopback, private, and link-local addresses.
// Hostnames are not resolved; the domain lists cover those.
func isPrivateHost(host string) bool {
	lower := strings.ToLower(host)
	if lower == "localhost" || strings.HasSuffix(lower, ".localhost") || lower == "ip6-localhost" || lower == "ip6-loopback" {
		return true
	}

	ip := net.ParseIP(host)
	if ip == nil {
		return false
	}
	return ip.IsLoopback() || ip.IsPrivate() || ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() || ip.IsUnspecified()
}

// truncateBytes cuts s to at most max bytes on a rune boundary.
func truncateBytes(s string, max int) string {
	if len(s) <= max {
		return s
	}
	cut := max
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "\n... (content truncated)"
}

// Close shuts down the browser if it was started.
func (t *ReadPageTool) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.browser == nil {
		return nil
	}
	err := t.browser.Close()
	t.browser = nil
	return err
}
