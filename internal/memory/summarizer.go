package memory

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"parley/internal/config"
	"parley/internal/llm"
)

const (
	summarizerPrompt = "You are a conversation summarizer. Merge the previous summary and the new messages into one brief, factual summary. Keep names, preferences, decisions and open questions. Write in the conversation's language."

	defaultKeepLast        = 12
	defaultMinNew          = 8
	defaultMaxMessageChars = 800
	defaultSummaryTokens   = 400
	defaultSummaryTimeout  = 45 * time.Second
	summaryTemperature     = 0.2
)

// Runner is the part of llm.Cascade the summarizer needs.
type Runner interface {
	Run(ctx context.Context, req llm.CascadeRequest) (*llm.CascadeResult, error)
}

// Summarizer folds older messages into the conversation's rolling summary.
type Summarizer struct {
	store    Store
	runner   Runner
	targets  []llm.Target
	keepLast int
	minNew   int
	maxChars int
	timeout  time.Duration
	logger   *zap.Logger

	mu       sync.Mutex
	inFlight map[string]bool
}

// NewSummarizer creates a summarizer that calls targets (usually the cheap
// summary model first) through runner.
func NewSummarizer(store Store, runner Runner, targets []llm.Target, cfg config.SummarizerConfig, logger *zap.Logger) *Summarizer {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Summarizer{
		store:    store,
		runner:   runner,
		targets:  append([]llm.Target(nil), targets...),
		keepLast: cfg.KeepLast,
		minNew:   cfg.MinNew,
		maxChars: cfg.MaxMessageChars,
		timeout:  time.Duration(cfg.TimeoutSecs) * time.Second,
		logger:   logger.Named("summarizer"),
		inFlight: make(map[string]bool),
	}
	if s.keepLast <= 0 {
		s.keepLast = defaultKeepLast
	}
	if s.minNew <= 0 {
		s.minNew = defaultMinNew
	}
	if s.maxChars <= 0 {
		s.maxChars = defaultMaxMessageChars
	}
	if s.timeout <= 0 {
		s.timeout = defaultSummaryTimeout
	}
	maxTokens := cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultSummaryTokens
	}
	for i := range s.targets {
		s.targets[i].MaxTokens = maxTokens
		s.targets[i].Temperature = summaryTemperature
	}
	return s
}

// MaybeSummarize updates the summary of convID when enough messages have
// accumulated beyond the watermark. It reports whether a new summary was
// stored. Failures are logged, never returned; a call made while another is
// running for the same conversation is a no-op.
func (s *Summarizer) MaybeSummarize(ctx context.Context, convID string) bool {
	if !s.begin(convID) {
		return false
	}
	defer s.end(convID)

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	done, err := s.summarize(ctx, convID)
	if err != nil {
		s.logger.Warn("summarization failed", zap.String("conversation", convID), zap.Error(err))
		return false
	}
	return done
}

func (s *Summarizer) begin(convID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.inFlight[convID] {
		return false
	}
	s.inFlight[convID] = true
	return true
}

func (s *Summarizer) end(convID string) {
	s.mu.Lock()
	delete(s.inFlight, convID)
	s.mu.Unlock()
}

func (s *Summarizer) summarize(ctx context.Context, convID string) (bool, error) {
	if len(s.targets) == 0 {
		return false, nil
	}
	conv, err := s.store.Get(ctx, convID)
	if err != nil {
		return false, err
	}
	n, err := s.store.Count(ctx, convID)
	if err != nil {
		return false, err
	}
	cutoff := n - s.keepLast
	if cutoff-conv.SummaryWatermark < s.minNew {
		return false, nil
	}

	all, err := s.store.All(ctx, convID)
	if err != nil {
		return false, err
	}
	if cutoff > len(all) {
		cutoff = len(all)
	}
	slice := all[conv.SummaryWatermark:cutoff]

	res, err := s.runner.Run(ctx, llm.CascadeRequest{
		Targets:      s.targets,
		SystemPrompt: summarizerPrompt,
		Messages: []llm.Message{
			{Role: llm.RoleUser, Content: s.prompt(conv.Summary, slice)},
		},
	})
	if err != nil {
		return false, fmt.Errorf("summary model: %w", err)
	}
	summary := strings.TrimSpace(res.Response.Text)
	if summary == "" {
		return false, fmt.Errorf("summary model returned no text")
	}

	err = s.store.UpdateSummary(ctx, convID, SummaryUpdate{
		Summary: summary,
		From:    conv.SummaryWatermark,
		To:      cutoff,
		Epoch:   conv.Epoch,
	})
	if errors.Is(err, ErrStaleSummary) {
		s.logger.Debug("summary discarded", zap.String("conversation", convID), zap.Error(err))
		return false, nil
	}
	if err != nil {
		return false, err
	}
	s.logger.Debug("summary updated",
		zap.String("conversation", convID),
		zap.Int("watermark", cutoff),
		zap.String("target", res.Target.String()))
	return true, nil
}

func (s *Summarizer) prompt(previous string, msgs []Message) string {
	var b strings.Builder
	if previous != "" {
		b.WriteString("Previous summary:\n")
		b.WriteString(previous)
		b.WriteString("\n\n")
	}
	b.WriteString("New messages:\n")
	for _, m := range msgs {
		content := m.Content
		if r := []rune(content); len(r) > s.maxChars {
			content = string(r[:s.maxChars]) + "…"
		}
		b.WriteString(string(m.Role))
		b.WriteString(": ")
		b.WriteString(content)
		b.WriteString("\n")
	}
	return b.String()
}
