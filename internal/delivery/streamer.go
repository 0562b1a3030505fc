package delivery

import (
	"context"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"parley/internal/channel"
	"parley/internal/config"
)

const (
	defaultPlaceholder  = "…"
	defaultEditInterval = 1200 * time.Millisecond
	typingInterval      = 4 * time.Second

	// StoppedSuffix marks output cut short by cancellation.
	StoppedSuffix = " [stopped]"
)

// Options tune a Streamer.
type Options struct {
	Placeholder  string
	EditInterval time.Duration
	MaxLen       int
	RevealSteps  int
	RevealDelay  time.Duration
}

// OptionsFromConfig converts the delivery config section.
func OptionsFromConfig(cfg config.DeliveryConfig) Options {
	return Options{
		Placeholder:  cfg.Placeholder,
		EditInterval: time.Duration(cfg.EditIntervalMs) * time.Millisecond,
		MaxLen:       cfg.MaxMessageLen,
		RevealSteps:  cfg.RevealSteps,
		RevealDelay:  time.Duration(cfg.RevealDelayMs) * time.Millisecond,
	}
}

// Result describes what the user ended up seeing.
type Result struct {
	Text    string // visible text, including StoppedSuffix when stopped
	Stopped bool
	Chunks  int
}

// Streamer delivers one reply: a placeholder, throttled partial edits while
// deltas arrive, then the final text split into chunks.
type Streamer struct {
	out    channel.Outbound
	chatID string
	opts   Options
	logger *zap.Logger

	mu         sync.Mutex
	ref        channel.MessageRef
	started    bool
	buf        strings.Builder
	live       bool
	shown      string
	throttle   *rate.Sometimes
	stopTyping context.CancelFunc
	typingDone chan struct{}
}

// NewStreamer prepares a reply to chatID on out.
func NewStreamer(out channel.Outbound, chatID string, opts Options, logger *zap.Logger) *Streamer {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.Placeholder == "" {
		opts.Placeholder = defaultPlaceholder
	}
	if opts.EditInterval <= 0 {
		opts.EditInterval = defaultEditInterval
	}
	if opts.MaxLen <= 0 {
		opts.MaxLen = DefaultMaxLen
	}
	return &Streamer{
		out:      out,
		chatID:   chatID,
		opts:     opts,
		logger:   logger.Named("delivery"),
		throttle: &rate.Sometimes{Interval: opts.EditInterval},
	}
}

// Start posts the placeholder and keeps the typing indicator alive until
// Finish.
func (s *Streamer) Start(ctx context.Context) error {
	_ = s.out.Typing(ctx, s.chatID)
	ref, err := s.out.Send(ctx, channel.OutboundMessage{ChatID: s.chatID, Text: s.opts.Placeholder})
	if err != nil {
		return err
	}

	typingCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})

	s.mu.Lock()
	s.ref = ref
	s.started = true
	s.shown = s.opts.Placeholder
	s.stopTyping = cancel
	s.typingDone = done
	s.mu.Unlock()

	go s.keepTyping(typingCtx, done)
	return nil
}

func (s *Streamer) keepTyping(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(typingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_ = s.out.Typing(ctx, s.chatID)
		}
	}
}

// Delta appends streamed text and edits the placeholder at most once per
// EditInterval. Deltas after ctx is cancelled are dropped.
func (s *Streamer) Delta(ctx context.Context, delta string) {
	if ctx.Err() != nil {
		return
	}
	s.mu.Lock()
	s.buf.WriteString(delta)
	s.live = true
	preview := s.buf.String()
	throttle := s.throttle
	s.mu.Unlock()

	throttle.Do(func() {
		s.edit(ctx, previewText(preview, s.opts.MaxLen))
	})
}

// Reset discards streamed text, used when the cascade falls over to
// another model after partial output.
func (s *Streamer) Reset() {
	s.mu.Lock()
	s.buf.Reset()
	s.throttle = &rate.Sometimes{Interval: s.opts.EditInterval}
	s.mu.Unlock()
}

// Partial returns the text streamed so far.
func (s *Streamer) Partial() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buf.String()
}

// Finish delivers final. When ctx is cancelled at any point the visible
// text is marked with StoppedSuffix and Finish returns without error.
func (s *Streamer) Finish(ctx context.Context, final string) (Result, error) {
	s.haltTyping()

	s.mu.Lock()
	live := s.live
	s.mu.Unlock()

	if ctx.Err() != nil {
		return s.stop(s.Partial()), nil
	}

	chunks := Split(final, s.opts.MaxLen)
	if len(chunks) == 0 {
		chunks = []string{s.opts.Placeholder}
	}

	if !live && s.opts.RevealSteps > 1 {
		if stopped, res := s.reveal(ctx, chunks[0]); stopped {
			return res, nil
		}
	}

	if err := s.edit(ctx, chunks[0]); err != nil {
		return Result{}, err
	}
	delivered := []string{chunks[0]}
	for _, chunk := range chunks[1:] {
		if ctx.Err() != nil {
			return s.stopAfterChunks(delivered), nil
		}
		ref, err := s.out.Send(ctx, channel.OutboundMessage{ChatID: s.chatID, Text: chunk})
		if err != nil {
			return Result{Text: strings.Join(delivered, "\n\n"), Chunks: len(delivered)}, err
		}
		s.mu.Lock()
		s.ref = ref
		s.shown = chunk
		s.mu.Unlock()
		delivered = append(delivered, chunk)
	}
	return Result{Text: strings.Join(delivered, "\n\n"), Chunks: len(delivered)}, nil
}

// reveal shows text in growing slices when nothing was streamed live.
func (s *Streamer) reveal(ctx context.Context, text string) (bool, Result) {
	runes := []rune(text)
	steps := s.opts.RevealSteps
	for i := 1; i < steps; i++ {
		if ctx.Err() != nil {
			return true, s.stop(s.currentShown())
		}
		n := len(runes) * i / steps
		if n == 0 {
			continue
		}
		s.edit(ctx, string(runes[:n]))
		select {
		case <-ctx.Done():
			return true, s.stop(string(runes[:n]))
		case <-time.After(s.opts.RevealDelay):
		}
	}
	return false, Result{}
}

func (s *Streamer) currentShown() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.shown == s.opts.Placeholder {
		return ""
	}
	return s.shown
}

// stop marks the current message as stopped.
func (s *Streamer) stop(partial string) Result {
	text := previewText(strings.TrimRight(partial, " \n"), s.opts.MaxLen-len([]rune(StoppedSuffix))) + StoppedSuffix
	text = strings.TrimLeft(text, " ")
	s.edit(context.Background(), text)
	return Result{Text: text, Stopped: true, Chunks: 1}
}

func (s *Streamer) stopAfterChunks(delivered []string) Result {
	last := delivered[len(delivered)-1] + StoppedSuffix
	s.edit(context.Background(), last)
	delivered[len(delivered)-1] = last
	return Result{Text: strings.Join(delivered, "\n\n"), Stopped: true, Chunks: len(delivered)}
}

func (s *Streamer) edit(ctx context.Context, text string) error {
	if ctx.Err() != nil {
		ctx = context.WithoutCancel(ctx)
	}
	s.mu.Lock()
	if !s.started || text == "" || text == s.shown {
		s.mu.Unlock()
		return nil
	}
	ref := s.ref
	s.mu.Unlock()

	if err := s.out.Edit(ctx, ref, text); err != nil {
		s.logger.Debug("edit failed", zap.String("chat", s.chatID), zap.Error(err))
		return err
	}
	s.mu.Lock()
	s.shown = text
	s.mu.Unlock()
	return nil
}

func (s *Streamer) haltTyping() {
	s.mu.Lock()
	cancel, done := s.stopTyping, s.typingDone
	s.stopTyping = nil
	s.mu.Unlock()
	if cancel != nil {
		cancel()
		<-done
	}
}

// Close stops background work without delivering anything.
func (s *Streamer) Close() {
	s.haltTyping()
}

// previewText truncates text to maxLen runes.
func previewText(text string, maxLen int) string {
	if maxLen <= 0 {
		return text
	}
	return prefixRunes(text, maxLen)
}
