// Package agent runs conversation turns: it owns the per-conversation
// locks, cancellation handles and rate limiter, and drives each inbound
// message through moderation, directives, context assembly, generation and
// delivery.
package agent

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"parley/internal/channel"
	"parley/internal/config"
	"parley/internal/delivery"
	"parley/internal/eventbus"
	"parley/internal/intent"
	"parley/internal/llm"
	"parley/internal/memory"
	"parley/internal/moderation"
	"parley/internal/retrieval"
	"parley/internal/router"
	"parley/internal/security"
	"parley/internal/session"
	"parley/internal/tool"
)

// User-facing messages.
const (
	ExhaustedMessage   = "All models are unavailable right now. Please try again in a moment, or check the bot configuration."
	GroundingMessage   = "I couldn't verify up-to-date information for that right now. Please try again in a moment."
	UnauthorizedReply  = "Sorry, you are not allowed to use this bot."
	defaultTurnTimeout = 3 * time.Minute
)

// Grounder is the part of retrieval.Engine a turn needs.
type Grounder interface {
	Gate(prompt string, opts retrieval.GroundOptions) bool
	Ground(ctx context.Context, prompt string, opts retrieval.GroundOptions) (*retrieval.Grounding, error)
}

// Summarizer compacts old history after a turn has been delivered.
type Summarizer interface {
	MaybeSummarize(ctx context.Context, convID string) bool
}

// Deps are the collaborators of an Agent. Retrieval, Tools, Summarizer,
// Moderator, Authorizer, Limiter and Bus are optional.
type Deps struct {
	Config     *config.Config
	Store      memory.Store
	Classifier *intent.Classifier
	Router     *router.Router
	Cascade    *llm.Cascade
	Retrieval  Grounder
	Tools      *tool.Registry
	Summarizer Summarizer
	Moderator  moderation.Moderator
	Redactor   *moderation.Redactor
	Authorizer *security.Authorizer
	Limiter    *session.RateLimiter
	Bus        *eventbus.Bus
	Logger     *zap.Logger
}

// Agent handles turns for every channel. It is safe for concurrent use.
type Agent struct {
	cfg        *config.Config
	store      memory.Store
	classifier *intent.Classifier
	router     *router.Router
	cascade    *llm.Cascade
	grounder   Grounder
	tools      *tool.Registry
	summarizer Summarizer
	moderator  moderation.Moderator
	redactor   *moderation.Redactor
	auth       *security.Authorizer
	limiter    *session.RateLimiter
	bus        *eventbus.Bus
	logger     *zap.Logger

	locks   *session.Locks
	cancels *session.Cancels
	opts    delivery.Options
	timeout time.Duration

	// background work (summaries) outlives the turn but not the agent
	bgCtx    context.Context
	bgCancel context.CancelFunc
	bg       sync.WaitGroup
}

// New creates an Agent.
func New(d Deps) *Agent {
	logger := d.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	moderator := d.Moderator
	if moderator == nil {
		moderator = moderation.Allow{}
	}
	timeout := defaultTurnTimeout
	if d.Config.Bot.TurnTimeoutSecs > 0 {
		timeout = time.Duration(d.Config.Bot.TurnTimeoutSecs) * time.Second
	}
	bgCtx, bgCancel := context.WithCancel(context.Background())

	a := &Agent{
		cfg:        d.Config,
		store:      d.Store,
		classifier: d.Classifier,
		router:     d.Router,
		cascade:    d.Cascade,
		grounder:   d.Retrieval,
		tools:      d.Tools,
		summarizer: d.Summarizer,
		moderator:  moderator,
		redactor:   d.Redactor,
		auth:       d.Authorizer,
		limiter:    d.Limiter,
		bus:        d.Bus,
		logger:     logger.Named("agent"),
		locks:      session.NewLocks(),
		cancels:    session.NewCancels(),
		opts:       delivery.OptionsFromConfig(d.Config.Delivery),
		timeout:    timeout,
		bgCtx:      bgCtx,
		bgCancel:   bgCancel,
	}

	if a.bus != nil {
		a.cascade.OnAttempt(func(at llm.Attempt) {
			a.bus.Publish(eventbus.TopicCascadeAttempt, eventbus.AttemptEvent{
				Provider:  at.Target.Provider,
				Model:     at.Target.Model,
				ErrorType: at.ErrorType.String(),
				Success:   at.Succeeded(),
				Duration:  at.Duration,
			})
		})
	}
	return a
}

// Start routes every inbound message of mgr's channels to HandleTurn.
func (a *Agent) Start(ctx context.Context, mgr *channel.Manager) {
	mgr.OnMessage(func(msg channel.InboundMessage) {
		ch, ok := mgr.Get(msg.ChannelName)
		if !ok {
			a.logger.Warn("message from unknown channel", zap.String("channel", msg.ChannelName))
			return
		}
		if err := a.HandleTurn(ctx, ch, msg); err != nil {
			a.logger.Error("turn failed",
				zap.String("channel", msg.ChannelName),
				zap.String("conversation", msg.ConversationKey),
				zap.Error(err))
		}
	})
	a.logger.Info("started and listening for messages", zap.Strings("channels", mgr.Names()))
}

// Stop cancels background work and waits for it to finish.
func (a *Agent) Stop() {
	a.bgCancel()
	a.bg.Wait()
}

// Wait blocks until background work started so far has finished.
func (a *Agent) Wait() {
	a.bg.Wait()
}

// Store returns the conversation store.
func (a *Agent) Store() memory.Store { return a.store }

func (a *Agent) publish(topic eventbus.Topic, payload any) {
	a.bus.Publish(topic, payload)
}

// summarizeAsync runs the summarizer off the turn path.
func (a *Agent) summarizeAsync(convID string) {
	if a.summarizer == nil {
		return
	}
	a.bg.Add(1)
	go func() {
		defer a.bg.Done()
		updated := a.summarizer.MaybeSummarize(a.bgCtx, convID)
		a.publish(eventbus.TopicSummary, eventbus.SummaryEvent{ConversationID: convID, Updated: updated})
	}()
}

func (a *Agent) redact(text string) string {
	return a.redactor.Redact(text)
}
