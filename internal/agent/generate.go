package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"parley/internal/delivery"
	"parley/internal/eventbus"
	"parley/internal/intent"
	"parley/internal/llm"
	"parley/internal/memory"
	"parley/internal/retrieval"
	"parley/internal/router"
)

const defaultToolRounds = 2

// converse answers a regular chat message.
func (a *Agent) converse(ctx context.Context, t *turn) error {
	conv := t.conv
	cls := a.classifier.Explain(t.text)
	t.event.Intent = string(cls.Intent)

	history, total, err := a.history(ctx, conv)
	if err != nil {
		return fmt.Errorf("load history: %w", err)
	}
	if total == 0 {
		a.greet(ctx, t)
	}

	if err := a.persist(ctx, conv.ID, memory.RoleUser, t.text); err != nil {
		return err
	}

	if cls.Intent == intent.Ambiguous {
		a.finish(t, eventbus.TopicTurnCompleted)
		return a.answer(ctx, t, cls.Clarification)
	}

	grounding, err := a.ground(ctx, t.text, cls.Intent)
	if errors.Is(err, retrieval.ErrGroundingUnavailable) {
		t.event.Reason = eventbus.ReasonGrounding
		a.finish(t, eventbus.TopicTurnRejected)
		return a.answer(ctx, t, GroundingMessage)
	}

	p := a.assemble(conv, a.pins(ctx, conv.ID), history, grounding, t.text)
	targets := router.Targets(a.router.Route(a.settings(conv), "", cls.Intent, t.text))

	s := delivery.NewStreamer(t.out, t.msg.ChatID, a.opts, a.logger)
	if err := s.Start(ctx); err != nil {
		return fmt.Errorf("send placeholder: %w", err)
	}
	defer s.Close()

	resp, target, err := a.generate(ctx, s, targets, p, a.toolEligible(t.text))
	if err != nil && ctx.Err() == nil {
		t.event.Reason = eventbus.ReasonExhausted
		a.finish(t, eventbus.TopicTurnRejected)
		if _, ferr := s.Finish(ctx, ExhaustedMessage); ferr != nil {
			return fmt.Errorf("deliver reply: %w", ferr)
		}
		return nil
	}

	final := ""
	if resp != nil {
		final = delivery.Clean(resp.Text, a.cfg.Delivery.StripMarkers)
		t.event.ModelKey = target.ModelKey
	}
	res, ferr := s.Finish(ctx, final)

	// The reply is persisted even when the turn was stopped or timed out.
	persistCtx := context.WithoutCancel(ctx)
	stored := final
	if res.Stopped {
		stored = res.Text
		if stoppedEmpty(res.Text) {
			stored = ""
		}
	}
	if stored != "" {
		if err := a.persist(persistCtx, conv.ID, memory.RoleAssistant, stored); err != nil {
			a.logger.Error("failed to persist reply", zap.String("conversation", conv.ID), zap.Error(err))
		}
	}
	if ferr != nil {
		return fmt.Errorf("deliver reply: %w", ferr)
	}

	if res.Stopped {
		a.finish(t, eventbus.TopicTurnCancelled)
	} else {
		a.finish(t, eventbus.TopicTurnCompleted)
	}
	a.summarizeAsync(conv.ID)
	return nil
}

// answer sends a fixed reply and stores it as the assistant message.
func (a *Agent) answer(ctx context.Context, t *turn, text string) error {
	if err := a.reply(ctx, t.out, t.msg.ChatID, text); err != nil {
		return err
	}
	return a.persist(ctx, t.conv.ID, memory.RoleAssistant, text)
}

func (a *Agent) persist(ctx context.Context, convID string, role memory.Role, content string) error {
	if _, err := a.store.Append(ctx, convID, memory.Message{Role: role, Content: content}); err != nil {
		return fmt.Errorf("persist %s message: %w", role, err)
	}
	return nil
}

// greet sends the configured sticker on first contact.
func (a *Agent) greet(ctx context.Context, t *turn) {
	if a.cfg.Bot.GreetingSticker == "" {
		return
	}
	if err := t.out.SendSticker(ctx, t.msg.ChatID, a.cfg.Bot.GreetingSticker); err != nil {
		a.logger.Debug("greeting sticker failed", zap.Error(err))
	}
}

// ground fetches live data for time-sensitive prompts. Only
// retrieval.ErrGroundingUnavailable is returned; other failures leave the
// turn ungrounded.
func (a *Agent) ground(ctx context.Context, text string, in intent.Intent) (*retrieval.Grounding, error) {
	if a.grounder == nil {
		return nil, nil
	}
	opts := retrieval.GroundOptions{TemporallySensitive: a.classifier.TemporallySensitive(text, in)}
	if !a.grounder.Gate(text, opts) {
		return nil, nil
	}

	g, err := a.grounder.Ground(ctx, text, opts)
	ev := eventbus.RetrievalEvent{Failed: err != nil}
	if g != nil {
		ev.Cached = g.Cached
		ev.Documents = len(g.Documents)
	}
	a.publish(eventbus.TopicRetrieval, ev)

	if err != nil && !errors.Is(err, retrieval.ErrGroundingUnavailable) {
		a.logger.Warn("retrieval failed", zap.Error(err))
		return nil, nil
	}
	return g, err
}

func (a *Agent) toolEligible(text string) bool {
	return a.cfg.Tools.Enabled && a.tools != nil && a.tools.Len() > 0 && a.classifier.ToolEligible(text)
}

// generate produces the reply: an optional tool sub-loop, then the
// streaming cascade, then continuation of truncated output.
func (a *Agent) generate(ctx context.Context, s *delivery.Streamer, targets []llm.Target, p *prompt, useTools bool) (*llm.Response, llm.Target, error) {
	var (
		resp   *llm.Response
		target llm.Target
	)
	if useTools {
		var notes []string
		resp, target, notes = a.toolLoop(ctx, targets, p)
		p = p.withToolResults(notes)
	}

	if resp == nil {
		res, err := a.cascade.Run(ctx, llm.CascadeRequest{
			Targets:      targets,
			SystemPrompt: p.system,
			Messages:     p.messages,
			Stream:       true,
			OnDelta:      func(d string) { s.Delta(ctx, d) },
			OnReset:      s.Reset,
		})
		if err != nil {
			if ctx.Err() == nil {
				a.logger.Warn("all candidates failed",
					zap.Strings("attempts", attemptLog(res)),
					zap.Error(err))
			}
			return nil, llm.Target{}, err
		}
		resp, target = res.Response, res.Target
	}

	resp, rounds := a.cascade.Continue(ctx, target, p.system, p.messages, resp)
	if rounds > 0 {
		a.logger.Debug("continued truncated reply", zap.Int("rounds", rounds), zap.String("target", target.String()))
	}
	return resp, target, nil
}

// toolLoop lets the model call tools for up to the configured number of
// rounds. It returns the model's reply when it answered without asking for
// more tools, and otherwise the tool output to add to the main generation.
func (a *Agent) toolLoop(ctx context.Context, targets []llm.Target, p *prompt) (*llm.Response, llm.Target, []string) {
	rounds := a.cfg.Tools.MaxRounds
	if rounds <= 0 {
		rounds = defaultToolRounds
	}
	defs := a.tools.Definitions()
	msgs := append([]llm.Message(nil), p.messages...)

	var notes []string
	for round := 0; round < rounds; round++ {
		res, err := a.cascade.Run(ctx, llm.CascadeRequest{
			Targets:      targets,
			SystemPrompt: p.system,
			Messages:     msgs,
			Tools:        defs,
		})
		if err != nil {
			a.logger.Debug("tool round failed", zap.Int("round", round), zap.Error(err))
			break
		}
		if len(res.Response.ToolCalls) == 0 {
			return res.Response, res.Target, nil
		}

		msgs = append(msgs, llm.Message{Role: llm.RoleAssistant, Content: res.Response.Text, ToolCalls: res.Response.ToolCalls})
		for _, call := range res.Response.ToolCalls {
			out := a.tools.Execute(ctx, call)
			msgs = append(msgs, out)
			a.publish(eventbus.TopicToolCall, eventbus.ToolEvent{
				Name:    call.Name,
				IsError: strings.HasPrefix(out.Content, "error: "),
			})
			notes = append(notes, fmt.Sprintf("%s %s:\n%s", call.Name, string(call.Arguments), out.Content))
		}
	}
	return nil, llm.Target{}, notes
}

func attemptLog(res *llm.CascadeResult) []string {
	if res == nil {
		return nil
	}
	out := make([]string, len(res.Attempts))
	for i, at := range res.Attempts {
		out[i] = at.Target.String() + ": " + at.ErrorType.String()
	}
	return out
}

// stoppedEmpty reports whether a stopped reply carries no model text.
func stoppedEmpty(text string) bool {
	return strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(text), strings.TrimSpace(delivery.StoppedSuffix))) == ""
}
