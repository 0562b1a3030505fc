package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"unicode/utf8"

	"go.uber.org/zap"

	"parley/internal/memory"
	"parley/internal/router"
)

// DirectiveKind identifies a command a user can send instead of a question.
type DirectiveKind int

const (
	DirectiveUnknown DirectiveKind = iota
	DirectiveStart
	DirectiveHelp
	DirectiveRemember
	DirectiveReset
	DirectiveStop
	DirectiveModel
	DirectiveModels
	DirectiveTemp
	DirectiveVerbosity
	DirectiveStyle
	DirectiveSettings
	DirectiveExport
)

// Directive is a parsed command.
type Directive struct {
	Kind DirectiveKind
	// Arg is the raw text after the command word.
	Arg string
	// Key and Value are set for remember directives. Key is empty for an
	// unkeyed fact.
	Key   string
	Value string
}

const (
	notePrefix     = "note:"
	maxPinKeyRunes = 40
	maxStyleRunes  = 500
	maxTemperature = 2.0
)

const helpText = `Commands:
/model <key|auto> - choose a model (auto picks one per question)
/models - list models
/temp <0-2|default> - set the sampling temperature
/verbosity <concise|normal|detailed> - set the answer length
/style <text|clear> - set a custom answer style
/settings - show the current settings
/export - download this conversation as JSON
/reset - forget this conversation (settings are kept)
/stop or "stop" - stop the answer being written
remember <key>: <value> or remember that <fact> - pin a fact`

var commands = map[string]DirectiveKind{
	"start":     DirectiveStart,
	"help":      DirectiveHelp,
	"remember":  DirectiveRemember,
	"reset":     DirectiveReset,
	"new":       DirectiveReset,
	"clear":     DirectiveReset,
	"stop":      DirectiveStop,
	"model":     DirectiveModel,
	"models":    DirectiveModels,
	"temp":      DirectiveTemp,
	"verbosity": DirectiveVerbosity,
	"style":     DirectiveStyle,
	"settings":  DirectiveSettings,
	"export":    DirectiveExport,
}

// ParseDirective recognizes slash commands, a bare "stop" and "remember"
// statements ("remember that ...", "remember: ..." or "remember key: value").
// Unrecognized slash commands parse as DirectiveUnknown.
func ParseDirective(text string) (Directive, bool) {
	s := strings.TrimSpace(text)
	if s == "" {
		return Directive{}, false
	}

	if strings.HasPrefix(s, "/") {
		word, arg, _ := strings.Cut(s[1:], " ")
		// Telegram appends the bot name in groups: /reset@parley_bot
		word, _, _ = strings.Cut(word, "@")
		kind, ok := commands[strings.ToLower(word)]
		if !ok {
			return Directive{Kind: DirectiveUnknown, Arg: strings.TrimSpace(arg)}, true
		}
		d := Directive{Kind: kind, Arg: strings.TrimSpace(arg)}
		if kind == DirectiveRemember {
			d.Key, d.Value = parseFact(d.Arg)
		}
		return d, true
	}

	lower := strings.ToLower(s)
	if strings.TrimRight(lower, "!. ") == "stop" {
		return Directive{Kind: DirectiveStop}, true
	}
	for _, prefix := range []string{"remember:", "remember that ", "remember "} {
		if !strings.HasPrefix(lower, prefix) {
			continue
		}
		arg := strings.TrimSpace(s[len(prefix):])
		d := Directive{Kind: DirectiveRemember, Arg: arg}
		d.Key, d.Value = parseFact(arg)
		// a bare "remember ..." is often a question ("remember when ...?")
		// and only pins in the key: value form
		if prefix == "remember " && d.Key == "" {
			return Directive{}, false
		}
		return d, true
	}
	return Directive{}, false
}

// parseFact splits "key: value". A colon only makes a key when the part
// before it is short and single-line.
func parseFact(arg string) (key, value string) {
	arg = strings.TrimSpace(arg)
	if k, v, ok := strings.Cut(arg, ":"); ok {
		k, v = strings.TrimSpace(k), strings.TrimSpace(v)
		if k != "" && v != "" && utf8.RuneCountInString(k) <= maxPinKeyRunes && !strings.Contains(k, "\n") {
			return k, v
		}
	}
	return "", arg
}

// noteKey derives a stable pin key for an unkeyed fact.
func noteKey(fact string) string {
	norm := strings.Join(strings.Fields(strings.ToLower(fact)), " ")
	if r := []rune(norm); len(r) > 64 {
		norm = string(r[:64])
	}
	return notePrefix + norm
}

func (a *Agent) runDirective(ctx context.Context, t *turn, d Directive) error {
	a.logger.Debug("directive", zap.String("conversation", t.conv.ChannelKey), zap.Int("kind", int(d.Kind)))

	var (
		text string
		err  error
	)
	switch d.Kind {
	case DirectiveStart:
		a.greet(ctx, t)
		text = "Hi! Ask me anything.\n\n" + helpText
	case DirectiveHelp:
		text = helpText
	case DirectiveRemember:
		return a.remember(ctx, t, d)
	case DirectiveReset:
		if err := a.store.Clear(ctx, t.conv.ID); err != nil {
			return fmt.Errorf("reset conversation: %w", err)
		}
		text = "Conversation cleared. Your settings are kept."
	case DirectiveModel:
		text, err = a.setModel(ctx, t.conv, d.Arg)
	case DirectiveModels:
		text = a.listModels(t.conv)
	case DirectiveTemp:
		text, err = a.setTemperature(ctx, t.conv, d.Arg)
	case DirectiveVerbosity:
		text, err = a.setVerbosity(ctx, t.conv, d.Arg)
	case DirectiveStyle:
		text, err = a.setStyle(ctx, t.conv, d.Arg)
	case DirectiveSettings:
		text, err = a.describeSettings(ctx, t.conv)
	case DirectiveExport:
		return a.export(ctx, t)
	default:
		text = "Unknown command. Send /help for the list."
	}
	if err != nil {
		return err
	}
	return a.reply(ctx, t.out, t.msg.ChatID, text)
}

// remember pins a fact and records the exchange so the model sees it in
// history too.
func (a *Agent) remember(ctx context.Context, t *turn, d Directive) error {
	if d.Value == "" {
		return a.reply(ctx, t.out, t.msg.ChatID, "Tell me what to remember, for example: remember birthday: 12 May")
	}
	key := d.Key
	if key == "" {
		key = noteKey(d.Value)
	}
	if err := a.store.UpsertPin(ctx, t.conv.ID, key, d.Value); err != nil {
		return fmt.Errorf("save pin: %w", err)
	}

	ack := "Got it, I'll remember that."
	if d.Key != "" {
		ack = fmt.Sprintf("Got it, I'll remember %s: %s.", d.Key, d.Value)
	}
	if err := a.persist(ctx, t.conv.ID, memory.RoleUser, t.text); err != nil {
		return err
	}
	return a.answer(ctx, t, ack)
}

func (a *Agent) setModel(ctx context.Context, conv *memory.Conversation, arg string) (string, error) {
	key := strings.ToLower(strings.TrimSpace(arg))
	if key == "" {
		return fmt.Sprintf("Current model: %s. Use /model <key> or /model auto; /models lists the keys.", a.modelLabel(conv)), nil
	}
	if key != router.AutoKey {
		if _, ok := a.router.Profile(key); !ok {
			return fmt.Sprintf("Unknown model %q. Send /models for the list.", arg), nil
		}
		if !a.router.Available(key) {
			return fmt.Sprintf("Model %s is not available right now (its provider is not configured).", key), nil
		}
	}
	if err := a.store.UpdateSettings(ctx, conv.ID, memory.SettingsPatch{ModelKey: &key}); err != nil {
		return "", fmt.Errorf("update model: %w", err)
	}
	conv.ModelKey = key
	return "Model set to " + a.modelLabel(conv) + ".", nil
}

func (a *Agent) modelLabel(conv *memory.Conversation) string {
	key := a.settings(conv).ModelKey
	if key == "" || key == router.AutoKey {
		return "auto"
	}
	if p, ok := a.router.Profile(key); ok && p.Label != "" {
		return fmt.Sprintf("%s (%s)", p.Label, key)
	}
	return key
}

func (a *Agent) listModels(conv *memory.Conversation) string {
	current := a.settings(conv).ModelKey
	var b strings.Builder
	b.WriteString("Models:")
	for _, p := range a.router.Profiles() {
		mark := "  "
		if p.Key == current {
			mark = "* "
		}
		fmt.Fprintf(&b, "\n%s%s - %s (%s/%s)", mark, p.Key, p.Label, p.Provider, p.Model)
		if !a.router.Available(p.Key) {
			b.WriteString(" [unavailable]")
		}
	}
	if current == "" || current == router.AutoKey {
		b.WriteString("\n\nCurrently: auto")
	}
	return b.String()
}

func (a *Agent) setTemperature(ctx context.Context, conv *memory.Conversation, arg string) (string, error) {
	arg = strings.ToLower(strings.TrimSpace(arg))
	var patch memory.SettingsPatch
	var text string
	switch arg {
	case "":
		if conv.Temperature == nil {
			return "Temperature: model default. Use /temp <0-2> to change it.", nil
		}
		return fmt.Sprintf("Temperature: %.2g. Use /temp default to reset it.", *conv.Temperature), nil
	case "default", "reset", "auto":
		patch.ClearTemperature = true
		text = "Temperature reset to the model default."
	default:
		v, err := strconv.ParseFloat(strings.ReplaceAll(arg, ",", "."), 64)
		if err != nil || v < 0 || v > maxTemperature {
			return "Temperature must be a number from 0 to 2.", nil
		}
		patch.Temperature = &v
		text = fmt.Sprintf("Temperature set to %.2g.", v)
	}
	if err := a.store.UpdateSettings(ctx, conv.ID, patch); err != nil {
		return "", fmt.Errorf("update temperature: %w", err)
	}
	return text, nil
}

func (a *Agent) setVerbosity(ctx context.Context, conv *memory.Conversation, arg string) (string, error) {
	v, ok := memory.ParseVerbosity(strings.ToLower(strings.TrimSpace(arg)))
	if !ok {
		return fmt.Sprintf("Verbosity is %s. Choose concise, normal or detailed.", conv.Verbosity), nil
	}
	if err := a.store.UpdateSettings(ctx, conv.ID, memory.SettingsPatch{Verbosity: &v}); err != nil {
		return "", fmt.Errorf("update verbosity: %w", err)
	}
	return "Verbosity set to " + string(v) + ".", nil
}

func (a *Agent) setStyle(ctx context.Context, conv *memory.Conversation, arg string) (string, error) {
	style := strings.TrimSpace(arg)
	switch strings.ToLower(style) {
	case "":
		if conv.Style == "" {
			return "No custom style set. Use /style <text> to set one.", nil
		}
		return "Current style: " + conv.Style, nil
	case "clear", "off", "none", "reset":
		style = ""
	}
	if r := []rune(style); len(r) > maxStyleRunes {
		style = string(r[:maxStyleRunes])
	}
	if err := a.store.UpdateSettings(ctx, conv.ID, memory.SettingsPatch{Style: &style}); err != nil {
		return "", fmt.Errorf("update style: %w", err)
	}
	if style == "" {
		return "Custom style cleared.", nil
	}
	return "Style saved.", nil
}

func (a *Agent) describeSettings(ctx context.Context, conv *memory.Conversation) (string, error) {
	pins, err := a.store.Pins(ctx, conv.ID)
	if err != nil {
		return "", fmt.Errorf("load pins: %w", err)
	}
	count, err := a.store.Count(ctx, conv.ID)
	if err != nil {
		return "", fmt.Errorf("count messages: %w", err)
	}

	temp := "model default"
	if conv.Temperature != nil {
		temp = strconv.FormatFloat(*conv.Temperature, 'g', 3, 64)
	}
	style := conv.Style
	if style == "" {
		style = "none"
	}
	return fmt.Sprintf("Model: %s\nTemperature: %s\nVerbosity: %s\nStyle: %s\nPinned facts: %d\nMessages: %d (%d summarized)",
		a.modelLabel(conv), temp, conv.Verbosity, style, len(pins), count, conv.SummaryWatermark), nil
}

// export sends the conversation snapshot as a JSON document.
func (a *Agent) export(ctx context.Context, t *turn) error {
	snap, err := a.store.Export(ctx, t.conv.ID)
	if err != nil {
		return fmt.Errorf("export conversation: %w", err)
	}
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("encode export: %w", err)
	}
	id := t.conv.ID
	if len(id) > 8 {
		id = id[:8]
	}
	name := "conversation-" + id + ".json"
	if err := t.out.SendDocument(ctx, t.msg.ChatID, name, data, fmt.Sprintf("%d messages, %d pinned facts", len(snap.Messages), len(snap.Pins))); err != nil {
		return fmt.Errorf("send export: %w", err)
	}
	return nil
}
