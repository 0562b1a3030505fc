package delivery

import (
	"context"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"parley/internal/channel"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type recordingOutbound struct {
	mu    sync.Mutex
	sent  []string
	edits map[string][]string
	typed int
}

func newRecordingOutbound() *recordingOutbound {
	return &recordingOutbound{edits: make(map[string][]string)}
}

func (o *recordingOutbound) Send(_ context.Context, msg channel.OutboundMessage) (channel.MessageRef, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.sent = append(o.sent, msg.Text)
	return channel.MessageRef{ChatID: msg.ChatID, ID: strconv.Itoa(len(o.sent))}, nil
}

func (o *recordingOutbound) Edit(_ context.Context, ref channel.MessageRef, text string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.edits[ref.ID] = append(o.edits[ref.ID], text)
	return nil
}

func (o *recordingOutbound) Typing(context.Context, string) error {
	o.mu.Lock()
	o.typed++
	o.mu.Unlock()
	return nil
}

func (o *recordingOutbound) SendSticker(context.Context, string, string) error { return nil }

func (o *recordingOutbound) SendDocument(context.Context, string, string, []byte, string) error {
	return nil
}

func (o *recordingOutbound) lastEdit(id string) string {
	o.mu.Lock()
	defer o.mu.Unlock()
	e := o.edits[id]
	if len(e) == 0 {
		return ""
	}
	return e[len(e)-1]
}

func (o *recordingOutbound) editCount(id string) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.edits[id])
}

func TestSplitBoundaries(t *testing.T) {
	text := strings.Repeat("a", 6) + "\n\n" + strings.Repeat("b", 6)
	assert.Equal(t, []string{"aaaaaa", "bbbbbb"}, Split(text, 10))

	text = "one two three four"
	chunks := Split(text, 9)
	assert.Equal(t, []string{"one two", "three", "four"}, chunks)

	assert.Equal(t, []string{"abcd", "efgh", "ij"}, Split("abcdefghij", 4))
	assert.Nil(t, Split("   ", 10))
	assert.Equal(t, []string{"short"}, Split("short", 4000))
}

func TestSplitRuneSafe(t *testing.T) {
	text := strings.Repeat("ж", 25)
	chunks := Split(text, 10)
	require.Len(t, chunks, 3)
	for _, c := range chunks {
		assert.True(t, utf8.ValidString(c))
		assert.LessOrEqual(t, utf8.RuneCountInString(c), 10)
	}
	assert.Equal(t, text, strings.Join(chunks, ""))
}

func TestSplitPrefersLineOverSpace(t *testing.T) {
	text := "first line here\nsecond part"
	assert.Equal(t, []string{"first line here", "second part"}, Split(text, 20))
}

func TestClean(t *testing.T) {
	markers := []string{"**", "__", "### ", "## ", "# "}
	in := "## Title\n**bold** and __under__\n```\n# comment **kept**\n```\n  ### Sub"
	want := "Title\nbold and under\n```\n# comment **kept**\n```\n  Sub"
	assert.Equal(t, want, Clean(in, markers))
	assert.Equal(t, "a # b", Clean("a # b", markers))
	assert.Equal(t, "x", Clean("x", nil))
}

func TestCleanKeepsInlineCode(t *testing.T) {
	markers := []string{"**", "__", "### ", "## ", "# "}

	in := "Define `__init__` on the class and call `obj.__dict__`. Use **bold** here."
	want := "Define `__init__` on the class and call `obj.__dict__`. Use bold here."
	assert.Equal(t, want, Clean(in, markers))

	assert.Equal(t, "Pass **kwargs through", Clean("Pass **kwargs through", markers))
	assert.Equal(t, "a ** b", Clean("a ** b", markers))
	assert.Equal(t, "``x ` __y__`` and z", Clean("``x ` __y__`` and __z__", markers))
	assert.Equal(t, "`open x and y", Clean("`open __x__ and **y**", markers))
}

func TestStreamerLiveDeltasAndFinish(t *testing.T) {
	out := newRecordingOutbound()
	s := NewStreamer(out, "c", Options{EditInterval: time.Hour, MaxLen: 10}, nil)
	ctx := context.Background()

	require.NoError(t, s.Start(ctx))
	require.Equal(t, []string{"…"}, out.sent)

	s.Delta(ctx, "Hel")
	s.Delta(ctx, "lo")
	// First delta edits immediately; the second is throttled.
	assert.Equal(t, 1, out.editCount("1"))
	assert.Equal(t, "Hel", out.lastEdit("1"))

	res, err := s.Finish(ctx, "Hello world, this is long")
	require.NoError(t, err)
	assert.False(t, res.Stopped)
	assert.Equal(t, "Hello", out.lastEdit("1"))
	assert.Equal(t, []string{"…", "world,", "this is", "long"}, out.sent)
	assert.Equal(t, 4, res.Chunks)
}

func TestStreamerResetDropsPartial(t *testing.T) {
	out := newRecordingOutbound()
	s := NewStreamer(out, "c", Options{EditInterval: time.Hour}, nil)
	ctx := context.Background()
	require.NoError(t, s.Start(ctx))

	s.Delta(ctx, "wrong answer")
	s.Reset()
	assert.Equal(t, "", s.Partial())
	s.Delta(ctx, "right")
	assert.Equal(t, "right", out.lastEdit("1"))

	_, err := s.Finish(ctx, "right answer")
	require.NoError(t, err)
	assert.Equal(t, "right answer", out.lastEdit("1"))
}

func TestStreamerSimulatedReveal(t *testing.T) {
	out := newRecordingOutbound()
	s := NewStreamer(out, "c", Options{RevealSteps: 4, RevealDelay: time.Millisecond}, nil)
	ctx := context.Background()
	require.NoError(t, s.Start(ctx))

	_, err := s.Finish(ctx, "abcdefgh")
	require.NoError(t, err)

	out.mu.Lock()
	edits := append([]string(nil), out.edits["1"]...)
	out.mu.Unlock()
	assert.Equal(t, []string{"ab", "abcd", "abcdef", "abcdefgh"}, edits)
}

func TestStreamerCancelMarksStopped(t *testing.T) {
	out := newRecordingOutbound()
	s := NewStreamer(out, "c", Options{EditInterval: time.Hour}, nil)
	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, s.Start(ctx))

	s.Delta(ctx, "partial answer")
	cancel()
	s.Delta(ctx, " ignored")

	res, err := s.Finish(ctx, "partial answer that never finished")
	require.NoError(t, err)
	assert.True(t, res.Stopped)
	assert.Equal(t, "partial answer [stopped]", res.Text)
	assert.Equal(t, "partial answer [stopped]", out.lastEdit("1"))
}

func TestStreamerCancelBeforeAnyText(t *testing.T) {
	out := newRecordingOutbound()
	s := NewStreamer(out, "c", Options{}, nil)
	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, s.Start(ctx))
	cancel()

	res, err := s.Finish(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, "[stopped]", res.Text)
}
