package channel

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strconv"
	"sync"
	"time"
)

// ConsoleChannel reads from stdin and writes to stdout. Edits are printed
// as a replacement line.
type ConsoleChannel struct {
	mu      sync.Mutex
	in      io.Reader
	out     io.Writer
	handler func(InboundMessage)
	running bool
	cancel  context.CancelFunc
	nextID  int
	sent    map[string]string
	done    chan struct{}
}

func NewConsoleChannel() *ConsoleChannel {
	return NewConsoleChannelIO(os.Stdin, os.Stdout)
}

// NewConsoleChannelIO creates a console channel on the given streams. Turns
// are handled one at a time so output stays readable.
func NewConsoleChannelIO(in io.Reader, out io.Writer) *ConsoleChannel {
	return &ConsoleChannel{in: in, out: out, sent: make(map[string]string), done: make(chan struct{})}
}

// Done is closed when the input is exhausted or the channel is stopped.
func (c *ConsoleChannel) Done() <-chan struct{} { return c.done }

func (c *ConsoleChannel) Name() string { return "console" }

func (c *ConsoleChannel) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.running {
		return nil
	}

	ctx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.running = true

	go c.readLoop(ctx)
	return nil
}

func (c *ConsoleChannel) Stop(_ context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.cancel != nil {
		c.cancel()
	}
	c.running = false
	return nil
}

func (c *ConsoleChannel) Send(_ context.Context, msg OutboundMessage) (MessageRef, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextID++
	id := strconv.Itoa(c.nextID)
	c.sent[id] = msg.Text
	fmt.Fprintf(c.out, "\n[bot]: %s\n", msg.Text)
	return MessageRef{ChatID: msg.ChatID, ID: id}, nil
}

func (c *ConsoleChannel) Edit(_ context.Context, ref MessageRef, text string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sent[ref.ID] == text {
		return nil
	}
	c.sent[ref.ID] = text
	fmt.Fprintf(c.out, "[bot #%s]: %s\n", ref.ID, text)
	return nil
}

func (c *ConsoleChannel) Typing(context.Context, string) error { return nil }

func (c *ConsoleChannel) SendSticker(_ context.Context, _ string, stickerID string) error {
	fmt.Fprintf(c.out, "[bot sticker %s]\n", stickerID)
	return nil
}

func (c *ConsoleChannel) SendDocument(_ context.Context, _ string, fileName string, data []byte, caption string) error {
	fmt.Fprintf(c.out, "[bot document %s, %d bytes] %s\n%s\n", fileName, len(data), caption, data)
	return nil
}

func (c *ConsoleChannel) OnMessage(handler func(InboundMessage)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handler = handler
}

func (c *ConsoleChannel) IsRunning() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.running
}

func (c *ConsoleChannel) readLoop(ctx context.Context) {
	defer close(c.done)
	scanner := bufio.NewScanner(c.in)
	fmt.Fprint(c.out, "> ")

	for scanner.Scan() {
		if ctx.Err() != nil {
			return
		}
		text := scanner.Text()
		if text == "" {
			fmt.Fprint(c.out, "> ")
			continue
		}

		c.mu.Lock()
		handler := c.handler
		c.mu.Unlock()

		if handler != nil {
			msg := InboundMessage{
				ChannelName:     c.Name(),
				ConversationKey: ConversationKey(c.Name(), "local", "local", false, false),
				ChatID:          "local",
				SenderID:        "local",
				SenderName:      "User",
				Text:            text,
				Timestamp:       time.Now(),
			}
			handler(msg)
		}
		fmt.Fprint(c.out, "\n> ")
	}
}
