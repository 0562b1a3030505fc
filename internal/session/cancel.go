package session

import (
	"context"
	"sync"
)

// Handle identifies one in-flight turn.
type Handle struct {
	cancel context.CancelFunc
}

// Cancels maps a conversation key to the cancel func of its in-flight turn.
type Cancels struct {
	mu      sync.Mutex
	current map[string]*Handle
}

func NewCancels() *Cancels {
	return &Cancels{current: make(map[string]*Handle)}
}

// Begin cancels any turn already running for key and registers a new one.
// The returned context is cancelled by Cancel, by a later Begin, or by End.
func (c *Cancels) Begin(parent context.Context, key string) (context.Context, *Handle) {
	ctx, cancel := context.WithCancel(parent)
	h := &Handle{cancel: cancel}

	c.mu.Lock()
	prev := c.current[key]
	c.current[key] = h
	c.mu.Unlock()

	if prev != nil {
		prev.cancel()
	}
	return ctx, h
}

// Cancel stops the turn running for key. It reports whether there was one.
func (c *Cancels) Cancel(key string) bool {
	c.mu.Lock()
	h := c.current[key]
	delete(c.current, key)
	c.mu.Unlock()

	if h == nil {
		return false
	}
	h.cancel()
	return true
}

// End releases h. The registry entry is removed only if h is still current.
func (c *Cancels) End(key string, h *Handle) {
	c.mu.Lock()
	if c.current[key] == h {
		delete(c.current, key)
	}
	c.mu.Unlock()
	h.cancel()
}

// Active reports whether a turn is registered for key.
func (c *Cancels) Active(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current[key] != nil
}
