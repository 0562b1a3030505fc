package session

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"parley/internal/config"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestLocksSerializeSameKey(t *testing.T) {
	l := NewLocks()
	var inside, maxInside int32
	var wg sync.WaitGroup

	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			release, err := l.Acquire(context.Background(), "chat")
			if !assert.NoError(t, err) {
				return
			}
			n := atomic.AddInt32(&inside, 1)
			for {
				m := atomic.LoadInt32(&maxInside)
				if n <= m || atomic.CompareAndSwapInt32(&maxInside, m, n) {
					break
				}
			}
			time.Sleep(time.Millisecond)
			atomic.AddInt32(&inside, -1)
			release()
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), maxInside)
	assert.Equal(t, 0, l.Len())
}

func TestLocksIndependentKeys(t *testing.T) {
	l := NewLocks()
	releaseA, err := l.Acquire(context.Background(), "a")
	require.NoError(t, err)
	defer releaseA()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	releaseB, err := l.Acquire(ctx, "b")
	require.NoError(t, err)
	releaseB()
}

func TestLocksAcquireHonorsContext(t *testing.T) {
	l := NewLocks()
	release, err := l.Acquire(context.Background(), "k")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = l.Acquire(ctx, "k")
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	release()
	release() // second call is a no-op
	assert.Equal(t, 0, l.Len())
}

func TestCancelsBeginReplacesPrevious(t *testing.T) {
	c := NewCancels()
	first, h1 := c.Begin(context.Background(), "k")
	second, h2 := c.Begin(context.Background(), "k")

	assert.ErrorIs(t, first.Err(), context.Canceled)
	assert.NoError(t, second.Err())

	// Ending the stale handle must not drop the current one.
	c.End("k", h1)
	assert.True(t, c.Active("k"))

	c.End("k", h2)
	assert.False(t, c.Active("k"))
	assert.ErrorIs(t, second.Err(), context.Canceled)
}

func TestCancelsCancel(t *testing.T) {
	c := NewCancels()
	assert.False(t, c.Cancel("k"))

	ctx, h := c.Begin(context.Background(), "k")
	assert.True(t, c.Cancel("k"))
	assert.ErrorIs(t, ctx.Err(), context.Canceled)
	assert.False(t, c.Active("k"))
	c.End("k", h)
}

func TestRateLimiterFixedWindow(t *testing.T) {
	r := NewRateLimiter(config.RateLimitConfig{Enabled: true, Requests: 2, WindowSecs: 60})
	now := time.Date(2026, 10, 18, 12, 0, 0, 0, time.UTC)
	r.now = func() time.Time { return now }

	ok, _ := r.Allow("u1")
	assert.True(t, ok)
	ok, _ = r.Allow("u1")
	assert.True(t, ok)

	now = now.Add(15 * time.Second)
	ok, wait := r.Allow("u1")
	assert.False(t, ok)
	assert.Equal(t, 45*time.Second, wait)

	ok, _ = r.Allow("u2")
	assert.True(t, ok)

	now = now.Add(45 * time.Second)
	ok, _ = r.Allow("u1")
	assert.True(t, ok)
}

func TestRateLimiterDisabled(t *testing.T) {
	r := NewRateLimiter(config.RateLimitConfig{Enabled: false, Requests: 1, WindowSecs: 60})
	assert.Nil(t, r)
	for i := 0; i < 5; i++ {
		ok, _ := r.Allow("u")
		assert.True(t, ok)
	}
}

func TestRetryMessage(t *testing.T) {
	assert.Equal(t, "Too many requests. Try again in 45s.", RetryMessage(44200*time.Millisecond))
	assert.Equal(t, "Too many requests. Try again in 1s.", RetryMessage(0))
}
