package guard

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chanpost/internal/cache"
	"chanpost/internal/transport"
)

func newMem(t *testing.T) *cache.Memory {
	t.Helper()
	m, err := cache.NewMemory(0)
	require.NoError(t, err)
	return m
}

type fakeSleep struct {
	mu    sync.Mutex
	total time.Duration
	calls int
}

func (f *fakeSleep) sleep(_ context.Context, d time.Duration) error {
	f.mu.Lock()
	f.total += d
	f.calls++
	f.mu.Unlock()
	return nil
}

func TestIdempotentWithinTTL(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	g := New(newMem(t))

	var calls atomic.Int32
	send := func(context.Context, transport.Payload) (transport.SendResult, error) {
		calls.Add(1)
		return transport.SendResult{MessageID: "101"}, nil
	}

	first := g.SendWithGuards(ctx, "delivery:a", transport.Payload{Text: "hi"}, send, time.Minute, time.Second)
	require.True(t, first.Success)
	assert.False(t, first.Duplicate)
	assert.Equal(t, "101", first.MessageID)

	second := g.SendWithGuards(ctx, "delivery:a", transport.Payload{Text: "hi"}, send, time.Minute, time.Second)
	require.True(t, second.Success)
	assert.True(t, second.Duplicate)
	assert.Equal(t, "101", second.MessageID)
	assert.Equal(t, int32(1), calls.Load())

	other := g.SendWithGuards(ctx, "delivery:b", transport.Payload{Text: "hi"}, send, time.Minute, time.Second)
	assert.False(t, other.Duplicate)
	assert.Equal(t, int32(2), calls.Load())
}

func TestConcurrentCallsShareOneSend(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	g := New(newMem(t))

	var calls atomic.Int32
	release := make(chan struct{})
	send := func(context.Context, transport.Payload) (transport.SendResult, error) {
		calls.Add(1)
		<-release
		return transport.SendResult{MessageID: "7"}, nil
	}

	const n = 8
	results := make([]Result, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = g.SendWithGuards(ctx, "delivery:x", transport.Payload{}, send, time.Minute, 0)
		}(i)
	}
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), calls.Load())
	fresh := 0
	for _, r := range results {
		require.True(t, r.Success)
		assert.Equal(t, "7", r.MessageID)
		if !r.Duplicate {
			fresh++
		}
	}
	assert.Equal(t, 1, fresh)
}

func TestRateLimitBoundedByMaxWait(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	fs := &fakeSleep{}
	g := New(newMem(t), WithSleep(fs.sleep))

	var calls atomic.Int32
	send := func(context.Context, transport.Payload) (transport.SendResult, error) {
		calls.Add(1)
		return transport.SendResult{}, &transport.RateLimitError{After: 1000 * time.Second}
	}

	start := time.Now()
	res := g.SendWithGuards(ctx, "delivery:rl", transport.Payload{}, send, time.Minute, 5*time.Second)
	assert.Less(t, time.Since(start), time.Second)
	assert.False(t, res.Success)
	assert.True(t, res.RateLimited)
	require.Error(t, res.Err)
	assert.Equal(t, int32(1), calls.Load())
	assert.Zero(t, fs.calls, "a wait beyond the budget is never started")

	// Failures are not cached: the next call sends again.
	_ = g.SendWithGuards(ctx, "delivery:rl", transport.Payload{}, send, time.Minute, 5*time.Second)
	assert.Equal(t, int32(2), calls.Load())
}

func TestRateLimitRetriesWithinBudget(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	fs := &fakeSleep{}
	g := New(newMem(t), WithSleep(fs.sleep))

	var calls atomic.Int32
	send := func(context.Context, transport.Payload) (transport.SendResult, error) {
		if calls.Add(1) <= 2 {
			return transport.SendResult{}, &transport.RateLimitError{After: 2 * time.Second}
		}
		return transport.SendResult{MessageID: "55"}, nil
	}

	res := g.SendWithGuards(ctx, "delivery:ok", transport.Payload{}, send, time.Minute, 5*time.Second)
	require.True(t, res.Success)
	assert.Equal(t, "55", res.MessageID)
	assert.Equal(t, 4*time.Second, res.Waited)
	assert.Equal(t, 4*time.Second, fs.total)
	assert.Equal(t, int32(3), calls.Load())
}

func TestCumulativeWaitExhausts(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	fs := &fakeSleep{}
	g := New(newMem(t), WithSleep(fs.sleep))

	send := func(context.Context, transport.Payload) (transport.SendResult, error) {
		return transport.SendResult{}, &transport.RateLimitError{After: 2 * time.Second}
	}
	res := g.SendWithGuards(ctx, "delivery:cum", transport.Payload{}, send, time.Minute, 5*time.Second)
	assert.True(t, res.RateLimited)
	assert.Equal(t, 4*time.Second, fs.total, "two waits fit, the third would exceed 5s")
}

func TestPermanentErrorNotCached(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	g := New(newMem(t))

	var calls atomic.Int32
	boom := &transport.PermanentError{Reason: "forbidden"}
	send := func(context.Context, transport.Payload) (transport.SendResult, error) {
		calls.Add(1)
		return transport.SendResult{}, boom
	}
	for i := 0; i < 2; i++ {
		res := g.SendWithGuards(ctx, "delivery:p", transport.Payload{}, send, time.Minute, time.Second)
		assert.False(t, res.Success)
		assert.False(t, res.RateLimited)
		assert.True(t, errors.Is(res.Err, boom))
	}
	assert.Equal(t, int32(2), calls.Load())
}

func TestSurvivesRestartWithPersistentCache(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	c := newMem(t)

	send := func(context.Context, transport.Payload) (transport.SendResult, error) {
		return transport.SendResult{MessageID: "9"}, nil
	}
	require.True(t, New(c).SendWithGuards(ctx, "delivery:r", transport.Payload{}, send, time.Minute, 0).Success)

	// A fresh guard over the same cache stands in for a restarted process.
	res := New(c).SendWithGuards(ctx, "delivery:r", transport.Payload{}, func(context.Context, transport.Payload) (transport.SendResult, error) {
		t.Fatal("must not send again")
		return transport.SendResult{}, nil
	}, time.Minute, 0)
	assert.True(t, res.Duplicate)
	assert.Equal(t, "9", res.MessageID)
}

type brokenCache struct{ cache.Cache }

func (brokenCache) Get(context.Context, string) ([]byte, bool, error) {
	return nil, false, errors.New("cache down")
}

func (brokenCache) Set(context.Context, string, []byte, time.Duration) error {
	return errors.New("cache down")
}

func TestCacheOutageFailsOpen(t *testing.T) {
	t.Parallel()
	g := New(brokenCache{})
	res := g.SendWithGuards(context.Background(), "delivery:z", transport.Payload{}, func(context.Context, transport.Payload) (transport.SendResult, error) {
		return transport.SendResult{MessageID: "1"}, nil
	}, time.Minute, 0)
	assert.True(t, res.Success)
	assert.False(t, res.Duplicate)
}

func TestContextCancelDuringWait(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	g := New(newMem(t))

	send := func(context.Context, transport.Payload) (transport.SendResult, error) {
		cancel()
		return transport.SendResult{}, &transport.RateLimitError{After: time.Second}
	}
	res := g.SendWithGuards(ctx, "delivery:c", transport.Payload{}, send, time.Minute, 10*time.Second)
	assert.False(t, res.Success)
	assert.False(t, res.RateLimited, "an interrupted wait has not spent the budget")
	assert.ErrorIs(t, res.Err, context.Canceled)
}
