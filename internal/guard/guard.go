// Package guard makes an outbound send idempotent per key and keeps
// rate-limit compliance within a bounded wait.
package guard

import (
	"context"
	"errors"
	"time"

	"golang.org/x/sync/singleflight"

	"chanpost/internal/cache"
	"chanpost/internal/transport"
	"chanpost/pkg/logx"
)

const (
	DefaultTTL     = 1800 * time.Second
	DefaultMaxWait = 30 * time.Second

	// fallbackRetryAfter applies when the platform signals a rate limit
	// without a usable wait.
	fallbackRetryAfter = time.Second
)

type SendFunc func(ctx context.Context, p transport.Payload) (transport.SendResult, error)

// Result is the outcome of a guarded send. Err is nil only when Success is
// true.
type Result struct {
	Success     bool
	MessageID   string
	Duplicate   bool
	RateLimited bool
	Waited      time.Duration
	Err         error
}

// record is the cache-resident idempotency snapshot.
type record struct {
	MessageID string    `json:"message_id"`
	SentAt    time.Time `json:"sent_at"`
}

type Guard struct {
	cache cache.Cache
	log   logx.Logger
	sleep func(ctx context.Context, d time.Duration) error
	group singleflight.Group
}

type Option func(*Guard)

// WithSleep replaces the wait used between rate-limited attempts.
func WithSleep(fn func(ctx context.Context, d time.Duration) error) Option {
	return func(g *Guard) {
		if fn != nil {
			g.sleep = fn
		}
	}
}

func WithLogger(l logx.Logger) Option {
	return func(g *Guard) {
		if !l.IsZero() {
			g.log = l
		}
	}
}

func New(c cache.Cache, opts ...Option) *Guard {
	g := &Guard{cache: c, log: logx.Nop(), sleep: sleepCtx}
	for _, o := range opts {
		o(g)
	}
	return g
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// SendWithGuards calls send at most once per key within ttl.
//
// A cached success short-circuits with Duplicate set. Rate-limit errors are
// waited out while the cumulative wait stays within maxWait; the first wait
// that would exceed it aborts with RateLimited set. Only successes are
// cached. Concurrent calls for one key in this process share a single send.
func (g *Guard) SendWithGuards(ctx context.Context, key string, p transport.Payload, send SendFunc, ttl, maxWait time.Duration) Result {
	if send == nil {
		return Result{Err: errors.New("guard: nil send function")}
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if maxWait < 0 {
		maxWait = 0
	}
	if key == "" || g.cache == nil {
		return g.sendWithBackoff(ctx, p, send, maxWait)
	}

	leader := false
	v, _, _ := g.group.Do(key, func() (any, error) {
		leader = true
		if res, ok := g.lookup(ctx, key); ok {
			return res, nil
		}
		res := g.sendWithBackoff(ctx, p, send, maxWait)
		if res.Success {
			g.remember(ctx, key, res.MessageID, ttl)
		}
		return res, nil
	})
	res := v.(Result)
	if !leader && res.Success {
		res.Duplicate = true
		res.Waited = 0
	}
	return res
}

func (g *Guard) lookup(ctx context.Context, key string) (Result, bool) {
	var rec record
	ok, err := cache.GetJSON(ctx, g.cache, key, &rec)
	if err != nil {
		// Fail open: a cache outage must not block deliveries.
		g.log.Warn("idempotency lookup failed", logx.String("key", key), logx.Err(err))
		return Result{}, false
	}
	if !ok || rec.MessageID == "" {
		return Result{}, false
	}
	return Result{Success: true, MessageID: rec.MessageID, Duplicate: true}, true
}

func (g *Guard) remember(ctx context.Context, key, messageID string, ttl time.Duration) {
	rec := record{MessageID: messageID, SentAt: time.Now().UTC()}
	if err := cache.SetJSON(ctx, g.cache, key, rec, ttl); err != nil {
		g.log.Error("idempotency record not stored; a retry may resend",
			logx.String("key", key), logx.String("message_id", messageID), logx.Err(err))
	}
}

func (g *Guard) sendWithBackoff(ctx context.Context, p transport.Payload, send SendFunc, maxWait time.Duration) Result {
	var waited time.Duration
	for {
		if err := ctx.Err(); err != nil {
			return Result{Err: err, Waited: waited}
		}
		sr, err := send(ctx, p)
		if err == nil {
			return Result{Success: true, MessageID: sr.MessageID, Waited: waited}
		}

		after, limited := transport.RetryAfterOf(err)
		if !limited {
			return Result{Err: err, Waited: waited}
		}
		if after <= 0 {
			after = fallbackRetryAfter
		}
		if waited+after > maxWait {
			g.log.Debug("rate-limit wait budget exhausted",
				logx.Duration("retry_after", after), logx.Duration("waited", waited), logx.Duration("max_wait", maxWait))
			return Result{RateLimited: true, Err: err, Waited: waited}
		}
		if serr := g.sleep(ctx, after); serr != nil {
			// Interrupted before the budget ran out; the caller decides.
			return Result{Err: serr, Waited: waited}
		}
		waited += after
	}
}
