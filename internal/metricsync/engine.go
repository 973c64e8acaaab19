// Package metricsync keeps tracked posts' view counts fresh under a bounded
// request budget.
package metricsync

import (
	"context"
	"fmt"
	"runtime/debug"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"chanpost/internal/cache"
	"chanpost/internal/domain"
	"chanpost/internal/eventbus"
	"chanpost/internal/transport"
	"chanpost/pkg/logx"
)

const (
	trackableKey     = "sync:trackable"
	problemKeyPrefix = "sync:problem:"
)

type Config struct {
	Concurrency     int
	MaxBatch        int
	BaseDelay       time.Duration
	KnownTTL        time.Duration
	ShortTTL        time.Duration
	NotFoundTTL     time.Duration
	ProblemCooldown time.Duration
	TrackableTTL    time.Duration
}

func (c Config) withDefaults() Config {
	if c.Concurrency <= 0 {
		c.Concurrency = 10
	}
	if c.MaxBatch <= 0 {
		c.MaxBatch = 10
	}
	if c.BaseDelay < 0 {
		c.BaseDelay = 0
	}
	if c.KnownTTL <= 0 {
		c.KnownTTL = 300 * time.Second
	}
	if c.ShortTTL <= 0 {
		c.ShortTTL = 60 * time.Second
	}
	if c.NotFoundTTL <= 0 {
		c.NotFoundTTL = time.Hour
	}
	if c.ProblemCooldown <= 0 {
		c.ProblemCooldown = 5 * time.Minute
	}
	if c.TrackableTTL <= 0 {
		c.TrackableTTL = 60 * time.Second
	}
	return c
}

type Store interface {
	GetTrackablePosts(ctx context.Context, now time.Time) ([]domain.TrackedPost, error)
	GetChannelPostsForTracking(ctx context.Context, channelID string) ([]domain.TrackedPost, error)
	BatchUpdateViews(ctx context.Context, updates []domain.ViewUpdate, now time.Time) (int, error)
	MarkSynced(ctx context.Context, postIDs []string, now time.Time) error
}

type Fetcher interface {
	FetchViewCount(ctx context.Context, destination, messageID string) (transport.ViewCount, error)
}

// Stats are the per-cycle counters. LoadErr is set when the trackable set
// could not be loaded at all; every other failure is folded into Errors.
type Stats struct {
	Processed int           `json:"processed"`
	Updated   int           `json:"updated"`
	Errors    int           `json:"errors"`
	Skipped   int           `json:"skipped"`
	Cached    int           `json:"cached"`
	Channels  int           `json:"channels"`
	Duration  time.Duration `json:"duration"`
	LoadErr   error         `json:"-"`
}

func (s *Stats) merge(o Stats) {
	s.Processed += o.Processed
	s.Updated += o.Updated
	s.Errors += o.Errors
	s.Skipped += o.Skipped
	s.Cached += o.Cached
}

type Engine struct {
	mu  sync.RWMutex
	cfg Config

	store  Store
	cache  cache.Cache
	client Fetcher
	bus    eventbus.Bus
	log    logx.Logger

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

func New(cfg Config, store Store, c cache.Cache, client Fetcher, bus eventbus.Bus, log logx.Logger) *Engine {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Engine{
		cfg:    cfg.withDefaults(),
		store:  store,
		cache:  c,
		client: client,
		bus:    bus,
		log:    log.With(logx.String("comp", "metricsync")),
		now:    time.Now,
		sleep:  sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func (e *Engine) Reconfigure(cfg Config) {
	e.mu.Lock()
	e.cfg = cfg.withDefaults()
	e.mu.Unlock()
}

func (e *Engine) config() Config {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.cfg
}

// RunCycle refreshes every trackable post once. It never returns an error;
// failures are counted in the returned Stats.
func (e *Engine) RunCycle(ctx context.Context) Stats {
	start := time.Now()
	cfg := e.config()

	posts, err := e.loadTrackable(ctx, cfg)
	if err != nil {
		e.log.Error("load trackable posts failed", logx.Err(err))
		st := Stats{LoadErr: err, Duration: time.Since(start)}
		e.publish(eventbus.TypeSyncCycle, st)
		return st
	}

	st := e.run(ctx, cfg, groupByChannel(posts, e.now()))
	st.Duration = time.Since(start)
	if st.Processed+st.Skipped > 0 {
		e.log.Info("sync cycle finished",
			logx.Int("channels", st.Channels), logx.Int("processed", st.Processed), logx.Int("updated", st.Updated),
			logx.Int("errors", st.Errors), logx.Int("skipped", st.Skipped), logx.Int("cached", st.Cached),
			logx.Duration("took", st.Duration))
	}
	e.publish(eventbus.TypeSyncCycle, st)
	return st
}

// SyncChannel refreshes a single channel on demand.
func (e *Engine) SyncChannel(ctx context.Context, channelID string) Stats {
	start := time.Now()
	cfg := e.config()
	posts, err := e.store.GetChannelPostsForTracking(ctx, channelID)
	if err != nil {
		e.log.Error("load channel posts failed", logx.String("channel", channelID), logx.Err(err))
		return Stats{LoadErr: err, Duration: time.Since(start)}
	}
	st := e.run(ctx, cfg, groupByChannel(posts, e.now()))
	st.Duration = time.Since(start)
	return st
}

func (e *Engine) loadTrackable(ctx context.Context, cfg Config) ([]domain.TrackedPost, error) {
	var posts []domain.TrackedPost
	ok, err := cache.GetJSON(ctx, e.cache, trackableKey, &posts)
	if err != nil {
		e.log.Warn("trackable cache read failed", logx.Err(err))
	}
	if ok {
		return posts, nil
	}
	posts, err = e.store.GetTrackablePosts(ctx, e.now())
	if err != nil {
		return nil, err
	}
	if err := cache.SetJSON(ctx, e.cache, trackableKey, posts, cfg.TrackableTTL); err != nil {
		e.log.Warn("trackable cache write failed", logx.Err(err))
	}
	return posts, nil
}

func (e *Engine) run(ctx context.Context, cfg Config, groups []channelGroup) Stats {
	var (
		mu    sync.Mutex
		total = Stats{Channels: len(groups)}
	)
	g := new(errgroup.Group)
	g.SetLimit(cfg.Concurrency)
	for _, grp := range groups {
		if ctx.Err() != nil {
			mu.Lock()
			total.Skipped += len(grp.posts)
			mu.Unlock()
			continue
		}
		g.Go(func() error {
			st := e.safeProcessChannel(ctx, cfg, grp)
			mu.Lock()
			total.merge(st)
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return total
}

func (e *Engine) safeProcessChannel(ctx context.Context, cfg Config, grp channelGroup) (st Stats) {
	defer func() {
		if r := recover(); r != nil {
			e.log.Error("panic while syncing channel",
				logx.String("channel", grp.channel), logx.Any("panic", r), logx.Stack(string(debug.Stack())))
			e.markProblem(ctx, cfg, grp.channel, fmt.Errorf("panic: %v", r))
			st = Stats{Errors: len(grp.posts)}
		}
	}()
	return e.processChannel(ctx, cfg, grp)
}

func (e *Engine) processChannel(ctx context.Context, cfg Config, grp channelGroup) Stats {
	var st Stats
	log := e.log.With(logx.String("channel", grp.channel))

	if _, ok, err := e.cache.Get(ctx, problemKeyPrefix+grp.channel); err == nil && ok {
		log.Debug("channel in cooldown; skipped", logx.Int("posts", len(grp.posts)))
		st.Skipped = len(grp.posts)
		return st
	}

	batches := splitBatches(grp.posts, microBatchSize(len(grp.posts), cfg.MaxBatch))
	done := 0
	for i, batch := range batches {
		if ctx.Err() != nil {
			st.Skipped += len(grp.posts) - done
			return st
		}
		res := e.processBatch(ctx, cfg, grp.channel, batch)
		st.merge(res.stats)
		done += len(batch)

		if res.channelErr != nil {
			// A failed channel counts every one of its posts as an error.
			st.Errors = len(grp.posts)
			log.Warn("channel failed; cooling down",
				logx.Int("unprocessed", len(grp.posts)-done), logx.Duration("cooldown", cfg.ProblemCooldown), logx.Err(res.channelErr))
			e.markProblem(ctx, cfg, grp.channel, res.channelErr)
			return st
		}

		if i < len(batches)-1 {
			if err := e.sleep(ctx, adaptiveDelay(cfg.BaseDelay, res.successRate)); err != nil {
				st.Skipped += len(grp.posts) - done
				return st
			}
		}
	}
	return st
}

func (e *Engine) markProblem(ctx context.Context, cfg Config, channel string, cause error) {
	if err := e.cache.Set(ctx, problemKeyPrefix+channel, []byte(cause.Error()), cfg.ProblemCooldown); err != nil {
		e.log.Warn("mark channel problematic failed", logx.String("channel", channel), logx.Err(err))
	}
	e.publish(eventbus.TypeSyncChannelProblem, map[string]any{
		"channel":  channel,
		"error":    cause.Error(),
		"cooldown": cfg.ProblemCooldown.String(),
	})
}

type batchResult struct {
	stats       Stats
	successRate float64
	channelErr  error
}

type fetchResult struct {
	post scoredPost
	vc   transport.ViewCount
	err  error
}

func viewsKey(channel, messageID string) string {
	return "views:" + channel + ":" + messageID
}

func (e *Engine) processBatch(ctx context.Context, cfg Config, channel string, batch []scoredPost) batchResult {
	var (
		res    batchResult
		misses []scoredPost
	)
	for _, sp := range batch {
		if _, ok, err := e.cache.Get(ctx, viewsKey(channel, sp.post.ExternalMessageID)); err == nil && ok {
			res.stats.Cached++
			res.stats.Processed++
			continue
		}
		misses = append(misses, sp)
	}
	if len(misses) == 0 {
		res.successRate = 1
		return res
	}

	results := make([]fetchResult, len(misses))
	var g errgroup.Group
	for i, sp := range misses {
		g.Go(func() (err error) {
			defer func() {
				if r := recover(); r != nil {
					results[i] = fetchResult{post: sp, err: fmt.Errorf("fetch panic: %v", r)}
				}
			}()
			vc, ferr := e.client.FetchViewCount(ctx, channel, sp.post.ExternalMessageID)
			results[i] = fetchResult{post: sp, vc: vc, err: ferr}
			return nil
		})
	}
	_ = g.Wait()

	var (
		updates   []domain.ViewUpdate
		fresh     = map[string]int64{}
		synced    []string
		succeeded int
	)
	for _, r := range results {
		p := r.post.post
		key := viewsKey(channel, p.ExternalMessageID)
		res.stats.Processed++

		if r.err != nil {
			res.stats.Errors++
			if transport.IsPermanent(r.err) && res.channelErr == nil {
				res.channelErr = r.err
			}
			e.log.Debug("fetch view count failed", logx.String("channel", channel), logx.String("message", p.ExternalMessageID), logx.Err(r.err))
			continue
		}
		succeeded++

		switch r.vc.State {
		case transport.ViewsNotFound:
			res.stats.Skipped++
			e.setViews(ctx, key, 0, cfg.NotFoundTTL)
			synced = append(synced, p.ID)
		case transport.ViewsKnown:
			if r.vc.Views > p.CurrentViewCount {
				updates = append(updates, domain.ViewUpdate{PostID: p.ID, Views: r.vc.Views})
				fresh[key] = r.vc.Views
				continue
			}
			// Equal is unchanged; lower is treated as unknown.
			ttl := cfg.KnownTTL
			if r.vc.Views < p.CurrentViewCount || p.CurrentViewCount == 0 {
				ttl = cfg.ShortTTL
			}
			e.setViews(ctx, key, p.CurrentViewCount, ttl)
			synced = append(synced, p.ID)
		default:
			e.setViews(ctx, key, p.CurrentViewCount, cfg.ShortTTL)
			synced = append(synced, p.ID)
		}
	}
	res.successRate = float64(succeeded) / float64(len(misses))

	now := e.now()
	if len(updates) > 0 {
		n, err := e.store.BatchUpdateViews(ctx, updates, now)
		if err != nil {
			res.stats.Errors += len(updates)
			e.log.Error("batch update views failed", logx.String("channel", channel), logx.Int("rows", len(updates)), logx.Err(err))
		} else {
			res.stats.Updated += n
			for key, v := range fresh {
				e.setViews(ctx, key, v, cfg.KnownTTL)
			}
			e.invalidateChannel(ctx, channel)
		}
	}
	if len(synced) > 0 {
		if err := e.store.MarkSynced(ctx, synced, now); err != nil {
			e.log.Warn("mark synced failed", logx.String("channel", channel), logx.Err(err))
		}
	}
	return res
}

func (e *Engine) setViews(ctx context.Context, key string, views int64, ttl time.Duration) {
	if err := e.cache.Set(ctx, key, []byte(strconv.FormatInt(views, 10)), ttl); err != nil {
		e.log.Debug("cache views failed", logx.String("key", key), logx.Err(err))
	}
}

// invalidateChannel drops per-channel aggregates and the trackable set so
// readers see the new counts.
func (e *Engine) invalidateChannel(ctx context.Context, channel string) {
	if _, err := e.cache.FlushPattern(ctx, "channel:"+channel+":*"); err != nil {
		e.log.Warn("flush channel aggregates failed", logx.String("channel", channel), logx.Err(err))
	}
	if err := e.cache.Delete(ctx, trackableKey); err != nil {
		e.log.Warn("drop trackable cache failed", logx.Err(err))
	}
}

func (e *Engine) publish(typ string, data any) {
	if e.bus != nil {
		e.bus.Publish(eventbus.Event{Type: typ, Data: data})
	}
}
