package metricsync

import (
	"context"
	"errors"
	"sort"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chanpost/internal/cache"
	"chanpost/internal/domain"
	"chanpost/internal/transport"
	"chanpost/pkg/logx"
)

type fakeStore struct {
	mu        sync.Mutex
	posts     []domain.TrackedPost
	loadErr   error
	updateErr error
	loads     int
	updates   [][]domain.ViewUpdate
	synced    []string
}

func (s *fakeStore) GetTrackablePosts(context.Context, time.Time) ([]domain.TrackedPost, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.loads++
	if s.loadErr != nil {
		return nil, s.loadErr
	}
	return append([]domain.TrackedPost(nil), s.posts...), nil
}

func (s *fakeStore) GetChannelPostsForTracking(_ context.Context, ch string) ([]domain.TrackedPost, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.TrackedPost
	for _, p := range s.posts {
		if p.DestinationChannelID == ch {
			out = append(out, p)
		}
	}
	return out, nil
}

func (s *fakeStore) BatchUpdateViews(_ context.Context, u []domain.ViewUpdate, _ time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.updateErr != nil {
		return 0, s.updateErr
	}
	s.updates = append(s.updates, append([]domain.ViewUpdate(nil), u...))
	return len(u), nil
}

func (s *fakeStore) MarkSynced(_ context.Context, ids []string, _ time.Time) error {
	s.mu.Lock()
	s.synced = append(s.synced, ids...)
	s.mu.Unlock()
	return nil
}

func (s *fakeStore) allUpdates() []domain.ViewUpdate {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.ViewUpdate
	for _, u := range s.updates {
		out = append(out, u...)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PostID < out[j].PostID })
	return out
}

type fakeFetcher struct {
	mu    sync.Mutex
	calls []string
	fn    func(channel, msg string) (transport.ViewCount, error)
}

func (f *fakeFetcher) FetchViewCount(_ context.Context, channel, msg string) (transport.ViewCount, error) {
	f.mu.Lock()
	f.calls = append(f.calls, channel+"/"+msg)
	f.mu.Unlock()
	return f.fn(channel, msg)
}

func (f *fakeFetcher) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

type sleepLog struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (s *sleepLog) sleep(_ context.Context, d time.Duration) error {
	s.mu.Lock()
	s.delays = append(s.delays, d)
	s.mu.Unlock()
	return nil
}

func post(id, channel, msg string, views int64, synced *time.Time) domain.TrackedPost {
	return domain.TrackedPost{ID: id, DestinationChannelID: channel, ExternalMessageID: msg, CurrentViewCount: views, LastSyncedAt: synced}
}

func ago(now time.Time, h float64) *time.Time {
	t := now.Add(-time.Duration(h * float64(time.Hour)))
	return &t
}

func newEngine(t *testing.T, st *fakeStore, f *fakeFetcher, cfg Config) (*Engine, *cache.Memory, *sleepLog) {
	t.Helper()
	mem, err := cache.NewMemory(0)
	require.NoError(t, err)
	e := New(cfg, st, mem, f, nil, logx.Nop())
	sl := &sleepLog{}
	e.sleep = sl.sleep
	return e, mem, sl
}

func TestPriorityOrderWithinChannel(t *testing.T) {
	t.Parallel()
	now := time.Now()
	st := &fakeStore{posts: []domain.TrackedPost{
		post("p0", "@a", "1", 0, ago(now, 0)),
		post("p5", "@a", "2", 0, ago(now, 5)),
		post("p30", "@a", "3", 0, ago(now, 30)),
	}}
	f := &fakeFetcher{fn: func(string, string) (transport.ViewCount, error) { return transport.Known(1), nil }}
	e, _, _ := newEngine(t, st, f, Config{})

	e.RunCycle(context.Background())
	assert.Equal(t, []string{"@a/3", "@a/2", "@a/1"}, f.calls)
}

func TestGroupByChannelOrdersBySum(t *testing.T) {
	t.Parallel()
	now := time.Now()
	groups := groupByChannel([]domain.TrackedPost{
		post("a1", "@a", "1", 0, ago(now, 1)),
		post("b1", "@b", "1", 0, nil),
		post("c1", "@c", "1", 0, ago(now, 2)),
		post("c2", "@c", "2", 0, ago(now, 3)),
		post("b2", "@b", "2", 0, ago(now, 48)),
	}, now)

	require.Len(t, groups, 3)
	assert.Equal(t, "@b", groups[0].channel)
	assert.InDelta(t, 48.0, groups[0].score, 0.001)
	assert.Equal(t, "@c", groups[1].channel)
	assert.Equal(t, "@a", groups[2].channel)
	assert.Equal(t, "c2", groups[1].posts[0].post.ID)
	assert.Equal(t, 24.0, priority(post("x", "@x", "1", 0, nil), now))
}

func TestMicroBatchSize(t *testing.T) {
	t.Parallel()
	cases := map[int]int{1: 1, 3: 1, 4: 2, 7: 2, 20: 6, 36: 10, 500: 10}
	for n, want := range cases {
		assert.Equal(t, want, microBatchSize(n, 10), "n=%d", n)
	}
}

func TestAdaptiveDelayClamped(t *testing.T) {
	t.Parallel()
	base := time.Second
	assert.Equal(t, time.Second, adaptiveDelay(base, 1))
	assert.Equal(t, 2*time.Second, adaptiveDelay(base, 0))
	assert.Equal(t, 1500*time.Millisecond, adaptiveDelay(base, 0.5))
	assert.Equal(t, 500*time.Millisecond, adaptiveDelay(base, 3))
	assert.Equal(t, 2*time.Second, adaptiveDelay(base, -4))
}

func TestCacheHitSkipsFetch(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := &fakeStore{posts: []domain.TrackedPost{
		post("p1", "@a", "1", 5, nil),
		post("p2", "@a", "2", 5, nil),
		post("p3", "@a", "3", 5, nil),
	}}
	f := &fakeFetcher{fn: func(string, string) (transport.ViewCount, error) { return transport.Known(5), nil }}
	e, mem, _ := newEngine(t, st, f, Config{})
	require.NoError(t, mem.Set(ctx, viewsKey("@a", "1"), []byte("5"), time.Minute))
	require.NoError(t, mem.Set(ctx, viewsKey("@a", "3"), []byte("5"), time.Minute))

	stats := e.RunCycle(ctx)
	assert.Equal(t, 2, stats.Cached)
	assert.Equal(t, 3, stats.Processed)
	assert.Equal(t, []string{"@a/2"}, f.calls)
}

func TestBatchWritesOnlyChangedPosts(t *testing.T) {
	t.Parallel()
	st := &fakeStore{posts: []domain.TrackedPost{
		post("p1", "@a", "1", 10, nil),
		post("p2", "@a", "2", 20, nil),
		post("p3", "@a", "3", 30, nil),
		post("p4", "@a", "4", 40, nil),
		post("p5", "@a", "5", 0, nil),
	}}
	next := map[string]transport.ViewCount{
		"1": transport.Known(15),
		"2": transport.Known(20),
		"3": transport.Known(25),
		"4": transport.Unknown(),
		"5": transport.Known(3),
	}
	f := &fakeFetcher{fn: func(_ string, msg string) (transport.ViewCount, error) { return next[msg], nil }}
	e, _, _ := newEngine(t, st, f, Config{})

	stats := e.RunCycle(context.Background())
	assert.Equal(t, []domain.ViewUpdate{{PostID: "p1", Views: 15}, {PostID: "p5", Views: 3}}, st.allUpdates())
	assert.Equal(t, 2, stats.Updated)
	assert.Zero(t, stats.Errors)
	assert.ElementsMatch(t, []string{"p2", "p3", "p4"}, st.synced)
}

func TestNotFoundIsCachedAndSkipped(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := &fakeStore{posts: []domain.TrackedPost{post("p1", "@a", "9", 12, nil)}}
	f := &fakeFetcher{fn: func(string, string) (transport.ViewCount, error) { return transport.NotFound(), nil }}
	e, mem, _ := newEngine(t, st, f, Config{})

	stats := e.RunCycle(ctx)
	assert.Equal(t, 1, stats.Skipped)
	assert.Zero(t, stats.Errors)
	assert.Zero(t, stats.Updated)

	v, ok, err := mem.Get(ctx, viewsKey("@a", "9"))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "0", string(v))

	stats = e.RunCycle(ctx)
	assert.Equal(t, 1, stats.Cached)
	assert.Equal(t, 1, f.callCount())
}

func TestPermanentFailureCoolsChannelDown(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	var posts []domain.TrackedPost
	for i := 0; i < 8; i++ {
		posts = append(posts, post("gone"+strconv.Itoa(i), "@gone", strconv.Itoa(i), 0, nil))
	}
	posts = append(posts, post("ok1", "@ok", "1", 0, nil))
	st := &fakeStore{posts: posts}
	f := &fakeFetcher{fn: func(ch, _ string) (transport.ViewCount, error) {
		if ch == "@gone" {
			return transport.ViewCount{}, &transport.PermanentError{Reason: "chat not found"}
		}
		return transport.Known(4), nil
	}}
	e, mem, _ := newEngine(t, st, f, Config{})

	stats := e.RunCycle(ctx)
	assert.Equal(t, 8, stats.Errors)
	assert.Equal(t, 1, stats.Updated)
	goneCalls := 0
	for _, c := range f.calls {
		if strings.HasPrefix(c, "@gone/") {
			goneCalls++
		}
	}
	assert.Equal(t, microBatchSize(8, 10), goneCalls, "only the first micro-batch is attempted")

	_, ok, _ := mem.Get(ctx, problemKeyPrefix+"@gone")
	require.True(t, ok)

	before := f.callCount()
	stats = e.RunCycle(ctx)
	assert.Equal(t, 8, stats.Skipped)
	assert.Zero(t, stats.Errors)
	assert.Equal(t, before, f.callCount(), "@ok is cached and @gone is cooling down")
}

func TestChannelFailureCountsEveryPost(t *testing.T) {
	t.Parallel()
	var posts []domain.TrackedPost
	for i := 0; i < 8; i++ {
		posts = append(posts, post("p"+strconv.Itoa(i), "@flaky", strconv.Itoa(i), 0, nil))
	}
	st := &fakeStore{posts: posts}
	first := microBatchSize(len(posts), 10)
	f := &fakeFetcher{}
	f.fn = func(string, string) (transport.ViewCount, error) {
		if f.callCount() > first {
			return transport.ViewCount{}, &transport.PermanentError{Reason: "bot was kicked"}
		}
		return transport.Known(4), nil
	}
	e, _, _ := newEngine(t, st, f, Config{})

	stats := e.RunCycle(context.Background())
	assert.Equal(t, first, stats.Updated, "the first micro-batch still landed")
	assert.Equal(t, len(posts), stats.Errors)
	assert.Equal(t, 2*first, f.callCount(), "the channel stops after the failing batch")
}

func TestTransientErrorIsCountedOnly(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := &fakeStore{posts: []domain.TrackedPost{post("p1", "@a", "1", 0, nil), post("p2", "@a", "2", 0, nil)}}
	f := &fakeFetcher{fn: func(_ string, msg string) (transport.ViewCount, error) {
		if msg == "1" {
			return transport.ViewCount{}, errors.New("timeout")
		}
		return transport.Known(2), nil
	}}
	e, mem, _ := newEngine(t, st, f, Config{})

	stats := e.RunCycle(ctx)
	assert.Equal(t, 1, stats.Errors)
	assert.Equal(t, 1, stats.Updated)
	assert.Equal(t, 2, stats.Processed)
	_, ok, _ := mem.Get(ctx, problemKeyPrefix+"@a")
	assert.False(t, ok)
}

func TestLoadFailureIsReported(t *testing.T) {
	t.Parallel()
	st := &fakeStore{loadErr: errors.New("db down")}
	f := &fakeFetcher{fn: func(string, string) (transport.ViewCount, error) { return transport.Known(1), nil }}
	e, _, _ := newEngine(t, st, f, Config{})

	stats := e.RunCycle(context.Background())
	require.Error(t, stats.LoadErr)
	assert.Zero(t, stats.Processed)
}

func TestBatchWriteFailureCountsErrors(t *testing.T) {
	t.Parallel()
	st := &fakeStore{
		posts:     []domain.TrackedPost{post("p1", "@a", "1", 0, nil)},
		updateErr: errors.New("disk full"),
	}
	f := &fakeFetcher{fn: func(string, string) (transport.ViewCount, error) { return transport.Known(9), nil }}
	e, _, _ := newEngine(t, st, f, Config{})

	stats := e.RunCycle(context.Background())
	assert.Equal(t, 1, stats.Errors)
	assert.Zero(t, stats.Updated)
}

func TestTrackableSetIsCacheAside(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := &fakeStore{posts: []domain.TrackedPost{post("p1", "@a", "1", 3, nil)}}
	f := &fakeFetcher{fn: func(string, string) (transport.ViewCount, error) { return transport.Known(3), nil }}
	e, _, _ := newEngine(t, st, f, Config{})

	e.RunCycle(ctx)
	e.RunCycle(ctx)
	assert.Equal(t, 1, st.loads)
}

func TestUpdateInvalidatesChannelAggregates(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := &fakeStore{posts: []domain.TrackedPost{post("p1", "@a", "1", 3, nil)}}
	f := &fakeFetcher{fn: func(string, string) (transport.ViewCount, error) { return transport.Known(30), nil }}
	e, mem, _ := newEngine(t, st, f, Config{})
	require.NoError(t, mem.Set(ctx, "channel:@a:stats", []byte("x"), time.Hour))
	require.NoError(t, mem.Set(ctx, "channel:@b:stats", []byte("x"), time.Hour))

	e.RunCycle(ctx)

	_, ok, _ := mem.Get(ctx, "channel:@a:stats")
	assert.False(t, ok)
	_, ok, _ = mem.Get(ctx, "channel:@b:stats")
	assert.True(t, ok)
	_, ok, _ = mem.Get(ctx, trackableKey)
	assert.False(t, ok, "trackable set is dropped after a write")
}

func TestAdaptiveDelayBetweenBatchesOnly(t *testing.T) {
	t.Parallel()
	var posts []domain.TrackedPost
	for i := 0; i < 8; i++ {
		posts = append(posts, post("p"+strconv.Itoa(i), "@a", strconv.Itoa(i), 0, nil))
	}
	st := &fakeStore{posts: posts}
	f := &fakeFetcher{fn: func(_ string, msg string) (transport.ViewCount, error) {
		if msg == "0" {
			return transport.ViewCount{}, errors.New("flaky")
		}
		return transport.Known(1), nil
	}}
	e, _, sl := newEngine(t, st, f, Config{BaseDelay: time.Second})

	e.RunCycle(context.Background())
	// 8 posts -> batches of 3: 3+3+2, so two waits.
	require.Len(t, sl.delays, 2)
	assert.Greater(t, sl.delays[0], time.Second, "first batch had a failure")
	assert.Equal(t, time.Second, sl.delays[1])
}

func TestPanicInChannelIsContained(t *testing.T) {
	t.Parallel()
	st := &fakeStore{posts: []domain.TrackedPost{post("p1", "@a", "1", 0, nil), post("p2", "@b", "1", 0, nil)}}
	f := &fakeFetcher{fn: func(ch, _ string) (transport.ViewCount, error) {
		if ch == "@a" {
			panic("boom")
		}
		return transport.Known(1), nil
	}}
	e, _, _ := newEngine(t, st, f, Config{})

	var stats Stats
	require.NotPanics(t, func() { stats = e.RunCycle(context.Background()) })
	assert.Equal(t, 1, stats.Errors)
	assert.Equal(t, 1, stats.Updated)
}

func TestSyncChannel(t *testing.T) {
	t.Parallel()
	st := &fakeStore{posts: []domain.TrackedPost{post("p1", "@a", "1", 0, nil), post("p2", "@b", "1", 0, nil)}}
	f := &fakeFetcher{fn: func(string, string) (transport.ViewCount, error) { return transport.Known(6), nil }}
	e, _, _ := newEngine(t, st, f, Config{})

	stats := e.SyncChannel(context.Background(), "@b")
	assert.Equal(t, 1, stats.Updated)
	assert.Equal(t, []string{"@b/1"}, f.calls)
}
