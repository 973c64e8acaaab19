package storage

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chanpost/internal/domain"
	"chanpost/pkg/logx"
)

func newSQLite(t *testing.T) *SQLiteStore {
	t.Helper()
	st, err := OpenSQLite(context.Background(), Config{Path: filepath.Join(t.TempDir(), "chanpost.db")}, logx.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func dueItem(channel string, at time.Time) domain.ScheduledItem {
	return domain.ScheduledItem{
		OwnerID:              "owner",
		DestinationChannelID: channel,
		BodyText:             "hello",
		ScheduledAt:          at,
	}
}

func TestSQLiteClaimSendTrack(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := newSQLite(t)
	now := time.Now()

	it, err := st.CreateItem(ctx, dueItem("@news", now.Add(-time.Minute)))
	require.NoError(t, err)
	require.NotEmpty(t, it.ID)
	assert.Equal(t, domain.StatusPending, it.Status)

	_, err = st.CreateItem(ctx, dueItem("@news", now.Add(time.Hour)))
	require.NoError(t, err)

	claimed, err := st.ClaimDue(ctx, 10, now)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	assert.Equal(t, it.ID, claimed[0].ID)
	assert.Equal(t, domain.StatusSending, claimed[0].Status)
	assert.Equal(t, "hello", claimed[0].BodyText)

	again, err := st.ClaimDue(ctx, 10, now)
	require.NoError(t, err)
	assert.Empty(t, again, "claimed item must not be claimed twice")

	post, err := st.MarkSent(ctx, it.ID, "777", now)
	require.NoError(t, err)
	assert.Equal(t, "@news", post.DestinationChannelID)
	assert.Equal(t, "777", post.ExternalMessageID)
	assert.Zero(t, post.CurrentViewCount)
	assert.Nil(t, post.LastSyncedAt)

	got, err := st.GetItem(ctx, it.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusSent, got.Status)
	assert.Equal(t, "777", got.ExternalMessageID)

	_, err = st.MarkSent(ctx, it.ID, "778", now)
	assert.ErrorIs(t, err, ErrTransition)

	_, err = st.GetItem(ctx, "nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSQLiteConcurrentClaimsAreDisjoint(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := newSQLite(t)
	now := time.Now()

	const total = 40
	for i := 0; i < total; i++ {
		_, err := st.CreateItem(ctx, dueItem("@news", now.Add(-time.Duration(i)*time.Second)))
		require.NoError(t, err)
	}

	var (
		mu   sync.Mutex
		seen = map[string]int{}
		wg   sync.WaitGroup
	)
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				items, err := st.ClaimDue(ctx, 3, now)
				if err != nil {
					t.Error(err)
					return
				}
				if len(items) == 0 {
					return
				}
				mu.Lock()
				for _, it := range items {
					seen[it.ID]++
				}
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Len(t, seen, total)
	for id, n := range seen {
		assert.Equal(t, 1, n, "item %s claimed %d times", id, n)
	}
}

func TestSQLiteClaimOrdersByScheduledAt(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := newSQLite(t)
	now := time.Now()

	late, _ := st.CreateItem(ctx, dueItem("@a", now.Add(-time.Minute)))
	early, _ := st.CreateItem(ctx, dueItem("@a", now.Add(-time.Hour)))

	items, err := st.ClaimDue(ctx, 1, now)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, early.ID, items[0].ID)

	items, err = st.ClaimDue(ctx, 5, now)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, late.ID, items[0].ID)
}

func TestSQLiteRequeueStuck(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := newSQLite(t)
	now := time.Now()

	stuck, _ := st.CreateItem(ctx, dueItem("@a", now.Add(-3*time.Hour)))
	fresh, _ := st.CreateItem(ctx, dueItem("@a", now.Add(-2*time.Hour)))

	_, err := st.ClaimDue(ctx, 1, now.Add(-20*time.Minute))
	require.NoError(t, err)
	_, err = st.ClaimDue(ctx, 1, now.Add(-time.Minute))
	require.NoError(t, err)

	n, err := st.RequeueStuck(ctx, 15*time.Minute, now)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, _ := st.GetItem(ctx, stuck.ID)
	assert.Equal(t, domain.StatusPending, got.Status)
	got, _ = st.GetItem(ctx, fresh.ID)
	assert.Equal(t, domain.StatusSending, got.Status)
}

func TestSQLiteFailureTransitions(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := newSQLite(t)
	now := time.Now()

	it, _ := st.CreateItem(ctx, dueItem("@a", now.Add(-time.Minute)))
	_, _ = st.ClaimDue(ctx, 1, now)

	attempts, err := st.Requeue(ctx, it.ID, "timeout", now)
	require.NoError(t, err)
	assert.Equal(t, 1, attempts)

	_, err = st.Requeue(ctx, it.ID, "timeout", now)
	assert.ErrorIs(t, err, ErrTransition, "pending item cannot be requeued")

	require.NoError(t, st.SetStatus(ctx, it.ID, domain.StatusSending, now))
	require.NoError(t, st.MarkFailed(ctx, it.ID, "rate limited", true, now))

	got, _ := st.GetItem(ctx, it.ID)
	assert.Equal(t, domain.StatusError, got.Status)
	assert.True(t, got.RateLimited)
	assert.Equal(t, 1, got.Attempts)

	assert.ErrorIs(t, st.SetStatus(ctx, it.ID, domain.StatusSending, now), ErrTransition)
	assert.ErrorIs(t, st.MarkFailed(ctx, "missing", "x", false, now), ErrNotFound)

	require.NoError(t, st.AppendAudit(ctx, domain.DeliveryOutcome{ItemID: it.ID, Kind: domain.OutcomeRateLimited, RateLimited: true}, now))
}

func TestSQLiteViewsBatchAndTracking(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := newSQLite(t)
	now := time.Now()

	var posts []domain.TrackedPost
	for i, ch := range []string{"@a", "@a", "@b"} {
		it, _ := st.CreateItem(ctx, dueItem(ch, now.Add(-time.Duration(i+1)*time.Minute)))
		require.NoError(t, st.SetStatus(ctx, it.ID, domain.StatusSending, now))
		p, err := st.MarkSent(ctx, it.ID, "10"+string(rune('0'+i)), now)
		require.NoError(t, err)
		posts = append(posts, p)
	}

	all, err := st.GetTrackablePosts(ctx, now)
	require.NoError(t, err)
	assert.Len(t, all, 3)

	chA, err := st.GetChannelPostsForTracking(ctx, "@a")
	require.NoError(t, err)
	assert.Len(t, chA, 2)

	n, err := st.BatchUpdateViews(ctx, []domain.ViewUpdate{
		{PostID: posts[0].ID, Views: 50},
		{PostID: posts[2].ID, Views: 7},
	}, now)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	require.NoError(t, st.MarkSynced(ctx, []string{posts[1].ID}, now))

	all, _ = st.GetTrackablePosts(ctx, now)
	byID := map[string]domain.TrackedPost{}
	for _, p := range all {
		byID[p.ID] = p
	}
	assert.Equal(t, int64(50), byID[posts[0].ID].CurrentViewCount)
	assert.Equal(t, int64(0), byID[posts[1].ID].CurrentViewCount)
	assert.Equal(t, int64(7), byID[posts[2].ID].CurrentViewCount)
	for _, p := range all {
		require.NotNil(t, p.LastSyncedAt)
	}
}

func TestSQLiteTrackWindow(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st, err := OpenSQLite(ctx, Config{Path: filepath.Join(t.TempDir(), "w.db"), TrackWindow: time.Hour}, logx.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	now := time.Now()

	old, _ := st.CreateItem(ctx, dueItem("@a", now.Add(-3*time.Hour)))
	recent, _ := st.CreateItem(ctx, dueItem("@a", now.Add(-time.Minute)))
	for _, id := range []string{old.ID, recent.ID} {
		require.NoError(t, st.SetStatus(ctx, id, domain.StatusSending, now))
	}
	_, err = st.MarkSent(ctx, old.ID, "1", now.Add(-2*time.Hour))
	require.NoError(t, err)
	_, err = st.MarkSent(ctx, recent.ID, "2", now)
	require.NoError(t, err)

	posts, err := st.GetTrackablePosts(ctx, now)
	require.NoError(t, err)
	require.Len(t, posts, 1)
	assert.Equal(t, "2", posts[0].ExternalMessageID)
}
