package metricsync

import (
	"sort"
	"time"

	"chanpost/internal/domain"
)

const maxPriorityHours = 24.0

type scoredPost struct {
	post     domain.TrackedPost
	priority float64
}

type channelGroup struct {
	channel string
	posts   []scoredPost
	score   float64
}

// priority is hours since the last sync capped at 24; never-synced posts
// get the cap.
func priority(p domain.TrackedPost, now time.Time) float64 {
	if p.LastSyncedAt == nil {
		return maxPriorityHours
	}
	h := now.Sub(*p.LastSyncedAt).Hours()
	switch {
	case h < 0:
		return 0
	case h > maxPriorityHours:
		return maxPriorityHours
	default:
		return h
	}
}

// groupByChannel buckets posts per destination, sorts each bucket by
// priority descending, and orders buckets by their priority sum descending.
func groupByChannel(posts []domain.TrackedPost, now time.Time) []channelGroup {
	idx := make(map[string]int)
	var groups []channelGroup
	for _, p := range posts {
		i, ok := idx[p.DestinationChannelID]
		if !ok {
			i = len(groups)
			idx[p.DestinationChannelID] = i
			groups = append(groups, channelGroup{channel: p.DestinationChannelID})
		}
		pr := priority(p, now)
		groups[i].posts = append(groups[i].posts, scoredPost{post: p, priority: pr})
		groups[i].score += pr
	}

	for i := range groups {
		ps := groups[i].posts
		sort.SliceStable(ps, func(a, b int) bool {
			if ps[a].priority != ps[b].priority {
				return ps[a].priority > ps[b].priority
			}
			return ps[a].post.ID < ps[b].post.ID
		})
	}
	sort.SliceStable(groups, func(a, b int) bool {
		if groups[a].score != groups[b].score {
			return groups[a].score > groups[b].score
		}
		return groups[a].channel < groups[b].channel
	})
	return groups
}

// microBatchSize is min(limit, n/4+1).
func microBatchSize(n, limit int) int {
	size := n/4 + 1
	if limit > 0 && size > limit {
		return limit
	}
	return size
}

func splitBatches(posts []scoredPost, size int) [][]scoredPost {
	if size <= 0 {
		size = 1
	}
	out := make([][]scoredPost, 0, (len(posts)+size-1)/size)
	for start := 0; start < len(posts); start += size {
		end := min(start+size, len(posts))
		out = append(out, posts[start:end])
	}
	return out
}

// adaptiveDelay stretches the base delay as the batch success rate drops.
// The multiplier is clamped to [0.5, 2.0].
func adaptiveDelay(base time.Duration, successRate float64) time.Duration {
	m := 2 - successRate
	if m < 0.5 {
		m = 0.5
	}
	if m > 2.0 {
		m = 2.0
	}
	return time.Duration(float64(base) * m)
}
