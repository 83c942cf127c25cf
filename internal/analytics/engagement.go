package analytics

import (
	"sort"
	"time"

	"growpilot/internal/model"
)

// HourlyEngagement counts successful actions per UTC hour and action type.
func HourlyEngagement(entries []model.ActionLogEntry) map[time.Time]map[model.ActionType]int {
	buckets := make(map[time.Time]map[model.ActionType]int)
	for _, e := range entries {
		if e.Status != model.StatusSuccess || e.Type == model.ActionBotEvent {
			continue
		}
		key := e.CreatedAt.UTC().Truncate(time.Hour)
		if _, ok := buckets[key]; !ok {
			buckets[key] = make(map[model.ActionType]int)
		}
		buckets[key][e.Type]++
	}
	return buckets
}

// SortedBucketKeys returns sorted hour keys.
func SortedBucketKeys(m map[time.Time]map[model.ActionType]int) []time.Time {
	keys := make([]time.Time, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].Before(keys[j]) })
	return keys
}

// Rollup builds the analytics row of day from its counters and the account's
// last known follower counts. acc may be nil.
func Rollup(c model.DailyCounters, acc *model.Account, now time.Time) model.Analytics {
	a := model.Analytics{
		AccountID:          c.AccountID,
		Day:                c.Day,
		TotalFollows:       c.Follows,
		TotalLikes:         c.Likes,
		TotalStoriesViewed: c.StoriesViewed,
		UpdatedAt:          now.UTC(),
	}
	if acc != nil {
		a.FollowerCount, a.FollowingCount = acc.FollowerCount, acc.FollowingCount
	}
	return a
}
