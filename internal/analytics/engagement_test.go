package analytics

import (
	"testing"
	"time"

	"growpilot/internal/model"
)

func TestHourlyEngagementBuckets(t *testing.T) {
	base := time.Date(2026, 3, 1, 10, 5, 0, 0, time.UTC)
	entries := []model.ActionLogEntry{
		{Type: model.ActionFollow, Status: model.StatusSuccess, CreatedAt: base},
		{Type: model.ActionFollow, Status: model.StatusSuccess, CreatedAt: base.Add(20 * time.Minute)},
		{Type: model.ActionLike, Status: model.StatusSuccess, CreatedAt: base.Add(time.Hour)},
		{Type: model.ActionLike, Status: model.StatusFailed, CreatedAt: base.Add(time.Hour)},
		{Type: model.ActionBotEvent, Status: model.StatusSuccess, CreatedAt: base},
	}
	b := HourlyEngagement(entries)
	keys := SortedBucketKeys(b)
	if len(keys) != 2 || !keys[0].Equal(base.Truncate(time.Hour)) {
		t.Fatalf("keys: %v", keys)
	}
	if b[keys[0]][model.ActionFollow] != 2 || b[keys[1]][model.ActionLike] != 1 {
		t.Fatalf("buckets: %v", b)
	}
}

func TestRollup(t *testing.T) {
	now := time.Date(2026, 3, 1, 23, 0, 0, 0, time.UTC)
	c := model.DailyCounters{AccountID: 3, Day: "2026-03-01", Follows: 4, Likes: 9, StoriesViewed: 2}
	a := Rollup(c, &model.Account{FollowerCount: 120, FollowingCount: 80}, now)
	if a.TotalFollows != 4 || a.TotalLikes != 9 || a.TotalStoriesViewed != 2 || a.FollowerCount != 120 || a.Day != "2026-03-01" {
		t.Fatalf("rollup: %+v", a)
	}
	if a := Rollup(c, nil, now); a.FollowerCount != 0 {
		t.Fatalf("nil account: %+v", a)
	}
}
