package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"growpilot/internal/model"
)

func openTest(t *testing.T) *DB {
	t.Helper()
	db, err := Open("sqlite", ":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestRebind(t *testing.T) {
	d := &DB{dialect: Postgres}
	got := d.rebind(`SELECT a FROM t WHERE x=? AND y=? LIMIT ?`)
	if got != `SELECT a FROM t WHERE x=$1 AND y=$2 LIMIT $3` {
		t.Fatalf("rebind: %s", got)
	}
	s := &DB{dialect: SQLite}
	if s.rebind(`x=?`) != `x=?` {
		t.Fatal("sqlite query must stay untouched")
	}
}

func TestOpenUnknownDriver(t *testing.T) {
	if _, err := Open("mysql", "x"); err == nil {
		t.Fatal("expected error for unsupported driver")
	}
}

func TestAccountAndConfigUpsert(t *testing.T) {
	db := openTest(t)
	ctx := context.Background()
	if a, err := db.GetAccount(ctx, 7); err != nil || a != nil {
		t.Fatalf("missing account: %v %v", a, err)
	}
	if err := db.UpsertAccount(ctx, model.Account{AccountID: 7, Username: "alice", PasswordHash: "h1", IsActive: true}); err != nil {
		t.Fatal(err)
	}
	// empty hash keeps the stored one
	if err := db.UpsertAccount(ctx, model.Account{AccountID: 7, Username: "alice2", IsActive: true}); err != nil {
		t.Fatal(err)
	}
	at := time.Unix(1700000000, 0).UTC()
	if err := db.UpdateSession(ctx, 7, `{"x":1}`, at, 10, 20); err != nil {
		t.Fatal(err)
	}
	a, err := db.GetAccount(ctx, 7)
	if err != nil || a == nil {
		t.Fatalf("get: %v", err)
	}
	if a.Username != "alice2" || a.PasswordHash != "h1" || a.SessionBlob != `{"x":1}` || !a.IsActive {
		t.Fatalf("account mismatch: %+v", a)
	}
	if a.LastLoginAt == nil || !a.LastLoginAt.Equal(at) || a.FollowerCount != 10 || a.FollowingCount != 20 {
		t.Fatalf("session fields mismatch: %+v", a)
	}

	if c, err := db.GetConfig(ctx, 7); err != nil || c != nil {
		t.Fatalf("missing config: %v %v", c, err)
	}
	cfg := model.DefaultBotConfig(7)
	cfg.LikesPerHour = 10
	cfg.EnableLikes = false
	if err := db.UpsertConfig(ctx, cfg); err != nil {
		t.Fatal(err)
	}
	if err := db.SetRunning(ctx, 7, true, at); err != nil {
		t.Fatal(err)
	}
	got, err := db.GetConfig(ctx, 7)
	if err != nil || got == nil {
		t.Fatalf("get config: %v", err)
	}
	if got.LikesPerHour != 10 || got.EnableLikes || !got.EnableFollows || !got.IsRunning || got.LastStartedAt == nil || got.LastStoppedAt != nil {
		t.Fatalf("config mismatch: %+v", got)
	}
	ids, err := db.RunningAccounts(ctx)
	if err != nil || len(ids) != 1 || ids[0] != 7 {
		t.Fatalf("running accounts: %v %v", ids, err)
	}
	if err := db.SetRunning(ctx, 7, false, at.Add(time.Minute)); err != nil {
		t.Fatal(err)
	}
	got, _ = db.GetConfig(ctx, 7)
	if got.IsRunning || got.LastStoppedAt == nil || got.LikesPerHour != 10 {
		t.Fatalf("stop mismatch: %+v", got)
	}
}

func TestCountersPerDay(t *testing.T) {
	db := openTest(t)
	ctx := context.Background()
	day1 := time.Date(2024, 3, 1, 23, 59, 0, 0, time.UTC)
	day2 := day1.Add(2 * time.Minute)
	for i := 0; i < 3; i++ {
		if err := db.IncrementCounter(ctx, 1, model.CounterFollows, day1); err != nil {
			t.Fatal(err)
		}
	}
	if err := db.IncrementCounter(ctx, 1, model.CounterLikes, day1); err != nil {
		t.Fatal(err)
	}
	if err := db.IncrementCounter(ctx, 1, model.CounterStories, day2); err != nil {
		t.Fatal(err)
	}
	c1, err := db.GetTodayCounters(ctx, 1, day1)
	if err != nil {
		t.Fatal(err)
	}
	if c1.Follows != 3 || c1.Likes != 1 || c1.StoriesViewed != 0 {
		t.Fatalf("day1: %+v", c1)
	}
	c2, _ := db.GetTodayCounters(ctx, 1, day2)
	if c2.Follows != 0 || c2.StoriesViewed != 1 || c2.Day != "2024-03-02" {
		t.Fatalf("new day must start at zero: %+v", c2)
	}
	if err := db.IncrementCounter(ctx, 1, "bogus", day1); err == nil {
		t.Fatal("expected error for unknown counter")
	}
}

func TestLogsAndSlidingCount(t *testing.T) {
	db := openTest(t)
	ctx := context.Background()
	now := time.Unix(1700000000, 0).UTC()
	add := func(typ model.ActionType, st model.ActionStatus, ago time.Duration) {
		t.Helper()
		if _, err := db.AppendLog(ctx, model.ActionLogEntry{AccountID: 1, Type: typ, Status: st, CreatedAt: now.Add(-ago)}); err != nil {
			t.Fatal(err)
		}
	}
	add(model.ActionLike, model.StatusSuccess, 10*time.Minute)
	add(model.ActionLike, model.StatusSuccess, 59*time.Minute)
	add(model.ActionLike, model.StatusSuccess, 61*time.Minute)
	add(model.ActionLike, model.StatusFailed, time.Minute)
	add(model.ActionFollow, model.StatusSuccess, time.Minute)
	n, err := db.CountRecentSuccess(ctx, 1, model.ActionLike, time.Hour, now)
	if err != nil || n != 2 {
		t.Fatalf("sliding count: %d %v", n, err)
	}
	id, err := db.AppendLog(ctx, model.ActionLogEntry{AccountID: 1, Type: model.ActionFollow, TargetUsername: "bob", Status: model.StatusSuccess, Metadata: map[string]any{"source": "carol"}, CreatedAt: now})
	if err != nil || id == 0 {
		t.Fatalf("append: %d %v", id, err)
	}
	logs, err := db.RecentLogs(ctx, 1, 2)
	if err != nil || len(logs) != 2 {
		t.Fatalf("recent: %v %v", logs, err)
	}
	if logs[0].ID != id || logs[0].Metadata["source"] != "carol" || logs[0].TargetUsername != "bob" {
		t.Fatalf("newest first with metadata: %+v", logs[0])
	}
	between, err := db.LogsBetween(ctx, 1, now.Add(-time.Hour), now)
	if err != nil || len(between) != 4 {
		t.Fatalf("between: %d %v", len(between), err)
	}
}

func TestQueueFIFOAndMarkOnce(t *testing.T) {
	db := openTest(t)
	ctx := context.Background()
	cs := []model.Candidate{
		{AccountID: 1, Username: "a", RemoteID: "11", SourceType: model.SourceFollower, SourceAccount: "t"},
		{AccountID: 1, Username: "b", SourceType: model.SourceFollower, SourceAccount: "t"},
		{AccountID: 1, Username: "a", SourceType: model.SourceFollower, SourceAccount: "t"},
		{AccountID: 2, Username: "z", SourceType: model.SourceLiker},
	}
	n, err := db.EnqueueCandidates(ctx, cs)
	if err != nil || n != 4 {
		t.Fatalf("enqueue: %d %v", n, err)
	}
	depth, _ := db.QueueDepth(ctx, 1)
	if depth != 3 {
		t.Fatalf("duplicates are kept, depth=%d", depth)
	}
	got, err := db.DequeueUnprocessed(ctx, 1, 1)
	if err != nil || len(got) != 1 || got[0].Username != "a" || got[0].RemoteID != "11" {
		t.Fatalf("dequeue oldest: %+v %v", got, err)
	}
	first := got[0]
	if err := db.MarkProcessed(ctx, first.ID, true, false, time.Now()); err != nil {
		t.Fatal(err)
	}
	if err := db.MarkProcessed(ctx, first.ID, false, true, time.Now()); !errors.Is(err, ErrAlreadyProcessed) {
		t.Fatalf("second mark: %v", err)
	}
	c, err := db.GetCandidate(ctx, first.ID)
	if err != nil || c == nil || !c.Processed || !c.Followed || c.Liked || c.ProcessedAt == nil {
		t.Fatalf("flags must stay fixed: %+v %v", c, err)
	}
	got, _ = db.DequeueUnprocessed(ctx, 1, 5)
	if len(got) != 2 || got[0].Username != "b" || got[1].Username != "a" {
		t.Fatalf("remaining order: %+v", got)
	}
}

func TestTargets(t *testing.T) {
	db := openTest(t)
	ctx := context.Background()
	id1, err := db.AddTarget(ctx, 1, "natgeo", "travel")
	if err != nil {
		t.Fatal(err)
	}
	id2, _ := db.AddTarget(ctx, 1, "nasa", "")
	if ok, err := db.SetTargetActive(ctx, 1, id2, false); err != nil || !ok {
		t.Fatalf("toggle: %v %v", ok, err)
	}
	if ok, _ := db.SetTargetActive(ctx, 99, id2, true); ok {
		t.Fatal("toggle must be scoped to the account")
	}
	active, err := db.GetActiveTargets(ctx, 1)
	if err != nil || len(active) != 1 || active[0].ID != id1 {
		t.Fatalf("active: %+v %v", active, err)
	}
	at := time.Unix(1700000000, 0).UTC()
	if err := db.TouchTarget(ctx, id1, at, 500); err != nil {
		t.Fatal(err)
	}
	all, _ := db.ListTargets(ctx, 1)
	if len(all) != 2 || all[0].FollowerCount != 500 || all[0].LastScrapedAt == nil || !all[0].LastScrapedAt.Equal(at) {
		t.Fatalf("list: %+v", all)
	}
	if again, _ := db.AddTarget(ctx, 1, "nasa", "space"); again != id2 {
		t.Fatalf("re-adding must reuse the row: %d != %d", again, id2)
	}
	if ok, _ := db.DeleteTarget(ctx, 1, id1); !ok {
		t.Fatal("delete failed")
	}
	all, _ = db.ListTargets(ctx, 1)
	if len(all) != 1 || !all[0].IsActive || all[0].Category != "space" {
		t.Fatalf("after delete: %+v", all)
	}
}

func TestAnalyticsHistory(t *testing.T) {
	db := openTest(t)
	ctx := context.Background()
	for _, day := range []string{"2024-03-01", "2024-03-02", "2024-03-03"} {
		if err := db.UpsertAnalytics(ctx, model.Analytics{AccountID: 1, Day: day, TotalFollows: 1}); err != nil {
			t.Fatal(err)
		}
	}
	if err := db.UpsertAnalytics(ctx, model.Analytics{AccountID: 1, Day: "2024-03-03", TotalFollows: 9}); err != nil {
		t.Fatal(err)
	}
	h, err := db.AnalyticsHistory(ctx, 1, time.Date(2024, 3, 2, 12, 0, 0, 0, time.UTC))
	if err != nil || len(h) != 2 || h[1].TotalFollows != 9 {
		t.Fatalf("history: %+v %v", h, err)
	}
}

func TestDeleteAllForAccount(t *testing.T) {
	db := openTest(t)
	ctx := context.Background()
	now := time.Now().UTC()
	for _, id := range []int64{1, 2} {
		_ = db.UpsertAccount(ctx, model.Account{AccountID: id, Username: "u"})
		_ = db.UpsertConfig(ctx, model.DefaultBotConfig(id))
		_ = db.IncrementCounter(ctx, id, model.CounterLikes, now)
		_, _ = db.AppendLog(ctx, model.ActionLogEntry{AccountID: id, Type: model.ActionLike, Status: model.StatusSuccess})
		_, _ = db.EnqueueCandidates(ctx, []model.Candidate{{AccountID: id, Username: "c", SourceType: model.SourceFollower}})
		_, _ = db.AddTarget(ctx, id, "t", "")
		_ = db.UpsertAnalytics(ctx, model.Analytics{AccountID: id, Day: model.Day(now)})
	}
	if err := db.DeleteAllForAccount(ctx, 1); err != nil {
		t.Fatal(err)
	}
	for _, table := range []string{"accounts", "bot_configs", "daily_counters", "action_logs", "candidates", "target_accounts", "analytics"} {
		var n1, n2 int
		_ = db.sql.QueryRow(`SELECT COUNT(*) FROM `+table+` WHERE account_id=1`).Scan(&n1)
		_ = db.sql.QueryRow(`SELECT COUNT(*) FROM `+table+` WHERE account_id=2`).Scan(&n2)
		if n1 != 0 || n2 != 1 {
			t.Fatalf("%s: account1=%d account2=%d", table, n1, n2)
		}
	}
}
