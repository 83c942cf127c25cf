package control

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"

	"growpilot/internal/analytics"
	"growpilot/internal/bot"
	"growpilot/internal/igclient"
	"growpilot/internal/igclient/igfake"
	"growpilot/internal/model"
	"growpilot/internal/session"
	"growpilot/internal/store"
)

func openStore(t *testing.T) *store.DB {
	t.Helper()
	db, err := store.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

type fakeBots struct {
	startErr error
	stopErr  error
}

func (f fakeBots) Start(ctx context.Context, id int64, c session.Credentials) (bot.StartOutcome, error) {
	return bot.StartOutcome{AccountID: id, Username: "me"}, f.startErr
}

func (f fakeBots) Stop(ctx context.Context, id int64) (bot.StopOutcome, error) {
	return bot.StopOutcome{AccountID: id}, f.stopErr
}

func (f fakeBots) Status(ctx context.Context, id int64) bot.StatusSnapshot {
	return bot.StatusSnapshot{State: "stopped"}
}

func (f fakeBots) Disconnect(ctx context.Context, id int64) error { return nil }

func TestStartMessages(t *testing.T) {
	db := openStore(t)
	cases := []struct {
		err  error
		ok   bool
		want string
	}{
		{nil, true, "Bot started for @me"},
		{bot.ErrAlreadyRunning, false, "Bot is already running"},
		{fmt.Errorf("login: %w", igclient.ErrInvalidCredentials), false, "Invalid username or password"},
		{igclient.ErrChallengeRequired, false, "Verification required"},
		{errors.New("dial tcp: refused"), false, "Failed to start bot: dial tcp: refused"},
	}
	for _, c := range cases {
		s := New(fakeBots{startErr: c.err}, db, nil)
		r := s.Start(context.Background(), 1, session.Credentials{})
		if r.Success != c.ok || !strings.HasPrefix(r.Message, c.want) {
			t.Fatalf("%v: %+v", c.err, r)
		}
		// platform errors reach the caller unchanged
		if c.err != nil && !errors.Is(c.err, bot.ErrAlreadyRunning) && !strings.HasSuffix(r.Message, ": "+c.err.Error()) {
			t.Fatalf("error text lost: %q", r.Message)
		}
	}
	if r := New(fakeBots{stopErr: bot.ErrNotRunning}, db, nil).Stop(context.Background(), 1); r.Success || r.Message != "Bot is not running" {
		t.Fatalf("stop: %+v", r)
	}
}

func TestConfigDefaultsAndPartialUpdate(t *testing.T) {
	db := openStore(t)
	s := New(fakeBots{}, db, nil)
	ctx := context.Background()

	c, err := s.GetConfig(ctx, 1)
	if err != nil || c.LikesPerHour != 62 || c.FollowsPerDay != 100 {
		t.Fatalf("defaults: %+v %v", c, err)
	}
	likes, off := 40, false
	if _, err := s.UpdateConfig(ctx, 1, ConfigPatch{LikesPerHour: &likes, EnableFollows: &off}); err != nil {
		t.Fatal(err)
	}
	stored, _ := db.GetConfig(ctx, 1)
	if stored.LikesPerHour != 40 || stored.EnableFollows || stored.FollowsPerDay != 100 || !stored.EnableLikes {
		t.Fatalf("stored: %+v", stored)
	}
}

func TestUpdateConfigRejectsOutOfRange(t *testing.T) {
	db := openStore(t)
	s := New(fakeBots{}, db, nil)
	ctx := context.Background()
	n := func(v int) *int { return &v }
	for _, p := range []ConfigPatch{
		{LikesPerHour: n(0)},
		{LikesPerHour: n(201)},
		{FollowsPerDay: n(500)},
		{MinDelaySeconds: n(5)},
		{MaxDelaySeconds: n(301)},
		{MinDelaySeconds: n(120), MaxDelaySeconds: n(60)},
	} {
		if _, err := s.UpdateConfig(ctx, 1, p); !errors.Is(err, ErrInvalidConfig) {
			t.Fatalf("%+v accepted: %v", p, err)
		}
	}
	if c, _ := db.GetConfig(ctx, 1); c != nil {
		t.Fatalf("invalid update stored: %+v", c)
	}
}

func TestTargets(t *testing.T) {
	db := openStore(t)
	s := New(fakeBots{}, db, nil)
	ctx := context.Background()

	tg, err := s.AddTarget(ctx, 1, " @NatGeo ", "travel  photo")
	if err != nil || tg.Username != "natgeo" || tg.Category != "travel photo" {
		t.Fatalf("add: %+v %v", tg, err)
	}
	if _, err := s.AddTarget(ctx, 1, "not valid!", ""); err == nil {
		t.Fatal("invalid username accepted")
	}
	if err := s.ToggleTarget(ctx, 1, tg.ID, false); err != nil {
		t.Fatal(err)
	}
	ts, _ := s.ListTargets(ctx, 1)
	if len(ts) != 1 || ts[0].IsActive {
		t.Fatalf("targets: %+v", ts)
	}
	if err := s.ToggleTarget(ctx, 2, tg.ID, true); !errors.Is(err, ErrNotFound) {
		t.Fatalf("other account toggled: %v", err)
	}
	if err := s.RemoveTarget(ctx, 1, tg.ID); err != nil {
		t.Fatal(err)
	}
	if err := s.RemoveTarget(ctx, 1, tg.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("second remove: %v", err)
	}
}

func TestRecentLogsLimit(t *testing.T) {
	db := openStore(t)
	s := New(fakeBots{}, db, nil)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	for i := 0; i < 60; i++ {
		_, _ = db.AppendLog(ctx, model.ActionLogEntry{AccountID: 1, Type: model.ActionFollow, Status: model.StatusSuccess, CreatedAt: base.Add(time.Duration(i) * time.Second)})
	}
	logs, _ := s.RecentLogs(ctx, 1, 0)
	if len(logs) != DefaultLogLimit || !logs[0].CreatedAt.Equal(base.Add(59*time.Second)) {
		t.Fatalf("default limit: %d", len(logs))
	}
	if logs, _ = s.RecentLogs(ctx, 1, 1000); len(logs) != 60 {
		t.Fatalf("capped limit: %d", len(logs))
	}

	s.now = func() time.Time { return base.Add(time.Minute) }
	hourly, err := s.HourlyActivity(ctx, 1, 2)
	keys := analytics.SortedBucketKeys(hourly)
	if err != nil || len(keys) != 1 || !keys[0].Equal(base) || hourly[keys[0]][model.ActionFollow] != 60 {
		t.Fatalf("hourly: %v %v", hourly, err)
	}
}

func TestAnalytics(t *testing.T) {
	db := openStore(t)
	s := New(fakeBots{}, db, nil)
	ctx := context.Background()
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return now }
	_ = db.UpsertAccount(ctx, model.Account{AccountID: 1, Username: "me", IsActive: true, FollowerCount: 12, PasswordHash: "h", SessionBlob: "b"})
	_ = db.IncrementCounter(ctx, 1, model.CounterLikes, now)

	a, err := s.AnalyticsToday(ctx, 1)
	if err != nil || a.TotalLikes != 1 || a.FollowerCount != 12 || a.Day != "2026-03-10" {
		t.Fatalf("today: %+v %v", a, err)
	}
	for d := 0; d < 10; d++ {
		_ = db.UpsertAnalytics(ctx, model.Analytics{AccountID: 1, Day: model.Day(now.AddDate(0, 0, -d))})
	}
	rows, _ := s.AnalyticsHistory(ctx, 1, 0)
	if len(rows) != DefaultHistoryDays || rows[0].Day != "2026-03-04" {
		t.Fatalf("history: %d %+v", len(rows), rows)
	}

	acc, err := s.AccountInfo(ctx, 1)
	if err != nil || acc.PasswordHash != "" || acc.SessionBlob != "" || acc.Username != "me" {
		t.Fatalf("account: %+v %v", acc, err)
	}
	if _, err := s.AccountInfo(ctx, 9); !errors.Is(err, ErrNotFound) {
		t.Fatalf("missing account: %v", err)
	}
}

func TestLifecycleThroughRegistry(t *testing.T) {
	db := openStore(t)
	fc := igfake.New()
	mgr := session.NewManager(db, func() igclient.Client { return fc }).WithBcryptCost(bcrypt.MinCost)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	reg := bot.NewRegistry(ctx, db, mgr, bot.Options{StopGrace: time.Second})
	s := New(reg, db, nil)

	if r := s.Start(ctx, 1, session.Credentials{}); r.Success || !strings.Contains(r.Message, "password or session") {
		t.Fatalf("start without secret: %+v", r)
	}
	if r := s.Start(ctx, 1, session.Credentials{Username: "me", Password: "pw"}); !r.Success {
		t.Fatalf("start: %+v", r)
	}
	if st := s.Status(ctx, 1); !st.Running {
		t.Fatalf("status: %+v", st)
	}
	if r := s.Stop(ctx, 1); !r.Success {
		t.Fatalf("stop: %+v", r)
	}
	// the stored session is enough for a restart
	if r := s.Start(ctx, 1, session.Credentials{}); !r.Success {
		t.Fatalf("restart: %+v", r)
	}
	if r := s.Disconnect(ctx, 1); !r.Success {
		t.Fatalf("disconnect: %+v", r)
	}
	if acc, _ := db.GetAccount(ctx, 1); acc != nil {
		t.Fatalf("account left: %+v", acc)
	}
}
