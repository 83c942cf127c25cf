package bot

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"growpilot/internal/igclient"
	"growpilot/internal/igclient/igfake"
	"growpilot/internal/model"
	"growpilot/internal/session"
	"growpilot/internal/store"
)

func newTestRegistry(t *testing.T) (*Registry, *harness, context.CancelFunc) {
	t.Helper()
	h := newHarness(t)
	base, cancel := context.WithCancel(context.Background())
	r := NewRegistry(base, h.db, h.mgr, Options{StopGrace: time.Second})
	r.now = h.clock
	// loops park between ticks until stopped
	r.sleep = func(ctx context.Context, d time.Duration) error {
		<-ctx.Done()
		return ctx.Err()
	}
	t.Cleanup(func() {
		r.StopAll(context.Background())
		cancel()
	})
	return r, h, cancel
}

var creds = session.Credentials{Username: "me", Password: "pw"}

func TestStartIsExclusive(t *testing.T) {
	r, _, _ := newTestRegistry(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	var mu sync.Mutex
	ok, busy := 0, 0
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := r.Start(ctx, 1, creds)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				ok++
			case errors.Is(err, ErrAlreadyRunning):
				busy++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()
	if ok != 1 || busy != 7 {
		t.Fatalf("ok=%d busy=%d", ok, busy)
	}
	if got := r.Running(); len(got) != 1 || got[0] != 1 {
		t.Fatalf("running=%v", got)
	}
}

func TestStartPersistsRunningAndLogs(t *testing.T) {
	r, h, _ := newTestRegistry(t)
	ctx := context.Background()
	out, err := r.Start(ctx, 1, creds)
	if err != nil {
		t.Fatal(err)
	}
	if out.RunID == "" || out.Username != "me" {
		t.Fatalf("outcome: %+v", out)
	}
	cfg, _ := h.db.GetConfig(ctx, 1)
	if cfg == nil || !cfg.IsRunning || cfg.LastStartedAt == nil {
		t.Fatalf("config: %+v", cfg)
	}
	logs, _ := h.db.RecentLogs(ctx, 1, 10)
	found := false
	for _, l := range logs {
		if l.Type == model.ActionBotEvent && l.Metadata["event"] == "bot_started" {
			found = true
		}
	}
	if !found {
		t.Fatalf("no start entry in %+v", logs)
	}
}

func TestStopTwice(t *testing.T) {
	r, h, _ := newTestRegistry(t)
	ctx := context.Background()
	if _, err := r.Start(ctx, 1, creds); err != nil {
		t.Fatal(err)
	}
	if _, err := r.Stop(ctx, 1); err != nil {
		t.Fatal(err)
	}
	if _, err := r.Stop(ctx, 1); !errors.Is(err, ErrNotRunning) {
		t.Fatalf("second stop: %v", err)
	}
	if r.IsRunning(1) {
		t.Fatal("still registered")
	}
	cfg, _ := h.db.GetConfig(ctx, 1)
	if cfg.IsRunning || cfg.LastStoppedAt == nil {
		t.Fatalf("config: %+v", cfg)
	}
	// a stopped account can start again
	if _, err := r.Start(ctx, 1, creds); err != nil {
		t.Fatal(err)
	}
}

func TestStartReturnsLoginError(t *testing.T) {
	r, h, _ := newTestRegistry(t)
	h.fc.Set(func(c *igfake.Client) { c.LoginErr = igclient.ErrInvalidCredentials })
	_, err := r.Start(context.Background(), 1, session.Credentials{Username: "me", Password: "wrong"})
	if !errors.Is(err, igclient.ErrInvalidCredentials) {
		t.Fatalf("err=%v", err)
	}
	if r.IsRunning(1) {
		t.Fatal("failed start left an instance behind")
	}
}

func TestDisconnectRemovesEverything(t *testing.T) {
	r, h, _ := newTestRegistry(t)
	ctx := context.Background()
	if _, err := r.Start(ctx, 1, creds); err != nil {
		t.Fatal(err)
	}
	_, _ = h.db.AddTarget(ctx, 1, "natgeo", "")
	h.enqueue(t, model.Candidate{Username: "alice", RemoteID: "11"})

	if err := r.Disconnect(ctx, 1); err != nil {
		t.Fatal(err)
	}
	if r.IsRunning(1) {
		t.Fatal("still running")
	}
	acc, _ := h.db.GetAccount(ctx, 1)
	cfg, _ := h.db.GetConfig(ctx, 1)
	targets, _ := h.db.ListTargets(ctx, 1)
	depth, _ := h.db.QueueDepth(ctx, 1)
	logs, _ := h.db.RecentLogs(ctx, 1, 10)
	if acc != nil || cfg != nil || len(targets) != 0 || depth != 0 || len(logs) != 0 {
		t.Fatalf("left over: acc=%v cfg=%v targets=%d depth=%d logs=%d", acc, cfg, len(targets), depth, len(logs))
	}
}

func TestStatusDefaults(t *testing.T) {
	r, _, _ := newTestRegistry(t)
	s := r.Status(context.Background(), 42)
	if s.Running || s.State != "stopped" || s.Account != nil {
		t.Fatalf("status: %+v", s)
	}
	if s.Limits.FollowsLimit != 100 || s.Limits.LikesLimit != 62 {
		t.Fatalf("limits: %+v", s.Limits)
	}
}

func TestStatusOfRunningAccount(t *testing.T) {
	r, h, _ := newTestRegistry(t)
	ctx := context.Background()
	h.config(t, func(c *model.BotConfig) { c.FollowsPerDay = 20 })
	if _, err := r.Start(ctx, 1, creds); err != nil {
		t.Fatal(err)
	}
	_ = h.db.IncrementCounter(ctx, 1, model.CounterFollows, h.clock())
	s := r.Status(ctx, 1)
	if !s.Running || s.RunID == "" || s.Limits.FollowsLimit != 20 || s.Limits.FollowsToday != 1 {
		t.Fatalf("status: %+v", s)
	}
	if s.Account == nil || s.Account.PasswordHash != "" || s.Account.SessionBlob != "" {
		t.Fatalf("secrets leaked: %+v", s.Account)
	}
}

func TestStopAll(t *testing.T) {
	r, h, _ := newTestRegistry(t)
	ctx := context.Background()
	for _, id := range []int64{1, 2} {
		if _, err := r.Start(ctx, id, creds); err != nil {
			t.Fatal(err)
		}
	}
	r.StopAll(ctx)
	if len(r.Running()) != 0 {
		t.Fatalf("running=%v", r.Running())
	}
	ids, _ := h.db.RunningAccounts(ctx)
	if len(ids) != 0 {
		t.Fatalf("persisted running=%v", ids)
	}
}

func TestStartLoginTimesOut(t *testing.T) {
	h := newHarness(t)
	r := NewRegistry(context.Background(), h.db, h.mgr, Options{CallTimeout: 20 * time.Millisecond})
	h.fc.Set(func(c *igfake.Client) { c.Block = true })

	_, err := r.Start(context.Background(), 1, creds)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err=%v", err)
	}
	if r.IsRunning(1) {
		t.Fatal("timed out start left an instance behind")
	}
}

type switchableConfig struct {
	*store.DB
	broken *atomic.Bool
}

func (s switchableConfig) GetConfig(ctx context.Context, id int64) (*model.BotConfig, error) {
	if s.broken.Load() {
		return nil, errors.New("disk on fire")
	}
	return s.DB.GetConfig(ctx, id)
}

func TestFailedLoopReleasesItsContext(t *testing.T) {
	h := newHarness(t)
	var broken atomic.Bool
	r := NewRegistry(context.Background(), switchableConfig{h.db, &broken}, h.mgr, Options{})
	r.now = h.clock
	r.sleep = func(ctx context.Context, d time.Duration) error { return ctx.Err() }
	t.Cleanup(func() { r.StopAll(context.Background()) })

	if _, err := r.Start(context.Background(), 1, creds); err != nil {
		t.Fatal(err)
	}
	var cancelled atomic.Bool
	r.mu.Lock()
	inst := r.bots[1]
	loopCancel := inst.cancel
	inst.cancel = func() {
		cancelled.Store(true)
		loopCancel()
	}
	disp := inst.disp
	r.mu.Unlock()

	broken.Store(true)
	select {
	case <-disp.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("loop did not fail")
	}
	if disp.State() != Failed || r.IsRunning(1) {
		t.Fatalf("state=%s running=%v", disp.State(), r.IsRunning(1))
	}
	if !cancelled.Load() {
		t.Fatal("loop context left open after failure")
	}
}
