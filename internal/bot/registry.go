package bot

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"growpilot/internal/igclient"
	"growpilot/internal/logging"
	"growpilot/internal/metrics"
	"growpilot/internal/model"
	"growpilot/internal/session"
)

var (
	ErrAlreadyRunning = errors.New("bot already running")
	ErrNotRunning     = errors.New("bot not running")
	// ErrStartAborted is returned by Start when Stop ran while the login was in flight.
	ErrStartAborted = errors.New("bot stopped while starting")
)

// Login authenticates one account, see session.Manager.
type Login interface {
	Refresher
	Login(ctx context.Context, accountID int64, creds session.Credentials) (igclient.Client, igclient.User, error)
}

type StartOutcome struct {
	AccountID int64
	RunID     string
	Username  string
	StartedAt time.Time
}

type StopOutcome struct {
	AccountID int64
	RunID     string
	StoppedAt time.Time
}

// Limits are today's counters next to the configured budgets.
type Limits struct {
	FollowsToday       int
	LikesToday         int
	StoriesViewedToday int
	FollowsLimit       int
	LikesLimit         int
}

// StatusSnapshot is a best-effort view of one account; fields that could not be
// read keep their defaults.
type StatusSnapshot struct {
	Running    bool
	State      string
	RunID      string
	Account    *model.Account
	Limits     Limits
	QueueDepth int
	ErrorCount int
}

type instance struct {
	runID string
	// nil while the login is in flight
	disp   *Dispatcher
	cancel context.CancelFunc
}

// Registry owns the running bot of every account. At most one instance exists
// per account: Start inserts a placeholder under the lock before logging in.
type Registry struct {
	base     context.Context
	db       Store
	sessions Login
	opts     Options

	mu   sync.Mutex
	bots map[int64]*instance

	// loop overrides for tests
	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// NewRegistry returns a registry whose loops live until base is cancelled or
// they are stopped.
func NewRegistry(base context.Context, db Store, sessions Login, opts Options) *Registry {
	return &Registry{
		base:     base,
		db:       db,
		sessions: sessions,
		opts:     opts.withDefaults(),
		bots:     map[int64]*instance{},
		now:      time.Now,
		sleep:    sleepCtx,
	}
}

// Start logs the account in and spawns its loop. It returns once the loop is
// spawned, without waiting for a tick.
func (r *Registry) Start(ctx context.Context, accountID int64, creds session.Credentials) (StartOutcome, error) {
	inst := &instance{runID: uuid.NewString()}
	r.mu.Lock()
	if _, ok := r.bots[accountID]; ok {
		r.mu.Unlock()
		return StartOutcome{}, ErrAlreadyRunning
	}
	r.bots[accountID] = inst
	r.gaugeLocked()
	r.mu.Unlock()

	fields := map[string]any{"account_id": accountID, "run_id": inst.runID}
	lctx, lcancel := context.WithTimeout(ctx, r.opts.CallTimeout)
	client, me, err := r.sessions.Login(lctx, accountID, creds)
	lcancel()
	if err != nil {
		r.remove(accountID, inst)
		logging.Warn("start_failed", withErr(fields, err))
		return StartOutcome{}, err
	}

	now := r.now().UTC()
	cfg, err := r.db.GetConfig(ctx, accountID)
	if err != nil {
		r.remove(accountID, inst)
		return StartOutcome{}, fmt.Errorf("load config: %w", err)
	}
	if cfg == nil {
		def := r.opts.Defaults(accountID)
		cfg = &def
	}
	cfg.IsRunning = true
	cfg.LastStartedAt = &now
	if err := r.db.UpsertConfig(ctx, *cfg); err != nil {
		r.remove(accountID, inst)
		return StartOutcome{}, fmt.Errorf("store config: %w", err)
	}

	d := newDispatcher(accountID, inst.runID, client, r.db, r.sessions, r.opts)
	d.now, d.sleep = r.now, r.sleep
	d.lastRefresh = r.now()
	d.onFailed = func() { r.remove(accountID, inst) }
	loopCtx, cancel := context.WithCancel(r.base)

	r.mu.Lock()
	if r.bots[accountID] != inst {
		// Stop won the race during login.
		r.mu.Unlock()
		cancel()
		_ = r.db.SetRunning(ctx, accountID, false, r.now().UTC())
		return StartOutcome{}, ErrStartAborted
	}
	inst.disp, inst.cancel = d, cancel
	go d.Run(loopCtx)
	r.mu.Unlock()

	if _, err := r.db.AppendLog(ctx, model.ActionLogEntry{
		AccountID: accountID,
		Type:      model.ActionBotEvent,
		Status:    model.StatusSuccess,
		Metadata:  map[string]any{"event": "bot_started", "runId": inst.runID},
		CreatedAt: now,
	}); err != nil {
		logging.Warn("log_write_failed", withErr(fields, err))
	}
	logging.Info("bot_started", fields)
	return StartOutcome{AccountID: accountID, RunID: inst.runID, Username: me.Username, StartedAt: now}, nil
}

// Stop cancels the account's loop and records the stop. It does not wait for the
// loop to exit; a tick in flight is interrupted through its context.
func (r *Registry) Stop(ctx context.Context, accountID int64) (StopOutcome, error) {
	r.mu.Lock()
	inst, ok := r.bots[accountID]
	if !ok {
		r.mu.Unlock()
		return StopOutcome{}, ErrNotRunning
	}
	delete(r.bots, accountID)
	r.gaugeLocked()
	r.mu.Unlock()

	if inst.cancel != nil {
		inst.cancel()
	}
	now := r.now().UTC()
	out := StopOutcome{AccountID: accountID, RunID: inst.runID, StoppedAt: now}
	if err := r.db.SetRunning(ctx, accountID, false, now); err != nil {
		return out, fmt.Errorf("store stop: %w", err)
	}
	if _, err := r.db.AppendLog(ctx, model.ActionLogEntry{
		AccountID: accountID,
		Type:      model.ActionBotEvent,
		Status:    model.StatusSuccess,
		Metadata:  map[string]any{"event": "bot_stopped", "runId": inst.runID},
		CreatedAt: now,
	}); err != nil {
		return out, fmt.Errorf("log stop: %w", err)
	}
	logging.Info("bot_stopped", map[string]any{"account_id": accountID, "run_id": inst.runID})
	return out, nil
}

// Disconnect stops the account if needed, waits up to the stop grace for its loop
// to exit and then deletes every row stored for it.
func (r *Registry) Disconnect(ctx context.Context, accountID int64) error {
	r.mu.Lock()
	inst, running := r.bots[accountID]
	var disp *Dispatcher
	if running {
		disp = inst.disp
	}
	r.mu.Unlock()
	if running {
		if _, err := r.Stop(ctx, accountID); err != nil && !errors.Is(err, ErrNotRunning) {
			logging.Warn("disconnect_stop_failed", withErr(map[string]any{"account_id": accountID}, err))
		}
		if disp != nil {
			r.wait(ctx, disp)
		}
	}
	if err := r.db.DeleteAllForAccount(ctx, accountID); err != nil {
		return fmt.Errorf("delete account data: %w", err)
	}
	logging.Info("account_disconnected", map[string]any{"account_id": accountID})
	return nil
}

func (r *Registry) wait(ctx context.Context, d *Dispatcher) {
	t := time.NewTimer(r.opts.StopGrace)
	defer t.Stop()
	select {
	case <-d.Done():
	case <-t.C:
		logging.Warn("loop_exit_timeout", map[string]any{"account_id": d.accountID, "run_id": d.runID})
	case <-ctx.Done():
	}
}

// StopAll stops every running account and waits for their loops, bounded by the
// stop grace each.
func (r *Registry) StopAll(ctx context.Context) {
	r.mu.Lock()
	var disps []*Dispatcher
	for _, inst := range r.bots {
		if inst.disp != nil {
			disps = append(disps, inst.disp)
		}
	}
	r.mu.Unlock()
	for _, id := range r.Running() {
		if _, err := r.Stop(ctx, id); err != nil && !errors.Is(err, ErrNotRunning) {
			logging.Warn("stop_failed", withErr(map[string]any{"account_id": id}, err))
		}
	}
	for _, d := range disps {
		r.wait(ctx, d)
	}
}

func (r *Registry) IsRunning(accountID int64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.bots[accountID]
	return ok
}

// Running lists the accounts with a registered instance, ascending.
func (r *Registry) Running() []int64 {
	r.mu.Lock()
	out := make([]int64, 0, len(r.bots))
	for id := range r.bots {
		out = append(out, id)
	}
	r.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Status never fails: read errors are logged and leave defaults in place.
func (r *Registry) Status(ctx context.Context, accountID int64) StatusSnapshot {
	def := r.opts.Defaults(accountID)
	snap := StatusSnapshot{
		State:  Stopped.String(),
		Limits: Limits{FollowsLimit: def.FollowsPerDay, LikesLimit: def.LikesPerHour},
	}
	r.mu.Lock()
	if inst, ok := r.bots[accountID]; ok {
		snap.Running = true
		snap.RunID = inst.runID
		snap.State = Starting.String()
		if inst.disp != nil {
			snap.State = inst.disp.State().String()
			snap.ErrorCount = inst.disp.backoff.Count()
		}
	}
	r.mu.Unlock()

	fields := map[string]any{"account_id": accountID}
	if acc, err := r.db.GetAccount(ctx, accountID); err != nil {
		logging.Warn("status_read_failed", withErr(fields, err))
	} else if acc != nil {
		acc.PasswordHash, acc.SessionBlob = "", ""
		snap.Account = acc
	}
	if cfg, err := r.db.GetConfig(ctx, accountID); err != nil {
		logging.Warn("status_read_failed", withErr(fields, err))
	} else if cfg != nil {
		snap.Limits.FollowsLimit, snap.Limits.LikesLimit = cfg.FollowsPerDay, cfg.LikesPerHour
	}
	if c, err := r.db.GetTodayCounters(ctx, accountID, r.now()); err != nil {
		logging.Warn("status_read_failed", withErr(fields, err))
	} else {
		snap.Limits.FollowsToday, snap.Limits.LikesToday, snap.Limits.StoriesViewedToday = c.Follows, c.Likes, c.StoriesViewed
	}
	if n, err := r.db.QueueDepth(ctx, accountID); err == nil {
		snap.QueueDepth = n
	}
	return snap
}

// remove drops inst if it is still registered and cancels its loop context.
func (r *Registry) remove(accountID int64, inst *instance) {
	r.mu.Lock()
	if r.bots[accountID] == inst {
		delete(r.bots, accountID)
		r.gaugeLocked()
	}
	cancel := inst.cancel
	r.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (r *Registry) gaugeLocked() { metrics.RunningBots.Set(float64(len(r.bots))) }

func withErr(fields map[string]any, err error) map[string]any {
	out := make(map[string]any, len(fields)+1)
	for k, v := range fields {
		out[k] = v
	}
	out["error"] = err.Error()
	return out
}
