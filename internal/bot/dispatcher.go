package bot

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"growpilot/internal/backoff"
	"growpilot/internal/igclient"
	"growpilot/internal/logging"
	"growpilot/internal/metrics"
	"growpilot/internal/model"
	"growpilot/internal/queue"
	"growpilot/internal/quota"
	"growpilot/internal/schedule"
	"growpilot/internal/store"
)

// Store is the persistence used by the registry and its loops.
type Store interface {
	quota.Counts
	queue.Store
	GetAccount(ctx context.Context, accountID int64) (*model.Account, error)
	GetConfig(ctx context.Context, accountID int64) (*model.BotConfig, error)
	UpsertConfig(ctx context.Context, c model.BotConfig) error
	SetRunning(ctx context.Context, accountID int64, running bool, at time.Time) error
	IncrementCounter(ctx context.Context, accountID int64, kind model.CounterKind, now time.Time) error
	QueueDepth(ctx context.Context, accountID int64) (int, error)
	DeleteAllForAccount(ctx context.Context, accountID int64) error
}

// Refresher re-validates an authenticated client, see session.Manager.
type Refresher interface {
	Refresh(ctx context.Context, accountID int64, client igclient.Client) error
}

// Options tune every loop a registry starts.
type Options struct {
	RefreshInterval time.Duration
	CallTimeout     time.Duration
	ErrorThreshold  int
	ScrapeBatch     int
	// UTC hours during which the loop idles.
	QuietHours []int
	// StopGrace bounds how long Disconnect waits for a loop to exit.
	StopGrace time.Duration
	// Defaults builds the config of an account that never saved one.
	Defaults func(accountID int64) model.BotConfig
}

func (o Options) withDefaults() Options {
	if o.RefreshInterval <= 0 {
		o.RefreshInterval = time.Hour
	}
	if o.CallTimeout <= 0 {
		o.CallTimeout = 30 * time.Second
	}
	if o.ErrorThreshold <= 0 {
		o.ErrorThreshold = backoff.DefaultThreshold
	}
	if o.ScrapeBatch <= 0 {
		o.ScrapeBatch = queue.DefaultBatch
	}
	if o.StopGrace <= 0 {
		o.StopGrace = 10 * time.Second
	}
	if o.Defaults == nil {
		o.Defaults = model.DefaultBotConfig
	}
	return o
}

// Spam cool-down after a throttled follow, in seconds.
const (
	throttleMinSeconds = 300
	throttleMaxSeconds = 600
)

// Dispatcher runs the control loop of one account. Ticks never overlap: the
// loop is a single goroutine and every step inside a tick is sequential.
type Dispatcher struct {
	accountID int64
	runID     string
	client    igclient.Client
	db        Store
	sessions  Refresher
	limiter   *quota.Limiter
	queue     *queue.Queue
	backoff   *backoff.Controller
	opts      Options

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
	intn  func(n int) int

	// onFailed runs once after the loop shut itself down.
	onFailed func()

	mu          sync.Mutex
	state       State
	lastRefresh time.Time
	done        chan struct{}
}

func newDispatcher(accountID int64, runID string, client igclient.Client, db Store, sessions Refresher, opts Options) *Dispatcher {
	opts = opts.withDefaults()
	return &Dispatcher{
		accountID:   accountID,
		runID:       runID,
		client:      client,
		db:          db,
		sessions:    sessions,
		limiter:     quota.New(db),
		queue:       queue.New(db).WithBatch(opts.ScrapeBatch).WithCallTimeout(opts.CallTimeout),
		backoff:     backoff.New().WithThreshold(opts.ErrorThreshold),
		opts:        opts,
		now:         time.Now,
		sleep:       sleepCtx,
		intn:        rand.IntN,
		state:       Starting,
		lastRefresh: time.Now(),
		done:        make(chan struct{}),
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (d *Dispatcher) State() State {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

// Done is closed once Run returned.
func (d *Dispatcher) Done() <-chan struct{} { return d.done }

func (d *Dispatcher) fire(e Event) {
	d.mu.Lock()
	defer d.mu.Unlock()
	next, err := d.state.Next(e)
	if err != nil {
		logging.Warn("state_transition_rejected", d.fields(map[string]any{"error": err.Error()}))
		return
	}
	d.state = next
}

func (d *Dispatcher) fields(extra map[string]any) map[string]any {
	f := map[string]any{"account_id": d.accountID, "run_id": d.runID}
	for k, v := range extra {
		f[k] = v
	}
	return f
}

// Run drives the loop until ctx is cancelled (Stopped) or the failure threshold
// is reached (Failed).
func (d *Dispatcher) Run(ctx context.Context) State {
	defer close(d.done)
	d.fire(EventLoggedIn)
	logging.Info("loop_started", d.fields(nil))
	for {
		if ctx.Err() != nil {
			return d.stopped()
		}
		if len(d.opts.QuietHours) > 0 {
			now := d.now()
			if next := schedule.NextWindow(now, d.opts.QuietHours); next.After(now) {
				logging.Debug("quiet_hours", d.fields(map[string]any{"until": next.UTC().Format(time.RFC3339)}))
				_ = d.sleep(ctx, next.Sub(now))
				continue
			}
		}
		start := time.Now()
		res, err := d.Tick(ctx)
		if ctx.Err() != nil {
			metrics.ObserveTick(start, false)
			return d.stopped()
		}
		metrics.ObserveTick(start, err != nil)
		if err != nil {
			if d.handleFailure(ctx, err) {
				return Failed
			}
			continue
		}
		if res.gotCandidate {
			d.backoff.Success()
		}
		_ = d.sleep(ctx, d.randomDelay(res.cfg))
	}
}

func (d *Dispatcher) stopped() State {
	d.fire(EventStopRequested)
	logging.Info("loop_stopped", d.fields(nil))
	return Stopped
}

// handleFailure routes a failed tick through the backoff controller. It reports
// whether the loop must end in Failed.
func (d *Dispatcher) handleFailure(ctx context.Context, tickErr error) bool {
	d.fire(EventTickFailed)
	delay, terminate := d.backoff.Failure()
	n := d.backoff.Count()
	logging.Error("loop_error", d.fields(map[string]any{"error": tickErr.Error(), "error_count": n}))
	if _, err := d.db.AppendLog(ctx, model.ActionLogEntry{
		AccountID:    d.accountID,
		Type:         model.ActionBotEvent,
		Status:       model.StatusFailed,
		ErrorMessage: tickErr.Error(),
		Metadata:     map[string]any{"event": "loop_error", "errorCount": n},
		CreatedAt:    d.now().UTC(),
	}); err != nil {
		logging.Error("log_write_failed", d.fields(map[string]any{"error": err.Error()}))
	}
	if terminate {
		d.fire(EventThresholdReached)
		d.fail(ctx, n)
		return true
	}
	metrics.ObserveBackoff(delay)
	if err := d.sleep(ctx, delay); err != nil {
		return false
	}
	d.fire(EventBackoffElapsed)
	return false
}

// fail persists the forced shutdown. It must outlive a cancelled loop context.
func (d *Dispatcher) fail(ctx context.Context, errorCount int) {
	pctx := context.WithoutCancel(ctx)
	now := d.now().UTC()
	if err := d.db.SetRunning(pctx, d.accountID, false, now); err != nil {
		logging.Error("persist_stop_failed", d.fields(map[string]any{"error": err.Error()}))
	}
	if _, err := d.db.AppendLog(pctx, model.ActionLogEntry{
		AccountID: d.accountID,
		Type:      model.ActionBotEvent,
		Status:    model.StatusFailed,
		Metadata:  map[string]any{"event": "failed_shutdown", "errorCount": errorCount},
		CreatedAt: now,
	}); err != nil {
		logging.Error("log_write_failed", d.fields(map[string]any{"error": err.Error()}))
	}
	logging.Error("bot_failed", d.fields(map[string]any{"error_count": errorCount}))
	if d.onFailed != nil {
		d.onFailed()
	}
}

// randomDelay picks a whole number of seconds in [MinDelaySeconds, MaxDelaySeconds].
func (d *Dispatcher) randomDelay(cfg model.BotConfig) time.Duration {
	lo, hi := cfg.MinDelaySeconds, cfg.MaxDelaySeconds
	if hi < lo {
		lo, hi = hi, lo
	}
	return time.Duration(lo+d.intn(hi-lo+1)) * time.Second
}

func (d *Dispatcher) callCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, d.opts.CallTimeout)
}

type tickResult struct {
	cfg          model.BotConfig
	gotCandidate bool
}

// Tick executes one unit of work. Remote failures of single actions are logged
// and swallowed; the returned error is what escaped them, mostly persistence.
// The inter-action sleep is left to Run.
func (d *Dispatcher) Tick(ctx context.Context) (tickResult, error) {
	var res tickResult
	now := d.now()
	d.maybeRefresh(ctx, now)

	cfg, err := d.loadConfig(ctx)
	if err != nil {
		return res, fmt.Errorf("load config: %w", err)
	}
	res.cfg = cfg
	q, err := d.limiter.Check(ctx, cfg, now)
	if err != nil {
		return res, fmt.Errorf("check quota: %w", err)
	}
	followBlocked := !cfg.EnableFollows || q.FollowLimitReached
	likeBlocked := !cfg.EnableLikes || q.LikeLimitReached
	if followBlocked && likeBlocked {
		return res, d.viewStory(ctx)
	}

	cand, err := d.nextCandidate(ctx)
	if err != nil || cand == nil {
		return res, err
	}
	res.gotCandidate = true

	var remoteID string
	if !followBlocked && !cand.Followed {
		if err := d.follow(ctx, cand, &remoteID); err != nil {
			return res, err
		}
	}
	// The like never marks the candidate, so with follows off it stays queued.
	if !likeBlocked && !cand.Liked {
		if err := d.like(ctx, cand, &remoteID); err != nil {
			return res, err
		}
	}
	// Evaluated on the flags read at dequeue time.
	if (followBlocked || cand.Followed) && (likeBlocked || cand.Liked) {
		if err := d.viewStory(ctx); err != nil {
			return res, err
		}
	}
	return res, nil
}

func (d *Dispatcher) maybeRefresh(ctx context.Context, now time.Time) {
	d.mu.Lock()
	due := now.Sub(d.lastRefresh) >= d.opts.RefreshInterval
	if due {
		// a failed refresh waits for the next interval too
		d.lastRefresh = now
	}
	d.mu.Unlock()
	if !due {
		return
	}
	cctx, cancel := d.callCtx(ctx)
	defer cancel()
	if err := d.sessions.Refresh(cctx, d.accountID, d.client); err != nil {
		logging.Warn("session_refresh_failed", d.fields(map[string]any{"error": err.Error()}))
		return
	}
	d.backoff.Reset()
	logging.Info("session_refreshed", d.fields(nil))
}

func (d *Dispatcher) loadConfig(ctx context.Context) (model.BotConfig, error) {
	c, err := d.db.GetConfig(ctx, d.accountID)
	if err != nil {
		return model.BotConfig{}, err
	}
	if c == nil {
		return d.opts.Defaults(d.accountID), nil
	}
	return *c, nil
}

// nextCandidate dequeues one candidate, scraping once when the queue is empty.
func (d *Dispatcher) nextCandidate(ctx context.Context) (*model.Candidate, error) {
	cs, err := d.queue.Dequeue(ctx, d.accountID, 1)
	if err != nil {
		return nil, fmt.Errorf("dequeue: %w", err)
	}
	if len(cs) > 0 {
		return &cs[0], nil
	}
	if _, err := d.queue.Scrape(ctx, d.accountID, d.client); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		logging.Warn("scrape_failed", d.fields(map[string]any{"error": err.Error()}))
	}
	if cs, err = d.queue.Dequeue(ctx, d.accountID, 1); err != nil {
		return nil, fmt.Errorf("dequeue: %w", err)
	}
	if len(cs) == 0 {
		logging.Info("queue_empty", d.fields(nil))
		return nil, nil
	}
	return &cs[0], nil
}

// resolve returns the candidate's remote id, searching by username when the scrape
// did not store one. The result is cached in *id for the rest of the tick.
func (d *Dispatcher) resolve(ctx context.Context, cand *model.Candidate, id *string) (string, error) {
	if *id != "" {
		return *id, nil
	}
	if cand.RemoteID != "" {
		*id = cand.RemoteID
		return *id, nil
	}
	cctx, cancel := d.callCtx(ctx)
	defer cancel()
	u, err := d.client.SearchExactUsername(cctx, cand.Username)
	if err != nil {
		return "", err
	}
	*id = u.ID
	return *id, nil
}

func profileURL(username string) string { return "https://www.instagram.com/" + username + "/" }

// follow is one-shot: the candidate leaves the queue whether or not the call worked.
func (d *Dispatcher) follow(ctx context.Context, cand *model.Candidate, remoteID *string) error {
	id, err := d.resolve(ctx, cand, remoteID)
	if err == nil {
		cctx, cancel := d.callCtx(ctx)
		err = d.client.Follow(cctx, id)
		cancel()
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	now := d.now().UTC()
	if err != nil {
		metrics.IncAction(string(model.ActionFollow), string(model.StatusFailed))
		if _, lerr := d.db.AppendLog(ctx, model.ActionLogEntry{
			AccountID:      d.accountID,
			Type:           model.ActionFollow,
			TargetUsername: cand.Username,
			TargetURL:      profileURL(cand.Username),
			Status:         model.StatusFailed,
			ErrorMessage:   err.Error(),
			CreatedAt:      now,
		}); lerr != nil {
			return lerr
		}
		if merr := d.queue.MarkProcessed(ctx, cand.ID, false, false); merr != nil && !errors.Is(merr, store.ErrAlreadyProcessed) {
			return merr
		}
		logging.Warn("follow_failed", d.fields(map[string]any{"target": cand.Username, "error": err.Error()}))
		if errors.Is(err, igclient.ErrThrottled) {
			cool := time.Duration(throttleMinSeconds+d.intn(throttleMaxSeconds-throttleMinSeconds+1)) * time.Second
			logging.Warn("throttled_cooldown", d.fields(map[string]any{"seconds": int(cool.Seconds())}))
			return d.sleep(ctx, cool)
		}
		return nil
	}
	if err := d.queue.MarkProcessed(ctx, cand.ID, true, false); err != nil && !errors.Is(err, store.ErrAlreadyProcessed) {
		return err
	}
	if err := d.db.IncrementCounter(ctx, d.accountID, model.CounterFollows, now); err != nil {
		return err
	}
	if _, err := d.db.AppendLog(ctx, model.ActionLogEntry{
		AccountID:      d.accountID,
		Type:           model.ActionFollow,
		TargetUsername: cand.Username,
		TargetURL:      profileURL(cand.Username),
		Status:         model.StatusSuccess,
		Metadata:       map[string]any{"source": cand.SourceAccount},
		CreatedAt:      now,
	}); err != nil {
		return err
	}
	metrics.IncAction(string(model.ActionFollow), string(model.StatusSuccess))
	logging.Info("followed", d.fields(map[string]any{"target": cand.Username}))
	return nil
}

// like targets the candidate's newest post. Unlike follow it leaves the
// candidate unprocessed, also on failure.
func (d *Dispatcher) like(ctx context.Context, cand *model.Candidate, remoteID *string) error {
	id, err := d.resolve(ctx, cand, remoteID)
	var posts []igclient.Media
	if err == nil {
		cctx, cancel := d.callCtx(ctx)
		posts, err = d.client.LatestPosts(cctx, id)
		cancel()
	}
	if err == nil && len(posts) == 0 {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		_, lerr := d.db.AppendLog(ctx, model.ActionLogEntry{
			AccountID:      d.accountID,
			Type:           model.ActionLike,
			TargetUsername: cand.Username,
			TargetURL:      profileURL(cand.Username),
			Status:         model.StatusSkipped,
			Metadata:       map[string]any{"reason": "no_posts"},
			CreatedAt:      d.now().UTC(),
		})
		metrics.IncAction(string(model.ActionLike), string(model.StatusSkipped))
		return lerr
	}
	var post igclient.Media
	if err == nil {
		post = posts[0]
		cctx, cancel := d.callCtx(ctx)
		err = d.client.Like(cctx, post.ID)
		cancel()
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	now := d.now().UTC()
	if err != nil {
		metrics.IncAction(string(model.ActionLike), string(model.StatusFailed))
		logging.Warn("like_failed", d.fields(map[string]any{"target": cand.Username, "error": err.Error()}))
		_, lerr := d.db.AppendLog(ctx, model.ActionLogEntry{
			AccountID:      d.accountID,
			Type:           model.ActionLike,
			TargetUsername: cand.Username,
			TargetURL:      profileURL(cand.Username),
			Status:         model.StatusFailed,
			ErrorMessage:   err.Error(),
			CreatedAt:      now,
		})
		return lerr
	}
	if err := d.db.IncrementCounter(ctx, d.accountID, model.CounterLikes, now); err != nil {
		return err
	}
	url := profileURL(cand.Username)
	if post.Code != "" {
		url = "https://www.instagram.com/p/" + post.Code + "/"
	}
	if _, err := d.db.AppendLog(ctx, model.ActionLogEntry{
		AccountID:      d.accountID,
		Type:           model.ActionLike,
		TargetUsername: cand.Username,
		TargetURL:      url,
		Status:         model.StatusSuccess,
		Metadata:       map[string]any{"postId": post.ID},
		CreatedAt:      now,
	}); err != nil {
		return err
	}
	metrics.IncAction(string(model.ActionLike), string(model.StatusSuccess))
	logging.Info("liked", d.fields(map[string]any{"target": cand.Username, "post_id": post.ID}))
	return nil
}

// viewStory picks one reel of the tray at random and counts it as viewed.
func (d *Dispatcher) viewStory(ctx context.Context) error {
	cctx, cancel := d.callCtx(ctx)
	tray, err := d.client.StoryTray(cctx)
	cancel()
	if ctx.Err() != nil {
		return ctx.Err()
	}
	now := d.now().UTC()
	if err != nil {
		metrics.IncAction(string(model.ActionViewStory), string(model.StatusFailed))
		_, lerr := d.db.AppendLog(ctx, model.ActionLogEntry{
			AccountID:    d.accountID,
			Type:         model.ActionViewStory,
			Status:       model.StatusFailed,
			ErrorMessage: err.Error(),
			CreatedAt:    now,
		})
		return lerr
	}
	if len(tray) == 0 {
		logging.Debug("no_stories", d.fields(nil))
		return nil
	}
	reel := tray[d.intn(len(tray))]
	owner := reel.Username
	if owner == "" {
		owner = "unknown"
	}
	if err := d.db.IncrementCounter(ctx, d.accountID, model.CounterStories, now); err != nil {
		return err
	}
	if _, err := d.db.AppendLog(ctx, model.ActionLogEntry{
		AccountID:      d.accountID,
		Type:           model.ActionViewStory,
		TargetUsername: owner,
		Status:         model.StatusSuccess,
		CreatedAt:      now,
	}); err != nil {
		return err
	}
	metrics.IncAction(string(model.ActionViewStory), string(model.StatusSuccess))
	return nil
}
