// Package control is the caller-facing surface of growpilot: it turns registry
// outcomes into Results and validates configuration and target changes.
package control

import (
	"context"
	"errors"
	"fmt"
	"time"

	"growpilot/internal/analytics"
	"growpilot/internal/bot"
	"growpilot/internal/igclient"
	"growpilot/internal/logging"
	"growpilot/internal/model"
	"growpilot/internal/session"
	"growpilot/internal/util"
)

var (
	ErrInvalidConfig = errors.New("invalid config")
	ErrNotFound      = errors.New("not found")
)

// Accepted ranges of UpdateConfig and the query helpers.
const (
	MinActionsLimit = 1
	MaxActionsLimit = 200
	MinDelaySeconds = 10
	MaxDelaySeconds = 300

	DefaultLogLimit = 50
	MaxLogLimit     = 200

	DefaultHistoryDays = 7
	MaxHistoryDays     = 90
)

// Result is what Start, Stop and Disconnect report. Failures are carried in
// Message, never as an error.
type Result struct {
	Success bool
	Message string
}

// Bots is the lifecycle side, see bot.Registry.
type Bots interface {
	Start(ctx context.Context, accountID int64, creds session.Credentials) (bot.StartOutcome, error)
	Stop(ctx context.Context, accountID int64) (bot.StopOutcome, error)
	Status(ctx context.Context, accountID int64) bot.StatusSnapshot
	Disconnect(ctx context.Context, accountID int64) error
}

// Store is the persistence read and written outside the loops.
type Store interface {
	GetAccount(ctx context.Context, accountID int64) (*model.Account, error)
	GetConfig(ctx context.Context, accountID int64) (*model.BotConfig, error)
	UpsertConfig(ctx context.Context, c model.BotConfig) error
	GetTodayCounters(ctx context.Context, accountID int64, now time.Time) (model.DailyCounters, error)
	ListTargets(ctx context.Context, accountID int64) ([]model.TargetAccount, error)
	AddTarget(ctx context.Context, accountID int64, username, category string) (int64, error)
	DeleteTarget(ctx context.Context, accountID, id int64) (bool, error)
	SetTargetActive(ctx context.Context, accountID, id int64, active bool) (bool, error)
	RecentLogs(ctx context.Context, accountID int64, limit int) ([]model.ActionLogEntry, error)
	LogsBetween(ctx context.Context, accountID int64, start, end time.Time) ([]model.ActionLogEntry, error)
	AnalyticsHistory(ctx context.Context, accountID int64, since time.Time) ([]model.Analytics, error)
}

type Service struct {
	bots     Bots
	db       Store
	defaults func(accountID int64) model.BotConfig
	now      func() time.Time
}

// New returns a service; defaults builds the config of accounts that never saved
// one and may be nil.
func New(bots Bots, db Store, defaults func(accountID int64) model.BotConfig) *Service {
	if defaults == nil {
		defaults = model.DefaultBotConfig
	}
	return &Service{bots: bots, db: db, defaults: defaults, now: time.Now}
}

func (s *Service) Start(ctx context.Context, accountID int64, creds session.Credentials) Result {
	out, err := s.bots.Start(ctx, accountID, creds)
	if err != nil {
		logging.Warn("control_start", map[string]any{"account_id": accountID, "error": err.Error()})
		return Result{Message: startMessage(err)}
	}
	return Result{Success: true, Message: fmt.Sprintf("Bot started for @%s", out.Username)}
}

// startMessage leads with a readable summary and carries the error text as is.
func startMessage(err error) string {
	var hint string
	switch {
	case errors.Is(err, bot.ErrAlreadyRunning):
		return "Bot is already running"
	case errors.Is(err, bot.ErrStartAborted):
		return "Bot was stopped while starting"
	case errors.Is(err, igclient.ErrInvalidCredentials):
		hint = "Invalid username or password"
	case errors.Is(err, igclient.ErrChallengeRequired):
		hint = "Verification required, confirm the login in the app and retry"
	case errors.Is(err, igclient.ErrAccountRestricted):
		hint = "Account is restricted by the platform"
	case errors.Is(err, igclient.ErrSessionExpired):
		hint = "Stored session expired, log in with the password again"
	case errors.Is(err, igclient.ErrMissingSecret):
		hint = "A password or session is required for the first login"
	case errors.Is(err, igclient.ErrThrottled):
		hint = "Platform is rate limiting this account, retry later"
	default:
		hint = "Failed to start bot"
	}
	return hint + ": " + err.Error()
}

func (s *Service) Stop(ctx context.Context, accountID int64) Result {
	_, err := s.bots.Stop(ctx, accountID)
	switch {
	case errors.Is(err, bot.ErrNotRunning):
		return Result{Message: "Bot is not running"}
	case err != nil:
		logging.Warn("control_stop", map[string]any{"account_id": accountID, "error": err.Error()})
		return Result{Message: "Failed to stop bot: " + err.Error()}
	}
	return Result{Success: true, Message: "Bot stopped"}
}

// Status never fails; see bot.Registry.Status.
func (s *Service) Status(ctx context.Context, accountID int64) bot.StatusSnapshot {
	return s.bots.Status(ctx, accountID)
}

func (s *Service) Disconnect(ctx context.Context, accountID int64) Result {
	if err := s.bots.Disconnect(ctx, accountID); err != nil {
		logging.Error("control_disconnect", map[string]any{"account_id": accountID, "error": err.Error()})
		return Result{Message: "Failed to disconnect account: " + err.Error()}
	}
	return Result{Success: true, Message: "Account disconnected and all data removed"}
}

// GetConfig returns the stored config or the defaults.
func (s *Service) GetConfig(ctx context.Context, accountID int64) (model.BotConfig, error) {
	c, err := s.db.GetConfig(ctx, accountID)
	if err != nil {
		return model.BotConfig{}, err
	}
	if c == nil {
		return s.defaults(accountID), nil
	}
	return *c, nil
}

// ConfigPatch holds the fields an UpdateConfig call changes; nil leaves a field as is.
type ConfigPatch struct {
	LikesPerHour    *int
	FollowsPerDay   *int
	MinDelaySeconds *int
	MaxDelaySeconds *int
	EnableFollows   *bool
	EnableLikes     *bool
}

// UpdateConfig applies p on top of the current config. The running flag and its
// timestamps are never touched; a running loop picks the change up on its next tick.
func (s *Service) UpdateConfig(ctx context.Context, accountID int64, p ConfigPatch) (model.BotConfig, error) {
	c, err := s.GetConfig(ctx, accountID)
	if err != nil {
		return c, err
	}
	setInt(&c.LikesPerHour, p.LikesPerHour)
	setInt(&c.FollowsPerDay, p.FollowsPerDay)
	setInt(&c.MinDelaySeconds, p.MinDelaySeconds)
	setInt(&c.MaxDelaySeconds, p.MaxDelaySeconds)
	if p.EnableFollows != nil {
		c.EnableFollows = *p.EnableFollows
	}
	if p.EnableLikes != nil {
		c.EnableLikes = *p.EnableLikes
	}
	if err := Validate(c); err != nil {
		return c, err
	}
	if err := s.db.UpsertConfig(ctx, c); err != nil {
		return c, fmt.Errorf("store config: %w", err)
	}
	logging.Info("config_updated", map[string]any{"account_id": accountID})
	return c, nil
}

func setInt(dst *int, v *int) {
	if v != nil {
		*dst = *v
	}
}

// Validate checks the ranges UpdateConfig accepts.
func Validate(c model.BotConfig) error {
	switch {
	case c.LikesPerHour < MinActionsLimit || c.LikesPerHour > MaxActionsLimit:
		return fmt.Errorf("%w: likesPerHour must be between %d and %d", ErrInvalidConfig, MinActionsLimit, MaxActionsLimit)
	case c.FollowsPerDay < MinActionsLimit || c.FollowsPerDay > MaxActionsLimit:
		return fmt.Errorf("%w: followsPerDay must be between %d and %d", ErrInvalidConfig, MinActionsLimit, MaxActionsLimit)
	case c.MinDelaySeconds < MinDelaySeconds || c.MinDelaySeconds > MaxDelaySeconds:
		return fmt.Errorf("%w: minDelaySeconds must be between %d and %d", ErrInvalidConfig, MinDelaySeconds, MaxDelaySeconds)
	case c.MaxDelaySeconds < MinDelaySeconds || c.MaxDelaySeconds > MaxDelaySeconds:
		return fmt.Errorf("%w: maxDelaySeconds must be between %d and %d", ErrInvalidConfig, MinDelaySeconds, MaxDelaySeconds)
	case c.MinDelaySeconds > c.MaxDelaySeconds:
		return fmt.Errorf("%w: minDelaySeconds exceeds maxDelaySeconds", ErrInvalidConfig)
	}
	return nil
}

func (s *Service) ListTargets(ctx context.Context, accountID int64) ([]model.TargetAccount, error) {
	return s.db.ListTargets(ctx, accountID)
}

// AddTarget stores username (a handle, @handle or profile URL) as an active
// target. Adding an existing target reactivates it.
func (s *Service) AddTarget(ctx context.Context, accountID int64, username, category string) (model.TargetAccount, error) {
	name, err := util.NormalizeUsername(username)
	if err != nil {
		return model.TargetAccount{}, fmt.Errorf("%w: %q", err, username)
	}
	category = util.NormalizeWhitespace(category)
	id, err := s.db.AddTarget(ctx, accountID, name, category)
	if err != nil {
		return model.TargetAccount{}, fmt.Errorf("store target: %w", err)
	}
	return model.TargetAccount{ID: id, AccountID: accountID, Username: name, Category: category, IsActive: true}, nil
}

func (s *Service) RemoveTarget(ctx context.Context, accountID, targetID int64) error {
	ok, err := s.db.DeleteTarget(ctx, accountID, targetID)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("target %d: %w", targetID, ErrNotFound)
	}
	return nil
}

// ToggleTarget flips whether the target is picked by scrapes.
func (s *Service) ToggleTarget(ctx context.Context, accountID, targetID int64, active bool) error {
	ok, err := s.db.SetTargetActive(ctx, accountID, targetID, active)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("target %d: %w", targetID, ErrNotFound)
	}
	return nil
}

// RecentLogs returns up to limit entries, newest first. limit <= 0 means the
// default; larger values are capped.
func (s *Service) RecentLogs(ctx context.Context, accountID int64, limit int) ([]model.ActionLogEntry, error) {
	if limit <= 0 {
		limit = DefaultLogLimit
	}
	if limit > MaxLogLimit {
		limit = MaxLogLimit
	}
	return s.db.RecentLogs(ctx, accountID, limit)
}

// HourlyActivity buckets the successful actions of the trailing hours.
func (s *Service) HourlyActivity(ctx context.Context, accountID int64, hours int) (map[time.Time]map[model.ActionType]int, error) {
	if hours <= 0 {
		hours = 24
	}
	now := s.now().UTC()
	entries, err := s.db.LogsBetween(ctx, accountID, now.Add(-time.Duration(hours)*time.Hour), now.Add(time.Second))
	if err != nil {
		return nil, err
	}
	return analytics.HourlyEngagement(entries), nil
}

// AnalyticsToday is computed live from today's counters.
func (s *Service) AnalyticsToday(ctx context.Context, accountID int64) (model.Analytics, error) {
	now := s.now()
	c, err := s.db.GetTodayCounters(ctx, accountID, now)
	if err != nil {
		return model.Analytics{}, err
	}
	acc, err := s.db.GetAccount(ctx, accountID)
	if err != nil {
		return model.Analytics{}, err
	}
	c.AccountID, c.Day = accountID, model.Day(now)
	return analytics.Rollup(c, acc, now), nil
}

// AnalyticsHistory returns the stored rollups of the last days days, today
// included. days <= 0 means the default; larger values are capped.
func (s *Service) AnalyticsHistory(ctx context.Context, accountID int64, days int) ([]model.Analytics, error) {
	if days <= 0 {
		days = DefaultHistoryDays
	}
	if days > MaxHistoryDays {
		days = MaxHistoryDays
	}
	since := s.now().UTC().AddDate(0, 0, -(days - 1))
	return s.db.AnalyticsHistory(ctx, accountID, since)
}

// AccountInfo returns the stored account without its secrets.
func (s *Service) AccountInfo(ctx context.Context, accountID int64) (*model.Account, error) {
	acc, err := s.db.GetAccount(ctx, accountID)
	if err != nil {
		return nil, err
	}
	if acc == nil {
		return nil, fmt.Errorf("account %d: %w", accountID, ErrNotFound)
	}
	acc.PasswordHash, acc.SessionBlob = "", ""
	return acc, nil
}
