package model

import "time"

// Defaults applied when an account has no stored BotConfig.
const (
	DefaultLikesPerHour    = 62
	DefaultFollowsPerDay   = 100
	DefaultMinDelaySeconds = 30
	DefaultMaxDelaySeconds = 90
)

// DayLayout keys DailyCounters and Analytics rows (UTC calendar day).
const DayLayout = "2006-01-02"

// Day returns the UTC calendar day key for t.
func Day(t time.Time) string { return t.UTC().Format(DayLayout) }

// Account is the stored credential for one remote account.
// The password is only kept as a bcrypt hash; the session blob is what gets reused.
type Account struct {
	AccountID      int64
	Username       string
	PasswordHash   string
	SessionBlob    string
	IsActive       bool
	LastLoginAt    *time.Time
	FollowerCount  int
	FollowingCount int
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// BotConfig holds the per-account automation settings.
type BotConfig struct {
	AccountID       int64
	LikesPerHour    int
	FollowsPerDay   int
	MinDelaySeconds int
	MaxDelaySeconds int
	EnableFollows   bool
	EnableLikes     bool
	IsRunning       bool
	LastStartedAt   *time.Time
	LastStoppedAt   *time.Time
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// DefaultBotConfig returns the settings used for an account that never saved any.
func DefaultBotConfig(accountID int64) BotConfig {
	return BotConfig{
		AccountID:       accountID,
		LikesPerHour:    DefaultLikesPerHour,
		FollowsPerDay:   DefaultFollowsPerDay,
		MinDelaySeconds: DefaultMinDelaySeconds,
		MaxDelaySeconds: DefaultMaxDelaySeconds,
		EnableFollows:   true,
		EnableLikes:     true,
	}
}

// CounterKind selects a column of DailyCounters.
type CounterKind string

const (
	CounterFollows CounterKind = "follows"
	CounterLikes   CounterKind = "likes"
	CounterStories CounterKind = "stories"
)

// DailyCounters are the per-day action totals of one account.
type DailyCounters struct {
	AccountID     int64
	Day           string
	Follows       int
	Likes         int
	StoriesViewed int
}

// ActionType is the kind of an action log entry.
type ActionType string

const (
	ActionFollow          ActionType = "follow"
	ActionLike            ActionType = "like"
	ActionViewStory       ActionType = "view_story"
	ActionScrapeFollowers ActionType = "scrape_followers"
	ActionScrapeLikers    ActionType = "scrape_likers"
	ActionBotEvent        ActionType = "bot_event"
)

// ActionStatus is the outcome of an attempted action.
type ActionStatus string

const (
	StatusSuccess ActionStatus = "success"
	StatusFailed  ActionStatus = "failed"
	StatusSkipped ActionStatus = "skipped"
)

// ActionLogEntry is one append-only audit record.
type ActionLogEntry struct {
	ID             int64
	AccountID      int64
	Type           ActionType
	TargetUsername string
	TargetURL      string
	Status         ActionStatus
	ErrorMessage   string
	Metadata       map[string]any
	CreatedAt      time.Time
}

// SourceType tells how a candidate was discovered.
type SourceType string

const (
	SourceFollower SourceType = "follower"
	SourceLiker    SourceType = "liker"
)

// Candidate is a discovered remote account waiting for follow/like processing.
type Candidate struct {
	ID            int64
	AccountID     int64
	Username      string
	RemoteID      string // empty when the scrape did not return one
	SourceType    SourceType
	SourceAccount string
	Processed     bool
	Followed      bool
	Liked         bool
	ProcessedAt   *time.Time
	CreatedAt     time.Time
}

// TargetAccount is a remote account whose audience gets scraped into the queue.
type TargetAccount struct {
	ID            int64
	AccountID     int64
	Username      string
	Category      string
	IsActive      bool
	LastScrapedAt *time.Time
	FollowerCount int
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Analytics is a per-day rollup of one account.
type Analytics struct {
	AccountID          int64
	Day                string
	TotalFollows       int
	TotalLikes         int
	TotalStoriesViewed int
	FollowerCount      int
	FollowingCount     int
	UpdatedAt          time.Time
}
