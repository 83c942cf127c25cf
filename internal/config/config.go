package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"growpilot/internal/model"
)

// Config is the application's configuration model.
// It captures storage, the remote platform client, bot defaults and the managed accounts.
type Config struct {
	Storage  StorageConfig   `yaml:"storage"`
	Platform PlatformConfig  `yaml:"platform"`
	Bot      BotConfig       `yaml:"bot"`
	Accounts []AccountConfig `yaml:"accounts"`
	Metrics  MetricsConfig   `yaml:"metrics"`
	Logging  LoggingConfig   `yaml:"logging"`
	Jobs     JobsConfig      `yaml:"jobs"`
	Security SecurityConfig  `yaml:"security"`
}

type StorageConfig struct {
	// "sqlite" or "postgres"
	Driver string `yaml:"driver"`
	// File path for sqlite, connection URL for postgres. If empty, read GROWPILOT_DSN
	DSN string `yaml:"dsn"`
}

type PlatformConfig struct {
	BaseURL   string `yaml:"baseURL"`
	UserAgent string `yaml:"userAgent"`
	AppID     string `yaml:"appID"`
	// Client-side request budget
	RequestsPerSecond float64       `yaml:"requestsPerSecond"`
	Burst             int           `yaml:"burst"`
	MaxAttempts       int           `yaml:"maxAttempts"`
	BaseBackoff       time.Duration `yaml:"baseBackoff"`
	// Upper bound for any single remote call made by the loop
	CallTimeout time.Duration `yaml:"callTimeout"`
}

// BotConfig seeds the stored per-account settings and tunes the loop.
type BotConfig struct {
	LikesPerHour    int  `yaml:"likesPerHour"`
	FollowsPerDay   int  `yaml:"followsPerDay"`
	MinDelaySeconds int  `yaml:"minDelaySeconds"`
	MaxDelaySeconds int  `yaml:"maxDelaySeconds"`
	EnableFollows   bool `yaml:"enableFollows"`
	EnableLikes     bool `yaml:"enableLikes"`
	// Quiet hours (UTC) during which the loop idles
	QuietHours      []int         `yaml:"quietHours"`
	ScrapeBatch     int           `yaml:"scrapeBatch"`
	RefreshInterval time.Duration `yaml:"refreshInterval"`
	ErrorThreshold  int           `yaml:"errorThreshold"`
	// How long disconnect waits for a stopped loop to exit before deleting rows
	StopGrace time.Duration `yaml:"stopGrace"`
}

type AccountConfig struct {
	ID       int64  `yaml:"id"`
	Username string `yaml:"username"`
	// Name of the env var holding the password; never stored in the file
	PasswordEnv string `yaml:"passwordEnv"`
	// JSON session blob exported from a logged-in device
	SessionFile string   `yaml:"sessionFile"`
	Targets     []string `yaml:"targets"`
	AutoStart   bool     `yaml:"autoStart"`
}

type MetricsConfig struct {
	Addr string `yaml:"addr"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json or text
}

type JobsConfig struct {
	// robfig/cron expression for the analytics rollup, empty disables it
	AnalyticsSchedule string `yaml:"analyticsSchedule"`
}

type SecurityConfig struct {
	BcryptCost int `yaml:"bcryptCost"`
}

// Default returns a sensible default configuration.
func Default() Config {
	return Config{
		Storage: StorageConfig{Driver: "sqlite", DSN: "./growpilot.db"},
		Platform: PlatformConfig{
			BaseURL:           "https://i.instagram.com/api/v1",
			UserAgent:         "Instagram 269.0.0.18.75 Android (26/8.0.0; 480dpi; 1080x1920; OnePlus; 6T Dev; devitron; qcom; en_US; 314665256)",
			AppID:             "567067343352427",
			RequestsPerSecond: 1,
			Burst:             5,
			MaxAttempts:       3,
			BaseBackoff:       time.Second,
			CallTimeout:       30 * time.Second,
		},
		Bot: BotConfig{
			LikesPerHour:    model.DefaultLikesPerHour,
			FollowsPerDay:   model.DefaultFollowsPerDay,
			MinDelaySeconds: model.DefaultMinDelaySeconds,
			MaxDelaySeconds: model.DefaultMaxDelaySeconds,
			EnableFollows:   true,
			EnableLikes:     true,
			ScrapeBatch:     20,
			RefreshInterval: time.Hour,
			ErrorThreshold:  10,
			StopGrace:       10 * time.Second,
		},
		Metrics:  MetricsConfig{Addr: ""},
		Logging:  LoggingConfig{Level: "info", Format: "json"},
		Jobs:     JobsConfig{AnalyticsSchedule: "@every 15m"},
		Security: SecurityConfig{BcryptCost: 10},
	}
}

// Seed converts the bot defaults into a stored BotConfig for accountID.
func (b BotConfig) Seed(accountID int64) model.BotConfig {
	c := model.DefaultBotConfig(accountID)
	if b.LikesPerHour > 0 {
		c.LikesPerHour = b.LikesPerHour
	}
	if b.FollowsPerDay > 0 {
		c.FollowsPerDay = b.FollowsPerDay
	}
	if b.MinDelaySeconds > 0 {
		c.MinDelaySeconds = b.MinDelaySeconds
	}
	if b.MaxDelaySeconds > 0 {
		c.MaxDelaySeconds = b.MaxDelaySeconds
	}
	c.EnableFollows = b.EnableFollows
	c.EnableLikes = b.EnableLikes
	return c
}

// Account returns the configured account with the given id.
func (c Config) Account(id int64) (AccountConfig, bool) {
	for _, a := range c.Accounts {
		if a.ID == id {
			return a, true
		}
	}
	return AccountConfig{}, false
}

// ResolveEnv fills in config fields from environment variables if not set.
func (c *Config) ResolveEnv() {
	if v := os.Getenv("GROWPILOT_DB_DRIVER"); v != "" {
		c.Storage.Driver = v
	}
	if c.Storage.DSN == "" {
		c.Storage.DSN = os.Getenv("GROWPILOT_DSN")
	}
	if c.Metrics.Addr == "" {
		c.Metrics.Addr = os.Getenv("METRICS_ADDR")
	}
	if v := os.Getenv("GROWPILOT_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
}

// Validate reports settings the loop cannot run with.
func (c Config) Validate() error {
	switch c.Storage.Driver {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("unsupported storage driver %q", c.Storage.Driver)
	}
	if c.Storage.DSN == "" {
		return errors.New("storage dsn is empty")
	}
	if c.Bot.MinDelaySeconds > c.Bot.MaxDelaySeconds {
		return fmt.Errorf("bot.minDelaySeconds (%d) exceeds bot.maxDelaySeconds (%d)", c.Bot.MinDelaySeconds, c.Bot.MaxDelaySeconds)
	}
	for _, h := range c.Bot.QuietHours {
		if h < 0 || h > 23 {
			return fmt.Errorf("quiet hour %d out of range", h)
		}
	}
	seen := make(map[int64]struct{}, len(c.Accounts))
	for _, a := range c.Accounts {
		if a.ID <= 0 {
			return fmt.Errorf("account %q needs a positive id", a.Username)
		}
		if _, ok := seen[a.ID]; ok {
			return fmt.Errorf("duplicate account id %d", a.ID)
		}
		seen[a.ID] = struct{}{}
	}
	return nil
}

// Load reads YAML config from path. A .env file next to the working directory is
// loaded first so ResolveEnv and password lookups can see it.
func Load(path string) (Config, error) {
	_ = godotenv.Load()
	cfg := Default()
	b, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return cfg, fmt.Errorf("parse %s: %w", path, err)
	}
	cfg.ResolveEnv()
	return cfg, cfg.Validate()
}

// Save writes YAML config to path, creating directories as needed.
func Save(path string, cfg Config) error {
	if path == "" {
		return errors.New("empty path")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	b, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	return os.WriteFile(path, b, 0o644)
}
