package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestSaveLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "growpilot.yaml")
	cfg := Default()
	cfg.Accounts = []AccountConfig{{ID: 1, Username: "me", PasswordEnv: "ME_PASSWORD", Targets: []string{"natgeo"}, AutoStart: true}}
	cfg.Bot.QuietHours = []int{2, 3}
	if err := Save(path, cfg); err != nil {
		t.Fatal(err)
	}
	got, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if len(got.Accounts) != 1 || got.Accounts[0].Targets[0] != "natgeo" || !got.Accounts[0].AutoStart {
		t.Fatalf("accounts: %+v", got.Accounts)
	}
	if got.Bot.RefreshInterval != time.Hour || len(got.Bot.QuietHours) != 2 {
		t.Fatalf("bot: %+v", got.Bot)
	}
}

func TestLoadKeepsDefaultsForMissingKeys(t *testing.T) {
	path := filepath.Join(t.TempDir(), "c.yaml")
	if err := os.WriteFile(path, []byte("bot:\n  likesPerHour: 30\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	got, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if got.Bot.LikesPerHour != 30 || got.Bot.FollowsPerDay != 100 || !got.Bot.EnableFollows || got.Storage.Driver != "sqlite" {
		t.Fatalf("merged: %+v", got)
	}
}

func TestResolveEnv(t *testing.T) {
	t.Setenv("GROWPILOT_DB_DRIVER", "postgres")
	t.Setenv("GROWPILOT_DSN", "postgres://localhost/growpilot")
	t.Setenv("METRICS_ADDR", ":9100")
	cfg := Default()
	cfg.Storage.DSN = ""
	cfg.ResolveEnv()
	if cfg.Storage.Driver != "postgres" || cfg.Storage.DSN != "postgres://localhost/growpilot" || cfg.Metrics.Addr != ":9100" {
		t.Fatalf("resolved: %+v %+v", cfg.Storage, cfg.Metrics)
	}
}

func TestValidate(t *testing.T) {
	bad := map[string]func(c *Config){
		"driver":    func(c *Config) { c.Storage.Driver = "mysql" },
		"dsn":       func(c *Config) { c.Storage.DSN = "" },
		"delays":    func(c *Config) { c.Bot.MinDelaySeconds = 100 },
		"quiet":     func(c *Config) { c.Bot.QuietHours = []int{24} },
		"id":        func(c *Config) { c.Accounts = []AccountConfig{{Username: "x"}} },
		"duplicate": func(c *Config) { c.Accounts = []AccountConfig{{ID: 1}, {ID: 1}} },
	}
	for name, mutate := range bad {
		c := Default()
		mutate(&c)
		if err := c.Validate(); err == nil {
			t.Fatalf("%s: accepted", name)
		}
	}
	if err := Default().Validate(); err != nil {
		t.Fatal(err)
	}
}

func TestSeed(t *testing.T) {
	b := Default().Bot
	b.LikesPerHour, b.EnableLikes = 12, false
	c := b.Seed(5)
	if c.AccountID != 5 || c.LikesPerHour != 12 || c.EnableLikes || c.FollowsPerDay != 100 {
		t.Fatalf("seed: %+v", c)
	}
}

func TestAccountLookup(t *testing.T) {
	cfg := Default()
	cfg.Accounts = []AccountConfig{{ID: 3, Username: "three"}}
	if a, ok := cfg.Account(3); !ok || !strings.EqualFold(a.Username, "THREE") {
		t.Fatalf("lookup: %+v %v", a, ok)
	}
	if _, ok := cfg.Account(4); ok {
		t.Fatal("unknown id found")
	}
}
