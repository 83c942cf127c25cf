package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"growpilot/internal/analytics"
	"growpilot/internal/bot"
	"growpilot/internal/cmdlog"
	"growpilot/internal/config"
	"growpilot/internal/control"
	"growpilot/internal/igclient"
	"growpilot/internal/jobs"
	"growpilot/internal/logging"
	"growpilot/internal/metrics"
	"growpilot/internal/session"
	"growpilot/internal/store"
	"growpilot/internal/theme"
)

func main() {
	cmd := ""
	if len(os.Args) > 1 {
		cmd = os.Args[1]
	}
	var args []string
	if len(os.Args) > 2 {
		args = os.Args[2:]
	}
	commands := map[string]func([]string) error{
		"init":       cmdInit,
		"run":        cmdRun,
		"status":     cmdStatus,
		"config":     cmdConfig,
		"targets":    cmdTargets,
		"logs":       cmdLogs,
		"analytics":  cmdAnalytics,
		"disconnect": cmdDisconnect,
	}
	f, ok := commands[cmd]
	if !ok {
		printHelp()
		return
	}
	if err := cmdlog.Run(cmd, func() error { return f(args) }); err != nil {
		theme.Result(os.Stderr, false, err.Error())
		os.Exit(1)
	}
}

func printHelp() {
	theme.PrintBanner()
	fmt.Println("Usage: growpilot <command> [options]")
	fmt.Println("Commands:")
	fmt.Println("  init        Create a config file at ./growpilot.yaml")
	fmt.Println("  run         Start the configured bots and serve metrics until interrupted")
	fmt.Println("  status      Show counters, limits and queue depth of an account")
	fmt.Println("  config      Show or update the bot settings of an account")
	fmt.Println("  targets     List, add, remove or toggle target accounts")
	fmt.Println("  logs        Show recent actions (-hourly for per-hour totals)")
	fmt.Println("  analytics   Show today's totals and the daily history")
	fmt.Println("  disconnect  Stop an account and delete all of its data")
}

// app is the wiring shared by every command that touches the store.
type app struct {
	cfg config.Config
	db  *store.DB
	reg *bot.Registry
	svc *control.Service
}

func openApp(ctx context.Context, cfgPath string) (*app, error) {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if err := logging.Init(cfg.Logging); err != nil {
		return nil, err
	}
	db, err := store.Open(cfg.Storage.Driver, cfg.Storage.DSN)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	p := cfg.Platform
	newClient := func() igclient.Client {
		return igclient.NewHTTPClient(igclient.Options{
			BaseURL:     p.BaseURL,
			UserAgent:   p.UserAgent,
			AppID:       p.AppID,
			RPS:         p.RequestsPerSecond,
			Burst:       p.Burst,
			MaxAttempts: p.MaxAttempts,
			BaseBackoff: p.BaseBackoff,
		})
	}
	sessions := session.NewManager(db, newClient).WithBcryptCost(cfg.Security.BcryptCost)
	reg := bot.NewRegistry(ctx, db, sessions, bot.Options{
		RefreshInterval: cfg.Bot.RefreshInterval,
		CallTimeout:     p.CallTimeout,
		ErrorThreshold:  cfg.Bot.ErrorThreshold,
		ScrapeBatch:     cfg.Bot.ScrapeBatch,
		QuietHours:      cfg.Bot.QuietHours,
		StopGrace:       cfg.Bot.StopGrace,
		Defaults:        cfg.Bot.Seed,
	})
	return &app{cfg: cfg, db: db, reg: reg, svc: control.New(reg, db, cfg.Bot.Seed)}, nil
}

func (a *app) credentials(id int64) (session.Credentials, error) {
	ac, ok := a.cfg.Account(id)
	if !ok {
		return session.Credentials{}, nil
	}
	creds := session.Credentials{Username: ac.Username}
	if ac.PasswordEnv != "" {
		creds.Password = os.Getenv(ac.PasswordEnv)
	}
	if ac.SessionFile != "" {
		b, err := os.ReadFile(ac.SessionFile)
		if err != nil && !errors.Is(err, os.ErrNotExist) {
			return creds, fmt.Errorf("read session file: %w", err)
		}
		creds.SessionBlob = b
	}
	return creds, nil
}

func cmdInit(args []string) error {
	fs := flag.NewFlagSet("init", flag.ExitOnError)
	path := fs.String("path", "./growpilot.yaml", "path to write config")
	_ = fs.Parse(args)
	cfg := config.Default()
	cfg.Accounts = []config.AccountConfig{{ID: 1, Username: "your_username", PasswordEnv: "GROWPILOT_PASSWORD", Targets: []string{"natgeo"}}}
	if err := config.Save(*path, cfg); err != nil {
		return err
	}
	abs, _ := filepath.Abs(*path)
	theme.PrintBanner()
	fmt.Println("Config written to:", abs)
	return nil
}

func cmdRun(args []string) error {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	cfgPath := fs.String("config", "./growpilot.yaml", "config path")
	_ = fs.Parse(args)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	a, err := openApp(ctx, *cfgPath)
	if err != nil {
		return err
	}
	defer a.db.Close()
	theme.PrintBanner()

	srv := metrics.StartServer(a.cfg.Metrics.Addr)
	if a.cfg.Jobs.AnalyticsSchedule != "" {
		if _, err := jobs.StartRollup(ctx, a.db, a.cfg.Jobs.AnalyticsSchedule); err != nil {
			return err
		}
	}

	// configured targets and settings are seeded once; later edits live in the store
	for _, ac := range a.cfg.Accounts {
		for _, t := range ac.Targets {
			if _, err := a.svc.AddTarget(ctx, ac.ID, t, ""); err != nil {
				logging.Warn("seed_target_failed", map[string]any{"account_id": ac.ID, "target": t, "error": err.Error()})
			}
		}
		if c, err := a.db.GetConfig(ctx, ac.ID); err == nil && c == nil {
			if err := a.db.UpsertConfig(ctx, a.cfg.Bot.Seed(ac.ID)); err != nil {
				return err
			}
		}
	}

	// accounts left running by a previous process are resumed too
	resume, err := a.db.RunningAccounts(ctx)
	if err != nil {
		return err
	}
	want := map[int64]bool{}
	for _, id := range resume {
		want[id] = true
	}
	for _, ac := range a.cfg.Accounts {
		if ac.AutoStart {
			want[ac.ID] = true
		}
	}
	for id := range want {
		creds, err := a.credentials(id)
		if err != nil {
			return err
		}
		r := a.svc.Start(ctx, id, creds)
		theme.Result(os.Stdout, r.Success, fmt.Sprintf("account %d: %s", id, r.Message))
	}

	<-ctx.Done()
	fmt.Println("shutting down")
	shutdown, cancel := context.WithTimeout(context.Background(), a.cfg.Bot.StopGrace+5*time.Second)
	defer cancel()
	running := a.reg.Running()
	a.reg.StopAll(shutdown)
	// keep the running flag so the next run resumes these accounts
	for _, id := range running {
		if err := a.db.SetRunning(shutdown, id, true, time.Now().UTC()); err != nil {
			logging.Warn("persist_resume_failed", map[string]any{"account_id": id, "error": err.Error()})
		}
	}
	if srv != nil {
		_ = srv.Shutdown(shutdown)
	}
	return nil
}

func accountFlags(name string) (*flag.FlagSet, *string, *int64) {
	fs := flag.NewFlagSet(name, flag.ExitOnError)
	cfgPath := fs.String("config", "./growpilot.yaml", "config path")
	id := fs.Int64("account", 1, "account id")
	return fs, cfgPath, id
}

func cmdStatus(args []string) error {
	fs, cfgPath, id := accountFlags("status")
	_ = fs.Parse(args)
	ctx := context.Background()
	a, err := openApp(ctx, *cfgPath)
	if err != nil {
		return err
	}
	defer a.db.Close()

	st := a.svc.Status(ctx, *id)
	cfg, err := a.svc.GetConfig(ctx, *id)
	if err != nil {
		return err
	}
	state := "stopped"
	if cfg.IsRunning {
		state = "running"
	}
	if acc := st.Account; acc != nil {
		fmt.Printf("%s @%s  followers=%d following=%d\n", theme.Key("account"), acc.Username, acc.FollowerCount, acc.FollowingCount)
	}
	fmt.Printf("%s %s\n", theme.Key("state  "), theme.State(state))
	l := st.Limits
	fmt.Printf("%s %d/%d today\n", theme.Key("follows"), l.FollowsToday, l.FollowsLimit)
	fmt.Printf("%s %d today, limit %d/hour\n", theme.Key("likes  "), l.LikesToday, l.LikesLimit)
	fmt.Printf("%s %d today\n", theme.Key("stories"), l.StoriesViewedToday)
	fmt.Printf("%s %d queued\n", theme.Key("queue  "), st.QueueDepth)
	return nil
}

func cmdConfig(args []string) error {
	fs, cfgPath, id := accountFlags("config")
	likes := fs.Int("likes", 0, "likes per hour (1-200)")
	follows := fs.Int("follows", 0, "follows per day (1-200)")
	minDelay := fs.Int("min-delay", 0, "minimum seconds between actions (10-300)")
	maxDelay := fs.Int("max-delay", 0, "maximum seconds between actions (10-300)")
	enableFollows := fs.Bool("enable-follows", true, "follow candidates")
	enableLikes := fs.Bool("enable-likes", true, "like candidates' latest post")
	_ = fs.Parse(args)
	ctx := context.Background()
	a, err := openApp(ctx, *cfgPath)
	if err != nil {
		return err
	}
	defer a.db.Close()

	var p control.ConfigPatch
	changed := false
	fs.Visit(func(f *flag.Flag) {
		changed = changed || (f.Name != "config" && f.Name != "account")
		switch f.Name {
		case "likes":
			p.LikesPerHour = likes
		case "follows":
			p.FollowsPerDay = follows
		case "min-delay":
			p.MinDelaySeconds = minDelay
		case "max-delay":
			p.MaxDelaySeconds = maxDelay
		case "enable-follows":
			p.EnableFollows = enableFollows
		case "enable-likes":
			p.EnableLikes = enableLikes
		}
	})
	c, err := a.svc.GetConfig(ctx, *id)
	if changed {
		c, err = a.svc.UpdateConfig(ctx, *id, p)
	}
	if err != nil {
		return err
	}
	fmt.Printf("likesPerHour=%d followsPerDay=%d delay=%d-%ds follows=%t likes=%t running=%t\n",
		c.LikesPerHour, c.FollowsPerDay, c.MinDelaySeconds, c.MaxDelaySeconds, c.EnableFollows, c.EnableLikes, c.IsRunning)
	return nil
}

func cmdTargets(args []string) error {
	fs, cfgPath, id := accountFlags("targets")
	category := fs.String("category", "", "category label for add")
	_ = fs.Parse(args)
	ctx := context.Background()
	a, err := openApp(ctx, *cfgPath)
	if err != nil {
		return err
	}
	defer a.db.Close()

	rest := fs.Args()
	action := "list"
	if len(rest) > 0 {
		action, rest = rest[0], rest[1:]
	}
	targetID := func() (int64, error) {
		if len(rest) == 0 {
			return 0, fmt.Errorf("targets %s needs a target id", action)
		}
		return strconv.ParseInt(rest[0], 10, 64)
	}
	switch action {
	case "list":
		ts, err := a.svc.ListTargets(ctx, *id)
		if err != nil {
			return err
		}
		for _, t := range ts {
			scraped := "never"
			if t.LastScrapedAt != nil {
				scraped = t.LastScrapedAt.Format(time.RFC3339)
			}
			fmt.Printf("%4d @%-30s active=%-5t followers=%d scraped=%s %s\n", t.ID, t.Username, t.IsActive, t.FollowerCount, scraped, t.Category)
		}
	case "add":
		if len(rest) == 0 {
			return errors.New("targets add needs a username")
		}
		t, err := a.svc.AddTarget(ctx, *id, rest[0], *category)
		if err != nil {
			return err
		}
		theme.Result(os.Stdout, true, fmt.Sprintf("target %d @%s added", t.ID, t.Username))
	case "remove":
		tid, err := targetID()
		if err != nil {
			return err
		}
		if err := a.svc.RemoveTarget(ctx, *id, tid); err != nil {
			return err
		}
		theme.Result(os.Stdout, true, fmt.Sprintf("target %d removed", tid))
	case "enable", "disable":
		tid, err := targetID()
		if err != nil {
			return err
		}
		if err := a.svc.ToggleTarget(ctx, *id, tid, action == "enable"); err != nil {
			return err
		}
		theme.Result(os.Stdout, true, fmt.Sprintf("target %d %sd", tid, action))
	default:
		return fmt.Errorf("unknown targets action %q (list, add, remove, enable, disable)", action)
	}
	return nil
}

func cmdLogs(args []string) error {
	fs, cfgPath, id := accountFlags("logs")
	limit := fs.Int("limit", control.DefaultLogLimit, "number of entries (max 200)")
	hourly := fs.Int("hourly", 0, "show per-hour totals of the last N hours instead")
	_ = fs.Parse(args)
	ctx := context.Background()
	a, err := openApp(ctx, *cfgPath)
	if err != nil {
		return err
	}
	defer a.db.Close()

	if *hourly > 0 {
		b, err := a.svc.HourlyActivity(ctx, *id, *hourly)
		if err != nil {
			return err
		}
		for _, k := range analytics.SortedBucketKeys(b) {
			fmt.Printf("%s -> %v\n", k.Format("2006-01-02 15:00"), b[k])
		}
		return nil
	}
	logs, err := a.svc.RecentLogs(ctx, *id, *limit)
	if err != nil {
		return err
	}
	for _, l := range logs {
		line := fmt.Sprintf("%s %-16s %-8s %s", l.CreatedAt.Format(time.RFC3339), l.Type, l.Status, l.TargetUsername)
		if l.ErrorMessage != "" {
			line += " error=" + l.ErrorMessage
		}
		fmt.Println(line)
	}
	return nil
}

func cmdAnalytics(args []string) error {
	fs, cfgPath, id := accountFlags("analytics")
	days := fs.Int("days", control.DefaultHistoryDays, "history length in days (max 90)")
	_ = fs.Parse(args)
	ctx := context.Background()
	a, err := openApp(ctx, *cfgPath)
	if err != nil {
		return err
	}
	defer a.db.Close()

	today, err := a.svc.AnalyticsToday(ctx, *id)
	if err != nil {
		return err
	}
	fmt.Printf("%s follows=%d likes=%d stories=%d followers=%d\n", theme.Key("today"), today.TotalFollows, today.TotalLikes, today.TotalStoriesViewed, today.FollowerCount)
	rows, err := a.svc.AnalyticsHistory(ctx, *id, *days)
	if err != nil {
		return err
	}
	for _, r := range rows {
		fmt.Printf("%s follows=%d likes=%d stories=%d followers=%d following=%d\n", r.Day, r.TotalFollows, r.TotalLikes, r.TotalStoriesViewed, r.FollowerCount, r.FollowingCount)
	}
	return nil
}

func cmdDisconnect(args []string) error {
	fs, cfgPath, id := accountFlags("disconnect")
	yes := fs.Bool("yes", false, "confirm deleting every stored row of the account")
	_ = fs.Parse(args)
	if !*yes {
		return errors.New("disconnect deletes all data of the account; pass -yes to confirm")
	}
	ctx := context.Background()
	a, err := openApp(ctx, *cfgPath)
	if err != nil {
		return err
	}
	defer a.db.Close()
	r := a.svc.Disconnect(ctx, *id)
	theme.Result(os.Stdout, r.Success, r.Message)
	if !r.Success {
		return errors.New(r.Message)
	}
	return nil
}
