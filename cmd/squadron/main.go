// Squadron orchestrator server: webhook-driven GitHub agents, declarative
// pipelines, and the dashboard API.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/squadron-dev/squadron/pkg/activity"
	"github.com/squadron-dev/squadron/pkg/agentmgr"
	"github.com/squadron-dev/squadron/pkg/api"
	"github.com/squadron-dev/squadron/pkg/commands"
	"github.com/squadron-dev/squadron/pkg/config"
	"github.com/squadron-dev/squadron/pkg/events"
	"github.com/squadron-dev/squadron/pkg/gates"
	"github.com/squadron-dev/squadron/pkg/github"
	"github.com/squadron-dev/squadron/pkg/masking"
	"github.com/squadron-dev/squadron/pkg/notify"
	"github.com/squadron-dev/squadron/pkg/pipeline"
	"github.com/squadron-dev/squadron/pkg/reconcile"
	"github.com/squadron-dev/squadron/pkg/recovery"
	"github.com/squadron-dev/squadron/pkg/registry"
	"github.com/squadron-dev/squadron/pkg/runtime"
	"github.com/squadron-dev/squadron/pkg/sandbox"
	"github.com/squadron-dev/squadron/pkg/services"
	"github.com/squadron-dev/squadron/pkg/skills"
	"github.com/squadron-dev/squadron/pkg/worktree"
)

// agentStopGrace bounds how long shutdown waits for agent goroutines.
const agentStopGrace = 30 * time.Second

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func envInt64(key string) int64 {
	n, _ := strconv.ParseInt(os.Getenv(key), 10, 64)
	return n
}

// privateKeyPEM reads GITHUB_PRIVATE_KEY, accepting either the PEM text
// itself or a path to a key file.
func privateKeyPEM() []byte {
	raw := os.Getenv("GITHUB_PRIVATE_KEY")
	if raw == "" {
		return nil
	}
	if _, err := os.Stat(raw); err == nil {
		data, err := os.ReadFile(raw)
		if err != nil {
			slog.Error("Failed to read GitHub private key file", "path", raw, "error", err)
			os.Exit(1)
		}
		return data
	}
	return []byte(raw)
}

func main() {
	configDir := flag.String("config-dir",
		getEnv("SQUADRON_CONFIG_DIR", "./.squadron"),
		"Path to the configuration directory")
	listen := flag.String("listen",
		getEnv("SQUADRON_LISTEN", ":8080"),
		"HTTP listen address")
	watch := flag.Bool("watch", false,
		"Re-parse configuration on local file changes (development)")
	flag.Parse()

	envPath := filepath.Join(*configDir, ".env")
	if err := godotenv.Load(envPath); err == nil {
		slog.Info("Loaded environment", "path", envPath)
	}

	slog.Info("Starting squadron", "config_dir", *configDir, "listen", *listen)
	ctx := context.Background()

	// 1. Configuration.
	cfg, err := config.Initialize(ctx, *configDir)
	if err != nil {
		slog.Error("Failed to initialize configuration", "error", err)
		os.Exit(1)
	}
	store := config.NewStore(cfg)
	addr := *listen
	if addr == ":8080" && cfg.Dashboard.ListenOn != "" {
		addr = cfg.Dashboard.ListenOn
	}

	// 2. Registry.
	dataDir := getEnv("SQUADRON_DATA_DIR", "./data")
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		slog.Error("Failed to create data directory", "path", dataDir, "error", err)
		os.Exit(1)
	}
	reg, err := registry.Open(ctx, registry.DefaultConfig(filepath.Join(dataDir, "squadron.db")))
	if err != nil {
		slog.Error("Failed to open registry", "error", err)
		os.Exit(1)
	}
	defer reg.Close()

	act := activity.NewLog(reg, masking.NewMasker())

	// 3. GitHub App client.
	appID := envInt64("GITHUB_APP_ID")
	installationID := envInt64("GITHUB_INSTALLATION_ID")
	key := privateKeyPEM()
	gh, err := github.New(github.Config{
		Owner:          cfg.Project.Owner,
		Repo:           cfg.Project.Repo,
		AppID:          appID,
		InstallationID: installationID,
		PrivateKey:     key,
	})
	if err != nil {
		slog.Error("Failed to build GitHub client", "error", err)
		os.Exit(1)
	}

	// 4. Worktrees, sandbox, runtime, skills, notifications.
	defaultBranch := getEnv("SQUADRON_DEFAULT_BRANCH", cfg.Project.DefaultBranch)
	worktrees, err := worktree.NewManager(worktree.Config{
		BaseDir:       filepath.Join(dataDir, "worktrees"),
		RepoURL:       os.Getenv("SQUADRON_REPO_URL"),
		DefaultBranch: defaultBranch,
		Token:         github.NewTokenFunc(appID, installationID, key),
	})
	if err != nil {
		slog.Error("Failed to build worktree manager", "error", err)
		os.Exit(1)
	}

	urlEnv := cfg.Runtime.Provider.URLEnv
	if urlEnv == "" {
		urlEnv = config.DefaultProviderURLEnv
	}
	rt := runtime.NewHTTPRuntime(os.Getenv(urlEnv))

	library, err := skillLibrary(cfg)
	if err != nil {
		slog.Error("Failed to load skill library", "error", err)
		os.Exit(1)
	}

	notifier := notify.NewFanout(
		notify.NewGitHubNotifier(gh, cfg.Notifications.Mention),
		notify.NewSlackNotifier(os.Getenv("SQUADRON_SLACK_TOKEN"), os.Getenv("SQUADRON_SLACK_CHANNEL")),
	)

	// 5. Startup recovery, before anything can spawn.
	if err := recovery.New(store, reg, gh, act).Run(ctx); err != nil {
		slog.Error("Startup recovery failed", "error", err)
		os.Exit(1)
	}

	// 6. Event router and command parser.
	parser := commands.NewParser(commands.Config{
		Prefix:        cfg.CommandPrefix,
		KnownAgents:   cfg.RoleNames(),
		KnownCommands: cfg.CommandNames(),
	})
	router := events.NewRouter(events.Config{
		QueueSize:   cfg.Events.QueueSize,
		DedupWindow: cfg.Events.DedupWindow,
	}, parser)

	// 7. Pipeline engine and agent manager, cross-wired.
	checks := gates.NewRegistry()
	gates.RegisterBuiltins(checks, gh, reg, cfg.Project.BotUsername)
	engine := pipeline.NewEngine(reg, checks, gh, act, pipeline.Config{})
	engine.SetDefinitions(cfg.Pipelines)

	mgr := agentmgr.New(store, reg, gh, worktrees, sandbox.NewPassthrough(), rt, act, agentmgr.Options{
		Notifier:      notifier,
		Skills:        library,
		StageReporter: engine,
	})
	engine.SetAgentRunner(mgr)
	router.SetPipelineSink(engine)
	mgr.Start(ctx, router)
	registerConfigReload(store, router, engine, defaultBranch)
	registerReviewPolicy(store, router, reg)

	if err := engine.Start(ctx); err != nil {
		slog.Error("Failed to start pipeline engine", "error", err)
		os.Exit(1)
	}
	router.Start(ctx)

	// 8. Reconcile sweeper.
	sweeper := reconcile.New(store, reg, gh, router, mgr, act)
	sweeper.Start(ctx)

	// 9. Optional local config watcher.
	watchCtx, stopWatch := context.WithCancel(ctx)
	defer stopWatch()
	if *watch {
		go func() {
			if err := store.Watch(watchCtx); err != nil {
				slog.Error("Config watcher stopped", "error", err)
			}
		}()
	}

	// 10. HTTP API.
	server := api.NewServer(api.Options{
		Store:          store,
		Router:         router,
		Reg:            reg,
		WebhookSecret:  os.Getenv("GITHUB_WEBHOOK_SECRET"),
		InstallationID: installationID,
		Dashboard:      services.NewDashboard(reg, engine),
		Activity:       act,
	})
	errCh := make(chan error, 1)
	go func() {
		if err := server.Start(addr); err != nil {
			errCh <- err
		}
	}()

	slog.Info("Squadron started",
		"project", cfg.Project.Owner+"/"+cfg.Project.Repo,
		"roles", len(cfg.AgentRoles),
		"pipelines", len(cfg.Pipelines))

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	select {
	case sig := <-sigCh:
		slog.Info("Shutdown signal received", "signal", sig)
	case err := <-errCh:
		slog.Error("Server error triggered shutdown", "error", err)
	}

	// Shutdown: stop intake first, then the workers, then the API.
	stopWatch()
	sweeper.Stop()
	router.Stop()
	engine.Stop()
	mgr.Stop(agentStopGrace)

	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Error("HTTP server shutdown error", "error", err)
	}
	slog.Info("Shutdown complete")
}

// skillLibrary builds the skill library from configuration. No configured
// skills means no library; roles then run on their prompt alone.
func skillLibrary(cfg *config.Config) (*skills.Library, error) {
	if len(cfg.Skills.Definitions) == 0 {
		return nil, nil
	}
	base := cfg.Skills.BasePath
	if base != "" && !filepath.IsAbs(base) {
		base = filepath.Join(cfg.ConfigDir(), base)
	}
	defs := make(map[string]skills.Definition, len(cfg.Skills.Definitions))
	for name, d := range cfg.Skills.Definitions {
		defs[name] = skills.Definition{Path: d.Path, Description: d.Description}
	}
	return skills.NewLibrary(base, defs)
}

// registerConfigReload wires the push-driven hot reload: a push to the
// default branch touching .squadron/** re-parses the configuration, and new
// pipeline definitions take effect for future runs.
func registerConfigReload(store *config.Store, router *events.Router, engine *pipeline.Engine, defaultBranch string) {
	store.OnReload(func(cfg *config.Config) {
		engine.SetDefinitions(cfg.Pipelines)
	})
	router.Register(func(ctx context.Context, ev *events.Event) error {
		branch, changed := pushDetails(ev.Payload)
		store.HandlePush(ctx, branch, defaultBranch, changed)
		return nil
	}, events.Push)
}

// registerReviewPolicy wires approval invalidation: when the review policy
// says so, a push to a PR head marks every recorded approval for that PR
// stale, so merge gates demand fresh reviews of the new commits.
func registerReviewPolicy(store *config.Store, router *events.Router, reg *registry.Registry) {
	router.Register(func(ctx context.Context, ev *events.Event) error {
		cfg := store.Current()
		if !cfg.ReviewPolicy.Enabled || !cfg.ReviewPolicy.OnSynchronize.InvalidateApprovals {
			return nil
		}
		if ev.PRNumber == nil {
			return nil
		}
		n, err := reg.InvalidateApprovals(ctx, *ev.PRNumber)
		if err != nil {
			return fmt.Errorf("invalidating approvals for PR %d: %w", *ev.PRNumber, err)
		}
		if n > 0 {
			slog.Info("Approvals invalidated after head push", "pr", *ev.PRNumber, "count", n)
		}
		return nil
	}, events.PRSynchronized)
}

// pushDetails extracts the pushed branch and the touched paths from a push
// payload.
func pushDetails(payload map[string]any) (branch string, changed []string) {
	if ref, ok := payload["ref"].(string); ok {
		branch = strings.TrimPrefix(ref, "refs/heads/")
	}
	commits, _ := payload["commits"].([]any)
	for _, c := range commits {
		commit, ok := c.(map[string]any)
		if !ok {
			continue
		}
		for _, field := range []string{"added", "modified", "removed"} {
			paths, _ := commit[field].([]any)
			for _, p := range paths {
				if s, ok := p.(string); ok {
					changed = append(changed, s)
				}
			}
		}
	}
	return branch, changed
}
