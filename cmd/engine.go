package cmd

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"
	"golang.org/x/oauth2"

	"github.com/joescharf/reviewd/internal/analyzer"
	"github.com/joescharf/reviewd/internal/dispatch"
	"github.com/joescharf/reviewd/internal/events"
	"github.com/joescharf/reviewd/internal/git"
	"github.com/joescharf/reviewd/internal/github"
	"github.com/joescharf/reviewd/internal/intake"
	"github.com/joescharf/reviewd/internal/ledger"
	"github.com/joescharf/reviewd/internal/notify"
	"github.com/joescharf/reviewd/internal/orchestrator"
	"github.com/joescharf/reviewd/internal/repoconfig"
	"github.com/joescharf/reviewd/internal/store"
)

// engine is the wired review pipeline shared by serve, review and mcp.
type engine struct {
	store    store.Store
	ledger   *ledger.Ledger
	registry *analyzer.Registry
	repos    *repoconfig.FileProvider
	bus      *events.Bus
	trees    *git.Worktrees
	orch     *orchestrator.Orchestrator
	intake   *intake.Intake
	gh       *github.Client // nil without GitHub credentials
}

// newEngine wires the pipeline from viper configuration. Quotas are seeded
// from persisted usage so a restart does not reset them.
func newEngine(ctx context.Context, log *logrus.Logger) (*engine, error) {
	s, err := getStore()
	if err != nil {
		return nil, err
	}

	registry, err := analyzer.Build(analyzerConfig())
	if err != nil {
		return nil, fmt.Errorf("build analyzers: %w", err)
	}

	gh, err := githubClient(ctx)
	if err != nil {
		return nil, err
	}

	e := &engine{
		store:    s,
		ledger:   ledger.New(),
		registry: registry,
		repos:    repoconfig.NewFileProvider(viper.GetString("repos_file")),
		bus:      events.NewBus(events.DefaultHistory),
		trees:    git.NewWorktrees(filepath.Join(viper.GetString("state_dir"), "worktrees")),
		gh:       gh,
	}
	if err := e.seedLedger(ctx); err != nil {
		return nil, err
	}

	pool := dispatch.New(dispatch.Options{
		Workers:         viper.GetInt("dispatch.workers"),
		AnalyzerTimeout: viper.GetDuration("dispatch.analyzer_timeout"),
		ToolRetries:     viper.GetInt("dispatch.tool_retries"),
	}, log)

	deps := orchestrator.Deps{
		Ledger:     e.ledger,
		Pool:       pool,
		Resolver:   registry,
		Sink:       s,
		Workspaces: e.trees,
		Events:     e.bus,
		Log:        log,
	}
	if gh != nil {
		deps.Diffs = github.NewDiffSource(gh, viper.GetInt("dispatch.max_diff_bytes"))
	}
	if viper.GetBool("notify.enabled") {
		deps.Notifier = e.notifier(log)
	}

	e.orch = orchestrator.New(deps, orchestrator.Options{
		RunTimeout: viper.GetDuration("dispatch.run_timeout"),
	})
	e.intake = intake.New(e.repos, e.orch, viper.GetDuration("intake.dedup_window"), log)
	return e, nil
}

func (e *engine) notifier(log *logrus.Logger) orchestrator.Notifier {
	if e.gh == nil {
		return notify.NewLog(log)
	}
	return notify.NewRetrying(notify.NewGitHub(e.gh), uint(viper.GetInt("notify.attempts")), log)
}

// seedLedger restores today's counters and this month's spend for every
// repository with recorded runs.
func (e *engine) seedLedger(ctx context.Context) error {
	repos, err := e.store.Repositories(ctx)
	if err != nil {
		return fmt.Errorf("list repositories: %w", err)
	}
	for _, repo := range repos {
		w, err := e.store.Usage(ctx, repo)
		if err != nil {
			return fmt.Errorf("load usage for %s: %w", repo, err)
		}
		e.ledger.Seed(repo, w)
	}

	// Limits are refreshed on every admission; setting them now makes usage
	// snapshots meaningful before the first request.
	if cfgs, err := e.repos.List(ctx); err == nil {
		for _, cfg := range cfgs {
			e.ledger.SetLimits(cfg.ID, ledger.Limits{
				DailyReviews:    cfg.DailyLimit,
				DailyIssuePlans: cfg.IssuePlanDailyLimit,
				MonthlyCostUSD:  cfg.MonthlyCostLimitUSD,
			})
		}
	}
	return nil
}

// sweepCheckouts removes worktrees a previous server left behind and warns
// about clones whose origin is a different repository. Only the pid file
// owner may call it.
func (e *engine) sweepCheckouts(ctx context.Context, log *logrus.Logger) {
	cfgs, err := e.repos.List(ctx)
	if err != nil {
		return
	}
	for _, cfg := range cfgs {
		if cfg.Checkout == "" {
			continue
		}
		entry := log.WithFields(logrus.Fields{"repository": cfg.ID, "checkout": cfg.Checkout})
		if origin, err := git.RemoteRepository(ctx, cfg.Checkout); err == nil && origin != cfg.ID {
			entry.WithField("origin", origin).Warn("checkout origin does not match repository")
		}
		n, err := e.trees.Sweep(ctx, cfg.Checkout)
		if err != nil {
			entry.WithError(err).Warn("sweep worktrees")
			continue
		}
		if n > 0 {
			entry.WithField("removed", n).Info("removed stale worktrees")
		}
	}
}

// Close waits for in-flight runs to finish their bookkeeping.
func (e *engine) Close() {
	e.orch.Close()
}

// analyzerConfig reads the analyzers section. Providers without their own
// credentials inherit the top-level anthropic/openai settings, and a
// default Anthropic provider named "claude" exists when none is configured.
func analyzerConfig() analyzer.Config {
	var cfg analyzer.Config
	_ = viper.UnmarshalKey("analyzers", &cfg)
	if cfg.Providers == nil {
		cfg.Providers = make(map[string]analyzer.ProviderConfig)
	}
	if len(cfg.Providers) == 0 {
		cfg.Providers["claude"] = analyzer.ProviderConfig{
			Type:  analyzer.ProviderAnthropic,
			Model: viper.GetString("anthropic.model"),
		}
	}

	for id, pc := range cfg.Providers {
		if pc.APIKey != "" || pc.APIKeyEnv != "" {
			continue
		}
		switch pc.Type {
		case analyzer.ProviderOpenAI:
			pc.APIKey = viper.GetString("openai.api_key")
			if pc.BaseURL == "" {
				pc.BaseURL = viper.GetString("openai.base_url")
			}
		default:
			pc.APIKey = viper.GetString("anthropic.api_key")
		}
		cfg.Providers[id] = pc
	}
	return cfg
}

// githubClient authenticates as a GitHub App when app credentials are
// configured, otherwise with a token. No credentials yields nil.
func githubClient(ctx context.Context) (*github.Client, error) {
	appID := viper.GetInt64("github.app_id")
	keyPath := viper.GetString("github.app_key_path")
	if appID > 0 && keyPath != "" {
		pem, err := os.ReadFile(keyPath)
		if err != nil {
			return nil, fmt.Errorf("read github app key: %w", err)
		}
		return github.NewAppClient(ctx, appID, viper.GetInt64("github.installation_id"), pem)
	}

	token := viper.GetString("github.token")
	if token == "" {
		return nil, nil
	}
	if base := viper.GetString("github.base_url"); base != "" {
		hc := oauth2.NewClient(ctx, oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token}))
		return github.NewClientWithBaseURL(hc, base)
	}
	return github.NewTokenClient(ctx, token), nil
}
