package cmd

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/joescharf/reviewd/internal/output"
	"github.com/joescharf/reviewd/internal/store"
)

// Package-level shared dependencies, initialized in cobra.OnInitialize.
var (
	ui        *output.UI
	logger    *logrus.Logger
	dataStore store.Store

	verbose bool
	dryRun  bool
)

var rootCmd = &cobra.Command{
	Use:   "reviewd",
	Short: "Review daemon - automated AI code review for pull requests",
	Long: `reviewd reviews pull requests, commits and issues along independent
categories (security, best practices, framework, infrastructure as code).

It fans each category out to static tools and AI providers, merges their
findings, enforces per-repository quotas and cost ceilings, and posts a
summary back to the code host.`,
	SilenceUsage:      true,
	SilenceErrors:     true,
	DisableAutoGenTag: true,
}

// Execute is the main entry point called from main.go.
func Execute(version, commit, date string) {
	buildVersion = version
	buildCommit = commit
	buildDate = date

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig, initDeps)

	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Verbose output")
	rootCmd.PersistentFlags().BoolVarP(&dryRun, "dry-run", "n", false, "Show what would happen without making changes")
	rootCmd.PersistentFlags().String("config", "", "Config file (default ~/.config/reviewd/config.yaml)")
}

func initConfig() {
	// .env is optional; real environment variables win.
	_ = godotenv.Load()

	// If --config is explicitly set, use that file
	if cfgFile, _ := rootCmd.PersistentFlags().GetString("config"); cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		dir, err := configDirFunc()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: cannot find home directory: %v\n", err)
			os.Exit(1)
		}
		viper.AddConfigPath(dir)
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
	}

	viper.SetEnvPrefix("REVIEWD")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	dir, _ := configDirFunc()
	setDefaults(dir)

	// Read config file if it exists (optional)
	_ = viper.ReadInConfig()
}

// setDefaults registers a default for every configuration key.
func setDefaults(dir string) {
	viper.SetDefault("state_dir", dir)
	viper.SetDefault("db_path", filepath.Join(dir, "reviewd.db"))
	viper.SetDefault("db_url", "")
	viper.SetDefault("repos_file", filepath.Join(dir, "repositories.yaml"))
	viper.SetDefault("log.level", "info")
	viper.SetDefault("log.format", "text")

	viper.SetDefault("server.addr", ":8080")

	viper.SetDefault("dispatch.workers", 8)
	viper.SetDefault("dispatch.analyzer_timeout", "2m")
	viper.SetDefault("dispatch.run_timeout", "10m")
	viper.SetDefault("dispatch.tool_retries", 1)
	viper.SetDefault("dispatch.max_diff_bytes", 500000)

	viper.SetDefault("intake.dedup_window", "10m")

	viper.SetDefault("notify.enabled", true)
	viper.SetDefault("notify.attempts", 4)

	viper.SetDefault("poll.enabled", false)
	viper.SetDefault("poll.interval", "5m")
	viper.SetDefault("poll.rps", 1.0)

	viper.SetDefault("github.token", "")
	viper.SetDefault("github.base_url", "")
	viper.SetDefault("github.app_id", 0)
	viper.SetDefault("github.installation_id", 0)
	viper.SetDefault("github.app_key_path", "")
	viper.SetDefault("github.webhook_secret", "")
	viper.SetDefault("gitlab.webhook_token", "")

	viper.SetDefault("anthropic.api_key", "")
	viper.SetDefault("anthropic.model", "claude-sonnet-4-5")
	viper.SetDefault("openai.api_key", "")
	viper.SetDefault("openai.base_url", "")
}

func initDeps() {
	ui = output.New()
	ui.Verbose = verbose
	ui.DryRun = dryRun

	logger = newLogger(viper.GetString("log.format"), viper.GetString("log.level"))
	if verbose {
		logger.SetLevel(logrus.DebugLevel)
	}
}

// newLogger builds the process logger. Diagnostics go to stderr so stdout
// stays free for command output and the MCP stdio transport.
func newLogger(format, level string) *logrus.Logger {
	l := logrus.New()
	l.SetOutput(os.Stderr)
	if format == "json" {
		l.SetFormatter(&logrus.JSONFormatter{})
	} else {
		l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		lvl = logrus.InfoLevel
	}
	l.SetLevel(lvl)
	return l
}

// getStore returns the shared store, initializing it on first call.
func getStore() (store.Store, error) {
	if dataStore != nil {
		return dataStore, nil
	}

	dsn := viper.GetString("db_url")
	if dsn == "" {
		dsn = viper.GetString("db_path")
	}
	s, err := store.Open(dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if err := s.Migrate(context.Background()); err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("migrate database: %w", err)
	}

	dataStore = s
	return dataStore, nil
}
