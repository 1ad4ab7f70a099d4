package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/joescharf/reviewd/internal/api"
	"github.com/joescharf/reviewd/internal/daemon"
	"github.com/joescharf/reviewd/internal/poller"
)

const shutdownTimeout = 30 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the review server in the foreground",
	Long: `Run the HTTP server that receives GitHub and GitLab webhooks, accepts
manual review requests and serves run history.

With poll.enabled the server also polls open pull requests of repositories
configured with poll: true. Use 'serve start' to run it in the background.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return serveRun(cmd.Context())
	},
}

var serveStartCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the server in the background",
	RunE: func(cmd *cobra.Command, args []string) error {
		return serveStartRun()
	},
}

var serveStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show whether the background server is running",
	RunE: func(cmd *cobra.Command, args []string) error {
		return serveStatusRun()
	},
}

var serveStopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the background server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return serveStopRun()
	},
}

func init() {
	serveCmd.PersistentFlags().String("addr", "", "Listen address (default from server.addr)")
	_ = viper.BindPFlag("server.addr", serveCmd.PersistentFlags().Lookup("addr"))

	serveCmd.AddCommand(serveStartCmd)
	serveCmd.AddCommand(serveStatusCmd)
	serveCmd.AddCommand(serveStopCmd)
	rootCmd.AddCommand(serveCmd)
}

func pidFile() *daemon.PIDFile {
	return daemon.NewPIDFile(filepath.Join(viper.GetString("state_dir"), "reviewd-serve.pid"))
}

func serveLogPath() string {
	return filepath.Join(viper.GetString("state_dir"), "reviewd-serve.log")
}

func serveRun(parent context.Context) error {
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, daemon.ShutdownSignals()...)
	defer stop()

	addr := viper.GetString("server.addr")
	if err := os.MkdirAll(viper.GetString("state_dir"), 0o755); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}
	pf := pidFile()
	if err := pf.Acquire(addr); err != nil {
		return err
	}
	defer func() { _ = pf.Remove() }()

	eng, err := newEngine(ctx, logger)
	if err != nil {
		return err
	}
	defer eng.Close()
	eng.sweepCheckouts(ctx, logger)

	cfg := api.Config{
		Intake:        eng.intake,
		Runs:          eng.store,
		Usage:         eng.ledger,
		Events:        eng.bus,
		WebhookSecret: []byte(viper.GetString("github.webhook_secret")),
		GitLabToken:   viper.GetString("gitlab.webhook_token"),
		Log:           logger,
	}
	if eng.gh != nil {
		cfg.Heads = eng.gh
	}
	if len(cfg.WebhookSecret) == 0 {
		logger.Warn("github.webhook_secret is empty, GitHub webhook signatures are not verified")
	}

	if viper.GetBool("poll.enabled") {
		if eng.gh == nil {
			logger.Warn("poll.enabled is set but no GitHub credentials are configured, polling disabled")
		} else {
			p := poller.New(eng.repos, eng.gh, eng.intake, poller.Options{
				RequestsPerSecond: viper.GetFloat64("poll.rps"),
				History:           eng.store,
				Log:               logger,
			})
			go p.Run(ctx, viper.GetDuration("poll.interval"))
		}
	}

	srv := &http.Server{
		Addr:              addr,
		Handler:           api.NewServer(cfg).Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.WithField("addr", addr).Info("server listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("listen: %w", err)
		}
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	logger.Info("server exited")
	return nil
}

func serveStartRun() error {
	pf := pidFile()
	if st, running := pf.IsRunning(); running {
		return fmt.Errorf("server already running (PID %d)", st.PID)
	}

	exe, err := os.Executable()
	if err != nil {
		return fmt.Errorf("locate executable: %w", err)
	}
	args := []string{"serve"}
	if cfgFile, _ := rootCmd.PersistentFlags().GetString("config"); cfgFile != "" {
		args = append(args, "--config", cfgFile)
	}
	if addr, _ := serveCmd.PersistentFlags().GetString("addr"); addr != "" {
		args = append(args, "--addr", addr)
	}

	if dryRun {
		ui.DryRunMsg("Would run %s %v (log: %s)", exe, args, serveLogPath())
		return nil
	}

	if err := os.MkdirAll(viper.GetString("state_dir"), 0o755); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}
	logFile, err := os.OpenFile(serveLogPath(), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open log file: %w", err)
	}
	defer logFile.Close()

	child := exec.Command(exe, args...)
	child.Stdout = logFile
	child.Stderr = logFile
	daemon.Detach(child)
	if err := child.Start(); err != nil {
		return fmt.Errorf("start server: %w", err)
	}
	_ = child.Process.Release()

	// The child writes the pid file as soon as it starts.
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if st, running := pf.IsRunning(); running {
			ui.Success("Server started (PID %d) on %s", st.PID, st.Addr)
			ui.Info("Logs: %s", serveLogPath())
			return nil
		}
		time.Sleep(100 * time.Millisecond)
	}
	return fmt.Errorf("server did not start within 5s, see %s", serveLogPath())
}

func serveStatusRun() error {
	st, running := pidFile().IsRunning()
	if !running {
		ui.Info("Server is not running")
		return nil
	}
	ui.Success("Server is running (PID %d)", st.PID)
	if st.Addr != "" {
		ui.Info("Address: %s", st.Addr)
	}
	if !st.StartedAt.IsZero() {
		ui.Info("Started: %s (%s ago)", st.StartedAt.Local().Format(time.DateTime), time.Since(st.StartedAt).Round(time.Second))
	}
	return nil
}

func serveStopRun() error {
	pf := pidFile()
	st, running := pf.IsRunning()
	if !running {
		return fmt.Errorf("server is not running")
	}

	if dryRun {
		ui.DryRunMsg("Would stop server (PID %d)", st.PID)
		return nil
	}

	if err := pf.Stop(); err != nil {
		return fmt.Errorf("signal server: %w", err)
	}

	deadline := time.Now().Add(shutdownTimeout + 5*time.Second)
	for time.Now().Before(deadline) {
		if _, running := pf.IsRunning(); !running {
			ui.Success("Server stopped")
			return nil
		}
		time.Sleep(200 * time.Millisecond)
	}

	ui.Warning("Server did not exit, sending SIGKILL")
	if err := pf.Kill(); err != nil {
		return fmt.Errorf("kill server: %w", err)
	}
	_ = pf.Remove()
	return nil
}
