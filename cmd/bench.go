package cmd

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/joescharf/reviewd/internal/bench"
	"github.com/joescharf/reviewd/internal/output"
)

var (
	benchTarget    string
	benchRepos     []string
	benchRate      int
	benchDuration  time.Duration
	benchRedeliver float64
	benchSeed      uint64
)

var benchCmd = &cobra.Command{
	Use:   "bench",
	Short: "Load-test a running server with signed webhooks",
	Long: `Send synthetic pull_request webhooks to a running server at a fixed rate
and report latency and status codes. Deliveries are signed with
github.webhook_secret. A fraction of them replay earlier deliveries to
exercise duplicate suppression.

Every admitted delivery starts a real review run, so point the target at a
server whose repositories use cheap analyzers.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return benchRun(cmd.Context())
	},
}

func init() {
	benchCmd.Flags().StringVar(&benchTarget, "target", "http://localhost:8080", "Server base URL")
	benchCmd.Flags().StringSliceVar(&benchRepos, "repo", []string{"acme/app"}, "Repositories to target")
	benchCmd.Flags().IntVar(&benchRate, "rate", 10, "Requests per second")
	benchCmd.Flags().DurationVar(&benchDuration, "duration", 10*time.Second, "Attack duration")
	benchCmd.Flags().Float64Var(&benchRedeliver, "redeliver", 0.1, "Fraction of requests that replay an earlier delivery")
	benchCmd.Flags().Uint64Var(&benchSeed, "seed", 1, "Random seed for generated head SHAs")
	rootCmd.AddCommand(benchCmd)
}

func benchRun(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	opts := bench.Options{
		Target:       benchTarget,
		Secret:       []byte(viper.GetString("github.webhook_secret")),
		Repositories: benchRepos,
		Rate:         benchRate,
		Duration:     benchDuration,
		Redeliver:    benchRedeliver,
		Seed:         benchSeed,
	}

	if dryRun {
		ui.DryRunMsg("Would send %d req/s for %s to %s", opts.Rate, opts.Duration, opts.Target)
		return nil
	}

	ui.Info("Attacking %s at %d req/s for %s", opts.Target, opts.Rate, opts.Duration)
	rep, err := bench.Run(ctx, opts)
	if err != nil {
		return err
	}

	fmt.Fprintln(ui.Out)
	fmt.Fprintf(ui.Out, "  Requests:   %d\n", rep.Requests)
	fmt.Fprintf(ui.Out, "  Success:    %.1f%%\n", rep.Success*100)
	fmt.Fprintf(ui.Out, "  Throughput: %.1f/s\n", rep.Throughput)
	fmt.Fprintf(ui.Out, "  Latency:    mean %s  p95 %s  p99 %s  max %s\n",
		rep.Mean.Round(time.Microsecond), rep.P95.Round(time.Microsecond),
		rep.P99.Round(time.Microsecond), rep.Max.Round(time.Microsecond))

	codes := make([]string, 0, len(rep.StatusCodes))
	for code := range rep.StatusCodes {
		codes = append(codes, code)
	}
	sort.Strings(codes)

	fmt.Fprintln(ui.Out)
	table := ui.Table([]string{"Status", "Count"})
	for _, code := range codes {
		label := code
		if n, err := strconv.Atoi(code); err == nil && n >= 400 {
			label = output.Yellow(code)
		}
		table.Append([]string{label, strconv.Itoa(rep.StatusCodes[code])})
	}
	table.Render()

	for _, e := range rep.Errors {
		ui.Warning("%s", e)
	}
	return nil
}
