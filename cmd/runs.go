package cmd

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/joescharf/reviewd/internal/models"
	"github.com/joescharf/reviewd/internal/output"
	"github.com/joescharf/reviewd/internal/store"
)

var (
	runsRepo  string
	runsState string
	runsLimit int
)

var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "Inspect review run history",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runsListRun()
	},
}

var runsListCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"ls"},
	Short:   "List recent review runs",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runsListRun()
	},
}

var runsShowCmd = &cobra.Command{
	Use:   "show <run-id>",
	Short: "Show a run with its outcomes and findings",
	Long:  "Show a run with its category outcomes, findings and analyzer calls.\nAccepts a full run ID or a unique prefix.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runsShowRun(args[0])
	},
}

func init() {
	runsCmd.PersistentFlags().StringVarP(&runsRepo, "repo", "r", "", "Filter by repository (owner/name)")
	runsCmd.PersistentFlags().StringVar(&runsState, "state", "", "Filter by state (completed, rejected, failed)")
	runsCmd.PersistentFlags().IntVarP(&runsLimit, "limit", "l", 20, "Maximum runs to list")
	runsCmd.AddCommand(runsListCmd)
	runsCmd.AddCommand(runsShowCmd)
	rootCmd.AddCommand(runsCmd)
}

func runsListRun() error {
	s, err := getStore()
	if err != nil {
		return err
	}

	runs, err := s.ListReviewRuns(context.Background(), store.RunFilter{
		RepositoryID: runsRepo,
		State:        models.RunState(runsState),
		Limit:        runsLimit,
	})
	if err != nil {
		return err
	}
	if len(runs) == 0 {
		ui.Info("No review runs recorded.")
		return nil
	}

	table := ui.Table([]string{"ID", "Repository", "Revision", "State", "Findings", "Cost", "Started"})
	for _, r := range runs {
		table.Append([]string{
			shortID(r.ID),
			output.Cyan(r.Request.RepositoryID),
			revisionLabel(r.Request),
			output.StateColor(string(r.State)),
			strconv.Itoa(r.Summary.Total),
			output.Cost(r.CostUSD, 0),
			timeAgo(r.StartedAt),
		})
	}
	table.Render()
	return nil
}

func runsShowRun(id string) error {
	s, err := getStore()
	if err != nil {
		return err
	}
	run, err := findRun(context.Background(), s, id)
	if err != nil {
		return err
	}
	printRun(run)
	return nil
}

// findRun finds a run by full ID or unique prefix.
func findRun(ctx context.Context, s store.Store, id string) (*models.ReviewRun, error) {
	if run, err := s.GetReviewRun(ctx, id); err == nil {
		return run, nil
	}

	upper := strings.ToUpper(id)
	runs, err := s.ListReviewRuns(ctx, store.RunFilter{})
	if err != nil {
		return nil, err
	}
	var matches []*models.ReviewRun
	for _, r := range runs {
		if strings.HasPrefix(r.ID, upper) {
			matches = append(matches, r)
		}
	}

	switch len(matches) {
	case 0:
		return nil, fmt.Errorf("run not found: %s", id)
	case 1:
		return s.GetReviewRun(ctx, matches[0].ID)
	default:
		return nil, fmt.Errorf("ambiguous run ID %s: matches %d runs", id, len(matches))
	}
}

// printRun writes the detail view of one run.
func printRun(r *models.ReviewRun) {
	fmt.Fprintf(ui.Out, "%s  %s\n", output.Cyan(r.ID), output.StateColor(string(r.State)))
	fmt.Fprintf(ui.Out, "  Repository: %s\n", r.Request.RepositoryID)
	fmt.Fprintf(ui.Out, "  Revision:   %s\n", revisionLabel(r.Request))
	fmt.Fprintf(ui.Out, "  Trigger:    %s\n", r.Request.Trigger)
	fmt.Fprintf(ui.Out, "  Started:    %s\n", r.StartedAt.Local().Format(time.DateTime))
	if r.FinishedAt != nil {
		fmt.Fprintf(ui.Out, "  Duration:   %s\n", r.FinishedAt.Sub(r.StartedAt).Round(time.Millisecond))
	}
	fmt.Fprintf(ui.Out, "  Cost:       %s\n", output.Cost(r.CostUSD, 0))
	if r.Reason != "" {
		fmt.Fprintf(ui.Out, "  Reason:     %s\n", output.Yellow(r.Reason))
	}
	if r.Error != "" {
		fmt.Fprintf(ui.Out, "  Error:      %s\n", output.Red(r.Error))
	}

	if len(r.Outcomes) > 0 {
		fmt.Fprintln(ui.Out)
		table := ui.Table([]string{"Category", "Outcome", "Cost", "Reason"})
		for _, o := range r.Outcomes {
			table.Append([]string{
				string(o.Category),
				output.OutcomeColor(string(o.Outcome)),
				output.Cost(o.CostUSD, 0),
				o.Reason,
			})
		}
		table.Render()
	}

	if len(r.Findings) > 0 {
		fmt.Fprintln(ui.Out)
		fmt.Fprintf(ui.Out, "%d finding(s):\n", len(r.Findings))
		for _, f := range r.Findings {
			fmt.Fprintf(ui.Out, "  [%s] %s  %s\n", output.SeverityColor(string(f.Severity)), f.Title, location(f))
			fmt.Fprintf(ui.Out, "      %s via %s\n", f.Category, strings.Join(f.Analyzers, ", "))
			if ui.Verbose && f.Body != "" {
				for _, line := range strings.Split(f.Body, "\n") {
					fmt.Fprintf(ui.Out, "      %s\n", line)
				}
			}
		}
	} else if r.State == models.RunStateCompleted {
		fmt.Fprintln(ui.Out)
		ui.Success("No findings")
	}

	if ui.Verbose && len(r.Calls) > 0 {
		fmt.Fprintln(ui.Out)
		table := ui.Table([]string{"Analyzer", "Category", "Attempt", "Outcome", "Duration", "Tokens", "Cost"})
		for _, c := range r.Calls {
			table.Append([]string{
				c.Analyzer,
				string(c.Category),
				strconv.Itoa(c.Attempt),
				output.OutcomeColor(string(c.Outcome)),
				c.Duration.Round(time.Millisecond).String(),
				fmt.Sprintf("%d/%d", c.InputTokens, c.OutputTokens),
				output.Cost(c.CostUSD, 0),
			})
		}
		table.Render()
	}
}

func revisionLabel(req models.ReviewRequest) string {
	rev := req.Revision
	if req.Subject == models.SubjectRevision && len(rev) > 12 {
		rev = rev[:12]
	}
	if req.Number > 0 && req.Subject == models.SubjectRevision {
		return fmt.Sprintf("#%d %s", req.Number, rev)
	}
	return rev
}

func location(f models.Finding) string {
	switch {
	case f.Path == "":
		return ""
	case f.StartLine <= 0:
		return f.Path
	case f.EndLine > f.StartLine:
		return fmt.Sprintf("%s:%d-%d", f.Path, f.StartLine, f.EndLine)
	default:
		return fmt.Sprintf("%s:%d", f.Path, f.StartLine)
	}
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}

// timeAgo returns a human-readable relative time string.
func timeAgo(t time.Time) string {
	d := time.Since(t)
	switch {
	case d < time.Minute:
		return "just now"
	case d < time.Hour:
		return fmt.Sprintf("%dm ago", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh ago", int(d.Hours()))
	default:
		days := int(d.Hours() / 24)
		if days == 1 {
			return "1d ago"
		}
		return fmt.Sprintf("%dd ago", days)
	}
}
