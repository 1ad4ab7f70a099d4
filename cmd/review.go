package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/joescharf/reviewd/internal/github"
	"github.com/joescharf/reviewd/internal/intake"
	"github.com/joescharf/reviewd/internal/models"
)

var (
	reviewCategories []string
	reviewPR         int
	reviewIssue      int
)

var reviewCmd = &cobra.Command{
	Use:   "review <owner/name> [revision]",
	Short: "Run a review and wait for the result",
	Long: `Run a review of one revision through the full pipeline and print the
result. The run counts against the repository's quotas and is recorded like
any other.

  reviewd review acme/app 3f2c9e1            review a commit
  reviewd review acme/app --pr 42            review the head of a pull request
  reviewd review acme/app --issue 7          review the plan in an issue
  reviewd review acme/app --pr 42 -c security,iac`,
	Args: cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		rev := ""
		if len(args) == 2 {
			rev = args[1]
		}
		return reviewRun(cmd.Context(), args[0], rev)
	},
}

func init() {
	reviewCmd.Flags().StringSliceVarP(&reviewCategories, "category", "c", nil, "Categories to review (default: all enabled)")
	reviewCmd.Flags().IntVar(&reviewPR, "pr", 0, "Pull request number")
	reviewCmd.Flags().IntVar(&reviewIssue, "issue", 0, "Issue number (implementation plan review)")
	rootCmd.AddCommand(reviewCmd)
}

func reviewRun(ctx context.Context, repo, revision string) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if _, _, err := github.SplitRepository(repo); err != nil {
		return err
	}

	ev := intake.Event{
		RepositoryID: repo,
		Revision:     revision,
		Subject:      models.SubjectRevision,
		Number:       reviewPR,
		Trigger:      models.TriggerManual,
		Actor:        "cli",
	}
	if len(reviewCategories) > 0 {
		cats, err := models.ParseCategories(reviewCategories)
		if err != nil {
			return err
		}
		ev.Categories = cats
	}
	if reviewIssue > 0 {
		if reviewPR > 0 {
			return fmt.Errorf("--pr and --issue are mutually exclusive")
		}
		ev.Subject = models.SubjectIssue
		ev.Number = reviewIssue
		ev.Revision = github.IssueRevision(reviewIssue)
	}

	if ev.Revision == "" && reviewPR == 0 {
		return fmt.Errorf("a revision, --pr or --issue is required")
	}

	eng, err := newEngine(ctx, logger)
	if err != nil {
		return err
	}
	defer eng.Close()

	if ev.Revision == "" {
		if eng.gh == nil {
			return fmt.Errorf("resolving the head of #%d needs GitHub credentials (github.token)", reviewPR)
		}
		sha, title, err := eng.gh.HeadSHA(ctx, repo, reviewPR)
		if err != nil {
			return fmt.Errorf("resolve head of #%d: %w", reviewPR, err)
		}
		ev.Revision, ev.Title = sha, title
	}

	if dryRun {
		ui.DryRunMsg("Would review %s at %s (categories: %v)", repo, ev.Revision, ev.Categories)
		return nil
	}

	d, err := eng.intake.Submit(ctx, ev)
	if err != nil {
		if intake.IsRejected(err) {
			if d.RunID != "" {
				return fmt.Errorf("review rejected: %s (run %s)", d.Reason, d.RunID)
			}
			return fmt.Errorf("review rejected: %s", d.Reason)
		}
		return err
	}

	ui.Info("Run %s admitted, waiting for analyzers...", d.RunID)
	run, err := d.Handle.Wait(ctx)
	if err != nil {
		return fmt.Errorf("wait for run %s: %w", d.RunID, err)
	}

	fmt.Fprintln(ui.Out)
	printRun(run)
	if run.State == models.RunStateFailed {
		return fmt.Errorf("run %s failed", run.ID)
	}
	return nil
}
