package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/joescharf/reviewd/internal/models"
	"github.com/joescharf/reviewd/internal/output"
	"github.com/joescharf/reviewd/internal/repoconfig"
)

var usageCmd = &cobra.Command{
	Use:   "usage [owner/name]",
	Short: "Show quota and spend per repository",
	Long: `Show today's review and issue-plan counts and this month's spend,
against the limits in the repositories file. Without an argument every
repository with recorded runs is listed.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		repo := ""
		if len(args) == 1 {
			repo = args[0]
		}
		return usageRun(repo)
	},
}

func init() {
	rootCmd.AddCommand(usageCmd)
}

func usageRun(repo string) error {
	s, err := getStore()
	if err != nil {
		return err
	}
	ctx := context.Background()

	repos := []string{repo}
	if repo == "" {
		if repos, err = s.Repositories(ctx); err != nil {
			return err
		}
	}
	if len(repos) == 0 {
		ui.Info("No review runs recorded.")
		return nil
	}

	configs := repoconfig.NewFileProvider(viper.GetString("repos_file"))
	table := ui.Table([]string{"Repository", "Reviews", "Issue plans", "Cost this month"})
	for _, r := range repos {
		w, err := s.Usage(ctx, r)
		if err != nil {
			return fmt.Errorf("usage for %s: %w", r, err)
		}
		var cfg models.RepositoryConfig
		if c, err := configs.GetConfig(ctx, r); err == nil {
			cfg = c
		}
		table.Append([]string{
			output.Cyan(r),
			counter(w.ReviewsToday, cfg.DailyLimit),
			counter(w.IssuePlansToday, cfg.IssuePlanDailyLimit),
			spend(w.CostThisMonth, cfg.MonthlyCostLimitUSD),
		})
	}
	table.Render()
	return nil
}

func counter(n, limit int) string {
	if limit <= 0 {
		return fmt.Sprintf("%d", n)
	}
	s := fmt.Sprintf("%d/%d", n, limit)
	if n >= limit {
		return output.Red(s)
	}
	return s
}

func spend(usd, limit float64) string {
	if limit <= 0 {
		return output.Cost(usd, 0)
	}
	return fmt.Sprintf("%s / $%.2f", output.Cost(usd, limit), limit)
}
