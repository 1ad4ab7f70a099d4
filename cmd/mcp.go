package cmd

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/joescharf/reviewd/internal/mcp"
)

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Start MCP stdio server for agent integration",
	Long: `Start an MCP (Model Context Protocol) server on stdio.

This lets coding agents request reviews and read results natively.
Configure with:

  {
    "mcpServers": {
      "reviewd": { "command": "reviewd", "args": ["mcp"] }
    }
  }

Available tools: reviewd_submit_review, reviewd_get_run, reviewd_list_runs,
reviewd_usage`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		if ctx == nil {
			ctx = context.Background()
		}

		eng, err := newEngine(ctx, logger)
		if err != nil {
			return err
		}
		defer eng.Close()

		return mcp.NewServer(eng.intake, eng.store, eng.ledger).ServeStdio(ctx)
	},
}

func init() {
	rootCmd.AddCommand(mcpCmd)
}
