package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/joescharf/reviewd/internal/intake"
	"github.com/joescharf/reviewd/internal/models"
	"github.com/joescharf/reviewd/internal/store"
)

// Submitter is the intake stage.
type Submitter interface {
	Submit(ctx context.Context, ev intake.Event) (intake.Decision, error)
}

// UsageReader reports the live ledger window of a repository.
type UsageReader interface {
	Snapshot(repo string) models.Window
}

// Server exposes the review engine as MCP tools.
type Server struct {
	intake Submitter
	store  store.Store
	usage  UsageReader

	// waitTimeout bounds reviewd_submit_review calls with wait=true.
	waitTimeout time.Duration
}

// NewServer creates the MCP server wrapper with all required dependencies.
func NewServer(in Submitter, s store.Store, usage UsageReader) *Server {
	return &Server{
		intake:      in,
		store:       s,
		usage:       usage,
		waitTimeout: 15 * time.Minute,
	}
}

// MCPServer returns a configured mcp-go server with all tools registered.
func (s *Server) MCPServer() *server.MCPServer {
	srv := server.NewMCPServer("reviewd", "1.0.0", server.WithToolCapabilities(true))

	srv.AddTool(s.submitReviewTool())
	srv.AddTool(s.getRunTool())
	srv.AddTool(s.listRunsTool())
	srv.AddTool(s.usageTool())

	return srv
}

// ServeStdio starts the stdio transport, blocking until ctx is cancelled.
func (s *Server) ServeStdio(ctx context.Context) error {
	srv := s.MCPServer()
	stdioServer := server.NewStdioServer(srv)
	return stdioServer.Listen(ctx, os.Stdin, os.Stdout)
}

// ---------------------------------------------------------------------------
// Tool definitions and handlers
// ---------------------------------------------------------------------------

// reviewd_submit_review
func (s *Server) submitReviewTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("reviewd_submit_review",
		mcp.WithDescription("Request a review of a repository revision, or an implementation plan review of an issue. Returns the admission decision; with wait=true returns the finished run."),
		mcp.WithString("repository", mcp.Required(), mcp.Description("Repository as owner/name")),
		mcp.WithString("revision", mcp.Description("Commit SHA to review (required unless subject is issue)")),
		mcp.WithNumber("number", mcp.Description("Pull request or issue number")),
		mcp.WithString("subject", mcp.Description("revision (default) or issue")),
		mcp.WithString("categories", mcp.Description("Comma-separated categories: security, best_practices, framework, iac. Empty means all enabled")),
		mcp.WithBoolean("wait", mcp.Description("Block until the run finishes")),
	)
	return tool, s.handleSubmitReview
}

func (s *Server) handleSubmitReview(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	repo, err := request.RequireString("repository")
	if err != nil {
		return mcp.NewToolResultError("missing required parameter: repository"), nil
	}

	var cats []models.Category
	if raw := request.GetString("categories", ""); raw != "" {
		cats, err = models.ParseCategories(strings.Split(raw, ","))
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
	}

	ev := intake.Event{
		RepositoryID: repo,
		Revision:     request.GetString("revision", ""),
		Subject:      models.Subject(request.GetString("subject", string(models.SubjectRevision))),
		Number:       request.GetInt("number", 0),
		Trigger:      models.TriggerManual,
		Actor:        "mcp",
		Categories:   cats,
	}
	switch ev.Subject {
	case models.SubjectRevision:
		if ev.Revision == "" {
			return mcp.NewToolResultError("missing required parameter: revision"), nil
		}
	case models.SubjectIssue:
		if ev.Number <= 0 {
			return mcp.NewToolResultError("issue reviews need a number"), nil
		}
		if ev.Revision == "" {
			ev.Revision = fmt.Sprintf("issue-%d", ev.Number)
		}
	default:
		return mcp.NewToolResultError(fmt.Sprintf("unknown subject: %s", ev.Subject)), nil
	}

	d, err := s.intake.Submit(ctx, ev)
	if err != nil {
		if intake.IsRejected(err) {
			return mcp.NewToolResultError(fmt.Sprintf("review rejected: %s", d.Reason)), nil
		}
		return mcp.NewToolResultError(fmt.Sprintf("failed to submit review: %v", err)), nil
	}

	if !request.GetBool("wait", false) || d.Handle == nil {
		return jsonResult(map[string]any{"status": "accepted", "run_id": d.RunID})
	}

	waitCtx, cancel := context.WithTimeout(ctx, s.waitTimeout)
	defer cancel()
	run, err := d.Handle.Wait(waitCtx)
	if err != nil {
		return jsonResult(map[string]any{"status": "accepted", "run_id": d.RunID, "note": "run still in progress"})
	}
	return jsonResult(runOut(run, true))
}

// reviewd_get_run
func (s *Server) getRunTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("reviewd_get_run",
		mcp.WithDescription("Get a review run with its category outcomes and findings. Accepts a full run ID or a unique prefix."),
		mcp.WithString("id", mcp.Required(), mcp.Description("Run ID or prefix")),
	)
	return tool, s.handleGetRun
}

func (s *Server) handleGetRun(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := request.RequireString("id")
	if err != nil {
		return mcp.NewToolResultError("missing required parameter: id"), nil
	}
	run, err := s.findRun(ctx, id)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return jsonResult(runOut(run, true))
}

// reviewd_list_runs
func (s *Server) listRunsTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("reviewd_list_runs",
		mcp.WithDescription("List recent review runs, newest first. Findings are summarized, use reviewd_get_run for details."),
		mcp.WithString("repository", mcp.Description("Filter by repository")),
		mcp.WithString("state", mcp.Description("Filter by state: completed, rejected, failed")),
		mcp.WithNumber("limit", mcp.Description("Maximum runs to return (default 20)")),
	)
	return tool, s.handleListRuns
}

func (s *Server) handleListRuns(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	runs, err := s.store.ListReviewRuns(ctx, store.RunFilter{
		RepositoryID: request.GetString("repository", ""),
		State:        models.RunState(request.GetString("state", "")),
		Limit:        request.GetInt("limit", 20),
	})
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to list runs: %v", err)), nil
	}

	out := make([]map[string]any, len(runs))
	for i, r := range runs {
		out[i] = runOut(r, false)
	}
	return jsonResult(out)
}

// reviewd_usage
func (s *Server) usageTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("reviewd_usage",
		mcp.WithDescription("Show today's review and issue-plan counts and this month's spend for a repository."),
		mcp.WithString("repository", mcp.Required(), mcp.Description("Repository as owner/name")),
	)
	return tool, s.handleUsage
}

func (s *Server) handleUsage(_ context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	repo, err := request.RequireString("repository")
	if err != nil {
		return mcp.NewToolResultError("missing required parameter: repository"), nil
	}
	return jsonResult(s.usage.Snapshot(repo))
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

func jsonResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcp.NewToolResultText(string(data)), nil
}

func runOut(r *models.ReviewRun, withFindings bool) map[string]any {
	out := map[string]any{
		"id":         r.ID,
		"repository": r.Request.RepositoryID,
		"revision":   r.Request.Revision,
		"subject":    string(r.Request.Subject),
		"trigger":    string(r.Request.Trigger),
		"state":      string(r.State),
		"reason":     r.Reason,
		"started_at": r.StartedAt.Format(time.RFC3339),
		"cost_usd":   r.CostUSD,
		"summary":    r.Summary,
	}
	if withFindings {
		out["outcomes"] = r.Outcomes
		out["findings"] = r.Findings
	}
	return out
}

// findRun finds a run by full ID or unique prefix.
func (s *Server) findRun(ctx context.Context, id string) (*models.ReviewRun, error) {
	if run, err := s.store.GetReviewRun(ctx, id); err == nil {
		return run, nil
	}

	upper := strings.ToUpper(id)
	runs, err := s.store.ListReviewRuns(ctx, store.RunFilter{})
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
		// list results omit findings and calls
		return s.store.GetReviewRun(ctx, matches[0].ID)
	default:
		return nil, fmt.Errorf("ambiguous run ID %s: matches %d runs", id, len(matches))
	}
}
