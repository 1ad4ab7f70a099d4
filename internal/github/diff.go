package github

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/go-github/v39/github"

	"github.com/joescharf/reviewd/internal/analyzer"
	"github.com/joescharf/reviewd/internal/models"
)

// DefaultMaxDiffBytes caps the diff handed to AI providers.
const DefaultMaxDiffBytes = 500000

// DiffSource fetches review context from GitHub.
type DiffSource struct {
	client   *Client
	maxBytes int
}

// NewDiffSource creates a DiffSource. maxBytes <= 0 uses DefaultMaxDiffBytes.
func NewDiffSource(client *Client, maxBytes int) *DiffSource {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxDiffBytes
	}
	return &DiffSource{client: client, maxBytes: maxBytes}
}

// Diff returns the pull request diff, the commit diff, or for issue plans
// the issue text.
func (d *DiffSource) Diff(ctx context.Context, req models.ReviewRequest) (analyzer.DiffContext, error) {
	owner, name, err := SplitRepository(req.RepositoryID)
	if err != nil {
		return analyzer.DiffContext{}, err
	}
	dc := analyzer.DiffContext{
		Repository: req.RepositoryID,
		Revision:   req.Revision,
		Number:     req.Number,
		Title:      req.Title,
	}

	switch {
	case req.Subject == models.SubjectIssue:
		issue, _, err := d.client.gh.Issues.Get(ctx, owner, name, req.Number)
		if err != nil {
			return dc, fmt.Errorf("get issue %d: %w", req.Number, err)
		}
		dc.Title = issue.GetTitle()
		dc.Diff = fmt.Sprintf("Issue #%d: %s\n\n%s", issue.GetNumber(), issue.GetTitle(), issue.GetBody())

	case req.Number > 0:
		raw, _, err := d.client.gh.PullRequests.GetRaw(ctx, owner, name, req.Number, github.RawOptions{Type: github.Diff})
		if err != nil {
			return dc, fmt.Errorf("get pull request diff: %w", err)
		}
		dc.Diff = raw
		if dc.Files, err = d.pullRequestFiles(ctx, owner, name, req.Number); err != nil {
			return dc, err
		}

	default:
		commit, _, err := d.client.gh.Repositories.GetCommit(ctx, owner, name, req.Revision, nil)
		if err != nil {
			return dc, fmt.Errorf("get commit %s: %w", req.Revision, err)
		}
		var sb strings.Builder
		for _, f := range commit.Files {
			dc.Files = append(dc.Files, f.GetFilename())
			fmt.Fprintf(&sb, "diff --git a/%s b/%s\n%s\n", f.GetFilename(), f.GetFilename(), f.GetPatch())
		}
		dc.Diff = sb.String()
		if dc.Title == "" {
			dc.Title = firstLine(commit.GetCommit().GetMessage())
		}
	}

	dc.Diff = truncateDiff(dc.Diff, d.maxBytes)
	return dc, nil
}

func (d *DiffSource) pullRequestFiles(ctx context.Context, owner, name string, number int) ([]string, error) {
	opts := &github.ListOptions{PerPage: 100}
	var files []string
	for {
		page, resp, err := d.client.gh.PullRequests.ListFiles(ctx, owner, name, number, opts)
		if err != nil {
			return nil, fmt.Errorf("list pull request files: %w", err)
		}
		for _, f := range page {
			if f.GetStatus() == "removed" {
				continue
			}
			files = append(files, f.GetFilename())
		}
		if resp.NextPage == 0 {
			break
		}
		opts.Page = resp.NextPage
	}
	return files, nil
}

func truncateDiff(diff string, max int) string {
	if len(diff) <= max {
		return diff
	}
	cut := strings.LastIndex(diff[:max], "\n")
	if cut <= 0 {
		cut = max
	}
	return diff[:cut] + "\n[diff truncated]\n"
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
