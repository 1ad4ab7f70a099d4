// Package notify posts review summaries back to the code host.
package notify

import (
	"fmt"
	"strings"

	"github.com/joescharf/reviewd/internal/models"
)

// MaxListedFindings caps the findings rendered into a single comment.
const MaxListedFindings = 25

// Marker tags comments posted by reviewd.
const Marker = "<!-- reviewd -->"

var severityIcon = map[models.Severity]string{
	models.SeverityCritical:   "🔴",
	models.SeverityMajor:      "🟠",
	models.SeverityMinor:      "🟡",
	models.SeveritySuggestion: "💡",
}

// Render formats s as a Markdown comment. Partial coverage is always
// stated so a short comment is never mistaken for a clean review.
func Render(s models.FindingSummary) string {
	var b strings.Builder
	b.WriteString(Marker + "\n")
	if s.Subject == models.SubjectIssue {
		b.WriteString("## Implementation plan review\n\n")
	} else {
		b.WriteString("## Code review\n\n")
	}

	sum := s.Summary
	if sum.Total == 0 {
		b.WriteString("No findings.\n\n")
	} else {
		fmt.Fprintf(&b, "**%d finding(s):**", sum.Total)
		for _, sev := range models.Severities {
			if n := sum.BySeverity[sev]; n > 0 {
				fmt.Fprintf(&b, " %s %d %s", severityIcon[sev], n, sev)
			}
		}
		b.WriteString("\n\n")
	}

	if sum.Partial || len(sum.Skipped) > 0 {
		b.WriteString("> **Partial review.** Not every category completed:\n")
		for _, sk := range sum.Skipped {
			fmt.Fprintf(&b, "> - `%s`: %s", sk.Category, sk.Outcome)
			if sk.Reason != "" {
				fmt.Fprintf(&b, " (%s)", sk.Reason)
			}
			b.WriteString("\n")
		}
		b.WriteString("\n")
	}

	for i, f := range s.Findings {
		if i == MaxListedFindings {
			fmt.Fprintf(&b, "_…and %d more._\n\n", len(s.Findings)-MaxListedFindings)
			break
		}
		fmt.Fprintf(&b, "### %s %s\n", severityIcon[f.Severity], f.Title)
		fmt.Fprintf(&b, "`%s` · %s", f.Category, location(f))
		if len(f.Analyzers) > 0 {
			fmt.Fprintf(&b, " · %s", strings.Join(f.Analyzers, ", "))
		}
		b.WriteString("\n\n")
		if f.Body != "" {
			b.WriteString(f.Body + "\n\n")
		}
		if f.SuggestedFix != "" {
			b.WriteString("<details><summary>Suggested fix</summary>\n\n```\n" + f.SuggestedFix + "\n```\n</details>\n\n")
		}
	}

	fmt.Fprintf(&b, "<sub>run %s · cost $%.4f</sub>\n", s.RunID, s.CostUSD)
	return b.String()
}

func location(f models.Finding) string {
	switch {
	case f.Path == "":
		return "general"
	case f.StartLine == 0:
		return f.Path
	case f.EndLine > f.StartLine:
		return fmt.Sprintf("%s:%d-%d", f.Path, f.StartLine, f.EndLine)
	default:
		return fmt.Sprintf("%s:%d", f.Path, f.StartLine)
	}
}
