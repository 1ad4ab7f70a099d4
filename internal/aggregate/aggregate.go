// Package aggregate merges analyzer output into the canonical finding set of
// a run and builds the run summary.
package aggregate

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"unicode"

	"github.com/joescharf/reviewd/internal/dispatch"
	"github.com/joescharf/reviewd/internal/models"
)

// Result is the output of Aggregate.
type Result struct {
	Findings []models.Finding
	Summary  models.Summary
	Outcomes []models.CategoryOutcome
}

// DedupKey identifies a finding within a run.
func DedupKey(category models.Category, path string, startLine, endLine int, title string) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s|%s|%d-%d|%s", category, path, startLine, endLine, NormalizeTitle(title))))
	return hex.EncodeToString(sum[:16])
}

// NormalizeTitle lowercases title, collapses whitespace and drops trailing
// punctuation so cosmetic differences between analyzers do not split findings.
func NormalizeTitle(title string) string {
	title = strings.ToLower(strings.Join(strings.Fields(title), " "))
	return strings.TrimRightFunc(title, unicode.IsPunct)
}

// Aggregate flattens, deduplicates and orders the findings of every category
// result. Output depends only on the content of results, not their order.
func Aggregate(results []dispatch.CategoryResult) Result {
	results = append([]dispatch.CategoryResult(nil), results...)
	sort.SliceStable(results, func(i, j int) bool {
		return results[i].Category.Index() < results[j].Category.Index()
	})

	// An analyzer may file a finding under another category, but only one
	// this run actually reviewed.
	reviewed := make(map[models.Category]bool)
	for _, cr := range results {
		if cr.Outcome == models.OutcomeSuccess {
			reviewed[cr.Category] = true
		}
	}

	byKey := make(map[string]*models.Finding)
	var out Result

	for _, cr := range results {
		out.Outcomes = append(out.Outcomes, models.CategoryOutcome{
			Category: cr.Category,
			Outcome:  cr.Outcome,
			Reason:   cr.Reason,
			CostUSD:  cr.CostUSD,
		})
		if cr.Outcome != models.OutcomeSuccess {
			continue
		}
		for _, a := range cr.Analyzers {
			if a.Outcome != models.OutcomeSuccess {
				continue
			}
			for _, raw := range a.Findings {
				merge(byKey, normalize(cr.Category, reviewed, a.Analyzer, raw))
			}
		}
	}

	out.Findings = make([]models.Finding, 0, len(byKey))
	for _, f := range byKey {
		sort.Strings(f.Analyzers)
		out.Findings = append(out.Findings, *f)
	}
	Sort(out.Findings)
	out.Summary = summarize(out.Outcomes, out.Findings)
	return out
}

func normalize(category models.Category, reviewed map[models.Category]bool, analyzerID string, raw models.RawFinding) models.Finding {
	if raw.Category.Valid() && reviewed[raw.Category] {
		category = raw.Category
	}
	end := raw.EndLine
	if end < raw.StartLine {
		end = raw.StartLine
	}
	path := strings.TrimPrefix(strings.TrimSpace(raw.Path), "./")
	title := strings.TrimSpace(raw.Title)
	return models.Finding{
		Key:          DedupKey(category, path, raw.StartLine, end, title),
		Analyzers:    []string{analyzerID},
		Category:     category,
		Severity:     models.NormalizeSeverity(raw.Severity),
		Path:         path,
		StartLine:    raw.StartLine,
		EndLine:      end,
		Title:        title,
		Body:         strings.TrimSpace(raw.Body),
		SuggestedFix: strings.TrimSpace(raw.SuggestedFix),
	}
}

// merge folds f into the set. The more severe report wins; on a tie the
// earlier one is kept. Contributing analyzers are always unioned.
func merge(byKey map[string]*models.Finding, f models.Finding) {
	existing, ok := byKey[f.Key]
	if !ok {
		byKey[f.Key] = &f
		return
	}
	analyzers := union(existing.Analyzers, f.Analyzers)
	if f.Severity.Rank() > existing.Severity.Rank() {
		*existing = f
	} else if existing.SuggestedFix == "" {
		existing.SuggestedFix = f.SuggestedFix
	}
	existing.Analyzers = analyzers
}

func union(a, b []string) []string {
	seen := make(map[string]bool, len(a)+len(b))
	var out []string
	for _, s := range append(append([]string(nil), a...), b...) {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	return out
}

// Sort orders findings by severity (most serious first), path, start line,
// then end line and key so that the order is total.
func Sort(findings []models.Finding) {
	sort.Slice(findings, func(i, j int) bool {
		a, b := findings[i], findings[j]
		if a.Severity.Rank() != b.Severity.Rank() {
			return a.Severity.Rank() > b.Severity.Rank()
		}
		if a.Path != b.Path {
			return a.Path < b.Path
		}
		if a.StartLine != b.StartLine {
			return a.StartLine < b.StartLine
		}
		if a.EndLine != b.EndLine {
			return a.EndLine < b.EndLine
		}
		return a.Key < b.Key
	})
}

func summarize(outcomes []models.CategoryOutcome, findings []models.Finding) models.Summary {
	s := models.Summary{
		Total:      len(findings),
		BySeverity: make(map[models.Severity]int, len(models.Severities)),
		ByCategory: make(map[models.Category]int),
		Completed:  []models.Category{},
		Skipped:    []models.SkippedCategory{},
	}
	for _, sev := range models.Severities {
		s.BySeverity[sev] = 0
	}
	for _, f := range findings {
		s.BySeverity[f.Severity]++
		s.ByCategory[f.Category]++
	}

	for _, o := range outcomes {
		if o.Outcome == models.OutcomeSuccess {
			s.Completed = append(s.Completed, o.Category)
			continue
		}
		s.Skipped = append(s.Skipped, models.SkippedCategory{
			Category: o.Category,
			Outcome:  o.Outcome,
			Reason:   o.Reason,
		})
	}
	s.Partial = len(s.Skipped) > 0

	switch {
	case len(outcomes) == 0:
		s.Note = "no categories were reviewed"
	case len(s.Completed) == 0:
		s.Note = fmt.Sprintf("no category completed (%s); findings are empty because nothing was reviewed", describe(s.Skipped))
	case s.Partial:
		s.Note = fmt.Sprintf("partial coverage: %d of %d categories completed; not reviewed: %s",
			len(s.Completed), len(outcomes), describe(s.Skipped))
	}
	return s
}

func describe(skipped []models.SkippedCategory) string {
	parts := make([]string, len(skipped))
	for i, sk := range skipped {
		parts[i] = fmt.Sprintf("%s=%s", sk.Category, sk.Outcome)
	}
	return strings.Join(parts, ", ")
}
