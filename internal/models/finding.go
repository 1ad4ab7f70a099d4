package models

import "strings"

// Severity ranks how serious a finding is.
type Severity string

const (
	SeverityCritical   Severity = "critical"
	SeverityMajor      Severity = "major"
	SeverityMinor      Severity = "minor"
	SeveritySuggestion Severity = "suggestion"
)

// Severities lists severities from most to least serious.
var Severities = []Severity{SeverityCritical, SeverityMajor, SeverityMinor, SeveritySuggestion}

// Rank returns a numeric rank where a higher value is more serious.
func (s Severity) Rank() int {
	switch s {
	case SeverityCritical:
		return 4
	case SeverityMajor:
		return 3
	case SeverityMinor:
		return 2
	case SeveritySuggestion:
		return 1
	}
	return 0
}

// NormalizeSeverity maps analyzer vocabularies (SARIF levels, LLM labels,
// tool-specific names) onto the canonical severities. Unknown values become
// suggestions.
func NormalizeSeverity(raw string) Severity {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "critical", "blocker", "fatal":
		return SeverityCritical
	case "major", "high", "error":
		return SeverityMajor
	case "minor", "medium", "moderate", "warning", "warn":
		return SeverityMinor
	default:
		return SeveritySuggestion
	}
}

// RawFinding is what an analyzer reports before normalization.
type RawFinding struct {
	// Category optionally reclassifies the finding; empty means the
	// category the analyzer was dispatched for.
	Category     Category `json:"category,omitempty"`
	Severity     string   `json:"severity"`
	Path         string   `json:"path"`
	StartLine    int      `json:"start_line"`
	EndLine      int      `json:"end_line"`
	Title        string   `json:"title"`
	Body         string   `json:"body"`
	SuggestedFix string   `json:"suggested_fix,omitempty"`
}

// Finding is one normalized, deduplicated issue.
type Finding struct {
	Key          string   `json:"key"`
	Analyzers    []string `json:"analyzers"`
	Category     Category `json:"category"`
	Severity     Severity `json:"severity"`
	Path         string   `json:"path"`
	StartLine    int      `json:"start_line"`
	EndLine      int      `json:"end_line"`
	Title        string   `json:"title"`
	Body         string   `json:"body"`
	SuggestedFix string   `json:"suggested_fix,omitempty"`
}
