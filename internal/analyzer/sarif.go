package analyzer

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/joescharf/reviewd/internal/models"
)

// SARIF v2.1.0, reduced to the fields a review finding needs.

type sarifLog struct {
	Version string     `json:"version"`
	Runs    []sarifRun `json:"runs"`
}

type sarifRun struct {
	Tool    sarifTool     `json:"tool"`
	Results []sarifResult `json:"results"`
}

type sarifTool struct {
	Driver sarifDriver `json:"driver"`
}

type sarifDriver struct {
	Name  string      `json:"name"`
	Rules []sarifRule `json:"rules"`
}

type sarifRule struct {
	ID               string       `json:"id"`
	ShortDescription sarifMessage `json:"shortDescription"`
}

type sarifResult struct {
	RuleID    string          `json:"ruleId"`
	Level     string          `json:"level"`
	Message   sarifMessage    `json:"message"`
	Locations []sarifLocation `json:"locations"`
	Fixes     []sarifFix      `json:"fixes"`
}

type sarifMessage struct {
	Text string `json:"text"`
}

type sarifLocation struct {
	PhysicalLocation sarifPhysicalLocation `json:"physicalLocation"`
}

type sarifPhysicalLocation struct {
	ArtifactLocation sarifArtifactLocation `json:"artifactLocation"`
	Region           sarifRegion           `json:"region"`
}

type sarifArtifactLocation struct {
	URI string `json:"uri"`
}

type sarifRegion struct {
	StartLine int `json:"startLine"`
	EndLine   int `json:"endLine"`
}

type sarifFix struct {
	Description sarifMessage `json:"description"`
}

// ParseSARIF converts a SARIF log into raw findings. Results without a
// location are kept with an empty path.
func ParseSARIF(data []byte) ([]models.RawFinding, error) {
	var log sarifLog
	if err := json.Unmarshal(data, &log); err != nil {
		return nil, fmt.Errorf("parse SARIF: %w", err)
	}

	var findings []models.RawFinding
	for _, run := range log.Runs {
		rules := make(map[string]string, len(run.Tool.Driver.Rules))
		for _, r := range run.Tool.Driver.Rules {
			rules[r.ID] = r.ShortDescription.Text
		}

		for _, res := range run.Results {
			f := models.RawFinding{
				Severity: levelToSeverity(res.Level),
				Title:    rules[res.RuleID],
				Body:     res.Message.Text,
			}
			if f.Title == "" {
				f.Title = firstLine(res.Message.Text)
			}
			if f.Title == "" {
				f.Title = res.RuleID
			}
			if len(res.Locations) > 0 {
				loc := res.Locations[0].PhysicalLocation
				f.Path = strings.TrimPrefix(loc.ArtifactLocation.URI, "file://")
				f.StartLine = loc.Region.StartLine
				f.EndLine = loc.Region.EndLine
				if f.EndLine < f.StartLine {
					f.EndLine = f.StartLine
				}
			}
			if len(res.Fixes) > 0 {
				f.SuggestedFix = res.Fixes[0].Description.Text
			}
			findings = append(findings, f)
		}
	}
	return findings, nil
}

func levelToSeverity(level string) string {
	switch level {
	case "error":
		return string(models.SeverityMajor)
	case "warning":
		return string(models.SeverityMinor)
	default:
		return string(models.SeveritySuggestion)
	}
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
