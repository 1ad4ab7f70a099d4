package analyzer

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/joescharf/reviewd/internal/models"
)

const findingSchema = `Respond with ONLY a JSON array. No markdown fencing, no explanation.
Each element must have exactly these fields:
{
  "severity": "critical|major|minor|suggestion",
  "path": "relative/file/path",
  "start_line": 1,
  "end_line": 1,
  "title": "Short descriptive title",
  "body": "What is wrong and why it matters",
  "suggested_fix": "Optional concrete fix"
}
If there are no issues, respond with an empty array: []`

var categoryFocus = map[models.Category]string{
	models.CategorySecurity: "security vulnerabilities: injection, authn/authz flaws, secrets in code, " +
		"unsafe deserialization, SSRF, path traversal, weak cryptography",
	models.CategoryBestPractices: "maintainability and correctness: error handling, resource leaks, " +
		"concurrency bugs, dead code, naming, missing tests for changed behavior",
	models.CategoryFramework: "misuse of the frameworks and libraries in the diff: deprecated APIs, " +
		"lifecycle mistakes, idioms the framework documents against",
	models.CategoryIaC: "infrastructure-as-code: overly broad IAM, public exposure, missing encryption, " +
		"unpinned images or modules, drift-prone settings",
}

// BuildPrompt returns the system and user prompts for reviewing diff in category.
func BuildPrompt(category models.Category, diff DiffContext) (system string, user string) {
	focus := categoryFocus[category]
	if focus == "" {
		focus = string(category)
	}
	system = fmt.Sprintf(`You are a strict, expert code reviewer.
Review ONLY the changes in the diff, and report only issues about %s.
Reference line numbers in the new version of each file.
Rate severity as "critical", "major", "minor" or "suggestion".

%s`, focus, findingSchema)

	var sb strings.Builder
	fmt.Fprintf(&sb, "Repository: %s\n", diff.Repository)
	if diff.Number > 0 {
		fmt.Fprintf(&sb, "Change: #%d %s\n", diff.Number, diff.Title)
	}
	fmt.Fprintf(&sb, "Revision: %s\n", diff.Revision)
	if len(diff.Files) > 0 {
		sb.WriteString("Files: ")
		sb.WriteString(strings.Join(diff.Files, ", "))
		sb.WriteString("\n")
	}
	sb.WriteString("\nDiff:\n")
	sb.WriteString(diff.Diff)
	user = sb.String()
	return
}

// stripFencing removes a surrounding markdown code fence if present.
func stripFencing(text string) string {
	text = strings.TrimSpace(text)
	if strings.HasPrefix(text, "```") {
		lines := strings.SplitN(text, "\n", 2)
		if len(lines) > 1 {
			text = lines[1]
		}
		if idx := strings.LastIndex(text, "```"); idx >= 0 {
			text = text[:idx]
		}
		text = strings.TrimSpace(text)
	}
	return text
}

// ParseFindings decodes a model response into raw findings. Both a bare array
// and an object with a "findings" array are accepted.
func ParseFindings(text string) ([]models.RawFinding, error) {
	text = stripFencing(text)
	if text == "" {
		return nil, fmt.Errorf("empty response")
	}

	var findings []models.RawFinding
	if strings.HasPrefix(text, "{") {
		var wrapped struct {
			Findings []models.RawFinding `json:"findings"`
		}
		if err := json.Unmarshal([]byte(text), &wrapped); err != nil {
			return nil, fmt.Errorf("parse response as JSON: %w", err)
		}
		findings = wrapped.Findings
	} else if err := json.Unmarshal([]byte(text), &findings); err != nil {
		return nil, fmt.Errorf("parse response as JSON: %w", err)
	}

	for i := range findings {
		if findings[i].Category != "" && !findings[i].Category.Valid() {
			findings[i].Category = ""
		}
		if findings[i].EndLine < findings[i].StartLine {
			findings[i].EndLine = findings[i].StartLine
		}
	}
	return findings, nil
}
