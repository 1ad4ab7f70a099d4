package models

import "time"

// TriggerKind records what caused a review request.
type TriggerKind string

const (
	TriggerWebhook TriggerKind = "webhook"
	TriggerPoll    TriggerKind = "poll"
	TriggerManual  TriggerKind = "manual"
)

// Subject distinguishes code reviews from issue plans.
type Subject string

const (
	SubjectRevision Subject = "revision"
	SubjectIssue    Subject = "issue"
)

// ReviewRequest identifies one unit of work. It is not modified after admission.
type ReviewRequest struct {
	RepositoryID string      `json:"repository_id"`
	Revision     string      `json:"revision"`
	Subject      Subject     `json:"subject"`
	Number       int         `json:"number,omitempty"` // PR, MR or issue number (0 = none)
	Title        string      `json:"title,omitempty"`
	Trigger      TriggerKind `json:"trigger"`
	Actor        string      `json:"actor,omitempty"`
	Categories   []Category  `json:"categories"`
	RequestedAt  time.Time   `json:"requested_at"`
}

// RunState is the position of a ReviewRun in its lifecycle.
type RunState string

const (
	RunStateAdmitted    RunState = "admitted"
	RunStateDispatching RunState = "dispatching"
	RunStateAggregating RunState = "aggregating"
	RunStateCompleted   RunState = "completed"
	RunStateRejected    RunState = "rejected"
	RunStateFailed      RunState = "failed"
)

// Terminal reports whether no further transitions are possible.
func (s RunState) Terminal() bool {
	return s == RunStateCompleted || s == RunStateRejected || s == RunStateFailed
}

// Outcome is the settled result of a category or an analyzer call.
type Outcome string

const (
	OutcomeSuccess       Outcome = "success"
	OutcomeTimeout       Outcome = "timeout"
	OutcomeError         Outcome = "error"
	OutcomeSkippedBudget Outcome = "skipped_budget"
)

// CategoryOutcome is the per-category result recorded on a run.
type CategoryOutcome struct {
	Category Category `json:"category"`
	Outcome  Outcome  `json:"outcome"`
	Reason   string   `json:"reason,omitempty"`
	CostUSD  float64  `json:"cost_usd"`
}

// AnalyzerKind separates static tools from AI providers.
type AnalyzerKind string

const (
	AnalyzerTool     AnalyzerKind = "tool"
	AnalyzerProvider AnalyzerKind = "provider"
)

// AnalyzerCall is one adapter invocation, kept for billing and audit.
type AnalyzerCall struct {
	ID           string        `json:"id"`
	RunID        string        `json:"run_id"`
	Analyzer     string        `json:"analyzer"`
	Kind         AnalyzerKind  `json:"kind"`
	Category     Category      `json:"category"`
	Attempt      int           `json:"attempt"`
	StartedAt    time.Time     `json:"started_at"`
	Duration     time.Duration `json:"duration"`
	Outcome      Outcome       `json:"outcome"`
	InputTokens  int64         `json:"input_tokens,omitempty"`
	OutputTokens int64         `json:"output_tokens,omitempty"`
	CostUSD      float64       `json:"cost_usd"`
	Error        string        `json:"error,omitempty"`
}

// ReviewRun is the mutable record of one admitted (or rejected) request.
// Only the orchestrator goroutine that owns the run mutates it.
type ReviewRun struct {
	ID         string            `json:"id"`
	Request    ReviewRequest     `json:"request"`
	State      RunState          `json:"state"`
	Reason     string            `json:"reason,omitempty"`
	StartedAt  time.Time         `json:"started_at"`
	FinishedAt *time.Time        `json:"finished_at,omitempty"`
	Outcomes   []CategoryOutcome `json:"outcomes"`
	Findings   []Finding         `json:"findings"`
	Summary    Summary           `json:"summary"`
	CostUSD    float64           `json:"cost_usd"`
	Calls      []AnalyzerCall    `json:"calls,omitempty"`
	Error      string            `json:"error,omitempty"`
}

// Outcome returns the recorded outcome for c, if any.
func (r *ReviewRun) Outcome(c Category) (CategoryOutcome, bool) {
	for _, o := range r.Outcomes {
		if o.Category == c {
			return o, true
		}
	}
	return CategoryOutcome{}, false
}

// SkippedCategory explains why a category contributed no findings.
type SkippedCategory struct {
	Category Category `json:"category"`
	Outcome  Outcome  `json:"outcome"`
	Reason   string   `json:"reason,omitempty"`
}

// Summary is the run-level rollup attached by the aggregator.
type Summary struct {
	Total      int               `json:"total"`
	BySeverity map[Severity]int  `json:"by_severity"`
	ByCategory map[Category]int  `json:"by_category"`
	Completed  []Category        `json:"completed"`
	Skipped    []SkippedCategory `json:"skipped"`
	Partial    bool              `json:"partial"`
	Note       string            `json:"note,omitempty"`
}

// FindingSummary is what the notifier renders into a platform comment.
type FindingSummary struct {
	RunID    string    `json:"run_id"`
	Subject  Subject   `json:"subject"`
	Number   int       `json:"number,omitempty"`
	Summary  Summary   `json:"summary"`
	Findings []Finding `json:"findings"`
	CostUSD  float64   `json:"cost_usd"`
}

// Window is a per-repository snapshot of rate and cost counters.
type Window struct {
	RepositoryID    string  `json:"repository_id"`
	Day             string  `json:"day"`
	Month           string  `json:"month"`
	ReviewsToday    int     `json:"reviews_today"`
	IssuePlansToday int     `json:"issue_plans_today"`
	CostThisMonth   float64 `json:"cost_this_month"`
	ReservedUSD     float64 `json:"reserved_usd"`
	Exceeded        bool    `json:"exceeded"`
}
