package models

import "time"

// EventType names a terminal run event.
type EventType string

const (
	EventCompleted EventType = "completed"
	EventRejected  EventType = "rejected"
	EventFailed    EventType = "failed"
)

// RunEvent is emitted once per run when it reaches a terminal state.
type RunEvent struct {
	Type         EventType         `json:"type"`
	RunID        string            `json:"run_id"`
	RepositoryID string            `json:"repository_id"`
	Revision     string            `json:"revision"`
	State        RunState          `json:"state"`
	Reason       string            `json:"reason,omitempty"`
	Outcomes     []CategoryOutcome `json:"outcomes,omitempty"`
	BySeverity   map[Severity]int  `json:"by_severity,omitempty"`
	Findings     int               `json:"findings"`
	CostUSD      float64           `json:"cost_usd"`
	At           time.Time         `json:"at"`
}

// NewRunEvent builds the terminal event for run.
func NewRunEvent(run *ReviewRun, at time.Time) RunEvent {
	ev := RunEvent{
		RunID:        run.ID,
		RepositoryID: run.Request.RepositoryID,
		Revision:     run.Request.Revision,
		State:        run.State,
		Reason:       run.Reason,
		Outcomes:     run.Outcomes,
		BySeverity:   run.Summary.BySeverity,
		Findings:     len(run.Findings),
		CostUSD:      run.CostUSD,
		At:           at,
	}
	switch run.State {
	case RunStateRejected:
		ev.Type = EventRejected
	case RunStateFailed:
		ev.Type = EventFailed
		if ev.Reason == "" {
			ev.Reason = run.Error
		}
	default:
		ev.Type = EventCompleted
	}
	return ev
}
