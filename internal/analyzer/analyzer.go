// Package analyzer defines the uniform adapter contract for static tools and
// AI providers, plus the concrete adapters reviewd ships with.
//
// Every adapter performs one blocking external call and must return promptly
// once its context is cancelled.
package analyzer

import (
	"context"

	"github.com/joescharf/reviewd/internal/models"
)

// DiffContext is the code under review as seen by AI providers.
type DiffContext struct {
	Repository string
	Revision   string
	Number     int
	Title      string
	Diff       string
	Files      []string
}

// Target locates the revision a static tool runs against.
type Target struct {
	Repository string
	Revision   string
	Dir        string   // checkout directory the tool runs in
	Files      []string // changed files; empty means the whole tree
}

// StaticAnalyzer wraps a local analysis tool.
type StaticAnalyzer interface {
	ID() string
	Run(ctx context.Context, target Target) ([]models.RawFinding, error)
}

// Result is a provider response. CostUSD and token counts are meaningful even
// when Review also returns an error after a billed call.
type Result struct {
	Findings     []models.RawFinding
	CostUSD      float64
	InputTokens  int64
	OutputTokens int64
}

// Provider wraps one AI model invocation.
type Provider interface {
	ID() string
	Review(ctx context.Context, category models.Category, diff DiffContext) (Result, error)
	// EstimateCost is an upper-bound guess used for budget reservation.
	EstimateCost(diff DiffContext) float64
}
