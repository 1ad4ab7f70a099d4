package store

import (
	"context"

	"github.com/joescharf/reviewd/internal/models"
)

// RunFilter narrows ListReviewRuns.
type RunFilter struct {
	RepositoryID string
	Revision     string
	State        models.RunState
	Limit        int
}

// Store is the persistence interface for reviewd.
type Store interface {
	// SaveReviewRun writes a terminal run with its findings and calls.
	SaveReviewRun(ctx context.Context, run *models.ReviewRun) error
	GetReviewRun(ctx context.Context, id string) (*models.ReviewRun, error)
	ListReviewRuns(ctx context.Context, filter RunFilter) ([]*models.ReviewRun, error)

	// Usage rebuilds the rate window of a repository as of now.
	Usage(ctx context.Context, repositoryID string) (models.Window, error)
	Repositories(ctx context.Context) ([]string, error)

	// Lifecycle
	Migrate(ctx context.Context) error
	Close() error
}
