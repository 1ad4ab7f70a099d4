package notify

import (
	"context"
	"errors"
	"time"

	"github.com/codeGROOVE-dev/retry"
	"github.com/sirupsen/logrus"

	"github.com/joescharf/reviewd/internal/models"
)

// Notifier posts a run summary for a repository revision.
type Notifier interface {
	PostReviewComment(ctx context.Context, repository, revision string, summary models.FindingSummary) error
}

// Commenter is the subset of the GitHub client used to post comments.
type Commenter interface {
	CommentOnPullRequest(ctx context.Context, repository string, number int, body string) error
	CommentOnCommit(ctx context.Context, repository, sha, body string) error
}

// GitHub comments on the pull request or issue when the run has a number,
// otherwise on the commit.
type GitHub struct {
	client Commenter
}

func NewGitHub(client Commenter) *GitHub {
	return &GitHub{client: client}
}

func (g *GitHub) PostReviewComment(ctx context.Context, repository, revision string, summary models.FindingSummary) error {
	body := Render(summary)
	if summary.Number > 0 {
		return g.client.CommentOnPullRequest(ctx, repository, summary.Number, body)
	}
	if summary.Subject == models.SubjectIssue {
		return errors.New("issue plan without issue number")
	}
	return g.client.CommentOnCommit(ctx, repository, revision, body)
}

// Log writes summaries to the logger instead of a code host.
type Log struct {
	log logrus.FieldLogger
}

func NewLog(log logrus.FieldLogger) *Log {
	return &Log{log: log}
}

func (l *Log) PostReviewComment(_ context.Context, repository, revision string, s models.FindingSummary) error {
	l.log.WithFields(logrus.Fields{
		"repository": repository,
		"revision":   revision,
		"run_id":     s.RunID,
		"findings":   s.Summary.Total,
		"partial":    s.Summary.Partial,
		"cost_usd":   s.CostUSD,
	}).Info("review summary")
	return nil
}

// Retry options.
const (
	DefaultAttempts     = 4
	DefaultInitialDelay = time.Second
	DefaultMaxDelay     = 30 * time.Second
)

// Retrying retries a Notifier with exponential backoff.
type Retrying struct {
	next     Notifier
	attempts uint
	delay    time.Duration
	maxDelay time.Duration
	log      logrus.FieldLogger
}

// NewRetrying wraps next. attempts of zero uses DefaultAttempts.
func NewRetrying(next Notifier, attempts uint, log logrus.FieldLogger) *Retrying {
	if attempts == 0 {
		attempts = DefaultAttempts
	}
	if log == nil {
		l := logrus.New()
		l.SetLevel(logrus.PanicLevel)
		log = l
	}
	return &Retrying{
		next:     next,
		attempts: attempts,
		delay:    DefaultInitialDelay,
		maxDelay: DefaultMaxDelay,
		log:      log,
	}
}

func (r *Retrying) PostReviewComment(ctx context.Context, repository, revision string, summary models.FindingSummary) error {
	return retry.Do(
		func() error {
			return r.next.PostReviewComment(ctx, repository, revision, summary)
		},
		retry.Context(ctx),
		retry.Attempts(r.attempts),
		retry.DelayType(retry.BackOffDelay),
		retry.Delay(r.delay),
		retry.MaxDelay(r.maxDelay),
		retry.OnRetry(func(n uint, err error) {
			r.log.WithError(err).WithFields(logrus.Fields{
				"run_id":  summary.RunID,
				"attempt": n + 1,
			}).Warn("post review comment failed, retrying")
		}),
		retry.LastErrorOnly(true),
	)
}

// Multi fans a summary out to several notifiers and joins their errors.
type Multi []Notifier

func (m Multi) PostReviewComment(ctx context.Context, repository, revision string, summary models.FindingSummary) error {
	var errs []error
	for _, n := range m {
		if err := n.PostReviewComment(ctx, repository, revision, summary); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
