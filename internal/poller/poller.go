// Package poller discovers pull request revisions for repositories that
// cannot deliver webhooks.
package poller

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/joescharf/reviewd/internal/github"
	"github.com/joescharf/reviewd/internal/intake"
	"github.com/joescharf/reviewd/internal/models"
	"github.com/joescharf/reviewd/internal/store"
)

// DefaultInterval is the time between polling passes.
const DefaultInterval = 5 * time.Minute

// DefaultRequestsPerSecond bounds calls to the GitHub API.
const DefaultRequestsPerSecond = 1

// Lister enumerates configured repositories.
type Lister interface {
	List(ctx context.Context) ([]models.RepositoryConfig, error)
}

// PullRequestSource lists open pull requests of a repository.
type PullRequestSource interface {
	OpenPullRequests(ctx context.Context, repository string) ([]github.PullRequest, error)
}

// Submitter is the intake stage.
type Submitter interface {
	Submit(ctx context.Context, ev intake.Event) (intake.Decision, error)
}

// History reports runs already recorded, so a restart does not re-review
// every open pull request.
type History interface {
	ListReviewRuns(ctx context.Context, filter store.RunFilter) ([]*models.ReviewRun, error)
}

// Result holds the outcome of polling a single repository.
type Result struct {
	Repository string `json:"repository"`
	Open       int    `json:"open"`
	Submitted  int    `json:"submitted"`
	Error      string `json:"error,omitempty"`
}

// PassResult holds the outcome of one polling pass.
type PassResult struct {
	Polled    int      `json:"polled"`
	Submitted int      `json:"submitted"`
	Failed    int      `json:"failed"`
	Results   []Result `json:"results"`
}

// Poller submits poll events for pull request heads it has not seen.
type Poller struct {
	repos   Lister
	prs     PullRequestSource
	intake  Submitter
	history History
	limiter *rate.Limiter
	log     logrus.FieldLogger

	now func() time.Time

	mu    sync.Mutex
	seen  map[string]string    // repository#number -> head sha
	holds map[string]time.Time // repository -> end of the exhausted window
}

// Options configures a Poller.
type Options struct {
	RequestsPerSecond float64
	History           History
	Log               logrus.FieldLogger
}

func New(repos Lister, prs PullRequestSource, in Submitter, opts Options) *Poller {
	if opts.RequestsPerSecond <= 0 {
		opts.RequestsPerSecond = DefaultRequestsPerSecond
	}
	if opts.Log == nil {
		l := logrus.New()
		l.SetOutput(io.Discard)
		opts.Log = l
	}
	return &Poller{
		repos:   repos,
		prs:     prs,
		intake:  in,
		history: opts.History,
		limiter: rate.NewLimiter(rate.Limit(opts.RequestsPerSecond), 1),
		log:     opts.Log,
		now:     time.Now,
		seen:    make(map[string]string),
		holds:   make(map[string]time.Time),
	}
}

// Run polls every interval until ctx is cancelled.
func (p *Poller) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if res, err := p.Once(ctx); err != nil {
			p.log.WithError(err).Warn("poll pass failed")
		} else if res.Submitted > 0 || res.Failed > 0 {
			p.log.WithFields(logrus.Fields{
				"polled":    res.Polled,
				"submitted": res.Submitted,
				"failed":    res.Failed,
			}).Info("poll pass")
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Once runs a single pass over every repository with polling enabled.
func (p *Poller) Once(ctx context.Context) (*PassResult, error) {
	repos, err := p.repos.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("list repositories: %w", err)
	}

	result := &PassResult{}
	for _, cfg := range repos {
		if !cfg.Poll || cfg.Platform != models.PlatformGitHub {
			continue
		}
		r := p.repository(ctx, cfg.ID)
		result.Polled++
		result.Submitted += r.Submitted
		if r.Error != "" {
			result.Failed++
		}
		result.Results = append(result.Results, r)
	}
	return result, nil
}

func (p *Poller) repository(ctx context.Context, repo string) Result {
	r := Result{Repository: repo}
	if until, held := p.held(repo); held {
		p.log.WithFields(logrus.Fields{"repository": repo, "until": until}).Debug("repository over its limits, not polled")
		return r
	}
	if err := p.limiter.Wait(ctx); err != nil {
		r.Error = err.Error()
		return r
	}
	prs, err := p.prs.OpenPullRequests(ctx, repo)
	if err != nil {
		r.Error = err.Error()
		return r
	}
	r.Open = len(prs)

	for _, pr := range prs {
		key := repo + "#" + strconv.Itoa(pr.Number)
		if p.known(key, pr.HeadSHA) {
			continue
		}
		done, rejected := p.recorded(ctx, repo, pr.HeadSHA)
		if done {
			p.mark(key, pr.HeadSHA)
			continue
		}
		if rejected != nil && p.hold(repo, rejected.Reason, rejected.StartedAt) {
			// rejected earlier in the current window, e.g. before a restart
			return r
		}

		d, err := p.intake.Submit(ctx, intake.Event{
			RepositoryID: repo,
			Revision:     pr.HeadSHA,
			Subject:      models.SubjectRevision,
			Number:       pr.Number,
			Title:        pr.Title,
			Trigger:      models.TriggerPoll,
			Actor:        pr.Author,
		})
		switch {
		case err == nil:
			r.Submitted++
			p.mark(key, pr.HeadSHA)
		case p.hold(repo, string(d.Reason), p.now()):
			// Every further submission would be rejected and recorded
			// again until the window rolls over.
			p.log.WithFields(logrus.Fields{
				"repository": repo,
				"number":     pr.Number,
				"reason":     d.Reason,
			}).Info("poll paused until quota window resets")
			return r
		case d.Reason == models.RejectConfigUnavailable || d.Reason == "":
			p.log.WithFields(logrus.Fields{
				"repository": repo,
				"number":     pr.Number,
				"reason":     d.Reason,
			}).Debug("poll submission deferred")
		default:
			p.mark(key, pr.HeadSHA)
		}
	}
	return r
}

// windowEnd returns when a quota or budget rejection at t stops applying:
// the next UTC day for quotas, the next UTC month for budgets.
func windowEnd(reason string, t time.Time) (time.Time, bool) {
	t = t.UTC()
	switch models.RejectReason(reason) {
	case models.RejectQuota:
		return time.Date(t.Year(), t.Month(), t.Day()+1, 0, 0, 0, 0, time.UTC), true
	case models.RejectBudget:
		return time.Date(t.Year(), t.Month()+1, 1, 0, 0, 0, 0, time.UTC), true
	}
	return time.Time{}, false
}

// hold pauses repo until the window of a rejection at t ends. It reports
// false when the reason has no window or the window is already over.
func (p *Poller) hold(repo, reason string, t time.Time) bool {
	until, ok := windowEnd(reason, t)
	if !ok || !p.now().Before(until) {
		return false
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.holds[repo] = until
	return true
}

func (p *Poller) held(repo string) (time.Time, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	until, ok := p.holds[repo]
	if !ok {
		return time.Time{}, false
	}
	if !p.now().Before(until) {
		delete(p.holds, repo)
		return time.Time{}, false
	}
	return until, true
}

func (p *Poller) known(key, sha string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.seen[key] == sha
}

func (p *Poller) mark(key, sha string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.seen[key] = sha
}

// recorded reports whether a non-rejected run exists for sha. Otherwise it
// returns the most recent rejected run, if any.
func (p *Poller) recorded(ctx context.Context, repo, sha string) (bool, *models.ReviewRun) {
	if p.history == nil {
		return false, nil
	}
	runs, err := p.history.ListReviewRuns(ctx, store.RunFilter{RepositoryID: repo, Revision: sha})
	if err != nil {
		p.log.WithError(err).WithField("repository", repo).Warn("poll history lookup")
		return false, nil
	}
	var rejected *models.ReviewRun
	for _, run := range runs {
		if run.State != models.RunStateRejected {
			return true, nil
		}
		if rejected == nil || run.StartedAt.After(rejected.StartedAt) {
			rejected = run
		}
	}
	return false, rejected
}
