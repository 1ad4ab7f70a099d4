package poller

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joescharf/reviewd/internal/analyzer"
	"github.com/joescharf/reviewd/internal/dispatch"
	"github.com/joescharf/reviewd/internal/github"
	"github.com/joescharf/reviewd/internal/intake"
	"github.com/joescharf/reviewd/internal/ledger"
	"github.com/joescharf/reviewd/internal/models"
	"github.com/joescharf/reviewd/internal/orchestrator"
	"github.com/joescharf/reviewd/internal/store"
)

type staticRepos []models.RepositoryConfig

func (s staticRepos) List(context.Context) ([]models.RepositoryConfig, error) { return s, nil }

type fakePRs struct {
	mu   sync.Mutex
	prs  map[string][]github.PullRequest
	errs map[string]error
}

func (f *fakePRs) OpenPullRequests(_ context.Context, repo string) ([]github.PullRequest, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.errs[repo]; err != nil {
		return nil, err
	}
	return f.prs[repo], nil
}

type recordingIntake struct {
	events []intake.Event
	reject models.RejectReason
}

func (r *recordingIntake) Submit(_ context.Context, ev intake.Event) (intake.Decision, error) {
	r.events = append(r.events, ev)
	if r.reject != "" {
		return intake.Decision{Reason: r.reject}, models.Rejected(r.reject)
	}
	return intake.Decision{Admitted: true, RunID: "run"}, nil
}

type fakeHistory map[string]models.RunState

func (h fakeHistory) ListReviewRuns(_ context.Context, f store.RunFilter) ([]*models.ReviewRun, error) {
	if st, ok := h[f.Revision]; ok {
		return []*models.ReviewRun{{State: st}}, nil
	}
	return nil, nil
}

func newPoller(repos staticRepos, prs *fakePRs, in *recordingIntake, h History) *Poller {
	return New(repos, prs, in, Options{RequestsPerSecond: 1000, History: h})
}

func TestOnce_SubmitsNewHeadsOnce(t *testing.T) {
	repos := staticRepos{
		{ID: "acme/app", Platform: models.PlatformGitHub, Poll: true},
		{ID: "acme/hooked", Platform: models.PlatformGitHub, Poll: false},
	}
	prs := &fakePRs{prs: map[string][]github.PullRequest{
		"acme/app":    {{Number: 1, HeadSHA: "a1", Title: "one"}, {Number: 2, HeadSHA: "b1"}},
		"acme/hooked": {{Number: 5, HeadSHA: "z"}},
	}}
	in := &recordingIntake{}
	p := newPoller(repos, prs, in, nil)

	res, err := p.Once(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Polled)
	assert.Equal(t, 2, res.Submitted)
	require.Len(t, in.events, 2)
	assert.Equal(t, models.TriggerPoll, in.events[0].Trigger)
	assert.Equal(t, "a1", in.events[0].Revision)
	assert.Equal(t, 1, in.events[0].Number)

	// Unchanged heads are not resubmitted; a new push is.
	prs.prs["acme/app"][1].HeadSHA = "b2"
	res, err = p.Once(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Submitted)
	require.Len(t, in.events, 3)
	assert.Equal(t, "b2", in.events[2].Revision)
}

func TestOnce_QuotaRetriedNextWindow(t *testing.T) {
	repos := staticRepos{{ID: "acme/app", Platform: models.PlatformGitHub, Poll: true}}
	prs := &fakePRs{prs: map[string][]github.PullRequest{"acme/app": {{Number: 1, HeadSHA: "a1"}}}}
	in := &recordingIntake{reject: models.RejectQuota}
	p := newPoller(repos, prs, in, nil)
	clk := &clock{t: time.Date(2026, 3, 10, 15, 0, 0, 0, time.UTC)}
	p.now = clk.now

	_, err := p.Once(context.Background())
	require.NoError(t, err)
	in.reject = ""

	res, err := p.Once(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, res.Submitted)
	assert.Len(t, in.events, 1)

	clk.advance(9 * time.Hour)
	res, err = p.Once(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Submitted)
	assert.Len(t, in.events, 2)
}

func TestOnce_ConfigUnavailableRetriedNextPass(t *testing.T) {
	repos := staticRepos{{ID: "acme/app", Platform: models.PlatformGitHub, Poll: true}}
	prs := &fakePRs{prs: map[string][]github.PullRequest{"acme/app": {{Number: 1, HeadSHA: "a1"}}}}
	in := &recordingIntake{reject: models.RejectConfigUnavailable}
	p := newPoller(repos, prs, in, nil)

	_, err := p.Once(context.Background())
	require.NoError(t, err)
	in.reject = ""
	res, err := p.Once(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Submitted)
}

func TestWindowEnd(t *testing.T) {
	at := time.Date(2026, 12, 31, 23, 59, 0, 0, time.UTC)
	end, ok := windowEnd(string(models.RejectQuota), at)
	require.True(t, ok)
	assert.Equal(t, time.Date(2027, 1, 1, 0, 0, 0, 0, time.UTC), end)

	end, ok = windowEnd(string(models.RejectBudget), time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC))
	require.True(t, ok)
	assert.Equal(t, time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC), end)

	_, ok = windowEnd(string(models.RejectDuplicate), at)
	assert.False(t, ok)
}

func TestOnce_DuplicateMarkedSeen(t *testing.T) {
	repos := staticRepos{{ID: "acme/app", Platform: models.PlatformGitHub, Poll: true}}
	prs := &fakePRs{prs: map[string][]github.PullRequest{"acme/app": {{Number: 1, HeadSHA: "a1"}}}}
	in := &recordingIntake{reject: models.RejectDuplicate}
	p := newPoller(repos, prs, in, nil)

	_, _ = p.Once(context.Background())
	_, _ = p.Once(context.Background())
	assert.Len(t, in.events, 1)
}

func TestOnce_SkipsRecordedRevisions(t *testing.T) {
	repos := staticRepos{{ID: "acme/app", Platform: models.PlatformGitHub, Poll: true}}
	prs := &fakePRs{prs: map[string][]github.PullRequest{"acme/app": {
		{Number: 1, HeadSHA: "done"},
		{Number: 2, HeadSHA: "rejected"},
	}}}
	in := &recordingIntake{}
	h := fakeHistory{"done": models.RunStateCompleted, "rejected": models.RunStateRejected}
	p := newPoller(repos, prs, in, h)

	res, err := p.Once(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Submitted)
	require.Len(t, in.events, 1)
	assert.Equal(t, "rejected", in.events[0].Revision)
}

func TestOnce_ListErrorRecorded(t *testing.T) {
	repos := staticRepos{{ID: "acme/app", Platform: models.PlatformGitHub, Poll: true}}
	prs := &fakePRs{errs: map[string]error{"acme/app": errors.New("rate limited")}}
	p := newPoller(repos, prs, &recordingIntake{}, nil)

	res, err := p.Once(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Failed)
	assert.Equal(t, "rate limited", res.Results[0].Error)
}

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

// memRuns is both the orchestrator's sink and the poller's history.
type memRuns struct {
	mu   sync.Mutex
	runs []*models.ReviewRun
}

func (m *memRuns) SaveReviewRun(_ context.Context, run *models.ReviewRun) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *run
	m.runs = append(m.runs, &cp)
	return nil
}

func (m *memRuns) ListReviewRuns(_ context.Context, f store.RunFilter) ([]*models.ReviewRun, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.ReviewRun
	for _, r := range m.runs {
		if r.Request.RepositoryID == f.RepositoryID && r.Request.Revision == f.Revision {
			out = append(out, r)
		}
	}
	return out, nil
}

func (m *memRuns) rejected(revision string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, r := range m.runs {
		if r.State == models.RunStateRejected && (revision == "" || r.Request.Revision == revision) {
			n++
		}
	}
	return n
}

type quietProvider struct{}

func (quietProvider) ID() string                                { return "claude" }
func (quietProvider) EstimateCost(analyzer.DiffContext) float64 { return 0 }
func (quietProvider) Review(context.Context, models.Category, analyzer.DiffContext) (analyzer.Result, error) {
	return analyzer.Result{}, nil
}

type repoSet []models.RepositoryConfig

func (s repoSet) List(context.Context) ([]models.RepositoryConfig, error) { return s, nil }

func (s repoSet) GetConfig(_ context.Context, id string) (models.RepositoryConfig, error) {
	for _, c := range s {
		if c.ID == id {
			return c, nil
		}
	}
	return models.RepositoryConfig{}, errors.New("unknown repository")
}

func TestPipeline_OneRejectedRunPerHeadPerWindow(t *testing.T) {
	repos := repoSet{{
		ID:                "acme/app",
		Platform:          models.PlatformGitHub,
		Poll:              true,
		AutoReviewEnabled: true,
		Categories:        []models.Category{models.CategorySecurity},
		Preferences:       models.ProviderPreferences{Security: models.CategoryPlan{Providers: []string{"claude"}}},
		DailyLimit:        1,
	}}
	prs := &fakePRs{prs: map[string][]github.PullRequest{"acme/app": {
		{Number: 1, HeadSHA: "a1"},
		{Number: 2, HeadSHA: "b1"},
		{Number: 3, HeadSHA: "c1"},
	}}}

	clk := &clock{t: time.Now().UTC()}
	reg := analyzer.NewRegistry()
	reg.AddProvider(quietProvider{})
	runs := &memRuns{}
	orch := orchestrator.New(orchestrator.Deps{
		Ledger:   ledger.NewWithClock(clk.now),
		Pool:     dispatch.New(dispatch.Options{Workers: 2, AnalyzerTimeout: time.Second}, nil),
		Resolver: reg,
		Sink:     runs,
	}, orchestrator.Options{})
	t.Cleanup(orch.Close)
	in := intake.New(repos, orch, time.Minute, nil)

	p := New(repos, prs, in, Options{RequestsPerSecond: 1000, History: runs})
	p.now = clk.now

	for i := 0; i < 5; i++ {
		_, err := p.Once(context.Background())
		require.NoError(t, err)
	}
	assert.Equal(t, 1, runs.rejected("b1"))
	assert.Equal(t, 1, runs.rejected(""))

	// A restarted poller learns about the rejection from history.
	restarted := New(repos, prs, in, Options{RequestsPerSecond: 1000, History: runs})
	restarted.now = clk.now
	_, err := restarted.Once(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, runs.rejected(""))

	clk.advance(25 * time.Hour)
	res, err := p.Once(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Submitted)
	assert.Equal(t, 1, runs.rejected("b1"))
	assert.LessOrEqual(t, runs.rejected("c1"), 1)
}
