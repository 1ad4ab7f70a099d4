// Package orchestrator owns the lifecycle of review runs: admission control,
// per-category dispatch, aggregation, persistence and notification.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/joescharf/reviewd/internal/aggregate"
	"github.com/joescharf/reviewd/internal/analyzer"
	"github.com/joescharf/reviewd/internal/dispatch"
	"github.com/joescharf/reviewd/internal/ledger"
	"github.com/joescharf/reviewd/internal/models"
)

// DefaultRunTimeout is the hard ceiling on one run when Options leaves it zero.
const DefaultRunTimeout = 10 * time.Minute

const persistTimeout = 30 * time.Second

// ErrClosed is returned by Submit once Close has been called.
var ErrClosed = errors.New("orchestrator closed")

// Sink persists terminal runs.
type Sink interface {
	SaveReviewRun(ctx context.Context, run *models.ReviewRun) error
}

// Notifier posts the outcome of a completed run back to the platform.
type Notifier interface {
	PostReviewComment(ctx context.Context, repository, revision string, summary models.FindingSummary) error
}

// DiffSource fetches the change under review.
type DiffSource interface {
	Diff(ctx context.Context, req models.ReviewRequest) (analyzer.DiffContext, error)
}

// Resolver maps analyzer ids from repository plans to adapters.
type Resolver interface {
	Tool(id string) (analyzer.StaticAnalyzer, bool)
	Provider(id string) (analyzer.Provider, bool)
}

// Workspaces pins a local clone to the revision under review for static
// tools.
type Workspaces interface {
	Prepare(ctx context.Context, repoDir, revision string) (string, func(), error)
}

// Publisher receives terminal run events.
type Publisher interface {
	Publish(ev models.RunEvent)
}

// Deps are the collaborators of an Orchestrator. Diffs, Workspaces, Notifier
// and Events are optional. Without Workspaces tools scan the checkout as is.
type Deps struct {
	Ledger     *ledger.Ledger
	Pool       *dispatch.Pool
	Resolver   Resolver
	Sink       Sink
	Diffs      DiffSource
	Workspaces Workspaces
	Notifier   Notifier
	Events     Publisher
	Log        logrus.FieldLogger
}

// Options tunes an Orchestrator.
type Options struct {
	RunTimeout time.Duration
}

// Orchestrator admits and executes review runs.
type Orchestrator struct {
	deps       Deps
	log        logrus.FieldLogger
	runTimeout time.Duration
	now        func() time.Time

	base    context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	life    sync.Mutex // guards stopped and wg.Add
	stopped bool

	mu    sync.Mutex
	repos map[string]*repoState
}

// repoState serializes admission for one repository and tracks its
// non-terminal runs by revision.
type repoState struct {
	mu       sync.Mutex
	inflight map[string]string // revision -> run id
}

// New creates an Orchestrator.
func New(deps Deps, opts Options) *Orchestrator {
	if opts.RunTimeout <= 0 {
		opts.RunTimeout = DefaultRunTimeout
	}
	log := deps.Log
	if log == nil {
		l := logrus.New()
		l.SetOutput(io.Discard)
		log = l
	}
	base, cancel := context.WithCancel(context.Background())
	return &Orchestrator{
		deps:       deps,
		log:        log,
		runTimeout: opts.RunTimeout,
		now:        time.Now,
		base:       base,
		cancel:     cancel,
		repos:      make(map[string]*repoState),
	}
}

// Handle tracks an admitted run executing in the background.
type Handle struct {
	RunID string
	done  chan struct{}
	run   *models.ReviewRun
}

// Done is closed once the run is terminal.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Wait blocks until the run is terminal or ctx ends.
func (h *Handle) Wait(ctx context.Context) (*models.ReviewRun, error) {
	select {
	case <-h.done:
		return h.run, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Submit runs admission control for req and, on success, executes the run in
// the background. A rejected request returns the persisted rejected run and
// an *models.AdmissionError.
func (o *Orchestrator) Submit(ctx context.Context, req models.ReviewRequest, cfg models.RepositoryConfig) (*Handle, error) {
	o.life.Lock()
	if o.stopped {
		o.life.Unlock()
		return nil, ErrClosed
	}
	o.wg.Add(1)
	o.life.Unlock()

	run, err := o.admit(ctx, req, cfg)
	if err != nil {
		o.wg.Done()
		return &Handle{RunID: run.ID, done: closed(), run: run}, err
	}

	h := &Handle{RunID: run.ID, done: make(chan struct{})}
	go func() {
		defer o.wg.Done()
		defer close(h.done)
		o.execute(o.base, run, cfg)
		h.run = run
	}()
	return h, nil
}

// Run is Submit followed by Wait.
func (o *Orchestrator) Run(ctx context.Context, req models.ReviewRequest, cfg models.RepositoryConfig) (*models.ReviewRun, error) {
	h, err := o.Submit(ctx, req, cfg)
	if err != nil {
		if h == nil {
			return nil, err
		}
		return h.run, err
	}
	return h.Wait(ctx)
}

// InFlight reports the id of the non-terminal run for (repository, revision).
func (o *Orchestrator) InFlight(repository, revision string) (string, bool) {
	st := o.repo(repository)
	st.mu.Lock()
	defer st.mu.Unlock()
	id, ok := st.inflight[revision]
	return id, ok
}

// Close cancels outstanding runs and waits for them to reach a terminal
// state. Later submissions fail with ErrClosed.
func (o *Orchestrator) Close() {
	o.life.Lock()
	o.stopped = true
	o.life.Unlock()
	o.cancel()
	o.wg.Wait()
}

func (o *Orchestrator) repo(id string) *repoState {
	o.mu.Lock()
	defer o.mu.Unlock()
	st, ok := o.repos[id]
	if !ok {
		st = &repoState{inflight: make(map[string]string)}
		o.repos[id] = st
	}
	return st
}

// admit is the check-then-increment region for one repository: no other
// admission for the same repository runs concurrently with it.
func (o *Orchestrator) admit(ctx context.Context, req models.ReviewRequest, cfg models.RepositoryConfig) (*models.ReviewRun, error) {
	if req.Subject == "" {
		req.Subject = models.SubjectRevision
	}
	if req.RequestedAt.IsZero() {
		req.RequestedAt = o.now().UTC()
	}
	req.Categories = append([]models.Category(nil), req.Categories...)

	run := &models.ReviewRun{
		ID:        models.NewID(),
		Request:   req,
		StartedAt: o.now().UTC(),
	}

	reason, conflict := o.tryAdmit(run, cfg)
	if reason == "" {
		run.State = models.RunStateAdmitted
		o.log.WithFields(logrus.Fields{
			"run_id":     run.ID,
			"repository": req.RepositoryID,
			"revision":   req.Revision,
			"trigger":    req.Trigger,
		}).Info("review admitted")
		return run, nil
	}

	run.State = models.RunStateRejected
	run.Reason = string(reason)
	finished := run.StartedAt
	run.FinishedAt = &finished

	o.log.WithFields(logrus.Fields{
		"run_id":     run.ID,
		"repository": req.RepositoryID,
		"revision":   req.Revision,
		"reason":     reason,
	}).Info("review rejected")

	if err := o.persist(ctx, run); err != nil {
		o.log.WithError(err).WithField("run_id", run.ID).Error("persist rejected run")
	}
	o.publish(run)
	return run, &models.AdmissionError{Reason: reason, RunID: conflict}
}

func (o *Orchestrator) tryAdmit(run *models.ReviewRun, cfg models.RepositoryConfig) (models.RejectReason, string) {
	req := run.Request
	st := o.repo(req.RepositoryID)
	st.mu.Lock()
	defer st.mu.Unlock()

	if id, ok := st.inflight[req.Revision]; ok {
		return models.RejectDuplicate, id
	}
	if len(req.Categories) == 0 {
		return models.RejectNoCategories, ""
	}

	o.deps.Ledger.SetLimits(req.RepositoryID, ledger.Limits{
		DailyReviews:    cfg.DailyLimit,
		DailyIssuePlans: cfg.IssuePlanDailyLimit,
		MonthlyCostUSD:  cfg.MonthlyCostLimitUSD,
	})

	affordable := false
	for _, c := range req.Categories {
		if o.deps.Ledger.CanAfford(req.RepositoryID, o.estimate(cfg.Preferences.For(c), analyzer.DiffContext{})) {
			affordable = true
			break
		}
	}
	if !affordable {
		return models.RejectBudget, ""
	}

	if !o.deps.Ledger.TryAdmit(req.RepositoryID, req.Subject) {
		return models.RejectQuota, ""
	}
	st.inflight[req.Revision] = run.ID
	return "", ""
}

func (o *Orchestrator) release(run *models.ReviewRun) {
	st := o.repo(run.Request.RepositoryID)
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.inflight[run.Request.Revision] == run.ID {
		delete(st.inflight, run.Request.Revision)
	}
}

// estimate is the most expensive provider in the chain; tools are free.
func (o *Orchestrator) estimate(plan models.CategoryPlan, diff analyzer.DiffContext) float64 {
	var est float64
	for _, id := range plan.Providers {
		if p, ok := o.deps.Resolver.Provider(id); ok {
			if e := p.EstimateCost(diff); e > est {
				est = e
			}
		}
	}
	return est
}

func (o *Orchestrator) execute(ctx context.Context, run *models.ReviewRun, cfg models.RepositoryConfig) {
	defer o.release(run)

	req := run.Request
	log := o.log.WithFields(logrus.Fields{
		"run_id":     run.ID,
		"repository": req.RepositoryID,
		"revision":   req.Revision,
	})

	ctx, cancel := context.WithTimeout(ctx, o.runTimeout)
	defer cancel()

	run.State = models.RunStateDispatching

	diff, diffErr := o.diff(ctx, req)
	if diffErr != nil {
		log.WithError(diffErr).Warn("diff unavailable")
	}

	if o.deps.Workspaces != nil && cfg.Checkout != "" && req.Subject != models.SubjectIssue {
		dir, release, err := o.deps.Workspaces.Prepare(ctx, cfg.Checkout, req.Revision)
		if err != nil {
			// providers still review the diff
			log.WithError(err).Warn("checkout unavailable, static tools skipped")
			cfg.Checkout = ""
		} else {
			defer release()
			cfg.Checkout = dir
		}
	}

	results := make([]dispatch.CategoryResult, len(req.Categories))
	var wg sync.WaitGroup
	for i, c := range req.Categories {
		plan := cfg.Preferences.For(c)
		est := o.estimate(plan, diff)

		res, ok := o.deps.Ledger.TryReserve(req.RepositoryID, c, est)
		if !ok {
			log.WithFields(logrus.Fields{"category": c, "estimate_usd": est}).Info("category skipped, budget")
			results[i] = dispatch.CategoryResult{
				Category: c,
				Outcome:  models.OutcomeSkippedBudget,
				Reason:   fmt.Sprintf("%v: estimated $%.4f exceeds the monthly cost ceiling", models.ErrBudgetExceeded, est),
			}
			continue
		}
		if diffErr != nil {
			o.deps.Ledger.Commit(res, 0)
			results[i] = dispatch.CategoryResult{Category: c, Outcome: models.OutcomeError, Reason: "diff unavailable"}
			continue
		}

		task := o.task(run, c, plan, cfg, diff)
		wg.Add(1)
		go func(i int, res ledger.Reservation) {
			defer wg.Done()
			r := o.deps.Pool.RunCategory(ctx, task)
			o.deps.Ledger.Commit(res, r.CostUSD)
			results[i] = r
		}(i, res)
	}
	wg.Wait()

	run.State = models.RunStateAggregating
	agg := aggregate.Aggregate(results)
	run.Findings = agg.Findings
	run.Summary = agg.Summary
	run.Outcomes = agg.Outcomes
	for _, r := range results {
		run.CostUSD += r.CostUSD
		run.Calls = append(run.Calls, r.Calls...)
	}

	finished := o.now().UTC()
	run.FinishedAt = &finished
	run.State = models.RunStateCompleted

	if err := o.persist(ctx, run); err != nil {
		run.State = models.RunStateFailed
		run.Error = err.Error()
		log.WithError(err).Error("review run failed")
		o.publish(run)
		return
	}

	log.WithFields(logrus.Fields{
		"findings": len(run.Findings),
		"cost_usd": run.CostUSD,
		"partial":  run.Summary.Partial,
	}).Info("review completed")
	o.publish(run)
	o.notify(run)
}

func (o *Orchestrator) task(run *models.ReviewRun, c models.Category, plan models.CategoryPlan, cfg models.RepositoryConfig, diff analyzer.DiffContext) dispatch.Task {
	task := dispatch.Task{
		RunID:    run.ID,
		Category: c,
		Diff:     diff,
		Target: analyzer.Target{
			Repository: run.Request.RepositoryID,
			Revision:   run.Request.Revision,
			Dir:        cfg.Checkout,
			Files:      diff.Files,
		},
	}
	// Static tools need a checkout, and issue plans have no code to scan.
	if cfg.Checkout != "" && run.Request.Subject != models.SubjectIssue {
		for _, id := range plan.Tools {
			if t, ok := o.deps.Resolver.Tool(id); ok {
				task.Tools = append(task.Tools, t)
			} else {
				o.log.WithFields(logrus.Fields{"run_id": run.ID, "analyzer": id}).Warn("unknown tool")
			}
		}
	}
	for _, id := range plan.Providers {
		if p, ok := o.deps.Resolver.Provider(id); ok {
			task.Providers = append(task.Providers, p)
		} else {
			o.log.WithFields(logrus.Fields{"run_id": run.ID, "analyzer": id}).Warn("unknown provider")
		}
	}
	return task
}

func (o *Orchestrator) diff(ctx context.Context, req models.ReviewRequest) (analyzer.DiffContext, error) {
	if o.deps.Diffs == nil {
		return analyzer.DiffContext{
			Repository: req.RepositoryID,
			Revision:   req.Revision,
			Number:     req.Number,
			Title:      req.Title,
		}, nil
	}
	return o.deps.Diffs.Diff(ctx, req)
}

// persist saves a terminal run exactly once. The run ceiling does not apply:
// a run that used all of its time still gets recorded.
func (o *Orchestrator) persist(ctx context.Context, run *models.ReviewRun) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
	defer cancel()
	if err := o.deps.Sink.SaveReviewRun(ctx, run); err != nil {
		return fmt.Errorf("%w: %v", models.ErrPersistenceFailure, err)
	}
	return nil
}

func (o *Orchestrator) publish(run *models.ReviewRun) {
	if o.deps.Events != nil {
		o.deps.Events.Publish(models.NewRunEvent(run, o.now().UTC()))
	}
}

// notify posts the comment without holding up the run; the notifier bounds
// its own retries.
func (o *Orchestrator) notify(run *models.ReviewRun) {
	if o.deps.Notifier == nil {
		return
	}
	summary := models.FindingSummary{
		RunID:    run.ID,
		Subject:  run.Request.Subject,
		Number:   run.Request.Number,
		Summary:  run.Summary,
		Findings: run.Findings,
		CostUSD:  run.CostUSD,
	}
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		ctx, cancel := context.WithTimeout(context.WithoutCancel(o.base), 2*time.Minute)
		defer cancel()
		err := o.deps.Notifier.PostReviewComment(ctx, run.Request.RepositoryID, run.Request.Revision, summary)
		if err != nil {
			o.log.WithError(err).WithField("run_id", run.ID).Warn("post review comment")
		}
	}()
}

func closed() chan struct{} {
	c := make(chan struct{})
	close(c)
	return c
}
