// Package dispatch runs analyzer invocations on a bounded, system-wide pool.
//
// Every invocation holds one pool slot for as long as the adapter actually
// runs and is bounded by a per-analyzer deadline. A call that overruns its
// deadline is reported as a timeout at the deadline even if the adapter is
// slow to return.
package dispatch

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"

	"github.com/joescharf/reviewd/internal/analyzer"
	"github.com/joescharf/reviewd/internal/models"
)

// Defaults applied when Options leaves a field zero.
const (
	DefaultWorkers         = 8
	DefaultAnalyzerTimeout = 2 * time.Minute
	DefaultToolRetries     = 1
	DefaultCostGrace       = 250 * time.Millisecond
)

// Options configures a Pool.
type Options struct {
	Workers         int
	AnalyzerTimeout time.Duration
	// ToolRetries is the number of immediate re-invocations of a static tool
	// after an error. Negative disables them.
	ToolRetries int
	// CostGrace is how long a timed-out call may still take to report what
	// it cost. Negative disables the wait.
	CostGrace time.Duration
}

// Pool bounds concurrent external calls across all in-flight runs.
type Pool struct {
	sem         *semaphore.Weighted
	workers     int
	timeout     time.Duration
	toolRetries int
	costGrace   time.Duration
	log         logrus.FieldLogger
	now         func() time.Time
}

// New creates a pool. A nil logger discards log output.
func New(opts Options, log logrus.FieldLogger) *Pool {
	if opts.Workers <= 0 {
		opts.Workers = DefaultWorkers
	}
	if opts.AnalyzerTimeout <= 0 {
		opts.AnalyzerTimeout = DefaultAnalyzerTimeout
	}
	if opts.ToolRetries == 0 {
		opts.ToolRetries = DefaultToolRetries
	}
	if opts.ToolRetries < 0 {
		opts.ToolRetries = 0
	}
	if opts.CostGrace == 0 {
		opts.CostGrace = DefaultCostGrace
	}
	if opts.CostGrace < 0 {
		opts.CostGrace = 0
	}
	if log == nil {
		l := logrus.New()
		l.SetOutput(io.Discard)
		log = l
	}
	return &Pool{
		sem:         semaphore.NewWeighted(int64(opts.Workers)),
		workers:     opts.Workers,
		timeout:     opts.AnalyzerTimeout,
		toolRetries: opts.ToolRetries,
		costGrace:   opts.CostGrace,
		log:         log,
		now:         time.Now,
	}
}

// Workers reports the pool size.
func (p *Pool) Workers() int { return p.workers }

// Task is the work for one category of one run.
type Task struct {
	RunID    string
	Category models.Category
	Tools    []analyzer.StaticAnalyzer
	// Providers is the fallback chain, highest priority first.
	Providers []analyzer.Provider
	Target    analyzer.Target
	Diff      analyzer.DiffContext
}

// AnalyzerOutcome is the settled result of one analyzer slot: a static tool,
// or the provider fallback chain as a whole.
type AnalyzerOutcome struct {
	Analyzer string
	Kind     models.AnalyzerKind
	Outcome  models.Outcome
	Findings []models.RawFinding
	Err      error
}

// CategoryResult holds one outcome per analyzer slot of a category plus the
// audit record of every attempt made.
type CategoryResult struct {
	Category  models.Category
	Outcome   models.Outcome
	Reason    string
	Analyzers []AnalyzerOutcome
	Calls     []models.AnalyzerCall
	CostUSD   float64
}

// RunCategory runs every tool and the provider chain of task concurrently
// and waits for all of them to settle. It never returns before each slot has
// an outcome, and never later than the per-analyzer deadlines allow.
func (p *Pool) RunCategory(ctx context.Context, task Task) CategoryResult {
	res := CategoryResult{Category: task.Category}
	if len(task.Tools) == 0 && len(task.Providers) == 0 {
		res.Outcome = models.OutcomeError
		res.Reason = "no analyzers configured"
		return res
	}

	slots := len(task.Tools)
	if len(task.Providers) > 0 {
		slots++
	}
	outcomes := make([]AnalyzerOutcome, slots)
	calls := make([][]models.AnalyzerCall, slots)

	var wg sync.WaitGroup
	for i, tool := range task.Tools {
		wg.Add(1)
		go func(i int, tool analyzer.StaticAnalyzer) {
			defer wg.Done()
			outcomes[i], calls[i] = p.runTool(ctx, task, tool)
		}(i, tool)
	}
	if len(task.Providers) > 0 {
		i := slots - 1
		wg.Add(1)
		go func() {
			defer wg.Done()
			outcomes[i], calls[i] = p.runProviders(ctx, task)
		}()
	}
	wg.Wait()

	res.Analyzers = outcomes
	for _, c := range calls {
		for _, call := range c {
			res.CostUSD += call.CostUSD
		}
		res.Calls = append(res.Calls, c...)
	}
	res.Outcome, res.Reason = settle(outcomes)
	return res
}

// settle folds slot outcomes into a category outcome: success if any slot
// succeeded, otherwise timeout if any slot timed out, otherwise error.
func settle(outcomes []AnalyzerOutcome) (models.Outcome, string) {
	var failed []string
	var success, timeout bool
	for _, o := range outcomes {
		switch o.Outcome {
		case models.OutcomeSuccess:
			success = true
			continue
		case models.OutcomeTimeout:
			timeout = true
		}
		failed = append(failed, fmt.Sprintf("%s: %s", o.Analyzer, o.Outcome))
	}
	reason := strings.Join(failed, "; ")
	switch {
	case success:
		return models.OutcomeSuccess, reason
	case timeout:
		return models.OutcomeTimeout, reason
	default:
		return models.OutcomeError, reason
	}
}

func (p *Pool) runTool(ctx context.Context, task Task, tool analyzer.StaticAnalyzer) (AnalyzerOutcome, []models.AnalyzerCall) {
	out := AnalyzerOutcome{Analyzer: tool.ID(), Kind: models.AnalyzerTool}
	var calls []models.AnalyzerCall

	for attempt := 1; attempt <= 1+p.toolRetries; attempt++ {
		var findings []models.RawFinding
		call, err := p.invoke(ctx, task, tool.ID(), models.AnalyzerTool, attempt, func(ctx context.Context) (analyzer.Result, error) {
			f, err := tool.Run(ctx, task.Target)
			findings = f
			return analyzer.Result{Findings: f}, err
		})
		calls = append(calls, call)
		out.Outcome = call.Outcome
		out.Err = err
		if call.Outcome == models.OutcomeSuccess {
			out.Findings = findings
			break
		}
		if call.Outcome == models.OutcomeTimeout || ctx.Err() != nil {
			break
		}
	}
	return out, calls
}

// runProviders walks the fallback chain. An error moves on to the next
// provider; a timeout ends the chain so a slow primary is not billed twice.
func (p *Pool) runProviders(ctx context.Context, task Task) (AnalyzerOutcome, []models.AnalyzerCall) {
	out := AnalyzerOutcome{Kind: models.AnalyzerProvider, Outcome: models.OutcomeError}
	var calls []models.AnalyzerCall

	for i, prov := range task.Providers {
		var result analyzer.Result
		call, err := p.invoke(ctx, task, prov.ID(), models.AnalyzerProvider, i+1, func(ctx context.Context) (analyzer.Result, error) {
			r, err := prov.Review(ctx, task.Category, task.Diff)
			result = r
			return r, err
		})
		calls = append(calls, call)
		out.Analyzer = prov.ID()
		out.Outcome = call.Outcome
		out.Err = err

		if call.Outcome == models.OutcomeSuccess {
			out.Findings = result.Findings
			return out, calls
		}
		if call.Outcome == models.OutcomeTimeout || ctx.Err() != nil {
			return out, calls
		}
		if i < len(task.Providers)-1 {
			p.log.WithFields(logrus.Fields{
				"run_id":   task.RunID,
				"category": task.Category,
				"analyzer": prov.ID(),
			}).WithError(err).Warn("provider failed, falling back")
		}
	}
	return out, calls
}

type callResult struct {
	res analyzer.Result
	err error
}

// invoke runs fn on a pool slot under the per-analyzer deadline and records
// the attempt. The slot is released when fn returns, not when the deadline
// fires, so an adapter that ignores cancellation keeps occupying capacity.
func (p *Pool) invoke(ctx context.Context, task Task, id string, kind models.AnalyzerKind, attempt int, fn func(context.Context) (analyzer.Result, error)) (models.AnalyzerCall, error) {
	call := models.AnalyzerCall{
		ID:       models.NewID(),
		RunID:    task.RunID,
		Analyzer: id,
		Kind:     kind,
		Category: task.Category,
		Attempt:  attempt,
	}

	started := p.now()
	call.StartedAt = started.UTC()

	if err := p.sem.Acquire(ctx, 1); err != nil {
		call.Outcome = models.OutcomeTimeout
		call.Error = "cancelled while queued: " + err.Error()
		return call, fmt.Errorf("%w: %s queued: %v", models.ErrAnalyzerTimeout, id, err)
	}

	cctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	done := make(chan callResult, 1)
	go func() {
		defer p.sem.Release(1)
		r, err := fn(cctx)
		done <- callResult{res: r, err: err}
	}()

	var cr callResult
	settled, timedOut := false, false
	select {
	case cr = <-done:
		settled = true
		if cr.err != nil && cctx.Err() != nil {
			timedOut = true
		}
	case <-cctx.Done():
		timedOut = true
	}
	call.Duration = p.now().Sub(started)
	if !settled && p.costGrace > 0 {
		// The outcome stays timeout, but a billed call's cost must still
		// reach the ledger.
		grace := time.NewTimer(p.costGrace)
		select {
		case cr = <-done:
		case <-grace.C:
		}
		grace.Stop()
	}
	call.InputTokens = cr.res.InputTokens
	call.OutputTokens = cr.res.OutputTokens
	call.CostUSD = cr.res.CostUSD

	log := p.log.WithFields(logrus.Fields{
		"run_id":   task.RunID,
		"category": task.Category,
		"analyzer": id,
		"attempt":  attempt,
	})

	switch {
	case timedOut:
		call.Outcome = models.OutcomeTimeout
		call.Error = "deadline exceeded"
		log.Warn("analyzer timed out")
		return call, fmt.Errorf("%w: %s", models.ErrAnalyzerTimeout, id)
	case cr.err != nil:
		call.Outcome = models.OutcomeError
		call.Error = cr.err.Error()
		log.WithError(cr.err).Warn("analyzer failed")
		return call, fmt.Errorf("%w: %s: %v", models.ErrAnalyzerError, id, cr.err)
	default:
		call.Outcome = models.OutcomeSuccess
		log.WithField("findings", len(cr.res.Findings)).Debug("analyzer finished")
		return call, nil
	}
}
