package dispatch

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joescharf/reviewd/internal/analyzer"
	"github.com/joescharf/reviewd/internal/models"
)

type fakeProvider struct {
	id       string
	findings []models.RawFinding
	err      error
	cost     float64
	// cancelCost is reported when ctx ends before delay elapses.
	cancelCost float64
	delay      time.Duration
	block      chan struct{} // when set, Review ignores ctx and waits on it
	calls      atomic.Int32
}

func (f *fakeProvider) ID() string                                { return f.id }
func (f *fakeProvider) EstimateCost(analyzer.DiffContext) float64 { return f.cost }

func (f *fakeProvider) Review(ctx context.Context, _ models.Category, _ analyzer.DiffContext) (analyzer.Result, error) {
	f.calls.Add(1)
	if f.block != nil {
		<-f.block
	}
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return analyzer.Result{CostUSD: f.cancelCost}, ctx.Err()
		}
	}
	return analyzer.Result{Findings: f.findings, CostUSD: f.cost}, f.err
}

type fakeTool struct {
	id       string
	findings []models.RawFinding
	errs     []error // returned in order, then nil
	calls    atomic.Int32
}

func (f *fakeTool) ID() string { return f.id }

func (f *fakeTool) Run(_ context.Context, _ analyzer.Target) ([]models.RawFinding, error) {
	n := int(f.calls.Add(1))
	if n <= len(f.errs) && f.errs[n-1] != nil {
		return nil, f.errs[n-1]
	}
	return f.findings, nil
}

func finding(title string) models.RawFinding {
	return models.RawFinding{Severity: "major", Path: "a.go", StartLine: 1, EndLine: 1, Title: title}
}

func TestRunCategoryFallbackOnError(t *testing.T) {
	pool := New(Options{Workers: 2, AnalyzerTimeout: time.Second}, nil)
	primary := &fakeProvider{id: "primary", err: errors.New("500 internal"), cost: 0.01}
	secondary := &fakeProvider{id: "secondary", findings: []models.RawFinding{finding("from secondary")}, cost: 0.02}

	res := pool.RunCategory(context.Background(), Task{
		RunID:     "run1",
		Category:  models.CategorySecurity,
		Providers: []analyzer.Provider{primary, secondary},
	})

	assert.Equal(t, models.OutcomeSuccess, res.Outcome)
	require.Len(t, res.Calls, 2)
	assert.Equal(t, "primary", res.Calls[0].Analyzer)
	assert.Equal(t, models.OutcomeError, res.Calls[0].Outcome)
	assert.Equal(t, 1, res.Calls[0].Attempt)
	assert.Equal(t, "secondary", res.Calls[1].Analyzer)
	assert.Equal(t, models.OutcomeSuccess, res.Calls[1].Outcome)
	assert.Equal(t, 2, res.Calls[1].Attempt)
	assert.InDelta(t, 0.03, res.CostUSD, 1e-9)

	require.Len(t, res.Analyzers, 1)
	assert.Equal(t, "secondary", res.Analyzers[0].Analyzer)
	require.Len(t, res.Analyzers[0].Findings, 1)
	assert.Equal(t, "from secondary", res.Analyzers[0].Findings[0].Title)
}

func TestRunCategoryTimeoutEndsChain(t *testing.T) {
	pool := New(Options{Workers: 2, AnalyzerTimeout: 30 * time.Millisecond}, nil)
	primary := &fakeProvider{id: "primary", delay: time.Second}
	secondary := &fakeProvider{id: "secondary"}

	res := pool.RunCategory(context.Background(), Task{
		Category:  models.CategoryFramework,
		Providers: []analyzer.Provider{primary, secondary},
	})

	assert.Equal(t, models.OutcomeTimeout, res.Outcome)
	require.Len(t, res.Calls, 1)
	assert.Equal(t, int32(0), secondary.calls.Load())
}

func TestTimedOutCallKeepsReportedCost(t *testing.T) {
	pool := New(Options{Workers: 4, AnalyzerTimeout: 5 * time.Millisecond}, nil)
	billed := &fakeProvider{id: "billed", delay: time.Second, cancelCost: 0.25}

	for i := 0; i < 20; i++ {
		res := pool.RunCategory(context.Background(), Task{
			Category:  models.CategorySecurity,
			Providers: []analyzer.Provider{billed},
		})
		assert.Equal(t, models.OutcomeTimeout, res.Outcome)
		require.Len(t, res.Calls, 1)
		assert.Equal(t, models.OutcomeTimeout, res.Calls[0].Outcome)
		assert.InDelta(t, 0.25, res.Calls[0].CostUSD, 1e-9)
		assert.InDelta(t, 0.25, res.CostUSD, 1e-9)
	}
}

func TestTimeoutWithUncooperativeAdapter(t *testing.T) {
	block := make(chan struct{})
	defer close(block)

	deadline := 40 * time.Millisecond
	pool := New(Options{Workers: 1, AnalyzerTimeout: deadline}, nil)
	hung := &fakeProvider{id: "hung", block: block}

	start := time.Now()
	res := pool.RunCategory(context.Background(), Task{
		Category:  models.CategorySecurity,
		Providers: []analyzer.Provider{hung},
	})
	elapsed := time.Since(start)

	assert.Equal(t, models.OutcomeTimeout, res.Outcome)
	assert.Less(t, elapsed, deadline+500*time.Millisecond)
	require.Len(t, res.Calls, 1)
	assert.Equal(t, models.OutcomeTimeout, res.Calls[0].Outcome)
}

func TestToolRetriedOnceOnError(t *testing.T) {
	pool := New(Options{Workers: 2, AnalyzerTimeout: time.Second}, nil)

	t.Run("second attempt succeeds", func(t *testing.T) {
		tool := &fakeTool{id: "gosec", errs: []error{errors.New("flaky")}, findings: []models.RawFinding{finding("x")}}
		res := pool.RunCategory(context.Background(), Task{Category: models.CategorySecurity, Tools: []analyzer.StaticAnalyzer{tool}})
		assert.Equal(t, models.OutcomeSuccess, res.Outcome)
		assert.Equal(t, int32(2), tool.calls.Load())
		assert.Len(t, res.Calls, 2)
	})

	t.Run("gives up after one retry", func(t *testing.T) {
		tool := &fakeTool{id: "gosec", errs: []error{errors.New("a"), errors.New("b"), errors.New("c")}}
		res := pool.RunCategory(context.Background(), Task{Category: models.CategorySecurity, Tools: []analyzer.StaticAnalyzer{tool}})
		assert.Equal(t, models.OutcomeError, res.Outcome)
		assert.Equal(t, int32(2), tool.calls.Load())
		assert.Contains(t, res.Reason, "gosec: error")
	})

	t.Run("retries disabled", func(t *testing.T) {
		p := New(Options{ToolRetries: -1}, nil)
		tool := &fakeTool{id: "gosec", errs: []error{errors.New("a")}}
		res := p.RunCategory(context.Background(), Task{Category: models.CategorySecurity, Tools: []analyzer.StaticAnalyzer{tool}})
		assert.Equal(t, models.OutcomeError, res.Outcome)
		assert.Equal(t, int32(1), tool.calls.Load())
	})
}

func TestCategorySuccessWithPartialSlots(t *testing.T) {
	pool := New(Options{Workers: 4, AnalyzerTimeout: 30 * time.Millisecond}, nil)
	tool := &fakeTool{id: "checkov", findings: []models.RawFinding{finding("open port")}}
	slow := &fakeProvider{id: "claude", delay: time.Second}

	res := pool.RunCategory(context.Background(), Task{
		Category:  models.CategoryIaC,
		Tools:     []analyzer.StaticAnalyzer{tool},
		Providers: []analyzer.Provider{slow},
	})

	assert.Equal(t, models.OutcomeSuccess, res.Outcome)
	assert.Contains(t, res.Reason, "claude: timeout")
	require.Len(t, res.Analyzers, 2)
	assert.Equal(t, models.OutcomeSuccess, res.Analyzers[0].Outcome)
	assert.Equal(t, models.OutcomeTimeout, res.Analyzers[1].Outcome)
}

func TestNoAnalyzers(t *testing.T) {
	res := New(Options{}, nil).RunCategory(context.Background(), Task{Category: models.CategoryIaC})
	assert.Equal(t, models.OutcomeError, res.Outcome)
	assert.Equal(t, "no analyzers configured", res.Reason)
}

func TestPoolBoundsConcurrency(t *testing.T) {
	pool := New(Options{Workers: 2, AnalyzerTimeout: time.Second}, nil)

	var active, peak atomic.Int32
	tools := make([]analyzer.StaticAnalyzer, 6)
	for i := range tools {
		tools[i] = toolFunc(func(ctx context.Context) {
			n := active.Add(1)
			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}
			time.Sleep(20 * time.Millisecond)
			active.Add(-1)
		})
	}

	res := pool.RunCategory(context.Background(), Task{Category: models.CategoryBestPractices, Tools: tools})
	assert.Equal(t, models.OutcomeSuccess, res.Outcome)
	assert.LessOrEqual(t, peak.Load(), int32(2))
}

func TestRunCeilingCancelsQueuedCalls(t *testing.T) {
	block := make(chan struct{})
	defer close(block)

	pool := New(Options{Workers: 1, AnalyzerTimeout: time.Second}, nil)
	hog := &fakeProvider{id: "hog", block: block}
	go pool.RunCategory(context.Background(), Task{Category: models.CategorySecurity, Providers: []analyzer.Provider{hog}})
	require.Eventually(t, func() bool { return hog.calls.Load() == 1 }, time.Second, 5*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	queued := &fakeProvider{id: "queued"}
	res := pool.RunCategory(ctx, Task{Category: models.CategoryIaC, Providers: []analyzer.Provider{queued}})

	assert.Equal(t, models.OutcomeTimeout, res.Outcome)
	assert.Equal(t, int32(0), queued.calls.Load())
}

type toolFunc func(ctx context.Context)

func (toolFunc) ID() string { return "fn" }

func (f toolFunc) Run(ctx context.Context, _ analyzer.Target) ([]models.RawFinding, error) {
	f(ctx)
	return nil, nil
}
