package intake

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joescharf/reviewd/internal/analyzer"
	"github.com/joescharf/reviewd/internal/dispatch"
	"github.com/joescharf/reviewd/internal/ledger"
	"github.com/joescharf/reviewd/internal/models"
	"github.com/joescharf/reviewd/internal/orchestrator"
)

type staticConfigs struct {
	cfg models.RepositoryConfig
	err error
}

func (s staticConfigs) GetConfig(context.Context, string) (models.RepositoryConfig, error) {
	return s.cfg, s.err
}

type gatedProvider struct {
	gate  chan struct{}
	calls atomic.Int32
}

func (p *gatedProvider) ID() string                                { return "claude" }
func (p *gatedProvider) EstimateCost(analyzer.DiffContext) float64 { return 0 }

func (p *gatedProvider) Review(ctx context.Context, _ models.Category, _ analyzer.DiffContext) (analyzer.Result, error) {
	p.calls.Add(1)
	select {
	case <-p.gate:
		return analyzer.Result{}, nil
	case <-ctx.Done():
		return analyzer.Result{}, ctx.Err()
	}
}

type nopSink struct{}

func (nopSink) SaveReviewRun(context.Context, *models.ReviewRun) error { return nil }

// recordingSubmitter captures the requests intake builds.
type recordingSubmitter struct {
	mu   sync.Mutex
	reqs []models.ReviewRequest
}

func (r *recordingSubmitter) Submit(_ context.Context, req models.ReviewRequest, _ models.RepositoryConfig) (*orchestrator.Handle, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reqs = append(r.reqs, req)
	return nil, models.Rejected(models.RejectQuota)
}

func enabledConfig() models.RepositoryConfig {
	return models.RepositoryConfig{
		ID:                "acme/api",
		AutoReviewEnabled: true,
		Categories:        []models.Category{models.CategorySecurity, models.CategoryIaC},
		Preferences: models.ProviderPreferences{
			Security: models.CategoryPlan{Providers: []string{"claude"}},
			IaC:      models.CategoryPlan{Providers: []string{"claude"}},
		},
	}
}

func newOrchestrator(t *testing.T, p analyzer.Provider) *orchestrator.Orchestrator {
	t.Helper()
	reg := analyzer.NewRegistry()
	reg.AddProvider(p)
	o := orchestrator.New(orchestrator.Deps{
		Ledger:   ledger.New(),
		Pool:     dispatch.New(dispatch.Options{Workers: 2, AnalyzerTimeout: 5 * time.Second}, nil),
		Resolver: reg,
		Sink:     nopSink{},
	}, orchestrator.Options{})
	t.Cleanup(o.Close)
	return o
}

func event(trigger models.TriggerKind) Event {
	return Event{RepositoryID: "acme/api", Revision: "abc123", Trigger: trigger, Actor: "octocat"}
}

func TestDuplicateDeliveryDropped(t *testing.T) {
	p := &gatedProvider{gate: make(chan struct{})}
	in := New(staticConfigs{cfg: enabledConfig()}, newOrchestrator(t, p), time.Minute, nil)
	ctx := context.Background()

	first, err := in.Submit(ctx, event(models.TriggerWebhook))
	require.NoError(t, err)
	assert.True(t, first.Admitted)
	assert.NotEmpty(t, first.RunID)

	second, err := in.Submit(ctx, event(models.TriggerWebhook))
	assert.True(t, IsRejected(err))
	assert.False(t, second.Admitted)
	assert.Equal(t, models.RejectDuplicateDelivery, second.Reason)

	close(p.gate)
	run, err := first.Handle.Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, models.RunStateCompleted, run.State)

	// Still inside the window after the run finished.
	third, err := in.Submit(ctx, event(models.TriggerWebhook))
	assert.Error(t, err)
	assert.Equal(t, models.RejectDuplicateDelivery, third.Reason)
}

func TestDedupWindowExpires(t *testing.T) {
	p := &gatedProvider{gate: make(chan struct{})}
	close(p.gate)
	in := New(staticConfigs{cfg: enabledConfig()}, newOrchestrator(t, p), time.Minute, nil)
	now := time.Now()
	in.now = func() time.Time { return now }
	ctx := context.Background()

	first, err := in.Submit(ctx, event(models.TriggerWebhook))
	require.NoError(t, err)
	_, err = first.Handle.Wait(ctx)
	require.NoError(t, err)

	now = now.Add(2 * time.Minute)
	second, err := in.Submit(ctx, event(models.TriggerWebhook))
	require.NoError(t, err)
	assert.True(t, second.Admitted)
	assert.NotEqual(t, first.RunID, second.RunID)
	_, _ = second.Handle.Wait(ctx)
}

func TestDifferentTriggerIsNotADuplicateDelivery(t *testing.T) {
	p := &gatedProvider{gate: make(chan struct{})}
	in := New(staticConfigs{cfg: enabledConfig()}, newOrchestrator(t, p), time.Minute, nil)
	ctx := context.Background()

	_, err := in.Submit(ctx, event(models.TriggerWebhook))
	require.NoError(t, err)

	// Same revision, different trigger: intake passes it on and the
	// orchestrator rejects it as an in-flight duplicate.
	d, err := in.Submit(ctx, event(models.TriggerPoll))
	assert.True(t, IsRejected(err))
	assert.Equal(t, models.RejectDuplicate, d.Reason)
	close(p.gate)
}

func TestConcurrentDeliveries(t *testing.T) {
	p := &gatedProvider{gate: make(chan struct{})}
	in := New(staticConfigs{cfg: enabledConfig()}, newOrchestrator(t, p), time.Minute, nil)

	var admitted atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 25; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if d, err := in.Submit(context.Background(), event(models.TriggerWebhook)); err == nil && d.Admitted {
				admitted.Add(1)
			}
		}()
	}
	wg.Wait()
	close(p.gate)
	assert.Equal(t, int32(1), admitted.Load())
}

func TestConfigUnavailableFailsClosed(t *testing.T) {
	sub := &recordingSubmitter{}
	in := New(staticConfigs{err: errors.New("config service down")}, sub, time.Minute, nil)

	d, err := in.Submit(context.Background(), event(models.TriggerWebhook))
	assert.True(t, IsRejected(err))
	assert.Equal(t, models.RejectConfigUnavailable, d.Reason)
	assert.Empty(t, sub.reqs)

	// A rejected delivery does not occupy the dedup window.
	_, err = in.Submit(context.Background(), event(models.TriggerWebhook))
	reason, _ := models.RejectionReason(err)
	assert.Equal(t, models.RejectConfigUnavailable, reason)
}

func TestAutoReviewDisabledAcceptsOnlyManual(t *testing.T) {
	cfg := enabledConfig()
	cfg.AutoReviewEnabled = false
	sub := &recordingSubmitter{}
	in := New(staticConfigs{cfg: cfg}, sub, time.Minute, nil)
	ctx := context.Background()

	for _, trig := range []models.TriggerKind{models.TriggerWebhook, models.TriggerPoll} {
		d, err := in.Submit(ctx, event(trig))
		assert.Error(t, err)
		assert.Equal(t, models.RejectAutoReviewDisabled, d.Reason)
	}
	assert.Empty(t, sub.reqs)

	_, _ = in.Submit(ctx, event(models.TriggerManual))
	require.Len(t, sub.reqs, 1)
	assert.Equal(t, models.TriggerManual, sub.reqs[0].Trigger)
}

func TestCategoryResolution(t *testing.T) {
	sub := &recordingSubmitter{}
	in := New(staticConfigs{cfg: enabledConfig()}, sub, time.Minute, nil)
	ctx := context.Background()

	_, _ = in.Submit(ctx, event(models.TriggerWebhook))
	require.Len(t, sub.reqs, 1)
	assert.Equal(t, []models.Category{models.CategorySecurity, models.CategoryIaC}, sub.reqs[0].Categories)
	assert.Equal(t, models.SubjectRevision, sub.reqs[0].Subject)

	ev := event(models.TriggerManual)
	ev.Categories = []models.Category{models.CategoryIaC, models.CategoryFramework}
	_, _ = in.Submit(ctx, ev)
	require.Len(t, sub.reqs, 2)
	assert.Equal(t, []models.Category{models.CategoryIaC}, sub.reqs[1].Categories)

	ev.Revision = "def456"
	ev.Categories = []models.Category{models.CategoryFramework}
	d, err := in.Submit(ctx, ev)
	assert.Error(t, err)
	assert.Equal(t, models.RejectNoCategories, d.Reason)
}

func TestIdempotencyKey(t *testing.T) {
	a := IdempotencyKey("acme/api", "abc", models.TriggerWebhook)
	assert.Equal(t, a, IdempotencyKey("acme/api", "abc", models.TriggerWebhook))
	assert.NotEqual(t, a, IdempotencyKey("acme/api", "abc", models.TriggerPoll))
	assert.NotEqual(t, a, IdempotencyKey("acme/ap", "iabc", models.TriggerWebhook))
}
