package ledger

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joescharf/reviewd/internal/models"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	c.t = t
	c.mu.Unlock()
}

func newTestLedger(t *testing.T) (*Ledger, *fakeClock) {
	t.Helper()
	clock := &fakeClock{t: time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)}
	return NewWithClock(clock.Now), clock
}

func TestTryAdmit_DailyQuota(t *testing.T) {
	l, _ := newTestLedger(t)
	l.SetLimits("acme/api", Limits{DailyReviews: 2})

	assert.True(t, l.TryAdmit("acme/api", models.SubjectRevision))
	assert.True(t, l.TryAdmit("acme/api", models.SubjectRevision))
	assert.False(t, l.TryAdmit("acme/api", models.SubjectRevision))

	w := l.Snapshot("acme/api")
	assert.Equal(t, 2, w.ReviewsToday, "denied admission must not count")
}

func TestTryAdmit_IssuePlansSeparateQuota(t *testing.T) {
	l, _ := newTestLedger(t)
	l.SetLimits("acme/api", Limits{DailyReviews: 1, DailyIssuePlans: 1})

	assert.True(t, l.TryAdmit("acme/api", models.SubjectRevision))
	assert.True(t, l.TryAdmit("acme/api", models.SubjectIssue))
	assert.False(t, l.TryAdmit("acme/api", models.SubjectIssue))

	w := l.Snapshot("acme/api")
	assert.Equal(t, 1, w.ReviewsToday)
	assert.Equal(t, 1, w.IssuePlansToday)
}

func TestTryAdmit_Unlimited(t *testing.T) {
	l, _ := newTestLedger(t)
	for i := 0; i < 100; i++ {
		require.True(t, l.TryAdmit("acme/api", models.SubjectRevision))
	}
}

func TestTryAdmit_ResetsAtUTCDay(t *testing.T) {
	l, clock := newTestLedger(t)
	l.SetLimits("acme/api", Limits{DailyReviews: 1})

	assert.True(t, l.TryAdmit("acme/api", models.SubjectRevision))
	assert.False(t, l.TryAdmit("acme/api", models.SubjectRevision))

	clock.Set(time.Date(2026, 3, 15, 0, 0, 1, 0, time.UTC))
	assert.True(t, l.TryAdmit("acme/api", models.SubjectRevision))
}

func TestTryReserve_MonthlyCeiling(t *testing.T) {
	l, _ := newTestLedger(t)
	l.SetLimits("acme/api", Limits{MonthlyCostUSD: 1.0})

	res, ok := l.TryReserve("acme/api", models.CategorySecurity, 0.6)
	require.True(t, ok)
	assert.Equal(t, 0.6, res.EstimateUSD)

	_, ok = l.TryReserve("acme/api", models.CategoryIaC, 0.6)
	assert.False(t, ok, "outstanding reservation counts against ceiling")

	l.Commit(res, 0.2)
	_, ok = l.TryReserve("acme/api", models.CategoryIaC, 0.6)
	assert.True(t, ok, "commit releases unused estimate")
}

func TestCommit_OverrunFlipsExceeded(t *testing.T) {
	l, _ := newTestLedger(t)
	l.SetLimits("acme/api", Limits{MonthlyCostUSD: 1.0})

	res, ok := l.TryReserve("acme/api", models.CategorySecurity, 0.1)
	require.True(t, ok)
	l.Commit(res, 1.5)

	w := l.Snapshot("acme/api")
	assert.True(t, w.Exceeded)
	assert.InDelta(t, 1.5, w.CostThisMonth, 1e-9)
	assert.Zero(t, w.ReservedUSD)

	_, ok = l.TryReserve("acme/api", models.CategorySecurity, 0)
	assert.False(t, ok, "exceeded window denies even zero-cost holds")
	assert.False(t, l.CanAfford("acme/api", 0))
}

func TestExceeded_ResetsAtUTCMonth(t *testing.T) {
	l, clock := newTestLedger(t)
	l.SetLimits("acme/api", Limits{MonthlyCostUSD: 1.0})

	res, _ := l.TryReserve("acme/api", models.CategorySecurity, 0.5)
	l.Commit(res, 2)
	require.True(t, l.Snapshot("acme/api").Exceeded)

	clock.Set(time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC))
	w := l.Snapshot("acme/api")
	assert.False(t, w.Exceeded)
	assert.Zero(t, w.CostThisMonth)
}

func TestCounters_NeverNegative(t *testing.T) {
	l, _ := newTestLedger(t)
	l.Commit(Reservation{RepositoryID: "acme/api", EstimateUSD: 5}, -3)

	w := l.Snapshot("acme/api")
	assert.Zero(t, w.ReservedUSD)
	assert.Zero(t, w.CostThisMonth)
}

func TestSeed(t *testing.T) {
	l, _ := newTestLedger(t)
	l.SetLimits("acme/api", Limits{DailyReviews: 3, MonthlyCostUSD: 10})

	l.Seed("acme/api", models.Window{Day: "2026-03-14", Month: "2026-03", ReviewsToday: 3, CostThisMonth: 4})
	assert.False(t, l.TryAdmit("acme/api", models.SubjectRevision))
	assert.InDelta(t, 4.0, l.Snapshot("acme/api").CostThisMonth, 1e-9)

	// Stale windows are ignored.
	l.Seed("other/repo", models.Window{Day: "2026-03-13", Month: "2026-02", ReviewsToday: 9, CostThisMonth: 9})
	w := l.Snapshot("other/repo")
	assert.Zero(t, w.ReviewsToday)
	assert.Zero(t, w.CostThisMonth)
}

func TestTryAdmit_ConcurrentNeverOvercounts(t *testing.T) {
	l, _ := newTestLedger(t)
	l.SetLimits("acme/api", Limits{DailyReviews: 10})

	var wg sync.WaitGroup
	var mu sync.Mutex
	admitted := 0
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if l.TryAdmit("acme/api", models.SubjectRevision) {
				mu.Lock()
				admitted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 10, admitted)
	assert.Equal(t, 10, l.Snapshot("acme/api").ReviewsToday)
}
