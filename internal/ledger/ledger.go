// Package ledger tracks per-repository review counts and monthly spend.
//
// State is sharded by repository id so that admission on one repository never
// waits on another. Day and month counters reset lazily on access, keyed to
// UTC calendar boundaries.
package ledger

import (
	"sync"
	"time"

	"github.com/joescharf/reviewd/internal/models"
)

// Limits are the ceilings applied to one repository. Zero means unlimited.
type Limits struct {
	DailyReviews    int
	DailyIssuePlans int
	MonthlyCostUSD  float64
}

// Reservation is an optimistic hold on budget for one category dispatch.
type Reservation struct {
	RepositoryID string
	Category     models.Category
	EstimateUSD  float64
}

// Ledger is safe for concurrent use.
type Ledger struct {
	mu     sync.Mutex
	shards map[string]*shard
	now    func() time.Time
}

type shard struct {
	mu       sync.Mutex
	limits   Limits
	day      string
	month    string
	reviews  int
	plans    int
	spent    float64
	reserved float64
	exceeded bool
}

// New returns an empty ledger using the wall clock.
func New() *Ledger {
	return NewWithClock(time.Now)
}

// NewWithClock returns a ledger that reads time from now.
func NewWithClock(now func() time.Time) *Ledger {
	return &Ledger{
		shards: make(map[string]*shard),
		now:    now,
	}
}

func (l *Ledger) shard(repo string) *shard {
	l.mu.Lock()
	defer l.mu.Unlock()
	s, ok := l.shards[repo]
	if !ok {
		s = &shard{}
		l.shards[repo] = s
	}
	return s
}

// roll resets counters whose window has passed. Caller holds s.mu.
func (s *shard) roll(now time.Time) {
	now = now.UTC()
	day := now.Format("2006-01-02")
	month := now.Format("2006-01")
	if s.day != day {
		s.day = day
		s.reviews = 0
		s.plans = 0
	}
	if s.month != month {
		s.month = month
		s.spent = 0
		s.exceeded = false
	}
}

// SetLimits records the ceilings for repo, as read from its configuration.
func (l *Ledger) SetLimits(repo string, limits Limits) {
	s := l.shard(repo)
	s.mu.Lock()
	s.limits = limits
	s.mu.Unlock()
}

// TryAdmit checks the daily quota for subject and, when there is room,
// increments it. Counting happens only on success.
func (l *Ledger) TryAdmit(repo string, subject models.Subject) bool {
	s := l.shard(repo)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.roll(l.now())

	if subject == models.SubjectIssue {
		if s.limits.DailyIssuePlans > 0 && s.plans >= s.limits.DailyIssuePlans {
			return false
		}
		s.plans++
		return true
	}
	if s.limits.DailyReviews > 0 && s.reviews >= s.limits.DailyReviews {
		return false
	}
	s.reviews++
	return true
}

// CanAfford reports whether estimate fits the monthly ceiling without
// reserving anything.
func (l *Ledger) CanAfford(repo string, estimate float64) bool {
	s := l.shard(repo)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.roll(l.now())
	return s.affords(estimate)
}

// affords is the shared budget predicate. Caller holds s.mu.
func (s *shard) affords(estimate float64) bool {
	if s.exceeded {
		return false
	}
	if s.limits.MonthlyCostUSD <= 0 {
		return true
	}
	return s.spent+s.reserved+estimate <= s.limits.MonthlyCostUSD
}

// TryReserve holds estimate against the monthly ceiling for one category.
// It returns false, reserving nothing, if the hold would exceed the ceiling
// or the window has already been flipped to exceeded.
func (l *Ledger) TryReserve(repo string, category models.Category, estimate float64) (Reservation, bool) {
	if estimate < 0 {
		estimate = 0
	}
	s := l.shard(repo)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.roll(l.now())

	if !s.affords(estimate) {
		return Reservation{}, false
	}
	s.reserved += estimate
	return Reservation{RepositoryID: repo, Category: category, EstimateUSD: estimate}, true
}

// Commit releases a reservation and books the actual cost. If the booked
// spend reaches the ceiling, later reservations in this month are denied;
// the run that spent it is unaffected.
func (l *Ledger) Commit(res Reservation, actual float64) {
	if actual < 0 {
		actual = 0
	}
	s := l.shard(res.RepositoryID)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.roll(l.now())

	s.reserved -= res.EstimateUSD
	if s.reserved < 0 {
		s.reserved = 0
	}
	s.spent += actual
	if s.limits.MonthlyCostUSD > 0 && s.spent >= s.limits.MonthlyCostUSD {
		s.exceeded = true
	}
}

// Seed restores counters from persisted usage, typically at startup. Values
// only ever raise the in-memory counters.
func (l *Ledger) Seed(repo string, w models.Window) {
	s := l.shard(repo)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.roll(l.now())

	if w.Day == s.day {
		s.reviews = max(s.reviews, w.ReviewsToday)
		s.plans = max(s.plans, w.IssuePlansToday)
	}
	if w.Month == s.month {
		s.spent = max(s.spent, w.CostThisMonth)
		if s.limits.MonthlyCostUSD > 0 && s.spent >= s.limits.MonthlyCostUSD {
			s.exceeded = true
		}
	}
}

// Snapshot returns the current window for repo.
func (l *Ledger) Snapshot(repo string) models.Window {
	s := l.shard(repo)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.roll(l.now())
	return models.Window{
		RepositoryID:    repo,
		Day:             s.day,
		Month:           s.month,
		ReviewsToday:    s.reviews,
		IssuePlansToday: s.plans,
		CostThisMonth:   s.spent,
		ReservedUSD:     s.reserved,
		Exceeded:        s.exceeded,
	}
}
