// Package intake turns normalized trigger events into review requests and
// submits each unit of work to the orchestrator at most once.
package intake

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/joescharf/reviewd/internal/models"
	"github.com/joescharf/reviewd/internal/orchestrator"
)

// DefaultDedupWindow is how long a delivered event suppresses identical ones.
const DefaultDedupWindow = 10 * time.Minute

// Event is a trigger already reduced to what the engine needs.
type Event struct {
	RepositoryID string
	Revision     string
	Subject      models.Subject
	Number       int
	Title        string
	Trigger      models.TriggerKind
	Actor        string
	// Categories optionally narrows the review; empty means every category
	// the repository enables.
	Categories []models.Category
}

// Decision is the result of Submit.
type Decision struct {
	Admitted bool                 `json:"admitted"`
	Reason   models.RejectReason  `json:"reason,omitempty"`
	RunID    string               `json:"run_id,omitempty"`
	Handle   *orchestrator.Handle `json:"-"`
}

// ConfigProvider is the Repository Config Provider.
type ConfigProvider interface {
	GetConfig(ctx context.Context, repositoryID string) (models.RepositoryConfig, error)
}

// Submitter admits review requests.
type Submitter interface {
	Submit(ctx context.Context, req models.ReviewRequest, cfg models.RepositoryConfig) (*orchestrator.Handle, error)
}

// Intake deduplicates events and resolves their category set.
type Intake struct {
	configs ConfigProvider
	orch    Submitter
	window  time.Duration
	log     logrus.FieldLogger
	now     func() time.Time

	mu   sync.Mutex
	seen map[string]*delivery
}

type delivery struct {
	until  time.Time
	handle *orchestrator.Handle // nil while admission is in progress
}

// New creates an Intake. A window of zero uses DefaultDedupWindow.
func New(configs ConfigProvider, orch Submitter, window time.Duration, log logrus.FieldLogger) *Intake {
	if window <= 0 {
		window = DefaultDedupWindow
	}
	if log == nil {
		l := logrus.New()
		l.SetOutput(io.Discard)
		log = l
	}
	return &Intake{
		configs: configs,
		orch:    orch,
		window:  window,
		log:     log,
		now:     time.Now,
		seen:    make(map[string]*delivery),
	}
}

// IdempotencyKey identifies identical deliveries of one event.
func IdempotencyKey(repositoryID, revision string, trigger models.TriggerKind) string {
	sum := sha256.Sum256([]byte(repositoryID + "\x00" + revision + "\x00" + string(trigger)))
	return hex.EncodeToString(sum[:])
}

// Submit decides whether ev becomes a review run. Rejections are reported in
// the Decision; the error is non-nil only for rejections so callers can use
// errors.Is(err, models.ErrAdmissionRejected).
func (in *Intake) Submit(ctx context.Context, ev Event) (Decision, error) {
	if ev.Subject == "" {
		ev.Subject = models.SubjectRevision
	}
	log := in.log.WithFields(logrus.Fields{
		"repository": ev.RepositoryID,
		"revision":   ev.Revision,
		"trigger":    ev.Trigger,
		"actor":      ev.Actor,
	})

	key := IdempotencyKey(ev.RepositoryID, ev.Revision, ev.Trigger)
	if !in.claim(key) {
		log.Debug("duplicate delivery dropped")
		return reject(models.RejectDuplicateDelivery, "")
	}

	d, err := in.submit(ctx, ev)
	in.settle(key, d.Handle)
	if err != nil {
		log.WithError(err).Info("event not admitted")
	}
	return d, err
}

func (in *Intake) submit(ctx context.Context, ev Event) (Decision, error) {
	cfg, err := in.configs.GetConfig(ctx, ev.RepositoryID)
	if err != nil {
		in.log.WithError(err).WithField("repository", ev.RepositoryID).Warn("repository config unavailable")
		return reject(models.RejectConfigUnavailable, "")
	}
	if !cfg.AutoReviewEnabled && ev.Trigger != models.TriggerManual {
		return reject(models.RejectAutoReviewDisabled, "")
	}
	cats := cfg.EnabledCategories(ev.Categories)
	if len(cats) == 0 {
		return reject(models.RejectNoCategories, "")
	}

	req := models.ReviewRequest{
		RepositoryID: ev.RepositoryID,
		Revision:     ev.Revision,
		Subject:      ev.Subject,
		Number:       ev.Number,
		Title:        ev.Title,
		Trigger:      ev.Trigger,
		Actor:        ev.Actor,
		Categories:   cats,
		RequestedAt:  in.now().UTC(),
	}
	h, err := in.orch.Submit(ctx, req, cfg)
	if err != nil {
		var d Decision
		if h != nil {
			d.RunID = h.RunID
		}
		if reason, ok := models.RejectionReason(err); ok {
			d.Reason = reason
		}
		return d, err
	}
	return Decision{Admitted: true, RunID: h.RunID, Handle: h}, nil
}

// claim reserves key unless an identical event is in the window or still
// being processed.
func (in *Intake) claim(key string) bool {
	in.mu.Lock()
	defer in.mu.Unlock()

	now := in.now()
	in.sweep(now)
	if d, ok := in.seen[key]; ok {
		if d.handle == nil || now.Before(d.until) || !isDone(d.handle) {
			return false
		}
	}
	in.seen[key] = &delivery{until: now.Add(in.window)}
	return true
}

// settle records the admitted run for key, or forgets key if nothing was
// admitted so a later delivery is evaluated afresh.
func (in *Intake) settle(key string, h *orchestrator.Handle) {
	in.mu.Lock()
	defer in.mu.Unlock()
	if h == nil {
		delete(in.seen, key)
		return
	}
	if d, ok := in.seen[key]; ok {
		d.handle = h
	}
}

// sweep drops expired entries whose run has finished. Caller holds in.mu.
func (in *Intake) sweep(now time.Time) {
	for k, d := range in.seen {
		if d.handle != nil && !now.Before(d.until) && isDone(d.handle) {
			delete(in.seen, k)
		}
	}
}

func isDone(h *orchestrator.Handle) bool {
	select {
	case <-h.Done():
		return true
	default:
		return false
	}
}

func reject(reason models.RejectReason, runID string) (Decision, error) {
	return Decision{Reason: reason, RunID: runID}, &models.AdmissionError{Reason: reason, RunID: runID}
}

// IsRejected reports whether err is an admission rejection.
func IsRejected(err error) bool {
	return errors.Is(err, models.ErrAdmissionRejected)
}
