package api

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/sirupsen/logrus"

	"github.com/joescharf/reviewd/internal/github"
	"github.com/joescharf/reviewd/internal/gitlab"
	"github.com/joescharf/reviewd/internal/intake"
	"github.com/joescharf/reviewd/internal/models"
	"github.com/joescharf/reviewd/internal/store"
)

// Submitter is the intake stage.
type Submitter interface {
	Submit(ctx context.Context, ev intake.Event) (intake.Decision, error)
}

// RunReader reads persisted runs.
type RunReader interface {
	GetReviewRun(ctx context.Context, id string) (*models.ReviewRun, error)
	ListReviewRuns(ctx context.Context, filter store.RunFilter) ([]*models.ReviewRun, error)
}

// UsageReader reports the live ledger window of a repository.
type UsageReader interface {
	Snapshot(repo string) models.Window
}

// EventSource is the terminal event bus.
type EventSource interface {
	Recent(limit int) []models.RunEvent
	Subscribe(buffer int) (<-chan models.RunEvent, func())
}

// HeadResolver finds the head commit of a pull request for comment triggers.
type HeadResolver interface {
	HeadSHA(ctx context.Context, repository string, number int) (string, string, error)
}

// Config holds the collaborators of a Server. Events and Heads may be nil.
type Config struct {
	Intake        Submitter
	Runs          RunReader
	Usage         UsageReader
	Events        EventSource
	Heads         HeadResolver
	WebhookSecret []byte
	GitLabToken   string
	// WaitTimeout bounds synchronous review requests.
	WaitTimeout time.Duration
	Log         *logrus.Logger
}

// Server provides the webhook and REST API handlers.
type Server struct {
	cfg Config
	log *logrus.Logger
}

// NewServer creates a new API server.
func NewServer(cfg Config) *Server {
	log := cfg.Log
	if log == nil {
		log = logrus.New()
		log.SetOutput(io.Discard)
	}
	if cfg.WaitTimeout <= 0 {
		cfg.WaitTimeout = 15 * time.Minute
	}
	return &Server{cfg: cfg, log: log}
}

// Router returns an http.Handler for the API routes.
func (s *Server) Router() http.Handler {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())
	e.Use(middleware.BodyLimit("5M"))
	e.Use(LoggingMiddleware(s.log))

	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
	})

	e.POST("/webhooks/github", s.githubWebhook)
	e.POST("/webhooks/gitlab", s.gitlabWebhook)

	v1 := e.Group("/api/v1")
	v1.POST("/reviews", s.createReview)
	v1.GET("/runs", s.listRuns)
	v1.GET("/runs/:id", s.getRun)
	v1.GET("/usage", s.usage)
	v1.GET("/events", s.events)

	return e
}

func writeError(c echo.Context, status int, msg string) error {
	return c.JSON(status, map[string]string{"error": msg})
}

// decisionResponse is the body returned for every submitted event.
type decisionResponse struct {
	Status string              `json:"status"`
	RunID  string              `json:"run_id,omitempty"`
	Reason models.RejectReason `json:"reason,omitempty"`
	Run    *models.ReviewRun   `json:"run,omitempty"`
}

// statusFor maps an admission outcome to an HTTP status.
func statusFor(reason models.RejectReason) int {
	switch reason {
	case "":
		return http.StatusAccepted
	case models.RejectDuplicateDelivery:
		return http.StatusOK
	case models.RejectDuplicate:
		return http.StatusConflict
	case models.RejectQuota, models.RejectBudget:
		return http.StatusTooManyRequests
	case models.RejectConfigUnavailable:
		return http.StatusServiceUnavailable
	case models.RejectAutoReviewDisabled:
		return http.StatusForbidden
	default:
		return http.StatusBadRequest
	}
}

func (s *Server) submit(c echo.Context, ev intake.Event) error {
	d, err := s.cfg.Intake.Submit(c.Request().Context(), ev)
	if err != nil && !intake.IsRejected(err) {
		return writeError(c, http.StatusInternalServerError, err.Error())
	}
	resp := decisionResponse{Status: "accepted", RunID: d.RunID, Reason: d.Reason}
	if !d.Admitted {
		resp.Status = "rejected"
		if d.Reason == models.RejectDuplicateDelivery {
			resp.Status = "duplicate"
		}
	}
	return c.JSON(statusFor(d.Reason), resp)
}

// --- Webhooks ---

func (s *Server) githubWebhook(c echo.Context) error {
	d, err := github.ParseWebhook(c.Request(), s.cfg.WebhookSecret)
	switch {
	case errors.Is(err, github.ErrIgnored):
		return c.JSON(http.StatusOK, map[string]string{"status": "ignored"})
	case err != nil:
		s.log.WithError(err).WithField("delivery", d.ID).Warn("rejected github webhook")
		return writeError(c, http.StatusUnauthorized, err.Error())
	}

	ev := d.Event
	if ev.Revision == "" {
		if s.cfg.Heads == nil || ev.Number == 0 {
			return writeError(c, http.StatusUnprocessableEntity, "cannot resolve revision")
		}
		sha, title, err := s.cfg.Heads.HeadSHA(c.Request().Context(), ev.RepositoryID, ev.Number)
		if err != nil {
			return writeError(c, http.StatusBadGateway, err.Error())
		}
		ev.Revision = sha
		if ev.Title == "" {
			ev.Title = title
		}
	}
	return s.submit(c, ev)
}

func (s *Server) gitlabWebhook(c echo.Context) error {
	ev, err := gitlab.ParseWebhook(c.Request(), s.cfg.GitLabToken)
	switch {
	case errors.Is(err, gitlab.ErrIgnored):
		return c.JSON(http.StatusOK, map[string]string{"status": "ignored"})
	case errors.Is(err, gitlab.ErrInvalidToken):
		return writeError(c, http.StatusUnauthorized, err.Error())
	case err != nil:
		return writeError(c, http.StatusBadRequest, err.Error())
	}
	return s.submit(c, ev)
}

// --- Reviews ---

type reviewRequest struct {
	Repository string   `json:"repository"`
	Revision   string   `json:"revision"`
	Number     int      `json:"number"`
	Title      string   `json:"title"`
	Subject    string   `json:"subject"`
	Categories []string `json:"categories"`
	Actor      string   `json:"actor"`
	// Wait blocks until the run is terminal and returns it.
	Wait bool `json:"wait"`
}

func (s *Server) createReview(c echo.Context) error {
	var req reviewRequest
	if err := c.Bind(&req); err != nil {
		return writeError(c, http.StatusBadRequest, "invalid JSON")
	}
	if req.Repository == "" {
		return writeError(c, http.StatusBadRequest, "repository is required")
	}
	cats, err := models.ParseCategories(req.Categories)
	if err != nil {
		return writeError(c, http.StatusBadRequest, err.Error())
	}

	ev := intake.Event{
		RepositoryID: req.Repository,
		Revision:     req.Revision,
		Subject:      models.Subject(req.Subject),
		Number:       req.Number,
		Title:        req.Title,
		Trigger:      models.TriggerManual,
		Actor:        req.Actor,
		Categories:   cats,
	}
	switch ev.Subject {
	case "", models.SubjectRevision:
		if ev.Revision == "" {
			return writeError(c, http.StatusBadRequest, "revision is required")
		}
	case models.SubjectIssue:
		if ev.Number <= 0 {
			return writeError(c, http.StatusBadRequest, "issue number is required")
		}
		if ev.Revision == "" {
			ev.Revision = github.IssueRevision(ev.Number)
		}
	default:
		return writeError(c, http.StatusBadRequest, fmt.Sprintf("unknown subject %q", req.Subject))
	}

	if !req.Wait {
		return s.submit(c, ev)
	}

	d, err := s.cfg.Intake.Submit(c.Request().Context(), ev)
	if err != nil {
		if intake.IsRejected(err) {
			return c.JSON(statusFor(d.Reason), decisionResponse{Status: "rejected", RunID: d.RunID, Reason: d.Reason})
		}
		return writeError(c, http.StatusInternalServerError, err.Error())
	}
	ctx, cancel := context.WithTimeout(c.Request().Context(), s.cfg.WaitTimeout)
	defer cancel()
	run, err := d.Handle.Wait(ctx)
	if err != nil {
		return c.JSON(http.StatusAccepted, decisionResponse{Status: "accepted", RunID: d.RunID})
	}
	return c.JSON(http.StatusOK, decisionResponse{Status: string(run.State), RunID: run.ID, Run: run})
}

// --- Runs ---

func (s *Server) listRuns(c echo.Context) error {
	filter := store.RunFilter{
		RepositoryID: c.QueryParam("repository"),
		Revision:     c.QueryParam("revision"),
		State:        models.RunState(c.QueryParam("state")),
		Limit:        50,
	}
	if v := c.QueryParam("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return writeError(c, http.StatusBadRequest, "invalid limit")
		}
		filter.Limit = n
	}
	runs, err := s.cfg.Runs.ListReviewRuns(c.Request().Context(), filter)
	if err != nil {
		return writeError(c, http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, runs)
}

func (s *Server) getRun(c echo.Context) error {
	run, err := s.cfg.Runs.GetReviewRun(c.Request().Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, models.ErrRunNotFound) {
			return writeError(c, http.StatusNotFound, err.Error())
		}
		return writeError(c, http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, run)
}

// --- Usage & events ---

func (s *Server) usage(c echo.Context) error {
	repo := c.QueryParam("repository")
	if repo == "" {
		return writeError(c, http.StatusBadRequest, "repository is required")
	}
	return c.JSON(http.StatusOK, s.cfg.Usage.Snapshot(repo))
}

func (s *Server) events(c echo.Context) error {
	if s.cfg.Events == nil {
		return c.JSON(http.StatusOK, []models.RunEvent{})
	}
	if c.QueryParam("stream") != "true" {
		limit := 50
		if v, err := strconv.Atoi(c.QueryParam("limit")); err == nil && v > 0 {
			limit = v
		}
		return c.JSON(http.StatusOK, s.cfg.Events.Recent(limit))
	}
	return s.streamEvents(c)
}

// streamEvents writes terminal events as server-sent events until the
// client disconnects.
func (s *Server) streamEvents(c echo.Context) error {
	ch, cancel := s.cfg.Events.Subscribe(64)
	defer cancel()

	w := c.Response()
	w.Header().Set(echo.HeaderContentType, "text/event-stream")
	w.Header().Set(echo.HeaderCacheControl, "no-cache")
	w.Header().Set(echo.HeaderConnection, "keep-alive")
	w.WriteHeader(http.StatusOK)
	w.Flush()

	enc := c.Echo().JSONSerializer
	for {
		select {
		case <-c.Request().Context().Done():
			return nil
		case ev, ok := <-ch:
			if !ok {
				return nil
			}
			fmt.Fprintf(w, "event: %s\ndata: ", ev.Type)
			if err := enc.Serialize(c, ev, ""); err != nil {
				return err
			}
			fmt.Fprint(w, "\n")
			w.Flush()
		}
	}
}
