package api

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joescharf/reviewd/internal/events"
	"github.com/joescharf/reviewd/internal/intake"
	"github.com/joescharf/reviewd/internal/ledger"
	"github.com/joescharf/reviewd/internal/models"
	"github.com/joescharf/reviewd/internal/store"
)

const secret = "s3cret"

type fakeIntake struct {
	mu     sync.Mutex
	events []intake.Event
	reject models.RejectReason
}

func (f *fakeIntake) Submit(_ context.Context, ev intake.Event) (intake.Decision, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, ev)
	if f.reject != "" {
		return intake.Decision{Reason: f.reject}, models.Rejected(f.reject)
	}
	return intake.Decision{Admitted: true, RunID: "run-1"}, nil
}

type fakeHeads struct{}

func (fakeHeads) HeadSHA(_ context.Context, _ string, number int) (string, string, error) {
	return "head-sha", "PR title", nil
}

type testEnv struct {
	router http.Handler
	intake *fakeIntake
	store  store.Store
	ledger *ledger.Ledger
	bus    *events.Bus
}

func setupTestServer(t *testing.T) *testEnv {
	t.Helper()
	dir := t.TempDir()
	s, err := store.NewSQLiteStore(filepath.Join(dir, "test.db"))
	require.NoError(t, err)
	require.NoError(t, s.Migrate(context.Background()))
	t.Cleanup(func() { s.Close() })

	env := &testEnv{
		intake: &fakeIntake{},
		store:  s,
		ledger: ledger.New(),
		bus:    events.NewBus(10),
	}
	srv := NewServer(Config{
		Intake:        env.intake,
		Runs:          s,
		Usage:         env.ledger,
		Events:        env.bus,
		Heads:         fakeHeads{},
		WebhookSecret: []byte(secret),
		GitLabToken:   "gl-token",
	})
	env.router = srv.Router()
	return env
}

func (e *testEnv) do(req *http.Request) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func githubRequest(event, body string) *http.Request {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(body))
	req := httptest.NewRequest(http.MethodPost, "/webhooks/github", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-GitHub-Event", event)
	req.Header.Set("X-Hub-Signature-256", "sha256="+hex.EncodeToString(mac.Sum(nil)))
	return req
}

func jsonRequest(method, target, body string) *http.Request {
	req := httptest.NewRequest(method, target, bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	return req
}

func decode(t *testing.T, w *httptest.ResponseRecorder) decisionResponse {
	t.Helper()
	var d decisionResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &d))
	return d
}

const prOpened = `{"action":"opened","number":4,"pull_request":{"number":4,"title":"t","head":{"sha":"abc"}},"repository":{"full_name":"acme/app"},"sender":{"login":"lee"}}`

func TestHealth(t *testing.T) {
	env := setupTestServer(t)
	w := env.do(httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "ok")
}

func TestGitHubWebhook_Accepted(t *testing.T) {
	env := setupTestServer(t)

	w := env.do(githubRequest("pull_request", prOpened))
	assert.Equal(t, http.StatusAccepted, w.Code)
	d := decode(t, w)
	assert.Equal(t, "accepted", d.Status)
	assert.Equal(t, "run-1", d.RunID)

	require.Len(t, env.intake.events, 1)
	assert.Equal(t, "acme/app", env.intake.events[0].RepositoryID)
	assert.Equal(t, "abc", env.intake.events[0].Revision)
}

func TestGitHubWebhook_Rejections(t *testing.T) {
	cases := []struct {
		reason models.RejectReason
		status int
	}{
		{models.RejectDuplicateDelivery, http.StatusOK},
		{models.RejectDuplicate, http.StatusConflict},
		{models.RejectQuota, http.StatusTooManyRequests},
		{models.RejectBudget, http.StatusTooManyRequests},
		{models.RejectConfigUnavailable, http.StatusServiceUnavailable},
		{models.RejectNoCategories, http.StatusBadRequest},
	}
	for _, tc := range cases {
		t.Run(string(tc.reason), func(t *testing.T) {
			env := setupTestServer(t)
			env.intake.reject = tc.reason

			w := env.do(githubRequest("pull_request", prOpened))
			assert.Equal(t, tc.status, w.Code)
			assert.Equal(t, tc.reason, decode(t, w).Reason)
		})
	}
}

func TestGitHubWebhook_BadSignature(t *testing.T) {
	env := setupTestServer(t)
	req := githubRequest("pull_request", prOpened)
	req.Header.Set("X-Hub-Signature-256", "sha256=00")

	w := env.do(req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Empty(t, env.intake.events)
}

func TestGitHubWebhook_Ignored(t *testing.T) {
	env := setupTestServer(t)
	w := env.do(githubRequest("pull_request", strings.Replace(prOpened, "opened", "closed", 1)))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "ignored")
	assert.Empty(t, env.intake.events)
}

func TestGitHubWebhook_CommentResolvesHead(t *testing.T) {
	env := setupTestServer(t)
	body := `{"action":"created","issue":{"number":4,"pull_request":{"url":"x"}},"comment":{"body":"/review security"},"repository":{"full_name":"acme/app"},"sender":{"login":"lee"}}`

	w := env.do(githubRequest("issue_comment", body))
	assert.Equal(t, http.StatusAccepted, w.Code)
	require.Len(t, env.intake.events, 1)
	ev := env.intake.events[0]
	assert.Equal(t, "head-sha", ev.Revision)
	assert.Equal(t, "PR title", ev.Title)
	assert.Equal(t, models.TriggerManual, ev.Trigger)
	assert.Equal(t, []models.Category{models.CategorySecurity}, ev.Categories)
}

func TestGitLabWebhook(t *testing.T) {
	env := setupTestServer(t)
	body := `{"user":{"username":"dana"},"project":{"path_with_namespace":"g/app"},"object_attributes":{"iid":2,"action":"open","last_commit":{"id":"def"}}}`

	req := jsonRequest(http.MethodPost, "/webhooks/gitlab", body)
	req.Header.Set("X-Gitlab-Event", "Merge Request Hook")
	req.Header.Set("X-Gitlab-Token", "gl-token")
	w := env.do(req)
	assert.Equal(t, http.StatusAccepted, w.Code)
	require.Len(t, env.intake.events, 1)
	assert.Equal(t, "def", env.intake.events[0].Revision)

	req = jsonRequest(http.MethodPost, "/webhooks/gitlab", body)
	req.Header.Set("X-Gitlab-Event", "Merge Request Hook")
	req.Header.Set("X-Gitlab-Token", "wrong")
	assert.Equal(t, http.StatusUnauthorized, env.do(req).Code)
}

func TestCreateReview(t *testing.T) {
	env := setupTestServer(t)

	w := env.do(jsonRequest(http.MethodPost, "/api/v1/reviews", `{"repository":"acme/app","revision":"abc","categories":["iac","security"],"actor":"ops"}`))
	assert.Equal(t, http.StatusAccepted, w.Code)
	require.Len(t, env.intake.events, 1)
	ev := env.intake.events[0]
	assert.Equal(t, models.TriggerManual, ev.Trigger)
	assert.Equal(t, []models.Category{models.CategorySecurity, models.CategoryIaC}, ev.Categories)
}

func TestCreateReview_Issue(t *testing.T) {
	env := setupTestServer(t)

	w := env.do(jsonRequest(http.MethodPost, "/api/v1/reviews", `{"repository":"acme/app","subject":"issue","number":8}`))
	assert.Equal(t, http.StatusAccepted, w.Code)
	require.Len(t, env.intake.events, 1)
	assert.Equal(t, "issue-8", env.intake.events[0].Revision)
	assert.Equal(t, models.SubjectIssue, env.intake.events[0].Subject)
}

func TestCreateReview_BadInput(t *testing.T) {
	env := setupTestServer(t)
	for _, body := range []string{
		`{"revision":"abc"}`,
		`{"repository":"acme/app"}`,
		`{"repository":"acme/app","revision":"abc","categories":["style"]}`,
		`{"repository":"acme/app","subject":"issue"}`,
		`{"repository":"acme/app","revision":"abc","subject":"wiki"}`,
		`{not json`,
	} {
		w := env.do(jsonRequest(http.MethodPost, "/api/v1/reviews", body))
		assert.Equal(t, http.StatusBadRequest, w.Code, body)
	}
	assert.Empty(t, env.intake.events)
}

func TestRuns(t *testing.T) {
	env := setupTestServer(t)
	now := time.Now().UTC()
	run := &models.ReviewRun{
		ID:        models.NewID(),
		Request:   models.ReviewRequest{RepositoryID: "acme/app", Revision: "abc", Trigger: models.TriggerManual, Subject: models.SubjectRevision, RequestedAt: now},
		State:     models.RunStateCompleted,
		StartedAt: now,
		Summary:   models.Summary{BySeverity: map[models.Severity]int{}},
	}
	require.NoError(t, env.store.SaveReviewRun(context.Background(), run))

	w := env.do(httptest.NewRequest(http.MethodGet, "/api/v1/runs?repository=acme/app", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	var runs []*models.ReviewRun
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &runs))
	require.Len(t, runs, 1)
	assert.Equal(t, run.ID, runs[0].ID)

	w = env.do(httptest.NewRequest(http.MethodGet, "/api/v1/runs/"+run.ID, nil))
	assert.Equal(t, http.StatusOK, w.Code)

	w = env.do(httptest.NewRequest(http.MethodGet, "/api/v1/runs/nope", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = env.do(httptest.NewRequest(http.MethodGet, "/api/v1/runs?limit=-1", nil))
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestUsage(t *testing.T) {
	env := setupTestServer(t)
	env.ledger.SetLimits("acme/app", ledger.Limits{DailyReviews: 5})
	require.True(t, env.ledger.TryAdmit("acme/app", models.SubjectRevision))

	w := env.do(httptest.NewRequest(http.MethodGet, "/api/v1/usage?repository=acme/app", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	var win models.Window
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &win))
	assert.Equal(t, 1, win.ReviewsToday)

	w = env.do(httptest.NewRequest(http.MethodGet, "/api/v1/usage", nil))
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestEvents_Recent(t *testing.T) {
	env := setupTestServer(t)
	env.bus.Publish(models.RunEvent{Type: models.EventCompleted, RunID: "a"})
	env.bus.Publish(models.RunEvent{Type: models.EventRejected, RunID: "b"})

	w := env.do(httptest.NewRequest(http.MethodGet, "/api/v1/events?limit=1", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	var evs []models.RunEvent
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &evs))
	require.Len(t, evs, 1)
	assert.Equal(t, "b", evs[0].RunID)
}
