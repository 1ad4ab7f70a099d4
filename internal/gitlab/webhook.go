// Package gitlab parses GitLab merge request webhooks into intake events.
package gitlab

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"io"
	"net/http"

	"gitlab.com/gitlab-org/api/client-go"

	"github.com/joescharf/reviewd/internal/intake"
	"github.com/joescharf/reviewd/internal/models"
)

const tokenHeader = "X-Gitlab-Token"

// maxPayloadBytes bounds webhook bodies.
const maxPayloadBytes = 5 << 20

var (
	ErrInvalidToken = errors.New("invalid gitlab token")
	ErrIgnored      = errors.New("event ignored")
)

// ParseWebhook checks the shared token and extracts a review trigger from a
// merge request event. Anything else returns ErrIgnored.
func ParseWebhook(r *http.Request, token string) (intake.Event, error) {
	got := r.Header.Get(tokenHeader)
	if token != "" && subtle.ConstantTimeCompare([]byte(got), []byte(token)) != 1 {
		return intake.Event{}, ErrInvalidToken
	}
	eventType := gitlab.HookEventType(r)
	if eventType != gitlab.EventTypeMergeRequest {
		return intake.Event{}, ErrIgnored
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, maxPayloadBytes))
	if err != nil {
		return intake.Event{}, fmt.Errorf("read payload: %w", err)
	}
	return ParseEvent(eventType, body)
}

// ParseEvent decodes a hook payload of the given type.
func ParseEvent(eventType gitlab.EventType, body []byte) (intake.Event, error) {
	raw, err := gitlab.ParseWebhook(eventType, body)
	if err != nil {
		return intake.Event{}, fmt.Errorf("parse %s: %w", eventType, err)
	}
	ev, ok := raw.(*gitlab.MergeEvent)
	if !ok {
		return intake.Event{}, ErrIgnored
	}

	attrs := ev.ObjectAttributes
	switch attrs.Action {
	case "open", "reopen", "update":
	default:
		return intake.Event{}, ErrIgnored
	}
	if attrs.Draft || attrs.LastCommit.ID == "" {
		return intake.Event{}, ErrIgnored
	}

	actor := ""
	if ev.User != nil {
		actor = ev.User.Username
	}
	return intake.Event{
		RepositoryID: ev.Project.PathWithNamespace,
		Revision:     attrs.LastCommit.ID,
		Subject:      models.SubjectRevision,
		Number:       int(attrs.IID),
		Title:        attrs.Title,
		Trigger:      models.TriggerWebhook,
		Actor:        actor,
	}, nil
}
