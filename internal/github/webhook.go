package github

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/google/go-github/v39/github"

	"github.com/joescharf/reviewd/internal/intake"
	"github.com/joescharf/reviewd/internal/models"
)

// ReviewCommand triggers a manual review from a pull request comment.
const ReviewCommand = "/review"

// ErrIgnored marks deliveries that carry no review work.
var ErrIgnored = errors.New("event ignored")

// Delivery is a parsed webhook. Revision is empty when it has to be resolved
// from the pull request head (comment triggers).
type Delivery struct {
	ID    string
	Type  string
	Event intake.Event
}

// ParseWebhook validates the signature of r and extracts the review trigger
// it carries. Deliveries that do not trigger a review return ErrIgnored.
func ParseWebhook(r *http.Request, secret []byte) (Delivery, error) {
	payload, err := github.ValidatePayload(r, secret)
	if err != nil {
		return Delivery{}, fmt.Errorf("validate payload: %w", err)
	}
	d := Delivery{
		ID:   github.DeliveryID(r),
		Type: github.WebHookType(r),
	}
	d.Event, err = ParseEvent(d.Type, payload)
	return d, err
}

// ParseEvent extracts the review trigger from a webhook payload.
func ParseEvent(eventType string, payload []byte) (intake.Event, error) {
	raw, err := github.ParseWebHook(eventType, payload)
	if err != nil {
		return intake.Event{}, fmt.Errorf("parse %s event: %w", eventType, err)
	}

	switch ev := raw.(type) {
	case *github.PullRequestEvent:
		switch ev.GetAction() {
		case "opened", "synchronize", "reopened", "ready_for_review":
		default:
			return intake.Event{}, ErrIgnored
		}
		if ev.GetPullRequest().GetDraft() {
			return intake.Event{}, ErrIgnored
		}
		return intake.Event{
			RepositoryID: ev.GetRepo().GetFullName(),
			Revision:     ev.GetPullRequest().GetHead().GetSHA(),
			Subject:      models.SubjectRevision,
			Number:       ev.GetNumber(),
			Title:        ev.GetPullRequest().GetTitle(),
			Trigger:      models.TriggerWebhook,
			Actor:        ev.GetSender().GetLogin(),
		}, nil

	case *github.IssuesEvent:
		if ev.GetAction() != "opened" {
			return intake.Event{}, ErrIgnored
		}
		return intake.Event{
			RepositoryID: ev.GetRepo().GetFullName(),
			Revision:     IssueRevision(ev.GetIssue().GetNumber()),
			Subject:      models.SubjectIssue,
			Number:       ev.GetIssue().GetNumber(),
			Title:        ev.GetIssue().GetTitle(),
			Trigger:      models.TriggerWebhook,
			Actor:        ev.GetSender().GetLogin(),
		}, nil

	case *github.IssueCommentEvent:
		if ev.GetAction() != "created" || !ev.GetIssue().IsPullRequest() {
			return intake.Event{}, ErrIgnored
		}
		cats, ok := ParseReviewCommand(ev.GetComment().GetBody())
		if !ok {
			return intake.Event{}, ErrIgnored
		}
		return intake.Event{
			RepositoryID: ev.GetRepo().GetFullName(),
			Subject:      models.SubjectRevision,
			Number:       ev.GetIssue().GetNumber(),
			Title:        ev.GetIssue().GetTitle(),
			Trigger:      models.TriggerManual,
			Actor:        ev.GetSender().GetLogin(),
			Categories:   cats,
		}, nil
	}
	return intake.Event{}, ErrIgnored
}

// IssueRevision is the revision key used for issue plans.
func IssueRevision(number int) string {
	return fmt.Sprintf("issue-%d", number)
}

// ParseReviewCommand finds a "/review [category ...]" line in a comment.
// Unknown words after the command are ignored.
func ParseReviewCommand(body string) ([]models.Category, bool) {
	for _, line := range strings.Split(body, "\n") {
		fields := strings.Fields(line)
		if len(fields) == 0 || fields[0] != ReviewCommand {
			continue
		}
		var cats []models.Category
		for _, f := range fields[1:] {
			if c, err := models.ParseCategory(f); err == nil {
				cats = append(cats, c)
			}
		}
		return cats, true
	}
	return nil, false
}
