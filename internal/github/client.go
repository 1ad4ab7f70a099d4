// Package github connects reviewd to GitHub: authenticated API clients,
// webhook parsing, diff retrieval, pull request listing and comments.
package github

import (
	"context"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/go-github/v39/github"
	"golang.org/x/oauth2"
)

// Client wraps the go-github REST client.
type Client struct {
	gh *github.Client
}

// NewTokenClient authenticates with a personal access or installation token.
func NewTokenClient(ctx context.Context, token string) *Client {
	ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token})
	return &Client{gh: github.NewClient(oauth2.NewClient(ctx, ts))}
}

// NewAppClient authenticates as a GitHub App installation. Installation
// tokens are minted from a short-lived JWT and refreshed before they expire.
func NewAppClient(ctx context.Context, appID, installationID int64, privateKeyPEM []byte) (*Client, error) {
	key, err := parsePrivateKey(privateKeyPEM)
	if err != nil {
		return nil, err
	}
	src := &installationTokenSource{
		ctx:            ctx,
		appID:          appID,
		installationID: installationID,
		key:            key,
	}
	return &Client{gh: github.NewClient(oauth2.NewClient(ctx, oauth2.ReuseTokenSource(nil, src)))}, nil
}

// NewClientWithBaseURL is used against GitHub Enterprise and test servers.
func NewClientWithBaseURL(hc *http.Client, baseURL string) (*Client, error) {
	gh := github.NewClient(hc)
	if !strings.HasSuffix(baseURL, "/") {
		baseURL += "/"
	}
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	gh.BaseURL = u
	return &Client{gh: gh}, nil
}

// parsePrivateKey accepts PKCS1 and PKCS8 encoded RSA keys.
func parsePrivateKey(data []byte) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, errors.New("failed to parse PEM block containing the private key")
	}
	if key, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return key, nil
	}
	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse private key: %w", err)
	}
	key, ok := parsed.(*rsa.PrivateKey)
	if !ok {
		return nil, errors.New("private key is not RSA")
	}
	return key, nil
}

// appJWT signs the token GitHub requires to act as the App itself.
func appJWT(appID int64, key *rsa.PrivateKey, now time.Time) (string, error) {
	claims := jwt.MapClaims{
		"iat": now.Add(-30 * time.Second).Unix(), // allow for clock drift
		"exp": now.Add(9 * time.Minute).Unix(),
		"iss": strconv.FormatInt(appID, 10),
	}
	return jwt.NewWithClaims(jwt.SigningMethodRS256, claims).SignedString(key)
}

type installationTokenSource struct {
	ctx            context.Context
	appID          int64
	installationID int64
	key            *rsa.PrivateKey
	baseURL        *url.URL // overrides the API endpoint in tests
}

func (s *installationTokenSource) Token() (*oauth2.Token, error) {
	signed, err := appJWT(s.appID, s.key, time.Now())
	if err != nil {
		return nil, fmt.Errorf("sign app jwt: %w", err)
	}
	appClient := github.NewClient(oauth2.NewClient(s.ctx, oauth2.StaticTokenSource(&oauth2.Token{AccessToken: signed})))
	if s.baseURL != nil {
		appClient.BaseURL = s.baseURL
	}

	tok, _, err := appClient.Apps.CreateInstallationToken(s.ctx, s.installationID, nil)
	if err != nil {
		return nil, fmt.Errorf("create installation token: %w", err)
	}
	return &oauth2.Token{
		AccessToken: tok.GetToken(),
		TokenType:   "token",
		Expiry:      tok.GetExpiresAt(),
	}, nil
}

// SplitRepository splits "owner/name".
func SplitRepository(full string) (owner, name string, err error) {
	parts := strings.SplitN(full, "/", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("invalid repository %q, want owner/name", full)
	}
	return parts[0], parts[1], nil
}

// PullRequest is an open pull request as seen by the poller.
type PullRequest struct {
	Number  int
	Title   string
	HeadSHA string
	Author  string
}

// OpenPullRequests lists every open pull request of repository.
func (c *Client) OpenPullRequests(ctx context.Context, repository string) ([]PullRequest, error) {
	owner, name, err := SplitRepository(repository)
	if err != nil {
		return nil, err
	}
	opts := &github.PullRequestListOptions{
		State:       "open",
		ListOptions: github.ListOptions{PerPage: 100},
	}

	var out []PullRequest
	for {
		prs, resp, err := c.gh.PullRequests.List(ctx, owner, name, opts)
		if err != nil {
			return nil, fmt.Errorf("list pull requests: %w", err)
		}
		for _, pr := range prs {
			if pr.GetDraft() {
				continue
			}
			out = append(out, PullRequest{
				Number:  pr.GetNumber(),
				Title:   pr.GetTitle(),
				HeadSHA: pr.GetHead().GetSHA(),
				Author:  pr.GetUser().GetLogin(),
			})
		}
		if resp.NextPage == 0 {
			break
		}
		opts.Page = resp.NextPage
	}
	return out, nil
}

// HeadSHA returns the head commit of pull request number.
func (c *Client) HeadSHA(ctx context.Context, repository string, number int) (string, string, error) {
	owner, name, err := SplitRepository(repository)
	if err != nil {
		return "", "", err
	}
	pr, _, err := c.gh.PullRequests.Get(ctx, owner, name, number)
	if err != nil {
		return "", "", fmt.Errorf("get pull request %d: %w", number, err)
	}
	return pr.GetHead().GetSHA(), pr.GetTitle(), nil
}

// CommentOnPullRequest posts body on pull request or issue number.
func (c *Client) CommentOnPullRequest(ctx context.Context, repository string, number int, body string) error {
	owner, name, err := SplitRepository(repository)
	if err != nil {
		return err
	}
	_, _, err = c.gh.Issues.CreateComment(ctx, owner, name, number, &github.IssueComment{Body: github.String(body)})
	if err != nil {
		return fmt.Errorf("create issue comment: %w", err)
	}
	return nil
}

// CommentOnCommit posts body on commit sha.
func (c *Client) CommentOnCommit(ctx context.Context, repository, sha, body string) error {
	owner, name, err := SplitRepository(repository)
	if err != nil {
		return err
	}
	_, _, err = c.gh.Repositories.CreateComment(ctx, owner, name, sha, &github.RepositoryComment{Body: github.String(body)})
	if err != nil {
		return fmt.Errorf("create commit comment: %w", err)
	}
	return nil
}
