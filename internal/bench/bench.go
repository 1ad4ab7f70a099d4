// Package bench load-tests a running reviewd server with signed synthetic
// pull_request webhooks.
package bench

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand/v2"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/go-github/v39/github"
	vegeta "github.com/tsenart/vegeta/v12/lib"
)

// Options configures an attack.
type Options struct {
	// Target is the server base URL, e.g. http://localhost:8080.
	Target       string
	Secret       []byte
	Repositories []string
	Rate         int // requests per second
	Duration     time.Duration
	// Redeliver is the fraction of requests that repeat an earlier
	// delivery, exercising duplicate suppression.
	Redeliver float64
	Timeout   time.Duration
	Seed      uint64
}

// Report summarizes an attack.
type Report struct {
	Requests    uint64         `json:"requests"`
	Success     float64        `json:"success"`
	Throughput  float64        `json:"throughput"`
	Mean        time.Duration  `json:"mean"`
	P95         time.Duration  `json:"p95"`
	P99         time.Duration  `json:"p99"`
	Max         time.Duration  `json:"max"`
	StatusCodes map[string]int `json:"status_codes"`
	Errors      []string       `json:"errors,omitempty"`
}

// Sign returns the X-Hub-Signature-256 value for body.
func Sign(secret, body []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

type delivery struct {
	body []byte
	id   string
}

// targeter produces pull_request synchronize deliveries with fresh head
// SHAs, occasionally replaying a previous one.
type targeter struct {
	opts Options

	mu   sync.Mutex
	rng  *rand.Rand
	n    int
	sent []delivery
}

func newTargeter(opts Options) *targeter {
	return &targeter{opts: opts, rng: rand.New(rand.NewPCG(opts.Seed, opts.Seed^0x9e3779b97f4a7c15))}
}

func (t *targeter) next() (delivery, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if len(t.sent) > 0 && t.rng.Float64() < t.opts.Redeliver {
		return t.sent[t.rng.IntN(len(t.sent))], nil
	}

	t.n++
	repo := t.opts.Repositories[t.rng.IntN(len(t.opts.Repositories))]
	number := t.rng.IntN(50) + 1
	sha := fmt.Sprintf("%040x", t.rng.Uint64())
	ev := github.PullRequestEvent{
		Action: github.String("synchronize"),
		Number: github.Int(number),
		PullRequest: &github.PullRequest{
			Number: github.Int(number),
			Title:  github.String(fmt.Sprintf("bench change %d", t.n)),
			Head:   &github.PullRequestBranch{SHA: github.String(sha)},
		},
		Repo:   &github.Repository{FullName: github.String(repo)},
		Sender: &github.User{Login: github.String("reviewd-bench")},
	}
	body, err := json.Marshal(ev)
	if err != nil {
		return delivery{}, fmt.Errorf("encode event: %w", err)
	}
	d := delivery{body: body, id: fmt.Sprintf("bench-%d", t.n)}
	t.sent = append(t.sent, d)
	return d, nil
}

func (t *targeter) Targeter() vegeta.Targeter {
	url := strings.TrimSuffix(t.opts.Target, "/") + "/webhooks/github"
	return func(tgt *vegeta.Target) error {
		if tgt == nil {
			return vegeta.ErrNilTarget
		}
		d, err := t.next()
		if err != nil {
			return err
		}
		tgt.Method = http.MethodPost
		tgt.URL = url
		tgt.Body = d.body
		tgt.Header = http.Header{
			"Content-Type":        {"application/json"},
			"X-Github-Event":      {"pull_request"},
			"X-Github-Delivery":   {d.id},
			"X-Hub-Signature-256": {Sign(t.opts.Secret, d.body)},
		}
		return nil
	}
}

// Run attacks the server until the duration elapses or ctx is cancelled.
func Run(ctx context.Context, opts Options) (*Report, error) {
	if opts.Target == "" {
		return nil, errors.New("target is required")
	}
	if len(opts.Repositories) == 0 {
		opts.Repositories = []string{"bench/repo"}
	}
	if opts.Rate <= 0 {
		opts.Rate = 10
	}
	if opts.Duration <= 0 {
		opts.Duration = 10 * time.Second
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	if opts.Seed == 0 {
		opts.Seed = uint64(time.Now().UnixNano())
	}

	attacker := vegeta.NewAttacker(vegeta.Timeout(opts.Timeout))
	rate := vegeta.Rate{Freq: opts.Rate, Per: time.Second}
	results := attacker.Attack(newTargeter(opts).Targeter(), rate, opts.Duration, "reviewd-bench")

	var metrics vegeta.Metrics
	done := ctx.Done()
	for {
		select {
		case res, ok := <-results:
			if !ok {
				metrics.Close()
				return report(&metrics), nil
			}
			metrics.Add(res)
		case <-done:
			attacker.Stop()
			done = nil
		}
	}
}

func report(m *vegeta.Metrics) *Report {
	return &Report{
		Requests:    m.Requests,
		Success:     m.Success,
		Throughput:  m.Throughput,
		Mean:        m.Latencies.Mean,
		P95:         m.Latencies.P95,
		P99:         m.Latencies.P99,
		Max:         m.Latencies.Max,
		StatusCodes: m.StatusCodes,
		Errors:      m.Errors,
	}
}
