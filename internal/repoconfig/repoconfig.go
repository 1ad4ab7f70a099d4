// Package repoconfig serves per-repository review configuration from a YAML
// file. The file is re-read whenever its modification time changes.
package repoconfig

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/joescharf/reviewd/internal/models"
)

// ErrUnknownRepository is returned for repositories not listed in the file.
var ErrUnknownRepository = errors.New("repository not configured")

// fileRepo mirrors models.RepositoryConfig with optional fields so that
// unset values fall back to the file's defaults.
type fileRepo struct {
	ID                  string                     `yaml:"id"`
	Platform            models.Platform            `yaml:"platform"`
	AutoReview          *bool                      `yaml:"auto_review"`
	Categories          []models.Category          `yaml:"categories"`
	Analyzers           models.ProviderPreferences `yaml:"analyzers"`
	DailyLimit          *int                       `yaml:"daily_limit"`
	IssuePlanDailyLimit *int                       `yaml:"issue_plan_daily_limit"`
	MonthlyCostLimitUSD *float64                   `yaml:"monthly_cost_limit_usd"`
	Checkout            string                     `yaml:"checkout"`
	Poll                *bool                      `yaml:"poll"`
}

type file struct {
	Defaults     fileRepo   `yaml:"defaults"`
	Repositories []fileRepo `yaml:"repositories"`
}

// Parse decodes a repositories file and applies its defaults.
func Parse(data []byte) (map[string]models.RepositoryConfig, error) {
	var f file
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse repositories file: %w", err)
	}

	out := make(map[string]models.RepositoryConfig, len(f.Repositories))
	for i, r := range f.Repositories {
		if r.ID == "" {
			return nil, fmt.Errorf("repository %d: missing id", i+1)
		}
		cfg, err := resolve(f.Defaults, r)
		if err != nil {
			return nil, fmt.Errorf("repository %s: %w", r.ID, err)
		}
		out[r.ID] = cfg
	}
	return out, nil
}

func resolve(def, r fileRepo) (models.RepositoryConfig, error) {
	cfg := models.RepositoryConfig{
		ID:                  r.ID,
		Platform:            pick(r.Platform, def.Platform, models.PlatformGitHub),
		AutoReviewEnabled:   deref(r.AutoReview, deref(def.AutoReview, true)),
		DailyLimit:          deref(r.DailyLimit, deref(def.DailyLimit, 0)),
		IssuePlanDailyLimit: deref(r.IssuePlanDailyLimit, deref(def.IssuePlanDailyLimit, 0)),
		MonthlyCostLimitUSD: deref(r.MonthlyCostLimitUSD, deref(def.MonthlyCostLimitUSD, 0)),
		Checkout:            r.Checkout,
		Poll:                deref(r.Poll, deref(def.Poll, false)),
	}

	cats := r.Categories
	if len(cats) == 0 {
		cats = def.Categories
	}
	for _, c := range cats {
		if !c.Valid() {
			return cfg, fmt.Errorf("unknown category %q", c)
		}
	}
	cfg.Categories = models.RepositoryConfig{Categories: cats}.EnabledCategories(nil)

	cfg.Preferences = models.ProviderPreferences{
		Security:      planOr(r.Analyzers.Security, def.Analyzers.Security),
		BestPractices: planOr(r.Analyzers.BestPractices, def.Analyzers.BestPractices),
		Framework:     planOr(r.Analyzers.Framework, def.Analyzers.Framework),
		IaC:           planOr(r.Analyzers.IaC, def.Analyzers.IaC),
	}
	return cfg, nil
}

func planOr(p, def models.CategoryPlan) models.CategoryPlan {
	if p.Empty() {
		return def
	}
	return p
}

func deref[T any](p *T, def T) T {
	if p == nil {
		return def
	}
	return *p
}

func pick[T comparable](vals ...T) T {
	var zero T
	for _, v := range vals {
		if v != zero {
			return v
		}
	}
	return zero
}

// FileProvider is a Repository Config Provider backed by a YAML file.
type FileProvider struct {
	path string

	mu      sync.Mutex
	modTime time.Time
	size    int64
	repos   map[string]models.RepositoryConfig
}

// NewFileProvider returns a provider for path. The file is read lazily.
func NewFileProvider(path string) *FileProvider {
	return &FileProvider{path: path}
}

// GetConfig returns the configuration of repository id.
func (p *FileProvider) GetConfig(_ context.Context, id string) (models.RepositoryConfig, error) {
	repos, err := p.load()
	if err != nil {
		return models.RepositoryConfig{}, err
	}
	cfg, ok := repos[id]
	if !ok {
		return models.RepositoryConfig{}, fmt.Errorf("%w: %s", ErrUnknownRepository, id)
	}
	return cfg, nil
}

// List returns every configured repository, sorted by id.
func (p *FileProvider) List(_ context.Context) ([]models.RepositoryConfig, error) {
	repos, err := p.load()
	if err != nil {
		return nil, err
	}
	out := make([]models.RepositoryConfig, 0, len(repos))
	for _, cfg := range repos {
		out = append(out, cfg)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// load returns the cached map, re-reading the file when it changed. A file
// that has become unreadable or invalid is an error, not a stale answer.
func (p *FileProvider) load() (map[string]models.RepositoryConfig, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	info, err := os.Stat(p.path)
	if err != nil {
		return nil, fmt.Errorf("stat repositories file: %w", err)
	}
	if p.repos != nil && info.ModTime().Equal(p.modTime) && info.Size() == p.size {
		return p.repos, nil
	}

	data, err := os.ReadFile(p.path)
	if err != nil {
		return nil, fmt.Errorf("read repositories file: %w", err)
	}
	repos, err := Parse(data)
	if err != nil {
		p.repos = nil
		return nil, err
	}
	p.repos = repos
	p.modTime = info.ModTime()
	p.size = info.Size()
	return repos, nil
}
