package models

// Platform identifies where a repository is hosted.
type Platform string

const (
	PlatformGitHub Platform = "github"
	PlatformGitLab Platform = "gitlab"
)

// RepositoryConfig is the per-repository review configuration.
type RepositoryConfig struct {
	ID                  string              `yaml:"id" json:"id"` // owner/name
	Platform            Platform            `yaml:"platform" json:"platform"`
	AutoReviewEnabled   bool                `yaml:"auto_review" json:"auto_review"`
	Categories          []Category          `yaml:"categories" json:"categories"`
	Preferences         ProviderPreferences `yaml:"analyzers" json:"analyzers"`
	DailyLimit          int                 `yaml:"daily_limit" json:"daily_limit"`
	IssuePlanDailyLimit int                 `yaml:"issue_plan_daily_limit" json:"issue_plan_daily_limit"`
	MonthlyCostLimitUSD float64             `yaml:"monthly_cost_limit_usd" json:"monthly_cost_limit_usd"`
	Checkout            string              `yaml:"checkout" json:"checkout,omitempty"` // local clone static tools run in
	Poll                bool                `yaml:"poll" json:"poll"`
}

// EnabledCategories returns requested restricted to the enabled set, in
// canonical order. An empty request means every enabled category.
func (c RepositoryConfig) EnabledCategories(requested []Category) []Category {
	enabled := make(map[Category]bool, len(c.Categories))
	for _, cat := range c.Categories {
		enabled[cat] = true
	}
	want := enabled
	if len(requested) > 0 {
		want = make(map[Category]bool, len(requested))
		for _, cat := range requested {
			if enabled[cat] {
				want[cat] = true
			}
		}
	}
	var out []Category
	for _, cat := range AllCategories {
		if want[cat] {
			out = append(out, cat)
		}
	}
	return out
}
