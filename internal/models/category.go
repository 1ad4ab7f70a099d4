package models

import (
	"fmt"
	"strings"
)

// Category is an independent review dimension.
type Category string

const (
	CategorySecurity      Category = "security"
	CategoryBestPractices Category = "best_practices"
	CategoryFramework     Category = "framework"
	CategoryIaC           Category = "iac"
)

// AllCategories lists every category in canonical order.
var AllCategories = []Category{
	CategorySecurity,
	CategoryBestPractices,
	CategoryFramework,
	CategoryIaC,
}

// Valid reports whether c is one of the known categories.
func (c Category) Valid() bool {
	switch c {
	case CategorySecurity, CategoryBestPractices, CategoryFramework, CategoryIaC:
		return true
	}
	return false
}

// Index returns the canonical position of c, or len(AllCategories) if unknown.
func (c Category) Index() int {
	for i, known := range AllCategories {
		if known == c {
			return i
		}
	}
	return len(AllCategories)
}

// ParseCategory converts user input ("best-practices", "IaC") to a Category.
func ParseCategory(s string) (Category, error) {
	c := Category(strings.ReplaceAll(strings.ToLower(strings.TrimSpace(s)), "-", "_"))
	if !c.Valid() {
		return "", fmt.Errorf("unknown category: %q", s)
	}
	return c, nil
}

// ParseCategories parses a list, dropping duplicates and keeping canonical order.
func ParseCategories(values []string) ([]Category, error) {
	seen := make(map[Category]bool)
	for _, v := range values {
		c, err := ParseCategory(v)
		if err != nil {
			return nil, err
		}
		seen[c] = true
	}
	var out []Category
	for _, c := range AllCategories {
		if seen[c] {
			out = append(out, c)
		}
	}
	return out, nil
}

// CategoryPlan names the analyzers that run for one category. Providers are
// tried in order; a later provider is used only when the previous one errors.
type CategoryPlan struct {
	Tools     []string `yaml:"tools" json:"tools"`
	Providers []string `yaml:"providers" json:"providers"`
}

// Empty reports whether the plan has no analyzers at all.
func (p CategoryPlan) Empty() bool {
	return len(p.Tools) == 0 && len(p.Providers) == 0
}

// ProviderPreferences maps each category to its analyzer plan.
type ProviderPreferences struct {
	Security      CategoryPlan `yaml:"security" json:"security"`
	BestPractices CategoryPlan `yaml:"best_practices" json:"best_practices"`
	Framework     CategoryPlan `yaml:"framework" json:"framework"`
	IaC           CategoryPlan `yaml:"iac" json:"iac"`
}

// For returns the plan for c.
func (p ProviderPreferences) For(c Category) CategoryPlan {
	switch c {
	case CategorySecurity:
		return p.Security
	case CategoryBestPractices:
		return p.BestPractices
	case CategoryFramework:
		return p.Framework
	case CategoryIaC:
		return p.IaC
	}
	return CategoryPlan{}
}
