package models

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseCategory(t *testing.T) {
	c, err := ParseCategory("Best-Practices")
	require.NoError(t, err)
	assert.Equal(t, CategoryBestPractices, c)

	c, err = ParseCategory(" IaC ")
	require.NoError(t, err)
	assert.Equal(t, CategoryIaC, c)

	_, err = ParseCategory("style")
	assert.Error(t, err)
}

func TestParseCategories_CanonicalOrder(t *testing.T) {
	got, err := ParseCategories([]string{"iac", "security", "iac"})
	require.NoError(t, err)
	assert.Equal(t, []Category{CategorySecurity, CategoryIaC}, got)
}

func TestProviderPreferences_For(t *testing.T) {
	p := ProviderPreferences{
		Security: CategoryPlan{Tools: []string{"gosec"}, Providers: []string{"claude", "gpt"}},
		IaC:      CategoryPlan{Tools: []string{"checkov"}},
	}
	assert.Equal(t, []string{"claude", "gpt"}, p.For(CategorySecurity).Providers)
	assert.Equal(t, []string{"checkov"}, p.For(CategoryIaC).Tools)
	assert.True(t, p.For(CategoryFramework).Empty())
}

func TestSeverityRank(t *testing.T) {
	assert.Greater(t, SeverityCritical.Rank(), SeverityMajor.Rank())
	assert.Greater(t, SeverityMajor.Rank(), SeverityMinor.Rank())
	assert.Greater(t, SeverityMinor.Rank(), SeveritySuggestion.Rank())
	assert.Equal(t, 0, Severity("bogus").Rank())
}

func TestNormalizeSeverity(t *testing.T) {
	cases := map[string]Severity{
		"CRITICAL": SeverityCritical,
		"high":     SeverityMajor,
		"error":    SeverityMajor,
		"warning":  SeverityMinor,
		"medium":   SeverityMinor,
		"note":     SeveritySuggestion,
		"":         SeveritySuggestion,
	}
	for raw, want := range cases {
		assert.Equal(t, want, NormalizeSeverity(raw), raw)
	}
}

func TestRunStateTerminal(t *testing.T) {
	assert.False(t, RunStateAdmitted.Terminal())
	assert.False(t, RunStateDispatching.Terminal())
	assert.False(t, RunStateAggregating.Terminal())
	assert.True(t, RunStateCompleted.Terminal())
	assert.True(t, RunStateRejected.Terminal())
	assert.True(t, RunStateFailed.Terminal())
}

func TestAdmissionError(t *testing.T) {
	err := fmt.Errorf("submit: %w", Rejected(RejectQuota))
	assert.True(t, errors.Is(err, ErrAdmissionRejected))
	assert.Contains(t, err.Error(), "AdmissionRejected:quota")

	reason, ok := RejectionReason(err)
	require.True(t, ok)
	assert.Equal(t, RejectQuota, reason)

	_, ok = RejectionReason(errors.New("other"))
	assert.False(t, ok)
}
