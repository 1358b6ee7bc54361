package guard

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"

	"experimenter/internal/domain"
	"experimenter/internal/status"
)

func check(s domain.Status) *status.Check {
	c := status.Get(&domain.Experiment{Status: s, PublishStatus: domain.PublishIdle})
	return &c
}

func TestComputeUnreadyDraft(t *testing.T) {
	cases := []struct {
		name    string
		message map[string][]string
		want    string
	}{
		{"audience field", map[string][]string{"firefox_min_version": {"required"}}, "edit/audience?show-errors"},
		{"empty map", map[string][]string{}, "edit/overview?show-errors"},
		{"nil map", nil, "edit/overview?show-errors"},
		{"first bucket wins", map[string][]string{"channel": {"x"}, "feature_config": {"y"}}, "edit/branches?show-errors"},
		{"unmapped only", map[string][]string{"documentation_links": {"z"}}, "edit/overview?show-errors"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			d := Compute(Input{Status: check(domain.StatusDraft), Review: &domain.ReadyForReview{Ready: false, Message: tc.message}}, PageSummary)
			assert.Equal(t, Decision{Redirect: true, Path: tc.want}, d)
		})
	}
}

func TestComputeLaunchedReviewOnly(t *testing.T) {
	for _, s := range []domain.Status{domain.StatusLive, domain.StatusComplete} {
		d := Compute(Input{Status: check(s)}, PageRequestReview)
		assert.Equal(t, Decision{Redirect: true, Path: ""}, d, s)
	}
}

func TestComputeResultsNeedAnalysis(t *testing.T) {
	live := check(domain.StatusLive)
	assert.Equal(t, Decision{Redirect: true}, Compute(Input{Status: live}, PageResults))
	assert.Equal(t, Decision{Redirect: true}, Compute(Input{Status: live, Analysis: &Analysis{Available: true, Disabled: true}}, PageResults))
	assert.Equal(t, Decision{Redirect: true}, Compute(Input{Status: live, Analysis: &Analysis{Available: true}, AnalysisErr: errors.New("timeout")}, PageResults))
	assert.Equal(t, Decision{}, Compute(Input{Status: live, Analysis: &Analysis{Available: true}}, PageResults))
	assert.Equal(t, Decision{}, Compute(Input{Status: check(domain.StatusPreview)}, PageResults))
}

func TestComputeNoRedirect(t *testing.T) {
	assert.Equal(t, Decision{Loading: true}, Compute(Input{}, PageSummary))
	assert.Equal(t, Decision{}, Compute(Input{Status: check(domain.StatusDraft), Review: &domain.ReadyForReview{Ready: true}}, PageRequestReview))
	assert.Equal(t, Decision{}, Compute(Input{Status: check(domain.StatusLive)}, PageSummary))
	assert.Equal(t, Decision{}, Compute(Input{Status: check(domain.StatusDraft)}, PageDesign))
}

func TestForExperiment(t *testing.T) {
	exp := &domain.Experiment{
		Status:         domain.StatusDraft,
		PublishStatus:  domain.PublishIdle,
		ReadyForReview: &domain.ReadyForReview{Message: map[string][]string{"hypothesis": {"required"}}},
	}
	d := Compute(ForExperiment(exp, nil, nil), PageSummary)
	assert.Equal(t, "edit/overview?show-errors", d.Path)
	assert.True(t, Compute(ForExperiment(nil, nil, nil), PageSummary).Loading)
}

func TestUnmappedFields(t *testing.T) {
	msgs := map[string][]string{"name": {"a"}, "zeta": {"b"}, "alpha": {"c"}}
	assert.Equal(t, []string{"alpha", "zeta"}, UnmappedFields(msgs))
	assert.Equal(t, []string{PageOverview}, InvalidPages(msgs))
	p, ok := PageForField("treatment_branches")
	assert.True(t, ok)
	assert.Equal(t, PageBranches, p)
}

func TestLookupPage(t *testing.T) {
	p, ok := LookupPage("results")
	assert.True(t, ok)
	assert.True(t, p.RequiresAnalysis)
	_, ok = LookupPage("missing")
	assert.False(t, ok)
}
