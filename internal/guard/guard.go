package guard

import (
	"sort"

	"experimenter/internal/domain"
	"experimenter/internal/status"
)

// Edit pages an invalid field can send the viewer to.
const (
	PageOverview = "overview"
	PageBranches = "branches"
	PageAudience = "audience"
)

// EditPages lists the edit pages in the order they are checked.
var EditPages = []string{PageOverview, PageBranches, PageAudience}

var fieldPages = map[string]string{
	"name":                  PageOverview,
	"hypothesis":            PageOverview,
	"public_description":    PageOverview,
	"risk_mitigation_link":  PageOverview,
	"reference_branch":      PageBranches,
	"treatment_branches":    PageBranches,
	"feature_config":        PageBranches,
	"channel":               PageAudience,
	"firefox_min_version":   PageAudience,
	"targeting_config_slug": PageAudience,
	"population_percent":    PageAudience,
	"proposed_duration":     PageAudience,
	"proposed_enrollment":   PageAudience,
}

// PageForField returns the edit page that owns field.
func PageForField(field string) (string, bool) {
	p, ok := fieldPages[field]
	return p, ok
}

// InvalidPages returns the edit pages holding at least one invalid field, in
// EditPages order. Fields missing from the table are skipped.
func InvalidPages(messages map[string][]string) []string {
	hit := map[string]bool{}
	for field := range messages {
		if p, ok := fieldPages[field]; ok {
			hit[p] = true
		}
	}
	var out []string
	for _, p := range EditPages {
		if hit[p] {
			out = append(out, p)
		}
	}
	return out
}

// FirstInvalidPage is the first of InvalidPages, or overview when none match.
func FirstInvalidPage(messages map[string][]string) string {
	if pages := InvalidPages(messages); len(pages) > 0 {
		return pages[0]
	}
	return PageOverview
}

// UnmappedFields returns the invalid fields no edit page owns, sorted.
func UnmappedFields(messages map[string][]string) []string {
	var out []string
	for field := range messages {
		if _, ok := fieldPages[field]; !ok {
			out = append(out, field)
		}
	}
	sort.Strings(out)
	return out
}

// Analysis is what a results page knows about the experiment's analysis.
type Analysis struct {
	Available bool `json:"available"`
	Disabled  bool `json:"disabled"`
}

// Page describes the guarded page being rendered.
type Page struct {
	Name             string `json:"name"`
	RequiresAnalysis bool   `json:"requiresAnalysis"`
	ReviewOnly       bool   `json:"reviewOnly"`
}

var (
	PageSummary       = Page{Name: "summary"}
	PageRequestReview = Page{Name: "request-review", ReviewOnly: true}
	PageResults       = Page{Name: "results", RequiresAnalysis: true}
	PageDesign        = Page{Name: "design"}
)

// Pages lists the named guarded pages.
var Pages = []Page{PageSummary, PageRequestReview, PageResults, PageDesign}

func LookupPage(name string) (Page, bool) {
	for _, p := range Pages {
		if p.Name == name {
			return p, true
		}
	}
	return Page{}, false
}

// Input is everything the policy looks at. A nil Status means the experiment
// has not loaded yet.
type Input struct {
	Status      *status.Check
	Review      *domain.ReadyForReview
	Analysis    *Analysis
	AnalysisErr error
}

// Decision is the outcome of Compute. Path is relative to the experiment
// root; "" with Redirect set means the root itself.
type Decision struct {
	Loading  bool   `json:"loading"`
	Redirect bool   `json:"redirect"`
	Path     string `json:"path"`
}

const showErrors = "?show-errors"

// Compute decides whether page should send the viewer elsewhere. Rules apply
// in order: not loaded, unready draft, launched without usable analysis,
// launched on a review-only page.
func Compute(in Input, page Page) Decision {
	if in.Status == nil {
		return Decision{Loading: true}
	}
	s := in.Status
	if s.Draft && in.Review != nil && !in.Review.Ready {
		return Decision{Redirect: true, Path: "edit/" + FirstInvalidPage(in.Review.Message) + showErrors}
	}
	if page.RequiresAnalysis && s.Launched && !analysisUsable(in) {
		return Decision{Redirect: true, Path: ""}
	}
	if s.Launched && page.ReviewOnly {
		return Decision{Redirect: true, Path: ""}
	}
	return Decision{}
}

func analysisUsable(in Input) bool {
	return in.AnalysisErr == nil && in.Analysis != nil && in.Analysis.Available && !in.Analysis.Disabled
}

// ForExperiment builds an Input from a loaded experiment.
func ForExperiment(exp *domain.Experiment, analysis *Analysis, analysisErr error) Input {
	if exp == nil {
		return Input{}
	}
	s := status.Get(exp)
	return Input{Status: &s, Review: exp.ReadyForReview, Analysis: analysis, AnalysisErr: analysisErr}
}
