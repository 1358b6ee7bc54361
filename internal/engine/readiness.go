package engine

import (
	"net/url"
	"strings"

	"experimenter/internal/domain"
)

const (
	msgBlank    = "This field may not be blank."
	msgRequired = "This field is required."
)

// Readiness validates the design fields a launch needs. Keys are snake_case
// field names.
func Readiness(exp domain.Experiment) domain.ReadyForReview {
	errs := map[string][]string{}
	add := func(field, msg string) { errs[field] = append(errs[field], msg) }
	blank := func(s string) bool { return strings.TrimSpace(s) == "" }

	if blank(exp.Name) {
		add("name", msgBlank)
	}
	if blank(exp.Hypothesis) {
		add("hypothesis", msgBlank)
	}
	if blank(exp.PublicDescription) {
		add("public_description", msgBlank)
	}
	if !blank(exp.RiskMitigationLink) {
		if u, err := url.Parse(exp.RiskMitigationLink); err != nil || u.Scheme == "" || u.Host == "" {
			add("risk_mitigation_link", "Enter a valid URL.")
		}
	}
	if exp.ReferenceBranch == nil || blank(exp.ReferenceBranch.Name) {
		add("reference_branch", msgRequired)
	}
	if len(exp.TreatmentBranches) == 0 {
		add("treatment_branches", "At least one treatment branch is required.")
	}
	for _, b := range exp.TreatmentBranches {
		if blank(b.Name) {
			add("treatment_branches", "Every treatment branch needs a name.")
			break
		}
	}
	if blank(exp.FeatureConfig) {
		add("feature_config", msgRequired)
	}
	if blank(exp.Channel) {
		add("channel", msgRequired)
	}
	if blank(exp.FirefoxMinVersion) {
		add("firefox_min_version", msgRequired)
	}
	if blank(exp.TargetingConfigSlug) {
		add("targeting_config_slug", msgRequired)
	}
	if exp.PopulationPercent <= 0 || exp.PopulationPercent > 100 {
		add("population_percent", "Ensure this value is greater than 0 and at most 100.")
	}
	if exp.ProposedDuration <= 0 {
		add("proposed_duration", "Ensure this value is greater than 0.")
	}
	if exp.ProposedEnrollment <= 0 {
		add("proposed_enrollment", "Ensure this value is greater than 0.")
	} else if exp.ProposedDuration > 0 && exp.ProposedEnrollment > exp.ProposedDuration {
		add("proposed_enrollment", "Enrollment period cannot exceed the experiment duration.")
	}
	return domain.ReadyForReview{Ready: len(errs) == 0, Message: errs}
}

// validateDesign checks value ranges on a design edit. Missing values are
// allowed while drafting.
func validateDesign(in domain.ExperimentInput) map[string][]string {
	errs := map[string][]string{}
	if in.Name != nil && strings.TrimSpace(*in.Name) == "" {
		errs["name"] = []string{msgBlank}
	}
	if in.PopulationPercent != nil && (*in.PopulationPercent < 0 || *in.PopulationPercent > 100) {
		errs["population_percent"] = []string{"Ensure this value is between 0 and 100."}
	}
	if in.ProposedDuration != nil && *in.ProposedDuration < 0 {
		errs["proposed_duration"] = []string{"Ensure this value is not negative."}
	}
	if in.ProposedEnrollment != nil && *in.ProposedEnrollment < 0 {
		errs["proposed_enrollment"] = []string{"Ensure this value is not negative."}
	}
	if in.ReferenceBranch != nil && in.ReferenceBranch.Ratio < 0 {
		errs["reference_branch"] = []string{"Ratio must not be negative."}
	}
	for _, b := range in.TreatmentBranches {
		if b.Ratio < 0 {
			errs["treatment_branches"] = []string{"Ratio must not be negative."}
			break
		}
	}
	return errs
}

func applyDesign(exp *domain.Experiment, in domain.ExperimentInput) {
	if in.Name != nil {
		exp.Name = strings.TrimSpace(*in.Name)
	}
	if in.Hypothesis != nil {
		exp.Hypothesis = *in.Hypothesis
	}
	if in.PublicDescription != nil {
		exp.PublicDescription = *in.PublicDescription
	}
	if in.RiskMitigationLink != nil {
		exp.RiskMitigationLink = *in.RiskMitigationLink
	}
	if in.FeatureConfig != nil {
		exp.FeatureConfig = *in.FeatureConfig
	}
	if in.ReferenceBranch != nil {
		b := *in.ReferenceBranch
		exp.ReferenceBranch = &b
	}
	if in.TreatmentBranches != nil {
		exp.TreatmentBranches = append([]domain.Branch(nil), in.TreatmentBranches...)
	}
	if in.Channel != nil {
		exp.Channel = *in.Channel
	}
	if in.FirefoxMinVersion != nil {
		exp.FirefoxMinVersion = *in.FirefoxMinVersion
	}
	if in.TargetingConfigSlug != nil {
		exp.TargetingConfigSlug = *in.TargetingConfigSlug
	}
	if in.PopulationPercent != nil {
		exp.PopulationPercent = *in.PopulationPercent
	}
	if in.ProposedDuration != nil {
		exp.ProposedDuration = *in.ProposedDuration
	}
	if in.ProposedEnrollment != nil {
		exp.ProposedEnrollment = *in.ProposedEnrollment
	}
}
