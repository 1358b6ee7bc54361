package approval

import (
	"fmt"

	"experimenter/internal/domain"
	"experimenter/internal/status"
)

// Transition names a lifecycle change an actor can ask for.
type Transition string

const (
	LaunchToPreview Transition = "launch-to-preview"
	ReturnToDraft   Transition = "return-to-draft"
	RequestLaunch   Transition = "request-launch"
	Approve         Transition = "approve"
	Reject          Transition = "reject"
	RequestEnd      Transition = "request-end"
)

// Changelog labels sent with each transition.
const (
	LabelLaunchToPreview = "Launched to Preview"
	LabelReturnToDraft   = "Returned to Draft Status"
	LabelRequestLaunch   = "Requested Launch"
	LabelApprove         = "Review Approved"
	LabelRequestEnd      = "Requested End"
)

// Definition describes one transition.
type Definition struct {
	Name Transition
	// Button is the affordance text shown to the actor.
	Button string
	// Changelog is the fixed audit label. Empty for reject, which uses the reason.
	Changelog string
	// Review marks transitions that resolve a pending review and fall under dual control.
	Review bool
}

var definitions = []Definition{
	{Name: LaunchToPreview, Button: "Launch to Preview", Changelog: LabelLaunchToPreview},
	{Name: ReturnToDraft, Button: "Go back to Draft", Changelog: LabelReturnToDraft},
	{Name: RequestLaunch, Button: "Request Launch without Preview", Changelog: LabelRequestLaunch},
	{Name: Approve, Button: "Approve and Launch", Changelog: LabelApprove, Review: true},
	{Name: Reject, Button: "Reject", Review: true},
	{Name: RequestEnd, Button: "End Experiment", Changelog: LabelRequestEnd},
}

// Transitions lists every transition in declaration order.
func Transitions() []Definition {
	out := make([]Definition, len(definitions))
	copy(out, definitions)
	return out
}

// Lookup returns the definition for name.
func Lookup(name Transition) (Definition, bool) {
	for _, d := range definitions {
		if d.Name == name {
			return d, true
		}
	}
	return Definition{}, false
}

func ParseTransition(in string) (Transition, error) {
	if d, ok := Lookup(Transition(in)); ok {
		return d.Name, nil
	}
	return "", fmt.Errorf("unknown transition %q", in)
}

// Allowed reports whether name may be requested for exp as it currently stands.
func Allowed(name Transition, exp *domain.Experiment) bool {
	if exp == nil {
		return false
	}
	s := status.Get(exp)
	switch name {
	case LaunchToPreview:
		return s.Draft && s.Idle
	case ReturnToDraft:
		return s.Preview && s.Idle
	case RequestLaunch:
		return (s.Draft || s.Preview) && s.Idle
	case Approve, Reject:
		return s.ReviewRequested && exp.CanReview
	case RequestEnd:
		return s.Live && s.Idle && !s.EndRequested
	}
	return false
}

// BaseChanges returns the fixed input fields for name applied to exp. When
// endReview is false an end request only flags the experiment and skips the
// review gate.
func BaseChanges(name Transition, exp *domain.Experiment, endReview bool) domain.ExperimentInput {
	in := domain.ExperimentInput{}
	if exp != nil {
		in.ID = exp.ID
	}
	switch name {
	case LaunchToPreview:
		in.Status = domain.Ptr(domain.StatusPreview)
		in.ChangelogMessage = domain.Ptr(LabelLaunchToPreview)
	case ReturnToDraft:
		in.Status = domain.Ptr(domain.StatusDraft)
		in.ChangelogMessage = domain.Ptr(LabelReturnToDraft)
	case RequestLaunch:
		in.PublishStatus = domain.Ptr(domain.PublishReview)
		in.StatusNext = domain.Ptr(domain.StatusLive)
		in.ChangelogMessage = domain.Ptr(LabelRequestLaunch)
	case Approve:
		in.PublishStatus = domain.Ptr(domain.PublishApproved)
		in.ChangelogMessage = domain.Ptr(LabelApprove)
	case Reject:
		in.PublishStatus = domain.Ptr(domain.PublishIdle)
		in.ClearStatusNext = true
	case RequestEnd:
		in.IsEndRequested = domain.Ptr(true)
		if endReview {
			in.PublishStatus = domain.Ptr(domain.PublishReview)
			in.StatusNext = domain.Ptr(domain.StatusComplete)
		}
		in.ChangelogMessage = domain.Ptr(LabelRequestEnd)
	}
	return in
}
