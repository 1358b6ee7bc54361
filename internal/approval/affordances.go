package approval

import (
	"experimenter/internal/domain"
	"experimenter/internal/status"
)

// View is the panel the viewer should see for the experiment's current state.
type View string

const (
	ViewNone            View = "none"
	ViewDraft           View = "draft"
	ViewPreview         View = "preview"
	ViewPendingApproval View = "pending-approval"
	ViewReviewControls  View = "review-controls"
	ViewPublishing      View = "publishing"
	ViewLive            View = "live"
	ViewEndPending      View = "end-pending"
	ViewComplete        View = "complete"
)

type Action struct {
	Transition Transition `json:"transition"`
	Button     string     `json:"button"`
	Enabled    bool       `json:"enabled"`
	// NeedsChecklist marks an action that only the launch review flow may
	// send, once both acknowledgements are checked. It is never enabled here.
	NeedsChecklist bool `json:"needsChecklist,omitempty"`
}

type Panel struct {
	View    View     `json:"view"`
	Actions []Action `json:"actions"`
}

// Has reports whether the panel offers name.
func (p Panel) Has(name Transition) bool {
	_, ok := p.Action(name)
	return ok
}

func (p Panel) Action(name Transition) (Action, bool) {
	for _, a := range p.Actions {
		if a.Transition == name {
			return a, true
		}
	}
	return Action{}, false
}

// Affordances decides which view and actions the viewer gets. Approve and
// reject are only offered to a viewer who can review; everyone else sees the
// pending view, the requester included. Every action is disabled while a
// mutation is loading. A draft's launch request is listed but disabled: it
// goes through the review flow and its checklist.
func Affordances(exp *domain.Experiment, loading bool) Panel {
	if exp == nil {
		return Panel{View: ViewNone}
	}
	s := status.Get(exp)
	var view View
	var names []Transition
	switch {
	case s.Complete:
		view = ViewComplete
	case s.ReviewRequested && exp.CanReview:
		view = ViewReviewControls
		names = []Transition{Approve, Reject}
	case s.ReviewRequested:
		view = ViewPendingApproval
	case s.Approved || s.Waiting:
		view = ViewPublishing
	case s.Draft:
		view = ViewDraft
		names = []Transition{LaunchToPreview, RequestLaunch}
	case s.Preview:
		view = ViewPreview
		names = []Transition{ReturnToDraft, RequestLaunch}
	case s.Live && s.EndRequested:
		view = ViewEndPending
	case s.Live:
		view = ViewLive
		names = []Transition{RequestEnd}
	default:
		view = ViewNone
	}
	p := Panel{View: view}
	for _, n := range names {
		d, _ := Lookup(n)
		a := Action{Transition: n, Button: d.Button, Enabled: !loading && Allowed(n, exp)}
		switch {
		case n == RequestLaunch && s.Draft:
			a.Enabled = false
			a.NeedsChecklist = true
		case n == RequestLaunch:
			a.Button = "Request Launch"
		}
		p.Actions = append(p.Actions, a)
	}
	return p
}
