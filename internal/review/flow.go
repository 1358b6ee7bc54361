package review

import (
	"errors"
	"fmt"
)

var (
	ErrChecklistIncomplete = errors.New("both launch acknowledgements must be checked")
	ErrInvalidAction       = errors.New("action not available in the current step")
)

// State is one step of the draft launch flow. Implemented by Choosing,
// ReviewChosen and Left.
type State interface {
	step() string
}

// Choosing is the entry step: launch to preview or go straight to review.
type Choosing struct{}

// ReviewChosen is the launch request step gated by the checklist.
type ReviewChosen struct {
	Checklist Checklist
}

// Left means the flow handed off to a mutation and is done.
type Left struct{}

func (Choosing) step() string     { return "choosing" }
func (ReviewChosen) step() string { return "review-chosen" }
func (Left) step() string         { return "left" }

// Name returns a stable identifier for s.
func Name(s State) string {
	if s == nil {
		return ""
	}
	return s.step()
}

type Item int

const (
	// ItemRisks acknowledges the risks of launching without a preview.
	ItemRisks Item = iota
	// ItemLaunchChecklist confirms the launch checklist was followed.
	ItemLaunchChecklist
)

var Items = []Item{ItemRisks, ItemLaunchChecklist}

func (i Item) String() string {
	switch i {
	case ItemRisks:
		return "risks"
	case ItemLaunchChecklist:
		return "launch-checklist"
	}
	return fmt.Sprintf("item(%d)", int(i))
}

func ParseItem(in string) (Item, error) {
	for _, it := range Items {
		if it.String() == in {
			return it, nil
		}
	}
	return 0, fmt.Errorf("unknown checklist item %q", in)
}

type Checklist struct {
	Risks           bool `json:"risks"`
	LaunchChecklist bool `json:"launchChecklist"`
}

// Complete is the AND of every acknowledgement.
func (c Checklist) Complete() bool {
	return c.Risks && c.LaunchChecklist
}

func (c Checklist) Toggle(item Item) Checklist {
	switch item {
	case ItemRisks:
		c.Risks = !c.Risks
	case ItemLaunchChecklist:
		c.LaunchChecklist = !c.LaunchChecklist
	}
	return c
}

// Action is a user intent fed to Next.
type Action interface {
	action() string
}

type LaunchToPreview struct{}
type RequestWithoutPreview struct{}
type Toggle struct{ Item Item }
type RequestLaunch struct{}
type Cancel struct{}

func (LaunchToPreview) action() string       { return "launch-to-preview" }
func (RequestWithoutPreview) action() string { return "request-without-preview" }
func (Toggle) action() string                { return "toggle" }
func (RequestLaunch) action() string         { return "request-launch" }
func (Cancel) action() string                { return "cancel" }

// Effect is the mutation a step asks for.
type Effect int

const (
	EffectNone Effect = iota
	EffectLaunchToPreview
	EffectRequestLaunch
)

func (e Effect) String() string {
	switch e {
	case EffectLaunchToPreview:
		return "launch-to-preview"
	case EffectRequestLaunch:
		return "request-launch"
	}
	return "none"
}

// Next applies a to s. On error the returned state is s unchanged.
func Next(s State, a Action) (State, Effect, error) {
	switch cur := s.(type) {
	case Choosing:
		switch a.(type) {
		case LaunchToPreview:
			return Left{}, EffectLaunchToPreview, nil
		case RequestWithoutPreview:
			return ReviewChosen{}, EffectNone, nil
		}
	case ReviewChosen:
		switch act := a.(type) {
		case LaunchToPreview:
			return Left{}, EffectLaunchToPreview, nil
		case Toggle:
			return ReviewChosen{Checklist: cur.Checklist.Toggle(act.Item)}, EffectNone, nil
		case RequestLaunch:
			if !cur.Checklist.Complete() {
				return cur, EffectNone, ErrChecklistIncomplete
			}
			return Left{}, EffectRequestLaunch, nil
		case Cancel:
			return Choosing{}, EffectNone, nil
		}
	}
	return s, EffectNone, fmt.Errorf("%w: %s in %s", ErrInvalidAction, actionName(a), Name(s))
}

func actionName(a Action) string {
	if a == nil {
		return "<nil>"
	}
	return a.action()
}
