package review

import (
	"context"
	"sync"

	"experimenter/internal/approval"
	"experimenter/internal/domain"
)

// Controller drives the launch flow for one draft experiment and sends the
// resulting transition through ops.
type Controller struct {
	ops *approval.Operations

	mu    sync.Mutex
	state State
}

func NewController(ops *approval.Operations) *Controller {
	return &Controller{ops: ops, state: Choosing{}}
}

func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// RequestLaunchEnabled reports whether the launch request affordance is live.
func (c *Controller) RequestLaunchEnabled() bool {
	c.mu.Lock()
	rc, ok := c.state.(ReviewChosen)
	c.mu.Unlock()
	return ok && rc.Checklist.Complete() && !c.ops.IsLoading()
}

// Dispatch applies a. When the step yields an effect the matching transition
// is sent once; the flow only moves on if the change succeeded, so a failed
// submission keeps the checklist for another try.
func (c *Controller) Dispatch(ctx context.Context, exp *domain.Experiment, refetch approval.Refetch, a Action) (approval.Outcome, error) {
	c.mu.Lock()
	cur := c.state
	c.mu.Unlock()

	next, effect, err := Next(cur, a)
	if err != nil {
		return approval.Outcome{}, err
	}
	if effect == EffectNone {
		c.set(next)
		return approval.Outcome{}, nil
	}

	var out approval.Outcome
	if rc, ok := cur.(ReviewChosen); ok && effect == EffectRequestLaunch {
		out, err = c.ops.RequestLaunchChecked(ctx, exp, refetch, rc.Checklist)
	} else {
		out, err = c.ops.Invoke(ctx, approval.LaunchToPreview, exp, refetch, domain.ExperimentInput{})
	}
	if err != nil {
		return out, err
	}
	if out.Kind == approval.OutcomeSuccess {
		c.set(next)
	}
	return out, nil
}

// Reset returns the flow to its entry step.
func (c *Controller) Reset() {
	c.set(Choosing{})
}

func (c *Controller) set(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}
