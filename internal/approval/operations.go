package approval

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"experimenter/internal/domain"
)

var (
	ErrBusy           = errors.New("a change is already being submitted")
	ErrNotAllowed     = errors.New("transition not allowed in the current state")
	ErrReasonRequired = errors.New("a rejection reason is required")
)

// ErrChecklistRequired is returned when a draft's launch request is sent
// without a completed launch checklist.
var ErrChecklistRequired = errors.New("launch checklist must be acknowledged before requesting launch")

// Checklist is the launch acknowledgement state collected by the review flow.
type Checklist interface {
	Complete() bool
}

// Mutator sends a partial update to whoever owns the experiment record.
type Mutator interface {
	UpdateExperiment(ctx context.Context, in domain.ExperimentInput) (domain.MutationResult, error)
}

// Refetch reloads the experiment after a successful change.
type Refetch func(ctx context.Context) error

// Callback runs one transition. submit carries per-call overrides such as a
// rejection reason in ChangelogMessage.
type Callback func(ctx context.Context, submit domain.ExperimentInput) (Outcome, error)

type Option func(*Operations)

// WithEndReview makes end requests go through the review gate.
func WithEndReview(enabled bool) Option {
	return func(o *Operations) { o.endReview = enabled }
}

// WithTimeout bounds each mutation. Zero leaves the call unbounded.
func WithTimeout(d time.Duration) Option {
	return func(o *Operations) { o.timeout = d }
}

func WithLogger(l *zap.Logger) Option {
	return func(o *Operations) {
		if l != nil {
			o.logger = l
		}
	}
}

// Operations submits transitions and tracks the loading flag and the last
// submit error. At most one mutation is in flight per Operations value.
type Operations struct {
	mutator   Mutator
	endReview bool
	timeout   time.Duration
	logger    *zap.Logger

	mu          sync.Mutex
	loading     bool
	submitError string
}

func New(m Mutator, opts ...Option) *Operations {
	o := &Operations{mutator: m, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

func (o *Operations) IsLoading() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.loading
}

// SubmitError returns the message of the last failed submission, or "" when
// the last submission succeeded or none was made.
func (o *Operations) SubmitError() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.submitError
}

// Affordances is the panel for exp with the current loading state applied.
func (o *Operations) Affordances(exp *domain.Experiment) Panel {
	return Affordances(exp, o.IsLoading())
}

// Invoke sends name for exp, merged with submit. On success the refetch
// handle is called and the submit error cleared. Validation and transport
// failures are reported through the Outcome and SubmitError, never as an
// error. The returned error is only set when nothing was sent. A draft's
// launch request is refused with ErrChecklistRequired; it is sent through
// RequestLaunchChecked.
func (o *Operations) Invoke(ctx context.Context, name Transition, exp *domain.Experiment, refetch Refetch, submit domain.ExperimentInput) (Outcome, error) {
	if name == RequestLaunch && exp != nil && exp.Status == domain.StatusDraft {
		return Outcome{}, ErrChecklistRequired
	}
	return o.send(ctx, name, exp, refetch, submit)
}

// RequestLaunchChecked requests launch once the checklist is complete. It is
// the only way to request launch for a draft.
func (o *Operations) RequestLaunchChecked(ctx context.Context, exp *domain.Experiment, refetch Refetch, c Checklist) (Outcome, error) {
	if c == nil || !c.Complete() {
		return Outcome{}, ErrChecklistRequired
	}
	return o.send(ctx, RequestLaunch, exp, refetch, domain.ExperimentInput{})
}

func (o *Operations) send(ctx context.Context, name Transition, exp *domain.Experiment, refetch Refetch, submit domain.ExperimentInput) (Outcome, error) {
	if _, ok := Lookup(name); !ok {
		return Outcome{}, ErrNotAllowed
	}
	if !Allowed(name, exp) {
		return Outcome{}, ErrNotAllowed
	}
	if name == Reject && (submit.ChangelogMessage == nil || strings.TrimSpace(*submit.ChangelogMessage) == "") {
		return Outcome{}, ErrReasonRequired
	}
	if !o.begin() {
		return Outcome{}, ErrBusy
	}

	input := domain.Merge(BaseChanges(name, exp, o.endReview), submit)
	input.ID = exp.ID

	callCtx := ctx
	if o.timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, o.timeout)
		defer cancel()
	}
	res, err := o.mutator.UpdateExperiment(callCtx, input)
	out := ParseOutcome(&res, err)
	if err != nil {
		o.logger.Warn("change submission failed", zap.String("transition", string(name)), zap.Int64("experiment_id", exp.ID), zap.Error(err))
	} else {
		o.logger.Debug("change submitted", zap.String("transition", string(name)), zap.Int64("experiment_id", exp.ID), zap.Stringer("outcome", out.Kind))
	}

	if out.Kind != OutcomeSuccess {
		o.finish(out.Message)
		return out, nil
	}
	o.finish("")
	if refetch != nil {
		if err := refetch(ctx); err != nil {
			o.logger.Warn("refetch after change failed", zap.Int64("experiment_id", exp.ID), zap.Error(err))
		}
	}
	return out, nil
}

// Callbacks binds the transitions on offer for exp to this Operations value.
// Actions that need the launch checklist are left out.
func (o *Operations) Callbacks(exp *domain.Experiment, refetch Refetch) map[Transition]Callback {
	panel := Affordances(exp, false)
	out := make(map[Transition]Callback, len(panel.Actions))
	for _, a := range panel.Actions {
		if a.NeedsChecklist {
			continue
		}
		name := a.Transition
		out[name] = func(ctx context.Context, submit domain.ExperimentInput) (Outcome, error) {
			return o.Invoke(ctx, name, exp, refetch, submit)
		}
	}
	return out
}

// RejectWithReason is Invoke for Reject with the reason as changelog message.
func (o *Operations) RejectWithReason(ctx context.Context, exp *domain.Experiment, refetch Refetch, reason string) (Outcome, error) {
	return o.Invoke(ctx, Reject, exp, refetch, domain.ExperimentInput{ChangelogMessage: &reason})
}

func (o *Operations) begin() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.loading {
		return false
	}
	o.loading = true
	o.submitError = ""
	return true
}

func (o *Operations) finish(submitError string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.loading = false
	o.submitError = submitError
}
