package approval

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"experimenter/internal/domain"
)

type mockMutator struct {
	mock.Mock
}

func (m *mockMutator) UpdateExperiment(ctx context.Context, in domain.ExperimentInput) (domain.MutationResult, error) {
	args := m.Called(ctx, in)
	return args.Get(0).(domain.MutationResult), args.Error(1)
}

func message(raw string) domain.MutationResult {
	return domain.MutationResult{Message: json.RawMessage(raw)}
}

func experiment(s domain.Status, p domain.PublishStatus) *domain.Experiment {
	return &domain.Experiment{ID: 7, Status: s, PublishStatus: p}
}

func TestAffordancesDraftIdle(t *testing.T) {
	p := Affordances(experiment(domain.StatusDraft, domain.PublishIdle), false)
	assert.Equal(t, ViewDraft, p.View)
	require.Len(t, p.Actions, 2)
	assert.True(t, p.Has(LaunchToPreview))
	assert.False(t, p.Has(Approve))
	assert.False(t, p.Has(Reject))

	launch, ok := p.Action(RequestLaunch)
	require.True(t, ok)
	assert.False(t, launch.Enabled)
	assert.True(t, launch.NeedsChecklist)
	assert.Equal(t, "Request Launch without Preview", launch.Button)
}

func TestAffordancesPendingWithoutReviewRights(t *testing.T) {
	exp := experiment(domain.StatusDraft, domain.PublishReview)
	exp.ReviewRequest = &domain.ChangeEvent{ChangedBy: "alice"}
	p := Affordances(exp, false)
	assert.Equal(t, ViewPendingApproval, p.View)
	assert.Empty(t, p.Actions)
}

func TestAffordancesReviewControls(t *testing.T) {
	exp := experiment(domain.StatusDraft, domain.PublishReview)
	exp.CanReview = true

	p := Affordances(exp, false)
	assert.Equal(t, ViewReviewControls, p.View)
	for _, name := range []Transition{Approve, Reject} {
		a, ok := p.Action(name)
		require.True(t, ok, name)
		assert.True(t, a.Enabled, name)
	}

	p = Affordances(exp, true)
	for _, a := range p.Actions {
		assert.False(t, a.Enabled, a.Transition)
	}
}

func TestAffordancesOtherStates(t *testing.T) {
	cases := []struct {
		name string
		exp  *domain.Experiment
		view View
		acts []Transition
	}{
		{"nil", nil, ViewNone, nil},
		{"preview", experiment(domain.StatusPreview, domain.PublishIdle), ViewPreview, []Transition{ReturnToDraft, RequestLaunch}},
		{"waiting", experiment(domain.StatusDraft, domain.PublishWaiting), ViewPublishing, nil},
		{"approved", experiment(domain.StatusDraft, domain.PublishApproved), ViewPublishing, nil},
		{"live", experiment(domain.StatusLive, domain.PublishIdle), ViewLive, []Transition{RequestEnd}},
		{"end pending", &domain.Experiment{Status: domain.StatusLive, PublishStatus: domain.PublishIdle, IsEndRequested: true}, ViewEndPending, nil},
		{"live review", experiment(domain.StatusLive, domain.PublishReview), ViewPendingApproval, nil},
		{"complete", experiment(domain.StatusComplete, domain.PublishIdle), ViewComplete, nil},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			p := Affordances(tc.exp, false)
			assert.Equal(t, tc.view, p.View)
			var got []Transition
			for _, a := range p.Actions {
				got = append(got, a.Transition)
			}
			assert.Equal(t, tc.acts, got)
		})
	}
}

func TestBaseChanges(t *testing.T) {
	exp := experiment(domain.StatusLive, domain.PublishIdle)

	in := BaseChanges(RequestEnd, exp, false)
	assert.Equal(t, int64(7), in.ID)
	require.NotNil(t, in.IsEndRequested)
	assert.True(t, *in.IsEndRequested)
	assert.Nil(t, in.PublishStatus)

	in = BaseChanges(RequestEnd, exp, true)
	require.NotNil(t, in.PublishStatus)
	assert.Equal(t, domain.PublishReview, *in.PublishStatus)
	assert.Equal(t, domain.StatusComplete, *in.StatusNext)

	in = BaseChanges(Reject, exp, false)
	assert.True(t, in.ClearStatusNext)
	assert.Equal(t, domain.PublishIdle, *in.PublishStatus)
	assert.Nil(t, in.ChangelogMessage)
}

func TestParseOutcome(t *testing.T) {
	cases := []struct {
		name string
		res  *domain.MutationResult
		err  error
		kind OutcomeKind
		msg  string
	}{
		{"success", &domain.MutationResult{Message: json.RawMessage(`"success"`)}, nil, OutcomeSuccess, ""},
		{"status errors", &domain.MutationResult{Message: json.RawMessage(`{"status":["bad","worse"]}`)}, nil, OutcomeInvalid, "bad, worse"},
		{"field errors", &domain.MutationResult{Message: json.RawMessage(`{"name":["required"],"channel":"unknown"}`)}, nil, OutcomeInvalid, "channel: unknown; name: required"},
		{"empty object", &domain.MutationResult{Message: json.RawMessage(`{}`)}, nil, OutcomeInvalid, GenericSubmitError},
		{"other string", &domain.MutationResult{Message: json.RawMessage(`"nope"`)}, nil, OutcomeInvalid, "nope"},
		{"array", &domain.MutationResult{Message: json.RawMessage(`["x"]`)}, nil, OutcomeInvalid, GenericSubmitError},
		{"null", &domain.MutationResult{Message: json.RawMessage(`null`)}, nil, OutcomeFailed, GenericSubmitError},
		{"absent", &domain.MutationResult{}, nil, OutcomeFailed, GenericSubmitError},
		{"nil", nil, nil, OutcomeFailed, GenericSubmitError},
		{"transport", nil, errors.New("connection refused"), OutcomeFailed, GenericSubmitError},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			out := ParseOutcome(tc.res, tc.err)
			assert.Equal(t, tc.kind, out.Kind)
			assert.Equal(t, tc.msg, out.Message)
		})
	}
}

func TestInvokeSuccessRefetchesAndClearsError(t *testing.T) {
	m := &mockMutator{}
	m.On("UpdateExperiment", mock.Anything, mock.Anything).Return(message(`{"status":["bad"]}`), nil).Once()
	m.On("UpdateExperiment", mock.Anything, mock.Anything).Return(message(`"success"`), nil).Once()
	ops := New(m)
	exp := experiment(domain.StatusDraft, domain.PublishIdle)
	refetches := 0
	refetch := func(context.Context) error { refetches++; return nil }

	out, err := ops.Invoke(context.Background(), LaunchToPreview, exp, refetch, domain.ExperimentInput{})
	require.NoError(t, err)
	assert.Equal(t, OutcomeInvalid, out.Kind)
	assert.Equal(t, "bad", ops.SubmitError())
	assert.Equal(t, 0, refetches)

	out, err = ops.Invoke(context.Background(), LaunchToPreview, exp, refetch, domain.ExperimentInput{})
	require.NoError(t, err)
	assert.Equal(t, OutcomeSuccess, out.Kind)
	assert.Equal(t, "", ops.SubmitError())
	assert.Equal(t, 1, refetches)
	assert.False(t, ops.IsLoading())
	m.AssertExpectations(t)
}

func TestInvokeTransportErrorSetsGenericMessage(t *testing.T) {
	m := &mockMutator{}
	m.On("UpdateExperiment", mock.Anything, mock.Anything).Return(domain.MutationResult{}, errors.New("boom"))
	ops := New(m)
	refetched := false

	out, err := ops.Invoke(context.Background(), LaunchToPreview, experiment(domain.StatusDraft, domain.PublishIdle),
		func(context.Context) error { refetched = true; return nil }, domain.ExperimentInput{})
	require.NoError(t, err)
	assert.Equal(t, OutcomeFailed, out.Kind)
	assert.Equal(t, GenericSubmitError, ops.SubmitError())
	assert.False(t, refetched)
}

func TestInvokeSendsMergedInput(t *testing.T) {
	m := &mockMutator{}
	exp := experiment(domain.StatusDraft, domain.PublishReview)
	exp.CanReview = true
	m.On("UpdateExperiment", mock.Anything, mock.MatchedBy(func(in domain.ExperimentInput) bool {
		return in.ID == 7 && *in.PublishStatus == domain.PublishIdle && in.ClearStatusNext &&
			*in.ChangelogMessage == "missing owner sign-off"
	})).Return(message(`"success"`), nil).Once()
	ops := New(m)

	out, err := ops.RejectWithReason(context.Background(), exp, nil, "missing owner sign-off")
	require.NoError(t, err)
	assert.Equal(t, OutcomeSuccess, out.Kind)
	m.AssertExpectations(t)
}

func TestInvokeGuards(t *testing.T) {
	m := &mockMutator{}
	ops := New(m)
	ctx := context.Background()

	_, err := ops.Invoke(ctx, Approve, experiment(domain.StatusDraft, domain.PublishReview), nil, domain.ExperimentInput{})
	assert.ErrorIs(t, err, ErrNotAllowed)

	reviewable := experiment(domain.StatusDraft, domain.PublishReview)
	reviewable.CanReview = true
	_, err = ops.RejectWithReason(ctx, reviewable, nil, "   ")
	assert.ErrorIs(t, err, ErrReasonRequired)

	_, err = ops.Invoke(ctx, Transition("pause"), reviewable, nil, domain.ExperimentInput{})
	assert.ErrorIs(t, err, ErrNotAllowed)

	m.AssertNotCalled(t, "UpdateExperiment", mock.Anything, mock.Anything)
}

func TestInvokeBusyWhileInFlight(t *testing.T) {
	m := &mockMutator{}
	release := make(chan struct{})
	started := make(chan struct{})
	m.On("UpdateExperiment", mock.Anything, mock.Anything).Run(func(mock.Arguments) {
		close(started)
		<-release
	}).Return(message(`"success"`), nil).Once()
	ops := New(m)
	exp := experiment(domain.StatusDraft, domain.PublishIdle)

	done := make(chan error, 1)
	go func() {
		_, err := ops.Invoke(context.Background(), LaunchToPreview, exp, nil, domain.ExperimentInput{})
		done <- err
	}()
	<-started
	assert.True(t, ops.IsLoading())
	for _, a := range ops.Affordances(exp).Actions {
		assert.False(t, a.Enabled)
	}
	_, err := ops.Invoke(context.Background(), LaunchToPreview, exp, nil, domain.ExperimentInput{})
	assert.ErrorIs(t, err, ErrBusy)

	close(release)
	require.NoError(t, <-done)
	assert.False(t, ops.IsLoading())
	m.AssertNumberOfCalls(t, "UpdateExperiment", 1)
}

func TestInvokeTimeout(t *testing.T) {
	m := &mockMutator{}
	m.On("UpdateExperiment", mock.Anything, mock.Anything).Run(func(args mock.Arguments) {
		<-args.Get(0).(context.Context).Done()
	}).Return(domain.MutationResult{}, context.DeadlineExceeded)
	ops := New(m, WithTimeout(20*time.Millisecond))

	out, err := ops.Invoke(context.Background(), LaunchToPreview, experiment(domain.StatusDraft, domain.PublishIdle), nil, domain.ExperimentInput{})
	require.NoError(t, err)
	assert.Equal(t, OutcomeFailed, out.Kind)
	assert.False(t, ops.IsLoading())
}

func TestCallbacksKeyedByTransition(t *testing.T) {
	m := &mockMutator{}
	m.On("UpdateExperiment", mock.Anything, mock.MatchedBy(func(in domain.ExperimentInput) bool {
		return in.PublishStatus != nil && *in.PublishStatus == domain.PublishReview && in.StatusNext != nil && *in.StatusNext == domain.StatusComplete
	})).Return(message(`"success"`), nil).Once()
	ops := New(m, WithEndReview(true))
	exp := experiment(domain.StatusLive, domain.PublishIdle)

	cbs := ops.Callbacks(exp, nil)
	require.Len(t, cbs, 1)
	out, err := cbs[RequestEnd](context.Background(), domain.ExperimentInput{})
	require.NoError(t, err)
	assert.Equal(t, OutcomeSuccess, out.Kind)
	m.AssertExpectations(t)
}

type acknowledged bool

func (a acknowledged) Complete() bool { return bool(a) }

func TestDraftLaunchRequestNeedsChecklist(t *testing.T) {
	m := &mockMutator{}
	m.On("UpdateExperiment", mock.Anything, mock.MatchedBy(func(in domain.ExperimentInput) bool {
		return in.ID == 7 && *in.PublishStatus == domain.PublishReview && *in.StatusNext == domain.StatusLive
	})).Return(message(`"success"`), nil).Once()
	ops := New(m)
	exp := experiment(domain.StatusDraft, domain.PublishIdle)
	ctx := context.Background()

	cbs := ops.Callbacks(exp, nil)
	assert.Contains(t, cbs, LaunchToPreview)
	assert.NotContains(t, cbs, RequestLaunch)

	_, err := ops.Invoke(ctx, RequestLaunch, exp, nil, domain.ExperimentInput{})
	assert.ErrorIs(t, err, ErrChecklistRequired)
	_, err = ops.RequestLaunchChecked(ctx, exp, nil, nil)
	assert.ErrorIs(t, err, ErrChecklistRequired)
	_, err = ops.RequestLaunchChecked(ctx, exp, nil, acknowledged(false))
	assert.ErrorIs(t, err, ErrChecklistRequired)
	m.AssertNotCalled(t, "UpdateExperiment", mock.Anything, mock.Anything)
	assert.False(t, ops.IsLoading())

	out, err := ops.RequestLaunchChecked(ctx, exp, nil, acknowledged(true))
	require.NoError(t, err)
	assert.Equal(t, OutcomeSuccess, out.Kind)
	m.AssertNumberOfCalls(t, "UpdateExperiment", 1)
}

func TestPreviewLaunchRequestIsDirect(t *testing.T) {
	m := &mockMutator{}
	m.On("UpdateExperiment", mock.Anything, mock.Anything).Return(message(`"success"`), nil).Once()
	ops := New(m)
	exp := experiment(domain.StatusPreview, domain.PublishIdle)

	a, ok := Affordances(exp, false).Action(RequestLaunch)
	require.True(t, ok)
	assert.True(t, a.Enabled)
	assert.False(t, a.NeedsChecklist)

	cbs := ops.Callbacks(exp, nil)
	require.Contains(t, cbs, RequestLaunch)
	out, err := cbs[RequestLaunch](context.Background(), domain.ExperimentInput{})
	require.NoError(t, err)
	assert.Equal(t, OutcomeSuccess, out.Kind)
	m.AssertExpectations(t)
}
