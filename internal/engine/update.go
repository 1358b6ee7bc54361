package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"go.uber.org/zap"

	"experimenter/internal/domain"
	"experimenter/internal/engine/auth"
	"experimenter/internal/events"
)

// lifecycle is the slice of an experiment a lifecycle change may touch.
type lifecycle struct {
	Status  domain.Status
	Publish domain.PublishStatus
	Next    *domain.Status
	End     bool
}

func lifecycleOf(exp domain.Experiment) lifecycle {
	return lifecycle{Status: exp.Status, Publish: exp.PublishStatus, Next: exp.StatusNext, End: exp.IsEndRequested}
}

func (l lifecycle) String() string {
	next := "-"
	if l.Next != nil {
		next = string(*l.Next)
	}
	return fmt.Sprintf("%s/%s(next=%s,end=%t)", l.Status, l.Publish, next, l.End)
}

func sameNext(a, b *domain.Status) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

func nextIs(n *domain.Status, s domain.Status) bool {
	return n != nil && *n == s
}

// ensureLifecycleTransition names the changelog kind of a lifecycle move, or
// fails when the move is not one of the known transitions.
func ensureLifecycleTransition(from, to lifecycle, endReview bool) (string, error) {
	if from.Status == to.Status && from.Publish == to.Publish && sameNext(from.Next, to.Next) && from.End == to.End {
		return "", nil
	}
	keepsStatus := from.Status == to.Status
	switch {
	case from.Publish == domain.PublishIdle && to.Publish == domain.PublishReview:
		if keepsStatus && (from.Status == domain.StatusDraft || from.Status == domain.StatusPreview) &&
			nextIs(to.Next, domain.StatusLive) && !from.End && !to.End {
			return events.KindReviewRequested, nil
		}
		if keepsStatus && endReview && from.Status == domain.StatusLive &&
			nextIs(to.Next, domain.StatusComplete) && !from.End && to.End {
			return events.KindReviewRequested, nil
		}
	case from.Publish == domain.PublishReview && to.Publish == domain.PublishApproved:
		if keepsStatus && sameNext(from.Next, to.Next) && from.End == to.End {
			return events.KindReviewApproved, nil
		}
	case from.Publish == domain.PublishReview && to.Publish == domain.PublishIdle:
		if keepsStatus && to.Next == nil && (to.End == from.End || !to.End) {
			return events.KindReviewRejected, nil
		}
	case from.Publish == domain.PublishIdle && to.Publish == domain.PublishIdle:
		if to.Next == nil && from.End == to.End {
			if from.Status == domain.StatusDraft && to.Status == domain.StatusPreview {
				return events.KindStatusChanged, nil
			}
			if from.Status == domain.StatusPreview && to.Status == domain.StatusDraft {
				return events.KindStatusChanged, nil
			}
		}
		if keepsStatus && !endReview && from.Status == domain.StatusLive && !from.End && to.End && sameNext(from.Next, to.Next) {
			return events.KindEndRequested, nil
		}
	}
	return "", fmt.Errorf("invalid lifecycle transition %s -> %s", from, to)
}

func statusErrors(msgs ...string) map[string][]string {
	return map[string][]string{"status": msgs}
}

// readinessLines flattens a readiness map into sorted "field: message" lines.
func readinessLines(r domain.ReadyForReview) []string {
	keys := make([]string, 0, len(r.Message))
	for k := range r.Message {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	lines := make([]string, 0, len(keys))
	for _, k := range keys {
		lines = append(lines, fmt.Sprintf("%s: %s", k, strings.Join(r.Message[k], " ")))
	}
	return lines
}

// UpdateExperiment applies a partial update for actorID. Validation problems
// and transitions that do not fit the current state come back as a message
// map. Missing permissions and self-review are returned as errors.
func (e Engine) UpdateExperiment(ctx context.Context, in domain.ExperimentInput, actorID string) (domain.MutationResult, error) {
	if in.ID <= 0 {
		return domain.Invalid(map[string][]string{"id": {msgRequired}}), nil
	}
	if actorID == "" {
		return domain.MutationResult{}, errors.New("actor is required")
	}
	if in.Status != nil && !in.Status.Valid() {
		return e.refuse("validation", statusErrors(fmt.Sprintf("%q is not a valid status", *in.Status))), nil
	}
	if in.StatusNext != nil && !in.StatusNext.Valid() {
		return e.refuse("validation", map[string][]string{"status_next": {fmt.Sprintf("%q is not a valid status", *in.StatusNext)}}), nil
	}
	if in.PublishStatus != nil && !in.PublishStatus.Valid() {
		return e.refuse("validation", map[string][]string{"publish_status": {fmt.Sprintf("%q is not a valid publish status", *in.PublishStatus)}}), nil
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.MutationResult{}, err
	}
	defer tx.Rollback()

	cur, err := e.Repo.GetExperimentTx(ctx, tx, in.ID)
	if err != nil {
		return domain.MutationResult{}, err
	}
	if err := e.Auth.Require(ctx, tx, actorID, auth.PermUpdate); err != nil {
		e.Metrics.Refusal("forbidden")
		return domain.MutationResult{}, err
	}
	next := cur
	now := e.stamp()

	design := in.HasDesignChange()
	if design {
		if cur.Status != domain.StatusDraft || cur.PublishStatus != domain.PublishIdle {
			return e.refuse("locked", statusErrors("Only an idle draft can be edited.")), nil
		}
		if errs := validateDesign(in); len(errs) > 0 {
			return e.refuse("validation", errs), nil
		}
		applyDesign(&next, in)
	}

	var kind string
	if in.HasLifecycleChange() {
		from := lifecycleOf(cur)
		to := from
		if in.Status != nil {
			to.Status = *in.Status
		}
		if in.StatusNext != nil {
			to.Next = in.StatusNext
		} else if in.ClearStatusNext {
			to.Next = nil
		}
		if in.PublishStatus != nil {
			to.Publish = *in.PublishStatus
		}
		if in.IsEndRequested != nil {
			to.End = *in.IsEndRequested
		}
		kind, err = ensureLifecycleTransition(from, to, e.endReview())
		if err != nil {
			return e.refuse("transition", statusErrors(err.Error())), nil
		}
		switch kind {
		case events.KindReviewRequested, events.KindStatusChanged:
			launching := kind == events.KindReviewRequested && cur.Status != domain.StatusLive
			if launching || to.Status == domain.StatusPreview {
				if ready := Readiness(next); !ready.Ready {
					return e.refuse("not_ready", statusErrors(readinessLines(ready)...)), nil
				}
			}
		case events.KindReviewApproved, events.KindReviewRejected:
			if err := e.Auth.Require(ctx, tx, actorID, auth.PermReview); err != nil {
				e.Metrics.Refusal("forbidden")
				return domain.MutationResult{}, err
			}
			request, err := e.latestChange(ctx, tx, cur.ID, events.KindReviewRequested)
			if err != nil {
				return domain.MutationResult{}, err
			}
			if request != nil && request.ActorID == actorID {
				e.Metrics.Refusal("self_review")
				return domain.MutationResult{}, ErrSelfReview
			}
			if kind == events.KindReviewRejected && (in.ChangelogMessage == nil || strings.TrimSpace(*in.ChangelogMessage) == "") {
				return e.refuse("validation", map[string][]string{"changelog_message": {"A reason is required to reject a change."}}), nil
			}
			if kind == events.KindReviewRejected && cur.Status == domain.StatusLive {
				to.End = false
			}
		}
		if to.Publish != cur.PublishStatus {
			next.PublishChangedAt = now
		}
		next.Status, next.PublishStatus, next.StatusNext, next.IsEndRequested = to.Status, to.Publish, to.Next, to.End
	}
	if !design && kind == "" {
		return domain.Success(), nil
	}

	next.UpdatedAt = now
	if err := e.Repo.UpdateExperiment(ctx, tx, next); err != nil {
		return domain.MutationResult{}, err
	}
	w := e.events()
	if design {
		if err := w.Append(ctx, tx, events.KindUpdated, cur.ID, actorID, events.Change{}, events.EventPayload{"fields": designFields(in)}); err != nil {
			return domain.MutationResult{}, err
		}
	}
	if kind != "" {
		msg := ""
		if in.ChangelogMessage != nil {
			msg = strings.TrimSpace(*in.ChangelogMessage)
		}
		payload := events.EventPayload{}
		if next.StatusNext != nil {
			payload["status_next"] = string(*next.StatusNext)
		}
		if next.IsEndRequested != cur.IsEndRequested {
			payload["is_end_requested"] = next.IsEndRequested
		}
		if err := w.Append(ctx, tx, kind, cur.ID, actorID, events.Change{
			Message:    msg,
			OldStatus:  cur.Status,
			NewStatus:  next.Status,
			OldPublish: cur.PublishStatus,
			NewPublish: next.PublishStatus,
		}, payload); err != nil {
			return domain.MutationResult{}, err
		}
	}
	if err := tx.Commit(); err != nil {
		return domain.MutationResult{}, err
	}
	if kind != "" {
		e.Metrics.Change(kind)
		e.log().Info("lifecycle change applied",
			zap.Int64("experiment_id", cur.ID),
			zap.String("kind", kind),
			zap.String("actor_id", actorID),
			zap.Stringer("from", lifecycleOf(cur)),
			zap.Stringer("to", lifecycleOf(next)))
	}
	return domain.Success(), nil
}

func (e Engine) refuse(reason string, errs map[string][]string) domain.MutationResult {
	e.Metrics.Refusal(reason)
	e.log().Debug("update refused", zap.String("reason", reason), zap.Any("errors", errs))
	return domain.Invalid(errs)
}

func designFields(in domain.ExperimentInput) []string {
	var out []string
	add := func(set bool, name string) {
		if set {
			out = append(out, name)
		}
	}
	add(in.Name != nil, "name")
	add(in.Hypothesis != nil, "hypothesis")
	add(in.PublicDescription != nil, "public_description")
	add(in.RiskMitigationLink != nil, "risk_mitigation_link")
	add(in.FeatureConfig != nil, "feature_config")
	add(in.ReferenceBranch != nil, "reference_branch")
	add(in.TreatmentBranches != nil, "treatment_branches")
	add(in.Channel != nil, "channel")
	add(in.FirefoxMinVersion != nil, "firefox_min_version")
	add(in.TargetingConfigSlug != nil, "targeting_config_slug")
	add(in.PopulationPercent != nil, "population_percent")
	add(in.ProposedDuration != nil, "proposed_duration")
	add(in.ProposedEnrollment != nil, "proposed_enrollment")
	return out
}
