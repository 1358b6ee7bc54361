package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"experimenter/internal/domain"
	"experimenter/internal/engine/auth"
	"experimenter/internal/events"
	"experimenter/internal/repo"
)

var ErrNotWaiting = errors.New("experiment is not waiting on the publish gate")

// SweepResult counts what one publisher pass changed.
type SweepResult struct {
	Pushed    int `json:"pushed"`
	Completed int `json:"completed"`
	Expired   int `json:"expired"`
	Ended     int `json:"ended"`
}

func (r SweepResult) Total() int {
	return r.Pushed + r.Completed + r.Expired + r.Ended
}

// PushApproved hands every approved change to the publish gate.
func (e Engine) PushApproved(ctx context.Context) (int, error) {
	return e.moveAll(ctx, repo.ExperimentFilters{PublishStatus: string(domain.PublishApproved)}, func(ctx context.Context, tx *sql.Tx, exp domain.Experiment) error {
		next := exp
		next.PublishStatus = domain.PublishWaiting
		return e.apply(ctx, tx, exp, next, events.KindPublishPushed, SystemActor, "")
	})
}

// ResolveWaiting settles a change held by the publish gate. Accepted changes
// move status to statusNext; refused ones drop back to idle with a rejection.
func (e Engine) ResolveWaiting(ctx context.Context, id int64, accepted bool, message, actorID string) (domain.Experiment, error) {
	if actorID == "" {
		actorID = SystemActor
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Experiment{}, err
	}
	defer tx.Rollback()

	if actorID != SystemActor {
		if err := e.Auth.Require(ctx, tx, actorID, auth.PermPublish); err != nil {
			return domain.Experiment{}, err
		}
	}
	exp, err := e.Repo.GetExperimentTx(ctx, tx, id)
	if err != nil {
		return domain.Experiment{}, err
	}
	if err := e.resolve(ctx, tx, exp, accepted, message, actorID); err != nil {
		return domain.Experiment{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Experiment{}, err
	}
	return e.GetExperiment(ctx, id, actorID)
}

func (e Engine) resolve(ctx context.Context, tx *sql.Tx, exp domain.Experiment, accepted bool, message, actorID string) error {
	if exp.PublishStatus != domain.PublishWaiting {
		return ErrNotWaiting
	}
	next := exp
	next.PublishStatus = domain.PublishIdle
	next.StatusNext = nil
	if !accepted {
		if strings.TrimSpace(message) == "" {
			message = "Rejected by the publish gate"
		}
		if exp.Status == domain.StatusLive {
			next.IsEndRequested = false
		}
		return e.apply(ctx, tx, exp, next, events.KindReviewRejected, actorID, message)
	}
	if exp.StatusNext != nil {
		next.Status = *exp.StatusNext
	}
	return e.apply(ctx, tx, exp, next, events.KindPublishCompleted, actorID, message)
}

// AutoAck accepts every change that has waited at least delay.
func (e Engine) AutoAck(ctx context.Context, delay time.Duration) (int, error) {
	cutoff := e.now().Add(-delay).UTC().Format(time.RFC3339)
	return e.moveAll(ctx, repo.ExperimentFilters{PublishStatus: string(domain.PublishWaiting), ChangedBefore: cutoff}, func(ctx context.Context, tx *sql.Tx, exp domain.Experiment) error {
		return e.resolve(ctx, tx, exp, true, "", SystemActor)
	})
}

// ExpireWaiting sends changes that waited longer than timeout back to review
// and records a timeout event.
func (e Engine) ExpireWaiting(ctx context.Context, timeout time.Duration) (int, error) {
	cutoff := e.now().Add(-timeout).UTC().Format(time.RFC3339)
	return e.moveAll(ctx, repo.ExperimentFilters{PublishStatus: string(domain.PublishWaiting), ChangedBefore: cutoff}, func(ctx context.Context, tx *sql.Tx, exp domain.Experiment) error {
		next := exp
		next.PublishStatus = domain.PublishReview
		return e.apply(ctx, tx, exp, next, events.KindReviewTimeout, SystemActor, fmt.Sprintf("Publish gate did not respond within %s", timeout))
	})
}

// CompleteEndRequests finishes live experiments whose end was requested
// without the review gate.
func (e Engine) CompleteEndRequests(ctx context.Context) (int, error) {
	if e.endReview() {
		return 0, nil
	}
	return e.moveAll(ctx, repo.ExperimentFilters{Status: string(domain.StatusLive), PublishStatus: string(domain.PublishIdle)}, func(ctx context.Context, tx *sql.Tx, exp domain.Experiment) error {
		if !exp.IsEndRequested {
			return nil
		}
		next := exp
		next.Status = domain.StatusComplete
		return e.apply(ctx, tx, exp, next, events.KindPublishCompleted, SystemActor, "")
	})
}

// Sweep runs one publisher pass: push approved changes, auto-acknowledge or
// expire waiting ones, then complete plain end requests.
func (e Engine) Sweep(ctx context.Context) (SweepResult, error) {
	var res SweepResult
	var err error
	if res.Pushed, err = e.PushApproved(ctx); err != nil {
		return res, fmt.Errorf("push approved: %w", err)
	}
	if e.Config != nil && e.Config.Publisher.AutoAck {
		if res.Completed, err = e.AutoAck(ctx, e.Config.Publisher.PropagationDelay); err != nil {
			return res, fmt.Errorf("auto ack: %w", err)
		}
	}
	if e.Config != nil && e.Config.Publisher.WaitingTimeout > 0 {
		if res.Expired, err = e.ExpireWaiting(ctx, e.Config.Publisher.WaitingTimeout); err != nil {
			return res, fmt.Errorf("expire waiting: %w", err)
		}
	}
	if res.Ended, err = e.CompleteEndRequests(ctx); err != nil {
		return res, fmt.Errorf("complete end requests: %w", err)
	}
	e.Metrics.Published("pushed", res.Pushed)
	e.Metrics.Published("completed", res.Completed)
	e.Metrics.Published("expired", res.Expired)
	e.Metrics.Published("ended", res.Ended)
	return res, nil
}

// moveAll runs fn for every matching experiment inside one transaction and
// returns how many rows fn changed.
func (e Engine) moveAll(ctx context.Context, f repo.ExperimentFilters, fn func(context.Context, *sql.Tx, domain.Experiment) error) (int, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()
	list, err := e.Repo.ListExperimentsTx(ctx, tx, f)
	if err != nil {
		return 0, err
	}
	before, err := e.Repo.LatestChangelogIDTx(ctx, tx)
	if err != nil {
		return 0, err
	}
	for _, exp := range list {
		if err := fn(ctx, tx, exp); err != nil {
			return 0, fmt.Errorf("experiment %d: %w", exp.ID, err)
		}
	}
	after, err := e.Repo.LatestChangelogIDTx(ctx, tx)
	if err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return int(after - before), nil
}

// apply persists a lifecycle move made outside UpdateExperiment.
func (e Engine) apply(ctx context.Context, tx *sql.Tx, cur, next domain.Experiment, kind, actorID, message string) error {
	now := e.stamp()
	if next.PublishStatus != cur.PublishStatus {
		next.PublishChangedAt = now
	}
	next.UpdatedAt = now
	if err := e.Repo.UpdateExperiment(ctx, tx, next); err != nil {
		return err
	}
	if err := e.events().Append(ctx, tx, kind, cur.ID, actorID, events.Change{
		Message:    message,
		OldStatus:  cur.Status,
		NewStatus:  next.Status,
		OldPublish: cur.PublishStatus,
		NewPublish: next.PublishStatus,
	}, nil); err != nil {
		return err
	}
	e.Metrics.Change(kind)
	e.log().Info("publish state changed",
		zap.Int64("experiment_id", cur.ID),
		zap.String("kind", kind),
		zap.String("actor_id", actorID),
		zap.String("status", string(next.Status)),
		zap.String("publish_status", string(next.PublishStatus)))
	return nil
}
