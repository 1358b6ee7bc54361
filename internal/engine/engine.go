package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"experimenter/internal/config"
	"experimenter/internal/domain"
	"experimenter/internal/engine/auth"
	"experimenter/internal/events"
	"experimenter/internal/metrics"
	"experimenter/internal/repo"
)

// SystemActor is recorded on changes made by the publisher.
const SystemActor = "system:publisher"

var ErrSelfReview = errors.New("the requester of a change cannot review it")

type Engine struct {
	DB      *sql.DB
	Repo    repo.Repo
	Auth    auth.Service
	Config  *config.Config
	Now     func() time.Time
	Logger  *zap.Logger
	Metrics *metrics.Metrics
}

func New(db *sql.DB, cfg *config.Config) Engine {
	return Engine{
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Auth:   auth.Service{DB: db},
		Config: cfg,
		Now:    time.Now,
		Logger: zap.NewNop(),
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) stamp() string {
	return e.now().UTC().Format(time.RFC3339)
}

func (e Engine) events() events.Writer {
	return events.Writer{DB: e.DB, Now: e.now}
}

func (e Engine) log() *zap.Logger {
	if e.Logger != nil {
		return e.Logger
	}
	return zap.NewNop()
}

func (e Engine) endReview() bool {
	return e.Config != nil && e.Config.Workflow.EndReview
}

// CreateOptions are parameters for creating an experiment.
type CreateOptions struct {
	Name              string
	Hypothesis        string
	PublicDescription string
	ActorID           string
}

func (e Engine) CreateExperiment(ctx context.Context, opts CreateOptions) (domain.Experiment, error) {
	name := strings.TrimSpace(opts.Name)
	if name == "" {
		return domain.Experiment{}, errors.New("name is required")
	}
	if opts.ActorID == "" {
		return domain.Experiment{}, errors.New("actor is required")
	}
	now := e.stamp()
	slug := Slugify(name)
	if _, err := e.Repo.GetExperimentBySlug(ctx, slug); err == nil {
		slug = slug + "-" + uuid.NewSHA1(uuid.NameSpaceOID, []byte(name+"|"+now)).String()[:8]
	} else if !errors.Is(err, repo.ErrNotFound) {
		return domain.Experiment{}, err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Experiment{}, err
	}
	defer tx.Rollback()

	if err := e.Auth.Require(ctx, tx, opts.ActorID, auth.PermCreate); err != nil {
		return domain.Experiment{}, err
	}
	exp := domain.Experiment{
		Slug:              slug,
		Name:              name,
		Owner:             opts.ActorID,
		Status:            domain.StatusDraft,
		PublishStatus:     domain.PublishIdle,
		Hypothesis:        opts.Hypothesis,
		PublicDescription: opts.PublicDescription,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	id, err := e.Repo.InsertExperiment(ctx, tx, exp)
	if err != nil {
		return domain.Experiment{}, err
	}
	exp.ID = id
	if err := e.events().Append(ctx, tx, events.KindCreated, id, opts.ActorID, events.Change{
		NewStatus:  exp.Status,
		NewPublish: exp.PublishStatus,
	}, events.EventPayload{"name": exp.Name, "slug": exp.Slug}); err != nil {
		return domain.Experiment{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Experiment{}, err
	}
	e.Metrics.Change(events.KindCreated)
	e.log().Info("experiment created", zap.Int64("experiment_id", id), zap.String("slug", slug), zap.String("actor_id", opts.ActorID))
	return e.view(ctx, nil, exp, opts.ActorID)
}

// GetExperiment loads an experiment as seen by viewer: canReview, the change
// event records and the readiness snapshot are filled in.
func (e Engine) GetExperiment(ctx context.Context, id int64, viewer string) (domain.Experiment, error) {
	exp, err := e.Repo.GetExperiment(ctx, id)
	if err != nil {
		return exp, err
	}
	return e.view(ctx, nil, exp, viewer)
}

func (e Engine) ListExperiments(ctx context.Context, f repo.ExperimentFilters, viewer string) ([]domain.Experiment, error) {
	list, err := e.Repo.ListExperiments(ctx, f)
	if err != nil {
		return nil, err
	}
	out := make([]domain.Experiment, 0, len(list))
	for _, exp := range list {
		v, err := e.view(ctx, nil, exp, viewer)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

func (e Engine) Changelog(ctx context.Context, experimentID int64, limit int) ([]domain.ChangelogEntry, error) {
	if _, err := e.Repo.GetExperiment(ctx, experimentID); err != nil {
		return nil, err
	}
	return e.Repo.ListChangelog(ctx, repo.ChangelogFilters{ExperimentID: experimentID, Limit: limit})
}

func (e Engine) view(ctx context.Context, tx *sql.Tx, exp domain.Experiment, viewer string) (domain.Experiment, error) {
	request, err := e.latestChange(ctx, tx, exp.ID, events.KindReviewRequested)
	if err != nil {
		return exp, err
	}
	rejection, err := e.latestChange(ctx, tx, exp.ID, events.KindReviewRejected)
	if err != nil {
		return exp, err
	}
	timeout, err := e.latestChange(ctx, tx, exp.ID, events.KindReviewTimeout)
	if err != nil {
		return exp, err
	}
	var requestID int64
	if request != nil {
		requestID = request.ID
	}
	exp.ReviewRequest, exp.Rejection, exp.Timeout = nil, nil, nil
	if request != nil && exp.PublishStatus != domain.PublishIdle {
		exp.ReviewRequest = changeEvent(request)
	}
	if rejection != nil && rejection.ID > requestID {
		exp.Rejection = changeEvent(rejection)
	}
	if timeout != nil && timeout.ID > requestID && exp.PublishStatus == domain.PublishReview {
		exp.Timeout = changeEvent(timeout)
	}
	exp.CanReview = false
	if exp.PublishStatus == domain.PublishReview && request != nil {
		ok, err := e.Auth.CanReview(ctx, tx, viewer, request.ActorID)
		if err != nil {
			return exp, err
		}
		exp.CanReview = ok
	}
	ready := Readiness(exp)
	exp.ReadyForReview = &ready
	return exp, nil
}

func (e Engine) latestChange(ctx context.Context, tx *sql.Tx, id int64, kind string) (*domain.ChangelogEntry, error) {
	c, err := e.Repo.LatestChange(ctx, tx, id, kind)
	if errors.Is(err, repo.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", kind, err)
	}
	return &c, nil
}

func changeEvent(c *domain.ChangelogEntry) *domain.ChangeEvent {
	return &domain.ChangeEvent{ChangedBy: c.ActorID, ChangedOn: c.TS, Message: c.Message}
}

// Slugify lowercases name and joins its alphanumeric runs with dashes.
func Slugify(name string) string {
	var b strings.Builder
	dash := false
	for _, r := range strings.ToLower(name) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
			dash = false
		case b.Len() > 0 && !dash:
			b.WriteByte('-')
			dash = true
		}
	}
	s := strings.TrimSuffix(b.String(), "-")
	if s == "" {
		return "experiment"
	}
	return s
}
