package server

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"path"
	"strings"

	"github.com/go-chi/chi/v5"
	graphql "github.com/graph-gophers/graphql-go"
	"github.com/graph-gophers/graphql-go/relay"
	"go.uber.org/zap"

	"experimenter/internal/domain"
	"experimenter/internal/engine"
	"experimenter/internal/repo"
)

// Operation names understood by the GraphQL endpoint.
const (
	OpGetExperiment     = "getExperiment"
	OpGetAllExperiments = "getAllExperiments"
	OpCreateExperiment  = "createExperiment"
	OpUpdateExperiment  = "updateExperiment"
)

//go:embed schema.graphql
var schemaSDL string

func newSchema(e engine.Engine, logger *zap.Logger) *graphql.Schema {
	return graphql.MustParseSchema(schemaSDL, &rootResolver{engine: e, logger: logger},
		graphql.Logger(panicLogger{logger}),
		graphql.MaxDepth(8),
	)
}

func registerGraphQL(r chi.Router, basePath string, e engine.Engine, logger *zap.Logger) {
	r.Method(http.MethodPost, path.Join(basePath, "graphql"), &relay.Handler{Schema: newSchema(e, logger)})
}

type panicLogger struct{ logger *zap.Logger }

func (l panicLogger) LogPanic(ctx context.Context, value interface{}) {
	l.logger.Error("graphql resolver panic", zap.Any("panic", value))
}

// resolverError carries the error envelope code into the GraphQL extensions.
type resolverError struct {
	code    string
	message string
}

func (e resolverError) Error() string { return e.message }

func (e resolverError) Extensions() map[string]interface{} {
	return map[string]interface{}{"code": e.code}
}

type rootResolver struct {
	engine engine.Engine
	logger *zap.Logger
}

func (r *rootResolver) fail(field string, err error) error {
	se := handleError(err)
	code := defaultCodeForStatus(se.GetStatus())
	if ae, ok := se.(*apiError); ok {
		code = ae.Body.Code
	}
	r.logger.Debug("graphql field failed", zap.String("field", field), zap.String("code", code), zap.Error(err))
	return resolverError{code: code, message: se.Error()}
}

func (r *rootResolver) Experiment(ctx context.Context, args struct {
	ID   *int32
	Slug *string
}) (*experimentResolver, error) {
	v, err := reader(ctx, r.engine)
	if err != nil {
		return nil, r.fail("experiment", err)
	}
	var id int64
	switch {
	case args.ID != nil:
		id = int64(*args.ID)
	case args.Slug != nil && *args.Slug != "":
		found, err := r.engine.Repo.GetExperimentBySlug(ctx, *args.Slug)
		if errors.Is(err, repo.ErrNotFound) {
			return nil, nil
		}
		if err != nil {
			return nil, r.fail("experiment", err)
		}
		id = found.ID
	default:
		return nil, r.fail("experiment", errors.New("id or slug is required"))
	}
	exp, err := r.engine.GetExperiment(ctx, id, v.ActorID)
	if errors.Is(err, repo.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, r.fail("experiment", err)
	}
	return &experimentResolver{exp}, nil
}

func (r *rootResolver) Experiments(ctx context.Context, args struct {
	Status        *string
	PublishStatus *string
	Owner         *string
}) ([]*experimentResolver, error) {
	v, err := reader(ctx, r.engine)
	if err != nil {
		return nil, r.fail("experiments", err)
	}
	f, err := experimentFilters(deref(args.Status), deref(args.PublishStatus))
	if err != nil {
		return nil, r.fail("experiments", err)
	}
	f.Owner = deref(args.Owner)
	items, err := r.engine.ListExperiments(ctx, f, v.ActorID)
	if err != nil {
		return nil, r.fail("experiments", err)
	}
	out := make([]*experimentResolver, 0, len(items))
	for _, exp := range items {
		out = append(out, &experimentResolver{exp})
	}
	return out, nil
}

type createPayload struct {
	message    jsonValue
	experiment *domain.Experiment
}

func (p *createPayload) Message() *jsonValue {
	return p.message.ptr()
}

func (p *createPayload) Experiment() *experimentResolver {
	if p.experiment == nil {
		return nil
	}
	return &experimentResolver{*p.experiment}
}

func (r *rootResolver) CreateExperiment(ctx context.Context, args struct {
	Input struct {
		Name              string
		Hypothesis        *string
		PublicDescription *string
	}
}) (*createPayload, error) {
	v, authErr := viewerFrom(ctx)
	if authErr != nil {
		return nil, r.fail("createExperiment", authErr)
	}
	if strings.TrimSpace(args.Input.Name) == "" {
		return &createPayload{message: jsonValue(domain.Invalid(map[string][]string{"name": {"This field may not be blank."}}).Message)}, nil
	}
	exp, err := r.engine.CreateExperiment(ctx, engine.CreateOptions{
		Name:              args.Input.Name,
		Hypothesis:        deref(args.Input.Hypothesis),
		PublicDescription: deref(args.Input.PublicDescription),
		ActorID:           v.ActorID,
	})
	if err != nil {
		return nil, r.fail("createExperiment", err)
	}
	return &createPayload{message: jsonValue(domain.Success().Message), experiment: &exp}, nil
}

type mutationResult struct{ message jsonValue }

func (m *mutationResult) Message() *jsonValue { return m.message.ptr() }

func (r *rootResolver) UpdateExperiment(ctx context.Context, args struct{ Input experimentInput }) (*mutationResult, error) {
	v, authErr := viewerFrom(ctx)
	if authErr != nil {
		return nil, r.fail("updateExperiment", authErr)
	}
	if args.Input.ID == 0 {
		return nil, r.fail("updateExperiment", errors.New("input.id is required"))
	}
	res, err := r.engine.UpdateExperiment(ctx, args.Input.domain(), v.ActorID)
	if err != nil {
		return nil, r.fail("updateExperiment", err)
	}
	return &mutationResult{message: jsonValue(res.Message)}, nil
}

type branchInput struct {
	Name        string
	Slug        string
	Description *string
	Ratio       int32
}

func (b branchInput) domain() domain.Branch {
	return domain.Branch{Name: b.Name, Slug: b.Slug, Description: deref(b.Description), Ratio: int(b.Ratio)}
}

type experimentInput struct {
	ID                  int32
	Status              *string
	StatusNext          nullStatus
	PublishStatus       *string
	IsEndRequested      *bool
	ChangelogMessage    *string
	Name                *string
	Hypothesis          *string
	PublicDescription   *string
	RiskMitigationLink  *string
	FeatureConfig       *string
	ReferenceBranch     *branchInput
	TreatmentBranches   *[]branchInput
	Channel             *string
	FirefoxMinVersion   *string
	TargetingConfigSlug *string
	PopulationPercent   *float64
	ProposedDuration    *int32
	ProposedEnrollment  *int32
}

func (in experimentInput) domain() domain.ExperimentInput {
	out := domain.ExperimentInput{
		ID:                  int64(in.ID),
		StatusNext:          in.StatusNext.Value,
		ClearStatusNext:     in.StatusNext.Set && in.StatusNext.Value == nil,
		IsEndRequested:      in.IsEndRequested,
		ChangelogMessage:    in.ChangelogMessage,
		Name:                in.Name,
		Hypothesis:          in.Hypothesis,
		PublicDescription:   in.PublicDescription,
		RiskMitigationLink:  in.RiskMitigationLink,
		FeatureConfig:       in.FeatureConfig,
		Channel:             in.Channel,
		FirefoxMinVersion:   in.FirefoxMinVersion,
		TargetingConfigSlug: in.TargetingConfigSlug,
		PopulationPercent:   in.PopulationPercent,
	}
	if in.Status != nil {
		out.Status = domain.Ptr(domain.Status(*in.Status))
	}
	if in.PublishStatus != nil {
		out.PublishStatus = domain.Ptr(domain.PublishStatus(*in.PublishStatus))
	}
	if in.ReferenceBranch != nil {
		out.ReferenceBranch = domain.Ptr(in.ReferenceBranch.domain())
	}
	if in.TreatmentBranches != nil {
		out.TreatmentBranches = make([]domain.Branch, 0, len(*in.TreatmentBranches))
		for _, b := range *in.TreatmentBranches {
			out.TreatmentBranches = append(out.TreatmentBranches, b.domain())
		}
	}
	if in.ProposedDuration != nil {
		out.ProposedDuration = domain.Ptr(int(*in.ProposedDuration))
	}
	if in.ProposedEnrollment != nil {
		out.ProposedEnrollment = domain.Ptr(int(*in.ProposedEnrollment))
	}
	return out
}

// nullStatus tells an omitted statusNext apart from an explicit null.
type nullStatus struct {
	Value *domain.Status
	Set   bool
}

func (nullStatus) ImplementsGraphQLType(name string) bool {
	return name == "NimbusExperimentStatus"
}

func (n *nullStatus) UnmarshalGraphQL(input interface{}) error {
	n.Set = true
	if input == nil {
		return nil
	}
	s, ok := input.(string)
	if !ok {
		return fmt.Errorf("statusNext: expected a status, got %T", input)
	}
	status, err := domain.ParseStatus(s)
	if err != nil {
		return err
	}
	n.Value = &status
	return nil
}

func (n *nullStatus) Nullable() {}

// jsonValue is the JSON scalar.
type jsonValue json.RawMessage

func (jsonValue) ImplementsGraphQLType(name string) bool { return name == "JSON" }

func (j *jsonValue) UnmarshalGraphQL(input interface{}) error {
	b, err := json.Marshal(input)
	if err != nil {
		return err
	}
	*j = b
	return nil
}

func (j jsonValue) MarshalJSON() ([]byte, error) {
	if len(j) == 0 {
		return []byte("null"), nil
	}
	return j, nil
}

func (j jsonValue) ptr() *jsonValue {
	if len(j) == 0 {
		return nil
	}
	return &j
}

type experimentResolver struct{ exp domain.Experiment }

func (r *experimentResolver) ID() int32                           { return int32(r.exp.ID) }
func (r *experimentResolver) Slug() string                        { return r.exp.Slug }
func (r *experimentResolver) Name() string                        { return r.exp.Name }
func (r *experimentResolver) Owner() string                       { return r.exp.Owner }
func (r *experimentResolver) Status() domain.Status               { return r.exp.Status }
func (r *experimentResolver) PublishStatus() domain.PublishStatus { return r.exp.PublishStatus }
func (r *experimentResolver) StatusNext() *domain.Status          { return r.exp.StatusNext }
func (r *experimentResolver) IsEndRequested() bool                { return r.exp.IsEndRequested }
func (r *experimentResolver) CanReview() bool                     { return r.exp.CanReview }
func (r *experimentResolver) ResultsReady() bool                  { return r.exp.ResultsReady }
func (r *experimentResolver) Hypothesis() string                  { return r.exp.Hypothesis }
func (r *experimentResolver) PublicDescription() string           { return r.exp.PublicDescription }
func (r *experimentResolver) RiskMitigationLink() string          { return r.exp.RiskMitigationLink }
func (r *experimentResolver) FeatureConfig() string               { return r.exp.FeatureConfig }
func (r *experimentResolver) Channel() string                     { return r.exp.Channel }
func (r *experimentResolver) FirefoxMinVersion() string           { return r.exp.FirefoxMinVersion }
func (r *experimentResolver) TargetingConfigSlug() string         { return r.exp.TargetingConfigSlug }
func (r *experimentResolver) PopulationPercent() float64          { return r.exp.PopulationPercent }
func (r *experimentResolver) ProposedDuration() int32             { return int32(r.exp.ProposedDuration) }
func (r *experimentResolver) ProposedEnrollment() int32           { return int32(r.exp.ProposedEnrollment) }
func (r *experimentResolver) CreatedAt() string                   { return r.exp.CreatedAt }
func (r *experimentResolver) UpdatedAt() string                   { return r.exp.UpdatedAt }
func (r *experimentResolver) ReviewRequest() *changeEventResolver { return changeEvent(r.exp.ReviewRequest) }
func (r *experimentResolver) Rejection() *changeEventResolver     { return changeEvent(r.exp.Rejection) }
func (r *experimentResolver) Timeout() *changeEventResolver       { return changeEvent(r.exp.Timeout) }
func (r *experimentResolver) ReferenceBranch() *branchResolver    { return branch(r.exp.ReferenceBranch) }
func (r *experimentResolver) PublishChangedAt() *string           { return optional(r.exp.PublishChangedAt) }

func (r *experimentResolver) TreatmentBranches() []*branchResolver {
	out := make([]*branchResolver, 0, len(r.exp.TreatmentBranches))
	for i := range r.exp.TreatmentBranches {
		out = append(out, branch(&r.exp.TreatmentBranches[i]))
	}
	return out
}

func (r *experimentResolver) ReadyForReview() (*readyResolver, error) {
	rfr := r.exp.ReadyForReview
	if rfr == nil {
		return nil, nil
	}
	msg, err := json.Marshal(nonNilMap(rfr.Message))
	if err != nil {
		return nil, err
	}
	return &readyResolver{ready: rfr.Ready, message: msg}, nil
}

type readyResolver struct {
	ready   bool
	message jsonValue
}

func (r *readyResolver) Ready() bool        { return r.ready }
func (r *readyResolver) Message() jsonValue { return r.message }

type changeEventResolver struct{ ev domain.ChangeEvent }

func changeEvent(ev *domain.ChangeEvent) *changeEventResolver {
	if ev == nil {
		return nil
	}
	return &changeEventResolver{*ev}
}

func (r *changeEventResolver) ChangedBy() string { return r.ev.ChangedBy }
func (r *changeEventResolver) ChangedOn() string { return r.ev.ChangedOn }
func (r *changeEventResolver) Message() *string  { return optional(r.ev.Message) }

type branchResolver struct{ b domain.Branch }

func branch(b *domain.Branch) *branchResolver {
	if b == nil {
		return nil
	}
	return &branchResolver{*b}
}

func (r *branchResolver) Name() string         { return r.b.Name }
func (r *branchResolver) Slug() string         { return r.b.Slug }
func (r *branchResolver) Description() *string { return optional(r.b.Description) }
func (r *branchResolver) Ratio() int32         { return int32(r.b.Ratio) }

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func nonNilMap(m map[string][]string) map[string][]string {
	if m == nil {
		return map[string][]string{}
	}
	return m
}
