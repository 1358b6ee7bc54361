// Package client talks to the experimenter GraphQL endpoint.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	graphql "github.com/hasura/go-graphql-client"

	"experimenter/internal/domain"
)

const experimentFields = `fragment experimentFields on Experiment {
  id slug name owner status publishStatus statusNext isEndRequested canReview
  reviewRequest { changedBy changedOn message }
  rejection { changedBy changedOn message }
  timeout { changedBy changedOn message }
  readyForReview { ready message }
  resultsReady hypothesis publicDescription riskMitigationLink featureConfig
  referenceBranch { name slug description ratio }
  treatmentBranches { name slug description ratio }
  channel firefoxMinVersion targetingConfigSlug populationPercent proposedDuration proposedEnrollment
  publishChangedAt createdAt updatedAt
}`

const (
	getExperimentQuery = `query getExperiment($id: Int, $slug: String) {
  experiment(id: $id, slug: $slug) { ...experimentFields }
}
` + experimentFields
	getAllExperimentsQuery = `query getAllExperiments($status: NimbusExperimentStatus, $publishStatus: NimbusExperimentPublishStatus, $owner: String) {
  experiments(status: $status, publishStatus: $publishStatus, owner: $owner) { ...experimentFields }
}
` + experimentFields
	createExperimentMutation = `mutation createExperiment($input: CreateExperimentInput!) {
  createExperiment(input: $input) { message experiment { ...experimentFields } }
}
` + experimentFields
	updateExperimentMutation = `mutation updateExperiment($input: ExperimentInput!) {
  updateExperiment(input: $input) { message }
}`
)

// DefaultTimeout bounds every request made by a client from New.
const DefaultTimeout = 10 * time.Second

// Client is a minimal experimenter GraphQL client. Credentials are read on
// every request; set them before sharing the client between goroutines.
type Client struct {
	Endpoint    string
	APIKey      string
	BearerToken string
	// ActorID is sent as X-Actor-Id when no other credentials are set.
	ActorID string

	gql *graphql.Client
}

// New creates a client whose transport turns non-2xx replies into *APIError.
func New(endpoint string) *Client {
	return NewWithHTTPClient(endpoint, &http.Client{Timeout: DefaultTimeout})
}

// NewWithHTTPClient is New with a caller-supplied HTTP client. Its transport
// is wrapped, the client itself is not modified.
func NewWithHTTPClient(endpoint string, hc *http.Client) *Client {
	base := hc.Transport
	if base == nil {
		base = http.DefaultTransport
	}
	wrapped := *hc
	wrapped.Transport = statusTransport{base: base}
	c := &Client{Endpoint: endpoint}
	c.gql = graphql.NewClient(endpoint, &wrapped).WithRequestModifier(c.authorize)
	return c
}

func (c *Client) authorize(req *http.Request) {
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	case c.ActorID != "":
		req.Header.Set("X-Actor-Id", c.ActorID)
	}
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

type GraphQLError struct {
	Message    string         `json:"message"`
	Extensions map[string]any `json:"extensions,omitempty"`
}

// Errors is the errors list of a GraphQL response.
type Errors []GraphQLError

func (e Errors) Error() string {
	msgs := make([]string, 0, len(e))
	for _, err := range e {
		msgs = append(msgs, err.Message)
	}
	return "graphql: " + strings.Join(msgs, "; ")
}

// Code returns the extension code of the first error.
func (e Errors) Code() string {
	if len(e) == 0 {
		return ""
	}
	code, _ := e[0].Extensions["code"].(string)
	return code
}

// Filter narrows Experiments.
type Filter struct {
	Status        string
	PublishStatus string
	Owner         string
}

// Experiment fetches one experiment. It returns nil when it does not exist.
func (c *Client) Experiment(ctx context.Context, id int64) (*domain.Experiment, error) {
	var resp struct {
		Experiment *domain.Experiment `json:"experiment"`
	}
	err := c.do(ctx, "getExperiment", getExperimentQuery, map[string]any{"id": id}, &resp)
	return resp.Experiment, err
}

func (c *Client) ExperimentBySlug(ctx context.Context, slug string) (*domain.Experiment, error) {
	var resp struct {
		Experiment *domain.Experiment `json:"experiment"`
	}
	err := c.do(ctx, "getExperiment", getExperimentQuery, map[string]any{"slug": slug}, &resp)
	return resp.Experiment, err
}

func (c *Client) Experiments(ctx context.Context, f Filter) ([]domain.Experiment, error) {
	vars := map[string]any{}
	if f.Status != "" {
		vars["status"] = strings.ToUpper(f.Status)
	}
	if f.PublishStatus != "" {
		vars["publishStatus"] = strings.ToUpper(f.PublishStatus)
	}
	if f.Owner != "" {
		vars["owner"] = f.Owner
	}
	var resp struct {
		Experiments []domain.Experiment `json:"experiments"`
	}
	err := c.do(ctx, "getAllExperiments", getAllExperimentsQuery, vars, &resp)
	return resp.Experiments, err
}

// CreateExperiment creates a draft. The experiment is nil when the message
// is a validation map.
func (c *Client) CreateExperiment(ctx context.Context, name, hypothesis, publicDescription string) (domain.MutationResult, *domain.Experiment, error) {
	var resp struct {
		CreateExperiment *struct {
			Message    json.RawMessage    `json:"message"`
			Experiment *domain.Experiment `json:"experiment"`
		} `json:"createExperiment"`
	}
	err := c.do(ctx, "createExperiment", createExperimentMutation, map[string]any{"input": map[string]any{
		"name":              name,
		"hypothesis":        hypothesis,
		"publicDescription": publicDescription,
	}}, &resp)
	if err != nil || resp.CreateExperiment == nil {
		return domain.MutationResult{}, nil, err
	}
	return domain.MutationResult{Message: resp.CreateExperiment.Message}, resp.CreateExperiment.Experiment, nil
}

// UpdateExperiment sends a partial update. A response without data yields a
// result with no message.
func (c *Client) UpdateExperiment(ctx context.Context, in domain.ExperimentInput) (domain.MutationResult, error) {
	var resp struct {
		UpdateExperiment *domain.MutationResult `json:"updateExperiment"`
	}
	if err := c.do(ctx, "updateExperiment", updateExperimentMutation, map[string]any{"input": in}, &resp); err != nil {
		return domain.MutationResult{}, err
	}
	if resp.UpdateExperiment == nil {
		return domain.MutationResult{}, nil
	}
	return *resp.UpdateExperiment, nil
}

type statusSlot struct{}

// statusTransport fails non-2xx round trips with an *APIError and parks it
// in the request context so do can return it unwrapped.
type statusTransport struct{ base http.RoundTripper }

func (t statusTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	res, err := t.base.RoundTrip(req)
	if err != nil || res.StatusCode < 300 {
		return res, err
	}
	defer res.Body.Close()
	b, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
	apiErr := &APIError{StatusCode: res.StatusCode, Body: string(b)}
	if slot, ok := req.Context().Value(statusSlot{}).(**APIError); ok {
		*slot = apiErr
	}
	return nil, apiErr
}

func (c *Client) do(ctx context.Context, op, query string, vars map[string]any, out any) error {
	var apiErr *APIError
	ctx = context.WithValue(ctx, statusSlot{}, &apiErr)
	data, err := c.gql.ExecRaw(ctx, query, vars, graphql.OperationName(op))
	if apiErr != nil {
		return apiErr
	}
	if err != nil {
		var gqlErrs graphql.Errors
		if !errors.As(err, &gqlErrs) {
			return fmt.Errorf("%s: %w", op, err)
		}
		list := make(Errors, 0, len(gqlErrs))
		for _, e := range gqlErrs {
			list = append(list, GraphQLError{Message: e.Message, Extensions: e.Extensions})
		}
		return list
	}
	if out == nil || len(data) == 0 || string(data) == "null" {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode %s response: %w", op, err)
	}
	return nil
}
