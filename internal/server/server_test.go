package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"

	"experimenter/internal/approval"
	"experimenter/internal/client"
	"experimenter/internal/config"
	"experimenter/internal/db"
	"experimenter/internal/domain"
	"experimenter/internal/engine"
	"experimenter/internal/metrics"
	"experimenter/internal/migrate"
)

const testSecret = "test-secret"

type testServer struct {
	URL    string
	Engine engine.Engine
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

// newTestServer serves a fresh workspace where alice owns and bob reviews.
// Requests may name their actor with X-Actor-Id.
func newTestServer(t *testing.T) (*testServer, func()) {
	t.Helper()
	workspace := t.TempDir()
	cfg := config.Default()
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	e := engine.New(conn, cfg)
	e.Metrics = metrics.New()
	ctx := context.Background()
	if err := e.SyncRBAC(ctx, "alice"); err != nil {
		t.Fatalf("sync rbac: %v", err)
	}
	if err := e.GrantRole(ctx, "alice", "bob", "reviewer"); err != nil {
		t.Fatalf("grant reviewer: %v", err)
	}
	handler, err := New(Config{
		Engine:   e,
		BasePath: "/v0",
		Auth:     AuthConfig{JWTSecret: testSecret, AllowLegacyActorHeader: true},
		Metrics:  e.Metrics,
	})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	testSrv := &testServer{
		URL:    "http://" + ln.Addr().String(),
		Engine: e,
		client: &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			conn.Close()
		},
	}
	return testSrv, func() { testSrv.Close() }
}

func as(actor string) map[string]string {
	return map[string]string{"X-Actor-Id": actor}
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

const experimentSelection = `{
  id slug name owner status publishStatus statusNext isEndRequested canReview
  reviewRequest { changedBy changedOn message }
  readyForReview { ready message }
}`

var gqlDocuments = map[string]string{
	OpGetExperiment: `query getExperiment($id: Int, $slug: String) {
  experiment(id: $id, slug: $slug) ` + experimentSelection + `
}`,
	OpGetAllExperiments: `query getAllExperiments($status: NimbusExperimentStatus, $publishStatus: NimbusExperimentPublishStatus, $owner: String) {
  experiments(status: $status, publishStatus: $publishStatus, owner: $owner) ` + experimentSelection + `
}`,
	OpCreateExperiment: `mutation createExperiment($input: CreateExperimentInput!) {
  createExperiment(input: $input) { message experiment ` + experimentSelection + ` }
}`,
	OpUpdateExperiment: `mutation updateExperiment($input: ExperimentInput!) {
  updateExperiment(input: $input) { message }
}`,
}

type gqlError struct {
	Message    string         `json:"message"`
	Path       []any          `json:"path"`
	Extensions map[string]any `json:"extensions"`
}

type gqlResult struct {
	Data   map[string]json.RawMessage `json:"data"`
	Errors []gqlError                 `json:"errors"`
}

func doGraphQL(t *testing.T, srv *testServer, actor, op string, vars map[string]any) gqlResult {
	t.Helper()
	doc, ok := gqlDocuments[op]
	if !ok {
		doc = "mutation " + op + " { " + op + " }"
	}
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/graphql", map[string]any{
		"operationName": op,
		"query":         doc,
		"variables":     vars,
	}, as(actor))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("%s status %d: %s", op, res.StatusCode, string(data))
	}
	var out gqlResult
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatalf("%s: decode %s: %v", op, string(data), err)
	}
	return out
}

func mutationMessage(t *testing.T, out gqlResult, field string) string {
	t.Helper()
	if len(out.Errors) > 0 {
		t.Fatalf("%s: unexpected errors %+v", field, out.Errors)
	}
	var payload struct {
		Message json.RawMessage `json:"message"`
	}
	if err := json.Unmarshal(out.Data[field], &payload); err != nil {
		t.Fatalf("%s: decode payload: %v", field, err)
	}
	return string(payload.Message)
}

func createExperiment(t *testing.T, srv *testServer, actor, name string) domain.Experiment {
	t.Helper()
	out := doGraphQL(t, srv, actor, OpCreateExperiment, map[string]any{"input": map[string]any{"name": name}})
	if msg := mutationMessage(t, out, "createExperiment"); msg != `"success"` {
		t.Fatalf("create: expected success, got %s", msg)
	}
	var payload struct {
		Experiment domain.Experiment `json:"experiment"`
	}
	if err := json.Unmarshal(out.Data["createExperiment"], &payload); err != nil {
		t.Fatalf("decode created: %v", err)
	}
	return payload.Experiment
}

func getExperiment(t *testing.T, srv *testServer, actor string, id int64) domain.Experiment {
	t.Helper()
	out := doGraphQL(t, srv, actor, OpGetExperiment, map[string]any{"id": id})
	if len(out.Errors) > 0 {
		t.Fatalf("get: %+v", out.Errors)
	}
	var exp domain.Experiment
	if err := json.Unmarshal(out.Data["experiment"], &exp); err != nil {
		t.Fatalf("decode experiment: %v", err)
	}
	return exp
}

func readyInput(id int64) domain.ExperimentInput {
	return domain.ExperimentInput{
		ID:                  id,
		Hypothesis:          domain.Ptr("Bigger buttons get more clicks"),
		PublicDescription:   domain.Ptr("Testing button sizes"),
		FeatureConfig:       domain.Ptr("button-size"),
		ReferenceBranch:     &domain.Branch{Name: "control", Slug: "control", Ratio: 1},
		TreatmentBranches:   []domain.Branch{{Name: "big", Slug: "big", Ratio: 1}},
		Channel:             domain.Ptr("nightly"),
		FirefoxMinVersion:   domain.Ptr("120.0"),
		TargetingConfigSlug: domain.Ptr("all_english"),
		PopulationPercent:   domain.Ptr(25.0),
		ProposedDuration:    domain.Ptr(28),
		ProposedEnrollment:  domain.Ptr(7),
	}
}

func update(t *testing.T, srv *testServer, actor string, in domain.ExperimentInput) gqlResult {
	t.Helper()
	return doGraphQL(t, srv, actor, OpUpdateExperiment, map[string]any{"input": in})
}

func TestHealthAndAuth(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	res, body := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/health", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health status %d: %s", res.StatusCode, string(body))
	}
	if res.Header.Get("X-Request-Id") == "" {
		t.Fatalf("expected a request id header")
	}

	res, body = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/experiments", nil, nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d %s", res.StatusCode, string(body))
	}
	var env struct {
		Error apiErrorBody `json:"error"`
	}
	if err := json.Unmarshal(body, &env); err != nil {
		t.Fatalf("decode error envelope: %v", err)
	}
	if env.Error.Code != "unauthorized" {
		t.Fatalf("expected unauthorized code, got %q", env.Error.Code)
	}

	res, body = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/experiments", nil, map[string]string{"Authorization": "Bearer nope"})
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 for a bad token, got %d %s", res.StatusCode, string(body))
	}
}

func TestGraphQLLaunchFlow(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	exp := createExperiment(t, srv, "alice", "Button size")
	if exp.Status != domain.StatusDraft || exp.PublishStatus != domain.PublishIdle {
		t.Fatalf("unexpected initial state %s/%s", exp.Status, exp.PublishStatus)
	}

	// Requesting launch before the design is complete is refused with a field map.
	msg := mutationMessage(t, update(t, srv, "alice", domain.ExperimentInput{
		ID:            exp.ID,
		PublishStatus: domain.Ptr(domain.PublishReview),
		StatusNext:    domain.Ptr(domain.StatusLive),
	}), "updateExperiment")
	if !strings.Contains(msg, `"status"`) {
		t.Fatalf("expected a status error map, got %s", msg)
	}

	if msg := mutationMessage(t, update(t, srv, "alice", readyInput(exp.ID)), "updateExperiment"); msg != `"success"` {
		t.Fatalf("design: %s", msg)
	}
	if msg := mutationMessage(t, update(t, srv, "alice", domain.ExperimentInput{
		ID:            exp.ID,
		PublishStatus: domain.Ptr(domain.PublishReview),
		StatusNext:    domain.Ptr(domain.StatusLive),
	}), "updateExperiment"); msg != `"success"` {
		t.Fatalf("request launch: %s", msg)
	}

	if got := getExperiment(t, srv, "alice", exp.ID); got.CanReview {
		t.Fatalf("requester must not be able to review")
	}
	if got := getExperiment(t, srv, "bob", exp.ID); !got.CanReview || got.ReviewRequest == nil || got.ReviewRequest.ChangedBy != "alice" {
		t.Fatalf("expected bob to review alice's request, got %+v", got)
	}

	self := update(t, srv, "alice", domain.ExperimentInput{ID: exp.ID, PublishStatus: domain.Ptr(domain.PublishApproved)})
	if len(self.Errors) != 1 || self.Errors[0].Extensions["code"] != "self_review" {
		t.Fatalf("expected self_review error, got %+v", self.Errors)
	}
	if string(self.Data["updateExperiment"]) != "null" {
		t.Fatalf("expected null data on error, got %s", self.Data["updateExperiment"])
	}

	if msg := mutationMessage(t, update(t, srv, "bob", domain.ExperimentInput{ID: exp.ID, PublishStatus: domain.Ptr(domain.PublishApproved)}), "updateExperiment"); msg != `"success"` {
		t.Fatalf("approve: %s", msg)
	}
	if _, err := srv.Engine.PushApproved(context.Background()); err != nil {
		t.Fatalf("push: %v", err)
	}

	res, body := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/experiments/"+itoa(exp.ID)+"/publish", map[string]any{"accepted": true}, as("bob"))
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("reviewer cannot publish, got %d %s", res.StatusCode, string(body))
	}
	res, body = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/experiments/"+itoa(exp.ID)+"/publish", map[string]any{"accepted": true}, as("alice"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("publish status %d: %s", res.StatusCode, string(body))
	}
	var live domain.Experiment
	if err := json.Unmarshal(body, &live); err != nil {
		t.Fatalf("decode published: %v", err)
	}
	if live.Status != domain.StatusLive || live.PublishStatus != domain.PublishIdle || live.StatusNext != nil {
		t.Fatalf("expected LIVE/IDLE, got %s/%s", live.Status, live.PublishStatus)
	}

	res, body = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/experiments/"+itoa(exp.ID)+"/publish", map[string]any{"accepted": true}, as("alice"))
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409 when nothing is waiting, got %d %s", res.StatusCode, string(body))
	}

	res, body = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/experiments/"+itoa(exp.ID)+"/changelog?limit=2", nil, as("alice"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("changelog status %d: %s", res.StatusCode, string(body))
	}
	var page paginatedChangelog
	if err := json.Unmarshal(body, &page); err != nil {
		t.Fatalf("decode changelog: %v", err)
	}
	if len(page.Items) != 2 || page.NextCursor == "" {
		t.Fatalf("expected a full first page with a cursor, got %+v", page)
	}
	if page.Items[0].Kind != "publish.completed" || page.Items[0].NewStatus != "LIVE" {
		t.Fatalf("expected newest entry to be the completion, got %+v", page.Items[0])
	}
}

func TestGraphQLQueries(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	a := createExperiment(t, srv, "alice", "First")
	createExperiment(t, srv, "alice", "Second")

	out := doGraphQL(t, srv, "alice", OpGetExperiment, map[string]any{"slug": a.Slug})
	var bySlug domain.Experiment
	if err := json.Unmarshal(out.Data["experiment"], &bySlug); err != nil {
		t.Fatalf("decode by slug: %v", err)
	}
	if bySlug.ID != a.ID {
		t.Fatalf("expected experiment %d, got %d", a.ID, bySlug.ID)
	}

	out = doGraphQL(t, srv, "alice", OpGetExperiment, map[string]any{"id": 999})
	if len(out.Errors) != 0 || string(out.Data["experiment"]) != "null" {
		t.Fatalf("expected null experiment, got %s %+v", out.Data["experiment"], out.Errors)
	}

	out = doGraphQL(t, srv, "alice", OpGetAllExperiments, map[string]any{"status": "DRAFT"})
	var list []domain.Experiment
	if err := json.Unmarshal(out.Data["experiments"], &list); err != nil {
		t.Fatalf("decode list: %v", err)
	}
	if len(list) != 2 {
		t.Fatalf("expected 2 drafts, got %d", len(list))
	}

	out = doGraphQL(t, srv, "alice", OpCreateExperiment, map[string]any{"input": map[string]any{"name": "  "}})
	if msg := mutationMessage(t, out, "createExperiment"); !strings.Contains(msg, `"name"`) {
		t.Fatalf("expected a name error, got %s", msg)
	}

	out = doGraphQL(t, srv, "bob", OpCreateExperiment, map[string]any{"input": map[string]any{"name": "Nope"}})
	if len(out.Errors) != 1 || out.Errors[0].Extensions["code"] != "forbidden" {
		t.Fatalf("expected forbidden for a reviewer, got %+v", out.Errors)
	}

	out = doGraphQL(t, srv, "alice", "deleteEverything", nil)
	if len(out.Errors) != 1 {
		t.Fatalf("expected an unknown operation error, got %+v", out)
	}
}

func TestClientAgainstGraphQLEndpoint(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	ctx := context.Background()
	alice := client.New(srv.URL + "/v0/graphql")
	alice.ActorID = "alice"
	bob := client.New(srv.URL + "/v0/graphql")
	bob.ActorID = "bob"

	res, exp, err := alice.CreateExperiment(ctx, "Wire check", "Faster pages convert", "")
	if err != nil || exp == nil || string(res.Message) != `"success"` {
		t.Fatalf("create: %s %+v %v", res.Message, exp, err)
	}
	if res, err := alice.UpdateExperiment(ctx, readyInput(exp.ID)); err != nil || string(res.Message) != `"success"` {
		t.Fatalf("design: %s %v", res.Message, err)
	}
	launch := domain.ExperimentInput{ID: exp.ID, PublishStatus: domain.Ptr(domain.PublishReview), StatusNext: domain.Ptr(domain.StatusLive)}
	if res, err := alice.UpdateExperiment(ctx, launch); err != nil || string(res.Message) != `"success"` {
		t.Fatalf("request launch: %s %v", res.Message, err)
	}
	got, err := bob.Experiment(ctx, exp.ID)
	if err != nil || got == nil {
		t.Fatalf("fetch: %+v %v", got, err)
	}
	if got.StatusNext == nil || *got.StatusNext != domain.StatusLive || !got.CanReview {
		t.Fatalf("expected a reviewable launch request, got %+v", got)
	}
	if got.ReadyForReview == nil || !got.ReadyForReview.Ready {
		t.Fatalf("expected ready for review, got %+v", got.ReadyForReview)
	}

	_, err = alice.UpdateExperiment(ctx, domain.ExperimentInput{ID: exp.ID, PublishStatus: domain.Ptr(domain.PublishApproved)})
	var gqlErrs client.Errors
	if !errors.As(err, &gqlErrs) || gqlErrs.Code() != "self_review" {
		t.Fatalf("expected self_review, got %v", err)
	}

	// An explicit null statusNext clears it; an omitted one is left alone.
	reject := domain.ExperimentInput{ID: exp.ID, PublishStatus: domain.Ptr(domain.PublishIdle), ClearStatusNext: true, ChangelogMessage: domain.Ptr("Too broad")}
	if res, err := bob.UpdateExperiment(ctx, reject); err != nil || string(res.Message) != `"success"` {
		t.Fatalf("reject: %s %v", res.Message, err)
	}
	got, err = alice.Experiment(ctx, exp.ID)
	if err != nil || got.StatusNext != nil || got.PublishStatus != domain.PublishIdle {
		t.Fatalf("expected statusNext cleared, got %+v %v", got, err)
	}

	drafts, err := alice.Experiments(ctx, client.Filter{Status: "draft", Owner: "alice"})
	if err != nil || len(drafts) != 1 || drafts[0].ID != exp.ID {
		t.Fatalf("expected the one draft, got %+v %v", drafts, err)
	}

	anon := client.New(srv.URL + "/v0/graphql")
	_, err = anon.Experiment(ctx, exp.ID)
	var apiErr *client.APIError
	if !errors.As(err, &apiErr) || apiErr.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 without credentials, got %v", err)
	}
}

func TestRedirectAndAffordances(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	exp := createExperiment(t, srv, "alice", "Guarded")

	res, body := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/experiments/"+itoa(exp.ID)+"/redirect?page=summary", nil, as("alice"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("redirect status %d: %s", res.StatusCode, string(body))
	}
	var d RedirectResponse
	if err := json.Unmarshal(body, &d); err != nil {
		t.Fatalf("decode redirect: %v", err)
	}
	if !d.Redirect || d.Path != "edit/overview?show-errors" {
		t.Fatalf("expected redirect to overview errors, got %+v", d)
	}

	res, body = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/experiments/"+itoa(exp.ID)+"/redirect?page=nowhere", nil, as("alice"))
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown page, got %d %s", res.StatusCode, string(body))
	}

	res, body = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/experiments/"+itoa(exp.ID)+"/affordances", nil, as("alice"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("affordances status %d: %s", res.StatusCode, string(body))
	}
	var a AffordancesResponse
	if err := json.Unmarshal(body, &a); err != nil {
		t.Fatalf("decode affordances: %v", err)
	}
	if a.View != "draft" || len(a.Actions) != 2 || !a.Status.Draft {
		t.Fatalf("unexpected affordances %+v", a)
	}
	for _, act := range a.Actions {
		if act.Transition == approval.RequestLaunch && (act.Enabled || !act.NeedsChecklist) {
			t.Fatalf("draft launch request must wait for the checklist: %+v", act)
		}
	}

	res, body = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/experiments/999", nil, as("alice"))
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d %s", res.StatusCode, string(body))
	}
}

func TestDevLoginAndAPIKeys(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, body := doJSON(t, client, http.MethodPost, srv.URL+"/v0/auth/dev/login", map[string]any{"actor_id": "bob"}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("dev login status %d: %s", res.StatusCode, string(body))
	}
	var login DevLoginResponse
	if err := json.Unmarshal(body, &login); err != nil || login.Token == "" {
		t.Fatalf("expected token, got %s", string(body))
	}

	res, body = doJSON(t, client, http.MethodGet, srv.URL+"/v0/me", nil, map[string]string{"Authorization": "Bearer " + login.Token})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("me status %d: %s", res.StatusCode, string(body))
	}
	var me WhoAmIResponse
	if err := json.Unmarshal(body, &me); err != nil {
		t.Fatalf("decode me: %v", err)
	}
	if me.ActorID != "bob" || me.Source != "jwt" || len(me.Roles) != 1 || me.Roles[0] != "reviewer" {
		t.Fatalf("unexpected principal %+v", me)
	}

	res, body = doJSON(t, client, http.MethodPost, srv.URL+"/v0/api-keys", map[string]any{"name": "ci"}, map[string]string{"Authorization": "Bearer " + login.Token})
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("api key status %d: %s", res.StatusCode, string(body))
	}
	var key APIKeyResponse
	if err := json.Unmarshal(body, &key); err != nil || key.Key == "" {
		t.Fatalf("expected key, got %s", string(body))
	}

	res, body = doJSON(t, client, http.MethodGet, srv.URL+"/v0/me", nil, map[string]string{"X-Api-Key": key.Key})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("me via key status %d: %s", res.StatusCode, string(body))
	}
	if err := json.Unmarshal(body, &me); err != nil {
		t.Fatalf("decode me: %v", err)
	}
	if me.ActorID != "bob" || me.Source != "api_key" {
		t.Fatalf("unexpected key principal %+v", me)
	}

	res, body = doJSON(t, client, http.MethodPost, srv.URL+"/v0/api-keys", map[string]any{"actor_id": "alice"}, map[string]string{"X-Api-Key": key.Key})
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403 minting for another actor, got %d %s", res.StatusCode, string(body))
	}
}

func TestRBACEndpoints(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, body := doJSON(t, client, http.MethodPost, srv.URL+"/v0/rbac/roles/grant", map[string]any{"actor_id": "carol", "role_id": "editor"}, as("bob"))
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403 for reviewer grant, got %d %s", res.StatusCode, string(body))
	}
	res, body = doJSON(t, client, http.MethodPost, srv.URL+"/v0/rbac/roles/grant", map[string]any{"actor_id": "carol", "role_id": "editor"}, as("alice"))
	if res.StatusCode != http.StatusNoContent && res.StatusCode != http.StatusOK {
		t.Fatalf("grant status %d: %s", res.StatusCode, string(body))
	}
	who, err := srv.Engine.WhoAmI(context.Background(), "carol")
	if err != nil {
		t.Fatalf("whoami: %v", err)
	}
	if len(who.Roles) != 1 || who.Roles[0] != "editor" {
		t.Fatalf("expected carol to be an editor, got %v", who.Roles)
	}
	res, body = doJSON(t, client, http.MethodPost, srv.URL+"/v0/rbac/roles/revoke", map[string]any{"actor_id": "alice", "role_id": "owner"}, as("alice"))
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409 revoking the last owner, got %d %s", res.StatusCode, string(body))
	}
}

func TestMetricsEndpoint(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	createExperiment(t, srv, "alice", "Counted")

	res, body := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/metrics", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("metrics status %d: %s", res.StatusCode, string(body))
	}
	if !strings.Contains(string(body), `experimenter_lifecycle_changes_total{kind="experiment.created"} 1`) {
		t.Fatalf("expected created counter in metrics output")
	}
}

func TestWebhookDelivery(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	ctx := context.Background()

	var mu sync.Mutex
	var kinds []string
	var secrets []string
	hook := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var evt webhookEvent
		_ = json.NewDecoder(r.Body).Decode(&evt)
		mu.Lock()
		kinds = append(kinds, r.Header.Get("X-Experimenter-Event")+"|"+evt.Kind)
		secrets = append(secrets, r.Header.Get("X-Experimenter-Secret"))
		mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	}))
	defer hook.Close()

	createExperiment(t, srv, "alice", "Before hooks")
	d := newWebhookDispatcher(srv.Engine, []config.WebhookConfig{
		{URL: hook.URL, Secret: "s3cret"},
		{URL: hook.URL, Events: []string{"review.requested"}},
	}, nil, srv.Engine.Metrics)
	d.dispatchAll(ctx)

	createExperiment(t, srv, "alice", "After hooks")
	d.dispatchAll(ctx)

	mu.Lock()
	defer mu.Unlock()
	if len(kinds) != 1 || kinds[0] != "experiment.created|experiment.created" {
		t.Fatalf("expected one created delivery, got %v", kinds)
	}
	if secrets[0] != "s3cret" {
		t.Fatalf("expected secret header, got %q", secrets[0])
	}
	latest, err := srv.Engine.Repo.LatestChangelogID(ctx)
	if err != nil {
		t.Fatalf("latest id: %v", err)
	}
	if d.cursors[0] != latest || d.cursors[1] != latest {
		t.Fatalf("expected both cursors at %d, got %v", latest, d.cursors)
	}
}

func itoa(id int64) string {
	return strconv.FormatInt(id, 10)
}

func TestOpenAPIDocument(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	res, body := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/openapi.json", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("openapi status %d: %s", res.StatusCode, string(body))
	}
	var doc struct {
		Paths map[string]map[string]struct {
			OperationID string                `json:"operationId"`
			Security    []map[string][]string `json:"security"`
		} `json:"paths"`
	}
	if err := json.Unmarshal(body, &doc); err != nil {
		t.Fatalf("decode openapi: %v", err)
	}
	if op, ok := doc.Paths["/v0/graphql"]["post"]; !ok || op.OperationID != "graphql" {
		t.Fatalf("graphql endpoint missing from document: %+v", doc.Paths["/v0/graphql"])
	}
	if op := doc.Paths["/v0/health"]["get"]; len(op.Security) != 0 {
		t.Fatalf("health should be open, got %+v", op.Security)
	}
	if op := doc.Paths["/v0/experiments"]["get"]; len(op.Security) != 2 {
		t.Fatalf("experiments should require auth, got %+v", op.Security)
	}

	res, body = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/docs", nil, nil)
	if res.StatusCode != http.StatusOK || !strings.Contains(string(body), "/v0/openapi.json") {
		t.Fatalf("docs page %d: %s", res.StatusCode, string(body))
	}
}
