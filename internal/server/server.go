package server

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"experimenter/internal/approval"
	"experimenter/internal/domain"
	"experimenter/internal/engine"
	"experimenter/internal/engine/auth"
	"experimenter/internal/guard"
	"experimenter/internal/metrics"
	"experimenter/internal/repo"
	"experimenter/internal/status"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	BasePath string
	Auth     AuthConfig
	Logger   *zap.Logger
	Metrics  *metrics.Metrics
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"forbidden"`
	Message string         `json:"message" example:"permission experiment.review required"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true" example:"{\"permission\":\"experiment.review\"}"`
}

// apiError models the required error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the experimenter API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Auth.Logger == nil {
		cfg.Auth.Logger = logger
	}
	huma.DefaultArrayNullable = false
	// Override Huma errors to use the error envelope.
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
			// Schema/request validation errors should be 400 bad_request
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	router.Use(middleware.Recoverer)
	router.Use(requestLogger(logger))
	router.Use(newAuthenticator(basePath, cfg.Auth, cfg.Engine.Repo).middleware)
	hcfg := huma.DefaultConfig("Experimenter API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerMetrics(router, cfg.Metrics)
	registerGraphQL(router, basePath, cfg.Engine, logger)
	registerHealth(group)
	registerExperiments(group, cfg.Engine)
	registerChangelog(group, cfg.Engine)
	registerGuards(group, cfg.Engine)
	registerPublish(group, cfg.Engine)
	registerRBAC(group, cfg.Engine)
	registerMe(group, cfg.Engine)
	registerDevAuth(group, cfg.Auth)
	registerOpenAPI(router, api, basePath)

	return router, nil
}

func newAPIError(status int, code, message string, details map[string]any) huma.StatusError {
	if code == "" {
		code = defaultCodeForStatus(status)
	}
	return &apiError{
		status: status,
		Body: apiErrorBody{
			Code:    code,
			Message: message,
			Details: details,
		},
	}
}

func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	var se huma.StatusError
	if errors.As(err, &se) {
		return se
	}
	var fe auth.ForbiddenError
	if errors.As(err, &fe) {
		return newAPIError(http.StatusForbidden, "forbidden", err.Error(), map[string]any{"permission": fe.Permission})
	}
	switch {
	case errors.Is(err, engine.ErrSelfReview):
		return newAPIError(http.StatusForbidden, "self_review", err.Error(), nil)
	case errors.Is(err, engine.ErrNotWaiting), errors.Is(err, engine.ErrLastOwner):
		return newAPIError(http.StatusConflict, "conflict", err.Error(), nil)
	case errors.Is(err, repo.ErrNotFound):
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	msg := err.Error()
	lowered := strings.ToLower(msg)
	switch {
	case strings.Contains(lowered, "invalid") || strings.Contains(lowered, "required") || strings.Contains(lowered, "unknown"):
		return newAPIError(http.StatusBadRequest, "bad_request", msg, nil)
	default:
		return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": msg})
	}
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusUnauthorized:
		return "unauthorized"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusUnprocessableEntity:
		return "validation_failed"
	case http.StatusForbidden:
		return "forbidden"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

func hasPermission(perms []string, perm string) bool {
	for _, p := range perms {
		if p == perm {
			return true
		}
	}
	return false
}

func requestLogger(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			id := strings.TrimSpace(r.Header.Get("X-Request-Id"))
			if id == "" {
				id = uuid.NewString()
			}
			w.Header().Set("X-Request-Id", id)
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)
			logger.Debug("request",
				zap.String("request_id", id),
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Int("bytes", ww.BytesWritten()),
				zap.Duration("duration", time.Since(start)))
		})
	}
}

func registerHealth(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string]string `json:"body"`
	}, error) {
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: map[string]string{"status": "ok"}}, nil
	})
}

type experimentPath struct {
	ID int64 `path:"id"`
}

// loadExperiment reads an experiment as the calling actor sees it.
func loadExperiment(ctx context.Context, e engine.Engine, id int64) (domain.Experiment, error) {
	v, err := reader(ctx, e)
	if err != nil {
		return domain.Experiment{}, err
	}
	return e.GetExperiment(ctx, id, v.ActorID)
}

func registerExperiments(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-experiments",
		Method:      http.MethodGet,
		Path:        "/experiments",
		Summary:     "List experiments",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		Status        string `query:"status"`
		PublishStatus string `query:"publish_status"`
		Owner         string `query:"owner"`
		Limit         int    `query:"limit" default:"50"`
	}) (*struct {
		Body []domain.Experiment `json:"body"`
	}, error) {
		v, err := reader(ctx, e)
		if err != nil {
			return nil, handleError(err)
		}
		f, err := experimentFilters(input.Status, input.PublishStatus)
		if err != nil {
			return nil, handleError(err)
		}
		f.Owner = input.Owner
		f.Limit = normalizeLimit(input.Limit)
		items, err := e.ListExperiments(ctx, f, v.ActorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Experiment `json:"body"`
		}{Body: nonNilSlice(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-experiment",
		Method:      http.MethodGet,
		Path:        "/experiments/{id}",
		Summary:     "Get experiment",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *experimentPath) (*struct {
		Body domain.Experiment `json:"body"`
	}, error) {
		exp, err := loadExperiment(ctx, e, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Experiment `json:"body"`
		}{Body: exp}, nil
	})
}

func experimentFilters(statusIn, publishIn string) (repo.ExperimentFilters, error) {
	var f repo.ExperimentFilters
	if statusIn != "" {
		s, err := domain.ParseStatus(statusIn)
		if err != nil {
			return f, err
		}
		f.Status = string(s)
	}
	if publishIn != "" {
		p, err := domain.ParsePublishStatus(publishIn)
		if err != nil {
			return f, err
		}
		f.PublishStatus = string(p)
	}
	return f, nil
}

func registerChangelog(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-changelog",
		Method:      http.MethodGet,
		Path:        "/experiments/{id}/changelog",
		Summary:     "List experiment changelog, newest first",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID     int64  `path:"id"`
		Kind   string `query:"kind"`
		Limit  int    `query:"limit" default:"50"`
		Cursor string `query:"cursor"`
	}) (*struct {
		Body paginatedChangelog `json:"body"`
	}, error) {
		if _, err := loadExperiment(ctx, e, input.ID); err != nil {
			return nil, handleError(err)
		}
		limit := normalizeLimit(input.Limit)
		var before int64
		if input.Cursor != "" {
			parsed, err := strconv.ParseInt(input.Cursor, 10, 64)
			if err != nil {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"cursor": input.Cursor})
			}
			before = parsed
		}
		items, err := e.Repo.ListChangelog(ctx, repo.ChangelogFilters{ExperimentID: input.ID, Kind: input.Kind, Before: before, Limit: limit + 1})
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedChangelog{Items: []ChangelogResponse{}}
		if len(items) > limit {
			resp.NextCursor = strconv.FormatInt(items[limit-1].ID, 10)
			items = items[:limit]
		}
		for _, c := range items {
			resp.Items = append(resp.Items, changelogResponse(c))
		}
		return &struct {
			Body paginatedChangelog `json:"body"`
		}{Body: resp}, nil
	})
}

func registerGuards(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "experiment-redirect",
		Method:      http.MethodGet,
		Path:        "/experiments/{id}/redirect",
		Summary:     "Decide whether a page should redirect",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID   int64  `path:"id"`
		Page string `query:"page" default:"summary"`
	}) (*struct {
		Body RedirectResponse `json:"body"`
	}, error) {
		page, ok := guard.LookupPage(input.Page)
		if !ok {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "unknown page", map[string]any{"page": input.Page})
		}
		exp, err := loadExperiment(ctx, e, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		in := guard.ForExperiment(&exp, &guard.Analysis{Available: exp.ResultsReady}, nil)
		d := guard.Compute(in, page)
		return &struct {
			Body RedirectResponse `json:"body"`
		}{Body: RedirectResponse{Page: page.Name, Decision: d}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "experiment-affordances",
		Method:      http.MethodGet,
		Path:        "/experiments/{id}/affordances",
		Summary:     "Actions available to the caller",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *experimentPath) (*struct {
		Body AffordancesResponse `json:"body"`
	}, error) {
		exp, err := loadExperiment(ctx, e, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		check := status.Get(&exp)
		panel := approval.Affordances(&exp, false)
		return &struct {
			Body AffordancesResponse `json:"body"`
		}{Body: AffordancesResponse{
			Stage:   check.Stage(),
			Status:  check,
			View:    string(panel.View),
			Actions: nonNilSlice(panel.Actions),
		}}, nil
	})
}

func registerPublish(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "resolve-publish",
		Method:      http.MethodPost,
		Path:        "/experiments/{id}/publish",
		Summary:     "Publish gate callback for a waiting change",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *struct {
		ID   int64          `path:"id"`
		Body PublishRequest `json:"body"`
	}) (*struct {
		Body domain.Experiment `json:"body"`
	}, error) {
		v, authErr := viewerFrom(ctx)
		if authErr != nil {
			return nil, authErr
		}
		exp, err := e.ResolveWaiting(ctx, input.ID, input.Body.Accepted, input.Body.Message, v.ActorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Experiment `json:"body"`
		}{Body: exp}, nil
	})
}

func registerRBAC(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "grant-role",
		Method:      http.MethodPost,
		Path:        "/rbac/roles/grant",
		Summary:     "Grant role",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
		},
	}, func(ctx context.Context, input *struct {
		Body RoleChangeRequest `json:"body"`
	}) (*struct{}, error) {
		v, authErr := viewerFrom(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := e.GrantRole(ctx, v.ActorID, input.Body.ActorID, input.Body.RoleID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "revoke-role",
		Method:      http.MethodPost,
		Path:        "/rbac/roles/revoke",
		Summary:     "Revoke role",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *struct {
		Body RoleChangeRequest `json:"body"`
	}) (*struct{}, error) {
		v, authErr := viewerFrom(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := e.RevokeRole(ctx, v.ActorID, input.Body.ActorID, input.Body.RoleID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "create-api-key",
		Method:        http.MethodPost,
		Path:          "/api-keys",
		Summary:       "Create API key",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		Body APIKeyRequest `json:"body"`
	}) (*struct {
		Body APIKeyResponse `json:"body"`
	}, error) {
		v, authErr := viewerFrom(ctx)
		if authErr != nil {
			return nil, authErr
		}
		key, secret, err := e.CreateAPIKey(ctx, v.ActorID, strings.TrimSpace(input.Body.ActorID), input.Body.Name)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body APIKeyResponse `json:"body"`
		}{Body: APIKeyResponse{
			ID:        key.ID,
			ActorID:   key.ActorID,
			Name:      key.Name,
			Key:       secret,
			CreatedAt: key.CreatedAt,
		}}, nil
	})
}

func registerMe(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "me",
		Method:      http.MethodGet,
		Path:        "/me",
		Summary:     "Current viewer",
		Errors: []int{
			http.StatusUnauthorized,
		},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body WhoAmIResponse `json:"body"`
	}, error) {
		v, authErr := viewerFrom(ctx)
		if authErr != nil {
			return nil, authErr
		}
		roles := v.Roles
		perms := v.Permissions
		if len(perms) == 0 {
			if who, err := e.WhoAmI(ctx, v.ActorID); err == nil {
				if len(roles) == 0 {
					roles = who.Roles
				}
				perms = who.Permissions
			}
		}
		return &struct {
			Body WhoAmIResponse `json:"body"`
		}{Body: WhoAmIResponse{
			ActorID:     v.ActorID,
			Source:      v.Source,
			Roles:       nonNilSlice(roles),
			Permissions: nonNilSlice(perms),
		}}, nil
	})
}

func registerDevAuth(api huma.API, authCfg AuthConfig) {
	huma.Register(api, huma.Operation{
		OperationID: "dev-login",
		Method:      http.MethodPost,
		Path:        "/auth/dev/login",
		Summary:     "DEV ONLY: mint a JWT for local testing",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body DevLoginRequest `json:"body"`
	}) (*struct {
		Body DevLoginResponse `json:"body"`
	}, error) {
		actor := strings.TrimSpace(input.Body.ActorID)
		if actor == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "actor_id is required", nil)
		}
		token, err := signDevToken(authCfg.JWTSecret, actor, input.Body.Roles, input.Body.Permissions, time.Hour)
		if err != nil {
			return nil, newAPIError(http.StatusInternalServerError, "internal_error", err.Error(), nil)
		}
		return &struct {
			Body DevLoginResponse `json:"body"`
		}{Body: DevLoginResponse{Token: token}}, nil
	})
}

func normalizeLimit(in int) int {
	if in <= 0 {
		return 50
	}
	if in > 200 {
		return 200
	}
	return in
}
