package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"path"
	"sync"

	"github.com/danielgtaylor/huma/v2"
	"github.com/go-chi/chi/v5"

	"experimenter/internal/metrics"
)

// openPaths are served without credentials.
func openPaths(basePath string) map[string]bool {
	return map[string]bool{
		path.Join("/", basePath, "health"):         true,
		path.Join("/", basePath, "auth/dev/login"): true,
		path.Join("/", basePath, "openapi.json"):   true,
	}
}

func operations(item *huma.PathItem) []*huma.Operation {
	var out []*huma.Operation
	for _, op := range []*huma.Operation{item.Get, item.Put, item.Post, item.Delete, item.Patch} {
		if op != nil {
			out = append(out, op)
		}
	}
	return out
}

// registerOpenAPI serves the document at basePath/openapi.json. It is built
// on first request, after every operation has been registered.
func registerOpenAPI(r chi.Router, api huma.API, basePath string) {
	var (
		once sync.Once
		spec []byte
		err  error
	)
	r.Get(path.Join(basePath, "openapi.json"), func(w http.ResponseWriter, _ *http.Request) {
		once.Do(func() {
			oas := api.OpenAPI()
			describeGraphQL(oas, basePath)
			secureOperations(oas, basePath)
			spec, err = json.Marshal(oas)
		})
		if err != nil {
			respondStatusError(w, newAPIError(http.StatusInternalServerError, "", "openapi document unavailable", nil))
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(spec)
	})
}

// describeGraphQL adds the GraphQL endpoint, which is routed outside huma.
func describeGraphQL(oas *huma.OpenAPI, basePath string) {
	if oas.Paths == nil {
		oas.Paths = map[string]*huma.PathItem{}
	}
	desc := fmt.Sprintf("Supports the %s, %s, %s and %s operations. Failures are reported in the errors array with HTTP 200.",
		OpGetExperiment, OpGetAllExperiments, OpCreateExperiment, OpUpdateExperiment)
	oas.Paths[path.Join("/", basePath, "graphql")] = &huma.PathItem{
		Post: &huma.Operation{
			OperationID: "graphql",
			Summary:     "GraphQL endpoint",
			Description: desc,
			Tags:        []string{"graphql"},
			RequestBody: &huma.RequestBody{
				Required: true,
				Content: map[string]*huma.MediaType{
					"application/json": {Schema: &huma.Schema{
						Type: "object",
						Properties: map[string]*huma.Schema{
							"query":         {Type: "string"},
							"operationName": {Type: "string"},
							"variables":     {Type: "object"},
						},
						Required: []string{"query"},
					}},
				},
			},
			Responses: map[string]*huma.Response{
				"200": {Description: "GraphQL response with data and errors"},
			},
		},
	}
}

// secureOperations declares bearer and API key auth on every operation except
// the open ones, and gives each an error envelope default response.
func secureOperations(oas *huma.OpenAPI, basePath string) {
	if oas.Components == nil {
		oas.Components = &huma.Components{}
	}
	if oas.Components.SecuritySchemes == nil {
		oas.Components.SecuritySchemes = map[string]*huma.SecurityScheme{}
	}
	oas.Components.SecuritySchemes["bearerAuth"] = &huma.SecurityScheme{Type: "http", Scheme: "bearer", BearerFormat: "JWT"}
	oas.Components.SecuritySchemes["apiKeyAuth"] = &huma.SecurityScheme{Type: "apiKey", In: "header", Name: "X-Api-Key"}
	security := []map[string][]string{{"bearerAuth": {}}, {"apiKeyAuth": {}}}
	oas.Security = security

	open := openPaths(basePath)
	for route, item := range oas.Paths {
		for _, op := range operations(item) {
			if op.Responses == nil {
				op.Responses = map[string]*huma.Response{}
			}
			if _, ok := op.Responses["default"]; !ok {
				op.Responses["default"] = &huma.Response{
					Description: "Error",
					Content: map[string]*huma.MediaType{
						"application/json": {Schema: &huma.Schema{Ref: "#/components/schemas/ApiError"}},
					},
				}
			}
			if open[route] {
				op.Security = []map[string][]string{}
				continue
			}
			op.Security = security
		}
	}
}

const docsPage = `<!doctype html>
<html lang="en">
<head>
<meta charset="utf-8"/>
<title>Experimenter API</title>
<link rel="stylesheet" href="https://unpkg.com/swagger-ui-dist@5/swagger-ui.css"/>
</head>
<body>
<div id="swagger-ui"></div>
<script src="https://unpkg.com/swagger-ui-dist@5/swagger-ui-bundle.js" crossorigin></script>
<script>window.onload = () => SwaggerUIBundle({url: %q, dom_id: '#swagger-ui'});</script>
</body>
</html>`

func registerDocs(r chi.Router, basePath string) {
	page := fmt.Sprintf(docsPage, path.Join("/", basePath, "openapi.json"))
	r.Get("/docs", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.Write([]byte(page))
	})
}

func registerMetrics(r chi.Router, m *metrics.Metrics) {
	r.Handle("/metrics", m.Handler())
}
