package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"path"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"aapkit/internal/domain"
	"aapkit/internal/engine"
	"aapkit/internal/repo"
	"aapkit/internal/schema"
	"aapkit/internal/signer"
)

// Config for the HTTP API handler.
type Config struct {
	Engine engine.Engine
	// Schemas is the raw document set served by GET /schemas.
	Schemas map[string]any
	// SchemaFS is served read-through under /schemas/.
	SchemaFS       fs.FS
	BasePath       string
	CORSOrigin     string
	DocsDir        string
	TestVectorsDir string
	Logger         *zap.Logger
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"not_found"`
	Message string         `json:"message" example:"unknown template"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true" example:"{\"key\":\"nope\"}"`
}

// apiError models the required error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// failureBody is the {success:false,error} shape kept by the schema and
// token routes.
type failureBody struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
}

// New returns an HTTP handler exposing the AAP API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/api"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	huma.DefaultArrayNullable = false
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	router.Use(newRequestLogger(logger))
	router.Use(middleware.Recoverer)
	router.Use(newCORS(basePath, cfg.CORSOrigin))
	hcfg := huma.DefaultConfig("AAP API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = ""
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group, cfg.Engine)
	registerSchemas(group, cfg.Engine, cfg.Schemas)
	registerGenerateToken(group, cfg.Engine, logger)
	router.Options(path.Join(basePath, "generate-token"), preflight(cfg.CORSOrigin))
	registerValidate(group, cfg.Engine)
	registerTemplates(group, cfg.Engine)
	registerTokens(group, cfg.Engine)
	registerOpenAPI(router, api, basePath)

	if cfg.SchemaFS != nil {
		mountStatic(router, "/schemas", http.FS(cfg.SchemaFS))
	}
	if cfg.DocsDir != "" {
		mountStatic(router, "/docs", http.Dir(cfg.DocsDir))
	}
	if cfg.TestVectorsDir != "" {
		mountStatic(router, "/test-vectors", http.Dir(cfg.TestVectorsDir))
	}
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
	var re *signer.RequestError
	if errors.As(err, &re) {
		return newAPIError(http.StatusBadRequest, "bad_request", re.Message, nil)
	}
	if errors.Is(err, repo.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	msg := err.Error()
	if strings.HasPrefix(msg, "unknown claim") {
		return newAPIError(http.StatusBadRequest, "bad_request", msg, nil)
	}
	return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": msg})
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusUnprocessableEntity:
		return "validation_failed"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

func registerDocs(r chi.Router, basePath string) {
	r.Get(path.Join(basePath, "docs"), func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		io.WriteString(w, swaggerHTML(basePath))
	})
}

func registerOpenAPI(r chi.Router, api huma.API, basePath string) {
	var (
		once sync.Once
		spec []byte
	)
	specPath := path.Join(basePath, "openapi.json")
	r.Get(specPath, func(w http.ResponseWriter, r *http.Request) {
		once.Do(func() {
			oas := api.OpenAPI()
			ensureDefaultErrorResponses(oas)
			spec, _ = json.Marshal(oas)
		})
		w.Header().Set("Content-Type", "application/json")
		w.Write(spec)
	})
}

func ensureDefaultErrorResponses(oas *huma.OpenAPI) {
	if oas == nil || oas.Paths == nil {
		return
	}
	for _, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
		} {
			if op == nil {
				continue
			}
			if op.Responses == nil {
				op.Responses = map[string]*huma.Response{}
			}
			op.Responses["default"] = &huma.Response{
				Description: "Error",
				Content: map[string]*huma.MediaType{
					"application/json": {
						Schema: &huma.Schema{Ref: "#/components/schemas/ApiError"},
					},
				},
			}
		}
	}
}

func swaggerHTML(basePath string) string {
	specURL := path.Join("/", path.Join(basePath, "openapi.json"))
	return fmt.Sprintf(`<!doctype html>
<html lang="en">
  <head>
    <meta charset="utf-8"/>
    <meta name="viewport" content="width=device-width, initial-scale=1"/>
    <title>AAP API Docs</title>
    <link rel="stylesheet" href="https://unpkg.com/swagger-ui-dist@5/swagger-ui.css" />
  </head>
  <body>
    <div id="swagger-ui"></div>
    <script src="https://unpkg.com/swagger-ui-dist@5/swagger-ui-bundle.js" crossorigin></script>
    <script>
      window.onload = () => {
        SwaggerUIBundle({
          url: '%s',
          dom_id: '#swagger-ui'
        });
      };
    </script>
  </body>
</html>`, specURL)
}

// mountStatic serves files from root under prefix. Directory listings are
// not exposed.
func mountStatic(r chi.Router, prefix string, root http.FileSystem) {
	files := http.StripPrefix(prefix, http.FileServer(root))
	r.Get(prefix+"/*", func(w http.ResponseWriter, req *http.Request) {
		if strings.HasSuffix(req.URL.Path, "/") {
			respondStatusError(w, newAPIError(http.StatusNotFound, "not_found", "not found", nil))
			return
		}
		files.ServeHTTP(w, req)
	})
}

func registerHealth(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body HealthResponse `json:"body"`
	}, error) {
		return &struct {
			Body HealthResponse `json:"body"`
		}{Body: HealthResponse{Status: "ok", SchemasInitialized: e.Schemas != nil && e.Schemas.Initialized()}}, nil
	})
}

func registerSchemas(api huma.API, e engine.Engine, docs map[string]any) {
	huma.Register(api, huma.Operation{
		OperationID: "list-schemas",
		Method:      http.MethodGet,
		Path:        "/schemas",
		Summary:     "All schema documents keyed by file name",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Status int
		Body   SchemasResponse `json:"body"`
	}, error) {
		out := &struct {
			Status int
			Body   SchemasResponse `json:"body"`
		}{Status: http.StatusOK}
		if len(docs) == 0 {
			out.Status = http.StatusInternalServerError
			out.Body = SchemasResponse{Success: false, Error: "Failed to load schemas"}
			return out, nil
		}
		out.Body = SchemasResponse{Success: true, Schemas: docs, Count: len(docs)}
		return out, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "schema-status",
		Method:      http.MethodGet,
		Path:        "/schemas/status",
		Summary:     "Registry load status per document",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body SchemaStatusResponse `json:"body"`
	}, error) {
		resp := SchemaStatusResponse{Entries: []schema.Entry{}}
		if e.Schemas != nil {
			resp.Initialized = e.Schemas.Initialized()
			resp.Entries = e.Schemas.Entries()
		}
		return &struct {
			Body SchemaStatusResponse `json:"body"`
		}{Body: resp}, nil
	})
}

func registerGenerateToken(api huma.API, e engine.Engine, logger *zap.Logger) {
	huma.Register(api, huma.Operation{
		OperationID: "generate-token",
		Method:      http.MethodPost,
		Path:        "/generate-token",
		Summary:     "Sign a token payload",
		Description: "Signs the payload with an HMAC algorithm. Missing secret and algorithm fall back to the server defaults.",
		// The handler decodes the body itself so bad input gets the
		// {success,error} shape rather than a huma validation error.
		SkipValidateBody: true,
	}, func(ctx context.Context, input *struct {
		RawBody []byte `contentType:"application/json"`
	}) (*struct {
		Status int
		Body   any `json:"body"`
	}, error) {
		out := &struct {
			Status int
			Body   any `json:"body"`
		}{}
		var req domain.SignRequest
		if err := json.Unmarshal(input.RawBody, &req); err != nil {
			out.Status = http.StatusBadRequest
			out.Body = failureBody{Error: "Invalid JSON body"}
			return out, nil
		}
		resp, err := e.IssueToken(ctx, req)
		if err != nil {
			if signer.IsRequestError(err) {
				out.Status = http.StatusBadRequest
				out.Body = failureBody{Error: err.Error()}
				return out, nil
			}
			logger.Error("token signing failed", zap.String("request_id", RequestIDFromContext(ctx)), zap.Error(err))
			out.Status = http.StatusInternalServerError
			out.Body = failureBody{Error: "Failed to generate token"}
			return out, nil
		}
		out.Status = http.StatusOK
		out.Body = resp
		return out, nil
	})
}

func registerValidate(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "validate-token",
		Method:      http.MethodPost,
		Path:        "/validate",
		Summary:     "Validate a token payload against the token schema",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Body ValidateRequest
	}) (*struct {
		Body domain.ValidationResult `json:"body"`
	}, error) {
		return &struct {
			Body domain.ValidationResult `json:"body"`
		}{Body: e.Validate(input.Body.Payload)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "validate-claim",
		Method:      http.MethodPost,
		Path:        "/validate/{claim}",
		Summary:     "Validate a single claim",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Claim string `path:"claim" enum:"agent,task,capabilities"`
		Body  ValidateRequest
	}) (*struct {
		Body domain.ValidationResult `json:"body"`
	}, error) {
		res, err := e.ValidateClaim(input.Claim, input.Body.Payload)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.ValidationResult `json:"body"`
		}{Body: res}, nil
	})
}

func registerTemplates(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-templates",
		Method:      http.MethodGet,
		Path:        "/templates",
		Summary:     "List payload presets",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []TemplateSummary `json:"body"`
	}, error) {
		return &struct {
			Body []TemplateSummary `json:"body"`
		}{Body: templateSummaries()}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-template",
		Method:      http.MethodGet,
		Path:        "/templates/{key}",
		Summary:     "Get a preset payload with fresh timestamps",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		Key string `path:"key"`
	}) (*struct {
		Body TemplateResponse `json:"body"`
	}, error) {
		tpl, ok := domain.LookupTemplate(input.Key)
		if !ok {
			return nil, newAPIError(http.StatusNotFound, "not_found", "unknown template", map[string]any{"key": input.Key})
		}
		return &struct {
			Body TemplateResponse `json:"body"`
		}{Body: TemplateResponse{
			Key:         tpl.Key,
			Name:        tpl.Name,
			Description: tpl.Description,
			Payload:     tpl.Instantiate(now(e)),
		}}, nil
	})
}

func registerTokens(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-issued-tokens",
		Method:      http.MethodGet,
		Path:        "/tokens",
		Summary:     "List token issuance events, newest first",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Limit  int    `query:"limit" default:"50"`
		Cursor string `query:"cursor"`
	}) (*struct {
		Body paginatedEvents `json:"body"`
	}, error) {
		limit := normalizeLimit(input.Limit)
		var cursorID int64
		if input.Cursor != "" {
			parsed, err := strconv.ParseInt(input.Cursor, 10, 64)
			if err != nil {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"cursor": input.Cursor})
			}
			cursorID = parsed
		}
		items, err := e.ListIssued(ctx, limit+1, cursorID)
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedEvents{Items: []EventResponse{}}
		if len(items) > limit {
			items = items[:limit]
			resp.NextCursor = strconv.FormatInt(items[limit-1].ID, 10)
		}
		for _, evt := range items {
			resp.Items = append(resp.Items, eventResponse(evt))
		}
		return &struct {
			Body paginatedEvents `json:"body"`
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-issued-token",
		Method:      http.MethodGet,
		Path:        "/tokens/{id}",
		Summary:     "Get one issuance event",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID int64 `path:"id"`
	}) (*struct {
		Body EventResponse `json:"body"`
	}, error) {
		if e.DB == nil {
			return nil, newAPIError(http.StatusNotFound, "not_found", "issuance log disabled", nil)
		}
		evt, err := e.Repo.GetEvent(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body EventResponse `json:"body"`
		}{Body: eventResponse(evt)}, nil
	})
}

func now(e engine.Engine) time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
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
