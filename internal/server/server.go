package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/danielgtaylor/huma/v2/sse"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"jubee/internal/domain"
	"jubee/internal/engine"
	"jubee/internal/graph"
	"jubee/internal/intake"
	"jubee/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   *engine.Engine
	BasePath string
	Auth     AuthConfig
	Logger   zerolog.Logger
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"validation_failed"`
	Message string         `json:"message" example:"validation failed on client-name: a value is required"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true" example:"{\"stage\":\"client-name\"}"`
}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

type jsonBody[T any] struct {
	Body T `json:"body"`
}

func reply[T any](v T) *jsonBody[T] { return &jsonBody[T]{Body: v} }

type sessionPath struct {
	ID string `path:"id"`
}

// New returns an HTTP handler exposing the Jubee API.
func New(cfg Config) (http.Handler, error) {
	if cfg.Engine == nil {
		return nil, errors.New("engine required")
	}
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	huma.DefaultArrayNullable = false
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
			// Schema/request validation errors are bad requests; 422 is kept for stage validation.
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(requestLogger(cfg.Logger))
	router.Use(newAuthMiddleware(basePath, cfg.Auth, cfg.Engine.Repo))
	hcfg := huma.DefaultConfig("Jubee API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = ""
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerMe(group)
	registerDevAuth(group, cfg.Auth)
	registerTools(group, cfg.Engine)
	registerSessions(group, cfg.Engine)
	registerActions(group, cfg.Engine)
	registerEvents(group, cfg.Engine)
	registerStream(group, cfg.Engine)
	registerOpenAPI(router, api, basePath)

	return router, nil
}

func requestLogger(logger zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)
			logger.Debug().
				Str("request_id", middleware.GetReqID(r.Context())).
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", ww.Status()).
				Dur("elapsed", time.Since(start)).
				Msg("http request")
		})
	}
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
	var ve *intake.ValidationError
	if errors.As(err, &ve) {
		return newAPIError(http.StatusUnprocessableEntity, "validation_failed", err.Error(), map[string]any{"stage": ve.Stage, "field": ve.Field})
	}
	var ae *intake.InvalidActionError
	if errors.As(err, &ae) {
		return newAPIError(http.StatusConflict, "invalid_action", err.Error(), map[string]any{"stage": ae.Stage, "action": ae.Action, "input_mode": ae.Mode})
	}
	var gf *intake.GenerationFailure
	if errors.As(err, &gf) {
		return newAPIError(http.StatusBadGateway, "generation_failed", err.Error(), map[string]any{"retryable": gf.Retryable})
	}
	switch {
	case errors.Is(err, intake.ErrUnknownTool):
		return newAPIError(http.StatusNotFound, "unknown_tool", err.Error(), nil)
	case errors.Is(err, intake.ErrSessionNotFound),
		errors.Is(err, engine.ErrDocumentNotFound),
		errors.Is(err, repo.ErrNotFound):
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	case errors.Is(err, intake.ErrClosed):
		return newAPIError(http.StatusConflict, "session_closed", err.Error(), nil)
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return newAPIError(http.StatusServiceUnavailable, "unavailable", err.Error(), nil)
	}
	return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": err.Error()})
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

func registerDocs(r chi.Router, basePath string) {
	r.Get("/docs", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		io.WriteString(w, swaggerHTML(basePath))
	})
}

func registerOpenAPI(r chi.Router, api huma.API, basePath string) {
	var spec []byte
	specPath := path.Join(basePath, "openapi.json")
	r.Get(specPath, func(w http.ResponseWriter, r *http.Request) {
		if spec == nil {
			oas := api.OpenAPI()
			ensureDefaultErrorResponses(oas)
			applyAuthSecurity(oas, basePath)
			spec, _ = json.Marshal(oas)
		}
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

func applyAuthSecurity(oas *huma.OpenAPI, basePath string) {
	if oas == nil {
		return
	}
	if oas.Components == nil {
		oas.Components = &huma.Components{}
	}
	if oas.Components.SecuritySchemes == nil {
		oas.Components.SecuritySchemes = map[string]*huma.SecurityScheme{}
	}
	oas.Components.SecuritySchemes["bearerAuth"] = &huma.SecurityScheme{
		Type:         "http",
		Scheme:       "bearer",
		BearerFormat: "JWT",
	}
	oas.Components.SecuritySchemes["apiKeyAuth"] = &huma.SecurityScheme{
		Type: "apiKey",
		In:   "header",
		Name: "X-Api-Key",
	}
	security := []map[string][]string{
		{"bearerAuth": {}},
		{"apiKeyAuth": {}},
	}
	oas.Security = security
	open := map[string]bool{
		path.Join("/", basePath, "health"):         true,
		path.Join("/", basePath, "auth/dev/login"): true,
	}
	for route, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
		} {
			if op == nil {
				continue
			}
			if open[route] {
				op.Security = []map[string][]string{}
				continue
			}
			op.Security = security
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
    <title>Jubee API Docs</title>
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
    <p style="padding: 1rem; font-family: sans-serif; color: #444;">
      Authenticate with Authorization: Bearer &lt;token&gt; or X-Api-Key.
    </p>
  </body>
</html>`, specURL)
}

func registerHealth(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*jsonBody[map[string]string], error) {
		return reply(map[string]string{"status": "ok"}), nil
	})
}

func registerMe(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "me",
		Method:      http.MethodGet,
		Path:        "/me",
		Summary:     "Current principal",
		Errors:      []int{http.StatusUnauthorized},
	}, func(ctx context.Context, _ *struct{}) (*jsonBody[WhoAmIResponse], error) {
		p, ok := principalFromContext(ctx)
		if !ok || p.ActorID == "" {
			return nil, newAPIError(http.StatusUnauthorized, "unauthorized", "authentication required", nil)
		}
		return reply(WhoAmIResponse{ActorID: p.ActorID, Source: p.Source}), nil
	})
}

func registerDevAuth(api huma.API, authCfg AuthConfig) {
	if strings.TrimSpace(authCfg.JWTSecret) == "" {
		return
	}
	huma.Register(api, huma.Operation{
		OperationID: "dev-login",
		Method:      http.MethodPost,
		Path:        "/auth/dev/login",
		Summary:     "DEV ONLY: mint a JWT for local testing",
		Errors:      []int{http.StatusBadRequest, http.StatusInternalServerError},
	}, func(ctx context.Context, input *jsonBody[DevLoginRequest]) (*jsonBody[DevLoginResponse], error) {
		actor := strings.TrimSpace(input.Body.ActorID)
		if actor == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "actor_id is required", nil)
		}
		token, err := signDevToken(authCfg.JWTSecret, actor, time.Now())
		if err != nil {
			return nil, newAPIError(http.StatusInternalServerError, "internal_error", err.Error(), nil)
		}
		return reply(DevLoginResponse{Token: token}), nil
	})
}

func registerTools(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-tools",
		Method:      http.MethodGet,
		Path:        "/tools",
		Summary:     "List configured tools",
	}, func(ctx context.Context, _ *struct{}) (*jsonBody[[]ToolSummary], error) {
		out := []ToolSummary{}
		for _, g := range e.Tools() {
			out = append(out, toolSummary(g))
		}
		return reply(out), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-tool",
		Method:      http.MethodGet,
		Path:        "/tools/{tool}",
		Summary:     "Describe a tool's stage graph",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		Tool string `path:"tool"`
	}) (*jsonBody[graph.Definition], error) {
		g, err := e.Tool(input.Tool)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(g.Definition()), nil
	})
}

func registerSessions(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-session",
		Method:        http.MethodPost,
		Path:          "/sessions",
		Summary:       "Start an intake session",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *jsonBody[CreateSessionRequest]) (*jsonBody[intake.Snapshot], error) {
		actor, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if strings.TrimSpace(input.Body.Tool) == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "tool is required", nil)
		}
		snap, err := e.CreateSession(ctx, input.Body.Tool, actor, seedFields(input.Body.Seed))
		if err != nil {
			return nil, handleError(err)
		}
		return reply(snap), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-sessions",
		Method:      http.MethodGet,
		Path:        "/sessions",
		Summary:     "List the caller's sessions",
	}, func(ctx context.Context, input *struct {
		Tool   string `query:"tool"`
		Status string `query:"status" enum:"collecting,generating,complete,failed"`
		Limit  int    `query:"limit" default:"50"`
	}) (*jsonBody[paginatedSessions], error) {
		actor, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		recs, err := e.ListSessions(ctx, repo.SessionFilters{
			Tool:    input.Tool,
			Status:  input.Status,
			OwnerID: actor,
			Limit:   normalizeLimit(input.Limit),
		})
		if err != nil {
			return nil, handleError(err)
		}
		out := paginatedSessions{Items: []SessionSummary{}}
		for _, r := range recs {
			out.Items = append(out.Items, sessionSummary(r))
		}
		return reply(out), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-session",
		Method:      http.MethodGet,
		Path:        "/sessions/{id}",
		Summary:     "Session snapshot",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *sessionPath) (*jsonBody[intake.Snapshot], error) {
		actor, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		snap, err := e.Snapshot(ctx, input.ID, actor)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(snap), nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "delete-session",
		Method:        http.MethodDelete,
		Path:          "/sessions/{id}",
		Summary:       "Delete a session",
		DefaultStatus: http.StatusNoContent,
		Errors:        []int{http.StatusNotFound},
	}, func(ctx context.Context, input *sessionPath) (*struct{}, error) {
		actor, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := e.DeleteSession(ctx, input.ID, actor); err != nil {
			return nil, handleError(err)
		}
		return nil, nil
	})
}

// registerAction wires one POST /sessions/{id}/<name> operation.
func registerAction[B any](api huma.API, name, summary string, run func(ctx context.Context, actor, id string, body B) (intake.Snapshot, error)) {
	huma.Register(api, huma.Operation{
		OperationID: "session-" + name,
		Method:      http.MethodPost,
		Path:        "/sessions/{id}/" + name,
		Summary:     summary,
		Errors:      []int{http.StatusNotFound, http.StatusConflict, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		ID   string `path:"id"`
		Body B
	}) (*jsonBody[intake.Snapshot], error) {
		actor, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		snap, err := run(ctx, actor, input.ID, input.Body)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(snap), nil
	})
}

type emptyRequest struct{}

func registerActions(api huma.API, e *engine.Engine) {
	registerAction(api, "choice", "Pick an option chip", func(ctx context.Context, actor, id string, b ChoiceRequest) (intake.Snapshot, error) {
		return e.Choose(ctx, id, actor, b.OptionID)
	})
	registerAction(api, "text", "Submit free text", func(ctx context.Context, actor, id string, b TextRequest) (intake.Snapshot, error) {
		return e.Text(ctx, id, actor, b.Value)
	})
	registerAction(api, "files", "Attach uploaded or picked files", func(ctx context.Context, actor, id string, b FilesRequest) (intake.Snapshot, error) {
		return e.Files(ctx, id, actor, b.Files)
	})
	registerAction(api, "upload-failure", "Report a failed upload or picker", func(ctx context.Context, actor, id string, b UploadFailureRequest) (intake.Snapshot, error) {
		return e.UploadFailure(ctx, id, actor, b.Message)
	})
	registerAction(api, "reset", "Start over", func(ctx context.Context, actor, id string, _ *emptyRequest) (intake.Snapshot, error) {
		return e.Reset(ctx, id, actor)
	})
	registerAction(api, "retry", "Retry a failed generation", func(ctx context.Context, actor, id string, _ *emptyRequest) (intake.Snapshot, error) {
		return e.Retry(ctx, id, actor)
	})
	registerAction(api, "complete", "Install an externally produced result", func(ctx context.Context, actor, id string, b CompleteRequest) (intake.Snapshot, error) {
		raw, err := json.Marshal(b.Result)
		if err != nil {
			return intake.Snapshot{}, err
		}
		return e.Complete(ctx, id, actor, raw)
	})

	huma.Register(api, huma.Operation{
		OperationID: "remove-document",
		Method:      http.MethodDelete,
		Path:        "/sessions/{id}/documents/{category}/{doc_id}",
		Summary:     "Remove a collected document",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID       string `path:"id"`
		Category string `path:"category"`
		DocID    string `path:"doc_id"`
	}) (*jsonBody[intake.Snapshot], error) {
		actor, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		snap, err := e.RemoveDocument(ctx, input.ID, actor, input.Category, input.DocID)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(snap), nil
	})
}

func registerEvents(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-session-events",
		Method:      http.MethodGet,
		Path:        "/sessions/{id}/events",
		Summary:     "List a session's events, newest first",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID     string `path:"id"`
		Limit  int    `query:"limit" default:"50"`
		Cursor string `query:"cursor"`
	}) (*jsonBody[paginatedEvents], error) {
		actor, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		limit := normalizeLimit(input.Limit)
		var cursorID int64
		if input.Cursor != "" {
			parsed, err := strconv.ParseInt(input.Cursor, 10, 64)
			if err != nil {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"cursor": input.Cursor})
			}
			cursorID = parsed
		}
		items, err := e.SessionEvents(ctx, input.ID, actor, limit+1, cursorID)
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedEvents{Items: []EventResponse{}}
		if len(items) > limit {
			resp.NextCursor = fmt.Sprintf("%d", items[limit-1].ID)
			items = items[:limit]
		}
		for _, evt := range items {
			resp.Items = append(resp.Items, eventResponse(evt))
		}
		return reply(resp), nil
	})
}

// registerStream pushes the current snapshot, then every notification for the
// session followed by a fresh snapshot on updates.
func registerStream(api huma.API, e *engine.Engine) {
	sse.Register(api, huma.Operation{
		OperationID: "stream-session",
		Method:      http.MethodGet,
		Path:        "/sessions/{id}/stream",
		Summary:     "Stream session notifications",
	}, map[string]any{
		"snapshot":     intake.Snapshot{},
		"notification": intake.Notification{},
		"error":        apiErrorBody{},
	}, func(ctx context.Context, input *sessionPath, send sse.Sender) {
		fail := func(err error) {
			var ae *apiError
			if errors.As(handleError(err), &ae) {
				_ = send.Data(ae.Body)
			}
		}
		actor, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			fail(authErr)
			return
		}
		s, err := e.Session(ctx, input.ID, actor)
		if err != nil {
			fail(err)
			return
		}
		updates, err := e.Bus.Subscribe(ctx, input.ID)
		if err != nil {
			fail(err)
			return
		}
		if err := send.Data(s.Snapshot()); err != nil {
			return
		}
		for n := range updates {
			if err := send.Data(n); err != nil {
				return
			}
			if n.Kind == intake.NotifyUpdate {
				if err := send.Data(s.Snapshot()); err != nil {
					return
				}
			}
		}
	})
}

func seedFields(in map[string]any) domain.Fields {
	if len(in) == 0 {
		return nil
	}
	out := domain.Fields{}
	for k, v := range in {
		switch val := v.(type) {
		case string:
			out[k] = val
		case []any:
			list := make([]string, 0, len(val))
			for _, item := range val {
				list = append(list, fmt.Sprint(item))
			}
			out[k] = list
		case nil:
		default:
			out[k] = fmt.Sprint(val)
		}
	}
	return out
}

func parseJSONMap(raw string) map[string]any {
	if raw == "" {
		return nil
	}
	var out map[string]any
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return map[string]any{"raw": raw}
	}
	return out
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
