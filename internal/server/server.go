package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"path"
	"reflect"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"storyline/internal/domain"
	"storyline/internal/engine"
	"storyline/internal/logging"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	BasePath string
	Auth     AuthConfig
	Logger   *slog.Logger
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"state_mismatch"`
	Message string         `json:"message" example:"story s1: expected state draft, actual validation"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError is the error envelope returned by every operation.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// output wraps a response body.
type output[T any] struct {
	Body T
}

func ok[T any](v T) *output[T] { return &output[T]{Body: v} }

// New returns an HTTP handler exposing the storyline API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	logger := logging.OrNop(cfg.Logger)
	huma.DefaultArrayNullable = false
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
			// Schema/request validation errors are bad requests.
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			msgs := make([]string, 0, len(errs))
			for _, err := range errs {
				msgs = append(msgs, err.Error())
			}
			details = map[string]any{"errors": msgs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(requestLogger(logger))
	router.Use(middleware.Recoverer)
	router.Use(newAuthMiddleware(basePath, cfg.Auth, logger))
	hcfg := huma.DefaultConfig("Storyline API", "0.1.0")
	hcfg.OpenAPIPath = path.Join(basePath, "openapi")
	hcfg.DocsPath = path.Join(basePath, "docs")
	hcfg.SchemasPath = path.Join(basePath, "schemas")
	hcfg.Components.SecuritySchemes = map[string]*huma.SecurityScheme{
		"bearerAuth": {Type: "http", Scheme: "bearer", BearerFormat: "JWT"},
	}
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerHealth(group)
	registerStatus(group, cfg.Engine)
	registerTasks(group, cfg.Engine)
	registerProjects(group, cfg.Engine)
	registerStories(group, cfg.Engine)
	registerCapacity(group, cfg.Engine)
	registerEvents(group, cfg.Engine)
	documentOperations(api.OpenAPI())

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

// handleError maps engine errors onto the envelope. Collaborator failures
// never expose the agent's own error text.
func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	msg := err.Error()
	var sm *domain.StateMismatchError
	if errors.As(err, &sm) {
		return newAPIError(http.StatusConflict, "state_mismatch", msg, map[string]any{
			"expected": sm.Expected,
			"actual":   sm.Actual,
		})
	}
	switch {
	case errors.Is(err, domain.ErrNotFound):
		return newAPIError(http.StatusNotFound, "not_found", msg, nil)
	case errors.Is(err, domain.ErrDuplicateID):
		return newAPIError(http.StatusConflict, "duplicate_id", msg, nil)
	case errors.Is(err, domain.ErrInvalidAllocation):
		return newAPIError(http.StatusBadRequest, "invalid_allocation", msg, nil)
	case errors.Is(err, domain.ErrInvalidDelta):
		return newAPIError(http.StatusBadRequest, "invalid_delta", msg, nil)
	case errors.Is(err, domain.ErrInvalidArgument):
		return newAPIError(http.StatusBadRequest, "bad_request", msg, nil)
	case errors.Is(err, domain.ErrIncompleteHours):
		return newAPIError(http.StatusUnprocessableEntity, "incomplete_hours", msg, nil)
	case errors.Is(err, domain.ErrReferencedByActiveStory):
		return newAPIError(http.StatusConflict, "referenced_by_active_story", msg, nil)
	case errors.Is(err, domain.ErrIllegalTransition):
		return newAPIError(http.StatusUnprocessableEntity, "illegal_transition", msg, nil)
	case errors.Is(err, domain.ErrNoCapacityWithinHorizon):
		return newAPIError(http.StatusUnprocessableEntity, "no_capacity_within_horizon", msg, nil)
	case errors.Is(err, domain.ErrAgentUnavailable):
		return newAPIError(http.StatusServiceUnavailable, "agent_unavailable", msg, nil)
	case errors.Is(err, domain.ErrTimeout):
		return newAPIError(http.StatusGatewayTimeout, "collaborator_timeout", msg, nil)
	case errors.Is(err, domain.ErrCollaborator):
		var ce *domain.CollaboratorError
		details := map[string]any{}
		if errors.As(err, &ce) {
			details["agent_id"] = ce.Agent
			details["action"] = ce.Action
			if v := ce.Violation(); v != nil {
				details["violation"] = handleError(v).(*apiError).Body.Code
			}
		}
		return newAPIError(http.StatusBadGateway, "collaborator_error", msg, details)
	default:
		return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", nil)
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
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

func requestLogger(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)
			logger.InfoContext(r.Context(), "http request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.Status(),
				"duration_ms", time.Since(start).Milliseconds(),
				"request_id", middleware.GetReqID(r.Context()),
			)
		})
	}
}

// documentOperations runs once every route is registered: each operation
// gets the error envelope as its default response and, apart from health,
// the bearer requirement.
func documentOperations(oas *huma.OpenAPI) {
	envelope := oas.Components.Schemas.Schema(reflect.TypeOf(apiError{}), true, "ApiError")
	bearer := []map[string][]string{{"bearerAuth": {}}}
	for _, item := range oas.Paths {
		for _, op := range []*huma.Operation{item.Get, item.Put, item.Post, item.Delete, item.Patch} {
			if op == nil {
				continue
			}
			if op.Responses == nil {
				op.Responses = map[string]*huma.Response{}
			}
			op.Responses["default"] = &huma.Response{
				Description: "Error",
				Content:     map[string]*huma.MediaType{"application/json": {Schema: envelope}},
			}
			if op.OperationID == "health" {
				op.Security = []map[string][]string{}
			} else {
				op.Security = bearer
			}
		}
	}
}

func registerHealth(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
	}, func(_ context.Context, _ *struct{}) (*output[map[string]string], error) {
		return ok(map[string]string{"status": "ok"}), nil
	})
}
