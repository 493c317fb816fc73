package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"path"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"sepflow/internal/domain"
	"sepflow/internal/engine"
	"sepflow/internal/logging"
	"sepflow/internal/platform/ratelimiter"
	"sepflow/internal/store"
	"sepflow/internal/telemetry"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	BasePath string
	Auth     AuthConfig
	Metrics  *telemetry.Metrics
	// Limiter throttles per principal; nil disables throttling.
	Limiter *ratelimiter.MapLimiter
	// DevLogin registers the unauthenticated token mint.
	DevLogin bool
	Logger   *slog.Logger
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"invalid_transition"`
	Message string         `json:"message" example:"cannot approve application in status open"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true" example:"{\"status\":\"open\"}"`
}

type bodyBytesKey struct{}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

type output[T any] struct {
	Body T
}

func respond[T any](v T) *output[T] {
	return &output[T]{Body: v}
}

type IDPath struct {
	ID string `path:"id"`
}

// New returns an HTTP handler exposing the workflow API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v1"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.NewNop()
	}
	if cfg.Auth.Logger == nil {
		cfg.Auth.Logger = logger
	}
	huma.DefaultArrayNullable = false
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity {
			// schema and request decoding failures are caller input errors
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			msgs := make([]string, 0, len(errs))
			for _, e := range errs {
				msgs = append(msgs, e.Error())
			}
			details = map[string]any{"errors": msgs}
		}
		return newAPIError(status, string(domain.KindValidation), msg, details)
	}

	router := chi.NewRouter()
	router.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			bodyBytes, _ := io.ReadAll(r.Body)
			r.Body = io.NopCloser(bytes.NewBuffer(bodyBytes))
			ctx := context.WithValue(r.Context(), bodyBytesKey{}, bodyBytes)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	})
	router.Use(newAuthMiddleware(basePath, cfg.Auth))
	router.Use(cfg.Limiter.Middleware(rateLimitKey))

	hcfg := huma.DefaultConfig("sepflow API", "1.0.0")
	hcfg.OpenAPIPath = ""
	hcfg.DocsPath = ""
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	h := handlers{engine: cfg.Engine, logger: logger}
	registerDocs(router, basePath)
	registerHealth(group)
	h.registerApplications(group)
	h.registerTasks(group)
	h.registerRequests(group)
	h.registerEmployees(group)
	h.registerDispatch(group)
	h.registerQueries(group)
	if cfg.DevLogin {
		h.registerDevAuth(group, cfg.Auth)
	}
	router.Handle(path.Join(basePath, "metrics"), cfg.Metrics.Handler())
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

func statusForKind(kind domain.ErrorKind) int {
	switch kind {
	case domain.KindUnknownIdentity, domain.KindForbidden:
		return http.StatusForbidden
	case domain.KindNotFound:
		return http.StatusNotFound
	case domain.KindInvalidTransition, domain.KindConflict:
		return http.StatusConflict
	case domain.KindValidation:
		return http.StatusBadRequest
	case domain.KindUnknownEmployee:
		return http.StatusUnprocessableEntity
	}
	return http.StatusInternalServerError
}

type handlers struct {
	engine engine.Engine
	logger *slog.Logger
}

func (h handlers) handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	var werr *domain.Error
	if errors.As(err, &werr) {
		return newAPIError(statusForKind(werr.Kind), string(werr.Kind), werr.Message, werr.Details)
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return newAPIError(http.StatusServiceUnavailable, "unavailable", "request cancelled", nil)
	}
	h.logger.Error("request failed", "error", err)
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
	case http.StatusForbidden:
		return "forbidden"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

var commandErrors = []int{
	http.StatusBadRequest,
	http.StatusForbidden,
	http.StatusNotFound,
	http.StatusConflict,
	http.StatusUnprocessableEntity,
}

func (h handlers) registerApplications(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-application",
		Method:        http.MethodPost,
		Path:          "/applications",
		Summary:       "Create application",
		Tags:          []string{"applications"},
		DefaultStatus: http.StatusCreated,
		Errors:        commandErrors,
	}, func(ctx context.Context, input *struct {
		Body CreateApplicationRequest
	}) (*output[*domain.Application], error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		res, err := h.engine.CreateApplication(ctx, engine.ApplicationCreateOptions{
			ID:          input.Body.ID,
			Name:        input.Body.Name,
			Description: input.Body.Description,
			ActorID:     actorID,
		})
		if err != nil {
			return nil, h.handleError(err)
		}
		return respond(res.Application()), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "review-application",
		Method:      http.MethodPost,
		Path:        "/applications/{id}/review",
		Summary:     "Approve, reject or comment on an application under review",
		Tags:        []string{"applications"},
		Errors:      commandErrors,
	}, func(ctx context.Context, input *struct {
		IDPath
		Body ReviewApplicationRequest
	}) (*output[*domain.Application], error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		res, err := h.engine.ReviewApplication(ctx, engine.ReviewOptions{
			ID:              input.ID,
			Action:          input.Body.Action,
			Comment:         input.Body.Comment,
			Reason:          input.Body.Reason,
			ActorID:         actorID,
			ExpectedVersion: input.Body.ExpectedVersion,
		})
		if err != nil {
			return nil, h.handleError(err)
		}
		return respond(res.Application()), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "advance-application",
		Method:      http.MethodPost,
		Path:        "/applications/{id}/status",
		Summary:     "Advance an application one step: approved, open, in_progress, closed",
		Tags:        []string{"applications"},
		Errors:      commandErrors,
	}, func(ctx context.Context, input *struct {
		IDPath
		Body ChangeStatusRequest
	}) (*output[*domain.Application], error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		res, err := h.engine.ChangeStatus(ctx, input.ID, actorID, input.Body.ExpectedVersion)
		if err != nil {
			return nil, h.handleError(err)
		}
		return respond(res.Application()), nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "assign-task",
		Method:        http.MethodPost,
		Path:          "/applications/{id}/tasks",
		Summary:       "Create a task under an application",
		Tags:          []string{"applications", "tasks"},
		DefaultStatus: http.StatusCreated,
		Errors:        commandErrors,
	}, func(ctx context.Context, input *struct {
		IDPath
		Body AssignTaskRequest
	}) (*output[AssignTaskResponse], error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		res, err := h.engine.TaskAssign(ctx, engine.TaskAssignOptions{
			ApplicationID:   input.ID,
			TaskID:          input.Body.ID,
			Name:            input.Body.Name,
			Description:     input.Body.Description,
			EmployeeID:      input.Body.EmployeeID,
			ActorID:         actorID,
			ExpectedVersion: input.Body.ExpectedVersion,
		})
		if err != nil {
			return nil, h.handleError(err)
		}
		return respond(AssignTaskResponse{Application: res.Application(), Task: res.CreatedTask()}), nil
	})
}

func (h handlers) registerTasks(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "reassign-task",
		Method:      http.MethodPost,
		Path:        "/tasks/{id}/assign",
		Summary:     "Assign a task to an employee",
		Tags:        []string{"tasks"},
		Errors:      commandErrors,
	}, func(ctx context.Context, input *struct {
		IDPath
		Body ReassignTaskRequest
	}) (*output[*domain.Task], error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		res, err := h.engine.ReassignTask(ctx, input.ID, input.Body.EmployeeID, actorID, input.Body.ExpectedVersion)
		if err != nil {
			return nil, h.handleError(err)
		}
		return respond(res.Task()), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "comment-task",
		Method:      http.MethodPost,
		Path:        "/tasks/{id}/comments",
		Summary:     "Comment on an assigned task",
		Tags:        []string{"tasks"},
		Errors:      commandErrors,
	}, func(ctx context.Context, input *struct {
		IDPath
		Body CommentTaskRequest
	}) (*output[*domain.Task], error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		res, err := h.engine.CommentTask(ctx, input.ID, input.Body.Text, actorID, input.Body.ExpectedVersion)
		if err != nil {
			return nil, h.handleError(err)
		}
		return respond(res.Task()), nil
	})
}

func (h handlers) registerRequests(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-request",
		Method:        http.MethodPost,
		Path:          "/requests",
		Summary:       "Submit a budget or resource request",
		Tags:          []string{"requests"},
		DefaultStatus: http.StatusCreated,
		Errors:        commandErrors,
	}, func(ctx context.Context, input *struct {
		Body CreateRequestRequest
	}) (*output[*domain.Request], error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		res, err := h.engine.CreateRequest(ctx, engine.RequestCreateOptions{
			ID:            input.Body.ID,
			Kind:          input.Body.Kind,
			ApplicationID: input.Body.ApplicationID,
			Name:          input.Body.Name,
			Description:   input.Body.Description,
			ActorID:       actorID,
		})
		if err != nil {
			return nil, h.handleError(err)
		}
		return respond(res.Request()), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "decide-request",
		Method:      http.MethodPost,
		Path:        "/requests/{id}/decision",
		Summary:     "Approve or reject a request",
		Tags:        []string{"requests"},
		Errors:      commandErrors,
	}, func(ctx context.Context, input *struct {
		IDPath
		Body DecideRequestRequest
	}) (*output[*domain.Request], error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		res, err := h.engine.ChangeRequestStatus(ctx, input.ID, input.Body.Decision, actorID, input.Body.ExpectedVersion)
		if err != nil {
			return nil, h.handleError(err)
		}
		return respond(res.Request()), nil
	})
}

func (h handlers) registerEmployees(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID:   "recruit-employee",
		Method:        http.MethodPost,
		Path:          "/employees",
		Summary:       "Recruit an employee",
		Tags:          []string{"employees"},
		DefaultStatus: http.StatusCreated,
		Errors:        commandErrors,
	}, func(ctx context.Context, input *struct {
		Body RecruitEmployeeRequest
	}) (*output[*domain.Employee], error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		res, err := h.engine.RecruitEmployee(ctx, engine.EmployeeCreateOptions{
			ID:         input.Body.ID,
			Name:       input.Body.Name,
			Department: input.Body.Department,
			ActorID:    actorID,
		})
		if err != nil {
			return nil, h.handleError(err)
		}
		return respond(res.Employee()), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-employees",
		Method:      http.MethodGet,
		Path:        "/employees",
		Summary:     "List employees",
		Tags:        []string{"employees"},
		Errors:      []int{http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		Department string `query:"department"`
	}) (*output[[]*domain.Employee], error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		items, err := h.engine.ListEmployees(ctx, actorID, input.Department)
		if err != nil {
			return nil, h.handleError(err)
		}
		return respond(nonNilSlice(items)), nil
	})
}

func (h handlers) registerDispatch(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "dispatch",
		Method:      http.MethodPost,
		Path:        "/dispatch",
		Summary:     "Dispatch a raw workflow command",
		Tags:        []string{"commands"},
		Errors:      commandErrors,
	}, func(ctx context.Context, input *struct {
		Body DispatchRequest
	}) (*output[DispatchResponse], error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, string(domain.KindValidation), "body required", nil)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		res, err := h.engine.Dispatch(ctx, engine.Command{
			Actor:           actorID,
			EntityType:      domain.EntityType(input.Body.EntityType),
			EntityID:        input.Body.EntityID,
			Action:          domain.Action(input.Body.Action),
			Payload:         input.Body.Payload,
			ExpectedVersion: input.Body.ExpectedVersion,
		})
		if err != nil {
			return nil, h.handleError(err)
		}
		return respond(dispatchResponse(res)), nil
	})
}

func (h handlers) registerQueries(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "list-applications",
		Method:      http.MethodGet,
		Path:        "/applications",
		Summary:     "List applications",
		Tags:        []string{"applications"},
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		Status      []string `query:"status"`
		NeedsReview string   `query:"needs_review" enum:"true,false"`
		CreatedBy   string   `query:"created_by"`
		Limit       int      `query:"limit"`
	}) (*output[[]*domain.Application], error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		f := engine.ApplicationFilter{Statuses: input.Status, CreatedBy: input.CreatedBy, Limit: input.Limit}
		if input.NeedsReview != "" {
			v := input.NeedsReview == "true"
			f.NeedsReview = &v
		}
		items, err := h.engine.ListApplications(ctx, actorID, f)
		if err != nil {
			return nil, h.handleError(err)
		}
		return respond(nonNilSlice(items)), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-application",
		Method:      http.MethodGet,
		Path:        "/applications/{id}",
		Summary:     "Get application",
		Tags:        []string{"applications"},
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *IDPath) (*output[*domain.Application], error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		app, err := h.engine.GetApplication(ctx, actorID, input.ID)
		if err != nil {
			return nil, h.handleError(err)
		}
		return respond(app), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-application-tasks",
		Method:      http.MethodGet,
		Path:        "/applications/{id}/tasks",
		Summary:     "List the tasks of an application",
		Tags:        []string{"applications", "tasks"},
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *IDPath) (*output[[]*domain.Task], error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		items, err := h.engine.ListTasks(ctx, actorID, input.ID)
		if err != nil {
			return nil, h.handleError(err)
		}
		return respond(nonNilSlice(items)), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "my-tasks",
		Method:      http.MethodGet,
		Path:        "/tasks/mine",
		Summary:     "Tasks assigned to the caller's employee record",
		Tags:        []string{"tasks"},
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden},
	}, func(ctx context.Context, _ *struct{}) (*output[[]*domain.Task], error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		items, err := h.engine.MyTasks(ctx, actorID)
		if err != nil {
			return nil, h.handleError(err)
		}
		return respond(nonNilSlice(items)), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-requests",
		Method:      http.MethodGet,
		Path:        "/requests",
		Summary:     "List requests",
		Tags:        []string{"requests"},
		Errors:      []int{http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		ApplicationID string   `query:"application_id"`
		Kind          string   `query:"kind"`
		Status        []string `query:"status"`
		Limit         int      `query:"limit"`
	}) (*output[[]*domain.Request], error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		items, err := h.engine.ListRequests(ctx, actorID, engine.RequestFilter{
			ApplicationID: input.ApplicationID,
			Kind:          input.Kind,
			Statuses:      input.Status,
			Limit:         input.Limit,
		})
		if err != nil {
			return nil, h.handleError(err)
		}
		return respond(nonNilSlice(items)), nil
	})

	for _, et := range []domain.EntityType{domain.EntityApplication, domain.EntityTask, domain.EntityRequest} {
		huma.Register(api, huma.Operation{
			OperationID: fmt.Sprintf("%s-actions", et),
			Method:      http.MethodGet,
			Path:        fmt.Sprintf("/%ss/{id}/actions", et),
			Summary:     fmt.Sprintf("Actions the caller may take on a %s now", et),
			Tags:        []string{string(et) + "s"},
			Errors:      []int{http.StatusForbidden, http.StatusNotFound},
		}, func(ctx context.Context, input *IDPath) (*output[[]string], error) {
			actorID, authErr := actorIDFromContext(ctx)
			if authErr != nil {
				return nil, authErr
			}
			actions, err := h.engine.AvailableActions(ctx, actorID, et, input.ID)
			if err != nil {
				return nil, h.handleError(err)
			}
			out := make([]string, 0, len(actions))
			for _, a := range actions {
				out = append(out, string(a))
			}
			return respond(out), nil
		})
	}

	huma.Register(api, huma.Operation{
		OperationID: "inbox",
		Method:      http.MethodGet,
		Path:        "/inbox",
		Summary:     "Work waiting on the caller's role",
		Tags:        []string{"queries"},
		Errors:      []int{http.StatusForbidden},
	}, func(ctx context.Context, _ *struct{}) (*output[engine.Inbox], error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		box, err := h.engine.Inbox(ctx, actorID)
		if err != nil {
			return nil, h.handleError(err)
		}
		return respond(box), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "List recent events, newest first",
		Tags:        []string{"events"},
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		Type       string `query:"type"`
		EntityKind string `query:"entity_kind" enum:"application,task,request,employee"`
		EntityID   string `query:"entity_id"`
		Limit      int    `query:"limit" default:"50"`
		Cursor     string `query:"cursor"`
	}) (*output[paginatedEvents], error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		limit := normalizeLimit(input.Limit)
		var before int64
		if input.Cursor != "" {
			parsed, err := strconv.ParseInt(input.Cursor, 10, 64)
			if err != nil || parsed <= 0 {
				return nil, newAPIError(http.StatusBadRequest, string(domain.KindValidation), "invalid cursor", map[string]any{"cursor": input.Cursor})
			}
			before = parsed
		}
		items, err := h.engine.Events(ctx, actorID, store.EventQuery{
			Type:       input.Type,
			EntityKind: input.EntityKind,
			EntityID:   input.EntityID,
			Before:     before,
			Desc:       true,
			Limit:      limit + 1,
		})
		if err != nil {
			return nil, h.handleError(err)
		}
		resp := paginatedEvents{Items: []EventResponse{}}
		if len(items) > limit {
			items = items[:limit]
			resp.NextCursor = strconv.FormatInt(items[limit-1].ID, 10)
		}
		resp.Items = append(resp.Items, eventResponses(items)...)
		return respond(resp), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "me",
		Method:      http.MethodGet,
		Path:        "/me",
		Summary:     "Current identity and capabilities",
		Tags:        []string{"queries"},
		Errors:      []int{http.StatusUnauthorized, http.StatusForbidden},
	}, func(ctx context.Context, _ *struct{}) (*output[MeResponse], error) {
		principal, found := principalFromContext(ctx)
		if !found || principal.ActorID == "" {
			return nil, newAPIError(http.StatusUnauthorized, "unauthorized", "authentication required", nil)
		}
		profile, err := h.engine.Me(principal.ActorID)
		if err != nil {
			return nil, h.handleError(err)
		}
		return respond(meResponse(profile, principal.Source)), nil
	})
}

const devTokenTTL = 12 * time.Hour

func (h handlers) registerDevAuth(api huma.API, authCfg AuthConfig) {
	huma.Register(api, huma.Operation{
		OperationID: "dev-login",
		Method:      http.MethodPost,
		Path:        "/auth/dev/login",
		Summary:     "DEV ONLY: mint a JWT for a configured identity",
		Tags:        []string{"auth"},
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body DevLoginRequest
	}) (*output[DevLoginResponse], error) {
		actor := strings.TrimSpace(input.Body.ActorID)
		if actor == "" {
			return nil, newAPIError(http.StatusBadRequest, string(domain.KindValidation), "actor_id is required", map[string]any{"field": "actor_id"})
		}
		if _, err := h.engine.Me(actor); err != nil {
			return nil, h.handleError(err)
		}
		token, err := signToken(authCfg.JWTSecret, actor, devTokenTTL)
		if err != nil {
			return nil, newAPIError(http.StatusInternalServerError, "internal_error", err.Error(), nil)
		}
		return respond(DevLoginResponse{Token: token}), nil
	})
}

func registerHealth(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
		Tags:        []string{"ops"},
	}, func(ctx context.Context, _ *struct{}) (*output[map[string]string], error) {
		return respond(map[string]string{"status": "ok"}), nil
	})
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
	if oas == nil || oas.Paths == nil || oas.Components == nil || oas.Components.Schemas == nil {
		return
	}
	errSchema := oas.Components.Schemas.Schema(reflect.TypeOf(apiError{}), true, "ApiError")
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
					"application/json": {Schema: errSchema},
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
	public := map[string]bool{
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
			if public[route] {
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
    <title>sepflow API Docs</title>
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

func bodyBytes(ctx context.Context) []byte {
	if buf, ok := ctx.Value(bodyBytesKey{}).([]byte); ok {
		return buf
	}
	return nil
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
