// Package server exposes the workflow engine over HTTP with a typed API.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strings"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"specline/internal/deliver"
	"specline/internal/domain"
	"specline/internal/engine"
	"specline/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   *engine.Engine
	BasePath string
	Auth     AuthConfig
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"invalid_transition"`
	Message string         `json:"message" example:"invalid use case status transition draft -> approved"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the Specline API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v1"
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
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	router.Use(newAuthMiddleware(basePath, cfg.Auth, cfg.Engine.Repo))
	hcfg := huma.DefaultConfig("Specline API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerProjects(group, cfg.Engine)
	registerAnalyze(group, cfg.Engine)
	registerRequirements(group, cfg.Engine)
	registerUseCases(group, cfg.Engine)
	registerAssignments(group, cfg.Engine)
	registerRoles(group, cfg.Engine)
	registerEvents(group, cfg.Engine)
	registerExport(group, cfg.Engine)
	registerOpenAPI(router, api, basePath)

	startWebhookDispatcher(cfg.Engine)

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
	var ite *engine.InvalidTransitionError
	if errors.As(err, &ite) {
		return newAPIError(http.StatusConflict, "invalid_transition", err.Error(), map[string]any{
			"entity": ite.Entity,
			"from":   ite.From,
			"to":     ite.To,
		})
	}
	if errors.Is(err, repo.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	msg := err.Error()
	lowered := strings.ToLower(msg)
	switch {
	case strings.Contains(lowered, "invalid") || strings.Contains(lowered, "missing") || strings.Contains(lowered, "required") || strings.Contains(lowered, "unknown"):
		return newAPIError(http.StatusBadRequest, "bad_request", msg, nil)
	default:
		return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": msg})
	}
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
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
			spec, _ = json.Marshal(api.OpenAPI())
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(spec)
	})
}

func swaggerHTML(basePath string) string {
	specURL := path.Join("/", path.Join(basePath, "openapi.json"))
	return fmt.Sprintf(`<!doctype html>
<html lang="en">
  <head>
    <meta charset="utf-8"/>
    <meta name="viewport" content="width=device-width, initial-scale=1"/>
    <title>Specline API</title>
    <link rel="stylesheet" href="https://unpkg.com/swagger-ui-dist@5/swagger-ui.css"/>
  </head>
  <body>
    <div id="swagger-ui"></div>
    <script src="https://unpkg.com/swagger-ui-dist@5/swagger-ui-bundle.js"></script>
    <script>
      window.onload = () => {
        window.ui = SwaggerUIBundle({
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
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string]string `json:"body"`
	}, error) {
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: map[string]string{"status": "ok"}}, nil
	})
}

func registerProjects(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-project",
		Method:        http.MethodPost,
		Path:          "/projects",
		Summary:       "Create project",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		Body CreateProjectRequest `json:"body"`
	}) (*struct {
		Body ProjectResponse `json:"body"`
	}, error) {
		if input.Body.ID == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "id is required", nil)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		desc := ""
		if input.Body.Description != nil {
			desc = *input.Body.Description
		}
		p, err := e.InitProject(ctx, input.Body.ID, desc, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ProjectResponse `json:"body"`
		}{Body: projectResponse(p)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-projects",
		Method:      http.MethodGet,
		Path:        "/projects",
		Summary:     "List projects",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []ProjectResponse `json:"body"`
	}, error) {
		items, err := e.Repo.ListProjects(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []ProjectResponse `json:"body"`
		}{Body: mapProjects(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-project",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}",
		Summary:     "Get project",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
	}) (*struct {
		Body ProjectResponse `json:"body"`
	}, error) {
		p, err := e.Repo.GetProject(ctx, input.ProjectID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ProjectResponse `json:"body"`
		}{Body: projectResponse(p)}, nil
	})
}

func registerAnalyze(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "analyze",
		Method:      http.MethodPost,
		Path:        "/projects/{project_id}/analyze",
		Summary:     "Analyze a message, extracting a requirement and use cases",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProjectID string         `path:"project_id"`
		Body      AnalyzeRequest `json:"body"`
	}) (*struct {
		Body AnalyzeResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if _, err := e.Repo.GetProject(ctx, input.ProjectID); err != nil {
			return nil, handleError(err)
		}
		res, err := e.AnalyzeMessage(ctx, input.ProjectID, input.Body.Message, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body AnalyzeResponse `json:"body"`
		}{Body: analyzeResponse(res)}, nil
	})
}

func registerRequirements(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-requirements",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/requirements",
		Summary:     "List requirements",
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
		Status    string `query:"status" enum:"draft,accepted" required:"false"`
		Limit     int    `query:"limit" required:"false"`
	}) (*struct {
		Body []domain.Requirement `json:"body"`
	}, error) {
		items, err := e.Repo.ListRequirements(ctx, repo.RequirementFilters{
			ProjectID: input.ProjectID,
			Status:    input.Status,
			Limit:     input.Limit,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Requirement `json:"body"`
		}{Body: items}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-requirement",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/requirements/{id}",
		Summary:     "Get requirement",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
		ID        string `path:"id"`
	}) (*struct {
		Body domain.Requirement `json:"body"`
	}, error) {
		req, err := e.Repo.GetRequirement(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Requirement `json:"body"`
		}{Body: req}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "accept-requirement",
		Method:      http.MethodPatch,
		Path:        "/projects/{project_id}/requirements/{id}/accept",
		Summary:     "Accept a requirement (idempotent)",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
		ID        string `path:"id"`
	}) (*struct {
		Body domain.Requirement `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		req, err := e.AcceptRequirement(ctx, input.ID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Requirement `json:"body"`
		}{Body: req}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-requirement",
		Method:      http.MethodPatch,
		Path:        "/projects/{project_id}/requirements/{id}",
		Summary:     "Update requirement content (bumps version)",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProjectID string                   `path:"project_id"`
		ID        string                   `path:"id"`
		Body      UpdateRequirementRequest `json:"body"`
	}) (*struct {
		Body domain.Requirement `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		req, err := e.UpdateRequirementContent(ctx, input.ID, input.Body.Content, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Requirement `json:"body"`
		}{Body: req}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "generate-deliverables",
		Method:        http.MethodPost,
		Path:          "/projects/{project_id}/requirements/{id}/deliverables",
		Summary:       "Generate deliverables for a requirement",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
		ID        string `path:"id"`
	}) (*struct {
		Body DeliverablesResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		res, err := e.GenerateDeliverables(ctx, input.ID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body DeliverablesResponse `json:"body"`
		}{Body: DeliverablesResponse{
			Deliverables: res.Deliverables,
			Export:       deliver.Export(res.Deliverables),
			Count:        len(res.Deliverables),
			Fallback:     res.Fallback,
		}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-deliverables",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/requirements/{id}/deliverables",
		Summary:     "List a requirement's deliverables",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
		ID        string `path:"id"`
	}) (*struct {
		Body DeliverablesResponse `json:"body"`
	}, error) {
		if _, err := e.Repo.GetRequirement(ctx, input.ID); err != nil {
			return nil, handleError(err)
		}
		items, err := e.Repo.ListDeliverables(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body DeliverablesResponse `json:"body"`
		}{Body: DeliverablesResponse{
			Deliverables: items,
			Export:       deliver.Export(items),
			Count:        len(items),
		}}, nil
	})
}

func registerUseCases(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-usecase",
		Method:        http.MethodPost,
		Path:          "/projects/{project_id}/usecases",
		Summary:       "Create use case",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProjectID string               `path:"project_id"`
		Body      CreateUseCaseRequest `json:"body"`
	}) (*struct {
		Body domain.UseCase `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		opts := engine.UseCaseCreateOptions{
			ProjectID:    input.ProjectID,
			Title:        input.Body.Title,
			Actors:       input.Body.Actors,
			Dependencies: input.Body.Dependencies,
			Priority:     input.Body.Priority,
			ActorID:      actorID,
		}
		if input.Body.RequirementID != nil {
			opts.RequirementID = *input.Body.RequirementID
		}
		if input.Body.Description != nil {
			opts.Description = *input.Body.Description
		}
		uc, err := e.CreateUseCase(ctx, opts)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.UseCase `json:"body"`
		}{Body: uc}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-usecases",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/usecases",
		Summary:     "List use cases",
	}, func(ctx context.Context, input *struct {
		ProjectID     string `path:"project_id"`
		RequirementID string `query:"requirement_id" required:"false"`
		Status        string `query:"status" required:"false"`
		Limit         int    `query:"limit" required:"false"`
	}) (*struct {
		Body []domain.UseCase `json:"body"`
	}, error) {
		items, err := e.Repo.ListUseCases(ctx, repo.UseCaseFilters{
			ProjectID:     input.ProjectID,
			RequirementID: input.RequirementID,
			Status:        input.Status,
			Limit:         input.Limit,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.UseCase `json:"body"`
		}{Body: items}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-usecase",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/usecases/{id}",
		Summary:     "Get use case",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
		ID        string `path:"id"`
	}) (*struct {
		Body domain.UseCase `json:"body"`
	}, error) {
		uc, err := e.Repo.GetUseCase(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.UseCase `json:"body"`
		}{Body: uc}, nil
	})

	type transitionInput struct {
		ProjectID string `path:"project_id"`
		ID        string `path:"id"`
	}
	type transitionOutput struct {
		Body domain.UseCase `json:"body"`
	}
	registerTransition := func(op, summary string, apply func(ctx context.Context, id, actorID string) (domain.UseCase, error)) {
		huma.Register(api, huma.Operation{
			OperationID: op + "-usecase",
			Method:      http.MethodPatch,
			Path:        "/projects/{project_id}/usecases/{id}/" + op,
			Summary:     summary,
			Errors:      []int{http.StatusConflict, http.StatusNotFound},
		}, func(ctx context.Context, input *transitionInput) (*transitionOutput, error) {
			actorID, authErr := actorIDFromContext(ctx)
			if authErr != nil {
				return nil, authErr
			}
			uc, err := apply(ctx, input.ID, actorID)
			if err != nil {
				return nil, handleError(err)
			}
			return &transitionOutput{Body: uc}, nil
		})
	}
	registerTransition("submit", "Submit use case for review", e.SubmitUseCase)
	registerTransition("start", "Start development", e.StartUseCase)
	registerTransition("complete", "Complete development", e.CompleteUseCase)

	huma.Register(api, huma.Operation{
		OperationID: "approve-usecase",
		Method:      http.MethodPatch,
		Path:        "/projects/{project_id}/usecases/{id}/approve",
		Summary:     "Approve use case (hands off to the architect role when one exists)",
		Errors:      []int{http.StatusConflict, http.StatusNotFound},
	}, func(ctx context.Context, input *transitionInput) (*struct {
		Body ApproveUseCaseResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		uc, assignment, err := e.ApproveUseCase(ctx, input.ID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ApproveUseCaseResponse `json:"body"`
		}{Body: ApproveUseCaseResponse{UseCase: uc, Assignment: assignment}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "reject-usecase",
		Method:      http.MethodPatch,
		Path:        "/projects/{project_id}/usecases/{id}/reject",
		Summary:     "Reject use case",
		Errors:      []int{http.StatusConflict, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProjectID string               `path:"project_id"`
		ID        string               `path:"id"`
		Body      RejectUseCaseRequest `json:"body"`
	}) (*transitionOutput, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		uc, err := e.RejectUseCase(ctx, input.ID, input.Body.Reason, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &transitionOutput{Body: uc}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "assign-usecase",
		Method:      http.MethodPatch,
		Path:        "/projects/{project_id}/usecases/{id}/assign",
		Summary:     "Assign an approved use case to an actor",
		Errors:      []int{http.StatusBadRequest, http.StatusConflict, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProjectID string               `path:"project_id"`
		ID        string               `path:"id"`
		Body      AssignUseCaseRequest `json:"body"`
	}) (*transitionOutput, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		uc, err := e.AssignUseCase(ctx, input.ID, input.Body.AssigneeID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &transitionOutput{Body: uc}, nil
	})
}

func registerAssignments(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-assignment",
		Method:        http.MethodPost,
		Path:          "/projects/{project_id}/assignments",
		Summary:       "Create assignment",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProjectID string                  `path:"project_id"`
		Body      CreateAssignmentRequest `json:"body"`
	}) (*struct {
		Body domain.Assignment `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		opts := engine.AssignmentCreateOptions{
			ProjectID:  input.ProjectID,
			EntityKind: input.Body.EntityKind,
			EntityID:   input.Body.EntityID,
			ActorID:    actorID,
		}
		if input.Body.ToRole != nil {
			opts.ToRole = *input.Body.ToRole
		}
		if input.Body.ToActor != nil {
			opts.ToActor = *input.Body.ToActor
		}
		if input.Body.DueDate != nil {
			opts.DueDate = *input.Body.DueDate
		}
		if input.Body.Comments != nil {
			opts.Comments = *input.Body.Comments
		}
		a, err := e.CreateAssignment(ctx, opts)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Assignment `json:"body"`
		}{Body: a}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-assignments",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/assignments",
		Summary:     "List assignments",
	}, func(ctx context.Context, input *struct {
		ProjectID  string `path:"project_id"`
		EntityKind string `query:"entity_kind" required:"false"`
		EntityID   string `query:"entity_id" required:"false"`
		Status     string `query:"status" required:"false"`
	}) (*struct {
		Body []domain.Assignment `json:"body"`
	}, error) {
		items, err := e.Repo.ListAssignments(ctx, repo.AssignmentFilters{
			ProjectID:  input.ProjectID,
			EntityKind: input.EntityKind,
			EntityID:   input.EntityID,
			Status:     input.Status,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Assignment `json:"body"`
		}{Body: items}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-assignment",
		Method:      http.MethodPatch,
		Path:        "/projects/{project_id}/assignments/{id}",
		Summary:     "Update assignment status",
		Errors:      []int{http.StatusConflict, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProjectID string                  `path:"project_id"`
		ID        string                  `path:"id"`
		Body      UpdateAssignmentRequest `json:"body"`
	}) (*struct {
		Body domain.Assignment `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		a, err := e.SetAssignmentStatus(ctx, input.ID, input.Body.Status, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Assignment `json:"body"`
		}{Body: a}, nil
	})
}

func registerRoles(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "grant-role",
		Method:        http.MethodPost,
		Path:          "/projects/{project_id}/roles",
		Summary:       "Grant a workflow role to an actor",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		ProjectID string           `path:"project_id"`
		Body      GrantRoleRequest `json:"body"`
	}) (*struct {
		Body map[string]string `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if input.Body.ActorID == "" || input.Body.RoleID == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "actor_id and role_id are required", nil)
		}
		if err := e.GrantRole(ctx, input.ProjectID, input.Body.ActorID, input.Body.RoleID, actorID); err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: map[string]string{
			"actor_id": input.Body.ActorID,
			"role_id":  input.Body.RoleID,
			"status":   "granted",
		}}, nil
	})
}

func registerEvents(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/events",
		Summary:     "Activity log",
	}, func(ctx context.Context, input *struct {
		ProjectID  string `path:"project_id"`
		Type       string `query:"type" required:"false"`
		EntityKind string `query:"entity_kind" required:"false"`
		EntityID   string `query:"entity_id" required:"false"`
		Limit      int    `query:"limit" required:"false"`
	}) (*struct {
		Body []domain.Event `json:"body"`
	}, error) {
		items, err := e.Repo.LatestEvents(ctx, input.Limit, input.ProjectID, input.Type, input.EntityKind, input.EntityID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Event `json:"body"`
		}{Body: items}, nil
	})
}

func registerExport(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "export-project",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/export",
		Summary:     "Export the project as a markdown document",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
	}) (*struct {
		ContentType string `header:"Content-Type"`
		Body        []byte
	}, error) {
		doc, err := e.ExportDocument(ctx, input.ProjectID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			ContentType string `header:"Content-Type"`
			Body        []byte
		}{ContentType: "text/markdown; charset=utf-8", Body: []byte(doc)}, nil
	})
}
