package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"rivo/internal/domain"
	"rivo/internal/engine"
	"rivo/internal/repo"
	"rivo/internal/review"
	"rivo/internal/stage"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	BasePath string
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"not_found"`
	Message string         `json:"message" example:"record abc not found"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the Rivo API.
func New(cfg Config) (http.Handler, error) {
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
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	hcfg := huma.DefaultConfig("Rivo API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerHealth(group)
	registerPipeline(group, cfg.Engine)
	registerRecords(group, cfg.Engine)
	registerRuns(group, cfg.Engine)
	registerReviews(group, cfg.Engine)
	registerEvents(group, cfg.Engine)

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
	switch {
	case errors.Is(err, repo.ErrNotFound):
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	case errors.Is(err, review.ErrDecisionConflict):
		return newAPIError(http.StatusConflict, "decision_conflict", err.Error(), nil)
	case errors.Is(err, review.ErrNotPending):
		return newAPIError(http.StatusConflict, "not_pending", err.Error(), nil)
	case errors.Is(err, stage.ErrIllegalTransition):
		return newAPIError(http.StatusConflict, "illegal_transition", err.Error(), nil)
	case errors.Is(err, repo.ErrConcurrentModification):
		return newAPIError(http.StatusConflict, "concurrent_modification", err.Error(), nil)
	}
	msg := err.Error()
	lowered := strings.ToLower(msg)
	switch {
	case strings.Contains(lowered, "unknown") || strings.Contains(lowered, "invalid") || strings.Contains(lowered, "required"):
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
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
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

func registerPipeline(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "pipeline-health",
		Method:      http.MethodGet,
		Path:        "/pipeline/health",
		Summary:     "Pipeline diagnostics",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body engine.Health `json:"body"`
	}, error) {
		h, err := e.Health(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body engine.Health `json:"body"`
		}{Body: h}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "pipeline-run",
		Method:      http.MethodPost,
		Path:        "/pipeline/run",
		Summary:     "Sweep all stages",
	}, func(ctx context.Context, input *struct {
		Tenant string `query:"tenant_id"`
	}) (*struct {
		Body []engine.StageSummary `json:"body"`
	}, error) {
		summaries, err := e.RunAll(ctx, input.Tenant)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []engine.StageSummary `json:"body"`
		}{Body: summaries}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "stage-run",
		Method:      http.MethodPost,
		Path:        "/stages/{stage}/run",
		Summary:     "Sweep one stage",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Stage  string `path:"stage"`
		Tenant string `query:"tenant_id"`
	}) (*struct {
		Body engine.StageSummary `json:"body"`
	}, error) {
		summary, err := e.RunStage(ctx, input.Stage, input.Tenant)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body engine.StageSummary `json:"body"`
		}{Body: summary}, nil
	})
}

func registerRecords(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-record",
		Method:        http.MethodPost,
		Path:          "/records",
		Summary:       "Create record",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Body CreateRecordRequest `json:"body"`
	}) (*struct {
		Body RecordResponse `json:"body"`
	}, error) {
		if input.Body.Kind == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "kind is required", nil)
		}
		payloadJSON := ""
		if input.Body.Payload != nil {
			data, err := json.Marshal(input.Body.Payload)
			if err != nil {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid payload", nil)
			}
			payloadJSON = string(data)
		}
		rec, err := e.AddRecord(ctx, input.Body.Kind, input.Body.Status, input.Body.TenantID, payloadJSON)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body RecordResponse `json:"body"`
		}{Body: recordResponse(rec)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-records",
		Method:      http.MethodGet,
		Path:        "/records",
		Summary:     "List records",
	}, func(ctx context.Context, input *struct {
		Kind   string `query:"kind"`
		Status string `query:"status"`
		Tenant string `query:"tenant_id"`
		Limit  int    `query:"limit"`
	}) (*struct {
		Body []RecordResponse `json:"body"`
	}, error) {
		recs, err := e.Repo.ListRecords(ctx, repo.RecordFilters{
			Kind: input.Kind, Status: input.Status, TenantID: input.Tenant, Limit: input.Limit,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []RecordResponse `json:"body"`
		}{Body: recordResponses(recs)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-record",
		Method:      http.MethodGet,
		Path:        "/records/{record_id}",
		Summary:     "Get record",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		RecordID string `path:"record_id"`
	}) (*struct {
		Body RecordResponse `json:"body"`
	}, error) {
		rec, err := e.Repo.GetRecord(ctx, input.RecordID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body RecordResponse `json:"body"`
		}{Body: recordResponse(rec)}, nil
	})
}

func registerRuns(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-runs",
		Method:      http.MethodGet,
		Path:        "/runs",
		Summary:     "List stage runs",
	}, func(ctx context.Context, input *struct {
		RecordID string `query:"record_id"`
		Stage    string `query:"stage"`
		Status   string `query:"status"`
		Limit    int    `query:"limit"`
	}) (*struct {
		Body []domain.StageRun `json:"body"`
	}, error) {
		runs, err := e.Repo.ListRuns(ctx, repo.RunFilters{
			RecordID: input.RecordID, Stage: input.Stage, Status: input.Status, Limit: input.Limit,
		})
		if err != nil {
			return nil, handleError(err)
		}
		if runs == nil {
			runs = []domain.StageRun{}
		}
		return &struct {
			Body []domain.StageRun `json:"body"`
		}{Body: runs}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-run",
		Method:      http.MethodGet,
		Path:        "/runs/{run_id}",
		Summary:     "Get stage run",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		RunID string `path:"run_id"`
	}) (*struct {
		Body domain.StageRun `json:"body"`
	}, error) {
		run, err := e.Repo.GetRun(ctx, input.RunID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.StageRun `json:"body"`
		}{Body: run}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "retry-run",
		Method:        http.MethodPost,
		Path:          "/runs/{run_id}/retry",
		Summary:       "Redispatch a dead-lettered run",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		RunID string `path:"run_id"`
	}) (*struct {
		Body domain.StageRun `json:"body"`
	}, error) {
		run, err := e.Dispatcher.Redispatch(ctx, input.RunID)
		if err != nil {
			return nil, handleError(err)
		}
		if err := e.Dispatcher.Drain(ctx); err != nil {
			return nil, handleError(err)
		}
		run, err = e.Repo.GetRun(ctx, run.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.StageRun `json:"body"`
		}{Body: run}, nil
	})
}

func registerReviews(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-reviews",
		Method:      http.MethodGet,
		Path:        "/reviews",
		Summary:     "List draft artifacts",
	}, func(ctx context.Context, input *struct {
		RecordID string `query:"record_id"`
		Stage    string `query:"stage"`
		Status   string `query:"status"`
		Limit    int    `query:"limit"`
	}) (*struct {
		Body []domain.DraftArtifact `json:"body"`
	}, error) {
		artifacts, err := e.Repo.ListArtifacts(ctx, repo.ArtifactFilters{
			RecordID: input.RecordID, Stage: input.Stage, ReviewStatus: input.Status, Limit: input.Limit,
		})
		if err != nil {
			return nil, handleError(err)
		}
		if artifacts == nil {
			artifacts = []domain.DraftArtifact{}
		}
		return &struct {
			Body []domain.DraftArtifact `json:"body"`
		}{Body: artifacts}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-review",
		Method:      http.MethodGet,
		Path:        "/reviews/{artifact_id}",
		Summary:     "Get draft artifact",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ArtifactID string `path:"artifact_id"`
	}) (*struct {
		Body domain.DraftArtifact `json:"body"`
	}, error) {
		artifact, err := e.Repo.GetArtifact(ctx, input.ArtifactID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.DraftArtifact `json:"body"`
		}{Body: artifact}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "decide-review",
		Method:        http.MethodPost,
		Path:          "/reviews/{artifact_id}/decision",
		Summary:       "Record a review decision",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		ArtifactID string          `path:"artifact_id"`
		Actor      string          `header:"X-Actor-Id"`
		Body       DecisionRequest `json:"body"`
	}) (*struct {
		Body domain.ReviewDecision `json:"body"`
	}, error) {
		if input.Body.Decision == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "decision is required", nil)
		}
		actor := input.Actor
		if actor == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "X-Actor-Id header is required", nil)
		}
		if actor == review.SystemActor {
			return nil, newAPIError(http.StatusBadRequest, "bad_request",
				fmt.Sprintf("actor %q is reserved for auto-approval", review.SystemActor), nil)
		}
		d, err := e.Reviews.RecordDecision(ctx, input.ArtifactID, input.Body.Decision, actor, input.Body.Reason)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.ReviewDecision `json:"body"`
		}{Body: d}, nil
	})
}

func registerEvents(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "List audit events",
	}, func(ctx context.Context, input *struct {
		Type       string `query:"type"`
		EntityKind string `query:"entity_kind"`
		EntityID   string `query:"entity_id"`
		Limit      int    `query:"limit"`
	}) (*struct {
		Body []domain.Event `json:"body"`
	}, error) {
		limit := input.Limit
		if limit == 0 {
			limit = 100
		}
		evts, err := e.Repo.ListEvents(ctx, repo.EventFilters{
			Type: input.Type, EntityKind: input.EntityKind, EntityID: input.EntityID, Limit: limit,
		})
		if err != nil {
			return nil, handleError(err)
		}
		if evts == nil {
			evts = []domain.Event{}
		}
		return &struct {
			Body []domain.Event `json:"body"`
		}{Body: evts}, nil
	})
}
