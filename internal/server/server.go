package server

import (
	"bytes"
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

	"gigline/internal/domain"
	"gigline/internal/engine"
	"gigline/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	BasePath string
	Auth     AuthConfig
	Debug    bool
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"invalid_state"`
	Message string         `json:"message" example:"operation job.apply not allowed in status pending"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

type requestKey struct{}
type bodyBytesKey struct{}

// apiError models the required error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the Gigline API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v1"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	huma.DefaultArrayNullable = false
	// Override Huma errors to use the required envelope.
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
	router.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			bodyBytes, _ := io.ReadAll(r.Body)
			r.Body = io.NopCloser(bytes.NewBuffer(bodyBytes))
			ctx := context.WithValue(r.Context(), requestKey{}, r)
			ctx = context.WithValue(ctx, bodyBytesKey{}, bodyBytes)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	})
	router.Use(newAuthMiddleware(basePath, cfg.Auth, cfg.Engine.Repo))
	hcfg := huma.DefaultConfig("Gigline API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	s := &server{engine: cfg.Engine, debug: cfg.Debug}

	registerDocs(router, basePath)
	registerHealth(group)
	s.registerJobs(group)
	s.registerLifecycle(group)
	s.registerListings(group)
	s.registerStats(group)
	s.registerEvents(group)
	registerMe(group)
	registerDevAuth(group, cfg.Auth)
	registerOpenAPI(router, api, basePath)

	return router, nil
}

type server struct {
	engine engine.Engine
	debug  bool
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

func (s *server) handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	var ve *engine.ValidationError
	if errors.As(err, &ve) {
		return newAPIError(http.StatusBadRequest, "validation_failed", err.Error(), map[string]any{"field": ve.Field})
	}
	var ise *engine.InvalidStateError
	if errors.As(err, &ise) {
		return newAPIError(http.StatusBadRequest, "invalid_state", err.Error(), map[string]any{"status": ise.Status})
	}
	var ce *engine.ConflictError
	if errors.As(err, &ce) {
		return newAPIError(http.StatusConflict, "conflict", err.Error(), map[string]any{"job_id": ce.JobID})
	}
	var fe *engine.ForbiddenError
	if errors.As(err, &fe) {
		return newAPIError(http.StatusForbidden, "forbidden", err.Error(), nil)
	}
	if errors.Is(err, repo.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	if strings.Contains(err.Error(), "invalid job status transition") {
		return newAPIError(http.StatusBadRequest, "invalid_state", err.Error(), nil)
	}
	details := map[string]any{}
	if s.debug {
		details["error"] = err.Error()
	}
	return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", details)
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

// requireCapability authenticates the request and checks the role capability
// table for the given operation. Ownership checks live in the engine.
func (s *server) requireCapability(ctx context.Context, op string) (Principal, huma.StatusError) {
	principal, authErr := principalFromRequest(ctx)
	if authErr != nil {
		return principal, authErr
	}
	if principal.Role == "" {
		if actor, err := s.engine.Repo.GetActor(ctx, principal.ActorID); err == nil {
			principal.Role = actor.Role
		}
	}
	if !s.engine.Config.RoleAllowed(string(principal.Role), op) {
		return principal, newAPIError(http.StatusForbidden, "forbidden", fmt.Sprintf("role %s cannot perform %s", principal.Role, op), nil)
	}
	return principal, nil
}

func (p Principal) actor() domain.Actor {
	return domain.Actor{ID: p.ActorID, Role: p.Role}
}

var lifecycleErrors = []int{
	http.StatusBadRequest,
	http.StatusForbidden,
	http.StatusNotFound,
	http.StatusConflict,
	http.StatusInternalServerError,
}

type jobBody struct {
	Body JobResponse `json:"body"`
}

func jobBodyOf(j domain.Job) *jobBody {
	return &jobBody{Body: jobResponse(j)}
}

func (s *server) registerJobs(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-job",
		Method:        http.MethodPost,
		Path:          "/jobs",
		Summary:       "Post a job",
		DefaultStatus: http.StatusCreated,
		Errors:        lifecycleErrors,
	}, func(ctx context.Context, input *struct {
		Body CreateJobRequest `json:"body"`
	}) (*jobBody, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		principal, authErr := s.requireCapability(ctx, "job.create")
		if authErr != nil {
			return nil, authErr
		}
		opts := engine.JobCreateOptions{
			Title:       input.Body.Title,
			Description: input.Body.Description,
			Category:    input.Body.Category,
			Skills:      input.Body.Skills,
			Visibility:  input.Body.Visibility,
			Deadline:    input.Body.Deadline,
			ClientID:    principal.ActorID,
		}
		if input.Body.ID != nil {
			opts.ID = *input.Body.ID
		}
		j, err := s.engine.CreateJob(ctx, opts)
		if err != nil {
			return nil, s.handleError(err)
		}
		return jobBodyOf(j), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-job",
		Method:      http.MethodGet,
		Path:        "/jobs/{id}",
		Summary:     "Get job",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*jobBody, error) {
		principal, authErr := s.requireCapability(ctx, "job.read")
		if authErr != nil {
			return nil, authErr
		}
		j, err := s.engine.GetJob(ctx, input.ID, principal.actor())
		if err != nil {
			return nil, s.handleError(err)
		}
		return jobBodyOf(j), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-job",
		Method:      http.MethodPatch,
		Path:        "/jobs/{id}",
		Summary:     "Edit a pending job",
		Errors:      lifecycleErrors,
	}, func(ctx context.Context, input *struct {
		ID   string           `path:"id"`
		Body UpdateJobRequest `json:"body"`
	}) (*jobBody, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		principal, authErr := s.requireCapability(ctx, "job.update")
		if authErr != nil {
			return nil, authErr
		}
		j, err := s.engine.UpdateJob(ctx, engine.JobUpdateOptions{
			ID:          input.ID,
			ActorID:     principal.ActorID,
			Title:       input.Body.Title,
			Description: input.Body.Description,
			Category:    input.Body.Category,
			Skills:      input.Body.Skills,
			Visibility:  input.Body.Visibility,
			Deadline:    input.Body.Deadline,
		})
		if err != nil {
			return nil, s.handleError(err)
		}
		return jobBodyOf(j), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "delete-job",
		Method:      http.MethodDelete,
		Path:        "/jobs/{id}",
		Summary:     "Delete a pending or rejected job",
		Errors:      lifecycleErrors,
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct{}, error) {
		principal, authErr := s.requireCapability(ctx, "job.delete")
		if authErr != nil {
			return nil, authErr
		}
		if err := s.engine.DeleteJob(ctx, input.ID, principal.ActorID); err != nil {
			return nil, s.handleError(err)
		}
		return &struct{}{}, nil
	})
}

func (s *server) registerLifecycle(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "review-job",
		Method:      http.MethodPost,
		Path:        "/jobs/{id}/review",
		Summary:     "Price and approve, or reject, a pending job",
		Errors:      lifecycleErrors,
	}, func(ctx context.Context, input *struct {
		ID   string           `path:"id"`
		Body ReviewJobRequest `json:"body"`
	}) (*jobBody, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		principal, authErr := s.requireCapability(ctx, "job.review")
		if authErr != nil {
			return nil, authErr
		}
		switch input.Body.Action {
		case "approve", "reject":
		default:
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "action must be approve or reject", nil)
		}
		j, err := s.engine.ReviewJob(ctx, engine.ReviewOptions{
			JobID:    input.ID,
			ActorID:  principal.ActorID,
			Approve:  input.Body.Action == "approve",
			Price:    input.Body.Price,
			Feedback: input.Body.Feedback,
		})
		if err != nil {
			return nil, s.handleError(err)
		}
		return jobBodyOf(j), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "pay-deposit",
		Method:      http.MethodPost,
		Path:        "/jobs/{id}/deposit",
		Summary:     "Pay the deposit",
		Errors:      lifecycleErrors,
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*jobBody, error) {
		principal, authErr := s.requireCapability(ctx, "job.pay_deposit")
		if authErr != nil {
			return nil, authErr
		}
		j, err := s.engine.PayDeposit(ctx, input.ID, principal.ActorID)
		if err != nil {
			return nil, s.handleError(err)
		}
		return jobBodyOf(j), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "apply-to-job",
		Method:      http.MethodPost,
		Path:        "/jobs/{id}/apply",
		Summary:     "Claim a funded job",
		Errors:      lifecycleErrors,
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*jobBody, error) {
		principal, authErr := s.requireCapability(ctx, "job.apply")
		if authErr != nil {
			return nil, authErr
		}
		j, err := s.engine.ApplyToJob(ctx, input.ID, principal.ActorID)
		if err != nil {
			return nil, s.handleError(err)
		}
		return jobBodyOf(j), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "submit-work",
		Method:      http.MethodPost,
		Path:        "/jobs/{id}/submit",
		Summary:     "Submit work for review",
		Errors:      lifecycleErrors,
	}, func(ctx context.Context, input *struct {
		ID   string            `path:"id"`
		Body SubmitWorkRequest `json:"body"`
	}) (*jobBody, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		principal, authErr := s.requireCapability(ctx, "job.submit_work")
		if authErr != nil {
			return nil, authErr
		}
		j, err := s.engine.SubmitWork(ctx, input.ID, principal.ActorID, toFileInputs(input.Body.Files), input.Body.Note)
		if err != nil {
			return nil, s.handleError(err)
		}
		return jobBodyOf(j), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "approve-job",
		Method:      http.MethodPost,
		Path:        "/jobs/{id}/approve",
		Summary:     "Accept delivered work",
		Errors:      lifecycleErrors,
	}, func(ctx context.Context, input *struct {
		ID   string            `path:"id"`
		Body ApproveJobRequest `json:"body"`
	}) (*jobBody, error) {
		principal, authErr := s.requireCapability(ctx, "job.approve")
		if authErr != nil {
			return nil, authErr
		}
		j, err := s.engine.ClientApprove(ctx, input.ID, principal.ActorID, input.Body.Feedback)
		if err != nil {
			return nil, s.handleError(err)
		}
		return jobBodyOf(j), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "request-revision",
		Method:      http.MethodPost,
		Path:        "/jobs/{id}/revisions",
		Summary:     "Request a revision",
		Errors:      lifecycleErrors,
	}, func(ctx context.Context, input *struct {
		ID   string                 `path:"id"`
		Body RequestRevisionRequest `json:"body"`
	}) (*jobBody, error) {
		principal, authErr := s.requireCapability(ctx, "job.request_revision")
		if authErr != nil {
			return nil, authErr
		}
		j, err := s.engine.RequestRevision(ctx, input.ID, principal.ActorID, input.Body.Notes)
		if err != nil {
			return nil, s.handleError(err)
		}
		return jobBodyOf(j), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "start-revision",
		Method:      http.MethodPost,
		Path:        "/jobs/{id}/revisions/start",
		Summary:     "Start the requested revision",
		Errors:      lifecycleErrors,
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*jobBody, error) {
		principal, authErr := s.requireCapability(ctx, "job.start_revision")
		if authErr != nil {
			return nil, authErr
		}
		j, err := s.engine.StartRevision(ctx, input.ID, principal.ActorID)
		if err != nil {
			return nil, s.handleError(err)
		}
		return jobBodyOf(j), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "submit-revision",
		Method:      http.MethodPost,
		Path:        "/jobs/{id}/revisions/submit",
		Summary:     "Deliver the revised work",
		Errors:      lifecycleErrors,
	}, func(ctx context.Context, input *struct {
		ID   string                `path:"id"`
		Body SubmitRevisionRequest `json:"body"`
	}) (*jobBody, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		principal, authErr := s.requireCapability(ctx, "job.submit_revision")
		if authErr != nil {
			return nil, authErr
		}
		j, err := s.engine.SubmitRevision(ctx, input.ID, principal.ActorID, toFileInputs(input.Body.Files), input.Body.Notes)
		if err != nil {
			return nil, s.handleError(err)
		}
		return jobBodyOf(j), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "pay-final",
		Method:      http.MethodPost,
		Path:        "/jobs/{id}/final-payment",
		Summary:     "Pay the final balance",
		Errors:      lifecycleErrors,
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*jobBody, error) {
		principal, authErr := s.requireCapability(ctx, "job.pay_final")
		if authErr != nil {
			return nil, authErr
		}
		j, err := s.engine.PayFinal(ctx, input.ID, principal.ActorID)
		if err != nil {
			return nil, s.handleError(err)
		}
		return jobBodyOf(j), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "close-job",
		Method:      http.MethodPost,
		Path:        "/jobs/{id}/close",
		Summary:     "Close a fully paid job",
		Errors:      lifecycleErrors,
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*jobBody, error) {
		principal, authErr := s.requireCapability(ctx, "job.close")
		if authErr != nil {
			return nil, authErr
		}
		j, err := s.engine.CloseJob(ctx, input.ID, principal.ActorID)
		if err != nil {
			return nil, s.handleError(err)
		}
		return jobBodyOf(j), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "deliver-job",
		Method:      http.MethodPost,
		Path:        "/jobs/{id}/deliver",
		Summary:     "Replace deliverables with watermarked previews",
		Errors:      lifecycleErrors,
	}, func(ctx context.Context, input *struct {
		ID   string         `path:"id"`
		Body DeliverRequest `json:"body"`
	}) (*jobBody, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		principal, authErr := s.requireCapability(ctx, "job.deliver")
		if authErr != nil {
			return nil, authErr
		}
		j, err := s.engine.Deliver(ctx, input.ID, principal.ActorID, toFileInputs(input.Body.Files), input.Body.Note)
		if err != nil {
			return nil, s.handleError(err)
		}
		return jobBodyOf(j), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "deliver-final",
		Method:      http.MethodPost,
		Path:        "/jobs/{id}/deliver-final",
		Summary:     "Release the unwatermarked deliverables",
		Errors:      lifecycleErrors,
	}, func(ctx context.Context, input *struct {
		ID   string         `path:"id"`
		Body DeliverRequest `json:"body"`
	}) (*jobBody, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		principal, authErr := s.requireCapability(ctx, "job.deliver_final")
		if authErr != nil {
			return nil, authErr
		}
		j, err := s.engine.DeliverFinal(ctx, input.ID, principal.ActorID, toFileInputs(input.Body.Files), input.Body.Note)
		if err != nil {
			return nil, s.handleError(err)
		}
		return jobBodyOf(j), nil
	})
}

type listJobsInput struct {
	Status   string `query:"status"`
	Category string `query:"category"`
	Search   string `query:"search"`
	Page     int    `query:"page" default:"1"`
	Limit    int    `query:"limit" default:"20"`
	SortBy   string `query:"sort_by" default:"created_at"`
	SortDir  string `query:"sort_dir" enum:"asc,desc" default:"desc"`
}

func (in listJobsInput) filters() repo.JobFilters {
	return repo.JobFilters{
		Status:   in.Status,
		Category: in.Category,
		Search:   in.Search,
		Page:     in.Page,
		Limit:    in.Limit,
		SortBy:   in.SortBy,
		SortDir:  in.SortDir,
	}
}

func (s *server) listPage(ctx context.Context, f repo.JobFilters) (*struct {
	Body JobPage `json:"body"`
}, error) {
	items, total, err := s.engine.Repo.ListJobs(ctx, f)
	if err != nil {
		return nil, s.handleError(err)
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 20
	}
	page := f.Page
	if page <= 0 {
		page = 1
	}
	resp := JobPage{
		Items:      []JobResponse{},
		Total:      total,
		Page:       page,
		Limit:      limit,
		TotalPages: (total + limit - 1) / limit,
	}
	for _, j := range items {
		resp.Items = append(resp.Items, jobResponse(j))
	}
	return &struct {
		Body JobPage `json:"body"`
	}{Body: resp}, nil
}

func (s *server) registerListings(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "list-jobs",
		Method:      http.MethodGet,
		Path:        "/jobs",
		Summary:     "List jobs scoped to the caller's role",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden},
	}, func(ctx context.Context, input *listJobsInput) (*struct {
		Body JobPage `json:"body"`
	}, error) {
		principal, authErr := s.requireCapability(ctx, "job.list")
		if authErr != nil {
			return nil, authErr
		}
		f := input.filters()
		switch principal.Role {
		case domain.RoleClient:
			f.ClientID = principal.ActorID
		case domain.RoleContributor:
			f.FreelancerID = principal.ActorID
		case domain.RoleAdmin:
			// unscoped
		default:
			return nil, newAPIError(http.StatusForbidden, "forbidden", "unknown role", nil)
		}
		return s.listPage(ctx, f)
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-available-jobs",
		Method:      http.MethodGet,
		Path:        "/jobs/available",
		Summary:     "List funded jobs open to contributors",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden},
	}, func(ctx context.Context, input *listJobsInput) (*struct {
		Body JobPage `json:"body"`
	}, error) {
		if _, authErr := s.requireCapability(ctx, "job.list"); authErr != nil {
			return nil, authErr
		}
		f := input.filters()
		f.Status = string(domain.StatusDepositPaid)
		f.Unassigned = true
		f.Visibility = "public"
		return s.listPage(ctx, f)
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-pending-jobs",
		Method:      http.MethodGet,
		Path:        "/jobs/pending",
		Summary:     "Admin review queue, oldest first",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden},
	}, func(ctx context.Context, input *listJobsInput) (*struct {
		Body JobPage `json:"body"`
	}, error) {
		if _, authErr := s.requireCapability(ctx, "job.review"); authErr != nil {
			return nil, authErr
		}
		f := input.filters()
		f.Status = string(domain.StatusPending)
		f.SortBy = "created_at"
		f.SortDir = "asc"
		return s.listPage(ctx, f)
	})
}

func (s *server) registerStats(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "client-stats",
		Method:      http.MethodGet,
		Path:        "/stats/client",
		Summary:     "Client dashboard numbers",
		Errors:      []int{http.StatusForbidden},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body ClientStatsResponse `json:"body"`
	}, error) {
		principal, authErr := s.requireCapability(ctx, "stats.client")
		if authErr != nil {
			return nil, authErr
		}
		stats, err := s.engine.Repo.ClientStats(ctx, principal.ActorID)
		if err != nil {
			return nil, s.handleError(err)
		}
		return &struct {
			Body ClientStatsResponse `json:"body"`
		}{Body: ClientStatsResponse(stats)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "contributor-stats",
		Method:      http.MethodGet,
		Path:        "/stats/contributor",
		Summary:     "Contributor dashboard numbers",
		Errors:      []int{http.StatusForbidden},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body ContributorStatsResponse `json:"body"`
	}, error) {
		principal, authErr := s.requireCapability(ctx, "stats.contributor")
		if authErr != nil {
			return nil, authErr
		}
		stats, err := s.engine.Repo.ContributorStats(ctx, principal.ActorID)
		if err != nil {
			return nil, s.handleError(err)
		}
		return &struct {
			Body ContributorStatsResponse `json:"body"`
		}{Body: ContributorStatsResponse(stats)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "admin-stats",
		Method:      http.MethodGet,
		Path:        "/stats/admin",
		Summary:     "Marketplace-wide job counts",
		Errors:      []int{http.StatusForbidden},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body AdminStatsResponse `json:"body"`
	}, error) {
		if _, authErr := s.requireCapability(ctx, "stats.admin"); authErr != nil {
			return nil, authErr
		}
		counts, err := s.engine.Repo.CountJobsByStatus(ctx)
		if err != nil {
			return nil, s.handleError(err)
		}
		return &struct {
			Body AdminStatsResponse `json:"body"`
		}{Body: AdminStatsResponse{JobCounts: counts}}, nil
	})
}

func (s *server) registerEvents(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "List recent events",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		JobID  string `query:"job_id"`
		Type   string `query:"type"`
		Limit  int    `query:"limit" default:"50"`
		Cursor int64  `query:"cursor"`
	}) (*struct {
		Body paginatedEvents `json:"body"`
	}, error) {
		if _, authErr := s.requireCapability(ctx, "events.read"); authErr != nil {
			return nil, authErr
		}
		limit := normalizeLimit(input.Limit)
		items, err := s.engine.Repo.LatestEventsFrom(ctx, limit+1, input.Cursor, input.JobID, input.Type)
		if err != nil {
			return nil, s.handleError(err)
		}
		resp := paginatedEvents{Items: []EventResponse{}}
		if len(items) > limit {
			items = items[:limit]
			resp.NextCursor = fmt.Sprintf("%d", items[limit-1].ID)
		}
		for _, e := range items {
			resp.Items = append(resp.Items, eventResponse(e))
		}
		return &struct {
			Body paginatedEvents `json:"body"`
		}{Body: resp}, nil
	})
}

func registerMe(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "me",
		Method:      http.MethodGet,
		Path:        "/me",
		Summary:     "Current principal",
		Errors:      []int{http.StatusUnauthorized},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body WhoAmIResponse `json:"body"`
	}, error) {
		principal, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		return &struct {
			Body WhoAmIResponse `json:"body"`
		}{Body: WhoAmIResponse{
			ActorID: principal.ActorID,
			Role:    string(principal.Role),
			Source:  principal.Source,
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
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		actor := strings.TrimSpace(input.Body.ActorID)
		if actor == "" || input.Body.Role == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "actor_id and role are required", nil)
		}
		token, err := signDevToken(authCfg.JWTSecret, actor, input.Body.Role)
		if err != nil {
			return nil, newAPIError(http.StatusInternalServerError, "internal_error", err.Error(), nil)
		}
		return &struct {
			Body DevLoginResponse `json:"body"`
		}{Body: DevLoginResponse{Token: token}}, nil
	})
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
			applyAuthSecurity(oas, basePath)
			spec, _ = json.Marshal(oas)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(spec)
	})
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
		pathWithSlash(basePath, "health"):         true,
		pathWithSlash(basePath, "auth/dev/login"): true,
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

func pathWithSlash(basePath, p string) string {
	full := path.Join(basePath, p)
	if !strings.HasPrefix(full, "/") {
		full = "/" + full
	}
	return full
}

func swaggerHTML(basePath string) string {
	specURL := path.Join("/", path.Join(basePath, "openapi.json"))
	return fmt.Sprintf(`<!doctype html>
<html lang="en">
  <head>
    <meta charset="utf-8"/>
    <meta name="viewport" content="width=device-width, initial-scale=1"/>
    <title>Gigline API Docs</title>
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
	req, ok := ctx.Value(requestKey{}).(*http.Request)
	if !ok || req == nil {
		return nil
	}
	data, _ := io.ReadAll(req.Body)
	return data
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

func toFileInputs(files []FileUpload) []engine.FileInput {
	out := make([]engine.FileInput, 0, len(files))
	for _, f := range files {
		out = append(out, engine.FileInput{Name: f.Name, URL: f.URL, MimeType: f.MimeType})
	}
	return out
}
