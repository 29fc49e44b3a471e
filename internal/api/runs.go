package api

import (
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/fleetcore/control-plane/internal/access"
	"github.com/fleetcore/control-plane/internal/db"
	"github.com/fleetcore/control-plane/internal/ratelimit"
	"github.com/fleetcore/control-plane/internal/run"
)

const runEventsAppendLimit, runEventsAppendWindow = 240, time.Minute

// RunHandler groups run and run-event routes.
type RunHandler struct {
	svc     *run.Service
	access  *access.Resolver
	limiter *ratelimit.Limiter
	logger  *zap.Logger
}

func NewRunHandler(svc *run.Service, resolver *access.Resolver, limiter *ratelimit.Limiter, logger *zap.Logger) *RunHandler {
	return &RunHandler{svc: svc, access: resolver, limiter: limiter, logger: logger.Named("run_handler")}
}

type runResponse struct {
	ID                string  `json:"id"`
	ProjectID         string  `json:"project_id"`
	Kind              string  `json:"kind"`
	Status            string  `json:"status"`
	Title             string  `json:"title"`
	Host              string  `json:"host"`
	InitiatedByUserID string  `json:"initiated_by_user_id"`
	StartedAt         string  `json:"started_at"`
	FinishedAt        *string `json:"finished_at"`
	ErrorMessage      string  `json:"error_message"`
}

func runToResponse(r *db.Run) runResponse {
	resp := runResponse{
		ID: r.ID.String(), ProjectID: r.ProjectID.String(), Kind: r.Kind, Status: r.Status,
		Title: r.Title, Host: r.Host, InitiatedByUserID: r.InitiatedByUserID.String(),
		StartedAt: r.StartedAt.UTC().String(), ErrorMessage: r.ErrorMessage,
	}
	if r.FinishedAt != nil {
		s := r.FinishedAt.UTC().String()
		resp.FinishedAt = &s
	}
	return resp
}

type createRunRequest struct {
	Kind  string `json:"kind"`
	Title string `json:"title"`
	Host  string `json:"host"`
}

// Create handles POST /api/v1/projects/{projectId}/runs.
func (h *RunHandler) Create(w http.ResponseWriter, r *http.Request) {
	projectID, ok := uuidParam(w, r, "projectId")
	if !ok {
		return
	}
	authz, err := h.access.Authorize(r.Context(), projectID, false)
	if err != nil {
		WriteAPIError(w, err)
		return
	}

	var req createRunRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	created, err := h.svc.Create(r.Context(), projectID, authz.User.ID, req.Kind, req.Title, req.Host)
	if err != nil {
		WriteAPIError(w, err)
		return
	}
	Created(w, runToResponse(created))
}

// Get handles GET /api/v1/runs/{id}.
func (h *RunHandler) Get(w http.ResponseWriter, r *http.Request) {
	id, ok := uuidParam(w, r, "id")
	if !ok {
		return
	}
	run, err := h.svc.Get(r.Context(), id)
	if err != nil {
		WriteAPIError(w, err)
		return
	}
	if _, err := h.access.Authorize(r.Context(), run.ProjectID, false); err != nil {
		WriteAPIError(w, err)
		return
	}
	Ok(w, runToResponse(run))
}

// ListByProject handles GET /api/v1/projects/{projectId}/runs.
func (h *RunHandler) ListByProject(w http.ResponseWriter, r *http.Request) {
	projectID, ok := uuidParam(w, r, "projectId")
	if !ok {
		return
	}
	if _, err := h.access.Authorize(r.Context(), projectID, false); err != nil {
		WriteAPIError(w, err)
		return
	}
	opts := paginationOpts(r)
	runs, total, err := h.svc.ListByProject(r.Context(), projectID, opts.Limit, opts.Offset)
	if err != nil {
		WriteAPIError(w, err)
		return
	}
	items := make([]runResponse, 0, len(runs))
	for i := range runs {
		items = append(items, runToResponse(&runs[i]))
	}
	Ok(w, map[string]any{"items": items, "total": total})
}

type setRunStatusRequest struct {
	Status       string `json:"status"`
	ErrorMessage string `json:"error_message"`
}

// SetStatus handles PATCH /api/v1/runs/{id}/status.
func (h *RunHandler) SetStatus(w http.ResponseWriter, r *http.Request) {
	id, ok := uuidParam(w, r, "id")
	if !ok {
		return
	}
	run, err := h.svc.Get(r.Context(), id)
	if err != nil {
		WriteAPIError(w, err)
		return
	}
	if _, err := h.access.Authorize(r.Context(), run.ProjectID, false); err != nil {
		WriteAPIError(w, err)
		return
	}

	var req setRunStatusRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := h.svc.SetStatus(r.Context(), id, req.Status, req.ErrorMessage); err != nil {
		WriteAPIError(w, err)
		return
	}
	NoContent(w)
}

type appendEventRequest struct {
	Level   string `json:"level"`
	Message string `json:"message"`
	Data    string `json:"data"`
}

type appendEventsRequest struct {
	Events []appendEventRequest `json:"events"`
}

// AppendEvents handles POST /api/v1/runs/{id}/events.
func (h *RunHandler) AppendEvents(w http.ResponseWriter, r *http.Request) {
	id, ok := uuidParam(w, r, "id")
	if !ok {
		return
	}
	runRow, err := h.svc.Get(r.Context(), id)
	if err != nil {
		WriteAPIError(w, err)
		return
	}
	authz, err := h.access.Authorize(r.Context(), runRow.ProjectID, false)
	if err != nil {
		WriteAPIError(w, err)
		return
	}
	if err := h.limiter.Reserve(r.Context(), "runs.appendEvents:"+authz.User.ID.String(), runEventsAppendLimit, runEventsAppendWindow); err != nil {
		WriteAPIError(w, err)
		return
	}

	var req appendEventsRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	events := make([]db.RunEvent, 0, len(req.Events))
	for _, e := range req.Events {
		events = append(events, db.RunEvent{Level: e.Level, Message: e.Message, Data: e.Data, Ts: time.Now()})
	}
	if err := h.svc.AppendBatch(r.Context(), runRow.ProjectID, id, events); err != nil {
		WriteAPIError(w, err)
		return
	}
	NoContent(w)
}

// ListEvents handles GET /api/v1/runs/{id}/events.
func (h *RunHandler) ListEvents(w http.ResponseWriter, r *http.Request) {
	id, ok := uuidParam(w, r, "id")
	if !ok {
		return
	}
	runRow, err := h.svc.Get(r.Context(), id)
	if err != nil {
		WriteAPIError(w, err)
		return
	}
	if _, err := h.access.Authorize(r.Context(), runRow.ProjectID, false); err != nil {
		WriteAPIError(w, err)
		return
	}

	opts := paginationOpts(r)
	events, total, err := h.svc.PageByRun(r.Context(), id, opts.Limit, opts.Offset)
	if err != nil {
		WriteAPIError(w, err)
		return
	}
	Ok(w, map[string]any{"items": events, "total": total})
}
