package api

import (
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/fleetcore/control-plane/internal/access"
	"github.com/fleetcore/control-plane/internal/erasure"
	"github.com/fleetcore/control-plane/internal/ratelimit"
)

const deleteActionLimit, deleteActionWindow = 10, time.Minute

// ErasureHandler groups project-erasure routes: a two-step confirmation
// flow (DeleteStart mints a short-lived token, DeleteConfirm consumes it
// plus a typed confirmation string) followed by a status poll.
type ErasureHandler struct {
	svc     *erasure.Service
	access  *access.Resolver
	limiter *ratelimit.Limiter
	logger  *zap.Logger
}

func NewErasureHandler(svc *erasure.Service, resolver *access.Resolver, limiter *ratelimit.Limiter, logger *zap.Logger) *ErasureHandler {
	return &ErasureHandler{svc: svc, access: resolver, limiter: limiter, logger: logger.Named("erasure_handler")}
}

type deleteStartResponse struct {
	Token     string `json:"token"`
	ExpiresAt string `json:"expires_at"`
}

// DeleteStart handles POST /api/v1/projects/{projectId}/delete/start
// (admin only). Mints a confirmation token the caller must echo back, along
// with the project name, to DeleteConfirm.
func (h *ErasureHandler) DeleteStart(w http.ResponseWriter, r *http.Request) {
	projectID, ok := uuidParam(w, r, "projectId")
	if !ok {
		return
	}
	authz, err := h.access.Authorize(r.Context(), projectID, true)
	if err != nil {
		WriteAPIError(w, err)
		return
	}
	if err := h.limiter.Reserve(r.Context(), "erasure.deleteStart:"+authz.User.ID.String(), deleteActionLimit, deleteActionWindow); err != nil {
		WriteAPIError(w, err)
		return
	}

	token, expiresAt, err := h.svc.DeleteStart(r.Context(), projectID, authz.User.ID)
	if err != nil {
		WriteAPIError(w, err)
		return
	}
	Created(w, deleteStartResponse{Token: token, ExpiresAt: expiresAt.UTC().Format(time.RFC3339)})
}

type deleteConfirmRequest struct {
	Token        string `json:"token"`
	Confirmation string `json:"confirmation"`
}

type deleteConfirmResponse struct {
	JobID string `json:"job_id"`
}

// DeleteConfirm handles POST /api/v1/projects/{projectId}/delete/confirm
// (admin only). Starts the irreversible ProjectDeletionJob state machine.
func (h *ErasureHandler) DeleteConfirm(w http.ResponseWriter, r *http.Request) {
	projectID, ok := uuidParam(w, r, "projectId")
	if !ok {
		return
	}
	authz, err := h.access.Authorize(r.Context(), projectID, true)
	if err != nil {
		WriteAPIError(w, err)
		return
	}
	if err := h.limiter.Reserve(r.Context(), "erasure.deleteConfirm:"+authz.User.ID.String(), deleteActionLimit, deleteActionWindow); err != nil {
		WriteAPIError(w, err)
		return
	}

	var req deleteConfirmRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	jobID, err := h.svc.DeleteConfirm(r.Context(), projectID, authz.User.ID, req.Token, req.Confirmation)
	if err != nil {
		WriteAPIError(w, err)
		return
	}
	Created(w, deleteConfirmResponse{JobID: jobID.String()})
}

type deleteStatusResponse struct {
	JobID       string  `json:"job_id"`
	ProjectID   string  `json:"project_id"`
	Status      string  `json:"status"`
	Stage       string  `json:"stage"`
	Processed   int64   `json:"processed"`
	UpdatedAt   string  `json:"updated_at"`
	CompletedAt *string `json:"completed_at"`
	LastError   string  `json:"last_error"`
}

// DeleteStatus handles GET /api/v1/projects/{projectId}/delete/status
// (admin only).
func (h *ErasureHandler) DeleteStatus(w http.ResponseWriter, r *http.Request) {
	projectID, ok := uuidParam(w, r, "projectId")
	if !ok {
		return
	}
	if _, err := h.access.Authorize(r.Context(), projectID, true); err != nil {
		WriteAPIError(w, err)
		return
	}
	jobID, ok := uuidParam(w, r, "jobId")
	if !ok {
		return
	}

	status, err := h.svc.DeleteStatus(r.Context(), jobID)
	if err != nil {
		WriteAPIError(w, err)
		return
	}
	resp := deleteStatusResponse{
		JobID: status.JobID.String(), ProjectID: status.ProjectID.String(),
		Status: status.Status, Stage: status.Stage, Processed: status.Processed,
		UpdatedAt: status.UpdatedAt.UTC().Format(time.RFC3339), LastError: status.LastError,
	}
	if status.CompletedAt != nil {
		s := status.CompletedAt.UTC().Format(time.RFC3339)
		resp.CompletedAt = &s
	}
	Ok(w, resp)
}
