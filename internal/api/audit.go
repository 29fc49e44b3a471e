package api

import (
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/fleetcore/control-plane/internal/access"
	"github.com/fleetcore/control-plane/internal/audit"
	"github.com/fleetcore/control-plane/internal/db"
	"github.com/fleetcore/control-plane/internal/ratelimit"
)

const auditAppendLimit, auditAppendWindow = 120, time.Minute

// AuditHandler exposes the audit log: a write route used by clients that
// want to record their own actions, and a read route scoped to a project.
type AuditHandler struct {
	svc     *audit.Service
	access  *access.Resolver
	limiter *ratelimit.Limiter
	logger  *zap.Logger
}

func NewAuditHandler(svc *audit.Service, resolver *access.Resolver, limiter *ratelimit.Limiter, logger *zap.Logger) *AuditHandler {
	return &AuditHandler{svc: svc, access: resolver, limiter: limiter, logger: logger.Named("audit_handler")}
}

type auditLogResponse struct {
	ID        string `json:"id"`
	Ts        string `json:"ts"`
	UserID    string `json:"user_id"`
	ProjectID string `json:"project_id,omitempty"`
	Action    string `json:"action"`
	Target    string `json:"target"`
	Data      string `json:"data"`
}

func auditLogToResponse(a *db.AuditLog) auditLogResponse {
	resp := auditLogResponse{
		ID: a.ID.String(), Ts: a.Ts.UTC().String(), UserID: a.UserID.String(),
		Action: a.Action, Target: a.Target, Data: a.Data,
	}
	if a.ProjectID != nil {
		resp.ProjectID = a.ProjectID.String()
	}
	return resp
}

type appendAuditRequest struct {
	ProjectID string `json:"project_id"`
	Action    string `json:"action"`
	Target    string `json:"target"`
	Data      string `json:"data"`
}

// Append handles POST /api/v1/audit. Requires authentication; if project_id
// is supplied the caller must additionally be an admin on that project.
func (h *AuditHandler) Append(w http.ResponseWriter, r *http.Request) {
	user, err := h.access.AuthorizeUserOnly(r.Context())
	if err != nil {
		WriteAPIError(w, err)
		return
	}

	var req appendAuditRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	var projectIDPtr *uuid.UUID
	if req.ProjectID != "" {
		parsed, ok := parseUUIDField(w, req.ProjectID, "project_id")
		if !ok {
			return
		}
		if _, err := h.access.Authorize(r.Context(), parsed, true); err != nil {
			WriteAPIError(w, err)
			return
		}
		projectIDPtr = &parsed
	}

	if err := h.limiter.Reserve(r.Context(), "audit.append:"+user.ID.String(), auditAppendLimit, auditAppendWindow); err != nil {
		WriteAPIError(w, err)
		return
	}

	if err := h.svc.Append(r.Context(), user.ID, projectIDPtr, req.Action, req.Target, req.Data); err != nil {
		WriteAPIError(w, err)
		return
	}
	NoContent(w)
}

// ListByProject handles GET /api/v1/projects/{projectId}/audit (admin only).
func (h *AuditHandler) ListByProject(w http.ResponseWriter, r *http.Request) {
	projectID, ok := uuidParam(w, r, "projectId")
	if !ok {
		return
	}
	if _, err := h.access.Authorize(r.Context(), projectID, true); err != nil {
		WriteAPIError(w, err)
		return
	}

	opts := paginationOpts(r)
	entries, total, err := h.svc.ListByProject(r.Context(), projectID, opts.Limit, opts.Offset)
	if err != nil {
		WriteAPIError(w, err)
		return
	}
	items := make([]auditLogResponse, 0, len(entries))
	for i := range entries {
		items = append(items, auditLogToResponse(&entries[i]))
	}
	Ok(w, map[string]any{"items": items, "total": total})
}
