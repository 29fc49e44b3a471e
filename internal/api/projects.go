package api

import (
	"net/http"

	"go.uber.org/zap"

	"github.com/fleetcore/control-plane/internal/access"
	"github.com/fleetcore/control-plane/internal/db"
	"github.com/fleetcore/control-plane/internal/project"
)

// ProjectHandler groups project, membership, and retention-policy routes.
type ProjectHandler struct {
	svc    *project.Service
	access *access.Resolver
	logger *zap.Logger
}

func NewProjectHandler(svc *project.Service, resolver *access.Resolver, logger *zap.Logger) *ProjectHandler {
	return &ProjectHandler{svc: svc, access: resolver, logger: logger.Named("project_handler")}
}

type projectResponse struct {
	ID             string `json:"id"`
	Name           string `json:"name"`
	Status         string `json:"status"`
	OwnerUserID    string `json:"owner_user_id"`
	RunnerRepoPath string `json:"runner_repo_path"`
	CreatedAt      string `json:"created_at"`
}

func projectToResponse(p *db.Project) projectResponse {
	return projectResponse{
		ID: p.ID.String(), Name: p.Name, Status: p.Status,
		OwnerUserID: p.OwnerUserID.String(), RunnerRepoPath: p.RunnerRepoPath,
		CreatedAt: p.CreatedAt.UTC().String(),
	}
}

type createProjectRequest struct {
	Name string `json:"name"`
}

// Create handles POST /api/v1/projects.
func (h *ProjectHandler) Create(w http.ResponseWriter, r *http.Request) {
	user, err := h.access.AuthorizeUserOnly(r.Context())
	if err != nil {
		WriteAPIError(w, err)
		return
	}

	var req createProjectRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	p, err := h.svc.Create(r.Context(), user.ID, req.Name)
	if err != nil {
		WriteAPIError(w, err)
		return
	}
	Created(w, projectToResponse(p))
}

// List handles GET /api/v1/projects.
func (h *ProjectHandler) List(w http.ResponseWriter, r *http.Request) {
	if _, err := h.access.AuthorizeUserOnly(r.Context()); err != nil {
		WriteAPIError(w, err)
		return
	}
	opts := paginationOpts(r)
	projects, total, err := h.svc.List(r.Context(), opts.Limit, opts.Offset)
	if err != nil {
		WriteAPIError(w, err)
		return
	}
	items := make([]projectResponse, 0, len(projects))
	for i := range projects {
		items = append(items, projectToResponse(&projects[i]))
	}
	Ok(w, map[string]any{"items": items, "total": total})
}

// Get handles GET /api/v1/projects/{id}.
func (h *ProjectHandler) Get(w http.ResponseWriter, r *http.Request) {
	id, ok := uuidParam(w, r, "id")
	if !ok {
		return
	}
	if _, err := h.access.Authorize(r.Context(), id, false); err != nil {
		WriteAPIError(w, err)
		return
	}
	p, err := h.svc.Get(r.Context(), id)
	if err != nil {
		WriteAPIError(w, err)
		return
	}
	Ok(w, projectToResponse(p))
}

type addMemberRequest struct {
	UserID string `json:"user_id"`
	Role   string `json:"role"`
}

// AddMember handles POST /api/v1/projects/{id}/members.
func (h *ProjectHandler) AddMember(w http.ResponseWriter, r *http.Request) {
	id, ok := uuidParam(w, r, "id")
	if !ok {
		return
	}
	if _, err := h.access.Authorize(r.Context(), id, true); err != nil {
		WriteAPIError(w, err)
		return
	}

	var req addMemberRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	userID, ok := parseUUIDField(w, req.UserID, "user_id")
	if !ok {
		return
	}

	if err := h.svc.AddMember(r.Context(), id, userID, req.Role); err != nil {
		WriteAPIError(w, err)
		return
	}
	NoContent(w)
}

// ListMembers handles GET /api/v1/projects/{id}/members.
func (h *ProjectHandler) ListMembers(w http.ResponseWriter, r *http.Request) {
	id, ok := uuidParam(w, r, "id")
	if !ok {
		return
	}
	if _, err := h.access.Authorize(r.Context(), id, false); err != nil {
		WriteAPIError(w, err)
		return
	}
	members, err := h.svc.ListMembers(r.Context(), id)
	if err != nil {
		WriteAPIError(w, err)
		return
	}
	Ok(w, members)
}

type retentionPolicyRequest struct {
	RetentionDays int `json:"retention_days"`
}

// SetRetentionPolicy handles PUT /api/v1/projects/{id}/retention.
func (h *ProjectHandler) SetRetentionPolicy(w http.ResponseWriter, r *http.Request) {
	id, ok := uuidParam(w, r, "id")
	if !ok {
		return
	}
	if _, err := h.access.Authorize(r.Context(), id, true); err != nil {
		WriteAPIError(w, err)
		return
	}

	var req retentionPolicyRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := h.svc.SetRetentionPolicy(r.Context(), id, req.RetentionDays); err != nil {
		WriteAPIError(w, err)
		return
	}
	NoContent(w)
}

// GetRetentionPolicy handles GET /api/v1/projects/{id}/retention.
func (h *ProjectHandler) GetRetentionPolicy(w http.ResponseWriter, r *http.Request) {
	id, ok := uuidParam(w, r, "id")
	if !ok {
		return
	}
	if _, err := h.access.Authorize(r.Context(), id, false); err != nil {
		WriteAPIError(w, err)
		return
	}
	policy, err := h.svc.GetRetentionPolicy(r.Context(), id)
	if err != nil {
		WriteAPIError(w, err)
		return
	}
	Ok(w, policy)
}
