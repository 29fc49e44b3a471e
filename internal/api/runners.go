package api

import (
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/fleetcore/control-plane/internal/access"
	"github.com/fleetcore/control-plane/internal/db"
	"github.com/fleetcore/control-plane/internal/ratelimit"
	"github.com/fleetcore/control-plane/internal/runner"
)

const heartbeatLimit, heartbeatWindow = 240, time.Minute

// RunnerHandler groups runner-agent registration, heartbeat, and
// token-issuance routes.
type RunnerHandler struct {
	svc     *runner.Service
	access  *access.Resolver
	limiter *ratelimit.Limiter
	logger  *zap.Logger
}

func NewRunnerHandler(svc *runner.Service, resolver *access.Resolver, limiter *ratelimit.Limiter, logger *zap.Logger) *RunnerHandler {
	return &RunnerHandler{svc: svc, access: resolver, limiter: limiter, logger: logger.Named("runner_handler")}
}

type runnerResponse struct {
	ID           string `json:"id"`
	ProjectID    string `json:"project_id"`
	RunnerName   string `json:"runner_name"`
	LastSeenAt   string `json:"last_seen_at"`
	LastStatus   string `json:"last_status"`
	Version      string `json:"version"`
	Capabilities string `json:"capabilities"`
}

func runnerToResponse(r *db.Runner) runnerResponse {
	return runnerResponse{
		ID: r.ID.String(), ProjectID: r.ProjectID.String(), RunnerName: r.RunnerName,
		LastSeenAt: r.LastSeenAt.UTC().String(), LastStatus: r.LastStatus,
		Version: r.Version, Capabilities: r.Capabilities,
	}
}

type heartbeatRequest struct {
	RunnerName      string `json:"runner_name"`
	ReportedOffline bool   `json:"reported_offline"`
	Version         string `json:"version"`
	Capabilities    string `json:"capabilities"`
}

// Heartbeat handles POST /api/v1/runner/projects/{projectId}/heartbeat.
// Unlike most project-scoped routes it is authenticated via a runner bearer
// token (AuthenticateRunner middleware), not a user JWT, so it bypasses
// access.Resolver entirely.
func (h *RunnerHandler) Heartbeat(w http.ResponseWriter, r *http.Request) {
	projectID, ok := uuidParam(w, r, "projectId")
	if !ok {
		return
	}
	var req heartbeatRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := h.limiter.Reserve(r.Context(), "runners.heartbeat:"+projectID.String(), heartbeatLimit, heartbeatWindow); err != nil {
		WriteAPIError(w, err)
		return
	}
	runnerRow, err := h.svc.Heartbeat(r.Context(), projectID, req.RunnerName, req.ReportedOffline, req.Version, req.Capabilities)
	if err != nil {
		WriteAPIError(w, err)
		return
	}
	Ok(w, runnerToResponse(runnerRow))
}

// ListByProject handles GET /api/v1/projects/{projectId}/runners.
func (h *RunnerHandler) ListByProject(w http.ResponseWriter, r *http.Request) {
	projectID, ok := uuidParam(w, r, "projectId")
	if !ok {
		return
	}
	if _, err := h.access.Authorize(r.Context(), projectID, false); err != nil {
		WriteAPIError(w, err)
		return
	}
	opts := paginationOpts(r)
	runners, total, err := h.svc.ListByProject(r.Context(), projectID, opts.Limit, opts.Offset)
	if err != nil {
		WriteAPIError(w, err)
		return
	}
	items := make([]runnerResponse, 0, len(runners))
	for i := range runners {
		items = append(items, runnerToResponse(&runners[i]))
	}
	Ok(w, map[string]any{"items": items, "total": total})
}

type createRunnerTokenRequest struct {
	RunnerID string `json:"runner_id"`
}

type createRunnerTokenResponse struct {
	Token string `json:"token"`
	ID    string `json:"id"`
}

// CreateToken handles POST /api/v1/projects/{projectId}/runners/tokens
// (admin only). The raw token is returned exactly once; only its sha256_hex
// is ever persisted.
func (h *RunnerHandler) CreateToken(w http.ResponseWriter, r *http.Request) {
	projectID, ok := uuidParam(w, r, "projectId")
	if !ok {
		return
	}
	authz, err := h.access.Authorize(r.Context(), projectID, true)
	if err != nil {
		WriteAPIError(w, err)
		return
	}

	var req createRunnerTokenRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	runnerID, ok := parseUUIDField(w, req.RunnerID, "runner_id")
	if !ok {
		return
	}

	issued, err := h.svc.CreateToken(r.Context(), projectID, runnerID, authz.User.ID)
	if err != nil {
		WriteAPIError(w, err)
		return
	}
	Created(w, createRunnerTokenResponse{Token: issued.Token, ID: issued.Record.ID.String()})
}

// RevokeToken handles DELETE /api/v1/projects/{projectId}/runners/tokens/{id}
// (admin only).
func (h *RunnerHandler) RevokeToken(w http.ResponseWriter, r *http.Request) {
	projectID, ok := uuidParam(w, r, "projectId")
	if !ok {
		return
	}
	if _, err := h.access.Authorize(r.Context(), projectID, true); err != nil {
		WriteAPIError(w, err)
		return
	}
	id, ok := uuidParam(w, r, "id")
	if !ok {
		return
	}
	if err := h.svc.RevokeToken(r.Context(), id); err != nil {
		WriteAPIError(w, err)
		return
	}
	NoContent(w)
}
