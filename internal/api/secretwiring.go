package api

import (
	"net/http"

	"go.uber.org/zap"

	"github.com/fleetcore/control-plane/internal/access"
	"github.com/fleetcore/control-plane/internal/db"
	"github.com/fleetcore/control-plane/internal/secretwiring"
)

// SecretWiringHandler groups the secret-wiring declaration routes: what
// secret names a host expects to find wired in for a project, and whether
// each is currently satisfied.
type SecretWiringHandler struct {
	svc    *secretwiring.Service
	access *access.Resolver
	logger *zap.Logger
}

func NewSecretWiringHandler(svc *secretwiring.Service, resolver *access.Resolver, logger *zap.Logger) *SecretWiringHandler {
	return &SecretWiringHandler{svc: svc, access: resolver, logger: logger.Named("secret_wiring_handler")}
}

type secretWiringResponse struct {
	HostName       string `json:"host_name"`
	SecretName     string `json:"secret_name"`
	Scope          string `json:"scope"`
	Status         string `json:"status"`
	Required       bool   `json:"required"`
	LastVerifiedAt string `json:"last_verified_at,omitempty"`
}

func secretWiringToResponse(s *db.SecretWiring) secretWiringResponse {
	resp := secretWiringResponse{
		HostName: s.HostName, SecretName: s.SecretName, Scope: s.Scope,
		Status: s.Status, Required: s.Required,
	}
	if s.LastVerifiedAt != nil {
		resp.LastVerifiedAt = s.LastVerifiedAt.UTC().String()
	}
	return resp
}

type upsertSecretWiringEntry struct {
	SecretName string `json:"secret_name"`
	Scope      string `json:"scope"`
	Status     string `json:"status"`
	Required   bool   `json:"required"`
}

type upsertSecretWiringRequest struct {
	HostName string                    `json:"host_name"`
	Entries  []upsertSecretWiringEntry `json:"entries"`
}

// Upsert handles PUT /api/v1/projects/{projectId}/secret-wiring.
// Called by a user (JWT, project admin) declaring which secrets a host is
// expected to need; the route is not reachable with a runner token.
func (h *SecretWiringHandler) Upsert(w http.ResponseWriter, r *http.Request) {
	projectID, ok := uuidParam(w, r, "projectId")
	if !ok {
		return
	}
	if _, err := h.access.Authorize(r.Context(), projectID, false); err != nil {
		WriteAPIError(w, err)
		return
	}

	var req upsertSecretWiringRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	entries := make([]secretwiring.Entry, 0, len(req.Entries))
	for _, e := range req.Entries {
		entries = append(entries, secretwiring.Entry{
			SecretName: e.SecretName, Scope: e.Scope, Status: e.Status, Required: e.Required,
		})
	}

	n, err := h.svc.UpsertMany(r.Context(), projectID, req.HostName, entries)
	if err != nil {
		WriteAPIError(w, err)
		return
	}
	Ok(w, map[string]any{"upserted": n})
}

// ListByHost handles GET /api/v1/projects/{projectId}/secret-wiring?host=...
func (h *SecretWiringHandler) ListByHost(w http.ResponseWriter, r *http.Request) {
	projectID, ok := uuidParam(w, r, "projectId")
	if !ok {
		return
	}
	if _, err := h.access.Authorize(r.Context(), projectID, false); err != nil {
		WriteAPIError(w, err)
		return
	}

	host := r.URL.Query().Get("host")
	if host == "" {
		ErrBadRequest(w, "host query parameter is required")
		return
	}

	entries, err := h.svc.ListByProjectHost(r.Context(), projectID, host)
	if err != nil {
		WriteAPIError(w, err)
		return
	}
	items := make([]secretWiringResponse, 0, len(entries))
	for i := range entries {
		items = append(items, secretWiringToResponse(&entries[i]))
	}
	Ok(w, map[string]any{"items": items})
}
