package api

import (
	"net/http"

	"go.uber.org/zap"

	"github.com/fleetcore/control-plane/internal/access"
	"github.com/fleetcore/control-plane/internal/db"
	"github.com/fleetcore/control-plane/internal/runnerqueue"
)

// RunnerJobHandler groups the sealed-input runner-command queue routes:
// user-facing enqueue and finalize endpoints, and runner-facing poll/result
// endpoints authenticated via a runner bearer token.
type RunnerJobHandler struct {
	svc    *runnerqueue.Service
	access *access.Resolver
	logger *zap.Logger
}

func NewRunnerJobHandler(svc *runnerqueue.Service, resolver *access.Resolver, logger *zap.Logger) *RunnerJobHandler {
	return &RunnerJobHandler{svc: svc, access: resolver, logger: logger.Named("runner_job_handler")}
}

type runnerJobResponse struct {
	ID               string `json:"id"`
	ProjectID        string `json:"project_id"`
	RunID            string `json:"run_id"`
	Kind             string `json:"kind"`
	Status           string `json:"status"`
	PayloadMeta      string `json:"payload_meta"`
	SealedInputB64   string `json:"sealed_input_b64,omitempty"`
	SealedInputAlg   string `json:"sealed_input_alg,omitempty"`
	SealedInputKeyID string `json:"sealed_input_key_id,omitempty"`
	ResultJSON       string `json:"result_json,omitempty"`
}

func runnerJobToResponse(j *db.RunnerJob) runnerJobResponse {
	return runnerJobResponse{
		ID: j.ID.String(), ProjectID: j.ProjectID.String(), RunID: j.RunID.String(),
		Kind: j.Kind, Status: j.Status, PayloadMeta: j.PayloadMeta,
		SealedInputB64: j.SealedInputB64, SealedInputAlg: j.SealedInputAlg,
		SealedInputKeyID: j.SealedInputKeyID, ResultJSON: j.ResultJSON,
	}
}

type enqueueRunnerJobRequest struct {
	TargetRunnerID string `json:"target_runner_id"`
	Kind           string `json:"kind"`
	PayloadMeta    string `json:"payload_meta"`
}

type enqueueRunnerJobResponse struct {
	RunID                 string `json:"run_id"`
	JobID                 string `json:"job_id"`
	SealedInputAlg        string `json:"sealed_input_alg"`
	SealedInputKeyID      string `json:"sealed_input_key_id"`
	SealedInputPubSpkiB64 string `json:"sealed_input_pub_spki_b64"`
}

// Enqueue handles POST /api/v1/projects/{projectId}/runner-jobs.
// The caller supplies no secret material — the server only echoes back the
// sealing key the target runner last advertised via its Capabilities blob,
// so the caller can encrypt the payload client-side before calling Finalize.
func (h *RunnerJobHandler) Enqueue(w http.ResponseWriter, r *http.Request) {
	projectID, ok := uuidParam(w, r, "projectId")
	if !ok {
		return
	}
	authz, err := h.access.Authorize(r.Context(), projectID, false)
	if err != nil {
		WriteAPIError(w, err)
		return
	}

	var req enqueueRunnerJobRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	targetRunnerID, ok := parseUUIDField(w, req.TargetRunnerID, "target_runner_id")
	if !ok {
		return
	}

	result, err := h.svc.Enqueue(r.Context(), projectID, targetRunnerID, authz.User.ID, req.Kind, req.PayloadMeta)
	if err != nil {
		WriteAPIError(w, err)
		return
	}
	Created(w, enqueueRunnerJobResponse{
		RunID: result.RunID.String(), JobID: result.JobID.String(),
		SealedInputAlg: result.SealedInputAlg, SealedInputKeyID: result.SealedInputKeyID,
		SealedInputPubSpkiB64: result.SealedInputPubSpkiB64,
	})
}

type finalizeRunnerJobRequest struct {
	SealedInputB64   string `json:"sealed_input_b64"`
	SealedInputAlg   string `json:"sealed_input_alg"`
	SealedInputKeyID string `json:"sealed_input_key_id"`
}

// Finalize handles PUT /api/v1/projects/{projectId}/runner-jobs/{id}/seal.
// Attaches the client-encrypted payload to a job created by Enqueue.
func (h *RunnerJobHandler) Finalize(w http.ResponseWriter, r *http.Request) {
	projectID, ok := uuidParam(w, r, "projectId")
	if !ok {
		return
	}
	if _, err := h.access.Authorize(r.Context(), projectID, false); err != nil {
		WriteAPIError(w, err)
		return
	}
	id, ok := uuidParam(w, r, "id")
	if !ok {
		return
	}

	var req finalizeRunnerJobRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := h.svc.Finalize(r.Context(), id, req.SealedInputB64, req.SealedInputAlg, req.SealedInputKeyID); err != nil {
		WriteAPIError(w, err)
		return
	}
	NoContent(w)
}

// ListPending handles GET /api/v1/runner/jobs/pending (runner bearer token
// auth). Returns jobs sealed and waiting for the authenticated runner.
func (h *RunnerJobHandler) ListPending(w http.ResponseWriter, r *http.Request) {
	token := runnerTokenFromCtx(r.Context())
	if token == nil {
		ErrUnauthorized(w)
		return
	}
	opts := paginationOpts(r)
	jobs, err := h.svc.ListPendingForRunner(r.Context(), token.RunnerID, opts.Limit, opts.Offset)
	if err != nil {
		WriteAPIError(w, err)
		return
	}
	items := make([]runnerJobResponse, 0, len(jobs))
	for i := range jobs {
		items = append(items, runnerJobToResponse(&jobs[i]))
	}
	Ok(w, map[string]any{"items": items})
}

type takeResultRequest struct {
	ResultJSON   string `json:"result_json"`
	Failed       bool   `json:"failed"`
	ErrorMessage string `json:"error_message"`
}

// TakeResult handles POST /api/v1/runner/jobs/{id}/result (runner bearer
// token auth).
func (h *RunnerJobHandler) TakeResult(w http.ResponseWriter, r *http.Request) {
	if runnerTokenFromCtx(r.Context()) == nil {
		ErrUnauthorized(w)
		return
	}
	id, ok := uuidParam(w, r, "id")
	if !ok {
		return
	}
	var req takeResultRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := h.svc.TakeResult(r.Context(), id, req.ResultJSON, req.Failed, req.ErrorMessage); err != nil {
		WriteAPIError(w, err)
		return
	}
	NoContent(w)
}
