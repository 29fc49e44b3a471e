// Package runnerqueue implements the runner-command queue and sealed-input
// protocol of spec.md §4.6: reserve a job addressed to a runner, let the
// caller attach a sealed payload, and let the runner return a result.
package runnerqueue

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/fleetcore/control-plane/internal/apierr"
	"github.com/fleetcore/control-plane/internal/audit"
	"github.com/fleetcore/control-plane/internal/db"
	"github.com/fleetcore/control-plane/internal/repository"
	"github.com/fleetcore/control-plane/internal/run"
	"github.com/google/uuid"
)

const (
	maxPayloadMetaLen    = 8192
	maxSealedInputB64Len = 2 << 20 // 2 MiB of base64, generous for small sealed envelopes
)

// capabilities mirrors the subset of Runner.Capabilities this package reads
// to learn a runner's currently advertised sealing key material.
type capabilities struct {
	SealedInputAlg        string `json:"sealedInputAlg"`
	SealedInputKeyID      string `json:"sealedInputKeyId"`
	SealedInputPubSpkiB64 string `json:"sealedInputPubSpkiB64"`
}

// Service drives the runner-command queue.
type Service struct {
	runs    repository.RunRepository
	jobs    repository.RunnerJobRepository
	runners repository.RunnerRepository
}

func NewService(runs repository.RunRepository, jobs repository.RunnerJobRepository, runners repository.RunnerRepository) *Service {
	return &Service{runs: runs, jobs: jobs, runners: runners}
}

// EnqueueResult echoes the runner's currently advertised sealing key
// material back to the caller so it can seal its payload before calling
// Finalize.
type EnqueueResult struct {
	RunID                 uuid.UUID
	JobID                 uuid.UUID
	SealedInputAlg        string
	SealedInputKeyID      string
	SealedInputPubSpkiB64 string
}

// Enqueue implements spec.md §4.6 step 1: creates a Run + RunnerJob, and
// rejects a payloadMeta containing secret-like keys before any write.
func (s *Service) Enqueue(ctx context.Context, projectID, targetRunnerID, initiatedBy uuid.UUID, kind string, payloadMeta string) (*EnqueueResult, error) {
	if len(payloadMeta) > maxPayloadMetaLen {
		return nil, apierr.NewConflict("payloadMeta exceeds maximum length")
	}
	if err := assertNoSecretLikeKeys(payloadMeta, "payloadMeta"); err != nil {
		return nil, err
	}

	targetRunner, err := s.runners.GetByID(ctx, targetRunnerID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, apierr.NewNotFound("target runner not found")
		}
		return nil, apierr.NewInternal(err.Error())
	}

	var caps capabilities
	_ = json.Unmarshal([]byte(targetRunner.Capabilities), &caps)
	if caps.SealedInputAlg == "" || caps.SealedInputPubSpkiB64 == "" {
		return nil, apierr.NewConflict("target runner does not advertise sealing capability")
	}

	resolvedKind := run.ResolveRunKind(kind)
	r := &db.Run{
		ProjectID:         projectID,
		Kind:              resolvedKind,
		Status:            "running",
		InitiatedByUserID: initiatedBy,
		StartedAt:         time.Now(),
	}
	if err := s.runs.Create(ctx, r); err != nil {
		return nil, apierr.NewInternal(err.Error())
	}

	job := &db.RunnerJob{
		ProjectID:        projectID,
		RunID:            r.ID,
		TargetRunnerID:   &targetRunnerID,
		Kind:             resolvedKind,
		Status:           "pending",
		PayloadMeta:      payloadMeta,
		SealedInputAlg:   caps.SealedInputAlg,
		SealedInputKeyID: caps.SealedInputKeyID,
	}
	if err := s.jobs.Create(ctx, job); err != nil {
		return nil, apierr.NewInternal(err.Error())
	}

	return &EnqueueResult{
		RunID:                 r.ID,
		JobID:                 job.ID,
		SealedInputAlg:        caps.SealedInputAlg,
		SealedInputKeyID:      caps.SealedInputKeyID,
		SealedInputPubSpkiB64: caps.SealedInputPubSpkiB64,
	}, nil
}

// Finalize implements spec.md §4.6 step 3: attaches the caller's sealed
// ciphertext to an existing job, making it eligible for runner pickup. The
// sealing algorithm and key id must match what Enqueue returned.
func (s *Service) Finalize(ctx context.Context, jobID uuid.UUID, sealedInputB64, sealedInputAlg, sealedInputKeyID string) error {
	if len(sealedInputB64) > maxSealedInputB64Len {
		return apierr.NewConflict("sealedInputB64 exceeds maximum length")
	}

	job, err := s.jobs.GetByID(ctx, jobID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return apierr.NewNotFound("runner job not found")
		}
		return apierr.NewInternal(err.Error())
	}
	if job.Status != "pending" {
		return apierr.NewConflict("runner job is not pending finalization")
	}
	if sealedInputAlg != job.SealedInputAlg || sealedInputKeyID != job.SealedInputKeyID {
		return apierr.NewConflict("sealing algorithm or key id does not match the reserved job")
	}

	job.SealedInputB64 = sealedInputB64
	job.Status = "sealed"
	if err := s.jobs.Update(ctx, job); err != nil {
		return apierr.NewInternal(err.Error())
	}
	return nil
}

// ListPendingForRunner returns jobs a polling runner should take next.
func (s *Service) ListPendingForRunner(ctx context.Context, runnerID uuid.UUID, limit, offset int) ([]db.RunnerJob, error) {
	jobs, err := s.jobs.ListPendingForRunner(ctx, runnerID, repository.ListOptions{Limit: limit, Offset: offset})
	if err != nil {
		return nil, apierr.NewInternal(err.Error())
	}
	return jobs, nil
}

// TakeResult implements spec.md §4.6 step 4: stores the runner's JSON
// result and drives the owning run to a terminal status.
func (s *Service) TakeResult(ctx context.Context, jobID uuid.UUID, resultJSON string, failed bool, errorMessage string) error {
	job, err := s.jobs.GetByID(ctx, jobID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return apierr.NewNotFound("runner job not found")
		}
		return apierr.NewInternal(err.Error())
	}
	if job.Status == "done" {
		return apierr.NewConflict("runner job already completed")
	}

	job.ResultJSON = resultJSON
	job.Status = "done"
	if err := s.jobs.Update(ctx, job); err != nil {
		return apierr.NewInternal(err.Error())
	}

	runRepo := s.runs
	r, err := runRepo.GetByID(ctx, job.RunID)
	if err != nil {
		return apierr.NewInternal(err.Error())
	}
	now := time.Now()
	r.FinishedAt = &now
	if failed {
		r.Status = "failed"
		r.ErrorMessage = run.SanitizeErrorMessage(errorMessage)
	} else {
		r.Status = "succeeded"
	}
	if err := runRepo.Update(ctx, r); err != nil {
		return apierr.NewInternal(err.Error())
	}
	return nil
}

// assertNoSecretLikeKeys walks a JSON document (object, nested objects, and
// arrays of objects) and fails conflict if any key name looks secret-shaped,
// per the canonical substring list in internal/audit.
func assertNoSecretLikeKeys(payloadJSON, fieldName string) error {
	if payloadJSON == "" {
		return nil
	}
	var value any
	if err := json.Unmarshal([]byte(payloadJSON), &value); err != nil {
		return apierr.NewConflict(fieldName + " is not valid JSON")
	}
	if walkHasSecretLikeKey(value) {
		return apierr.NewConflict(fieldName + " must not contain secret-like keys")
	}
	return nil
}

func walkHasSecretLikeKey(v any) bool {
	switch node := v.(type) {
	case map[string]any:
		for k, val := range node {
			if audit.IsSecretLikeKey(k) {
				return true
			}
			if walkHasSecretLikeKey(val) {
				return true
			}
		}
	case []any:
		for _, item := range node {
			if walkHasSecretLikeKey(item) {
				return true
			}
		}
	}
	return false
}
