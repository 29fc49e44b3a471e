// Package secretwiring implements SecretWiring.upsertMany per spec.md §4.4.
package secretwiring

import (
	"context"
	"time"

	"github.com/fleetcore/control-plane/internal/apierr"
	"github.com/fleetcore/control-plane/internal/db"
	"github.com/fleetcore/control-plane/internal/repository"
	"github.com/google/uuid"
)

const maxSecretNameLen = 256

var validScopes = map[string]bool{"bootstrap": true, "updates": true, "openclaw": true}
var validStatuses = map[string]bool{"configured": true, "missing": true, "placeholder": true, "warn": true}

// Entry is a single secret-wiring row to upsert.
type Entry struct {
	SecretName string
	Scope      string
	Status     string
	Required   bool
}

// Service upserts SecretWiring rows.
type Service struct {
	repo repository.SecretWiringRepository
}

func NewService(repo repository.SecretWiringRepository) *Service {
	return &Service{repo: repo}
}

// UpsertMany normalizes scope/status against fixed enums (unrecognized
// values fail conflict), length-bounds secretName, and writes by
// (projectId, hostName, secretName). Idempotent.
func (s *Service) UpsertMany(ctx context.Context, projectID uuid.UUID, hostName string, entries []Entry) (int, error) {
	if hostName == "" {
		return 0, apierr.NewConflict("hostName must not be empty")
	}
	for _, e := range entries {
		if !validScopes[e.Scope] {
			return 0, apierr.NewConflict("invalid scope: " + e.Scope)
		}
		if !validStatuses[e.Status] {
			return 0, apierr.NewConflict("invalid status: " + e.Status)
		}
		if len(e.SecretName) == 0 || len(e.SecretName) > maxSecretNameLen {
			return 0, apierr.NewConflict("secretName length out of bounds")
		}
	}

	updated := 0
	for _, e := range entries {
		var verifiedAt *time.Time
		if e.Status == "configured" {
			now := time.Now()
			verifiedAt = &now
		}
		row := &db.SecretWiring{
			ProjectID:      projectID,
			HostName:       hostName,
			SecretName:     e.SecretName,
			Scope:          e.Scope,
			Status:         e.Status,
			Required:       e.Required,
			LastVerifiedAt: verifiedAt,
		}
		if err := s.repo.Upsert(ctx, row); err != nil {
			return updated, apierr.NewInternal(err.Error())
		}
		updated++
	}
	return updated, nil
}

func (s *Service) ListByProjectHost(ctx context.Context, projectID uuid.UUID, hostName string) ([]db.SecretWiring, error) {
	entries, err := s.repo.ListByProjectHost(ctx, projectID, hostName)
	if err != nil {
		return nil, apierr.NewInternal(err.Error())
	}
	return entries, nil
}
