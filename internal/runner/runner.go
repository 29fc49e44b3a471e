// Package runner implements Runner heartbeats and RunnerToken issuance per
// spec.md §4.4.
package runner

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"time"

	"github.com/fleetcore/control-plane/internal/apierr"
	"github.com/fleetcore/control-plane/internal/db"
	"github.com/fleetcore/control-plane/internal/repository"
	"github.com/fleetcore/control-plane/internal/websocket"
	"github.com/google/uuid"
)

const (
	maxVersionLen      = 128
	maxCapabilitiesLen = 8192
	tokenByteLength    = 32
	tokenTTL           = 30 * 24 * time.Hour
)

// Notifier is the subset of notification.Service this package needs.
type Notifier interface {
	NotifyRunnerOffline(ctx context.Context, runnerID uuid.UUID, runnerName string) error
}

// Service provides Runner and RunnerToken operations.
type Service struct {
	runners  repository.RunnerRepository
	tokens   repository.RunnerTokenRepository
	notifier Notifier       // nil disables the runner-offline notification
	hub      *websocket.Hub // nil disables live runner.status pushes
}

func NewService(runners repository.RunnerRepository, tokens repository.RunnerTokenRepository, notifier Notifier, hub *websocket.Hub) *Service {
	return &Service{runners: runners, tokens: tokens, notifier: notifier, hub: hub}
}

// runnerTopic is the WebSocket topic a runner's heartbeat transitions are
// published on; see internal/websocket's topic naming convention.
func runnerTopic(runnerID uuid.UUID) string {
	return "runner:" + runnerID.String()
}

// Heartbeat implements spec.md §4.4: upserts by (projectId, runnerName).
// lastStatus is "offline" iff the caller explicitly reported offline, else
// "online".
func (s *Service) Heartbeat(ctx context.Context, projectID uuid.UUID, runnerName string, reportedOffline bool, version, capabilities string) (*db.Runner, error) {
	if len(version) > maxVersionLen {
		return nil, apierr.NewConflict("version exceeds maximum length")
	}
	if len(capabilities) > maxCapabilitiesLen {
		return nil, apierr.NewConflict("capabilities payload exceeds maximum length")
	}

	status := "online"
	if reportedOffline {
		status = "offline"
	}

	existing, err := s.runners.GetByProjectAndName(ctx, projectID, runnerName)
	wasOnline := err == nil && existing != nil && existing.LastStatus != "offline"

	r := &db.Runner{
		ProjectID:    projectID,
		RunnerName:   runnerName,
		LastSeenAt:   time.Now(),
		LastStatus:   status,
		Version:      version,
		Capabilities: capabilities,
	}
	if err := s.runners.Upsert(ctx, r); err != nil {
		return nil, apierr.NewInternal(err.Error())
	}

	if status == "offline" && wasOnline && s.notifier != nil {
		_ = s.notifier.NotifyRunnerOffline(ctx, r.ID, runnerName)
	}

	if s.hub != nil {
		s.hub.Publish(runnerTopic(r.ID), websocket.Message{
			Type:  websocket.MsgRunnerStatus,
			Topic: runnerTopic(r.ID),
			Payload: map[string]any{
				"status":     r.LastStatus,
				"lastSeenAt": r.LastSeenAt,
			},
		})
	}
	return r, nil
}

func (s *Service) ListByProject(ctx context.Context, projectID uuid.UUID, limit, offset int) ([]db.Runner, int64, error) {
	runners, total, err := s.runners.ListByProject(ctx, projectID, repository.ListOptions{Limit: limit, Offset: offset})
	if err != nil {
		return nil, 0, apierr.NewInternal(err.Error())
	}
	return runners, total, nil
}

func (s *Service) GetByID(ctx context.Context, id uuid.UUID) (*db.Runner, error) {
	r, err := s.runners.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, apierr.NewNotFound("runner not found")
		}
		return nil, apierr.NewInternal(err.Error())
	}
	return r, nil
}

// IssuedToken carries the one-time plaintext token alongside the persisted
// row; the plaintext is discarded by every caller after this return.
type IssuedToken struct {
	Token  string
	Record *db.RunnerToken
}

// CreateToken implements spec.md §4.4: mints 32 random bytes, returns them
// base64url-unpadded exactly once, and persists only sha256_hex(token).
func (s *Service) CreateToken(ctx context.Context, projectID, runnerID, createdBy uuid.UUID) (*IssuedToken, error) {
	raw := make([]byte, tokenByteLength)
	if _, err := rand.Read(raw); err != nil {
		return nil, apierr.NewInternal(err.Error())
	}
	token := base64.RawURLEncoding.EncodeToString(raw)
	hash := sha256Hex(token)

	expiresAt := time.Now().Add(tokenTTL)
	record := &db.RunnerToken{
		ProjectID:       projectID,
		RunnerID:        runnerID,
		TokenHash:       hash,
		CreatedByUserID: createdBy,
		ExpiresAt:       &expiresAt,
	}
	if err := s.tokens.Create(ctx, record); err != nil {
		return nil, apierr.NewInternal(err.Error())
	}
	return &IssuedToken{Token: token, Record: record}, nil
}

func (s *Service) RevokeToken(ctx context.Context, id uuid.UUID) error {
	if err := s.tokens.Revoke(ctx, id); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return apierr.NewNotFound("runner token not found")
		}
		return apierr.NewInternal(err.Error())
	}
	return nil
}

// Authenticate validates a bearer token at the edge: looks it up by hash,
// and requires revokedAt absent AND (expiresAt absent OR expiresAt in the
// future), per spec.md §4.4.
func (s *Service) Authenticate(ctx context.Context, token string) (*db.RunnerToken, error) {
	hash := sha256Hex(token)
	record, err := s.tokens.GetByHash(ctx, hash)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, apierr.NewUnauthorized("invalid runner token")
		}
		return nil, apierr.NewInternal(err.Error())
	}
	if record.RevokedAt != nil {
		return nil, apierr.NewUnauthorized("runner token revoked")
	}
	if record.ExpiresAt != nil && record.ExpiresAt.Before(time.Now()) {
		return nil, apierr.NewUnauthorized("runner token expired")
	}
	if err := s.tokens.TouchLastUsed(ctx, record.ID); err != nil {
		return nil, apierr.NewInternal(err.Error())
	}
	return record, nil
}

func sha256Hex(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}
