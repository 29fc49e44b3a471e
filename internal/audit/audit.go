// Package audit implements the append-only audit log (spec.md §4.8) plus
// the two pure validators it and the secret-wiring/runner-queue packages
// share: a repo-relative path validator and a bounded-string-array
// normalizer.
package audit

import (
	"context"
	"strings"
	"time"

	"github.com/fleetcore/control-plane/internal/apierr"
	"github.com/fleetcore/control-plane/internal/db"
	"github.com/fleetcore/control-plane/internal/repository"
	"github.com/google/uuid"
)

const maxListPage = 200

// Service appends and lists audit entries.
type Service struct {
	repo repository.AuditLogRepository
}

func NewService(repo repository.AuditLogRepository) *Service {
	return &Service{repo: repo}
}

// Append requires action to be non-empty after trim (I8); projectID is
// optional (nil for account-level actions).
func (s *Service) Append(ctx context.Context, userID uuid.UUID, projectID *uuid.UUID, action, target, data string) error {
	action = strings.TrimSpace(action)
	if action == "" {
		return apierr.NewConflict("action must not be empty")
	}
	entry := &db.AuditLog{
		Ts:        time.Now(),
		UserID:    userID,
		ProjectID: projectID,
		Action:    action,
		Target:    target,
		Data:      data,
	}
	if err := s.repo.Create(ctx, entry); err != nil {
		return apierr.NewInternal(err.Error())
	}
	return nil
}

// ListByProject returns audit entries for a project, newest-first, capped
// at maxListPage per page.
func (s *Service) ListByProject(ctx context.Context, projectID uuid.UUID, limit, offset int) ([]db.AuditLog, int64, error) {
	if limit <= 0 || limit > maxListPage {
		limit = maxListPage
	}
	entries, total, err := s.repo.ListByProject(ctx, projectID, repository.ListOptions{Limit: limit, Offset: offset})
	if err != nil {
		return nil, 0, apierr.NewInternal(err.Error())
	}
	return entries, total, nil
}

// ValidateRepoPath implements spec.md §8's path validator: trims, normalizes
// backslashes to forward slashes, and rejects absolute paths, parent
// traversal, and control characters.
func ValidateRepoPath(raw string) (string, error) {
	s := strings.TrimSpace(raw)
	s = strings.ReplaceAll(s, "\\", "/")

	if s == "" {
		return "", apierr.NewConflict("path must not be empty")
	}
	for _, r := range s {
		if r == 0 || r == '\n' || r == '\r' {
			return "", apierr.NewConflict("path contains control characters")
		}
	}
	if strings.HasPrefix(s, "/") {
		return "", apierr.NewConflict("path must not be absolute")
	}
	if len(s) >= 2 && s[1] == ':' {
		return "", apierr.NewConflict("path must not carry a drive letter")
	}
	for _, segment := range strings.Split(s, "/") {
		if segment == ".." {
			return "", apierr.NewConflict("path must not contain parent traversal")
		}
	}
	return s, nil
}

// NormalizeStringArray implements spec.md §8's bounded-string-array
// normalizer: trims each element, drops empties, truncates each surviving
// element to 256 chars, and caps the result at 200 items.
func NormalizeStringArray(in []string) []string {
	out := make([]string, 0, len(in))
	for _, raw := range in {
		s := strings.TrimSpace(raw)
		if s == "" {
			continue
		}
		if len(s) > 256 {
			s = s[:256]
		}
		out = append(out, s)
		if len(out) == 200 {
			break
		}
	}
	return out
}

// secretLikeSubstrings is the canonical, single-source list of substrings
// that mark a JSON key as secret-shaped. Shared by audit-path callers and
// internal/runnerqueue's assertNoSecretLikeKeys (spec.md §9 open question:
// "the canonical list must be fixed in one place").
var secretLikeSubstrings = []string{"token", "secret", "password", "passwd", "credential", "apikey", "api_key", "value"}

// IsSecretLikeKey reports whether a JSON key name looks like it names
// secret material.
func IsSecretLikeKey(key string) bool {
	lower := strings.ToLower(key)
	for _, sub := range secretLikeSubstrings {
		if strings.Contains(lower, sub) {
			return true
		}
	}
	return false
}
