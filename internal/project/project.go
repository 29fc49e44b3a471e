// Package project implements CRUD for Project, ProjectMember and
// ProjectPolicy per spec.md §4.3's project-level surface. ProjectConfig
// rows are not handled here.
package project

import (
	"context"
	"errors"

	"github.com/fleetcore/control-plane/internal/apierr"
	"github.com/fleetcore/control-plane/internal/db"
	"github.com/fleetcore/control-plane/internal/repository"
	"github.com/google/uuid"
)

// Service provides project-scoped CRUD over Project, ProjectMember and
// ProjectPolicy.
type Service struct {
	projects repository.ProjectRepository
	members  repository.ProjectMemberRepository
	policies repository.ProjectPolicyRepository
}

func NewService(
	projects repository.ProjectRepository,
	members repository.ProjectMemberRepository,
	policies repository.ProjectPolicyRepository,
) *Service {
	return &Service{projects: projects, members: members, policies: policies}
}

// Create starts a project in "creating" status, owned by the caller. The
// transition to "ready"/"error" is driven by an out-of-scope project-init
// run, per spec.md §4.3.
func (s *Service) Create(ctx context.Context, ownerUserID uuid.UUID, name string) (*db.Project, error) {
	if name == "" {
		return nil, apierr.NewConflict("name must not be empty")
	}
	project := &db.Project{
		Name:        name,
		Status:      "creating",
		OwnerUserID: ownerUserID,
	}
	if err := s.projects.Create(ctx, project); err != nil {
		return nil, apierr.NewInternal(err.Error())
	}
	if err := s.policies.Upsert(ctx, &db.ProjectPolicy{ProjectID: project.ID, RetentionDays: 30}); err != nil {
		return nil, apierr.NewInternal(err.Error())
	}
	return project, nil
}

func (s *Service) Get(ctx context.Context, id uuid.UUID) (*db.Project, error) {
	project, err := s.projects.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, apierr.NewNotFound("project not found")
		}
		return nil, apierr.NewInternal(err.Error())
	}
	return project, nil
}

// List returns projects ordered newest-first, paginated.
func (s *Service) List(ctx context.Context, limit, offset int) ([]db.Project, int64, error) {
	projects, total, err := s.projects.List(ctx, repository.ListOptions{Limit: limit, Offset: offset})
	if err != nil {
		return nil, 0, apierr.NewInternal(err.Error())
	}
	return projects, total, nil
}

// UpdateStatus transitions a project's status (driven by the out-of-scope
// project-init run).
func (s *Service) UpdateStatus(ctx context.Context, id uuid.UUID, status string) error {
	switch status {
	case "creating", "ready", "error":
	default:
		return apierr.NewConflict("invalid project status: " + status)
	}
	if err := s.projects.UpdateStatus(ctx, id, status); err != nil {
		return apierr.NewInternal(err.Error())
	}
	return nil
}

// AddMember grants a role on a project to a user; only callable by an admin
// (enforced by the caller via access.Resolver before reaching here).
func (s *Service) AddMember(ctx context.Context, projectID, userID uuid.UUID, role string) error {
	if role != "admin" && role != "viewer" {
		return apierr.NewConflict("invalid member role: " + role)
	}
	if err := s.members.Create(ctx, &db.ProjectMember{ProjectID: projectID, UserID: userID, Role: role}); err != nil {
		return apierr.NewInternal(err.Error())
	}
	return nil
}

func (s *Service) ListMembers(ctx context.Context, projectID uuid.UUID) ([]db.ProjectMember, error) {
	members, err := s.members.ListByProject(ctx, projectID)
	if err != nil {
		return nil, apierr.NewInternal(err.Error())
	}
	return members, nil
}

// SetRetentionPolicy upserts a project's retention policy, normalizing
// retentionDays per the rule internal/retention also applies to stored
// values (spec.md §4.7: undefined→30, <1→1, >365→365, fractional truncated).
func (s *Service) SetRetentionPolicy(ctx context.Context, projectID uuid.UUID, retentionDays int) error {
	if retentionDays < 1 {
		retentionDays = 1
	} else if retentionDays > 365 {
		retentionDays = 365
	}
	if err := s.policies.Upsert(ctx, &db.ProjectPolicy{ProjectID: projectID, RetentionDays: retentionDays}); err != nil {
		return apierr.NewInternal(err.Error())
	}
	return nil
}

func (s *Service) GetRetentionPolicy(ctx context.Context, projectID uuid.UUID) (*db.ProjectPolicy, error) {
	policy, err := s.policies.GetByProject(ctx, projectID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, apierr.NewNotFound("no retention policy for project")
		}
		return nil, apierr.NewInternal(err.Error())
	}
	return policy, nil
}
