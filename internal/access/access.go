// Package access implements the authorization envelope every RPC handler
// passes through before touching project-scoped data: identify the caller,
// materialize their User row, and resolve their role on a given project.
package access

import (
	"context"
	"errors"
	"time"

	"github.com/fleetcore/control-plane/internal/apierr"
	"github.com/fleetcore/control-plane/internal/db"
	"github.com/fleetcore/control-plane/internal/repository"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Identity is the opaque identity payload read from the caller's JWT claims
// (or synthesized in dev-bypass mode) before a User row exists.
type Identity struct {
	TokenIdentifier string
	Name            string
	Email           string
	PictureURL      string
}

// Authorization is the result of resolving a caller against a project: the
// materialized User plus their effective role on that project.
type Authorization struct {
	User    *db.User
	Project *db.Project
	Role    string // "admin" or "viewer"
}

// devBypassUser is the fixed identity synthesized when auth is disabled.
var devBypassUser = Identity{
	TokenIdentifier: "dev-bypass",
	Name:            "Development User",
	Email:           "dev@localhost",
}

// Resolver implements spec.md §4.1 steps 1-4.
type Resolver struct {
	users        repository.UserRepository
	projects     repository.ProjectRepository
	members      repository.ProjectMemberRepository
	disableAuth  bool
	logger       *zap.Logger
}

func NewResolver(
	users repository.UserRepository,
	projects repository.ProjectRepository,
	members repository.ProjectMemberRepository,
	disableAuth bool,
	logger *zap.Logger,
) *Resolver {
	return &Resolver{
		users:       users,
		projects:    projects,
		members:     members,
		disableAuth: disableAuth,
		logger:      logger.Named("access"),
	}
}

// Identify reads the caller's identity from ctx (populated by chi JWT
// middleware upstream) or synthesizes the dev-bypass user. Fails
// Unauthorized if no identity is present and auth is not disabled.
func (r *Resolver) Identify(ctx context.Context) (Identity, error) {
	if ident, ok := IdentityFromContext(ctx); ok {
		return ident, nil
	}
	if r.disableAuth {
		return devBypassUser, nil
	}
	return Identity{}, apierr.NewUnauthorized("no identity present")
}

// MaterializeUser looks up the User by tokenIdentifier, creating it on first
// sight. The very first user ever materialized becomes admin; everyone
// after starts as viewer. Profile fields are refreshed from the identity
// payload on every call.
func (r *Resolver) MaterializeUser(ctx context.Context, ident Identity) (*db.User, error) {
	user, err := r.users.GetByTokenIdentifier(ctx, ident.TokenIdentifier)
	if err == nil {
		user.Name = ident.Name
		user.Email = ident.Email
		user.PictureURL = ident.PictureURL
		now := time.Now()
		user.LastLoginAt = &now
		if err := r.users.Update(ctx, user); err != nil {
			return nil, apierr.NewInternal(err.Error())
		}
		return user, nil
	}
	if !errors.Is(err, repository.ErrNotFound) {
		return nil, apierr.NewInternal(err.Error())
	}

	count, err := r.users.Count(ctx)
	if err != nil {
		return nil, apierr.NewInternal(err.Error())
	}
	role := "viewer"
	if count == 0 {
		role = "admin"
	}

	now := time.Now()
	user = &db.User{
		TokenIdentifier: ident.TokenIdentifier,
		Name:            ident.Name,
		Email:           ident.Email,
		PictureURL:      ident.PictureURL,
		Role:            role,
		IsActive:        true,
		LastLoginAt:     &now,
	}
	if err := r.users.Create(ctx, user); err != nil {
		return nil, apierr.NewInternal(err.Error())
	}
	r.logger.Info("materialized new user", zap.String("user_id", user.ID.String()), zap.String("role", role))
	return user, nil
}

// AuthorizeProject loads the project and resolves the caller's role on it:
// owner implicitly gets admin; otherwise the ProjectMember row's role
// applies. Missing membership is Forbidden; missing project is NotFound.
func (r *Resolver) AuthorizeProject(ctx context.Context, user *db.User, projectID uuid.UUID) (*Authorization, error) {
	project, err := r.projects.GetByID(ctx, projectID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, apierr.NewNotFound("project not found")
		}
		return nil, apierr.NewInternal(err.Error())
	}

	if project.OwnerUserID == user.ID {
		return &Authorization{User: user, Project: project, Role: "admin"}, nil
	}

	member, err := r.members.GetByProjectAndUser(ctx, projectID, user.ID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, apierr.NewForbidden("not a member of this project")
		}
		return nil, apierr.NewInternal(err.Error())
	}
	return &Authorization{User: user, Project: project, Role: member.Role}, nil
}

// RequireAdmin fails Forbidden unless the authorization carries the admin role.
func RequireAdmin(authz *Authorization) error {
	if authz.Role != "admin" {
		return apierr.NewForbidden("admin role required")
	}
	return nil
}

// Authorize is the one-line composite handlers call first: identify,
// materialize, authorize against the project, and optionally require admin.
func (r *Resolver) Authorize(ctx context.Context, projectID uuid.UUID, requireAdmin bool) (*Authorization, error) {
	ident, err := r.Identify(ctx)
	if err != nil {
		return nil, err
	}
	user, err := r.MaterializeUser(ctx, ident)
	if err != nil {
		return nil, err
	}
	authz, err := r.AuthorizeProject(ctx, user, projectID)
	if err != nil {
		return nil, err
	}
	if requireAdmin {
		if err := RequireAdmin(authz); err != nil {
			return nil, err
		}
	}
	return authz, nil
}

// AuthorizeUserOnly runs steps 1-2 only, for endpoints with no project in
// scope (e.g. project creation itself).
func (r *Resolver) AuthorizeUserOnly(ctx context.Context) (*db.User, error) {
	ident, err := r.Identify(ctx)
	if err != nil {
		return nil, err
	}
	return r.MaterializeUser(ctx, ident)
}
