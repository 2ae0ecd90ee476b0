// Package auth resolves callers to actors and checks their roles.
package auth

import (
	"context"
	"errors"
	"strings"

	"inspectline/internal/domain"
	"inspectline/internal/repo"
	"inspectline/internal/workflow"
)

type Service struct {
	Repo repo.Repo
}

// Resolve loads the actor behind an authenticated id. Unknown and inactive
// actors are rejected.
func (s Service) Resolve(ctx context.Context, actorID string) (domain.ActorContext, error) {
	actorID = strings.TrimSpace(actorID)
	if actorID == "" {
		return domain.ActorContext{}, workflow.AuthorizationError{Reason: "actor id required"}
	}
	a, err := s.Repo.GetActor(ctx, actorID)
	if errors.Is(err, repo.ErrNotFound) {
		return domain.ActorContext{}, workflow.AuthorizationError{ActorID: actorID, Reason: "unknown actor"}
	}
	if err != nil {
		return domain.ActorContext{}, err
	}
	if !a.Active {
		return domain.ActorContext{}, workflow.AuthorizationError{ActorID: actorID, Role: a.Role, Reason: "actor is inactive"}
	}
	return a.Context(), nil
}

// Require passes when the actor holds one of roles. Admins pass every check.
func Require(actor domain.ActorContext, roles ...domain.Role) error {
	if actor.Role == domain.RoleAdmin {
		return nil
	}
	for _, r := range roles {
		if actor.Role == r {
			return nil
		}
	}
	return workflow.AuthorizationError{ActorID: actor.ID, Role: actor.Role, Required: roles}
}
