package auth

import (
	"context"
	"errors"
	"strings"

	"taskdesk/internal/apperr"
	"taskdesk/internal/domain"
	"taskdesk/internal/repo"
)

type Action string

const (
	ActionCreateTask    Action = "task.create"
	ActionReviewTask    Action = "task.review"
	ActionListTasks     Action = "task.list"
	ActionDownloadAny   Action = "task.download.any"
	ActionRecommend     Action = "assignment.recommend"
	ActionCreatePerson  Action = "person.create"
	ActionUpdatePerson  Action = "person.update"
	ActionDeletePerson  Action = "person.delete"
	ActionListPersons   Action = "person.list"
	ActionIssueToken    Action = "token.issue"
	ActionViewAnyPerson Action = "person.view.any"
)

var grants = map[Action]map[domain.Role]bool{
	ActionCreateTask:    {domain.RoleProjectManager: true, domain.RoleAdmin: true},
	ActionReviewTask:    {domain.RoleProjectManager: true, domain.RoleAdmin: true},
	ActionListTasks:     {domain.RoleProjectManager: true, domain.RoleAdmin: true},
	ActionDownloadAny:   {domain.RoleProjectManager: true, domain.RoleAdmin: true},
	ActionRecommend:     {domain.RoleProjectManager: true, domain.RoleAdmin: true},
	ActionCreatePerson:  {domain.RoleAdmin: true, domain.RoleHumanResource: true},
	ActionUpdatePerson:  {domain.RoleAdmin: true, domain.RoleHumanResource: true},
	ActionDeletePerson:  {domain.RoleAdmin: true},
	ActionListPersons:   {domain.RoleProjectManager: true, domain.RoleAdmin: true, domain.RoleHumanResource: true},
	ActionIssueToken:    {domain.RoleAdmin: true},
	ActionViewAnyPerson: {domain.RoleProjectManager: true, domain.RoleAdmin: true, domain.RoleHumanResource: true},
}

// Allowed reports whether role is granted action.
func Allowed(role domain.Role, action Action) bool {
	return grants[action][role]
}

// Require returns an authorization error unless the actor's role is granted action.
func Require(actor domain.Actor, action Action) error {
	if actor.ID == "" {
		return apperr.New(apperr.KindUnauthenticated, apperr.CodeUnauthorized, "actor required")
	}
	if !Allowed(actor.Role, action) {
		return apperr.Unauthorized("role %s may not perform %s", roleOrNone(actor.Role), action).With("action", string(action))
	}
	return nil
}

func roleOrNone(r domain.Role) string {
	if r == "" {
		return "none"
	}
	return string(r)
}

// Service resolves caller identities against the person store.
type Service struct {
	Repo repo.Repo
}

// ResolveActor loads the person behind id. The role always comes from the
// store, never from the caller.
func (s Service) ResolveActor(ctx context.Context, id string) (domain.Actor, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return domain.Actor{}, apperr.New(apperr.KindUnauthenticated, apperr.CodeUnauthorized, "actor required")
	}
	p, err := s.Repo.GetPerson(ctx, id)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return domain.Actor{}, apperr.New(apperr.KindUnauthenticated, apperr.CodeUnauthorized, "unknown actor %s", id)
		}
		return domain.Actor{}, err
	}
	return p.Actor(), nil
}
