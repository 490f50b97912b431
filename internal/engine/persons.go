package engine

import (
	"context"
	"database/sql"
	"log/slog"
	"strings"

	"taskdesk/internal/apperr"
	"taskdesk/internal/domain"
	"taskdesk/internal/engine/auth"
	"taskdesk/internal/repo"
)

// CreatePersonOptions are parameters for registering personnel.
type CreatePersonOptions struct {
	ID          string
	Name        string
	Email       string
	Role        string
	Skills      []string
	Experience  int
	SuccessRate float64
	Actor       domain.Actor
}

// CreatePerson registers a person. An empty ID is replaced by the next
// role-prefixed sequence (DEV001, PM001, ...). Only admins may create admins.
func (e Engine) CreatePerson(ctx context.Context, opts CreatePersonOptions) (domain.Person, error) {
	if err := auth.Require(opts.Actor, auth.ActionCreatePerson); err != nil {
		return domain.Person{}, err
	}
	p, err := e.buildPerson(opts)
	if err != nil {
		return domain.Person{}, err
	}
	if p.Role == domain.RoleAdmin && opts.Actor.Role != domain.RoleAdmin {
		return domain.Person{}, apperr.Unauthorized("only an admin may create admins")
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Person{}, err
	}
	defer tx.Rollback()
	if err := e.insertPerson(ctx, tx, &p); err != nil {
		return domain.Person{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Person{}, err
	}
	e.Logger.Info("person created", slog.String("person_id", p.ID), slog.String("role", string(p.Role)), slog.String("actor", opts.Actor.ID))
	return p, nil
}

func (e Engine) buildPerson(opts CreatePersonOptions) (domain.Person, error) {
	name := strings.TrimSpace(opts.Name)
	if name == "" {
		return domain.Person{}, apperr.Validation(apperr.CodeBadRequest, "name is required").With("field", "name")
	}
	role, err := domain.ParseRole(opts.Role)
	if err != nil {
		return domain.Person{}, apperr.Validation(apperr.CodeBadRequest, "%v", err).With("field", "role")
	}
	if opts.Experience < 0 {
		return domain.Person{}, apperr.Validation(apperr.CodeBadRequest, "experience must not be negative").With("field", "experience")
	}
	if opts.SuccessRate < 0 || opts.SuccessRate > 100 {
		return domain.Person{}, apperr.Validation(apperr.CodeBadRequest, "success rate must be between 0 and 100").With("field", "success_rate")
	}
	id := strings.TrimSpace(opts.ID)
	if id != "" {
		if err := validateID("person id", id); err != nil {
			return domain.Person{}, err
		}
	}
	email := strings.ToLower(strings.TrimSpace(opts.Email))
	if email != "" && !strings.Contains(email, "@") {
		return domain.Person{}, apperr.Validation(apperr.CodeBadRequest, "email %q is not valid", opts.Email).With("field", "email")
	}
	return domain.Person{
		ID:          id,
		Name:        name,
		Email:       email,
		Role:        role,
		Skills:      normalizeSkills(opts.Skills),
		Experience:  opts.Experience,
		SuccessRate: opts.SuccessRate,
		CreatedAt:   e.timestamp(),
	}, nil
}

func (e Engine) insertPerson(ctx context.Context, tx *sql.Tx, p *domain.Person) error {
	if p.ID == "" {
		id, err := e.Repo.NextPersonIDTx(ctx, tx, p.Role.IDPrefix())
		if err != nil {
			return err
		}
		p.ID = id
	} else if _, err := e.Repo.GetPersonTx(ctx, tx, p.ID); err == nil {
		return apperr.Conflict(apperr.CodeDuplicatePerson, "person %s already exists", p.ID)
	} else if err != repo.ErrNotFound {
		return err
	}
	taken, err := e.Repo.PersonEmailTakenTx(ctx, tx, p.Email, p.ID)
	if err != nil {
		return err
	}
	if taken {
		return apperr.Conflict(apperr.CodeDuplicatePerson, "email %s is already registered", p.Email)
	}
	if err := e.Repo.InsertPersonTx(ctx, tx, *p); err != nil {
		if repo.IsUniqueViolation(err) {
			return apperr.Conflict(apperr.CodeDuplicatePerson, "person %s already exists", p.ID)
		}
		return err
	}
	return nil
}

// GetPerson returns a person. Developers may only look themselves up.
func (e Engine) GetPerson(ctx context.Context, actor domain.Actor, id string) (domain.Person, error) {
	if actor.ID != id {
		if err := auth.Require(actor, auth.ActionViewAnyPerson); err != nil {
			return domain.Person{}, err
		}
	}
	p, err := e.Repo.GetPerson(ctx, id)
	if err != nil {
		return domain.Person{}, notFoundAs(err, apperr.CodePersonNotFound, "person %s not found", id)
	}
	return p, nil
}

func (e Engine) ListPersons(ctx context.Context, actor domain.Actor, f repo.PersonFilters) ([]domain.Person, error) {
	if err := auth.Require(actor, auth.ActionListPersons); err != nil {
		return nil, err
	}
	return e.Repo.ListPersons(ctx, f)
}

// UpdatePersonOptions carry the fields to change; nil leaves a field as is.
type UpdatePersonOptions struct {
	ID         string
	Name       *string
	Email      *string
	Role       *string
	Skills     *[]string
	Experience *int
	Actor      domain.Actor
}

// UpdatePerson edits a person's profile. Counters maintained by approvals
// cannot be edited. Only admins may touch admins or grant the admin role,
// and nobody may change their own role.
func (e Engine) UpdatePerson(ctx context.Context, opts UpdatePersonOptions) (domain.Person, error) {
	if err := auth.Require(opts.Actor, auth.ActionUpdatePerson); err != nil {
		return domain.Person{}, err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Person{}, err
	}
	defer tx.Rollback()
	cur, err := e.Repo.GetPersonTx(ctx, tx, opts.ID)
	if err != nil {
		return domain.Person{}, notFoundAs(err, apperr.CodePersonNotFound, "person %s not found", opts.ID)
	}
	if cur.Role == domain.RoleAdmin && opts.Actor.Role != domain.RoleAdmin {
		return domain.Person{}, apperr.Unauthorized("only an admin may edit admins")
	}

	next := CreatePersonOptions{
		Name:        cur.Name,
		Email:       cur.Email,
		Role:        string(cur.Role),
		Skills:      cur.Skills,
		Experience:  cur.Experience,
		SuccessRate: cur.SuccessRate,
	}
	if opts.Name != nil {
		next.Name = *opts.Name
	}
	if opts.Email != nil {
		next.Email = *opts.Email
	}
	if opts.Role != nil {
		next.Role = *opts.Role
	}
	if opts.Skills != nil {
		next.Skills = *opts.Skills
	}
	if opts.Experience != nil {
		next.Experience = *opts.Experience
	}
	p, err := e.buildPerson(next)
	if err != nil {
		return domain.Person{}, err
	}
	if p.Role != cur.Role {
		if cur.ID == opts.Actor.ID {
			return domain.Person{}, apperr.Conflict(apperr.CodeBadRequest, "refusing to change the acting person's role")
		}
		if p.Role == domain.RoleAdmin && opts.Actor.Role != domain.RoleAdmin {
			return domain.Person{}, apperr.Unauthorized("only an admin may grant the admin role")
		}
	}
	p.ID = cur.ID
	p.TasksCompleted = cur.TasksCompleted
	p.CreatedAt = cur.CreatedAt

	taken, err := e.Repo.PersonEmailTakenTx(ctx, tx, p.Email, p.ID)
	if err != nil {
		return domain.Person{}, err
	}
	if taken {
		return domain.Person{}, apperr.Conflict(apperr.CodeDuplicatePerson, "email %s is already registered", p.Email)
	}
	if err := e.Repo.UpdatePersonTx(ctx, tx, p); err != nil {
		if repo.IsUniqueViolation(err) {
			return domain.Person{}, apperr.Conflict(apperr.CodeDuplicatePerson, "email %s is already registered", p.Email)
		}
		return domain.Person{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Person{}, err
	}
	e.Logger.Info("person updated", slog.String("person_id", p.ID), slog.String("actor", opts.Actor.ID))
	return p, nil
}

// DeletePerson removes a person after unassigning every task they hold.
// It returns the number of tasks left unassigned.
func (e Engine) DeletePerson(ctx context.Context, actor domain.Actor, id string) (int, error) {
	if err := auth.Require(actor, auth.ActionDeletePerson); err != nil {
		return 0, err
	}
	if id == actor.ID {
		return 0, apperr.Conflict(apperr.CodeBadRequest, "refusing to delete the acting person")
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()
	if _, err := e.Repo.GetPersonTx(ctx, tx, id); err != nil {
		return 0, notFoundAs(err, apperr.CodePersonNotFound, "person %s not found", id)
	}
	n, err := e.UnassignAllTasksFor(ctx, tx, id)
	if err != nil {
		return 0, err
	}
	if err := e.Repo.DeletePersonTx(ctx, tx, id); err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	e.Logger.Info("person deleted", slog.String("person_id", id), slog.Int("unassigned_tasks", n), slog.String("actor", actor.ID))
	return n, nil
}

// UnassignAllTasksFor clears the assignee of every task held by personID
// within tx. Tasks keep their status.
func (e Engine) UnassignAllTasksFor(ctx context.Context, tx *sql.Tx, personID string) (int, error) {
	return e.Repo.UnassignAllTasksForTx(ctx, tx, personID, e.timestamp())
}

// SeedPerson inserts a person without an acting caller. It is used to
// bootstrap the first admin of an empty store.
func (e Engine) SeedPerson(ctx context.Context, opts CreatePersonOptions) (domain.Person, error) {
	p, err := e.buildPerson(opts)
	if err != nil {
		return domain.Person{}, err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Person{}, err
	}
	defer tx.Rollback()
	if err := e.insertPerson(ctx, tx, &p); err != nil {
		return domain.Person{}, err
	}
	return p, tx.Commit()
}
