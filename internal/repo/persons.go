package repo

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"

	"taskdesk/internal/domain"
)

const personColumns = `id,name,email,role,skills_json,experience,tasks_completed,success_rate,created_at`

type PersonFilters struct {
	Role domain.Role
}

func scanPerson(row scanner) (domain.Person, error) {
	var (
		p      domain.Person
		email  sql.NullString
		role   string
		skills string
	)
	if err := row.Scan(&p.ID, &p.Name, &email, &role, &skills, &p.Experience, &p.TasksCompleted, &p.SuccessRate, &p.CreatedAt); err != nil {
		if err == sql.ErrNoRows {
			return p, ErrNotFound
		}
		return p, err
	}
	p.Email = email.String
	p.Role = domain.Role(role)
	var err error
	p.Skills, err = unmarshalSkills(skills)
	return p, err
}

func (r Repo) InsertPersonTx(ctx context.Context, tx *sql.Tx, p domain.Person) error {
	skills, err := marshalSkills(p.Skills)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO persons(`+personColumns+`) VALUES (?,?,?,?,?,?,?,?,?)`,
		p.ID, p.Name, nullable(p.Email), string(p.Role), skills, p.Experience, p.TasksCompleted, p.SuccessRate, p.CreatedAt)
	return err
}

func (r Repo) GetPerson(ctx context.Context, id string) (domain.Person, error) {
	return getPerson(ctx, r.DB, id)
}

func (r Repo) GetPersonTx(ctx context.Context, tx *sql.Tx, id string) (domain.Person, error) {
	return getPerson(ctx, tx, id)
}

func getPerson(ctx context.Context, q querier, id string) (domain.Person, error) {
	return scanPerson(q.QueryRowContext(ctx, `SELECT `+personColumns+` FROM persons WHERE id=?`, id))
}

// PersonEmailTakenTx reports whether email belongs to a person other than exceptID.
func (r Repo) PersonEmailTakenTx(ctx context.Context, tx *sql.Tx, email, exceptID string) (bool, error) {
	if email == "" {
		return false, nil
	}
	var n int
	err := tx.QueryRowContext(ctx, `SELECT 1 FROM persons WHERE email=? AND id<>? LIMIT 1`, email, exceptID).Scan(&n)
	if err == sql.ErrNoRows {
		return false, nil
	}
	return err == nil, err
}

func (r Repo) ListPersons(ctx context.Context, f PersonFilters) ([]domain.Person, error) {
	return listPersons(ctx, r.DB, f)
}

func (r Repo) ListPersonsTx(ctx context.Context, tx *sql.Tx, f PersonFilters) ([]domain.Person, error) {
	return listPersons(ctx, tx, f)
}

// listPersons orders by id so candidate order, and with it tie-breaking, is stable.
func listPersons(ctx context.Context, q querier, f PersonFilters) ([]domain.Person, error) {
	query := `SELECT ` + personColumns + ` FROM persons`
	var args []any
	if f.Role != "" {
		query += ` WHERE role=?`
		args = append(args, string(f.Role))
	}
	query += ` ORDER BY id`
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Person
	for rows.Next() {
		p, err := scanPerson(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, p)
	}
	return res, rows.Err()
}

func (r Repo) CountPersons(ctx context.Context) (int, error) {
	var n int
	err := r.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM persons`).Scan(&n)
	return n, err
}

// UpdatePersonTx rewrites the editable profile fields. Counters and
// created_at are left alone.
func (r Repo) UpdatePersonTx(ctx context.Context, tx *sql.Tx, p domain.Person) error {
	skills, err := marshalSkills(p.Skills)
	if err != nil {
		return err
	}
	res, err := tx.ExecContext(ctx, `UPDATE persons SET name=?, email=?, role=?, skills_json=?, experience=? WHERE id=?`,
		p.Name, nullable(p.Email), string(p.Role), skills, p.Experience, p.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) UpdatePersonStatsTx(ctx context.Context, tx *sql.Tx, id string, tasksCompleted int, successRate float64) error {
	res, err := tx.ExecContext(ctx, `UPDATE persons SET tasks_completed=?, success_rate=? WHERE id=?`, tasksCompleted, successRate, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) DeletePersonTx(ctx context.Context, tx *sql.Tx, id string) error {
	res, err := tx.ExecContext(ctx, `DELETE FROM persons WHERE id=?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// NextPersonIDTx returns the next free "<prefix><NNN>" id, e.g. DEV004.
func (r Repo) NextPersonIDTx(ctx context.Context, tx *sql.Tx, prefix string) (string, error) {
	rows, err := tx.QueryContext(ctx, `SELECT id FROM persons WHERE id LIKE ?`, prefix+"%")
	if err != nil {
		return "", err
	}
	defer rows.Close()
	highest := 0
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return "", err
		}
		n, err := strconv.Atoi(strings.TrimPrefix(id, prefix))
		if err != nil {
			continue
		}
		if n > highest {
			highest = n
		}
	}
	if err := rows.Err(); err != nil {
		return "", err
	}
	return fmt.Sprintf("%s%03d", prefix, highest+1), nil
}

// ActiveTaskCountsTx counts assigned and in-progress tasks per assignee.
func (r Repo) ActiveTaskCountsTx(ctx context.Context, tx *sql.Tx) (map[string]int, error) {
	return activeTaskCounts(ctx, tx)
}

func (r Repo) ActiveTaskCounts(ctx context.Context) (map[string]int, error) {
	return activeTaskCounts(ctx, r.DB)
}

func activeTaskCounts(ctx context.Context, q querier) (map[string]int, error) {
	rows, err := q.QueryContext(ctx, `SELECT assigned_to, COUNT(*) FROM tasks
WHERE assigned_to IS NOT NULL AND status IN (?,?)
GROUP BY assigned_to`, string(domain.StatusAssigned), string(domain.StatusInProgress))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	counts := map[string]int{}
	for rows.Next() {
		var (
			id string
			n  int
		)
		if err := rows.Scan(&id, &n); err != nil {
			return nil, err
		}
		counts[id] = n
	}
	return counts, rows.Err()
}
