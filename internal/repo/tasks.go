package repo

import (
	"context"
	"database/sql"
	"strings"

	"taskdesk/internal/domain"
)

const taskColumns = `id,title,description,project_type,complexity,priority,skills_json,status,assigned_to,assigned_by,assigned_at,
start_date,due_date,completion_date,submitted_at,success_rating,feedback,spec_path,spec_original_name,spec_size_bytes,created_at,updated_at`

type TaskFilters struct {
	Status     domain.Status
	AssignedTo string
}

func scanTask(row scanner) (domain.Task, error) {
	var (
		t                                 domain.Task
		desc, assignedTo, feedback        sql.NullString
		start, due, completion, submitted sql.NullString
		rating                            sql.NullInt64
		complexity, priority, status      string
		skills                            string
	)
	err := row.Scan(&t.ID, &t.Title, &desc, &t.ProjectType, &complexity, &priority, &skills, &status, &assignedTo, &t.AssignedBy, &t.AssignedAt,
		&start, &due, &completion, &submitted, &rating, &feedback, &t.SpecPath, &t.SpecOriginalName, &t.SpecSizeBytes, &t.CreatedAt, &t.UpdatedAt)
	if err == sql.ErrNoRows {
		return t, ErrNotFound
	}
	if err != nil {
		return t, err
	}
	t.Description = desc.String
	t.Feedback = feedback.String
	t.Complexity = domain.Level(complexity)
	t.Priority = domain.Level(priority)
	t.Status = domain.Status(status)
	t.AssignedTo = ptrFromNull(assignedTo)
	t.StartDate = ptrFromNull(start)
	t.DueDate = ptrFromNull(due)
	t.CompletionDate = ptrFromNull(completion)
	t.SubmittedAt = ptrFromNull(submitted)
	if rating.Valid {
		v := int(rating.Int64)
		t.SuccessRating = &v
	}
	t.Skills, err = unmarshalSkills(skills)
	return t, err
}

func (r Repo) InsertTaskTx(ctx context.Context, tx *sql.Tx, t domain.Task) error {
	skills, err := marshalSkills(t.Skills)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO tasks(`+taskColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		t.ID, t.Title, nullable(t.Description), t.ProjectType, string(t.Complexity), string(t.Priority), skills, string(t.Status),
		nullablePtr(t.AssignedTo), t.AssignedBy, t.AssignedAt,
		nullablePtr(t.StartDate), nullablePtr(t.DueDate), nullablePtr(t.CompletionDate), nullablePtr(t.SubmittedAt),
		nullableInt(t.SuccessRating), nullable(t.Feedback), t.SpecPath, t.SpecOriginalName, t.SpecSizeBytes, t.CreatedAt, t.UpdatedAt)
	return err
}

// UpdateTaskStateTx writes the lifecycle fields of t. Identity, assignment
// provenance and the specification archive are never rewritten.
func (r Repo) UpdateTaskStateTx(ctx context.Context, tx *sql.Tx, t domain.Task) error {
	res, err := tx.ExecContext(ctx, `UPDATE tasks SET status=?, start_date=?, completion_date=?, submitted_at=?, success_rating=?, feedback=?, updated_at=?
WHERE id=?`,
		string(t.Status), nullablePtr(t.StartDate), nullablePtr(t.CompletionDate), nullablePtr(t.SubmittedAt),
		nullableInt(t.SuccessRating), nullable(t.Feedback), t.UpdatedAt, t.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) GetTask(ctx context.Context, id string) (domain.Task, error) {
	return getTask(ctx, r.DB, id)
}

func (r Repo) GetTaskTx(ctx context.Context, tx *sql.Tx, id string) (domain.Task, error) {
	return getTask(ctx, tx, id)
}

func getTask(ctx context.Context, q querier, id string) (domain.Task, error) {
	return scanTask(q.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id=?`, id))
}

func (r Repo) TaskExistsTx(ctx context.Context, tx *sql.Tx, id string) (bool, error) {
	var n int
	err := tx.QueryRowContext(ctx, `SELECT 1 FROM tasks WHERE id=?`, id).Scan(&n)
	if err == sql.ErrNoRows {
		return false, nil
	}
	return err == nil, err
}

func (r Repo) ListTasks(ctx context.Context, f TaskFilters) ([]domain.Task, error) {
	var (
		clauses []string
		args    []any
	)
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, string(f.Status))
	}
	if f.AssignedTo != "" {
		clauses = append(clauses, "assigned_to=?")
		args = append(args, f.AssignedTo)
	}
	query := `SELECT ` + taskColumns + ` FROM tasks`
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY created_at DESC, id"
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

// UnassignAllTasksForTx clears assigned_to on every task of personID and
// returns the number of tasks touched.
func (r Repo) UnassignAllTasksForTx(ctx context.Context, tx *sql.Tx, personID, now string) (int, error) {
	res, err := tx.ExecContext(ctx, `UPDATE tasks SET assigned_to=NULL, updated_at=? WHERE assigned_to=?`, now, personID)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}
