package repo

import (
	"context"
	"database/sql"

	"taskdesk/internal/domain"
)

const submissionColumns = `id,task_id,developer_id,path,original_name,size_bytes,submitted_at,notes`

func scanSubmission(row scanner) (domain.Submission, error) {
	var (
		s     domain.Submission
		notes sql.NullString
	)
	err := row.Scan(&s.ID, &s.TaskID, &s.DeveloperID, &s.Path, &s.OriginalName, &s.SizeBytes, &s.SubmittedAt, &notes)
	if err == sql.ErrNoRows {
		return s, ErrNotFound
	}
	s.Notes = notes.String
	return s, err
}

func (r Repo) GetSubmission(ctx context.Context, taskID string) (domain.Submission, error) {
	return getSubmission(ctx, r.DB, taskID)
}

func (r Repo) GetSubmissionTx(ctx context.Context, tx *sql.Tx, taskID string) (domain.Submission, error) {
	return getSubmission(ctx, tx, taskID)
}

func getSubmission(ctx context.Context, q querier, taskID string) (domain.Submission, error) {
	return scanSubmission(q.QueryRowContext(ctx, `SELECT `+submissionColumns+` FROM submissions WHERE task_id=?`, taskID))
}

func (r Repo) InsertSubmissionTx(ctx context.Context, tx *sql.Tx, s domain.Submission) (int64, error) {
	res, err := tx.ExecContext(ctx, `INSERT INTO submissions(task_id,developer_id,path,original_name,size_bytes,submitted_at,notes) VALUES (?,?,?,?,?,?,?)`,
		s.TaskID, s.DeveloperID, s.Path, s.OriginalName, s.SizeBytes, s.SubmittedAt, nullable(s.Notes))
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// UpdateSubmissionTx replaces the live row for s.TaskID in place.
func (r Repo) UpdateSubmissionTx(ctx context.Context, tx *sql.Tx, s domain.Submission) error {
	res, err := tx.ExecContext(ctx, `UPDATE submissions SET developer_id=?, path=?, original_name=?, size_bytes=?, submitted_at=?, notes=? WHERE task_id=?`,
		s.DeveloperID, s.Path, s.OriginalName, s.SizeBytes, s.SubmittedAt, nullable(s.Notes), s.TaskID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) CountSubmissions(ctx context.Context, taskID string) (int, error) {
	var n int
	err := r.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM submissions WHERE task_id=?`, taskID).Scan(&n)
	return n, err
}
