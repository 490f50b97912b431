// Package submission keeps the single live deliverable record per task.
package submission

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"time"

	"taskdesk/internal/apperr"
	"taskdesk/internal/domain"
	"taskdesk/internal/filestore"
	"taskdesk/internal/repo"
)

type Registry struct {
	DB     *sql.DB
	Repo   repo.Repo
	Files  *filestore.FileStore
	Logger *slog.Logger
	Now    func() time.Time
}

func New(db *sql.DB, files *filestore.FileStore, logger *slog.Logger) Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return Registry{
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Files:  files,
		Logger: logger.With(slog.String("component", "submission")),
		Now:    time.Now,
	}
}

// Record is a deliverable already written by the file store.
type Record struct {
	TaskID      string
	DeveloperID string
	File        filestore.StoredFile
	Notes       string
}

func (r Registry) now() time.Time {
	if r.Now != nil {
		return r.Now()
	}
	return time.Now()
}

// RecordOrReplaceTx records rec as the task's live submission inside tx,
// replacing any previous row in place. The developer must be the task's
// current assignee. The returned cleanup removes the superseded file and
// must only be called after tx commits.
func (r Registry) RecordOrReplaceTx(ctx context.Context, tx *sql.Tx, rec Record) (domain.Submission, func(), error) {
	noop := func() {}
	task, err := r.Repo.GetTaskTx(ctx, tx, rec.TaskID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return domain.Submission{}, noop, apperr.NotFound(apperr.CodeTaskNotFound, "task %s not found", rec.TaskID)
		}
		return domain.Submission{}, noop, err
	}
	if rec.DeveloperID == "" || task.AssignedToID() != rec.DeveloperID {
		return domain.Submission{}, noop, apperr.Unauthorized("%s is not assigned to task %s", rec.DeveloperID, rec.TaskID)
	}
	sub := domain.Submission{
		TaskID:       rec.TaskID,
		DeveloperID:  rec.DeveloperID,
		Path:         rec.File.Path,
		OriginalName: rec.File.OriginalName,
		SizeBytes:    rec.File.Size,
		SubmittedAt:  r.now().UTC().Format(time.RFC3339),
		Notes:        rec.Notes,
	}
	prior, err := r.Repo.GetSubmissionTx(ctx, tx, rec.TaskID)
	switch {
	case errors.Is(err, repo.ErrNotFound):
		id, err := r.Repo.InsertSubmissionTx(ctx, tx, sub)
		if err != nil {
			return domain.Submission{}, noop, err
		}
		sub.ID = id
		return sub, noop, nil
	case err != nil:
		return domain.Submission{}, noop, err
	}
	if err := r.Repo.UpdateSubmissionTx(ctx, tx, sub); err != nil {
		return domain.Submission{}, noop, err
	}
	sub.ID = prior.ID
	if prior.Path == "" || prior.Path == sub.Path {
		return sub, noop, nil
	}
	return sub, func() { r.discard(prior.Path) }, nil
}

// RecordOrReplace runs RecordOrReplaceTx in its own transaction.
func (r Registry) RecordOrReplace(ctx context.Context, rec Record) (domain.Submission, error) {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Submission{}, err
	}
	defer tx.Rollback()
	sub, cleanup, err := r.RecordOrReplaceTx(ctx, tx, rec)
	if err != nil {
		return domain.Submission{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Submission{}, err
	}
	cleanup()
	return sub, nil
}

func (r Registry) Get(ctx context.Context, taskID string) (domain.Submission, error) {
	return r.Repo.GetSubmission(ctx, taskID)
}

// discard deletes a stored file; failures are logged and otherwise ignored.
func (r Registry) discard(stored string) {
	if r.Files == nil {
		return
	}
	if err := r.Files.Remove(stored); err != nil {
		r.Logger.Warn("failed to remove superseded deliverable", slog.String("path", stored), slog.Any("error", err))
	}
}
