package engine

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"time"

	"taskdesk/internal/apperr"
	"taskdesk/internal/domain"
	"taskdesk/internal/repo"
)

// Download is an open archive ready to stream. The caller closes File.
type Download struct {
	File    *os.File
	Name    string
	Size    int64
	ModTime time.Time
}

// DownloadSpec opens the specification archive of a task.
func (e Engine) DownloadSpec(ctx context.Context, taskID string, actor domain.Actor) (Download, error) {
	t, err := e.GetTask(ctx, actor, taskID)
	if err != nil {
		return Download{}, err
	}
	if t.SpecPath == "" {
		return Download{}, apperr.NotFound(apperr.CodeNoFile, "task %s has no specification archive", taskID)
	}
	return e.open(t.ID, t.SpecPath, t.SpecOriginalName)
}

// DownloadSubmission opens the live deliverable of a task.
func (e Engine) DownloadSubmission(ctx context.Context, taskID string, actor domain.Actor) (Download, error) {
	sub, err := e.GetSubmission(ctx, taskID, actor)
	if err != nil {
		return Download{}, err
	}
	return e.open(taskID, sub.Path, sub.OriginalName)
}

// GetSubmission returns the submission metadata of a task visible to actor.
func (e Engine) GetSubmission(ctx context.Context, taskID string, actor domain.Actor) (domain.Submission, error) {
	if _, err := e.GetTask(ctx, actor, taskID); err != nil {
		return domain.Submission{}, err
	}
	sub, err := e.Submissions.Get(ctx, taskID)
	if errors.Is(err, repo.ErrNotFound) {
		return domain.Submission{}, apperr.NotFound(apperr.CodeNoSubmission, "task %s has no submission", taskID)
	}
	return sub, err
}

func (e Engine) open(taskID, stored, name string) (Download, error) {
	f, info, err := e.Files.Open(stored)
	if err != nil {
		if apperr.Is(err, apperr.KindPathViolation) {
			e.Logger.Error("refusing download outside upload root",
				slog.String("task_id", taskID),
				slog.String("path", stored))
		}
		return Download{}, err
	}
	return Download{
		File:    f,
		Name:    name,
		Size:    info.Size(),
		ModTime: info.ModTime(),
	}, nil
}
