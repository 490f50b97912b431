package engine

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"math"

	"taskdesk/internal/apperr"
	"taskdesk/internal/domain"
	"taskdesk/internal/engine/auth"
	"taskdesk/internal/filestore"
	"taskdesk/internal/metrics"
	"taskdesk/internal/repo"
	"taskdesk/internal/submission"
)

// approvalRating is recorded on every approved task.
const approvalRating = 5

type guard int

const (
	guardAssignee guard = iota
	guardReviewer
)

type rule struct {
	guard           guard
	needsAttachment bool
	apply           func(e Engine, ctx context.Context, tx *sql.Tx, st *transitionState) error
}

// transitions is the complete lifecycle; pairs not listed are rejected.
var transitions = map[domain.Status]map[domain.Status]rule{
	domain.StatusAssigned: {
		domain.StatusInProgress: {guard: guardAssignee, apply: applyStart},
	},
	domain.StatusInProgress: {
		domain.StatusSubmitted: {guard: guardAssignee, needsAttachment: true, apply: applySubmit},
	},
	domain.StatusSubmitted: {
		domain.StatusCompleted: {guard: guardReviewer, apply: applyApprove},
		domain.StatusAssigned:  {guard: guardReviewer, apply: applyReject},
	},
}

// CanTransition reports whether from -> to is a legal lifecycle edge.
func CanTransition(from, to domain.Status) bool {
	_, ok := transitions[from][to]
	return ok
}

// TransitionOptions describe one lifecycle intent.
type TransitionOptions struct {
	TaskID     string
	Actor      domain.Actor
	Target     domain.Status
	Attachment *filestore.Upload
	Notes      string
	Feedback   string
}

type transitionState struct {
	task        domain.Task
	opts        TransitionOptions
	now         string
	stored      *filestore.StoredFile
	afterCommit []func()
}

// Transition moves a task along the lifecycle. The current status is read
// inside the transaction; on any error nothing is persisted and a
// deliverable written during the attempt is removed.
func (e Engine) Transition(ctx context.Context, opts TransitionOptions) (domain.Task, error) {
	t, err := e.transition(ctx, opts)
	result := "ok"
	if err != nil {
		result = apperr.CodeOf(err)
		if result == "" {
			result = "error"
		}
	}
	metrics.TransitionsTotal.WithLabelValues(string(opts.Target), result).Inc()
	return t, err
}

func (e Engine) transition(ctx context.Context, opts TransitionOptions) (domain.Task, error) {
	if _, err := domain.ParseStatus(string(opts.Target)); err != nil {
		return domain.Task{}, apperr.Validation(apperr.CodeBadRequest, "%v", err)
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Task{}, err
	}
	defer tx.Rollback()

	task, err := e.Repo.GetTaskTx(ctx, tx, opts.TaskID)
	reviewer := auth.Allowed(opts.Actor.Role, auth.ActionListTasks)
	if errors.Is(err, repo.ErrNotFound) && !reviewer {
		return domain.Task{}, apperr.Unauthorized("task %s is not visible to %s", opts.TaskID, opts.Actor.ID)
	}
	if err != nil {
		return domain.Task{}, notFoundAs(err, apperr.CodeTaskNotFound, "task %s not found", opts.TaskID)
	}
	if !reviewer {
		if err := canSeeTask(opts.Actor, task); err != nil {
			return domain.Task{}, apperr.Unauthorized("task %s is not visible to %s", task.ID, opts.Actor.ID).
				Wrapping(ErrInvalidTransition)
		}
	}
	r, ok := transitions[task.Status][opts.Target]
	if !ok {
		return domain.Task{}, apperr.Conflict(apperr.CodeInvalidTransition, "cannot move task %s from %s to %s", task.ID, task.Status, opts.Target).
			With("current_status", string(task.Status)).
			With("target_status", string(opts.Target)).
			Wrapping(ErrInvalidTransition)
	}
	if err := checkGuard(r.guard, opts.Actor, task); err != nil {
		return domain.Task{}, err
	}
	if r.needsAttachment && (opts.Attachment == nil || opts.Attachment.Reader == nil) {
		return domain.Task{}, apperr.Validation(apperr.CodeMissingAttachment, "a deliverable archive is required to submit").
			Wrapping(ErrInvalidTransition)
	}

	st := &transitionState{task: task, opts: opts, now: e.timestamp()}
	committed := false
	defer func() {
		if !committed && st.stored != nil {
			e.discardFile(st.stored.Path)
		}
	}()
	if err := r.apply(e, ctx, tx, st); err != nil {
		return domain.Task{}, err
	}
	st.task.Status = opts.Target
	st.task.UpdatedAt = st.now
	if err := e.Repo.UpdateTaskStateTx(ctx, tx, st.task); err != nil {
		return domain.Task{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Task{}, err
	}
	committed = true
	for _, fn := range st.afterCommit {
		fn()
	}
	e.Logger.Info("task transitioned",
		slog.String("task_id", task.ID),
		slog.String("from", string(task.Status)),
		slog.String("to", string(opts.Target)),
		slog.String("actor", opts.Actor.ID))
	return st.task, nil
}

func checkGuard(g guard, actor domain.Actor, t domain.Task) error {
	switch g {
	case guardAssignee:
		if actor.ID != "" && actor.ID == t.AssignedToID() {
			return nil
		}
		return apperr.Unauthorized("only the assignee may do this").
			With("task_id", t.ID).
			Wrapping(ErrInvalidTransition)
	case guardReviewer:
		if actor.Role.Reviewer() {
			return nil
		}
		return apperr.Unauthorized("only a project manager or admin may review").
			With("task_id", t.ID).
			Wrapping(ErrInvalidTransition)
	}
	return apperr.Unauthorized("transition not permitted").Wrapping(ErrInvalidTransition)
}

func applyStart(e Engine, _ context.Context, _ *sql.Tx, st *transitionState) error {
	now := st.now
	st.task.StartDate = &now
	return nil
}

func applySubmit(e Engine, ctx context.Context, tx *sql.Tx, st *transitionState) error {
	stored, err := e.Files.Store(st.task.ID, filestore.NamespaceSubmissions, *st.opts.Attachment)
	if err != nil {
		return err
	}
	st.stored = &stored
	_, cleanup, err := e.Submissions.RecordOrReplaceTx(ctx, tx, submission.Record{
		TaskID:      st.task.ID,
		DeveloperID: st.opts.Actor.ID,
		File:        stored,
		Notes:       st.opts.Notes,
	})
	if err != nil {
		return err
	}
	st.afterCommit = append(st.afterCommit, cleanup)
	now := st.now
	st.task.SubmittedAt = &now
	return nil
}

func applyApprove(e Engine, ctx context.Context, tx *sql.Tx, st *transitionState) error {
	now := st.now
	rating := approvalRating
	st.task.CompletionDate = &now
	st.task.SuccessRating = &rating
	assignee := st.task.AssignedToID()
	if assignee == "" {
		return nil
	}
	p, err := e.Repo.GetPersonTx(ctx, tx, assignee)
	if errors.Is(err, repo.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	completed, rate := ApprovalStats(p.TasksCompleted, p.SuccessRate)
	return e.Repo.UpdatePersonStatsTx(ctx, tx, p.ID, completed, rate)
}

// ApprovalStats folds one more successful task into a running success rate.
// The rate is stored unrounded; callers round for display.
func ApprovalStats(tasksCompleted int, successRate float64) (int, float64) {
	n := tasksCompleted + 1
	rate := (successRate*float64(n-1) + 100) / float64(n)
	return n, math.Max(0, math.Min(rate, 100))
}

func applyReject(e Engine, _ context.Context, _ *sql.Tx, st *transitionState) error {
	st.task.SubmittedAt = nil
	st.task.CompletionDate = nil
	st.task.SuccessRating = nil
	if st.opts.Feedback != "" {
		st.task.Feedback = st.opts.Feedback
	}
	return nil
}

// Start moves an assigned task to in_progress.
func (e Engine) Start(ctx context.Context, taskID string, actor domain.Actor) (domain.Task, error) {
	return e.Transition(ctx, TransitionOptions{TaskID: taskID, Actor: actor, Target: domain.StatusInProgress})
}

// Submit stores the deliverable and moves the task to submitted.
func (e Engine) Submit(ctx context.Context, taskID string, actor domain.Actor, deliverable *filestore.Upload, notes string) (domain.Task, error) {
	return e.Transition(ctx, TransitionOptions{TaskID: taskID, Actor: actor, Target: domain.StatusSubmitted, Attachment: deliverable, Notes: notes})
}

// Approve completes a submitted task and credits the assignee.
func (e Engine) Approve(ctx context.Context, taskID string, actor domain.Actor) (domain.Task, error) {
	return e.Transition(ctx, TransitionOptions{TaskID: taskID, Actor: actor, Target: domain.StatusCompleted})
}

// Reject sends a submitted task back to assigned with optional feedback.
func (e Engine) Reject(ctx context.Context, taskID string, actor domain.Actor, feedback string) (domain.Task, error) {
	return e.Transition(ctx, TransitionOptions{TaskID: taskID, Actor: actor, Target: domain.StatusAssigned, Feedback: feedback})
}
