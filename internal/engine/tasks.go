package engine

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"taskdesk/internal/apperr"
	"taskdesk/internal/assign"
	"taskdesk/internal/domain"
	"taskdesk/internal/engine/auth"
	"taskdesk/internal/filestore"
	"taskdesk/internal/metrics"
	"taskdesk/internal/repo"
)

// CreateTaskOptions are parameters for creating a task.
type CreateTaskOptions struct {
	ID          string
	Title       string
	Description string
	ProjectType string
	Complexity  string
	Priority    string
	Skills      []string
	DueDate     string
	Actor       domain.Actor
	Spec        *filestore.Upload
}

// CreateTask validates the request, picks an assignee, stores the
// specification archive and inserts the task, all or nothing.
func (e Engine) CreateTask(ctx context.Context, opts CreateTaskOptions) (domain.Task, assign.Recommendation, error) {
	t, rec, err := e.createTask(ctx, opts)
	result := "ok"
	if err != nil {
		result = apperr.CodeOf(err)
		if result == "" {
			result = "error"
		}
	}
	metrics.TasksCreatedTotal.WithLabelValues(result).Inc()
	return t, rec, err
}

func (e Engine) createTask(ctx context.Context, opts CreateTaskOptions) (domain.Task, assign.Recommendation, error) {
	if err := auth.Require(opts.Actor, auth.ActionCreateTask); err != nil {
		return domain.Task{}, assign.Recommendation{}, err
	}
	t, err := e.buildTask(opts)
	if err != nil {
		return domain.Task{}, assign.Recommendation{}, err
	}
	if opts.Spec == nil || opts.Spec.Reader == nil {
		return domain.Task{}, assign.Recommendation{}, apperr.Validation(apperr.CodeMissingSpecFile, "a specification archive is required")
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Task{}, assign.Recommendation{}, err
	}
	defer tx.Rollback()

	exists, err := e.Repo.TaskExistsTx(ctx, tx, t.ID)
	if err != nil {
		return domain.Task{}, assign.Recommendation{}, err
	}
	if exists {
		return domain.Task{}, assign.Recommendation{}, apperr.Conflict(apperr.CodeDuplicateTaskID, "task %s already exists", t.ID).With("task_id", t.ID)
	}

	candidates, err := e.Repo.ListPersonsTx(ctx, tx, repo.PersonFilters{Role: domain.RoleDeveloper})
	if err != nil {
		return domain.Task{}, assign.Recommendation{}, err
	}
	counts, err := e.Repo.ActiveTaskCountsTx(ctx, tx)
	if err != nil {
		return domain.Task{}, assign.Recommendation{}, err
	}
	rec, ok := e.recommend(t.Skills, candidates, counts)
	if !ok {
		return domain.Task{}, assign.Recommendation{}, apperr.Validation(apperr.CodeNoSuitableAssignee, "no developer satisfies the workload cap and skill floor").
			With("skills", t.Skills)
	}

	stored, err := e.Files.Store(t.ID, filestore.NamespaceTasks, *opts.Spec)
	if err != nil {
		return domain.Task{}, assign.Recommendation{}, err
	}
	committed := false
	defer func() {
		if !committed {
			e.discardFile(stored.Path)
		}
	}()

	assignee := rec.PersonID
	t.AssignedTo = &assignee
	t.SpecPath = stored.Path
	t.SpecOriginalName = stored.OriginalName
	t.SpecSizeBytes = stored.Size
	if err := e.Repo.InsertTaskTx(ctx, tx, t); err != nil {
		if repo.IsUniqueViolation(err) {
			return domain.Task{}, assign.Recommendation{}, apperr.Conflict(apperr.CodeDuplicateTaskID, "task %s already exists", t.ID)
		}
		return domain.Task{}, assign.Recommendation{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Task{}, assign.Recommendation{}, err
	}
	committed = true
	e.Logger.Info("task created",
		slog.String("task_id", t.ID),
		slog.String("assigned_to", assignee),
		slog.Float64("score", rec.Score),
		slog.String("actor", opts.Actor.ID))
	return t, rec, nil
}

func (e Engine) buildTask(opts CreateTaskOptions) (domain.Task, error) {
	id := strings.TrimSpace(opts.ID)
	if err := validateID("task id", id); err != nil {
		return domain.Task{}, err
	}
	title := strings.TrimSpace(opts.Title)
	projectType := strings.TrimSpace(opts.ProjectType)
	if projectType == "" {
		return domain.Task{}, apperr.Validation(apperr.CodeBadRequest, "project type is required").With("field", "project_type")
	}
	complexity, err := domain.ParseLevel(defaultLevel(opts.Complexity))
	if err != nil {
		return domain.Task{}, apperr.Validation(apperr.CodeBadRequest, "complexity: %v", err).With("field", "complexity")
	}
	priority, err := domain.ParseLevel(defaultLevel(opts.Priority))
	if err != nil {
		return domain.Task{}, apperr.Validation(apperr.CodeBadRequest, "priority: %v", err).With("field", "priority")
	}
	due, err := parseDueDate(opts.DueDate)
	if err != nil {
		return domain.Task{}, err
	}
	skills := normalizeSkills(opts.Skills)
	if len(skills) == 0 {
		skills = normalizeSkills(assign.SkillsForProjectType(e.Config.ProjectTypes, projectType))
	}
	now := e.timestamp()
	return domain.Task{
		ID:          id,
		Title:       title,
		Description: strings.TrimSpace(opts.Description),
		ProjectType: projectType,
		Complexity:  complexity,
		Priority:    priority,
		Skills:      skills,
		Status:      domain.StatusAssigned,
		AssignedBy:  opts.Actor.ID,
		AssignedAt:  now,
		DueDate:     due,
		CreatedAt:   now,
		UpdatedAt:   now,
	}, nil
}

func defaultLevel(s string) string {
	if strings.TrimSpace(s) == "" {
		return string(domain.LevelMedium)
	}
	return s
}

func parseDueDate(s string) (*string, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	for _, layout := range []string{"2006-01-02", time.RFC3339} {
		if ts, err := time.Parse(layout, s); err == nil {
			out := ts.Format(layout)
			return &out, nil
		}
	}
	return nil, apperr.Validation(apperr.CodeBadRequest, "due date %q must be YYYY-MM-DD or RFC3339", s).With("field", "due_date")
}

func (e Engine) recommend(skills []string, candidates []domain.Person, counts map[string]int) (assign.Recommendation, bool) {
	rec, ok := assign.Recommend(skills, candidates, func(p domain.Person) int { return counts[p.ID] }, e.Config.Policy())
	outcome := "found"
	if !ok {
		outcome = "none"
	}
	metrics.RecommendationsTotal.WithLabelValues(outcome).Inc()
	return rec, ok
}

// RecommendOptions describe a preview recommendation.
type RecommendOptions struct {
	Skills      []string
	ProjectType string
	Actor       domain.Actor
}

// Recommend previews the assignee CreateTask would pick, without writing.
func (e Engine) Recommend(ctx context.Context, opts RecommendOptions) (assign.Recommendation, bool, error) {
	if err := auth.Require(opts.Actor, auth.ActionRecommend); err != nil {
		return assign.Recommendation{}, false, err
	}
	skills := normalizeSkills(opts.Skills)
	if len(skills) == 0 && opts.ProjectType != "" {
		skills = normalizeSkills(assign.SkillsForProjectType(e.Config.ProjectTypes, opts.ProjectType))
	}
	candidates, err := e.Repo.ListPersons(ctx, repo.PersonFilters{Role: domain.RoleDeveloper})
	if err != nil {
		return assign.Recommendation{}, false, err
	}
	counts, err := e.Repo.ActiveTaskCounts(ctx)
	if err != nil {
		return assign.Recommendation{}, false, err
	}
	rec, ok := e.recommend(skills, candidates, counts)
	return rec, ok, nil
}

// GetTask returns a task visible to actor. Developers only see tasks
// assigned to them; anything else is reported as unauthorized so task ids
// cannot be discovered.
func (e Engine) GetTask(ctx context.Context, actor domain.Actor, id string) (domain.Task, error) {
	t, err := e.Repo.GetTask(ctx, id)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			if auth.Allowed(actor.Role, auth.ActionListTasks) {
				return domain.Task{}, apperr.NotFound(apperr.CodeTaskNotFound, "task %s not found", id)
			}
			return domain.Task{}, apperr.Unauthorized("task %s is not visible to %s", id, actor.ID)
		}
		return domain.Task{}, err
	}
	if err := canSeeTask(actor, t); err != nil {
		return domain.Task{}, err
	}
	return t, nil
}

// ListTasks lists tasks; developers are restricted to their own.
func (e Engine) ListTasks(ctx context.Context, actor domain.Actor, f repo.TaskFilters) ([]domain.Task, error) {
	switch {
	case auth.Allowed(actor.Role, auth.ActionListTasks):
	case actor.Role == domain.RoleDeveloper && actor.ID != "":
		f.AssignedTo = actor.ID
	default:
		return nil, apperr.Unauthorized("role %s may not list tasks", actor.Role)
	}
	return e.Repo.ListTasks(ctx, f)
}

func canSeeTask(actor domain.Actor, t domain.Task) error {
	if auth.Allowed(actor.Role, auth.ActionDownloadAny) {
		return nil
	}
	if actor.Role == domain.RoleDeveloper && actor.ID != "" && t.AssignedToID() == actor.ID {
		return nil
	}
	return apperr.Unauthorized("task %s is not visible to %s", t.ID, actor.ID)
}
