package engine

import (
	"database/sql"
	"errors"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"taskdesk/internal/apperr"
	"taskdesk/internal/config"
	"taskdesk/internal/filestore"
	"taskdesk/internal/repo"
	"taskdesk/internal/submission"
)

// ErrInvalidTransition is wrapped by every rejected lifecycle transition,
// whatever the reason (illegal pair, wrong actor, missing attachment).
var ErrInvalidTransition = errors.New("invalid transition")

var idPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]{0,63}$`)

type Engine struct {
	DB          *sql.DB
	Repo        repo.Repo
	Files       *filestore.FileStore
	Submissions submission.Registry
	Config      *config.Config
	Logger      *slog.Logger
	Now         func() time.Time
}

func New(db *sql.DB, cfg *config.Config, files *filestore.FileStore, logger *slog.Logger) Engine {
	if cfg == nil {
		cfg = config.Default()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return Engine{
		DB:          db,
		Repo:        repo.Repo{DB: db},
		Files:       files,
		Submissions: submission.New(db, files, logger),
		Config:      cfg,
		Logger:      logger.With(slog.String("component", "engine")),
		Now:         time.Now,
	}
}

// WithClock returns a copy of e whose timestamps come from now.
func (e Engine) WithClock(now func() time.Time) Engine {
	e.Now = now
	e.Submissions.Now = now
	if e.Files != nil {
		e.Files.SetClock(now)
	}
	return e
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) timestamp() string {
	return e.now().UTC().Format(time.RFC3339)
}

// discardFile removes a stored archive on a failure path; errors are logged.
func (e Engine) discardFile(stored string) {
	if e.Files == nil || stored == "" {
		return
	}
	if err := e.Files.Remove(stored); err != nil {
		e.Logger.Warn("failed to remove orphaned archive", slog.String("path", stored), slog.Any("error", err))
	}
}

func validateID(field, id string) error {
	if !idPattern.MatchString(id) {
		return apperr.Validation(apperr.CodeBadRequest, "%s must match %s", field, idPattern.String()).With("field", field)
	}
	return nil
}

func normalizeSkills(in []string) []string {
	seen := map[string]struct{}{}
	out := []string{}
	for _, s := range in {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}

func notFoundAs(err error, code, format string, args ...any) error {
	if errors.Is(err, repo.ErrNotFound) {
		return apperr.NotFound(code, format, args...)
	}
	return err
}
