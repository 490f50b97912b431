package app

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"log/slog"

	"taskdesk/internal/config"
	"taskdesk/internal/db"
	"taskdesk/internal/domain"
	"taskdesk/internal/engine"
	"taskdesk/internal/filestore"
	"taskdesk/internal/migrate"
)

// BootstrapAdminID is the person seeded into an empty store.
const BootstrapAdminID = "ADM001"

// Env bundles everything a command or the server needs for one workspace.
type Env struct {
	Workspace string
	DB        *sql.DB
	Config    *config.Config
	Logger    *slog.Logger
	Files     *filestore.FileStore
	Engine    engine.Engine
}

func (e *Env) Close() error {
	if e == nil || e.DB == nil {
		return nil
	}
	return e.DB.Close()
}

// Open loads the workspace config, opens and migrates the database and
// builds the file store and engine. Logs go to logOut.
func Open(ctx context.Context, workspace string, logOut io.Writer) (*Env, error) {
	cfg, err := config.Load(workspace)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	logger := config.SetupLogger(cfg, logOut)
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if _, err := migrate.Migrate(ctx, conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	files, err := filestore.New(cfg.UploadRoot(workspace), cfg.Storage.MaxArchiveBytes, logger)
	if err != nil {
		conn.Close()
		return nil, err
	}
	return &Env{
		Workspace: workspace,
		DB:        conn,
		Config:    cfg,
		Logger:    logger,
		Files:     files,
		Engine:    engine.New(conn, cfg, files, logger),
	}, nil
}

// Bootstrap seeds a single admin when the person store is empty, so the
// first tokens can be issued. It reports whether a person was created.
func (e *Env) Bootstrap(ctx context.Context, name string) (domain.Person, bool, error) {
	n, err := e.Engine.Repo.CountPersons(ctx)
	if err != nil {
		return domain.Person{}, false, err
	}
	if n > 0 {
		return domain.Person{}, false, nil
	}
	if name == "" {
		name = "admin"
	}
	p, err := e.Engine.SeedPerson(ctx, engine.CreatePersonOptions{
		ID:   BootstrapAdminID,
		Name: name,
		Role: string(domain.RoleAdmin),
	})
	if err != nil {
		return domain.Person{}, false, err
	}
	e.Logger.Info("bootstrap admin created", slog.String("person_id", p.ID))
	return p, true, nil
}
