// Package app wires the pieces of a careline workspace together: database,
// migrations, config and engine. The CLI commands all boot through here.
package app

import (
	"context"
	"database/sql"
	"fmt"
	"log"

	"careline/internal/config"
	"careline/internal/db"
	"careline/internal/engine"
	"careline/internal/migrate"
)

// App holds the booted pieces of a workspace.
type App struct {
	DB     *sql.DB
	Config *config.Config
	Engine *engine.Engine
}

// Open boots a workspace: opens the database, applies migrations, loads
// config (falling back to defaults when careline.yml is absent) and builds
// the engine around sender. Callers own Close.
func Open(workspace string, sender engine.Sender) (*App, error) {
	cfg, err := config.LoadOptional(workspace)
	if err != nil {
		return nil, err
	}
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return &App{
		DB:     conn,
		Config: cfg,
		Engine: engine.New(conn, cfg, sender),
	}, nil
}

// Recover re-arms timers for tasks that were live before the last shutdown.
func (a *App) Recover(ctx context.Context) error {
	n, err := a.Engine.Recover(ctx)
	if err != nil {
		return fmt.Errorf("recover timers: %w", err)
	}
	if n > 0 {
		log.Printf("careline: re-armed %d reminder(s) after restart", n)
	}
	return nil
}

// Close stops timers and closes the database.
func (a *App) Close() {
	a.Engine.Close()
	a.DB.Close()
}
