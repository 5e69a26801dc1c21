package app

import (
	"context"
	"database/sql"
	"fmt"

	"payline/internal/config"
	"payline/internal/db"
	"payline/internal/engine"
	"payline/internal/migrate"
)

// Ledger is an opened workspace: the database, its config and an engine
// bound to both.
type Ledger struct {
	DB     *sql.DB
	Config *config.Config
	Engine engine.Engine
}

func (l *Ledger) Close() error {
	if l == nil || l.DB == nil {
		return nil
	}
	return l.DB.Close()
}

// Open prepares a workspace for use: it creates the database if needed,
// migrates it, loads payline.yml (defaults when absent) and seeds the RBAC
// roles and grants the config declares.
func Open(ctx context.Context, workspace string) (*Ledger, error) {
	cfg, err := config.LoadOrDefault(workspace)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return OpenWithConfig(ctx, workspace, cfg)
}

func OpenWithConfig(ctx context.Context, workspace string, cfg *config.Config) (*Ledger, error) {
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return nil, err
	}
	if err := migrate.MigrateContext(ctx, conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	e := engine.New(conn, cfg)
	if err := e.SeedRBAC(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("seed rbac: %w", err)
	}
	return &Ledger{DB: conn, Config: cfg, Engine: e}, nil
}
