package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"gigline/internal/config"
	"gigline/internal/db"
	"gigline/internal/engine"
	"gigline/internal/migrate"
	"gigline/internal/repo"
)

// Open prepares a workspace for use: the SQLite database is opened, pending
// migrations are applied and the marketplace config is resolved.
func Open(ctx context.Context, workspace string) (*sql.DB, *config.Config, error) {
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return nil, nil, fmt.Errorf("open database: %w", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		conn.Close()
		return nil, nil, fmt.Errorf("apply migrations: %w", err)
	}
	cfg, err := resolveConfig(ctx, workspace, repo.Repo{DB: conn})
	if err != nil {
		conn.Close()
		return nil, nil, err
	}
	return conn, cfg, nil
}

// Engine opens the workspace and returns a ready engine.
func Engine(ctx context.Context, workspace string) (engine.Engine, error) {
	conn, cfg, err := Open(ctx, workspace)
	if err != nil {
		return engine.Engine{}, err
	}
	return engine.New(conn, cfg), nil
}

// resolveConfig prefers gigline.yml in the workspace; the database copy is a
// fallback for serve-only hosts. The file, when present, is the source of
// truth and refreshes the stored copy.
func resolveConfig(ctx context.Context, workspace string, r repo.Repo) (*config.Config, error) {
	cfg, err := config.LoadOptional(workspace)
	if err != nil {
		return nil, err
	}
	if cfg != nil {
		if err := r.UpsertMarketplaceConfig(ctx, cfg); err != nil {
			return nil, fmt.Errorf("store config: %w", err)
		}
		return cfg, nil
	}
	cfg, err = r.GetMarketplaceConfig(ctx)
	if err == nil {
		return cfg, nil
	}
	if !errors.Is(err, repo.ErrNotFound) {
		return nil, err
	}
	seed := config.Default("gigline")
	if err := r.UpsertMarketplaceConfig(ctx, seed); err != nil {
		return nil, fmt.Errorf("seed config: %w", err)
	}
	return seed, nil
}
