// Package app wires the workspace config into the store at startup.
package app

import (
	"context"
	"fmt"
	"time"

	"inspectline/internal/config"
	"inspectline/internal/domain"
	"inspectline/internal/repo"
)

// SeedActors mirrors config users into the actors table so auth and
// foreign keys see the current roster. Users removed from config stay in the
// table but are marked inactive.
func SeedActors(ctx context.Context, r repo.Repo, cfg *config.Config) error {
	if cfg == nil {
		return fmt.Errorf("config not loaded")
	}
	now := time.Now().UTC().Format(time.RFC3339)
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	known := make(map[string]bool, len(cfg.Users))
	for _, u := range cfg.Users {
		known[u.ID] = true
		a := domain.Actor{ID: u.ID, Name: u.Name, Role: u.Role, Active: u.IsActive(), CreatedAt: now}
		if err := r.UpsertActor(ctx, tx, a); err != nil {
			return fmt.Errorf("seed actor %s: %w", u.ID, err)
		}
	}
	rows, err := tx.QueryContext(ctx, `SELECT id FROM actors WHERE active=1`)
	if err != nil {
		return err
	}
	var stale []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return err
		}
		if !known[id] {
			stale = append(stale, id)
		}
	}
	rows.Close()
	for _, id := range stale {
		if _, err := tx.ExecContext(ctx, `UPDATE actors SET active=0 WHERE id=?`, id); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// Bootstrap loads the workspace config and seeds actors from it.
func Bootstrap(ctx context.Context, workspace string, r repo.Repo) (*config.Config, error) {
	cfg, err := config.Load(workspace)
	if err != nil {
		return nil, err
	}
	if err := SeedActors(ctx, r, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}
