package repo

import (
	"context"
	"database/sql"
	"errors"

	"inspectline/internal/domain"
)

// UpsertActor inserts or refreshes an actor. The creation time is kept on update.
func (r Repo) UpsertActor(ctx context.Context, tx *sql.Tx, a domain.Actor) error {
	if a.ID == "" {
		return errors.New("actor id required")
	}
	_, err := r.q(tx).ExecContext(ctx, `INSERT INTO actors(id,name,role,active,created_at) VALUES (?,?,?,?,?)
ON CONFLICT(id) DO UPDATE SET name=excluded.name, role=excluded.role, active=excluded.active`,
		a.ID, a.Name, string(a.Role), boolInt(a.Active), a.CreatedAt)
	return err
}

func (r Repo) GetActor(ctx context.Context, id string) (domain.Actor, error) {
	return r.getActor(ctx, nil, id)
}

func (r Repo) GetActorTx(ctx context.Context, tx *sql.Tx, id string) (domain.Actor, error) {
	return r.getActor(ctx, tx, id)
}

func (r Repo) getActor(ctx context.Context, tx *sql.Tx, id string) (domain.Actor, error) {
	var a domain.Actor
	var active int
	err := r.q(tx).QueryRowContext(ctx, `SELECT id,name,role,active,created_at FROM actors WHERE id=?`, id).
		Scan(&a.ID, &a.Name, &a.Role, &active, &a.CreatedAt)
	if err == sql.ErrNoRows {
		return a, ErrNotFound
	}
	if err != nil {
		return a, err
	}
	a.Active = active == 1
	return a, nil
}

func (r Repo) ListActors(ctx context.Context, role domain.Role) ([]domain.Actor, error) {
	query := `SELECT id,name,role,active,created_at FROM actors`
	var args []any
	if role != "" {
		query += ` WHERE role=?`
		args = append(args, string(role))
	}
	query += ` ORDER BY id`
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Actor
	for rows.Next() {
		var a domain.Actor
		var active int
		if err := rows.Scan(&a.ID, &a.Name, &a.Role, &active, &a.CreatedAt); err != nil {
			return nil, err
		}
		a.Active = active == 1
		res = append(res, a)
	}
	return res, rows.Err()
}
