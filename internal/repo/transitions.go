package repo

import (
	"context"
	"database/sql"
	"fmt"
)

// TransitionKey identifies one requested transition for replay detection.
type TransitionKey struct {
	Kind        string
	RecordID    string
	ToStatus    string
	ActorID     string
	FromVersion int
}

// FindTransition reports whether key was already applied and the version it produced.
func (r Repo) FindTransition(ctx context.Context, tx *sql.Tx, key TransitionKey) (bool, int, error) {
	var resultVersion int
	err := r.q(tx).QueryRowContext(ctx, `SELECT result_version FROM transitions
WHERE record_kind=? AND record_id=? AND to_status=? AND actor_id=? AND from_version=?`,
		key.Kind, key.RecordID, key.ToStatus, key.ActorID, key.FromVersion).Scan(&resultVersion)
	if err == sql.ErrNoRows {
		return false, 0, nil
	}
	if err != nil {
		return false, 0, err
	}
	return true, resultVersion, nil
}

func (r Repo) RecordTransition(ctx context.Context, tx *sql.Tx, key TransitionKey, resultVersion int, ts string) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO transitions(record_kind,record_id,to_status,actor_id,from_version,result_version,ts)
VALUES (?,?,?,?,?,?,?)`, key.Kind, key.RecordID, key.ToStatus, key.ActorID, key.FromVersion, resultVersion, ts)
	return err
}

// NextSequence increments and returns the named counter.
func (r Repo) NextSequence(ctx context.Context, tx *sql.Tx, name string) (int, error) {
	var v int
	err := tx.QueryRowContext(ctx, `INSERT INTO sequences(name,value) VALUES (?,1)
ON CONFLICT(name) DO UPDATE SET value=value+1 RETURNING value`, name).Scan(&v)
	if err != nil {
		return 0, fmt.Errorf("sequence %s: %w", name, err)
	}
	return v, nil
}
