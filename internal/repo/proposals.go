package repo

import (
	"context"
	"database/sql"
	"strings"

	"inspectline/internal/domain"
)

const proposalColumns = `id,location_id,inspector_id,due_date,priority,reason,last_score,created_at`

func scanProposal(s rowScanner) (domain.TaskProposal, error) {
	var p domain.TaskProposal
	var score sql.NullFloat64
	err := s.Scan(&p.ID, &p.LocationID, &p.InspectorID, &p.DueDate, &p.Priority, &p.Reason, &score, &p.CreatedAt)
	if err == sql.ErrNoRows {
		return p, ErrNotFound
	}
	if err != nil {
		return p, err
	}
	if score.Valid {
		v := score.Float64
		p.LastScore = &v
	}
	return p, nil
}

// ReplaceProposals swaps the whole unpublished batch for batch, keeping its order.
func (r Repo) ReplaceProposals(ctx context.Context, tx *sql.Tx, batch []domain.TaskProposal) error {
	if _, err := tx.ExecContext(ctx, `DELETE FROM task_proposals`); err != nil {
		return err
	}
	for i, p := range batch {
		if err := r.insertProposal(ctx, tx, p, i); err != nil {
			return err
		}
	}
	return nil
}

// AppendProposal adds p at the end of the batch.
func (r Repo) AppendProposal(ctx context.Context, tx *sql.Tx, p domain.TaskProposal) error {
	var next int
	if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(position),-1)+1 FROM task_proposals`).Scan(&next); err != nil {
		return err
	}
	return r.insertProposal(ctx, tx, p, next)
}

func (r Repo) insertProposal(ctx context.Context, tx *sql.Tx, p domain.TaskProposal, position int) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO task_proposals(`+proposalColumns+`,position) VALUES (?,?,?,?,?,?,?,?,?)`,
		p.ID, p.LocationID, p.InspectorID, p.DueDate, string(p.Priority), string(p.Reason), nullableFloatPtr(p.LastScore), p.CreatedAt, position)
	return err
}

func (r Repo) UpdateProposal(ctx context.Context, tx *sql.Tx, p domain.TaskProposal) error {
	res, err := tx.ExecContext(ctx, `UPDATE task_proposals SET inspector_id=?, due_date=?, priority=? WHERE id=?`,
		p.InspectorID, p.DueDate, string(p.Priority), p.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) DeleteProposal(ctx context.Context, tx *sql.Tx, id string) error {
	res, err := r.q(tx).ExecContext(ctx, `DELETE FROM task_proposals WHERE id=?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteProposalsForLocations drops batch rows for locations that just
// received a published task.
func (r Repo) DeleteProposalsForLocations(ctx context.Context, tx *sql.Tx, locationIDs []string) error {
	if len(locationIDs) == 0 {
		return nil
	}
	marks := strings.TrimSuffix(strings.Repeat("?,", len(locationIDs)), ",")
	args := make([]any, len(locationIDs))
	for i, id := range locationIDs {
		args[i] = id
	}
	_, err := tx.ExecContext(ctx, `DELETE FROM task_proposals WHERE location_id IN (`+marks+`)`, args...)
	return err
}

func (r Repo) GetProposalTx(ctx context.Context, tx *sql.Tx, id string) (domain.TaskProposal, error) {
	return scanProposal(tx.QueryRowContext(ctx, `SELECT `+proposalColumns+` FROM task_proposals WHERE id=?`, id))
}

func (r Repo) ListProposals(ctx context.Context) ([]domain.TaskProposal, error) {
	return r.listProposals(ctx, nil)
}

func (r Repo) ListProposalsTx(ctx context.Context, tx *sql.Tx) ([]domain.TaskProposal, error) {
	return r.listProposals(ctx, tx)
}

func (r Repo) listProposals(ctx context.Context, tx *sql.Tx) ([]domain.TaskProposal, error) {
	rows, err := r.q(tx).QueryContext(ctx, `SELECT `+proposalColumns+` FROM task_proposals ORDER BY position ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.TaskProposal
	for rows.Next() {
		p, err := scanProposal(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, p)
	}
	return res, rows.Err()
}
