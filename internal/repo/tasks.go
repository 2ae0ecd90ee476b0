package repo

import (
	"context"
	"database/sql"
	"strings"

	"inspectline/internal/domain"
)

const taskColumns = `id,location_id,inspector_id,due_date,priority,reason,status,generated_date,linked_report_id`

func scanTask(s rowScanner) (domain.InspectionTask, error) {
	var t domain.InspectionTask
	var linked sql.NullString
	err := s.Scan(&t.ID, &t.LocationID, &t.InspectorID, &t.DueDate, &t.Priority, &t.Reason, &t.Status, &t.GeneratedDate, &linked)
	if err == sql.ErrNoRows {
		return t, ErrNotFound
	}
	if err != nil {
		return t, err
	}
	if linked.Valid {
		t.LinkedReportID = &linked.String
	}
	return t, nil
}

func (r Repo) InsertTask(ctx context.Context, tx *sql.Tx, t domain.InspectionTask) error {
	_, err := r.q(tx).ExecContext(ctx, `INSERT INTO tasks(`+taskColumns+`) VALUES (?,?,?,?,?,?,?,?,?)`,
		t.ID, t.LocationID, t.InspectorID, t.DueDate, string(t.Priority), string(t.Reason), string(t.Status), t.GeneratedDate,
		nullableStringPtr(t.LinkedReportID))
	return err
}

func (r Repo) GetTask(ctx context.Context, id string) (domain.InspectionTask, error) {
	return scanTask(r.DB.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id=?`, id))
}

func (r Repo) GetTaskTx(ctx context.Context, tx *sql.Tx, id string) (domain.InspectionTask, error) {
	return scanTask(tx.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id=?`, id))
}

type TaskFilters struct {
	Status      domain.TaskStatus
	InspectorID string
	LocationID  string
	Limit       int
}

func (r Repo) ListTasks(ctx context.Context, f TaskFilters) ([]domain.InspectionTask, error) {
	return r.listTasks(ctx, nil, f)
}

func (r Repo) listTasks(ctx context.Context, tx *sql.Tx, f TaskFilters) ([]domain.InspectionTask, error) {
	var clauses []string
	var args []any
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, string(f.Status))
	}
	if f.InspectorID != "" {
		clauses = append(clauses, "inspector_id=?")
		args = append(args, f.InspectorID)
	}
	if f.LocationID != "" {
		clauses = append(clauses, "location_id=?")
		args = append(args, f.LocationID)
	}
	where := ""
	if len(clauses) > 0 {
		where = " WHERE " + strings.Join(clauses, " AND ")
	}
	query, args := limitClause(`SELECT `+taskColumns+` FROM tasks`+where+` ORDER BY due_date ASC, id ASC`, args, f.Limit)
	rows, err := r.q(tx).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.InspectionTask
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

// PendingLocations returns the set of locations holding a pending task.
func (r Repo) PendingLocations(ctx context.Context, tx *sql.Tx) (map[string]bool, error) {
	rows, err := r.q(tx).QueryContext(ctx, `SELECT DISTINCT location_id FROM tasks WHERE status=?`, string(domain.TaskPending))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make(map[string]bool)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out[id] = true
	}
	return out, rows.Err()
}

// CompletePendingTask closes the pending task for a location, preferring one
// assigned to inspectorID, and links it to the report. It returns the task
// id or "" when the location had no pending task.
func (r Repo) CompletePendingTask(ctx context.Context, tx *sql.Tx, locationID, inspectorID, reportID string) (string, error) {
	var id string
	err := tx.QueryRowContext(ctx, `SELECT id FROM tasks WHERE location_id=? AND status=?
ORDER BY CASE WHEN inspector_id=? THEN 0 ELSE 1 END, due_date ASC, id ASC LIMIT 1`,
		locationID, string(domain.TaskPending), inspectorID).Scan(&id)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	if _, err := tx.ExecContext(ctx, `UPDATE tasks SET status=?, linked_report_id=? WHERE id=?`,
		string(domain.TaskCompleted), reportID, id); err != nil {
		return "", err
	}
	return id, nil
}
