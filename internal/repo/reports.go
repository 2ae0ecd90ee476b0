package repo

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	"inspectline/internal/domain"
)

// ErrStale reports a compare-and-swap update that matched no row at the
// expected version.
var ErrStale = errors.New("stale version")

type rowScanner interface {
	Scan(dest ...any) error
}

const reportColumns = `id,COALESCE(reference_number,''),inspector_id,location_id,date,status,items_json,template_json,
COALESCE(supervisor_comment,''),COALESCE(rectification_actions,''),rectification_photos_json,COALESCE(rectification_feedback,''),
version,created_at,updated_at`

func scanReport(s rowScanner) (domain.InspectionReport, error) {
	var rep domain.InspectionReport
	var items, tpl, photos sql.NullString
	err := s.Scan(&rep.ID, &rep.ReferenceNumber, &rep.InspectorID, &rep.LocationID, &rep.Date, &rep.Status, &items, &tpl,
		&rep.SupervisorComment, &rep.RectificationActions, &photos, &rep.RectificationFeedback,
		&rep.Version, &rep.CreatedAt, &rep.UpdatedAt)
	if err == sql.ErrNoRows {
		return rep, ErrNotFound
	}
	if err != nil {
		return rep, err
	}
	if err := unmarshalJSON(items, &rep.Items, "items_json"); err != nil {
		return rep, err
	}
	if err := unmarshalJSON(tpl, &rep.Template, "template_json"); err != nil {
		return rep, err
	}
	if err := unmarshalJSON(photos, &rep.RectificationPhotos, "rectification_photos_json"); err != nil {
		return rep, err
	}
	return rep, nil
}

func reportJSON(rep domain.InspectionReport) (items, tpl string, photos any, err error) {
	if items, err = marshalJSON(rep.Items); err != nil {
		return
	}
	if tpl, err = marshalJSON(rep.Template); err != nil {
		return
	}
	if len(rep.RectificationPhotos) > 0 {
		var p string
		if p, err = marshalJSON(rep.RectificationPhotos); err != nil {
			return
		}
		photos = p
	}
	return
}

func (r Repo) InsertReport(ctx context.Context, tx *sql.Tx, rep domain.InspectionReport) error {
	items, tpl, photos, err := reportJSON(rep)
	if err != nil {
		return err
	}
	_, err = r.q(tx).ExecContext(ctx, `INSERT INTO reports(id,reference_number,inspector_id,location_id,date,status,items_json,template_json,
supervisor_comment,rectification_actions,rectification_photos_json,rectification_feedback,version,created_at,updated_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		rep.ID, nullable(rep.ReferenceNumber), rep.InspectorID, rep.LocationID, rep.Date, string(rep.Status), items, tpl,
		nullable(rep.SupervisorComment), nullable(rep.RectificationActions), photos, nullable(rep.RectificationFeedback),
		rep.Version, rep.CreatedAt, rep.UpdatedAt)
	return err
}

// UpdateReport writes rep if the stored row is still at expectedVersion.
func (r Repo) UpdateReport(ctx context.Context, tx *sql.Tx, rep domain.InspectionReport, expectedVersion int) error {
	items, _, photos, err := reportJSON(rep)
	if err != nil {
		return err
	}
	res, err := r.q(tx).ExecContext(ctx, `UPDATE reports SET reference_number=?, status=?, items_json=?, supervisor_comment=?,
rectification_actions=?, rectification_photos_json=?, rectification_feedback=?, version=?, updated_at=?
WHERE id=? AND version=?`,
		nullable(rep.ReferenceNumber), string(rep.Status), items, nullable(rep.SupervisorComment),
		nullable(rep.RectificationActions), photos, nullable(rep.RectificationFeedback), rep.Version, rep.UpdatedAt,
		rep.ID, expectedVersion)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrStale
	}
	return nil
}

func (r Repo) GetReport(ctx context.Context, id string) (domain.InspectionReport, error) {
	return scanReport(r.DB.QueryRowContext(ctx, `SELECT `+reportColumns+` FROM reports WHERE id=?`, id))
}

func (r Repo) GetReportTx(ctx context.Context, tx *sql.Tx, id string) (domain.InspectionReport, error) {
	return scanReport(tx.QueryRowContext(ctx, `SELECT `+reportColumns+` FROM reports WHERE id=?`, id))
}

type ReportFilters struct {
	Status      domain.ReportStatus
	LocationID  string
	InspectorID string
	Limit       int
}

func (r Repo) ListReports(ctx context.Context, f ReportFilters) ([]domain.InspectionReport, error) {
	var clauses []string
	var args []any
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, string(f.Status))
	}
	if f.LocationID != "" {
		clauses = append(clauses, "location_id=?")
		args = append(args, f.LocationID)
	}
	if f.InspectorID != "" {
		clauses = append(clauses, "inspector_id=?")
		args = append(args, f.InspectorID)
	}
	where := ""
	if len(clauses) > 0 {
		where = " WHERE " + strings.Join(clauses, " AND ")
	}
	query, args := limitClause(`SELECT `+reportColumns+` FROM reports`+where+` ORDER BY created_at DESC, id DESC`, args, f.Limit)
	return r.collectReports(ctx, nil, query, args...)
}

// LatestVisits returns the most recent report per location. Drafts count
// once submitted: a report reopened for re-verification keeps its
// reference number and still records the visit.
func (r Repo) LatestVisits(ctx context.Context, tx *sql.Tx) (map[string]domain.InspectionReport, error) {
	reports, err := r.collectReports(ctx, tx, `SELECT `+reportColumns+` FROM reports
WHERE status<>? OR reference_number IS NOT NULL
ORDER BY location_id, date DESC, created_at DESC, id DESC`,
		string(domain.ReportDraft))
	if err != nil {
		return nil, err
	}
	latest := make(map[string]domain.InspectionReport)
	for _, rep := range reports {
		if _, ok := latest[rep.LocationID]; !ok {
			latest[rep.LocationID] = rep
		}
	}
	return latest, nil
}

func (r Repo) collectReports(ctx context.Context, tx *sql.Tx, query string, args ...any) ([]domain.InspectionReport, error) {
	rows, err := r.q(tx).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.InspectionReport
	for rows.Next() {
		rep, err := scanReport(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, rep)
	}
	return res, rows.Err()
}
