package repo

import (
	"context"
	"database/sql"
	"strings"

	"inspectline/internal/domain"
)

const incidentColumns = `id,COALESCE(reference_number,''),employee_id,location_id,date,COALESCE(time,''),COALESCE(incident_type,''),in_charge_json,
service_types_json,manpower_json,material_json,equipment_json,on_spot_action_json,action_plan_json,COALESCE(staff_comment,''),attachments_json,
COALESCE(employee_signature,''),status,COALESCE(manager_decision,''),COALESCE(manager_comment,''),COALESCE(manager_signature,''),
COALESCE(finalized_date,''),invoice_status,version,created_at,updated_at`

func scanIncident(s rowScanner) (domain.Incident, error) {
	var inc domain.Incident
	var inCharge, services, manpower, material, equipment, onSpot, plan, attachments sql.NullString
	err := s.Scan(&inc.ID, &inc.ReferenceNumber, &inc.EmployeeID, &inc.LocationID, &inc.Date, &inc.Time, &inc.IncidentType, &inCharge,
		&services, &manpower, &material, &equipment, &onSpot, &plan, &inc.StaffComment, &attachments,
		&inc.EmployeeSignature, &inc.Status, &inc.ManagerDecision, &inc.ManagerComment, &inc.ManagerSignature,
		&inc.FinalizedDate, &inc.InvoiceStatus, &inc.Version, &inc.CreatedAt, &inc.UpdatedAt)
	if err == sql.ErrNoRows {
		return inc, ErrNotFound
	}
	if err != nil {
		return inc, err
	}
	decode := []struct {
		raw   sql.NullString
		dst   any
		field string
	}{
		{inCharge, &inc.InCharge, "in_charge_json"},
		{services, &inc.ServiceTypes, "service_types_json"},
		{manpower, &inc.ManpowerDiscrepancy, "manpower_json"},
		{material, &inc.MaterialDiscrepancy, "material_json"},
		{equipment, &inc.EquipmentDiscrepancy, "equipment_json"},
		{onSpot, &inc.OnSpotAction, "on_spot_action_json"},
		{plan, &inc.ActionPlan, "action_plan_json"},
		{attachments, &inc.Attachments, "attachments_json"},
	}
	for _, d := range decode {
		if err := unmarshalJSON(d.raw, d.dst, d.field); err != nil {
			return inc, err
		}
	}
	return inc, nil
}

// incidentArrays encodes the list fields in column order.
func incidentArrays(inc domain.Incident) ([]any, error) {
	lists := [][]string{
		inc.ServiceTypes,
		inc.ManpowerDiscrepancy,
		inc.MaterialDiscrepancy,
		inc.EquipmentDiscrepancy,
		inc.OnSpotAction,
		inc.ActionPlan,
		inc.Attachments,
	}
	out := make([]any, 0, len(lists))
	for _, l := range lists {
		s, err := marshalJSON(stringsOrEmpty(l))
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, nil
}

func (r Repo) InsertIncident(ctx context.Context, tx *sql.Tx, inc domain.Incident) error {
	inCharge, err := marshalJSON(inc.InCharge)
	if err != nil {
		return err
	}
	arrays, err := incidentArrays(inc)
	if err != nil {
		return err
	}
	args := []any{inc.ID, nullable(inc.ReferenceNumber), inc.EmployeeID, inc.LocationID, inc.Date, nullable(inc.Time),
		nullable(string(inc.IncidentType)), inCharge}
	args = append(args, arrays[:6]...)
	args = append(args, nullable(inc.StaffComment), arrays[6], nullable(inc.EmployeeSignature), string(inc.Status),
		nullable(string(inc.ManagerDecision)), nullable(inc.ManagerComment), nullable(inc.ManagerSignature), nullable(inc.FinalizedDate),
		string(inc.InvoiceStatus), inc.Version, inc.CreatedAt, inc.UpdatedAt)
	_, err = r.q(tx).ExecContext(ctx, `INSERT INTO incidents(id,reference_number,employee_id,location_id,date,time,incident_type,in_charge_json,
service_types_json,manpower_json,material_json,equipment_json,on_spot_action_json,action_plan_json,staff_comment,attachments_json,
employee_signature,status,manager_decision,manager_comment,manager_signature,finalized_date,invoice_status,version,created_at,updated_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`, args...)
	return err
}

// UpdateIncident writes inc if the stored row is still at expectedVersion.
func (r Repo) UpdateIncident(ctx context.Context, tx *sql.Tx, inc domain.Incident, expectedVersion int) error {
	inCharge, err := marshalJSON(inc.InCharge)
	if err != nil {
		return err
	}
	arrays, err := incidentArrays(inc)
	if err != nil {
		return err
	}
	args := []any{nullable(inc.ReferenceNumber), inc.Date, nullable(inc.Time), nullable(string(inc.IncidentType)), inCharge}
	args = append(args, arrays[:6]...)
	args = append(args, nullable(inc.StaffComment), arrays[6], nullable(inc.EmployeeSignature), string(inc.Status),
		nullable(string(inc.ManagerDecision)), nullable(inc.ManagerComment), nullable(inc.ManagerSignature), nullable(inc.FinalizedDate),
		string(inc.InvoiceStatus), inc.Version, inc.UpdatedAt, inc.ID, expectedVersion)
	res, err := r.q(tx).ExecContext(ctx, `UPDATE incidents SET reference_number=?, date=?, time=?, incident_type=?, in_charge_json=?,
service_types_json=?, manpower_json=?, material_json=?, equipment_json=?, on_spot_action_json=?, action_plan_json=?,
staff_comment=?, attachments_json=?, employee_signature=?, status=?, manager_decision=?, manager_comment=?, manager_signature=?,
finalized_date=?, invoice_status=?, version=?, updated_at=?
WHERE id=? AND version=?`, args...)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrStale
	}
	return nil
}

func (r Repo) GetIncident(ctx context.Context, id string) (domain.Incident, error) {
	return scanIncident(r.DB.QueryRowContext(ctx, `SELECT `+incidentColumns+` FROM incidents WHERE id=?`, id))
}

func (r Repo) GetIncidentTx(ctx context.Context, tx *sql.Tx, id string) (domain.Incident, error) {
	return scanIncident(tx.QueryRowContext(ctx, `SELECT `+incidentColumns+` FROM incidents WHERE id=?`, id))
}

type IncidentFilters struct {
	Status        domain.IncidentStatus
	LocationID    string
	EmployeeID    string
	InvoiceStatus domain.InvoiceSynthesis
	Limit         int
}

func (r Repo) ListIncidents(ctx context.Context, f IncidentFilters) ([]domain.Incident, error) {
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
	if f.EmployeeID != "" {
		clauses = append(clauses, "employee_id=?")
		args = append(args, f.EmployeeID)
	}
	if f.InvoiceStatus != "" {
		clauses = append(clauses, "invoice_status=?")
		args = append(args, string(f.InvoiceStatus))
	}
	where := ""
	if len(clauses) > 0 {
		where = " WHERE " + strings.Join(clauses, " AND ")
	}
	query, args := limitClause(`SELECT `+incidentColumns+` FROM incidents`+where+` ORDER BY created_at DESC, id DESC`, args, f.Limit)
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Incident
	for rows.Next() {
		inc, err := scanIncident(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, inc)
	}
	return res, rows.Err()
}
