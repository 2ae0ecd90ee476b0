package repo

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/shopspring/decimal"

	"inspectline/internal/domain"
)

const invoiceColumns = `id,cdr_id,cdr_reference,date_generated,location_name,inspector_name,items_json,total_amount,currency,status`

func scanInvoice(s rowScanner) (domain.PenaltyInvoice, error) {
	var inv domain.PenaltyInvoice
	var items sql.NullString
	var total string
	err := s.Scan(&inv.ID, &inv.CDRID, &inv.CDRReference, &inv.DateGenerated, &inv.LocationName, &inv.InspectorName, &items, &total, &inv.Currency, &inv.Status)
	if err == sql.ErrNoRows {
		return inv, ErrNotFound
	}
	if err != nil {
		return inv, err
	}
	if err := unmarshalJSON(items, &inv.Items, "items_json"); err != nil {
		return inv, err
	}
	amount, err := decimal.NewFromString(total)
	if err != nil {
		return inv, fmt.Errorf("decode total_amount: %w", err)
	}
	inv.TotalAmount = amount
	return inv, nil
}

// InsertInvoice stores an invoice. The cdr_id column is unique, so a second
// invoice for the same incident fails.
func (r Repo) InsertInvoice(ctx context.Context, tx *sql.Tx, inv domain.PenaltyInvoice) error {
	items, err := marshalJSON(inv.Items)
	if err != nil {
		return err
	}
	_, err = r.q(tx).ExecContext(ctx, `INSERT INTO invoices(`+invoiceColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?)`,
		inv.ID, inv.CDRID, inv.CDRReference, inv.DateGenerated, inv.LocationName, inv.InspectorName, items,
		inv.TotalAmount.String(), inv.Currency, inv.Status)
	return err
}

func (r Repo) GetInvoiceByIncident(ctx context.Context, cdrID string) (domain.PenaltyInvoice, error) {
	return scanInvoice(r.DB.QueryRowContext(ctx, `SELECT `+invoiceColumns+` FROM invoices WHERE cdr_id=?`, cdrID))
}

func (r Repo) GetInvoiceByIncidentTx(ctx context.Context, tx *sql.Tx, cdrID string) (domain.PenaltyInvoice, error) {
	return scanInvoice(tx.QueryRowContext(ctx, `SELECT `+invoiceColumns+` FROM invoices WHERE cdr_id=?`, cdrID))
}

func (r Repo) ListInvoices(ctx context.Context, status string, limit int) ([]domain.PenaltyInvoice, error) {
	query := `SELECT ` + invoiceColumns + ` FROM invoices`
	var args []any
	if status != "" {
		query += ` WHERE status=?`
		args = append(args, status)
	}
	query, args = limitClause(query+` ORDER BY date_generated DESC, id DESC`, args, limit)
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.PenaltyInvoice
	for rows.Next() {
		inv, err := scanInvoice(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, inv)
	}
	return res, rows.Err()
}
