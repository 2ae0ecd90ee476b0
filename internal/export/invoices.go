// Package export renders penalty invoices as spreadsheet workbooks for the
// finance team.
package export

import (
	"fmt"
	"io"

	"github.com/xuri/excelize/v2"

	"inspectline/internal/domain"
)

const (
	InvoicesSheet = "Invoices"
	ItemsSheet    = "Items"
	ContentType   = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
)

var (
	invoiceHeadings = []string{"Invoice", "CDR", "Generated", "Location", "Inspector", "Currency", "Total", "Status"}
	itemHeadings    = []string{"Invoice", "CDR", "Category", "Description", "Amount"}
)

// WriteInvoices writes one summary row per invoice and one row per priced
// item to w.
func WriteInvoices(w io.Writer, invoices []domain.PenaltyInvoice) error {
	f := excelize.NewFile()
	defer f.Close()

	if err := f.SetSheetName("Sheet1", InvoicesSheet); err != nil {
		return err
	}
	if _, err := f.NewSheet(ItemsSheet); err != nil {
		return err
	}
	if err := writeRow(f, InvoicesSheet, 1, toAny(invoiceHeadings)); err != nil {
		return err
	}
	if err := writeRow(f, ItemsSheet, 1, toAny(itemHeadings)); err != nil {
		return err
	}

	itemRow := 2
	for i, inv := range invoices {
		row := []any{
			inv.ID,
			inv.CDRReference,
			inv.DateGenerated,
			inv.LocationName,
			inv.InspectorName,
			inv.Currency,
			inv.TotalAmount.InexactFloat64(),
			inv.Status,
		}
		if err := writeRow(f, InvoicesSheet, i+2, row); err != nil {
			return err
		}
		for _, it := range inv.Items {
			if err := writeRow(f, ItemsSheet, itemRow, []any{inv.ID, inv.CDRReference, it.Category, it.Description, it.Amount.InexactFloat64()}); err != nil {
				return err
			}
			itemRow++
		}
	}
	return f.Write(w)
}

func writeRow(f *excelize.File, sheet string, row int, values []any) error {
	for col, v := range values {
		cell, err := excelize.CoordinatesToCellName(col+1, row)
		if err != nil {
			return err
		}
		if err := f.SetCellValue(sheet, cell, v); err != nil {
			return fmt.Errorf("%s!%s: %w", sheet, cell, err)
		}
	}
	return nil
}

func toAny(in []string) []any {
	out := make([]any, len(in))
	for i, s := range in {
		out[i] = s
	}
	return out
}
