package export_test

import (
	"bytes"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/xuri/excelize/v2"

	"inspectline/internal/domain"
	"inspectline/internal/export"
)

func TestWriteInvoicesWorkbook(t *testing.T) {
	invoices := []domain.PenaltyInvoice{
		{
			ID:            "inv-1",
			CDRID:         "cdr-1",
			CDRReference:  "CDR-0001",
			DateGenerated: "2024-03-01T10:00:00Z",
			LocationName:  "Emergency Room",
			InspectorName: "Inspector One",
			Currency:      "SAR",
			Status:        "generated",
			TotalAmount:   decimal.NewFromInt(800),
			Items: []domain.InvoiceItem{
				{Description: "Missing PPE", Category: "Service Type", Amount: decimal.NewFromInt(500)},
				{Description: "Absent staff", Category: "Manpower Discrepancy", Amount: decimal.NewFromInt(300)},
			},
		},
		{
			ID:           "inv-2",
			CDRReference: "CDR-0002",
			Currency:     "SAR",
			TotalAmount:  decimal.Zero,
		},
	}
	var buf bytes.Buffer
	if err := export.WriteInvoices(&buf, invoices); err != nil {
		t.Fatalf("write: %v", err)
	}

	f, err := excelize.OpenReader(&buf)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer f.Close()

	rows, err := f.GetRows(export.InvoicesSheet)
	if err != nil {
		t.Fatalf("rows: %v", err)
	}
	if len(rows) != 3 {
		t.Fatalf("expected header plus 2 invoices, got %d rows", len(rows))
	}
	if rows[1][1] != "CDR-0001" || rows[2][1] != "CDR-0002" {
		t.Fatalf("unexpected references %v", rows)
	}

	items, err := f.GetRows(export.ItemsSheet)
	if err != nil {
		t.Fatalf("items: %v", err)
	}
	if len(items) != 3 {
		t.Fatalf("expected header plus 2 items, got %d rows", len(items))
	}
	if items[1][3] != "Missing PPE" || items[2][2] != "Manpower Discrepancy" {
		t.Fatalf("unexpected item rows %v", items)
	}
}

func TestWriteInvoicesEmpty(t *testing.T) {
	var buf bytes.Buffer
	if err := export.WriteInvoices(&buf, nil); err != nil {
		t.Fatalf("write: %v", err)
	}
	if buf.Len() == 0 {
		t.Fatalf("expected a workbook even with no invoices")
	}
}
