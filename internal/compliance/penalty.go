package compliance

import (
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"inspectline/internal/domain"
)

// OtherLabel keys the fallback rate for labels without their own entry.
const OtherLabel = "Other"

var ErrRateMissing = errors.New("penalty rate missing")

// Discrepancy categories that can be priced on an incident.
const (
	CategoryService   = "service"
	CategoryManpower  = "manpower"
	CategoryMaterial  = "material"
	CategoryEquipment = "equipment"
)

var DefaultCategories = []string{CategoryService, CategoryManpower, CategoryMaterial, CategoryEquipment}

var categoryNames = map[string]string{
	CategoryService:   "Service Type",
	CategoryManpower:  "Manpower Discrepancy",
	CategoryMaterial:  "Material Discrepancy",
	CategoryEquipment: "Equipment Discrepancy",
}

// RateTable maps discrepancy labels to monetary rates.
type RateTable map[string]decimal.Decimal

// Resolve returns the rate for label, falling back to the Other rate.
func (t RateTable) Resolve(label string) (decimal.Decimal, error) {
	if rate, ok := t[strings.TrimSpace(label)]; ok {
		return rate, nil
	}
	if rate, ok := t[OtherLabel]; ok {
		return rate, nil
	}
	return decimal.Zero, fmt.Errorf("%w: %q and no %s fallback", ErrRateMissing, label, OtherLabel)
}

// CategoryLabels returns the labels an incident carries for a category.
func CategoryLabels(inc domain.Incident, category string) []string {
	switch category {
	case CategoryService:
		return inc.ServiceTypes
	case CategoryManpower:
		return inc.ManpowerDiscrepancy
	case CategoryMaterial:
		return inc.MaterialDiscrepancy
	case CategoryEquipment:
		return inc.EquipmentDiscrepancy
	}
	return nil
}

// PriceIncident builds one line item per label occurrence across categories.
// Repeated labels are priced once per occurrence.
func PriceIncident(inc domain.Incident, rates RateTable, categories []string) ([]domain.InvoiceItem, decimal.Decimal, error) {
	if len(categories) == 0 {
		categories = DefaultCategories
	}
	var items []domain.InvoiceItem
	total := decimal.Zero
	for _, cat := range categories {
		for _, label := range CategoryLabels(inc, cat) {
			if strings.TrimSpace(label) == "" {
				continue
			}
			rate, err := rates.Resolve(label)
			if err != nil {
				return nil, decimal.Zero, err
			}
			items = append(items, domain.InvoiceItem{
				Description: label,
				Category:    categoryNames[cat],
				Amount:      rate,
			})
			total = total.Add(rate)
		}
	}
	return items, total, nil
}
