// Package compliance computes checklist scores and prices incident penalties.
package compliance

import (
	"math"

	"inspectline/internal/domain"
)

// Score returns achieved points over possible points as a percentage.
// Items missing from the report count as zero and items unknown to the
// template are ignored. An empty template scores 0.
func Score(tpl domain.ChecklistTemplate, items []domain.ScoredItem) float64 {
	scores := make(map[string]int, len(items))
	for _, it := range items {
		if _, seen := scores[it.ItemID]; seen {
			continue
		}
		scores[it.ItemID] = it.Score
	}
	var got, possible int
	for _, ci := range tpl.Items {
		if ci.MaxScore <= 0 {
			continue
		}
		possible += ci.MaxScore
		s := scores[ci.ID]
		if s < 0 {
			s = 0
		}
		if s > ci.MaxScore {
			s = ci.MaxScore
		}
		got += s
	}
	if possible == 0 {
		return 0
	}
	return float64(got) / float64(possible) * 100
}

// Round1 rounds to one decimal place for display.
func Round1(v float64) float64 {
	return math.Round(v*10) / 10
}

type Band string

const (
	BandGood Band = "good"
	BandFair Band = "fair"
	BandPoor Band = "poor"
)

func BandFor(score float64) Band {
	switch {
	case score >= 90:
		return BandGood
	case score >= 75:
		return BandFair
	default:
		return BandPoor
	}
}
