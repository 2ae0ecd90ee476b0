// Package scheduler proposes inspection tasks from visit history.
package scheduler

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"inspectline/internal/domain"
	"inspectline/internal/workflow"
)

type Settings struct {
	Staleness         time.Duration
	LowScoreThreshold float64
	DueIn             time.Duration
}

func DefaultSettings() Settings {
	return Settings{
		Staleness:         30 * 24 * time.Hour,
		LowScoreThreshold: 75,
		DueIn:             24 * time.Hour,
	}
}

// Visit is the most recent non-draft report for a location.
type Visit struct {
	ReportID string
	Date     time.Time
	Score    float64
}

type Input struct {
	Now        time.Time
	Locations  []domain.Location
	LastVisits map[string]Visit
	// Pending holds location ids that already carry a pending task.
	Pending map[string]bool
	Roster  []string
}

// Classify decides whether a location needs a visit.
func Classify(last *Visit, now time.Time, s Settings) (domain.TaskReason, domain.TaskPriority, bool) {
	if last == nil {
		return domain.ReasonNeverVisited, domain.PriorityNormal, true
	}
	if now.Sub(last.Date) > s.Staleness {
		return domain.ReasonRoutineOverdue, domain.PriorityNormal, true
	}
	if last.Score < s.LowScoreThreshold {
		return domain.ReasonLowScore, domain.PriorityHigh, true
	}
	return "", "", false
}

// Generate walks locations in order and proposes tasks. Inspectors are
// assigned round robin by proposal position, so with N inspectors and M
// proposals every inspector gets M/N rounded down or up.
func Generate(in Input, s Settings) ([]domain.TaskProposal, error) {
	now := in.Now.UTC()
	created := now.Format(time.RFC3339)
	due := now.Add(s.DueIn).Format(time.RFC3339)
	var out []domain.TaskProposal
	for _, loc := range in.Locations {
		if in.Pending[loc.ID] {
			continue
		}
		var last *Visit
		if v, ok := in.LastVisits[loc.ID]; ok {
			last = &v
		}
		reason, priority, ok := Classify(last, now, s)
		if !ok {
			continue
		}
		if len(in.Roster) == 0 {
			return nil, workflow.ValidationError{Code: "empty_roster", Field: "inspectors", Message: "no active inspectors to assign"}
		}
		p := domain.TaskProposal{
			ID:          uuid.NewString(),
			LocationID:  loc.ID,
			InspectorID: in.Roster[len(out)%len(in.Roster)],
			DueDate:     due,
			Priority:    priority,
			Reason:      reason,
			CreatedAt:   created,
		}
		if last != nil {
			score := last.Score
			p.LastScore = &score
		}
		out = append(out, p)
	}
	return out, nil
}

// ValidatePublish rejects a selection that would leave a location with two
// pending tasks.
func ValidatePublish(selected []domain.TaskProposal, pending map[string]bool) error {
	if len(selected) == 0 {
		return workflow.ValidationError{Code: "empty_selection", Field: "ids", Message: "select at least one task"}
	}
	seen := make(map[string]string, len(selected))
	for _, p := range selected {
		if first, dup := seen[p.LocationID]; dup {
			return workflow.ValidationError{
				Code:    "duplicate_location",
				Field:   "ids",
				Message: fmt.Sprintf("tasks %s and %s target the same location %s", first, p.ID, p.LocationID),
			}
		}
		seen[p.LocationID] = p.ID
		if pending[p.LocationID] {
			return workflow.ValidationError{
				Code:    "location_pending",
				Field:   "ids",
				Message: fmt.Sprintf("location %s already has a pending task", p.LocationID),
			}
		}
	}
	return nil
}

// ToTask turns a proposal into a committed task keeping its id, which makes
// publishing idempotent per task id.
func ToTask(p domain.TaskProposal, generated string) domain.InspectionTask {
	return domain.InspectionTask{
		ID:            p.ID,
		LocationID:    p.LocationID,
		InspectorID:   p.InspectorID,
		DueDate:       p.DueDate,
		Priority:      p.Priority,
		Reason:        p.Reason,
		Status:        domain.TaskPending,
		GeneratedDate: generated,
	}
}
