package notify

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"inspectline/internal/domain"
)

// New stamps a notification for a single recipient.
func New(userID string, typ domain.NotificationType, message, link string, now time.Time) domain.Notification {
	return domain.Notification{
		ID:        uuid.NewString(),
		UserID:    userID,
		Message:   message,
		Type:      typ,
		Link:      link,
		Timestamp: now.UTC().Format(time.RFC3339),
	}
}

func ReportLink(id string) string   { return "/reports/" + id }
func IncidentLink(id string) string { return "/incidents/" + id }

const TasksLink = "/tasks"

func reportRef(r domain.InspectionReport) string {
	if r.ReferenceNumber != "" {
		return r.ReferenceNumber
	}
	return r.ID
}

func ReportSubmitted(r domain.InspectionReport, location, inspector string) string {
	return fmt.Sprintf("Report %s for %s was submitted by %s and awaits review.", reportRef(r), location, inspector)
}

func ReportApproved(r domain.InspectionReport, location string) string {
	return fmt.Sprintf("Your report %s for %s was approved.", reportRef(r), location)
}

func ReportReturned(r domain.InspectionReport, location string) string {
	return fmt.Sprintf("Your report %s for %s was returned: %s", reportRef(r), location, r.SupervisorComment)
}

func RectificationRequired(r domain.InspectionReport, location string, score float64) string {
	return fmt.Sprintf("Rectification required at %s (report %s, compliance %.1f%%).", location, reportRef(r), score)
}

func RectificationRejected(r domain.InspectionReport, location string) string {
	return fmt.Sprintf("Rectification at %s for report %s was rejected: %s", location, reportRef(r), r.RectificationFeedback)
}

func RectificationCompleted(r domain.InspectionReport, location string) string {
	return fmt.Sprintf("Rectification completed at %s for report %s; please verify.", location, reportRef(r))
}

func IncidentSubmitted(inc domain.Incident, location, author string) string {
	return fmt.Sprintf("Incident %s at %s was submitted by %s.", inc.ReferenceNumber, location, author)
}

func IncidentApproved(inc domain.Incident) string {
	return fmt.Sprintf("Incident %s was approved with disposition %s.", inc.ReferenceNumber, inc.ManagerDecision)
}

func TasksAssigned(count int, due string) string {
	if count == 1 {
		return fmt.Sprintf("You have a new inspection task due %s.", due)
	}
	return fmt.Sprintf("You have %d new inspection tasks, first due %s.", count, due)
}
