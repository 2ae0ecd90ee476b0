// Package events appends audit rows inside the caller's transaction so the
// log never disagrees with the records it describes.
package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

const (
	ReportCreated             = "report.created"
	ReportUpdated             = "report.updated"
	ReportTransitioned        = "report.transitioned"
	IncidentCreated           = "incident.created"
	IncidentUpdated           = "incident.updated"
	IncidentTransitioned      = "incident.transitioned"
	InvoiceGenerated          = "invoice.generated"
	InvoiceSynthesisFailed    = "invoice.synthesis_failed"
	NotificationCreated       = "notification.created"
	TaskProposalsGenerated    = "task.proposals_generated"
	TaskProposalChanged       = "task.proposal_changed"
	TasksPublished            = "task.published"
	TaskCompleted             = "task.completed"
	dispositionAcknowledgment = "incident.disposition."
)

// DispositionEvent names the acknowledgement event for a non-penalty decision.
func DispositionEvent(disposition string) string {
	return dispositionAcknowledgment + disposition
}

type Writer struct {
	Now func() time.Time
}

type EventPayload map[string]any

func (w Writer) Append(ctx context.Context, tx *sql.Tx, evtType, entityKind, entityID, actorID string, payload EventPayload) error {
	if w.Now == nil {
		w.Now = time.Now
	}
	ts := w.Now().UTC().Format(time.RFC3339)
	if payload == nil {
		payload = EventPayload{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO events(ts,type,entity_kind,entity_id,actor_id,payload_json) VALUES (?,?,?,?,?,?)`,
		ts, evtType, entityKind, nullable(entityID), actorID, string(data))
	return err
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
