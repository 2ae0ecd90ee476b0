package server

import (
	"encoding/json"

	"inspectline/internal/domain"
	"inspectline/internal/engine"
	"inspectline/internal/workflow"
)

// Request payloads

type CreateReportRequest struct {
	LocationID string              `json:"location_id" minLength:"1" validate:"required"`
	Date       string              `json:"date,omitempty"`
	Items      []domain.ScoredItem `json:"items,omitempty"`
}

type ReportItemsRequest struct {
	ExpectedVersion int                 `json:"expected_version" minimum:"1" validate:"gte=1"`
	Items           []domain.ScoredItem `json:"items"`
}

type RectificationRequest struct {
	ExpectedVersion int      `json:"expected_version" minimum:"1" validate:"gte=1"`
	Actions         string   `json:"actions"`
	Photos          []string `json:"photos,omitempty" validate:"dive,required"`
}

type ReportTransitionRequest struct {
	To                   domain.ReportStatus `json:"to" enum:"draft,submitted,approved,returned,rectification_required,rectification_completed"`
	ExpectedVersion      int                 `json:"expected_version" minimum:"1" validate:"gte=1"`
	SupervisorComment    string              `json:"supervisor_comment,omitempty"`
	RectificationActions string              `json:"rectification_actions,omitempty"`
	RectificationPhotos  []string            `json:"rectification_photos,omitempty"`
	Feedback             string              `json:"feedback,omitempty"`
}

type UpdateIncidentRequest struct {
	ExpectedVersion int                    `json:"expected_version" minimum:"1" validate:"gte=1"`
	Fields          *engine.IncidentFields `json:"fields,omitempty"`
	ManagerComment  *string                `json:"manager_comment,omitempty"`
}

type IncidentTransitionRequest struct {
	To              domain.IncidentStatus `json:"to" enum:"draft,submitted,approved"`
	ExpectedVersion int                   `json:"expected_version" minimum:"1" validate:"gte=1"`
	Disposition     domain.Disposition    `json:"disposition,omitempty"`
	ManagerComment  string                `json:"manager_comment,omitempty"`
}

type EditProposalRequest struct {
	InspectorID *string              `json:"inspector_id,omitempty"`
	DueDate     *string              `json:"due_date,omitempty"`
	Priority    *domain.TaskPriority `json:"priority,omitempty"`
}

type AddProposalRequest struct {
	LocationID  string              `json:"location_id" minLength:"1" validate:"required"`
	InspectorID string              `json:"inspector_id,omitempty"`
	DueDate     string              `json:"due_date,omitempty"`
	Priority    domain.TaskPriority `json:"priority,omitempty"`
}

type PublishTasksRequest struct {
	IDs []string `json:"ids"`
}

type DevLoginRequest struct {
	ActorID string `json:"actor_id" validate:"required"`
}

// Response payloads

type ReportResponse struct {
	Report   domain.InspectionReport `json:"report"`
	Score    float64                 `json:"score"`
	Band     string                  `json:"band"`
	Allowed  []domain.ReportStatus   `json:"allowed_transitions"`
	Replayed bool                    `json:"replayed,omitempty"`
}

type InvoiceItemResponse struct {
	Description string `json:"description"`
	Category    string `json:"category"`
	Amount      string `json:"amount"`
}

type InvoiceResponse struct {
	ID            string                `json:"id"`
	CDRID         string                `json:"cdr_id"`
	CDRReference  string                `json:"cdr_reference"`
	DateGenerated string                `json:"date_generated" format:"date-time"`
	LocationName  string                `json:"location_name"`
	InspectorName string                `json:"inspector_name"`
	Items         []InvoiceItemResponse `json:"items"`
	TotalAmount   string                `json:"total_amount"`
	Currency      string                `json:"currency"`
	Status        string                `json:"status"`
}

type IncidentResponse struct {
	Incident       domain.Incident  `json:"incident"`
	Invoice        *InvoiceResponse `json:"invoice,omitempty"`
	InvoicePending bool             `json:"invoice_pending"`
	Replayed       bool             `json:"replayed,omitempty"`
}

type WhoAmIResponse struct {
	ActorID string      `json:"actor_id"`
	Name    string      `json:"name"`
	Role    domain.Role `json:"role"`
	Source  string      `json:"source"`
}

type DevLoginResponse struct {
	Token string `json:"token"`
}

type EventResponse struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts" format:"date-time"`
	Type       string         `json:"type"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id,omitempty"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload,omitempty"`
}

type paginatedEvents struct {
	Items      []EventResponse `json:"items"`
	NextCursor string          `json:"next_cursor,omitempty"`
}

// Conversion helpers

func (r ReportTransitionRequest) payload() workflow.ReportPayload {
	return workflow.ReportPayload{
		SupervisorComment:    r.SupervisorComment,
		RectificationActions: r.RectificationActions,
		RectificationPhotos:  r.RectificationPhotos,
		Feedback:             r.Feedback,
	}
}

func invoiceResponse(inv domain.PenaltyInvoice) InvoiceResponse {
	items := make([]InvoiceItemResponse, 0, len(inv.Items))
	for _, it := range inv.Items {
		items = append(items, InvoiceItemResponse{Description: it.Description, Category: it.Category, Amount: it.Amount.StringFixed(2)})
	}
	return InvoiceResponse{
		ID:            inv.ID,
		CDRID:         inv.CDRID,
		CDRReference:  inv.CDRReference,
		DateGenerated: inv.DateGenerated,
		LocationName:  inv.LocationName,
		InspectorName: inv.InspectorName,
		Items:         items,
		TotalAmount:   inv.TotalAmount.StringFixed(2),
		Currency:      inv.Currency,
		Status:        inv.Status,
	}
}

func incidentResponse(res engine.IncidentResult) IncidentResponse {
	out := IncidentResponse{Incident: res.Incident, InvoicePending: res.InvoicePending, Replayed: res.Replayed}
	if res.Invoice != nil {
		inv := invoiceResponse(*res.Invoice)
		out.Invoice = &inv
	}
	return out
}

func eventResponse(e domain.Event) EventResponse {
	return EventResponse{
		ID:         e.ID,
		TS:         e.TS,
		Type:       e.Type,
		EntityKind: e.EntityKind,
		EntityID:   e.EntityID,
		ActorID:    e.ActorID,
		Payload:    decodeJSONMap(e.Payload),
	}
}

func decodeJSONMap(raw string) map[string]any {
	if raw == "" {
		return nil
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		return map[string]any{"raw": raw}
	}
	return m
}

func nonNilSlice[T any](in []T) []T {
	if in == nil {
		return []T{}
	}
	return in
}
