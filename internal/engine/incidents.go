package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"inspectline/internal/compliance"
	"inspectline/internal/domain"
	"inspectline/internal/events"
	"inspectline/internal/export"
	"inspectline/internal/logging"
	"inspectline/internal/metrics"
	"inspectline/internal/notify"
	"inspectline/internal/repo"
	"inspectline/internal/workflow"
)

const (
	kindIncident      = "incident"
	incidentSequence  = "incident"
	incidentRefPrefix = "CDR"
	invoiceStatusNew  = "pending"
)

// IncidentFields are the author-owned parts of a CDR.
type IncidentFields struct {
	LocationID           string                `json:"location_id"`
	Date                 string                `json:"date,omitempty"`
	Time                 string                `json:"time,omitempty"`
	IncidentType         domain.IncidentType   `json:"incident_type,omitempty"`
	InCharge             domain.InChargePerson `json:"in_charge"`
	ServiceTypes         []string              `json:"service_types,omitempty"`
	ManpowerDiscrepancy  []string              `json:"manpower_discrepancy,omitempty"`
	MaterialDiscrepancy  []string              `json:"material_discrepancy,omitempty"`
	EquipmentDiscrepancy []string              `json:"equipment_discrepancy,omitempty"`
	OnSpotAction         []string              `json:"on_spot_action,omitempty"`
	ActionPlan           []string              `json:"action_plan,omitempty"`
	StaffComment         string                `json:"staff_comment,omitempty"`
	Attachments          []string              `json:"attachments,omitempty"`
}

// IncidentUpdate edits a CDR. Fields applies while Draft (author);
// ManagerComment applies while Submitted (supervisor).
type IncidentUpdate struct {
	ID              string
	ExpectedVersion int
	Fields          *IncidentFields
	ManagerComment  *string
}

type IncidentTransitionRequest struct {
	IncidentID      string
	To              domain.IncidentStatus
	Actor           domain.ActorContext
	ExpectedVersion int
	Payload         workflow.IncidentPayload
}

type IncidentResult struct {
	Incident       domain.Incident        `json:"incident"`
	Invoice        *domain.PenaltyInvoice `json:"invoice,omitempty"`
	InvoicePending bool                   `json:"invoice_pending"`
	Replayed       bool                   `json:"replayed"`
}

func (e Engine) validateIncidentFields(f IncidentFields) error {
	if strings.TrimSpace(f.LocationID) == "" {
		return workflow.ValidationError{Code: "required", Field: "location_id", Message: "must not be empty"}
	}
	if e.Config != nil {
		if _, ok := e.Config.Location(f.LocationID); !ok {
			return workflow.ValidationError{Code: "unknown_location", Field: "location_id", Message: fmt.Sprintf("unknown location %s", f.LocationID)}
		}
	}
	if f.IncidentType != "" && !f.IncidentType.IsValid() {
		return workflow.ValidationError{Code: "invalid_incident_type", Field: "incident_type", Message: fmt.Sprintf("unknown incident type %q", f.IncidentType)}
	}
	if f.Date != "" {
		if _, ok := parseDay(f.Date); !ok {
			return workflow.ValidationError{Code: "invalid_date", Field: "date", Message: "expected YYYY-MM-DD or RFC 3339"}
		}
	}
	return nil
}

func applyIncidentFields(inc *domain.Incident, f IncidentFields) {
	inc.LocationID = f.LocationID
	if f.Date != "" {
		inc.Date = f.Date
	}
	inc.Time = f.Time
	inc.IncidentType = f.IncidentType
	inc.InCharge = f.InCharge
	inc.ServiceTypes = cleanLabels(f.ServiceTypes)
	inc.ManpowerDiscrepancy = cleanLabels(f.ManpowerDiscrepancy)
	inc.MaterialDiscrepancy = cleanLabels(f.MaterialDiscrepancy)
	inc.EquipmentDiscrepancy = cleanLabels(f.EquipmentDiscrepancy)
	inc.OnSpotAction = cleanLabels(f.OnSpotAction)
	inc.ActionPlan = cleanLabels(f.ActionPlan)
	inc.StaffComment = strings.TrimSpace(f.StaffComment)
	inc.Attachments = cleanLabels(f.Attachments)
}

// cleanLabels trims entries and drops blanks. Duplicates are kept: each
// occurrence is priced.
func cleanLabels(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func (e Engine) CreateIncident(ctx context.Context, actor domain.ActorContext, f IncidentFields) (domain.Incident, error) {
	if actor.Role != domain.RoleInspector {
		return domain.Incident{}, workflow.AuthorizationError{ActorID: actor.ID, Role: actor.Role, Required: []domain.Role{domain.RoleInspector}}
	}
	if err := e.validateIncidentFields(f); err != nil {
		return domain.Incident{}, err
	}
	now := e.stamp()
	inc := domain.Incident{
		ID:            uuid.NewString(),
		EmployeeID:    actor.ID,
		Date:          now[:10],
		Status:        domain.IncidentDraft,
		InvoiceStatus: domain.InvoiceNone,
		Version:       1,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	applyIncidentFields(&inc, f)
	err := e.commit(ctx, kindIncident, "create incident", func(ctx context.Context, tx *sql.Tx) error {
		if err := e.Repo.InsertIncident(ctx, tx, inc); err != nil {
			return err
		}
		return e.Events.Append(ctx, tx, events.IncidentCreated, kindIncident, inc.ID, actor.ID, events.EventPayload{"location_id": inc.LocationID})
	})
	if err != nil {
		return domain.Incident{}, err
	}
	return inc, nil
}

func (e Engine) GetIncident(ctx context.Context, id string) (domain.Incident, error) {
	inc, err := load("get incident", func() (domain.Incident, error) { return e.Repo.GetIncident(ctx, id) })
	if errors.Is(err, repo.ErrNotFound) {
		return inc, notFound(kindIncident, id)
	}
	return inc, err
}

func (e Engine) ListIncidents(ctx context.Context, f repo.IncidentFilters) ([]domain.Incident, error) {
	return load("list incidents", func() ([]domain.Incident, error) { return e.Repo.ListIncidents(ctx, f) })
}

func (e Engine) UpdateIncident(ctx context.Context, actor domain.ActorContext, u IncidentUpdate) (domain.Incident, error) {
	current, err := e.GetIncident(ctx, u.ID)
	if err != nil {
		return current, err
	}
	if current.Version != u.ExpectedVersion {
		return current, incidentConflict(current, u.ExpectedVersion)
	}
	scope, err := workflow.CanEditIncident(current, actor)
	if err != nil {
		return current, err
	}
	next := workflow.CloneIncident(current)
	switch scope {
	case workflow.EditAuthorFields:
		if u.ManagerComment != nil {
			return current, workflow.ValidationError{Code: "not_editable", Field: "manager_comment", Message: "manager fields open once the incident is submitted"}
		}
		if u.Fields == nil {
			return current, workflow.ValidationError{Code: "empty_update", Message: "nothing to update"}
		}
		if err := e.validateIncidentFields(*u.Fields); err != nil {
			return current, err
		}
		applyIncidentFields(&next, *u.Fields)
	case workflow.EditManagerFields:
		if u.Fields != nil {
			return current, workflow.ValidationError{Code: "not_editable", Field: "fields", Message: "author fields are read-only once submitted"}
		}
		if u.ManagerComment == nil {
			return current, workflow.ValidationError{Code: "empty_update", Message: "nothing to update"}
		}
		next.ManagerComment = strings.TrimSpace(*u.ManagerComment)
	}
	next.Version = current.Version + 1
	next.UpdatedAt = e.stamp()
	err = e.commit(ctx, kindIncident, "update incident", func(ctx context.Context, tx *sql.Tx) error {
		if err := e.casIncident(ctx, tx, next, current.Version); err != nil {
			return err
		}
		return e.Events.Append(ctx, tx, events.IncidentUpdated, kindIncident, next.ID, actor.ID, events.EventPayload{"version": next.Version})
	})
	if err != nil {
		return current, err
	}
	return next, nil
}

func (e Engine) casIncident(ctx context.Context, tx *sql.Tx, next domain.Incident, expected int) error {
	err := e.Repo.UpdateIncident(ctx, tx, next, expected)
	if !errors.Is(err, repo.ErrStale) {
		return err
	}
	fresh, gerr := e.Repo.GetIncidentTx(ctx, tx, next.ID)
	if gerr != nil {
		return gerr
	}
	return incidentConflict(fresh, expected)
}

func incidentConflict(current domain.Incident, expected int) workflow.ConflictError {
	return workflow.ConflictError{Kind: kindIncident, ID: current.ID, Expected: expected, Actual: current.Version, Current: current}
}

// ApplyIncidentTransition validates and commits one incident transition.
// Approving with a penalty disposition writes the invoice in the same
// transaction; a pricing failure leaves the approval intact and marks the
// invoice pending.
func (e Engine) ApplyIncidentTransition(ctx context.Context, req IncidentTransitionRequest) (IncidentResult, error) {
	current, err := e.GetIncident(ctx, req.IncidentID)
	if err != nil {
		return IncidentResult{Incident: current}, err
	}
	key := repo.TransitionKey{
		Kind:        kindIncident,
		RecordID:    current.ID,
		ToStatus:    string(req.To),
		ActorID:     req.Actor.ID,
		FromVersion: req.ExpectedVersion,
	}
	seen, _, err := e.Repo.FindTransition(ctx, nil, key)
	if err != nil {
		return IncidentResult{Incident: current}, workflow.PersistenceError{Op: "find transition", Err: err}
	}
	if seen {
		metrics.IncTransition(kindIncident, string(req.To), "replayed")
		res := IncidentResult{Incident: current, Replayed: true, InvoicePending: current.InvoiceStatus == domain.InvoiceFailedPending}
		if inv, err := e.Repo.GetInvoiceByIncident(ctx, current.ID); err == nil {
			res.Invoice = &inv
		}
		return res, nil
	}
	if current.Version != req.ExpectedVersion {
		metrics.IncTransition(kindIncident, string(req.To), "conflict")
		return IncidentResult{Incident: current}, incidentConflict(current, req.ExpectedVersion)
	}
	now := e.stamp()
	next, rule, err := workflow.PlanIncident(current, req.To, req.Actor, req.Payload, now)
	if err != nil {
		metrics.IncTransition(kindIncident, string(req.To), "rejected")
		return IncidentResult{Incident: current}, err
	}
	next.Version = current.Version + 1
	next.UpdatedAt = now

	var (
		notes   []domain.Notification
		invoice *domain.PenaltyInvoice
		pricing error
	)
	err = e.commit(ctx, kindIncident, "incident transition", func(ctx context.Context, tx *sql.Tx) error {
		if rule.AssignReference && next.ReferenceNumber == "" {
			n, err := e.Repo.NextSequence(ctx, tx, incidentSequence)
			if err != nil {
				return err
			}
			next.ReferenceNumber = reference(incidentRefPrefix, n)
		}
		if next.Status == domain.IncidentApproved {
			if next.ManagerDecision == domain.DispositionPenalty {
				syn, err := e.synthesizeInvoice(ctx, tx, next, req.Actor.ID)
				if err != nil {
					return err
				}
				invoice, pricing = syn.Invoice, syn.Pricing
				next.InvoiceStatus = syn.Status
			} else {
				if err := e.Events.Append(ctx, tx, events.DispositionEvent(string(next.ManagerDecision)), kindIncident, next.ID, req.Actor.ID, events.EventPayload{
					"reference": next.ReferenceNumber,
				}); err != nil {
					return err
				}
			}
		}
		if err := e.casIncident(ctx, tx, next, current.Version); err != nil {
			return err
		}
		if err := e.Repo.RecordTransition(ctx, tx, key, next.Version, now); err != nil {
			return err
		}
		if err := e.Events.Append(ctx, tx, events.IncidentTransitioned, kindIncident, next.ID, req.Actor.ID, events.EventPayload{
			"from":        current.Status,
			"to":          next.Status,
			"version":     next.Version,
			"reference":   next.ReferenceNumber,
			"disposition": next.ManagerDecision,
		}); err != nil {
			return err
		}
		n, ok, err := e.incidentNotification(ctx, tx, rule, next, req.Actor)
		if err != nil {
			return err
		}
		if ok {
			notes = append(notes, n)
		}
		return nil
	})
	if err != nil {
		metrics.IncTransition(kindIncident, string(req.To), "failed")
		var ce workflow.ConflictError
		if errors.As(err, &ce) {
			if fresh, ok := ce.Current.(domain.Incident); ok {
				return IncidentResult{Incident: fresh}, err
			}
		}
		return IncidentResult{Incident: current}, err
	}
	metrics.IncTransition(kindIncident, string(req.To), "applied")
	fields := logrus.Fields{
		"module":      "engine",
		"incident_id": next.ID,
		"from":        current.Status,
		"to":          next.Status,
		"actor_id":    req.Actor.ID,
		"disposition": next.ManagerDecision,
	}
	switch {
	case pricing != nil:
		metrics.IncInvoice("failed_pending")
		logging.LogWarn(e.logger(), "engine", "ApplyIncidentTransition", "penalty invoice pending: "+pricing.Error(), fields)
	case invoice != nil:
		metrics.IncInvoice("generated")
		fields["invoice_total"] = invoice.TotalAmount.String()
	}
	e.logger().WithFields(fields).Info("incident transitioned")
	e.deliver(ctx, notes)
	return IncidentResult{Incident: next, Invoice: invoice, InvoicePending: pricing != nil}, nil
}

// synthesis is the outcome of pricing an approved penalty incident. Pricing
// failures are kept apart from store errors so the approval can still commit.
type synthesis struct {
	Invoice *domain.PenaltyInvoice
	Status  domain.InvoiceSynthesis
	Pricing error
}

func (e Engine) synthesizeInvoice(ctx context.Context, tx *sql.Tx, inc domain.Incident, actorID string) (synthesis, error) {
	if existing, err := e.Repo.GetInvoiceByIncidentTx(ctx, tx, inc.ID); err == nil {
		return synthesis{Invoice: &existing, Status: domain.InvoiceGenerated}, nil
	} else if !errors.Is(err, repo.ErrNotFound) {
		return synthesis{}, err
	}
	rates, categories := e.rates()
	items, total, perr := compliance.PriceIncident(inc, rates, categories)
	if perr != nil {
		err := e.Events.Append(ctx, tx, events.InvoiceSynthesisFailed, kindIncident, inc.ID, actorID, events.EventPayload{"error": perr.Error()})
		return synthesis{Status: domain.InvoiceFailedPending, Pricing: perr}, err
	}
	if !total.IsPositive() {
		return synthesis{Status: domain.InvoiceNone}, nil
	}
	inv := domain.PenaltyInvoice{
		ID:            uuid.NewString(),
		CDRID:         inc.ID,
		CDRReference:  inc.ReferenceNumber,
		DateGenerated: e.stamp(),
		LocationName:  e.locationName(inc.LocationID),
		InspectorName: e.actorName(ctx, tx, inc.EmployeeID),
		Items:         items,
		TotalAmount:   total,
		Currency:      "SAR",
		Status:        invoiceStatusNew,
	}
	if e.Config != nil {
		inv.Currency = e.Config.Currency()
	}
	if err := e.Repo.InsertInvoice(ctx, tx, inv); err != nil {
		return synthesis{}, err
	}
	err := e.Events.Append(ctx, tx, events.InvoiceGenerated, "invoice", inv.ID, actorID, events.EventPayload{
		"cdr_id":   inc.ID,
		"total":    total.String(),
		"currency": inv.Currency,
		"items":    len(items),
	})
	return synthesis{Invoice: &inv, Status: domain.InvoiceGenerated}, err
}

func (e Engine) incidentNotification(ctx context.Context, tx *sql.Tx, rule workflow.IncidentRule, next domain.Incident, actor domain.ActorContext) (domain.Notification, bool, error) {
	userID := e.recipient(rule.Notify, "", next.EmployeeID)
	if userID == "" {
		return domain.Notification{}, false, nil
	}
	var msg string
	typ := domain.NotificationAlert
	switch next.Status {
	case domain.IncidentSubmitted:
		msg = notify.IncidentSubmitted(next, e.locationName(next.LocationID), e.actorName(ctx, tx, next.EmployeeID))
	case domain.IncidentApproved:
		msg, typ = notify.IncidentApproved(next), domain.NotificationInfo
	default:
		return domain.Notification{}, false, nil
	}
	n, err := e.queueNotification(ctx, tx, actor.ID, userID, typ, msg, notify.IncidentLink(next.ID))
	return n, err == nil, err
}

// RetryInvoice re-runs synthesis for an approved penalty incident whose
// invoice is still pending. It never creates a second invoice.
func (e Engine) RetryInvoice(ctx context.Context, actor domain.ActorContext, incidentID string) (IncidentResult, error) {
	if actor.Role != domain.RoleSupervisor && actor.Role != domain.RoleAdmin {
		return IncidentResult{}, workflow.AuthorizationError{ActorID: actor.ID, Role: actor.Role, Required: []domain.Role{domain.RoleSupervisor, domain.RoleAdmin}}
	}
	current, err := e.GetIncident(ctx, incidentID)
	if err != nil {
		return IncidentResult{Incident: current}, err
	}
	if current.Status != domain.IncidentApproved || current.ManagerDecision != domain.DispositionPenalty || current.InvoiceStatus != domain.InvoiceFailedPending {
		return IncidentResult{Incident: current}, workflow.ValidationError{Code: "not_retryable", Field: "invoice_status", Message: "only approved penalty incidents with a pending invoice can be retried"}
	}
	next := workflow.CloneIncident(current)
	next.Version = current.Version + 1
	next.UpdatedAt = e.stamp()
	var invoice *domain.PenaltyInvoice
	err = e.commit(ctx, kindIncident, "retry invoice", func(ctx context.Context, tx *sql.Tx) error {
		syn, err := e.synthesizeInvoice(ctx, tx, next, actor.ID)
		if err != nil {
			return err
		}
		if syn.Pricing != nil {
			return workflow.ValidationError{Code: "rate_missing", Field: "penalties.rates", Message: syn.Pricing.Error()}
		}
		invoice = syn.Invoice
		next.InvoiceStatus = syn.Status
		return e.casIncident(ctx, tx, next, current.Version)
	})
	if err != nil {
		return IncidentResult{Incident: current, InvoicePending: true}, err
	}
	if invoice != nil {
		metrics.IncInvoice("generated")
	}
	return IncidentResult{Incident: next, Invoice: invoice}, nil
}

func (e Engine) ListInvoices(ctx context.Context, status string, limit int) ([]domain.PenaltyInvoice, error) {
	return load("list invoices", func() ([]domain.PenaltyInvoice, error) { return e.Repo.ListInvoices(ctx, status, limit) })
}

func (e Engine) GetInvoice(ctx context.Context, incidentID string) (domain.PenaltyInvoice, error) {
	inv, err := load("get invoice", func() (domain.PenaltyInvoice, error) { return e.Repo.GetInvoiceByIncident(ctx, incidentID) })
	if errors.Is(err, repo.ErrNotFound) {
		return inv, notFound("invoice for incident", incidentID)
	}
	return inv, err
}

// ExportInvoices writes invoices as an XLSX workbook.
func (e Engine) ExportInvoices(ctx context.Context, w io.Writer, status string) error {
	invoices, err := e.ListInvoices(ctx, status, 0)
	if err != nil {
		return err
	}
	return export.WriteInvoices(w, invoices)
}
