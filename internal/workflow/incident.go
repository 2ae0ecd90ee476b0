package workflow

import (
	"fmt"
	"strings"

	"inspectline/internal/domain"
)

type IncidentRule struct {
	From            domain.IncidentStatus
	To              domain.IncidentStatus
	Role            domain.Role
	Author          bool
	Require         string
	AssignReference bool
	Notify          Recipient
}

var incidentRules = []IncidentRule{
	{
		From:            domain.IncidentDraft,
		To:              domain.IncidentSubmitted,
		Role:            domain.RoleInspector,
		Author:          true,
		AssignReference: true,
		Notify:          NotifySupervisor,
	},
	{
		From:    domain.IncidentSubmitted,
		To:      domain.IncidentApproved,
		Role:    domain.RoleSupervisor,
		Require: "disposition",
		Notify:  NotifyAuthor,
	},
}

type IncidentPayload struct {
	Disposition    domain.Disposition `json:"disposition,omitempty"`
	ManagerComment string             `json:"manager_comment,omitempty"`
}

func IncidentRuleFor(from, to domain.IncidentStatus) (IncidentRule, bool) {
	for _, rule := range incidentRules {
		if rule.From == from && rule.To == to {
			return rule, true
		}
	}
	return IncidentRule{}, false
}

// PlanIncident validates an incident transition and returns the record it
// produces. now stamps the finalized date on approval.
func PlanIncident(inc domain.Incident, to domain.IncidentStatus, actor domain.ActorContext, p IncidentPayload, now string) (domain.Incident, IncidentRule, error) {
	if !to.IsValid() {
		return inc, IncidentRule{}, ValidationError{Code: "invalid_status", Field: "status", Message: fmt.Sprintf("unknown incident status %q", to)}
	}
	rule, ok := IncidentRuleFor(inc.Status, to)
	if !ok {
		return inc, IncidentRule{}, invalidTransition("incident", string(inc.Status), string(to))
	}
	if actor.Role != rule.Role {
		return inc, rule, AuthorizationError{ActorID: actor.ID, Role: actor.Role, Required: []domain.Role{rule.Role}}
	}
	if rule.Author && actor.ID != inc.EmployeeID {
		return inc, rule, AuthorizationError{ActorID: actor.ID, Role: actor.Role, Reason: "only the incident's author may submit it"}
	}
	next := CloneIncident(inc)
	switch to {
	case domain.IncidentSubmitted:
		next.EmployeeSignature = signature(actor)
	case domain.IncidentApproved:
		if p.Disposition == "" {
			return inc, rule, required(rule.Require)
		}
		if !p.Disposition.IsValid() {
			return inc, rule, ValidationError{Code: "invalid_disposition", Field: rule.Require, Message: fmt.Sprintf("unknown disposition %q", p.Disposition)}
		}
		next.ManagerDecision = p.Disposition
		if c := strings.TrimSpace(p.ManagerComment); c != "" {
			next.ManagerComment = c
		}
		next.ManagerSignature = signature(actor)
		next.FinalizedDate = now
	}
	next.Status = to
	return next, rule, nil
}

// EditScope says which incident fields an actor may change.
type EditScope int

const (
	EditAuthorFields EditScope = iota + 1
	EditManagerFields
)

func CanEditIncident(inc domain.Incident, actor domain.ActorContext) (EditScope, error) {
	switch inc.Status {
	case domain.IncidentDraft:
		if actor.ID != inc.EmployeeID {
			return 0, AuthorizationError{ActorID: actor.ID, Role: actor.Role, Reason: "only the author may edit a draft incident"}
		}
		return EditAuthorFields, nil
	case domain.IncidentSubmitted:
		if actor.Role != domain.RoleSupervisor {
			return 0, AuthorizationError{ActorID: actor.ID, Role: actor.Role, Required: []domain.Role{domain.RoleSupervisor}}
		}
		return EditManagerFields, nil
	default:
		return 0, ValidationError{Code: "not_editable", Message: fmt.Sprintf("incident is read-only while %s", inc.Status)}
	}
}

func CloneIncident(inc domain.Incident) domain.Incident {
	out := inc
	out.ServiceTypes = append([]string(nil), inc.ServiceTypes...)
	out.ManpowerDiscrepancy = append([]string(nil), inc.ManpowerDiscrepancy...)
	out.MaterialDiscrepancy = append([]string(nil), inc.MaterialDiscrepancy...)
	out.EquipmentDiscrepancy = append([]string(nil), inc.EquipmentDiscrepancy...)
	out.OnSpotAction = append([]string(nil), inc.OnSpotAction...)
	out.ActionPlan = append([]string(nil), inc.ActionPlan...)
	out.Attachments = append([]string(nil), inc.Attachments...)
	return out
}

func signature(actor domain.ActorContext) string {
	if strings.TrimSpace(actor.Name) != "" {
		return actor.Name
	}
	return actor.ID
}
