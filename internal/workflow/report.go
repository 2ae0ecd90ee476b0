// Package workflow holds the role-gated transition tables for inspection
// reports and incidents. Everything here is pure: callers load a record,
// plan a transition, then persist the planned record.
package workflow

import (
	"fmt"
	"strings"

	"inspectline/internal/domain"
)

// Recipient selects who is told about a transition.
type Recipient int

const (
	NotifyNone Recipient = iota
	NotifySupervisor
	NotifyInspector
	NotifyContractor
	NotifyAuthor
)

// ReportRule is one row of the report transition table.
type ReportRule struct {
	From            []domain.ReportStatus
	To              domain.ReportStatus
	Role            domain.Role
	Owner           bool
	Require         string
	AssignReference bool
	Notify          Recipient
}

var reportRules = []ReportRule{
	{
		From:            []domain.ReportStatus{domain.ReportDraft, domain.ReportReturned},
		To:              domain.ReportSubmitted,
		Role:            domain.RoleInspector,
		Owner:           true,
		AssignReference: true,
		Notify:          NotifySupervisor,
	},
	{
		From:   []domain.ReportStatus{domain.ReportSubmitted},
		To:     domain.ReportApproved,
		Role:   domain.RoleSupervisor,
		Notify: NotifyInspector,
	},
	{
		From:    []domain.ReportStatus{domain.ReportSubmitted},
		To:      domain.ReportReturned,
		Role:    domain.RoleSupervisor,
		Require: "supervisor_comment",
		Notify:  NotifyInspector,
	},
	{
		From:   []domain.ReportStatus{domain.ReportSubmitted, domain.ReportApproved},
		To:     domain.ReportRectificationRequired,
		Role:   domain.RoleInspector,
		Owner:  true,
		Notify: NotifyContractor,
	},
	{
		From:    []domain.ReportStatus{domain.ReportRectificationRequired},
		To:      domain.ReportRectificationCompleted,
		Role:    domain.RoleContractor,
		Require: "rectification_actions",
		Notify:  NotifyInspector,
	},
	// accepting the rectification reopens the report for verification
	{
		From:  []domain.ReportStatus{domain.ReportRectificationCompleted},
		To:    domain.ReportDraft,
		Role:  domain.RoleInspector,
		Owner: true,
	},
	{
		From:    []domain.ReportStatus{domain.ReportRectificationCompleted},
		To:      domain.ReportRectificationRequired,
		Role:    domain.RoleInspector,
		Owner:   true,
		Require: "rectification_feedback",
		Notify:  NotifyContractor,
	},
}

// ReportPayload carries the free-text fields a transition may need.
type ReportPayload struct {
	SupervisorComment    string   `json:"supervisor_comment,omitempty"`
	RectificationActions string   `json:"rectification_actions,omitempty"`
	RectificationPhotos  []string `json:"rectification_photos,omitempty"`
	Feedback             string   `json:"feedback,omitempty"`
}

// ReportRuleFor looks up the rule for a from/to pair.
func ReportRuleFor(from, to domain.ReportStatus) (ReportRule, bool) {
	for _, rule := range reportRules {
		if rule.To != to {
			continue
		}
		for _, f := range rule.From {
			if f == from {
				return rule, true
			}
		}
	}
	return ReportRule{}, false
}

// AllowedReportTransitions lists target states the actor may request now.
func AllowedReportTransitions(r domain.InspectionReport, actor domain.ActorContext) []domain.ReportStatus {
	var out []domain.ReportStatus
	for _, rule := range reportRules {
		if !containsStatus(rule.From, r.Status) {
			continue
		}
		if authorizeReport(rule, r, actor) != nil {
			continue
		}
		out = append(out, rule.To)
	}
	return out
}

// PlanReport validates a transition and returns the record it produces.
// The input record is never modified.
func PlanReport(r domain.InspectionReport, to domain.ReportStatus, actor domain.ActorContext, p ReportPayload) (domain.InspectionReport, ReportRule, error) {
	if !to.IsValid() {
		return r, ReportRule{}, ValidationError{Code: "invalid_status", Field: "status", Message: fmt.Sprintf("unknown report status %q", to)}
	}
	rule, ok := ReportRuleFor(r.Status, to)
	if !ok {
		return r, ReportRule{}, invalidTransition("report", string(r.Status), string(to))
	}
	if err := authorizeReport(rule, r, actor); err != nil {
		return r, rule, err
	}
	next := CloneReport(r)
	switch to {
	case domain.ReportApproved:
		if c := strings.TrimSpace(p.SupervisorComment); c != "" {
			next.SupervisorComment = c
		}
	case domain.ReportReturned:
		c := strings.TrimSpace(p.SupervisorComment)
		if c == "" {
			return r, rule, required(rule.Require)
		}
		next.SupervisorComment = c
	case domain.ReportRectificationRequired:
		if r.Status == domain.ReportRectificationCompleted {
			fb := strings.TrimSpace(p.Feedback)
			if fb == "" {
				return r, rule, required(rule.Require)
			}
			next.RectificationFeedback = fb
		} else {
			next.RectificationFeedback = ""
		}
	case domain.ReportRectificationCompleted:
		actions := strings.TrimSpace(p.RectificationActions)
		if actions == "" {
			actions = strings.TrimSpace(r.RectificationActions)
		}
		if actions == "" {
			return r, rule, required(rule.Require)
		}
		next.RectificationActions = actions
		if len(p.RectificationPhotos) > 0 {
			next.RectificationPhotos = append([]string(nil), p.RectificationPhotos...)
		}
	}
	next.Status = to
	return next, rule, nil
}

func authorizeReport(rule ReportRule, r domain.InspectionReport, actor domain.ActorContext) error {
	if actor.Role != rule.Role {
		return AuthorizationError{ActorID: actor.ID, Role: actor.Role, Required: []domain.Role{rule.Role}}
	}
	if rule.Owner && actor.ID != r.InspectorID {
		return AuthorizationError{ActorID: actor.ID, Role: actor.Role, Reason: "only the report's inspector may do this"}
	}
	return nil
}

// CanEditReportItems reports whether the actor may change checklist scores.
func CanEditReportItems(r domain.InspectionReport, actor domain.ActorContext) error {
	if actor.Role != domain.RoleInspector {
		return AuthorizationError{ActorID: actor.ID, Role: actor.Role, Required: []domain.Role{domain.RoleInspector}}
	}
	if actor.ID != r.InspectorID {
		return AuthorizationError{ActorID: actor.ID, Role: actor.Role, Reason: "only the report's inspector may edit items"}
	}
	if r.Status != domain.ReportDraft && r.Status != domain.ReportReturned {
		return ValidationError{Code: "not_editable", Field: "items", Message: fmt.Sprintf("items are read-only while %s", r.Status)}
	}
	return nil
}

// CanEditRectification reports whether the actor may record remediation.
func CanEditRectification(r domain.InspectionReport, actor domain.ActorContext) error {
	if actor.Role != domain.RoleContractor {
		return AuthorizationError{ActorID: actor.ID, Role: actor.Role, Required: []domain.Role{domain.RoleContractor}}
	}
	if r.Status != domain.ReportRectificationRequired {
		return ValidationError{Code: "not_editable", Field: "rectification", Message: fmt.Sprintf("rectification is read-only while %s", r.Status)}
	}
	return nil
}

// ValidateItems checks that items cover the report's template exactly and
// that every score is within range.
func ValidateItems(tpl domain.ChecklistTemplate, items []domain.ScoredItem) error {
	limits := make(map[string]int, len(tpl.Items))
	for _, ci := range tpl.Items {
		limits[ci.ID] = ci.MaxScore
	}
	if len(items) != len(tpl.Items) {
		return ValidationError{Code: "item_mismatch", Field: "items", Message: fmt.Sprintf("expected %d items, got %d", len(tpl.Items), len(items))}
	}
	seen := make(map[string]bool, len(items))
	for _, it := range items {
		limit, ok := limits[it.ItemID]
		if !ok {
			return ValidationError{Code: "item_mismatch", Field: "items", Message: fmt.Sprintf("unknown item %s", it.ItemID)}
		}
		if seen[it.ItemID] {
			return ValidationError{Code: "item_mismatch", Field: "items", Message: fmt.Sprintf("duplicate item %s", it.ItemID)}
		}
		seen[it.ItemID] = true
		if it.Score < 0 || it.Score > limit {
			return ValidationError{Code: "score_out_of_range", Field: "items." + it.ItemID, Message: fmt.Sprintf("score %d outside 0..%d", it.Score, limit)}
		}
	}
	return nil
}

// SnapshotItems seeds a new report with every item at full marks.
func SnapshotItems(tpl domain.ChecklistTemplate) []domain.ScoredItem {
	items := make([]domain.ScoredItem, 0, len(tpl.Items))
	for _, ci := range tpl.Items {
		items = append(items, domain.ScoredItem{ItemID: ci.ID, Score: ci.MaxScore})
	}
	return items
}

func CloneReport(r domain.InspectionReport) domain.InspectionReport {
	out := r
	out.Items = make([]domain.ScoredItem, len(r.Items))
	for i, it := range r.Items {
		it.Defects = append([]string(nil), it.Defects...)
		it.Photos = append([]string(nil), it.Photos...)
		out.Items[i] = it
	}
	out.Template.Items = append([]domain.ChecklistItem(nil), r.Template.Items...)
	out.RectificationPhotos = append([]string(nil), r.RectificationPhotos...)
	return out
}

func containsStatus(list []domain.ReportStatus, s domain.ReportStatus) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
