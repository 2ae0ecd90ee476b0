package engine

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"inspectline/internal/compliance"
	"inspectline/internal/domain"
	"inspectline/internal/events"
	"inspectline/internal/metrics"
	"inspectline/internal/notify"
	"inspectline/internal/repo"
	"inspectline/internal/workflow"
)

const (
	kindReport      = "report"
	reportSequence  = "report"
	reportRefPrefix = "INSP"
)

type CreateReportInput struct {
	LocationID string              `json:"location_id"`
	Date       string              `json:"date,omitempty"`
	Items      []domain.ScoredItem `json:"items,omitempty"`
}

type ReportTransitionRequest struct {
	ReportID        string
	To              domain.ReportStatus
	Actor           domain.ActorContext
	ExpectedVersion int
	Payload         workflow.ReportPayload
}

type ReportResult struct {
	Report   domain.InspectionReport `json:"report"`
	Score    float64                 `json:"score"`
	Replayed bool                    `json:"replayed"`
}

// ComputeComplianceScore scores a report against its snapshotted template,
// falling back to the location's current template for reports without one.
func (e Engine) ComputeComplianceScore(r domain.InspectionReport) float64 {
	tpl := r.Template
	if len(tpl.Items) == 0 && e.Templates != nil {
		resolved, err := e.Templates.ResolveChecklistTemplate(r.LocationID)
		if err != nil {
			return 0
		}
		tpl = resolved
	}
	return compliance.Score(tpl, r.Items)
}

func (e Engine) result(r domain.InspectionReport, replayed bool) ReportResult {
	return ReportResult{Report: r, Score: e.ComputeComplianceScore(r), Replayed: replayed}
}

func (e Engine) CreateReport(ctx context.Context, actor domain.ActorContext, in CreateReportInput) (domain.InspectionReport, error) {
	if actor.Role != domain.RoleInspector {
		return domain.InspectionReport{}, workflow.AuthorizationError{ActorID: actor.ID, Role: actor.Role, Required: []domain.Role{domain.RoleInspector}}
	}
	if strings.TrimSpace(in.LocationID) == "" {
		return domain.InspectionReport{}, workflow.ValidationError{Code: "required", Field: "location_id", Message: "must not be empty"}
	}
	if e.Templates == nil {
		return domain.InspectionReport{}, errors.New("template resolver not configured")
	}
	tpl, err := e.Templates.ResolveChecklistTemplate(in.LocationID)
	if err != nil {
		return domain.InspectionReport{}, workflow.ValidationError{Code: "unknown_location", Field: "location_id", Message: err.Error()}
	}
	items := workflow.SnapshotItems(tpl)
	if len(in.Items) > 0 {
		if err := workflow.ValidateItems(tpl, in.Items); err != nil {
			return domain.InspectionReport{}, err
		}
		items = in.Items
	}
	now := e.stamp()
	date := strings.TrimSpace(in.Date)
	if date == "" {
		date = now
	} else if _, ok := parseDay(date); !ok {
		return domain.InspectionReport{}, workflow.ValidationError{Code: "invalid_date", Field: "date", Message: "expected YYYY-MM-DD or RFC 3339"}
	}
	rep := domain.InspectionReport{
		ID:          uuid.NewString(),
		InspectorID: actor.ID,
		LocationID:  in.LocationID,
		Date:        date,
		Status:      domain.ReportDraft,
		Items:       items,
		Template:    tpl,
		Version:     1,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	err = e.commit(ctx, kindReport, "create report", func(ctx context.Context, tx *sql.Tx) error {
		if err := e.Repo.InsertReport(ctx, tx, rep); err != nil {
			return err
		}
		return e.Events.Append(ctx, tx, events.ReportCreated, kindReport, rep.ID, actor.ID, events.EventPayload{
			"location_id": rep.LocationID,
			"template_id": tpl.ID,
		})
	})
	if err != nil {
		return domain.InspectionReport{}, err
	}
	return rep, nil
}

func (e Engine) GetReport(ctx context.Context, id string) (domain.InspectionReport, error) {
	rep, err := load("get report", func() (domain.InspectionReport, error) { return e.Repo.GetReport(ctx, id) })
	if errors.Is(err, repo.ErrNotFound) {
		return rep, notFound(kindReport, id)
	}
	return rep, err
}

func (e Engine) ListReports(ctx context.Context, f repo.ReportFilters) ([]domain.InspectionReport, error) {
	return load("list reports", func() ([]domain.InspectionReport, error) { return e.Repo.ListReports(ctx, f) })
}

// UpdateReportItems replaces checklist scores while the report is editable.
func (e Engine) UpdateReportItems(ctx context.Context, actor domain.ActorContext, id string, expectedVersion int, items []domain.ScoredItem) (domain.InspectionReport, error) {
	current, err := e.GetReport(ctx, id)
	if err != nil {
		return current, err
	}
	if current.Version != expectedVersion {
		return current, reportConflict(current, expectedVersion)
	}
	if err := workflow.CanEditReportItems(current, actor); err != nil {
		return current, err
	}
	if err := workflow.ValidateItems(current.Template, items); err != nil {
		return current, err
	}
	next := workflow.CloneReport(current)
	next.Items = append([]domain.ScoredItem(nil), items...)
	return e.saveReportEdit(ctx, actor, current, next, "items")
}

// UpdateRectification records the contractor's remediation notes and photos.
func (e Engine) UpdateRectification(ctx context.Context, actor domain.ActorContext, id string, expectedVersion int, actions string, photos []string) (domain.InspectionReport, error) {
	current, err := e.GetReport(ctx, id)
	if err != nil {
		return current, err
	}
	if current.Version != expectedVersion {
		return current, reportConflict(current, expectedVersion)
	}
	if err := workflow.CanEditRectification(current, actor); err != nil {
		return current, err
	}
	next := workflow.CloneReport(current)
	next.RectificationActions = strings.TrimSpace(actions)
	if photos != nil {
		next.RectificationPhotos = append([]string(nil), photos...)
	}
	return e.saveReportEdit(ctx, actor, current, next, "rectification")
}

func (e Engine) saveReportEdit(ctx context.Context, actor domain.ActorContext, current, next domain.InspectionReport, what string) (domain.InspectionReport, error) {
	next.Version = current.Version + 1
	next.UpdatedAt = e.stamp()
	err := e.commit(ctx, kindReport, "update report", func(ctx context.Context, tx *sql.Tx) error {
		if err := e.casReport(ctx, tx, next, current.Version); err != nil {
			return err
		}
		return e.Events.Append(ctx, tx, events.ReportUpdated, kindReport, next.ID, actor.ID, events.EventPayload{
			"field":   what,
			"version": next.Version,
		})
	})
	if err != nil {
		return current, err
	}
	return next, nil
}

func (e Engine) casReport(ctx context.Context, tx *sql.Tx, next domain.InspectionReport, expected int) error {
	err := e.Repo.UpdateReport(ctx, tx, next, expected)
	if !errors.Is(err, repo.ErrStale) {
		return err
	}
	fresh, gerr := e.Repo.GetReportTx(ctx, tx, next.ID)
	if gerr != nil {
		return gerr
	}
	return reportConflict(fresh, expected)
}

func reportConflict(current domain.InspectionReport, expected int) workflow.ConflictError {
	return workflow.ConflictError{Kind: kindReport, ID: current.ID, Expected: expected, Actual: current.Version, Current: current}
}

// ApplyReportTransition validates and commits one report transition. On any
// error the returned result carries the last durable record.
func (e Engine) ApplyReportTransition(ctx context.Context, req ReportTransitionRequest) (ReportResult, error) {
	current, err := e.GetReport(ctx, req.ReportID)
	if err != nil {
		return ReportResult{Report: current}, err
	}
	key := repo.TransitionKey{
		Kind:        kindReport,
		RecordID:    current.ID,
		ToStatus:    string(req.To),
		ActorID:     req.Actor.ID,
		FromVersion: req.ExpectedVersion,
	}
	seen, _, err := e.Repo.FindTransition(ctx, nil, key)
	if err != nil {
		return e.result(current, false), workflow.PersistenceError{Op: "find transition", Err: err}
	}
	if seen {
		metrics.IncTransition(kindReport, string(req.To), "replayed")
		return e.result(current, true), nil
	}
	if current.Version != req.ExpectedVersion {
		metrics.IncTransition(kindReport, string(req.To), "conflict")
		return e.result(current, false), reportConflict(current, req.ExpectedVersion)
	}
	next, rule, err := workflow.PlanReport(current, req.To, req.Actor, req.Payload)
	if err != nil {
		metrics.IncTransition(kindReport, string(req.To), "rejected")
		return e.result(current, false), err
	}

	now := e.stamp()
	next.Version = current.Version + 1
	next.UpdatedAt = now
	score := e.ComputeComplianceScore(next)
	var notes []domain.Notification
	err = e.commit(ctx, kindReport, "report transition", func(ctx context.Context, tx *sql.Tx) error {
		if rule.AssignReference && next.ReferenceNumber == "" {
			n, err := e.Repo.NextSequence(ctx, tx, reportSequence)
			if err != nil {
				return err
			}
			next.ReferenceNumber = reference(reportRefPrefix, n)
		}
		if err := e.casReport(ctx, tx, next, current.Version); err != nil {
			return err
		}
		if err := e.Repo.RecordTransition(ctx, tx, key, next.Version, now); err != nil {
			return err
		}
		if next.Status == domain.ReportSubmitted {
			taskID, err := e.Repo.CompletePendingTask(ctx, tx, next.LocationID, next.InspectorID, next.ID)
			if err != nil {
				return err
			}
			if taskID != "" {
				if err := e.Events.Append(ctx, tx, events.TaskCompleted, "task", taskID, req.Actor.ID, events.EventPayload{"report_id": next.ID}); err != nil {
					return err
				}
			}
		}
		if err := e.Events.Append(ctx, tx, events.ReportTransitioned, kindReport, next.ID, req.Actor.ID, events.EventPayload{
			"from":      current.Status,
			"to":        next.Status,
			"version":   next.Version,
			"score":     compliance.Round1(score),
			"reference": next.ReferenceNumber,
		}); err != nil {
			return err
		}
		n, ok, err := e.reportNotification(ctx, tx, rule, current, next, req.Actor, score)
		if err != nil {
			return err
		}
		if ok {
			notes = append(notes, n)
		}
		return nil
	})
	if err != nil {
		metrics.IncTransition(kindReport, string(req.To), "failed")
		var ce workflow.ConflictError
		if errors.As(err, &ce) {
			if fresh, ok := ce.Current.(domain.InspectionReport); ok {
				return e.result(fresh, false), err
			}
		}
		return e.result(current, false), err
	}
	metrics.IncTransition(kindReport, string(req.To), "applied")
	e.logger().WithFields(logrus.Fields{
		"module":    "engine",
		"report_id": next.ID,
		"from":      current.Status,
		"to":        next.Status,
		"actor_id":  req.Actor.ID,
		"version":   next.Version,
	}).Info("report transitioned")
	e.deliver(ctx, notes)
	return ReportResult{Report: next, Score: score}, nil
}

func (e Engine) reportNotification(ctx context.Context, tx *sql.Tx, rule workflow.ReportRule, prev, next domain.InspectionReport, actor domain.ActorContext, score float64) (domain.Notification, bool, error) {
	userID := e.recipient(rule.Notify, next.InspectorID, "")
	if userID == "" {
		return domain.Notification{}, false, nil
	}
	loc := e.locationName(next.LocationID)
	var (
		msg string
		typ = domain.NotificationInfo
	)
	switch next.Status {
	case domain.ReportSubmitted:
		msg = notify.ReportSubmitted(next, loc, e.actorName(ctx, tx, next.InspectorID))
	case domain.ReportApproved:
		msg = notify.ReportApproved(next, loc)
	case domain.ReportReturned:
		msg, typ = notify.ReportReturned(next, loc), domain.NotificationAlert
	case domain.ReportRectificationRequired:
		typ = domain.NotificationAlert
		if prev.Status == domain.ReportRectificationCompleted {
			msg = notify.RectificationRejected(next, loc)
		} else {
			msg = notify.RectificationRequired(next, loc, compliance.Round1(score))
		}
	case domain.ReportRectificationCompleted:
		msg = notify.RectificationCompleted(next, loc)
	default:
		return domain.Notification{}, false, nil
	}
	n, err := e.queueNotification(ctx, tx, actor.ID, userID, typ, msg, notify.ReportLink(next.ID))
	return n, err == nil, err
}

// AllowedReportTransitions lists the states actor may move the report to now.
func (e Engine) AllowedReportTransitions(r domain.InspectionReport, actor domain.ActorContext) []domain.ReportStatus {
	return workflow.AllowedReportTransitions(r, actor)
}
