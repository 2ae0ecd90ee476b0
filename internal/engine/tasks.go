package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"inspectline/internal/domain"
	"inspectline/internal/engine/auth"
	"inspectline/internal/events"
	"inspectline/internal/lockx"
	"inspectline/internal/metrics"
	"inspectline/internal/notify"
	"inspectline/internal/repo"
	"inspectline/internal/scheduler"
	"inspectline/internal/workflow"
)

const (
	kindTask     = "task"
	tasksLockKey = "tasks"
	tasksLockTTL = 30 * time.Second
)

// ProposalEdit changes an unpublished proposal. Nil fields are left alone.
type ProposalEdit struct {
	ID          string               `json:"id"`
	InspectorID *string              `json:"inspector_id,omitempty"`
	DueDate     *string              `json:"due_date,omitempty"`
	Priority    *domain.TaskPriority `json:"priority,omitempty"`
}

// ManualProposal adds an operator-chosen location to the batch.
type ManualProposal struct {
	LocationID  string              `json:"location_id"`
	InspectorID string              `json:"inspector_id,omitempty"`
	DueDate     string              `json:"due_date,omitempty"`
	Priority    domain.TaskPriority `json:"priority,omitempty"`
}

func (e Engine) withTasksLock(ctx context.Context, fn func() error) error {
	locker := e.Locker
	if locker == nil {
		locker = lockx.Noop{}
	}
	release, err := locker.Obtain(ctx, tasksLockKey, tasksLockTTL)
	if err != nil {
		if errors.Is(err, lockx.ErrNotObtained) {
			return workflow.ConflictError{Kind: "task batch", ID: tasksLockKey}
		}
		return workflow.PersistenceError{Op: "obtain tasks lock", Err: err}
	}
	defer func() {
		if err := release(context.Background()); err != nil {
			e.logger().WithError(err).WithField("module", "engine").Warn("release tasks lock")
		}
	}()
	return fn()
}

// GenerateTaskProposals replaces the unpublished batch with a fresh pass
// over every configured location.
func (e Engine) GenerateTaskProposals(ctx context.Context, actor domain.ActorContext) ([]domain.TaskProposal, error) {
	if err := auth.Require(actor, domain.RoleSupervisor); err != nil {
		return nil, err
	}
	if e.Config == nil {
		return nil, errors.New("config not loaded")
	}
	var proposals []domain.TaskProposal
	err := e.withTasksLock(ctx, func() error {
		return e.commit(ctx, kindTask, "generate proposals", func(ctx context.Context, tx *sql.Tx) error {
			pending, err := e.Repo.PendingLocations(ctx, tx)
			if err != nil {
				return err
			}
			latest, err := e.Repo.LatestVisits(ctx, tx)
			if err != nil {
				return err
			}
			visits := make(map[string]scheduler.Visit, len(latest))
			for loc, rep := range latest {
				day, ok := parseDay(rep.Date)
				if !ok {
					day, _ = parseDay(rep.CreatedAt)
				}
				visits[loc] = scheduler.Visit{ReportID: rep.ID, Date: day, Score: e.ComputeComplianceScore(rep)}
			}
			proposals, err = scheduler.Generate(scheduler.Input{
				Now:        e.now(),
				Locations:  e.Config.DomainLocations(),
				LastVisits: visits,
				Pending:    pending,
				Roster:     e.roster(),
			}, e.schedulerSettings())
			if err != nil {
				return err
			}
			if err := e.Repo.ReplaceProposals(ctx, tx, proposals); err != nil {
				return err
			}
			return e.Events.Append(ctx, tx, events.TaskProposalsGenerated, kindTask, "", actor.ID, events.EventPayload{"count": len(proposals)})
		})
	})
	if err != nil {
		return nil, err
	}
	return proposals, nil
}

func (e Engine) ListProposals(ctx context.Context) ([]domain.TaskProposal, error) {
	return load("list proposals", func() ([]domain.TaskProposal, error) { return e.Repo.ListProposals(ctx) })
}

func (e Engine) checkInspector(id string) error {
	for _, r := range e.roster() {
		if r == id {
			return nil
		}
	}
	return workflow.ValidationError{Code: "unknown_inspector", Field: "inspector_id", Message: fmt.Sprintf("%s is not an active inspector", id)}
}

func checkDue(v string) error {
	if _, ok := parseDay(v); !ok {
		return workflow.ValidationError{Code: "invalid_date", Field: "due_date", Message: "expected YYYY-MM-DD or RFC 3339"}
	}
	return nil
}

func checkPriority(p domain.TaskPriority) error {
	if !p.IsValid() {
		return workflow.ValidationError{Code: "invalid_priority", Field: "priority", Message: fmt.Sprintf("unknown priority %q", p)}
	}
	return nil
}

func (e Engine) EditProposal(ctx context.Context, actor domain.ActorContext, edit ProposalEdit) (domain.TaskProposal, error) {
	if err := auth.Require(actor, domain.RoleSupervisor); err != nil {
		return domain.TaskProposal{}, err
	}
	if edit.InspectorID != nil {
		if err := e.checkInspector(*edit.InspectorID); err != nil {
			return domain.TaskProposal{}, err
		}
	}
	if edit.DueDate != nil {
		if err := checkDue(*edit.DueDate); err != nil {
			return domain.TaskProposal{}, err
		}
	}
	if edit.Priority != nil {
		if err := checkPriority(*edit.Priority); err != nil {
			return domain.TaskProposal{}, err
		}
	}
	var out domain.TaskProposal
	err := e.commit(ctx, kindTask, "edit proposal", func(ctx context.Context, tx *sql.Tx) error {
		p, err := e.Repo.GetProposalTx(ctx, tx, edit.ID)
		if err != nil {
			if errors.Is(err, repo.ErrNotFound) {
				return notFound("proposal", edit.ID)
			}
			return err
		}
		if edit.InspectorID != nil {
			p.InspectorID = *edit.InspectorID
		}
		if edit.DueDate != nil {
			p.DueDate = strings.TrimSpace(*edit.DueDate)
		}
		if edit.Priority != nil {
			p.Priority = *edit.Priority
		}
		if err := e.Repo.UpdateProposal(ctx, tx, p); err != nil {
			return err
		}
		out = p
		return e.Events.Append(ctx, tx, events.TaskProposalChanged, kindTask, p.ID, actor.ID, events.EventPayload{
			"op":           "edit",
			"inspector_id": p.InspectorID,
			"due_date":     p.DueDate,
			"priority":     p.Priority,
		})
	})
	return out, err
}

func (e Engine) RemoveProposal(ctx context.Context, actor domain.ActorContext, id string) error {
	if err := auth.Require(actor, domain.RoleSupervisor); err != nil {
		return err
	}
	return e.commit(ctx, kindTask, "remove proposal", func(ctx context.Context, tx *sql.Tx) error {
		if err := e.Repo.DeleteProposal(ctx, tx, id); err != nil {
			if errors.Is(err, repo.ErrNotFound) {
				return notFound("proposal", id)
			}
			return err
		}
		return e.Events.Append(ctx, tx, events.TaskProposalChanged, kindTask, id, actor.ID, events.EventPayload{"op": "remove"})
	})
}

func (e Engine) AddProposal(ctx context.Context, actor domain.ActorContext, in ManualProposal) (domain.TaskProposal, error) {
	if err := auth.Require(actor, domain.RoleSupervisor); err != nil {
		return domain.TaskProposal{}, err
	}
	if e.Config == nil {
		return domain.TaskProposal{}, errors.New("config not loaded")
	}
	if _, ok := e.Config.Location(in.LocationID); !ok {
		return domain.TaskProposal{}, workflow.ValidationError{Code: "unknown_location", Field: "location_id", Message: fmt.Sprintf("unknown location %s", in.LocationID)}
	}
	if in.InspectorID != "" {
		if err := e.checkInspector(in.InspectorID); err != nil {
			return domain.TaskProposal{}, err
		}
	} else if len(e.roster()) == 0 {
		return domain.TaskProposal{}, workflow.ValidationError{Code: "empty_roster", Field: "inspector_id", Message: "no active inspectors to assign"}
	}
	now := e.now().UTC()
	p := domain.TaskProposal{
		ID:          uuid.NewString(),
		LocationID:  in.LocationID,
		InspectorID: in.InspectorID,
		DueDate:     strings.TrimSpace(in.DueDate),
		Priority:    in.Priority,
		Reason:      domain.ReasonManual,
		CreatedAt:   now.Format(time.RFC3339),
	}
	if p.DueDate == "" {
		p.DueDate = now.Add(e.schedulerSettings().DueIn).Format(time.RFC3339)
	} else if err := checkDue(p.DueDate); err != nil {
		return domain.TaskProposal{}, err
	}
	if p.Priority == "" {
		p.Priority = domain.PriorityNormal
	} else if err := checkPriority(p.Priority); err != nil {
		return domain.TaskProposal{}, err
	}
	err := e.commit(ctx, kindTask, "add proposal", func(ctx context.Context, tx *sql.Tx) error {
		if p.InspectorID == "" {
			batch, err := e.Repo.ListProposalsTx(ctx, tx)
			if err != nil {
				return err
			}
			roster := e.roster()
			p.InspectorID = roster[len(batch)%len(roster)]
		}
		if err := e.Repo.AppendProposal(ctx, tx, p); err != nil {
			return err
		}
		return e.Events.Append(ctx, tx, events.TaskProposalChanged, kindTask, p.ID, actor.ID, events.EventPayload{
			"op":          "add",
			"location_id": p.LocationID,
		})
	})
	if err != nil {
		return domain.TaskProposal{}, err
	}
	return p, nil
}

// PublishTasks commits the selected proposals as pending tasks in one
// transaction. Ids already published are returned as they are.
func (e Engine) PublishTasks(ctx context.Context, actor domain.ActorContext, ids []string) ([]domain.InspectionTask, error) {
	if err := auth.Require(actor, domain.RoleSupervisor); err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, scheduler.ValidatePublish(nil, nil)
	}
	var (
		out   []domain.InspectionTask
		fresh []domain.InspectionTask
		notes []domain.Notification
	)
	err := e.withTasksLock(ctx, func() error {
		return e.commit(ctx, kindTask, "publish tasks", func(ctx context.Context, tx *sql.Tx) error {
			var selected []domain.TaskProposal
			seen := make(map[string]bool, len(ids))
			for _, id := range ids {
				if seen[id] {
					continue
				}
				seen[id] = true
				if t, err := e.Repo.GetTaskTx(ctx, tx, id); err == nil {
					out = append(out, t)
					continue
				} else if !errors.Is(err, repo.ErrNotFound) {
					return err
				}
				p, err := e.Repo.GetProposalTx(ctx, tx, id)
				if errors.Is(err, repo.ErrNotFound) {
					return workflow.ValidationError{Code: "unknown_task", Field: "ids", Message: fmt.Sprintf("no proposal or task %s", id)}
				}
				if err != nil {
					return err
				}
				selected = append(selected, p)
			}
			if len(selected) == 0 {
				return nil
			}
			pending, err := e.Repo.PendingLocations(ctx, tx)
			if err != nil {
				return err
			}
			if err := scheduler.ValidatePublish(selected, pending); err != nil {
				return err
			}
			generated := e.stamp()
			locations := make([]string, 0, len(selected))
			for _, p := range selected {
				t := scheduler.ToTask(p, generated)
				if err := e.Repo.InsertTask(ctx, tx, t); err != nil {
					return err
				}
				fresh = append(fresh, t)
				locations = append(locations, p.LocationID)
			}
			if err := e.Repo.DeleteProposalsForLocations(ctx, tx, locations); err != nil {
				return err
			}
			taskIDs := make([]string, len(fresh))
			for i, t := range fresh {
				taskIDs[i] = t.ID
			}
			if err := e.Events.Append(ctx, tx, events.TasksPublished, kindTask, "", actor.ID, events.EventPayload{"task_ids": taskIDs}); err != nil {
				return err
			}
			notes, err = e.assignmentNotifications(ctx, tx, actor, fresh)
			return err
		})
	})
	if err != nil {
		return nil, err
	}
	metrics.AddTasksPublished(len(fresh))
	if len(fresh) > 0 {
		e.logger().WithFields(logrus.Fields{"module": "engine", "published": len(fresh), "actor_id": actor.ID}).Info("tasks published")
	}
	e.deliver(ctx, notes)
	return append(out, fresh...), nil
}

// assignmentNotifications tells each assigned inspector once, naming the
// earliest due date among their new tasks.
func (e Engine) assignmentNotifications(ctx context.Context, tx *sql.Tx, actor domain.ActorContext, tasks []domain.InspectionTask) ([]domain.Notification, error) {
	byInspector := make(map[string][]domain.InspectionTask)
	var order []string
	for _, t := range tasks {
		if _, ok := byInspector[t.InspectorID]; !ok {
			order = append(order, t.InspectorID)
		}
		byInspector[t.InspectorID] = append(byInspector[t.InspectorID], t)
	}
	var notes []domain.Notification
	for _, inspector := range order {
		assigned := byInspector[inspector]
		sort.Slice(assigned, func(i, j int) bool { return assigned[i].DueDate < assigned[j].DueDate })
		due := assigned[0].DueDate
		if t, ok := parseDay(due); ok {
			due = t.Format("2006-01-02")
		}
		n, err := e.queueNotification(ctx, tx, actor.ID, inspector, domain.NotificationInfo, notify.TasksAssigned(len(assigned), due), notify.TasksLink)
		if err != nil {
			return nil, err
		}
		notes = append(notes, n)
	}
	return notes, nil
}

func (e Engine) ListTasks(ctx context.Context, f repo.TaskFilters) ([]domain.InspectionTask, error) {
	return load("list tasks", func() ([]domain.InspectionTask, error) { return e.Repo.ListTasks(ctx, f) })
}

func (e Engine) GetTask(ctx context.Context, id string) (domain.InspectionTask, error) {
	t, err := load("get task", func() (domain.InspectionTask, error) { return e.Repo.GetTask(ctx, id) })
	if errors.Is(err, repo.ErrNotFound) {
		return t, notFound("task", id)
	}
	return t, err
}
