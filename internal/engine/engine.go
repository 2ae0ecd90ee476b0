package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"inspectline/internal/compliance"
	"inspectline/internal/config"
	"inspectline/internal/domain"
	"inspectline/internal/events"
	"inspectline/internal/lockx"
	"inspectline/internal/logging"
	"inspectline/internal/metrics"
	"inspectline/internal/notify"
	"inspectline/internal/repo"
	"inspectline/internal/scheduler"
	"inspectline/internal/workflow"
)

// TemplateResolver yields the checklist a location is inspected against.
type TemplateResolver interface {
	ResolveChecklistTemplate(locationID string) (domain.ChecklistTemplate, error)
}

// Roster lists inspectors eligible for task assignment, in a stable order.
type Roster interface {
	ActiveInspectors() []string
}

type Engine struct {
	DB        *sql.DB
	Repo      repo.Repo
	Events    events.Writer
	Config    *config.Config
	Templates TemplateResolver
	Roster    Roster
	Notifier  notify.Emitter
	Locker    lockx.Locker
	Logger    *logrus.Logger
	Now       func() time.Time
}

func New(db *sql.DB, cfg *config.Config) Engine {
	e := Engine{
		DB:       db,
		Repo:     repo.Repo{DB: db},
		Config:   cfg,
		Notifier: notify.Discard{},
		Locker:   lockx.Noop{},
		Logger:   logging.Discard(),
		Now:      time.Now,
	}
	if cfg != nil {
		e.Templates = cfg
		e.Roster = cfg
		e.Logger = logging.New(cfg.Log)
	}
	e.Events = events.Writer{Now: e.now}
	return e
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) stamp() string {
	return e.now().UTC().Format(time.RFC3339)
}

func (e Engine) logger() *logrus.Logger {
	if e.Logger == nil {
		return logging.Discard()
	}
	return e.Logger
}

func (e Engine) commitTimeout() time.Duration {
	if e.Config == nil {
		return 5 * time.Second
	}
	return e.Config.CommitTimeout()
}

// commit runs fn inside one transaction bounded by the commit timeout.
// Store failures surface as PersistenceError; workflow errors pass through.
func (e Engine) commit(ctx context.Context, kind, op string, fn func(ctx context.Context, tx *sql.Tx) error) error {
	ctx, cancel := context.WithTimeout(ctx, e.commitTimeout())
	defer cancel()
	start := time.Now()
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return persistence(op, err)
	}
	defer tx.Rollback()
	if err := fn(ctx, tx); err != nil {
		return persistence(op, err)
	}
	if err := tx.Commit(); err != nil {
		return persistence(op, err)
	}
	metrics.ObserveCommit(kind, time.Since(start))
	return nil
}

func persistence(op string, err error) error {
	var (
		ve workflow.ValidationError
		ae workflow.AuthorizationError
		ce workflow.ConflictError
		pe workflow.PersistenceError
	)
	switch {
	case errors.As(err, &ve), errors.As(err, &ae), errors.As(err, &ce), errors.As(err, &pe):
		return err
	case errors.Is(err, repo.ErrNotFound):
		return err
	}
	return workflow.PersistenceError{Op: op, Err: err}
}

// load wraps read failures so callers can tell a missing record from a broken store.
func load[T any](op string, fn func() (T, error)) (T, error) {
	v, err := fn()
	if err == nil || errors.Is(err, repo.ErrNotFound) {
		return v, err
	}
	return v, workflow.PersistenceError{Op: op, Err: err}
}

// queueNotification stores a notification in the transition's transaction.
// The returned value is delivered to sinks only after commit.
func (e Engine) queueNotification(ctx context.Context, tx *sql.Tx, actorID, userID string, typ domain.NotificationType, message, link string) (domain.Notification, error) {
	n := notify.New(userID, typ, message, link, e.now())
	if err := e.Repo.InsertNotification(ctx, tx, n); err != nil {
		return n, err
	}
	err := e.Events.Append(ctx, tx, events.NotificationCreated, "notification", n.ID, actorID, events.EventPayload{
		"user_id": n.UserID,
		"type":    n.Type,
		"message": n.Message,
		"link":    n.Link,
	})
	return n, err
}

func (e Engine) deliver(ctx context.Context, notes []domain.Notification) {
	if e.Notifier == nil {
		return
	}
	for _, n := range notes {
		if err := e.Notifier.Emit(ctx, n); err != nil {
			logging.LogError(e.logger(), "engine", "deliver", "notification delivery failed", logrus.Fields{"notification_id": n.ID, "user_id": n.UserID}, err)
		}
	}
}

func (e Engine) recipient(r workflow.Recipient, inspectorID, authorID string) string {
	switch r {
	case workflow.NotifySupervisor:
		if e.Config != nil {
			return e.Config.Notifications.SupervisorID
		}
	case workflow.NotifyContractor:
		if e.Config != nil {
			return e.Config.Notifications.ContractorID
		}
	case workflow.NotifyInspector:
		return inspectorID
	case workflow.NotifyAuthor:
		return authorID
	}
	return ""
}

func (e Engine) locationName(id string) string {
	if e.Config != nil {
		if loc, ok := e.Config.Location(id); ok && loc.Name != "" {
			return loc.Name
		}
	}
	return id
}

func (e Engine) actorName(ctx context.Context, tx *sql.Tx, id string) string {
	if a, err := e.Repo.GetActorTx(ctx, tx, id); err == nil && a.Name != "" {
		return a.Name
	}
	return id
}

func (e Engine) schedulerSettings() scheduler.Settings {
	s := scheduler.DefaultSettings()
	if e.Config == nil {
		return s
	}
	if d := e.Config.Scheduler.StalenessDays; d > 0 {
		s.Staleness = time.Duration(d) * 24 * time.Hour
	}
	if t := e.Config.Scheduler.LowScoreThreshold; t > 0 {
		s.LowScoreThreshold = t
	}
	if d := e.Config.Scheduler.DueInDays; d > 0 {
		s.DueIn = time.Duration(d) * 24 * time.Hour
	}
	return s
}

func (e Engine) rates() (compliance.RateTable, []string) {
	if e.Config == nil {
		return compliance.RateTable{}, nil
	}
	return compliance.RateTable(e.Config.Penalties.Rates), e.Config.Penalties.Categories
}

func (e Engine) roster() []string {
	if e.Roster == nil {
		return nil
	}
	return e.Roster.ActiveInspectors()
}

func reference(prefix string, n int) string {
	return fmt.Sprintf("%s-%04d", prefix, n)
}

// parseDay accepts RFC 3339 timestamps and plain dates.
func parseDay(v string) (time.Time, bool) {
	v = strings.TrimSpace(v)
	if t, err := time.Parse(time.RFC3339, v); err == nil {
		return t, true
	}
	if t, err := time.Parse("2006-01-02", v); err == nil {
		return t, true
	}
	return time.Time{}, false
}

func notFound(kind, id string) error {
	return fmt.Errorf("%s %s: %w", kind, id, repo.ErrNotFound)
}
