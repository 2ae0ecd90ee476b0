package engine

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"

	"github.com/google/uuid"

	"inspectline/internal/compliance"
	"inspectline/internal/domain"
	"inspectline/internal/engine/auth"
	"inspectline/internal/repo"
	"inspectline/internal/workflow"
)

type ZoneSummary struct {
	Zone      string          `json:"zone"`
	Locations int             `json:"locations"`
	Inspected int             `json:"inspected"`
	Average   float64         `json:"average"`
	Band      compliance.Band `json:"band,omitempty"`
}

type LocationScore struct {
	LocationID string  `json:"location_id"`
	Name       string  `json:"name"`
	Zone       string  `json:"zone"`
	ReportID   string  `json:"report_id"`
	Score      float64 `json:"score"`
}

type Summary struct {
	GeneratedAt    string          `json:"generated_at"`
	Zones          []ZoneSummary   `json:"zones"`
	LowScore       []LocationScore `json:"low_score"`
	PendingTasks   int             `json:"pending_tasks"`
	PendingInvoice int             `json:"pending_invoices"`
}

// ComplianceSummary averages the latest non-draft report score per zone and
// lists locations scoring under the low-score threshold.
func (e Engine) ComplianceSummary(ctx context.Context) (Summary, error) {
	if e.Config == nil {
		return Summary{}, errors.New("config not loaded")
	}
	latest, err := load("latest visits", func() (map[string]domain.InspectionReport, error) { return e.Repo.LatestVisits(ctx, nil) })
	if err != nil {
		return Summary{}, err
	}
	threshold := e.schedulerSettings().LowScoreThreshold
	type acc struct {
		locations, inspected int
		sum                  float64
	}
	zones := map[string]*acc{}
	var order []string
	out := Summary{GeneratedAt: e.stamp(), Zones: []ZoneSummary{}, LowScore: []LocationScore{}}
	for _, loc := range e.Config.DomainLocations() {
		z, ok := zones[loc.Zone]
		if !ok {
			z = &acc{}
			zones[loc.Zone] = z
			order = append(order, loc.Zone)
		}
		z.locations++
		rep, ok := latest[loc.ID]
		if !ok {
			continue
		}
		score := e.ComputeComplianceScore(rep)
		z.inspected++
		z.sum += score
		if score < threshold {
			out.LowScore = append(out.LowScore, LocationScore{
				LocationID: loc.ID,
				Name:       loc.Name,
				Zone:       loc.Zone,
				ReportID:   rep.ID,
				Score:      compliance.Round1(score),
			})
		}
	}
	for _, name := range order {
		z := zones[name]
		zs := ZoneSummary{Zone: name, Locations: z.locations, Inspected: z.inspected}
		if z.inspected > 0 {
			zs.Average = compliance.Round1(z.sum / float64(z.inspected))
			zs.Band = compliance.BandFor(zs.Average)
		}
		out.Zones = append(out.Zones, zs)
	}
	sort.SliceStable(out.LowScore, func(i, j int) bool { return out.LowScore[i].Score < out.LowScore[j].Score })

	pending, err := e.ListTasks(ctx, repo.TaskFilters{Status: domain.TaskPending})
	if err != nil {
		return Summary{}, err
	}
	out.PendingTasks = len(pending)
	failed, err := e.ListIncidents(ctx, repo.IncidentFilters{InvoiceStatus: domain.InvoiceFailedPending})
	if err != nil {
		return Summary{}, err
	}
	out.PendingInvoice = len(failed)
	return out, nil
}

func (e Engine) ListNotifications(ctx context.Context, actor domain.ActorContext, unreadOnly bool, limit int) ([]domain.Notification, error) {
	return load("list notifications", func() ([]domain.Notification, error) {
		return e.Repo.ListNotifications(ctx, actor.ID, unreadOnly, limit)
	})
}

// MarkNotificationRead flags one of the actor's own notifications as read.
func (e Engine) MarkNotificationRead(ctx context.Context, actor domain.ActorContext, id string) error {
	err := e.Repo.MarkNotificationRead(ctx, id, actor.ID)
	if errors.Is(err, repo.ErrNotFound) {
		return notFound("notification", id)
	}
	if err != nil {
		return workflow.PersistenceError{Op: "mark notification read", Err: err}
	}
	return nil
}

// CreateAPIKey issues a key for an existing actor and returns the plaintext
// once; only its hash is stored.
func (e Engine) CreateAPIKey(ctx context.Context, actor domain.ActorContext, actorID, name string) (string, domain.APIKey, error) {
	if actor.ID != actorID {
		if err := auth.Require(actor, domain.RoleAdmin); err != nil {
			return "", domain.APIKey{}, err
		}
	}
	if _, err := e.Repo.GetActor(ctx, actorID); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return "", domain.APIKey{}, notFound("actor", actorID)
		}
		return "", domain.APIKey{}, err
	}
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return "", domain.APIKey{}, fmt.Errorf("generate key: %w", err)
	}
	plain := "il_" + hex.EncodeToString(buf)
	key := domain.APIKey{
		ID:        uuid.NewString(),
		ActorID:   actorID,
		Name:      name,
		KeyHash:   repo.HashAPIKey(plain),
		CreatedAt: e.stamp(),
	}
	if err := e.Repo.InsertAPIKey(ctx, nil, key); err != nil {
		return "", domain.APIKey{}, workflow.PersistenceError{Op: "insert api key", Err: err}
	}
	return plain, key, nil
}

// ListAPIKeys lists keys of actorID, or of every actor for an admin passing
// an empty id.
func (e Engine) ListAPIKeys(ctx context.Context, actor domain.ActorContext, actorID string) ([]domain.APIKey, error) {
	if actorID != actor.ID {
		if err := auth.Require(actor, domain.RoleAdmin); err != nil {
			return nil, err
		}
	}
	return load("list api keys", func() ([]domain.APIKey, error) { return e.Repo.ListAPIKeys(ctx, actorID) })
}

// RevokeAPIKey deletes a key. Actors may revoke their own keys; admins any.
func (e Engine) RevokeAPIKey(ctx context.Context, actor domain.ActorContext, id string) error {
	if actor.Role != domain.RoleAdmin {
		owned, err := e.ListAPIKeys(ctx, actor, actor.ID)
		if err != nil {
			return err
		}
		found := false
		for _, k := range owned {
			if k.ID == id {
				found = true
				break
			}
		}
		if !found {
			return workflow.AuthorizationError{ActorID: actor.ID, Role: actor.Role, Reason: "api key belongs to another actor"}
		}
	}
	err := e.Repo.DeleteAPIKey(ctx, id)
	if errors.Is(err, repo.ErrNotFound) {
		return notFound("api key", id)
	}
	if err != nil {
		return workflow.PersistenceError{Op: "delete api key", Err: err}
	}
	return nil
}

func (e Engine) ListActors(ctx context.Context, role domain.Role) ([]domain.Actor, error) {
	return load("list actors", func() ([]domain.Actor, error) { return e.Repo.ListActors(ctx, role) })
}

func (e Engine) ListEvents(ctx context.Context, f repo.EventFilters) ([]domain.Event, error) {
	return load("list events", func() ([]domain.Event, error) { return e.Repo.LatestEvents(ctx, f) })
}
