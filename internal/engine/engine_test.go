package engine_test

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"inspectline/internal/app"
	"inspectline/internal/config"
	"inspectline/internal/db"
	"inspectline/internal/domain"
	"inspectline/internal/engine"
	"inspectline/internal/lockx"
	"inspectline/internal/logging"
	"inspectline/internal/migrate"
	"inspectline/internal/repo"
	"inspectline/internal/workflow"
)

type testEnv struct {
	Engine engine.Engine
	DB     *sql.DB
	Ctx    context.Context
}

var (
	inspector  = domain.ActorContext{ID: "insp-1", Name: "Inspector One", Role: domain.RoleInspector}
	inspector2 = domain.ActorContext{ID: "insp-2", Name: "Inspector Two", Role: domain.RoleInspector}
	supervisor = domain.ActorContext{ID: "sup-1", Name: "Supervisor", Role: domain.RoleSupervisor}
	contractor = domain.ActorContext{ID: "contractor-1", Name: "Facility Contractor", Role: domain.RoleContractor}
)

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if _, err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	cfg := config.Default("hospital-1")
	ctx := context.Background()
	if err := app.SeedActors(ctx, repo.Repo{DB: conn}, cfg); err != nil {
		t.Fatalf("seed actors: %v", err)
	}
	eng := engine.New(conn, cfg)
	eng.Logger = logging.Discard()
	eng.Now = func() time.Time { return time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC) }
	return testEnv{Engine: eng, DB: conn, Ctx: ctx}
}

func wardItems(score int) []domain.ScoredItem {
	return []domain.ScoredItem{
		{ItemID: "floor", Score: score},
		{ItemID: "bins", Score: score},
		{ItemID: "surfaces", Score: score},
		{ItemID: "linen", Score: score},
	}
}

func submitReport(t *testing.T, env testEnv, location string, score int) domain.InspectionReport {
	t.Helper()
	rep, err := env.Engine.CreateReport(env.Ctx, inspector, engine.CreateReportInput{LocationID: location, Items: wardItems(score)})
	if err != nil {
		t.Fatalf("create report: %v", err)
	}
	res, err := env.Engine.ApplyReportTransition(env.Ctx, engine.ReportTransitionRequest{
		ReportID:        rep.ID,
		To:              domain.ReportSubmitted,
		Actor:           inspector,
		ExpectedVersion: rep.Version,
	})
	if err != nil {
		t.Fatalf("submit report: %v", err)
	}
	return res.Report
}

func TestReportSubmitAndApprove(t *testing.T) {
	env := newTestEnv(t)
	rep := submitReport(t, env, "er", 8)
	if rep.Status != domain.ReportSubmitted || rep.Version != 2 {
		t.Fatalf("expected submitted v2, got %s v%d", rep.Status, rep.Version)
	}
	if rep.ReferenceNumber != "INSP-0001" {
		t.Fatalf("expected INSP-0001, got %q", rep.ReferenceNumber)
	}

	res, err := env.Engine.ApplyReportTransition(env.Ctx, engine.ReportTransitionRequest{
		ReportID:        rep.ID,
		To:              domain.ReportApproved,
		Actor:           supervisor,
		ExpectedVersion: rep.Version,
	})
	if err != nil {
		t.Fatalf("approve: %v", err)
	}
	if res.Report.Status != domain.ReportApproved || res.Report.Version != 3 {
		t.Fatalf("expected approved v3, got %s v%d", res.Report.Status, res.Report.Version)
	}
	if res.Score != 80 {
		t.Fatalf("expected score 80, got %v", res.Score)
	}

	supNotes, err := env.Engine.ListNotifications(env.Ctx, supervisor, false, 0)
	if err != nil {
		t.Fatalf("list notifications: %v", err)
	}
	if len(supNotes) != 1 || supNotes[0].Link != "/reports/"+rep.ID {
		t.Fatalf("expected one supervisor notification linking the report, got %+v", supNotes)
	}
	inspNotes, err := env.Engine.ListNotifications(env.Ctx, inspector, true, 0)
	if err != nil {
		t.Fatalf("list notifications: %v", err)
	}
	if len(inspNotes) != 1 {
		t.Fatalf("expected one inspector notification, got %d", len(inspNotes))
	}
	if err := env.Engine.MarkNotificationRead(env.Ctx, supervisor, inspNotes[0].ID); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected not found marking another user's notification, got %v", err)
	}
	if err := env.Engine.MarkNotificationRead(env.Ctx, inspector, inspNotes[0].ID); err != nil {
		t.Fatalf("mark read: %v", err)
	}
	unread, _ := env.Engine.ListNotifications(env.Ctx, inspector, true, 0)
	if len(unread) != 0 {
		t.Fatalf("expected no unread notifications, got %d", len(unread))
	}
}

func TestReportReturnRequiresComment(t *testing.T) {
	env := newTestEnv(t)
	rep := submitReport(t, env, "er", 10)
	_, err := env.Engine.ApplyReportTransition(env.Ctx, engine.ReportTransitionRequest{
		ReportID:        rep.ID,
		To:              domain.ReportReturned,
		Actor:           supervisor,
		ExpectedVersion: rep.Version,
	})
	var ve workflow.ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("expected validation error, got %v", err)
	}
	stored, err := env.Engine.GetReport(env.Ctx, rep.ID)
	if err != nil {
		t.Fatalf("get report: %v", err)
	}
	if stored.Status != domain.ReportSubmitted || stored.Version != rep.Version {
		t.Fatalf("report changed after rejected transition: %s v%d", stored.Status, stored.Version)
	}

	res, err := env.Engine.ApplyReportTransition(env.Ctx, engine.ReportTransitionRequest{
		ReportID:        rep.ID,
		To:              domain.ReportReturned,
		Actor:           supervisor,
		ExpectedVersion: rep.Version,
		Payload:         workflow.ReportPayload{SupervisorComment: "photos missing"},
	})
	if err != nil {
		t.Fatalf("return: %v", err)
	}
	if res.Report.Status != domain.ReportReturned || res.Report.SupervisorComment != "photos missing" {
		t.Fatalf("unexpected returned report: %+v", res.Report)
	}
}

func TestReportRolesAndOwnership(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.Engine.CreateReport(env.Ctx, contractor, engine.CreateReportInput{LocationID: "er"}); err == nil {
		t.Fatalf("expected contractor to be refused")
	} else {
		var ae workflow.AuthorizationError
		if !errors.As(err, &ae) {
			t.Fatalf("expected authorization error, got %v", err)
		}
	}
	rep, err := env.Engine.CreateReport(env.Ctx, inspector, engine.CreateReportInput{LocationID: "er"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	_, err = env.Engine.ApplyReportTransition(env.Ctx, engine.ReportTransitionRequest{
		ReportID:        rep.ID,
		To:              domain.ReportSubmitted,
		Actor:           inspector2,
		ExpectedVersion: rep.Version,
	})
	var ae workflow.AuthorizationError
	if !errors.As(err, &ae) {
		t.Fatalf("expected another inspector to be refused, got %v", err)
	}
	if _, err := env.Engine.CreateReport(env.Ctx, inspector, engine.CreateReportInput{LocationID: "nowhere"}); err == nil {
		t.Fatalf("expected unknown location to fail")
	}
}

func TestReportTransitionReplayAndConflict(t *testing.T) {
	env := newTestEnv(t)
	rep, err := env.Engine.CreateReport(env.Ctx, inspector, engine.CreateReportInput{LocationID: "icu"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	req := engine.ReportTransitionRequest{
		ReportID:        rep.ID,
		To:              domain.ReportSubmitted,
		Actor:           inspector,
		ExpectedVersion: rep.Version,
	}
	first, err := env.Engine.ApplyReportTransition(env.Ctx, req)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	again, err := env.Engine.ApplyReportTransition(env.Ctx, req)
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if !again.Replayed || again.Report.Version != first.Report.Version {
		t.Fatalf("expected replay of v%d, got replayed=%v v%d", first.Report.Version, again.Replayed, again.Report.Version)
	}
	notes, _ := env.Engine.ListNotifications(env.Ctx, supervisor, false, 0)
	if len(notes) != 1 {
		t.Fatalf("replay must not notify twice, got %d notifications", len(notes))
	}

	_, err = env.Engine.ApplyReportTransition(env.Ctx, engine.ReportTransitionRequest{
		ReportID:        rep.ID,
		To:              domain.ReportApproved,
		Actor:           supervisor,
		ExpectedVersion: rep.Version,
	})
	var ce workflow.ConflictError
	if !errors.As(err, &ce) {
		t.Fatalf("expected conflict, got %v", err)
	}
	if ce.Expected != 1 || ce.Actual != 2 {
		t.Fatalf("unexpected conflict versions: %+v", ce)
	}
	if current, ok := ce.Current.(domain.InspectionReport); !ok || current.Status != domain.ReportSubmitted {
		t.Fatalf("conflict should carry the current report, got %#v", ce.Current)
	}
}

func TestRectificationLoop(t *testing.T) {
	env := newTestEnv(t)
	rep := submitReport(t, env, "ward-a", 4)
	step := func(to domain.ReportStatus, actor domain.ActorContext, p workflow.ReportPayload) domain.InspectionReport {
		t.Helper()
		res, err := env.Engine.ApplyReportTransition(env.Ctx, engine.ReportTransitionRequest{
			ReportID:        rep.ID,
			To:              to,
			Actor:           actor,
			ExpectedVersion: rep.Version,
			Payload:         p,
		})
		if err != nil {
			t.Fatalf("to %s: %v", to, err)
		}
		return res.Report
	}
	rep = step(domain.ReportRectificationRequired, inspector, workflow.ReportPayload{})
	_, err := env.Engine.ApplyReportTransition(env.Ctx, engine.ReportTransitionRequest{
		ReportID:        rep.ID,
		To:              domain.ReportRectificationCompleted,
		Actor:           contractor,
		ExpectedVersion: rep.Version,
	})
	var ve workflow.ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("expected actions to be required, got %v", err)
	}
	rep = step(domain.ReportRectificationCompleted, contractor, workflow.ReportPayload{RectificationActions: "mopped and restocked"})
	if rep.RectificationActions != "mopped and restocked" {
		t.Fatalf("actions not stored: %+v", rep)
	}
	rep = step(domain.ReportDraft, inspector, workflow.ReportPayload{})
	if rep.Status != domain.ReportDraft {
		t.Fatalf("expected draft after accepting rectification, got %s", rep.Status)
	}
	contractorNotes, _ := env.Engine.ListNotifications(env.Ctx, contractor, false, 0)
	if len(contractorNotes) != 1 || contractorNotes[0].Type != domain.NotificationAlert {
		t.Fatalf("expected one alert for the contractor, got %+v", contractorNotes)
	}
}

func TestReopenedReportStillCountsAsVisit(t *testing.T) {
	env := newTestEnv(t)
	rep := submitReport(t, env, "ward-a", 4)
	for _, s := range []struct {
		to    domain.ReportStatus
		actor domain.ActorContext
		p     workflow.ReportPayload
	}{
		{domain.ReportRectificationRequired, inspector, workflow.ReportPayload{}},
		{domain.ReportRectificationCompleted, contractor, workflow.ReportPayload{RectificationActions: "restocked"}},
		{domain.ReportDraft, inspector, workflow.ReportPayload{}},
	} {
		res, err := env.Engine.ApplyReportTransition(env.Ctx, engine.ReportTransitionRequest{
			ReportID:        rep.ID,
			To:              s.to,
			Actor:           s.actor,
			ExpectedVersion: rep.Version,
			Payload:         s.p,
		})
		if err != nil {
			t.Fatalf("to %s: %v", s.to, err)
		}
		rep = res.Report
	}
	if rep.Status != domain.ReportDraft || rep.ReferenceNumber == "" {
		t.Fatalf("expected a referenced draft, got %s %q", rep.Status, rep.ReferenceNumber)
	}
	if _, err := env.Engine.CreateReport(env.Ctx, inspector, engine.CreateReportInput{LocationID: "icu", Items: wardItems(10)}); err != nil {
		t.Fatalf("create unsubmitted draft: %v", err)
	}

	proposals, err := env.Engine.GenerateTaskProposals(env.Ctx, supervisor)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	byLocation := map[string]domain.TaskProposal{}
	for _, p := range proposals {
		byLocation[p.LocationID] = p
	}
	ward, ok := byLocation["ward-a"]
	if !ok {
		t.Fatalf("expected a proposal for ward-a, got %+v", proposals)
	}
	if ward.Reason != domain.ReasonLowScore || ward.Priority != domain.PriorityHigh {
		t.Fatalf("expected high priority low_score, got %s %s", ward.Reason, ward.Priority)
	}
	if ward.LastScore == nil || *ward.LastScore != 40 {
		t.Fatalf("expected last score 40, got %v", ward.LastScore)
	}
	if icu := byLocation["icu"]; icu.Reason != domain.ReasonNeverVisited {
		t.Fatalf("unsubmitted draft must not count as a visit, got %+v", icu)
	}

	summary, err := env.Engine.ComplianceSummary(env.Ctx)
	if err != nil {
		t.Fatalf("summary: %v", err)
	}
	if len(summary.LowScore) != 1 || summary.LowScore[0].LocationID != "ward-a" {
		t.Fatalf("expected ward-a in the low score list, got %+v", summary.LowScore)
	}
}

func newIncident(t *testing.T, env testEnv, f engine.IncidentFields) domain.Incident {
	t.Helper()
	inc, err := env.Engine.CreateIncident(env.Ctx, inspector, f)
	if err != nil {
		t.Fatalf("create incident: %v", err)
	}
	res, err := env.Engine.ApplyIncidentTransition(env.Ctx, engine.IncidentTransitionRequest{
		IncidentID:      inc.ID,
		To:              domain.IncidentSubmitted,
		Actor:           inspector,
		ExpectedVersion: inc.Version,
	})
	if err != nil {
		t.Fatalf("submit incident: %v", err)
	}
	return res.Incident
}

func approve(env testEnv, inc domain.Incident, d domain.Disposition) (engine.IncidentResult, error) {
	return env.Engine.ApplyIncidentTransition(env.Ctx, engine.IncidentTransitionRequest{
		IncidentID:      inc.ID,
		To:              domain.IncidentApproved,
		Actor:           supervisor,
		ExpectedVersion: inc.Version,
		Payload:         workflow.IncidentPayload{Disposition: d},
	})
}

func TestPenaltyApprovalCreatesOneInvoice(t *testing.T) {
	env := newTestEnv(t)
	inc := newIncident(t, env, engine.IncidentFields{
		LocationID:          "er",
		ManpowerDiscrepancy: []string{"Missing PPE"},
	})
	if inc.ReferenceNumber != "CDR-0001" {
		t.Fatalf("expected CDR-0001, got %q", inc.ReferenceNumber)
	}
	res, err := approve(env, inc, domain.DispositionPenalty)
	if err != nil {
		t.Fatalf("approve: %v", err)
	}
	if res.Invoice == nil {
		t.Fatalf("expected invoice")
	}
	if !res.Invoice.TotalAmount.Equal(decimal.NewFromInt(500)) {
		t.Fatalf("expected total 500, got %s", res.Invoice.TotalAmount)
	}
	if res.Incident.InvoiceStatus != domain.InvoiceGenerated {
		t.Fatalf("expected generated invoice status, got %s", res.Incident.InvoiceStatus)
	}

	replay, err := approve(env, inc, domain.DispositionPenalty)
	if err != nil {
		t.Fatalf("replay approve: %v", err)
	}
	if !replay.Replayed || replay.Invoice == nil || replay.Invoice.ID != res.Invoice.ID {
		t.Fatalf("replay should return the same invoice, got %+v", replay)
	}
	invoices, err := env.Engine.ListInvoices(env.Ctx, "", 0)
	if err != nil {
		t.Fatalf("list invoices: %v", err)
	}
	if len(invoices) != 1 {
		t.Fatalf("expected exactly one invoice, got %d", len(invoices))
	}
	authorNotes, _ := env.Engine.ListNotifications(env.Ctx, inspector, false, 0)
	if len(authorNotes) != 1 {
		t.Fatalf("expected author notified once, got %d", len(authorNotes))
	}
}

func TestNonPenaltyApprovalHasNoInvoice(t *testing.T) {
	env := newTestEnv(t)
	inc := newIncident(t, env, engine.IncidentFields{
		LocationID:          "icu",
		ManpowerDiscrepancy: []string{"Missing PPE"},
	})
	res, err := approve(env, inc, domain.DispositionWarning)
	if err != nil {
		t.Fatalf("approve: %v", err)
	}
	if res.Invoice != nil || res.Incident.InvoiceStatus != domain.InvoiceNone {
		t.Fatalf("warning must not invoice: %+v", res)
	}
	if res.Incident.FinalizedDate == "" || res.Incident.ManagerSignature == "" {
		t.Fatalf("expected finalization fields, got %+v", res.Incident)
	}
	if _, err := approve(env, domain.Incident{ID: inc.ID, Version: res.Incident.Version}, ""); err == nil {
		t.Fatalf("approving an approved incident should fail")
	}
}

func TestApprovalWithoutDispositionFails(t *testing.T) {
	env := newTestEnv(t)
	inc := newIncident(t, env, engine.IncidentFields{LocationID: "er"})
	_, err := approve(env, inc, "")
	var ve workflow.ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("expected validation error, got %v", err)
	}
	stored, _ := env.Engine.GetIncident(env.Ctx, inc.ID)
	if stored.Status != domain.IncidentSubmitted {
		t.Fatalf("incident changed after rejected approval: %s", stored.Status)
	}
}

func TestMissingRateLeavesInvoicePending(t *testing.T) {
	env := newTestEnv(t)
	delete(env.Engine.Config.Penalties.Rates, "Other")
	inc := newIncident(t, env, engine.IncidentFields{
		LocationID:           "ward-a",
		EquipmentDiscrepancy: []string{"Leaking autoclave"},
	})
	res, err := approve(env, inc, domain.DispositionPenalty)
	if err != nil {
		t.Fatalf("approval must commit despite pricing failure: %v", err)
	}
	if !res.InvoicePending || res.Incident.InvoiceStatus != domain.InvoiceFailedPending {
		t.Fatalf("expected pending invoice, got %+v", res)
	}
	if res.Incident.Status != domain.IncidentApproved {
		t.Fatalf("expected approved, got %s", res.Incident.Status)
	}

	_, err = env.Engine.RetryInvoice(env.Ctx, supervisor, inc.ID)
	var ve workflow.ValidationError
	if !errors.As(err, &ve) || ve.Code != "rate_missing" {
		t.Fatalf("expected rate_missing, got %v", err)
	}

	env.Engine.Config.Penalties.Rates["Leaking autoclave"] = decimal.NewFromInt(750)
	retried, err := env.Engine.RetryInvoice(env.Ctx, supervisor, inc.ID)
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if retried.Invoice == nil || !retried.Invoice.TotalAmount.Equal(decimal.NewFromInt(750)) {
		t.Fatalf("expected 750 invoice, got %+v", retried.Invoice)
	}
	if retried.Incident.InvoiceStatus != domain.InvoiceGenerated {
		t.Fatalf("expected generated, got %s", retried.Incident.InvoiceStatus)
	}
	if _, err := env.Engine.RetryInvoice(env.Ctx, supervisor, inc.ID); err == nil {
		t.Fatalf("second retry should be refused")
	}
	if _, err := env.Engine.RetryInvoice(env.Ctx, inspector, inc.ID); err == nil {
		t.Fatalf("inspector may not retry invoices")
	}
}

func TestIncidentEditScopes(t *testing.T) {
	env := newTestEnv(t)
	inc, err := env.Engine.CreateIncident(env.Ctx, inspector, engine.IncidentFields{LocationID: "er"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	comment := "noted"
	if _, err := env.Engine.UpdateIncident(env.Ctx, inspector, engine.IncidentUpdate{ID: inc.ID, ExpectedVersion: inc.Version, ManagerComment: &comment}); err == nil {
		t.Fatalf("manager comment should be refused on a draft")
	}
	inc, err = env.Engine.UpdateIncident(env.Ctx, inspector, engine.IncidentUpdate{
		ID:              inc.ID,
		ExpectedVersion: inc.Version,
		Fields:          &engine.IncidentFields{LocationID: "er", MaterialDiscrepancy: []string{" Insufficient supplies ", ""}},
	})
	if err != nil {
		t.Fatalf("update draft: %v", err)
	}
	if len(inc.MaterialDiscrepancy) != 1 || inc.MaterialDiscrepancy[0] != "Insufficient supplies" {
		t.Fatalf("labels not cleaned: %v", inc.MaterialDiscrepancy)
	}
	if _, err := env.Engine.UpdateIncident(env.Ctx, inspector2, engine.IncidentUpdate{ID: inc.ID, ExpectedVersion: inc.Version, Fields: &engine.IncidentFields{LocationID: "er"}}); err == nil {
		t.Fatalf("another inspector should not edit the draft")
	}
}

func TestIncidentTypeIsChecked(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Engine.CreateIncident(env.Ctx, inspector, engine.IncidentFields{LocationID: "er", IncidentType: "third"})
	var ve workflow.ValidationError
	if !errors.As(err, &ve) || ve.Code != "invalid_incident_type" || ve.Field != "incident_type" {
		t.Fatalf("expected invalid_incident_type, got %v", err)
	}
	inc, err := env.Engine.CreateIncident(env.Ctx, inspector, engine.IncidentFields{LocationID: "er", IncidentType: domain.IncidentRepeated})
	if err != nil {
		t.Fatalf("create repeated incident: %v", err)
	}
	if inc.IncidentType != domain.IncidentRepeated {
		t.Fatalf("incident type not stored: %q", inc.IncidentType)
	}
}

func TestGenerateAndPublishTasks(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.Engine.GenerateTaskProposals(env.Ctx, inspector); err == nil {
		t.Fatalf("inspector should not generate tasks")
	}
	proposals, err := env.Engine.GenerateTaskProposals(env.Ctx, supervisor)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if len(proposals) != 4 {
		t.Fatalf("expected every never-visited location proposed, got %d", len(proposals))
	}
	counts := map[string]int{}
	for _, p := range proposals {
		counts[p.InspectorID]++
		if p.Reason != domain.ReasonNeverVisited {
			t.Fatalf("unexpected reason %s", p.Reason)
		}
	}
	if counts["insp-1"] != 2 || counts["insp-2"] != 2 {
		t.Fatalf("expected even assignment, got %v", counts)
	}

	ids := make([]string, len(proposals))
	for i, p := range proposals {
		ids[i] = p.ID
	}
	tasks, err := env.Engine.PublishTasks(env.Ctx, supervisor, ids)
	if err != nil {
		t.Fatalf("publish: %v", err)
	}
	if len(tasks) != 4 {
		t.Fatalf("expected 4 tasks, got %d", len(tasks))
	}
	again, err := env.Engine.PublishTasks(env.Ctx, supervisor, ids)
	if err != nil {
		t.Fatalf("republish: %v", err)
	}
	if len(again) != 4 {
		t.Fatalf("republish should return the same tasks, got %d", len(again))
	}
	pending, err := env.Engine.ListTasks(env.Ctx, repo.TaskFilters{Status: domain.TaskPending})
	if err != nil {
		t.Fatalf("list tasks: %v", err)
	}
	if len(pending) != 4 {
		t.Fatalf("expected 4 pending tasks after republish, got %d", len(pending))
	}
	remaining, _ := env.Engine.ListProposals(env.Ctx)
	if len(remaining) != 0 {
		t.Fatalf("published proposals should leave the batch, got %d", len(remaining))
	}
	notes, _ := env.Engine.ListNotifications(env.Ctx, inspector, false, 0)
	if len(notes) != 1 || notes[0].Link != "/tasks" {
		t.Fatalf("expected one assignment notification, got %+v", notes)
	}

	extra, err := env.Engine.AddProposal(env.Ctx, supervisor, engine.ManualProposal{LocationID: "er"})
	if err != nil {
		t.Fatalf("add proposal: %v", err)
	}
	if extra.InspectorID == "" {
		t.Fatalf("manual proposal should get an inspector")
	}
	_, err = env.Engine.PublishTasks(env.Ctx, supervisor, []string{extra.ID})
	var ve workflow.ValidationError
	if !errors.As(err, &ve) || ve.Code != "location_pending" {
		t.Fatalf("expected location_pending, got %v", err)
	}
	if _, err := env.Engine.PublishTasks(env.Ctx, supervisor, nil); err == nil {
		t.Fatalf("empty selection should fail")
	}
}

func TestSubmittingReportCompletesTask(t *testing.T) {
	env := newTestEnv(t)
	proposals, err := env.Engine.GenerateTaskProposals(env.Ctx, supervisor)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	var erTask string
	for _, p := range proposals {
		if p.LocationID == "er" {
			erTask = p.ID
		}
	}
	if _, err := env.Engine.PublishTasks(env.Ctx, supervisor, []string{erTask}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	rep := submitReport(t, env, "er", 5)
	done, err := env.Engine.ListTasks(env.Ctx, repo.TaskFilters{Status: domain.TaskCompleted})
	if err != nil {
		t.Fatalf("list tasks: %v", err)
	}
	if len(done) != 1 || done[0].ID != erTask {
		t.Fatalf("expected er task completed, got %+v", done)
	}
	if done[0].LinkedReportID == nil || *done[0].LinkedReportID != rep.ID {
		t.Fatalf("task should link the report, got %v", done[0].LinkedReportID)
	}

	// er now scores 50 so the next pass flags it with high priority.
	next, err := env.Engine.GenerateTaskProposals(env.Ctx, supervisor)
	if err != nil {
		t.Fatalf("regenerate: %v", err)
	}
	var found bool
	for _, p := range next {
		if p.LocationID == "er" {
			found = true
			if p.Reason != domain.ReasonLowScore || p.Priority != domain.PriorityHigh {
				t.Fatalf("expected low-score high priority, got %s/%s", p.Reason, p.Priority)
			}
			if p.LastScore == nil || *p.LastScore != 50 {
				t.Fatalf("expected last score 50, got %v", p.LastScore)
			}
		}
	}
	if !found {
		t.Fatalf("expected er to be proposed again")
	}
}

func TestComplianceSummary(t *testing.T) {
	env := newTestEnv(t)
	submitReport(t, env, "er", 5)
	submitReport(t, env, "icu", 10)
	sum, err := env.Engine.ComplianceSummary(env.Ctx)
	if err != nil {
		t.Fatalf("summary: %v", err)
	}
	if len(sum.Zones) != 2 {
		t.Fatalf("expected two zones, got %+v", sum.Zones)
	}
	north := sum.Zones[0]
	if north.Zone != "north" || north.Inspected != 2 || north.Average != 75 {
		t.Fatalf("unexpected north zone: %+v", north)
	}
	if len(sum.LowScore) != 1 || sum.LowScore[0].LocationID != "er" {
		t.Fatalf("expected er as low score, got %+v", sum.LowScore)
	}
}

func TestClosedStoreReportsPersistenceError(t *testing.T) {
	env := newTestEnv(t)
	rep, err := env.Engine.CreateReport(env.Ctx, inspector, engine.CreateReportInput{LocationID: "er"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	env.DB.Close()
	_, err = env.Engine.ApplyReportTransition(env.Ctx, engine.ReportTransitionRequest{
		ReportID:        rep.ID,
		To:              domain.ReportSubmitted,
		Actor:           inspector,
		ExpectedVersion: rep.Version,
	})
	var pe workflow.PersistenceError
	if !errors.As(err, &pe) {
		t.Fatalf("expected persistence error, got %v", err)
	}
}

func TestCreateAPIKey(t *testing.T) {
	env := newTestEnv(t)
	if _, _, err := env.Engine.CreateAPIKey(env.Ctx, inspector, "sup-1", "ci"); err == nil {
		t.Fatalf("inspector should not mint keys for others")
	}
	plain, key, err := env.Engine.CreateAPIKey(env.Ctx, inspector, "insp-1", "tablet")
	if err != nil {
		t.Fatalf("create key: %v", err)
	}
	stored, err := env.Engine.Repo.GetAPIKeyByHash(env.Ctx, repo.HashAPIKey(plain))
	if err != nil {
		t.Fatalf("lookup key: %v", err)
	}
	if stored.ID != key.ID || stored.ActorID != "insp-1" {
		t.Fatalf("unexpected stored key: %+v", stored)
	}
}

func TestListAndRevokeAPIKeys(t *testing.T) {
	env := newTestEnv(t)
	_, own, err := env.Engine.CreateAPIKey(env.Ctx, inspector, "insp-1", "tablet")
	if err != nil {
		t.Fatalf("create key: %v", err)
	}
	_, other, err := env.Engine.CreateAPIKey(env.Ctx, inspector2, "insp-2", "phone")
	if err != nil {
		t.Fatalf("create key: %v", err)
	}

	keys, err := env.Engine.ListAPIKeys(env.Ctx, inspector, "insp-1")
	if err != nil {
		t.Fatalf("list keys: %v", err)
	}
	if len(keys) != 1 || keys[0].ID != own.ID {
		t.Fatalf("expected only own key, got %+v", keys)
	}
	if _, err := env.Engine.ListAPIKeys(env.Ctx, inspector, ""); err == nil {
		t.Fatalf("inspector should not list every key")
	}

	var authErr workflow.AuthorizationError
	if err := env.Engine.RevokeAPIKey(env.Ctx, inspector, other.ID); !errors.As(err, &authErr) {
		t.Fatalf("expected authorization error, got %v", err)
	}
	if err := env.Engine.RevokeAPIKey(env.Ctx, inspector, own.ID); err != nil {
		t.Fatalf("revoke own key: %v", err)
	}
	if err := env.Engine.RevokeAPIKey(env.Ctx, inspector, own.ID); err == nil {
		t.Fatalf("second revoke should fail")
	}
	admin := domain.ActorContext{ID: "admin", Role: domain.RoleAdmin}
	if err := env.Engine.RevokeAPIKey(env.Ctx, admin, other.ID); err != nil {
		t.Fatalf("admin revoke: %v", err)
	}
	if _, err := env.Engine.Repo.GetAPIKeyByHash(env.Ctx, other.KeyHash); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected key gone, got %v", err)
	}
}

type stubLocker struct {
	err      error
	keys     []string
	released int
}

func (l *stubLocker) Obtain(_ context.Context, key string, _ time.Duration) (func(context.Context) error, error) {
	l.keys = append(l.keys, key)
	if l.err != nil {
		return nil, l.err
	}
	return func(context.Context) error {
		l.released++
		return nil
	}, nil
}

func TestBusyTasksLockIsConflict(t *testing.T) {
	env := newTestEnv(t)
	env.Engine.Locker = &stubLocker{err: fmt.Errorf("%w: inspectline:tasks", lockx.ErrNotObtained)}

	_, err := env.Engine.GenerateTaskProposals(env.Ctx, supervisor)
	var ce workflow.ConflictError
	if !errors.As(err, &ce) {
		t.Fatalf("expected conflict from generate, got %v", err)
	}
	if _, err := env.Engine.PublishTasks(env.Ctx, supervisor, []string{"p1"}); !errors.As(err, &ce) {
		t.Fatalf("expected conflict from publish, got %v", err)
	}
	proposals, err := env.Engine.ListProposals(env.Ctx)
	if err != nil {
		t.Fatalf("list proposals: %v", err)
	}
	if len(proposals) != 0 {
		t.Fatalf("no batch should be written while the lock is held, got %d", len(proposals))
	}
}

func TestTasksLockFailureIsPersistence(t *testing.T) {
	env := newTestEnv(t)
	env.Engine.Locker = &stubLocker{err: errors.New("dial tcp: connection refused")}
	_, err := env.Engine.GenerateTaskProposals(env.Ctx, supervisor)
	var pe workflow.PersistenceError
	if !errors.As(err, &pe) {
		t.Fatalf("expected persistence error, got %v", err)
	}
}

func TestTasksLockIsReleased(t *testing.T) {
	env := newTestEnv(t)
	locker := &stubLocker{}
	env.Engine.Locker = locker
	proposals, err := env.Engine.GenerateTaskProposals(env.Ctx, supervisor)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if _, err := env.Engine.PublishTasks(env.Ctx, supervisor, []string{proposals[0].ID}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if len(locker.keys) != 2 || locker.keys[0] != "tasks" || locker.released != 2 {
		t.Fatalf("expected two obtain/release pairs on tasks, got keys=%v released=%d", locker.keys, locker.released)
	}
}
