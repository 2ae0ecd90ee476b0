package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"testing"

	"inspectline/internal/app"
	"inspectline/internal/config"
	"inspectline/internal/db"
	"inspectline/internal/domain"
	"inspectline/internal/engine"
	"inspectline/internal/logging"
	"inspectline/internal/migrate"
	"inspectline/internal/repo"
)

type testServer struct {
	URL    string
	Engine engine.Engine
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func newTestServer(t *testing.T) (*testServer, func()) {
	t.Helper()
	workspace := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if _, err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	cfg := config.Default("hospital-1")
	if err := app.SeedActors(context.Background(), repo.Repo{DB: conn}, cfg); err != nil {
		t.Fatalf("seed actors: %v", err)
	}
	e := engine.New(conn, cfg)
	e.Logger = logging.Discard()
	handler, err := New(Config{
		Engine:   e,
		BasePath: "/v0",
		Auth:     AuthConfig{JWTSecret: "test-secret", AllowLegacyActorHeader: true},
		Logger:   logging.Discard(),
	})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	testSrv := &testServer{
		URL:    "http://" + ln.Addr().String(),
		Engine: e,
		client: &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			conn.Close()
		},
	}
	return testSrv, func() { testSrv.Close() }
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

func as(actorID string) map[string]string {
	return map[string]string{"X-Actor-Id": actorID}
}

type errorEnvelope struct {
	Error struct {
		Code    string         `json:"code"`
		Message string         `json:"message"`
		Details map[string]any `json:"details"`
	} `json:"error"`
}

func decodeError(t *testing.T, data []byte) errorEnvelope {
	t.Helper()
	var env errorEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		t.Fatalf("unmarshal error: %v (%s)", err, string(data))
	}
	return env
}

func wardItems(score int) []map[string]any {
	out := make([]map[string]any, 0, 4)
	for _, id := range []string{"floor", "bins", "surfaces", "linen"} {
		out = append(out, map[string]any{"item_id": id, "score": score})
	}
	return out
}

func createSubmittedReport(t *testing.T, srv *testServer, location string, score int) ReportResponse {
	t.Helper()
	client := srv.Client()
	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/reports", map[string]any{
		"location_id": location,
		"items":       wardItems(score),
	}, as("insp-1"))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create report status %d: %s", res.StatusCode, string(data))
	}
	var created ReportResponse
	if err := json.Unmarshal(data, &created); err != nil {
		t.Fatalf("unmarshal report: %v", err)
	}
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/reports/"+created.Report.ID+"/transitions", map[string]any{
		"to":               "submitted",
		"expected_version": created.Report.Version,
	}, as("insp-1"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("submit status %d: %s", res.StatusCode, string(data))
	}
	var submitted ReportResponse
	if err := json.Unmarshal(data, &submitted); err != nil {
		t.Fatalf("unmarshal report: %v", err)
	}
	return submitted
}

func TestHealthIsOpen(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/health", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health status %d: %s", res.StatusCode, string(data))
	}
}

func TestRequestsRequireCredentials(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/reports", nil, nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d: %s", res.StatusCode, string(data))
	}
	if env := decodeError(t, data); env.Error.Code != "unauthorized" {
		t.Fatalf("expected unauthorized code, got %q", env.Error.Code)
	}

	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/reports", nil, as("nobody"))
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 for unknown actor, got %d: %s", res.StatusCode, string(data))
	}
}

func TestReportLifecycleOverHTTP(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	rep := createSubmittedReport(t, srv, "er", 8)
	if rep.Report.Status != domain.ReportSubmitted || rep.Report.Version != 2 {
		t.Fatalf("expected submitted v2, got %s v%d", rep.Report.Status, rep.Report.Version)
	}
	if rep.Score != 80 {
		t.Fatalf("expected score 80, got %v", rep.Score)
	}

	transitions := srv.URL + "/v0/reports/" + rep.Report.ID + "/transitions"

	res, data := doJSON(t, client, http.MethodPost, transitions, map[string]any{
		"to":               "returned",
		"expected_version": 2,
	}, as("sup-1"))
	if res.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("return without comment: expected 422, got %d: %s", res.StatusCode, string(data))
	}
	env := decodeError(t, data)
	if env.Error.Code != "validation_failed" || env.Error.Details["field"] != "supervisor_comment" {
		t.Fatalf("unexpected validation envelope: %+v", env.Error)
	}

	res, data = doJSON(t, client, http.MethodPost, transitions, map[string]any{
		"to":               "approved",
		"expected_version": 1,
	}, as("sup-1"))
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("stale approve: expected 409, got %d: %s", res.StatusCode, string(data))
	}
	env = decodeError(t, data)
	if env.Error.Details["current_version"] != float64(2) {
		t.Fatalf("expected current_version 2, got %v", env.Error.Details["current_version"])
	}

	res, data = doJSON(t, client, http.MethodPost, transitions, map[string]any{
		"to":               "approved",
		"expected_version": 2,
	}, as("sup-1"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("approve status %d: %s", res.StatusCode, string(data))
	}
	var approved ReportResponse
	if err := json.Unmarshal(data, &approved); err != nil {
		t.Fatalf("unmarshal report: %v", err)
	}
	if approved.Report.Status != domain.ReportApproved || approved.Report.Version != 3 {
		t.Fatalf("expected approved v3, got %s v%d", approved.Report.Status, approved.Report.Version)
	}

	res, data = doJSON(t, client, http.MethodPost, transitions, map[string]any{
		"to":               "approved",
		"expected_version": 2,
	}, as("sup-1"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("replayed approve status %d: %s", res.StatusCode, string(data))
	}
	var replay ReportResponse
	if err := json.Unmarshal(data, &replay); err != nil {
		t.Fatalf("unmarshal report: %v", err)
	}
	if !replay.Replayed || replay.Report.Version != 3 {
		t.Fatalf("expected replayed v3, got replayed=%v v%d", replay.Replayed, replay.Report.Version)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/notifications", nil, as("insp-1"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("notifications status %d: %s", res.StatusCode, string(data))
	}
	var notes []domain.Notification
	if err := json.Unmarshal(data, &notes); err != nil {
		t.Fatalf("unmarshal notifications: %v", err)
	}
	if len(notes) != 1 {
		t.Fatalf("expected one notification for the inspector, got %d", len(notes))
	}
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/notifications/"+notes[0].ID+"/read", nil, as("insp-1"))
	if res.StatusCode != http.StatusNoContent {
		t.Fatalf("mark read status %d: %s", res.StatusCode, string(data))
	}
}

func TestContractorCannotCreateReport(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/reports", map[string]any{
		"location_id": "er",
	}, as("contractor-1"))
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403, got %d: %s", res.StatusCode, string(data))
	}
	if env := decodeError(t, data); env.Error.Code != "forbidden" {
		t.Fatalf("expected forbidden code, got %q", env.Error.Code)
	}
}

func TestPenaltyInvoiceOverHTTP(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/incidents", map[string]any{
		"location_id":          "er",
		"in_charge":            map[string]any{"name": "Night lead"},
		"manpower_discrepancy": []string{"Missing PPE", "Late arrival"},
	}, as("insp-1"))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create incident status %d: %s", res.StatusCode, string(data))
	}
	var created IncidentResponse
	if err := json.Unmarshal(data, &created); err != nil {
		t.Fatalf("unmarshal incident: %v", err)
	}
	transitions := srv.URL + "/v0/incidents/" + created.Incident.ID + "/transitions"

	res, data = doJSON(t, client, http.MethodPost, transitions, map[string]any{
		"to":               "submitted",
		"expected_version": created.Incident.Version,
	}, as("insp-1"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("submit incident status %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodPost, transitions, map[string]any{
		"to":               "approved",
		"expected_version": created.Incident.Version + 1,
		"disposition":      "penalty",
	}, as("sup-1"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("approve incident status %d: %s", res.StatusCode, string(data))
	}
	var approved IncidentResponse
	if err := json.Unmarshal(data, &approved); err != nil {
		t.Fatalf("unmarshal incident: %v", err)
	}
	if approved.Invoice == nil {
		t.Fatalf("expected invoice in response: %s", string(data))
	}
	if approved.Invoice.TotalAmount != "650.00" {
		t.Fatalf("expected total 650.00, got %s", approved.Invoice.TotalAmount)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/incidents/"+created.Incident.ID, nil, as("contractor-1"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("get incident status %d: %s", res.StatusCode, string(data))
	}
	var fetched IncidentResponse
	if err := json.Unmarshal(data, &fetched); err != nil {
		t.Fatalf("unmarshal incident: %v", err)
	}
	if fetched.Invoice == nil || fetched.Invoice.ID != approved.Invoice.ID {
		t.Fatalf("expected stored invoice on read, got %+v", fetched.Invoice)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/invoices", nil, as("contractor-1"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("list invoices status %d: %s", res.StatusCode, string(data))
	}
	var invoices []InvoiceResponse
	if err := json.Unmarshal(data, &invoices); err != nil {
		t.Fatalf("unmarshal invoices: %v", err)
	}
	if len(invoices) != 1 {
		t.Fatalf("expected one invoice, got %d", len(invoices))
	}
}

func TestTaskPublishOverHTTP(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/tasks/proposals/generate", nil, as("insp-1"))
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("inspector generate: expected 403, got %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/tasks/proposals/generate", nil, as("sup-1"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("generate status %d: %s", res.StatusCode, string(data))
	}
	var proposals []domain.TaskProposal
	if err := json.Unmarshal(data, &proposals); err != nil {
		t.Fatalf("unmarshal proposals: %v", err)
	}
	if len(proposals) == 0 {
		t.Fatalf("expected proposals for never-visited locations")
	}
	ids := make([]string, 0, len(proposals))
	for _, p := range proposals {
		ids = append(ids, p.ID)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/tasks/publish", map[string]any{"ids": ids}, as("sup-1"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("publish status %d: %s", res.StatusCode, string(data))
	}
	var tasks []domain.InspectionTask
	if err := json.Unmarshal(data, &tasks); err != nil {
		t.Fatalf("unmarshal tasks: %v", err)
	}
	if len(tasks) != len(ids) {
		t.Fatalf("expected %d tasks, got %d", len(ids), len(tasks))
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/tasks", nil, as("insp-1"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("list tasks status %d: %s", res.StatusCode, string(data))
	}
	var mine []domain.InspectionTask
	if err := json.Unmarshal(data, &mine); err != nil {
		t.Fatalf("unmarshal tasks: %v", err)
	}
	for _, task := range mine {
		if task.InspectorID != "insp-1" {
			t.Fatalf("inspector listing leaked task for %s", task.InspectorID)
		}
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/tasks/"+tasks[0].ID, nil, as("insp-2"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("get task status %d: %s", res.StatusCode, string(data))
	}
	var one domain.InspectionTask
	if err := json.Unmarshal(data, &one); err != nil {
		t.Fatalf("unmarshal task: %v", err)
	}
	if one.ID != tasks[0].ID || one.Status != domain.TaskPending {
		t.Fatalf("unexpected task %+v", one)
	}
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/tasks/missing", nil, as("insp-2"))
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("missing task: expected 404, got %d: %s", res.StatusCode, string(data))
	}
}

func TestListActorsByRole(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/actors?role=inspector", nil, as("sup-1"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("list actors status %d: %s", res.StatusCode, string(data))
	}
	var actors []domain.Actor
	if err := json.Unmarshal(data, &actors); err != nil {
		t.Fatalf("unmarshal actors: %v", err)
	}
	if len(actors) != 2 || actors[0].ID != "insp-1" || actors[1].ID != "insp-2" {
		t.Fatalf("expected insp-1 and insp-2, got %+v", actors)
	}
}

func TestDevLoginIssuesJWT(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/auth/dev/login", map[string]any{"actor_id": "sup-1"}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("dev login status %d: %s", res.StatusCode, string(data))
	}
	var login DevLoginResponse
	if err := json.Unmarshal(data, &login); err != nil {
		t.Fatalf("unmarshal login: %v", err)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/me", nil, map[string]string{"Authorization": "Bearer " + login.Token})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("me status %d: %s", res.StatusCode, string(data))
	}
	var me WhoAmIResponse
	if err := json.Unmarshal(data, &me); err != nil {
		t.Fatalf("unmarshal me: %v", err)
	}
	if me.ActorID != "sup-1" || me.Role != domain.RoleSupervisor || me.Source != "jwt" {
		t.Fatalf("unexpected principal: %+v", me)
	}

	res, _ = doJSON(t, client, http.MethodGet, srv.URL+"/v0/me", nil, map[string]string{"Authorization": "Bearer not-a-token"})
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 for bad token, got %d", res.StatusCode)
	}
}

func TestAPIKeyAuthentication(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	admin := domain.ActorContext{ID: "admin", Name: "Administrator", Role: domain.RoleAdmin}
	plain, _, err := srv.Engine.CreateAPIKey(context.Background(), admin, "insp-2", "tablet")
	if err != nil {
		t.Fatalf("create api key: %v", err)
	}

	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/me", nil, map[string]string{"X-Api-Key": plain})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("me status %d: %s", res.StatusCode, string(data))
	}
	var me WhoAmIResponse
	if err := json.Unmarshal(data, &me); err != nil {
		t.Fatalf("unmarshal me: %v", err)
	}
	if me.ActorID != "insp-2" || me.Source != "api_key" {
		t.Fatalf("unexpected principal: %+v", me)
	}

	res, _ = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/me", nil, map[string]string{"X-Api-Key": "il_wrong"})
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 for unknown key, got %d", res.StatusCode)
	}
}
