package server

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"inspectline/internal/config"
	"inspectline/internal/domain"
	"inspectline/internal/engine"
	"inspectline/internal/logging"
)

type hookReceiver struct {
	mu        sync.Mutex
	fail      bool
	attempts  int
	delivered []http.Header
	bodies    []webhookEvent
}

func (h *hookReceiver) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.attempts++
	if h.fail {
		http.Error(w, "unavailable", http.StatusServiceUnavailable)
		return
	}
	data, _ := io.ReadAll(r.Body)
	var evt webhookEvent
	_ = json.Unmarshal(data, &evt)
	h.delivered = append(h.delivered, r.Header.Clone())
	h.bodies = append(h.bodies, evt)
	w.WriteHeader(http.StatusNoContent)
}

func (h *hookReceiver) snapshot() (int, []http.Header, []webhookEvent) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.attempts, append([]http.Header(nil), h.delivered...), append([]webhookEvent(nil), h.bodies...)
}

func (h *hookReceiver) setFail(v bool) {
	h.mu.Lock()
	h.fail = v
	h.mu.Unlock()
}

func scoredItems(score int) []domain.ScoredItem {
	out := make([]domain.ScoredItem, 0, 4)
	for _, id := range []string{"floor", "bins", "surfaces", "linen"} {
		out = append(out, domain.ScoredItem{ItemID: id, Score: score})
	}
	return out
}

func TestWebhookDispatcherAdvancesCursor(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	ctx := context.Background()

	recv := &hookReceiver{}
	hook := httptest.NewServer(recv)
	defer hook.Close()

	d := &webhookDispatcher{
		engine:   srv.Engine,
		facility: "hospital-1",
		webhooks: []config.WebhookConfig{{URL: hook.URL, Events: []string{"report.created"}, Secret: "s3cret"}},
		client:   &http.Client{Timeout: 2 * time.Second},
		logger:   logging.Discard(),
		interval: time.Hour,
		cursors:  make(map[int]int64),
	}
	d.dispatchAll(ctx)
	if attempts, _, _ := recv.snapshot(); attempts != 0 {
		t.Fatalf("events before the first poll must not be sent, got %d", attempts)
	}

	insp := domain.ActorContext{ID: "insp-1", Role: domain.RoleInspector}
	rep, err := srv.Engine.CreateReport(ctx, insp, engine.CreateReportInput{LocationID: "ward-a", Items: scoredItems(8)})
	if err != nil {
		t.Fatalf("create report: %v", err)
	}
	if _, err := srv.Engine.UpdateReportItems(ctx, insp, rep.ID, rep.Version, scoredItems(9)); err != nil {
		t.Fatalf("update items: %v", err)
	}
	latest, err := srv.Engine.Repo.LatestEventID(ctx)
	if err != nil {
		t.Fatalf("latest event: %v", err)
	}

	d.dispatchAll(ctx)
	_, delivered, bodies := recv.snapshot()
	if len(delivered) != 1 {
		t.Fatalf("expected only report.created delivered, got %d", len(delivered))
	}
	hdr, body := delivered[0], bodies[0]
	if hdr.Get("X-Inspectline-Event") != "report.created" ||
		hdr.Get("X-Inspectline-Facility") != "hospital-1" ||
		hdr.Get("X-Inspectline-Secret") != "s3cret" {
		t.Fatalf("unexpected headers %v", hdr)
	}
	if body.EntityID != rep.ID || body.FacilityID != "hospital-1" {
		t.Fatalf("unexpected payload %+v", body)
	}
	if d.cursors[0] != latest {
		t.Fatalf("cursor should pass filtered events: got %d want %d", d.cursors[0], latest)
	}

	d.dispatchAll(ctx)
	if _, delivered, _ = recv.snapshot(); len(delivered) != 1 {
		t.Fatalf("events must not be delivered twice, got %d", len(delivered))
	}

	recv.setFail(true)
	if _, err := srv.Engine.CreateReport(ctx, insp, engine.CreateReportInput{LocationID: "er", Items: scoredItems(7)}); err != nil {
		t.Fatalf("create report: %v", err)
	}
	d.dispatchAll(ctx)
	if attempts, _, _ := recv.snapshot(); attempts != 2 || d.cursors[0] != latest {
		t.Fatalf("failed delivery must keep the cursor: attempts=%d cursor=%d", attempts, d.cursors[0])
	}

	recv.setFail(false)
	d.dispatchAll(ctx)
	if _, delivered, bodies = recv.snapshot(); len(delivered) != 2 || bodies[1].Type != "report.created" {
		t.Fatalf("expected the failed event redelivered, got %d deliveries", len(delivered))
	}
}
