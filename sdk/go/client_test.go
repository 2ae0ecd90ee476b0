package inspectlinesdk

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestTransitionReportSendsCredentials(t *testing.T) {
	var gotPath, gotKey string
	var gotBody ReportTransition
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotKey = r.Header.Get("X-Api-Key")
		if err := json.NewDecoder(r.Body).Decode(&gotBody); err != nil {
			t.Errorf("decode body: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"report":{"id":"r1","status":"approved","version":3},"score":80,"band":"good"}`))
	}))
	defer srv.Close()

	c := New(srv.URL)
	c.APIKey = "il_test"
	view, err := c.TransitionReport(context.Background(), "r1", ReportTransition{To: "approved", ExpectedVersion: 2})
	if err != nil {
		t.Fatalf("transition: %v", err)
	}
	if gotPath != "/v0/reports/r1/transitions" {
		t.Fatalf("unexpected path %s", gotPath)
	}
	if gotKey != "il_test" {
		t.Fatalf("expected api key header, got %q", gotKey)
	}
	if gotBody.To != "approved" || gotBody.ExpectedVersion != 2 {
		t.Fatalf("unexpected body %+v", gotBody)
	}
	if view.Report.Version != 3 || view.Score != 80 {
		t.Fatalf("unexpected view %+v", view)
	}
}

func TestConflictEnvelopeIsDecoded(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusConflict)
		_, _ = w.Write([]byte(`{"error":{"code":"conflict","message":"version mismatch","details":{"current_version":4}}}`))
	}))
	defer srv.Close()

	c := New(srv.URL)
	c.ActorID = "sup-1"
	_, err := c.TransitionIncident(context.Background(), "i1", "approved", 2, "penalty", "")
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected APIError, got %v", err)
	}
	if !apiErr.IsConflict() || apiErr.Code != "conflict" {
		t.Fatalf("unexpected error %+v", apiErr)
	}
	if apiErr.Details["current_version"] != float64(4) {
		t.Fatalf("expected current_version 4, got %v", apiErr.Details["current_version"])
	}
}

func TestMarkNotificationReadAcceptsNoContent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/v0/notifications/n1/read" {
			t.Errorf("unexpected %s %s", r.Method, r.URL.Path)
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	if err := New(srv.URL).MarkNotificationRead(context.Background(), "n1"); err != nil {
		t.Fatalf("mark read: %v", err)
	}
}
