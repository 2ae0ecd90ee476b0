package notify_test

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"inspectline/internal/config"
	"inspectline/internal/domain"
	"inspectline/internal/logging"
	"inspectline/internal/notify"
)

type recorder struct {
	got []domain.Notification
	err error
}

func (r *recorder) Emit(_ context.Context, n domain.Notification) error {
	r.got = append(r.got, n)
	return r.err
}

func TestMultiDeliversToAllAndJoinsErrors(t *testing.T) {
	ok := &recorder{}
	failing := &recorder{err: errors.New("broker down")}
	m := notify.Multi{failing, ok}
	n := notify.New("insp-1", domain.NotificationInfo, "hello", "/reports/r1", time.Now())
	err := m.Emit(context.Background(), n)
	if err == nil || !strings.Contains(err.Error(), "broker down") {
		t.Fatalf("expected joined error, got %v", err)
	}
	if len(ok.got) != 1 || ok.got[0].ID != n.ID {
		t.Fatalf("healthy sink should still receive the notification")
	}
}

func TestLogEmitterWritesJSON(t *testing.T) {
	var buf bytes.Buffer
	logger := logging.NewWithOutput(config.Log{Level: "info", Format: "json"}, &buf)
	n := notify.New("sup-1", domain.NotificationAlert, "Report INSP-0001 returned", "/reports/r1", time.Now())
	if err := (notify.LogEmitter{Logger: logger}).Emit(context.Background(), n); err != nil {
		t.Fatalf("emit: %v", err)
	}
	out := buf.String()
	if !strings.Contains(out, `"user_id":"sup-1"`) || !strings.Contains(out, "INSP-0001") {
		t.Fatalf("unexpected log output %s", out)
	}
}

func TestMessages(t *testing.T) {
	r := domain.InspectionReport{ID: "r1", ReferenceNumber: "INSP-0007", SupervisorComment: "floor wet"}
	if got := notify.ReportReturned(r, "ICU"); !strings.Contains(got, "floor wet") || !strings.Contains(got, "INSP-0007") {
		t.Fatalf("returned message missing detail: %s", got)
	}
	if got := notify.RectificationRequired(r, "ICU", 62.5); !strings.Contains(got, "62.5%") {
		t.Fatalf("rectification message missing score: %s", got)
	}
	draft := domain.InspectionReport{ID: "r2"}
	if got := notify.ReportApproved(draft, "ICU"); !strings.Contains(got, "r2") {
		t.Fatalf("expected id fallback: %s", got)
	}
	if got := notify.TasksAssigned(3, "2024-01-02"); !strings.Contains(got, "3 new") {
		t.Fatalf("unexpected task message: %s", got)
	}
}

func TestNewKafkaRequiresBrokers(t *testing.T) {
	if _, err := notify.NewKafka(notify.KafkaOptions{}); err == nil {
		t.Fatalf("expected error without brokers")
	}
	k, err := notify.NewKafka(notify.KafkaOptions{Brokers: []string{"127.0.0.1:9092"}})
	if err != nil {
		t.Fatalf("new kafka: %v", err)
	}
	if err := k.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
}
