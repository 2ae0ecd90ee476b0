package metrics

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "inspectline_http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"method", "status"},
	)
	httpLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "inspectline_http_request_duration_seconds",
			Help:    "HTTP request latency in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "status"},
	)
	transitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "inspectline_transitions_total",
			Help: "Report and incident transitions by outcome.",
		},
		[]string{"kind", "to", "outcome"},
	)
	commitLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "inspectline_commit_duration_seconds",
			Help:    "Durable commit latency in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"kind"},
	)
	invoices = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "inspectline_penalty_invoices_total",
			Help: "Penalty invoice synthesis by outcome.",
		},
		[]string{"outcome"},
	)
	notifications = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "inspectline_notifications_total",
			Help: "Notification deliveries by sink and outcome.",
		},
		[]string{"sink", "outcome"},
	)
	tasksPublished = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "inspectline_tasks_published_total",
			Help: "Inspection tasks published from proposal batches.",
		},
	)
)

var registerOnce sync.Once

// Register adds the collectors to the default registry. Safe to call more than once.
func Register() {
	registerOnce.Do(func() {
		prometheus.MustRegister(httpRequests, httpLatency, transitions, commitLatency, invoices, notifications, tasksPublished)
	})
}

func Handler() http.Handler {
	return promhttp.Handler()
}

func Instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		lrw := &statusResponseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(lrw, r)
		status := strconv.Itoa(lrw.statusCode)
		httpRequests.WithLabelValues(r.Method, status).Inc()
		httpLatency.WithLabelValues(r.Method, status).Observe(time.Since(start).Seconds())
	})
}

func IncTransition(kind, to, outcome string) {
	transitions.WithLabelValues(kind, to, outcome).Inc()
}

func ObserveCommit(kind string, d time.Duration) {
	commitLatency.WithLabelValues(kind).Observe(d.Seconds())
}

func IncInvoice(outcome string) {
	invoices.WithLabelValues(outcome).Inc()
}

func IncNotification(sink, outcome string) {
	notifications.WithLabelValues(sink, outcome).Inc()
}

func AddTasksPublished(n int) {
	tasksPublished.Add(float64(n))
}

type statusResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (w *statusResponseWriter) WriteHeader(code int) {
	w.statusCode = code
	w.ResponseWriter.WriteHeader(code)
}
