// Package metrics defines the service's Prometheus metrics.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// ─── Ledger Metrics ─────────────────────────────────────────────────────────

// PaymentsRecorded counts payments committed to the ledger.
var PaymentsRecorded = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "fintrack",
	Subsystem: "ledger",
	Name:      "payments_recorded_total",
	Help:      "Total payments committed to the ledger.",
})

// LoansPaidOff counts loans that reached a zero balance.
var LoansPaidOff = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "fintrack",
	Subsystem: "ledger",
	Name:      "loans_paid_off_total",
	Help:      "Total loans transitioned to paid off.",
})

// PaymentErrors counts rejected or failed payments by error kind.
var PaymentErrors = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "fintrack",
	Subsystem: "ledger",
	Name:      "payment_errors_total",
	Help:      "Total payments that were rejected or failed, by kind.",
}, []string{"kind"})

// PaymentDuration observes end-to-end payment application latency.
var PaymentDuration = promauto.NewHistogram(prometheus.HistogramOpts{
	Namespace: "fintrack",
	Subsystem: "ledger",
	Name:      "payment_duration_seconds",
	Help:      "Time to apply and commit one payment.",
	Buckets:   []float64{0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
})

// LockWait observes time spent waiting for a loan's lock.
var LockWait = promauto.NewHistogram(prometheus.HistogramOpts{
	Namespace: "fintrack",
	Subsystem: "ledger",
	Name:      "lock_wait_seconds",
	Help:      "Time spent waiting to acquire a per-loan lock.",
	Buckets:   []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
})

// ReconcileInconsistent reports the number of loans whose ledger failed the last reconciliation.
var ReconcileInconsistent = promauto.NewGauge(prometheus.GaugeOpts{
	Namespace: "fintrack",
	Subsystem: "ledger",
	Name:      "reconcile_inconsistent_loans",
	Help:      "Loans found inconsistent by the most recent reconciliation run.",
})

// ─── Event Metrics ──────────────────────────────────────────────────────────

// EventPublishFailures counts events that could not be published.
var EventPublishFailures = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "fintrack",
	Subsystem: "events",
	Name:      "publish_failures_total",
	Help:      "Total domain events that failed to publish, by type.",
}, []string{"type"})

// ─── HTTP Metrics ───────────────────────────────────────────────────────────

// HTTPRequests counts served requests.
var HTTPRequests = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "fintrack",
	Subsystem: "http",
	Name:      "requests_total",
	Help:      "Total HTTP requests by method, route and status.",
}, []string{"method", "route", "status"})

// HTTPDuration observes request latency.
var HTTPDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Namespace: "fintrack",
	Subsystem: "http",
	Name:      "request_duration_seconds",
	Help:      "HTTP request latency by method and route.",
	Buckets:   prometheus.DefBuckets,
}, []string{"method", "route"})

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

// Middleware records HTTPRequests and HTTPDuration labelled by the matched
// route template, so path parameters do not explode cardinality.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r)

		route := "unmatched"
		if cr := mux.CurrentRoute(r); cr != nil {
			if tmpl, err := cr.GetPathTemplate(); err == nil {
				route = tmpl
			}
		}
		HTTPRequests.WithLabelValues(r.Method, route, strconv.Itoa(sw.status)).Inc()
		HTTPDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
	})
}
