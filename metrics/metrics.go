// Package metrics holds the Prometheus collectors for the meal engine and
// the HTTP instrumentation middleware.
package metrics

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "meals"

var (
	// Registry holds the application-specific Prometheus collectors.
	Registry = prometheus.NewRegistry()

	httpInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "inflight_requests",
			Help:      "Current number of in-flight HTTP requests.",
		},
	)

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests handled.",
		},
		[]string{"method", "path", "status"},
	)

	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Duration of HTTP requests.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 10), // 5ms to ~5s
		},
		[]string{"method", "path"},
	)

	ledgerPostings = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ledger",
			Name:      "postings_total",
			Help:      "Ledger postings by transaction type and result.",
		},
		[]string{"type", "result"},
	)

	ledgerConflicts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ledger",
			Name:      "conflicts_total",
			Help:      "Optimistic lock and recalculation conflicts by operation.",
		},
		[]string{"op"},
	)

	ledgerQuarantined = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ledger",
			Name:      "quarantined_total",
			Help:      "Balances quarantined after a chain invariant violation.",
		},
	)

	ledgerRecalculated = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ledger",
			Name:      "recalculated_entries_total",
			Help:      "Transactions whose balances were recomputed by a correction or reconcile.",
		},
	)

	rulesSkipped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "rules",
			Name:      "skipped_total",
			Help:      "Malformed rules skipped during resolution.",
		},
		[]string{"kind"},
	)

	rateRulesApplied = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "rules",
			Name:      "rate_rules_applied_total",
			Help:      "Rate rules that fired during evaluation.",
		},
	)

	closingRuns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "closing",
			Name:      "runs_total",
			Help:      "Meal closing runs by meal and result.",
		},
		[]string{"meal", "result"},
	)

	closingDeductions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "closing",
			Name:      "deductions_total",
			Help:      "Per-user closing outcomes by meal and result.",
		},
		[]string{"meal", "result"},
	)
)

func init() {
	Registry.MustRegister(
		httpInFlight,
		httpRequests,
		httpDuration,
		ledgerPostings,
		ledgerConflicts,
		ledgerQuarantined,
		ledgerRecalculated,
		rulesSkipped,
		rateRulesApplied,
		closingRuns,
		closingDeductions,
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
		prometheus.NewGoCollector(),
	)
}

// Handler returns an HTTP handler exposing the registered Prometheus metrics.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

// InstrumentHandler wraps the provided handler with HTTP metrics collection.
// Paths are labelled with the chi route pattern to keep cardinality bounded.
func InstrumentHandler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/metrics" {
			next.ServeHTTP(w, r)
			return
		}

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()

		httpInFlight.Inc()
		defer httpInFlight.Dec()

		next.ServeHTTP(rec, r)

		path := routePattern(r)
		method := strings.ToUpper(r.Method)
		httpRequests.WithLabelValues(method, path, strconv.Itoa(rec.status)).Inc()
		httpDuration.WithLabelValues(method, path).Observe(time.Since(start).Seconds())
	})
}

func routePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if p := rctx.RoutePattern(); p != "" {
			return p
		}
	}
	return "unmatched"
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// =============================================================================
// DOMAIN RECORDERS
// =============================================================================

func LedgerPosting(txType, result string) { ledgerPostings.WithLabelValues(txType, result).Inc() }

func LedgerConflict(op string) { ledgerConflicts.WithLabelValues(op).Inc() }

func LedgerQuarantined() { ledgerQuarantined.Inc() }

func LedgerRecalculated(n int) {
	if n > 0 {
		ledgerRecalculated.Add(float64(n))
	}
}

// RuleSkipped counts a malformed override or rate rule left out of a resolution.
func RuleSkipped(kind string) { rulesSkipped.WithLabelValues(kind).Inc() }

func RateRulesApplied(n int) {
	if n > 0 {
		rateRulesApplied.Add(float64(n))
	}
}

func ClosingRun(meal, result string) { closingRuns.WithLabelValues(meal, result).Inc() }

func ClosingDeduction(meal, result string) { closingDeductions.WithLabelValues(meal, result).Inc() }
