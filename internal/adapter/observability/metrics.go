package observability

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

var (
	ClaimsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "runner_claims_total",
			Help: "Total claim_next calls by outcome (claimed, empty, error)",
		},
		[]string{"outcome"},
	)
	TerminalsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "runner_terminals_total",
			Help: "Terminal records written, by result and classification code",
		},
		[]string{"result", "code"},
	)
	ProcessDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "runner_process_duration_seconds",
			Help:    "BrowserDriver.process duration in seconds",
			Buckets: []float64{1, 5, 10, 30, 60, 120, 300},
		},
	)
	IdleBackoffSeconds = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "runner_idle_backoff_seconds",
			Help: "Most recent idle backoff sleep in seconds",
		},
	)
	DailySuccessCount = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "runner_daily_success_count",
			Help: "Last observed daily success count per campaign",
		},
		[]string{"campaign_id"},
	)
	StoreRetriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "runner_store_retries_total",
			Help: "Transient backing-store errors retried, by operation",
		},
		[]string{"op"},
	)
	OutcomeEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "runner_outcome_events_total",
			Help: "Outcome audit events published, by status",
		},
		[]string{"status"},
	)
)

// InitMetrics registers all runner metrics. Call once per process.
func InitMetrics() {
	prometheus.MustRegister(ClaimsTotal)
	prometheus.MustRegister(TerminalsTotal)
	prometheus.MustRegister(ProcessDuration)
	prometheus.MustRegister(IdleBackoffSeconds)
	prometheus.MustRegister(DailySuccessCount)
	prometheus.MustRegister(StoreRetriesTotal)
	prometheus.MustRegister(OutcomeEventsTotal)
}

// NewOpsHandler returns the per-process operational endpoint serving
// Prometheus metrics and a liveness probe.
func NewOpsHandler() http.Handler {
	r := chi.NewRouter()
	r.Handle("/metrics", promhttp.Handler())
	r.Method(http.MethodGet, "/healthz", otelhttp.NewHandler(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	}), "healthz"))
	return r
}
