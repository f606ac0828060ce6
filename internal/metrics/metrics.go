// Package metrics exposes Prometheus collectors for the probing engine.
package metrics

import (
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	searchesTotal        *prometheus.CounterVec
	fastPathProbesTotal  *prometheus.CounterVec
	verdictsTotal        *prometheus.CounterVec
	sessionsTotal        *prometheus.CounterVec
	sessionsLive         prometheus.Gauge
	taskDurationSeconds  *prometheus.HistogramVec
	tasksAbandonedTotal  prometheus.Counter
	renderRateLimitDelay *prometheus.HistogramVec

	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		searchesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "handleprobe_searches_total",
				Help: "Total number of username searches, labeled by status.",
			},
			[]string{"status"},
		)

		fastPathProbesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "handleprobe_fastpath_probes_total",
				Help: "Total number of fast-path status probes, labeled by site host and outcome.",
			},
			[]string{"site", "outcome"},
		)

		verdictsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "handleprobe_site_verdicts_total",
				Help: "Total number of per-site verdicts, labeled by verdict and deciding rule.",
			},
			[]string{"verdict", "rule"},
		)

		sessionsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "handleprobe_render_sessions_total",
				Help: "Rendering session lifecycle events, labeled by event.",
			},
			[]string{"event"},
		)

		sessionsLive = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "handleprobe_render_sessions_live",
				Help: "Number of rendering sessions currently held by tasks.",
			},
		)

		taskDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "handleprobe_task_duration_seconds",
				Help:    "Histogram of per-site task durations, labeled by the last stage reached.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 20, 30, 60},
			},
			[]string{"stage"},
		)

		tasksAbandonedTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "handleprobe_tasks_abandoned_total",
				Help: "Total number of tasks abandoned after exceeding their deadline.",
			},
		)

		renderRateLimitDelay = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "handleprobe_render_rate_limit_delay_seconds",
				Help:    "Histogram of per-host render pacing waits.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"site"},
		)

		httpRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "handleprobe_ops_http_requests_total",
				Help: "Total number of requests served by the ops listener, labeled by method and status code.",
			},
			[]string{"method", "code"},
		)

		httpRequestDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "handleprobe_ops_http_request_duration_seconds",
				Help:    "Histogram of ops listener request latencies.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "route"},
		)
	})
}

// SanitizeSite extracts a lowercase hostname from a URL.
// It returns "unknown" if the URL is invalid.
func SanitizeSite(rawURL string) string {
	if !strings.HasPrefix(rawURL, "http") {
		rawURL = "http://" + rawURL
	}
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return "unknown"
	}
	return strings.ToLower(u.Hostname())
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveSearch increments the search counter for the given status.
func ObserveSearch(status string) {
	Init()
	searchesTotal.WithLabelValues(status).Inc()
}

// ObserveFastPath records the outcome of a fast-path probe.
func ObserveFastPath(rawURL, outcome string) {
	Init()
	fastPathProbesTotal.WithLabelValues(SanitizeSite(rawURL), outcome).Inc()
}

// ObserveVerdict records a per-site verdict and the rule that decided it.
func ObserveVerdict(verdict, rule string) {
	Init()
	verdictsTotal.WithLabelValues(verdict, rule).Inc()
}

// SessionAcquired tracks a newly created rendering session.
func SessionAcquired() {
	Init()
	sessionsTotal.WithLabelValues("acquired").Inc()
	sessionsLive.Inc()
}

// SessionReleased tracks a destroyed rendering session.
func SessionReleased() {
	Init()
	sessionsTotal.WithLabelValues("released").Inc()
	sessionsLive.Dec()
}

// SessionFailed tracks a session that could not be created or closed cleanly.
func SessionFailed(event string) {
	Init()
	sessionsTotal.WithLabelValues(event).Inc()
}

// ObserveTask records how long a task ran and the last stage it reached.
func ObserveTask(stage string, duration time.Duration) {
	Init()
	taskDurationSeconds.WithLabelValues(stage).Observe(duration.Seconds())
}

// IncAbandoned increments the abandoned task counter.
func IncAbandoned() {
	Init()
	tasksAbandonedTotal.Inc()
}

// ObserveRateLimitDelay records the duration of a render pacing wait.
func ObserveRateLimitDelay(rawURL string, duration time.Duration) {
	Init()
	renderRateLimitDelay.WithLabelValues(SanitizeSite(rawURL)).Observe(duration.Seconds())
}

// ObserveHTTPRequest records one request served by the ops listener.
func ObserveHTTPRequest(method, route string, status int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(status)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}
