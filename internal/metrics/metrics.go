// Package metrics exposes Prometheus collectors for the fetch service.
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
	jobsTotal                  *prometheus.CounterVec
	jobDurationSeconds         prometheus.Histogram
	jobAttemptsTotal           *prometheus.CounterVec
	activeWorkers              prometheus.Gauge
	queueSize                  prometheus.Gauge
	sessionsLeased             prometheus.Gauge
	sessionRecyclesTotal       *prometheus.CounterVec
	domainWaitSeconds          prometheus.Histogram
	notificationsTotal         *prometheus.CounterVec
	proxyFailuresTotal         *prometheus.CounterVec
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		jobsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ghostfetch_jobs_total",
				Help: "Jobs that reached a terminal state, labeled by status.",
			},
			[]string{"status"},
		)

		jobDurationSeconds = promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "ghostfetch_job_duration_seconds",
				Help:    "Time from job creation to its terminal state.",
				Buckets: []float64{1, 5, 10, 30, 60, 120, 300, 600},
			},
		)

		jobAttemptsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ghostfetch_job_attempts_total",
				Help: "Fetch attempts handed to a worker, labeled by outcome.",
			},
			[]string{"outcome"},
		)

		activeWorkers = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "ghostfetch_active_workers",
				Help: "Number of workers currently processing a job.",
			},
		)

		queueSize = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "ghostfetch_queue_size",
				Help: "Number of jobs waiting in the queued state.",
			},
		)

		sessionsLeased = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "ghostfetch_sessions_leased",
				Help: "Browser sessions currently leased to a job.",
			},
		)

		sessionRecyclesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ghostfetch_session_recycles_total",
				Help: "Browser sessions retired, labeled by reason.",
			},
			[]string{"reason"},
		)

		domainWaitSeconds = promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "ghostfetch_domain_wait_seconds",
				Help:    "Time spent waiting for per-host spacing before admission.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
			},
		)

		notificationsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ghostfetch_notifications_total",
				Help: "Callback delivery attempts, labeled by result.",
			},
			[]string{"result"},
		)

		proxyFailuresTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ghostfetch_proxy_failures_total",
				Help: "Fetch failures attributed to a proxy, labeled by proxy host.",
			},
			[]string{"proxy"},
		)

		httpRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ghostfetch_http_requests_total",
				Help: "Total number of HTTP requests, labeled by method, route and code.",
			},
			[]string{"method", "route", "code"},
		)

		httpRequestDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "ghostfetch_http_request_duration_seconds",
				Help:    "Histogram of HTTP request latencies, labeled by method and route.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 30, 120},
			},
			[]string{"method", "route"},
		)
	})
}

// SanitizeSite sanitizes a URL to extract a lowercase hostname.
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
	Init()
	return promhttp.Handler()
}

// ObserveJob records a terminal job and its end-to-end latency.
func ObserveJob(status string, elapsed time.Duration) {
	Init()
	jobsTotal.WithLabelValues(status).Inc()
	if elapsed > 0 {
		jobDurationSeconds.Observe(elapsed.Seconds())
	}
}

// ObserveAttempt counts one worker invocation.
func ObserveAttempt(outcome string) {
	Init()
	jobAttemptsTotal.WithLabelValues(outcome).Inc()
}

// IncActiveWorkers increments the active workers gauge.
func IncActiveWorkers() {
	Init()
	activeWorkers.Inc()
}

// DecActiveWorkers decrements the active workers gauge.
func DecActiveWorkers() {
	Init()
	activeWorkers.Dec()
}

// SetQueueSize records the number of queued jobs.
func SetQueueSize(n int) {
	Init()
	queueSize.Set(float64(n))
}

// SetSessionsLeased records the number of leased sessions.
func SetSessionsLeased(n int) {
	Init()
	sessionsLeased.Set(float64(n))
}

// ObserveSessionRecycle counts a retired session.
func ObserveSessionRecycle(reason string) {
	Init()
	sessionRecyclesTotal.WithLabelValues(reason).Inc()
}

// ObserveDomainWait records how long admission waited on host pacing.
func ObserveDomainWait(d time.Duration) {
	Init()
	domainWaitSeconds.Observe(d.Seconds())
}

// ObserveNotification counts a callback delivery attempt.
func ObserveNotification(result string) {
	Init()
	notificationsTotal.WithLabelValues(result).Inc()
}

// ObserveProxyFailure counts a failure routed through proxy.
func ObserveProxyFailure(proxy string) {
	Init()
	proxyFailuresTotal.WithLabelValues(SanitizeSite(proxy)).Inc()
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, route, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}
