// Package metrics exposes Prometheus collectors for the scrape service.
package metrics

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	scrapeCellsTotal           *prometheus.CounterVec
	scrapeSessionsStartedTotal *prometheus.CounterVec
	scrapeSessionsEndedTotal   *prometheus.CounterVec
	scrapeCaptchaPausesTotal   prometheus.Counter
	scrapeCaptchaSolutionsVec  *prometheus.CounterVec
	scrapeBatchDurationSeconds prometheus.Histogram
	scrapeThrottleWaitSeconds  prometheus.Histogram
	scrapeCoverageRatio        *prometheus.GaugeVec
	scrapeSessionActive        prometheus.Gauge
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		scrapeCellsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "scrape_cells_total",
				Help: "Total number of target cells processed, labeled by outcome.",
			},
			[]string{"outcome"},
		)

		scrapeSessionsStartedTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "scrape_sessions_started_total",
				Help: "Total number of sessions started, labeled by kind.",
			},
			[]string{"kind"},
		)

		scrapeSessionsEndedTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "scrape_sessions_ended_total",
				Help: "Total number of sessions reaching a terminal status.",
			},
			[]string{"status"},
		)

		scrapeCaptchaPausesTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "scrape_captcha_pauses_total",
				Help: "Total number of times a session suspended on a CAPTCHA wall.",
			},
		)

		scrapeCaptchaSolutionsVec = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "scrape_captcha_solutions_total",
				Help: "Total number of operator captcha solutions, labeled by result.",
			},
			[]string{"result"},
		)

		scrapeBatchDurationSeconds = promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "scrape_batch_duration_seconds",
				Help:    "Histogram of wall-clock time spent per municipality batch.",
				Buckets: []float64{1, 5, 15, 60, 300, 900, 3600},
			},
		)

		scrapeThrottleWaitSeconds = promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "scrape_throttle_wait_seconds",
				Help:    "Histogram of politeness delays between fetches.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
			},
		)

		scrapeCoverageRatio = promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "scrape_coverage_ratio",
				Help: "Fraction of locations holding at least one value, by level.",
			},
			[]string{"level"},
		)

		scrapeSessionActive = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "scrape_session_active",
				Help: "Whether a session currently holds the single-writer slot.",
			},
		)

		httpRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests, labeled by method and code.",
			},
			[]string{"method", "code"},
		)

		httpRequestDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Histogram of HTTP request latencies, labeled by method and route.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
			},
			[]string{"method", "route"},
		)
	})
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveCell increments the per-cell counter for an outcome.
func ObserveCell(outcome string) {
	scrapeCellsTotal.WithLabelValues(outcome).Inc()
}

// ObserveSessionStarted records a new session and marks the slot busy.
func ObserveSessionStarted(kind string) {
	scrapeSessionsStartedTotal.WithLabelValues(kind).Inc()
	scrapeSessionActive.Set(1)
}

// ObserveSessionEnded records a terminal status and frees the slot.
func ObserveSessionEnded(status string) {
	scrapeSessionsEndedTotal.WithLabelValues(status).Inc()
	scrapeSessionActive.Set(0)
}

// ObserveCaptchaPause increments the suspension counter.
func ObserveCaptchaPause() {
	scrapeCaptchaPausesTotal.Inc()
}

// ObserveCaptchaSolution records an accepted or rejected solution.
func ObserveCaptchaSolution(accepted bool) {
	result := "rejected"
	if accepted {
		result = "accepted"
	}
	scrapeCaptchaSolutionsVec.WithLabelValues(result).Inc()
}

// ObserveBatch records the duration of one finished batch.
func ObserveBatch(duration time.Duration) {
	scrapeBatchDurationSeconds.Observe(duration.Seconds())
}

// ObserveThrottleWait records one politeness delay.
func ObserveThrottleWait(duration time.Duration) {
	scrapeThrottleWaitSeconds.Observe(duration.Seconds())
}

// SetCoverage updates the coverage gauge for a level.
func SetCoverage(level string, ratio float64) {
	scrapeCoverageRatio.WithLabelValues(level).Set(ratio)
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}
