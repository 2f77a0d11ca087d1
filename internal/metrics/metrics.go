// Package metrics exposes Prometheus collectors for the crawl engine.
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
	cfplFetchesTotal            *prometheus.CounterVec
	cfplFetchDurationSeconds    *prometheus.HistogramVec
	cfplContentStoredTotal      *prometheus.CounterVec
	cfplBytesStoredTotal        prometheus.Counter
	cfplFrontierOpsTotal        *prometheus.CounterVec
	cfplDeadLettersTotal        *prometheus.CounterVec
	cfplPolitenessDeferralTotal *prometheus.CounterVec
	cfplLinksTotal              *prometheus.CounterVec
	cfplJobsTotal               *prometheus.CounterVec
	cfplRobotsFallbackTotal     *prometheus.CounterVec
	cfplActiveWorkers           prometheus.Gauge
	cfplAPIRequestsTotal        *prometheus.CounterVec
	cfplAPIRequestSeconds       *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times; every Observe helper calls it.
func Init() {
	once.Do(func() {
		cfplFetchesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cfpl_fetches_total",
				Help: "Total fetch attempts, labeled by site and outcome.",
			},
			[]string{"site", "outcome"},
		)

		cfplFetchDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "cfpl_fetch_duration_seconds",
				Help:    "Histogram of fetch latencies, labeled by site.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"site"},
		)

		cfplContentStoredTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cfpl_content_puts_total",
				Help: "Content store puts, labeled by whether the bytes were new or deduplicated.",
			},
			[]string{"result"},
		)

		cfplBytesStoredTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "cfpl_bytes_stored_total",
				Help: "Total bytes written to the content store (deduplicated puts excluded).",
			},
		)

		cfplFrontierOpsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cfpl_frontier_ops_total",
				Help: "Frontier operations, labeled by operation.",
			},
			[]string{"op"},
		)

		cfplDeadLettersTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cfpl_dead_letters_total",
				Help: "URLs moved to the dead state, labeled by site.",
			},
			[]string{"site"},
		)

		cfplPolitenessDeferralTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cfpl_politeness_deferrals_total",
				Help: "Ready items skipped because their domain was fetched too recently.",
			},
			[]string{"site"},
		)

		cfplLinksTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cfpl_links_total",
				Help: "Discovered links, labeled by link type and scope decision.",
			},
			[]string{"type", "decision"},
		)

		cfplJobsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cfpl_jobs_total",
				Help: "Finished jobs, labeled by termination reason.",
			},
			[]string{"reason"},
		)

		cfplRobotsFallbackTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cfpl_robots_fallback_total",
				Help: "robots.txt lookups that kept timing out and were treated as allow-all.",
			},
			[]string{"site"},
		)

		cfplActiveWorkers = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "cfpl_active_workers",
				Help: "Number of workers currently processing a URL.",
			},
		)

		cfplAPIRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cfpl_api_requests_total",
				Help: "Query API requests, labeled by route pattern and status code.",
			},
			[]string{"route", "code"},
		)

		cfplAPIRequestSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "cfpl_api_request_duration_seconds",
				Help:    "Query API latency, labeled by route pattern.",
				Buckets: []float64{0.005, 0.025, 0.1, 0.5, 1, 5},
			},
			[]string{"route"},
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

// ObserveFetch records one fetch attempt.
func ObserveFetch(site, outcome string, duration time.Duration) {
	Init()
	sanitized := SanitizeSite(site)
	cfplFetchesTotal.WithLabelValues(sanitized, outcome).Inc()
	if duration > 0 {
		cfplFetchDurationSeconds.WithLabelValues(sanitized).Observe(duration.Seconds())
	}
}

// ObserveStored records a content store put.
func ObserveStored(bytes int, deduplicated bool) {
	Init()
	if deduplicated {
		cfplContentStoredTotal.WithLabelValues("dedup").Inc()
		return
	}
	cfplContentStoredTotal.WithLabelValues("new").Inc()
	cfplBytesStoredTotal.Add(float64(bytes))
}

// ObserveFrontier records a frontier operation.
func ObserveFrontier(op string) {
	Init()
	cfplFrontierOpsTotal.WithLabelValues(op).Inc()
}

// ObserveDeadLetter records a URL moving to the dead state.
func ObserveDeadLetter(site string) {
	Init()
	cfplDeadLettersTotal.WithLabelValues(SanitizeSite(site)).Inc()
}

// ObservePolitenessDeferral records an item skipped by the per-domain gate.
func ObservePolitenessDeferral(domain string) {
	Init()
	cfplPolitenessDeferralTotal.WithLabelValues(SanitizeSite(domain)).Inc()
}

// ObserveLink records a discovered link and whether scope accepted it.
func ObserveLink(linkType string, accepted bool) {
	Init()
	decision := "rejected"
	if accepted {
		decision = "accepted"
	}
	cfplLinksTotal.WithLabelValues(linkType, decision).Inc()
}

// ObserveJob records a finished job.
func ObserveJob(reason string) {
	Init()
	cfplJobsTotal.WithLabelValues(reason).Inc()
}

// ObserveRobotsFallback records a robots.txt lookup answered with allow-all.
func ObserveRobotsFallback(site string) {
	Init()
	cfplRobotsFallbackTotal.WithLabelValues(SanitizeSite(site)).Inc()
}

// IncActiveWorkers increments the active workers gauge.
func IncActiveWorkers() {
	Init()
	cfplActiveWorkers.Inc()
}

// DecActiveWorkers decrements the active workers gauge.
func DecActiveWorkers() {
	Init()
	cfplActiveWorkers.Dec()
}

// ObserveAPIRequest records one query API request against its route pattern.
func ObserveAPIRequest(route string, code int, duration time.Duration) {
	Init()
	cfplAPIRequestsTotal.WithLabelValues(route, strconv.Itoa(code)).Inc()
	cfplAPIRequestSeconds.WithLabelValues(route).Observe(duration.Seconds())
}
