package scraper

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics bundles Prometheus collectors for the crawler.
type Metrics struct {
	Registry           *prometheus.Registry
	RequestsTotal      *prometheus.CounterVec
	RequestDuration    prometheus.Histogram
	ItemsAcceptedTotal prometheus.Counter
	DuplicatesTotal    prometheus.Counter
	RetriesTotal       prometheus.Counter
	ErrorsTotal        *prometheus.CounterVec
	Phase              prometheus.Gauge
}

// NewMetrics constructs and registers all metrics on a dedicated registry.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()

	requests := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scraper_requests_total",
			Help: "Total HTTP requests issued by the crawler, by work unit kind.",
		},
		[]string{"phase"},
	)
	requestDuration := prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "scraper_request_duration_seconds",
			Help:    "HTTP request latency for crawler requests.",
			Buckets: prometheus.DefBuckets,
		},
	)
	itemsAccepted := prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "scraper_items_accepted_total",
			Help: "Total number of new items sent to the pipeline.",
		},
	)
	duplicates := prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "scraper_duplicates_total",
			Help: "Total number of listing items dropped as already seen.",
		},
	)
	retries := prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "scraper_retries_total",
			Help: "Total number of retry attempts scheduled.",
		},
	)
	errorsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scraper_errors_total",
			Help: "Total number of crawler errors by type.",
		},
		[]string{"error_type"},
	)
	phase := prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "scraper_phase",
			Help: "Current crawl phase (0 idle, 1 discovery, 2 crawling, 3 draining, 4 done).",
		},
	)

	registry.MustRegister(requests, requestDuration, itemsAccepted, duplicates, retries, errorsTotal, phase)

	return &Metrics{
		Registry:           registry,
		RequestsTotal:      requests,
		RequestDuration:    requestDuration,
		ItemsAcceptedTotal: itemsAccepted,
		DuplicatesTotal:    duplicates,
		RetriesTotal:       retries,
		ErrorsTotal:        errorsTotal,
		Phase:              phase,
	}
}

// RegisterCounterFunc exposes an externally owned counter, such as the
// pipeline's write failures, on the crawler registry.
func (m *Metrics) RegisterCounterFunc(name, help string, fn func() float64) {
	if m == nil {
		return
	}
	m.Registry.MustRegister(prometheus.NewCounterFunc(prometheus.CounterOpts{Name: name, Help: help}, fn))
}

// IncRequest increments the requests total counter.
func (m *Metrics) IncRequest(phase string) {
	if m == nil {
		return
	}
	m.RequestsTotal.WithLabelValues(phase).Inc()
}

// ObserveDuration records an HTTP request duration.
func (m *Metrics) ObserveDuration(d time.Duration) {
	if m == nil {
		return
	}
	m.RequestDuration.Observe(d.Seconds())
}

// IncItems increments the accepted items counter.
func (m *Metrics) IncItems() {
	if m == nil {
		return
	}
	m.ItemsAcceptedTotal.Inc()
}

// IncDuplicates increments the duplicates counter.
func (m *Metrics) IncDuplicates() {
	if m == nil {
		return
	}
	m.DuplicatesTotal.Inc()
}

// IncRetries increments the retries counter.
func (m *Metrics) IncRetries() {
	if m == nil {
		return
	}
	m.RetriesTotal.Inc()
}

// IncError increments the errors counter for a type label.
func (m *Metrics) IncError(errorType string) {
	if m == nil {
		return
	}
	m.ErrorsTotal.WithLabelValues(errorType).Inc()
}

// SetPhase records the current crawl phase.
func (m *Metrics) SetPhase(p Phase) {
	if m == nil {
		return
	}
	m.Phase.Set(float64(p))
}
