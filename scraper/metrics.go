package scraper

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics bundles Prometheus collectors for a collection run.
type Metrics struct {
	Registry        *prometheus.Registry
	RequestsTotal   *prometheus.CounterVec
	RequestDuration prometheus.Histogram
	RowsParsedTotal prometheus.Counter
	RetriesTotal    prometheus.Counter
	ErrorsTotal     *prometheus.CounterVec
	EntitiesTotal   *prometheus.CounterVec
	StoreRows       prometheus.Gauge
	RowsAddedTotal  prometheus.Counter
}

// NewMetrics constructs and registers all metrics on a dedicated registry.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()

	requests := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "parkrun_requests_total",
			Help: "Total results-page requests by phase.",
		},
		[]string{"phase"},
	)
	requestDuration := prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "parkrun_request_duration_seconds",
			Help:    "HTTP latency of results-page requests.",
			Buckets: prometheus.DefBuckets,
		},
	)
	rowsParsed := prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "parkrun_rows_parsed_total",
			Help: "Total result rows parsed from results pages.",
		},
	)
	retries := prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "parkrun_retries_total",
			Help: "Total number of fetch retry attempts.",
		},
	)
	errorsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "parkrun_errors_total",
			Help: "Total number of per-entity errors by type.",
		},
		[]string{"error_type"},
	)
	entities := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "parkrun_entities_total",
			Help: "Entities processed by outcome.",
		},
		[]string{"outcome"},
	)
	storeRows := prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "parkrun_store_rows",
			Help: "Rows in the persisted store after the last merge.",
		},
	)
	rowsAdded := prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "parkrun_store_rows_added_total",
			Help: "Rows added to the persisted store by merges.",
		},
	)

	registry.MustRegister(requests, requestDuration, rowsParsed, retries, errorsTotal, entities, storeRows, rowsAdded)

	return &Metrics{
		Registry:        registry,
		RequestsTotal:   requests,
		RequestDuration: requestDuration,
		RowsParsedTotal: rowsParsed,
		RetriesTotal:    retries,
		ErrorsTotal:     errorsTotal,
		EntitiesTotal:   entities,
		StoreRows:       storeRows,
		RowsAddedTotal:  rowsAdded,
	}
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

// AddRows increments the parsed rows counter.
func (m *Metrics) AddRows(n int) {
	if m == nil {
		return
	}
	m.RowsParsedTotal.Add(float64(n))
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

// IncEntity counts one entity outcome ("success" or a failure kind).
func (m *Metrics) IncEntity(outcome string) {
	if m == nil {
		return
	}
	m.EntitiesTotal.WithLabelValues(outcome).Inc()
}

// ObserveStore records the store size after a merge.
func (m *Metrics) ObserveStore(rows, added int) {
	if m == nil {
		return
	}
	m.StoreRows.Set(float64(rows))
	if added > 0 {
		m.RowsAddedTotal.Add(float64(added))
	}
}
