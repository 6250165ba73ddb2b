package pipeline

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics bundles Prometheus collectors for the extraction pipeline.
type Metrics struct {
	Registry           *prometheus.Registry
	ImagesTotal        *prometheus.CounterVec
	FailuresTotal      *prometheus.CounterVec
	BatchesTotal       *prometheus.CounterVec
	UniqueCodesTotal   prometheus.Counter
	ExtractionDuration prometheus.Histogram
}

// NewMetrics constructs and registers all metrics on a dedicated registry.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()

	images := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dotscan_images_total",
			Help: "Images sent for extraction by outcome.",
		},
		[]string{"outcome"},
	)
	failures := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dotscan_extraction_failures_total",
			Help: "Failed extractions by error kind.",
		},
		[]string{"kind"},
	)
	batches := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dotscan_batches_total",
			Help: "Analyzed batches by result.",
		},
		[]string{"result"},
	)
	uniqueCodes := prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "dotscan_unique_codes_total",
			Help: "Unique codes returned across all batches.",
		},
	)
	duration := prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "dotscan_extraction_duration_seconds",
			Help:    "Latency of single-image extractions.",
			Buckets: []float64{0.5, 1, 2, 5, 10, 20, 40, 80},
		},
	)

	registry.MustRegister(images, failures, batches, uniqueCodes, duration)

	return &Metrics{
		Registry:           registry,
		ImagesTotal:        images,
		FailuresTotal:      failures,
		BatchesTotal:       batches,
		UniqueCodesTotal:   uniqueCodes,
		ExtractionDuration: duration,
	}
}

// IncImage counts one settled image.
func (m *Metrics) IncImage(outcome string) {
	if m == nil {
		return
	}
	m.ImagesTotal.WithLabelValues(outcome).Inc()
}

// IncFailure counts one failed extraction by kind.
func (m *Metrics) IncFailure(kind string) {
	if m == nil {
		return
	}
	m.FailuresTotal.WithLabelValues(kind).Inc()
}

// IncBatch counts one batch by result.
func (m *Metrics) IncBatch(result string) {
	if m == nil {
		return
	}
	m.BatchesTotal.WithLabelValues(result).Inc()
}

// AddUniqueCodes adds n codes to the unique codes counter.
func (m *Metrics) AddUniqueCodes(n int) {
	if m == nil {
		return
	}
	m.UniqueCodesTotal.Add(float64(n))
}

// ObserveExtraction records a single extraction latency.
func (m *Metrics) ObserveExtraction(d time.Duration) {
	if m == nil {
		return
	}
	m.ExtractionDuration.Observe(d.Seconds())
}
