package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Result labels
const (
	ResultSuccess = "success"
	ResultFailure = "failure"
)

// Registry holds all watermark and ledger metrics. A nil *Registry is valid
// and records nothing.
type Registry struct {
	// Codec metrics
	CodecOperationsTotal *prometheus.CounterVec
	CodecDuration        *prometheus.HistogramVec
	ExtractBER           prometheus.Histogram

	// Ledger metrics
	LedgerAppendsTotal *prometheus.CounterVec
	LedgerHeight       prometheus.Gauge

	// Batch metrics
	BatchImagesTotal *prometheus.CounterVec

	// Daemon metrics
	NodeRequestsTotal *prometheus.CounterVec

	registry *prometheus.Registry
}

var (
	// Global registry instance
	defaultRegistry *Registry
	once            sync.Once
)

// DefaultRegistry returns the global metrics registry
func DefaultRegistry() *Registry {
	once.Do(func() {
		defaultRegistry = NewRegistry()
	})
	return defaultRegistry
}

// NewRegistry creates a new metrics registry with all metrics initialized
func NewRegistry() *Registry {
	r := &Registry{
		registry: prometheus.NewRegistry(),
	}
	r.initCodecMetrics()
	r.initLedgerMetrics()
	r.initBatchMetrics()
	r.initNodeMetrics()
	return r
}

// GetPrometheusRegistry returns the underlying Prometheus registry
func (r *Registry) GetPrometheusRegistry() *prometheus.Registry {
	return r.registry
}

func (r *Registry) initCodecMetrics() {
	r.CodecOperationsTotal = promauto.With(r.registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "watermark_codec_operations_total",
			Help: "Total number of codec operations",
		},
		[]string{"op", "result"}, // embed, extract, remove
	)

	r.CodecDuration = promauto.With(r.registry).NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "watermark_codec_duration_seconds",
			Help:    "Duration of codec operations in seconds",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
		},
		[]string{"op"},
	)

	r.ExtractBER = promauto.With(r.registry).NewHistogram(
		prometheus.HistogramOpts{
			Name:    "watermark_extract_ber",
			Help:    "Best bit error rate measured per extraction",
			Buckets: []float64{0, 0.01, 0.05, 0.1, 0.2, 0.3, 0.4, 0.5},
		},
	)
}

func (r *Registry) initLedgerMetrics() {
	r.LedgerAppendsTotal = promauto.With(r.registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "watermark_ledger_appends_total",
			Help: "Total number of blocks appended to the ledger",
		},
		[]string{"info"},
	)

	r.LedgerHeight = promauto.With(r.registry).NewGauge(
		prometheus.GaugeOpts{
			Name: "watermark_ledger_height",
			Help: "Number of blocks in the ledger, genesis included",
		},
	)
}

func (r *Registry) initBatchMetrics() {
	r.BatchImagesTotal = promauto.With(r.registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "watermark_batch_images_total",
			Help: "Total number of images processed by batches",
		},
		[]string{"op", "status"}, // processed, failed
	)
}

func (r *Registry) initNodeMetrics() {
	r.NodeRequestsTotal = promauto.With(r.registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "watermark_node_requests_total",
			Help: "Total number of requests served by the ledger daemon",
		},
		[]string{"op", "result"},
	)
}

// RecordCodecOperation records a codec operation with its duration
func (r *Registry) RecordCodecOperation(op string, err error, duration time.Duration) {
	if r == nil {
		return
	}
	result := ResultSuccess
	if err != nil {
		result = ResultFailure
	}
	r.CodecOperationsTotal.WithLabelValues(op, result).Inc()
	r.CodecDuration.WithLabelValues(op).Observe(duration.Seconds())
}

// RecordExtractBER records the BER of an extraction verdict
func (r *Registry) RecordExtractBER(ber float64) {
	if r == nil {
		return
	}
	r.ExtractBER.Observe(ber)
}

// RecordAppend records a ledger append and the resulting chain height
func (r *Registry) RecordAppend(info string, height int) {
	if r == nil {
		return
	}
	r.LedgerAppendsTotal.WithLabelValues(info).Inc()
	r.LedgerHeight.Set(float64(height))
}

// SetLedgerHeight records the chain height, e.g. after loading a store
func (r *Registry) SetLedgerHeight(height int) {
	if r == nil {
		return
	}
	r.LedgerHeight.Set(float64(height))
}

// RecordBatch records the outcome counts of a batch run
func (r *Registry) RecordBatch(op string, processed, failed int) {
	if r == nil {
		return
	}
	r.BatchImagesTotal.WithLabelValues(op, "processed").Add(float64(processed))
	r.BatchImagesTotal.WithLabelValues(op, "failed").Add(float64(failed))
}

// RecordNodeRequest records one daemon request
func (r *Registry) RecordNodeRequest(op string, err error) {
	if r == nil {
		return
	}
	result := ResultSuccess
	if err != nil {
		result = ResultFailure
	}
	r.NodeRequestsTotal.WithLabelValues(op, result).Inc()
}
