package service

import (
	"fmt"
	"net/http"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/noah-isme/sor-automation-api/internal/dto"
	"github.com/noah-isme/sor-automation-api/internal/models"
)

// Stage outcome labels.
const (
	outcomeSuccess  = "success"
	outcomeFailed   = "failed"
	outcomePending  = "pending"
	outcomeConflict = "conflict"
)

// MetricsService encapsulates Prometheus instrumentation for the API and the workflow.
type MetricsService struct {
	registry        *prometheus.Registry
	handler         http.Handler
	requestDuration *prometheus.HistogramVec
	requestTotal    *prometheus.CounterVec
	cacheLatency    prometheus.Observer
	cacheWrite      prometheus.Observer
	cacheHitRatio   prometheus.Gauge
	cacheHits       prometheus.Counter
	cacheMisses     prometheus.Counter
	stageDuration   *prometheus.HistogramVec
	stageTotal      *prometheus.CounterVec
	sweepDuration   prometheus.Observer
	sweepItems      *prometheus.CounterVec
	bulkItems       *prometheus.CounterVec

	cacheHitCount  uint64
	cacheMissCount uint64
}

// NewMetricsService registers core Prometheus collectors.
func NewMetricsService() *MetricsService {
	registry := prometheus.NewRegistry()

	requestDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "http_request_duration_seconds",
		Help:    "Duration of HTTP requests in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path", "status"})

	requestTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "http_requests_total",
		Help: "Total number of HTTP requests",
	}, []string{"method", "path", "status"})

	cacheLatency := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "cache_latency_seconds",
		Help:    "Latency for cache operations",
		Buckets: prometheus.DefBuckets,
	})

	cacheWrite := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "cache_write_seconds",
		Help:    "Latency for cache set operations",
		Buckets: prometheus.DefBuckets,
	})

	cacheHitRatio := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "cache_hit_ratio",
		Help: "Ratio of cache hits to total cache lookups",
	})

	cacheHits := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "cache_hits_total",
		Help: "Total cache hits",
	})

	cacheMisses := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "cache_misses_total",
		Help: "Total cache misses",
	})

	stageDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "sor_stage_duration_seconds",
		Help:    "Duration of SOR workflow stages including external calls",
		Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
	}, []string{"stage"})

	stageTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "sor_stage_outcomes_total",
		Help: "SOR workflow stage executions by outcome",
	}, []string{"stage", "outcome"})

	sweepDuration := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "sor_reconciliation_sweep_seconds",
		Help:    "Duration of signature reconciliation sweeps",
		Buckets: prometheus.DefBuckets,
	})

	sweepItems := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "sor_reconciliation_items_total",
		Help: "Requests visited by reconciliation sweeps by result",
	}, []string{"result"})

	bulkItems := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "sor_bulk_items_total",
		Help: "Requests processed by bulk operations by result",
	}, []string{"operation", "result"})

	goroutines := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "goroutines_total",
		Help: "Total number of goroutines",
	}, func() float64 {
		return float64(runtime.NumGoroutine())
	})

	registry.MustRegister(requestDuration, requestTotal, cacheLatency, cacheWrite, cacheHitRatio, cacheHits, cacheMisses,
		stageDuration, stageTotal, sweepDuration, sweepItems, bulkItems, goroutines)

	handler := promhttp.HandlerFor(registry, promhttp.HandlerOpts{})

	return &MetricsService{
		registry:        registry,
		handler:         handler,
		requestDuration: requestDuration,
		requestTotal:    requestTotal,
		cacheLatency:    cacheLatency,
		cacheWrite:      cacheWrite,
		cacheHitRatio:   cacheHitRatio,
		cacheHits:       cacheHits,
		cacheMisses:     cacheMisses,
		stageDuration:   stageDuration,
		stageTotal:      stageTotal,
		sweepDuration:   sweepDuration,
		sweepItems:      sweepItems,
		bulkItems:       bulkItems,
	}
}

// Handler exposes the Prometheus HTTP handler.
func (m *MetricsService) Handler() http.Handler {
	if m == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
		})
	}
	return m.handler
}

// Registry exposes the underlying registry so callers can attach extra collectors.
func (m *MetricsService) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// ObserveHTTPRequest records request metrics.
func (m *MetricsService) ObserveHTTPRequest(method, path string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	labelStatus := fmt.Sprintf("%d", status)
	m.requestDuration.WithLabelValues(method, path, labelStatus).Observe(duration.Seconds())
	m.requestTotal.WithLabelValues(method, path, labelStatus).Inc()
}

// RecordCacheOperation records cache hit/miss metrics and updates hit ratio.
func (m *MetricsService) RecordCacheOperation(hit bool, duration time.Duration) {
	if m == nil {
		return
	}
	if m.cacheLatency != nil {
		m.cacheLatency.Observe(duration.Seconds())
	}
	if hit {
		m.cacheHits.Inc()
		atomic.AddUint64(&m.cacheHitCount, 1)
	} else {
		m.cacheMisses.Inc()
		atomic.AddUint64(&m.cacheMissCount, 1)
	}
	hits := atomic.LoadUint64(&m.cacheHitCount)
	misses := atomic.LoadUint64(&m.cacheMissCount)
	total := hits + misses
	if total > 0 {
		m.cacheHitRatio.Set(float64(hits) / float64(total))
	}
}

// ObserveCacheWrite tracks the duration for cache write operations.
func (m *MetricsService) ObserveCacheWrite(duration time.Duration) {
	if m == nil || m.cacheWrite == nil {
		return
	}
	m.cacheWrite.Observe(duration.Seconds())
}

// ObserveStage records one stage execution.
func (m *MetricsService) ObserveStage(stage models.SORStage, outcome string, duration time.Duration) {
	if m == nil {
		return
	}
	m.stageDuration.WithLabelValues(string(stage)).Observe(duration.Seconds())
	m.stageTotal.WithLabelValues(string(stage), outcome).Inc()
}

// ObserveSweep records a finished reconciliation sweep.
func (m *MetricsService) ObserveSweep(result *dto.SweepResult, duration time.Duration) {
	if m == nil || result == nil {
		return
	}
	m.sweepDuration.Observe(duration.Seconds())
	m.sweepItems.WithLabelValues("uploaded").Add(float64(result.Uploaded))
	m.sweepItems.WithLabelValues("signed").Add(float64(result.Signed - result.Uploaded))
	m.sweepItems.WithLabelValues(outcomePending).Add(float64(result.Pending))
	m.sweepItems.WithLabelValues(outcomeFailed).Add(float64(result.Failed))
	m.sweepItems.WithLabelValues("skipped").Add(float64(result.Skipped))
}

// ObserveBulk records per-item results of a bulk operation.
func (m *MetricsService) ObserveBulk(operation string, result *dto.BulkResult) {
	if m == nil || result == nil {
		return
	}
	m.bulkItems.WithLabelValues(operation, outcomeSuccess).Add(float64(result.SuccessCount))
	m.bulkItems.WithLabelValues(operation, outcomeFailed).Add(float64(result.FailCount))
	m.bulkItems.WithLabelValues(operation, "skipped").Add(float64(result.Skipped))
}
