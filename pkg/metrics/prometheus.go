// Package metrics provides Prometheus metrics for the credit score service.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	defaultRefreshInterval = 10 * time.Second
)

// Manager owns every collector exported by the service.
type Manager struct {
	namespace        string
	subsystem        string
	histogramBuckets []float64
	enabled          bool
	refreshInterval  time.Duration
	customLabels     map[string]string
	metricPrefix     string
	registry         prometheus.Registerer

	// Engine
	scoreReads          prometheus.Counter
	repaymentsApplied   *prometheus.CounterVec
	casConflicts        prometheus.Counter
	commitAttempts      prometheus.Histogram
	concurrencyExhausts prometheus.Counter
	clampSaturations    *prometheus.CounterVec
	engineErrors        *prometheus.CounterVec
	bandTransitions     *prometheus.CounterVec

	// Store
	storeOpLatency *prometheus.HistogramVec
	storeErrors    *prometheus.CounterVec
	recordsTotal   prometheus.Gauge
	shardCount     prometheus.Gauge
	recordsByShard *prometheus.GaugeVec

	// HTTP
	httpRequests        *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec
	authRejections      *prometheus.CounterVec
	rateLimited         *prometheus.CounterVec
	duplicateRepayments prometheus.Counter

	// Ingestion queue
	queueSize          prometheus.Gauge
	queueCapacity      prometheus.Gauge
	queueUtilization   prometheus.Gauge
	queueEnqueued      prometheus.Counter
	queueDequeued      prometheus.Counter
	queueEnqueueErrors prometheus.Counter

	// Workers
	workerCount             prometheus.Gauge
	workerActiveCount       prometheus.Gauge
	workerProcessingLatency prometheus.Histogram
	workerErrors            prometheus.Counter

	// Errors
	errorsByComponent *prometheus.CounterVec
	errorsByType      *prometheus.CounterVec
	errorsByEndpoint  *prometheus.CounterVec
	errorLatency      *prometheus.HistogramVec

	// System
	systemMemoryUsage    prometheus.Gauge
	systemGoroutineCount prometheus.Gauge
	systemGCPauseTime    prometheus.Histogram
}

var globalManager *Manager //nolint:gochecknoglobals // singleton used by package-level helpers

var customRegistry = prometheus.NewRegistry() //nolint:gochecknoglobals // keeps default Go collectors out of /metrics

func init() { //nolint:gochecknoinits // global metrics setup
	globalManager = NewManager(WithPrometheusRegistry(customRegistry))
}

// NewManager creates a metrics manager. Without WithPrometheusRegistry the
// collectors go to a fresh private registry, so managers never collide.
func NewManager(opts ...Option) *Manager {
	m := &Manager{
		namespace:        "creditscore",
		subsystem:        "score",
		histogramBuckets: []float64{0.5, 1, 2, 5, 10, 25, 50, 100, 250, 500, 1000},
		enabled:          true,
		refreshInterval:  defaultRefreshInterval,
		customLabels:     map[string]string{},
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.registry == nil {
		m.registry = prometheus.NewRegistry()
	}
	m.initializeMetrics()
	return m
}

// RefreshInterval reports how often gauge refreshers should run.
func (m *Manager) RefreshInterval() time.Duration { return m.refreshInterval }

// Enabled reports whether recording is active.
func (m *Manager) Enabled() bool { return m.enabled }

func (m *Manager) name(n string) string {
	if m.metricPrefix == "" {
		return n
	}
	return m.metricPrefix + "_" + n
}

func (m *Manager) counter(name, help string) prometheus.Counter {
	return promauto.With(m.registry).NewCounter(prometheus.CounterOpts{
		Namespace: m.namespace, Subsystem: m.subsystem, Name: m.name(name), Help: help, ConstLabels: m.customLabels,
	})
}

func (m *Manager) counterVec(name, help string, labels ...string) *prometheus.CounterVec {
	return promauto.With(m.registry).NewCounterVec(prometheus.CounterOpts{
		Namespace: m.namespace, Subsystem: m.subsystem, Name: m.name(name), Help: help, ConstLabels: m.customLabels,
	}, labels)
}

func (m *Manager) gauge(name, help string) prometheus.Gauge {
	return promauto.With(m.registry).NewGauge(prometheus.GaugeOpts{
		Namespace: m.namespace, Subsystem: m.subsystem, Name: m.name(name), Help: help, ConstLabels: m.customLabels,
	})
}

func (m *Manager) gaugeVec(name, help string, labels ...string) *prometheus.GaugeVec {
	return promauto.With(m.registry).NewGaugeVec(prometheus.GaugeOpts{
		Namespace: m.namespace, Subsystem: m.subsystem, Name: m.name(name), Help: help, ConstLabels: m.customLabels,
	}, labels)
}

func (m *Manager) histogram(name, help string, buckets []float64) prometheus.Histogram {
	return promauto.With(m.registry).NewHistogram(prometheus.HistogramOpts{
		Namespace: m.namespace, Subsystem: m.subsystem, Name: m.name(name), Help: help, ConstLabels: m.customLabels, Buckets: buckets,
	})
}

func (m *Manager) histogramVec(name, help string, buckets []float64, labels ...string) *prometheus.HistogramVec {
	return promauto.With(m.registry).NewHistogramVec(prometheus.HistogramOpts{
		Namespace: m.namespace, Subsystem: m.subsystem, Name: m.name(name), Help: help, ConstLabels: m.customLabels, Buckets: buckets,
	}, labels)
}

func (m *Manager) initializeMetrics() { //nolint:funlen // one place for every collector
	m.scoreReads = m.counter("reads_total", "Score reads served by the engine")
	m.repaymentsApplied = m.counterVec("repayments_applied_total", "Repayment events committed, by punctuality", "on_time")
	m.casConflicts = m.counter("cas_conflicts_total", "Compare-and-set commits rejected because the record moved")
	m.commitAttempts = m.histogram("commit_attempts", "Store commit attempts needed per repayment", []float64{1, 2, 3, 4, 5, 8, 12, 16, 32})
	m.concurrencyExhausts = m.counter("concurrency_exhausted_total", "Repayments abandoned after the retry budget ran out")
	m.clampSaturations = m.counterVec("clamp_saturations_total", "Commits whose score hit a range boundary", "bound")
	m.engineErrors = m.counterVec("engine_errors_total", "Engine failures by kind", "kind")
	m.bandTransitions = m.counterVec("band_transitions_total", "Committed band changes", "from", "to")

	m.storeOpLatency = m.histogramVec("store_op_latency_milliseconds", "Store operation latency", m.histogramBuckets, "backend", "op")
	m.storeErrors = m.counterVec("store_errors_total", "Store operation failures", "backend", "op")
	m.recordsTotal = m.gauge("records_total", "Score records held by the store")
	m.shardCount = m.gauge("store_shard_count", "Shards in the in-memory store")
	m.recordsByShard = m.gaugeVec("store_records_per_shard", "Records per in-memory shard", "shard")

	m.httpRequests = m.counterVec("http_requests_total", "HTTP requests by endpoint, method and status", "endpoint", "method", "status_code")
	m.httpRequestDuration = m.histogramVec("http_request_duration_milliseconds", "HTTP request duration", m.histogramBuckets, "endpoint", "method", "status_code")
	m.authRejections = m.counterVec("auth_rejections_total", "Requests rejected by the API key gate", "reason")
	m.rateLimited = m.counterVec("rate_limited_total", "Requests rejected by the rate limiter", "endpoint")
	m.duplicateRepayments = m.counter("duplicate_repayments_total", "Repayments rejected by idempotency key")

	m.queueSize = m.gauge("queue_size", "Repayment events waiting in the ingestion queue")
	m.queueCapacity = m.gauge("queue_capacity", "Ingestion queue capacity")
	m.queueUtilization = m.gauge("queue_utilization_ratio", "Ingestion queue fill ratio")
	m.queueEnqueued = m.counter("queue_enqueued_total", "Repayment events accepted into the queue")
	m.queueDequeued = m.counter("queue_dequeued_total", "Repayment events handed to workers")
	m.queueEnqueueErrors = m.counter("queue_enqueue_errors_total", "Repayment events refused by the queue")

	m.workerCount = m.gauge("worker_count", "Configured ingestion workers")
	m.workerActiveCount = m.gauge("worker_active_count", "Ingestion workers currently applying an event")
	m.workerProcessingLatency = m.histogram("worker_processing_latency_milliseconds", "Time for a worker to apply one event", m.histogramBuckets)
	m.workerErrors = m.counter("worker_errors_total", "Events a worker failed to apply")

	m.errorsByComponent = m.counterVec("errors_by_component_total", "Errors by component", "component", "error_type")
	m.errorsByType = m.counterVec("errors_by_type_total", "Errors by type and severity", "error_type", "severity")
	m.errorsByEndpoint = m.counterVec("errors_by_endpoint_total", "Errors by HTTP endpoint", "endpoint", "method", "error_type")
	m.errorLatency = m.histogramVec("error_latency_milliseconds", "Latency of failed operations", m.histogramBuckets, "component", "error_type")

	m.systemMemoryUsage = m.gauge("system_memory_bytes", "Heap bytes allocated")
	m.systemGoroutineCount = m.gauge("system_goroutines", "Live goroutines")
	m.systemGCPauseTime = m.histogram("system_gc_pause_milliseconds", "Average GC pause", m.histogramBuckets)
}

func boolLabel(b bool) string {
	if b {
		return "true"
	}
	return "false"
}

func active() *Manager {
	if globalManager == nil || !globalManager.enabled {
		return nil
	}
	return globalManager
}

// Engine

func RecordScoreRead() {
	if m := active(); m != nil {
		m.scoreReads.Inc()
	}
}

func RecordRepaymentApplied(onTime bool) {
	if m := active(); m != nil {
		m.repaymentsApplied.WithLabelValues(boolLabel(onTime)).Inc()
	}
}

func RecordCASConflict() {
	if m := active(); m != nil {
		m.casConflicts.Inc()
	}
}

func RecordCommitAttempts(n int) {
	if m := active(); m != nil {
		m.commitAttempts.Observe(float64(n))
	}
}

func RecordConcurrencyExhausted() {
	if m := active(); m != nil {
		m.concurrencyExhausts.Inc()
	}
}

// RecordClampSaturation counts a commit clamped at "min" or "max".
func RecordClampSaturation(bound string) {
	if m := active(); m != nil {
		m.clampSaturations.WithLabelValues(bound).Inc()
	}
}

func RecordEngineError(kind string) {
	if m := active(); m != nil {
		m.engineErrors.WithLabelValues(kind).Inc()
	}
}

func RecordBandTransition(from, to string) {
	if m := active(); m != nil {
		m.bandTransitions.WithLabelValues(from, to).Inc()
	}
}

// Store

func RecordStoreLatency(backend, op string, latencyMs float64) {
	if m := active(); m != nil {
		m.storeOpLatency.WithLabelValues(backend, op).Observe(latencyMs)
	}
}

func RecordStoreError(backend, op string) {
	if m := active(); m != nil {
		m.storeErrors.WithLabelValues(backend, op).Inc()
	}
}

func UpdateRecordsTotal(count int) {
	if m := active(); m != nil {
		m.recordsTotal.Set(float64(count))
	}
}

func UpdateStoreShardCount(count int) {
	if m := active(); m != nil {
		m.shardCount.Set(float64(count))
	}
}

func UpdateRecordsPerShard(shard string, count int) {
	if m := active(); m != nil {
		m.recordsByShard.WithLabelValues(shard).Set(float64(count))
	}
}

// HTTP

func RecordHTTPRequest(endpoint, method, statusCode string) {
	if m := active(); m != nil {
		m.httpRequests.WithLabelValues(endpoint, method, statusCode).Inc()
	}
}

func RecordHTTPRequestDuration(endpoint, method, statusCode string, durationMs float64) {
	if m := active(); m != nil {
		m.httpRequestDuration.WithLabelValues(endpoint, method, statusCode).Observe(durationMs)
	}
}

func RecordAuthRejection(reason string) {
	if m := active(); m != nil {
		m.authRejections.WithLabelValues(reason).Inc()
	}
}

func RecordRateLimited(endpoint string) {
	if m := active(); m != nil {
		m.rateLimited.WithLabelValues(endpoint).Inc()
	}
}

func RecordDuplicateRepayment() {
	if m := active(); m != nil {
		m.duplicateRepayments.Inc()
	}
}

// Queue

func UpdateQueueSize(size int) {
	if m := active(); m != nil {
		m.queueSize.Set(float64(size))
	}
}

func UpdateQueueCapacity(capacity int) {
	if m := active(); m != nil {
		m.queueCapacity.Set(float64(capacity))
	}
}

func UpdateQueueUtilization(ratio float64) {
	if m := active(); m != nil {
		m.queueUtilization.Set(ratio)
	}
}

func RecordQueueEnqueue() {
	if m := active(); m != nil {
		m.queueEnqueued.Inc()
	}
}

func RecordQueueDequeue() {
	if m := active(); m != nil {
		m.queueDequeued.Inc()
	}
}

func RecordQueueEnqueueError() {
	if m := active(); m != nil {
		m.queueEnqueueErrors.Inc()
	}
}

// Workers

func UpdateWorkerCount(count int) {
	if m := active(); m != nil {
		m.workerCount.Set(float64(count))
	}
}

func AddWorkerActive(delta int) {
	if m := active(); m != nil {
		m.workerActiveCount.Add(float64(delta))
	}
}

func RecordWorkerProcessingLatency(latencyMs float64) {
	if m := active(); m != nil {
		m.workerProcessingLatency.Observe(latencyMs)
	}
}

func RecordWorkerError() {
	if m := active(); m != nil {
		m.workerErrors.Inc()
	}
}

// Errors

func RecordErrorByComponent(component, errorType string) {
	if m := active(); m != nil {
		m.errorsByComponent.WithLabelValues(component, errorType).Inc()
	}
}

func RecordErrorByType(errorType, severity string) {
	if m := active(); m != nil {
		m.errorsByType.WithLabelValues(errorType, severity).Inc()
	}
}

func RecordErrorByEndpoint(endpoint, method, errorType string) {
	if m := active(); m != nil {
		m.errorsByEndpoint.WithLabelValues(endpoint, method, errorType).Inc()
	}
}

func RecordErrorLatency(component, errorType string, latencyMs float64) {
	if m := active(); m != nil {
		m.errorLatency.WithLabelValues(component, errorType).Observe(latencyMs)
	}
}

// System

func UpdateSystemMemoryUsage(bytes uint64) {
	if m := active(); m != nil {
		m.systemMemoryUsage.Set(float64(bytes))
	}
}

func UpdateSystemGoroutineCount(count int) {
	if m := active(); m != nil {
		m.systemGoroutineCount.Set(float64(count))
	}
}

func RecordSystemGCPauseTime(pauseMs float64) {
	if m := active(); m != nil {
		m.systemGCPauseTime.Observe(pauseMs)
	}
}

// GetRegistry returns the registry behind /metrics.
func GetRegistry() *prometheus.Registry {
	return customRegistry
}

// Since returns milliseconds elapsed since start, the unit every latency
// collector here uses.
func Since(start time.Time) float64 {
	return float64(time.Since(start).Microseconds()) / 1000
}
