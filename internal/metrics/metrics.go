package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// API Metrics
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "orchestrator_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "endpoint", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "orchestrator_http_request_duration_seconds",
			Help:    "HTTP request latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "endpoint"},
	)

	// Task Metrics
	TasksAcceptedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "orchestrator_tasks_accepted_total",
			Help: "Total number of tasks accepted",
		},
	)

	TasksCompletedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "orchestrator_tasks_completed_total",
			Help: "Total number of tasks reaching a terminal phase",
		},
		[]string{"phase"},
	)

	TasksInProgress = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "orchestrator_tasks_in_progress",
			Help: "Number of tasks currently bound to a GPU",
		},
	)

	TaskQueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "orchestrator_task_queue_depth",
			Help: "Number of tasks waiting in the FIFO queue",
		},
	)

	TaskPhaseDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "orchestrator_task_phase_duration_seconds",
			Help:    "Time from a task's acceptance to its terminal phase, labeled by that terminal phase",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12),
		},
		[]string{"phase"},
	)

	TaskQueueWaitTime = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "orchestrator_task_queue_wait_seconds",
			Help:    "Time tasks spend waiting for a free GPU",
			Buckets: prometheus.ExponentialBuckets(1, 2, 10),
		},
	)

	TTSDegradedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "orchestrator_tts_degraded_total",
			Help: "Total number of tasks that fell back to reference audio after TTS failure",
		},
	)

	ChunkDegradedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "orchestrator_chunk_degraded_total",
			Help: "Total number of chunked tasks that reused a GPU after the reservation wait window elapsed",
		},
	)

	// GPU Metrics
	GPUBusy = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "orchestrator_gpu_busy",
			Help: "Whether a GPU slot is currently reserved (1) or free (0)",
		},
		[]string{"gpu_id"},
	)

	GPUUtilization = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "orchestrator_gpu_utilization_percent",
			Help: "GPU utilization percentage",
		},
		[]string{"gpu_id"},
	)

	GPUMemoryUsed = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "orchestrator_gpu_memory_used_bytes",
			Help: "GPU memory used in bytes",
		},
		[]string{"gpu_id"},
	)

	ReservationWaitSeconds = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "orchestrator_reservation_wait_seconds",
			Help:    "Time between a task's acceptance and successful GPU binding",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
		},
	)

	// Backend Metrics
	BackendRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "orchestrator_backend_requests_total",
			Help: "Total number of requests to the inference/TTS backends",
		},
		[]string{"backend", "operation", "status"},
	)

	BackendRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "orchestrator_backend_request_duration_seconds",
			Help:    "Backend request latency in seconds",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 14),
		},
		[]string{"backend", "operation"},
	)

	// Storage Metrics
	StorageOperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "orchestrator_storage_operations_total",
			Help: "Total number of storage operations",
		},
		[]string{"operation", "status"},
	)

	StorageOperationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "orchestrator_storage_operation_duration_seconds",
			Help:    "Storage operation duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
		},
		[]string{"operation"},
	)

	// Database Metrics
	DatabaseOperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "orchestrator_database_operations_total",
			Help: "Total number of database operations",
		},
		[]string{"operation", "status"},
	)

	DatabaseOperationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "orchestrator_database_operation_duration_seconds",
			Help:    "Database operation duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"operation"},
	)

	// Cache Metrics
	CacheHitsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "orchestrator_cache_hits_total",
			Help: "Total number of cache hits",
		},
		[]string{"cache_type"},
	)

	CacheMissesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "orchestrator_cache_misses_total",
			Help: "Total number of cache misses",
		},
		[]string{"cache_type"},
	)

	// Error Metrics
	ErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "orchestrator_errors_total",
			Help: "Total number of errors",
		},
		[]string{"component", "error_type"},
	)
)

// RecordHTTPRequest records an HTTP request.
func RecordHTTPRequest(method, endpoint, status string, duration float64) {
	HTTPRequestsTotal.WithLabelValues(method, endpoint, status).Inc()
	HTTPRequestDuration.WithLabelValues(method, endpoint).Observe(duration)
}

// RecordTaskAccepted records a task acceptance.
func RecordTaskAccepted() {
	TasksAcceptedTotal.Inc()
}

// RecordTaskCompleted records a task reaching a terminal phase.
func RecordTaskCompleted(phase string, phaseDuration float64) {
	TasksCompletedTotal.WithLabelValues(phase).Inc()
	TaskPhaseDuration.WithLabelValues(phase).Observe(phaseDuration)
}

// UpdateTaskMetrics updates current task gauges.
func UpdateTaskMetrics(inProgress, queueDepth int) {
	TasksInProgress.Set(float64(inProgress))
	TaskQueueDepth.Set(float64(queueDepth))
}

// UpdateGPUMetrics updates GPU metrics for one slot.
func UpdateGPUMetrics(gpuID string, busy bool, utilization float64, memoryUsedBytes int64) {
	if busy {
		GPUBusy.WithLabelValues(gpuID).Set(1)
	} else {
		GPUBusy.WithLabelValues(gpuID).Set(0)
	}
	GPUUtilization.WithLabelValues(gpuID).Set(utilization)
	GPUMemoryUsed.WithLabelValues(gpuID).Set(float64(memoryUsedBytes))
}

// RecordBackendRequest records a call to the inference/TTS backend.
func RecordBackendRequest(backendName, operation, status string, duration float64) {
	BackendRequestsTotal.WithLabelValues(backendName, operation, status).Inc()
	BackendRequestDuration.WithLabelValues(backendName, operation).Observe(duration)
}

// RecordStorageOperation records a storage operation.
func RecordStorageOperation(operation, status string, duration float64) {
	StorageOperationsTotal.WithLabelValues(operation, status).Inc()
	StorageOperationDuration.WithLabelValues(operation).Observe(duration)
}

// RecordDatabaseOperation records a database operation.
func RecordDatabaseOperation(operation, status string, duration float64) {
	DatabaseOperationsTotal.WithLabelValues(operation, status).Inc()
	DatabaseOperationDuration.WithLabelValues(operation).Observe(duration)
}

// RecordCacheAccess records a cache hit or miss.
func RecordCacheAccess(cacheType string, hit bool) {
	if hit {
		CacheHitsTotal.WithLabelValues(cacheType).Inc()
	} else {
		CacheMissesTotal.WithLabelValues(cacheType).Inc()
	}
}

// RecordError records an error.
func RecordError(component, errorType string) {
	ErrorsTotal.WithLabelValues(component, errorType).Inc()
}
