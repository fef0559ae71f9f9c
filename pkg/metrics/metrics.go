package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Table metrics
	TablePartitionsTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "standalone_table_partitions_total",
			Help: "Number of partitions by table namespace and name",
		},
		[]string{"namespace", "name"},
	)

	TableOperationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "standalone_table_operations_total",
			Help: "Total number of table operations by kind and result",
		},
		[]string{"op", "result"},
	)

	TableOperationDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "standalone_table_operation_duration_seconds",
			Help:    "Table operation duration in seconds by kind",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"op"},
	)

	TablesDestroyedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "standalone_tables_destroyed_total",
			Help: "Total number of tables destroyed, including shuffle intermediates",
		},
	)

	// Worker pool metrics
	WorkerTasksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "standalone_worker_tasks_total",
			Help: "Total number of worker tasks submitted by result",
		},
		[]string{"result"},
	)

	WorkerTaskDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "standalone_worker_task_duration_seconds",
			Help:    "Worker task duration in seconds, from submit to result",
			Buckets: prometheus.DefBuckets,
		},
	)

	WorkerProcessesAlive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "standalone_worker_processes_alive",
			Help: "Number of worker processes currently running in the pool",
		},
	)

	WorkerProcessRestartsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "standalone_worker_process_restarts_total",
			Help: "Total number of worker processes that exited and were not replaced",
		},
	)

	// Federation metrics
	FederationMessagesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "standalone_federation_messages_total",
			Help: "Total number of federation messages by direction and dtype",
		},
		[]string{"direction", "dtype"},
	)

	FederationGetWaitDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "standalone_federation_get_wait_duration_seconds",
			Help:    "Time a federation Get call spent polling before the object arrived",
			Buckets: prometheus.DefBuckets,
		},
	)

	FederationSplitChunksTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "standalone_federation_split_chunks_total",
			Help: "Total number of chunks written for split (oversized) federation objects",
		},
	)
)

func init() {
	prometheus.MustRegister(TablePartitionsTotal)
	prometheus.MustRegister(TableOperationsTotal)
	prometheus.MustRegister(TableOperationDuration)
	prometheus.MustRegister(TablesDestroyedTotal)

	prometheus.MustRegister(WorkerTasksTotal)
	prometheus.MustRegister(WorkerTaskDuration)
	prometheus.MustRegister(WorkerProcessesAlive)
	prometheus.MustRegister(WorkerProcessRestartsTotal)

	prometheus.MustRegister(FederationMessagesTotal)
	prometheus.MustRegister(FederationGetWaitDuration)
	prometheus.MustRegister(FederationSplitChunksTotal)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the duration to a histogram
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	duration := time.Since(t.start).Seconds()
	histogram.Observe(duration)
}

// ObserveDurationVec records the duration to a histogram vec with labels
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	duration := time.Since(t.start).Seconds()
	histogram.WithLabelValues(labels...).Observe(duration)
}

// Duration returns the elapsed time since timer started
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
