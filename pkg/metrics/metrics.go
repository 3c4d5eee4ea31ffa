// Package metrics declares the Prometheus collectors shared by pipelines and
// upload queues. They are registered on the default registry and exposed by
// the server at /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// UploadsProcessed counts upload attempts by outcome.
	// Labels:
	//   - queue: "regular" or "database"
	//   - status: "success", "retry", "failed" or "offline"
	UploadsProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pipelined_uploads_total",
		Help: "The total number of upload attempts by outcome",
	}, []string{"queue", "status"})

	// UploadDuration tracks how long a single transfer to the remote archive takes.
	UploadDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "pipelined_upload_duration_seconds",
		Help:    "Duration of a single upload attempt",
		Buckets: prometheus.DefBuckets,
	}, []string{"queue", "remote"})

	// QueueDepth is the number of items waiting in each upload queue.
	QueueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "pipelined_queue_depth",
		Help: "Number of items waiting in each upload queue",
	}, []string{"queue"})

	// QueueLatency is the time an item waited before its first attempt.
	QueueLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "pipelined_queue_latency_seconds",
		Help:    "Time spent in queue before an upload attempt",
		Buckets: prometheus.DefBuckets,
	}, []string{"queue"})

	// TaskRuns counts scheduled actions dispatched to a pipeline.
	TaskRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pipelined_task_runs_total",
		Help: "The total number of scheduled actions run",
	}, []string{"pipeline", "status"})

	// RegisteredTasks is the number of active tasks per pipeline registry.
	RegisteredTasks = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "pipelined_registered_tasks",
		Help: "Number of tasks currently registered per pipeline",
	}, []string{"pipeline"})
)
