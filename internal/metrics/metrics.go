package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus metrics for the fleet server.
type Metrics struct {
	HellosTotal       prometheus.Counter
	ClaimsTotal       prometheus.Counter
	EnrollmentsTotal  prometheus.Counter
	EnrollFailures    prometheus.Counter
	HeartbeatsTotal   prometheus.Counter
	TasksQueuedTotal  prometheus.Counter
	TasksPolledTotal  prometheus.Counter
	TaskReportsTotal  *prometheus.CounterVec
	TasksRequeuedTotal prometheus.Counter
}

// New creates a Metrics instance registered on reg. Passing a fresh registry
// keeps tests isolated from the default global one.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		HellosTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "edged_hellos_total",
			Help: "Total number of device hello requests accepted",
		}),
		ClaimsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "edged_claims_total",
			Help: "Total number of successful admin claims",
		}),
		EnrollmentsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "edged_enrollments_total",
			Help: "Total number of certificates issued to devices",
		}),
		EnrollFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "edged_enroll_failures_total",
			Help: "Total number of rejected enrollment attempts",
		}),
		HeartbeatsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "edged_heartbeats_total",
			Help: "Total number of device heartbeats",
		}),
		TasksQueuedTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "edged_tasks_queued_total",
			Help: "Total number of tasks enqueued",
		}),
		TasksPolledTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "edged_tasks_polled_total",
			Help: "Total number of tasks handed to devices by poll",
		}),
		TaskReportsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "edged_task_reports_total",
			Help: "Total number of task reports by terminal status",
		}, []string{"status"}),
		TasksRequeuedTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "edged_tasks_requeued_total",
			Help: "Total number of stale running tasks returned to the queue",
		}),
	}
}
