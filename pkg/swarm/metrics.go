package swarm

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Lifecycle counters exposed on /metrics.
var (
	tasksStartedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "swarmd_tasks_started_total",
		Help: "Tasks whose coordinator started.",
	})
	tasksCompletedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "swarmd_tasks_completed_total",
		Help: "Tasks that reached Done.",
	})
	tasksFailedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "swarmd_tasks_failed_total",
		Help: "Tasks that reached Blocked.",
	})
	escalationsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "swarmd_escalations_total",
		Help: "Escalations raised by coordinators.",
	})
	roleDispatchTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "swarmd_role_dispatch_total",
		Help: "Role invocations dispatched to the pools.",
	}, []string{"role"})
)
