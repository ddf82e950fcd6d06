package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "escalation_approvals"

// Metrics holds the Prometheus collectors for the approval service. A nil
// *Metrics is valid and records nothing.
type Metrics struct {
	// Workflow state transitions by action and resulting status
	TransitionsTotal *prometheus.CounterVec
	// Mutations that failed, by action and error code
	ActionErrorsTotal *prometheus.CounterVec
	// Optimistic-concurrency conflicts by action
	ConflictsTotal *prometheus.CounterVec

	// Notification sends by channel type and outcome
	NotificationsTotal *prometheus.CounterVec

	// Sweeper runs, workflows timed out, and per-run duration
	SweepsTotal      prometheus.Counter
	SweepTimeouts    prometheus.Counter
	SweepDuration    prometheus.Histogram
	SweepErrorsTotal prometheus.Counter
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		TransitionsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "workflow_transitions_total",
				Help:      "Committed workflow state transitions",
			},
			[]string{"action", "status"},
		),
		ActionErrorsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "workflow_action_errors_total",
				Help:      "Workflow actions that returned an error",
			},
			[]string{"action", "code"},
		),
		ConflictsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "workflow_conflicts_total",
				Help:      "Workflow saves rejected by a concurrent update",
			},
			[]string{"action"},
		),
		NotificationsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "notifications_total",
				Help:      "Step notifications by channel and outcome",
			},
			[]string{"channel", "outcome"},
		),
		SweepsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sweeps_total",
			Help:      "Timeout sweeper runs",
		}),
		SweepTimeouts: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sweep_timeouts_total",
			Help:      "Workflows transitioned to TIMEOUT by the sweeper",
		}),
		SweepDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "sweep_duration_seconds",
			Help:      "Duration of one timeout sweep",
			Buckets:   []float64{.005, .01, .05, .1, .25, .5, 1, 2.5, 5, 10},
		}),
		SweepErrorsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sweep_errors_total",
			Help:      "Per-workflow failures during timeout sweeps",
		}),
	}
}

func (m *Metrics) Transition(action, status string) {
	if m == nil {
		return
	}
	m.TransitionsTotal.WithLabelValues(action, status).Inc()
}

func (m *Metrics) ActionError(action, code string) {
	if m == nil {
		return
	}
	m.ActionErrorsTotal.WithLabelValues(action, code).Inc()
}

func (m *Metrics) Conflict(action string) {
	if m == nil {
		return
	}
	m.ConflictsTotal.WithLabelValues(action).Inc()
}

func (m *Metrics) Notification(channel string, delivered bool) {
	if m == nil {
		return
	}
	outcome := "delivered"
	if !delivered {
		outcome = "failed"
	}
	m.NotificationsTotal.WithLabelValues(channel, outcome).Inc()
}

// Sweep records one completed sweeper run.
func (m *Metrics) Sweep(seconds float64, timedOut, failed int) {
	if m == nil {
		return
	}
	m.SweepsTotal.Inc()
	m.SweepDuration.Observe(seconds)
	m.SweepTimeouts.Add(float64(timedOut))
	m.SweepErrorsTotal.Add(float64(failed))
}
