// Package metrics exports engine instrumentation to Prometheus.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/benaskins/vigil/internal/supervise"
)

const (
	namespace = "vigil"
	subsystem = "supervisor"
)

// Recorder implements supervise.Recorder.
type Recorder struct {
	transitions   *prometheus.CounterVec
	pollResults   *prometheus.CounterVec
	eventTriggers *prometheus.CounterVec
	notifications *prometheus.CounterVec
	retries       *prometheus.CounterVec
	tasks         prometheus.Gauge
}

var _ supervise.Recorder = (*Recorder)(nil)

// New registers the collectors with reg.
func New(reg prometheus.Registerer) *Recorder {
	f := promauto.With(reg)
	return &Recorder{
		transitions: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "transitions_total",
				Help:      "Task state transitions by source and landing state",
			},
			[]string{"task", "from", "to"},
		),
		pollResults: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "poll_results_total",
				Help:      "Poll condition results",
			},
			[]string{"task", "condition", "result"},
		),
		eventTriggers: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "event_triggers_total",
				Help:      "Event and trigger conditions that fired",
			},
			[]string{"task", "condition"},
		),
		notifications: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "notifications_total",
				Help:      "Notification deliveries by contact and status",
			},
			[]string{"contact", "status"},
		),
		retries: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "registration_retries_total",
				Help:      "Transitions retried after event registration failed",
			},
			[]string{"task"},
		),
		tasks: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "tasks",
			Help:      "Registered tasks",
		}),
	}
}

func (r *Recorder) Transition(task string, from, to supervise.State) {
	r.transitions.WithLabelValues(task, from.String(), to.String()).Inc()
}

func (r *Recorder) PollResult(task, condition string, result bool) {
	value := "false"
	if result {
		value = "true"
	}
	r.pollResults.WithLabelValues(task, condition, value).Inc()
}

func (r *Recorder) EventTriggered(task, condition string) {
	r.eventTriggers.WithLabelValues(task, condition).Inc()
}

func (r *Recorder) Notification(contact string, err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	r.notifications.WithLabelValues(contact, status).Inc()
}

func (r *Recorder) RegistrationRetry(task string) {
	r.retries.WithLabelValues(task).Inc()
}

func (r *Recorder) Tasks(n int) {
	r.tasks.Set(float64(n))
}
