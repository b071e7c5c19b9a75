package scheduler

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/go-strata/strata"
)

// Task event labels recorded by Metrics.task.
const (
	eventQueued    = "queued"
	eventAssigned  = "assigned"
	eventCompleted = "completed"
	eventFailed    = "failed"
	eventDemoted   = "demoted"
	eventRequeued  = "requeued"
	eventStale     = "stale"
)

// Metrics exposes the scheduler's Prometheus instrumentation.
type Metrics struct {
	workers *prometheus.GaugeVec
	jobs    *prometheus.GaugeVec
	tasks   *prometheus.CounterVec
}

// NewMetrics builds the scheduler metric set. A nil registerer leaves the
// metrics unregistered, which is what tests want.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		workers: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "strata",
			Subsystem: "scheduler",
			Name:      "workers",
			Help:      "Registered workers by liveness state.",
		}, []string{"state"}),
		jobs: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "strata",
			Subsystem: "scheduler",
			Name:      "jobs",
			Help:      "Tracked jobs by state.",
		}, []string{"state"}),
		tasks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "strata",
			Subsystem: "scheduler",
			Name:      "task_events_total",
			Help:      "Task scheduling events.",
		}, []string{"event"}),
	}
	if reg != nil {
		reg.MustRegister(m.workers, m.jobs, m.tasks)
	}
	return m
}

func (m *Metrics) task(event string) {
	m.tasks.WithLabelValues(event).Inc()
}

func (m *Metrics) addWorker(st strata.WorkerState) {
	m.workers.WithLabelValues(st.String()).Inc()
}

func (m *Metrics) moveWorker(from, to strata.WorkerState) {
	m.workers.WithLabelValues(from.String()).Dec()
	m.workers.WithLabelValues(to.String()).Inc()
}

func (m *Metrics) dropWorker(st strata.WorkerState) {
	m.workers.WithLabelValues(st.String()).Dec()
}

func (m *Metrics) addJob(st strata.JobState) {
	m.jobs.WithLabelValues(st.String()).Inc()
}

func (m *Metrics) moveJob(from, to strata.JobState) {
	m.jobs.WithLabelValues(from.String()).Dec()
	m.jobs.WithLabelValues(to.String()).Inc()
}

func (m *Metrics) dropJob(st strata.JobState) {
	m.jobs.WithLabelValues(st.String()).Dec()
}
