package telemetry

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Исходы обработки job для метки outcome.
const (
	OutcomeCompleted = "completed"
	OutcomeRetried   = "retried"
	OutcomeDead      = "dead"
)

// Metrics — Prometheus метрики подсистемы.
//
// Все методы безопасны для nil-получателя: компоненты, созданные без
// метрик (например, в тестах), просто ничего не пишут.
type Metrics struct {
	fanoutEnqueued   *prometheus.CounterVec
	fanoutDuplicates *prometheus.CounterVec
	fanoutFailures   *prometheus.CounterVec
	fanoutDuration   *prometheus.HistogramVec
	jobsProcessed    *prometheus.CounterVec
	jobDuration      *prometheus.HistogramVec
	scheduleFires    *prometheus.CounterVec
}

// NewMetrics создаёт метрики и регистрирует их в reg.
// Если reg == nil, используется prometheus.DefaultRegisterer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	m := &Metrics{
		fanoutEnqueued: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "trendline_fanout_enqueued_total",
			Help: "Jobs enqueued by fan-out passes.",
		}, []string{"family"}),
		fanoutDuplicates: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "trendline_fanout_duplicates_total",
			Help: "Fan-out enqueues suppressed by deduplication key.",
		}, []string{"family"}),
		fanoutFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "trendline_fanout_failures_total",
			Help: "Per-entity enqueue failures during fan-out passes.",
		}, []string{"family"}),
		fanoutDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "trendline_fanout_duration_seconds",
			Help:    "Duration of one fan-out pass.",
			Buckets: prometheus.ExponentialBuckets(0.01, 4, 8),
		}, []string{"family"}),
		jobsProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "trendline_jobs_processed_total",
			Help: "Jobs processed by workers, by outcome.",
		}, []string{"queue", "job", "outcome"}),
		jobDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "trendline_job_duration_seconds",
			Help:    "Handler execution time.",
			Buckets: prometheus.DefBuckets,
		}, []string{"queue", "job"}),
		scheduleFires: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "trendline_schedule_fires_total",
			Help: "Tick jobs enqueued by recurring schedules.",
		}, []string{"schedule"}),
	}

	reg.MustRegister(
		m.fanoutEnqueued,
		m.fanoutDuplicates,
		m.fanoutFailures,
		m.fanoutDuration,
		m.jobsProcessed,
		m.jobDuration,
		m.scheduleFires,
	)
	return m
}

// ObserveFanout фиксирует итог одного fan-out прохода.
func (m *Metrics) ObserveFanout(family string, enqueued, duplicates, failed int, d time.Duration) {
	if m == nil {
		return
	}
	m.fanoutEnqueued.WithLabelValues(family).Add(float64(enqueued))
	m.fanoutDuplicates.WithLabelValues(family).Add(float64(duplicates))
	m.fanoutFailures.WithLabelValues(family).Add(float64(failed))
	m.fanoutDuration.WithLabelValues(family).Observe(d.Seconds())
}

// ObserveJob фиксирует исход обработки job.
func (m *Metrics) ObserveJob(queue, job, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.jobsProcessed.WithLabelValues(queue, job, outcome).Inc()
	m.jobDuration.WithLabelValues(queue, job).Observe(d.Seconds())
}

// ScheduleFired фиксирует срабатывание recurring schedule.
func (m *Metrics) ScheduleFired(schedule string) {
	if m == nil {
		return
	}
	m.scheduleFires.WithLabelValues(schedule).Inc()
}
