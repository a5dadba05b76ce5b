package jobqueue

import "github.com/prometheus/client_golang/prometheus"

// Job outcomes recorded on JobsTotal.
const (
	OutcomeSuccess = "success"
	OutcomeError   = "error"
	OutcomeTimeout = "timeout"
	OutcomePanic   = "panic"
)

// Metrics holds Prometheus metrics for the job queue and worker pool.
type Metrics struct {
	JobsEnqueued  prometheus.Counter
	JobsTotal     *prometheus.CounterVec
	JobDuration   prometheus.Histogram
	JobLag        prometheus.Histogram
	QueueErrors   *prometheus.CounterVec
	ActiveWorkers prometheus.Gauge
}

// NewMetrics registers and returns job queue metrics on the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		JobsEnqueued: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sentinel_jobs_enqueued_total",
			Help: "Total analysis jobs scheduled.",
		}),
		JobsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sentinel_jobs_completed_total",
			Help: "Total analysis jobs run, by outcome.",
		}, []string{"outcome"}),
		JobDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "sentinel_job_duration_seconds",
			Help:    "Wall-clock time of one analysis job.",
			Buckets: []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		}),
		JobLag: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "sentinel_job_start_lag_seconds",
			Help:    "Delay between a job becoming due and a worker starting it.",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
		}),
		QueueErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sentinel_queue_errors_total",
			Help: "Queue backend errors by operation.",
		}, []string{"op"}),
		ActiveWorkers: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "sentinel_workers_active",
			Help: "Workers currently running a job.",
		}),
	}

	reg.MustRegister(
		m.JobsEnqueued,
		m.JobsTotal,
		m.JobDuration,
		m.JobLag,
		m.QueueErrors,
		m.ActiveWorkers,
	)

	return m
}

func (m *Metrics) observeEnqueue() {
	if m == nil {
		return
	}
	m.JobsEnqueued.Inc()
}

func (m *Metrics) observeQueueError(op string) {
	if m == nil {
		return
	}
	m.QueueErrors.WithLabelValues(op).Inc()
}

func (m *Metrics) jobStarted(lagSeconds float64) {
	if m == nil {
		return
	}
	m.ActiveWorkers.Inc()
	if lagSeconds > 0 {
		m.JobLag.Observe(lagSeconds)
	}
}

func (m *Metrics) jobFinished(outcome string, seconds float64) {
	if m == nil {
		return
	}
	m.ActiveWorkers.Dec()
	m.JobsTotal.WithLabelValues(outcome).Inc()
	m.JobDuration.Observe(seconds)
}
