package incident

import "github.com/prometheus/client_golang/prometheus"

// Trigger outcomes recorded on TriggersTotal.
const (
	TriggerScheduled     = "scheduled"
	TriggerDuplicate     = "duplicate"
	TriggerClaimError    = "claim_error"
	TriggerScheduleError = "schedule_error"
	TriggerReleaseError  = "release_error"
	TriggerPanic         = "panic"
	TriggerShutdown      = "shutdown"
)

// Metrics holds Prometheus metrics for the correlation subsystem.
type Metrics struct {
	SignalsTotal       *prometheus.CounterVec
	IngestDuration     prometheus.Histogram
	IncidentsCreated   prometheus.Counter
	SeverityEscalation *prometheus.CounterVec
	TriggersTotal      *prometheus.CounterVec
}

// NewMetrics registers and returns correlation metrics on the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		SignalsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sentinel_signals_ingested_total",
			Help: "Total signals by kind and outcome.",
		}, []string{"kind", "outcome"}),
		IngestDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "sentinel_ingest_duration_seconds",
			Help:    "Duration of the transactional signal+incident write.",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 12), // 1ms .. ~2s
		}),
		IncidentsCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sentinel_incidents_created_total",
			Help: "Total incidents opened by a first signal.",
		}),
		SeverityEscalation: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sentinel_incident_escalations_total",
			Help: "Incident severity escalations at ingestion, by new severity.",
		}, []string{"severity"}),
		TriggersTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sentinel_analysis_triggers_total",
			Help: "Analysis trigger attempts by outcome.",
		}, []string{"outcome"}),
	}

	reg.MustRegister(
		m.SignalsTotal,
		m.IngestDuration,
		m.IncidentsCreated,
		m.SeverityEscalation,
		m.TriggersTotal,
	)

	return m
}

func (m *Metrics) observeSignal(kind, outcome string) {
	if m == nil {
		return
	}
	m.SignalsTotal.WithLabelValues(kind, outcome).Inc()
}

func (m *Metrics) observeIngest(seconds float64) {
	if m == nil {
		return
	}
	m.IngestDuration.Observe(seconds)
}

func (m *Metrics) observeIncident(created bool, before, after Severity) {
	if m == nil {
		return
	}
	if created {
		m.IncidentsCreated.Inc()
		return
	}
	if after.Rank() > before.Rank() {
		m.SeverityEscalation.WithLabelValues(string(after)).Inc()
	}
}

func (m *Metrics) observeTrigger(outcome string) {
	if m == nil {
		return
	}
	m.TriggersTotal.WithLabelValues(outcome).Inc()
}
