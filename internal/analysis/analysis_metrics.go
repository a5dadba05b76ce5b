package analysis

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds Prometheus metrics for analysis runs.
type Metrics struct {
	RunsTotal          *prometheus.CounterVec
	GeneratorDuration  prometheus.Histogram
	TokensTotal        *prometheus.CounterVec
	ConfidenceScore    prometheus.Histogram
	SeverityAssigned   *prometheus.CounterVec
	NotificationErrors prometheus.Counter
}

// NewMetrics registers and returns analysis metrics on the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		RunsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sentinel_analysis_runs_total",
			Help: "Analysis runs by outcome.",
		}, []string{"outcome"}),
		GeneratorDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "sentinel_analysis_generator_duration_seconds",
			Help:    "Duration of report generator calls.",
			Buckets: []float64{0.5, 1, 2.5, 5, 10, 20, 40, 60, 120},
		}),
		TokensTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sentinel_analysis_tokens_total",
			Help: "Generator tokens consumed by direction.",
		}, []string{"direction"}),
		ConfidenceScore: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "sentinel_analysis_confidence_score",
			Help:    "Confidence scores extracted from reports.",
			Buckets: prometheus.LinearBuckets(10, 10, 10),
		}),
		SeverityAssigned: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sentinel_analysis_severity_total",
			Help: "Severities assigned by analysis.",
		}, []string{"severity"}),
		NotificationErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sentinel_analysis_notification_errors_total",
			Help: "Failed analysis notifications.",
		}),
	}

	reg.MustRegister(
		m.RunsTotal,
		m.GeneratorDuration,
		m.TokensTotal,
		m.ConfidenceScore,
		m.SeverityAssigned,
		m.NotificationErrors,
	)

	return m
}

func (m *Metrics) observeRun(outcome string) {
	if m == nil {
		return
	}
	m.RunsTotal.WithLabelValues(outcome).Inc()
}

func (m *Metrics) observeGeneration(seconds float64, r *Report) {
	if m == nil {
		return
	}
	m.GeneratorDuration.Observe(seconds)
	if r != nil {
		m.TokensTotal.WithLabelValues("input").Add(float64(r.InputTokens))
		m.TokensTotal.WithLabelValues("output").Add(float64(r.OutputTokens))
	}
}

func (m *Metrics) observeResult(f Fields) {
	if m == nil {
		return
	}
	m.ConfidenceScore.Observe(f.Confidence)
	m.SeverityAssigned.WithLabelValues(string(f.Severity)).Inc()
}

func (m *Metrics) observeNotifyError() {
	if m == nil {
		return
	}
	m.NotificationErrors.Inc()
}
