package analysis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/oklog/ulid/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/sentinel/internal/incident"
	"github.com/linnemanlabs/sentinel/internal/jobqueue"
	"github.com/linnemanlabs/sentinel/internal/signals"
)

const tracerName = "github.com/linnemanlabs/sentinel/internal/analysis"

// ErrAnalysisJob wraps any failure that aborts an analysis run.
var ErrAnalysisJob = errors.New("analysis job failed")

// DefaultMaxTokens bounds the generated report.
const DefaultMaxTokens = 4096

// Outcome is the terminal state of one analysis run.
type Outcome string

const (
	OutcomeSuccess   Outcome = "success"
	OutcomeNoSignals Outcome = "no_signals"
	OutcomeFailed    Outcome = "failed"
)

// Store is the slice of incident.Store the worker needs.
type Store interface {
	TraceSignals(ctx context.Context, correlationID string) ([]*signals.Signal, error)
	WriteAnalysis(ctx context.Context, w *incident.AnalysisWrite) (*incident.Incident, *incident.AnalysisResult, error)
}

// Explanation is persisted as the result's ai_explanation document.
type Explanation struct {
	FullReport      string         `json:"full_report"`
	Model           string         `json:"model,omitempty"`
	InputTokens     int            `json:"input_tokens"`
	OutputTokens    int            `json:"output_tokens"`
	TotalSignals    int            `json:"total_signals"`
	SummarizedCount int            `json:"summarized_count"`
	ErrorCounts     map[string]int `json:"error_counts"`
	SeverityParsed  bool           `json:"severity_parsed"`
	ConfidenceFound bool           `json:"confidence_parsed"`
}

// Worker runs the analysis pipeline for one correlation id.
type Worker struct {
	store     Store
	gen       ReportGenerator
	notifier  Notifier
	logger    log.Logger
	metrics   *Metrics
	maxTokens int
	now       func() time.Time
}

// WorkerOption customises a Worker.
type WorkerOption func(*Worker)

// WithMaxTokens caps the generated report length. Non-positive values keep
// the default.
func WithMaxTokens(n int) WorkerOption {
	return func(w *Worker) {
		if n > 0 {
			w.maxTokens = n
		}
	}
}

// NewWorker creates a Worker. notifier and metrics may be nil.
func NewWorker(store Store, gen ReportGenerator, notifier Notifier, logger log.Logger, metrics *Metrics, opts ...WorkerOption) *Worker {
	if logger == nil {
		logger = log.Nop()
	}
	w := &Worker{
		store:     store,
		gen:       gen,
		notifier:  notifier,
		logger:    logger,
		metrics:   metrics,
		maxTokens: DefaultMaxTokens,
		now:       func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// HandleJob adapts Handle to the job queue.
func (w *Worker) HandleJob(ctx context.Context, job *jobqueue.Job) error {
	_, err := w.Handle(ctx, job.CorrelationID)
	return err
}

// Handle loads the full signal history for correlationID, generates and
// parses a report, and writes the incident update and result together. No
// database transaction is open while the generator runs.
func (w *Worker) Handle(ctx context.Context, correlationID string) (Outcome, error) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "analysis.Handle", trace.WithAttributes(
		attribute.String("sentinel.correlation_id", correlationID),
	))
	defer span.End()

	L := w.logger.With("trace_id", correlationID)
	start := time.Now()

	outcome, err := w.run(ctx, L, correlationID)
	w.metrics.observeRun(string(outcome))
	span.SetAttributes(attribute.String("analysis.outcome", string(outcome)))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return outcome, err
	}

	L.Info(ctx, "analysis finished", "outcome", string(outcome), "duration", time.Since(start).Seconds())
	return outcome, nil
}

func (w *Worker) run(ctx context.Context, L log.Logger, correlationID string) (Outcome, error) {
	sigs, err := w.store.TraceSignals(ctx, correlationID)
	if err != nil {
		return OutcomeFailed, fmt.Errorf("%w: load signals for %s: %w", ErrAnalysisJob, correlationID, err)
	}
	if len(sigs) == 0 {
		L.Warn(ctx, "no signals found for analysis")
		return OutcomeNoSignals, nil
	}

	bundle := Summarize(correlationID, sigs)
	L.Info(ctx, "evidence summarized",
		"total_signals", bundle.TotalSignals,
		"summarized_count", bundle.SummarizedCount,
	)

	genStart := time.Now()
	report, err := w.gen.Generate(ctx, &ReportRequest{
		System:    SystemPrompt,
		Prompt:    BuildPrompt(bundle),
		MaxTokens: w.maxTokens,
	})
	w.metrics.observeGeneration(time.Since(genStart).Seconds(), report)
	if err != nil {
		return OutcomeFailed, fmt.Errorf("%w: generate report for %s: %w", ErrAnalysisJob, correlationID, err)
	}
	if report.Text == "" {
		return OutcomeFailed, fmt.Errorf("%w: generator returned an empty report for %s", ErrAnalysisJob, correlationID)
	}

	fields := Extract(report.Text)
	if !fields.SeverityFound || !fields.ConfidenceFound {
		L.Warn(ctx, "report fields missing, using defaults",
			"severity_found", fields.SeverityFound,
			"confidence_found", fields.ConfidenceFound,
		)
	}

	explanation, err := json.Marshal(Explanation{
		FullReport:      report.Text,
		Model:           report.Model,
		InputTokens:     report.InputTokens,
		OutputTokens:    report.OutputTokens,
		TotalSignals:    bundle.TotalSignals,
		SummarizedCount: bundle.SummarizedCount,
		ErrorCounts:     bundle.ErrorCounts,
		SeverityParsed:  fields.SeverityFound,
		ConfidenceFound: fields.ConfidenceFound,
	})
	if err != nil {
		return OutcomeFailed, fmt.Errorf("%w: marshal explanation: %w", ErrAnalysisJob, err)
	}

	write := &incident.AnalysisWrite{
		ResultID:        ulid.Make().String(),
		CorrelationID:   correlationID,
		Severity:        fields.Severity,
		Services:        serviceSet(sigs),
		EvidenceCount:   len(sigs),
		RootCause:       report.Text,
		ConfidenceScore: fields.Confidence,
		EvidenceSignals: signalIDs(sigs),
		Explanation:     explanation,
		GeneratedAt:     w.now(),
	}

	inc, res, err := w.store.WriteAnalysis(ctx, write)
	if err != nil {
		return OutcomeFailed, fmt.Errorf("%w: write result for %s: %w", ErrAnalysisJob, correlationID, err)
	}
	w.metrics.observeResult(fields)

	L.Info(ctx, "analysis saved",
		"incident_id", inc.ID,
		"result_id", res.ID,
		"severity", string(fields.Severity),
		"confidence", fields.Confidence,
		"input_tokens", report.InputTokens,
		"output_tokens", report.OutputTokens,
	)

	w.notify(ctx, L, &Notification{
		IncidentID:       inc.ID,
		ResultID:         res.ID,
		CorrelationID:    correlationID,
		Severity:         inc.Severity,
		Confidence:       fields.Confidence,
		AffectedServices: inc.AffectedServices,
		TotalSignals:     bundle.TotalSignals,
		ErrorCounts:      bundle.ErrorCounts,
		Report:           report.Text,
		Model:            report.Model,
		InputTokens:      report.InputTokens,
		OutputTokens:     report.OutputTokens,
		Duration:         time.Since(genStart),
		GeneratedAt:      res.GeneratedAt,
	})

	return OutcomeSuccess, nil
}

// notify is best effort; the result is already durable.
func (w *Worker) notify(ctx context.Context, L log.Logger, n *Notification) {
	if w.notifier == nil {
		return
	}
	if err := w.notifier.Send(ctx, n); err != nil {
		w.metrics.observeNotifyError()
		L.Error(ctx, err, "failed to send analysis notification")
	}
}

func serviceSet(sigs []*signals.Signal) []string {
	out := make([]string, 0, len(sigs))
	for _, s := range sigs {
		if s.ServiceName != "" {
			out = append(out, s.ServiceName)
		}
	}
	slices.Sort(out)
	return slices.Compact(out)
}

func signalIDs(sigs []*signals.Signal) []string {
	out := make([]string, len(sigs))
	for i, s := range sigs {
		out[i] = s.ID
	}
	return out
}
