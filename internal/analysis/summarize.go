// Package analysis turns the signal history of one correlation id into a
// root-cause report: it compresses the evidence, asks a report generator for
// an analysis, extracts structured fields from the free text and persists the
// result.
package analysis

import (
	"strings"
	"time"

	"github.com/linnemanlabs/sentinel/internal/signals"
)

const (
	// maxEvidence caps the records handed to the generator.
	maxEvidence = 50
	// maxErrorEvidence of the cap is reserved for ERROR/CRITICAL logs.
	maxErrorEvidence = 40
	// maxOtherEvidence of the cap goes to everything else.
	maxOtherEvidence = 10

	stackTraceLines = 3
	noSignalsText   = "No signals found"
)

// EvidenceRecord is the compact projection of one signal.
type EvidenceRecord struct {
	Timestamp string       `json:"timestamp"`
	Service   string       `json:"service"`
	Kind      signals.Kind `json:"type"`

	// log
	Level      string `json:"level,omitempty"`
	Message    string `json:"message,omitempty"`
	StackTrace string `json:"stack_trace,omitempty"`

	// trace
	SpanID     string   `json:"span_id,omitempty"`
	DurationMS *float64 `json:"duration_ms,omitempty"`
	Status     string   `json:"status,omitempty"`

	// metric
	MetricName string   `json:"metric_name,omitempty"`
	Value      *float64 `json:"value,omitempty"`
}

func (r *EvidenceRecord) isError() bool {
	return r.Kind == signals.KindLog && (r.Level == signals.LevelError || r.Level == signals.LevelCritical)
}

// EvidenceBundle is the compressed view of a correlation id's history.
type EvidenceBundle struct {
	CorrelationID   string           `json:"trace_id"`
	TotalSignals    int              `json:"total_signals"`
	SummarizedCount int              `json:"summarized_count"`
	ErrorCounts     map[string]int   `json:"error_counts"`
	Signals         []EvidenceRecord `json:"signals"`

	// NoEvidence is set when there was nothing to summarize at all.
	NoEvidence bool   `json:"-"`
	Summary    string `json:"summary,omitempty"`
}

// Summarize compresses sigs for the report generator. DEBUG logs are
// dropped, error logs are tallied per service:level, and when more than 50
// records remain the first 40 error records and first 10 others are kept.
// sigs is expected in time order and is not modified.
func Summarize(correlationID string, sigs []*signals.Signal) *EvidenceBundle {
	b := &EvidenceBundle{
		CorrelationID: correlationID,
		TotalSignals:  len(sigs),
		ErrorCounts:   map[string]int{},
		Signals:       []EvidenceRecord{},
	}
	if len(sigs) == 0 {
		b.NoEvidence = true
		b.Summary = noSignalsText
		return b
	}

	records := make([]EvidenceRecord, 0, len(sigs))
	for _, sig := range sigs {
		if sig.IsDebugLog() {
			continue
		}
		rec := project(sig)
		if rec.isError() {
			b.ErrorCounts[sig.ServiceName+":"+rec.Level]++
		}
		records = append(records, rec)
	}

	if len(records) > maxEvidence {
		records = prioritize(records)
	}

	b.Signals = records
	b.SummarizedCount = len(records)
	return b
}

func project(sig *signals.Signal) EvidenceRecord {
	rec := EvidenceRecord{
		Timestamp: sig.Timestamp.UTC().Format(time.RFC3339Nano),
		Service:   sig.ServiceName,
		Kind:      sig.Kind,
	}
	p := sig.Payload
	switch sig.Kind {
	case signals.KindLog:
		rec.Level = p.Level
		rec.Message = p.Message
		if p.StackTrace != "" {
			rec.StackTrace = truncateStack(p.StackTrace)
		}
	case signals.KindTrace:
		rec.SpanID = p.SpanID
		rec.DurationMS = p.DurationMS
		rec.Status = p.Status
	case signals.KindMetric:
		rec.MetricName = p.MetricName
		rec.Value = p.Value
	}
	return rec
}

// truncateStack keeps the first three lines and always appends a marker.
func truncateStack(s string) string {
	lines := strings.SplitN(s, "\n", stackTraceLines+1)
	if len(lines) > stackTraceLines {
		lines = lines[:stackTraceLines]
	}
	return strings.Join(lines, "\n") + "\n..."
}

func prioritize(records []EvidenceRecord) []EvidenceRecord {
	errs := make([]EvidenceRecord, 0, maxErrorEvidence)
	others := make([]EvidenceRecord, 0, maxOtherEvidence)
	for _, r := range records {
		if r.isError() {
			if len(errs) < maxErrorEvidence {
				errs = append(errs, r)
			}
		} else if len(others) < maxOtherEvidence {
			others = append(others, r)
		}
	}
	return append(errs, others...)
}
