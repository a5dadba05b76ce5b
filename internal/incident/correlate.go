package incident

import (
	"slices"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/linnemanlabs/sentinel/internal/signals"
)

// latencyThresholdMS is the metric value at which a latency metric escalates.
const latencyThresholdMS = 2000

// DeriveSeverity computes the severity implied by a single signal,
// independent of any incident state. Trace spans never escalate.
func DeriveSeverity(sig *signals.Signal) Severity {
	switch sig.Kind {
	case signals.KindLog:
		if sig.IsErrorLevel() {
			return SeverityHigh
		}
	case signals.KindMetric:
		if strings.Contains(strings.ToLower(sig.Payload.MetricName), "latency") && sig.MetricValue() >= latencyThresholdMS {
			return SeverityHigh
		}
	case signals.KindTrace:
	}
	return SeverityLow
}

// ShouldTrigger reports whether a signal makes its correlation id eligible
// for root-cause analysis: its derived severity is HIGH, or its serialized
// form mentions "fail" or "critical" anywhere.
func ShouldTrigger(sig *signals.Signal) bool {
	if DeriveSeverity(sig) == SeverityHigh {
		return true
	}
	s := strings.ToLower(sig.Serialized())
	return strings.Contains(s, "fail") || strings.Contains(s, "critical")
}

// Correlate folds one signal into the incident for its correlation id.
// existing is nil for the first signal. The input is never modified.
func Correlate(existing *Incident, sig *signals.Signal, now time.Time) *Incident {
	derived := DeriveSeverity(sig)

	if existing == nil {
		return &Incident{
			ID:               ulid.Make().String(),
			CorrelationID:    sig.CorrelationID,
			Status:           StatusOpen,
			Severity:         derived,
			DetectedAt:       now,
			UpdatedAt:        now,
			AffectedServices: []string{sig.ServiceName},
			EvidenceCount:    1,
		}
	}

	inc := existing.Clone()
	inc.EvidenceCount++
	inc.AffectedServices = unionServices(inc.AffectedServices, sig.ServiceName)
	inc.Severity = MaxSeverity(inc.Severity, derived)
	inc.UpdatedAt = now
	return inc
}

// ApplyAnalysis merges a completed analysis into the incident. Unlike
// Correlate, the analysed severity replaces the current one. existing may be
// nil when the incident row is missing.
func ApplyAnalysis(existing *Incident, w *AnalysisWrite, now time.Time) *Incident {
	var inc *Incident
	if existing == nil {
		inc = &Incident{
			ID:            ulid.Make().String(),
			CorrelationID: w.CorrelationID,
			Status:        StatusOpen,
			DetectedAt:    now,
		}
	} else {
		inc = existing.Clone()
	}

	inc.Severity = w.Severity
	inc.AffectedServices = unionServices(inc.AffectedServices, w.Services...)
	inc.EvidenceCount = w.EvidenceCount
	inc.UpdatedAt = now
	return inc
}

// unionServices returns the sorted, deduplicated union of set and names.
// Empty names are dropped.
func unionServices(set []string, names ...string) []string {
	out := make([]string, 0, len(set)+len(names))
	out = append(out, set...)
	for _, n := range names {
		if n != "" {
			out = append(out, n)
		}
	}
	slices.Sort(out)
	return slices.Compact(out)
}
