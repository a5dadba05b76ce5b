package analysis

import (
	"regexp"
	"strconv"

	"github.com/linnemanlabs/sentinel/internal/incident"
)

// Defaults when a report omits or garbles a field.
const (
	DefaultConfidence = 50.0
	DefaultSeverity   = incident.SeverityHigh
)

var (
	confidenceRe = regexp.MustCompile(`(?i)Confidence Score\D*(\d+(?:\.\d+)?)`)

	// lazy so "Severity: (Pick ONE: Critical, High...)" yields the first word
	severityRe = regexp.MustCompile(`(?i)Severity\D*?\b(Critical|High|Medium|Low)\b`)
)

// Fields are the structured values pulled out of a free-text report.
type Fields struct {
	Severity        incident.Severity
	SeverityFound   bool
	Confidence      float64
	ConfidenceFound bool
}

// Extract finds the first labelled confidence score and severity in report.
// Confidence is clamped to 0..100.
func Extract(report string) Fields {
	f := Fields{Severity: DefaultSeverity, Confidence: DefaultConfidence}

	if m := confidenceRe.FindStringSubmatch(report); m != nil {
		if v, err := strconv.ParseFloat(m[1], 64); err == nil {
			f.Confidence = min(max(v, 0), 100)
			f.ConfidenceFound = true
		}
	}

	if m := severityRe.FindStringSubmatch(report); m != nil {
		if sev, ok := incident.ParseSeverity(m[1]); ok {
			f.Severity = sev
			f.SeverityFound = true
		}
	}

	return f
}
