package incident

import (
	"encoding/json"
	"slices"
	"strings"
	"time"
)

// Status tracks where an incident is in its lifecycle.
type Status string

const (
	// StatusOpen means evidence is still arriving
	StatusOpen Status = "open"

	// StatusInvestigating means someone is working on it
	StatusInvestigating Status = "investigating"

	// StatusResolved means the cause was addressed
	StatusResolved Status = "resolved"

	// StatusClosed means no further action
	StatusClosed Status = "closed"
)

// ParseStatus maps a wire value onto a Status.
func ParseStatus(s string) (Status, bool) {
	switch Status(s) {
	case StatusOpen, StatusInvestigating, StatusResolved, StatusClosed:
		return Status(s), true
	}
	return "", false
}

// Severity is totally ordered: low < medium < high < critical.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Rank returns the position of s in the severity order. Unknown values rank
// below low.
func (s Severity) Rank() int {
	switch s {
	case SeverityLow:
		return 0
	case SeverityMedium:
		return 1
	case SeverityHigh:
		return 2
	case SeverityCritical:
		return 3
	}
	return -1
}

// ParseSeverity maps a case-insensitive severity word onto a Severity.
func ParseSeverity(s string) (Severity, bool) {
	sev := Severity(strings.ToLower(strings.TrimSpace(s)))
	if sev.Rank() < 0 {
		return "", false
	}
	return sev, true
}

// MaxSeverity returns the more severe of a and b.
func MaxSeverity(a, b Severity) Severity {
	if b.Rank() > a.Rank() {
		return b
	}
	return a
}

// Incident is the aggregate for one correlation id.
type Incident struct {
	ID               string     `json:"id"`
	CorrelationID    string     `json:"trace_id"`
	Status           Status     `json:"status"`
	Severity         Severity   `json:"severity"`
	DetectedAt       time.Time  `json:"detected_at"`
	ResolvedAt       *time.Time `json:"resolved_at"`
	UpdatedAt        time.Time  `json:"updated_at"`
	AffectedServices []string   `json:"affected_services"`
	EvidenceCount    int        `json:"evidence_count"`
}

// Clone returns a deep copy so callers never share the services slice.
func (i *Incident) Clone() *Incident {
	if i == nil {
		return nil
	}
	cp := *i
	cp.AffectedServices = slices.Clone(i.AffectedServices)
	if i.ResolvedAt != nil {
		t := *i.ResolvedAt
		cp.ResolvedAt = &t
	}
	return &cp
}

// HasService reports whether name is already in the affected set.
func (i *Incident) HasService(name string) bool {
	return slices.Contains(i.AffectedServices, name)
}

// AnalysisResult is one completed root-cause analysis. Rows are append-only.
type AnalysisResult struct {
	ID              string          `json:"id"`
	IncidentID      string          `json:"incident_id"`
	RootCause       string          `json:"root_cause"`
	ConfidenceScore float64         `json:"confidence_score"`
	EvidenceSignals []string        `json:"evidence_signals"`
	Explanation     json.RawMessage `json:"ai_explanation"`
	GeneratedAt     time.Time       `json:"generated_at"`
}

// AnalysisWrite carries everything the result writer persists in a single
// transaction after an analysis run.
type AnalysisWrite struct {
	ResultID        string
	CorrelationID   string
	Severity        Severity
	Services        []string
	EvidenceCount   int
	RootCause       string
	ConfidenceScore float64
	EvidenceSignals []string
	Explanation     json.RawMessage
	GeneratedAt     time.Time
}

// SignalFilter narrows a signal listing. Zero values mean "no filter".
type SignalFilter struct {
	CorrelationID string
	ServiceName   string
	Kind          string
	Start         time.Time
	End           time.Time
	Limit         int
	Offset        int
}

// IncidentFilter narrows an incident listing. Zero values mean "no filter".
type IncidentFilter struct {
	Status   Status
	Severity Severity
	Limit    int
	Offset   int
}
