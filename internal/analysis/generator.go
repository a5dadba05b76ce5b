package analysis

import (
	"context"
	"time"

	"github.com/linnemanlabs/sentinel/internal/incident"
)

// ReportGenerator produces a free-text root-cause report.
type ReportGenerator interface {
	Generate(ctx context.Context, req *ReportRequest) (*Report, error)
}

// ReportRequest is one generation call.
type ReportRequest struct {
	System    string
	Prompt    string
	MaxTokens int
}

// Report is the generator's answer plus accounting.
type Report struct {
	Text         string
	Model        string
	InputTokens  int
	OutputTokens int
}

// Notifier delivers completed analyses to humans. Delivery is best effort.
type Notifier interface {
	Send(ctx context.Context, n *Notification) error
}

// Notification summarises one completed analysis.
type Notification struct {
	IncidentID       string
	ResultID         string
	CorrelationID    string
	Severity         incident.Severity
	Confidence       float64
	AffectedServices []string
	TotalSignals     int
	ErrorCounts      map[string]int
	Report           string
	Model            string
	InputTokens      int
	OutputTokens     int
	Duration         time.Duration
	GeneratedAt      time.Time
}
