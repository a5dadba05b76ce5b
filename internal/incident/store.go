package incident

import (
	"context"
	"errors"

	"github.com/linnemanlabs/sentinel/internal/signals"
)

var (
	// ErrPersistence wraps any storage failure on the ingestion path. The
	// signal was not recorded and the caller may retry.
	ErrPersistence = errors.New("persistence error")

	// ErrDuplicateSignal means a signal with the same id was already stored.
	ErrDuplicateSignal = errors.New("duplicate signal id")
)

// MergeFunc folds a signal into the current incident (nil when absent) and
// returns the incident to persist. Stores call it while holding the
// per-correlation-id lock.
type MergeFunc func(existing *Incident) *Incident

// Store is the persistence interface for signals, incidents and analysis results.
type Store interface {
	// Record persists sig and the merged incident in one transaction.
	Record(ctx context.Context, sig *signals.Signal, merge MergeFunc) (*Incident, error)

	// WriteAnalysis upserts the incident and appends the analysis result in one transaction.
	WriteAnalysis(ctx context.Context, w *AnalysisWrite) (*Incident, *AnalysisResult, error)

	GetIncident(ctx context.Context, id string) (*Incident, bool, error)
	GetIncidentByCorrelation(ctx context.Context, correlationID string) (*Incident, bool, error)
	ListIncidents(ctx context.Context, f IncidentFilter) ([]*Incident, int, error)
	LatestAnalysis(ctx context.Context, incidentID string) (*AnalysisResult, bool, error)

	ListSignals(ctx context.Context, f SignalFilter) ([]*signals.Signal, int, error)
	TraceSignals(ctx context.Context, correlationID string) ([]*signals.Signal, error)

	Ping(ctx context.Context) error
}
