// Package memstore provides an in-memory implementation of incident.Store.
package memstore

import (
	"cmp"
	"context"
	"slices"
	"sync"
	"time"

	"github.com/linnemanlabs/sentinel/internal/incident"
	"github.com/linnemanlabs/sentinel/internal/signals"
)

// Store holds signals, incidents and analysis results in memory. Suitable for dev/testing.
// A single mutex serializes every read-modify-write, which is what gives
// Record its per-correlation-id atomicity here.
type Store struct {
	mu        sync.RWMutex
	signals   []*signals.Signal                     // insertion order
	signalIDs map[string]struct{}                   // signal ID -> seen (duplicate check)
	incidents map[string]*incident.Incident         // incident ID -> incident
	byCorr    map[string]string                     // correlation ID -> incident ID
	results   map[string][]*incident.AnalysisResult // incident ID -> results, oldest first
	now       func() time.Time
}

// New initializes a new in-memory Store.
func New() *Store {
	return &Store{
		signalIDs: make(map[string]struct{}),
		incidents: make(map[string]*incident.Incident),
		byCorr:    make(map[string]string),
		results:   make(map[string][]*incident.AnalysisResult),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Record stores the signal and the merged incident together.
func (s *Store) Record(_ context.Context, sig *signals.Signal, merge incident.MergeFunc) (*incident.Incident, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, dup := s.signalIDs[sig.ID]; dup {
		return nil, incident.ErrDuplicateSignal
	}

	var existing *incident.Incident
	if id, ok := s.byCorr[sig.CorrelationID]; ok {
		existing = s.incidents[id].Clone()
	}

	inc := merge(existing)

	cp := *sig
	s.signals = append(s.signals, &cp)
	s.signalIDs[sig.ID] = struct{}{}
	s.incidents[inc.ID] = inc.Clone()
	s.byCorr[inc.CorrelationID] = inc.ID

	return inc, nil
}

// WriteAnalysis upserts the incident and appends the analysis result.
func (s *Store) WriteAnalysis(_ context.Context, w *incident.AnalysisWrite) (*incident.Incident, *incident.AnalysisResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var existing *incident.Incident
	if id, ok := s.byCorr[w.CorrelationID]; ok {
		existing = s.incidents[id].Clone()
	}

	inc := incident.ApplyAnalysis(existing, w, s.now())
	res := &incident.AnalysisResult{
		ID:              w.ResultID,
		IncidentID:      inc.ID,
		RootCause:       w.RootCause,
		ConfidenceScore: w.ConfidenceScore,
		EvidenceSignals: slices.Clone(w.EvidenceSignals),
		Explanation:     slices.Clone(w.Explanation),
		GeneratedAt:     w.GeneratedAt,
	}

	s.incidents[inc.ID] = inc.Clone()
	s.byCorr[inc.CorrelationID] = inc.ID
	s.results[inc.ID] = append(s.results[inc.ID], res)

	cp := *res
	return inc, &cp, nil
}

// GetIncident retrieves an incident by ID. Returns a copy.
func (s *Store) GetIncident(_ context.Context, id string) (*incident.Incident, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	inc, ok := s.incidents[id]
	if !ok {
		return nil, false, nil
	}
	return inc.Clone(), true, nil
}

// GetIncidentByCorrelation retrieves the incident for a correlation ID. Returns a copy.
func (s *Store) GetIncidentByCorrelation(_ context.Context, correlationID string) (*incident.Incident, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byCorr[correlationID]
	if !ok {
		return nil, false, nil
	}
	return s.incidents[id].Clone(), true, nil
}

// ListIncidents returns matching incidents, most recently detected first.
func (s *Store) ListIncidents(_ context.Context, f incident.IncidentFilter) ([]*incident.Incident, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var matched []*incident.Incident
	for _, inc := range s.incidents {
		if f.Status != "" && inc.Status != f.Status {
			continue
		}
		if f.Severity != "" && inc.Severity != f.Severity {
			continue
		}
		matched = append(matched, inc.Clone())
	}
	slices.SortStableFunc(matched, func(a, b *incident.Incident) int {
		if c := b.DetectedAt.Compare(a.DetectedAt); c != 0 {
			return c
		}
		return cmp.Compare(b.ID, a.ID)
	})

	return paginate(matched, f.Limit, f.Offset), len(matched), nil
}

// LatestAnalysis returns the most recently appended result for an incident.
func (s *Store) LatestAnalysis(_ context.Context, incidentID string) (*incident.AnalysisResult, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rs := s.results[incidentID]
	if len(rs) == 0 {
		return nil, false, nil
	}
	cp := *rs[len(rs)-1]
	return &cp, true, nil
}

// ListSignals returns matching signals, newest first.
func (s *Store) ListSignals(_ context.Context, f incident.SignalFilter) ([]*signals.Signal, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var matched []*signals.Signal
	for _, sig := range s.signals {
		if f.CorrelationID != "" && sig.CorrelationID != f.CorrelationID {
			continue
		}
		if f.ServiceName != "" && sig.ServiceName != f.ServiceName {
			continue
		}
		if f.Kind != "" && string(sig.Kind) != f.Kind {
			continue
		}
		if !f.Start.IsZero() && sig.Timestamp.Before(f.Start) {
			continue
		}
		if !f.End.IsZero() && sig.Timestamp.After(f.End) {
			continue
		}
		cp := *sig
		matched = append(matched, &cp)
	}
	slices.SortStableFunc(matched, func(a, b *signals.Signal) int {
		return b.Timestamp.Compare(a.Timestamp)
	})

	return paginate(matched, f.Limit, f.Offset), len(matched), nil
}

// TraceSignals returns every signal for a correlation ID, oldest first.
func (s *Store) TraceSignals(_ context.Context, correlationID string) ([]*signals.Signal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*signals.Signal
	for _, sig := range s.signals {
		if sig.CorrelationID == correlationID {
			cp := *sig
			out = append(out, &cp)
		}
	}
	slices.SortStableFunc(out, func(a, b *signals.Signal) int {
		return a.Timestamp.Compare(b.Timestamp)
	})
	return out, nil
}

// Ping always succeeds.
func (s *Store) Ping(context.Context) error { return nil }

// paginate applies offset/limit; limit <= 0 means no limit.
func paginate[T any](items []T, limit, offset int) []T {
	if offset < 0 {
		offset = 0
	}
	if offset >= len(items) {
		return []T{}
	}
	items = items[offset:]
	if limit > 0 && limit < len(items) {
		items = items[:limit]
	}
	return items
}
