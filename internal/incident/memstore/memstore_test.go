package memstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/linnemanlabs/sentinel/internal/incident"
	"github.com/linnemanlabs/sentinel/internal/signals"
)

var base = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func sig(id, corr, svc string, kind signals.Kind, offset time.Duration) *signals.Signal {
	return &signals.Signal{
		ID:            id,
		Kind:          kind,
		CorrelationID: corr,
		ServiceName:   svc,
		Timestamp:     base.Add(offset),
		Payload:       signals.Payload{Level: "INFO", Message: "m"},
	}
}

func correlate(s *signals.Signal) incident.MergeFunc {
	return func(existing *incident.Incident) *incident.Incident {
		return incident.Correlate(existing, s, s.Timestamp)
	}
}

func record(t *testing.T, st *Store, s *signals.Signal) *incident.Incident {
	t.Helper()
	inc, err := st.Record(context.Background(), s, correlate(s))
	if err != nil {
		t.Fatalf("Record(%s): %v", s.ID, err)
	}
	return inc
}

func TestStore_RecordAndGet(t *testing.T) {
	t.Parallel()

	st := New()
	ctx := context.Background()
	inc := record(t, st, sig("s1", "T1", "payment", signals.KindLog, 0))

	got, ok, err := st.GetIncident(ctx, inc.ID)
	if err != nil || !ok {
		t.Fatalf("GetIncident: ok=%v err=%v", ok, err)
	}
	if got.CorrelationID != "T1" || got.EvidenceCount != 1 {
		t.Errorf("got %+v", got)
	}

	byCorr, ok, err := st.GetIncidentByCorrelation(ctx, "T1")
	if err != nil || !ok {
		t.Fatalf("GetIncidentByCorrelation: ok=%v err=%v", ok, err)
	}
	if byCorr.ID != inc.ID {
		t.Errorf("ID = %q, want %q", byCorr.ID, inc.ID)
	}
}

func TestStore_GetMissing(t *testing.T) {
	t.Parallel()

	st := New()
	if _, ok, err := st.GetIncident(context.Background(), "nope"); ok || err != nil {
		t.Errorf("GetIncident: ok=%v err=%v", ok, err)
	}
	if _, ok, err := st.GetIncidentByCorrelation(context.Background(), "nope"); ok || err != nil {
		t.Errorf("GetIncidentByCorrelation: ok=%v err=%v", ok, err)
	}
	if _, ok, err := st.LatestAnalysis(context.Background(), "nope"); ok || err != nil {
		t.Errorf("LatestAnalysis: ok=%v err=%v", ok, err)
	}
}

func TestStore_DuplicateSignal(t *testing.T) {
	t.Parallel()

	st := New()
	s := sig("dup", "T1", "payment", signals.KindLog, 0)
	record(t, st, s)

	called := false
	_, err := st.Record(context.Background(), s, func(*incident.Incident) *incident.Incident {
		called = true
		return nil
	})
	if !errors.Is(err, incident.ErrDuplicateSignal) {
		t.Fatalf("err = %v, want ErrDuplicateSignal", err)
	}
	if called {
		t.Error("merge must not run for a duplicate signal")
	}

	inc, _, _ := st.GetIncidentByCorrelation(context.Background(), "T1")
	if inc.EvidenceCount != 1 {
		t.Errorf("EvidenceCount = %d, want 1", inc.EvidenceCount)
	}
}

func TestStore_ReturnsCopies(t *testing.T) {
	t.Parallel()

	st := New()
	inc := record(t, st, sig("s1", "T1", "payment", signals.KindLog, 0))
	inc.AffectedServices[0] = "mutated"

	got, _, _ := st.GetIncident(context.Background(), inc.ID)
	if got.AffectedServices[0] != "payment" {
		t.Error("store state was mutated through a returned incident")
	}
}

func TestStore_ConcurrentRecordSameCorrelation(t *testing.T) {
	t.Parallel()

	st := New()
	const n = 100

	var wg sync.WaitGroup
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s := sig(fmt.Sprintf("s-%d", i), "T1", fmt.Sprintf("svc-%d", i%3), signals.KindLog, time.Duration(i)*time.Millisecond)
			if _, err := st.Record(context.Background(), s, correlate(s)); err != nil {
				t.Errorf("Record: %v", err)
			}
		}()
	}
	wg.Wait()

	incs, total, err := st.ListIncidents(context.Background(), incident.IncidentFilter{})
	if err != nil {
		t.Fatalf("ListIncidents: %v", err)
	}
	if total != 1 {
		t.Fatalf("total = %d, want 1", total)
	}
	if incs[0].EvidenceCount != n {
		t.Errorf("EvidenceCount = %d, want %d", incs[0].EvidenceCount, n)
	}
	if !slices.Equal(incs[0].AffectedServices, []string{"svc-0", "svc-1", "svc-2"}) {
		t.Errorf("AffectedServices = %v", incs[0].AffectedServices)
	}
}

func TestStore_ListSignals(t *testing.T) {
	t.Parallel()

	st := New()
	record(t, st, sig("a", "T1", "payment", signals.KindLog, 1*time.Second))
	record(t, st, sig("b", "T1", "inventory", signals.KindTrace, 3*time.Second))
	record(t, st, sig("c", "T2", "payment", signals.KindMetric, 2*time.Second))
	record(t, st, sig("d", "T2", "payment", signals.KindLog, 4*time.Second))

	ids := func(ss []*signals.Signal) []string {
		out := make([]string, len(ss))
		for i, s := range ss {
			out[i] = s.ID
		}
		return out
	}

	tests := []struct {
		name      string
		filter    incident.SignalFilter
		wantIDs   []string
		wantTotal int
	}{
		{"all newest first", incident.SignalFilter{}, []string{"d", "b", "c", "a"}, 4},
		{"by correlation", incident.SignalFilter{CorrelationID: "T1"}, []string{"b", "a"}, 2},
		{"by service", incident.SignalFilter{ServiceName: "payment"}, []string{"d", "c", "a"}, 3},
		{"by kind", incident.SignalFilter{Kind: "log"}, []string{"d", "a"}, 2},
		{"time window", incident.SignalFilter{Start: base.Add(2 * time.Second), End: base.Add(3 * time.Second)}, []string{"b", "c"}, 2},
		{"limit", incident.SignalFilter{Limit: 2}, []string{"d", "b"}, 4},
		{"offset", incident.SignalFilter{Limit: 2, Offset: 3}, []string{"a"}, 4},
		{"offset past end", incident.SignalFilter{Offset: 10}, []string{}, 4},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, total, err := st.ListSignals(context.Background(), tt.filter)
			if err != nil {
				t.Fatalf("ListSignals: %v", err)
			}
			if total != tt.wantTotal {
				t.Errorf("total = %d, want %d", total, tt.wantTotal)
			}
			if !slices.Equal(ids(got), tt.wantIDs) {
				t.Errorf("ids = %v, want %v", ids(got), tt.wantIDs)
			}
		})
	}
}

func TestStore_TraceSignalsAscending(t *testing.T) {
	t.Parallel()

	st := New()
	record(t, st, sig("late", "T1", "payment", signals.KindLog, 5*time.Second))
	record(t, st, sig("early", "T1", "inventory", signals.KindLog, 1*time.Second))
	record(t, st, sig("other", "T2", "payment", signals.KindLog, 0))

	got, err := st.TraceSignals(context.Background(), "T1")
	if err != nil {
		t.Fatalf("TraceSignals: %v", err)
	}
	if len(got) != 2 || got[0].ID != "early" || got[1].ID != "late" {
		t.Errorf("got %d signals, order wrong", len(got))
	}

	none, err := st.TraceSignals(context.Background(), "missing")
	if err != nil || len(none) != 0 {
		t.Errorf("missing trace: len=%d err=%v", len(none), err)
	}
}

func TestStore_ListIncidentsFilters(t *testing.T) {
	t.Parallel()

	st := New()
	ctx := context.Background()
	low := record(t, st, sig("a", "T1", "svc", signals.KindLog, 0))

	errSig := sig("b", "T2", "svc", signals.KindLog, time.Second)
	errSig.Payload.Level = signals.LevelError
	high := record(t, st, errSig)

	got, total, err := st.ListIncidents(ctx, incident.IncidentFilter{Severity: incident.SeverityHigh})
	if err != nil {
		t.Fatalf("ListIncidents: %v", err)
	}
	if total != 1 || got[0].ID != high.ID {
		t.Errorf("severity filter: total=%d", total)
	}

	all, total, _ := st.ListIncidents(ctx, incident.IncidentFilter{Status: incident.StatusOpen})
	if total != 2 || all[0].ID != high.ID || all[1].ID != low.ID {
		t.Errorf("expected both open incidents newest first, got total=%d", total)
	}

	none, total, _ := st.ListIncidents(ctx, incident.IncidentFilter{Status: incident.StatusResolved})
	if total != 0 || len(none) != 0 {
		t.Errorf("resolved filter: total=%d", total)
	}
}

func TestStore_WriteAnalysis(t *testing.T) {
	t.Parallel()

	st := New()
	ctx := context.Background()
	inc := record(t, st, sig("a", "T1", "payment", signals.KindLog, 0))

	first := &incident.AnalysisWrite{
		ResultID:        "r-1",
		CorrelationID:   "T1",
		Severity:        incident.SeverityMedium,
		Services:        []string{"gateway"},
		EvidenceCount:   4,
		RootCause:       "first",
		ConfidenceScore: 60,
		EvidenceSignals: []string{"a"},
		Explanation:     json.RawMessage(`{"full_report":"first"}`),
		GeneratedAt:     base,
	}
	gotInc, res, err := st.WriteAnalysis(ctx, first)
	if err != nil {
		t.Fatalf("WriteAnalysis: %v", err)
	}
	if gotInc.ID != inc.ID {
		t.Errorf("incident ID = %q, want %q", gotInc.ID, inc.ID)
	}
	if gotInc.Severity != incident.SeverityMedium || gotInc.EvidenceCount != 4 {
		t.Errorf("incident = %+v", gotInc)
	}
	if !slices.Equal(gotInc.AffectedServices, []string{"gateway", "payment"}) {
		t.Errorf("AffectedServices = %v", gotInc.AffectedServices)
	}
	if res.IncidentID != inc.ID || res.ID != "r-1" {
		t.Errorf("result = %+v", res)
	}

	second := *first
	second.ResultID = "r-2"
	second.RootCause = "second"
	second.GeneratedAt = base.Add(time.Minute)
	if _, _, err := st.WriteAnalysis(ctx, &second); err != nil {
		t.Fatalf("WriteAnalysis: %v", err)
	}

	latest, ok, err := st.LatestAnalysis(ctx, inc.ID)
	if err != nil || !ok {
		t.Fatalf("LatestAnalysis: ok=%v err=%v", ok, err)
	}
	if latest.ID != "r-2" || latest.RootCause != "second" {
		t.Errorf("latest = %+v, want r-2", latest)
	}
}

func TestStore_WriteAnalysisCreatesIncident(t *testing.T) {
	t.Parallel()

	st := New()
	inc, res, err := st.WriteAnalysis(context.Background(), &incident.AnalysisWrite{
		ResultID:      "r-1",
		CorrelationID: "orphan",
		Severity:      incident.SeverityLow,
		EvidenceCount: 0,
	})
	if err != nil {
		t.Fatalf("WriteAnalysis: %v", err)
	}
	if inc.CorrelationID != "orphan" || res.IncidentID != inc.ID {
		t.Errorf("inc=%+v res=%+v", inc, res)
	}
}

func TestPaginate(t *testing.T) {
	t.Parallel()

	items := []int{1, 2, 3, 4, 5}
	if got := paginate(items, 0, 0); len(got) != 5 {
		t.Errorf("no limit: %v", got)
	}
	if got := paginate(items, 2, 1); !slices.Equal(got, []int{2, 3}) {
		t.Errorf("limit 2 offset 1: %v", got)
	}
	if got := paginate(items, 10, -3); len(got) != 5 {
		t.Errorf("negative offset: %v", got)
	}
}
