package incident

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/sentinel/internal/signals"
)

// triggerTimeout bounds one detached claim+schedule attempt.
const triggerTimeout = 10 * time.Second

// Claimer guards at-most-one scheduled analysis per correlation id.
type Claimer interface {
	TryClaim(ctx context.Context, correlationID string) (bool, error)
	Release(ctx context.Context, correlationID string) error
}

// Scheduler enqueues a delayed analysis job for a correlation id.
type Scheduler interface {
	Schedule(ctx context.Context, correlationID string) error
}

// IngestResult is the outcome of recording one signal.
type IngestResult struct {
	Incident        *Incident
	Created         bool
	TriggerAnalysis bool
}

// Service is the business boundary for ingestion and incident queries.
type Service struct {
	store   Store
	claims  Claimer
	sched   Scheduler
	logger  log.Logger
	metrics *Metrics
	now     func() time.Time

	// tracks detached trigger tasks so shutdown can drain them; no Add
	// happens once closing is set
	mu       sync.Mutex
	closing  bool
	inflight sync.WaitGroup
}

// NewService creates a new incident service. claims and sched may both be nil,
// in which case analysis dispatch is disabled and signals are only recorded.
func NewService(store Store, claims Claimer, sched Scheduler, logger log.Logger, metrics *Metrics) *Service {
	if logger == nil {
		logger = log.Nop()
	}
	return &Service{
		store:   store,
		claims:  claims,
		sched:   sched,
		logger:  logger,
		metrics: metrics,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Ingest records a validated signal against its incident and, if the signal
// is trigger-eligible, starts a detached analysis trigger. Only persistence
// failures are returned; trigger problems are logged and counted.
func (s *Service) Ingest(ctx context.Context, sig *signals.Signal) (*IngestResult, error) {
	var (
		created bool
		before  Severity
	)
	merge := func(existing *Incident) *Incident {
		created = existing == nil
		if existing != nil {
			before = existing.Severity
		}
		return Correlate(existing, sig, s.now())
	}

	start := time.Now()
	inc, err := s.store.Record(ctx, sig, merge)
	s.metrics.observeIngest(time.Since(start).Seconds())
	if err != nil {
		s.metrics.observeSignal(string(sig.Kind), "error")
		return nil, fmt.Errorf("%w: record signal %s: %w", ErrPersistence, sig.ID, err)
	}
	s.metrics.observeSignal(string(sig.Kind), "accepted")
	s.metrics.observeIncident(created, before, inc.Severity)

	res := &IngestResult{
		Incident:        inc,
		Created:         created,
		TriggerAnalysis: ShouldTrigger(sig),
	}

	if res.TriggerAnalysis {
		s.dispatch(ctx, sig.CorrelationID)
	}

	return res, nil
}

// Wait blocks until every detached trigger task has finished. The caller
// must not Ingest concurrently; use Close while requests may still arrive.
func (s *Service) Wait() {
	s.inflight.Wait()
}

// Close stops starting new trigger tasks and waits for the running ones.
// Triggering signals ingested afterwards are still recorded but their
// trigger is skipped.
func (s *Service) Close() {
	s.mu.Lock()
	s.closing = true
	s.mu.Unlock()
	s.inflight.Wait()
}

// dispatch runs the claim+schedule sequence without blocking the caller.
// Failures, including panics, are contained here.
func (s *Service) dispatch(parent context.Context, correlationID string) {
	if s.claims == nil || s.sched == nil {
		return
	}

	ctx := context.WithoutCancel(parent)
	L := s.logger.With("trace_id", correlationID)

	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		s.metrics.observeTrigger(TriggerShutdown)
		L.Warn(ctx, "analysis trigger skipped: service shutting down")
		return
	}
	s.inflight.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.inflight.Done()
		defer func() {
			if r := recover(); r != nil {
				s.metrics.observeTrigger(TriggerPanic)
				L.Error(ctx, fmt.Errorf("panic: %v", r), "analysis trigger panicked")
			}
		}()

		ctx, cancel := context.WithTimeout(ctx, triggerTimeout)
		defer cancel()

		outcome := s.trigger(ctx, L, correlationID)
		s.metrics.observeTrigger(outcome)
	}()
}

func (s *Service) trigger(ctx context.Context, L log.Logger, correlationID string) string {
	claimed, err := s.claims.TryClaim(ctx, correlationID)
	if err != nil {
		L.Warn(ctx, "analysis trigger skipped: claim store unavailable", "error", err)
		return TriggerClaimError
	}
	if !claimed {
		return TriggerDuplicate
	}

	if err := s.sched.Schedule(ctx, correlationID); err != nil {
		L.Warn(ctx, "analysis scheduling failed, releasing claim", "error", err)
		if rerr := s.claims.Release(ctx, correlationID); rerr != nil {
			L.Error(ctx, rerr, "failed to release analysis claim")
			return TriggerReleaseError
		}
		return TriggerScheduleError
	}

	L.Info(ctx, "analysis scheduled")
	return TriggerScheduled
}

// GetIncident retrieves an incident by id.
func (s *Service) GetIncident(ctx context.Context, id string) (*Incident, bool, error) {
	return s.store.GetIncident(ctx, id)
}

// ListIncidents returns one page of incidents, newest first, plus the total.
func (s *Service) ListIncidents(ctx context.Context, f IncidentFilter) ([]*Incident, int, error) {
	return s.store.ListIncidents(ctx, f)
}

// LatestAnalysis returns the most recent analysis result for an incident.
func (s *Service) LatestAnalysis(ctx context.Context, incidentID string) (*AnalysisResult, bool, error) {
	return s.store.LatestAnalysis(ctx, incidentID)
}

// ListSignals returns one page of signals, newest first, plus the total.
func (s *Service) ListSignals(ctx context.Context, f SignalFilter) ([]*signals.Signal, int, error) {
	return s.store.ListSignals(ctx, f)
}

// TraceSignals returns every signal for a correlation id in time order.
func (s *Service) TraceSignals(ctx context.Context, correlationID string) ([]*signals.Signal, error) {
	return s.store.TraceSignals(ctx, correlationID)
}

// Ping checks the store is reachable.
func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}
