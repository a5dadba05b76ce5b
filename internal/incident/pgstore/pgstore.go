// Package pgstore provides a PostgreSQL implementation of incident.Store.
package pgstore

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/linnemanlabs/sentinel/internal/incident"
	"github.com/linnemanlabs/sentinel/internal/signals"
)

var tracer = otel.Tracer("github.com/linnemanlabs/sentinel/internal/incident/pgstore")

//go:embed schema.sql
var schema string

// pgUniqueViolation is the SQLSTATE for unique_violation.
const pgUniqueViolation = "23505"

// Store persists signals, incidents and analysis results in PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
	now  func() time.Time
}

// New applies the schema on pool and returns a ready Store. The caller owns
// the pool and closes it.
func New(ctx context.Context, pool *pgxpool.Pool) (*Store, error) {
	if _, err := pool.Exec(ctx, schema); err != nil {
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Store{
		pool: pool,
		now:  func() time.Time { return time.Now().UTC() },
	}, nil
}

const (
	signalColumns   = `id, signal_type, trace_id, service_name, timestamp, payload`
	incidentColumns = `id, trace_id, status, severity, detected_at, resolved_at, updated_at, affected_services, evidence_count`
	resultColumns   = `id, incident_id, root_cause, confidence_score, evidence_signals, ai_explanation, generated_at`
)

func startSpan(ctx context.Context, name, op string) (context.Context, trace.Span) {
	return tracer.Start(ctx, name, trace.WithAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation.name", op),
	))
}

func spanError(span trace.Span, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return err
}

// Record inserts the signal and upserts its incident in one transaction. The
// incident row is locked for the duration so concurrent signals for the same
// correlation id serialize on it.
func (s *Store) Record(ctx context.Context, sig *signals.Signal, merge incident.MergeFunc) (*incident.Incident, error) {
	ctx, span := startSpan(ctx, "pgstore.Record", "INSERT")
	defer span.End()
	span.SetAttributes(attribute.String("signal.kind", string(sig.Kind)))

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, spanError(span, fmt.Errorf("begin tx: %w", err))
	}
	defer tx.Rollback(ctx) //nolint:errcheck // rollback after commit is harmless

	if err := insertSignal(ctx, tx, sig); err != nil {
		return nil, spanError(span, err)
	}

	inc, err := upsertIncident(ctx, tx, sig.CorrelationID, merge)
	if err != nil {
		return nil, spanError(span, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, spanError(span, fmt.Errorf("commit: %w", err))
	}
	return inc, nil
}

// WriteAnalysis upserts the incident with the analysed severity and evidence
// count and appends the result row, atomically.
func (s *Store) WriteAnalysis(ctx context.Context, w *incident.AnalysisWrite) (*incident.Incident, *incident.AnalysisResult, error) {
	ctx, span := startSpan(ctx, "pgstore.WriteAnalysis", "UPSERT")
	defer span.End()

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, nil, spanError(span, fmt.Errorf("begin tx: %w", err))
	}
	defer tx.Rollback(ctx) //nolint:errcheck // rollback after commit is harmless

	now := s.now()
	inc, err := upsertIncident(ctx, tx, w.CorrelationID, func(existing *incident.Incident) *incident.Incident {
		return incident.ApplyAnalysis(existing, w, now)
	})
	if err != nil {
		return nil, nil, spanError(span, err)
	}

	res := &incident.AnalysisResult{
		ID:              w.ResultID,
		IncidentID:      inc.ID,
		RootCause:       w.RootCause,
		ConfidenceScore: w.ConfidenceScore,
		EvidenceSignals: w.EvidenceSignals,
		Explanation:     w.Explanation,
		GeneratedAt:     w.GeneratedAt,
	}
	if res.EvidenceSignals == nil {
		res.EvidenceSignals = []string{}
	}

	var explanation []byte
	if len(res.Explanation) > 0 {
		explanation = res.Explanation
	}
	_, err = tx.Exec(ctx,
		`INSERT INTO analysis_results (`+resultColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		res.ID, res.IncidentID, res.RootCause, res.ConfidenceScore, res.EvidenceSignals, explanation, res.GeneratedAt,
	)
	if err != nil {
		return nil, nil, spanError(span, fmt.Errorf("insert analysis result: %w", err))
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, nil, spanError(span, fmt.Errorf("commit: %w", err))
	}
	return inc, res, nil
}

// GetIncident retrieves an incident by ID.
//
//nolint:dupl // similar structure to GetIncidentByCorrelation is intentional
func (s *Store) GetIncident(ctx context.Context, id string) (*incident.Incident, bool, error) {
	ctx, span := startSpan(ctx, "pgstore.GetIncident", "SELECT")
	defer span.End()

	inc, err := scanIncident(s.pool.QueryRow(ctx, `SELECT `+incidentColumns+` FROM incidents WHERE id = $1`, id))
	if err != nil {
		return nil, false, spanError(span, err)
	}
	return inc, inc != nil, nil
}

// GetIncidentByCorrelation retrieves the incident for a correlation ID.
//
//nolint:dupl // similar structure to GetIncident is intentional
func (s *Store) GetIncidentByCorrelation(ctx context.Context, correlationID string) (*incident.Incident, bool, error) {
	ctx, span := startSpan(ctx, "pgstore.GetIncidentByCorrelation", "SELECT")
	defer span.End()

	inc, err := scanIncident(s.pool.QueryRow(ctx, `SELECT `+incidentColumns+` FROM incidents WHERE trace_id = $1`, correlationID))
	if err != nil {
		return nil, false, spanError(span, err)
	}
	return inc, inc != nil, nil
}

// ListIncidents returns matching incidents, most recently detected first,
// plus the unpaginated total.
func (s *Store) ListIncidents(ctx context.Context, f incident.IncidentFilter) ([]*incident.Incident, int, error) {
	ctx, span := startSpan(ctx, "pgstore.ListIncidents", "SELECT")
	defer span.End()

	var w where
	if f.Status != "" {
		w.add("status = ", string(f.Status))
	}
	if f.Severity != "" {
		w.add("severity = ", string(f.Severity))
	}

	var total int
	if err := s.pool.QueryRow(ctx, `SELECT count(*) FROM incidents`+w.sql(), w.args...).Scan(&total); err != nil {
		return nil, 0, spanError(span, fmt.Errorf("count incidents: %w", err))
	}

	query := `SELECT ` + incidentColumns + ` FROM incidents` + w.sql() + ` ORDER BY detected_at DESC, id DESC` + w.page(f.Limit, f.Offset)
	rows, err := s.pool.Query(ctx, query, w.args...)
	if err != nil {
		return nil, 0, spanError(span, fmt.Errorf("query incidents: %w", err))
	}
	defer rows.Close()

	out := []*incident.Incident{}
	for rows.Next() {
		inc, err := scanIncident(rows)
		if err != nil {
			return nil, 0, spanError(span, err)
		}
		out = append(out, inc)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, spanError(span, fmt.Errorf("iterate incidents: %w", err))
	}
	return out, total, nil
}

// LatestAnalysis returns the most recent analysis result for an incident.
func (s *Store) LatestAnalysis(ctx context.Context, incidentID string) (*incident.AnalysisResult, bool, error) {
	ctx, span := startSpan(ctx, "pgstore.LatestAnalysis", "SELECT")
	defer span.End()

	var (
		r           incident.AnalysisResult
		explanation []byte
	)
	err := s.pool.QueryRow(ctx,
		`SELECT `+resultColumns+` FROM analysis_results WHERE incident_id = $1 ORDER BY generated_at DESC, id DESC LIMIT 1`,
		incidentID,
	).Scan(&r.ID, &r.IncidentID, &r.RootCause, &r.ConfidenceScore, &r.EvidenceSignals, &explanation, &r.GeneratedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, false, nil
		}
		return nil, false, spanError(span, fmt.Errorf("scan analysis result: %w", err))
	}
	if len(explanation) > 0 {
		r.Explanation = json.RawMessage(explanation)
	}
	r.GeneratedAt = r.GeneratedAt.UTC()
	return &r, true, nil
}

// ListSignals returns matching signals, newest first, plus the unpaginated total.
func (s *Store) ListSignals(ctx context.Context, f incident.SignalFilter) ([]*signals.Signal, int, error) {
	ctx, span := startSpan(ctx, "pgstore.ListSignals", "SELECT")
	defer span.End()

	var w where
	if f.CorrelationID != "" {
		w.add("trace_id = ", f.CorrelationID)
	}
	if f.ServiceName != "" {
		w.add("service_name = ", f.ServiceName)
	}
	if f.Kind != "" {
		w.add("signal_type = ", f.Kind)
	}
	if !f.Start.IsZero() {
		w.add("timestamp >= ", f.Start)
	}
	if !f.End.IsZero() {
		w.add("timestamp <= ", f.End)
	}

	var total int
	if err := s.pool.QueryRow(ctx, `SELECT count(*) FROM signals`+w.sql(), w.args...).Scan(&total); err != nil {
		return nil, 0, spanError(span, fmt.Errorf("count signals: %w", err))
	}

	query := `SELECT ` + signalColumns + ` FROM signals` + w.sql() + ` ORDER BY timestamp DESC, created_at DESC` + w.page(f.Limit, f.Offset)
	out, err := s.querySignals(ctx, query, w.args...)
	if err != nil {
		return nil, 0, spanError(span, err)
	}
	return out, total, nil
}

// TraceSignals returns every signal for a correlation ID, oldest first.
func (s *Store) TraceSignals(ctx context.Context, correlationID string) ([]*signals.Signal, error) {
	ctx, span := startSpan(ctx, "pgstore.TraceSignals", "SELECT")
	defer span.End()

	out, err := s.querySignals(ctx,
		`SELECT `+signalColumns+` FROM signals WHERE trace_id = $1 ORDER BY timestamp ASC, created_at ASC`,
		correlationID,
	)
	if err != nil {
		return nil, spanError(span, err)
	}
	return out, nil
}

// Ping checks the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *Store) querySignals(ctx context.Context, query string, args ...any) ([]*signals.Signal, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query signals: %w", err)
	}
	defer rows.Close()

	out := []*signals.Signal{}
	for rows.Next() {
		var (
			sig     signals.Signal
			kind    string
			payload []byte
		)
		if err := rows.Scan(&sig.ID, &kind, &sig.CorrelationID, &sig.ServiceName, &sig.Timestamp, &payload); err != nil {
			return nil, fmt.Errorf("scan signal: %w", err)
		}
		sig.Kind = signals.Kind(kind)
		sig.Timestamp = sig.Timestamp.UTC()
		if err := json.Unmarshal(payload, &sig.Payload); err != nil {
			return nil, fmt.Errorf("unmarshal payload %s: %w", sig.ID, err)
		}
		out = append(out, &sig)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate signals: %w", err)
	}
	return out, nil
}

func insertSignal(ctx context.Context, tx pgx.Tx, sig *signals.Signal) error {
	payload, err := json.Marshal(sig.Payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}

	_, err = tx.Exec(ctx,
		`INSERT INTO signals (`+signalColumns+`) VALUES ($1, $2, $3, $4, $5, $6)`,
		sig.ID, string(sig.Kind), sig.CorrelationID, sig.ServiceName, sig.Timestamp, payload,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
			return incident.ErrDuplicateSignal
		}
		return fmt.Errorf("insert signal: %w", err)
	}
	return nil
}

// upsertIncident locks the incident row for correlationID (if any), applies
// fn and writes the result back. When two transactions both see no row, the
// loser of the INSERT re-reads the winner's row under lock and applies fn
// again.
func upsertIncident(ctx context.Context, tx pgx.Tx, correlationID string, fn incident.MergeFunc) (*incident.Incident, error) {
	existing, err := lockIncident(ctx, tx, correlationID)
	if err != nil {
		return nil, err
	}

	if existing == nil {
		inc := fn(nil)
		inserted, err := insertIncident(ctx, tx, inc)
		if err != nil {
			return nil, err
		}
		if inserted {
			return inc, nil
		}

		existing, err = lockIncident(ctx, tx, correlationID)
		if err != nil {
			return nil, err
		}
		if existing == nil {
			return nil, fmt.Errorf("incident %s vanished after insert conflict", correlationID)
		}
	}

	inc := fn(existing)
	if err := updateIncident(ctx, tx, inc); err != nil {
		return nil, err
	}
	return inc, nil
}

func lockIncident(ctx context.Context, tx pgx.Tx, correlationID string) (*incident.Incident, error) {
	return scanIncident(tx.QueryRow(ctx,
		`SELECT `+incidentColumns+` FROM incidents WHERE trace_id = $1 FOR UPDATE`,
		correlationID,
	))
}

// insertIncident reports false when another transaction inserted the same
// correlation id first.
func insertIncident(ctx context.Context, tx pgx.Tx, inc *incident.Incident) (bool, error) {
	var id string
	err := tx.QueryRow(ctx,
		`INSERT INTO incidents (`+incidentColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		 ON CONFLICT (trace_id) DO NOTHING
		 RETURNING id`,
		inc.ID, inc.CorrelationID, string(inc.Status), string(inc.Severity),
		inc.DetectedAt, inc.ResolvedAt, inc.UpdatedAt, services(inc), inc.EvidenceCount,
	).Scan(&id)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, nil
		}
		return false, fmt.Errorf("insert incident: %w", err)
	}
	return true, nil
}

func updateIncident(ctx context.Context, tx pgx.Tx, inc *incident.Incident) error {
	_, err := tx.Exec(ctx,
		`UPDATE incidents SET
			status            = $2,
			severity          = $3,
			resolved_at       = $4,
			updated_at        = $5,
			affected_services = $6,
			evidence_count    = $7
		 WHERE id = $1`,
		inc.ID, string(inc.Status), string(inc.Severity), inc.ResolvedAt, inc.UpdatedAt, services(inc), inc.EvidenceCount,
	)
	if err != nil {
		return fmt.Errorf("update incident: %w", err)
	}
	return nil
}

func services(inc *incident.Incident) []string {
	if inc.AffectedServices == nil {
		return []string{}
	}
	return inc.AffectedServices
}

// scanIncident scans one incident row. Returns (nil, nil) when no row is found.
func scanIncident(row pgx.Row) (*incident.Incident, error) {
	var (
		inc        incident.Incident
		status     string
		severity   string
		resolvedAt *time.Time
	)
	err := row.Scan(
		&inc.ID, &inc.CorrelationID, &status, &severity,
		&inc.DetectedAt, &resolvedAt, &inc.UpdatedAt, &inc.AffectedServices, &inc.EvidenceCount,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("scan incident: %w", err)
	}

	inc.Status = incident.Status(status)
	inc.Severity = incident.Severity(severity)
	inc.DetectedAt = inc.DetectedAt.UTC()
	inc.UpdatedAt = inc.UpdatedAt.UTC()
	if resolvedAt != nil {
		t := resolvedAt.UTC()
		inc.ResolvedAt = &t
	}
	if inc.AffectedServices == nil {
		inc.AffectedServices = []string{}
	}
	return &inc, nil
}

// where accumulates AND-ed predicates with positional args.
type where struct {
	clauses []string
	args    []any
}

func (w *where) add(predicate string, arg any) {
	w.args = append(w.args, arg)
	w.clauses = append(w.clauses, predicate+"$"+strconv.Itoa(len(w.args)))
}

func (w *where) sql() string {
	if len(w.clauses) == 0 {
		return ""
	}
	return " WHERE " + strings.Join(w.clauses, " AND ")
}

// page appends LIMIT/OFFSET as literals; both are ints validated upstream.
func (w *where) page(limit, offset int) string {
	var b strings.Builder
	if limit > 0 {
		b.WriteString(" LIMIT ")
		b.WriteString(strconv.Itoa(limit))
	}
	if offset > 0 {
		b.WriteString(" OFFSET ")
		b.WriteString(strconv.Itoa(offset))
	}
	return b.String()
}
