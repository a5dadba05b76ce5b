package api

import (
	"fmt"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/linnemanlabs/sentinel/internal/incident"
	"github.com/linnemanlabs/sentinel/internal/signals"
)

// Listing bounds.
const (
	defaultSignalLimit   = 100
	maxSignalLimit       = 1000
	defaultIncidentLimit = 50
	maxIncidentLimit     = 200
)

type paramError struct {
	name   string
	reason string
}

func (e *paramError) Error() string { return fmt.Sprintf("query parameter %s %s", e.name, e.reason) }

func intParam(q url.Values, name string, def, lo, hi int) (int, error) {
	raw := q.Get(name)
	if raw == "" {
		return def, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, &paramError{name, "must be an integer"}
	}
	if v < lo || v > hi {
		return 0, &paramError{name, fmt.Sprintf("must be between %d and %d", lo, hi)}
	}
	return v, nil
}

func timeParam(q url.Values, name string) (time.Time, error) {
	raw := q.Get(name)
	if raw == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}, &paramError{name, "must be an RFC 3339 timestamp"}
	}
	return t, nil
}

func pageParams(q url.Values, def, hi int) (limit, offset int, err error) {
	if limit, err = intParam(q, "limit", def, 1, hi); err != nil {
		return 0, 0, err
	}
	if offset, err = intParam(q, "offset", 0, 0, math.MaxInt); err != nil {
		return 0, 0, err
	}
	return limit, offset, nil
}

func parseSignalFilter(q url.Values) (incident.SignalFilter, error) {
	var f incident.SignalFilter
	var err error

	f.CorrelationID = q.Get("correlation_id")
	if f.CorrelationID == "" {
		f.CorrelationID = q.Get("trace_id")
	}
	f.ServiceName = q.Get("service_name")

	if k := q.Get("signal_type"); k != "" {
		kind, ok := signals.ParseKind(k)
		if !ok {
			return f, &paramError{"signal_type", "must be one of log, trace, metric"}
		}
		f.Kind = string(kind)
	}
	if f.Start, err = timeParam(q, "start_time"); err != nil {
		return f, err
	}
	if f.End, err = timeParam(q, "end_time"); err != nil {
		return f, err
	}
	if f.Limit, f.Offset, err = pageParams(q, defaultSignalLimit, maxSignalLimit); err != nil {
		return f, err
	}
	return f, nil
}

func parseIncidentFilter(q url.Values) (incident.IncidentFilter, error) {
	var f incident.IncidentFilter
	var err error

	if s := q.Get("status"); s != "" {
		st, ok := incident.ParseStatus(s)
		if !ok {
			return f, &paramError{"status", "must be one of open, investigating, resolved, closed"}
		}
		f.Status = st
	}
	if s := q.Get("severity"); s != "" {
		sev, ok := incident.ParseSeverity(s)
		if !ok {
			return f, &paramError{"severity", "must be one of low, medium, high, critical"}
		}
		f.Severity = sev
	}
	if f.Limit, f.Offset, err = pageParams(q, defaultIncidentLimit, maxIncidentLimit); err != nil {
		return f, err
	}
	return f, nil
}

func (a *API) handleListSignals(w http.ResponseWriter, r *http.Request) {
	f, err := parseSignalFilter(r.URL.Query())
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	items, total, err := a.svc.ListSignals(r.Context(), f)
	if err != nil {
		a.logger.Error(r.Context(), err, "failed to list signals")
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	writeJSON(w, http.StatusOK, newPage(items, total, f.Limit, f.Offset))
}

func (a *API) handleTrace(w http.ResponseWriter, r *http.Request) {
	corr := chi.URLParam(r, "correlationID")
	trace.SpanFromContext(r.Context()).SetAttributes(attribute.String("sentinel.correlation_id", corr))

	sigs, err := a.svc.TraceSignals(r.Context(), corr)
	if err != nil {
		a.logger.Error(r.Context(), err, "failed to load trace", "trace_id", corr)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if sigs == nil {
		sigs = []*signals.Signal{}
	}

	writeJSON(w, http.StatusOK, sigs)
}

func (a *API) handleListIncidents(w http.ResponseWriter, r *http.Request) {
	f, err := parseIncidentFilter(r.URL.Query())
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	items, total, err := a.svc.ListIncidents(r.Context(), f)
	if err != nil {
		a.logger.Error(r.Context(), err, "failed to list incidents")
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	writeJSON(w, http.StatusOK, newPage(items, total, f.Limit, f.Offset))
}

func (a *API) handleGetIncident(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	trace.SpanFromContext(r.Context()).SetAttributes(attribute.String("sentinel.incident.id", id))

	inc, ok, err := a.svc.GetIncident(r.Context(), id)
	if err != nil {
		a.logger.Error(r.Context(), err, "failed to get incident", "id", id)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, "incident not found")
		return
	}

	writeJSON(w, http.StatusOK, inc)
}

func (a *API) handleLatestAnalysis(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	trace.SpanFromContext(r.Context()).SetAttributes(attribute.String("sentinel.incident.id", id))

	res, ok, err := a.svc.LatestAnalysis(r.Context(), id)
	if err != nil {
		a.logger.Error(r.Context(), err, "failed to get analysis", "incident_id", id)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, "no analysis for incident "+id)
		return
	}

	writeJSON(w, http.StatusOK, res)
}
