package api

import (
	"errors"
	"net/http"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/linnemanlabs/sentinel/internal/incident"
	"github.com/linnemanlabs/sentinel/internal/signals"
)

// IngestResponse is returned for every accepted signal.
type IngestResponse struct {
	Status          string `json:"status"`
	SignalID        string `json:"signal_id"`
	IncidentID      string `json:"incident_id"`
	Severity        string `json:"severity"`
	TriggerAnalysis bool   `json:"trigger_analysis"`
}

func (a *API) handleIngest(kind signals.Kind) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		span := trace.SpanFromContext(ctx)
		span.SetAttributes(attribute.String("sentinel.signal.kind", string(kind)))

		sig, err := signals.Decode(kind, r.Body)
		if err != nil {
			var verr *signals.ValidationError
			if errors.As(err, &verr) {
				writeError(w, http.StatusBadRequest, verr.Error())
				return
			}
			writeError(w, http.StatusBadRequest, "invalid payload")
			return
		}

		span.SetAttributes(
			attribute.String("sentinel.correlation_id", sig.CorrelationID),
			attribute.String("sentinel.service", sig.ServiceName),
		)

		res, err := a.svc.Ingest(ctx, sig)
		switch {
		case err == nil:
		case errors.Is(err, incident.ErrDuplicateSignal):
			writeError(w, http.StatusConflict, "signal "+sig.ID+" already ingested")
			return
		case errors.Is(err, incident.ErrPersistence):
			a.logger.Error(ctx, err, "failed to record signal", "signal_id", sig.ID, "trace_id", sig.CorrelationID)
			writeError(w, http.StatusServiceUnavailable, "signal could not be stored, retry later")
			return
		default:
			a.logger.Error(ctx, err, "ingest failed", "signal_id", sig.ID)
			writeError(w, http.StatusInternalServerError, "internal error")
			return
		}

		span.SetAttributes(
			attribute.String("sentinel.incident.id", res.Incident.ID),
			attribute.Bool("sentinel.trigger_analysis", res.TriggerAnalysis),
		)

		writeJSON(w, http.StatusAccepted, IngestResponse{
			Status:          "accepted",
			SignalID:        sig.ID,
			IncidentID:      res.Incident.ID,
			Severity:        string(res.Incident.Severity),
			TriggerAnalysis: res.TriggerAnalysis,
		})
	}
}
