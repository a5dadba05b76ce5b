// Package api exposes signal ingestion and the incident query endpoints over
// HTTP.
package api

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/linnemanlabs/go-core/log"
	"github.com/linnemanlabs/go-core/xerrors"

	"github.com/linnemanlabs/sentinel/internal/incident"
	"github.com/linnemanlabs/sentinel/internal/signals"
)

// IncidentService defines the business operations the API needs.
type IncidentService interface {
	Ingest(ctx context.Context, sig *signals.Signal) (*incident.IngestResult, error)
	ListSignals(ctx context.Context, f incident.SignalFilter) ([]*signals.Signal, int, error)
	TraceSignals(ctx context.Context, correlationID string) ([]*signals.Signal, error)
	ListIncidents(ctx context.Context, f incident.IncidentFilter) ([]*incident.Incident, int, error)
	GetIncident(ctx context.Context, id string) (*incident.Incident, bool, error)
	LatestAnalysis(ctx context.Context, incidentID string) (*incident.AnalysisResult, bool, error)
}

// API holds dependencies for HTTP handlers.
type API struct {
	logger log.Logger
	svc    IncidentService
}

// New creates a new API handler.
func New(logger log.Logger, svc IncidentService) *API {
	if logger == nil {
		logger = log.Nop()
	}
	if svc == nil {
		panic(xerrors.New("incident service is required"))
	}
	return &API{
		logger: logger,
		svc:    svc,
	}
}

// RegisterRoutes attaches API endpoints to the router. ingestMW wraps only
// the ingestion routes, typically with bearer-token auth.
func (a *API) RegisterRoutes(r chi.Router, ingestMW ...func(http.Handler) http.Handler) {
	r.Route("/api/v1", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			r.Use(ingestMW...)
			r.Post("/ingest/logs", a.handleIngest(signals.KindLog))
			r.Post("/ingest/traces", a.handleIngest(signals.KindTrace))
			r.Post("/ingest/metrics", a.handleIngest(signals.KindMetric))
		})

		r.Route("/query", func(r chi.Router) {
			r.Get("/signals", a.handleListSignals)
			r.Get("/traces/{correlationID}", a.handleTrace)
			r.Get("/incidents", a.handleListIncidents)
			r.Get("/incidents/{id}", a.handleGetIncident)
			r.Get("/incidents/{id}/analysis", a.handleLatestAnalysis)
		})
	})
}

// Page is the envelope for every paginated listing.
type Page[T any] struct {
	Items  []T `json:"items"`
	Total  int `json:"total"`
	Limit  int `json:"limit"`
	Offset int `json:"offset"`
}

func newPage[T any](items []T, total, limit, offset int) Page[T] {
	if items == nil {
		items = []T{}
	}
	return Page[T]{Items: items, Total: total, Limit: limit, Offset: offset}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

type errorBody struct {
	Detail string `json:"detail"`
}

func writeError(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, errorBody{Detail: detail})
}
