package signals

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ErrInvalidSignal is the sentinel for every validation failure. Callers
// match it with errors.Is and map it to a 4xx response.
var ErrInvalidSignal = errors.New("invalid signal")

// ValidationError describes which envelope field failed validation.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid signal: %s %s", e.Field, e.Reason)
}

// Unwrap lets errors.Is(err, ErrInvalidSignal) match.
func (e *ValidationError) Unwrap() error { return ErrInvalidSignal }

// Envelope is the wire form of a signal as posted by instrumented services.
// The same shape is used for all kinds; kind-specific fields are optional at
// the decoding layer and enforced by Validate.
type Envelope struct {
	SignalID      string `json:"signal_id"`
	CorrelationID string `json:"trace_id"`
	ServiceName   string `json:"service_name"`
	Timestamp     string `json:"timestamp"`

	Level      string         `json:"level"`
	Message    string         `json:"message"`
	StackTrace string         `json:"stack_trace"`
	Attributes map[string]any `json:"attributes"`

	SpanID       string   `json:"span_id"`
	ParentSpanID string   `json:"parent_span_id"`
	Operation    string   `json:"operation"`
	DurationMS   *float64 `json:"duration_ms"`
	Status       string   `json:"status"`

	MetricName string            `json:"metric_name"`
	Value      json.RawMessage   `json:"value"`
	Unit       string            `json:"unit"`
	Tags       map[string]string `json:"tags"`
}

// Decode reads a JSON envelope from r and validates it as the given kind.
func Decode(kind Kind, r io.Reader) (*Signal, error) {
	var env Envelope
	if err := json.NewDecoder(r).Decode(&env); err != nil {
		return nil, &ValidationError{Field: "body", Reason: "is not a valid JSON envelope: " + err.Error()}
	}
	return Validate(kind, &env)
}

// Validate turns an envelope into a Signal. It has no side effects.
func Validate(kind Kind, env *Envelope) (*Signal, error) {
	if env == nil {
		return nil, &ValidationError{Field: "body", Reason: "is required"}
	}
	if _, ok := ParseKind(string(kind)); !ok {
		return nil, &ValidationError{Field: "signal_type", Reason: fmt.Sprintf("%q is not one of log, trace, metric", kind)}
	}

	id, err := uuid.Parse(env.SignalID)
	if err != nil {
		return nil, &ValidationError{Field: "signal_id", Reason: "is not a well-formed UUID"}
	}

	if strings.TrimSpace(env.Timestamp) == "" {
		return nil, &ValidationError{Field: "timestamp", Reason: "is required"}
	}
	ts, err := time.Parse(time.RFC3339Nano, env.Timestamp)
	if err != nil {
		return nil, &ValidationError{Field: "timestamp", Reason: "is not an RFC 3339 timestamp"}
	}

	if strings.TrimSpace(env.CorrelationID) == "" {
		return nil, &ValidationError{Field: "trace_id", Reason: "is required"}
	}
	if strings.TrimSpace(env.ServiceName) == "" {
		return nil, &ValidationError{Field: "service_name", Reason: "is required"}
	}

	sig := &Signal{
		ID:            id.String(),
		Kind:          kind,
		CorrelationID: env.CorrelationID,
		ServiceName:   env.ServiceName,
		Timestamp:     ts.UTC(),
	}

	switch kind {
	case KindLog:
		if env.Level == "" {
			return nil, &ValidationError{Field: "level", Reason: "is required for log signals"}
		}
		if env.Message == "" {
			return nil, &ValidationError{Field: "message", Reason: "is required for log signals"}
		}
		sig.Payload = Payload{
			Level:      env.Level,
			Message:    env.Message,
			StackTrace: env.StackTrace,
			Attributes: nonNilAttrs(env.Attributes),
		}
	case KindTrace:
		if env.SpanID == "" {
			return nil, &ValidationError{Field: "span_id", Reason: "is required for trace signals"}
		}
		status := env.Status
		if status == "" {
			status = "ok"
		}
		sig.Payload = Payload{
			SpanID:       env.SpanID,
			ParentSpanID: env.ParentSpanID,
			Operation:    env.Operation,
			DurationMS:   env.DurationMS,
			Status:       status,
		}
	case KindMetric:
		if env.MetricName == "" {
			return nil, &ValidationError{Field: "metric_name", Reason: "is required for metric signals"}
		}
		v, err := parseNumber(env.Value)
		if err != nil {
			return nil, &ValidationError{Field: "value", Reason: err.Error()}
		}
		sig.Payload = Payload{
			MetricName: env.MetricName,
			Value:      &v,
			Unit:       env.Unit,
			Tags:       nonNilTags(env.Tags),
		}
	}

	return sig, nil
}

// parseNumber accepts only a JSON number literal. Quoted numbers and null are
// rejected rather than coerced.
func parseNumber(raw json.RawMessage) (float64, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return 0, errors.New("is required for metric signals")
	}
	if raw[0] != '-' && (raw[0] < '0' || raw[0] > '9') {
		return 0, errors.New("must be a JSON number")
	}
	var v float64
	if err := json.Unmarshal(raw, &v); err != nil {
		return 0, errors.New("must be a JSON number")
	}
	return v, nil
}

func nonNilAttrs(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}

func nonNilTags(m map[string]string) map[string]string {
	if m == nil {
		return map[string]string{}
	}
	return m
}
