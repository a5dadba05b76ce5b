// Package signals defines the telemetry evidence accepted at ingestion
// (logs, trace spans and metric samples) and validates raw envelopes into
// immutable Signal values shared by the ingestion and analysis paths.
package signals

import (
	"encoding/json"
	"time"
)

// Kind identifies the type of telemetry a signal carries.
type Kind string

const (
	KindLog    Kind = "log"
	KindTrace  Kind = "trace"
	KindMetric Kind = "metric"
)

// ParseKind maps a wire value onto a Kind.
func ParseKind(s string) (Kind, bool) {
	switch Kind(s) {
	case KindLog, KindTrace, KindMetric:
		return Kind(s), true
	}
	return "", false
}

// Log levels the correlation and summarization rules care about.
const (
	LevelDebug    = "DEBUG"
	LevelError    = "ERROR"
	LevelCritical = "CRITICAL"
)

// Signal is one immutable unit of evidence. It is created once at ingestion
// and never mutated afterwards.
type Signal struct {
	ID            string    `json:"id"`
	Kind          Kind      `json:"signal_type"`
	CorrelationID string    `json:"trace_id"`
	ServiceName   string    `json:"service_name"`
	Timestamp     time.Time `json:"timestamp"`
	Payload       Payload   `json:"payload"`
}

// Payload holds the kind-specific fields of a signal. Only the fields that
// belong to the signal's Kind are populated.
type Payload struct {
	// log
	Level      string         `json:"level,omitempty"`
	Message    string         `json:"message,omitempty"`
	StackTrace string         `json:"stack_trace,omitempty"`
	Attributes map[string]any `json:"attributes,omitempty"`

	// trace
	SpanID       string   `json:"span_id,omitempty"`
	ParentSpanID string   `json:"parent_span_id,omitempty"`
	Operation    string   `json:"operation,omitempty"`
	DurationMS   *float64 `json:"duration_ms,omitempty"`
	Status       string   `json:"status,omitempty"`

	// metric
	MetricName string            `json:"metric_name,omitempty"`
	Value      *float64          `json:"value,omitempty"`
	Unit       string            `json:"unit,omitempty"`
	Tags       map[string]string `json:"tags,omitempty"`
}

// IsErrorLevel reports whether the signal is a log at ERROR or CRITICAL.
func (s *Signal) IsErrorLevel() bool {
	return s.Kind == KindLog && (s.Payload.Level == LevelError || s.Payload.Level == LevelCritical)
}

// IsDebugLog reports whether the signal is a DEBUG log.
func (s *Signal) IsDebugLog() bool {
	return s.Kind == KindLog && s.Payload.Level == LevelDebug
}

// MetricValue returns the metric value, or 0 when absent.
func (s *Signal) MetricValue() float64 {
	if s.Payload.Value == nil {
		return 0
	}
	return *s.Payload.Value
}

// Serialized returns the full JSON form of the signal, including the envelope
// fields. It is what content-based triggering rules inspect.
func (s *Signal) Serialized() string {
	b, err := json.Marshal(s)
	if err != nil {
		return ""
	}
	return string(b)
}
