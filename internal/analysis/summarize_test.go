package analysis

import (
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/linnemanlabs/sentinel/internal/signals"
)

var base = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func logSig(svc, level, msg string, i int) *signals.Signal {
	return &signals.Signal{
		ID:            fmt.Sprintf("sig-%s-%d", svc, i),
		Kind:          signals.KindLog,
		CorrelationID: "trace-1",
		ServiceName:   svc,
		Timestamp:     base.Add(time.Duration(i) * time.Second),
		Payload:       signals.Payload{Level: level, Message: msg},
	}
}

func TestSummarize_DropsDebugAndTalliesErrors(t *testing.T) {
	t.Parallel()

	var sigs []*signals.Signal
	for i := range 100 {
		sigs = append(sigs, logSig("service-a", "DEBUG", "noise", i))
	}
	for i := range 5 {
		sigs = append(sigs, logSig("service-b", "ERROR", "db timeout", 100+i))
	}

	b := Summarize("trace-1", sigs)

	if b.TotalSignals != 105 {
		t.Errorf("TotalSignals = %d, want 105", b.TotalSignals)
	}
	if b.SummarizedCount != 5 {
		t.Errorf("SummarizedCount = %d, want 5", b.SummarizedCount)
	}
	if len(b.ErrorCounts) != 1 || b.ErrorCounts["service-b:ERROR"] != 5 {
		t.Errorf("ErrorCounts = %v, want {service-b:ERROR: 5}", b.ErrorCounts)
	}
	for _, r := range b.Signals {
		if r.Level == "DEBUG" {
			t.Fatal("DEBUG record survived summarization")
		}
	}
}

func TestSummarize_AllDebug(t *testing.T) {
	t.Parallel()

	sigs := []*signals.Signal{logSig("a", "DEBUG", "x", 0), logSig("a", "DEBUG", "y", 1)}
	b := Summarize("trace-1", sigs)

	if b.NoEvidence {
		t.Error("NoEvidence should only be set for empty input")
	}
	if b.SummarizedCount != 0 || len(b.Signals) != 0 {
		t.Errorf("SummarizedCount = %d, len = %d, want 0", b.SummarizedCount, len(b.Signals))
	}
	if b.TotalSignals != 2 {
		t.Errorf("TotalSignals = %d, want 2", b.TotalSignals)
	}
}

func TestSummarize_Empty(t *testing.T) {
	t.Parallel()

	b := Summarize("trace-1", nil)
	if !b.NoEvidence {
		t.Error("expected NoEvidence for empty input")
	}
	if b.Summary != noSignalsText {
		t.Errorf("Summary = %q", b.Summary)
	}
	if b.Signals == nil || b.ErrorCounts == nil {
		t.Error("empty bundle should carry non-nil collections")
	}
}

func TestSummarize_CapsAndPrioritizes(t *testing.T) {
	t.Parallel()

	var sigs []*signals.Signal
	// interleave so ordering within each class is observable
	for i := range 60 {
		sigs = append(sigs, logSig("svc", "ERROR", fmt.Sprintf("err-%d", i), i*2))
		if i < 20 {
			sigs = append(sigs, logSig("svc", "INFO", fmt.Sprintf("info-%d", i), i*2+1))
		}
	}

	b := Summarize("trace-1", sigs)

	if b.SummarizedCount != maxEvidence {
		t.Fatalf("SummarizedCount = %d, want %d", b.SummarizedCount, maxEvidence)
	}
	for i := range maxErrorEvidence {
		if want := fmt.Sprintf("err-%d", i); b.Signals[i].Message != want {
			t.Fatalf("Signals[%d] = %q, want %q", i, b.Signals[i].Message, want)
		}
	}
	for i := range maxOtherEvidence {
		r := b.Signals[maxErrorEvidence+i]
		if want := fmt.Sprintf("info-%d", i); r.Message != want {
			t.Fatalf("Signals[%d] = %q, want %q", maxErrorEvidence+i, r.Message, want)
		}
	}
	// tally counts every error, not just the kept ones
	if b.ErrorCounts["svc:ERROR"] != 60 {
		t.Errorf("ErrorCounts = %v, want 60", b.ErrorCounts)
	}
}

func TestSummarize_NoCapAtFifty(t *testing.T) {
	t.Parallel()

	var sigs []*signals.Signal
	for i := range 50 {
		sigs = append(sigs, logSig("svc", "INFO", "ok", i))
	}
	if b := Summarize("trace-1", sigs); b.SummarizedCount != 50 {
		t.Errorf("SummarizedCount = %d, want 50", b.SummarizedCount)
	}
}

func TestSummarize_CriticalCountsAsError(t *testing.T) {
	t.Parallel()

	b := Summarize("trace-1", []*signals.Signal{logSig("payment", "CRITICAL", "down", 0)})
	if b.ErrorCounts["payment:CRITICAL"] != 1 {
		t.Errorf("ErrorCounts = %v", b.ErrorCounts)
	}
}

func TestTruncateStack(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		in   string
		want string
	}{
		{"long", "l1\nl2\nl3\nl4\nl5", "l1\nl2\nl3\n..."},
		{"exactly three", "l1\nl2\nl3", "l1\nl2\nl3\n..."},
		{"single line", "panic: boom", "panic: boom\n..."},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := truncateStack(tt.in); got != tt.want {
				t.Errorf("truncateStack() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestProject_KindFields(t *testing.T) {
	t.Parallel()

	dur := 2500.0
	val := 97.5

	span := project(&signals.Signal{
		Kind:        signals.KindTrace,
		ServiceName: "gateway",
		Timestamp:   base,
		Payload:     signals.Payload{SpanID: "s1", DurationMS: &dur, Status: "error", Operation: "GET /"},
	})
	if span.SpanID != "s1" || *span.DurationMS != dur || span.Status != "error" || span.Message != "" {
		t.Errorf("trace projection = %+v", span)
	}

	metric := project(&signals.Signal{
		Kind:        signals.KindMetric,
		ServiceName: "db",
		Timestamp:   base,
		Payload:     signals.Payload{MetricName: "cpu", Value: &val},
	})
	if metric.MetricName != "cpu" || *metric.Value != val || metric.Level != "" {
		t.Errorf("metric projection = %+v", metric)
	}

	withStack := project(&signals.Signal{
		Kind:      signals.KindLog,
		Timestamp: base,
		Payload:   signals.Payload{Level: "ERROR", Message: "boom", StackTrace: "a\nb\nc\nd"},
	})
	if !strings.HasSuffix(withStack.StackTrace, "\n...") {
		t.Errorf("StackTrace = %q", withStack.StackTrace)
	}
}

func TestBuildPrompt(t *testing.T) {
	t.Parallel()

	b := Summarize("trace-xyz", []*signals.Signal{logSig("payment", "ERROR", "card declined upstream", 0)})
	p := BuildPrompt(b)

	for _, want := range []string{
		"**Trace ID**: trace-xyz",
		"**Total Signals**: 1",
		"**Signals Shown**: 1",
		`"payment:ERROR": 1`,
		"card declined upstream",
		"**Severity**",
		"**Confidence Score**",
	} {
		if !strings.Contains(p, want) {
			t.Errorf("prompt missing %q", want)
		}
	}
}
