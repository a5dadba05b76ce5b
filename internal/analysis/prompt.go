package analysis

import (
	"encoding/json"
	"fmt"
	"strings"
)

// SystemPrompt frames the generator as an SRE doing root-cause analysis.
const SystemPrompt = `You are an expert SRE analyzing distributed system failures.

Your task:
1. Identify the root cause of the incident from the provided signals
2. Determine which service initiated the failure
3. Trace the cascading effects across services
4. Provide a confidence score (0-100)

Be concise and evidence-based. Cite specific log messages or trace spans.`

const reportFormat = `Provide the report in the following structured format:

1. **Root Cause**: (1-2 sentences summarizing the primary cause).
2. **Affected Services**: (Comma-separated list of service names).
3. **Severity**: (Pick ONE: Critical, High, Medium, Low)
   - *Critical*: Full service outage, data loss, or total payment failure.
   - *High*: Partial outage, degraded core functionality (e.g., slow checkout).
   - *Medium*: Minor impact, non-critical errors (e.g., inventory lookup failures).
   - *Low*: Warnings, retries, or minor performance blips.
4. **Confidence Score**: (Number from 0-100)
5. **Timeline**: (Chronological order of events)
6. **Detailed Conclusion**: (A technical summary of the findings and suggested fixes)

Format as clean Markdown. Use headers for each section. Ensure the fields 'Severity' and 'Confidence Score' are clearly labeled for parsing.`

// BuildPrompt renders the user prompt for one evidence bundle.
func BuildPrompt(b *EvidenceBundle) string {
	counts, err := json.MarshalIndent(b.ErrorCounts, "", "  ")
	if err != nil {
		counts = []byte("{}")
	}
	records, err := json.MarshalIndent(b.Signals, "", "  ")
	if err != nil {
		records = []byte("[]")
	}

	var sb strings.Builder
	sb.WriteString("Analyze this incident:\n\n")
	fmt.Fprintf(&sb, "**Trace ID**: %s\n", b.CorrelationID)
	fmt.Fprintf(&sb, "**Total Signals**: %d\n", b.TotalSignals)
	fmt.Fprintf(&sb, "**Signals Shown**: %d\n", b.SummarizedCount)
	fmt.Fprintf(&sb, "**Error Counts**: %s\n\n", counts)
	sb.WriteString("**Signals**:\n```json\n")
	sb.Write(records)
	sb.WriteString("\n```\n\n")
	sb.WriteString(reportFormat)
	return sb.String()
}
