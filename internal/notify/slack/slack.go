// Package slack posts completed incident analyses to Slack via incoming
// webhooks.
package slack

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/sentinel/internal/analysis"
	"github.com/linnemanlabs/sentinel/internal/incident"
)

const (
	maxReportLen = 3000
	maxServices  = 10
	httpTimeout  = 10 * time.Second
)

// Notifier sends analysis notifications to a Slack webhook.
type Notifier struct {
	webhookURL string
	client     *http.Client
	logger     log.Logger
}

// New creates a new Slack notifier. If webhookURL is empty, Send is a no-op.
func New(webhookURL string, logger log.Logger) *Notifier {
	if logger == nil {
		logger = log.Nop()
	}
	return &Notifier{
		webhookURL: webhookURL,
		client:     &http.Client{Timeout: httpTimeout},
		logger:     logger,
	}
}

// Send posts a notification to the configured Slack webhook.
// If no webhook URL is configured, it returns nil immediately.
func (n *Notifier) Send(ctx context.Context, note *analysis.Notification) error {
	if n.webhookURL == "" {
		return nil
	}

	body, err := json.Marshal(buildMessage(note))
	if err != nil {
		return fmt.Errorf("slack: marshal message: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.webhookURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("slack: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req) //nolint:gosec // G704: webhookURL is from trusted config, not user input
	if err != nil {
		return fmt.Errorf("slack: post webhook: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("slack: webhook returned %d: %s", resp.StatusCode, string(respBody))
	}

	n.logger.Info(ctx, "slack notification sent", "incident_id", note.IncidentID)
	return nil
}

func buildMessage(n *analysis.Notification) map[string]any {
	return map[string]any{
		"blocks": []map[string]any{
			headerBlock(n),
			{"type": "divider"},
			fieldsBlock(n),
			{"type": "divider"},
			reportBlock(n),
			{"type": "divider"},
			contextBlock(n),
		},
	}
}

func headerBlock(n *analysis.Notification) map[string]any {
	text := fmt.Sprintf("%s Incident Analysis: %s", severityEmoji(n.Severity), n.CorrelationID)
	return map[string]any{
		"type": "header",
		"text": map[string]any{
			"type": "plain_text",
			"text": truncate(text, 150),
		},
	}
}

func fieldsBlock(n *analysis.Notification) map[string]any {
	fields := []map[string]any{
		{
			"type": "mrkdwn",
			"text": fmt.Sprintf("*Severity:* %s", strings.ToUpper(string(n.Severity))),
		},
		{
			"type": "mrkdwn",
			"text": fmt.Sprintf("*Confidence:* %.0f%%", n.Confidence),
		},
		{
			"type": "mrkdwn",
			"text": fmt.Sprintf("*Services:* %s", services(n.AffectedServices)),
		},
		{
			"type": "mrkdwn",
			"text": fmt.Sprintf("*Signals:* %d", n.TotalSignals),
		},
		{
			"type": "mrkdwn",
			"text": fmt.Sprintf("*Errors:* %s", errorSummary(n.ErrorCounts)),
		},
		{
			"type": "mrkdwn",
			"text": fmt.Sprintf("*Model:* %s (%d/%d tokens)", shortModel(n.Model), n.InputTokens, n.OutputTokens),
		},
	}

	return map[string]any{
		"type":   "section",
		"fields": fields,
	}
}

func reportBlock(n *analysis.Notification) map[string]any {
	text := truncate(n.Report, maxReportLen)
	if text == "" {
		text = "_No report available._"
	}

	return map[string]any{
		"type": "section",
		"text": map[string]any{
			"type": "mrkdwn",
			"text": fmt.Sprintf("*Analysis*\n\n%s", text),
		},
	}
}

func contextBlock(n *analysis.Notification) map[string]any {
	ts := n.GeneratedAt
	if ts.IsZero() {
		ts = time.Now()
	}

	elements := []map[string]any{
		{
			"type": "mrkdwn",
			"text": fmt.Sprintf("sentinel • incident %s • %.1fs • %s", n.IncidentID, n.Duration.Seconds(), ts.UTC().Format("2006-01-02 15:04 UTC")),
		},
	}

	return map[string]any{
		"type":     "context",
		"elements": elements,
	}
}

func severityEmoji(sev incident.Severity) string {
	switch sev {
	case incident.SeverityCritical:
		return "\U0001f534" // red circle
	case incident.SeverityHigh:
		return "\U0001f7e0" // orange circle
	case incident.SeverityMedium:
		return "\U0001f7e1" // yellow circle
	default:
		return "\U0001f7e2" // green circle
	}
}

func services(names []string) string {
	if len(names) == 0 {
		return "-"
	}
	if len(names) > maxServices {
		return strings.Join(names[:maxServices], ", ") + fmt.Sprintf(" (+%d)", len(names)-maxServices)
	}
	return strings.Join(names, ", ")
}

func errorSummary(counts map[string]int) string {
	if len(counts) == 0 {
		return "none"
	}
	keys := make([]string, 0, len(counts))
	for k := range counts {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if counts[keys[i]] != counts[keys[j]] {
			return counts[keys[i]] > counts[keys[j]]
		}
		return keys[i] < keys[j]
	})
	if len(keys) > 3 {
		keys = keys[:3]
	}
	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = fmt.Sprintf("%s ×%d", k, counts[k])
	}
	return strings.Join(parts, ", ")
}

// dateModelRe matches model names ending with a YYYYMMDD date suffix.
var dateModelRe = regexp.MustCompile(`-\d{8}$`)

func shortModel(model string) string {
	if model == "" {
		return "unknown"
	}
	return dateModelRe.ReplaceAllString(model, "")
}

// truncate cuts s to at most limit bytes without splitting a rune.
func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	cut := limit - 3
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "..."
}
