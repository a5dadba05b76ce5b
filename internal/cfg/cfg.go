package cfg

import (
	"errors"
	"flag"
	"fmt"
	"strings"
	"time"
)

// Process roles.
const (
	ModeAll    = "all"
	ModeAPI    = "api"
	ModeWorker = "worker"
)

// Config holds the application settings on top of the go-core per-package
// configs. Durations are whole seconds so they map cleanly onto env vars.
type Config struct {
	Mode                  string
	DrainSeconds          int
	ShutdownBudgetSeconds int
	APIPort               int
	DatabaseURL           string
	RedisURL              string
	RedisKeyPrefix        string
	ClaimTTLSeconds       int
	DebounceSeconds       int
	JobTimeoutSeconds     int
	Workers               int
	PollIntervalMillis    int
	ClaudeAPIKey          string
	ClaudeModel           string
	MaxReportTokens       int
	SlackWebhookURL       string
	APIToken              string
}

// RegisterFlags binds Config fields to the given FlagSet with defaults inline
func (c *Config) RegisterFlags(fs *flag.FlagSet) {
	fs.StringVar(&c.Mode, "mode", ModeAll, "process role: all, api or worker")
	fs.IntVar(&c.DrainSeconds, "drain-seconds", 60, "seconds to wait for in-flight requests to drain before shutdown (1..300)")
	fs.IntVar(&c.ShutdownBudgetSeconds, "shutdown-budget-seconds", 90, "total seconds for component shutdown after drain (1..300)")
	fs.IntVar(&c.APIPort, "http-port", 8080, "API listen TCP port (1..65535)")
	fs.StringVar(&c.DatabaseURL, "database-url", "", "PostgreSQL connection URL (empty = in-memory store)")
	fs.StringVar(&c.RedisURL, "redis-url", "", "Redis URL for analysis claims and the job queue (empty = in-process, mode=all only)")
	fs.StringVar(&c.RedisKeyPrefix, "redis-key-prefix", "sentinel:jobs:", "key prefix for the Redis job queue")
	fs.IntVar(&c.ClaimTTLSeconds, "claim-ttl-seconds", 300, "seconds an analysis claim blocks re-triggering a correlation id")
	fs.IntVar(&c.DebounceSeconds, "debounce-seconds", 60, "seconds to wait after the first trigger before analysis runs (< claim TTL)")
	fs.IntVar(&c.JobTimeoutSeconds, "job-timeout-seconds", 300, "hard time limit for one analysis job")
	fs.IntVar(&c.Workers, "workers", 4, "concurrent analysis workers (1..64)")
	fs.IntVar(&c.PollIntervalMillis, "poll-interval-ms", 1000, "job queue poll interval in milliseconds")
	fs.StringVar(&c.ClaudeAPIKey, "claude-api-key", "", "API key for accessing the Claude LLM provider")
	fs.StringVar(&c.ClaudeModel, "claude-model", "claude-sonnet-4-5", "Claude model to use")
	fs.IntVar(&c.MaxReportTokens, "max-report-tokens", 4096, "token limit for one generated report")
	fs.StringVar(&c.SlackWebhookURL, "slack-webhook-url", "", "Slack webhook URL for analysis notifications")
	fs.StringVar(&c.APIToken, "api-token", "", "comma-separated bearer tokens for ingestion (empty = no auth)")
}

// Validate checks all configuration fields for correctness.
// It returns an error if any field is invalid, or nil if all fields are valid.
func (c *Config) Validate() error {
	var errs []error

	switch c.Mode {
	case ModeAll, ModeAPI, ModeWorker:
	default:
		errs = append(errs, fmt.Errorf("invalid MODE %q (must be all, api or worker)", c.Mode))
	}

	// Drain and shutdown budgets
	if c.DrainSeconds <= 0 || c.DrainSeconds > 300 {
		errs = append(errs, fmt.Errorf("invalid DRAIN_SECONDS %d (must be 1..300)", c.DrainSeconds))
	}
	if c.ShutdownBudgetSeconds <= 0 || c.ShutdownBudgetSeconds > 300 {
		errs = append(errs, fmt.Errorf("invalid SHUTDOWN_BUDGET_SECONDS %d (must be 1..300)", c.ShutdownBudgetSeconds))
	}
	if c.ShutdownBudgetSeconds <= c.DrainSeconds {
		errs = append(errs, fmt.Errorf("SHUTDOWN_BUDGET_SECONDS %d must be greater than DRAIN_SECONDS %d", c.ShutdownBudgetSeconds, c.DrainSeconds))
	}

	if c.APIPort <= 0 || c.APIPort > 65535 {
		errs = append(errs, fmt.Errorf("invalid HTTP_PORT %d (must be 1..65535)", c.APIPort))
	}

	if c.ClaimTTLSeconds <= 0 {
		errs = append(errs, fmt.Errorf("invalid CLAIM_TTL_SECONDS %d (must be > 0)", c.ClaimTTLSeconds))
	}
	if c.DebounceSeconds < 0 {
		errs = append(errs, fmt.Errorf("invalid DEBOUNCE_SECONDS %d (must be >= 0)", c.DebounceSeconds))
	}
	// the claim must outlive the delay or a second job can be scheduled
	if c.DebounceSeconds >= c.ClaimTTLSeconds {
		errs = append(errs, fmt.Errorf("DEBOUNCE_SECONDS %d must be less than CLAIM_TTL_SECONDS %d", c.DebounceSeconds, c.ClaimTTLSeconds))
	}

	if c.JobTimeoutSeconds <= 0 || c.JobTimeoutSeconds > 3600 {
		errs = append(errs, fmt.Errorf("invalid JOB_TIMEOUT_SECONDS %d (must be 1..3600)", c.JobTimeoutSeconds))
	}
	if c.Workers <= 0 || c.Workers > 64 {
		errs = append(errs, fmt.Errorf("invalid WORKERS %d (must be 1..64)", c.Workers))
	}
	if c.PollIntervalMillis < 10 {
		errs = append(errs, fmt.Errorf("invalid POLL_INTERVAL_MS %d (must be >= 10)", c.PollIntervalMillis))
	}

	// split roles only meet through Redis
	if c.Mode != ModeAll && c.RedisURL == "" {
		errs = append(errs, fmt.Errorf("REDIS_URL is required when MODE is %q", c.Mode))
	}

	if c.RunsWorker() {
		if c.ClaudeAPIKey == "" {
			errs = append(errs, errors.New("CLAUDE_API_KEY is required"))
		}
		if c.ClaudeModel == "" {
			errs = append(errs, errors.New("CLAUDE_MODEL is required"))
		}
		if c.MaxReportTokens <= 0 {
			errs = append(errs, fmt.Errorf("invalid MAX_REPORT_TOKENS %d (must be > 0)", c.MaxReportTokens))
		}
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// RunsAPI reports whether this process serves HTTP ingestion and queries.
func (c *Config) RunsAPI() bool { return c.Mode == ModeAll || c.Mode == ModeAPI }

// RunsWorker reports whether this process runs analysis jobs.
func (c *Config) RunsWorker() bool { return c.Mode == ModeAll || c.Mode == ModeWorker }

// ClaimTTL is how long an analysis claim blocks re-triggering.
func (c *Config) ClaimTTL() time.Duration { return time.Duration(c.ClaimTTLSeconds) * time.Second }

// DebounceDelay is the wait between the first trigger and the analysis run.
func (c *Config) DebounceDelay() time.Duration { return time.Duration(c.DebounceSeconds) * time.Second }

// JobTimeout is the hard limit for one analysis job.
func (c *Config) JobTimeout() time.Duration { return time.Duration(c.JobTimeoutSeconds) * time.Second }

// PollInterval is how often idle workers poll the job queue.
func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalMillis) * time.Millisecond
}

// APITokens splits APIToken on commas, dropping blanks.
func (c *Config) APITokens() []string {
	var out []string
	for _, t := range strings.Split(c.APIToken, ",") {
		if t = strings.TrimSpace(t); t != "" {
			out = append(out, t)
		}
	}
	return out
}
