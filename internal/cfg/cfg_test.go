package cfg

import (
	"flag"
	"math"
	"slices"
	"strings"
	"testing"
	"time"
)

// validBase returns a Config with all required fields set to valid values.
func validBase() Config {
	return Config{
		Mode:                  ModeAll,
		DrainSeconds:          60,
		ShutdownBudgetSeconds: 90,
		APIPort:               8080,
		ClaimTTLSeconds:       300,
		DebounceSeconds:       60,
		JobTimeoutSeconds:     300,
		Workers:               4,
		PollIntervalMillis:    1000,
		ClaudeAPIKey:          "sk-test-key",
		ClaudeModel:           "claude-sonnet-4-5",
		MaxReportTokens:       4096,
	}
}

func with(mut func(*Config)) Config {
	c := validBase()
	mut(&c)
	return c
}

func TestRegisterFlags_Defaults(t *testing.T) {
	t.Parallel()

	var c Config
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	c.RegisterFlags(fs)

	if err := fs.Parse(nil); err != nil {
		t.Fatalf("parse empty args: %v", err)
	}

	if c.Mode != ModeAll {
		t.Errorf("Mode = %q, want all", c.Mode)
	}
	if c.DrainSeconds != 60 {
		t.Errorf("DrainSeconds = %d, want 60", c.DrainSeconds)
	}
	if c.ShutdownBudgetSeconds != 90 {
		t.Errorf("ShutdownBudgetSeconds = %d, want 90", c.ShutdownBudgetSeconds)
	}
	if c.APIPort != 8080 {
		t.Errorf("APIPort = %d, want 8080", c.APIPort)
	}
	if c.ClaimTTL() != 300*time.Second {
		t.Errorf("ClaimTTL = %v, want 5m", c.ClaimTTL())
	}
	if c.DebounceDelay() != 60*time.Second {
		t.Errorf("DebounceDelay = %v, want 1m", c.DebounceDelay())
	}
	if c.JobTimeout() != 300*time.Second {
		t.Errorf("JobTimeout = %v, want 5m", c.JobTimeout())
	}
	if c.PollInterval() != time.Second {
		t.Errorf("PollInterval = %v, want 1s", c.PollInterval())
	}
	if c.Workers != 4 {
		t.Errorf("Workers = %d, want 4", c.Workers)
	}
	if c.RedisKeyPrefix != "sentinel:jobs:" {
		t.Errorf("RedisKeyPrefix = %q", c.RedisKeyPrefix)
	}
}

func TestRegisterFlags_Override(t *testing.T) {
	t.Parallel()

	var c Config
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	c.RegisterFlags(fs)

	args := []string{
		"-mode", "worker",
		"-http-port", "9090",
		"-redis-url", "redis://cache:6379/0",
		"-claim-ttl-seconds", "600",
		"-debounce-seconds", "120",
		"-workers", "8",
		"-claude-api-key", "sk-override",
		"-claude-model", "claude-opus-4-1",
		"-api-token", "a, b,,c",
	}
	if err := fs.Parse(args); err != nil {
		t.Fatalf("parse args: %v", err)
	}

	if c.Mode != ModeWorker || c.RunsAPI() || !c.RunsWorker() {
		t.Errorf("Mode = %q, RunsAPI = %v, RunsWorker = %v", c.Mode, c.RunsAPI(), c.RunsWorker())
	}
	if c.APIPort != 9090 {
		t.Errorf("APIPort = %d, want 9090", c.APIPort)
	}
	if c.RedisURL != "redis://cache:6379/0" {
		t.Errorf("RedisURL = %q", c.RedisURL)
	}
	if c.ClaimTTLSeconds != 600 || c.DebounceSeconds != 120 {
		t.Errorf("ClaimTTLSeconds = %d, DebounceSeconds = %d", c.ClaimTTLSeconds, c.DebounceSeconds)
	}
	if c.Workers != 8 {
		t.Errorf("Workers = %d, want 8", c.Workers)
	}
	if c.ClaudeAPIKey != "sk-override" || c.ClaudeModel != "claude-opus-4-1" {
		t.Errorf("Claude = %q / %q", c.ClaudeAPIKey, c.ClaudeModel)
	}
	if got := c.APITokens(); !slices.Equal(got, []string{"a", "b", "c"}) {
		t.Errorf("APITokens = %q", got)
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		cfg       Config
		wantErr   bool
		errSubstr []string // substrings that must appear in error message
	}{
		{
			name:    "defaults are valid",
			cfg:     validBase(),
			wantErr: false,
		},
		{
			name:      "unknown mode",
			cfg:       with(func(c *Config) { c.Mode = "both" }),
			wantErr:   true,
			errSubstr: []string{"MODE"},
		},
		// Drain and budget
		{
			name:      "drain zero",
			cfg:       with(func(c *Config) { c.DrainSeconds = 0 }),
			wantErr:   true,
			errSubstr: []string{"DRAIN_SECONDS"},
		},
		{
			name:      "drain above max",
			cfg:       with(func(c *Config) { c.DrainSeconds = 301; c.ShutdownBudgetSeconds = 302 }),
			wantErr:   true,
			errSubstr: []string{"DRAIN_SECONDS"},
		},
		{
			name:      "budget above max",
			cfg:       with(func(c *Config) { c.ShutdownBudgetSeconds = 301 }),
			wantErr:   true,
			errSubstr: []string{"SHUTDOWN_BUDGET_SECONDS"},
		},
		{
			name:      "budget equals drain",
			cfg:       with(func(c *Config) { c.ShutdownBudgetSeconds = 60 }),
			wantErr:   true,
			errSubstr: []string{"must be greater than"},
		},
		{
			name:    "budget is drain plus one",
			cfg:     with(func(c *Config) { c.ShutdownBudgetSeconds = 61 }),
			wantErr: false,
		},
		// Port
		{
			name:      "port zero",
			cfg:       with(func(c *Config) { c.APIPort = 0 }),
			wantErr:   true,
			errSubstr: []string{"HTTP_PORT"},
		},
		{
			name:      "port above max",
			cfg:       with(func(c *Config) { c.APIPort = 65536 }),
			wantErr:   true,
			errSubstr: []string{"HTTP_PORT"},
		},
		// Debounce vs claim TTL
		{
			name:      "debounce equals claim ttl",
			cfg:       with(func(c *Config) { c.DebounceSeconds = 300 }),
			wantErr:   true,
			errSubstr: []string{"must be less than CLAIM_TTL_SECONDS"},
		},
		{
			name:      "debounce exceeds claim ttl",
			cfg:       with(func(c *Config) { c.DebounceSeconds = 600 }),
			wantErr:   true,
			errSubstr: []string{"DEBOUNCE_SECONDS"},
		},
		{
			name:    "zero debounce allowed",
			cfg:     with(func(c *Config) { c.DebounceSeconds = 0 }),
			wantErr: false,
		},
		{
			name:      "claim ttl zero",
			cfg:       with(func(c *Config) { c.ClaimTTLSeconds = 0; c.DebounceSeconds = 0 }),
			wantErr:   true,
			errSubstr: []string{"CLAIM_TTL_SECONDS"},
		},
		// Worker pool
		{
			name:      "job timeout zero",
			cfg:       with(func(c *Config) { c.JobTimeoutSeconds = 0 }),
			wantErr:   true,
			errSubstr: []string{"JOB_TIMEOUT_SECONDS"},
		},
		{
			name:      "too many workers",
			cfg:       with(func(c *Config) { c.Workers = 65 }),
			wantErr:   true,
			errSubstr: []string{"WORKERS"},
		},
		{
			name:      "poll interval too small",
			cfg:       with(func(c *Config) { c.PollIntervalMillis = 1 }),
			wantErr:   true,
			errSubstr: []string{"POLL_INTERVAL_MS"},
		},
		// Roles
		{
			name:      "split api without redis",
			cfg:       with(func(c *Config) { c.Mode = ModeAPI }),
			wantErr:   true,
			errSubstr: []string{"REDIS_URL"},
		},
		{
			name: "api role needs no claude key",
			cfg: with(func(c *Config) {
				c.Mode = ModeAPI
				c.RedisURL = "redis://localhost:6379"
				c.ClaudeAPIKey = ""
			}),
			wantErr: false,
		},
		{
			name:      "worker role needs claude key",
			cfg:       with(func(c *Config) { c.Mode = ModeWorker; c.RedisURL = "redis://r"; c.ClaudeAPIKey = "" }),
			wantErr:   true,
			errSubstr: []string{"CLAUDE_API_KEY"},
		},
		{
			name:      "empty claude model",
			cfg:       with(func(c *Config) { c.ClaudeModel = "" }),
			wantErr:   true,
			errSubstr: []string{"CLAUDE_MODEL"},
		},
		{
			name:      "report tokens zero",
			cfg:       with(func(c *Config) { c.MaxReportTokens = 0 }),
			wantErr:   true,
			errSubstr: []string{"MAX_REPORT_TOKENS"},
		},
		// Error accumulation
		{
			name:      "all fields invalid",
			cfg:       Config{},
			wantErr:   true,
			errSubstr: []string{"MODE", "DRAIN_SECONDS", "SHUTDOWN_BUDGET_SECONDS", "HTTP_PORT", "CLAIM_TTL_SECONDS", "JOB_TIMEOUT_SECONDS", "WORKERS", "REDIS_URL"},
		},
		{
			name: "extreme negative values",
			cfg: with(func(c *Config) {
				c.DrainSeconds, c.ShutdownBudgetSeconds, c.APIPort = math.MinInt32, math.MinInt32, math.MinInt32
			}),
			wantErr:   true,
			errSubstr: []string{"DRAIN_SECONDS", "SHUTDOWN_BUDGET_SECONDS", "HTTP_PORT"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			err := tt.cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Fatalf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil {
				errMsg := err.Error()
				for _, sub := range tt.errSubstr {
					if !strings.Contains(errMsg, sub) {
						t.Errorf("error %q does not contain %q", errMsg, sub)
					}
				}
			}
		})
	}
}

func TestAPITokens_Empty(t *testing.T) {
	t.Parallel()

	c := validBase()
	if got := c.APITokens(); len(got) != 0 {
		t.Errorf("APITokens = %q, want none", got)
	}
}

func FuzzValidate(f *testing.F) {
	seeds := []struct {
		drain, budget, port, ttl, debounce int
	}{
		{60, 90, 8080, 300, 60},
		{1, 2, 1, 1, 0},
		{299, 300, 65535, 600, 599},
		{0, 0, 0, 0, 0},
		{-1, -1, -1, -1, -1},
		{300, 300, 65535, 300, 300},
		{150, 100, 8080, 60, 120},
		{math.MinInt32, math.MinInt32, math.MinInt32, math.MinInt32, math.MinInt32},
		{math.MaxInt32, math.MaxInt32, math.MaxInt32, math.MaxInt32, math.MaxInt32},
	}
	for _, s := range seeds {
		f.Add(s.drain, s.budget, s.port, s.ttl, s.debounce)
	}

	f.Fuzz(func(t *testing.T, drain, budget, port, ttl, debounce int) {
		c := validBase()
		c.DrainSeconds = drain
		c.ShutdownBudgetSeconds = budget
		c.APIPort = port
		c.ClaimTTLSeconds = ttl
		c.DebounceSeconds = debounce
		err := c.Validate()

		drainOK := drain >= 1 && drain <= 300
		budgetOK := budget >= 1 && budget <= 300
		portOK := port >= 1 && port <= 65535
		crossOK := budget > drain
		ttlOK := ttl > 0
		debounceOK := debounce >= 0 && debounce < ttl

		allValid := drainOK && budgetOK && portOK && crossOK && ttlOK && debounceOK

		if allValid && err != nil {
			t.Errorf("expected no error for valid config %+v, got: %v", c, err)
		}
		if !allValid && err == nil {
			t.Errorf("expected error for invalid config %+v, got nil", c)
		}
	})
}
