// Sentinel correlates incoming logs, traces and metrics into incidents and
// dispatches debounced AI analysis for the ones that look like failures.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	otelpyroscope "github.com/grafana/otel-profiling-go"
	"github.com/linnemanlabs/go-core/cfg"
	"github.com/linnemanlabs/go-core/opshttp"
	"github.com/linnemanlabs/go-core/prof"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"

	"github.com/linnemanlabs/go-core/health"

	"github.com/linnemanlabs/go-core/httpmw"
	"github.com/linnemanlabs/go-core/httpserver"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/go-core/metrics"
	"github.com/linnemanlabs/go-core/otelx"
	v "github.com/linnemanlabs/go-core/version"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/linnemanlabs/sentinel/internal/analysis"
	"github.com/linnemanlabs/sentinel/internal/api"
	"github.com/linnemanlabs/sentinel/internal/authmw"
	vc "github.com/linnemanlabs/sentinel/internal/cfg"
	"github.com/linnemanlabs/sentinel/internal/dedup"
	"github.com/linnemanlabs/sentinel/internal/incident"
	"github.com/linnemanlabs/sentinel/internal/incident/memstore"
	"github.com/linnemanlabs/sentinel/internal/incident/pgstore"
	"github.com/linnemanlabs/sentinel/internal/jobqueue"
	"github.com/linnemanlabs/sentinel/internal/llm/claude"
	"github.com/linnemanlabs/sentinel/internal/notify/slack"
	"github.com/linnemanlabs/sentinel/internal/postgres"
)

const appName = "sentinel"
const component = "server"

// maxIngestBody bounds one signal envelope. Stack traces make log signals
// much larger than the query side ever needs.
const maxIngestBody = 1 << 20

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "fatal error:", err)
		os.Exit(1)
	}
}

func run() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	v.AppName = appName
	v.Component = component

	vi := v.Get()

	// each package registers its own flags and options struct
	var (
		appCfg    vc.Config
		httpCfg   httpserver.Config
		httpmwCfg httpmw.Config
		logCfg    log.Config
		opsCfg    opshttp.Config
		profCfg   prof.Config
		traceCfg  otelx.Config
	)

	appCfg.RegisterFlags(flag.CommandLine)
	httpCfg.RegisterFlags(flag.CommandLine)
	httpmwCfg.RegisterFlags(flag.CommandLine)
	logCfg.RegisterFlags(flag.CommandLine)
	opsCfg.RegisterFlags(flag.CommandLine)
	profCfg.RegisterFlags(flag.CommandLine)
	traceCfg.RegisterFlags(flag.CommandLine)
	var showVersion bool
	flag.BoolVar(&showVersion, "V", false, "Print version+build information and exit")

	// cmdline first, env vars only fill what flags left unset
	flag.Parse()
	if showVersion {
		fmt.Printf(
			"%s (%s) %s (commit=%s, commit_date=%s, build_id=%s, build_date=%s, go=%s, dirty=%v)\n",
			vi.AppName, vi.Component, vi.Version, vi.Commit, vi.CommitDate, vi.BuildId, vi.BuildDate, vi.GoVersion,
			vi.VCSDirty != nil && *vi.VCSDirty,
		)
		return nil
	}

	cfg.FillFromEnv(flag.CommandLine, "SENTINEL_", func(format string, args ...any) {
		fmt.Fprintf(os.Stderr, format+"\n", args...)
	})

	if err := errors.Join(
		appCfg.Validate(),
		httpCfg.Validate(),
		httpmwCfg.Validate(),
		logCfg.Validate(),
		opsCfg.Validate(),
		profCfg.Validate(),
		traceCfg.Validate(),
	); err != nil {
		return fmt.Errorf("configuration validation failed: %w", err)
	}

	if appCfg.RunsAPI() && appCfg.APIPort == opsCfg.Port {
		return fmt.Errorf("http and admin ports must differ (both %d)", appCfg.APIPort)
	}

	lg, err := log.New(logCfg.ToOptions(v.AppName))
	if err != nil {
		return fmt.Errorf("logger init: %w", err)
	}
	defer func() { _ = lg.Sync() }()

	L := lg.With("component", vi.Component, "mode", appCfg.Mode)
	ctx = log.WithContext(ctx, L)

	L.Info(ctx, "initializing application",
		"version", vi.Version,
		"commit", vi.Commit,
		"build_id", vi.BuildId,
		"go_version", vi.GoVersion,
		"vcs_dirty", vi.VCSDirty,
		"http_port", appCfg.APIPort,
		"admin_port", opsCfg.Port,
		"postgres", appCfg.DatabaseURL != "",
		"redis", appCfg.RedisURL != "",
		"claim_ttl", appCfg.ClaimTTL().String(),
		"debounce", appCfg.DebounceDelay().String(),
		"workers", appCfg.Workers,
		"job_timeout", appCfg.JobTimeout().String(),
		"enable_pyroscope", profCfg.EnablePyroscope,
		"enable_tracing", traceCfg.EnableTracing,
		"trace_sample", traceCfg.TraceSample,
		"otlp_endpoint", traceCfg.OTLPEndpoint,
		"trusted_proxy_hops", httpmwCfg.TrustedProxyHops,
		"ingest_auth", len(appCfg.APITokens()) > 0,
	)

	// profiling starts before anything else so the whole lifetime is sampled
	profOpts := profCfg.ToOptions()
	profOpts.AppName = v.AppName
	profOpts.Tags = map[string]string{
		"app":       v.AppName,
		"component": v.Component,
		"mode":      appCfg.Mode,
		"version":   vi.Version,
		"commit":    vi.Commit,
		"build_id":  vi.BuildId,
	}
	stopProf, profErr := prof.Start(ctx, profOpts)
	if profErr != nil {
		L.Error(ctx, profErr, "pyroscope start failed", "pyro_server", profCfg.PyroServer)
	}
	if stopProf != nil {
		defer stopProf()
	}
	profiling := profErr == nil && profCfg.EnablePyroscope

	traceOpts := traceCfg.ToOptions()
	traceOpts.Service = v.AppName
	traceOpts.Component = v.Component
	traceOpts.Version = v.Version

	shutdownOtelx, err := otelx.Init(ctx, traceOpts)
	if err != nil {
		L.Error(ctx, err, "otel init failed")
	}
	if shutdownOtelx != nil {
		defer func() { _ = shutdownOtelx(context.Background()) }()
	}

	// tag spans with pyroscope profile ids so traces link to flame graphs
	if profiling && traceCfg.EnableTracing {
		otel.SetTracerProvider(otelpyroscope.NewTracerProvider(otel.GetTracerProvider()))
	}

	var m = metrics.New()
	m.SetBuildInfoFromVersion(v.AppName, component, &vi)
	m.SetProfilingActive(profiling)

	dbQueryDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "sentinel_db_query_duration_seconds",
		Help:    "Duration of individual database queries.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "route", "outcome"})
	m.Registry().MustRegister(dbQueryDuration)

	postgres.SetQueryObserver(postgres.QueryObserverFunc(
		func(_ context.Context, method, route, outcome string, dur time.Duration) {
			dbQueryDuration.WithLabelValues(method, route, outcome).Observe(dur.Seconds())
		},
	))

	var store incident.Store
	if appCfg.DatabaseURL != "" {
		pool, err := postgres.NewPool(ctx, appCfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("postgres pool: %w", err)
		}
		defer pool.Close()
		pgStore, err := pgstore.New(ctx, pool)
		if err != nil {
			return fmt.Errorf("pgstore init: %w", err)
		}
		store = pgStore
		L.Info(ctx, "using postgres store")
	} else {
		store = memstore.New()
		L.Info(ctx, "using in-memory store (no database-url configured)")
	}

	// claims and the job queue live in redis when configured, in process otherwise
	var (
		claimBackend dedup.Backend
		queue        jobqueue.Queue
		closeRedis   = func(context.Context) error { return nil }
	)
	if appCfg.RedisURL != "" {
		rdb, err := newRedisClient(ctx, appCfg.RedisURL)
		if err != nil {
			return err
		}
		closeRedis = func(context.Context) error { return rdb.Close() }
		claimBackend = dedup.NewRedisBackend(rdb)
		queue = jobqueue.NewRedisQueue(rdb, appCfg.RedisKeyPrefix)
		L.Info(ctx, "using redis for claims and jobs", "key_prefix", appCfg.RedisKeyPrefix)
	} else {
		claimBackend = dedup.NewMemoryBackend(0, appCfg.ClaimTTL())
		queue = jobqueue.NewMemoryQueue()
		L.Info(ctx, "using in-process claims and jobs (no redis-url configured)")
	}

	jobMetrics := jobqueue.NewMetrics(m.Registry())
	dispatcher := jobqueue.NewDispatcher(queue, appCfg.DebounceDelay(), jobMetrics)
	claims := dedup.New(claimBackend, appCfg.ClaimTTL())

	incidentSvc := incident.NewService(store, claims, dispatcher, L, incident.NewMetrics(m.Registry()))

	stopPool := func(context.Context) error { return nil }
	if appCfg.RunsWorker() {
		gen := claude.New(appCfg.ClaudeAPIKey, appCfg.ClaudeModel)
		L.Info(ctx, "initialized LLM provider", "provider", "claude", "model", gen.Model())

		// an empty webhook url makes Send a no-op
		notifier := slack.New(appCfg.SlackWebhookURL, L)
		if appCfg.SlackWebhookURL != "" {
			L.Info(ctx, "notifier enabled", "type", "slack")
		}

		worker := analysis.NewWorker(store, gen, notifier, L, analysis.NewMetrics(m.Registry()),
			analysis.WithMaxTokens(appCfg.MaxReportTokens))

		pool := jobqueue.NewPool(queue,
			jobqueue.HandlerFunc(func(ctx context.Context, job *jobqueue.Job) error {
				ctx, stats := postgres.WithQueryStats(postgres.WithJob(ctx, "analysis"))
				err := worker.HandleJob(ctx, job)
				queries, failed, total := stats.Snapshot()
				L.Info(ctx, "analysis job db usage",
					"job_id", job.ID,
					"db_queries", queries,
					"db_errors", failed,
					"db_seconds", total.Seconds(),
				)
				return err
			}),
			jobqueue.PoolConfig{
				Workers:      appCfg.Workers,
				PollInterval: appCfg.PollInterval(),
				JobTimeout:   appCfg.JobTimeout(),
			},
			L, jobMetrics,
		)
		stopPool = startPool(context.WithoutCancel(ctx), pool, L)
	}

	// fails readiness during shutdown so the load balancer drains us first
	var shutdownGate health.ShutdownGate

	readiness := health.All(
		shutdownGate.Probe(),
	)
	liveness := health.Fixed(true, "")

	opsOpts := opsCfg.ToOptions()
	opsOpts.Metrics = m.Handler()
	opsOpts.Health = liveness
	opsOpts.Readiness = readiness
	opsOpts.UseRecoverMW = true
	opsOpts.OnPanic = m.IncHttpPanic

	// ops listener is internal only: metrics, health, pprof
	opsHTTPStop, err := opshttp.Start(ctx, L, opsOpts)
	if err != nil {
		L.Error(ctx, err, "failed to start ops http listener")
		return err
	}
	defer func() {
		err := opsHTTPStop(context.Background())
		if err != nil {
			L.Error(ctx, err, "failed to stop ops http listener")
		}
	}()

	apiHTTPStop := func(context.Context) error { return nil }
	if appCfg.RunsAPI() {
		r := chi.NewRouter()

		r.Use(middleware.Compress(5, "application/json"))

		// rename logger fields and the server span to the chi route pattern
		r.Use(httpmw.AnnotateHTTPRoute)

		// http method label for db query metrics
		r.Use(func(next http.Handler) http.Handler {
			return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
				next.ServeHTTP(w, req.WithContext(postgres.WithHTTPMethod(req.Context(), req.Method)))
			})
		})

		r.Use(httpmw.AccessLog())

		// 413 past the limit
		r.Use(httpmw.MaxBody(maxIngestBody))

		r.Get("/-/healthy", health.HealthzHandler(liveness))
		r.Get("/-/ready", storeReady(incidentSvc, health.ReadyzHandler(readiness)))

		api.New(L, incidentSvc).RegisterRoutes(r, authmw.BearerToken(appCfg.APITokens()...))

		// outermost wrapper sees the raw request first and the response last
		var h http.Handler = r

		// inner so it sees trace_id and the chi route
		h = httpmw.WithLogger(L)(h)

		h = httpmw.TraceResponseHeaders("X-Trace-Id", "X-Span-Id")(h)

		h = otelhttp.NewHandler(h, "http.server",
			otelhttp.WithFilter(func(r *http.Request) bool {
				return r.URL.Path != "/-/healthy" && r.URL.Path != "/-/ready"
			}),
			// AnnotateHTTPRoute renames the span to the route pattern later
			otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
				return r.Method + " " + r.URL.Path
			}),
			otelhttp.WithPublicEndpointFn(func(_ *http.Request) bool { return true }),
		)

		h = m.Middleware(h)

		h = httpmw.ClientIPWithOptions(httpmw.ClientIPOptions{
			TrustedHops: httpmwCfg.TrustedProxyHops,
		})(h)

		h = httpmw.RequestID("X-Request-Id")(h)

		h = httpmw.Recover(L, nil)(h)

		// outermost so every response carries them
		h = httpmw.SecurityHeaders(h)

		apiOpts, err := httpCfg.ToOptions()
		if err != nil {
			L.Error(ctx, err, "invalid http config")
			return err
		}

		apiHTTPStop, err = httpserver.Start(ctx, fmt.Sprintf(":%d", appCfg.APIPort), h, L, apiOpts)
		if err != nil {
			L.Error(ctx, err, "failed to start api http listener")
			return err
		}
		defer func() {
			err := apiHTTPStop(context.Background())
			if err != nil {
				L.Error(ctx, err, "failed to stop api http listener")
			}
		}()
	}

	if err := notifySystemd(); err != nil {
		// systemd kills us after its own timeout if this really mattered
		L.Warn(ctx, "failed to notify systemd of readiness", "error", err)
	}

	<-ctx.Done()

	L.Info(context.Background(), "shutdown signal received")

	shutdownGate.Set("draining")
	L.Info(context.Background(), "shutdown gate closed")

	drainDuration := time.Duration(appCfg.DrainSeconds) * time.Second
	L.Info(context.Background(), "sleeping for drain period", "drain_seconds", appCfg.DrainSeconds)
	forceCh := make(chan os.Signal, 1)
	signal.Notify(forceCh, os.Interrupt, syscall.SIGTERM)
	select {
	case <-time.After(drainDuration):
		L.Info(context.Background(), "drain period complete")
	case <-forceCh:
		L.Warn(context.Background(), "second signal received, skipping drain")
	}
	signal.Stop(forceCh)

	// per-component budget sliced from the total; order matters, the
	// trigger tasks and pool still need redis when they stop
	type stopFn struct {
		name string
		fn   func(context.Context) error
	}
	stopFns := []stopFn{
		{"api http server", apiHTTPStop},
		{"analysis triggers", waitFunc(incidentSvc.Close)},
		{"worker pool", stopPool},
		{"redis", closeRedis},
		{"ops http server", opsHTTPStop},
	}
	if shutdownOtelx != nil {
		stopFns = append(stopFns, stopFn{"otel", shutdownOtelx})
	}

	budget := time.Duration(appCfg.ShutdownBudgetSeconds) * time.Second
	perComponent := budget / time.Duration(len(stopFns))
	shutdownCtx, cancel := context.WithTimeout(context.Background(), budget)
	defer cancel()

	for _, s := range stopFns {
		cctx, ccancel := context.WithTimeout(shutdownCtx, perComponent)
		if err := s.fn(cctx); err != nil {
			L.Error(context.Background(), err, s.name+" shutdown")
		}
		ccancel()
	}

	if stopProf != nil {
		stopProf()
	}

	L.Info(context.Background(), "shutdown complete")
	return nil
}

// newRedisClient parses url and checks the server answers before any
// component depends on it.
func newRedisClient(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("redis url: %w", err)
	}
	rdb := redis.NewClient(opts)

	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return rdb, nil
}

// startPool runs pool in the background and returns a stop function that
// cancels it and waits, bounded by the caller's context, for running jobs.
func startPool(ctx context.Context, pool *jobqueue.Pool, logger log.Logger) func(context.Context) error {
	pctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := pool.Run(pctx); err != nil {
			logger.Error(pctx, err, "worker pool stopped")
		}
	}()

	return func(sctx context.Context) error {
		cancel()
		select {
		case <-done:
			return nil
		case <-sctx.Done():
			return fmt.Errorf("worker pool: %w", sctx.Err())
		}
	}
}

// waitFunc adapts a blocking wait into a stop function that gives up when
// ctx expires. The wait goroutine is left to finish on its own.
func waitFunc(wait func()) func(context.Context) error {
	return func(ctx context.Context) error {
		done := make(chan struct{})
		go func() {
			defer close(done)
			wait()
		}()
		select {
		case <-done:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

type pinger interface {
	Ping(ctx context.Context) error
}

// storeReady answers 503 while the store is unreachable and otherwise defers
// to next, which carries the shutdown gate.
func storeReady(p pinger, next http.Handler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := p.Ping(ctx); err != nil {
			log.FromContext(r.Context()).Warn(r.Context(), "readiness store ping failed", "error", err)
			w.Header().Set("Content-Type", "text/plain; charset=utf-8")
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte("store unavailable\n"))
			return
		}
		next.ServeHTTP(w, r)
	}
}

func notifySystemd() error {
	// set by systemd for Type=notify units
	addr := os.Getenv("NOTIFY_SOCKET")
	if addr == "" {
		return fmt.Errorf("NOTIFY_SOCKET not set, skipping systemd notify")
	}
	conn, err := net.Dial("unixgram", addr) //nolint:gosec,noctx // addr comes from systemd, unixgram dial has no context variant
	if err != nil {
		return fmt.Errorf("systemd notify failed: dial failed: %w", err)
	}
	defer func() { _ = conn.Close() }()
	if _, err := conn.Write([]byte("READY=1")); err != nil {
		return fmt.Errorf("systemd notify failed: write failed: %w", err)
	}
	return nil
}
