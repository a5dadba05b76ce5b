package postgres

import (
	"context"
	"errors"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/linnemanlabs/go-core/log"
)

// maxLoggedStatement caps the statement text in query logs.
const maxLoggedStatement = 512

const modulePrefix = "github.com/linnemanlabs/sentinel/internal/"

type ctxKey int

const (
	ctxKeyQuery ctxKey = iota
	ctxKeyMethod
	ctxKeyJob
	ctxKeyStats
)

var queryObserver atomic.Pointer[QueryObserver]

// QueryObserver receives the duration of every statement, labelled by the
// request or job that issued it.
type QueryObserver interface {
	ObserveQuery(ctx context.Context, method, route, outcome string, dur time.Duration)
}

// QueryObserverFunc adapts a plain function to QueryObserver.
type QueryObserverFunc func(ctx context.Context, method, route, outcome string, dur time.Duration)

// ObserveQuery implements QueryObserver.
func (f QueryObserverFunc) ObserveQuery(ctx context.Context, method, route, outcome string, dur time.Duration) {
	f(ctx, method, route, outcome, dur)
}

// SetQueryObserver installs the process-wide observer. nil removes it.
func SetQueryObserver(o QueryObserver) {
	if o == nil {
		queryObserver.Store(nil)
		return
	}
	queryObserver.Store(&o)
}

func loadQueryObserver() QueryObserver {
	if p := queryObserver.Load(); p != nil {
		return *p
	}
	return nil
}

// WithHTTPMethod records the request method for query metric labels.
func WithHTTPMethod(ctx context.Context, method string) context.Context {
	if method == "" {
		return ctx
	}
	return context.WithValue(ctx, ctxKeyMethod, method)
}

// WithJob attributes queries issued by a queue worker to the named job.
// Without it they would be labelled "unknown".
func WithJob(ctx context.Context, name string) context.Context {
	if name == "" {
		return ctx
	}
	return context.WithValue(ctx, ctxKeyJob, name)
}

// QueryStats counts the statements run under one context.
type QueryStats struct {
	mu       sync.Mutex
	queries  int
	errors   int
	duration time.Duration
}

func (s *QueryStats) add(dur time.Duration, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queries++
	s.duration += dur
	if err != nil {
		s.errors++
	}
}

// Snapshot returns the totals so far.
func (s *QueryStats) Snapshot() (queries, errs int, total time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.queries, s.errors, s.duration
}

// WithQueryStats attaches a fresh QueryStats that every statement run under
// the returned context adds to.
func WithQueryStats(ctx context.Context) (context.Context, *QueryStats) {
	s := &QueryStats{}
	return context.WithValue(ctx, ctxKeyStats, s), s
}

func queryStatsFrom(ctx context.Context) *QueryStats {
	s, _ := ctx.Value(ctxKeyStats).(*QueryStats)
	return s
}

// labels returns the method and route a statement is attributed to. HTTP
// requests use the chi route pattern, workers use "job:<name>".
func labels(ctx context.Context) (method, route string) {
	method, _ = ctx.Value(ctxKeyMethod).(string)
	if rc := chi.RouteContext(ctx); rc != nil {
		route = rc.RoutePattern()
	}
	if job, ok := ctx.Value(ctxKeyJob).(string); ok && route == "" {
		route = "job:" + job
		if method == "" {
			method = "JOB"
		}
	}
	if method == "" {
		method = "NONE"
	}
	if route == "" {
		route = "unknown"
	}
	return method, route
}

// inflight is what TraceQueryStart hands to TraceQueryEnd.
type inflight struct {
	sql    string
	nargs  int
	start  time.Time
	site   callSite
	method string
	route  string
}

// queryTracer logs and times every statement and delegates span handling
// to an inner tracer (otelpgx).
type queryTracer struct {
	inner pgx.QueryTracer
}

func newQueryTracer(inner pgx.QueryTracer) pgx.QueryTracer {
	return queryTracer{inner: inner}
}

func (t queryTracer) TraceQueryStart(ctx context.Context, conn *pgx.Conn, data pgx.TraceQueryStartData) context.Context {
	q := &inflight{
		sql:   data.SQL,
		nargs: len(data.Args),
		start: time.Now(),
		site:  findCallSite(),
	}
	q.method, q.route = labels(ctx)

	// inner first so the db span exists before we annotate it
	if t.inner != nil {
		ctx = t.inner.TraceQueryStart(ctx, conn, data)
	}

	if span := trace.SpanFromContext(ctx); span.IsRecording() {
		span.SetAttributes(q.site.attributes()...)
	}

	return context.WithValue(ctx, ctxKeyQuery, q)
}

func (t queryTracer) TraceQueryEnd(ctx context.Context, conn *pgx.Conn, data pgx.TraceQueryEndData) {
	if t.inner != nil {
		t.inner.TraceQueryEnd(ctx, conn, data)
	}

	q, ok := ctx.Value(ctxKeyQuery).(*inflight)
	if !ok {
		return
	}
	dur := time.Since(q.start)

	if s := queryStatsFrom(ctx); s != nil {
		s.add(dur, data.Err)
	}

	outcome := "ok"
	if data.Err != nil {
		outcome = "error"
	}
	if obs := loadQueryObserver(); obs != nil {
		obs.ObserveQuery(ctx, q.method, q.route, outcome, dur)
	}

	// args are signal payloads and stack traces, only their count is logged
	fields := []any{
		"db.statement", truncateStatement(q.sql),
		"db.args_count", q.nargs,
		"db.duration", dur.Seconds(),
		"db.route", q.route,
	}
	if tag := data.CommandTag.String(); tag != "" {
		if op, _, _ := strings.Cut(tag, " "); op != "" {
			fields = append(fields, "db.operation.name", op)
		}
		fields = append(fields, "db.rows", data.CommandTag.RowsAffected())
	}
	if q.site.store != "" {
		fields = append(fields, "db.caller", q.site.store)
	}
	if q.site.origin != "" {
		fields = append(fields, "db.handler", q.site.origin)
	}

	L := log.FromContext(ctx)
	if data.Err != nil {
		var pgErr *pgconn.PgError
		if errors.As(data.Err, &pgErr) {
			fields = append(fields, "db.error_code", pgErr.Code, "db.error_constraint", pgErr.ConstraintName)
		}
		L.Error(ctx, data.Err, "db query failed", fields...)
		return
	}
	L.Info(ctx, "db query", fields...)
}

func truncateStatement(sql string) string {
	sql = strings.Join(strings.Fields(sql), " ")
	if utf8.RuneCountInString(sql) <= maxLoggedStatement {
		return sql
	}
	r := []rune(sql)
	return string(r[:maxLoggedStatement]) + "..."
}

// callSite names the store method that ran a statement and the first
// frame above the storage layer that asked for it.
type callSite struct {
	store  string
	origin string
}

func (c callSite) attributes() []attribute.KeyValue {
	var attrs []attribute.KeyValue
	if c.store != "" {
		attrs = append(attrs, attribute.String("db.caller", c.store))
	}
	if c.origin != "" {
		attrs = append(attrs, attribute.String("db.handler", c.origin))
	}
	return attrs
}

func findCallSite() callSite {
	pcs := make([]uintptr, 32)
	n := runtime.Callers(4, pcs)
	frames := runtime.CallersFrames(pcs[:n])

	var site callSite
	for {
		fr, more := frames.Next()
		if fn := fr.Function; strings.HasPrefix(fn, modulePrefix) && !strings.HasPrefix(fn, modulePrefix+"postgres.") {
			storage := strings.HasPrefix(fn, modulePrefix+"incident/pgstore.")
			switch {
			case storage && site.store == "":
				site.store = shortenFuncName(fn)
			case !storage:
				site.origin = shortenFuncName(fn)
				return site
			}
		}
		if !more {
			return site
		}
	}
}

// shortenFuncName drops the import path and package name, keeping the
// receiver and method.
func shortenFuncName(fn string) string {
	if i := strings.LastIndex(fn, "/"); i >= 0 && i+1 < len(fn) {
		fn = fn[i+1:]
	}
	if dot := strings.Index(fn, "."); dot >= 0 && dot+1 < len(fn) {
		fn = fn[dot+1:]
	}
	return fn
}
