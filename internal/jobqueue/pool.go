package jobqueue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/linnemanlabs/go-core/log"
)

// Pool defaults.
const (
	DefaultWorkers      = 4
	DefaultPollInterval = time.Second
	DefaultJobTimeout   = 300 * time.Second
)

// Handler runs one job. A returned error marks the job dead.
type Handler interface {
	Handle(ctx context.Context, job *Job) error
}

// HandlerFunc adapts a plain function to Handler.
type HandlerFunc func(ctx context.Context, job *Job) error

// Handle implements Handler.
func (f HandlerFunc) Handle(ctx context.Context, job *Job) error { return f(ctx, job) }

// PoolConfig sizes and paces the worker pool. Zero values use the defaults.
type PoolConfig struct {
	Workers      int
	PollInterval time.Duration
	JobTimeout   time.Duration

	// Lease is how long a reserved job stays invisible. Defaults to
	// JobTimeout plus one minute so a live worker never loses its job.
	Lease time.Duration
}

func (c PoolConfig) withDefaults() PoolConfig {
	if c.Workers <= 0 {
		c.Workers = DefaultWorkers
	}
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.JobTimeout <= 0 {
		c.JobTimeout = DefaultJobTimeout
	}
	if c.Lease <= c.JobTimeout {
		c.Lease = c.JobTimeout + time.Minute
	}
	return c
}

// Pool polls a Queue and runs due jobs on a fixed number of workers.
type Pool struct {
	queue   Queue
	handler Handler
	cfg     PoolConfig
	logger  log.Logger
	metrics *Metrics
	now     func() time.Time
}

// NewPool creates a worker pool. Call Run to start it.
func NewPool(queue Queue, handler Handler, cfg PoolConfig, logger log.Logger, metrics *Metrics) *Pool {
	if logger == nil {
		logger = log.Nop()
	}
	return &Pool{
		queue:   queue,
		handler: handler,
		cfg:     cfg.withDefaults(),
		logger:  logger,
		metrics: metrics,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Run blocks until ctx is cancelled and every worker has finished its
// current job. Jobs already started are allowed to run to their own timeout.
func (p *Pool) Run(ctx context.Context) error {
	p.logger.Info(ctx, "worker pool starting",
		"workers", p.cfg.Workers,
		"poll_interval", p.cfg.PollInterval.String(),
		"job_timeout", p.cfg.JobTimeout.String(),
	)

	g, gctx := errgroup.WithContext(ctx)
	for i := range p.cfg.Workers {
		g.Go(func() error {
			p.work(gctx, i)
			return nil
		})
	}
	err := g.Wait()

	p.logger.Info(context.Background(), "worker pool stopped")
	return err
}

func (p *Pool) work(ctx context.Context, id int) {
	L := p.logger.With("worker", id)
	ticker := time.NewTicker(p.cfg.PollInterval)
	defer ticker.Stop()

	for {
		// drain everything due before sleeping
		for ctx.Err() == nil {
			jobs, err := p.queue.Reserve(ctx, p.now(), p.cfg.Lease, 1)
			if err != nil {
				if ctx.Err() == nil {
					p.metrics.observeQueueError("reserve")
					L.Warn(ctx, "reserve failed", "error", err)
				}
				break
			}
			if len(jobs) == 0 {
				break
			}
			for _, job := range jobs {
				p.runJob(ctx, L, job)
			}
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// runJob executes one job and settles it on the queue. The job context is
// detached from ctx so shutdown does not abort a half-written analysis.
func (p *Pool) runJob(ctx context.Context, L log.Logger, job *Job) {
	L = L.With("job_id", job.ID, "trace_id", job.CorrelationID)
	jctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.cfg.JobTimeout)
	defer cancel()
	jctx = log.WithContext(jctx, L)

	start := p.now()
	p.metrics.jobStarted(start.Sub(job.RunAt).Seconds())

	err := p.invoke(jctx, job)
	outcome := classify(err)
	p.metrics.jobFinished(outcome, time.Since(start).Seconds())

	// settle with a fresh deadline; jctx may already be spent
	sctx, scancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer scancel()

	if err == nil {
		if aerr := p.queue.Ack(sctx, job); aerr != nil {
			p.metrics.observeQueueError("ack")
			L.Error(sctx, aerr, "failed to ack job")
		}
		L.Info(jctx, "job completed", "duration", time.Since(start).Seconds())
		return
	}

	L.Error(jctx, err, "job failed", "outcome", outcome)
	if ferr := p.queue.Fail(sctx, job, err.Error()); ferr != nil {
		p.metrics.observeQueueError("fail")
		L.Error(sctx, ferr, "failed to dead-letter job")
	}
}

func (p *Pool) invoke(ctx context.Context, job *Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &panicError{value: r}
		}
	}()
	return p.handler.Handle(ctx, job)
}

type panicError struct{ value any }

func (e *panicError) Error() string { return fmt.Sprintf("panic: %v", e.value) }

func classify(err error) string {
	var pe *panicError
	switch {
	case err == nil:
		return OutcomeSuccess
	case errors.As(err, &pe):
		return OutcomePanic
	case errors.Is(err, context.DeadlineExceeded):
		return OutcomeTimeout
	default:
		return OutcomeError
	}
}
