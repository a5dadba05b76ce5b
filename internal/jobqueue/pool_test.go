package jobqueue

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func startPool(t *testing.T, q Queue, h Handler, cfg PoolConfig) (*Metrics, func()) {
	t.Helper()
	m := NewMetrics(prometheus.NewRegistry())
	p := NewPool(q, h, cfg, nil, m)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	return m, func() {
		cancel()
		select {
		case err := <-done:
			if err != nil {
				t.Errorf("Run: %v", err)
			}
		case <-time.After(5 * time.Second):
			t.Error("pool did not stop")
		}
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met in time")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestPool_RunsDueJobs(t *testing.T) {
	t.Parallel()

	q := NewMemoryQueue()
	var (
		mu  sync.Mutex
		ran []string
	)
	h := HandlerFunc(func(_ context.Context, job *Job) error {
		mu.Lock()
		ran = append(ran, job.CorrelationID)
		mu.Unlock()
		return nil
	})

	past := time.Now().UTC().Add(-time.Second)
	for _, id := range []string{"1", "2", "3"} {
		_ = q.Enqueue(context.Background(), newJob(id, past))
	}
	_ = q.Enqueue(context.Background(), newJob("future", time.Now().UTC().Add(time.Hour)))

	m, stop := startPool(t, q, h, PoolConfig{Workers: 2, PollInterval: 10 * time.Millisecond})
	waitFor(t, func() bool { return testutil.ToFloat64(m.JobsTotal.WithLabelValues(OutcomeSuccess)) == 3 })
	stop()

	mu.Lock()
	defer mu.Unlock()
	if len(ran) != 3 {
		t.Errorf("ran %v, want 3 jobs", ran)
	}
	scheduled, processing := q.Len()
	if scheduled != 1 || processing != 0 {
		t.Errorf("Len = %d/%d, want future job still scheduled", scheduled, processing)
	}
}

func TestPool_FailedJobIsDead(t *testing.T) {
	t.Parallel()

	q := NewMemoryQueue()
	h := HandlerFunc(func(context.Context, *Job) error { return errors.New("llm unavailable") })
	_ = q.Enqueue(context.Background(), newJob("x", time.Now().UTC()))

	m, stop := startPool(t, q, h, PoolConfig{Workers: 1, PollInterval: 10 * time.Millisecond})
	waitFor(t, func() bool { return testutil.ToFloat64(m.JobsTotal.WithLabelValues(OutcomeError)) == 1 })
	stop()

	dead, _ := q.Dead(context.Background(), 10)
	if len(dead) != 1 || dead[0].Reason != "llm unavailable" {
		t.Errorf("dead = %+v", dead)
	}
}

func TestPool_PanicContained(t *testing.T) {
	t.Parallel()

	q := NewMemoryQueue()
	var calls sync.WaitGroup
	calls.Add(2)
	h := HandlerFunc(func(_ context.Context, job *Job) error {
		defer calls.Done()
		if job.ID == "bad" {
			panic("nil map")
		}
		return nil
	})
	now := time.Now().UTC()
	_ = q.Enqueue(context.Background(), newJob("bad", now.Add(-2*time.Second)))
	_ = q.Enqueue(context.Background(), newJob("good", now.Add(-time.Second)))

	m, stop := startPool(t, q, h, PoolConfig{Workers: 1, PollInterval: 10 * time.Millisecond})
	calls.Wait()
	waitFor(t, func() bool { return testutil.ToFloat64(m.JobsTotal.WithLabelValues(OutcomeSuccess)) == 1 })
	stop()

	if got := testutil.ToFloat64(m.JobsTotal.WithLabelValues(OutcomePanic)); got != 1 {
		t.Errorf("panic outcomes = %v, want 1", got)
	}
}

func TestPool_JobTimeout(t *testing.T) {
	t.Parallel()

	q := NewMemoryQueue()
	h := HandlerFunc(func(ctx context.Context, _ *Job) error {
		<-ctx.Done()
		return ctx.Err()
	})
	_ = q.Enqueue(context.Background(), newJob("slow", time.Now().UTC()))

	m, stop := startPool(t, q, h, PoolConfig{Workers: 1, PollInterval: 10 * time.Millisecond, JobTimeout: 50 * time.Millisecond})
	waitFor(t, func() bool { return testutil.ToFloat64(m.JobsTotal.WithLabelValues(OutcomeTimeout)) == 1 })
	stop()
}

func TestPool_ShutdownWaitsForRunningJob(t *testing.T) {
	t.Parallel()

	q := NewMemoryQueue()
	started := make(chan struct{})
	release := make(chan struct{})
	var finished bool
	h := HandlerFunc(func(ctx context.Context, _ *Job) error {
		close(started)
		<-release
		finished = ctx.Err() == nil
		return nil
	})
	_ = q.Enqueue(context.Background(), newJob("long", time.Now().UTC()))

	m, stop := startPool(t, q, h, PoolConfig{Workers: 1, PollInterval: 10 * time.Millisecond})
	<-started

	stopped := make(chan struct{})
	go func() {
		stop()
		close(stopped)
	}()

	select {
	case <-stopped:
		t.Fatal("pool stopped while a job was still running")
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	<-stopped

	if !finished {
		t.Error("job context was cancelled by shutdown")
	}
	if got := testutil.ToFloat64(m.JobsTotal.WithLabelValues(OutcomeSuccess)); got != 1 {
		t.Errorf("success outcomes = %v, want 1", got)
	}
}

func TestPoolConfig_Defaults(t *testing.T) {
	t.Parallel()

	c := PoolConfig{}.withDefaults()
	if c.Workers != DefaultWorkers || c.PollInterval != DefaultPollInterval || c.JobTimeout != DefaultJobTimeout {
		t.Errorf("defaults = %+v", c)
	}
	if c.Lease <= c.JobTimeout {
		t.Errorf("Lease = %v must exceed JobTimeout", c.Lease)
	}
}
