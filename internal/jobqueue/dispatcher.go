package jobqueue

import (
	"context"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"
)

// DefaultDelay is how long evidence accumulates before analysis runs.
const DefaultDelay = 60 * time.Second

// Dispatcher schedules analysis jobs a fixed delay into the future.
type Dispatcher struct {
	queue   Queue
	delay   time.Duration
	metrics *Metrics
	now     func() time.Time
}

// NewDispatcher returns a Dispatcher over queue. A negative delay uses DefaultDelay.
func NewDispatcher(queue Queue, delay time.Duration, metrics *Metrics) *Dispatcher {
	if delay < 0 {
		delay = DefaultDelay
	}
	return &Dispatcher{
		queue:   queue,
		delay:   delay,
		metrics: metrics,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Schedule enqueues an analysis job for correlationID.
func (d *Dispatcher) Schedule(ctx context.Context, correlationID string) error {
	now := d.now()
	job := &Job{
		ID:            ulid.Make().String(),
		CorrelationID: correlationID,
		EnqueuedAt:    now,
		RunAt:         now.Add(d.delay),
	}
	if err := d.queue.Enqueue(ctx, job); err != nil {
		return fmt.Errorf("%w: enqueue analysis for %s: %w", ErrScheduling, correlationID, err)
	}
	d.metrics.observeEnqueue()
	return nil
}
