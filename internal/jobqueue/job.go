// Package jobqueue schedules delayed analysis jobs and runs them on a bounded
// worker pool. Jobs are delivered at least once: a worker that dies mid-job
// leaves a lease that expires and makes the job due again.
package jobqueue

import (
	"context"
	"errors"
	"time"
)

// ErrScheduling wraps any failure to enqueue a job.
var ErrScheduling = errors.New("scheduling error")

// Job is one delayed unit of analysis work for a correlation id.
type Job struct {
	ID            string    `json:"id"`
	CorrelationID string    `json:"trace_id"`
	EnqueuedAt    time.Time `json:"enqueued_at"`
	RunAt         time.Time `json:"run_at"`
}

// DeadJob is a failed job kept for inspection.
type DeadJob struct {
	Job
	Reason   string    `json:"reason"`
	FailedAt time.Time `json:"failed_at"`
}

// Queue is a delayed, leased job queue.
type Queue interface {
	// Enqueue stores job until its RunAt.
	Enqueue(ctx context.Context, job *Job) error

	// Reserve leases up to limit jobs due at now. Leased jobs are invisible to
	// other callers until Ack, Fail or the lease expires.
	Reserve(ctx context.Context, now time.Time, lease time.Duration, limit int) ([]*Job, error)

	// Ack removes a finished job.
	Ack(ctx context.Context, job *Job) error

	// Fail removes a job and records it as dead. Failed jobs are not retried.
	Fail(ctx context.Context, job *Job, reason string) error
}
