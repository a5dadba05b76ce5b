package jobqueue

import (
	"context"
	"slices"
	"sync"
	"time"
)

// MemoryQueue is an in-process Queue for single-node deployments and tests.
// Scheduled jobs are lost on restart.
type MemoryQueue struct {
	mu         sync.Mutex
	scheduled  map[string]*Job
	processing map[string]leased
	dead       []DeadJob
}

type leased struct {
	job      *Job
	deadline time.Time
}

// NewMemoryQueue returns an empty MemoryQueue.
func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{
		scheduled:  make(map[string]*Job),
		processing: make(map[string]leased),
	}
}

// Enqueue implements Queue.
func (q *MemoryQueue) Enqueue(_ context.Context, job *Job) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	cp := *job
	q.scheduled[job.ID] = &cp
	return nil
}

// Reserve implements Queue.
func (q *MemoryQueue) Reserve(_ context.Context, now time.Time, lease time.Duration, limit int) ([]*Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for id, l := range q.processing {
		if !now.Before(l.deadline) {
			delete(q.processing, id)
			q.scheduled[id] = l.job
		}
	}

	var due []*Job
	for _, j := range q.scheduled {
		if !j.RunAt.After(now) {
			due = append(due, j)
		}
	}
	slices.SortFunc(due, func(a, b *Job) int { return a.RunAt.Compare(b.RunAt) })
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}

	out := make([]*Job, 0, len(due))
	for _, j := range due {
		delete(q.scheduled, j.ID)
		q.processing[j.ID] = leased{job: j, deadline: now.Add(lease)}
		cp := *j
		out = append(out, &cp)
	}
	return out, nil
}

// Ack implements Queue.
func (q *MemoryQueue) Ack(_ context.Context, job *Job) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.processing, job.ID)
	return nil
}

// Fail implements Queue.
func (q *MemoryQueue) Fail(_ context.Context, job *Job, reason string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.processing, job.ID)
	q.dead = append([]DeadJob{{Job: *job, Reason: reason, FailedAt: time.Now().UTC()}}, q.dead...)
	if len(q.dead) > deadLimit {
		q.dead = q.dead[:deadLimit]
	}
	return nil
}

// Dead returns up to n most recently failed jobs.
func (q *MemoryQueue) Dead(_ context.Context, n int) ([]DeadJob, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if n > len(q.dead) {
		n = len(q.dead)
	}
	return slices.Clone(q.dead[:n]), nil
}

// Len reports scheduled and leased job counts.
func (q *MemoryQueue) Len() (scheduled, processing int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.scheduled), len(q.processing)
}
