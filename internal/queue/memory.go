package queue

import (
	"context"
	"sort"
	"sync"
	"time"

	"mealsync/internal/models"
)

// MemoryQueue is a process-local queue. It keeps the same semantics as the Redis
// backend and is used for single-process deployments and tests.
type MemoryQueue struct {
	name      string
	retention time.Duration
	now       func() time.Time

	mu      sync.Mutex
	jobs    map[string]*models.Job
	waiting []string
}

func NewMemoryQueue(name string, retention time.Duration) *MemoryQueue {
	if retention <= 0 {
		retention = models.DefaultJobRetention
	}
	return &MemoryQueue{
		name:      name,
		retention: retention,
		now:       time.Now,
		jobs:      make(map[string]*models.Job),
	}
}

func (q *MemoryQueue) Name() string { return q.name }

func (q *MemoryQueue) Add(_ context.Context, job *models.Job) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.now()
	q.pruneLocked(now)

	if existing, ok := q.jobs[job.ID]; ok && job.ID != "" && existing.State.Blocking() {
		return false, nil
	}

	prepare(job, q.name, now)
	stored := *job
	q.jobs[job.ID] = &stored
	if stored.State == models.JobWaiting {
		q.waiting = append(q.waiting, job.ID)
	}
	return true, nil
}

func (q *MemoryQueue) GetState(_ context.Context, id string) (models.JobState, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.pruneLocked(q.now())
	if j, ok := q.jobs[id]; ok {
		return j.State, nil
	}
	return "", nil
}

// Get returns a copy of the stored job.
func (q *MemoryQueue) Get(_ context.Context, id string) (*models.Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	j, ok := q.jobs[id]
	if !ok {
		return nil, ErrJobNotFound
	}
	cp := *j
	return &cp, nil
}

func (q *MemoryQueue) Claim(_ context.Context) (*models.Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.now()
	q.promoteDueLocked(now)

	for len(q.waiting) > 0 {
		id := q.waiting[0]
		q.waiting = q.waiting[1:]

		j, ok := q.jobs[id]
		if !ok || j.State != models.JobWaiting {
			continue
		}
		j.State = models.JobActive
		j.UpdatedAt = now
		cp := *j
		return &cp, nil
	}
	return nil, nil
}

func (q *MemoryQueue) promoteDueLocked(now time.Time) {
	var due []*models.Job
	for _, j := range q.jobs {
		if j.State == models.JobDelayed && !j.RunAt.After(now) {
			due = append(due, j)
		}
	}
	sort.Slice(due, func(a, b int) bool { return due[a].RunAt.Before(due[b].RunAt) })
	for _, j := range due {
		j.State = models.JobWaiting
		q.waiting = append(q.waiting, j.ID)
	}
}

func (q *MemoryQueue) Complete(_ context.Context, job *models.Job) error {
	return q.finish(job, models.JobCompleted, "")
}

func (q *MemoryQueue) Fail(_ context.Context, job *models.Job, cause string) error {
	return q.finish(job, models.JobFailed, cause)
}

func (q *MemoryQueue) finish(job *models.Job, state models.JobState, cause string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	j, ok := q.jobs[job.ID]
	if !ok {
		return ErrJobNotFound
	}
	j.Attempts++
	j.State = state
	j.LastError = cause
	j.UpdatedAt = q.now()
	*job = *j
	return nil
}

func (q *MemoryQueue) Retry(_ context.Context, job *models.Job, cause string, runAt time.Time) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	j, ok := q.jobs[job.ID]
	if !ok {
		return ErrJobNotFound
	}
	j.Attempts++
	j.State = models.JobDelayed
	j.LastError = cause
	j.RunAt = runAt
	j.UpdatedAt = q.now()
	*job = *j
	return nil
}

func (q *MemoryQueue) Remove(_ context.Context, id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.jobs, id)
	return nil
}

func (q *MemoryQueue) Stats(_ context.Context) (models.QueueStats, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var s models.QueueStats
	for _, j := range q.jobs {
		switch j.State {
		case models.JobWaiting:
			s.Waiting++
		case models.JobActive:
			s.Active++
		case models.JobDelayed:
			s.Delayed++
		}
	}
	return s, nil
}

func (q *MemoryQueue) pruneLocked(now time.Time) {
	for id, j := range q.jobs {
		if !j.State.Blocking() && now.Sub(j.UpdatedAt) > q.retention {
			delete(q.jobs, id)
		}
	}
}
