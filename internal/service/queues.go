package service

import (
	"context"
	"errors"
	"fmt"

	"mealsync/internal/domain"
	"mealsync/internal/metrics"
	"mealsync/internal/models"
)

var ErrUnknownQueue = errors.New("unknown queue")

// QueueSet looks queues up by name for state queries.
type QueueSet struct {
	queues map[string]domain.JobQueue
}

func NewQueueSet(queues ...domain.JobQueue) *QueueSet {
	set := &QueueSet{queues: make(map[string]domain.JobQueue, len(queues))}
	for _, q := range queues {
		set.queues[q.Name()] = q
	}
	return set
}

func (s *QueueSet) Get(name string) (domain.JobQueue, error) {
	q, ok := s.queues[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownQueue, name)
	}
	return q, nil
}

// JobState returns the state of a job, or "" when the queue does not know it.
func (s *QueueSet) JobState(ctx context.Context, queueName, jobID string) (models.JobState, error) {
	q, err := s.Get(queueName)
	if err != nil {
		return "", err
	}
	return q.GetState(ctx, jobID)
}

// IsJobInQueue reports whether the job is still waiting, active or delayed.
func (s *QueueSet) IsJobInQueue(ctx context.Context, queueName, jobID string) (bool, error) {
	state, err := s.JobState(ctx, queueName, jobID)
	if err != nil {
		return false, err
	}
	return state.Blocking(), nil
}

// ReportDepth publishes per-state job counts of every queue as gauges.
func (s *QueueSet) ReportDepth(ctx context.Context) error {
	var errs []error
	for name, q := range s.queues {
		stats, err := q.Stats(ctx)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
			continue
		}
		metrics.SetQueueDepth(name, stats.Waiting, stats.Active, stats.Delayed)
	}
	return errors.Join(errs...)
}
