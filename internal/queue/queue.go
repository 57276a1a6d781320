// Package queue holds the job queue backends used by the worker pools.
package queue

import (
	"errors"
	"time"

	"mealsync/internal/models"

	"github.com/google/uuid"
)

var ErrJobNotFound = errors.New("job not found")

// prepare fills defaults on a job before it is stored.
func prepare(job *models.Job, queueName string, now time.Time) {
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	job.Queue = queueName
	if job.MaxAttempts <= 0 {
		job.MaxAttempts = 1
	}
	job.Attempts = 0
	job.LastError = ""
	job.CreatedAt = now
	job.UpdatedAt = now
	if job.RunAt.After(now) {
		job.State = models.JobDelayed
	} else {
		job.RunAt = now
		job.State = models.JobWaiting
	}
}
