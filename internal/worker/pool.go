package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"mealsync/internal/domain"
	"mealsync/internal/metrics"
	"mealsync/internal/models"

	"github.com/rs/zerolog"
)

// Handler executes one job. A returned error schedules a retry unless it is permanent
// or the attempt ceiling is reached.
type Handler func(ctx context.Context, job *models.Job) error

// ExhaustedFunc is called once a job has failed terminally.
type ExhaustedFunc func(ctx context.Context, job *models.Job, cause error)

type permanentError struct{ err error }

func (e permanentError) Error() string { return e.err.Error() }
func (e permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return permanentError{err: err}
}

func IsPermanent(err error) bool {
	var p permanentError
	return errors.As(err, &p)
}

type Options struct {
	Concurrency  int
	PollInterval time.Duration
	JobTimeout   time.Duration
	Retry        RetryPolicy
	OnExhausted  ExhaustedFunc
}

// Pool pulls jobs from one queue with a fixed number of worker slots.
type Pool struct {
	queue    domain.JobQueue
	handlers map[string]Handler
	opts     Options
	logger   zerolog.Logger
	now      func() time.Time
	wg       sync.WaitGroup
}

func NewPool(queue domain.JobQueue, opts Options, logger *zerolog.Logger) *Pool {
	if opts.Concurrency <= 0 {
		opts.Concurrency = 1
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = time.Second
	}
	if opts.JobTimeout <= 0 {
		opts.JobTimeout = 2 * time.Minute
	}
	if opts.Retry.MaxAttempts <= 0 {
		opts.Retry.MaxAttempts = 1
	}

	base := zerolog.Nop()
	if logger != nil {
		base = *logger
	}

	return &Pool{
		queue:    queue,
		handlers: make(map[string]Handler),
		opts:     opts,
		logger:   base.With().Str("component", "worker").Str("queue", queue.Name()).Logger(),
		now:      time.Now,
	}
}

// Handle registers h for jobs with the given name. Not safe to call after Start.
func (p *Pool) Handle(name string, h Handler) {
	p.handlers[name] = h
}

// Start launches the worker slots and returns. Slots stop claiming once ctx is done;
// a job already running is allowed to finish.
func (p *Pool) Start(ctx context.Context) {
	p.logger.Info().Int("concurrency", p.opts.Concurrency).Msg("worker pool started")
	for i := 0; i < p.opts.Concurrency; i++ {
		p.wg.Add(1)
		go func(slot int) {
			defer p.wg.Done()
			p.loop(ctx, slot)
		}(i)
	}
}

// Wait blocks until every slot has returned.
func (p *Pool) Wait() {
	p.wg.Wait()
	p.logger.Info().Msg("worker pool stopped")
}

// Run starts the pool and blocks until ctx is done and all slots have returned.
func (p *Pool) Run(ctx context.Context) {
	p.Start(ctx)
	p.Wait()
}

func (p *Pool) loop(ctx context.Context, slot int) {
	for {
		if ctx.Err() != nil {
			return
		}

		processed, err := p.ProcessNext(ctx)
		if err != nil {
			p.logger.Error().Err(err).Int("slot", slot).Msg("claim job")
		}
		if processed {
			continue
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(p.opts.PollInterval):
		}
	}
}

// ProcessNext claims and runs at most one job. It reports whether a job was run.
func (p *Pool) ProcessNext(ctx context.Context) (bool, error) {
	job, err := p.queue.Claim(ctx)
	if err != nil {
		return false, err
	}
	if job == nil {
		return false, nil
	}
	p.process(ctx, job)
	return true, nil
}

func (p *Pool) process(ctx context.Context, job *models.Job) {
	// Shutdown does not interrupt a running job; only its own timeout does.
	detached := context.WithoutCancel(ctx)
	runCtx, cancel := context.WithTimeout(detached, p.opts.JobTimeout)
	defer cancel()

	log := p.logger.With().Str("job_id", job.ID).Str("job", job.Name).Int("attempt", job.Attempts+1).Logger()
	start := p.now()

	err := p.execute(runCtx, job)
	metrics.ObserveJobDuration(p.queue.Name(), p.now().Sub(start))

	if err == nil {
		if cerr := p.queue.Complete(detached, job); cerr != nil {
			log.Error().Err(cerr).Msg("mark completed")
		}
		metrics.IncJob(p.queue.Name(), "completed")
		log.Debug().Msg("job completed")
		return
	}

	p.retryOrFail(detached, job, err, log)
}

func (p *Pool) execute(ctx context.Context, job *models.Job) (err error) {
	h, ok := p.handlers[job.Name]
	if !ok {
		return Permanent(fmt.Errorf("no handler for job %q", job.Name))
	}

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job panicked: %v", r)
		}
	}()
	return h(ctx, job)
}

func (p *Pool) retryOrFail(ctx context.Context, job *models.Job, cause error, log zerolog.Logger) {
	attempts := job.Attempts + 1
	policy := p.opts.Retry
	if job.MaxAttempts > 0 {
		policy.MaxAttempts = job.MaxAttempts
	}

	if IsPermanent(cause) || policy.Exhausted(attempts) {
		if err := p.queue.Fail(ctx, job, cause.Error()); err != nil {
			log.Error().Err(err).Msg("mark failed")
		}
		metrics.IncJob(p.queue.Name(), "failed")
		log.Warn().Err(cause).Msg("job failed terminally")
		if p.opts.OnExhausted != nil {
			p.opts.OnExhausted(ctx, job, cause)
		}
		return
	}

	delay := policy.NextDelay(attempts)
	if err := p.queue.Retry(ctx, job, cause.Error(), p.now().Add(delay)); err != nil {
		log.Error().Err(err).Msg("mark retry")
	}
	metrics.IncJob(p.queue.Name(), "retried")
	log.Info().Err(cause).Dur("delay", delay).Msg("job scheduled for retry")
}
